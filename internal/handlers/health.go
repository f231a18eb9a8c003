package handlers

import (
	"net/http"

	"github.com/gluk-w/sshdeck/internal/database"
	"github.com/gluk-w/sshdeck/internal/sshevents"
)

// EventBus is set from main.go during init; only its counters are read here.
var EventBus *sshevents.Bus

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if err := database.Ping(); err == nil {
		dbStatus = "connected"
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	resp := map[string]interface{}{
		"status":   status,
		"database": dbStatus,
	}
	if Registry != nil {
		resp["connections"] = Registry.Count()
		resp["terminals"] = Registry.TerminalCount()
	}
	if EventBus != nil {
		resp["events_queued"] = EventBus.Len()
		resp["events_dropped"] = EventBus.Dropped()
	}
	if EventsHub != nil {
		resp["event_subscribers"] = EventsHub.Count()
	}
	writeJSON(w, http.StatusOK, resp)
}
