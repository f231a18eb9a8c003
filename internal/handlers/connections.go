package handlers

import (
	"log"
	"net/http"
	"time"

	"github.com/docker/go-units"
	"github.com/gluk-w/sshdeck/internal/logging"
	"github.com/gluk-w/sshdeck/internal/sshconn"
	"github.com/gluk-w/sshdeck/internal/sshmanager"
	"github.com/go-chi/chi/v5"
)

// Registry is set from main.go during init.
var Registry *sshmanager.ConnectionManager

type connectionResponse struct {
	sshmanager.ConnectionState
	LastActivityAgo string `json:"last_activity_ago"`
	SessionInfo     string `json:"session_info,omitempty"`
}

func toConnectionResponse(st sshmanager.ConnectionState) connectionResponse {
	resp := connectionResponse{ConnectionState: st}
	if !st.LastActivity.IsZero() {
		resp.LastActivityAgo = units.HumanDuration(time.Since(st.LastActivity)) + " ago"
	}
	if st.Status == sshmanager.StatusConnected {
		resp.SessionInfo, _ = Registry.GetSessionInfo(st.ID)
	}
	return resp
}

func requireRegistry(w http.ResponseWriter) bool {
	if Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "Connection registry not initialized")
		return false
	}
	return true
}

// CreateConnection registers a connection and starts connecting in the
// background. The outcome is visible through the state and the event stream.
func CreateConnection(w http.ResponseWriter, r *http.Request) {
	if !requireRegistry(w) {
		return
	}
	var cfg sshconn.ConnectionConfig
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	id, err := Registry.CreateConnection(cfg)
	if err != nil {
		writeSSHError(w, err)
		return
	}
	log.Printf("[api] connection %s created for %s@%s", id,
		logging.Sanitize(cfg.Username), logging.Sanitize(cfg.Address()))
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func ListConnections(w http.ResponseWriter, r *http.Request) {
	if !requireRegistry(w) {
		return
	}
	states := Registry.ListConnectionStates()
	resp := make([]connectionResponse, 0, len(states))
	for _, st := range states {
		resp = append(resp, toConnectionResponse(st))
	}
	writeJSON(w, http.StatusOK, resp)
}

func ListConnectionIDs(w http.ResponseWriter, r *http.Request) {
	if !requireRegistry(w) {
		return
	}
	ids := Registry.ListConnectionIDs()
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

func GetConnection(w http.ResponseWriter, r *http.Request) {
	if !requireRegistry(w) {
		return
	}
	st, err := Registry.GetConnectionState(chi.URLParam(r, "id"))
	if err != nil {
		writeSSHError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConnectionResponse(st))
}

func GetConnectionTransitions(w http.ResponseWriter, r *http.Request) {
	if !requireRegistry(w) {
		return
	}
	transitions, err := Registry.GetStateTransitions(chi.URLParam(r, "id"))
	if err != nil {
		writeSSHError(w, err)
		return
	}
	if transitions == nil {
		transitions = []sshmanager.StateTransition{}
	}
	writeJSON(w, http.StatusOK, transitions)
}

// ConnectConnection connects a registered connection and waits for the
// outcome.
func ConnectConnection(w http.ResponseWriter, r *http.Request) {
	if !requireRegistry(w) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := Registry.ConnectExisting(r.Context(), id); err != nil {
		writeSSHError(w, err)
		return
	}
	writeConnectionState(w, id)
}

func DisconnectConnection(w http.ResponseWriter, r *http.Request) {
	if !requireRegistry(w) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := Registry.DisconnectConnection(id); err != nil {
		writeSSHError(w, err)
		return
	}
	writeConnectionState(w, id)
}

func DeleteConnection(w http.ResponseWriter, r *http.Request) {
	if !requireRegistry(w) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := Registry.RemoveConnection(id); err != nil {
		writeSSHError(w, err)
		return
	}
	log.Printf("[api] connection %s removed", logging.Sanitize(id))
	w.WriteHeader(http.StatusNoContent)
}

// ResetConnectionRateLimit clears the connect attempt history so a blocked
// connection can be retried at once.
func ResetConnectionRateLimit(w http.ResponseWriter, r *http.Request) {
	if !requireRegistry(w) {
		return
	}
	if err := Registry.ResetRateLimit(chi.URLParam(r, "id")); err != nil {
		writeSSHError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeConnectionState(w http.ResponseWriter, id string) {
	st, err := Registry.GetConnectionState(id)
	if err != nil {
		// removed concurrently
		writeSSHError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConnectionResponse(st))
}
