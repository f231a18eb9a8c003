package handlers

import "github.com/go-chi/chi/v5"

// RegisterRoutes mounts the API on r. main.go mounts it under /api/v1.
func RegisterRoutes(r chi.Router) {
	r.Get("/health", HealthCheck)

	// Connections
	r.Post("/connections", CreateConnection)
	r.Get("/connections", ListConnections)
	r.Get("/connections/ids", ListConnectionIDs)
	r.Get("/connections/{id}", GetConnection)
	r.Delete("/connections/{id}", DeleteConnection)
	r.Get("/connections/{id}/transitions", GetConnectionTransitions)
	r.Post("/connections/{id}/connect", ConnectConnection)
	r.Post("/connections/{id}/disconnect", DisconnectConnection)
	r.Post("/connections/{id}/rate-limit/reset", ResetConnectionRateLimit)

	// Terminals
	r.Post("/connections/{id}/terminals", CreateTerminal)
	r.Get("/connections/{id}/terminals", ListTerminals)
	r.Get("/connections/{id}/terminals/{tid}", GetTerminal)
	r.Delete("/connections/{id}/terminals/{tid}", CloseTerminal)
	r.Post("/connections/{id}/terminals/{tid}/input", SendTerminalInput)
	r.Post("/connections/{id}/terminals/{tid}/resize", ResizeTerminal)
	r.Get("/connections/{id}/terminals/{tid}/scrollback", GetTerminalScrollback)
	r.Get("/connections/{id}/terminals/{tid}/attach", TerminalAttachWS)

	// Event stream
	r.Get("/events", EventStreamWS)

	// Audit and server logs
	r.Get("/audit", GetAuditLogs)
	r.Delete("/audit", PurgeAuditLogs)
	r.Get("/logs", GetServerLogs)
	r.Delete("/logs", ClearServerLogs)
}
