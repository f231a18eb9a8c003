package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/gluk-w/sshdeck/internal/sshconn"
	"github.com/gluk-w/sshdeck/internal/ssherr"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// statusForKind maps an error kind to the HTTP status reported to clients.
func statusForKind(kind ssherr.Kind) int {
	switch kind {
	case ssherr.Validation:
		return http.StatusBadRequest
	case ssherr.NotFound:
		return http.StatusNotFound
	case ssherr.AuthFailure:
		return http.StatusUnauthorized
	case ssherr.StateFailure:
		return http.StatusConflict
	case ssherr.TransportFailure:
		return http.StatusBadGateway
	case ssherr.Unimplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// writeSSHError reports a registry error. Validation failures also list every
// offending field.
func writeSSHError(w http.ResponseWriter, err error) {
	status := statusForKind(ssherr.KindOf(err))
	if status == http.StatusInternalServerError {
		log.Printf("[api] internal error: %v", err)
	}

	var ve sshconn.ValidationErrors
	if errors.As(err, &ve) {
		writeJSON(w, status, map[string]interface{}{
			"detail": err.Error(),
			"errors": ve,
		})
		return
	}
	writeError(w, status, err.Error())
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
