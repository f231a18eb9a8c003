package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/docker/go-units"
	"github.com/gluk-w/sshdeck/internal/sshterminal"
	"github.com/gluk-w/sshdeck/internal/transport"
	"github.com/go-chi/chi/v5"
)

type terminalResponse struct {
	sshterminal.Info
	ScrollbackSize string `json:"scrollback_size"`
}

func toTerminalResponse(info sshterminal.Info) terminalResponse {
	return terminalResponse{
		Info:           info,
		ScrollbackSize: units.BytesSize(float64(info.ScrollbackLen)),
	}
}

func CreateTerminal(w http.ResponseWriter, r *http.Request) {
	if !requireRegistry(w) {
		return
	}
	tid, err := Registry.CreateTerminalSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeSSHError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"terminal_id": tid})
}

func ListTerminals(w http.ResponseWriter, r *http.Request) {
	if !requireRegistry(w) {
		return
	}
	infos, err := Registry.ListTerminalSessions(chi.URLParam(r, "id"))
	if err != nil {
		writeSSHError(w, err)
		return
	}
	resp := make([]terminalResponse, 0, len(infos))
	for _, info := range infos {
		resp = append(resp, toTerminalResponse(info))
	}
	writeJSON(w, http.StatusOK, resp)
}

func GetTerminal(w http.ResponseWriter, r *http.Request) {
	if !requireRegistry(w) {
		return
	}
	info, err := Registry.GetTerminalSession(chi.URLParam(r, "id"), chi.URLParam(r, "tid"))
	if err != nil {
		writeSSHError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTerminalResponse(info))
}

// SendTerminalInput forwards the raw request body to the terminal.
func SendTerminalInput(w http.ResponseWriter, r *http.Request) {
	if !requireRegistry(w) {
		return
	}
	// one byte over the limit is enough for the terminal to reject it
	data, err := io.ReadAll(io.LimitReader(r.Body, sshterminal.MaxInputMessageSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read input: "+err.Error())
		return
	}
	if err := Registry.SendTerminalInput(chi.URLParam(r, "id"), chi.URLParam(r, "tid"), data); err != nil {
		writeSSHError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResizeTerminal takes a JSON window size. Pixel sizes are optional.
func ResizeTerminal(w http.ResponseWriter, r *http.Request) {
	if !requireRegistry(w) {
		return
	}
	var size transport.WindowSize
	if err := decodeJSON(r, &size); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := Registry.ResizeTerminal(chi.URLParam(r, "id"), chi.URLParam(r, "tid"), size); err != nil {
		writeSSHError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func CloseTerminal(w http.ResponseWriter, r *http.Request) {
	if !requireRegistry(w) {
		return
	}
	if err := Registry.CloseTerminalSession(chi.URLParam(r, "id"), chi.URLParam(r, "tid")); err != nil {
		writeSSHError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetTerminalScrollback returns the retained output of a terminal as raw
// bytes.
func GetTerminalScrollback(w http.ResponseWriter, r *http.Request) {
	if !requireRegistry(w) {
		return
	}
	data, end, err := Registry.TerminalScrollback(chi.URLParam(r, "id"), chi.URLParam(r, "tid"))
	if err != nil {
		writeSSHError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Scrollback-Offset", strconv.FormatUint(end, 10))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
