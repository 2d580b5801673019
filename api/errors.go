package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: http.StatusText(status), Message: msg})
}

// serverError logs err and writes a generic 500. Internal detail never
// reaches the client.
func (a *API) serverError(w http.ResponseWriter, r *http.Request, err error) {
	a.audit.logger.LogAttrs(r.Context(), slog.LevelError, "request failed",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	writeError(w, http.StatusInternalServerError, "request could not be processed")
}
