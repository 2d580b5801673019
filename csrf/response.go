package csrf

import (
	"encoding/json"
	"net/http"
)

// ForbiddenResponse is the 403 body clients match on.
type ForbiddenResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteForbidden writes 403 {"error":"Forbidden","message":"Invalid CSRF token"}.
func WriteForbidden(w http.ResponseWriter) {
	writeJSON(w, http.StatusForbidden, ForbiddenResponse{
		Error:   "Forbidden",
		Message: "Invalid CSRF token",
	})
}

func writeServerError(w http.ResponseWriter) {
	writeJSON(w, http.StatusInternalServerError, ForbiddenResponse{
		Error:   "Internal Server Error",
		Message: "request could not be processed",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
