package auth

import (
	"encoding/json"
	"net/http"
)

// UnauthorizedResponse is the 401 body for protected API endpoints.
type UnauthorizedResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteUnauthorized writes 401 {"error":"Unauthorized","message":"Authentication required"}.
func WriteUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(UnauthorizedResponse{
		Error:   "Unauthorized",
		Message: "Authentication required",
	})
}
