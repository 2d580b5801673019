package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// LockedResponse is the 429 body clients match on.
type LockedResponse struct {
	Error             string `json:"error"`
	RateLimitExceeded bool   `json:"rateLimitExceeded"`
	RemainingSeconds  int    `json:"remainingSeconds"`
}

// WriteLocked writes 429 Too Many Requests with a Retry-After header and a
// body carrying rateLimitExceeded and remainingSeconds.
func WriteLocked(w http.ResponseWriter, err *LockedError) {
	secs := err.RemainingSeconds()
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(LockedResponse{
		Error:             fmt.Sprintf("Too many failed login attempts. Try again in %d seconds.", secs),
		RateLimitExceeded: true,
		RemainingSeconds:  secs,
	})
}
