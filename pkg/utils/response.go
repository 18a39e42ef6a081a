// Package utils holds small HTTP helpers shared by the operational endpoints.
package utils

import (
	"encoding/json"
	"net/http"
)

// RespondJSON writes payload as an uncached JSON response. Encoding errors
// mean the client went away and are dropped.
func RespondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// RespondError writes a JSON error body with the given status.
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, map[string]string{"error": message})
}
