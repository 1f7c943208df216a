package api

import (
	"encoding/json"
	"net/http"
	"strconv"
)

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Error: msg})
}

// partnerError is the error body returned on partner-facing routes.
type partnerError struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

func respondPartnerError(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, partnerError{ErrorCode: code, Message: msg})
}

// int64Param parses a positive integer path or query value.
func int64Param(raw string) (int64, bool) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// intQuery returns the query value as an int, or def when absent or invalid.
func intQuery(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
