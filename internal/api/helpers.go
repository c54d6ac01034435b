package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/vdavid/vmail-leases/internal/lease"
)

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as the response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("API: failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// ParseLimit parses the "limit" query parameter.
// Returns defaultLimit if the parameter is missing or invalid.
func ParseLimit(r *http.Request, defaultLimit int) int {
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultLimit
}

// borrowerForRequest names leases taken while serving r after its request ID.
func borrowerForRequest(r *http.Request) lease.Borrower {
	if id := middleware.GetReqID(r.Context()); id != "" {
		return lease.Borrower("request-" + id)
	}
	return lease.BorrowerFromContext(r.Context())
}
