package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"lsppool/internal/pool"
	"lsppool/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusFor maps service errors to an HTTP status and, for refusals (429 and
// 503), a rejection reason.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, pool.ErrLeaseTimeout):
		return http.StatusTooManyRequests, "lease_timeout"
	case errors.Is(err, pool.ErrNoInstance):
		return http.StatusTooManyRequests, "no_instance"
	case pool.IsTooBusy(err):
		return http.StatusTooManyRequests, "busy"
	case pool.IsUnavailable(err):
		return http.StatusServiceUnavailable, "circuit_open"
	case errors.Is(err, pool.ErrPoolClosed):
		return http.StatusServiceUnavailable, "closed"
	case errors.Is(err, pool.ErrInvalidKey):
		return http.StatusBadRequest, ""
	case errors.Is(err, pool.ErrInstanceDead):
		return http.StatusBadGateway, ""
	}
	var he HTTPError
	if errors.As(err, &he) {
		return he.StatusCode(), ""
	}
	return http.StatusInternalServerError, ""
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}
