package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"locallab/internal/manager"
	"locallab/pkg/types"
)

// HTTPError lets a service choose the status code for its error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusFor maps manager and generation errors to HTTP status codes.
func statusFor(err error) int {
	var he HTTPError
	switch {
	case errors.As(err, &he):
		return he.StatusCode()
	case manager.IsModelNotFound(err):
		return http.StatusNotFound
	case manager.IsInsufficientResource(err), manager.IsOutOfMemory(err):
		return http.StatusInsufficientStorage
	case manager.IsModelLoad(err):
		return http.StatusBadGateway
	case manager.IsValidation(err):
		return http.StatusBadRequest
	case manager.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, manager.ErrNoModelLoaded), manager.IsDependencyUnavailable(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, manager.ErrLoadInProgress), errors.Is(err, manager.ErrModelSwapped):
		return http.StatusConflict
	case manager.IsTooBusy(err):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zlog.Warn().Err(err).Msg("encode response")
	}
}

// writeError maps err and counts backpressure rejections.
func writeError(w http.ResponseWriter, err error) int {
	status := statusFor(err)
	if status == http.StatusTooManyRequests {
		IncrementBackpressure("queue_full")
	}
	writeJSONError(w, status, err.Error())
	return status
}
