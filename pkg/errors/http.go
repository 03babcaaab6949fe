package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

var errorStatusCodes = map[error]int{
	ErrNotFound:      http.StatusNotFound,
	ErrInvalidInput:  http.StatusBadRequest,
	ErrInternalError: http.StatusInternalServerError,
	ErrTimeout:       http.StatusGatewayTimeout,
	ErrUnavailable:   http.StatusServiceUnavailable,
	ErrRateLimited:   http.StatusTooManyRequests,

	ErrSessionNotFound:     http.StatusNotFound,
	ErrSessionEnded:        http.StatusConflict,
	ErrInvalidAudio:        http.StatusBadRequest,
	ErrInvalidMetadata:     http.StatusBadRequest,
	ErrTranscriptionFailed: http.StatusBadGateway,
	ErrExtractionFailed:    http.StatusBadGateway,
	ErrStorageFailure:      http.StatusBadGateway,
}

// WriteError writes a JSON error response with a status derived from err.
func WriteError(w http.ResponseWriter, err error) {
	statusCode := http.StatusInternalServerError
	response := map[string]interface{}{"error": "unknown error"}

	var serr *Error
	if errors.As(err, &serr) {
		statusCode = HTTPStatusFromError(serr)
		response = serr.AsJSON()
	} else if err != nil {
		statusCode = HTTPStatusFromError(err)
		response = map[string]interface{}{"error": err.Error()}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// HTTPStatusFromError walks the error chain looking for a known sentinel.
func HTTPStatusFromError(err error) int {
	for sentinel, code := range errorStatusCodes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return http.StatusInternalServerError
}
