package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"machinewatch/internal/logger"
	"machinewatch/internal/middleware"
	"machinewatch/internal/models"
	"machinewatch/internal/registry"
	"machinewatch/internal/storage"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithComponent("http").Warn().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Success: false, Error: message})
}

// statusFor maps engine errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case models.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrInvalidThresholds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, storage.ErrMachineNotFound), errors.Is(err, storage.ErrAlertNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrDuplicateCode), errors.Is(err, registry.ErrStaleVersion):
		return http.StatusConflict
	case storage.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeErr writes err with its mapped status. Server-side failures are
// logged and their detail is not echoed to the client.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.WithRequestID(r.Header.Get(middleware.RequestIDHeader)).Error().
			Err(err).
			Str("path", r.URL.Path).
			Msg("request failed")
		if status == http.StatusServiceUnavailable {
			writeError(w, status, "store busy, try again later")
			return
		}
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
