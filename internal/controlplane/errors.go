package controlplane

import (
	"net/http"

	"github.com/fentz26/lockwarden/internal/errors"
)

// statusFor maps coordinator errors to HTTP status codes.
func statusFor(err error) int {
	var rejected *errors.RejectedError
	switch {
	case errors.As(err, &rejected),
		errors.Is(err, errors.ErrInvalidTransition),
		errors.Is(err, errors.ErrConflictResolved):
		return http.StatusConflict
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsValidation(err):
		return http.StatusBadRequest
	case errors.IsOwnership(err):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}
