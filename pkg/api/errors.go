package api

import (
	"context"
	"errors"
	"net/http"
)

// Error kinds shared across the core. Domain packages wrap these with
// fmt.Errorf("pkg: context: %w", api.ErrX); the HTTP boundary maps them
// to status codes with errors.Is.
var (
	// ErrValidation marks bad input shape or a violated constraint (400).
	ErrValidation = errors.New("validation failed")
	// ErrUnauthenticated marks a missing or unresolvable session (401).
	ErrUnauthenticated = errors.New("authentication required")
	// ErrForbidden marks an actor lacking permission for the target (403).
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound marks a referenced entity absent in the caller's scope (404).
	ErrNotFound = errors.New("not found")
	// ErrConflict marks version races, duplicate unique keys, and
	// disallowed status transitions (409).
	ErrConflict = errors.New("conflict")
	// ErrIntegrity marks checksum mismatches and storage/DB inconsistency (500).
	ErrIntegrity = errors.New("integrity violation")
	// ErrUnavailable marks store deadline exceeded; the client may retry
	// idempotent reads (503).
	ErrUnavailable = errors.New("temporarily unavailable")
)

// StatusFor maps an error chain to its HTTP status code.
// Unrecognized errors are internal (500).
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the error class permits a client retry of an
// idempotent operation.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}
