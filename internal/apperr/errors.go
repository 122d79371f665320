// Package apperr defines the error taxonomy shared across the indexing and
// retrieval pipeline. Callers use errors.Is/errors.As to decide between
// degrading gracefully (missing configuration), failing a single request
// (validation, bad signature), or surfacing an upstream outage.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured indicates required credentials are absent. Features
	// gated on it should be treated as disabled rather than broken.
	ErrNotConfigured = errors.New("required credentials not configured")

	// ErrBadSignature indicates an inbound webhook failed HMAC validation.
	ErrBadSignature = errors.New("webhook signature mismatch")

	// ErrMalformedResponse indicates an upstream response was missing
	// expected fields.
	ErrMalformedResponse = errors.New("upstream response missing expected fields")
)

// UpstreamError wraps a non-2xx response from the hosting or embedding API.
type UpstreamError struct {
	Service string
	Status  int
	Err     error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s returned status %d: %v", e.Service, e.Status, e.Err)
	}
	return fmt.Sprintf("%s returned status %d", e.Service, e.Status)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Upstream builds an UpstreamError for the given service and HTTP status.
func Upstream(service string, status int, err error) *UpstreamError {
	return &UpstreamError{Service: service, Status: status, Err: err}
}

// ValidationError indicates a malformed caller-supplied payload.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validation builds a ValidationError with a formatted message.
func Validation(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
