package connector

import (
	"errors"
	"fmt"
)

var (
	// ErrQuotaExceeded is returned when the service reports zero remaining calls.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrAuthExpired marks a rejected token after one refresh-and-replay attempt.
	ErrAuthExpired = errors.New("authentication expired")
)

// TransientError wraps network-level failures (timeouts, resets, 5xx). Callers
// may retry these with backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// ValidationError is a remote rejection of the payload. Never retried; Reason
// carries the service's verbatim rejection message.
type ValidationError struct {
	Status int
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("rejected by service (HTTP %d): %s", e.Status, e.Reason)
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
