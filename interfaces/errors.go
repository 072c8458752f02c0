package interfaces

import (
	"errors"
	"fmt"
	"time"
)

// Caller-visible credential errors. The HTTP layer and clients classify
// results with errors.Is against these sentinels.
var (
	// ErrInvalidSecret indicates a hardware-acknowledged authentication
	// attempt with the wrong secret. The failed attempt has been recorded.
	ErrInvalidSecret = errors.New("invalid secret")

	// ErrTooManyAttempts indicates the hardware refused the attempt because
	// the credential is rate limited.
	ErrTooManyAttempts = errors.New("too many attempts")

	// ErrInvalidLabel indicates the label does not name a populated leaf.
	ErrInvalidLabel = errors.New("invalid label")

	// ErrInternal indicates an unclassifiable failure.
	ErrInternal = errors.New("internal error")
)

// Caller-visible reset errors.
var (
	ErrChipStateFailedToClear = errors.New("chip state failed to clear")
	ErrDiskStateFailedToClear = errors.New("disk state failed to clear")
)

// Storage errors.
var (
	// ErrMetadataNotFound indicates the lookup table holds no entry for the
	// requested label.
	ErrMetadataNotFound = errors.New("credential metadata not found")

	// ErrNoTreeSnapshot indicates the tree store holds no snapshot yet.
	ErrNoTreeSnapshot = errors.New("no hash tree snapshot stored")

	// ErrInvalidLocationURI indicates a malformed storage location URI.
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// RateLimitedError wraps ErrTooManyAttempts with the hardware's wait hint.
type RateLimitedError struct {
	// RetryAfter is the hardware-suggested wait before the next attempt.
	// Zero means the hardware gave no hint.
	RetryAfter time.Duration
}

// Error returns the error message including the wait hint when present.
func (e *RateLimitedError) Error() string {
	if e.RetryAfter <= 0 {
		return ErrTooManyAttempts.Error()
	}
	return fmt.Sprintf("%s: retry after %s", ErrTooManyAttempts, e.RetryAfter)
}

// Unwrap makes errors.Is(err, ErrTooManyAttempts) hold.
func (e *RateLimitedError) Unwrap() error {
	return ErrTooManyAttempts
}
