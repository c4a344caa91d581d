package taskfeed

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceUnavailable marks a run whose primary (personal) record set
	// could not be read. The run publishes nothing; the last snapshot stands.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrInvalidDescriptor is a configuration error surfaced synchronously
	// at Watch time. It never enters the retry path.
	ErrInvalidDescriptor = errors.New("invalid query descriptor")

	// ErrPermissionDenied is terminal: access revoked mid-flight is not
	// retried, the failing source is skipped or the run fails.
	ErrPermissionDenied = errors.New("permission denied")

	ErrStopped      = errors.New("session stopped")
	ErrInvalidInput = errors.New("invalid input")
)

// RetryExhaustedError wraps the last error after all retry attempts failed.
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// DescriptorError carries the offending descriptor alongside the validation
// failure so callers can log which watch declaration was malformed.
type DescriptorError struct {
	Descriptor QueryDescriptor
	Reason     string
}

func (e *DescriptorError) Error() string {
	return fmt.Sprintf("invalid query descriptor %q: %s", e.Descriptor.Key(), e.Reason)
}

func (e *DescriptorError) Is(target error) bool {
	return target == ErrInvalidDescriptor
}
