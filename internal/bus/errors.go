package bus

import "errors"

// ErrNoMessage is returned when no message is visible on a subscription
// queue.
var ErrNoMessage = errors.New("no message")

type nonRetryableError struct {
	cause error
}

func (e *nonRetryableError) Error() string { return e.cause.Error() }

func (e *nonRetryableError) Unwrap() error { return e.cause }

// NonRetryable marks an error as permanent: the dispatcher dead-letters
// the message immediately instead of requeueing it. Use it for malformed
// payloads and other failures that redelivery cannot fix.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{cause: err}
}

// IsNonRetryable reports whether err (or anything it wraps) was marked
// with NonRetryable.
func IsNonRetryable(err error) bool {
	var target *nonRetryableError
	return errors.As(err, &target)
}
