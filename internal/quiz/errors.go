package quiz

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAuth         = errors.New("quiz: authentication failed")
	ErrEndOfSession = errors.New("quiz: end of session")
	ErrUnavailable  = errors.New("quiz: session unavailable")
)

// Transient marks an error as retryable.
//
// Example:
//
//	return quiz.Transient(fmt.Errorf("next task: status %d", code))
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err is wrapped with Transient or RetryAfter.
func IsTransient(err error) bool {
	var e transientError
	if errors.As(err, &e) {
		return true
	}
	var ra RetryAfterError
	return errors.As(err, &ra)
}

type transientError struct{ err error }

func (e transientError) Error() string { return fmt.Sprintf("transient: %v", e.err) }
func (e transientError) Unwrap() error { return e.err }

// RetryAfter marks err as retryable with a suggested delay (HTTP 429/503).
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
