package utils

import "errors"

// ErrNonRetryable indicates the queue handler error that makes no sense to retry,
// the message is dropped after the failure handler
type ErrNonRetryable struct {
	err error
}

// NewErrNonRetryable creates new error
func NewErrNonRetryable(err error) error {
	return &ErrNonRetryable{err: err}
}

func (e *ErrNonRetryable) Error() string {
	return "non retryable error: " + e.err.Error()
}

func (e *ErrNonRetryable) Unwrap() error {
	return e.err
}

// IsNonRetryable checks if any error in chain is ErrNonRetryable
func IsNonRetryable(err error) bool {
	var e *ErrNonRetryable
	return errors.As(err, &e)
}
