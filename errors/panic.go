package errors

import (
	"errors"
	"fmt"
)

// PanicError wraps a value recovered from a panic so it can travel
// through the codebase as a regular error, stacktrace included.
type PanicError struct {
	err       *Error
	recovered interface{}
}

// Error returns "panic: " followed by the recovered value.
func (p *PanicError) Error() string {
	return p.err.Error()
}

// Unwrap exposes the underlying *Error, which carries the stacktrace.
func (p *PanicError) Unwrap() error {
	return p.err
}

// NewWithRecover builds a PanicError from a value obtained through a
// deferred recover() call. It returns nil if recovered is nil, which
// lets callers write:
//
//	defer func() {
//	    if err := errors.NewWithRecover(recover()); err != nil { ... }
//	}()
func NewWithRecover(recovered interface{}) error {
	if recovered == nil {
		return nil
	}
	msg := fmt.Sprintf("panic: %v", recovered)
	return &PanicError{
		err: &Error{
			err:    errors.New(msg),
			frames: callers(1),
		},
		recovered: recovered,
	}
}

// Recovered returns the original value passed to recover().
func (p *PanicError) Recovered() interface{} {
	return p.recovered
}
