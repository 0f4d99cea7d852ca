package errors

import (
	"errors"
	"fmt"
	"time"
)

// hasCause is implemented by errors that can report their underlying cause.
type hasCause interface {
	Cause() error
}

// New returns an error with the supplied message, recording the
// stacktrace of the caller at the point it was created.
func New(message string) error {
	return &Error{
		ts:     time.Now().UnixMilli(),
		err:    errors.New(message),
		frames: callers(1),
	}
}

// Errorf formats according to a format specifier and returns the
// resulting value as an error, recording the stacktrace of the caller.
func Errorf(format string, args ...interface{}) error {
	return &Error{
		ts:     time.Now().UnixMilli(),
		err:    fmt.Errorf(format, args...),
		frames: callers(1),
	}
}

// Wrap returns an error annotating err with the supplied message. If err
// is nil, Wrap returns nil. The returned error keeps a reference to the
// original one so that Is/As/Unwrap still work across the chain.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{
		ts:     time.Now().UnixMilli(),
		err:    errors.New(message),
		prev:   err,
		frames: callers(1),
	}
}

// Wrapf returns an error annotating err with the format specifier. If err
// is nil, Wrapf returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{
		ts:     time.Now().UnixMilli(),
		err:    fmt.Errorf(format, args...),
		prev:   err,
		frames: callers(1),
	}
}

// WithPrefix annotates err so that its textual representation is
// prefixed with the supplied value, without altering the error chain
// used by Is/As/Unwrap. If err is nil, WithPrefix returns nil.
func WithPrefix(err error, prefix string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if As(err, &e) {
		clone := *e
		if clone.prefix == "" {
			clone.prefix = prefix
		} else {
			clone.prefix = fmt.Sprintf("%s: %s", prefix, clone.prefix)
		}
		return &clone
	}
	return &Error{
		ts:     time.Now().UnixMilli(),
		err:    err,
		prefix: prefix,
		frames: callers(1),
	}
}

// Is reports whether any error in err's chain matches target. It is a
// direct pass-through to the standard library implementation so that
// sentinel values defined anywhere in the codebase keep working.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target, and if
// so, sets target to that error value and returns true.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err, if
// err's type contains an Unwrap method returning error. Otherwise,
// Unwrap returns nil.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// Cause returns the root cause of err by walking its chain until it
// reaches a value that does not implement hasCause. If err does not
// implement hasCause, err itself is returned.
func Cause(err error) error {
	var ce hasCause
	if As(err, &ce) {
		return ce.Cause()
	}
	return err
}

// Is reports whether this error's own message (not the rest of its
// chain) equals target's message; errors.Is calls it at each step while
// walking the chain.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	return e.err.Error() == target.Error()
}
