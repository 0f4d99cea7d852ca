package errors

import (
	"fmt"
	"io"
	"sync"
)

// Error is an error with an attached stacktrace. It can be used
// wherever the builtin error interface is expected.
type Error struct {
	ts     int64                  // UNIX timestamp (in milliseconds)
	err    error                  // root error value
	prev   error                  // previous error in the chain, present only on wrapped errors
	prefix string                 // prefix value when presenting error in simple textual form
	frames []StackFrame           // error stacktrace
	hints  []string               // additional contextual information
	tags   map[string]interface{} // additional metadata details
	mu     sync.Mutex
}

// Error returns the underlying error's message, followed by the message
// of the wrapped error (if any) after a ": " separator.
func (e *Error) Error() string {
	msg := e.err.Error()
	if e.prev != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.prev.Error())
	}
	if e.prefix != "" {
		msg = fmt.Sprintf("%s: %s", e.prefix, msg)
	}
	return msg
}

// Unwrap returns the next error in the error chain. If there is no next
// error, Unwrap returns nil.
func (e *Error) Unwrap() error {
	return e.prev
}

// Cause of the error. Obtained by walking the chain of wrapped errors
// until reaching the one with no predecessor, which is the root error
// of the failure condition.
func (e *Error) Cause() error {
	if e.prev == nil {
		return e
	}
	var ce hasCause
	if As(e.prev, &ce) {
		return ce.Cause()
	}
	return e.prev
}

// StackTrace returns the frames in the callers stack.
func (e *Error) StackTrace() []StackFrame {
	return e.frames
}

// PortableTrace returns the frames in the callers stack attempting
// to remove any paths specific to the local system, making the
// information a bit more readable and portable.
func (e *Error) PortableTrace() []StackFrame {
	fr := make([]StackFrame, len(e.frames))
	copy(fr, e.frames)
	for i := range fr {
		fr[i].File = printFile(fr[i].File)
	}
	return fr
}

// AddHint registers additional information on the error instance.
func (e *Error) AddHint(hint string) {
	e.mu.Lock()
	if e.hints == nil {
		e.hints = []string{}
	}
	e.hints = append(e.hints, hint)
	e.mu.Unlock()
}

// SetTag registers a specific key/value pair on the error instance; replacing
// any previously set values under the same key.
func (e *Error) SetTag(key string, value interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tags == nil {
		e.tags = make(map[string]interface{})
	}
	e.tags[key] = value
}

// Stamp returns error creation UNIX timestamp (in milliseconds).
func (e *Error) Stamp() int64 {
	return e.ts
}

// Tags provide additional context to an error in the form of arbitrary
// key/value pairs. If no tags are set on the error instance this method
// returns `nil`.
func (e *Error) Tags() map[string]interface{} {
	return e.tags
}

// Hints provide additional context to an error in the form of meaningful
// text messages. If no hints are set on the error instance this method
// returns `nil`.
func (e *Error) Hints() []string {
	return e.hints
}

// Format error values using the escape codes defined by fmt.Formatter.
// The following verbs are supported:
//
//	%s   error message. Simply prints the basic error message as a
//	     string representation.
//	%v   basic format. Print the error including its stackframe.
//	%+v  extended format. Same as %v but with portable file paths,
//	     followed by any hints and tags set on the error.
func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 's':
		_, _ = io.WriteString(s, e.Error())
	case 'v':
		str := fmt.Sprintf("%s\n", e.Error())
		if s.Flag('+') {
			for i, frame := range e.StackTrace() {
				str += fmt.Sprintf("‹%d› %+v", i, frame)
			}
			if len(e.hints) > 0 {
				str += "‹hints›\n"
				for _, h := range e.hints {
					str += fmt.Sprintf("\t- %s\n", h)
				}
			}
			if len(e.tags) > 0 {
				str += "‹tags›\n"
				for k, v := range e.tags {
					str += fmt.Sprintf("\t- %s=%v\n", k, v)
				}
			}
		} else {
			for _, frame := range e.StackTrace() {
				str += fmt.Sprintf("%v", frame)
			}
		}
		_, _ = io.WriteString(s, str)
	}
}
