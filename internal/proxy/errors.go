package proxy

import (
	"fmt"

	"github.com/Spreetail/amqproxy/errors"
)

// Kind classifies the failures the proxy surfaces to logs and metrics.
// Keeping these as a closed set of sentinel-comparable values lets
// callers branch on "what kind of thing went wrong" without parsing
// error strings.
type Kind string

const (
	// KindNegotiation covers any failure during the AMQP handshake:
	// unsupported protocol header, rejected SASL mechanism, bad
	// credentials, or a client that closes before negotiation
	// completes.
	KindNegotiation Kind = "negotiation"
	// KindClientRead covers a failure reading a frame from the
	// downstream client socket once the session is established.
	KindClientRead Kind = "client_read"
	// KindClientWrite covers a failure writing a frame to the
	// downstream client socket.
	KindClientWrite Kind = "client_write"
	// KindUpstreamRead covers a failure reading a frame from the
	// pooled upstream broker socket.
	KindUpstreamRead Kind = "upstream_read"
	// KindUpstreamWrite covers a failure writing a frame to the
	// pooled upstream broker socket.
	KindUpstreamWrite Kind = "upstream_write"
	// KindProtocol covers a frame that is well-formed at the wire
	// level but violates the proxy's expectations (e.g. a frame on
	// a client channel that was never opened).
	KindProtocol Kind = "protocol"
	// KindConfig covers a configuration value that is missing or
	// cannot be parsed into something the proxy can run with.
	KindConfig Kind = "config"
)

// Error wraps an underlying cause with a Kind, letting call sites
// report and log proxy failures uniformly while still giving
// errors.As/errors.Is access to whatever failed underneath.
type Error struct {
	kind  Kind
	cause error
}

// newError builds a Kind-tagged error, attaching a stacktrace at the
// call site via the wrapped errors package.
func newError(kind Kind, msg string) error {
	return &Error{kind: kind, cause: errors.New(msg)}
}

// wrapError tags an existing error with a Kind without losing its
// chain; returns nil if cause is nil so call sites can write
// `return wrapError(KindUpstreamRead, err)` unconditionally.
func wrapError(kind Kind, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{kind: kind, cause: cause}
}

func (e *Error) Error() string {
	return string(e.kind) + ": " + e.cause.Error()
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) Cause() error {
	return errors.Cause(e.cause)
}

// ErrorKind reports the classification of err, or "" if err was not built
// by this package.
func ErrorKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return ""
}

func newConfigErrorf(format string, args ...interface{}) error {
	return &Error{kind: KindConfig, cause: errors.Errorf(format, args...)}
}

func newNegotiationErrorf(format string, args ...interface{}) error {
	return &Error{kind: KindNegotiation, cause: errors.Errorf(format, args...)}
}

func newProtocolErrorf(format string, args ...interface{}) error {
	return &Error{kind: KindProtocol, cause: errors.Errorf(format, args...)}
}

// BrokerCloseError reports a Connection.Close the broker sent instead
// of the method a negotiation step expected, preserving its reply code
// and text so the proxy can relay the same reason to its own client
// rather than flattening every upstream rejection into one generic
// internal error.
type BrokerCloseError struct {
	Code uint16
	Text string
}

func (e *BrokerCloseError) Error() string {
	return fmt.Sprintf("upstream closed connection: %d %s", e.Code, e.Text)
}
