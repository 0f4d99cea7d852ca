/*
Package log provides a thin, pluggable logging facade used across the
proxy so that the concrete backend (zerolog by default) can be swapped
without touching call sites.
*/
package log

// Level restricts the severity of a log event.
type Level string

// Supported log levels, ordered from most to least verbose.
const (
	Debug   Level = "debug"
	Info    Level = "info"
	Warning Level = "warning"
	Error   Level = "error"
	Panic   Level = "panic"
)

// Fields is a set of structured key/value pairs attached to a log event.
type Fields map[string]interface{}

// Logger is the common interface satisfied by every backend supported by
// this package. Components hold a Logger rather than a concrete type so
// tests can inject a Discard or a recording implementation.
type Logger interface {
	// Sub returns a new logger that prefixes every event with the given
	// component tag, preserving the backend and level of the parent.
	Sub(tag string) Logger

	// WithField returns a logger that attaches a single structured
	// value to every subsequent event.
	WithField(key string, value interface{}) Logger

	// WithFields returns a logger that attaches a set of structured
	// values to every subsequent event.
	WithFields(fields Fields) Logger

	// SetLevel adjusts the minimum severity emitted by the logger.
	SetLevel(level Level)

	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warning(args ...interface{})
	Warningf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Panic(args ...interface{})
	Panicf(format string, args ...interface{})
}
