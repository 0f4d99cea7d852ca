package log

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// zeroLogger adapts zerolog.Logger to the Logger interface. base never
// carries a "component" field, so each Sub() call can derive a clean
// dotted path instead of stacking one field per level.
type zeroLogger struct {
	base zerolog.Logger
	log  zerolog.Logger
	tag  string
}

// NewZero returns a Logger backed by zerolog, writing human-friendly
// output to w. Pass os.Stdout for interactive use; JSON output can be
// obtained with NewZeroJSON instead.
func NewZero(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	console := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	base := zerolog.New(console).With().Timestamp().Logger()
	return &zeroLogger{base: base, log: base}
}

// NewZeroJSON returns a Logger backed by zerolog, writing structured
// JSON lines to w. This is the shape expected by most log collectors.
func NewZeroJSON(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	base := zerolog.New(w).With().Timestamp().Logger()
	return &zeroLogger{base: base, log: base}
}

func (z *zeroLogger) Sub(tag string) Logger {
	full := tag
	if z.tag != "" {
		full = z.tag + "." + tag
	}
	l := z.base.With().Str("component", full).Logger()
	return &zeroLogger{base: z.base, log: l, tag: full}
}

func (z *zeroLogger) WithField(key string, value interface{}) Logger {
	return &zeroLogger{base: z.base, log: z.log.With().Interface(key, value).Logger(), tag: z.tag}
}

func (z *zeroLogger) WithFields(fields Fields) Logger {
	ctx := z.log.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &zeroLogger{base: z.base, log: ctx.Logger(), tag: z.tag}
}

func (z *zeroLogger) SetLevel(level Level) {
	z.base = z.base.Level(toZeroLevel(level))
	z.log = z.log.Level(toZeroLevel(level))
}

func toZeroLevel(level Level) zerolog.Level {
	switch level {
	case Debug:
		return zerolog.DebugLevel
	case Info:
		return zerolog.InfoLevel
	case Warning:
		return zerolog.WarnLevel
	case Error:
		return zerolog.ErrorLevel
	case Panic:
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

func (z *zeroLogger) Debug(args ...interface{})                 { z.log.Debug().Msg(sprint(args)) }
func (z *zeroLogger) Debugf(format string, args ...interface{}) { z.log.Debug().Msgf(format, args...) }
func (z *zeroLogger) Info(args ...interface{})                  { z.log.Info().Msg(sprint(args)) }
func (z *zeroLogger) Infof(format string, args ...interface{})  { z.log.Info().Msgf(format, args...) }
func (z *zeroLogger) Warning(args ...interface{})                { z.log.Warn().Msg(sprint(args)) }
func (z *zeroLogger) Warningf(format string, args ...interface{}) {
	z.log.Warn().Msgf(format, args...)
}
func (z *zeroLogger) Error(args ...interface{})                 { z.log.Error().Msg(sprint(args)) }
func (z *zeroLogger) Errorf(format string, args ...interface{}) { z.log.Error().Msgf(format, args...) }
func (z *zeroLogger) Panic(args ...interface{})                 { z.log.Panic().Msg(sprint(args)) }
func (z *zeroLogger) Panicf(format string, args ...interface{}) { z.log.Panic().Msgf(format, args...) }
