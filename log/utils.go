package log

import (
	"fmt"
	"strings"
)

// sprint formats each variadic log argument with fmt.Sprint and joins
// them with a single space, whether or not the operands are strings
// (fmt.Sprint only adds a space between two non-string operands).
func sprint(args []interface{}) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = fmt.Sprint(a)
	}
	return strings.Join(parts, " ")
}

// ParseLevel converts a textual level (as found in configuration) into
// a Level value. Unrecognized input falls back to Info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug
	case "warning", "warn":
		return Warning
	case "error":
		return Error
	case "panic":
		return Panic
	default:
		return Info
	}
}
