package errors

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// maxStackDepth bounds how many frames are captured when building a
// stacktrace. Proxy failures rarely nest deeper than this and capturing
// more only adds noise to logs.
const maxStackDepth = 32

// StackFrame describes a single entry in a caller's stacktrace.
type StackFrame struct {
	// Func is the name of the function containing this call frame.
	Func string
	// File is the absolute path of the file containing this call frame.
	File string
	// Line is the line number of this call frame.
	Line int
}

// String representation of a single stack frame.
func (sf StackFrame) String() string {
	return fmt.Sprintf("%s\n\t%s:%d\n", sf.Func, sf.File, sf.Line)
}

// Format a stack frame using the escape codes defined by fmt.Formatter.
func (sf StackFrame) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			_, _ = fmt.Fprintf(s, "%s\n\t%s:%d\n", sf.Func, printFile(sf.File), sf.Line)
			return
		}
		_, _ = fmt.Fprintf(s, "%s\n\t%s:%d\n", sf.Func, sf.File, sf.Line)
	}
}

// callers walks the runtime stack starting `skip` frames above the
// caller of this function and returns its frames, with absolute file
// paths (see Error.PortableTrace for the trimmed form).
func callers(skip int) []StackFrame {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return nil
	}
	frames := runtime.CallersFrames(pcs[:n])
	out := make([]StackFrame, 0, n)
	for {
		fr, more := frames.Next()
		if fr.Function == "" {
			if !more {
				break
			}
			continue
		}
		out = append(out, StackFrame{
			Func: shortFuncName(fr.Function),
			File: fr.File,
			Line: fr.Line,
		})
		if !more {
			break
		}
	}
	return out
}

// shortFuncName trims a fully qualified runtime function name down to
// "<package>.<func>", dropping the module path prefix.
func shortFuncName(full string) string {
	if idx := strings.LastIndex(full, "/"); idx >= 0 {
		return full[idx+1:]
	}
	return full
}

// printFile removes the portion of a file path that is specific to the
// machine that built the binary, leaving only the path relative to the
// module root whenever that can be determined.
func printFile(file string) string {
	if idx := strings.Index(file, "amqproxy"); idx >= 0 {
		return file[idx:]
	}
	return filepath.Base(file)
}
