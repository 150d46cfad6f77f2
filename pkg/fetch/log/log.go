// Package log provides the small logging surface the fetch core calls
// throughout its state machine. It mirrors the handful of methods the
// teacher codebase calls on its *persist.Logger (Debugln, Println, Printf,
// Critical) without pulling in the full persist package, which was not
// among the files retrieved for this module.
package log

import (
	"fmt"
	stdlog "log"
	"os"
)

// Logger is the logging interface used across pkg/fetch. A nil *Logger is
// valid and discards everything except Critical, which falls back to the
// standard library's default logger, matching callers that construct an
// engine without configuring a sink in tests.
type Logger struct {
	debug bool
	l     *stdlog.Logger
}

// New creates a Logger that writes to os.Stderr with date, time and
// microsecond timestamps.
func New(debug bool) *Logger {
	return &Logger{
		debug: debug,
		l:     stdlog.New(os.Stderr, "", stdlog.Ldate|stdlog.Ltime|stdlog.Lmicroseconds),
	}
}

// Debugln logs at debug level if debug logging is enabled.
func (lg *Logger) Debugln(v ...interface{}) {
	if lg == nil || !lg.debug {
		return
	}
	lg.l.Println(append([]interface{}{"[DEBUG]"}, v...)...)
}

// Println logs a line unconditionally.
func (lg *Logger) Println(v ...interface{}) {
	if lg == nil {
		return
	}
	lg.l.Println(v...)
}

// Printf logs a formatted line unconditionally.
func (lg *Logger) Printf(format string, v ...interface{}) {
	if lg == nil {
		return
	}
	lg.l.Printf(format, v...)
}

// Critical logs an invariant violation. Unlike panic, it never crashes the
// process in a production build; it exists so that violations are visible
// without taking an asset fetch pipeline down because of one bad worker.
func (lg *Logger) Critical(v ...interface{}) {
	msg := fmt.Sprintln(append([]interface{}{"[CRITICAL]"}, v...)...)
	if lg == nil {
		stdlog.Print(msg)
		return
	}
	lg.l.Print(msg)
}
