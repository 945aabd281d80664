// Package log provides colored console logging and connection traffic
// capture.
package log

import (
	"io"
	"os"

	"github.com/fatih/color"
)

var red = color.New(color.FgRed).FprintfFunc()
var blue = color.New(color.FgBlue).FprintfFunc()
var faint = color.New(color.Faint).FprintfFunc()

// Logger writes colored messages to w. Debug output is only written when
// verbose is set. A nil *Logger discards everything, so library code can
// log unconditionally.
type Logger struct {
	w       io.Writer
	verbose bool
}

// NewLogger returns a Logger writing to stderr.
func NewLogger(verbose bool) *Logger {
	return &Logger{w: os.Stderr, verbose: verbose}
}

// NewLoggerTo returns a Logger writing to w.
func NewLoggerTo(w io.Writer, verbose bool) *Logger {
	return &Logger{w: w, verbose: verbose}
}

// ErrorMsg prints an error message in red.
func (l *Logger) ErrorMsg(format string, a ...interface{}) {
	if l == nil {
		return
	}
	red(l.w, "[!] Error: "+format, a...)
}

// InfoMsg prints an informational message in blue.
func (l *Logger) InfoMsg(format string, a ...interface{}) {
	if l == nil {
		return
	}
	blue(l.w, "[+] "+format, a...)
}

// VerboseMsg prints an informational message only in verbose mode.
func (l *Logger) VerboseMsg(format string, a ...interface{}) {
	if l == nil || !l.verbose {
		return
	}
	blue(l.w, "[v] "+format, a...)
}

// DebugMsg prints a faint event trace line only in verbose mode.
func (l *Logger) DebugMsg(format string, a ...interface{}) {
	if l == nil || !l.verbose {
		return
	}
	faint(l.w, "[~] "+format+"\n", a...)
}

// Verbose reports whether debug output is enabled.
func (l *Logger) Verbose() bool {
	return l != nil && l.verbose
}

// ErrorMsg prints an error message to stderr in red color.
func ErrorMsg(format string, a ...interface{}) {
	red(os.Stderr, "[!] Error: "+format, a...)
}

// InfoMsg prints an informational message to stderr in blue color.
func InfoMsg(format string, a ...interface{}) {
	blue(os.Stderr, "[+] "+format, a...)
}
