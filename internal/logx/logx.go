// Package logx is the driver's leveled logger: plain lines at the
// default verbosity, coloured (github.com/fatih/color) for warnings and
// errors, with debug lines gated behind -v/--verbose, the way the
// teacher's CLI distinguishes its own informational output from
// user-visible failures.
package logx

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
)

// Level is a logger's verbosity threshold.
type Level int

const (
	LevelInfo Level = iota
	LevelDebug
)

// Logger writes leveled, optionally coloured lines to an output
// stream.
type Logger struct {
	out     io.Writer
	level   Level
	noColor bool
}

// New returns a Logger writing to os.Stderr at LevelInfo.
func New() *Logger {
	return &Logger{out: os.Stderr}
}

// SetVerbose toggles whether Debug lines are emitted.
func (l *Logger) SetVerbose(v bool) {
	if v {
		l.level = LevelDebug
	} else {
		l.level = LevelInfo
	}
}

// SetOutput redirects where log lines are written (tests, mainly).
func (l *Logger) SetOutput(w io.Writer) { l.out = w }

// Debug is only emitted when the logger's verbosity is LevelDebug.
func (l *Logger) Debug(format string, args ...any) {
	if l.level < LevelDebug {
		return
	}
	fmt.Fprintf(l.out, "debug: "+format+"\n", args...)
}

// Info is always emitted.
func (l *Logger) Info(format string, args ...any) {
	fmt.Fprintf(l.out, format+"\n", args...)
}

// Warn is emitted in yellow.
func (l *Logger) Warn(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	fmt.Fprintln(l.out, color.YellowString("warning: %s", line))
}

// Error is emitted in red — the top-level failure line the driver
// prints before mapping a forgeerr kind to an exit code.
func (l *Logger) Error(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	fmt.Fprintln(l.out, color.RedString("error: %s", line))
}

// Summary formats a build run's end-of-build line with human-readable
// byte counts and durations (e.g. "3 cache hits, 1 misses, 2.5 MB
// digested in 340ms"), the way a verbose build log reports totals rather
// than raw counters.
func (l *Logger) Summary(hits, misses int, bytesDigested int64, elapsed time.Duration) {
	l.Info("%d cache hits, %d misses, %s digested in %s",
		hits, misses, humanize.Bytes(uint64(bytesDigested)), elapsed.Round(time.Millisecond))
}
