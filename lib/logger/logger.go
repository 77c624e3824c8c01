// Package logger implements a small leveled logger in the style used
// throughout the memstore packages: Infof/Warnf/Errorf never panic,
// Panicf logs and panics, Fatalf logs and exits the process.
package logger

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
)

// Level is a minimum severity for emitted log lines.
type Level int32

// Severity levels, ordered least to most severe.
const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
	LevelFatal
	LevelPanic
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	case LevelPanic:
		return "PANIC"
	default:
		return "UNKNOWN"
	}
}

var minLevel atomic.Int32

// SetLevel sets the minimum level emitted by the package-level logging
// funcs. The default is LevelInfo.
func SetLevel(l Level) {
	minLevel.Store(int32(l))
}

var std = log.New(&logWriter{}, "", 0)

type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	os.Stderr.Write(p)
	return len(p), nil
}

// Infof logs an info-level message.
func Infof(format string, args ...any) { logLevel(LevelInfo, format, args...) }

// Warnf logs a warn-level message.
func Warnf(format string, args ...any) { logLevel(LevelWarn, format, args...) }

// Errorf logs an error-level message.
func Errorf(format string, args ...any) { logLevel(LevelError, format, args...) }

// Fatalf logs a fatal-level message and terminates the process.
func Fatalf(format string, args ...any) {
	std.Print(formatMsg(LevelFatal, 2, format, args...))
	os.Exit(1)
}

// Panicf logs a panic-level message and panics.
//
// Used for invariant violations that indicate a bug rather than a
// recoverable runtime condition.
func Panicf(format string, args ...any) {
	s := formatMsg(LevelPanic, 2, format, args...)
	std.Print(s)
	panic(fmt.Errorf(format, args...))
}

func logLevel(level Level, format string, args ...any) {
	if int32(level) < minLevel.Load() {
		return
	}
	std.Print(formatMsg(level, 3, format, args...))
}

// formatMsg walks up `skip` frames from itself to find the call site of
// the exported log func (Infof, Fatalf, ...).
func formatMsg(level Level, skip int, format string, args ...any) string {
	msg := fmt.Sprintf(format, args...)
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		file, line = "???", 0
	} else if idx := strings.LastIndexByte(file, '/'); idx >= 0 {
		file = file[idx+1:]
	}
	return fmt.Sprintf("%s\t%s:%d\t%s\n", level, file, line, msg)
}
