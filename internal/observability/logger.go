// Package observability defines shared logging primitives.
package observability

import (
	"fmt"
	"log"
	"strings"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// StdLogger adapts a stdlib log.Logger to the Logger interface.
type StdLogger struct {
	inner *log.Logger
}

// NewStdLogger wraps the provided stdlib logger. A nil logger uses log defaults.
func NewStdLogger(inner *log.Logger) *StdLogger {
	if inner == nil {
		inner = log.Default()
	}
	return &StdLogger{inner: inner}
}

func (l *StdLogger) Debug(msg string, fields ...Field) { l.emit("DEBUG", msg, fields) }
func (l *StdLogger) Info(msg string, fields ...Field)  { l.emit("INFO", msg, fields) }
func (l *StdLogger) Error(msg string, fields ...Field) { l.emit("ERROR", msg, fields) }

func (l *StdLogger) emit(level, msg string, fields []Field) {
	if l == nil || l.inner == nil {
		return
	}
	var b strings.Builder
	b.WriteString(level)
	b.WriteString(" ")
	b.WriteString(msg)
	for _, f := range fields {
		b.WriteString(" ")
		b.WriteString(f.Key)
		b.WriteString("=")
		fmt.Fprintf(&b, "%v", f.Value)
	}
	l.inner.Print(b.String())
}
