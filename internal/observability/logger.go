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

// F is shorthand for constructing a Field.
func F(key string, value any) Field { return Field{Key: key, Value: value} }

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

// NewStdLogger adapts a standard library logger to the Logger interface.
// Debug lines are suppressed unless verbose is set.
func NewStdLogger(l *log.Logger, verbose bool) Logger {
	return &stdLogger{l: l, verbose: verbose}
}

type stdLogger struct {
	l       *log.Logger
	verbose bool
}

func (s *stdLogger) Debug(msg string, fields ...Field) {
	if !s.verbose {
		return
	}
	s.print("DEBUG", msg, fields)
}

func (s *stdLogger) Info(msg string, fields ...Field)  { s.print("INFO", msg, fields) }
func (s *stdLogger) Error(msg string, fields ...Field) { s.print("ERROR", msg, fields) }

func (s *stdLogger) print(level, msg string, fields []Field) {
	if s.l == nil {
		return
	}
	var b strings.Builder
	b.WriteString(level)
	b.WriteString(" ")
	b.WriteString(msg)
	for _, f := range fields {
		fmt.Fprintf(&b, " %s=%v", f.Key, f.Value)
	}
	s.l.Print(b.String())
}
