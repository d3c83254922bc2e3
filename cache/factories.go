package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// NoOpLogger is a logger that does nothing.
type NoOpLogger struct{}

// Debug logs a debug message (no-op).
func (n *NoOpLogger) Debug(msg string, args ...any) {}

// Info logs an info message (no-op).
func (n *NoOpLogger) Info(msg string, args ...any) {}

// Warn logs a warning message (no-op).
func (n *NoOpLogger) Warn(msg string, args ...any) {}

// Error logs an error message (no-op).
func (n *NoOpLogger) Error(msg string, args ...any) {}

// NewNoOpLogger creates a new no-op logger.
func NewNoOpLogger() Logger {
	return &NoOpLogger{}
}

// ConsoleLogger writes log lines to stdout with a prefix.
type ConsoleLogger struct {
	prefix string
}

// Debug logs a debug message to console.
func (cl *ConsoleLogger) Debug(msg string, args ...any) { cl.printf("DEBUG", msg, args) }

// Info logs an info message to console.
func (cl *ConsoleLogger) Info(msg string, args ...any) { cl.printf("INFO", msg, args) }

// Warn logs a warning message to console.
func (cl *ConsoleLogger) Warn(msg string, args ...any) { cl.printf("WARN", msg, args) }

// Error logs an error message to console.
func (cl *ConsoleLogger) Error(msg string, args ...any) { cl.printf("ERROR", msg, args) }

func (cl *ConsoleLogger) printf(level, msg string, args []any) {
	fmt.Printf("[%s] %s: %s", level, cl.prefix, msg)
	if len(args) > 0 {
		fmt.Printf(" %v", args)
	}
	fmt.Println()
}

// NewConsoleLogger creates a new console logger.
func NewConsoleLogger(prefix string) Logger {
	return &ConsoleLogger{prefix: prefix}
}

// SlogLogger adapts a *slog.Logger to the Logger interface.
type SlogLogger struct {
	l *slog.Logger
}

// Debug logs a debug message via slog.
func (sl *SlogLogger) Debug(msg string, args ...any) { sl.l.Debug(msg, args...) }

// Info logs an info message via slog.
func (sl *SlogLogger) Info(msg string, args ...any) { sl.l.Info(msg, args...) }

// Warn logs a warning message via slog.
func (sl *SlogLogger) Warn(msg string, args ...any) { sl.l.Warn(msg, args...) }

// Error logs an error message via slog.
func (sl *SlogLogger) Error(msg string, args ...any) { sl.l.Error(msg, args...) }

// NewSlogLogger creates a Logger backed by slog.
func NewSlogLogger(l *slog.Logger) Logger {
	return &SlogLogger{l: l}
}

// JSONMarshaller is a marshaller that uses the standard JSON library.
type JSONMarshaller struct{}

// Marshal serializes a value to JSON.
func (jm *JSONMarshaller) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal deserializes a value from JSON.
func (jm *JSONMarshaller) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewJSONMarshaller creates a new JSON marshaller.
func NewJSONMarshaller() Marshaller {
	return &JSONMarshaller{}
}

// Visibility is a settable VisibilitySignal. Hosts feed their environment's
// foreground/background detection into Set; tests drive it directly.
type Visibility struct {
	mu        sync.Mutex
	fg        bool
	callbacks map[int]func(bool)
	nextID    int
}

// NewVisibility creates a Visibility with the given initial state.
func NewVisibility(foreground bool) *Visibility {
	return &Visibility{fg: foreground, callbacks: make(map[int]func(bool))}
}

// Foreground reports the current state.
func (v *Visibility) Foreground() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fg
}

// Set updates the state and notifies registered callbacks on transitions.
func (v *Visibility) Set(foreground bool) {
	v.mu.Lock()
	if v.fg == foreground {
		v.mu.Unlock()
		return
	}
	v.fg = foreground
	cbs := make([]func(bool), 0, len(v.callbacks))
	for _, fn := range v.callbacks {
		cbs = append(cbs, fn)
	}
	v.mu.Unlock()

	for _, fn := range cbs {
		fn(foreground)
	}
}

// OnChange registers a transition callback and returns a cancel function.
func (v *Visibility) OnChange(fn func(foreground bool)) (cancel func()) {
	v.mu.Lock()
	id := v.nextID
	v.nextID++
	v.callbacks[id] = fn
	v.mu.Unlock()

	return func() {
		v.mu.Lock()
		delete(v.callbacks, id)
		v.mu.Unlock()
	}
}
