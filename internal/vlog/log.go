// Package vlog is the process-wide log sink shared by every subsystem in
// this module. It mirrors the conventions a USB device stack in this
// corpus is built with: a single swappable *slog.Logger tagged per call
// with a Component, rather than one logger instance threaded through
// every constructor.
package vlog

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// Component identifies a subsystem for log filtering.
type Component string

// Subsystem component identifiers.
const (
	ComponentPort     Component = "port"
	ComponentHub      Component = "hub"
	ComponentWire     Component = "wire"
	ComponentMarshal  Component = "marshal"
	ComponentGadget   Component = "gadget"
	ComponentEmulator Component = "emulator"
	ComponentChardev  Component = "chardev"
	ComponentVHCI     Component = "vhci"
)

// Format specifies the output format for logging.
type Format int

// Log format options.
const (
	FormatText Format = iota // Text format (default)
	FormatJSON               // JSON format
)

var (
	// Default is the default logger used by the stack.
	Default *slog.Logger

	level = new(slog.LevelVar)

	mu sync.RWMutex
)

func init() {
	level.Set(slog.LevelWarn)
	Default = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// SetLevel sets the minimum log level for all stack logging.
func SetLevel(l slog.Level) {
	mu.Lock()
	defer mu.Unlock()
	level.Set(l)
}

// Level returns the current minimum log level.
func Level() slog.Level {
	mu.RLock()
	defer mu.RUnlock()
	return level.Level()
}

// SetLogger replaces the default logger with a custom logger.
func SetLogger(logger *slog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	Default = logger
}

// SetFormat configures the default logger to use the given format.
// The logger writes to os.Stderr and uses the current log level.
func SetFormat(format Format) {
	mu.Lock()
	defer mu.Unlock()
	opts := &slog.HandlerOptions{Level: level}
	switch format {
	case FormatJSON:
		Default = slog.New(slog.NewJSONHandler(os.Stderr, opts))
	default:
		Default = slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
}

// New creates a new text logger writing to the given writer.
func New(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	if opts == nil {
		opts = &slog.HandlerOptions{Level: level}
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Debug logs a debug message tagged with the given component.
func Debug(component Component, msg string, args ...any) {
	mu.RLock()
	l := Default
	mu.RUnlock()
	l.Debug(msg, append([]any{"component", string(component)}, args...)...)
}

// Info logs an info message tagged with the given component.
func Info(component Component, msg string, args ...any) {
	mu.RLock()
	l := Default
	mu.RUnlock()
	l.Info(msg, append([]any{"component", string(component)}, args...)...)
}

// Warn logs a warning message tagged with the given component.
func Warn(component Component, msg string, args ...any) {
	mu.RLock()
	l := Default
	mu.RUnlock()
	l.Warn(msg, append([]any{"component", string(component)}, args...)...)
}

// Error logs an error message tagged with the given component.
func Error(component Component, msg string, args ...any) {
	mu.RLock()
	l := Default
	mu.RUnlock()
	l.Error(msg, append([]any{"component", string(component)}, args...)...)
}
