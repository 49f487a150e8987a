// Package logging builds the structured loggers used across sfmgraph.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Level names accepted in configuration.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Output formats accepted in configuration.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config holds logger configuration.
type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// Output is "stdout", "stderr", or a file path. Empty means stdout.
	Output string `yaml:"output"`
}

// ParseLevel maps a configured level name onto a slog level. Unknown names
// are rejected so typos surface at startup.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case LevelDebug:
		return slog.LevelDebug, nil
	case "", LevelInfo:
		return slog.LevelInfo, nil
	case LevelWarn, "warning":
		return slog.LevelWarn, nil
	case LevelError:
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

// New constructs a logger from cfg. The returned close function releases the
// log file when Output names one; it is safe to call when logging to stdout.
func New(cfg Config) (*slog.Logger, func() error, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	writer, closeFn, err := openOutput(cfg.Output)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case FormatJSON:
		handler = slog.NewJSONHandler(writer, opts)
	case "", FormatText:
		handler = slog.NewTextHandler(writer, opts)
	default:
		_ = closeFn()
		return nil, nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return slog.New(handler), closeFn, nil
}

// NewWriter constructs a logger that writes to w, mainly for tests and CLI output capture.
func NewWriter(w io.Writer, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, FormatJSON) {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// Component tags logger with the component name, substituting a discard
// logger when nil.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = Discard()
	}
	return logger.With(slog.String("component", name))
}

func openOutput(output string) (io.Writer, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(output)) {
	case "", "stdout":
		return os.Stdout, noop, nil
	case "stderr":
		return os.Stderr, noop, nil
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o750); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return file, file.Close, nil
}
