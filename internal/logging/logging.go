// Package logging wires the process-wide structured logger. Every
// component logs through *slog.Logger with consistent field names
// (node_id, operation, error_kind) rather than ad-hoc fmt.Printf, matching
// the structured-logging posture spec.md requires.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// New builds a JSON slog.Logger writing to w at the given level ("debug",
// "info", "warn", "error"); unrecognized levels fall back to info. verbose
// forces debug level regardless of level, matching cmd/iamserver's and
// cmd/iamagent's --verbose flag.
func New(level string, verbose bool, w io.Writer) *slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	if verbose {
		lvl = slog.LevelDebug
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

// OpenSink resolves the CLI --journal flag to a writer: "-" or "" means
// stderr, anything else is opened as an append-only log file. The returned
// close func is a no-op for stderr.
func OpenSink(path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return os.Stderr, func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	return f, func() { _ = f.Close() }, nil
}

// WithNode returns a logger carrying a node_id field, used by every
// component that handles a per-node operation.
func WithNode(l *slog.Logger, nodeID string) *slog.Logger {
	return l.With(slog.String("node_id", nodeID))
}

// WithOp returns a logger carrying an operation field.
func WithOp(l *slog.Logger, op string) *slog.Logger {
	return l.With(slog.String("operation", op))
}
