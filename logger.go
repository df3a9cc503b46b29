package rhi

import (
	"log/slog"

	"github.com/gogpu/rhi/internal/logging"
)

// SetLogger configures the logger for rhi and all its sub-packages.
// By default, rhi produces no log output. Call SetLogger to enable logging.
//
// SetLogger is safe for concurrent use: it stores the new logger atomically.
// Pass nil to disable logging (restore default silent behavior).
//
// Log levels used by rhi:
//   - [slog.LevelDebug]: pipeline builds, transient buffer growth
//   - [slog.LevelInfo]: context lifecycle
//   - [slog.LevelWarn]: missing shader binds, unsupported optional features
//   - [slog.LevelError]: table capacity exhausted, device failures
//
// Example:
//
//	// Enable debug-level logging for full diagnostics:
//	rhi.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	logging.Set(l)
}

// Logger returns the current logger used by rhi.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return logging.L()
}
