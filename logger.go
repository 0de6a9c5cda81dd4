// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package cortex

import (
	"log/slog"

	"github.com/gogpu/cortex/internal/logging"
)

// SetLogger configures the logger for cortex and all its sub-packages.
// By default, cortex produces no log output. Call SetLogger to enable logging.
//
// SetLogger is safe for concurrent use: it stores the new logger atomically.
// Pass nil to disable logging (restore default silent behavior).
//
// Every record carries a component attribute naming the sub-system
// (frame, registry, jobs, governor, diag, halrhi, ...).
//
// Log levels used by cortex:
//   - [slog.LevelDebug]: per-frame detail (barriers, skipped passes)
//   - [slog.LevelInfo]: lifecycle events (adapter selected, targets reallocated)
//   - [slog.LevelWarn]: degraded features and budget crossings, once per edge
//   - [slog.LevelError]: device removed
//
// Example:
//
//	// Enable info-level logging to stderr:
//	cortex.SetLogger(slog.Default())
//
//	// Enable debug-level logging for full diagnostics:
//	cortex.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	logging.SetLogger(l)
}

// Logger returns the current logger used by cortex.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return logging.Logger()
}
