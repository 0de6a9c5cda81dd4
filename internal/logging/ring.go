// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DefaultRingSize is the number of lines kept by a RingHandler when the
// caller passes a non-positive size.
const DefaultRingSize = 512

// RunLogName is the file the renderer truncates on every launch.
const RunLogName = "cortex_last_run.txt"

// ring is the shared line buffer behind a RingHandler and its derived
// handlers (WithAttrs/WithGroup return handlers pointing at the same ring).
type ring struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

func (r *ring) push(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		r.lines[r.next] = line
	} else {
		r.lines = append(r.lines, line)
	}
	r.next++
	if r.next == cap(r.lines) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]string, len(r.lines))
		copy(out, r.lines)
		return out
	}
	out := make([]string, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	out = append(out, r.lines[:r.next]...)
	return out
}

// RingHandler is a slog.Handler that keeps the most recent formatted records
// in memory and optionally forwards every record to another handler.
//
// RingHandler is safe for concurrent use.
type RingHandler struct {
	ring  *ring
	level slog.Leveler
	fmt   slog.Handler // formats one record into a line
	buf   *lockedBuffer
	next  slog.Handler
}

// lockedBuffer serializes text formatting into a single reusable buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) { return b.buf.Write(p) }

// NewRingHandler creates a handler keeping size lines. next may be nil.
func NewRingHandler(size int, level slog.Leveler, next slog.Handler) *RingHandler {
	if size <= 0 {
		size = DefaultRingSize
	}
	if level == nil {
		level = slog.LevelInfo
	}
	lb := &lockedBuffer{}
	return &RingHandler{
		ring:  &ring{lines: make([]string, 0, size)},
		level: level,
		fmt:   slog.NewTextHandler(lb, &slog.HandlerOptions{Level: slog.LevelDebug}),
		buf:   lb,
		next:  next,
	}
}

// Enabled reports whether the level passes this handler or the tee target.
func (h *RingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= h.level.Level() {
		return true
	}
	return h.next != nil && h.next.Enabled(ctx, level)
}

// Handle formats the record into the ring and forwards it.
func (h *RingHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.level.Level() {
		h.buf.mu.Lock()
		h.buf.buf.Reset()
		err := h.fmt.Handle(ctx, r)
		line := strings.TrimRight(h.buf.buf.String(), "\n")
		h.buf.mu.Unlock()
		if err != nil {
			return err
		}
		h.ring.push(line)
	}
	if h.next != nil && h.next.Enabled(ctx, r.Level) {
		return h.next.Handle(ctx, r)
	}
	return nil
}

// WithAttrs returns a handler sharing the same ring.
func (h *RingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.fmt = h.fmt.WithAttrs(attrs)
	if h.next != nil {
		c.next = h.next.WithAttrs(attrs)
	}
	return &c
}

// WithGroup returns a handler sharing the same ring.
func (h *RingHandler) WithGroup(name string) slog.Handler {
	c := *h
	c.fmt = h.fmt.WithGroup(name)
	if h.next != nil {
		c.next = h.next.WithGroup(name)
	}
	return &c
}

// Lines returns the buffered lines, oldest first.
func (h *RingHandler) Lines() []string { return h.ring.snapshot() }

// RunLog is the truncated per-launch log file.
type RunLog struct {
	Path    string
	Handler slog.Handler
	file    *os.File
}

// OpenRunLog creates dir if needed, truncates dir/cortex_last_run.txt and
// returns a text handler writing to it.
func OpenRunLog(dir string, level slog.Leveler) (*RunLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: create log dir: %w", err)
	}
	path := filepath.Join(dir, RunLogName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open run log: %w", err)
	}
	return &RunLog{
		Path:    path,
		Handler: slog.NewTextHandler(f, &slog.HandlerOptions{Level: level}),
		file:    f,
	}, nil
}

// Close flushes and closes the file.
func (l *RunLog) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Writer exposes the underlying file for callers that append raw text
// (the device-loss dump).
func (l *RunLog) Writer() io.Writer {
	if l == nil || l.file == nil {
		return io.Discard
	}
	return l.file
}
