// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package retire defers GPU resource release until every frame that could
// reference the resource has completed.
package retire

import (
	"github.com/gogpu/cortex/internal/rhi"
)

type entry struct {
	frame   uint64
	label   string
	release func()
}

// List is a retirement list keyed by absolute frame index. An entry
// recorded at frame f is released once the completed frame index reaches
// f + Depth.
//
// List is not safe for concurrent use.
type List struct {
	// Depth is the number of frames an entry survives, normally
	// rhi.FramesInFlight.
	Depth   uint64
	entries []entry
}

// New returns a list that retires after rhi.FramesInFlight frames.
func New() *List { return &List{Depth: rhi.FramesInFlight} }

// Defer schedules release to run once frame is guaranteed retired.
func (l *List) Defer(frame uint64, label string, release func()) {
	if release == nil {
		return
	}
	l.entries = append(l.entries, entry{frame: frame, label: label, release: release})
}

// DestroyLater schedules dev.DestroyResource(r).
func (l *List) DestroyLater(frame uint64, dev rhi.Device, r rhi.Resource) {
	if r == nil {
		return
	}
	l.Defer(frame, rhi.Label(r), func() { dev.DestroyResource(r) })
}

// Collect releases every entry whose frame + Depth <= completed and
// returns how many were released. Entries run in the order they were
// deferred.
func (l *List) Collect(completed uint64) int {
	kept := l.entries[:0]
	n := 0
	for _, e := range l.entries {
		if e.frame+l.Depth <= completed {
			e.release()
			n++
			continue
		}
		kept = append(kept, e)
	}
	clear(l.entries[len(kept):])
	l.entries = kept
	return n
}

// Flush releases everything. The caller must have drained the GPU.
func (l *List) Flush() int {
	n := len(l.entries)
	for _, e := range l.entries {
		e.release()
	}
	l.entries = nil
	return n
}

// Len returns the number of pending entries.
func (l *List) Len() int { return len(l.entries) }

// Pending returns the labels of pending entries.
func (l *List) Pending() []string {
	out := make([]string, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.label
	}
	return out
}
