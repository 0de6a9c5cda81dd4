// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package descriptor

import (
	"fmt"
)

// Stats is a snapshot of heap usage.
type Stats struct {
	RTVUsed, RTVCapacity               uint32
	DSVUsed, DSVCapacity               uint32
	StagingUsed, StagingCapacity       uint32
	PersistentUsed, PersistentCapacity uint32
	TransientUsed, TransientSegment    uint32
	ShaderVisibleCapacity              uint32
	ActiveSlot                         int
	Resizes                            int
}

// String returns a compact summary.
func (s Stats) String() string {
	return fmt.Sprintf("Descriptors[rtv %d/%d, dsv %d/%d, staging %d/%d, persistent %d/%d, transient %d/%d slot %d]",
		s.RTVUsed, s.RTVCapacity, s.DSVUsed, s.DSVCapacity,
		s.StagingUsed, s.StagingCapacity, s.PersistentUsed, s.PersistentCapacity,
		s.TransientUsed, s.TransientSegment, s.ActiveSlot)
}

// segment is one frame slot's transient ring range [start, end).
type segment struct {
	start, end uint32
	cursor     uint32
	warned     bool
}

// Manager owns every descriptor heap of a renderer.
//
// Manager is not safe for concurrent use; the renderer drives it from its
// main thread. The flush callback runs synchronously on the caller's thread.
type Manager struct {
	cfg Config

	rtv        *linearHeap
	dsv        *linearHeap
	staging    *linearHeap
	persistent *linearHeap // prefix of the shader-visible heap

	segments []segment

	activeSlot      int
	frameActive     bool
	transientActive bool

	flush   func() error
	resizes int
}

// NewManager creates the heaps described by cfg.
func NewManager(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:        cfg,
		rtv:        newLinearHeap(KindRTV, cfg.RTVCapacity, false),
		dsv:        newLinearHeap(KindDSV, cfg.DSVCapacity, false),
		staging:    newLinearHeap(KindStaging, cfg.StagingCapacity, false),
		persistent: newLinearHeap(KindShaderVisible, cfg.PersistentCapacity, true),
	}
	m.layoutSegments()
	return m
}

// layoutSegments splits the transient region evenly across frame slots,
// giving the first remainder slots one extra descriptor each.
func (m *Manager) layoutSegments() {
	start := m.cfg.PersistentCapacity
	capacity := m.cfg.ShaderVisibleCapacity - start
	frames := uint32(m.cfg.Frames) //nolint:gosec // G115: Frames is a small positive count
	perFrame := capacity / frames
	remainder := capacity % frames

	m.segments = make([]segment, frames)
	for i := range frames {
		offset := perFrame*i + min(i, remainder)
		size := perFrame
		if i < remainder {
			size++
		}
		m.segments[i] = segment{start: start + offset, end: start + offset + size, cursor: start + offset}
	}
}

// SetFlushCallback installs the function run before any destructive heap
// resize. It must wait for every in-flight frame.
func (m *Manager) SetFlushCallback(fn func() error) { m.flush = fn }

// BeginFrame resets slot's transient segment. The caller must already have
// waited on the slot's completion fence.
func (m *Manager) BeginFrame(slot int) {
	if slot < 0 || slot >= len(m.segments) {
		slot = 0
	}
	s := &m.segments[slot]
	s.cursor = s.start
	s.warned = false
	m.activeSlot = slot
	m.frameActive = true
	m.transientActive = false
}

// EndFrame marks the frame closed; persistent allocations are safe again.
func (m *Manager) EndFrame() {
	m.frameActive = false
	m.transientActive = false
}

// ActiveSlot returns the slot passed to the last BeginFrame.
func (m *Manager) ActiveSlot() int { return m.activeSlot }

// AllocatePersistent returns a descriptor that stays valid for the
// manager's lifetime (until Release). A full persistent range is reported
// as ErrHeapExhausted; callers may Grow between frames and retry.
func (m *Manager) AllocatePersistent(kind Kind) (Handle, error) {
	var h *linearHeap
	switch kind {
	case KindRTV:
		h = m.rtv
	case KindDSV:
		h = m.dsv
	case KindStaging:
		h = m.staging
	case KindShaderVisible:
		if m.frameActive && m.transientActive {
			slogger().Warn("persistent descriptor requested after transient use; retry next frame")
			return Handle{}, ErrTransientActive
		}
		h = m.persistent
	default:
		return Handle{}, fmt.Errorf("descriptor: unknown heap kind %d", kind)
	}

	out, ok := h.allocate()
	if ok {
		return out, nil
	}
	slogger().Error("persistent descriptor allocation failed",
		"heap", kind.String(), "used", h.used(), "capacity", h.capacity)
	return Handle{}, fmt.Errorf("%w: %s %d/%d", ErrHeapExhausted, kind, h.used(), h.capacity)
}

// Release returns a persistent descriptor to its heap's free list. The
// caller must defer the release until no in-flight frame references it.
func (m *Manager) Release(h Handle) {
	if !h.IsValid() || h.IsTransient() {
		return
	}
	switch h.Kind {
	case KindRTV:
		m.rtv.release(h.Index)
	case KindDSV:
		m.dsv.release(h.Index)
	case KindStaging:
		m.staging.release(h.Index)
	case KindShaderVisible:
		m.persistent.release(h.Index)
	}
}

// AllocateTransient returns a single transient descriptor.
func (m *Manager) AllocateTransient() (Handle, error) {
	return m.AllocateTransientRange(1)
}

// AllocateTransientRange returns the base of count physically contiguous
// descriptors in the active slot's segment.
func (m *Manager) AllocateTransientRange(count uint32) (Handle, error) {
	if count == 0 {
		return Handle{}, ErrInvalidCount
	}
	if !m.frameActive {
		slogger().Warn("transient descriptor allocation before BeginFrame; using slot 0")
		m.BeginFrame(0)
	}
	s := &m.segments[m.activeSlot]
	if s.cursor+count > s.end {
		slogger().Error("transient descriptor segment cannot fit range",
			"used", s.cursor-s.start, "capacity", s.end-s.start, "need", count, "slot", m.activeSlot)
		return Handle{}, fmt.Errorf("%w: slot %d segment %d/%d, need %d",
			ErrHeapExhausted, m.activeSlot, s.cursor-s.start, s.end-s.start, count)
	}

	out := m.persistent.handle(s.cursor, count, m.activeSlot)
	s.cursor += count
	m.transientActive = true

	used := s.cursor - s.start
	if !s.warned && float64(used) >= nearlyFull*float64(s.end-s.start) {
		s.warned = true
		slogger().Warn("transient descriptor segment nearly full",
			"used", used, "capacity", s.end-s.start, "slot", m.activeSlot)
	}
	return out, nil
}

// Segment returns slot's transient range [start, end).
func (m *Manager) Segment(slot int) (start, end uint32) {
	s := m.segments[slot]
	return s.start, s.end
}

// Grow is the destructive shader-visible heap resize. It runs the flush
// callback first, then re-lays out the transient segments. Persistent
// indices are preserved.
func (m *Manager) Grow(capacity, persistent uint32) error {
	if capacity <= m.cfg.ShaderVisibleCapacity && persistent <= m.cfg.PersistentCapacity {
		return nil
	}
	if m.flush == nil {
		return ErrNoFlushCallback
	}
	if m.frameActive && m.transientActive {
		return ErrTransientActive
	}
	if err := m.flush(); err != nil {
		return fmt.Errorf("descriptor: flush before resize: %w", err)
	}

	capacity = max(capacity, m.cfg.ShaderVisibleCapacity)
	persistent = max(persistent, m.cfg.PersistentCapacity)
	if persistent >= capacity {
		return fmt.Errorf("%w: persistent range %d leaves no transient space in %d",
			ErrHeapExhausted, persistent, capacity)
	}
	m.cfg.ShaderVisibleCapacity = capacity
	m.cfg.PersistentCapacity = persistent
	m.persistent.capacity = persistent
	m.layoutSegments()
	m.resizes++
	slogger().Info("shader-visible descriptor heap resized",
		"capacity", capacity, "persistent", persistent)
	return nil
}

// Stats returns current heap usage.
func (m *Manager) Stats() Stats {
	s := m.segments[m.activeSlot]
	return Stats{
		RTVUsed: m.rtv.used(), RTVCapacity: m.rtv.capacity,
		DSVUsed: m.dsv.used(), DSVCapacity: m.dsv.capacity,
		StagingUsed: m.staging.used(), StagingCapacity: m.staging.capacity,
		PersistentUsed: m.persistent.used(), PersistentCapacity: m.persistent.capacity,
		TransientUsed: s.cursor - s.start, TransientSegment: s.end - s.start,
		ShaderVisibleCapacity: m.cfg.ShaderVisibleCapacity,
		ActiveSlot:            m.activeSlot,
		Resizes:               m.resizes,
	}
}
