// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package descriptor manages descriptor heaps: CPU-only staging heaps with
// stable indices and a shader-visible heap split into a persistent range
// plus one transient ring segment per frame slot.
//
// A transient range is valid only until the next BeginFrame of the same
// slot. The caller must wait on the slot's completion fence before calling
// BeginFrame; the manager itself never touches the GPU.
package descriptor

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gogpu/cortex/internal/logging"
	"github.com/gogpu/cortex/internal/rhi"
)

// Descriptor errors.
var (
	// ErrHeapExhausted is returned when a heap or segment has no room left.
	ErrHeapExhausted = errors.New("descriptor: heap exhausted")

	// ErrTransientActive is returned when a persistent allocation or resize
	// is requested after the current frame already handed out transient
	// descriptors.
	ErrTransientActive = errors.New("descriptor: transient descriptors in use this frame")

	// ErrNoFlushCallback is returned by Grow when no flush callback is set.
	ErrNoFlushCallback = errors.New("descriptor: destructive resize without flush callback")

	// ErrInvalidCount is returned for zero-sized range requests.
	ErrInvalidCount = errors.New("descriptor: range count must be positive")
)

// Default heap capacities.
const (
	DefaultRTVCapacity           = 64
	DefaultDSVCapacity           = 64
	DefaultStagingCapacity       = 1024
	DefaultShaderVisibleCapacity = 1024
	DefaultPersistentCapacity    = 768

	// handleIncrement is the byte stride between descriptors.
	handleIncrement = 32

	// nearlyFull is the transient segment fill ratio that triggers a warning.
	nearlyFull = 0.9
)

// Kind is the heap a descriptor lives in.
type Kind uint8

// Heap kinds.
const (
	KindRTV Kind = iota
	KindDSV
	KindStaging
	KindShaderVisible
)

// String returns the heap name.
func (k Kind) String() string {
	switch k {
	case KindRTV:
		return "RTV"
	case KindDSV:
		return "DSV"
	case KindStaging:
		return "Staging"
	case KindShaderVisible:
		return "CBV_SRV_UAV"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Handle addresses one descriptor or the base of a contiguous range.
type Handle struct {
	CPU   uint64
	GPU   uint64 // zero for CPU-only heaps
	Index uint32
	Count uint32
	Kind  Kind
	// Slot is the owning frame slot of a transient range, -1 otherwise.
	Slot int
}

// IsValid reports whether the handle was produced by an allocation.
func (h Handle) IsValid() bool { return h.Count > 0 }

// IsTransient reports whether the handle belongs to a frame segment.
func (h Handle) IsTransient() bool { return h.Slot >= 0 && h.Count > 0 }

// Offset returns the handle of the i-th descriptor in the range.
func (h Handle) Offset(i uint32) Handle {
	out := h
	out.Index += i
	out.CPU += uint64(i) * handleIncrement
	if out.GPU != 0 {
		out.GPU += uint64(i) * handleIncrement
	}
	out.Count = 1
	return out
}

// Ref converts the handle into the form command lists carry.
func (h Handle) Ref() rhi.DescriptorRef {
	return rhi.DescriptorRef{Index: h.Index, Count: h.Count, Slot: h.Slot, Valid: h.IsValid()}
}

// Config sets heap capacities. Zero fields take defaults.
type Config struct {
	RTVCapacity           uint32 `toml:"rtv"`
	DSVCapacity           uint32 `toml:"dsv"`
	StagingCapacity       uint32 `toml:"staging"`
	ShaderVisibleCapacity uint32 `toml:"shader_visible"`
	PersistentCapacity    uint32 `toml:"persistent"`
	Frames                int    `toml:"-"`
}

func (c Config) withDefaults() Config {
	if c.RTVCapacity == 0 {
		c.RTVCapacity = DefaultRTVCapacity
	}
	if c.DSVCapacity == 0 {
		c.DSVCapacity = DefaultDSVCapacity
	}
	if c.StagingCapacity == 0 {
		c.StagingCapacity = DefaultStagingCapacity
	}
	if c.ShaderVisibleCapacity == 0 {
		c.ShaderVisibleCapacity = DefaultShaderVisibleCapacity
	}
	if c.PersistentCapacity == 0 {
		c.PersistentCapacity = DefaultPersistentCapacity
	}
	if c.PersistentCapacity >= c.ShaderVisibleCapacity {
		c.PersistentCapacity = c.ShaderVisibleCapacity / 2
	}
	if c.Frames <= 0 {
		c.Frames = rhi.FramesInFlight
	}
	return c
}

func slogger() *slog.Logger { return logging.Component("descriptor") }
