// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package rhi

import (
	"errors"
	"time"

	"github.com/gogpu/gputypes"
)

// Device errors.
var (
	// ErrDeviceRemoved is returned once the driver reports the device lost.
	ErrDeviceRemoved = errors.New("rhi: device removed")

	// ErrOutOfMemory is returned when a resource cannot be allocated.
	ErrOutOfMemory = errors.New("rhi: out of memory")

	// ErrUnsupported is returned for features the device lacks.
	ErrUnsupported = errors.New("rhi: unsupported")

	// ErrListClosed is returned when recording into a closed command list.
	ErrListClosed = errors.New("rhi: command list is closed")
)

// QueueKind identifies a hardware queue.
type QueueKind uint8

// Queue kinds.
const (
	QueueGraphics QueueKind = iota
	QueueCopy
	QueueCompute
)

// String returns the queue name.
func (k QueueKind) String() string {
	switch k {
	case QueueGraphics:
		return "graphics"
	case QueueCopy:
		return "copy"
	case QueueCompute:
		return "compute"
	default:
		return "unknown"
	}
}

// RayTracingTier reports hardware ray-tracing support.
type RayTracingTier uint8

// Ray-tracing tiers.
const (
	RayTracingNone RayTracingTier = iota
	RayTracingTier1_0
	RayTracingTier1_1
)

// VideoMemoryInfo is the driver's local memory report.
type VideoMemoryInfo struct {
	Budget       uint64
	CurrentUsage uint64
}

// RemovedData is the driver's extended device-removed report.
type RemovedData struct {
	// Breadcrumbs lists the most recent command lists and the last marker
	// each completed.
	Breadcrumbs []ListBreadcrumb
	// PageFaults lists faulting virtual addresses and the allocations the
	// driver associates with them.
	PageFaults []PageFault
}

// ListBreadcrumb is one command list in the driver's auto-breadcrumb ring.
type ListBreadcrumb struct {
	ListName       string
	LastCompleted  uint32
	LastMarkerName string
}

// PageFault is a faulting address with nearby allocation names.
type PageFault struct {
	Address     uint64
	Allocations []string
}

// Fence is a monotonically increasing 64-bit timeline.
type Fence interface {
	// CompletedValue returns the last value the GPU has reached.
	CompletedValue() uint64
	// Wait blocks until the fence reaches value or the timeout expires.
	Wait(value uint64, timeout time.Duration) (bool, error)
}

// Queue is a hardware command queue.
type Queue interface {
	Kind() QueueKind
	// Submit executes closed command lists in order.
	Submit(lists []CommandList) error
	// Signal makes the GPU set fence to value after prior submissions.
	Signal(fence Fence, value uint64) error
	// WaitGPU makes subsequent submissions wait for fence >= value.
	WaitGPU(fence Fence, value uint64) error
}

// PipelineKind distinguishes graphics from compute programs.
type PipelineKind uint8

// Pipeline kinds.
const (
	PipelineGraphics PipelineKind = iota
	PipelineCompute
)

// PipelineDesc names a program and its render-target layout.
type PipelineDesc struct {
	Name        string
	Kind        PipelineKind
	Shader      string // shader module name
	VertexEntry string
	EntryPoint  string // fragment or compute entry

	ColorFormats []gputypes.TextureFormat
	DepthFormat  gputypes.TextureFormat
	DepthWrite   bool
	DepthTest    bool
	Blend        bool
	Lines        bool // line-list topology

	// Bindings is the number of resources bound after the constant block.
	Bindings int

	// SPIRV is the compiled shader module. Backends that compile their own
	// shaders ignore it.
	SPIRV []uint32
}

// Pipeline is a compiled program.
type Pipeline interface {
	Name() string
}

// Device creates resources and exposes queues.
type Device interface {
	Name() string

	// Queue returns the queue of the given kind, or nil when the device has
	// no dedicated queue of that kind.
	Queue(kind QueueKind) Queue

	CreateFence(label string) (Fence, error)
	CreateCommandList(kind QueueKind, label string) (CommandList, error)

	CreateResource(desc ResourceDesc) (Resource, error)
	DestroyResource(r Resource)

	CreatePipeline(desc PipelineDesc) (Pipeline, error)

	// WriteBuffer copies data into an upload-heap buffer (map, copy, unmap).
	WriteBuffer(r Resource, offset uint64, data []byte) error
	// ReadBuffer copies data out of a readback-heap buffer.
	ReadBuffer(r Resource, offset uint64, data []byte) error

	// VideoMemoryInfo reports local memory usage, if the driver supports it.
	VideoMemoryInfo() (VideoMemoryInfo, bool)
	RayTracingTier() RayTracingTier

	// RemovedReason returns nil while the device is healthy.
	RemovedReason() error
	// ExtendedRemovedData returns the driver's post-mortem, if enabled.
	ExtendedRemovedData() (RemovedData, bool)
}
