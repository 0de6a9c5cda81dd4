// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package rhi

import "fmt"

// BarrierType selects the barrier flavor.
type BarrierType uint8

// Barrier types.
const (
	BarrierTransition BarrierType = iota
	BarrierUAV
	BarrierAliasing
)

// Barrier is a resource barrier.
type Barrier struct {
	Type        BarrierType
	Resource    Resource
	Subresource uint32 // AllSubresources for the whole resource
	Before      ResourceState
	After       ResourceState

	// AliasBefore is the resource previously occupying the memory
	// (aliasing barriers only).
	AliasBefore Resource
}

// Transition builds a whole-resource transition barrier.
func Transition(r Resource, before, after ResourceState) Barrier {
	return Barrier{Type: BarrierTransition, Resource: r, Subresource: AllSubresources, Before: before, After: after}
}

// UAVBarrier builds an unordered-access barrier.
func UAVBarrier(r Resource) Barrier {
	return Barrier{Type: BarrierUAV, Resource: r, Subresource: AllSubresources}
}

// String formats the barrier for logs and test failures.
func (b Barrier) String() string {
	switch b.Type {
	case BarrierUAV:
		return fmt.Sprintf("UAV(%s)", Label(b.Resource))
	case BarrierAliasing:
		return fmt.Sprintf("Alias(%s->%s)", Label(b.AliasBefore), Label(b.Resource))
	}
	sub := ""
	if b.Subresource != AllSubresources {
		sub = fmt.Sprintf("[%d]", b.Subresource)
	}
	return fmt.Sprintf("%s%s: %s->%s", Label(b.Resource), sub, b.Before, b.After)
}

// LoadOp selects how a pass attachment is initialized.
type LoadOp uint8

// Load operations.
const (
	LoadKeep LoadOp = iota
	LoadClear
	LoadDontCare
)

// ColorAttachment is a render-target binding of a pass.
type ColorAttachment struct {
	Target Resource
	Slice  uint32
	Load   LoadOp
	Clear  [4]float32
}

// DepthAttachment is the depth binding of a pass.
type DepthAttachment struct {
	Target   Resource
	Slice    uint32
	Load     LoadOp
	Clear    float32
	ReadOnly bool
}

// PassDesc begins a raster pass.
type PassDesc struct {
	Name   string
	Colors []ColorAttachment
	Depth  *DepthAttachment

	// Viewport size; zero means the size of the first attachment.
	Width, Height uint32
}

// Bindings is the per-draw resource set: a constant block, a descriptor
// table base, and the resources the program reads or writes.
type Bindings struct {
	Constants []byte
	Table     DescriptorRef
	Resources []Resource
}

// DescriptorRef is the descriptor-table address a command references.
// Slot is the frame slot owning a transient range, or -1 for persistent
// descriptors.
type DescriptorRef struct {
	Index uint32
	Count uint32
	Slot  int
	Valid bool
}

// DrawArgs is an indexed instanced draw whose geometry comes from buffers.
type DrawArgs struct {
	VertexBuffer  Resource
	IndexBuffer   Resource
	IndexCount    uint32
	InstanceCount uint32
	FirstIndex    uint32
	BaseVertex    int32
	FirstInstance uint32
}

// CommandList records GPU work for one queue.
type CommandList interface {
	Kind() QueueKind
	Label() string

	// Reset reopens the list (and its allocator) for recording.
	Reset() error
	// Close ends recording.
	Close() error
	IsOpen() bool

	ResourceBarrier(barriers ...Barrier)

	BeginPass(desc PassDesc)
	EndPass()

	SetPipeline(p Pipeline)
	SetBindings(b Bindings)
	Draw(args DrawArgs)
	DrawFullscreen()
	DrawIndirect(args Resource, offset uint64, maxCount uint32, count Resource)
	Dispatch(x, y, z uint32)

	CopyBuffer(dst Resource, dstOffset uint64, src Resource, srcOffset, size uint64)
	CopyResource(dst, src Resource)
	ClearUnorderedAccess(r Resource, value [4]float32)

	// WriteImmediate writes value into a buffer from the command stream,
	// ordered with surrounding commands.
	WriteImmediate(dst Resource, offset uint64, value uint32)

	// SetMarker names the following commands for debuggers and the
	// driver's breadcrumb ring.
	SetMarker(name string)
}
