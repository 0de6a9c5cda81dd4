// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package rhi is the render hardware interface the cortex core records
// against. It mirrors explicit-API resource states (one tracked usage state
// per resource or subresource, transitions issued as barriers) and is
// implemented by internal/halrhi on top of gogpu/wgpu/hal and by
// internal/rhi/rhitest for tests.
package rhi

import (
	"strings"
)

// FramesInFlight is the number of rotating frame slots.
const FramesInFlight = 3

// ResourceState is the tracked usage state of a resource. Read states may be
// combined; write states are exclusive.
type ResourceState uint32

// Resource states.
const (
	StateCommon ResourceState = 0

	StateVertexAndConstantBuffer ResourceState = 1 << iota
	StateIndexBuffer
	StateRenderTarget
	StateUnorderedAccess
	StateDepthWrite
	StateDepthRead
	StateNonPixelShaderResource
	StatePixelShaderResource
	StateIndirectArgument
	StateCopyDest
	StateCopySource
	StateAccelerationStructure
	StatePresent
)

// Composite read states.
const (
	StateAllShaderResource = StateNonPixelShaderResource | StatePixelShaderResource
	StateDepthSample       = StateDepthRead | StateAllShaderResource

	writeStates = StateRenderTarget | StateUnorderedAccess | StateDepthWrite | StateCopyDest
)

var stateNames = []struct {
	s    ResourceState
	name string
}{
	{StateVertexAndConstantBuffer, "VertexAndConstantBuffer"},
	{StateIndexBuffer, "IndexBuffer"},
	{StateRenderTarget, "RenderTarget"},
	{StateUnorderedAccess, "UnorderedAccess"},
	{StateDepthWrite, "DepthWrite"},
	{StateDepthRead, "DepthRead"},
	{StateNonPixelShaderResource, "NonPixelShaderResource"},
	{StatePixelShaderResource, "PixelShaderResource"},
	{StateIndirectArgument, "IndirectArgument"},
	{StateCopyDest, "CopyDest"},
	{StateCopySource, "CopySource"},
	{StateAccelerationStructure, "AccelerationStructure"},
	{StatePresent, "Present"},
}

// String returns the state names joined by '|', or "Common".
func (s ResourceState) String() string {
	if s == StateCommon {
		return "Common"
	}
	var parts []string
	for _, n := range stateNames {
		if s&n.s != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Has reports whether every bit of o is set in s.
func (s ResourceState) Has(o ResourceState) bool { return s&o == o && o != 0 }

// IsWrite reports whether s contains a write state.
func (s ResourceState) IsWrite() bool { return s&writeStates != 0 }

// IsReadOnly reports whether s is a pure read state (Common counts as read).
func (s ResourceState) IsReadOnly() bool { return !s.IsWrite() }

// Valid reports whether s is a legal combination: at most one write state,
// and a write state never combined with a read state.
func (s ResourceState) Valid() bool {
	w := s & writeStates
	if w == 0 {
		return true
	}
	if w&(w-1) != 0 {
		return false
	}
	return s == w
}
