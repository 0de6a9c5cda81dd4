// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package rendergraph

import (
	"strings"

	"github.com/gogpu/cortex/internal/rhi"
)

// Usage declares how a pass accesses a resource. Usages may be combined;
// StateFor maps a combination to the single state the resource must be in.
type Usage uint32

// Resource usages.
const (
	UsageNone Usage = 0

	// UsageShaderPixel is a shader-resource read from pixel shaders.
	UsageShaderPixel Usage = 1 << iota
	// UsageShaderNonPixel is a shader-resource read from vertex, compute or
	// ray-tracing shaders.
	UsageShaderNonPixel
	UsageRenderTarget
	UsageDepthWrite
	// UsageDepthRead is a read-only depth binding that may also be sampled.
	UsageDepthRead
	UsageUnorderedAccess
	UsageCopySource
	UsageCopyDest
	UsageIndirectArgument
	UsagePresent
	UsageAccelerationStructure

	// UsageShaderResource is a read from any shader stage.
	UsageShaderResource = UsageShaderPixel | UsageShaderNonPixel
)

var usageNames = []struct {
	u    Usage
	name string
}{
	{UsageShaderPixel, "ShaderPixel"},
	{UsageShaderNonPixel, "ShaderNonPixel"},
	{UsageRenderTarget, "RenderTarget"},
	{UsageDepthWrite, "DepthWrite"},
	{UsageDepthRead, "DepthRead"},
	{UsageUnorderedAccess, "UnorderedAccess"},
	{UsageCopySource, "CopySource"},
	{UsageCopyDest, "CopyDest"},
	{UsageIndirectArgument, "IndirectArgument"},
	{UsagePresent, "Present"},
	{UsageAccelerationStructure, "AccelerationStructure"},
}

// String returns the usage names joined by '|'.
func (u Usage) String() string {
	if u == UsageNone {
		return "None"
	}
	var parts []string
	for _, n := range usageNames {
		if u&n.u != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// exclusive usages replace every other bit of the combination.
var exclusive = []struct {
	u Usage
	s rhi.ResourceState
}{
	{UsagePresent, rhi.StatePresent},
	{UsageCopyDest, rhi.StateCopyDest},
	{UsageDepthWrite, rhi.StateDepthWrite},
	{UsageRenderTarget, rhi.StateRenderTarget},
	{UsageUnorderedAccess, rhi.StateUnorderedAccess},
}

// StateFor returns the resource state implied by usage.
//
// Write usages are exclusive; when several are set the first of present,
// copy-dest, depth-write, render-target and unordered-access wins. Read
// usages combine into the union of their states. A depth read always
// includes both shader-resource states so the depth buffer can be sampled
// while bound read-only.
func StateFor(u Usage) rhi.ResourceState {
	for _, e := range exclusive {
		if u&e.u != 0 {
			return e.s
		}
	}
	var s rhi.ResourceState
	if u&UsageShaderPixel != 0 {
		s |= rhi.StatePixelShaderResource
	}
	if u&UsageShaderNonPixel != 0 {
		s |= rhi.StateNonPixelShaderResource
	}
	if u&UsageDepthRead != 0 {
		s |= rhi.StateDepthSample
	}
	if u&UsageCopySource != 0 {
		s |= rhi.StateCopySource
	}
	if u&UsageIndirectArgument != 0 {
		s |= rhi.StateIndirectArgument
	}
	if u&UsageAccelerationStructure != 0 {
		s |= rhi.StateAccelerationStructure
	}
	return s
}
