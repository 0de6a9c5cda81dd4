// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package halrhi

import (
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/cortex/internal/rhi"
)

// zeroBufferSize is the size of the shared all-zero copy source used to
// clear buffers.
const zeroBufferSize = 64 << 10

// resource is a HAL buffer or texture with its default view.
type resource struct {
	desc rhi.ResourceDesc
	buf  hal.Buffer
	tex  hal.Texture
	view hal.TextureView
}

func (r *resource) Desc() rhi.ResourceDesc { return r.desc }

// handle returns the native handle bind groups reference.
func (r *resource) handle() uintptr {
	if r.buf != nil {
		return r.buf.NativeHandle()
	}
	if h, ok := r.view.(interface{ NativeHandle() uintptr }); ok {
		return h.NativeHandle()
	}
	return 0
}

// alignBuffer rounds buffer sizes up to the 4-byte copy granularity.
func alignBuffer(size uint64) uint64 {
	return max((size+3)&^3, 4)
}

func bufferUsage(desc rhi.ResourceDesc) gputypes.BufferUsage {
	if desc.Heap == rhi.HeapReadback {
		return gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst
	}
	u := gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	if desc.Heap == rhi.HeapUpload {
		u |= gputypes.BufferUsageUniform
	}
	if desc.Flags&rhi.FlagVertexBuffer != 0 {
		u |= gputypes.BufferUsageVertex
	}
	if desc.Flags&rhi.FlagIndexBuffer != 0 {
		u |= gputypes.BufferUsageIndex
	}
	if desc.Flags&rhi.FlagIndirect != 0 {
		u |= gputypes.BufferUsageIndirect
	}
	if desc.Flags&(rhi.FlagShaderResource|rhi.FlagUnorderedAccess) != 0 {
		u |= gputypes.BufferUsageStorage
	}
	return u
}

func textureUsage(desc rhi.ResourceDesc) gputypes.TextureUsage {
	u := gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst
	if desc.Flags&(rhi.FlagRenderTarget|rhi.FlagDepthStencil) != 0 {
		u |= gputypes.TextureUsageRenderAttachment
	}
	if desc.Flags&rhi.FlagShaderResource != 0 {
		u |= gputypes.TextureUsageTextureBinding
	}
	if desc.Flags&rhi.FlagUnorderedAccess != 0 {
		u |= gputypes.TextureUsageStorageBinding
	}
	return u
}

func textureDescriptor(desc rhi.ResourceDesc) *hal.TextureDescriptor {
	return &hal.TextureDescriptor{
		Label: desc.Label,
		Size: hal.Extent3D{
			Width:              max(desc.Width, 1),
			Height:             max(desc.Height, 1),
			DepthOrArrayLayers: max(desc.ArraySize, 1),
		},
		MipLevelCount: max(desc.MipLevels, 1),
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        desc.Format,
		Usage:         textureUsage(desc),
	}
}

// stateUsage maps a tracked resource state to the texture usage the HAL
// transitions between. Combined read states collapse to sampling.
func stateUsage(s rhi.ResourceState) gputypes.TextureUsage {
	switch {
	case s.Has(rhi.StateRenderTarget), s.Has(rhi.StateDepthWrite):
		return gputypes.TextureUsageRenderAttachment
	case s.Has(rhi.StateUnorderedAccess):
		return gputypes.TextureUsageStorageBinding
	case s.Has(rhi.StateCopyDest):
		return gputypes.TextureUsageCopyDst
	case s.Has(rhi.StateCopySource):
		return gputypes.TextureUsageCopySrc
	case s&rhi.StateAllShaderResource != 0:
		return gputypes.TextureUsageTextureBinding
	case s.Has(rhi.StateDepthRead), s.Has(rhi.StatePresent):
		return gputypes.TextureUsageRenderAttachment
	default:
		return gputypes.TextureUsageNone
	}
}

func isDepthFormat(f gputypes.TextureFormat) bool {
	switch f {
	case gputypes.TextureFormatDepth32Float, gputypes.TextureFormatDepth24PlusStencil8:
		return true
	default:
		return false
	}
}
