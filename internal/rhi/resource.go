// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package rhi

import (
	"fmt"

	"github.com/gogpu/gputypes"
)

// Dimension distinguishes buffers from textures.
type Dimension uint8

// Resource dimensions.
const (
	DimensionBuffer Dimension = iota
	DimensionTexture2D
	DimensionTexture2DArray
)

// Heap selects the memory pool a resource lives in.
type Heap uint8

// Memory heaps.
const (
	HeapDefault  Heap = iota // GPU local
	HeapUpload               // CPU write, GPU read
	HeapReadback             // GPU write, CPU read
)

// ResourceFlags declare the views a resource needs.
type ResourceFlags uint32

// Resource flags.
const (
	FlagRenderTarget ResourceFlags = 1 << iota
	FlagDepthStencil
	FlagUnorderedAccess
	FlagShaderResource
	FlagVertexBuffer
	FlagIndexBuffer
	FlagIndirect
)

// AllSubresources addresses every subresource of a texture.
const AllSubresources = ^uint32(0)

// ResourceDesc describes a GPU resource.
type ResourceDesc struct {
	Label     string
	Dimension Dimension
	Heap      Heap

	// Buffer size in bytes. Ignored for textures.
	Size uint64

	Width     uint32
	Height    uint32
	ArraySize uint32
	MipLevels uint32
	Format    gputypes.TextureFormat

	Flags ResourceFlags
}

// IsTexture reports whether the descriptor names a texture.
func (d ResourceDesc) IsTexture() bool { return d.Dimension != DimensionBuffer }

// SubresourceCount returns mips*layers for textures and 1 for buffers.
func (d ResourceDesc) SubresourceCount() uint32 {
	if !d.IsTexture() {
		return 1
	}
	return max(d.MipLevels, 1) * max(d.ArraySize, 1)
}

// Subresource returns the flat index of (mip, layer).
func (d ResourceDesc) Subresource(mip, layer uint32) uint32 {
	return mip + layer*max(d.MipLevels, 1)
}

// ByteSize estimates the memory footprint of the resource.
func (d ResourceDesc) ByteSize() uint64 {
	if !d.IsTexture() {
		return d.Size
	}
	bpp := uint64(BytesPerPixel(d.Format))
	var total uint64
	w, h := uint64(d.Width), uint64(d.Height)
	for range max(d.MipLevels, 1) {
		total += max(w, 1) * max(h, 1) * bpp
		w /= 2
		h /= 2
	}
	return total * uint64(max(d.ArraySize, 1))
}

// Key returns a string identifying descriptors that can share an allocation.
// The label is not part of the key.
func (d ResourceDesc) Key() string {
	return fmt.Sprintf("%d/%d/%d/%dx%dx%d/m%d/f%d/%x",
		d.Dimension, d.Heap, d.Size, d.Width, d.Height, d.ArraySize, d.MipLevels, d.Format, d.Flags)
}

// BytesPerPixel returns the texel size of the formats the renderer uses.
func BytesPerPixel(f gputypes.TextureFormat) int {
	switch f {
	case gputypes.TextureFormatR8Unorm:
		return 1
	case gputypes.TextureFormatRG16Float, gputypes.TextureFormatR32Uint,
		gputypes.TextureFormatDepth32Float, gputypes.TextureFormatDepth24PlusStencil8,
		gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatBGRA8Unorm:
		return 4
	case gputypes.TextureFormatRGBA16Float:
		return 8
	default:
		return 4
	}
}

// Resource is a GPU buffer or texture. Resources created by the core and
// externally owned resources (the swap-chain back buffer) share the
// interface; the core tracks state for both but only destroys its own.
type Resource interface {
	Desc() ResourceDesc
}

// Label returns the resource label, tolerating nil.
func Label(r Resource) string {
	if r == nil {
		return "<nil>"
	}
	return r.Desc().Label
}
