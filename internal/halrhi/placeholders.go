// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package halrhi

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/cortex/internal/rhi"
)

// shared holds device-wide objects bind groups fall back to.
type shared struct {
	linear       hal.Sampler
	comparison   hal.Sampler
	placeholders map[entryKind]*resource
	lists        []*commandList
}

func nativeHandle(v any) (uintptr, bool) {
	h, ok := v.(interface{ NativeHandle() uintptr })
	if !ok {
		return 0, false
	}
	return h.NativeHandle(), true
}

// samplerHandle returns the shared linear or comparison sampler.
func (d *Device) samplerHandle(comparison bool) (uintptr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &d.shared.linear
	desc := &hal.SamplerDescriptor{
		Label:        "halrhi_linear",
		AddressModeU: gputypes.AddressModeClampToEdge,
		AddressModeV: gputypes.AddressModeClampToEdge,
		AddressModeW: gputypes.AddressModeClampToEdge,
		MagFilter:    gputypes.FilterModeLinear,
		MinFilter:    gputypes.FilterModeLinear,
		MipmapFilter: gputypes.FilterModeLinear,
	}
	if comparison {
		s = &d.shared.comparison
		desc.Label = "halrhi_comparison"
		desc.Compare = gputypes.CompareFunctionLessEqual
	}
	if *s == nil {
		created, err := d.device.CreateSampler(desc)
		if err != nil {
			return 0, fmt.Errorf("halrhi: %s: %w", desc.Label, err)
		}
		*s = created
	}
	h, ok := nativeHandle(*s)
	if !ok {
		return 0, fmt.Errorf("halrhi: %s has no native handle: %w", desc.Label, rhi.ErrUnsupported)
	}
	return h, nil
}

// placeholder returns a 1x1 texture standing in for an unbound texture
// binding of the given kind.
func (d *Device) placeholder(kind entryKind) (*resource, error) {
	d.mu.Lock()
	r, ok := d.shared.placeholders[kind]
	d.mu.Unlock()
	if ok {
		return r, nil
	}
	desc := rhi.ResourceDesc{
		Label:     fmt.Sprintf("halrhi_placeholder_%d", kind),
		Dimension: rhi.DimensionTexture2D,
		Width:     1,
		Height:    1,
		MipLevels: 1,
		ArraySize: 1,
		Format:    gputypes.TextureFormatRGBA8Unorm,
		Flags:     rhi.FlagShaderResource,
	}
	switch kind {
	case entryDepthTexture:
		desc.Format = gputypes.TextureFormatDepth32Float
		desc.Flags |= rhi.FlagDepthStencil
	case entryDepthArray:
		// Two layers so the default view is an array view.
		desc.Format = gputypes.TextureFormatDepth32Float
		desc.Flags |= rhi.FlagDepthStencil
		desc.Dimension = rhi.DimensionTexture2DArray
		desc.ArraySize = 2
	case entryUintTexture:
		desc.Format = gputypes.TextureFormatR32Uint
	case entryUnfilterable:
		desc.Format = gputypes.TextureFormatR32Float
	}
	res, err := d.CreateResource(desc)
	if err != nil {
		return nil, err
	}
	r = res.(*resource)
	d.mu.Lock()
	if d.shared.placeholders == nil {
		d.shared.placeholders = make(map[entryKind]*resource)
	}
	d.shared.placeholders[kind] = r
	d.mu.Unlock()
	return r, nil
}

func (d *Device) trackList(l *commandList) {
	d.mu.Lock()
	d.shared.lists = append(d.shared.lists, l)
	d.mu.Unlock()
}

// releaseShared frees samplers and list-owned memory. Placeholders are
// live resources and go with them.
func (d *Device) releaseShared() {
	for _, l := range d.shared.lists {
		l.release()
	}
	for _, s := range []hal.Sampler{d.shared.linear, d.shared.comparison} {
		if s != nil {
			d.device.DestroySampler(s)
		}
	}
	d.shared = shared{}
}
