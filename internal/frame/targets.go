// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package frame

import (
	"fmt"
	"math/bits"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/cortex/internal/descriptor"
	"github.com/gogpu/cortex/internal/rhi"
)

// Target formats.
const (
	FormatDepth    = gputypes.TextureFormatDepth32Float
	FormatHDR      = gputypes.TextureFormatRGBA16Float
	FormatNormal   = gputypes.TextureFormatRGBA16Float
	FormatVelocity = gputypes.TextureFormatRG16Float
	FormatSSAO     = gputypes.TextureFormatR8Unorm
	FormatHZB      = gputypes.TextureFormatR32Float
	FormatShadow   = gputypes.TextureFormatDepth32Float
	FormatRTMask   = gputypes.TextureFormatR8Unorm
)

// targets are the render-size and fixed-size textures the passes share.
// Color targets rest in PixelShaderResource between passes.
type targets struct {
	width, height uint32

	depth      rhi.Resource
	hdr        rhi.Resource
	normal     rhi.Resource
	velocity   rhi.Resource
	ssao       rhi.Resource
	ssr        rhi.Resource
	bloom      rhi.Resource
	taaHistory rhi.Resource
	taaResolve rhi.Resource
	hzb        rhi.Resource

	shadow     rhi.Resource
	shadowSize uint32

	rtShadow, rtShadowHistory rhi.Resource
	rtRefl, rtReflHistory     rhi.Resource
	rtGI, rtGIHistory         rhi.Resource

	views map[rhi.Resource][]descriptor.Handle
}

// colorTargets returns the targets returned to PixelShaderResource at the
// end of every frame.
func (t *targets) colorTargets() []rhi.Resource {
	out := make([]rhi.Resource, 0, 14)
	for _, res := range []rhi.Resource{
		t.hdr, t.normal, t.velocity, t.ssao, t.ssr, t.bloom, t.taaHistory, t.taaResolve,
		t.rtShadow, t.rtShadowHistory, t.rtRefl, t.rtReflHistory, t.rtGI, t.rtGIHistory,
	} {
		if res != nil {
			out = append(out, res)
		}
	}
	return out
}

func mipCount(w, h uint32) uint32 { return uint32(bits.Len32(max(w, h, 1))) }

func texture2D(label string, w, h uint32, format gputypes.TextureFormat, flags rhi.ResourceFlags) rhi.ResourceDesc {
	return rhi.ResourceDesc{
		Label:     label,
		Dimension: rhi.DimensionTexture2D,
		Width:     max(w, 1),
		Height:    max(h, 1),
		ArraySize: 1,
		MipLevels: 1,
		Format:    format,
		Flags:     flags,
	}
}

const (
	colorFlags = rhi.FlagRenderTarget | rhi.FlagShaderResource
	uavFlags   = rhi.FlagUnorderedAccess | rhi.FlagShaderResource
)

// createTarget creates and tracks a texture and allocates its views.
func (r *Renderer) createTarget(desc rhi.ResourceDesc, state rhi.ResourceState) (rhi.Resource, error) {
	res, err := r.dev.CreateResource(desc)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", desc.Label, err)
	}
	views, err := r.allocateViews(desc)
	if err != nil {
		for _, h := range views {
			r.desc.Release(h)
		}
		r.dev.DestroyResource(res)
		return nil, fmt.Errorf("views of %s: %w", desc.Label, err)
	}
	if r.t.views == nil {
		r.t.views = make(map[rhi.Resource][]descriptor.Handle)
	}
	r.t.views[res] = views
	r.tracker.Track(res, state)
	return res, nil
}

func (r *Renderer) allocateViews(desc rhi.ResourceDesc) ([]descriptor.Handle, error) {
	var views []descriptor.Handle
	add := func(kind descriptor.Kind, n uint32) error {
		for range n {
			h, err := r.desc.AllocatePersistent(kind)
			if err != nil {
				return err
			}
			views = append(views, h)
		}
		return nil
	}
	layers := max(desc.ArraySize, 1)
	steps := []struct {
		flag rhi.ResourceFlags
		kind descriptor.Kind
		n    uint32
	}{
		{rhi.FlagShaderResource, descriptor.KindShaderVisible, 1},
		{rhi.FlagRenderTarget, descriptor.KindRTV, layers},
		{rhi.FlagDepthStencil, descriptor.KindDSV, layers},
		{rhi.FlagUnorderedAccess, descriptor.KindShaderVisible, max(desc.MipLevels, 1)},
	}
	for _, s := range steps {
		if desc.Flags&s.flag == 0 {
			continue
		}
		if err := add(s.kind, s.n); err != nil {
			return views, err
		}
	}
	return views, nil
}

// destroyTarget releases a target immediately. The GPU must be idle.
func (r *Renderer) destroyTarget(p *rhi.Resource) {
	res := *p
	if res == nil {
		return
	}
	for _, h := range r.t.views[res] {
		r.desc.Release(h)
	}
	delete(r.t.views, res)
	r.tracker.Untrack(res)
	r.dev.DestroyResource(res)
	*p = nil
}

type targetSpec struct {
	dst   *rhi.Resource
	desc  rhi.ResourceDesc
	state rhi.ResourceState
}

func (r *Renderer) screenSpecs(w, h uint32) []targetSpec {
	t := &r.t
	hzb := texture2D("hzb", w, h, FormatHZB, uavFlags)
	hzb.MipLevels = mipCount(w, h)
	return []targetSpec{
		{&t.depth, texture2D("depth", w, h, FormatDepth, rhi.FlagDepthStencil|rhi.FlagShaderResource), rhi.StateDepthWrite},
		{&t.hdr, texture2D("hdr", w, h, FormatHDR, colorFlags|rhi.FlagUnorderedAccess), rhi.StatePixelShaderResource},
		{&t.normal, texture2D("normal_roughness", w, h, FormatNormal, colorFlags), rhi.StatePixelShaderResource},
		{&t.velocity, texture2D("velocity", w, h, FormatVelocity, colorFlags), rhi.StatePixelShaderResource},
		{&t.ssao, texture2D("ssao", w, h, FormatSSAO, colorFlags|rhi.FlagUnorderedAccess), rhi.StatePixelShaderResource},
		{&t.ssr, texture2D("ssr", w, h, FormatHDR, colorFlags), rhi.StatePixelShaderResource},
		{&t.bloom, texture2D("bloom", (w+1)/2, (h+1)/2, FormatHDR, colorFlags), rhi.StatePixelShaderResource},
		{&t.taaHistory, texture2D("taa_history", w, h, FormatHDR, colorFlags), rhi.StatePixelShaderResource},
		{&t.taaResolve, texture2D("taa_resolve", w, h, FormatHDR, colorFlags), rhi.StatePixelShaderResource},
		{&t.hzb, hzb, rhi.StateNonPixelShaderResource},
	}
}

func (r *Renderer) rtSpecs(w, h uint32) []targetSpec {
	t := &r.t
	hw, hh := (w+1)/2, (h+1)/2
	return []targetSpec{
		{&t.rtShadow, texture2D("rt_shadow_mask", hw, hh, FormatRTMask, uavFlags), rhi.StatePixelShaderResource},
		{&t.rtShadowHistory, texture2D("rt_shadow_history", hw, hh, FormatRTMask, colorFlags), rhi.StatePixelShaderResource},
		{&t.rtRefl, texture2D("rt_reflections", w, h, FormatHDR, uavFlags), rhi.StatePixelShaderResource},
		{&t.rtReflHistory, texture2D("rt_reflections_history", w, h, FormatHDR, colorFlags), rhi.StatePixelShaderResource},
		{&t.rtGI, texture2D("rt_gi", hw, hh, FormatHDR, uavFlags), rhi.StatePixelShaderResource},
		{&t.rtGIHistory, texture2D("rt_gi_history", hw, hh, FormatHDR, colorFlags), rhi.StatePixelShaderResource},
	}
}

func (r *Renderer) createSpecs(specs []targetSpec) error {
	for _, s := range specs {
		switch s.desc.Label {
		case "depth":
			slogger().Info("recreating depth buffer", "width", s.desc.Width, "height", s.desc.Height)
		case "hdr":
			slogger().Info("recreating HDR target", "width", s.desc.Width, "height", s.desc.Height)
		default:
			slogger().Debug("recreating render target", "target", s.desc.Label, "width", s.desc.Width, "height", s.desc.Height)
		}
		res, err := r.createTarget(s.desc, s.state)
		if err != nil {
			return err
		}
		*s.dst = res
	}
	return nil
}

// resizeTargets recreates every render-size target. The GPU must be idle.
func (r *Renderer) resizeTargets(w, h uint32, rt bool) error {
	for _, s := range r.screenSpecs(0, 0) {
		r.destroyTarget(s.dst)
	}
	for _, s := range r.rtSpecs(0, 0) {
		r.destroyTarget(s.dst)
	}
	r.t.width, r.t.height = w, h
	if err := r.createSpecs(r.screenSpecs(w, h)); err != nil {
		return err
	}
	if rt {
		if err := r.createSpecs(r.rtSpecs(w, h)); err != nil {
			return err
		}
	}
	if err := r.vis.Resize(w, h); err != nil {
		return fmt.Errorf("visibility buffer: %w", err)
	}
	r.cam.reset()
	return nil
}

// ensureRTTargets creates the ray-tracing targets the first time ray
// tracing becomes active at the current size.
func (r *Renderer) ensureRTTargets() error {
	if r.t.rtShadow != nil {
		return nil
	}
	return r.createSpecs(r.rtSpecs(r.t.width, r.t.height))
}

// ensureShadowAtlas (re)creates the shadow atlas: the sun cascades and the
// shadowed spot lights, one array layer each.
func (r *Renderer) ensureShadowAtlas(size uint32) error {
	if r.t.shadow != nil && r.t.shadowSize == size {
		return nil
	}
	r.destroyTarget(&r.t.shadow)
	desc := texture2D("shadow_atlas", size, size, FormatShadow, rhi.FlagDepthStencil|rhi.FlagShaderResource)
	desc.Dimension = rhi.DimensionTexture2DArray
	desc.ArraySize = ShadowAtlasLayers
	slogger().Debug("recreating render target", "target", desc.Label, "width", size, "height", size)
	res, err := r.createTarget(desc, rhi.StatePixelShaderResource)
	if err != nil {
		return err
	}
	r.t.shadow = res
	r.t.shadowSize = size
	return nil
}

func (r *Renderer) releaseTargets() {
	for _, s := range r.screenSpecs(0, 0) {
		r.destroyTarget(s.dst)
	}
	for _, s := range r.rtSpecs(0, 0) {
		r.destroyTarget(s.dst)
	}
	r.destroyTarget(&r.t.shadow)
	r.t.width, r.t.height, r.t.shadowSize = 0, 0, 0
}

// srv returns the persistent shader-resource view of a target.
func (r *Renderer) srv(res rhi.Resource) descriptor.Handle {
	if v := r.t.views[res]; len(v) > 0 {
		return v[0]
	}
	return descriptor.Handle{Slot: -1}
}
