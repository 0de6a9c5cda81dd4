// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package halrhi

import (
	"strings"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/cortex/internal/rhi"
	"github.com/gogpu/cortex/internal/shaders"
)

type entryKind uint8

const (
	// entryUniform takes the latest constant block of the entry's size.
	entryUniform entryKind = iota
	entrySampler
	entryComparisonSampler
	entryTexture
	entryUnfilterable
	entryDepthTexture
	entryDepthArray
	entryUintTexture
	entryStorageRead
	entryStorageReadWrite
	entryStorageTexture
)

// layoutEntry is one binding of a shader module. Resource entries bind
// the first bound resource whose label matches one of labels, in order of
// preference; entries without labels take unclaimed resources by position.
// Unmatched entries get a placeholder so every binding is valid.
type layoutEntry struct {
	group   uint32
	binding uint32
	kind    entryKind
	size    int
	labels  []string
	format  gputypes.TextureFormat
}

func (e layoutEntry) isResource() bool {
	switch e.kind {
	case entryUniform, entrySampler, entryComparisonSampler:
		return false
	default:
		return true
	}
}

// matches reports whether res satisfies the entry's label list.
func (e layoutEntry) matches(res rhi.Resource, label string) bool {
	for _, l := range e.labels {
		if res != nil && (label == l || strings.HasPrefix(label, l+"_")) {
			return true
		}
	}
	return false
}

// shaderLayouts mirror the @group/@binding declarations of the embedded
// WGSL modules.
var shaderLayouts = map[string][]layoutEntry{
	shaders.Clear: {
		{group: 0, binding: 0, kind: entryUniform, size: 16},
	},
	shaders.Mesh: {
		{group: 0, binding: 0, kind: entryUniform, size: 272},
		{group: 0, binding: 1, kind: entryUniform, size: 96},
		{group: 0, binding: 2, kind: entryUniform, size: 64},
		{group: 1, binding: 0, kind: entryDepthArray, labels: []string{"shadow_atlas"}},
		{group: 1, binding: 1, kind: entryComparisonSampler},
	},
	shaders.Fullscreen: {
		{group: 0, binding: 0, kind: entryUniform, size: 192},
		{group: 0, binding: 1, kind: entrySampler},
		{group: 1, binding: 0, kind: entryTexture, labels: []string{"taa_resolve", "hdr"}},
		{group: 1, binding: 1, kind: entryDepthTexture, labels: []string{"depth"}},
		{group: 1, binding: 2, kind: entryTexture, labels: []string{"taa_history"}},
		{group: 1, binding: 3, kind: entryTexture, labels: []string{"velocity"}},
		{group: 1, binding: 4, kind: entryTexture, labels: []string{"bloom"}},
		{group: 1, binding: 5, kind: entryTexture, labels: []string{"ssao"}},
		{group: 1, binding: 6, kind: entryTexture, labels: []string{"ssr"}},
		{group: 1, binding: 7, kind: entryTexture, labels: []string{"rt_reflections"}},
		{group: 1, binding: 8, kind: entryTexture, labels: []string{"normal_roughness"}},
	},
	shaders.HZB: {
		{group: 0, binding: 0, kind: entryUniform, size: 16},
		{group: 0, binding: 1, kind: entryUnfilterable},
		{group: 0, binding: 2, kind: entryStorageTexture, format: gputypes.TextureFormatR32Float},
	},
	shaders.Cull: {
		{group: 0, binding: 0, kind: entryUniform, size: 192},
		{group: 0, binding: 1, kind: entryStorageRead},
		{group: 0, binding: 2, kind: entryStorageReadWrite},
		{group: 0, binding: 3, kind: entryStorageReadWrite},
		{group: 0, binding: 4, kind: entryStorageReadWrite},
	},
	shaders.SSAO: {
		{group: 0, binding: 0, kind: entryDepthTexture, labels: []string{"depth"}},
		{group: 0, binding: 1, kind: entryStorageTexture, labels: []string{"ssao"}, format: gputypes.TextureFormatR8Unorm},
	},
}

// groupCount returns the number of bind groups a layout spans.
func groupCount(entries []layoutEntry) int {
	n := 0
	for _, e := range entries {
		n = max(n, int(e.group)+1)
	}
	return n
}

func layoutEntryDesc(e layoutEntry, compute bool) gputypes.BindGroupLayoutEntry {
	vis := gputypes.ShaderStageVertex | gputypes.ShaderStageFragment
	if compute {
		vis = gputypes.ShaderStageCompute
	}
	out := gputypes.BindGroupLayoutEntry{Binding: e.binding, Visibility: vis}
	texture := func(st gputypes.TextureSampleType, dim gputypes.TextureViewDimension) *gputypes.TextureBindingLayout {
		return &gputypes.TextureBindingLayout{SampleType: st, ViewDimension: dim}
	}
	switch e.kind {
	case entryUniform:
		out.Buffer = &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform}
	case entrySampler:
		out.Sampler = &gputypes.SamplerBindingLayout{Type: gputypes.SamplerBindingTypeFiltering}
	case entryComparisonSampler:
		out.Sampler = &gputypes.SamplerBindingLayout{Type: gputypes.SamplerBindingTypeComparison}
	case entryTexture:
		out.Texture = texture(gputypes.TextureSampleTypeFloat, gputypes.TextureViewDimension2D)
	case entryUnfilterable:
		out.Texture = texture(gputypes.TextureSampleTypeUnfilterableFloat, gputypes.TextureViewDimension2D)
	case entryDepthTexture:
		out.Texture = texture(gputypes.TextureSampleTypeDepth, gputypes.TextureViewDimension2D)
	case entryDepthArray:
		out.Texture = texture(gputypes.TextureSampleTypeDepth, gputypes.TextureViewDimension2DArray)
	case entryUintTexture:
		out.Texture = texture(gputypes.TextureSampleTypeUint, gputypes.TextureViewDimension2D)
	case entryStorageRead:
		out.Buffer = &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage}
	case entryStorageReadWrite:
		out.Buffer = &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage}
	case entryStorageTexture:
		out.StorageTexture = &gputypes.StorageTextureBindingLayout{
			Access:        gputypes.StorageTextureAccessWriteOnly,
			Format:        e.format,
			ViewDimension: gputypes.TextureViewDimension2D,
		}
	}
	return out
}

// assign resolves each resource entry to a bound resource, or nil when
// nothing matches. Labeled entries claim first; positional entries take
// the remaining bindable resources in order.
func assign(entries []layoutEntry, bound []rhi.Resource) []rhi.Resource {
	out := make([]rhi.Resource, len(entries))
	claimed := make([]bool, len(bound))
	for i, e := range entries {
		if !e.isResource() || len(e.labels) == 0 {
			continue
		}
	pref:
		for _, l := range e.labels {
			for j, res := range bound {
				if !claimed[j] && (layoutEntry{labels: []string{l}}).matches(res, rhi.Label(res)) {
					out[i], claimed[j] = res, true
					break pref
				}
			}
		}
	}
	next := 0
	for i, e := range entries {
		if !e.isResource() || len(e.labels) > 0 {
			continue
		}
		for next < len(bound) && (claimed[next] || bound[next] == nil || isGeometry(bound[next])) {
			next++
		}
		if next < len(bound) {
			out[i], claimed[next] = bound[next], true
			next++
		}
	}
	return out
}

// isGeometry reports buffers bound as vertex or index streams rather than
// through a bind group.
func isGeometry(res rhi.Resource) bool {
	d := res.Desc()
	return !d.IsTexture() && d.Flags&(rhi.FlagVertexBuffer|rhi.FlagIndexBuffer) != 0 &&
		d.Flags&(rhi.FlagShaderResource|rhi.FlagUnorderedAccess) == 0
}
