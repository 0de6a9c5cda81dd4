// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package frame

import (
	"fmt"
	"strings"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/cortex/internal/rhi"
	"github.com/gogpu/cortex/internal/shaders"
)

// Pipeline names.
const (
	PipelineClear          = "clear"
	PipelineDepthPrepass   = "depth_prepass"
	PipelineShadow         = "shadow"
	PipelineOpaque         = "opaque"
	PipelineOpaqueIndirect = "opaque_indirect"
	PipelineVisibility     = "visibility"
	PipelineMaterial       = "material"
	PipelineOverlay        = "overlay"
	PipelineWater          = "water"
	PipelineTransparent    = "transparent"
	PipelineSky            = "sky"
	PipelineMotion         = "motion"
	PipelineTAA            = "taa"
	PipelineSSR            = "ssr"
	PipelineSSAO           = "ssao"
	PipelineSSAOAsync      = "ssao_async"
	PipelineBloom          = "bloom"
	PipelinePost           = "post"
	PipelineDebugLines     = "debug_lines"
	PipelineHZB            = "hzb"
	PipelineCull           = "cull"
	PipelineRTShadows      = "rt_shadows"
	PipelineRTReflections  = "rt_reflections"
	PipelineRTGI           = "rt_gi"
)

// pipelineTemplates hold everything but the attachment formats, which come
// from the targets a pass writes. Ray-tracing programs have no WGSL module;
// backends that support them provide their own.
var pipelineTemplates = map[string]rhi.PipelineDesc{
	PipelineClear:          {Shader: shaders.Clear, VertexEntry: "vs_main", EntryPoint: "fs_main"},
	PipelineDepthPrepass:   {Shader: shaders.Mesh, VertexEntry: "vs_main", DepthWrite: true, DepthTest: true},
	PipelineShadow:         {Shader: shaders.Mesh, VertexEntry: "vs_shadow", DepthWrite: true, DepthTest: true},
	PipelineOpaque:         {Shader: shaders.Mesh, VertexEntry: "vs_main", EntryPoint: "fs_opaque", DepthWrite: true, DepthTest: true, Bindings: 1},
	PipelineOpaqueIndirect: {Shader: shaders.Mesh, VertexEntry: "vs_main", EntryPoint: "fs_opaque", DepthWrite: true, DepthTest: true, Bindings: 2},
	PipelineVisibility:     {Shader: shaders.Mesh, VertexEntry: "vs_main", EntryPoint: "fs_visibility", DepthWrite: true, DepthTest: true},
	PipelineMaterial:       {Shader: shaders.Mesh, VertexEntry: "vs_main", EntryPoint: "fs_opaque", DepthTest: true, Bindings: 2},
	PipelineOverlay:        {Shader: shaders.Mesh, VertexEntry: "vs_main", EntryPoint: "fs_opaque", DepthWrite: true, DepthTest: true, Bindings: 1},
	PipelineWater:          {Shader: shaders.Mesh, VertexEntry: "vs_main", EntryPoint: "fs_transparent", DepthTest: true, Blend: true, Bindings: 1},
	PipelineTransparent:    {Shader: shaders.Mesh, VertexEntry: "vs_main", EntryPoint: "fs_transparent", DepthTest: true, Blend: true, Bindings: 1},
	PipelineSky:            {Shader: shaders.Fullscreen, VertexEntry: "vs_fullscreen", EntryPoint: "fs_sky", DepthTest: true, Bindings: 1},
	PipelineMotion:         {Shader: shaders.Fullscreen, VertexEntry: "vs_fullscreen", EntryPoint: "fs_motion", Bindings: 1},
	PipelineTAA:            {Shader: shaders.Fullscreen, VertexEntry: "vs_fullscreen", EntryPoint: "fs_taa", Bindings: 3},
	PipelineSSR:            {Shader: shaders.Fullscreen, VertexEntry: "vs_fullscreen", EntryPoint: "fs_ssr", Bindings: 4},
	PipelineSSAO:           {Shader: shaders.Fullscreen, VertexEntry: "vs_fullscreen", EntryPoint: "fs_ssao", Bindings: 2},
	PipelineSSAOAsync:      {Kind: rhi.PipelineCompute, Shader: shaders.SSAO, EntryPoint: "cs_ssao", Bindings: 2},
	PipelineBloom:          {Shader: shaders.Fullscreen, VertexEntry: "vs_fullscreen", EntryPoint: "fs_bloom", Bindings: 1},
	PipelinePost:           {Shader: shaders.Fullscreen, VertexEntry: "vs_fullscreen", EntryPoint: "fs_post", Bindings: 6},
	PipelineDebugLines:     {Shader: shaders.Mesh, VertexEntry: "vs_main", EntryPoint: "fs_transparent", Blend: true, Lines: true},
	PipelineHZB:            {Kind: rhi.PipelineCompute, Shader: shaders.HZB, EntryPoint: "cs_hzb", Bindings: 2},
	PipelineCull:           {Kind: rhi.PipelineCompute, Shader: shaders.Cull, EntryPoint: "cs_cull", Bindings: 4},
	PipelineRTShadows:      {Kind: rhi.PipelineCompute, Bindings: 3},
	PipelineRTReflections:  {Kind: rhi.PipelineCompute, Bindings: 4},
	PipelineRTGI:           {Kind: rhi.PipelineCompute, Bindings: 4},
}

// pipelineCache creates pipelines on first use. A pipeline that fails to
// compile or create is remembered, logged once and reported unavailable
// for the life of the renderer.
type pipelineCache struct {
	dev    rhi.Device
	lib    *shaders.Library
	pipes  map[string]rhi.Pipeline
	failed map[string]error
}

func newPipelineCache(dev rhi.Device, lib *shaders.Library) *pipelineCache {
	return &pipelineCache{
		dev:    dev,
		lib:    lib,
		pipes:  make(map[string]rhi.Pipeline),
		failed: make(map[string]error),
	}
}

func pipelineKey(name string, colors []gputypes.TextureFormat, depth gputypes.TextureFormat) string {
	var b strings.Builder
	b.WriteString(name)
	for _, c := range colors {
		fmt.Fprintf(&b, "/%d", c)
	}
	if depth != gputypes.TextureFormatUndefined {
		fmt.Fprintf(&b, "/d%d", depth)
	}
	return b.String()
}

// get returns the pipeline name targeting the given formats, or nil when
// it is unavailable.
func (c *pipelineCache) get(name string, depth gputypes.TextureFormat, colors ...gputypes.TextureFormat) rhi.Pipeline {
	key := pipelineKey(name, colors, depth)
	if p, ok := c.pipes[key]; ok {
		return p
	}
	if _, ok := c.failed[key]; ok {
		return nil
	}
	p, err := c.create(name, depth, colors)
	if err != nil {
		c.failed[key] = err
		slogger().Warn("pipeline unavailable, pass skipped", "pipeline", name, "err", err)
		return nil
	}
	c.pipes[key] = p
	return p
}

func (c *pipelineCache) create(name string, depth gputypes.TextureFormat, colors []gputypes.TextureFormat) (rhi.Pipeline, error) {
	desc, ok := pipelineTemplates[name]
	if !ok {
		return nil, fmt.Errorf("frame: no pipeline template %q", name)
	}
	desc.Name = name
	desc.ColorFormats = colors
	desc.DepthFormat = depth
	if desc.Shader != "" && c.lib != nil {
		code, err := c.lib.Compile(desc.Shader)
		if err != nil {
			return nil, err
		}
		desc.SPIRV = code
	}
	p, err := c.dev.CreatePipeline(desc)
	if err != nil {
		return nil, fmt.Errorf("frame: create pipeline %s: %w", name, err)
	}
	slogger().Debug("pipeline created", "pipeline", name, "colors", len(colors))
	return p, nil
}

// Failed returns the names of pipelines that could not be created.
func (c *pipelineCache) Failed() []string {
	out := make([]string, 0, len(c.failed))
	for k := range c.failed {
		out = append(out, k)
	}
	return out
}
