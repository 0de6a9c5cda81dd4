// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package halrhi

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/cortex/internal/rhi"
	"github.com/gogpu/cortex/internal/scene"
	"github.com/gogpu/cortex/internal/shaders"
)

// pipeline is a compiled program with the bind-group layouts its shader
// module declares.
type pipeline struct {
	desc    rhi.PipelineDesc
	entries []layoutEntry

	module      hal.ShaderModule
	groups      []hal.BindGroupLayout
	pipeLayout  hal.PipelineLayout
	render      hal.RenderPipeline
	compute     hal.ComputePipeline
	vertexInput bool
}

func (p *pipeline) Name() string { return p.desc.Name }

// CreatePipeline implements rhi.Device. Programs without SPIR-V, such as
// the ray-tracing passes, are unsupported.
func (d *Device) CreatePipeline(desc rhi.PipelineDesc) (rhi.Pipeline, error) {
	if len(desc.SPIRV) == 0 {
		return nil, fmt.Errorf("halrhi: pipeline %s has no SPIR-V: %w", desc.Name, rhi.ErrUnsupported)
	}
	entries, ok := shaderLayouts[desc.Shader]
	if !ok {
		return nil, fmt.Errorf("halrhi: pipeline %s: no layout for shader %q: %w", desc.Name, desc.Shader, rhi.ErrUnsupported)
	}
	p := &pipeline{desc: desc, entries: entries, vertexInput: desc.Shader == shaders.Mesh}
	if err := d.buildPipeline(p); err != nil {
		d.destroyPipeline(p)
		return nil, fmt.Errorf("halrhi: pipeline %s: %w", desc.Name, err)
	}
	slogger().Debug("pipeline created", "pipeline", desc.Name, "shader", desc.Shader)
	return p, nil
}

func (d *Device) buildPipeline(p *pipeline) error {
	desc := p.desc
	compute := desc.Kind == rhi.PipelineCompute

	module, err := d.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  desc.Name + "_shader",
		Source: hal.ShaderSource{SPIRV: desc.SPIRV},
	})
	if err != nil {
		return fmt.Errorf("compile: %w", err)
	}
	p.module = module

	for g := range groupCount(p.entries) {
		var entries []gputypes.BindGroupLayoutEntry
		for _, e := range p.entries {
			if int(e.group) == g {
				entries = append(entries, layoutEntryDesc(e, compute))
			}
		}
		layout, err := d.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
			Label:   fmt.Sprintf("%s_group%d", desc.Name, g),
			Entries: entries,
		})
		if err != nil {
			return fmt.Errorf("bind group layout %d: %w", g, err)
		}
		p.groups = append(p.groups, layout)
	}
	pipeLayout, err := d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            desc.Name + "_layout",
		BindGroupLayouts: p.groups,
	})
	if err != nil {
		return fmt.Errorf("pipeline layout: %w", err)
	}
	p.pipeLayout = pipeLayout

	if compute {
		cp, err := d.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
			Label:  desc.Name,
			Layout: pipeLayout,
			Compute: hal.ComputeState{
				Module:     module,
				EntryPoint: desc.EntryPoint,
			},
		})
		if err != nil {
			return err
		}
		p.compute = cp
		return nil
	}

	rd := &hal.RenderPipelineDescriptor{
		Label:  desc.Name,
		Layout: pipeLayout,
		Vertex: hal.VertexState{
			Module:     module,
			EntryPoint: desc.VertexEntry,
		},
		Primitive: gputypes.PrimitiveState{
			Topology: gputypes.PrimitiveTopologyTriangleList,
			CullMode: gputypes.CullModeNone,
		},
		Multisample: gputypes.MultisampleState{Count: 1, Mask: 0xFFFFFFFF},
	}
	if desc.Lines {
		rd.Primitive.Topology = gputypes.PrimitiveTopologyLineList
	}
	if p.vertexInput {
		rd.Vertex.Buffers = meshVertexLayout()
	}
	if desc.EntryPoint != "" {
		fs := &hal.FragmentState{Module: module, EntryPoint: desc.EntryPoint}
		for _, f := range desc.ColorFormats {
			t := gputypes.ColorTargetState{Format: f, WriteMask: gputypes.ColorWriteMaskAll}
			if desc.Blend {
				blend := gputypes.BlendStatePremultiplied()
				t.Blend = &blend
			}
			fs.Targets = append(fs.Targets, t)
		}
		rd.Fragment = fs
	}
	if desc.DepthFormat != gputypes.TextureFormatUndefined {
		cmp := gputypes.CompareFunctionAlways
		if desc.DepthTest {
			cmp = gputypes.CompareFunctionLessEqual
		}
		keep := hal.StencilFaceState{
			Compare:     gputypes.CompareFunctionAlways,
			FailOp:      hal.StencilOperationKeep,
			DepthFailOp: hal.StencilOperationKeep,
			PassOp:      hal.StencilOperationKeep,
		}
		rd.DepthStencil = &hal.DepthStencilState{
			Format:            desc.DepthFormat,
			DepthWriteEnabled: desc.DepthWrite,
			DepthCompare:      cmp,
			StencilFront:      keep,
			StencilBack:       keep,
		}
	}
	rp, err := d.device.CreateRenderPipeline(rd)
	if err != nil {
		return err
	}
	p.render = rp
	return nil
}

// meshVertexLayout matches scene.Mesh packing: position, normal, uv.
func meshVertexLayout() []gputypes.VertexBufferLayout {
	return []gputypes.VertexBufferLayout{
		{
			ArrayStride: scene.VertexStride,
			StepMode:    gputypes.VertexStepModeVertex,
			Attributes: []gputypes.VertexAttribute{
				{Format: gputypes.VertexFormatFloat32x3, Offset: 0, ShaderLocation: 0},
				{Format: gputypes.VertexFormatFloat32x3, Offset: 12, ShaderLocation: 1},
				{Format: gputypes.VertexFormatFloat32x2, Offset: 24, ShaderLocation: 2},
			},
		},
	}
}

func (d *Device) destroyPipeline(p *pipeline) {
	if p.render != nil {
		d.device.DestroyRenderPipeline(p.render)
	}
	if p.compute != nil {
		d.device.DestroyComputePipeline(p.compute)
	}
	if p.pipeLayout != nil {
		d.device.DestroyPipelineLayout(p.pipeLayout)
	}
	for _, g := range p.groups {
		d.device.DestroyBindGroupLayout(g)
	}
	if p.module != nil {
		d.device.DestroyShaderModule(p.module)
	}
	*p = pipeline{desc: p.desc}
}
