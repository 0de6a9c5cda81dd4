// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package frame

import (
	"github.com/gogpu/cortex/internal/diag"
	"github.com/gogpu/cortex/internal/rendergraph"
	"github.com/gogpu/cortex/internal/rhi"
)

// opaque records the opaque pass on the frame's path. The visibility and
// indirect paths fall back to forward for the frame when they cannot
// record; the pass always clears its targets and draws the sky.
func (r *Renderer) opaque(fc *frameContext) error {
	var (
		ok  bool
		err error
	)
	switch fc.path {
	case PathVisibility:
		ok, err = r.opaqueVisibility(fc)
	case PathIndirect:
		ok, err = r.opaqueIndirect(fc)
	}
	if err != nil {
		if fatal(err) {
			return err
		}
		r.logOnce("opaque:"+fc.path, "opaque path failed, using forward", "path", fc.path, "err", err)
	}
	if ok {
		return nil
	}
	fc.path = PathForward
	return r.opaqueForward(fc)
}

// beginScenePass opens the opaque pass over scene color, normals and
// depth. Depth is cleared unless keep is set.
func (r *Renderer) beginScenePass(fc *frameContext, name string, keep, readOnly bool) {
	depthState := rhi.StateDepthWrite
	if readOnly {
		depthState = rhi.StateDepthRead
	}
	reqs := []rendergraph.Request{
		{Resource: fc.color, State: rhi.StateRenderTarget},
		{Resource: r.t.normal, State: rhi.StateRenderTarget},
		{Resource: r.t.depth, State: depthState},
		{Resource: r.t.shadow, State: rhi.StatePixelShaderResource},
	}
	if r.t.rtShadow != nil {
		reqs = append(reqs, rendergraph.Request{Resource: r.t.rtShadow, State: rhi.StatePixelShaderResource})
	}
	r.tracker.TransitionAll(r.cmd, reqs...)

	load := rhi.LoadClear
	if keep {
		load = rhi.LoadKeep
	}
	r.cmd.BeginPass(rhi.PassDesc{
		Name: name,
		Colors: []rhi.ColorAttachment{
			{Target: fc.color, Load: rhi.LoadClear, Clear: [4]float32{0, 0, 0, 1}},
			{Target: r.t.normal, Load: rhi.LoadClear},
		},
		Depth: &rhi.DepthAttachment{Target: r.t.depth, Load: load, Clear: 1, ReadOnly: readOnly},
	})
}

func (r *Renderer) opaqueForward(fc *frameContext) error {
	pipe := r.pipes.get(PipelineOpaque, FormatDepth, fc.colorFormat(), FormatNormal)
	var ref rhi.DescriptorRef
	if pipe != nil {
		var err error
		if ref, err = r.table(1); err != nil {
			return err
		}
	}
	r.beginScenePass(fc, "Opaque", fc.did(diag.MarkerDepthPrepass), false)
	if pipe != nil && len(fc.opaque) > 0 {
		r.cmd.SetPipeline(pipe)
		r.cmd.SetBindings(rhi.Bindings{Constants: fc.frameBlock, Table: ref, Resources: []rhi.Resource{r.t.shadow}})
		for _, i := range fc.opaque {
			drawInstance(r.cmd, &fc.sc.Instances[i])
		}
	}
	r.drawSky(fc)
	r.cmd.EndPass()
	return nil
}

// opaqueIndirect culls every resident opaque instance on the GPU and
// draws the survivors with one indirect draw per mesh.
func (r *Renderer) opaqueIndirect(fc *frameContext) (bool, error) {
	pipe := r.pipes.get(PipelineOpaqueIndirect, FormatDepth, fc.colorFormat(), FormatNormal)
	if pipe == nil || len(fc.casters) == 0 {
		return false, nil
	}
	draws, err := r.culler.Cull(r.drawContext(fc), fc.casters)
	if err != nil {
		return false, err
	}
	ref, err := r.table(3)
	if err != nil {
		return false, err
	}
	r.beginScenePass(fc, "OpaqueIndirect", fc.did(diag.MarkerDepthPrepass), false)
	r.cmd.SetPipeline(pipe)
	r.cmd.SetBindings(rhi.Bindings{
		Constants: fc.frameBlock,
		Table:     ref,
		Resources: []rhi.Resource{r.t.shadow, draws.Instances, draws.Visible},
	})
	for _, b := range draws.Batches {
		r.cmd.SetBindings(rhi.Bindings{Resources: []rhi.Resource{b.Mesh.GPU.VertexBuffer, b.Mesh.GPU.IndexBuffer}})
		r.cmd.DrawIndirect(draws.Args, b.Offset, 1, nil)
	}
	r.drawSky(fc)
	r.cmd.EndPass()
	return true, nil
}

// opaqueVisibility records the visibility buffer, then shades it in a
// material pass that keeps the visibility depth read-only.
func (r *Renderer) opaqueVisibility(fc *frameContext) (bool, error) {
	pipe := r.pipes.get(PipelineMaterial, FormatDepth, fc.colorFormat(), FormatNormal)
	if pipe == nil {
		return false, nil
	}
	ok, err := r.vis.Build(r.drawContext(fc))
	if err != nil || !ok {
		return false, err
	}
	fc.velocityWritten = r.vis.WritesVelocity()
	ids := r.vis.IDs()
	ref, err := r.table(2)
	if err != nil {
		return false, err
	}
	if ids != nil && r.tracker.IsTracked(ids) {
		r.tracker.Transition(r.cmd, ids, rhi.StatePixelShaderResource)
	}
	r.beginScenePass(fc, "Material", true, true)
	r.cmd.SetPipeline(pipe)
	r.cmd.SetBindings(rhi.Bindings{Constants: fc.frameBlock, Table: ref, Resources: []rhi.Resource{r.t.shadow, ids}})
	for _, i := range fc.opaque {
		drawInstance(r.cmd, &fc.sc.Instances[i])
	}
	r.drawSky(fc)
	r.cmd.EndPass()
	return true, nil
}
