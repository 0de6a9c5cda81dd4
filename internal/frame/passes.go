// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/gogpu/gputypes"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/cortex/internal/config"
	"github.com/gogpu/cortex/internal/diag"
	"github.com/gogpu/cortex/internal/jobs"
	"github.com/gogpu/cortex/internal/rendergraph"
	"github.com/gogpu/cortex/internal/rhi"
	"github.com/gogpu/cortex/internal/scene"
	"github.com/gogpu/cortex/internal/xmath"
)

// errSkipped is returned by a pass that recorded nothing, typically
// because its pipeline is unavailable. No completion breadcrumb is
// written for it.
var errSkipped = errors.New("frame: pass skipped")

// fatal reports whether a pass error means the device can no longer be
// trusted.
func fatal(err error) bool {
	return errors.Is(err, rhi.ErrDeviceRemoved) || errors.Is(err, jobs.ErrUploadMap)
}

// pass runs one pass between its breadcrumbs. A recoverable failure is
// logged once and the frame continues; a fatal one trips device loss.
func (r *Renderer) pass(fc *frameContext, m diag.Marker, fn func(*frameContext) error) error {
	r.crumbs.Begin(r.cmd, m)
	err := fn(fc)
	switch {
	case err == nil:
		r.crumbs.Done("Render" + m.String())
		fc.ran |= 1 << m
		fc.passes = append(fc.passes, m.String())
		return nil
	case errors.Is(err, errSkipped):
		return nil
	case fatal(err):
		return r.trip("Render"+m.String(), err)
	}
	r.logOnce("pass:"+m.String(), "pass failed, skipped", "pass", m.String(), "err", err)
	return nil
}

type step struct {
	marker diag.Marker
	on     bool
	run    func(*frameContext) error
}

// recordPasses records the fixed pass sequence. Gates that depend on
// earlier passes are evaluated when the pass is reached. The depth prepass
// runs only while ray tracing is active; otherwise the opaque pass clears
// and writes depth itself.
func (r *Renderer) recordPasses(fc *frameContext) error {
	q := &fc.q
	r.graph.BeginFrame()
	seq := []func() step{
		func() step { return step{diag.MarkerGPUJobs, true, r.gpuJobs} },
		func() step { return step{diag.MarkerTLAS, fc.rt, r.buildTLAS} },
		func() step { return step{diag.MarkerRTShadows, fc.tlas != nil && q.RTShadows, r.rtShadows} },
		func() step { return step{diag.MarkerDepthPrepass, fc.rt && len(fc.opaque) > 0, r.depthPrepass} },
		func() step { return step{diag.MarkerShadows, r.wantsShadows(fc), r.shadows} },
		func() step { return step{diag.MarkerOpaque, true, r.opaque} },
		func() step { return step{diag.MarkerOverlay, len(fc.overlay) > 0, r.overlay} },
		func() step { return step{diag.MarkerWater, len(fc.water) > 0, r.water} },
		func() step { return step{diag.MarkerTransparent, len(fc.transparent) > 0, r.transparent} },
		func() step { return step{diag.MarkerRTReflections, fc.tlas != nil && q.RTReflections, r.rtReflections} },
		func() step { return step{diag.MarkerRTGI, fc.tlas != nil && q.RTGI, r.rtGI} },
		func() step {
			return step{diag.MarkerMotionVectors, (q.TAA || q.SSR) && !fc.velocityWritten, r.motionVectors}
		},
		func() step { return step{diag.MarkerHZB, q.GPUCulling || q.SSR, r.hzb} },
		func() step { return step{diag.MarkerTAA, q.TAA, r.taa} },
		func() step { return step{diag.MarkerSSR, q.SSR, r.ssr} },
		func() step { return step{diag.MarkerSSAO, q.SSAO, r.ssao} },
		func() step { return step{diag.MarkerBloom, q.Bloom, r.bloom} },
		func() step { return step{diag.MarkerPostProcess, q.HDR, r.postProcess} },
		func() step { return step{diag.MarkerDebugLines, len(r.debugLines) > 0, r.debugLinePass} },
	}
	for _, next := range seq {
		s := next()
		if !s.on {
			continue
		}
		if err := r.pass(fc, s.marker, s.run); err != nil {
			return err
		}
	}
	return nil
}

// minimalFrame clears the back buffer and nothing else.
func (r *Renderer) minimalFrame(fc *frameContext) error {
	return r.pass(fc, diag.MarkerMinimalFrame, func(fc *frameContext) error {
		r.clearBackBuffer(fc, "MinimalFrame", [4]float32{0.1, 0.1, 0.1, 1})
		return nil
	})
}

func (r *Renderer) clearBackBuffer(fc *frameContext, name string, color [4]float32) {
	r.tracker.Transition(r.cmd, fc.backBuffer, rhi.StateRenderTarget)
	r.cmd.BeginPass(rhi.PassDesc{
		Name:   name,
		Colors: []rhi.ColorAttachment{{Target: fc.backBuffer, Load: rhi.LoadClear, Clear: color}},
	})
	r.cmd.EndPass()
}

// gpuJobs drains the job queue, then queues uploads for the meshes this
// frame found missing and BLAS builds for meshes that have none. A failed
// build is queued again.
func (r *Renderer) gpuJobs(fc *frameContext) error {
	res, err := r.jobs.Drain(r.frame, r.cmd)
	if res.MeshUploads > 0 || res.Builds > 0 {
		// Builds read buffers the copy queue just wrote.
		fc.uploadFence = max(fc.uploadFence, r.pool.LatestFence())
	}
	for _, key := range res.Failed {
		delete(r.blasKeys, key)
	}
	for _, m := range fc.missing {
		r.jobs.EnqueueMeshUpload(m, m.Key)
	}
	if fc.q.RayTracing {
		for _, list := range [][]*scene.Mesh{fc.resident, fc.missing} {
			for _, m := range list {
				if _, ok := r.blasKeys[m.Key]; ok {
					continue
				}
				r.blasKeys[m.Key] = struct{}{}
				r.jobs.EnqueueAccelerationBuild(m.Key, m.Key)
			}
		}
	}
	return err
}

// buildTLAS records the top-level build over every resident instance.
// Depth leaves the write state first so ray passes can sample it.
func (r *Renderer) buildTLAS(fc *frameContext) error {
	if r.t.depth != nil && r.tracker.IsTracked(r.t.depth) {
		r.tracker.Transition(r.cmd, r.t.depth, rhi.StateDepthSample)
	}
	insts := make([]scene.Renderable, 0, len(fc.casters))
	for i := range fc.sc.Instances {
		in := &fc.sc.Instances[i]
		if in.Mesh == nil || !in.Mesh.Resident() {
			continue
		}
		if _, ok := r.blasKeys[in.Mesh.Key]; ok {
			insts = append(insts, *in)
		}
	}
	if len(insts) == 0 {
		return errSkipped
	}
	tlas, err := r.accel.BuildTopLevel(r.cmd, insts)
	if err != nil {
		return err
	}
	if tlas == nil {
		return errSkipped
	}
	if r.tlas != nil && r.tlas != tlas {
		r.tracker.Untrack(r.tlas)
	}
	if !r.tracker.IsTracked(tlas) {
		r.tracker.Track(tlas, rhi.StateAccelerationStructure)
	}
	r.cmd.ResourceBarrier(rhi.UAVBarrier(tlas))
	r.tlas = tlas
	fc.tlas = tlas
	return nil
}

// rtDispatch runs a ray-tracing program over out, which it leaves in
// PixelShaderResource.
func (r *Renderer) rtDispatch(fc *frameContext, pipeline string, out rhi.Resource, reads ...rhi.Resource) error {
	if out == nil {
		return errSkipped
	}
	pipe := r.pipes.get(pipeline, gputypes.TextureFormatUndefined)
	if pipe == nil {
		return errSkipped
	}
	bound := []rhi.Resource{fc.tlas}
	reqs := []rendergraph.Request{{Resource: out, State: rhi.StateUnorderedAccess}}
	for _, res := range reads {
		if res == nil {
			continue
		}
		bound = append(bound, res)
		st := rhi.StateNonPixelShaderResource
		if res == r.t.depth {
			st = rhi.StateDepthSample
		}
		if r.tracker.IsTracked(res) {
			reqs = append(reqs, rendergraph.Request{Resource: res, State: st})
		}
	}
	bound = append(bound, out)
	ref, err := r.table(uint32(len(bound))) //nolint:gosec // G115: binding count is small
	if err != nil {
		return err
	}
	r.tracker.TransitionAll(r.cmd, reqs...)
	r.cmd.SetPipeline(pipe)
	r.cmd.SetBindings(rhi.Bindings{Constants: fc.frameBlock, Table: ref, Resources: bound})
	d := out.Desc()
	r.cmd.Dispatch((d.Width+7)/8, (d.Height+7)/8, 1)
	r.tracker.TransitionUAV(r.cmd, out)
	r.tracker.Transition(r.cmd, out, rhi.StatePixelShaderResource)
	return nil
}

func (r *Renderer) rtShadows(fc *frameContext) error {
	return r.rtDispatch(fc, PipelineRTShadows, r.t.rtShadow, r.t.depth, r.t.rtShadowHistory)
}

func (r *Renderer) rtReflections(fc *frameContext) error {
	if fc.q.ReflectionClear != config.ReflectionClearOff && r.t.rtRefl != nil {
		r.tracker.Transition(r.cmd, r.t.rtRefl, rhi.StateUnorderedAccess)
		r.cmd.ClearUnorderedAccess(r.t.rtRefl, fc.q.ReflectionClear.Color())
		r.tracker.TransitionUAV(r.cmd, r.t.rtRefl)
	}
	return r.rtDispatch(fc, PipelineRTReflections, r.t.rtRefl,
		r.t.depth, r.t.normal, r.t.rtReflHistory, fc.sc.Environment)
}

func (r *Renderer) rtGI(fc *frameContext) error {
	return r.rtDispatch(fc, PipelineRTGI, r.t.rtGI,
		r.t.depth, r.t.normal, r.t.rtGIHistory, fc.sc.Environment)
}

// depthPrepass lays down depth for the camera-visible opaque instances.
func (r *Renderer) depthPrepass(fc *frameContext) error {
	pipe := r.pipes.get(PipelineDepthPrepass, FormatDepth)
	if pipe == nil {
		return errSkipped
	}
	r.tracker.Transition(r.cmd, r.t.depth, rhi.StateDepthWrite)
	r.cmd.BeginPass(rhi.PassDesc{
		Name:  "DepthPrepass",
		Depth: &rhi.DepthAttachment{Target: r.t.depth, Load: rhi.LoadClear, Clear: 1},
	})
	r.cmd.SetPipeline(pipe)
	r.cmd.SetBindings(rhi.Bindings{Constants: fc.frameBlock})
	for _, i := range fc.opaque {
		drawInstance(r.cmd, &fc.sc.Instances[i])
	}
	r.cmd.EndPass()
	return nil
}

func (r *Renderer) wantsShadows(fc *frameContext) bool {
	if len(fc.casters) == 0 || r.t.shadow == nil {
		return false
	}
	return fc.sc.Sun.CastsShadows || fc.c.ShadowedSpots > 0
}

// shadows renders the sun cascades and the shadowed spot lights into the
// atlas.
func (r *Renderer) shadows(fc *frameContext) error {
	pipe := r.pipes.get(PipelineShadow, FormatShadow)
	if pipe == nil {
		return errSkipped
	}
	record := func(cmd rhi.CommandList) { r.recordShadowMaps(fc, cmd, pipe) }
	if fc.q.RenderGraphShadows {
		ok, err := r.runGraph(fc, "shadows", func(g *rendergraph.Graph) {
			atlas := g.ImportTracked(r.tracker, r.t.shadow, "shadow_atlas")
			g.AddPass("ShadowMaps", func(b *rendergraph.Builder) {
				b.Write(atlas, rendergraph.UsageDepthWrite)
			}, func(cmd rhi.CommandList, _ *rendergraph.Graph) error {
				record(cmd)
				return nil
			})
			g.AddPass("ShadowRelease", func(b *rendergraph.Builder) {
				b.Read(atlas, rendergraph.UsageShaderPixel).SideEffect()
			}, nil)
		})
		if ok || err != nil {
			return err
		}
	}
	r.tracker.Transition(r.cmd, r.t.shadow, rhi.StateDepthWrite)
	record(r.cmd)
	r.tracker.Transition(r.cmd, r.t.shadow, rhi.StatePixelShaderResource)
	return nil
}

func (r *Renderer) recordShadowMaps(fc *frameContext, cmd rhi.CommandList, pipe rhi.Pipeline) {
	insts := fc.sc.Instances
	size := r.t.shadowSize
	render := func(name string, slice uint32, vp f32.Mat4, res uint32) {
		f := xmath.FrustumFromMatrix(vp)
		cmd.BeginPass(rhi.PassDesc{
			Name:   name,
			Depth:  &rhi.DepthAttachment{Target: r.t.shadow, Slice: slice, Load: rhi.LoadClear, Clear: 1},
			Width:  res,
			Height: res,
		})
		cmd.SetPipeline(pipe)
		cmd.SetBindings(rhi.Bindings{Constants: ShadowBlock(vp)})
		for _, i := range fc.casters {
			if f.IntersectsSphere(insts[i].WorldBounds()) {
				drawInstance(cmd, &insts[i])
			}
		}
		cmd.EndPass()
	}
	if fc.sc.Sun.CastsShadows {
		for i := range config.Cascades {
			res := min(max(fc.c.CascadeRes[i], 1), size)
			render(fmt.Sprintf("ShadowCascade%d", i), uint32(i), fc.c.CascadeViewProj[i], res) //nolint:gosec // G115: cascade index
		}
	}
	for k := range fc.c.ShadowedSpots {
		render(fmt.Sprintf("SpotShadow%d", k), uint32(SpotShadowFirstSlice+k), fc.c.SpotShadowViewProj[k], size) //nolint:gosec // G115: slice index
	}
}

// skyColor is the clear and sky tint: fog color when fog is on.
func skyColor(fc *frameContext) [4]float32 {
	if fc.c.FogEnabled {
		c := fc.c.Fog.Color
		return [4]float32{c[0], c[1], c[2], 1}
	}
	return [4]float32{0.45, 0.6, 0.85, 1}
}

// drawSky fills the pixels the opaque pass left at far depth. It must be
// recorded inside a pass targeting color and normal with depth bound.
func (r *Renderer) drawSky(fc *frameContext) {
	pipe := r.pipes.get(PipelineSky, FormatDepth, fc.colorFormat(), FormatNormal)
	if pipe == nil {
		return
	}
	var bound []rhi.Resource
	if fc.sc.Environment != nil {
		bound = []rhi.Resource{fc.sc.Environment}
	}
	r.cmd.SetPipeline(pipe)
	r.cmd.SetBindings(rhi.Bindings{Constants: fc.c.PostBlock(0, skyColor(fc)), Resources: bound})
	r.cmd.DrawFullscreen()
}

// forwardPass draws list into the scene color with depth test. Overlay
// geometry also writes depth and normals.
func (r *Renderer) forwardPass(fc *frameContext, name, pipeline string, list []int, overlay bool) error {
	colors := []gputypes.TextureFormat{fc.colorFormat()}
	if overlay {
		colors = append(colors, FormatNormal)
	}
	pipe := r.pipes.get(pipeline, FormatDepth, colors...)
	if pipe == nil {
		return errSkipped
	}
	reqs := []rendergraph.Request{
		{Resource: fc.color, State: rhi.StateRenderTarget},
		{Resource: r.t.shadow, State: rhi.StatePixelShaderResource},
	}
	att := []rhi.ColorAttachment{{Target: fc.color, Load: rhi.LoadKeep}}
	depth := &rhi.DepthAttachment{Target: r.t.depth, Load: rhi.LoadKeep, ReadOnly: !overlay}
	if overlay {
		reqs = append(reqs,
			rendergraph.Request{Resource: r.t.normal, State: rhi.StateRenderTarget},
			rendergraph.Request{Resource: r.t.depth, State: rhi.StateDepthWrite})
		att = append(att, rhi.ColorAttachment{Target: r.t.normal, Load: rhi.LoadKeep})
	} else {
		reqs = append(reqs, rendergraph.Request{Resource: r.t.depth, State: rhi.StateDepthRead})
	}
	r.tracker.TransitionAll(r.cmd, reqs...)
	r.cmd.BeginPass(rhi.PassDesc{Name: name, Colors: att, Depth: depth})
	r.cmd.SetPipeline(pipe)
	r.cmd.SetBindings(rhi.Bindings{Constants: fc.frameBlock, Resources: []rhi.Resource{r.t.shadow}})
	for _, i := range list {
		drawInstance(r.cmd, &fc.sc.Instances[i])
	}
	r.cmd.EndPass()
	return nil
}

func (r *Renderer) overlay(fc *frameContext) error {
	return r.forwardPass(fc, "Overlay", PipelineOverlay, fc.overlay, true)
}

func (r *Renderer) water(fc *frameContext) error {
	return r.forwardPass(fc, "Water", PipelineWater, fc.water, false)
}

func (r *Renderer) transparent(fc *frameContext) error {
	return r.forwardPass(fc, "Transparent", PipelineTransparent, fc.transparent, false)
}

// fullscreen records one fullscreen pass writing out from reads. Depth in
// reads is bound for sampling.
func (r *Renderer) fullscreen(fc *frameContext, name, pipeline string, out rhi.Resource, mask uint32, reads ...rhi.Resource) error {
	if out == nil {
		return errSkipped
	}
	pipe := r.pipes.get(pipeline, gputypes.TextureFormatUndefined, out.Desc().Format)
	if pipe == nil {
		return errSkipped
	}
	ref, err := r.table(uint32(max(len(reads), 1))) //nolint:gosec // G115: binding count is small
	if err != nil {
		return err
	}
	reqs := []rendergraph.Request{{Resource: out, State: rhi.StateRenderTarget}}
	for _, res := range reads {
		reqs = append(reqs, rendergraph.Request{Resource: res, State: readState(r, res)})
	}
	r.tracker.TransitionAll(r.cmd, reqs...)
	r.recordFullscreen(r.cmd, fc, name, pipe, out, ref, mask, reads)
	return nil
}

func (r *Renderer) recordFullscreen(cmd rhi.CommandList, fc *frameContext, name string, pipe rhi.Pipeline,
	out rhi.Resource, ref rhi.DescriptorRef, mask uint32, reads []rhi.Resource,
) {
	cmd.BeginPass(rhi.PassDesc{
		Name:   name,
		Colors: []rhi.ColorAttachment{{Target: out, Load: rhi.LoadDontCare}},
	})
	cmd.SetPipeline(pipe)
	cmd.SetBindings(rhi.Bindings{Constants: fc.c.PostBlock(mask, skyColor(fc)), Table: ref, Resources: reads})
	cmd.DrawFullscreen()
	cmd.EndPass()
}

// readState is the state a fullscreen or compute pass samples res in.
func readState(r *Renderer, res rhi.Resource) rhi.ResourceState {
	if res == r.t.depth {
		return rhi.StateDepthSample
	}
	return rhi.StateAllShaderResource
}

func (r *Renderer) motionVectors(fc *frameContext) error {
	if err := r.fullscreen(fc, "MotionVectors", PipelineMotion, r.t.velocity, 0, r.t.depth); err != nil {
		return err
	}
	fc.velocityWritten = true
	return nil
}

// taa resolves the jittered scene color against history into taaResolve,
// which becomes the scene color, and copies the result into history.
func (r *Renderer) taa(fc *frameContext) error {
	t := &r.t
	if err := r.fullscreen(fc, "TAA", PipelineTAA, t.taaResolve, 0, fc.sceneColor, t.taaHistory, t.velocity); err != nil {
		return err
	}
	r.tracker.TransitionAll(r.cmd,
		rendergraph.Request{Resource: t.taaResolve, State: rhi.StateCopySource},
		rendergraph.Request{Resource: t.taaHistory, State: rhi.StateCopyDest})
	r.cmd.CopyResource(t.taaHistory, t.taaResolve)
	r.tracker.TransitionAll(r.cmd,
		rendergraph.Request{Resource: t.taaResolve, State: rhi.StatePixelShaderResource},
		rendergraph.Request{Resource: t.taaHistory, State: rhi.StatePixelShaderResource})
	fc.sceneColor = t.taaResolve
	return nil
}

func (r *Renderer) ssr(fc *frameContext) error {
	return r.fullscreen(fc, "SSR", PipelineSSR, r.t.ssr, 0, fc.sceneColor, r.t.depth, r.t.normal, r.t.hzb)
}

func (r *Renderer) bloom(fc *frameContext) error {
	return r.fullscreen(fc, "Bloom", PipelineBloom, r.t.bloom, 0, fc.sceneColor)
}

// ssao computes ambient occlusion, on the async-compute queue when the
// device has one.
func (r *Renderer) ssao(fc *frameContext) error {
	if r.compute != nil && r.lists[r.slot].compute != nil {
		if pipe := r.pipes.get(PipelineSSAOAsync, gputypes.TextureFormatUndefined); pipe != nil {
			return r.asyncSSAO(fc, pipe)
		}
	}
	return r.fullscreen(fc, "SSAO", PipelineSSAO, r.t.ssao, 0, r.t.depth, r.t.normal)
}

// asyncSSAO splits the frame: the graphics work so far is submitted, the
// compute queue waits for it and dispatches SSAO, and the rest of the
// frame records into the slot's post list behind a wait on compute.
func (r *Renderer) asyncSSAO(fc *frameContext, pipe rhi.Pipeline) error {
	t := &r.t
	ref, err := r.table(3)
	if err != nil {
		return err
	}
	r.tracker.TransitionAll(r.cmd,
		rendergraph.Request{Resource: t.depth, State: rhi.StateDepthSample},
		rendergraph.Request{Resource: t.normal, State: rhi.StateAllShaderResource},
		rendergraph.Request{Resource: t.ssao, State: rhi.StateUnorderedAccess})

	if err := r.submitGraphics(fc, r.cmd); err != nil {
		return fmt.Errorf("%w: submit before async compute: %w", rhi.ErrDeviceRemoved, err)
	}
	v, err := r.graphics.Signal()
	if err != nil {
		return fmt.Errorf("%w: %w", rhi.ErrDeviceRemoved, err)
	}

	cl := r.lists[r.slot].compute
	if err := cl.Reset(); err != nil {
		return fmt.Errorf("%w: %w", rhi.ErrDeviceRemoved, err)
	}
	cl.SetMarker("SSAO")
	cl.SetPipeline(pipe)
	cl.SetBindings(rhi.Bindings{
		Constants: fc.c.PostBlock(0, skyColor(fc)),
		Table:     ref,
		Resources: []rhi.Resource{t.depth, t.normal, t.ssao},
	})
	d := t.ssao.Desc()
	cl.Dispatch((d.Width+7)/8, (d.Height+7)/8, 1)
	cl.ResourceBarrier(rhi.UAVBarrier(t.ssao))
	if err := cl.Close(); err != nil {
		return fmt.Errorf("%w: %w", rhi.ErrDeviceRemoved, err)
	}
	if err := r.compute.WaitForQueue(r.graphics, v); err != nil {
		return fmt.Errorf("%w: %w", rhi.ErrDeviceRemoved, err)
	}
	if err := r.compute.Execute(cl); err != nil {
		return fmt.Errorf("%w: %w", rhi.ErrDeviceRemoved, err)
	}
	c, err := r.compute.Signal()
	if err != nil {
		return fmt.Errorf("%w: %w", rhi.ErrDeviceRemoved, err)
	}
	if err := r.graphics.WaitForQueue(r.compute, c); err != nil {
		return fmt.Errorf("%w: %w", rhi.ErrDeviceRemoved, err)
	}

	r.cmd = r.lists[r.slot].post
	if err := r.cmd.Reset(); err != nil {
		return fmt.Errorf("%w: %w", rhi.ErrDeviceRemoved, err)
	}
	return nil
}

// postMask narrows the requested post toggles to the inputs this frame
// produced.
func (fc *frameContext) postMask() uint32 {
	var m uint32
	if fc.c.FogEnabled {
		m |= ToggleFog
	}
	for _, e := range []struct {
		marker diag.Marker
		bit    uint32
	}{
		{diag.MarkerBloom, ToggleBloom},
		{diag.MarkerSSAO, ToggleSSAO},
		{diag.MarkerSSR, ToggleSSR},
		{diag.MarkerRTReflections, ToggleRTReflections},
	} {
		if fc.did(e.marker) {
			m |= e.bit
		}
	}
	return m & fc.c.PostToggles
}

// postProcess tone-maps the scene color into the back buffer. With post
// processing disabled the back buffer is only cleared.
func (r *Renderer) postProcess(fc *frameContext) error {
	if !fc.q.PostProcess {
		r.clearBackBuffer(fc, "PostProcessDisabled", [4]float32{0, 0, 0, 1})
		return nil
	}
	pipe := r.pipes.get(PipelinePost, gputypes.TextureFormatUndefined, fc.backBuffer.Desc().Format)
	if pipe == nil {
		r.clearBackBuffer(fc, "PostProcessFallback", [4]float32{0, 0, 0, 1})
		return errSkipped
	}
	t := &r.t
	var reads []rhi.Resource
	for _, res := range []rhi.Resource{fc.sceneColor, t.depth, t.bloom, t.ssao, t.ssr, t.rtRefl, t.normal, t.velocity} {
		if res != nil {
			reads = append(reads, res)
		}
	}
	ref, err := r.table(uint32(len(reads))) //nolint:gosec // G115: binding count is small
	if err != nil {
		return err
	}
	mask := fc.postMask()
	record := func(cmd rhi.CommandList) {
		r.recordFullscreen(cmd, fc, "PostProcess", pipe, fc.backBuffer, ref, mask, reads)
	}
	if fc.q.RenderGraphPost {
		ok, err := r.runGraph(fc, "post", func(g *rendergraph.Graph) {
			ids := make([]rendergraph.ResourceID, len(reads))
			for i, res := range reads {
				ids[i] = g.ImportTracked(r.tracker, res, "")
			}
			bb := g.ImportTracked(r.tracker, fc.backBuffer, "back_buffer")
			g.AddPass("PostProcess", func(b *rendergraph.Builder) {
				for i, id := range ids {
					u := rendergraph.UsageShaderResource
					if reads[i] == t.depth {
						u = rendergraph.UsageDepthRead | rendergraph.UsageShaderResource
					}
					b.Read(id, u)
				}
				b.Write(bb, rendergraph.UsageRenderTarget)
			}, func(cmd rhi.CommandList, _ *rendergraph.Graph) error {
				record(cmd)
				return nil
			})
		})
		if ok || err != nil {
			return err
		}
	}
	reqs := []rendergraph.Request{{Resource: fc.backBuffer, State: rhi.StateRenderTarget}}
	for _, res := range reads {
		reqs = append(reqs, rendergraph.Request{Resource: res, State: readState(r, res)})
	}
	r.tracker.TransitionAll(r.cmd, reqs...)
	record(r.cmd)
	return nil
}

// debugLinePass draws the queued lines over the final image and clears
// the queue.
func (r *Renderer) debugLinePass(fc *frameContext) error {
	lines := r.debugLines
	r.debugLines = r.debugLines[:0]
	pipe := r.pipes.get(PipelineDebugLines, gputypes.TextureFormatUndefined, fc.backBuffer.Desc().Format)
	if pipe == nil {
		return errSkipped
	}
	data := make([]byte, len(lines)*2*scene.VertexStride)
	put := func(off int, v [3]float32, c [4]float32) {
		for k, f := range []float32{v[0], v[1], v[2], c[0], c[1], c[2], c[3], 0} {
			binary.LittleEndian.PutUint32(data[off+4*k:], math.Float32bits(f))
		}
	}
	for i, l := range lines {
		put(2*i*scene.VertexStride, l.a, l.color)
		put((2*i+1)*scene.VertexStride, l.b, l.color)
	}
	vb, err := r.dev.CreateResource(rhi.ResourceDesc{
		Label:     "debug_lines",
		Dimension: rhi.DimensionBuffer,
		Heap:      rhi.HeapUpload,
		Size:      uint64(len(data)),
		Flags:     rhi.FlagVertexBuffer,
	})
	if err != nil {
		return err
	}
	r.retire.DestroyLater(r.frame, r.dev, vb)
	if err := r.dev.WriteBuffer(vb, 0, data); err != nil {
		return fmt.Errorf("%w: debug lines: %w", jobs.ErrUploadMap, err)
	}
	r.tracker.Transition(r.cmd, fc.backBuffer, rhi.StateRenderTarget)
	r.cmd.BeginPass(rhi.PassDesc{
		Name:   "DebugLines",
		Colors: []rhi.ColorAttachment{{Target: fc.backBuffer, Load: rhi.LoadKeep}},
	})
	r.cmd.SetPipeline(pipe)
	r.cmd.SetBindings(rhi.Bindings{Constants: fc.frameBlock})
	r.cmd.Draw(rhi.DrawArgs{
		VertexBuffer:  vb,
		IndexCount:    uint32(2 * len(lines)), //nolint:gosec // G115: line count fits in uint32
		InstanceCount: 1,
	})
	r.cmd.EndPass()
	return nil
}
