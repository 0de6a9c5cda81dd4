// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package frame

import (
	"fmt"

	"github.com/gogpu/cortex/internal/diag"
	"github.com/gogpu/cortex/internal/rendergraph"
	"github.com/gogpu/cortex/internal/rhi"
)

// submitGraphics closes cl and executes it on the graphics queue, first
// making the queue wait for uploads the frame's draws read.
func (r *Renderer) submitGraphics(fc *frameContext, cl rhi.CommandList) error {
	if err := cl.Close(); err != nil {
		return err
	}
	if r.copyQ != r.graphics && fc.uploadFence > r.lastUploadWait {
		if err := r.graphics.WaitForQueue(r.copyQ, fc.uploadFence); err != nil {
			return err
		}
		r.lastUploadWait = fc.uploadFence
	}
	return r.graphics.Execute(cl)
}

// copyHistories keeps this frame's ray-traced results for temporal
// accumulation next frame.
func (r *Renderer) copyHistories(fc *frameContext) {
	t := &r.t
	for _, h := range []struct {
		marker   diag.Marker
		src, dst rhi.Resource
	}{
		{diag.MarkerRTShadows, t.rtShadow, t.rtShadowHistory},
		{diag.MarkerRTReflections, t.rtRefl, t.rtReflHistory},
		{diag.MarkerRTGI, t.rtGI, t.rtGIHistory},
	} {
		if !fc.did(h.marker) || h.src == nil || h.dst == nil {
			continue
		}
		r.tracker.TransitionAll(r.cmd,
			rendergraph.Request{Resource: h.src, State: rhi.StateCopySource},
			rendergraph.Request{Resource: h.dst, State: rhi.StateCopyDest})
		r.cmd.CopyResource(h.dst, h.src)
	}
}

// endFrame returns the targets to their resting states, submits, presents
// and signals the slot fence.
func (r *Renderer) endFrame(fc *frameContext) error {
	r.crumbs.Begin(r.cmd, diag.MarkerEndFrame)
	r.copyHistories(fc)

	var reqs []rendergraph.Request
	for _, res := range r.t.colorTargets() {
		reqs = append(reqs, rendergraph.Request{Resource: res, State: rhi.StatePixelShaderResource})
	}
	reqs = append(reqs, rendergraph.Request{Resource: fc.backBuffer, State: rhi.StatePresent})
	r.tracker.TransitionAll(r.cmd, reqs...)

	if err := r.submitGraphics(fc, r.cmd); err != nil {
		return r.trip("EndFrame: submit", err)
	}
	if err := r.win.Present(); err != nil {
		return r.trip("present", err)
	}
	if err := r.dev.RemovedReason(); err != nil {
		return r.trip("present", fmt.Errorf("%w: %w", rhi.ErrDeviceRemoved, err))
	}
	v, err := r.graphics.Signal()
	if err != nil {
		return r.trip("EndFrame: signal", err)
	}
	r.fenceValues[r.slot] = v
	r.desc.EndFrame()
	clear(r.debugLines)
	r.debugLines = r.debugLines[:0]
	if r.accel != nil {
		r.registry.SetAccelerationStructureBytes(r.accel.Bytes())
	}

	visible := len(fc.opaque)
	if fc.path == PathIndirect {
		visible = int(r.culler.VisibleCount())
	}
	r.last = Status{
		Frame:        r.frame,
		Slot:         r.slot,
		Width:        r.t.width,
		Height:       r.t.height,
		RenderScale:  r.effScale,
		OpaquePath:   fc.path,
		Passes:       fc.passes,
		Barriers:     r.tracker.Barriers(),
		GraphBarrier: fc.graphBarriers,
		Visible:      visible,
		RayTracing:   fc.rt,
	}
	return nil
}
