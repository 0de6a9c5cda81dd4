// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package frame

import (
	"fmt"

	"github.com/gogpu/cortex/internal/rhi"
)

// ResetCommandList prepares the renderer for a new scene. It waits for
// the GPU, resets every slot's command lists, reopens the current one
// empty and drops queued GPU jobs. Any failure marks the device removed.
func (r *Renderer) ResetCommandList() error {
	if r.closed {
		return ErrClosed
	}
	if r.loss.Removed() {
		return ErrDeviceRemoved
	}
	if r.cmd != nil && r.cmd.IsOpen() {
		if err := r.cmd.Close(); err != nil {
			return r.trip("ResetCommandList: close", err)
		}
	}
	if err := r.flushGPU(); err != nil {
		return r.trip("ResetCommandList: wait", err)
	}
	for i := range r.lists {
		l := &r.lists[i]
		for _, cl := range []rhi.CommandList{l.main, l.post, l.compute} {
			if cl == nil {
				continue
			}
			if err := cl.Reset(); err != nil {
				return r.trip("ResetCommandList: reset", fmt.Errorf("slot %d: %w", i, err))
			}
			if err := cl.Close(); err != nil {
				return r.trip("ResetCommandList: reset", fmt.Errorf("slot %d: %w", i, err))
			}
		}
	}
	r.cmd = r.lists[r.slot].main
	if err := r.cmd.Reset(); err != nil {
		return r.trip("ResetCommandList: reopen", err)
	}
	r.jobs.Clear()
	r.culler.Reset()
	r.cam.reset()
	slogger().Info("command lists reset for new scene", "frame", r.frame)
	return nil
}

// ClearAccelerationCache drops every acceleration structure and the
// renderer's record of which meshes have one. Builds are queued again as
// meshes are drawn.
func (r *Renderer) ClearAccelerationCache() {
	if r.accel != nil {
		r.accel.ClearAll()
	}
	clear(r.blasKeys)
	if r.tlas != nil {
		r.tracker.Untrack(r.tlas)
		r.tlas = nil
	}
	r.registry.SetAccelerationStructureBytes(0)
	slogger().Info("acceleration structure cache cleared")
}
