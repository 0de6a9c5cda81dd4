// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package frame

import (
	"errors"
	"fmt"
	"time"

	"github.com/gogpu/cortex/internal/config"
	"github.com/gogpu/cortex/internal/diag"
	"github.com/gogpu/cortex/internal/governor"
	"github.com/gogpu/cortex/internal/rhi"
	"github.com/gogpu/cortex/internal/scene"
)

// Render records, submits and presents one frame of sc. dt is the wall
// time of the previous frame and feeds the performance governor.
//
// After device loss the frame that detected it returns an error wrapping
// ErrDeviceRemoved; later calls log once and return nil without touching
// the GPU.
func (r *Renderer) Render(sc *scene.Scene, dt time.Duration) error {
	if r.closed {
		return ErrClosed
	}
	if r.loss.Skip() {
		return nil
	}
	if sc == nil {
		sc = &scene.Scene{Camera: scene.DefaultCamera()}
	}
	q, err := r.beginFrame()
	if err != nil {
		return err
	}
	fc := r.newFrameContext(sc, q)
	if q.MinimalFrame {
		err = r.minimalFrame(fc)
	} else {
		err = r.recordPasses(fc)
	}
	if err != nil {
		return err
	}
	if err := r.endFrame(fc); err != nil {
		return err
	}
	r.runGovernors(dt)
	return nil
}

// frameQuality is the requested quality narrowed to what this device and
// the attached collaborators support.
func (r *Renderer) frameQuality() config.Quality {
	q := r.quality
	if !q.HDR {
		q.TAA = false
		q.SSR = false
		q.SSAO = false
		q.Bloom = false
	}
	if r.dev.RayTracingTier() == rhi.RayTracingNone || r.accel == nil {
		q.RayTracing = false
	}
	return q
}

func (r *Renderer) beginFrame() (config.Quality, error) {
	r.frame++
	r.slot = r.win.BackBufferIndex() % rhi.FramesInFlight
	if r.slot < 0 {
		r.slot = 0
	}
	if err := r.graphics.WaitFence(r.fenceValues[r.slot]); err != nil {
		return config.Quality{}, r.trip("BeginFrame: slot fence wait", err)
	}
	r.retire.Collect(r.frame)
	r.desc.BeginFrame(r.slot)

	q := r.frameQuality()
	if err := r.ensureTargets(&q); err != nil {
		return q, r.trip("BeginFrame: render targets", fmt.Errorf("%w: %w", ErrTargetRealloc, err))
	}
	r.pool.ResetCompleted()

	r.cmd = r.lists[r.slot].main
	if err := r.cmd.Reset(); err != nil {
		return q, r.trip("BeginFrame: command list reset", err)
	}
	r.tracker.ResetBarrierCount()
	// The shader-visible heap is bound through each Bindings.Table; the
	// breadcrumb opens the list.
	r.crumbs.Begin(r.cmd, diag.MarkerBeginFrame)
	r.crumbs.Done("BeginFrame")
	return q, nil
}

// internalSize returns the render size for a window size and scale.
func internalSize(w, h uint32, scale float32) (uint32, uint32) {
	iw := uint32(float32(w)*scale + 0.5)
	ih := uint32(float32(h)*scale + 0.5)
	return max(iw, 1), max(ih, 1)
}

// ensureTargets brings the render targets in line with the window size,
// the effective render scale and the quality settings. Recreating a target
// that exists waits for the GPU first.
func (r *Renderer) ensureTargets(q *config.Quality) error {
	w, h := r.win.Size()
	scale := float32(1)
	if q.HDR {
		scale = governor.ClampRenderScale(q.RenderScale, h, q.HeavyEffects())
	}
	r.effScale = scale
	iw, ih := internalSize(w, h, scale)

	if iw != r.t.width || ih != r.t.height || r.t.depth == nil {
		if r.t.depth != nil {
			if err := r.flushGPU(); err != nil {
				return err
			}
		}
		if err := r.resizeTargets(iw, ih, q.RayTracing); err != nil {
			return err
		}
	}
	if q.RayTracing {
		if err := r.ensureRTTargets(); err != nil {
			return err
		}
	}
	size := max(q.ShadowMapSize, 256)
	if r.t.shadow != nil && r.t.shadowSize != size {
		if err := r.flushGPU(); err != nil {
			return err
		}
	}
	return r.ensureShadowAtlas(size)
}

// flushGPU waits until every frame slot, the async-compute queue and the
// upload pool are idle.
func (r *Renderer) flushGPU() error {
	r.flushes++
	slogger().Debug("flushing GPU", "frame", r.frame)
	for i, v := range r.fenceValues {
		if err := r.graphics.WaitFence(v); err != nil {
			return fmt.Errorf("frame: flush slot %d: %w", i, err)
		}
	}
	if r.compute != nil {
		if err := r.compute.WaitFence(r.compute.LastSignaledValue()); err != nil {
			return fmt.Errorf("frame: flush compute: %w", err)
		}
	}
	if err := r.pool.WaitIdle(); err != nil {
		return fmt.Errorf("frame: flush uploads: %w", err)
	}
	r.retire.Flush()
	return nil
}

// trip marks the device removed, writes the dump and returns the error the
// frame reports.
func (r *Renderer) trip(context string, err error) error {
	var recent []string
	if r.ring != nil {
		recent = r.ring.Lines()
	}
	r.loss.Trip(diag.Report{
		Context:     context,
		Err:         err,
		Frame:       r.frame,
		Slot:        r.slot,
		Device:      r.dev,
		Breadcrumbs: r.crumbs,
		Tracker:     r.tracker,
		Registry:    r.registry.Stats().String(),
		RecentLog:   recent,
	})
	if errors.Is(err, ErrDeviceRemoved) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrDeviceRemoved, context, err)
}

// runGovernors feeds the frame time and, on sampling frames, memory use
// into the governors. Changes apply from the next frame.
func (r *Renderer) runGovernors(dt time.Duration) {
	if a := r.perf.Observe(dt, &r.quality); a != governor.None {
		r.cfg.Toggles.Apply(&r.quality)
	}
	sampleVRAM := r.cfg.Governor.VRAM && r.vram.Due(r.frame)
	if !sampleVRAM && !r.quality.LogVRAM {
		return
	}
	if r.accel != nil {
		r.registry.SetAccelerationStructureBytes(r.accel.Bytes())
	}
	info, ok := r.dev.VideoMemoryInfo()
	s := governor.MemorySample{
		Info:      info,
		HaveInfo:  ok,
		Breakdown: r.registry.MemoryBreakdown(),
		Budgets:   r.registry.Budgets(),
	}
	if sampleVRAM {
		if a := r.vram.Update(&r.quality, s); a != governor.None {
			r.cfg.Toggles.Apply(&r.quality)
		}
	}
	if r.quality.LogVRAM {
		r.vram.LogUsage(time.Now(), s)
	}
}
