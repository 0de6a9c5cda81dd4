// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package governor adjusts quality settings in response to memory pressure
// and frame time. Governors only ever lower quality; nothing they switch
// off is switched back on automatically.
package governor

import (
	"fmt"
	"log/slog"

	"github.com/gogpu/cortex/internal/config"
	"github.com/gogpu/cortex/internal/logging"
)

func slogger() *slog.Logger { return logging.Component("governor") }

// Adjustment is one quality reduction.
type Adjustment uint8

// Adjustments, in no particular order.
const (
	None Adjustment = iota
	DisableTAA
	DisableSSR
	DisableSSAO
	DisableFog
	DisableRTGI
	DisableRTReflections
	LowerRenderScale
	ConservativePreset
)

var adjustmentNames = [...]string{
	"none", "disable taa", "disable ssr", "disable ssao", "disable fog",
	"disable rt gi", "disable rt reflections", "lower render scale",
	"conservative preset",
}

// String returns a short description.
func (a Adjustment) String() string {
	if int(a) < len(adjustmentNames) {
		return adjustmentNames[a]
	}
	return fmt.Sprintf("Adjustment(%d)", a)
}

// apply performs a on q and reports whether anything changed.
func (a Adjustment) apply(q *config.Quality) bool {
	switch a {
	case DisableTAA:
		return off(&q.TAA)
	case DisableSSR:
		return off(&q.SSR)
	case DisableSSAO:
		return off(&q.SSAO)
	case DisableFog:
		return off(&q.Fog)
	case DisableRTGI:
		if !q.RayTracing {
			return false
		}
		return off(&q.RTGI)
	case DisableRTReflections:
		if !q.RayTracing {
			return false
		}
		return off(&q.RTReflections)
	case LowerRenderScale:
		s, ok := StepDown(q.RenderScale)
		if ok {
			q.RenderScale = s
		}
		return ok
	case ConservativePreset:
		return applyPreset(q)
	}
	return false
}

func off(b *bool) bool {
	if !*b {
		return false
	}
	*b = false
	return true
}

// renderScaleSteps are the discrete scales governors move between,
// highest first.
var renderScaleSteps = [...]float32{1, 0.85, 0.75, 0.6, 0.5}

// MinGovernedScale is the lowest scale a governor selects.
const MinGovernedScale = 0.5

// StepDown returns the next discrete render scale below s. It reports
// false when s is already at or below the lowest step.
func StepDown(s float32) (float32, bool) {
	for _, step := range renderScaleSteps {
		if step < s-1e-3 {
			return step, true
		}
	}
	return s, false
}

// Render-scale caps for heavy effects at high window heights.
const (
	Cap2160p = 0.6
	Cap1440p = 0.8
)

// ClampRenderScale limits scale to the legal range and, when heavy effects
// are on, to the cap for the window height.
func ClampRenderScale(scale float32, windowHeight uint32, heavyEffects bool) float32 {
	scale = min(max(scale, config.MinRenderScale), config.MaxRenderScale)
	if !heavyEffects {
		return scale
	}
	switch {
	case windowHeight >= 2160:
		return min(scale, Cap2160p)
	case windowHeight >= 1440:
		return min(scale, Cap1440p)
	}
	return scale
}

// Preset limits.
const (
	PresetShadowMapSize = 2048
	PresetRenderScale   = 0.75
)

// ApplyConservativePreset turns off ray tracing, SSR, SSAO and fog, caps
// the shadow map, render scale and cascade resolution multipliers. It
// reports whether q changed; a second call returns false and logs nothing.
func ApplyConservativePreset(q *config.Quality) bool {
	if !applyPreset(q) {
		return false
	}
	slogger().Info("conservative quality preset applied",
		"render_scale", q.RenderScale, "shadow_map", q.ShadowMapSize)
	return true
}

func applyPreset(q *config.Quality) bool {
	changed := off(&q.RayTracing)
	changed = off(&q.SSR) || changed
	changed = off(&q.SSAO) || changed
	changed = off(&q.Fog) || changed
	if q.ShadowMapSize > PresetShadowMapSize {
		q.ShadowMapSize = PresetShadowMapSize
		changed = true
	}
	if q.RenderScale > PresetRenderScale {
		q.RenderScale = PresetRenderScale
		changed = true
	}
	for i, s := range q.CascadeResolutionScale {
		if s > 1 {
			q.CascadeResolutionScale[i] = 1
			changed = true
		}
	}
	return changed
}

// firstApplicable applies the first adjustment in order that changes q.
func firstApplicable(q *config.Quality, order []Adjustment) Adjustment {
	for _, a := range order {
		if a.apply(q) {
			return a
		}
	}
	return None
}
