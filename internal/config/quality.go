// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package config

import (
	"fmt"
	"strings"
)

// Cascades is the number of directional shadow cascades.
const Cascades = 3

// Render scale limits.
const (
	MinRenderScale = 0.25
	MaxRenderScale = 2.0
)

// ReflectionClear selects the debug pre-clear of the ray-traced reflection
// target.
type ReflectionClear uint8

// Reflection clear modes.
const (
	ReflectionClearOff ReflectionClear = iota
	ReflectionClearBlack
	ReflectionClearMagenta
)

var reflectionClearNames = [...]string{"off", "black", "magenta"}

// String returns the mode name.
func (m ReflectionClear) String() string {
	if int(m) < len(reflectionClearNames) {
		return reflectionClearNames[m]
	}
	return fmt.Sprintf("ReflectionClear(%d)", m)
}

// Color returns the clear value for the mode.
func (m ReflectionClear) Color() [4]float32 {
	if m == ReflectionClearMagenta {
		return [4]float32{1, 0, 1, 1}
	}
	return [4]float32{0, 0, 0, 0}
}

// MarshalText implements encoding.TextMarshaler.
func (m ReflectionClear) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *ReflectionClear) UnmarshalText(b []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(b)))
	if s == "" {
		*m = ReflectionClearOff
		return nil
	}
	for i, n := range reflectionClearNames {
		if s == n {
			*m = ReflectionClear(i)
			return nil
		}
	}
	return fmt.Errorf("config: unknown reflection clear mode %q", s)
}

// Quality is the set of runtime quality settings. The renderer reads it at
// the start of every frame; governors and toggles mutate it.
type Quality struct {
	RenderScale float32 `toml:"render_scale"`

	HDR         bool `toml:"hdr"`
	TAA         bool `toml:"taa"`
	TAANoJitter bool `toml:"taa_no_jitter"`
	SSR         bool `toml:"ssr"`
	SSAO        bool `toml:"ssao"`
	Bloom       bool `toml:"bloom"`
	Fog         bool `toml:"fog"`
	PostProcess bool `toml:"post_process"`

	// Ray-traced features are independent of each other. Each one also
	// requires RayTracing and hardware support.
	RayTracing    bool `toml:"ray_tracing"`
	RTShadows     bool `toml:"rt_shadows"`
	RTReflections bool `toml:"rt_reflections"`
	RTGI          bool `toml:"rt_gi"`

	ShadowMapSize          uint32             `toml:"shadow_map_size"`
	CascadeResolutionScale [Cascades]float32 `toml:"cascade_resolution_scale"`
	CascadeLambda          float32            `toml:"cascade_lambda"`
	MaxShadowDistance      float32            `toml:"max_shadow_distance"`

	VisibilityBuffer bool `toml:"visibility_buffer"`
	GPUCulling       bool `toml:"gpu_culling"`

	RenderGraphShadows bool `toml:"render_graph_shadows"`
	RenderGraphHZB     bool `toml:"render_graph_hzb"`
	RenderGraphPost    bool `toml:"render_graph_post"`

	ReflectionClear ReflectionClear `toml:"reflection_clear"`

	// MinimalFrame replaces the pass sequence with a back-buffer clear.
	MinimalFrame bool `toml:"minimal_frame"`
	LogVRAM      bool `toml:"log_vram"`
}

// DefaultQuality returns the out-of-the-box settings: every raster feature
// on, ray tracing opt-in.
func DefaultQuality() Quality {
	return Quality{
		RenderScale:            1,
		HDR:                    true,
		TAA:                    true,
		SSR:                    true,
		SSAO:                   true,
		Bloom:                  true,
		Fog:                    true,
		PostProcess:            true,
		RTShadows:              true,
		RTReflections:          true,
		RTGI:                   true,
		ShadowMapSize:          4096,
		CascadeResolutionScale: [Cascades]float32{1, 1, 1},
		CascadeLambda:          0.5,
		MaxShadowDistance:      150,
		VisibilityBuffer:       true,
		RenderGraphShadows:     true,
		RenderGraphHZB:         true,
		RenderGraphPost:        true,
	}
}

// HeavyEffects reports whether any feature is on whose cost scales with
// internal resolution enough to cap the render scale at high window sizes.
func (q *Quality) HeavyEffects() bool {
	return q.SSR || q.SSAO || (q.RayTracing && (q.RTReflections || q.RTGI || q.RTShadows))
}

// Features lists the enabled feature names in a fixed order.
func (q *Quality) Features() []string {
	var out []string
	add := func(on bool, name string) {
		if on {
			out = append(out, name)
		}
	}
	add(q.HDR, "hdr")
	add(q.TAA, "taa")
	add(q.SSR, "ssr")
	add(q.SSAO, "ssao")
	add(q.Bloom, "bloom")
	add(q.Fog, "fog")
	add(q.PostProcess, "post")
	add(q.RayTracing && q.RTShadows, "rt_shadows")
	add(q.RayTracing && q.RTReflections, "rt_reflections")
	add(q.RayTracing && q.RTGI, "rt_gi")
	add(q.VisibilityBuffer, "visibility_buffer")
	add(q.GPUCulling, "gpu_culling")
	add(q.MinimalFrame, "minimal_frame")
	return out
}

// validate clamps out-of-range values and returns a description of each
// adjustment.
func (q *Quality) validate() []string {
	var fixed []string
	if q.RenderScale < MinRenderScale || q.RenderScale > MaxRenderScale {
		c := min(max(q.RenderScale, MinRenderScale), MaxRenderScale)
		fixed = append(fixed, fmt.Sprintf("render_scale %.2f clamped to %.2f", q.RenderScale, c))
		q.RenderScale = c
	}
	if q.ShadowMapSize < 256 || q.ShadowMapSize > 8192 || q.ShadowMapSize&(q.ShadowMapSize-1) != 0 {
		fixed = append(fixed, fmt.Sprintf("shadow_map_size %d reset to 4096", q.ShadowMapSize))
		q.ShadowMapSize = 4096
	}
	for i, s := range q.CascadeResolutionScale {
		if s <= 0 || s > 2 {
			fixed = append(fixed, fmt.Sprintf("cascade_resolution_scale[%d] %.2f reset to 1", i, s))
			q.CascadeResolutionScale[i] = 1
		}
	}
	if q.CascadeLambda < 0 || q.CascadeLambda > 1 {
		c := min(max(q.CascadeLambda, 0), 1)
		fixed = append(fixed, fmt.Sprintf("cascade_lambda %.2f clamped to %.2f", q.CascadeLambda, c))
		q.CascadeLambda = c
	}
	if q.MaxShadowDistance <= 0 {
		fixed = append(fixed, "max_shadow_distance reset to 150")
		q.MaxShadowDistance = 150
	}
	if !q.HDR && (q.TAA || q.SSR || q.SSAO || q.Bloom) {
		fixed = append(fixed, "hdr off disables taa, ssr, ssao and bloom")
		q.TAA, q.SSR, q.SSAO, q.Bloom = false, false, false, false
	}
	return fixed
}
