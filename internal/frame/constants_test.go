// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package frame

import (
	"testing"

	"github.com/chewxy/math32"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/cortex/internal/config"
	"github.com/gogpu/cortex/internal/scene"
	"github.com/gogpu/cortex/internal/xmath"
)

func TestJitter(t *testing.T) {
	const w, h = 1280, 720
	tests := []struct {
		name    string
		noJit   bool
		taa     bool
		wantAny bool
	}{
		{"taa", false, true, true},
		{"taa no jitter", true, true, false},
		{"taa off", false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := config.DefaultQuality()
			q.TAA = tt.taa
			q.TAANoJitter = tt.noJit
			sc := &scene.Scene{Camera: scene.DefaultCamera()}
			var s cameraState
			seen := map[f32.Vec2]bool{}
			for frame := uint64(1); frame <= jitterPhases; frame++ {
				c := s.compute(sc, &q, w, h, frame)
				px := c.Jitter[0] * w / 2
				py := c.Jitter[1] * h / 2
				if math32.Abs(px) > jitterAmplitude+1e-5 || math32.Abs(py) > jitterAmplitude+1e-5 {
					t.Fatalf("frame %d jitter %v px exceeds half a pixel", frame, f32.Vec2{px, py})
				}
				seen[c.Jitter] = true
			}
			if tt.wantAny && len(seen) < jitterPhases {
				t.Errorf("%d distinct jitter offsets over %d frames", len(seen), jitterPhases)
			}
			if !tt.wantAny && (len(seen) != 1 || !seen[f32.Vec2{}]) {
				t.Errorf("jitter applied: %v", seen)
			}
		})
	}
}

func TestStillCameraNarrowsJitter(t *testing.T) {
	const w, h = 800, 600
	q := config.DefaultQuality()
	sc := &scene.Scene{Camera: scene.DefaultCamera()}
	var s cameraState
	var c Constants
	for frame := uint64(1); frame <= stillFrames+1; frame++ {
		c = s.compute(sc, &q, w, h, frame)
		if frame <= stillFrames && c.Still {
			t.Fatalf("frame %d reported still too early", frame)
		}
	}
	if !c.Still {
		t.Fatal("camera not still after stillFrames unchanged frames")
	}
	for frame := uint64(stillFrames + 2); frame < stillFrames+2+jitterPhases; frame++ {
		c = s.compute(sc, &q, w, h, frame)
		if math32.Abs(c.Jitter[0]*w/2) > stillJitterAmplitude+1e-5 ||
			math32.Abs(c.Jitter[1]*h/2) > stillJitterAmplitude+1e-5 {
			t.Errorf("frame %d still jitter %v too large", frame, c.Jitter)
		}
	}

	sc.Camera.Position[0] += 0.5
	if c = s.compute(sc, &q, w, h, 100); c.Still {
		t.Error("moving camera still reported still")
	}
}

func TestHistoryValidity(t *testing.T) {
	q := config.DefaultQuality()
	sc := &scene.Scene{Camera: scene.DefaultCamera()}
	var s cameraState

	if c := s.compute(sc, &q, 640, 480, 1); c.HistoryValid {
		t.Error("first frame has valid history")
	}
	if c := s.compute(sc, &q, 640, 480, 2); !c.HistoryValid {
		t.Error("unchanged camera invalidated history")
	}
	sc.Camera.Position[0] += 0.5
	sc.Camera.Target[0] += 0.5
	if c := s.compute(sc, &q, 640, 480, 3); !c.HistoryValid {
		t.Error("small move invalidated history")
	}
	sc.Camera.Position[0] += 10
	sc.Camera.Target[0] += 10
	if c := s.compute(sc, &q, 640, 480, 4); c.HistoryValid {
		t.Error("10 unit teleport kept history")
	}
	sc.Camera.Target = xmath.Add(sc.Camera.Position, f32.Vec3{1, 0, 0})
	if c := s.compute(sc, &q, 640, 480, 5); c.HistoryValid {
		t.Error("90 degree turn kept history")
	}
	s.reset()
	if c := s.compute(sc, &q, 640, 480, 6); c.HistoryValid {
		t.Error("history valid after reset")
	}
}

func TestCascades(t *testing.T) {
	q := config.DefaultQuality()
	sc := &scene.Scene{Camera: scene.DefaultCamera()}
	sc.Sun.Direction = f32.Vec3{0.3, -1, 0.2}
	var s cameraState
	c := s.compute(sc, &q, 1920, 1080, 1)

	prev := c.Near
	for i, split := range c.CascadeSplits {
		if split <= prev {
			t.Errorf("split %d = %v, not beyond %v", i, split, prev)
		}
		prev = split
	}
	if last := c.CascadeSplits[config.Cascades-1]; math32.Abs(last-q.MaxShadowDistance) > 1e-2 {
		t.Errorf("last split = %v, want %v", last, q.MaxShadowDistance)
	}

	for i, vp := range c.CascadeViewProj {
		if c.CascadeRes[i] != q.ShadowMapSize {
			t.Errorf("cascade %d res = %d, want %d", i, c.CascadeRes[i], q.ShadowMapSize)
		}
		half := float32(c.CascadeRes[i]) / 2
		o := xmath.TransformPoint(vp, f32.Vec3{})
		for axis := range 2 {
			texel := o[axis] * half
			if d := math32.Abs(texel - math32.Round(texel)); d > 1e-2 {
				t.Errorf("cascade %d origin axis %d at texel %v, off grid by %v", i, axis, texel, d)
			}
		}
	}

	q.CascadeResolutionScale = [config.Cascades]float32{1, 0.5, 0.25}
	c = s.compute(sc, &q, 1920, 1080, 2)
	if want := [config.Cascades]uint32{4096, 2048, 1024}; c.CascadeRes != want {
		t.Errorf("CascadeRes = %v, want %v", c.CascadeRes, want)
	}
}

func TestGatherLights(t *testing.T) {
	spot := func(shadows bool, rng float32) scene.Light {
		return scene.Light{
			Kind:         scene.LightSpot,
			Position:     f32.Vec3{0, 5, 0},
			Direction:    f32.Vec3{0, -1, 0.1},
			Color:        f32.Vec3{1, 1, 1},
			Intensity:    10,
			Range:        rng,
			InnerCone:    0.3,
			OuterCone:    0.5,
			CastsShadows: shadows,
		}
	}
	tests := []struct {
		name      string
		sunShadow bool
		lights    []scene.Light
		wantSlots []int32
		wantDrop  int
		wantSpots int
	}{
		{
			name:      "sun only",
			sunShadow: true,
			wantSlots: []int32{0},
		},
		{
			name:      "four shadowed spots",
			lights:    []scene.Light{spot(true, 20), spot(true, 20), spot(true, 20), spot(true, 20)},
			wantSlots: []int32{-1, 3, 4, 5, -1},
			wantSpots: 3,
		},
		{
			name:      "spot without range",
			lights:    []scene.Light{spot(true, 0), spot(false, 20), spot(true, 20)},
			wantSlots: []int32{-1, -1, -1, 3},
			wantSpots: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := &scene.Scene{Camera: scene.DefaultCamera(), Lights: tt.lights}
			sc.Sun.CastsShadows = tt.sunShadow
			var c Constants
			c.gatherLights(sc)
			var slots []int32
			for _, l := range c.Lights {
				slots = append(slots, l.ShadowSlice)
			}
			if len(slots) != len(tt.wantSlots) {
				t.Fatalf("slices = %v, want %v", slots, tt.wantSlots)
			}
			for i := range slots {
				if slots[i] != tt.wantSlots[i] {
					t.Errorf("slices = %v, want %v", slots, tt.wantSlots)
					break
				}
			}
			if c.ShadowedSpots != tt.wantSpots {
				t.Errorf("ShadowedSpots = %d, want %d", c.ShadowedSpots, tt.wantSpots)
			}
			if c.DroppedLights != tt.wantDrop {
				t.Errorf("DroppedLights = %d, want %d", c.DroppedLights, tt.wantDrop)
			}
		})
	}
}

func TestForwardLightLimit(t *testing.T) {
	sc := &scene.Scene{Camera: scene.DefaultCamera()}
	for i := range 20 {
		sc.Lights = append(sc.Lights, scene.Light{
			Kind:      scene.LightPoint,
			Position:  f32.Vec3{float32(i), 1, 0},
			Color:     f32.Vec3{1, 1, 1},
			Intensity: 1,
			Range:     5,
		})
	}
	var c Constants
	c.gatherLights(sc)
	if len(c.Lights) != MaxForwardLights {
		t.Errorf("len(Lights) = %d, want %d", len(c.Lights), MaxForwardLights)
	}
	if c.DroppedLights != 5 {
		t.Errorf("DroppedLights = %d, want 5", c.DroppedLights)
	}
}

func TestPostToggles(t *testing.T) {
	q := config.DefaultQuality()
	sc := &scene.Scene{Camera: scene.DefaultCamera()}
	var s cameraState
	c := s.compute(sc, &q, 64, 64, 1)
	if want := ToggleBloom | ToggleSSAO | ToggleSSR; c.PostToggles != want {
		t.Errorf("PostToggles = %b, want %b (no fog density, no ray tracing)", c.PostToggles, want)
	}
	sc.Fog.Density = 0.02
	q.RayTracing = true
	c = s.compute(sc, &q, 64, 64, 2)
	if want := ToggleBloom | ToggleSSAO | ToggleSSR | ToggleRTReflections | ToggleFog; c.PostToggles != want {
		t.Errorf("PostToggles = %b, want %b", c.PostToggles, want)
	}
}

func TestBlockSizes(t *testing.T) {
	q := config.DefaultQuality()
	sc := &scene.Scene{Camera: scene.DefaultCamera()}
	var s cameraState
	c := s.compute(sc, &q, 64, 64, 1)
	r := scene.Renderable{Transform: xmath.Identity(), Mesh: scene.Cube("c")}
	tests := []struct {
		name string
		got  int
		want int
	}{
		{"frame", len(c.FrameBlock()), FrameBlockSize},
		{"instance", len(InstanceBlock(&r)), InstanceBlockSize},
		{"post", len(c.PostBlock(0, [4]float32{})), PostBlockSize},
		{"shadow", len(ShadowBlock(xmath.Identity())), ShadowBlockSize},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s block = %d bytes, want %d", tt.name, tt.got, tt.want)
		}
	}
}
