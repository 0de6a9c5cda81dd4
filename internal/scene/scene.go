// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package scene defines the per-frame view of the world the renderer
// consumes: renderable instances, meshes, materials, lights and the camera.
// The renderer never owns this data; it is valid for one Render call.
package scene

import (
	"golang.org/x/image/math/f32"

	"github.com/gogpu/cortex/internal/rhi"
	"github.com/gogpu/cortex/internal/xmath"
)

// Flags classify a renderable for pass selection.
type Flags uint8

// Renderable flags.
const (
	FlagOpaque Flags = 1 << iota
	FlagOverlay
	FlagBlended
	FlagWater
)

// Has reports whether all bits of g are set.
func (f Flags) Has(g Flags) bool { return f&g == g }

// Material is the subset of surface parameters the core binds.
type Material struct {
	Name          string
	Albedo        f32.Vec4
	Roughness     float32
	Metallic      float32
	Emissive      f32.Vec3
	AlbedoTexture string // registry key, empty for none
}

// Renderable is one instance of a mesh.
type Renderable struct {
	// ID is stable across frames; motion vectors and occlusion history are
	// keyed by it.
	ID        uint32
	Transform f32.Mat4
	Mesh      *Mesh
	Material  *Material
	Flags     Flags
	// Bounds is the world-space bounding sphere. Zero radius means derive
	// it from the mesh bounds and Transform.
	Bounds xmath.Sphere
}

// WorldBounds returns the instance's world-space bounding sphere.
func (r *Renderable) WorldBounds() xmath.Sphere {
	if r.Bounds.Radius > 0 || r.Mesh == nil {
		return r.Bounds
	}
	return xmath.TransformSphere(r.Transform, r.Mesh.Bounds)
}

// Camera is a perspective camera.
type Camera struct {
	Position f32.Vec3
	Target   f32.Vec3
	Up       f32.Vec3
	FovY     float32 // radians
	Near     float32
	Far      float32
}

// DefaultCamera looks at the origin from (0, 0, -5).
func DefaultCamera() Camera {
	return Camera{
		Position: f32.Vec3{0, 0, -5},
		Up:       f32.Vec3{0, 1, 0},
		FovY:     1.0471976, // 60 degrees
		Near:     0.1,
		Far:      500,
	}
}

// Forward returns the unit view direction.
func (c Camera) Forward() f32.Vec3 { return xmath.Normalize(xmath.Sub(c.Target, c.Position)) }

// LightKind is the light type.
type LightKind uint8

// Light kinds.
const (
	LightDirectional LightKind = iota
	LightPoint
	LightSpot
	LightRectArea
)

// Light is a punctual or area light.
type Light struct {
	Kind      LightKind
	Position  f32.Vec3
	Direction f32.Vec3
	Color     f32.Vec3
	Intensity float32
	Range     float32
	// InnerCone and OuterCone are half angles in radians (spot lights).
	InnerCone    float32
	OuterCone    float32
	CastsShadows bool
}

// Fog holds exponential height fog parameters.
type Fog struct {
	Density float32
	Height  float32
	Falloff float32
	Color   f32.Vec3
}

// Scene is what the renderer draws in one frame.
type Scene struct {
	Camera    Camera
	Sun       Light
	Lights    []Light
	Instances []Renderable
	Fog       Fog
	Exposure  float32

	// Environment is an optional prefiltered environment cube the sky and
	// ray-traced reflections sample. The caller keeps it alive and in a
	// shader-readable state.
	Environment rhi.Resource
}

// Meshes returns the distinct meshes referenced by the scene in first-use
// order.
func (s *Scene) Meshes() []*Mesh {
	seen := make(map[*Mesh]struct{}, len(s.Instances))
	var out []*Mesh
	for i := range s.Instances {
		m := s.Instances[i].Mesh
		if m == nil {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}
