// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package scene

import (
	"encoding/binary"
	"math"

	"golang.org/x/image/math/f32"

	"github.com/gogpu/cortex/internal/rhi"
	"github.com/gogpu/cortex/internal/xmath"
)

// VertexStride is the packed size of a Vertex in bytes.
const VertexStride = 32

// Vertex is the mesh vertex layout: position, normal, texture coordinate.
type Vertex struct {
	Position f32.Vec3
	Normal   f32.Vec3
	UV       f32.Vec2
}

// GPUMesh holds a mesh's device buffers once its upload job ran.
type GPUMesh struct {
	VertexBuffer rhi.Resource
	IndexBuffer  rhi.Resource
	// UploadFence is the copy-queue value after which the buffers hold
	// the mesh data. Zero means not uploaded.
	UploadFence uint64
}

// Mesh is CPU geometry plus its GPU residency.
type Mesh struct {
	Key      string
	Vertices []Vertex
	Indices  []uint32
	Bounds   xmath.Sphere

	GPU GPUMesh
}

// Resident reports whether the mesh has device buffers.
func (m *Mesh) Resident() bool {
	return m.GPU.VertexBuffer != nil && m.GPU.IndexBuffer != nil && m.GPU.UploadFence != 0
}

// VertexBytes packs the vertices little-endian.
func (m *Mesh) VertexBytes() []byte {
	buf := make([]byte, len(m.Vertices)*VertexStride)
	for i, v := range m.Vertices {
		o := buf[i*VertexStride:]
		put := func(off int, f float32) { binary.LittleEndian.PutUint32(o[off:], math.Float32bits(f)) }
		put(0, v.Position[0])
		put(4, v.Position[1])
		put(8, v.Position[2])
		put(12, v.Normal[0])
		put(16, v.Normal[1])
		put(20, v.Normal[2])
		put(24, v.UV[0])
		put(28, v.UV[1])
	}
	return buf
}

// IndexBytes packs the indices as little-endian uint32.
func (m *Mesh) IndexBytes() []byte {
	buf := make([]byte, len(m.Indices)*4)
	for i, x := range m.Indices {
		binary.LittleEndian.PutUint32(buf[i*4:], x)
	}
	return buf
}

// ComputeBounds sets Bounds to a sphere around the vertex AABB.
func (m *Mesh) ComputeBounds() {
	if len(m.Vertices) == 0 {
		m.Bounds = xmath.Sphere{}
		return
	}
	lo, hi := m.Vertices[0].Position, m.Vertices[0].Position
	for _, v := range m.Vertices[1:] {
		for k := range 3 {
			lo[k] = min(lo[k], v.Position[k])
			hi[k] = max(hi[k], v.Position[k])
		}
	}
	c := xmath.Scale(0.5, xmath.Add(lo, hi))
	var r float32
	for _, v := range m.Vertices {
		r = max(r, xmath.Length(xmath.Sub(v.Position, c)))
	}
	m.Bounds = xmath.Sphere{Center: c, Radius: r}
}

// Cube returns a unit cube (half extent 0.5) with per-face normals:
// 24 vertices and 36 indices.
func Cube(key string) *Mesh {
	faces := [6]struct{ n, u, v f32.Vec3 }{
		{f32.Vec3{0, 0, -1}, f32.Vec3{1, 0, 0}, f32.Vec3{0, 1, 0}},
		{f32.Vec3{0, 0, 1}, f32.Vec3{-1, 0, 0}, f32.Vec3{0, 1, 0}},
		{f32.Vec3{-1, 0, 0}, f32.Vec3{0, 0, -1}, f32.Vec3{0, 1, 0}},
		{f32.Vec3{1, 0, 0}, f32.Vec3{0, 0, 1}, f32.Vec3{0, 1, 0}},
		{f32.Vec3{0, 1, 0}, f32.Vec3{1, 0, 0}, f32.Vec3{0, 0, 1}},
		{f32.Vec3{0, -1, 0}, f32.Vec3{1, 0, 0}, f32.Vec3{0, 0, -1}},
	}
	m := &Mesh{Key: key}
	for _, f := range faces {
		base := uint32(len(m.Vertices)) //nolint:gosec // G115: at most 24 vertices
		for _, c := range [4][2]float32{{-1, -1}, {1, -1}, {1, 1}, {-1, 1}} {
			p := xmath.Add(xmath.Scale(0.5, f.n), xmath.Add(xmath.Scale(0.5*c[0], f.u), xmath.Scale(0.5*c[1], f.v)))
			m.Vertices = append(m.Vertices, Vertex{
				Position: p,
				Normal:   f.n,
				UV:       f32.Vec2{(c[0] + 1) / 2, (1 - c[1]) / 2},
			})
		}
		m.Indices = append(m.Indices, base, base+2, base+1, base, base+3, base+2)
	}
	m.ComputeBounds()
	return m
}
