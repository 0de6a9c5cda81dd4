// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package xmath

import (
	"github.com/chewxy/math32"
	"golang.org/x/image/math/f32"
)

// Sphere is a bounding sphere.
type Sphere struct {
	Center f32.Vec3
	Radius float32
}

// TransformSphere returns s transformed by m, scaling the radius by the
// largest axis scale.
func TransformSphere(m f32.Mat4, s Sphere) Sphere {
	sx := Length(f32.Vec3{m[0], m[4], m[8]})
	sy := Length(f32.Vec3{m[1], m[5], m[9]})
	sz := Length(f32.Vec3{m[2], m[6], m[10]})
	return Sphere{Center: TransformPoint(m, s.Center), Radius: s.Radius * max(sx, sy, sz)}
}

// Frustum holds six normalized planes (a, b, c, d) with inward normals, in
// the order left, right, bottom, top, near, far.
type Frustum [6]f32.Vec4

// FrustumFromMatrix extracts the planes of a zero-to-one depth
// view-projection matrix.
func FrustumFromMatrix(m f32.Mat4) Frustum {
	row := func(r int) f32.Vec4 { return f32.Vec4{m[r*4], m[r*4+1], m[r*4+2], m[r*4+3]} }
	r0, r1, r2, r3 := row(0), row(1), row(2), row(3)
	add := func(a, b f32.Vec4) f32.Vec4 { return f32.Vec4{a[0] + b[0], a[1] + b[1], a[2] + b[2], a[3] + b[3]} }
	sub := func(a, b f32.Vec4) f32.Vec4 { return f32.Vec4{a[0] - b[0], a[1] - b[1], a[2] - b[2], a[3] - b[3]} }

	f := Frustum{
		add(r3, r0),
		sub(r3, r0),
		add(r3, r1),
		sub(r3, r1),
		r2,
		sub(r3, r2),
	}
	for i, p := range f {
		l := math32.Sqrt(p[0]*p[0] + p[1]*p[1] + p[2]*p[2])
		if l > 0 {
			f[i] = f32.Vec4{p[0] / l, p[1] / l, p[2] / l, p[3] / l}
		}
	}
	return f
}

// IntersectsSphere reports whether s is at least partially inside f.
func (f *Frustum) IntersectsSphere(s Sphere) bool {
	for _, p := range f {
		if p[0]*s.Center[0]+p[1]*s.Center[1]+p[2]*s.Center[2]+p[3] < -s.Radius {
			return false
		}
	}
	return true
}

// FrustumCorners returns the eight world-space corners of the view volume
// between the NDC depths zNear and zFar given the inverse view-projection.
func FrustumCorners(invViewProj f32.Mat4, zNear, zFar float32) [8]f32.Vec3 {
	var out [8]f32.Vec3
	i := 0
	for _, z := range [2]float32{zNear, zFar} {
		for _, y := range [2]float32{-1, 1} {
			for _, x := range [2]float32{-1, 1} {
				out[i] = TransformPoint(invViewProj, f32.Vec3{x, y, z})
				i++
			}
		}
	}
	return out
}
