// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package xmath provides the float32 vector and matrix operations used by
// the renderer: left-handed view and projection matrices with zero-to-one
// depth, frustum planes, and low-discrepancy sequences.
//
// Matrices are f32.Mat4 values indexed m[row*4+col] and transform column
// vectors (p' = M p). Mul(a, b) applies b first.
package xmath

import (
	"github.com/chewxy/math32"
	"golang.org/x/image/math/f32"
)

// Identity returns the identity matrix.
func Identity() f32.Mat4 {
	return f32.Mat4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Mul returns a * b.
func Mul(a, b f32.Mat4) f32.Mat4 {
	var m f32.Mat4
	for r := range 4 {
		for c := range 4 {
			var s float32
			for k := range 4 {
				s += a[r*4+k] * b[k*4+c]
			}
			m[r*4+c] = s
		}
	}
	return m
}

// Transpose returns the transpose of m.
func Transpose(m f32.Mat4) f32.Mat4 {
	var t f32.Mat4
	for r := range 4 {
		for c := range 4 {
			t[c*4+r] = m[r*4+c]
		}
	}
	return t
}

// Invert returns the inverse of n. It reports false for singular matrices.
func Invert(n f32.Mat4) (f32.Mat4, bool) {
	at := func(r, c int) float32 { return n[r*4+c] }
	s0 := at(0, 0)*at(1, 1) - at(1, 0)*at(0, 1)
	s1 := at(0, 0)*at(1, 2) - at(1, 0)*at(0, 2)
	s2 := at(0, 0)*at(1, 3) - at(1, 0)*at(0, 3)
	s3 := at(0, 1)*at(1, 2) - at(1, 1)*at(0, 2)
	s4 := at(0, 1)*at(1, 3) - at(1, 1)*at(0, 3)
	s5 := at(0, 2)*at(1, 3) - at(1, 2)*at(0, 3)
	c5 := at(2, 2)*at(3, 3) - at(3, 2)*at(2, 3)
	c4 := at(2, 1)*at(3, 3) - at(3, 1)*at(2, 3)
	c3 := at(2, 1)*at(3, 2) - at(3, 1)*at(2, 2)
	c2 := at(2, 0)*at(3, 3) - at(3, 0)*at(2, 3)
	c1 := at(2, 0)*at(3, 2) - at(3, 0)*at(2, 2)
	c0 := at(2, 0)*at(3, 1) - at(3, 0)*at(2, 1)

	det := s0*c5 - s1*c4 + s2*c3 + s3*c2 - s4*c1 + s5*c0
	if math32.Abs(det) < 1e-12 {
		return f32.Mat4{}, false
	}
	idet := 1 / det

	var m f32.Mat4
	m[0] = (at(1, 1)*c5 - at(1, 2)*c4 + at(1, 3)*c3) * idet
	m[1] = (-at(0, 1)*c5 + at(0, 2)*c4 - at(0, 3)*c3) * idet
	m[2] = (at(3, 1)*s5 - at(3, 2)*s4 + at(3, 3)*s3) * idet
	m[3] = (-at(2, 1)*s5 + at(2, 2)*s4 - at(2, 3)*s3) * idet
	m[4] = (-at(1, 0)*c5 + at(1, 2)*c2 - at(1, 3)*c1) * idet
	m[5] = (at(0, 0)*c5 - at(0, 2)*c2 + at(0, 3)*c1) * idet
	m[6] = (-at(3, 0)*s5 + at(3, 2)*s2 - at(3, 3)*s1) * idet
	m[7] = (at(2, 0)*s5 - at(2, 2)*s2 + at(2, 3)*s1) * idet
	m[8] = (at(1, 0)*c4 - at(1, 1)*c2 + at(1, 3)*c0) * idet
	m[9] = (-at(0, 0)*c4 + at(0, 1)*c2 - at(0, 3)*c0) * idet
	m[10] = (at(3, 0)*s4 - at(3, 1)*s2 + at(3, 3)*s0) * idet
	m[11] = (-at(2, 0)*s4 + at(2, 1)*s2 - at(2, 3)*s0) * idet
	m[12] = (-at(1, 0)*c3 + at(1, 1)*c1 - at(1, 2)*c0) * idet
	m[13] = (at(0, 0)*c3 - at(0, 1)*c1 + at(0, 2)*c0) * idet
	m[14] = (-at(3, 0)*s3 + at(3, 1)*s1 - at(3, 2)*s0) * idet
	m[15] = (at(2, 0)*s3 - at(2, 1)*s1 + at(2, 2)*s0) * idet
	return m, true
}

// Translation returns a translation matrix.
func Translation(v f32.Vec3) f32.Mat4 {
	m := Identity()
	m[3], m[7], m[11] = v[0], v[1], v[2]
	return m
}

// Scaling returns a scale matrix.
func Scaling(v f32.Vec3) f32.Mat4 {
	m := Identity()
	m[0], m[5], m[10] = v[0], v[1], v[2]
	return m
}

// Rotation returns the rotation of the unit quaternion q (x, y, z, w).
func Rotation(q f32.Vec4) f32.Mat4 {
	x, y, z, w := q[0], q[1], q[2], q[3]
	return f32.Mat4{
		1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w), 0,
		2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w), 0,
		2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y), 0,
		0, 0, 0, 1,
	}
}

// TRS composes translation, rotation and scale, applied scale first.
func TRS(t f32.Vec3, r f32.Vec4, s f32.Vec3) f32.Mat4 {
	return Mul(Mul(Translation(t), Rotation(r)), Scaling(s))
}

// LookAtLH returns a left-handed view matrix looking from eye towards
// target. Degenerate up vectors are replaced by the world Z axis.
func LookAtLH(eye, target, up f32.Vec3) f32.Mat4 {
	z := Normalize(Sub(target, eye))
	if Length(Cross(up, z)) < 1e-6 {
		up = f32.Vec3{0, 0, 1}
		if math32.Abs(z[2]) > 0.99 {
			up = f32.Vec3{1, 0, 0}
		}
	}
	x := Normalize(Cross(up, z))
	y := Cross(z, x)
	return f32.Mat4{
		x[0], x[1], x[2], -Dot(x, eye),
		y[0], y[1], y[2], -Dot(y, eye),
		z[0], z[1], z[2], -Dot(z, eye),
		0, 0, 0, 1,
	}
}

// PerspectiveLH returns a left-handed perspective projection mapping view
// depth [near, far] to [0, 1].
func PerspectiveLH(fovY, aspect, near, far float32) f32.Mat4 {
	h := 1 / math32.Tan(fovY/2)
	w := h / aspect
	q := far / (far - near)
	return f32.Mat4{
		w, 0, 0, 0,
		0, h, 0, 0,
		0, 0, q, -q * near,
		0, 0, 1, 0,
	}
}

// OrthoLH returns a left-handed off-center orthographic projection mapping
// depth [near, far] to [0, 1].
func OrthoLH(left, right, bottom, top, near, far float32) f32.Mat4 {
	return f32.Mat4{
		2 / (right - left), 0, 0, -(right + left) / (right - left),
		0, 2 / (top - bottom), 0, -(top + bottom) / (top - bottom),
		0, 0, 1 / (far - near), -near / (far - near),
		0, 0, 0, 1,
	}
}

// MulVec4 returns m * v.
func MulVec4(m f32.Mat4, v f32.Vec4) f32.Vec4 {
	var out f32.Vec4
	for r := range 4 {
		out[r] = m[r*4]*v[0] + m[r*4+1]*v[1] + m[r*4+2]*v[2] + m[r*4+3]*v[3]
	}
	return out
}

// TransformPoint applies m to p with perspective divide.
func TransformPoint(m f32.Mat4, p f32.Vec3) f32.Vec3 {
	v := MulVec4(m, f32.Vec4{p[0], p[1], p[2], 1})
	if v[3] != 0 && v[3] != 1 {
		return f32.Vec3{v[0] / v[3], v[1] / v[3], v[2] / v[3]}
	}
	return f32.Vec3{v[0], v[1], v[2]}
}

// Add returns a + b.
func Add(a, b f32.Vec3) f32.Vec3 { return f32.Vec3{a[0] + b[0], a[1] + b[1], a[2] + b[2]} }

// Sub returns a - b.
func Sub(a, b f32.Vec3) f32.Vec3 { return f32.Vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }

// Scale returns s * v.
func Scale(s float32, v f32.Vec3) f32.Vec3 { return f32.Vec3{s * v[0], s * v[1], s * v[2]} }

// Dot returns the dot product.
func Dot(a, b f32.Vec3) float32 { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }

// Cross returns the cross product.
func Cross(a, b f32.Vec3) f32.Vec3 {
	return f32.Vec3{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

// Length returns |v|.
func Length(v f32.Vec3) float32 { return math32.Sqrt(Dot(v, v)) }

// Normalize returns v scaled to unit length. The zero vector is returned
// unchanged.
func Normalize(v f32.Vec3) f32.Vec3 {
	l := Length(v)
	if l == 0 {
		return v
	}
	return Scale(1/l, v)
}

// Lerp interpolates between a and b.
func Lerp(a, b, t float32) float32 { return a + (b-a)*t }

// Halton returns the index-th element (1-based) of the Halton sequence in
// the given base, in [0, 1).
func Halton(index, base int) float32 {
	f := float32(1)
	var r float32
	for i := index; i > 0; i /= base {
		f /= float32(base)
		r += f * float32(i%base)
	}
	return r
}
