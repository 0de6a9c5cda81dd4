// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package xmath

import (
	"testing"

	"github.com/chewxy/math32"
	"golang.org/x/image/math/f32"
)

const eps = 1e-4

func near(a, b float32) bool { return math32.Abs(a-b) <= eps }

func matNear(a, b f32.Mat4) bool {
	for i := range a {
		if !near(a[i], b[i]) {
			return false
		}
	}
	return true
}

func TestInvert(t *testing.T) {
	tests := []struct {
		name string
		m    f32.Mat4
	}{
		{"identity", Identity()},
		{"translation", Translation(f32.Vec3{1, -2, 3})},
		{"view", LookAtLH(f32.Vec3{0, 0, -5}, f32.Vec3{}, f32.Vec3{0, 1, 0})},
		{"projection", PerspectiveLH(math32.Pi/3, 16.0/9, 0.1, 100)},
		{"ortho", OrthoLH(-10, 10, -5, 5, 0, 50)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, ok := Invert(tt.m)
			if !ok {
				t.Fatal("matrix reported singular")
			}
			if got := Mul(tt.m, inv); !matNear(got, Identity()) {
				t.Errorf("m * inv(m) = %v", got)
			}
		})
	}
	if _, ok := Invert(f32.Mat4{}); ok {
		t.Error("zero matrix should be singular")
	}
}

func TestPerspectiveDepthRange(t *testing.T) {
	view := LookAtLH(f32.Vec3{0, 0, -5}, f32.Vec3{}, f32.Vec3{0, 1, 0})
	proj := PerspectiveLH(math32.Pi/2, 1, 1, 100)
	vp := Mul(proj, view)

	// Points on the camera axis at the near and far planes.
	if z := TransformPoint(vp, f32.Vec3{0, 0, -4})[2]; !near(z, 0) {
		t.Errorf("near plane depth = %v, want 0", z)
	}
	if z := TransformPoint(vp, f32.Vec3{0, 0, 95})[2]; !near(z, 1) {
		t.Errorf("far plane depth = %v, want 1", z)
	}
	if p := TransformPoint(vp, f32.Vec3{}); !near(p[0], 0) || !near(p[1], 0) {
		t.Errorf("origin projects to %v, want screen center", p)
	}
}

func TestFrustumCulling(t *testing.T) {
	view := LookAtLH(f32.Vec3{0, 0, -5}, f32.Vec3{}, f32.Vec3{0, 1, 0})
	proj := PerspectiveLH(math32.Pi/3, 1, 0.1, 100)
	f := FrustumFromMatrix(Mul(proj, view))

	tests := []struct {
		name string
		s    Sphere
		want bool
	}{
		{"origin", Sphere{f32.Vec3{}, 1}, true},
		{"behind", Sphere{f32.Vec3{0, 0, -20}, 1}, false},
		{"far left", Sphere{f32.Vec3{-100, 0, 0}, 1}, false},
		{"straddles near", Sphere{f32.Vec3{0, 0, -5}, 0.5}, true},
		{"beyond far", Sphere{f32.Vec3{0, 0, 200}, 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.IntersectsSphere(tt.s); got != tt.want {
				t.Errorf("IntersectsSphere(%v) = %v, want %v", tt.s, got, tt.want)
			}
		})
	}
}

func TestHalton(t *testing.T) {
	tests := []struct {
		index, base int
		want        float32
	}{
		{1, 2, 0.5},
		{2, 2, 0.25},
		{3, 2, 0.75},
		{1, 3, 1.0 / 3},
		{2, 3, 2.0 / 3},
		{4, 3, 4.0 / 9},
	}
	for _, tt := range tests {
		if got := Halton(tt.index, tt.base); !near(got, tt.want) {
			t.Errorf("Halton(%d, %d) = %v, want %v", tt.index, tt.base, got, tt.want)
		}
	}
}

func TestTransformSphere(t *testing.T) {
	m := Mul(Translation(f32.Vec3{1, 2, 3}), Scaling(f32.Vec3{2, 4, 1}))
	s := TransformSphere(m, Sphere{f32.Vec3{}, 1})
	if s.Center != (f32.Vec3{1, 2, 3}) || !near(s.Radius, 4) {
		t.Errorf("TransformSphere = %+v", s)
	}
}

func TestRotationAndTRS(t *testing.T) {
	h := math32.Sqrt(0.5)
	tests := []struct {
		name string
		m    f32.Mat4
		in   f32.Vec3
		want f32.Vec3
	}{
		{"identity quat", Rotation(f32.Vec4{0, 0, 0, 1}), f32.Vec3{1, 2, 3}, f32.Vec3{1, 2, 3}},
		{"quarter turn about y", Rotation(f32.Vec4{0, h, 0, h}), f32.Vec3{1, 0, 0}, f32.Vec3{0, 0, -1}},
		{"half turn about z", Rotation(f32.Vec4{0, 0, 1, 0}), f32.Vec3{1, 1, 0}, f32.Vec3{-1, -1, 0}},
		{"trs", TRS(f32.Vec3{1, 2, 3}, f32.Vec4{0, 0, 0, 1}, f32.Vec3{2, 2, 2}), f32.Vec3{1, 1, 1}, f32.Vec3{3, 4, 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TransformPoint(tt.m, tt.in)
			for i := range got {
				if !near(got[i], tt.want[i]) {
					t.Fatalf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}
