// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package parallel

import (
	"slices"

	"github.com/gogpu/cortex/internal/scene"
	"github.com/gogpu/cortex/internal/xmath"
)

// MinChunk is the smallest number of instances handed to one worker.
// Smaller scenes are culled on the caller's goroutine.
const MinChunk = 256

// Cull returns the indices of instances whose world bounds intersect f,
// in ascending order. Instances without a mesh are never visible. p may be
// nil.
func Cull(p *Pool, instances []scene.Renderable, f *xmath.Frustum) []int {
	n := len(instances)
	visible := make([][]int, p.Chunks(n, MinChunk))
	p.ForRanges(n, MinChunk, func(c, lo, hi int) {
		visible[c] = cullRange(instances, f, lo, hi, make([]int, 0, hi-lo))
	})
	return slices.Concat(visible...)
}

func cullRange(instances []scene.Renderable, f *xmath.Frustum, lo, hi int, dst []int) []int {
	for i := lo; i < hi; i++ {
		r := &instances[i]
		if r.Mesh == nil {
			continue
		}
		if f.IntersectsSphere(r.WorldBounds()) {
			dst = append(dst, i)
		}
	}
	return dst
}
