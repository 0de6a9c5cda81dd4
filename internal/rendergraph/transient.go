// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package rendergraph

import (
	"fmt"

	"github.com/gogpu/cortex/internal/rhi"
)

// transientIdleFrames is how many frames a pooled transient may sit unused
// before it is destroyed. It exceeds the frames in flight so the GPU is
// done with it.
const transientIdleFrames = 2 * rhi.FramesInFlight

type poolEntry struct {
	res      rhi.Resource
	state    []rhi.ResourceState
	inUse    bool
	lastUsed uint64
}

func (g *Graph) createTransient(desc rhi.ResourceDesc) ResourceID {
	if g.dev == nil {
		g.setErr(fmt.Errorf("%w: transient %q without a device", ErrInvalidResource, desc.Label))
		return InvalidResource
	}
	key := desc.Key()
	var e *poolEntry
	for _, c := range g.pool[key] {
		if !c.inUse {
			e = c
			break
		}
	}
	if e == nil {
		res, err := g.dev.CreateResource(desc)
		if err != nil {
			slogger().Error("transient resource creation failed", "name", desc.Label, "err", err)
			return InvalidResource
		}
		n := desc.SubresourceCount()
		e = &poolEntry{res: res, state: uniformStates(n, rhi.StateCommon)}
		g.pool[key] = append(g.pool[key], e)
	}
	e.inUse = true
	e.lastUsed = g.frame
	n := desc.SubresourceCount()
	initial := uniformStates(n, rhi.StateCommon)
	copy(initial, e.state)
	return g.add(&resource{name: desc.Label, res: e.res, entry: e, n: n, initial: initial})
}

func (g *Graph) releaseTransients() {
	for _, r := range g.resources {
		if r.entry == nil {
			continue
		}
		if len(r.live) > 0 {
			r.entry.state = append(r.entry.state[:0], r.live...)
		}
		r.entry.inUse = false
	}
}

func (g *Graph) trimPool() {
	for key, entries := range g.pool {
		kept := entries[:0]
		for _, e := range entries {
			if !e.inUse && g.frame-e.lastUsed > transientIdleFrames {
				g.dev.DestroyResource(e.res)
				continue
			}
			kept = append(kept, e)
		}
		clear(entries[len(kept):])
		if len(kept) == 0 {
			delete(g.pool, key)
		} else {
			g.pool[key] = kept
		}
	}
}

// PooledTransients returns the number of transient allocations the graph
// holds, in use or idle.
func (g *Graph) PooledTransients() int {
	n := 0
	for _, entries := range g.pool {
		n += len(entries)
	}
	return n
}

// Destroy releases every pooled transient. The caller must have waited for
// the GPU to finish with them.
func (g *Graph) Destroy() {
	for key, entries := range g.pool {
		for _, e := range entries {
			g.dev.DestroyResource(e.res)
		}
		delete(g.pool, key)
	}
	clear(g.resources)
	g.resources = g.resources[:0]
	clear(g.passes)
	g.passes = g.passes[:0]
	g.compiled = false
}
