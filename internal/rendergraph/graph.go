// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package rendergraph tracks GPU resource states and synthesizes the
// barriers between passes.
//
// Tracker is the imperative form: a pass asks for a resource in a state and
// the tracker records a transition when the state differs. Graph is the
// declarative form: passes declare per-resource usages up front, Compile
// derives every barrier and culls passes whose output nobody observes, and
// Execute records the result. Both produce the same states, so passes can
// move from one form to the other individually.
package rendergraph

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gogpu/cortex/internal/logging"
	"github.com/gogpu/cortex/internal/rhi"
)

// Graph errors.
var (
	// ErrConflict is returned by Compile when a pass declares incompatible
	// usages of one resource or subresource. Callers fall back to Tracker.
	ErrConflict = errors.New("rendergraph: conflicting resource usage")

	// ErrInvalidResource is returned by Compile when a pass referenced a
	// resource id or subresource that does not exist.
	ErrInvalidResource = errors.New("rendergraph: invalid resource")

	// ErrNoCommandList is returned by Execute without a command list.
	ErrNoCommandList = errors.New("rendergraph: nil command list")
)

// ResourceID names a resource within one frame of a graph.
type ResourceID uint32

// InvalidResource is returned for failed imports and transient creations.
// Builder calls ignore it, so an optional input can be passed unchecked.
const InvalidResource = ^ResourceID(0)

// Valid reports whether id is not InvalidResource.
func (id ResourceID) Valid() bool { return id != InvalidResource }

// PassType selects the queue class a pass is meant for.
type PassType uint8

// Pass types.
const (
	PassGraphics PassType = iota
	PassCompute
	PassCopy
)

// String returns the pass type name.
func (t PassType) String() string {
	switch t {
	case PassGraphics:
		return "graphics"
	case PassCompute:
		return "compute"
	case PassCopy:
		return "copy"
	default:
		return "unknown"
	}
}

// PassHandle identifies a pass added this frame.
type PassHandle int

// ExecuteFunc records a pass. Resources are looked up through g.
type ExecuteFunc func(cmd rhi.CommandList, g *Graph) error

type resource struct {
	name     string
	res      rhi.Resource
	imported bool
	entry    *poolEntry
	n        uint32

	initial []rhi.ResourceState
	final   []rhi.ResourceState // after Compile
	live    []rhi.ResourceState // as recorded by Execute
}

type access struct {
	id    ResourceID
	usage Usage
	sub   uint32
	write bool
}

type pass struct {
	name       string
	typ        PassType
	accesses   []access
	aliases    [][2]ResourceID
	sideEffect bool
	exec       ExecuteFunc

	barriers []rhi.Barrier
	culled   bool
}

// Graph is a per-frame declarative render graph. A Graph is reused across
// frames: BeginFrame clears the passes and resources of the previous frame
// but keeps transient allocations pooled.
type Graph struct {
	dev rhi.Device

	resources []*resource
	passes    []*pass

	compiled bool
	err      error

	barrierCount int
	culledCount  int

	frame uint64
	pool  map[string][]*poolEntry
}

// New creates a graph. dev is used for transient resources only and may be
// nil when the graph imports everything it touches.
func New(dev rhi.Device) *Graph {
	return &Graph{dev: dev, pool: make(map[string][]*poolEntry)}
}

func slogger() *slog.Logger { return logging.Component("rendergraph") }

// BeginFrame drops the previous frame's passes and resources, returns its
// transients to the pool and ages idle pool entries by one frame. Call it
// once per frame.
func (g *Graph) BeginFrame() {
	g.Reset()
	g.frame++
	g.trimPool()
}

// Reset drops the declared passes and resources so another group of
// passes can be declared within the same frame. Pooled transients return
// to the pool without aging.
func (g *Graph) Reset() {
	g.releaseTransients()
	clear(g.resources)
	g.resources = g.resources[:0]
	clear(g.passes)
	g.passes = g.passes[:0]
	g.compiled = false
	g.err = nil
	g.barrierCount = 0
	g.culledCount = 0
}

// Frame returns the number of BeginFrame calls.
func (g *Graph) Frame() uint64 { return g.frame }

func (g *Graph) setErr(err error) {
	if g.err == nil {
		g.err = err
	}
}

func uniformStates(n uint32, s rhi.ResourceState) []rhi.ResourceState {
	out := make([]rhi.ResourceState, n)
	for i := range out {
		out[i] = s
	}
	return out
}

func (g *Graph) add(r *resource) ResourceID {
	id := ResourceID(len(g.resources)) //nolint:gosec // G115: resource count is small
	g.resources = append(g.resources, r)
	g.compiled = false
	return id
}

// ImportResource adopts an externally tracked resource at its current
// state. A nil resource yields InvalidResource.
func (g *Graph) ImportResource(res rhi.Resource, state rhi.ResourceState, name string) ResourceID {
	if res == nil {
		return InvalidResource
	}
	n := res.Desc().SubresourceCount()
	if name == "" {
		name = res.Desc().Label
	}
	return g.add(&resource{name: name, res: res, imported: true, n: n, initial: uniformStates(n, state)})
}

// ImportTracked imports res at the state t records for it, per
// subresource when t tracks it that way.
func (g *Graph) ImportTracked(t *Tracker, res rhi.Resource, name string) ResourceID {
	if res == nil {
		return InvalidResource
	}
	states := t.SubresourceStates(res)
	n := res.Desc().SubresourceCount()
	if uint32(len(states)) != n { //nolint:gosec // G115: subresource count fits in uint32
		s, _ := t.State(res)
		return g.ImportResource(res, s, name)
	}
	id := g.ImportResource(res, states[0], name)
	copy(g.resources[id].initial, states)
	return id
}

// Resource returns the GPU resource behind id, or nil.
func (g *Graph) Resource(id ResourceID) rhi.Resource {
	if int(id) >= len(g.resources) {
		return nil
	}
	return g.resources[id].res
}

// Name returns the debug name of id.
func (g *Graph) Name(id ResourceID) string {
	if int(id) >= len(g.resources) {
		return ""
	}
	return g.resources[id].name
}

func (g *Graph) addPass(name string, typ PassType, setup func(*Builder), exec ExecuteFunc) PassHandle {
	h := PassHandle(len(g.passes))
	g.passes = append(g.passes, &pass{name: name, typ: typ, exec: exec})
	g.compiled = false
	if setup != nil {
		setup(&Builder{g: g, pass: int(h)})
	}
	return h
}

// AddPass adds a graphics pass. setup declares the pass's resource
// usages; exec records it.
func (g *Graph) AddPass(name string, setup func(*Builder), exec ExecuteFunc) PassHandle {
	return g.addPass(name, PassGraphics, setup, exec)
}

// AddComputePass adds a compute pass.
func (g *Graph) AddComputePass(name string, setup func(*Builder), exec ExecuteFunc) PassHandle {
	return g.addPass(name, PassCompute, setup, exec)
}

// AddCopyPass adds a copy pass.
func (g *Graph) AddCopyPass(name string, setup func(*Builder), exec ExecuteFunc) PassHandle {
	return g.addPass(name, PassCopy, setup, exec)
}

// Builder declares the resource usages of one pass. It is valid only
// inside the setup function it was passed to.
type Builder struct {
	g    *Graph
	pass int
}

func (b *Builder) declare(id ResourceID, sub uint32, u Usage, write bool) *Builder {
	if !id.Valid() {
		return b
	}
	p := b.g.passes[b.pass]
	if int(id) >= len(b.g.resources) {
		b.g.setErr(fmt.Errorf("%w: pass %q references id %d", ErrInvalidResource, p.name, id))
		return b
	}
	r := b.g.resources[id]
	if sub != rhi.AllSubresources && sub >= r.n {
		b.g.setErr(fmt.Errorf("%w: pass %q references %s subresource %d of %d",
			ErrInvalidResource, p.name, r.name, sub, r.n))
		return b
	}
	p.accesses = append(p.accesses, access{id: id, usage: u, sub: sub, write: write})
	return b
}

// Read declares a read of the whole resource.
func (b *Builder) Read(id ResourceID, u Usage) *Builder {
	return b.declare(id, rhi.AllSubresources, u, false)
}

// ReadSubresource declares a read of one subresource.
func (b *Builder) ReadSubresource(id ResourceID, sub uint32, u Usage) *Builder {
	return b.declare(id, sub, u, false)
}

// Write declares a write of the whole resource.
func (b *Builder) Write(id ResourceID, u Usage) *Builder {
	return b.declare(id, rhi.AllSubresources, u, true)
}

// WriteSubresource declares a write of one subresource.
func (b *Builder) WriteSubresource(id ResourceID, sub uint32, u Usage) *Builder {
	return b.declare(id, sub, u, true)
}

// ReadWrite declares unordered-access read and write of the resource.
func (b *Builder) ReadWrite(id ResourceID) *Builder {
	b.declare(id, rhi.AllSubresources, UsageUnorderedAccess, false)
	return b.declare(id, rhi.AllSubresources, UsageUnorderedAccess, true)
}

// SideEffect keeps the pass alive even if nothing reads its output.
func (b *Builder) SideEffect() *Builder {
	b.g.passes[b.pass].sideEffect = true
	return b
}

// Alias records an aliasing barrier from before to after ahead of the
// pass, for placed resources sharing memory.
func (b *Builder) Alias(before, after ResourceID) *Builder {
	if !before.Valid() || !after.Valid() {
		return b
	}
	if int(before) >= len(b.g.resources) || int(after) >= len(b.g.resources) {
		b.g.setErr(fmt.Errorf("%w: alias %d -> %d", ErrInvalidResource, before, after))
		return b
	}
	p := b.g.passes[b.pass]
	p.aliases = append(p.aliases, [2]ResourceID{before, after})
	return b
}

// CreateTransient allocates a graph-owned resource for this frame from the
// transient pool.
func (b *Builder) CreateTransient(desc rhi.ResourceDesc) ResourceID {
	return b.g.createTransient(desc)
}

// Compile culls unobserved passes and computes every pass's barriers. It
// is deterministic: the same passes and initial states always yield the
// same barrier lists.
func (g *Graph) Compile() error {
	if g.err != nil {
		return g.err
	}
	if g.compiled {
		return nil
	}
	g.cull()

	cur := make([][]rhi.ResourceState, len(g.resources))
	for i, r := range g.resources {
		cur[i] = append([]rhi.ResourceState(nil), r.initial...)
	}
	uavPrev := make([]bool, len(g.resources))

	total := 0
	for _, p := range g.passes {
		p.barriers = nil
		if p.culled {
			continue
		}
		for _, a := range p.aliases {
			p.barriers = append(p.barriers, rhi.Barrier{
				Type:        rhi.BarrierAliasing,
				Resource:    g.resources[a[1]].res,
				AliasBefore: g.resources[a[0]].res,
				Subresource: rhi.AllSubresources,
			})
		}
		reqs, err := g.requirements(p)
		if err != nil {
			return err
		}
		for _, q := range reqs {
			p.barriers = g.emit(p.barriers, q, cur[q.id], &uavPrev[q.id])
		}
		total += len(p.barriers)
	}

	for i, r := range g.resources {
		r.final = cur[i]
		r.live = append(r.live[:0], r.initial...)
	}
	g.barrierCount = total
	g.compiled = true
	slogger().Debug("render graph compiled",
		"passes", len(g.passes), "culled", g.culledCount, "barriers", total)
	return nil
}

// requirement is the merged state one pass needs for one resource.
type requirement struct {
	id     ResourceID
	states []rhi.ResourceState
	set    []bool
}

func (g *Graph) requirements(p *pass) ([]*requirement, error) {
	var reqs []*requirement
	byID := make(map[ResourceID]*requirement)
	for _, a := range p.accesses {
		r := g.resources[a.id]
		q, ok := byID[a.id]
		if !ok {
			q = &requirement{id: a.id, states: make([]rhi.ResourceState, r.n), set: make([]bool, r.n)}
			byID[a.id] = q
			reqs = append(reqs, q)
		}
		st := StateFor(a.usage)
		lo, hi := uint32(0), r.n
		if a.sub != rhi.AllSubresources {
			lo, hi = a.sub, a.sub+1
		}
		for i := lo; i < hi; i++ {
			switch {
			case !q.set[i]:
				q.states[i] = st
				q.set[i] = true
			case q.states[i] == st:
			case q.states[i].IsReadOnly() && st.IsReadOnly():
				q.states[i] |= st
			default:
				return nil, fmt.Errorf("%w: pass %q needs %s as %s and %s",
					ErrConflict, p.name, r.name, q.states[i], st)
			}
		}
	}
	return reqs, nil
}

// emit appends the barriers moving one resource from cur to q and updates
// cur in place.
func (g *Graph) emit(dst []rhi.Barrier, q *requirement, cur []rhi.ResourceState, uavPrev *bool) []rhi.Barrier {
	res := g.resources[q.id].res
	whole := true
	for i := range q.set {
		if !q.set[i] || q.states[i] != q.states[0] || cur[i] != cur[0] {
			whole = false
			break
		}
	}

	uav := false
	if whole {
		switch {
		case cur[0] != q.states[0]:
			dst = append(dst, rhi.Transition(res, cur[0], q.states[0]))
		case q.states[0] == rhi.StateUnorderedAccess && *uavPrev:
			dst = append(dst, rhi.UAVBarrier(res))
		}
		for i := range cur {
			cur[i] = q.states[0]
		}
		uav = q.states[0] == rhi.StateUnorderedAccess
	} else {
		needUAV := false
		for i := range q.set {
			if !q.set[i] {
				continue
			}
			if cur[i] != q.states[i] {
				dst = append(dst, rhi.Barrier{
					Type: rhi.BarrierTransition, Resource: res, Subresource: uint32(i), //nolint:gosec // G115: bounded by subresource count
					Before: cur[i], After: q.states[i],
				})
			} else if q.states[i] == rhi.StateUnorderedAccess && *uavPrev {
				needUAV = true
			}
			cur[i] = q.states[i]
			uav = uav || q.states[i] == rhi.StateUnorderedAccess
		}
		if needUAV {
			dst = append(dst, rhi.UAVBarrier(res))
		}
	}
	*uavPrev = uav
	return dst
}

// cull marks passes whose writes reach neither an imported resource nor a
// live pass. Imported resources are observable after the frame.
func (g *Graph) cull() {
	needed := make([]bool, len(g.resources))
	g.culledCount = 0
	for i := len(g.passes) - 1; i >= 0; i-- {
		p := g.passes[i]
		live := p.sideEffect
		for _, a := range p.accesses {
			if a.write && (g.resources[a.id].imported || needed[a.id]) {
				live = true
			}
		}
		p.culled = !live
		if !live {
			g.culledCount++
			continue
		}
		for _, a := range p.accesses {
			if a.write {
				needed[a.id] = false
			}
		}
		for _, a := range p.accesses {
			if !a.write {
				needed[a.id] = true
			}
		}
	}
}

// Execute records every live pass: its barriers, then its callback. It
// compiles first if needed. The first callback error stops execution.
func (g *Graph) Execute(cmd rhi.CommandList) error {
	if err := g.Compile(); err != nil {
		return err
	}
	if cmd == nil {
		return ErrNoCommandList
	}
	for _, p := range g.passes {
		if p.culled {
			continue
		}
		if len(p.barriers) > 0 {
			cmd.ResourceBarrier(p.barriers...)
			g.apply(p.barriers)
		}
		if p.exec == nil {
			continue
		}
		if err := p.exec(cmd, g); err != nil {
			return fmt.Errorf("rendergraph: pass %q: %w", p.name, err)
		}
	}
	return nil
}

func (g *Graph) apply(barriers []rhi.Barrier) {
	for _, b := range barriers {
		if b.Type != rhi.BarrierTransition {
			continue
		}
		for _, r := range g.resources {
			if r.res != b.Resource {
				continue
			}
			if b.Subresource == rhi.AllSubresources {
				for i := range r.live {
					r.live[i] = b.After
				}
			} else if b.Subresource < r.n {
				r.live[b.Subresource] = b.After
			}
		}
	}
}

// EndFrame returns the state every imported resource was left in by
// Execute, keyed by id, and stores transient states for reuse. A resource
// whose subresources diverge reports subresource 0; SubresourceStates has
// the full list.
func (g *Graph) EndFrame() map[ResourceID]rhi.ResourceState {
	out := make(map[ResourceID]rhi.ResourceState)
	for i, r := range g.resources {
		states := r.live
		if len(states) == 0 {
			states = r.initial
		}
		if r.entry != nil {
			r.entry.state = append(r.entry.state[:0], states...)
		}
		if r.imported {
			out[ResourceID(i)] = states[0] //nolint:gosec // G115: resource count is small
		}
	}
	return out
}

// FinalState returns the state id ends the frame in according to the
// compiled graph, and whether all its subresources agree.
func (g *Graph) FinalState(id ResourceID) (rhi.ResourceState, bool) {
	if int(id) >= len(g.resources) {
		return rhi.StateCommon, false
	}
	r := g.resources[id]
	states := r.final
	if !g.compiled {
		states = r.initial
	}
	s := states[0]
	for _, o := range states[1:] {
		if o != s {
			return s, false
		}
	}
	return s, true
}

// SubresourceStates returns the per-subresource state of id as recorded
// so far this frame.
func (g *Graph) SubresourceStates(id ResourceID) []rhi.ResourceState {
	if int(id) >= len(g.resources) {
		return nil
	}
	r := g.resources[id]
	if !g.compiled {
		return append([]rhi.ResourceState(nil), r.initial...)
	}
	return append([]rhi.ResourceState(nil), r.live...)
}

// Barriers returns the compiled barriers of pass h.
func (g *Graph) Barriers(h PassHandle) []rhi.Barrier {
	if int(h) >= len(g.passes) || h < 0 {
		return nil
	}
	return append([]rhi.Barrier(nil), g.passes[h].barriers...)
}

// Culled reports whether pass h was culled by the last Compile.
func (g *Graph) Culled(h PassHandle) bool {
	return int(h) < len(g.passes) && h >= 0 && g.passes[h].culled
}

// Type returns the type of pass h.
func (g *Graph) Type(h PassHandle) PassType {
	if int(h) >= len(g.passes) || h < 0 {
		return PassGraphics
	}
	return g.passes[h].typ
}

// PassCount returns the number of passes added this frame.
func (g *Graph) PassCount() int { return len(g.passes) }

// BarrierCount returns the number of barriers of the last Compile.
func (g *Graph) BarrierCount() int { return g.barrierCount }

// CulledPasses returns the names of culled passes in submission order.
func (g *Graph) CulledPasses() []string {
	var out []string
	for _, p := range g.passes {
		if p.culled {
			out = append(out, p.name)
		}
	}
	return out
}
