// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package rendergraph

import (
	"sort"
	"strings"

	"github.com/gogpu/cortex/internal/rhi"
)

type tracked struct {
	// subs holds one state per subresource. Buffers and textures that were
	// never transitioned per subresource keep a single entry.
	subs []rhi.ResourceState
}

func (t *tracked) uniform() (rhi.ResourceState, bool) {
	s := t.subs[0]
	for _, o := range t.subs[1:] {
		if o != s {
			return s, false
		}
	}
	return s, true
}

// expand switches t to per-subresource tracking for a resource with n
// subresources.
func (t *tracked) expand(n uint32) {
	if uint32(len(t.subs)) == n {
		return
	}
	s := t.subs[0]
	t.subs = make([]rhi.ResourceState, n)
	for i := range t.subs {
		t.subs[i] = s
	}
}

// Tracker records the last known state of every resource the renderer
// touches and emits the barriers that move a resource to a new state.
// It is the imperative half of the state machine; Graph is the declarative
// half and both agree on the resulting states.
//
// A Tracker is used from the render thread only.
type Tracker struct {
	states   map[rhi.Resource]*tracked
	barriers int
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{states: make(map[rhi.Resource]*tracked)}
}

// Track sets the state of r for every subresource.
func (t *Tracker) Track(r rhi.Resource, state rhi.ResourceState) {
	if r == nil {
		return
	}
	t.states[r] = &tracked{subs: []rhi.ResourceState{state}}
}

// TrackSubresources sets one state per subresource of r.
func (t *Tracker) TrackSubresources(r rhi.Resource, states []rhi.ResourceState) {
	if r == nil || len(states) == 0 {
		return
	}
	t.states[r] = &tracked{subs: append([]rhi.ResourceState(nil), states...)}
}

// Untrack forgets r.
func (t *Tracker) Untrack(r rhi.Resource) { delete(t.states, r) }

// IsTracked reports whether r has a recorded state.
func (t *Tracker) IsTracked(r rhi.Resource) bool {
	_, ok := t.states[r]
	return ok
}

// State returns the tracked state of r. For a resource whose subresources
// diverge it returns the state of subresource 0 and false.
func (t *Tracker) State(r rhi.Resource) (rhi.ResourceState, bool) {
	ts, ok := t.states[r]
	if !ok {
		return rhi.StateCommon, false
	}
	return ts.uniform()
}

// SubresourceState returns the tracked state of one subresource.
func (t *Tracker) SubresourceState(r rhi.Resource, sub uint32) rhi.ResourceState {
	ts, ok := t.states[r]
	if !ok {
		return rhi.StateCommon
	}
	if int(sub) < len(ts.subs) {
		return ts.subs[sub]
	}
	return ts.subs[0]
}

// SubresourceStates returns a copy of the per-subresource states of r.
func (t *Tracker) SubresourceStates(r rhi.Resource) []rhi.ResourceState {
	ts, ok := t.states[r]
	if !ok {
		return nil
	}
	return append([]rhi.ResourceState(nil), ts.subs...)
}

func (t *Tracker) entry(r rhi.Resource) *tracked {
	ts, ok := t.states[r]
	if !ok {
		ts = &tracked{subs: []rhi.ResourceState{rhi.StateCommon}}
		t.states[r] = ts
	}
	return ts
}

// barriersTo appends the barriers that move r to after.
func (t *Tracker) barriersTo(dst []rhi.Barrier, r rhi.Resource, after rhi.ResourceState, uav bool) []rhi.Barrier {
	ts := t.entry(r)
	if cur, ok := ts.uniform(); ok {
		switch {
		case cur != after:
			dst = append(dst, rhi.Transition(r, cur, after))
		case uav && after == rhi.StateUnorderedAccess:
			dst = append(dst, rhi.UAVBarrier(r))
		}
		ts.subs = ts.subs[:1]
		ts.subs[0] = after
		return dst
	}
	for i, cur := range ts.subs {
		if cur != after {
			dst = append(dst, rhi.Barrier{
				Type: rhi.BarrierTransition, Resource: r, Subresource: uint32(i), //nolint:gosec // G115: bounded by subresource count
				Before: cur, After: after,
			})
		}
	}
	ts.subs = ts.subs[:1]
	ts.subs[0] = after
	return dst
}

func (t *Tracker) flush(cmd rhi.CommandList, b []rhi.Barrier) int {
	if len(b) == 0 {
		return 0
	}
	if cmd != nil {
		cmd.ResourceBarrier(b...)
	}
	t.barriers += len(b)
	return len(b)
}

// Transition moves r to after, recording a barrier only when the tracked
// state differs. An untracked resource is assumed to be in the common
// state. It returns the number of barriers recorded.
func (t *Tracker) Transition(cmd rhi.CommandList, r rhi.Resource, after rhi.ResourceState) int {
	if r == nil {
		return 0
	}
	return t.flush(cmd, t.barriersTo(nil, r, after, false))
}

// TransitionUAV is Transition for unordered access that also orders
// consecutive UAV accesses: when r is already in the unordered-access
// state a UAV barrier is recorded instead.
func (t *Tracker) TransitionUAV(cmd rhi.CommandList, r rhi.Resource) int {
	if r == nil {
		return 0
	}
	return t.flush(cmd, t.barriersTo(nil, r, rhi.StateUnorderedAccess, true))
}

// Request is one entry of a batched transition.
type Request struct {
	Resource rhi.Resource
	State    rhi.ResourceState
}

// TransitionAll moves every requested resource in one barrier batch.
func (t *Tracker) TransitionAll(cmd rhi.CommandList, reqs ...Request) int {
	var b []rhi.Barrier
	for _, q := range reqs {
		if q.Resource != nil {
			b = t.barriersTo(b, q.Resource, q.State, false)
		}
	}
	return t.flush(cmd, b)
}

// TransitionSubresource moves one subresource of r to after.
func (t *Tracker) TransitionSubresource(cmd rhi.CommandList, r rhi.Resource, sub uint32, after rhi.ResourceState) int {
	if r == nil {
		return 0
	}
	if sub == rhi.AllSubresources {
		return t.Transition(cmd, r, after)
	}
	n := r.Desc().SubresourceCount()
	if sub >= n {
		return 0
	}
	ts := t.entry(r)
	ts.expand(n)
	cur := ts.subs[sub]
	if cur == after {
		return 0
	}
	ts.subs[sub] = after
	return t.flush(cmd, []rhi.Barrier{{
		Type: rhi.BarrierTransition, Resource: r, Subresource: sub,
		Before: cur, After: after,
	}})
}

// Barriers returns the number of barriers recorded since the last
// ResetBarrierCount.
func (t *Tracker) Barriers() int { return t.barriers }

// ResetBarrierCount zeroes the barrier counter, typically once per frame.
func (t *Tracker) ResetBarrierCount() { t.barriers = 0 }

// Adopt takes over the final states of every resource imported into g.
// Call it after g.EndFrame.
func (t *Tracker) Adopt(g *Graph) {
	for _, r := range g.resources {
		if !r.imported || r.res == nil {
			continue
		}
		t.TrackSubresources(r.res, r.live)
		if ts := t.states[r.res]; ts != nil {
			if s, ok := ts.uniform(); ok {
				ts.subs = []rhi.ResourceState{s}
			}
		}
	}
}

// TrackedState is one line of a tracker snapshot.
type TrackedState struct {
	Name  string
	State string
}

// Snapshot lists the labeled resources and their states, sorted by name.
func (t *Tracker) Snapshot() []TrackedState {
	out := make([]TrackedState, 0, len(t.states))
	for r, ts := range t.states {
		name := rhi.Label(r)
		if name == "" {
			continue
		}
		st := ts.subs[0].String()
		if _, ok := ts.uniform(); !ok {
			parts := make([]string, len(ts.subs))
			for i, s := range ts.subs {
				parts[i] = s.String()
			}
			st = strings.Join(parts, ",")
		}
		out = append(out, TrackedState{Name: name, State: st})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
