// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package rendergraph

import (
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/cortex/internal/rhi"
	"github.com/gogpu/cortex/internal/rhi/rhitest"
)

func newTexture(t *testing.T, dev *rhitest.Device, label string, mips, layers uint32) rhi.Resource {
	t.Helper()
	r, err := dev.CreateResource(rhi.ResourceDesc{
		Label: label, Dimension: rhi.DimensionTexture2D,
		Width: 64, Height: 64, MipLevels: mips, ArraySize: layers,
		Format: gputypes.TextureFormatRGBA16Float,
		Flags:  rhi.FlagRenderTarget | rhi.FlagShaderResource | rhi.FlagUnorderedAccess,
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func newList(t *testing.T, dev *rhitest.Device) *rhitest.CommandList {
	t.Helper()
	cl, err := dev.CreateCommandList(rhi.QueueGraphics, "test")
	if err != nil {
		t.Fatal(err)
	}
	return cl.(*rhitest.CommandList)
}

func barriers(cl *rhitest.CommandList) []rhi.Barrier {
	var out []rhi.Barrier
	for _, c := range cl.Commands() {
		if c.Op == rhitest.OpBarrier {
			out = append(out, c.Barriers...)
		}
	}
	return out
}

func TestStateFor(t *testing.T) {
	tests := []struct {
		u    Usage
		want rhi.ResourceState
	}{
		{UsageShaderPixel, rhi.StatePixelShaderResource},
		{UsageShaderNonPixel, rhi.StateNonPixelShaderResource},
		{UsageShaderResource, rhi.StateAllShaderResource},
		{UsageRenderTarget, rhi.StateRenderTarget},
		{UsageDepthWrite, rhi.StateDepthWrite},
		{UsageDepthRead, rhi.StateDepthRead | rhi.StateAllShaderResource},
		{UsageDepthRead | UsageShaderPixel, rhi.StateDepthRead | rhi.StateAllShaderResource},
		{UsageUnorderedAccess, rhi.StateUnorderedAccess},
		{UsageUnorderedAccess | UsageShaderPixel, rhi.StateUnorderedAccess},
		{UsageCopySource, rhi.StateCopySource},
		{UsageCopyDest, rhi.StateCopyDest},
		{UsageIndirectArgument, rhi.StateIndirectArgument},
		{UsagePresent, rhi.StatePresent},
		{UsageNone, rhi.StateCommon},
	}
	for _, tt := range tests {
		t.Run(tt.u.String(), func(t *testing.T) {
			got := StateFor(tt.u)
			if got != tt.want {
				t.Errorf("StateFor(%s) = %s, want %s", tt.u, got, tt.want)
			}
			if !got.Valid() {
				t.Errorf("StateFor(%s) = %s is not a legal state", tt.u, got)
			}
		})
	}
}

func TestTrackerTransition(t *testing.T) {
	dev := rhitest.NewDevice()
	cl := newList(t, dev)
	hdr := newTexture(t, dev, "hdr", 1, 1)
	tr := NewTracker()

	tr.Track(hdr, rhi.StateRenderTarget)
	if n := tr.Transition(cl, hdr, rhi.StateRenderTarget); n != 0 {
		t.Errorf("same-state transition recorded %d barriers", n)
	}
	if n := tr.Transition(cl, hdr, rhi.StatePixelShaderResource); n != 1 {
		t.Errorf("transition recorded %d barriers, want 1", n)
	}
	if s, ok := tr.State(hdr); !ok || s != rhi.StatePixelShaderResource {
		t.Errorf("State = %s, %v", s, ok)
	}

	got := barriers(cl)
	if len(got) != 1 || got[0].Before != rhi.StateRenderTarget || got[0].After != rhi.StatePixelShaderResource {
		t.Fatalf("barriers = %v", got)
	}
	if tr.Barriers() != 1 {
		t.Errorf("Barriers() = %d", tr.Barriers())
	}
	tr.ResetBarrierCount()
	if tr.Barriers() != 0 {
		t.Error("ResetBarrierCount did not reset")
	}
}

func TestTrackerUntrackedStartsCommon(t *testing.T) {
	dev := rhitest.NewDevice()
	cl := newList(t, dev)
	r := newTexture(t, dev, "r", 1, 1)
	tr := NewTracker()
	tr.Transition(cl, r, rhi.StateCopyDest)
	got := barriers(cl)
	if len(got) != 1 || got[0].Before != rhi.StateCommon {
		t.Errorf("barriers = %v", got)
	}
}

func TestTrackerUAV(t *testing.T) {
	dev := rhitest.NewDevice()
	cl := newList(t, dev)
	buf := newTexture(t, dev, "uav", 1, 1)
	tr := NewTracker()
	tr.Track(buf, rhi.StateCommon)

	tr.TransitionUAV(cl, buf)
	tr.TransitionUAV(cl, buf)
	tr.Transition(cl, buf, rhi.StateUnorderedAccess)

	got := barriers(cl)
	if len(got) != 2 {
		t.Fatalf("barriers = %v, want transition + UAV", got)
	}
	if got[0].Type != rhi.BarrierTransition || got[1].Type != rhi.BarrierUAV {
		t.Errorf("barrier types = %v, %v", got[0].Type, got[1].Type)
	}
}

func TestTrackerSubresources(t *testing.T) {
	dev := rhitest.NewDevice()
	cl := newList(t, dev)
	hzb := newTexture(t, dev, "hzb", 4, 1)
	tr := NewTracker()
	tr.Track(hzb, rhi.StateNonPixelShaderResource)

	tr.TransitionSubresource(cl, hzb, 2, rhi.StateUnorderedAccess)
	if _, ok := tr.State(hzb); ok {
		t.Error("State reports uniform after a subresource transition")
	}
	if s := tr.SubresourceState(hzb, 2); s != rhi.StateUnorderedAccess {
		t.Errorf("mip 2 = %s", s)
	}
	if s := tr.SubresourceState(hzb, 1); s != rhi.StateNonPixelShaderResource {
		t.Errorf("mip 1 = %s", s)
	}
	if n := tr.TransitionSubresource(cl, hzb, 9, rhi.StateCopyDest); n != 0 {
		t.Errorf("out-of-range subresource recorded %d barriers", n)
	}

	// A whole-resource transition from diverging states only moves the
	// subresources that differ.
	tr.Transition(cl, hzb, rhi.StateNonPixelShaderResource)
	got := barriers(cl)
	if len(got) != 2 {
		t.Fatalf("barriers = %v", got)
	}
	if got[1].Subresource != 2 || got[1].After != rhi.StateNonPixelShaderResource {
		t.Errorf("restore barrier = %v", got[1])
	}
	if s, ok := tr.State(hzb); !ok || s != rhi.StateNonPixelShaderResource {
		t.Errorf("State after restore = %s, %v", s, ok)
	}
}

func TestTrackerTransitionAllBatches(t *testing.T) {
	dev := rhitest.NewDevice()
	cl := newList(t, dev)
	a := newTexture(t, dev, "a", 1, 1)
	b := newTexture(t, dev, "b", 1, 1)
	tr := NewTracker()
	tr.Track(a, rhi.StateRenderTarget)
	tr.Track(b, rhi.StatePixelShaderResource)

	n := tr.TransitionAll(cl,
		Request{a, rhi.StatePixelShaderResource},
		Request{b, rhi.StatePixelShaderResource},
		Request{nil, rhi.StateCopyDest},
	)
	if n != 1 {
		t.Errorf("TransitionAll = %d, want 1", n)
	}
	cmds := cl.Commands()
	if len(cmds) != 1 || cmds[0].Op != rhitest.OpBarrier {
		t.Errorf("commands = %v", cmds)
	}
}

func TestTrackerSnapshot(t *testing.T) {
	dev := rhitest.NewDevice()
	tr := NewTracker()
	tr.Track(newTexture(t, dev, "velocity", 1, 1), rhi.StateRenderTarget)
	tr.Track(newTexture(t, dev, "depth", 1, 1), rhi.StateDepthWrite)
	mips := newTexture(t, dev, "hzb", 2, 1)
	tr.TrackSubresources(mips, []rhi.ResourceState{rhi.StateUnorderedAccess, rhi.StateNonPixelShaderResource})

	snap := tr.Snapshot()
	want := []TrackedState{
		{"depth", "DepthWrite"},
		{"hzb", "UnorderedAccess,NonPixelShaderResource"},
		{"velocity", "RenderTarget"},
	}
	if len(snap) != len(want) {
		t.Fatalf("Snapshot = %v", snap)
	}
	for i := range want {
		if snap[i] != want[i] {
			t.Errorf("Snapshot[%d] = %v, want %v", i, snap[i], want[i])
		}
	}
	tr.Untrack(mips)
	if tr.IsTracked(mips) {
		t.Error("Untrack left the resource tracked")
	}
}
