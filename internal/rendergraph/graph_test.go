// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package rendergraph

import (
	"errors"
	"fmt"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/cortex/internal/rhi"
	"github.com/gogpu/cortex/internal/rhi/rhitest"
)

// mark returns an execute callback that records a marker named after the
// pass, so tests can find pass boundaries in the command stream.
func mark(name string) ExecuteFunc {
	return func(cmd rhi.CommandList, _ *Graph) error {
		cmd.SetMarker(name)
		return nil
	}
}

func TestWriteThenReadHasBarrier(t *testing.T) {
	dev := rhitest.NewDevice()
	cl := newList(t, dev)
	hdr := newTexture(t, dev, "hdr", 1, 1)
	ssao := newTexture(t, dev, "ssao", 1, 1)
	back := newTexture(t, dev, "back", 1, 1)

	g := New(dev)
	g.BeginFrame()
	hid := g.ImportResource(hdr, rhi.StatePixelShaderResource, "hdr")
	sid := g.ImportResource(ssao, rhi.StatePixelShaderResource, "ssao")
	bid := g.ImportResource(back, rhi.StatePresent, "back")

	g.AddPass("Main", func(b *Builder) { b.Write(hid, UsageRenderTarget) }, mark("Main"))
	g.AddComputePass("SSAO", func(b *Builder) {
		b.Write(sid, UsageUnorderedAccess)
	}, mark("SSAO"))
	g.AddPass("Post", func(b *Builder) {
		b.Read(hid, UsageShaderPixel).Read(sid, UsageShaderPixel).Write(bid, UsageRenderTarget)
	}, mark("Post"))
	g.AddPass("Present", func(b *Builder) { b.Write(bid, UsagePresent) }, mark("Present"))

	if err := g.Execute(cl); err != nil {
		t.Fatal(err)
	}

	// Every write -> read pair must be separated by a barrier on the
	// resource between the writer's marker and the reader's marker.
	pairs := []struct {
		writer, reader string
		res            rhi.Resource
	}{
		{"Main", "Post", hdr},
		{"SSAO", "Post", ssao},
		{"Post", "Present", back},
	}
	cmds := cl.Commands()
	for _, p := range pairs {
		t.Run(p.writer+"->"+p.reader, func(t *testing.T) {
			w, r := -1, -1
			for i, c := range cmds {
				if c.Op == rhitest.OpMarker && c.Name == p.writer {
					w = i
				}
				if c.Op == rhitest.OpMarker && c.Name == p.reader {
					r = i
				}
			}
			if w < 0 || r < 0 || w > r {
				t.Fatalf("markers at %d, %d", w, r)
			}
			found := false
			for _, c := range cmds[w:r] {
				for _, b := range c.Barriers {
					if b.Resource == p.res {
						found = true
					}
				}
			}
			if !found {
				t.Errorf("no barrier on %s between %s and %s", rhi.Label(p.res), p.writer, p.reader)
			}
		})
	}
	if g.BarrierCount() != 6 {
		t.Errorf("BarrierCount = %d, want 6", g.BarrierCount())
	}
}

func TestFinalStateMatchesLastUsage(t *testing.T) {
	dev := rhitest.NewDevice()
	cl := newList(t, dev)
	depth := newTexture(t, dev, "depth", 1, 1)
	hdr := newTexture(t, dev, "hdr", 1, 1)
	vel := newTexture(t, dev, "velocity", 1, 1)

	g := New(dev)
	g.BeginFrame()
	did := g.ImportResource(depth, rhi.StateDepthWrite, "")
	hid := g.ImportResource(hdr, rhi.StatePixelShaderResource, "")
	vid := g.ImportResource(vel, rhi.StateCommon, "")

	g.AddPass("Opaque", func(b *Builder) {
		b.Write(did, UsageDepthWrite).Write(hid, UsageRenderTarget)
	}, nil)
	g.AddPass("Motion", func(b *Builder) {
		b.Read(did, UsageDepthRead).Write(vid, UsageRenderTarget)
	}, nil)
	g.AddPass("TAA", func(b *Builder) {
		b.Read(vid, UsageShaderPixel).Read(hid, UsageShaderPixel).Read(did, UsageShaderNonPixel).SideEffect()
	}, nil)

	if err := g.Execute(cl); err != nil {
		t.Fatal(err)
	}
	want := map[ResourceID]rhi.ResourceState{
		did: rhi.StateNonPixelShaderResource,
		hid: rhi.StatePixelShaderResource,
		vid: rhi.StatePixelShaderResource,
	}
	final := g.EndFrame()
	for id, w := range want {
		if s, ok := g.FinalState(id); !ok || s != w {
			t.Errorf("FinalState(%s) = %s, want %s", g.Name(id), s, w)
		}
		if final[id] != w {
			t.Errorf("EndFrame[%s] = %s, want %s", g.Name(id), final[id], w)
		}
	}

	tr := NewTracker()
	tr.Adopt(g)
	if s, _ := tr.State(depth); s != rhi.StateNonPixelShaderResource {
		t.Errorf("adopted depth state = %s", s)
	}
}

func buildFrame(g *Graph, ids [3]ResourceID) {
	g.AddPass("Shadows", func(b *Builder) { b.Write(ids[0], UsageDepthWrite) }, nil)
	g.AddPass("Opaque", func(b *Builder) {
		b.Read(ids[0], UsageShaderPixel).Write(ids[1], UsageRenderTarget)
	}, nil)
	g.AddComputePass("Blur", func(b *Builder) { b.ReadWrite(ids[2]).Read(ids[1], UsageShaderNonPixel) }, nil)
	g.AddPass("Post", func(b *Builder) {
		b.Read(ids[1], UsageShaderResource).Read(ids[2], UsageShaderPixel)
	}, nil)
}

func TestCompileDeterministic(t *testing.T) {
	dev := rhitest.NewDevice()
	res := [3]rhi.Resource{
		newTexture(t, dev, "shadow", 1, 3),
		newTexture(t, dev, "hdr", 1, 1),
		newTexture(t, dev, "blur", 1, 1),
	}
	run := func() string {
		g := New(dev)
		g.BeginFrame()
		var ids [3]ResourceID
		for i, r := range res {
			ids[i] = g.ImportResource(r, rhi.StateCommon, "")
		}
		buildFrame(g, ids)
		if err := g.Compile(); err != nil {
			t.Fatal(err)
		}
		out := ""
		for h := range g.PassCount() {
			out += fmt.Sprint(g.Barriers(PassHandle(h))) + ";"
		}
		return out
	}
	first := run()
	for range 5 {
		if got := run(); got != first {
			t.Fatalf("compile not deterministic:\n%s\n%s", first, got)
		}
	}
}

func TestConflicts(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(b *Builder, id ResourceID)
		wantErr bool
	}{
		{"read and render target", func(b *Builder, id ResourceID) {
			b.Read(id, UsageShaderPixel).Write(id, UsageRenderTarget)
		}, true},
		{"depth read and depth write", func(b *Builder, id ResourceID) {
			b.Read(id, UsageDepthRead).Write(id, UsageDepthWrite)
		}, true},
		{"two different writes", func(b *Builder, id ResourceID) {
			b.Write(id, UsageCopyDest).Write(id, UsageRenderTarget)
		}, true},
		{"uav read write", func(b *Builder, id ResourceID) { b.ReadWrite(id) }, false},
		{"coalesced reads", func(b *Builder, id ResourceID) {
			b.Read(id, UsageShaderPixel).Read(id, UsageShaderNonPixel).Read(id, UsageCopySource)
		}, false},
		{"different subresources", func(b *Builder, id ResourceID) {
			b.ReadSubresource(id, 0, UsageShaderNonPixel).WriteSubresource(id, 1, UsageUnorderedAccess)
		}, false},
		{"same subresource", func(b *Builder, id ResourceID) {
			b.ReadSubresource(id, 1, UsageShaderNonPixel).WriteSubresource(id, 1, UsageUnorderedAccess)
		}, true},
		{"whole and subresource", func(b *Builder, id ResourceID) {
			b.Read(id, UsageShaderNonPixel).WriteSubresource(id, 1, UsageUnorderedAccess)
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := rhitest.NewDevice()
			r := newTexture(t, dev, "r", 2, 1)
			g := New(dev)
			g.BeginFrame()
			id := g.ImportResource(r, rhi.StateCommon, "r")
			g.AddPass("P", func(b *Builder) {
				tt.setup(b, id)
				b.SideEffect()
			}, nil)
			err := g.Compile()
			if tt.wantErr != errors.Is(err, ErrConflict) {
				t.Errorf("Compile() = %v, want conflict %v", err, tt.wantErr)
			}
		})
	}
}

func TestCoalescedReadsNeverWrite(t *testing.T) {
	dev := rhitest.NewDevice()
	r := newTexture(t, dev, "r", 1, 1)
	g := New(dev)
	g.BeginFrame()
	id := g.ImportResource(r, rhi.StateRenderTarget, "")
	h := g.AddPass("P", func(b *Builder) {
		b.Read(id, UsageShaderPixel).Read(id, UsageDepthRead).Read(id, UsageIndirectArgument).SideEffect()
	}, nil)
	if err := g.Compile(); err != nil {
		t.Fatal(err)
	}
	bs := g.Barriers(h)
	if len(bs) != 1 {
		t.Fatalf("barriers = %v", bs)
	}
	if bs[0].After.IsWrite() {
		t.Errorf("coalesced read state %s includes a write", bs[0].After)
	}
	want := rhi.StateDepthSample | rhi.StateIndirectArgument
	if bs[0].After != want {
		t.Errorf("coalesced state = %s, want %s", bs[0].After, want)
	}
}

func TestCulling(t *testing.T) {
	dev := rhitest.NewDevice()
	cl := newList(t, dev)
	back := newTexture(t, dev, "back", 1, 1)
	desc := rhi.ResourceDesc{
		Label: "scratch", Dimension: rhi.DimensionTexture2D, Width: 32, Height: 32,
		Format: gputypes.TextureFormatRGBA8Unorm, Flags: rhi.FlagRenderTarget,
	}

	g := New(dev)
	g.BeginFrame()
	bid := g.ImportResource(back, rhi.StatePresent, "back")
	var used, unused ResourceID
	ran := map[string]bool{}
	run := func(name string) ExecuteFunc {
		return func(rhi.CommandList, *Graph) error { ran[name] = true; return nil }
	}

	g.AddPass("Producer", func(b *Builder) {
		used = b.CreateTransient(desc)
		b.Write(used, UsageRenderTarget)
	}, run("Producer"))
	g.AddPass("Orphan", func(b *Builder) {
		unused = b.CreateTransient(desc)
		b.Write(unused, UsageRenderTarget)
	}, run("Orphan"))
	g.AddPass("Marker", func(b *Builder) { b.SideEffect() }, run("Marker"))
	g.AddPass("Empty", nil, run("Empty"))
	g.AddPass("Composite", func(b *Builder) {
		b.Read(used, UsageShaderPixel).Write(bid, UsageRenderTarget)
	}, run("Composite"))

	if err := g.Execute(cl); err != nil {
		t.Fatal(err)
	}
	if got := fmt.Sprint(g.CulledPasses()); got != "[Orphan Empty]" {
		t.Errorf("CulledPasses = %s", got)
	}
	for _, name := range []string{"Producer", "Marker", "Composite"} {
		if !ran[name] {
			t.Errorf("%s did not run", name)
		}
	}
	if ran["Orphan"] || ran["Empty"] {
		t.Error("culled pass ran")
	}
	if g.Resource(used) == g.Resource(unused) {
		t.Error("two live transients share an allocation")
	}
}

func TestConsecutiveUAVBarrier(t *testing.T) {
	dev := rhitest.NewDevice()
	buf, _ := dev.CreateResource(rhi.ResourceDesc{Label: "counts", Size: 256, Flags: rhi.FlagUnorderedAccess})
	g := New(dev)
	g.BeginFrame()
	id := g.ImportResource(buf, rhi.StateUnorderedAccess, "")
	first := g.AddComputePass("Clear", func(b *Builder) { b.Write(id, UsageUnorderedAccess) }, nil)
	second := g.AddComputePass("Accumulate", func(b *Builder) { b.ReadWrite(id) }, nil)
	third := g.AddComputePass("Read", func(b *Builder) { b.Read(id, UsageIndirectArgument).SideEffect() }, nil)
	if err := g.Compile(); err != nil {
		t.Fatal(err)
	}
	if bs := g.Barriers(first); len(bs) != 0 {
		t.Errorf("first UAV pass barriers = %v, want none", bs)
	}
	if bs := g.Barriers(second); len(bs) != 1 || bs[0].Type != rhi.BarrierUAV {
		t.Errorf("second UAV pass barriers = %v, want one UAV barrier", bs)
	}
	if bs := g.Barriers(third); len(bs) != 1 || bs[0].After != rhi.StateIndirectArgument {
		t.Errorf("indirect read barriers = %v", bs)
	}
}

func TestSubresourceChain(t *testing.T) {
	const mips = 4
	dev := rhitest.NewDevice()
	cl := newList(t, dev)
	depth := newTexture(t, dev, "depth", 1, 1)
	hzb := newTexture(t, dev, "hzb", mips, 1)

	g := New(dev)
	g.BeginFrame()
	did := g.ImportResource(depth, rhi.StateDepthWrite, "")
	hid := g.ImportResource(hzb, rhi.StateNonPixelShaderResource, "")

	g.AddComputePass("HZB_0", func(b *Builder) {
		b.Read(did, UsageShaderNonPixel).WriteSubresource(hid, 0, UsageUnorderedAccess)
	}, nil)
	for m := uint32(1); m < mips; m++ {
		g.AddComputePass(fmt.Sprintf("HZB_%d", m), func(b *Builder) {
			b.ReadSubresource(hid, m-1, UsageShaderNonPixel).WriteSubresource(hid, m, UsageUnorderedAccess)
		}, nil)
	}
	if err := g.Compile(); err != nil {
		t.Fatal(err)
	}
	// HZB_m moves mip m-1 (m > 0) to a read and mip m to UAV.
	for m := range mips {
		bs := g.Barriers(PassHandle(m))
		for _, b := range bs {
			if b.Resource == hzb && b.Subresource == rhi.AllSubresources {
				t.Errorf("HZB_%d: whole-resource barrier %v", m, b)
			}
		}
	}
	if s, ok := g.FinalState(hid); ok {
		t.Errorf("FinalState reports uniform %s for a diverging chain", s)
	}
	if err := g.Execute(cl); err != nil {
		t.Fatal(err)
	}
	g.EndFrame()
	got := g.SubresourceStates(hid)
	want := []rhi.ResourceState{
		rhi.StateNonPixelShaderResource, rhi.StateNonPixelShaderResource,
		rhi.StateNonPixelShaderResource, rhi.StateUnorderedAccess,
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("mip states = %v, want %v", got, want)
	}

	tr := NewTracker()
	tr.Adopt(g)
	if s := tr.SubresourceState(hzb, 3); s != rhi.StateUnorderedAccess {
		t.Errorf("adopted mip 3 = %s", s)
	}

	// Next frame imports the tracked per-mip states and restores a
	// uniform read state.
	g.BeginFrame()
	hid = g.ImportTracked(tr, hzb, "hzb")
	h := g.AddPass("Cull", func(b *Builder) { b.Read(hid, UsageShaderNonPixel).SideEffect() }, nil)
	if err := g.Compile(); err != nil {
		t.Fatal(err)
	}
	if bs := g.Barriers(h); len(bs) != 1 || bs[0].Subresource != 3 {
		t.Errorf("restore barriers = %v, want one on mip 3", bs)
	}
	if s, ok := g.FinalState(hid); !ok || s != rhi.StateNonPixelShaderResource {
		t.Errorf("FinalState = %s, %v", s, ok)
	}
}

func TestTransientPool(t *testing.T) {
	dev := rhitest.NewDevice()
	cl := newList(t, dev)
	back := newTexture(t, dev, "back", 1, 1)
	desc := rhi.ResourceDesc{
		Label: "bloom_tmp", Dimension: rhi.DimensionTexture2D, Width: 16, Height: 16,
		Format: gputypes.TextureFormatRGBA16Float, Flags: rhi.FlagRenderTarget | rhi.FlagShaderResource,
	}
	g := New(dev)

	frame := func() rhi.Resource {
		g.BeginFrame()
		bid := g.ImportResource(back, rhi.StatePresent, "")
		var tmp ResourceID
		g.AddPass("Bloom", func(b *Builder) {
			tmp = b.CreateTransient(desc)
			b.Write(tmp, UsageRenderTarget)
		}, nil)
		g.AddPass("Post", func(b *Builder) {
			b.Read(tmp, UsageShaderPixel).Write(bid, UsageRenderTarget)
		}, nil)
		if err := g.Execute(cl); err != nil {
			t.Fatal(err)
		}
		g.EndFrame()
		return g.Resource(tmp)
	}

	r1 := frame()
	r2 := frame()
	if r1 != r2 {
		t.Error("transient not reused across frames")
	}
	if n := dev.CreatedWithLabel("bloom_tmp"); n != 1 {
		t.Errorf("created %d transients, want 1", n)
	}
	// The second frame starts from the state the first left it in.
	if bs := barriersOn(cl, r2); len(bs) < 3 || bs[2].Before != rhi.StatePixelShaderResource {
		t.Errorf("transient barriers = %v", bs)
	}

	for range transientIdleFrames + 1 {
		g.BeginFrame()
	}
	if g.PooledTransients() != 0 {
		t.Errorf("idle transient kept: %d pooled", g.PooledTransients())
	}
	if !r1.(*rhitest.Resource).Destroyed {
		t.Error("trimmed transient not destroyed")
	}

	frame()
	g.Destroy()
	if g.PooledTransients() != 0 || dev.Live() != 1 {
		t.Errorf("Destroy left %d pooled, %d live", g.PooledTransients(), dev.Live())
	}
}

func TestResetDoesNotAgePool(t *testing.T) {
	dev := rhitest.NewDevice()
	desc := rhi.ResourceDesc{
		Label: "group_tmp", Dimension: rhi.DimensionTexture2D, Width: 8, Height: 8,
		Format: gputypes.TextureFormatRGBA16Float, Flags: rhi.FlagRenderTarget,
	}
	g := New(dev)
	t.Cleanup(g.Destroy)

	tests := []struct {
		name       string
		advance    func()
		wantFrames uint64
		wantPooled int
	}{
		{"groups within a frame", g.Reset, 1, 1},
		{"frames", g.BeginFrame, 1 + transientIdleFrames + 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g.BeginFrame()
			start := g.Frame()
			g.AddPass("Group", func(b *Builder) {
				b.Write(b.CreateTransient(desc), UsageRenderTarget)
			}, nil)
			for range transientIdleFrames + 1 {
				tt.advance()
			}
			if got := g.Frame() - start + 1; got != tt.wantFrames {
				t.Errorf("frames advanced to %d, want %d", got, tt.wantFrames)
			}
			if g.PassCount() != 0 {
				t.Errorf("PassCount = %d after reset", g.PassCount())
			}
			if got := g.PooledTransients(); got != tt.wantPooled {
				t.Errorf("PooledTransients = %d, want %d", got, tt.wantPooled)
			}
		})
	}
}

func barriersOn(cl *rhitest.CommandList, r rhi.Resource) []rhi.Barrier {
	var out []rhi.Barrier
	for _, b := range barriers(cl) {
		if b.Resource == r {
			out = append(out, b)
		}
	}
	return out
}

func TestAliasBarrier(t *testing.T) {
	dev := rhitest.NewDevice()
	a := newTexture(t, dev, "a", 1, 1)
	b := newTexture(t, dev, "b", 1, 1)
	g := New(dev)
	g.BeginFrame()
	aid := g.ImportResource(a, rhi.StateCommon, "")
	bid := g.ImportResource(b, rhi.StateRenderTarget, "")
	h := g.AddPass("P", func(bl *Builder) { bl.Alias(aid, bid).Write(bid, UsageRenderTarget) }, nil)
	if err := g.Compile(); err != nil {
		t.Fatal(err)
	}
	bs := g.Barriers(h)
	if len(bs) != 1 || bs[0].Type != rhi.BarrierAliasing || bs[0].AliasBefore != a || bs[0].Resource != b {
		t.Errorf("barriers = %v", bs)
	}
}

func TestGraphErrors(t *testing.T) {
	dev := rhitest.NewDevice()
	r := newTexture(t, dev, "r", 1, 1)

	t.Run("unknown id", func(t *testing.T) {
		g := New(dev)
		g.BeginFrame()
		g.AddPass("P", func(b *Builder) { b.Read(ResourceID(7), UsageShaderPixel) }, nil)
		if err := g.Compile(); !errors.Is(err, ErrInvalidResource) {
			t.Errorf("Compile() = %v", err)
		}
	})
	t.Run("bad subresource", func(t *testing.T) {
		g := New(dev)
		g.BeginFrame()
		id := g.ImportResource(r, rhi.StateCommon, "")
		g.AddPass("P", func(b *Builder) { b.ReadSubresource(id, 3, UsageShaderPixel) }, nil)
		if err := g.Compile(); !errors.Is(err, ErrInvalidResource) {
			t.Errorf("Compile() = %v", err)
		}
	})
	t.Run("invalid id ignored", func(t *testing.T) {
		g := New(dev)
		g.BeginFrame()
		missing := g.ImportResource(nil, rhi.StateCommon, "ssr")
		g.AddPass("P", func(b *Builder) { b.Read(missing, UsageShaderPixel).SideEffect() }, nil)
		if err := g.Compile(); err != nil {
			t.Errorf("Compile() = %v", err)
		}
	})
	t.Run("nil command list", func(t *testing.T) {
		g := New(dev)
		g.BeginFrame()
		if err := g.Execute(nil); !errors.Is(err, ErrNoCommandList) {
			t.Errorf("Execute(nil) = %v", err)
		}
	})
	t.Run("callback error", func(t *testing.T) {
		boom := errors.New("boom")
		g := New(dev)
		g.BeginFrame()
		g.AddPass("A", func(b *Builder) { b.SideEffect() }, func(rhi.CommandList, *Graph) error { return boom })
		ranB := false
		g.AddPass("B", func(b *Builder) { b.SideEffect() }, func(rhi.CommandList, *Graph) error { ranB = true; return nil })
		err := g.Execute(newList(t, dev))
		if !errors.Is(err, boom) {
			t.Errorf("Execute() = %v", err)
		}
		if ranB {
			t.Error("pass after a failed pass ran")
		}
	})
}
