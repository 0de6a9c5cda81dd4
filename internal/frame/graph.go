// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package frame

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/cortex/internal/rendergraph"
	"github.com/gogpu/cortex/internal/rhi"
)

// runGraph records one pass group through the render graph. declare
// imports the tracked resources the group touches and adds its passes.
// The graph's frame was begun by recordPasses; each group only resets it.
//
// It reports false without recording anything when the graph rejects the
// declaration; the caller then records the group with tracked barriers.
// On success the tracker adopts the states the graph left.
func (r *Renderer) runGraph(fc *frameContext, group string, declare func(g *rendergraph.Graph)) (bool, error) {
	g := r.graph
	g.Reset()
	declare(g)
	if err := g.Compile(); err != nil {
		r.logOnce("graph:"+group, "render graph rejected, using tracked barriers", "group", group, "err", err)
		return false, nil
	}
	if err := g.Execute(r.cmd); err != nil {
		return true, err
	}
	g.EndFrame()
	r.tracker.Adopt(g)
	fc.graphBarriers += g.BarrierCount()
	return true, nil
}

// hzb builds the hierarchical-Z pyramid from depth, one compute dispatch
// per mip, and leaves it readable from any shader.
func (r *Renderer) hzb(fc *frameContext) error {
	pyr := r.t.hzb
	if pyr == nil {
		return errSkipped
	}
	pipe := r.pipes.get(PipelineHZB, gputypes.TextureFormatUndefined)
	if pipe == nil {
		return errSkipped
	}
	mips := max(pyr.Desc().MipLevels, 1)
	refs := make([]rhi.DescriptorRef, mips)
	for i := range refs {
		ref, err := r.table(2)
		if err != nil {
			return err
		}
		refs[i] = ref
	}
	dispatch := func(cmd rhi.CommandList, mip uint32) {
		src := r.t.depth
		sw, sh := r.t.width, r.t.height
		if mip > 0 {
			src = pyr
			sw, sh = mipSize(r.t.width, mip-1), mipSize(r.t.height, mip-1)
		}
		dw, dh := mipSize(r.t.width, mip), mipSize(r.t.height, mip)
		cmd.SetBindings(rhi.Bindings{
			Constants: hzbBlock(sw, sh, dw, dh),
			Table:     refs[mip],
			Resources: []rhi.Resource{src, pyr},
		})
		cmd.Dispatch((dw+7)/8, (dh+7)/8, 1)
	}

	if fc.q.RenderGraphHZB {
		ok, err := r.runGraph(fc, "hzb", func(g *rendergraph.Graph) {
			depth := g.ImportTracked(r.tracker, r.t.depth, "depth")
			h := g.ImportTracked(r.tracker, pyr, "hzb")
			for mip := range mips {
				g.AddComputePass(fmt.Sprintf("HZBMip%d", mip), func(b *rendergraph.Builder) {
					if mip == 0 {
						b.Read(depth, rendergraph.UsageDepthRead|rendergraph.UsageShaderNonPixel)
					} else {
						b.ReadSubresource(h, mip-1, rendergraph.UsageShaderNonPixel)
					}
					b.WriteSubresource(h, mip, rendergraph.UsageUnorderedAccess)
				}, func(cmd rhi.CommandList, _ *rendergraph.Graph) error {
					if mip == 0 {
						cmd.SetPipeline(pipe)
					}
					dispatch(cmd, mip)
					return nil
				})
			}
			g.AddComputePass("HZBPublish", func(b *rendergraph.Builder) {
				b.Read(h, rendergraph.UsageShaderResource).SideEffect()
			}, nil)
		})
		if ok || err != nil {
			return err
		}
	}

	r.tracker.Transition(r.cmd, r.t.depth, rhi.StateDepthSample)
	r.cmd.SetPipeline(pipe)
	for mip := range mips {
		if mip > 0 {
			r.tracker.TransitionSubresource(r.cmd, pyr, mip-1, rhi.StateNonPixelShaderResource)
		}
		r.tracker.TransitionSubresource(r.cmd, pyr, mip, rhi.StateUnorderedAccess)
		dispatch(r.cmd, mip)
		r.cmd.ResourceBarrier(rhi.UAVBarrier(pyr))
	}
	r.tracker.Transition(r.cmd, pyr, rhi.StateAllShaderResource)
	return nil
}

func mipSize(n, mip uint32) uint32 { return max(n>>mip, 1) }

func hzbBlock(sw, sh, dw, dh uint32) []byte {
	buf := make([]byte, 16)
	for i, v := range []uint32{sw, sh, dw, dh} {
		putU32(buf[4*i:], v)
	}
	return buf
}
