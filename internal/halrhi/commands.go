// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package halrhi

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/cortex/internal/rhi"
)

const (
	uniformChunkSize  = 256 << 10
	uniformAlignment  = 256
	immediateCapacity = 1024
	indirectArgsSize  = 20
)

type immediate struct {
	dst    *resource
	offset uint64
	slot   uint64
}

// commandList records into a HAL command encoder. Constant blocks are
// staged in per-list uniform chunks; bind groups, per-slice views and
// uniform space are recycled on Reset, after the frame slot's fence.
type commandList struct {
	dev   *Device
	kind  rhi.QueueKind
	label string

	open    bool
	encoder hal.CommandEncoder
	cmdBuf  hal.CommandBuffer

	rp       hal.RenderPassEncoder
	pipe     *pipeline
	blocks   map[int][]byte
	bound    []rhi.Resource
	vertex   *resource
	index    *resource
	deferred []immediate

	chunks     []hal.Buffer
	chunk      int
	uniformOff uint64
	immediates hal.Buffer
	immCount   uint64

	groups []hal.BindGroup
	views  []hal.TextureView
	marker string
	warned map[string]bool
}

func (l *commandList) Kind() rhi.QueueKind { return l.kind }
func (l *commandList) Label() string       { return l.label }
func (l *commandList) IsOpen() bool        { return l.open }

// Reset implements rhi.CommandList.
func (l *commandList) Reset() error {
	if err := l.dev.RemovedReason(); err != nil {
		return err
	}
	if l.open {
		l.encoder.DiscardEncoding()
		l.open = false
	}
	if l.cmdBuf != nil {
		l.dev.device.FreeCommandBuffer(l.cmdBuf)
		l.cmdBuf = nil
	}
	l.recycle()
	enc, err := l.dev.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: l.label})
	if err != nil {
		return fmt.Errorf("halrhi: %s encoder: %w", l.label, err)
	}
	if err := enc.BeginEncoding(l.label); err != nil {
		return fmt.Errorf("halrhi: %s begin: %w", l.label, err)
	}
	l.encoder = enc
	l.open = true
	return nil
}

func (l *commandList) recycle() {
	for _, g := range l.groups {
		l.dev.device.DestroyBindGroup(g)
	}
	for _, v := range l.views {
		l.dev.device.DestroyTextureView(v)
	}
	l.groups, l.views = l.groups[:0], l.views[:0]
	l.chunk, l.uniformOff, l.immCount = 0, 0, 0
	l.blocks = make(map[int][]byte)
	l.bound, l.vertex, l.index, l.pipe = nil, nil, nil, nil
	l.deferred = l.deferred[:0]
	l.marker = ""
}

// Close implements rhi.CommandList.
func (l *commandList) Close() error {
	if !l.open {
		return rhi.ErrListClosed
	}
	l.endRenderPass()
	cb, err := l.encoder.EndEncoding()
	l.open = false
	if err != nil {
		return fmt.Errorf("halrhi: %s end: %w", l.label, err)
	}
	l.cmdBuf = cb
	return nil
}

// ResourceBarrier maps texture transitions to usage transitions. UAV and
// aliasing barriers have no HAL equivalent; the HAL orders storage writes
// between passes itself.
func (l *commandList) ResourceBarrier(barriers ...rhi.Barrier) {
	if !l.open {
		return
	}
	var out []hal.TextureBarrier
	for _, b := range barriers {
		if b.Type != rhi.BarrierTransition {
			continue
		}
		r, ok := b.Resource.(*resource)
		if !ok || r.tex == nil {
			continue
		}
		before, after := stateUsage(b.Before), stateUsage(b.After)
		if before == after {
			continue
		}
		out = append(out, hal.TextureBarrier{
			Texture: r.tex,
			Usage:   hal.TextureUsageTransition{OldUsage: before, NewUsage: after},
		})
	}
	if len(out) == 0 {
		return
	}
	l.endRenderPass()
	l.encoder.TransitionTextures(out)
}

func loadOp(op rhi.LoadOp) gputypes.LoadOp {
	if op == rhi.LoadKeep {
		return gputypes.LoadOpLoad
	}
	return gputypes.LoadOpClear
}

// BeginPass implements rhi.CommandList.
func (l *commandList) BeginPass(desc rhi.PassDesc) {
	if !l.open {
		return
	}
	l.endRenderPass()
	rpd := &hal.RenderPassDescriptor{Label: desc.Name}
	w, h := desc.Width, desc.Height
	for _, c := range desc.Colors {
		r, ok := c.Target.(*resource)
		if !ok || r.tex == nil {
			l.warnOnce("attach:"+rhi.Label(c.Target), "render target is not a HAL texture", "pass", desc.Name)
			continue
		}
		view := l.attachmentView(r, c.Slice)
		if view == nil {
			continue
		}
		rpd.ColorAttachments = append(rpd.ColorAttachments, hal.RenderPassColorAttachment{
			View:    view,
			LoadOp:  loadOp(c.Load),
			StoreOp: gputypes.StoreOpStore,
			ClearValue: gputypes.Color{
				R: float64(c.Clear[0]), G: float64(c.Clear[1]),
				B: float64(c.Clear[2]), A: float64(c.Clear[3]),
			},
		})
		if w == 0 {
			w, h = r.desc.Width, r.desc.Height
		}
	}
	if dd := desc.Depth; dd != nil {
		if r, ok := dd.Target.(*resource); ok && r.tex != nil {
			if view := l.attachmentView(r, dd.Slice); view != nil {
				ds := &hal.RenderPassDepthStencilAttachment{
					View:            view,
					DepthLoadOp:     loadOp(dd.Load),
					DepthStoreOp:    gputypes.StoreOpStore,
					DepthClearValue: dd.Clear,
				}
				if r.desc.Format == gputypes.TextureFormatDepth24PlusStencil8 {
					ds.StencilLoadOp = gputypes.LoadOpClear
					ds.StencilStoreOp = gputypes.StoreOpDiscard
				}
				rpd.DepthStencilAttachment = ds
				if w == 0 {
					w, h = r.desc.Width, r.desc.Height
				}
			}
		}
	}
	l.rp = l.encoder.BeginRenderPass(rpd)
	if w > 0 && h > 0 {
		l.rp.SetViewport(0, 0, float32(w), float32(h), 0, 1)
	}
	l.flushMarker()
}

// attachmentView returns the default view, or a single-layer view for an
// array slice.
func (l *commandList) attachmentView(r *resource, slice uint32) hal.TextureView {
	if r.desc.ArraySize <= 1 && slice == 0 {
		return r.view
	}
	v, err := l.dev.device.CreateTextureView(r.tex, &hal.TextureViewDescriptor{
		Label:           fmt.Sprintf("%s_slice%d", r.desc.Label, slice),
		Format:          r.desc.Format,
		Dimension:       gputypes.TextureViewDimension2D,
		Aspect:          gputypes.TextureAspectAll,
		BaseMipLevel:    0,
		MipLevelCount:   1,
		BaseArrayLayer:  slice,
		ArrayLayerCount: 1,
	})
	if err != nil {
		l.warnOnce("slice:"+r.desc.Label, "slice view failed", "err", err)
		return nil
	}
	l.views = append(l.views, v)
	return v
}

// EndPass implements rhi.CommandList.
func (l *commandList) EndPass() { l.endRenderPass() }

func (l *commandList) endRenderPass() {
	if l.rp == nil {
		return
	}
	l.rp.End()
	l.rp = nil
	l.flushImmediates()
}

// SetPipeline implements rhi.CommandList.
func (l *commandList) SetPipeline(p rhi.Pipeline) {
	hp, ok := p.(*pipeline)
	if !ok {
		l.pipe = nil
		return
	}
	l.pipe = hp
}

// SetBindings updates the constant block of its size and, when resources
// are given, the bound set. Vertex and index buffers among the resources
// become the geometry streams.
func (l *commandList) SetBindings(b rhi.Bindings) {
	if !l.open {
		return
	}
	if len(b.Constants) > 0 {
		l.blocks[len(b.Constants)] = b.Constants
	}
	if len(b.Resources) == 0 {
		return
	}
	var bindable []rhi.Resource
	for _, res := range b.Resources {
		if res == nil {
			continue
		}
		if isGeometry(res) {
			r, ok := res.(*resource)
			if !ok {
				continue
			}
			if r.desc.Flags&rhi.FlagIndexBuffer != 0 {
				l.index = r
			} else {
				l.vertex = r
			}
			continue
		}
		bindable = append(bindable, res)
	}
	if len(bindable) > 0 {
		l.bound = bindable
	}
}

// Draw implements rhi.CommandList. A draw without an index buffer is a
// plain vertex draw of IndexCount vertices.
func (l *commandList) Draw(args rhi.DrawArgs) {
	if !l.prepareDraw() {
		return
	}
	instances := max(args.InstanceCount, 1)
	if vb, ok := args.VertexBuffer.(*resource); ok && vb.buf != nil {
		l.rp.SetVertexBuffer(0, vb.buf, 0)
	}
	if ib, ok := args.IndexBuffer.(*resource); ok && ib.buf != nil {
		l.rp.SetIndexBuffer(ib.buf, gputypes.IndexFormatUint32, 0)
		l.rp.DrawIndexed(args.IndexCount, instances, args.FirstIndex, args.BaseVertex, args.FirstInstance)
		return
	}
	l.rp.Draw(args.IndexCount, instances, 0, args.FirstInstance)
}

// DrawFullscreen draws the three-vertex fullscreen triangle.
func (l *commandList) DrawFullscreen() {
	if !l.prepareDraw() {
		return
	}
	l.rp.Draw(3, 1, 0, 0)
}

// DrawIndirect issues maxCount indexed indirect draws. The HAL has no
// count buffer; args with zero instances draw nothing.
func (l *commandList) DrawIndirect(args rhi.Resource, offset uint64, maxCount uint32, _ rhi.Resource) {
	r, ok := args.(*resource)
	if !ok || r.buf == nil || !l.prepareDraw() {
		return
	}
	if l.vertex != nil {
		l.rp.SetVertexBuffer(0, l.vertex.buf, 0)
	}
	if l.index == nil {
		l.warnOnce("indirect:"+l.pipe.desc.Name, "indirect draw without index buffer dropped")
		return
	}
	l.rp.SetIndexBuffer(l.index.buf, gputypes.IndexFormatUint32, 0)
	for i := range uint64(maxCount) {
		l.rp.DrawIndexedIndirect(r.buf, offset+i*indirectArgsSize)
	}
}

func (l *commandList) prepareDraw() bool {
	if !l.open || l.rp == nil || l.pipe == nil || l.pipe.render == nil {
		return false
	}
	groups, err := l.bindGroups(l.pipe)
	if err != nil {
		l.warnOnce("bind:"+l.pipe.desc.Name, "draw dropped", "pipeline", l.pipe.desc.Name, "err", err)
		return false
	}
	l.rp.SetPipeline(l.pipe.render)
	for i, g := range groups {
		l.rp.SetBindGroup(uint32(i), g, nil) //nolint:gosec // G115: at most two groups
	}
	return true
}

// Dispatch records a compute pass with the current pipeline.
func (l *commandList) Dispatch(x, y, z uint32) {
	if !l.open || l.pipe == nil || l.pipe.compute == nil {
		return
	}
	l.endRenderPass()
	groups, err := l.bindGroups(l.pipe)
	if err != nil {
		l.warnOnce("bind:"+l.pipe.desc.Name, "dispatch dropped", "pipeline", l.pipe.desc.Name, "err", err)
		return
	}
	label := l.pipe.desc.Name
	if l.marker != "" {
		label = l.marker
	}
	cp := l.encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: label})
	cp.SetPipeline(l.pipe.compute)
	for i, g := range groups {
		cp.SetBindGroup(uint32(i), g, nil) //nolint:gosec // G115: at most two groups
	}
	cp.Dispatch(x, y, z)
	cp.End()
}

// CopyBuffer implements rhi.CommandList.
func (l *commandList) CopyBuffer(dst rhi.Resource, dstOffset uint64, src rhi.Resource, srcOffset, size uint64) {
	d, ok1 := dst.(*resource)
	s, ok2 := src.(*resource)
	if !l.open || !ok1 || !ok2 || d.buf == nil || s.buf == nil || size == 0 {
		return
	}
	l.endRenderPass()
	l.encoder.CopyBufferToBuffer(s.buf, d.buf, []hal.BufferCopy{
		{SrcOffset: srcOffset, DstOffset: dstOffset, Size: alignBuffer(size)},
	})
}

// CopyResource copies a whole buffer or the first mip of every layer.
func (l *commandList) CopyResource(dst, src rhi.Resource) {
	d, ok1 := dst.(*resource)
	s, ok2 := src.(*resource)
	if !l.open || !ok1 || !ok2 {
		return
	}
	if s.buf != nil && d.buf != nil {
		l.CopyBuffer(d, 0, s, 0, min(s.desc.Size, d.desc.Size))
		return
	}
	if s.tex == nil || d.tex == nil {
		return
	}
	l.endRenderPass()
	l.encoder.CopyTextureToTexture(s.tex, d.tex, []hal.TextureCopy{{
		SrcBase: hal.ImageCopyTexture{Texture: s.tex, Aspect: gputypes.TextureAspectAll},
		DstBase: hal.ImageCopyTexture{Texture: d.tex, Aspect: gputypes.TextureAspectAll},
		Size: hal.Extent3D{
			Width:              min(s.desc.Width, d.desc.Width),
			Height:             min(s.desc.Height, d.desc.Height),
			DepthOrArrayLayers: max(min(s.desc.ArraySize, d.desc.ArraySize), 1),
		},
	}})
}

// ClearUnorderedAccess zeroes buffers from the shared zero buffer and
// clears render-target textures with a load-op pass. Non-zero buffer
// values are not supported.
func (l *commandList) ClearUnorderedAccess(res rhi.Resource, value [4]float32) {
	r, ok := res.(*resource)
	if !l.open || !ok {
		return
	}
	l.endRenderPass()
	if r.buf != nil {
		if value != [4]float32{} {
			l.warnOnce("clear:"+r.desc.Label, "non-zero buffer clear written as zero")
		}
		size := alignBuffer(r.desc.Size)
		for off := uint64(0); off < size; off += zeroBufferSize {
			n := min(zeroBufferSize, size-off)
			l.encoder.CopyBufferToBuffer(l.dev.zeros, r.buf, []hal.BufferCopy{{SrcOffset: 0, DstOffset: off, Size: n}})
		}
		return
	}
	if r.tex == nil || r.desc.Flags&rhi.FlagRenderTarget == 0 {
		l.warnOnce("clear:"+r.desc.Label, "texture clear needs a render-target texture")
		return
	}
	l.BeginPass(rhi.PassDesc{
		Name:   "clear_" + r.desc.Label,
		Colors: []rhi.ColorAttachment{{Target: r, Load: rhi.LoadClear, Clear: value}},
	})
	l.endRenderPass()
}

// WriteImmediate stages value in the list's immediate buffer and copies
// it into dst, ordered with the surrounding commands. Writes recorded
// inside a render pass land when the pass ends.
func (l *commandList) WriteImmediate(dst rhi.Resource, offset uint64, value uint32) {
	r, ok := dst.(*resource)
	if !l.open || !ok || r.buf == nil {
		return
	}
	if l.immCount >= immediateCapacity {
		l.warnOnce("immediates", "immediate write capacity reached")
		return
	}
	if l.immediates == nil {
		buf, err := l.dev.device.CreateBuffer(&hal.BufferDescriptor{
			Label: l.label + "_immediates",
			Size:  immediateCapacity * 4,
			Usage: gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			l.warnOnce("immediates", "immediate buffer unavailable", "err", err)
			return
		}
		l.immediates = buf
	}
	slot := l.immCount * 4
	l.immCount++
	l.dev.queue.WriteBuffer(l.immediates, slot, []byte{
		byte(value), byte(value >> 8), byte(value >> 16), byte(value >> 24),
	})
	l.deferred = append(l.deferred, immediate{dst: r, offset: offset, slot: slot})
	if l.rp == nil {
		l.flushImmediates()
	}
}

func (l *commandList) flushImmediates() {
	for _, im := range l.deferred {
		l.encoder.CopyBufferToBuffer(l.immediates, im.dst.buf, []hal.BufferCopy{
			{SrcOffset: im.slot, DstOffset: im.offset, Size: 4},
		})
	}
	l.deferred = l.deferred[:0]
}

// SetMarker names the next pass for captures.
func (l *commandList) SetMarker(name string) {
	l.marker = name
	l.flushMarker()
}

func (l *commandList) flushMarker() {
	if l.marker == "" || !l.open {
		return
	}
	type debugMarker interface{ InsertDebugMarker(label string) }
	if m, ok := l.encoder.(debugMarker); ok {
		m.InsertDebugMarker(l.marker)
	}
}

func (l *commandList) warnOnce(key, msg string, args ...any) {
	if l.warned == nil {
		l.warned = make(map[string]bool)
	}
	if l.warned[key] {
		return
	}
	l.warned[key] = true
	slogger().Warn(msg, append([]any{"list", l.label}, args...)...)
}

// pushUniform copies a constant block into the list's uniform space and
// returns its buffer and offset.
func (l *commandList) pushUniform(block []byte) (hal.Buffer, uint64, error) {
	size := uint64(len(block))
	if l.chunk < len(l.chunks) && l.uniformOff+size > uniformChunkSize {
		l.chunk++
		l.uniformOff = 0
	}
	if l.chunk >= len(l.chunks) {
		buf, err := l.dev.device.CreateBuffer(&hal.BufferDescriptor{
			Label: fmt.Sprintf("%s_uniforms_%d", l.label, len(l.chunks)),
			Size:  uniformChunkSize,
			Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			return nil, 0, err
		}
		l.chunks = append(l.chunks, buf)
	}
	buf, off := l.chunks[l.chunk], l.uniformOff
	l.dev.queue.WriteBuffer(buf, off, block)
	l.uniformOff = (off + size + uniformAlignment - 1) &^ (uniformAlignment - 1)
	return buf, off, nil
}

// bindGroups builds one bind group per layout group for the current
// constants and bound resources.
func (l *commandList) bindGroups(p *pipeline) ([]hal.BindGroup, error) {
	assigned := assign(p.entries, l.bound)
	entries := make([][]gputypes.BindGroupEntry, len(p.groups))
	for i, e := range p.entries {
		var res gputypes.BindingResource
		switch e.kind {
		case entryUniform:
			block := l.blocks[e.size]
			if block == nil {
				block = make([]byte, e.size)
			}
			buf, off, err := l.pushUniform(block)
			if err != nil {
				return nil, err
			}
			res = gputypes.BufferBinding{Buffer: buf.NativeHandle(), Offset: off, Size: uint64(e.size)} //nolint:gosec // G115: block sizes are small
		case entrySampler, entryComparisonSampler:
			h, err := l.dev.samplerHandle(e.kind == entryComparisonSampler)
			if err != nil {
				return nil, err
			}
			res = gputypes.SamplerBinding{Sampler: h}
		case entryStorageRead, entryStorageReadWrite:
			buf := l.dev.zeros
			if r, ok := assigned[i].(*resource); ok && r.buf != nil {
				buf = r.buf
			}
			res = gputypes.BufferBinding{Buffer: buf.NativeHandle()}
		case entryStorageTexture:
			r, ok := assigned[i].(*resource)
			if !ok || r.view == nil {
				return nil, fmt.Errorf("binding %d.%d: no storage texture bound", e.group, e.binding)
			}
			res = gputypes.TextureViewBinding{TextureView: r.handle()}
		default:
			r, ok := assigned[i].(*resource)
			if !ok || r.view == nil {
				var err error
				if r, err = l.dev.placeholder(e.kind); err != nil {
					return nil, err
				}
			}
			res = gputypes.TextureViewBinding{TextureView: r.handle()}
		}
		entries[e.group] = append(entries[e.group], gputypes.BindGroupEntry{Binding: e.binding, Resource: res})
	}
	out := make([]hal.BindGroup, len(p.groups))
	for g, layout := range p.groups {
		bg, err := l.dev.device.CreateBindGroup(&hal.BindGroupDescriptor{
			Label:   fmt.Sprintf("%s_bg%d", p.desc.Name, g),
			Layout:  layout,
			Entries: entries[g],
		})
		if err != nil {
			return nil, fmt.Errorf("bind group %d: %w", g, err)
		}
		l.groups = append(l.groups, bg)
		out[g] = bg
	}
	return out, nil
}

// release frees everything the list owns. The GPU must be done with it.
func (l *commandList) release() {
	if l.open {
		l.encoder.DiscardEncoding()
		l.open = false
	}
	if l.cmdBuf != nil {
		l.dev.device.FreeCommandBuffer(l.cmdBuf)
		l.cmdBuf = nil
	}
	l.recycle()
	for _, c := range l.chunks {
		l.dev.device.DestroyBuffer(c)
	}
	l.chunks = nil
	if l.immediates != nil {
		l.dev.device.DestroyBuffer(l.immediates)
		l.immediates = nil
	}
}

var _ rhi.CommandList = (*commandList)(nil)
