// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/cortex/internal/rendergraph"
	"github.com/gogpu/cortex/internal/rhi"
	"github.com/gogpu/cortex/internal/scene"
)

// GPU culling limits and layouts.
const (
	// MaxCullInstances is the most instances one frame culls on the GPU.
	// Extra instances are dropped with a warning.
	MaxCullInstances = 65536

	CullInstanceSize    = 32
	TransformSize       = 64
	IndirectArgsSize    = 20
	CullParamsSize      = 192
	cullGroupSize       = 64
	minCullCapacity     = 1024
	minCullMeshCapacity = 64
)

// gpuCuller is the built-in GPUCuller. Instance data goes through
// per-slot upload buffers; arguments, the visible list and the counter
// live in default-heap buffers shared by every slot.
type gpuCuller struct {
	r *Renderer

	capacity int
	meshCap  int

	instances  [rhi.FramesInFlight]rhi.Resource
	transforms [rhi.FramesInFlight]rhi.Resource
	argsInit   [rhi.FramesInFlight]rhi.Resource
	readback   [rhi.FramesInFlight]rhi.Resource
	recorded   [rhi.FramesInFlight]bool

	args    rhi.Resource
	visible rhi.Resource
	counter rhi.Resource

	visibleCount uint32
	warned       bool
	meshIndex    map[*scene.Mesh]int
}

func newGPUCuller(r *Renderer) *gpuCuller {
	return &gpuCuller{r: r, meshIndex: make(map[*scene.Mesh]int)}
}

func (c *gpuCuller) Cull(ctx *DrawContext, candidates []int) (IndirectDraws, error) {
	pipe := ctx.Pipeline(PipelineCull, gputypes.TextureFormatUndefined)
	if pipe == nil {
		return IndirectDraws{}, fmt.Errorf("frame: %s pipeline: %w", PipelineCull, rhi.ErrUnsupported)
	}
	if len(candidates) > MaxCullInstances {
		if !c.warned {
			c.warned = true
			slogger().Warn("GPU culling instance limit reached, extra instances dropped",
				"limit", MaxCullInstances, "instances", len(candidates))
		}
		candidates = candidates[:MaxCullInstances]
	}
	slot := ctx.Slot
	dev := ctx.Device()
	c.readVisible(dev, slot)

	clear(c.meshIndex)
	var meshes []*scene.Mesh
	inst := make([]byte, len(candidates)*CullInstanceSize)
	xf := make([]byte, len(candidates)*TransformSize)
	for k, i := range candidates {
		in := &ctx.Instances[i]
		mi, ok := c.meshIndex[in.Mesh]
		if !ok {
			mi = len(meshes)
			c.meshIndex[in.Mesh] = mi
			meshes = append(meshes, in.Mesh)
		}
		s := in.WorldBounds()
		o := inst[k*CullInstanceSize:]
		putVec4(o, s.Center[0], s.Center[1], s.Center[2], s.Radius)
		putU32(o[16:], uint32(mi)) //nolint:gosec // G115: mesh count is bounded by MaxCullInstances
		putU32(o[20:], uint32(k))  //nolint:gosec // G115: bounded by MaxCullInstances
		putMat(xf[k*TransformSize:], in.Transform)
	}
	args := make([]byte, len(meshes)*IndirectArgsSize)
	for mi, m := range meshes {
		putU32(args[mi*IndirectArgsSize:], uint32(len(m.Indices))) //nolint:gosec // G115: index counts fit in uint32
	}

	if err := c.ensure(len(candidates), len(meshes)); err != nil {
		return IndirectDraws{}, err
	}
	for _, w := range []struct {
		dst  rhi.Resource
		data []byte
	}{{c.instances[slot], inst}, {c.transforms[slot], xf}, {c.argsInit[slot], args}} {
		if err := dev.WriteBuffer(w.dst, 0, w.data); err != nil {
			return IndirectDraws{}, fmt.Errorf("frame: cull upload: %w", err)
		}
	}

	cmd, tr := ctx.Cmd, ctx.Tracker
	tr.Transition(cmd, c.args, rhi.StateCopyDest)
	cmd.CopyBuffer(c.args, 0, c.argsInit[slot], 0, uint64(len(args)))
	tr.TransitionAll(cmd,
		rendergraph.Request{Resource: c.args, State: rhi.StateUnorderedAccess},
		rendergraph.Request{Resource: c.visible, State: rhi.StateUnorderedAccess},
		rendergraph.Request{Resource: c.counter, State: rhi.StateUnorderedAccess})
	cmd.ClearUnorderedAccess(c.counter, [4]float32{})
	cmd.ResourceBarrier(rhi.UAVBarrier(c.counter))

	ref, err := ctx.Table(4)
	if err != nil {
		return IndirectDraws{}, err
	}
	cmd.SetPipeline(pipe)
	cmd.SetBindings(rhi.Bindings{
		Constants: cullParams(ctx.Constants, len(candidates), len(meshes)),
		Table:     ref,
		Resources: []rhi.Resource{c.instances[slot], c.visible, c.args, c.counter},
	})
	cmd.Dispatch(uint32((len(candidates)+cullGroupSize-1)/cullGroupSize), 1, 1) //nolint:gosec // G115: bounded by MaxCullInstances
	cmd.ResourceBarrier(rhi.UAVBarrier(c.args), rhi.UAVBarrier(c.visible))
	tr.TransitionAll(cmd,
		rendergraph.Request{Resource: c.args, State: rhi.StateIndirectArgument},
		rendergraph.Request{Resource: c.visible, State: rhi.StateNonPixelShaderResource},
		rendergraph.Request{Resource: c.counter, State: rhi.StateCopySource})
	cmd.CopyBuffer(c.readback[slot], 0, c.counter, 0, 4)
	c.recorded[slot] = true

	out := IndirectDraws{Args: c.args, Instances: c.transforms[slot], Visible: c.visible}
	for mi, m := range meshes {
		out.Batches = append(out.Batches, IndirectBatch{Mesh: m, Offset: uint64(mi * IndirectArgsSize)}) //nolint:gosec // G115: small offsets
	}
	return out, nil
}

// readVisible picks up the count this slot's previous frame wrote. The
// slot fence has been waited on, so the readback is complete.
func (c *gpuCuller) readVisible(dev rhi.Device, slot int) {
	if !c.recorded[slot] || c.readback[slot] == nil {
		return
	}
	var b [4]byte
	if err := dev.ReadBuffer(c.readback[slot], 0, b[:]); err == nil {
		c.visibleCount = binary.LittleEndian.Uint32(b[:])
	}
}

func cullParams(k *Constants, instances, meshes int) []byte {
	buf := make([]byte, CullParamsSize)
	putMat(buf, k.ViewProjUnjittered)
	for i, p := range k.Frustum {
		putVec4(buf[64+16*i:], p[0], p[1], p[2], p[3])
	}
	putVec4(buf[160:], k.CameraPos[0], k.CameraPos[1], k.CameraPos[2], 1)
	putU32(buf[176:], uint32(instances)) //nolint:gosec // G115: bounded by MaxCullInstances
	putU32(buf[180:], uint32(meshes))    //nolint:gosec // G115: bounded by MaxCullInstances
	return buf
}

// ensure grows the buffers to hold instances and meshes. Replaced buffers
// are released once in-flight frames are done with them.
func (c *gpuCuller) ensure(instances, meshes int) error {
	if instances <= c.capacity && meshes <= c.meshCap && c.args != nil {
		return nil
	}
	capacity := max(c.capacity, minCullCapacity)
	for capacity < instances {
		capacity *= 2
	}
	capacity = min(capacity, MaxCullInstances)
	meshCap := max(c.meshCap, minCullMeshCapacity)
	for meshCap < meshes {
		meshCap *= 2
	}
	c.retireAll()

	r := c.r
	create := func(label string, heap rhi.Heap, size int, flags rhi.ResourceFlags) (rhi.Resource, error) {
		return r.dev.CreateResource(rhi.ResourceDesc{
			Label: label, Dimension: rhi.DimensionBuffer, Heap: heap, Size: uint64(size), Flags: flags, //nolint:gosec // G115: positive sizes
		})
	}
	var err error
	for s := range rhi.FramesInFlight {
		if c.instances[s], err = create(fmt.Sprintf("cull_instances_%d", s), rhi.HeapUpload, capacity*CullInstanceSize, rhi.FlagShaderResource); err != nil {
			return err
		}
		if c.transforms[s], err = create(fmt.Sprintf("cull_transforms_%d", s), rhi.HeapUpload, capacity*TransformSize, rhi.FlagShaderResource); err != nil {
			return err
		}
		if c.argsInit[s], err = create(fmt.Sprintf("cull_args_init_%d", s), rhi.HeapUpload, meshCap*IndirectArgsSize, 0); err != nil {
			return err
		}
		if c.readback[s], err = create(fmt.Sprintf("cull_count_readback_%d", s), rhi.HeapReadback, 4, 0); err != nil {
			return err
		}
		c.recorded[s] = false
	}
	if c.args, err = create("cull_args", rhi.HeapDefault, meshCap*IndirectArgsSize, rhi.FlagUnorderedAccess|rhi.FlagIndirect); err != nil {
		return err
	}
	if c.visible, err = create("cull_visible", rhi.HeapDefault, capacity*4, rhi.FlagUnorderedAccess|rhi.FlagShaderResource); err != nil {
		return err
	}
	if c.counter, err = create("cull_count", rhi.HeapDefault, 4, rhi.FlagUnorderedAccess); err != nil {
		return err
	}
	for _, res := range []rhi.Resource{c.args, c.visible, c.counter} {
		r.tracker.Track(res, rhi.StateCommon)
	}
	c.capacity, c.meshCap = capacity, meshCap
	slogger().Debug("GPU culling buffers sized", "instances", capacity, "meshes", meshCap)
	return nil
}

func (c *gpuCuller) buffers() []*rhi.Resource {
	out := []*rhi.Resource{&c.args, &c.visible, &c.counter}
	for s := range rhi.FramesInFlight {
		out = append(out, &c.instances[s], &c.transforms[s], &c.argsInit[s], &c.readback[s])
	}
	return out
}

func (c *gpuCuller) retireAll() {
	r := c.r
	for _, p := range c.buffers() {
		if *p == nil {
			continue
		}
		r.tracker.Untrack(*p)
		r.retire.DestroyLater(r.frame, r.dev, *p)
		*p = nil
	}
}

func (c *gpuCuller) VisibleCount() uint32 { return c.visibleCount }

func (c *gpuCuller) Reset() {
	clear(c.meshIndex)
	c.visibleCount = 0
	c.recorded = [rhi.FramesInFlight]bool{}
}

// Release destroys the buffers. The GPU must be idle.
func (c *gpuCuller) Release() {
	r := c.r
	for _, p := range c.buffers() {
		if *p == nil {
			continue
		}
		r.tracker.Untrack(*p)
		r.dev.DestroyResource(*p)
		*p = nil
	}
	c.capacity, c.meshCap = 0, 0
}
