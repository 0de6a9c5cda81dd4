// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package frame

import (
	"cmp"
	"slices"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/cortex/internal/config"
	"github.com/gogpu/cortex/internal/descriptor"
	"github.com/gogpu/cortex/internal/diag"
	"github.com/gogpu/cortex/internal/parallel"
	"github.com/gogpu/cortex/internal/rendergraph"
	"github.com/gogpu/cortex/internal/rhi"
	"github.com/gogpu/cortex/internal/scene"
	"github.com/gogpu/cortex/internal/xmath"
)

// Opaque paths.
const (
	PathForward    = "forward"
	PathIndirect   = "indirect"
	PathVisibility = "visibility"
)

// frameContext is everything one frame's passes share. Draw lists index
// into sc.Instances and hold only meshes that were resident when the frame
// started; meshes uploaded during the frame are drawn from the next one.
type frameContext struct {
	sc *scene.Scene
	q  config.Quality
	c  Constants

	frameBlock []byte

	backBuffer rhi.Resource
	color      rhi.Resource // opaque output: HDR, or the back buffer without HDR
	sceneColor rhi.Resource // post-process input

	opaque      []int // camera-visible
	overlay     []int
	water       []int
	transparent []int
	casters     []int // every resident opaque instance

	missing     []*scene.Mesh
	resident    []*scene.Mesh
	uploadFence uint64

	rt              bool
	tlas            rhi.Resource
	path            string
	velocityWritten bool

	ran           uint64
	passes        []string
	graphBarriers int
}

func (fc *frameContext) did(m diag.Marker) bool { return fc.ran&(1<<m) != 0 }

func (fc *frameContext) colorFormat() gputypes.TextureFormat { return fc.color.Desc().Format }

func (r *Renderer) newFrameContext(sc *scene.Scene, q config.Quality) *frameContext {
	fc := &frameContext{sc: sc, q: q}
	fc.c = r.cam.compute(sc, &q, r.t.width, r.t.height, r.frame)
	if !fc.c.HistoryValid && r.frame > 1 {
		slogger().Debug("temporal history invalidated", "frame", r.frame)
	}
	if fc.c.DroppedLights > 0 {
		r.logOnce("lights", "forward light limit exceeded, extra lights ignored",
			"limit", MaxForwardLights, "dropped", fc.c.DroppedLights)
	}
	fc.frameBlock = fc.c.FrameBlock()

	fc.backBuffer = r.win.BackBuffer()
	if !r.tracker.IsTracked(fc.backBuffer) {
		r.tracker.Track(fc.backBuffer, rhi.StatePresent)
	}
	fc.color = r.t.hdr
	if !q.HDR {
		fc.color = fc.backBuffer
	}
	fc.sceneColor = fc.color

	r.classify(fc)
	fc.rt = q.RayTracing && !r.jobs.IsAccelerationStructureWarmingUp()

	switch {
	case q.VisibilityBuffer && q.HDR:
		fc.path = PathVisibility
	case q.GPUCulling:
		fc.path = PathIndirect
	default:
		fc.path = PathForward
	}
	return fc
}

// classify snapshots mesh residency and builds the draw lists.
func (r *Renderer) classify(fc *frameContext) {
	insts := fc.sc.Instances
	r.registry.ResetRefCounts()

	seen := make(map[*scene.Mesh]bool)
	for i := range insts {
		in := &insts[i]
		m := in.Mesh
		if m == nil {
			continue
		}
		resident, ok := seen[m]
		if !ok {
			resident = m.Resident()
			seen[m] = resident
			if resident {
				fc.resident = append(fc.resident, m)
			} else {
				fc.missing = append(fc.missing, m)
			}
		}
		if !resident {
			continue
		}
		r.registry.AddMeshRef(m.Key)
		if in.Material != nil && in.Material.AlbedoTexture != "" {
			r.registry.AddTextureRef(in.Material.AlbedoTexture)
		}
		if isOpaque(in.Flags) {
			fc.casters = append(fc.casters, i)
		}
		fc.uploadFence = max(fc.uploadFence, m.GPU.UploadFence)
	}

	for _, i := range parallel.Cull(r.workers, insts, &fc.c.Frustum) {
		in := &insts[i]
		if !seen[in.Mesh] {
			continue
		}
		switch {
		case in.Flags.Has(scene.FlagOverlay):
			fc.overlay = append(fc.overlay, i)
		case in.Flags.Has(scene.FlagWater):
			fc.water = append(fc.water, i)
		case in.Flags.Has(scene.FlagBlended):
			fc.transparent = append(fc.transparent, i)
		default:
			fc.opaque = append(fc.opaque, i)
		}
	}

	// Back to front.
	eye := fc.c.CameraPos
	slices.SortStableFunc(fc.transparent, func(a, b int) int {
		da := xmath.Length(xmath.Sub(insts[a].WorldBounds().Center, eye))
		db := xmath.Length(xmath.Sub(insts[b].WorldBounds().Center, eye))
		return cmp.Compare(db, da)
	})
}

func isOpaque(f scene.Flags) bool {
	return f&(scene.FlagOverlay|scene.FlagWater|scene.FlagBlended) == 0
}

// DrawContext is handed to opaque-path collaborators.
type DrawContext struct {
	Cmd     rhi.CommandList
	Tracker *rendergraph.Tracker
	Slot    int
	Frame   uint64

	Constants *Constants
	// FrameBlock is the encoded frame uniform.
	FrameBlock []byte
	Instances  []scene.Renderable
	// Visible indexes the camera-visible resident opaque instances.
	Visible []int

	Depth           rhi.Resource
	NormalRoughness rhi.Resource
	Velocity        rhi.Resource

	r *Renderer
}

func (r *Renderer) drawContext(fc *frameContext) *DrawContext {
	return &DrawContext{
		Cmd:             r.cmd,
		Tracker:         r.tracker,
		Slot:            r.slot,
		Frame:           r.frame,
		Constants:       &fc.c,
		FrameBlock:      fc.frameBlock,
		Instances:       fc.sc.Instances,
		Visible:         fc.opaque,
		Depth:           r.t.depth,
		NormalRoughness: r.t.normal,
		Velocity:        r.t.velocity,
		r:               r,
	}
}

// Pipeline returns a renderer pipeline by name, or nil when unavailable.
func (d *DrawContext) Pipeline(name string, depth gputypes.TextureFormat, colors ...gputypes.TextureFormat) rhi.Pipeline {
	return d.r.pipes.get(name, depth, colors...)
}

// Table allocates n transient descriptors for the current frame slot.
func (d *DrawContext) Table(n uint32) (rhi.DescriptorRef, error) { return d.r.table(n) }

// Device returns the device the renderer records for.
func (d *DrawContext) Device() rhi.Device { return d.r.dev }

// DrawInstance records the draw of one instance with its constants.
func (d *DrawContext) DrawInstance(in *scene.Renderable) { drawInstance(d.Cmd, in) }

// table allocates n transient descriptors in the active slot's segment.
func (r *Renderer) table(n uint32) (rhi.DescriptorRef, error) {
	h, err := r.desc.AllocateTransientRange(n)
	if err != nil {
		return rhi.DescriptorRef{Slot: -1}, err
	}
	return h.Ref(), nil
}

// persistentRef returns the table reference of a target's views.
func (r *Renderer) persistentRef(res rhi.Resource) rhi.DescriptorRef {
	h := r.srv(res)
	if !h.IsValid() {
		return descriptor.Handle{Slot: -1}.Ref()
	}
	return h.Ref()
}

func drawInstance(cmd rhi.CommandList, in *scene.Renderable) {
	m := in.Mesh
	cmd.SetBindings(rhi.Bindings{Constants: InstanceBlock(in)})
	cmd.Draw(rhi.DrawArgs{
		VertexBuffer:  m.GPU.VertexBuffer,
		IndexBuffer:   m.GPU.IndexBuffer,
		IndexCount:    uint32(len(m.Indices)), //nolint:gosec // G115: index counts fit in uint32
		InstanceCount: 1,
	})
}
