// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package frame is the pass orchestrator. A Renderer owns the per-frame
// command lists, render targets and subsystems and records the fixed pass
// sequence for one scene per Render call:
//
//	GPU jobs, TLAS, RT shadows, depth prepass, shadows, opaque, overlay,
//	water, transparent, RT reflections and GI, motion vectors, HZB, TAA,
//	SSR, SSAO, bloom, post-process, debug lines
//
// Passes whose feature is off, whose inputs are missing or whose pipeline
// cannot be created are skipped; the frame continues without them.
//
// A Renderer is driven from a single goroutine.
package frame

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/image/math/f32"

	"github.com/gogpu/cortex/internal/config"
	"github.com/gogpu/cortex/internal/descriptor"
	"github.com/gogpu/cortex/internal/diag"
	"github.com/gogpu/cortex/internal/governor"
	"github.com/gogpu/cortex/internal/jobs"
	"github.com/gogpu/cortex/internal/logging"
	"github.com/gogpu/cortex/internal/parallel"
	"github.com/gogpu/cortex/internal/queue"
	"github.com/gogpu/cortex/internal/registry"
	"github.com/gogpu/cortex/internal/rendergraph"
	"github.com/gogpu/cortex/internal/retire"
	"github.com/gogpu/cortex/internal/rhi"
	"github.com/gogpu/cortex/internal/scene"
	"github.com/gogpu/cortex/internal/shaders"
)

// Errors returned by Render.
var (
	// ErrDeviceRemoved is returned by the frame that detects device loss.
	// Later frames are skipped and return nil.
	ErrDeviceRemoved = errors.New("frame: device removed")

	// ErrTargetRealloc is returned when render targets cannot be recreated
	// after a resize. It is fatal: the renderer marks the device removed.
	ErrTargetRealloc = errors.New("frame: render target reallocation failed")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("frame: renderer closed")
)

func slogger() *slog.Logger { return logging.Component("frame") }

// Window is the swap chain the renderer presents to.
type Window interface {
	// Size returns the back-buffer size in pixels.
	Size() (width, height uint32)
	// BackBufferIndex returns the swap-chain index of the current back
	// buffer. It selects the frame slot.
	BackBufferIndex() int
	BackBuffer() rhi.Resource
	Present() error
}

// AccelerationStructures builds and owns ray-tracing acceleration
// structures. The renderer decides when to build; the collaborator owns
// the BVH memory.
type AccelerationStructures interface {
	jobs.BLASBuilder
	// BuildTopLevel records the TLAS build over the instances whose BLAS
	// exists and returns the TLAS.
	BuildTopLevel(cmd rhi.CommandList, instances []scene.Renderable) (rhi.Resource, error)
	// ReleaseBottomLevel drops the BLAS of one mesh.
	ReleaseBottomLevel(meshKey string)
	// ClearAll drops every BLAS and the TLAS.
	ClearAll()
	// Bytes returns the memory held by acceleration structures.
	Bytes() uint64
}

// VisibilityBuffer records the visibility pass of the visibility-buffer
// opaque path.
type VisibilityBuffer interface {
	// Resize (re)creates the buffer at the internal render size.
	Resize(width, height uint32) error
	// Build records instance IDs and depth for ctx.Visible. It reports
	// false when nothing was recorded.
	Build(ctx *DrawContext) (bool, error)
	// IDs returns the instance-ID target.
	IDs() rhi.Resource
	// WritesVelocity reports whether Build also writes per-pixel motion
	// vectors into ctx.Velocity.
	WritesVelocity() bool
	Release()
}

// IndirectBatch is one indirect draw of the GPU-culled opaque path.
type IndirectBatch struct {
	Mesh   *scene.Mesh
	Offset uint64 // byte offset into Args
}

// IndirectDraws is the output of GPU culling.
type IndirectDraws struct {
	Args      rhi.Resource
	Instances rhi.Resource
	Visible   rhi.Resource
	Batches   []IndirectBatch
}

// GPUCuller culls instances on the GPU and produces indirect draws.
type GPUCuller interface {
	// Cull uploads ctx.Instances[candidates] and records the culling
	// dispatch.
	Cull(ctx *DrawContext, candidates []int) (IndirectDraws, error)
	// VisibleCount is the GPU's visible count, one frame delayed.
	VisibleCount() uint32
	// Reset forgets every mesh reference.
	Reset()
	Release()
}

// Option configures a Renderer.
type Option func(*options)

type options struct {
	cfg     config.Config
	accel   AccelerationStructures
	vis     VisibilityBuffer
	culler  GPUCuller
	lib     *shaders.Library
	ring    *logging.RingHandler
	workers int
	dumpDir *string
}

// WithConfig sets the configuration. The default is config.Default.
func WithConfig(cfg config.Config) Option { return func(o *options) { o.cfg = cfg } }

// WithAccelerationStructures enables ray tracing through a.
func WithAccelerationStructures(a AccelerationStructures) Option {
	return func(o *options) { o.accel = a }
}

// WithVisibilityBuffer replaces the built-in visibility buffer.
func WithVisibilityBuffer(v VisibilityBuffer) Option { return func(o *options) { o.vis = v } }

// WithGPUCuller replaces the built-in GPU culler.
func WithGPUCuller(c GPUCuller) Option { return func(o *options) { o.culler = c } }

// WithShaderLibrary sets the shader compiler cache.
func WithShaderLibrary(l *shaders.Library) Option { return func(o *options) { o.lib = l } }

// WithRing attaches the in-memory log whose tail goes into device-loss
// dumps.
func WithRing(h *logging.RingHandler) Option { return func(o *options) { o.ring = h } }

// WithWorkers sets the culling worker count. Zero uses GOMAXPROCS.
func WithWorkers(n int) Option { return func(o *options) { o.workers = n } }

// WithDumpDir sets where device-loss dumps are written. Empty disables the
// file. The default is the configured log directory.
func WithDumpDir(dir string) Option { return func(o *options) { o.dumpDir = &dir } }

// slotLists are the command lists of one frame slot.
type slotLists struct {
	main    rhi.CommandList
	post    rhi.CommandList // graphics work after an async-compute split
	compute rhi.CommandList // nil without a compute queue
}

type debugLine struct {
	a, b  f32.Vec3
	color f32.Vec4
}

// Renderer is the frame orchestrator.
type Renderer struct {
	dev rhi.Device
	win Window

	cfg     config.Config
	quality config.Quality // requested; governors and toggles edit it

	graphics *queue.CommandQueue
	copyQ    *queue.CommandQueue
	compute  *queue.CommandQueue

	pool     *jobs.UploadPool
	jobs     *jobs.Queue
	registry *registry.Registry
	retire   *retire.List
	desc     *descriptor.Manager
	tracker  *rendergraph.Tracker
	graph    *rendergraph.Graph
	crumbs   *diag.Breadcrumbs
	loss     *diag.DeviceLoss
	vram     *governor.VRAM
	perf     *governor.Performance
	workers  *parallel.Pool
	pipes    *pipelineCache
	ring     *logging.RingHandler

	accel  AccelerationStructures
	vis    VisibilityBuffer
	culler GPUCuller

	lists       [rhi.FramesInFlight]slotLists
	fenceValues [rhi.FramesInFlight]uint64
	cmd         rhi.CommandList
	slot        int
	frame       uint64

	t        targets
	cam      cameraState
	effScale float32

	blasKeys       map[string]struct{}
	tlas           rhi.Resource
	lastUploadWait uint64
	debugLines     []debugLine
	once           map[string]bool
	flushes        int
	last           Status
	closed         bool
}

// New creates a renderer drawing into win with dev.
func New(dev rhi.Device, win Window, opts ...Option) (*Renderer, error) {
	o := options{cfg: config.Default()}
	for _, fn := range opts {
		fn(&o)
	}
	o.cfg.Validate()
	dumpDir := o.cfg.Log.Dir
	if o.dumpDir != nil {
		dumpDir = *o.dumpDir
	}
	if o.lib == nil {
		o.lib = shaders.NewLibrary()
	}

	r := &Renderer{
		dev:      dev,
		win:      win,
		cfg:      o.cfg,
		quality:  o.cfg.Effective(),
		registry: registry.New(o.cfg.Budgets),
		retire:   retire.New(),
		tracker:  rendergraph.NewTracker(),
		graph:    rendergraph.New(dev),
		loss:     diag.NewDeviceLoss(dumpDir),
		vram:     governor.NewVRAM(o.cfg.Governor),
		perf:     governor.NewPerformance(o.cfg.Governor),
		workers:  parallel.NewPool(o.workers),
		pipes:    newPipelineCache(dev, o.lib),
		ring:     o.ring,
		accel:    o.accel,
		effScale: 1,
		blasKeys: make(map[string]struct{}),
		once:     make(map[string]bool),
	}
	if err := r.init(o); err != nil {
		r.workers.Close()
		return nil, err
	}
	slogger().Info("renderer created",
		"device", dev.Name(),
		"ray_tracing", dev.RayTracingTier() != rhi.RayTracingNone && r.accel != nil,
		"async_compute", r.compute != nil,
		"features", r.quality.Features())
	return r, nil
}

func (r *Renderer) init(o options) error {
	var err error
	if r.graphics, err = queue.New(r.dev, rhi.QueueGraphics); err != nil {
		return fmt.Errorf("frame: %w", err)
	}
	r.copyQ, err = queue.New(r.dev, rhi.QueueCopy)
	if errors.Is(err, queue.ErrNoQueue) {
		slogger().Info("no copy queue, uploads use the graphics queue")
		r.copyQ = r.graphics
	} else if err != nil {
		return fmt.Errorf("frame: %w", err)
	}
	if c, cerr := queue.New(r.dev, rhi.QueueCompute); cerr == nil {
		r.compute = c
	}

	if r.pool, err = jobs.NewUploadPool(r.dev, r.copyQ); err != nil {
		return err
	}
	var blas jobs.BLASBuilder
	if r.accel != nil {
		blas = r.accel
	}
	r.jobs = jobs.New(r.dev, r.pool, r.registry, r.retire, blas, r.cfg.Jobs)

	dcfg := r.cfg.Descriptors
	dcfg.Frames = rhi.FramesInFlight
	r.desc = descriptor.NewManager(dcfg)
	r.desc.SetFlushCallback(r.flushGPU)

	if r.crumbs, err = diag.NewBreadcrumbs(r.dev); err != nil {
		return err
	}

	for i := range r.lists {
		l := &r.lists[i]
		if l.main, err = r.dev.CreateCommandList(rhi.QueueGraphics, fmt.Sprintf("direct_%d", i)); err != nil {
			return fmt.Errorf("frame: create command list: %w", err)
		}
		if l.post, err = r.dev.CreateCommandList(rhi.QueueGraphics, fmt.Sprintf("direct_post_%d", i)); err != nil {
			return fmt.Errorf("frame: create command list: %w", err)
		}
		if r.compute != nil {
			if l.compute, err = r.dev.CreateCommandList(rhi.QueueCompute, fmt.Sprintf("compute_%d", i)); err != nil {
				return fmt.Errorf("frame: create command list: %w", err)
			}
		}
		// Lists start closed; BeginFrame reopens the slot's list.
		for _, cl := range []rhi.CommandList{l.main, l.post, l.compute} {
			if cl != nil && cl.IsOpen() {
				_ = cl.Close()
			}
		}
	}

	r.vis = o.vis
	if r.vis == nil {
		r.vis = newVisibilityBuffer(r)
	}
	r.culler = o.culler
	if r.culler == nil {
		r.culler = newGPUCuller(r)
	}
	return nil
}

// Registry returns the asset registry.
func (r *Renderer) Registry() *registry.Registry { return r.registry }

// Jobs returns the GPU job queue.
func (r *Renderer) Jobs() *jobs.Queue { return r.jobs }

// Tracker returns the resource-state tracker.
func (r *Renderer) Tracker() *rendergraph.Tracker { return r.tracker }

// Breadcrumbs returns the pass breadcrumbs.
func (r *Renderer) Breadcrumbs() *diag.Breadcrumbs { return r.crumbs }

// DeviceLoss returns the sticky device-removed state.
func (r *Renderer) DeviceLoss() *diag.DeviceLoss { return r.loss }

// Descriptors returns the descriptor manager.
func (r *Renderer) Descriptors() *descriptor.Manager { return r.desc }

// Quality returns the requested quality settings.
func (r *Renderer) Quality() config.Quality { return r.quality }

// SetQuality replaces the requested quality, for example after a config
// reload. Command-line and environment toggles still win.
func (r *Renderer) SetQuality(q config.Quality) {
	r.quality = q
	r.cfg.Toggles.Apply(&r.quality)
	slogger().Info("quality changed", "features", r.quality.Features(), "render_scale", r.quality.RenderScale)
}

// SetGovernor replaces the governor configuration.
func (r *Renderer) SetGovernor(g config.Governor) {
	r.cfg.Governor = g
	r.vram.SetConfig(g)
	r.perf.SetConfig(g)
}

// SetRenderScale requests an internal resolution scale and returns the
// scale that will be used at the current window size. Out-of-range values
// are clamped; the targets are recreated by the next frame.
func (r *Renderer) SetRenderScale(s float32) float32 {
	r.quality.RenderScale = min(max(s, config.MinRenderScale), config.MaxRenderScale)
	_, h := r.win.Size()
	return governor.ClampRenderScale(r.quality.RenderScale, h, r.quality.HeavyEffects())
}

// Feature names a runtime-switchable feature.
type Feature uint8

// Features.
const (
	FeatureTAA Feature = iota
	FeatureSSR
	FeatureSSAO
	FeatureBloom
	FeatureFog
	FeaturePostProcess
	FeatureRayTracing
	FeatureRTShadows
	FeatureRTReflections
	FeatureRTGI
	FeatureVisibilityBuffer
	FeatureGPUCulling
)

func (f Feature) field(q *config.Quality) *bool {
	switch f {
	case FeatureTAA:
		return &q.TAA
	case FeatureSSR:
		return &q.SSR
	case FeatureSSAO:
		return &q.SSAO
	case FeatureBloom:
		return &q.Bloom
	case FeatureFog:
		return &q.Fog
	case FeaturePostProcess:
		return &q.PostProcess
	case FeatureRayTracing:
		return &q.RayTracing
	case FeatureRTShadows:
		return &q.RTShadows
	case FeatureRTReflections:
		return &q.RTReflections
	case FeatureRTGI:
		return &q.RTGI
	case FeatureVisibilityBuffer:
		return &q.VisibilityBuffer
	case FeatureGPUCulling:
		return &q.GPUCulling
	}
	return nil
}

// SetFeature switches a feature. A disable toggle given on the command
// line or in the environment cannot be overridden.
func (r *Renderer) SetFeature(f Feature, on bool) {
	p := f.field(&r.quality)
	if p == nil {
		return
	}
	*p = on
	r.cfg.Toggles.Apply(&r.quality)
	if f == FeatureTAA || f == FeatureSSR || f == FeatureRTShadows || f == FeatureRTReflections || f == FeatureRTGI {
		r.cam.reset()
	}
}

// AddDebugLine queues a world-space line for the next frame's debug pass.
func (r *Renderer) AddDebugLine(a, b f32.Vec3, color f32.Vec4) {
	r.debugLines = append(r.debugLines, debugLine{a: a, b: b, color: color})
}

// ReleaseMesh drops a mesh's GPU buffers, its registry entry and its BLAS.
// The buffers are destroyed once in-flight frames no longer use them.
func (r *Renderer) ReleaseMesh(m *scene.Mesh) {
	if m == nil {
		return
	}
	if m.Resident() {
		r.retire.DestroyLater(r.frame, r.dev, m.GPU.VertexBuffer)
		r.retire.DestroyLater(r.frame, r.dev, m.GPU.IndexBuffer)
	}
	m.GPU = scene.GPUMesh{}
	r.registry.UnregisterMesh(m.Key)
	if _, ok := r.blasKeys[m.Key]; ok {
		delete(r.blasKeys, m.Key)
		if r.accel != nil {
			r.accel.ReleaseBottomLevel(m.Key)
		}
	}
}

// logOnce logs msg at warn level the first time key is seen.
func (r *Renderer) logOnce(key, msg string, args ...any) {
	if r.once[key] {
		return
	}
	r.once[key] = true
	slogger().Warn(msg, args...)
}

// Status is a snapshot of the last frame.
type Status struct {
	Frame        uint64
	Slot         int
	Width        uint32 // internal render size
	Height       uint32
	RenderScale  float32
	OpaquePath   string
	Passes       []string
	Features     []string
	Barriers     int
	GraphBarrier int
	Visible      int
	Flushes      int

	PendingMeshJobs         int
	PendingAccelerationJobs int
	AccelerationWarmingUp   bool
	RayTracing              bool
	DeviceRemoved           bool
	FrameTime               time.Duration

	Registry    registry.Stats
	Descriptors descriptor.Stats
}

// Status returns the state after the last Render.
func (r *Renderer) Status() Status {
	s := r.last
	s.Passes = slices.Clone(r.last.Passes)
	s.Flushes = r.flushes
	s.PendingMeshJobs = r.jobs.PendingMeshJobs()
	s.PendingAccelerationJobs = r.jobs.PendingAccelerationJobs()
	s.AccelerationWarmingUp = r.jobs.IsAccelerationStructureWarmingUp()
	s.DeviceRemoved = r.loss.Removed()
	s.FrameTime = r.perf.Average()
	s.Registry = r.registry.Stats()
	s.Descriptors = r.desc.Stats()
	s.Features = r.quality.Features()
	return s
}

// FenceValues returns the graphics fence value each slot last signaled.
func (r *Renderer) FenceValues() [rhi.FramesInFlight]uint64 { return r.fenceValues }

// Close waits for the GPU and releases everything the renderer created.
func (r *Renderer) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	var err error
	if !r.loss.Removed() {
		err = r.flushGPU()
	}
	r.vis.Release()
	r.culler.Release()
	r.releaseTargets()
	r.retire.Flush()
	r.graph.Destroy()
	r.crumbs.Destroy()
	r.workers.Close()
	slogger().Info("renderer closed", "frames", r.frame)
	return err
}
