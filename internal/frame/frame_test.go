// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package frame

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"testing"

	"github.com/gogpu/gputypes"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/cortex/internal/config"
	"github.com/gogpu/cortex/internal/diag"
	"github.com/gogpu/cortex/internal/logging"
	"github.com/gogpu/cortex/internal/rendergraph"
	"github.com/gogpu/cortex/internal/rhi"
	"github.com/gogpu/cortex/internal/rhi/rhitest"
	"github.com/gogpu/cortex/internal/scene"
	"github.com/gogpu/cortex/internal/shaders"
	"github.com/gogpu/cortex/internal/xmath"
)

type fakeWindow struct {
	w, h     uint32
	index    int
	buffers  [rhi.FramesInFlight]rhi.Resource
	presents int
}

func newFakeWindow(t *testing.T, dev *rhitest.Device, w, h uint32) *fakeWindow {
	t.Helper()
	win := &fakeWindow{w: w, h: h}
	for i := range win.buffers {
		res, err := dev.CreateResource(rhi.ResourceDesc{
			Label:     fmt.Sprintf("back_buffer_%d", i),
			Dimension: rhi.DimensionTexture2D,
			Width:     w,
			Height:    h,
			ArraySize: 1,
			MipLevels: 1,
			Format:    gputypes.TextureFormatBGRA8Unorm,
			Flags:     rhi.FlagRenderTarget,
		})
		if err != nil {
			t.Fatal(err)
		}
		win.buffers[i] = res
	}
	return win
}

func (w *fakeWindow) Size() (uint32, uint32) { return w.w, w.h }
func (w *fakeWindow) BackBufferIndex() int   { return w.index }
func (w *fakeWindow) BackBuffer() rhi.Resource {
	return w.buffers[w.index]
}

func (w *fakeWindow) Present() error {
	w.presents++
	w.index = (w.index + 1) % rhi.FramesInFlight
	return nil
}

type fakeAccel struct {
	dev      *rhitest.Device
	built    []string
	released []string
	tlas     rhi.Resource
	tlasRuns int
	cleared  int
	bytes    uint64
	failures map[string]int
}

func (a *fakeAccel) BuildSingleBottomLevel(_ rhi.CommandList, key string) (rhi.Resource, error) {
	if a.failures[key] > 0 {
		a.failures[key]--
		return nil, errors.New("blas build failed")
	}
	a.built = append(a.built, key)
	a.bytes += 4096
	return nil, nil
}

func (a *fakeAccel) PendingBuildCount() int { return 0 }

func (a *fakeAccel) BuildTopLevel(_ rhi.CommandList, instances []scene.Renderable) (rhi.Resource, error) {
	if len(instances) == 0 {
		return nil, nil
	}
	if a.tlas == nil {
		res, err := a.dev.CreateResource(rhi.ResourceDesc{Label: "tlas", Dimension: rhi.DimensionBuffer, Size: 256})
		if err != nil {
			return nil, err
		}
		a.tlas = res
	}
	a.tlasRuns++
	return a.tlas, nil
}

func (a *fakeAccel) ReleaseBottomLevel(key string) { a.released = append(a.released, key) }

func (a *fakeAccel) ClearAll() {
	a.cleared++
	a.built = nil
	a.bytes = 0
	a.tlas = nil
}

func (a *fakeAccel) Bytes() uint64 { return a.bytes }

func testLibrary() *shaders.Library {
	return shaders.NewLibraryWith(func(string) ([]byte, error) {
		return []byte{3, 2, 0x23, 7, 1, 0, 0, 0}, nil
	})
}

func captureLogs(t *testing.T, level slog.Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	logging.SetLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: level})))
	t.Cleanup(func() { logging.SetLogger(nil) })
	return &buf
}

func newTestRenderer(t *testing.T, dev *rhitest.Device, win Window, q config.Quality, opts ...Option) *Renderer {
	t.Helper()
	cfg := config.Default()
	cfg.Quality = q
	cfg.Log.Dir = ""
	all := append([]Option{
		WithConfig(cfg),
		WithShaderLibrary(testLibrary()),
		WithDumpDir(t.TempDir()),
		WithWorkers(2),
	}, opts...)
	r, err := New(dev, win, all...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func cubeScene(meshes ...*scene.Mesh) *scene.Scene {
	sc := &scene.Scene{Camera: scene.DefaultCamera()}
	for i, m := range meshes {
		xf := xmath.Identity()
		xf[3] = float32(i%5) - 2
		xf[7] = float32(i/5) - 1
		sc.Instances = append(sc.Instances, scene.Renderable{
			ID:        uint32(i), //nolint:gosec // G115: test index
			Transform: xf,
			Mesh:      m,
			Flags:     scene.FlagOpaque,
		})
	}
	return sc
}

func render(t *testing.T, r *Renderer, sc *scene.Scene) {
	t.Helper()
	if err := r.Render(sc, 0); err != nil {
		t.Fatalf("Render frame %d: %v", r.frame, err)
	}
}

func graphicsCommands(dev *rhitest.Device) []rhitest.Command {
	var out []rhitest.Command
	for _, s := range dev.Submissions() {
		if s.Queue == rhi.QueueGraphics {
			out = append(out, s.Commands...)
		}
	}
	return out
}

func passNames(cmds []rhitest.Command) []string {
	var out []string
	for _, c := range cmds {
		if c.Op == rhitest.OpBeginPass {
			out = append(out, c.Name)
		}
	}
	return out
}

func drawsOf(cmds []rhitest.Command, label string) int {
	n := 0
	for _, c := range cmds {
		if c.Op == rhitest.OpDraw && rhi.Label(c.Draw.VertexBuffer) == label {
			n++
		}
	}
	return n
}

func checkViolations(t *testing.T, dev *rhitest.Device) {
	t.Helper()
	if v := dev.Violations(); len(v) > 0 {
		t.Errorf("API violations: %v", v)
	}
}

func warnLines(buf *bytes.Buffer) []string {
	var out []string
	for _, l := range strings.Split(buf.String(), "\n") {
		if strings.Contains(l, "level=WARN") || strings.Contains(l, "level=ERROR") {
			out = append(out, l)
		}
	}
	return out
}

func TestColdStartSingleMesh(t *testing.T) {
	logs := captureLogs(t, slog.LevelWarn)
	dev := rhitest.NewDevice()
	win := newFakeWindow(t, dev, 1280, 720)
	r := newTestRenderer(t, dev, win, config.DefaultQuality())
	cube := scene.Cube("cube")
	sc := cubeScene(cube)

	// Frame 1 queues the upload and draws nothing of the cube.
	render(t, r, sc)
	if got := r.Jobs().PendingMeshJobs(); got != 1 {
		t.Fatalf("after frame 1 PendingMeshJobs = %d, want 1", got)
	}
	if n := drawsOf(graphicsCommands(dev), "cube:vb"); n != 0 {
		t.Errorf("frame 1 drew the cube %d times", n)
	}
	if dev.CreatedWithLabel("cube:vb") != 0 {
		t.Error("frame 1 uploaded before draining")
	}

	// Frame 2 drains the upload; the graphics queue waits on the copy fence.
	dev.ResetSubmissions()
	render(t, r, sc)
	if got := r.Jobs().PendingMeshJobs(); got != 0 {
		t.Errorf("after frame 2 PendingMeshJobs = %d, want 0", got)
	}
	if dev.CreatedWithLabel("cube:vb") != 1 || dev.CreatedWithLabel("cube:ib") != 1 {
		t.Fatalf("cube buffers created vb=%d ib=%d, want 1 each",
			dev.CreatedWithLabel("cube:vb"), dev.CreatedWithLabel("cube:ib"))
	}
	if !cube.Resident() || cube.GPU.UploadFence == 0 {
		t.Fatalf("cube not resident after drain: %+v", cube.GPU)
	}
	waits := dev.FakeQueue(rhi.QueueGraphics).GPUWaits()
	if !slices.Contains(waits, cube.GPU.UploadFence) {
		t.Errorf("graphics GPU waits = %v, want upload fence %d", waits, cube.GPU.UploadFence)
	}
	if n := drawsOf(graphicsCommands(dev), "cube:vb"); n != 0 {
		t.Errorf("frame 2 drew the cube %d times; uploads are drawn from the next frame", n)
	}

	// Frame 3 draws it.
	dev.ResetSubmissions()
	render(t, r, sc)
	cmds := graphicsCommands(dev)
	if n := drawsOf(cmds, "cube:vb"); n == 0 {
		t.Error("frame 3 did not draw the cube")
	}
	st := r.Status()
	if st.Visible != 1 {
		t.Errorf("Visible = %d, want 1", st.Visible)
	}
	if !slices.Contains(passNames(cmds), "PostProcess") {
		t.Errorf("frame 3 passes %v lack PostProcess", passNames(cmds))
	}
	if st.DeviceRemoved {
		t.Error("device removed")
	}
	if w := warnLines(logs); len(w) > 0 {
		t.Errorf("unexpected warnings:\n%s", strings.Join(w, "\n"))
	}
	checkViolations(t, dev)
}

func TestSteadyStateDrainsJobs(t *testing.T) {
	dev := rhitest.NewDevice(rhitest.WithRayTracing(rhi.RayTracingTier1_1))
	win := newFakeWindow(t, dev, 640, 360)
	accel := &fakeAccel{dev: dev}
	q := config.DefaultQuality()
	q.RayTracing = true
	r := newTestRenderer(t, dev, win, q, WithAccelerationStructures(accel))

	var meshes []*scene.Mesh
	for i := range 5 {
		meshes = append(meshes, scene.Cube(fmt.Sprintf("mesh%d", i)))
	}
	sc := cubeScene(meshes...)
	for range 12 {
		render(t, r, sc)
	}
	st := r.Status()
	if st.PendingMeshJobs != 0 || st.PendingAccelerationJobs != 0 || st.AccelerationWarmingUp {
		t.Fatalf("jobs not drained: mesh=%d accel=%d warming=%v",
			st.PendingMeshJobs, st.PendingAccelerationJobs, st.AccelerationWarmingUp)
	}
	if len(accel.built) != len(meshes) {
		t.Errorf("built %d BLAS, want %d", len(accel.built), len(meshes))
	}
	if !st.RayTracing {
		t.Error("ray tracing inactive once warm")
	}
	for _, p := range []string{"TLAS", "RTShadows", "RTReflections", "RTGI"} {
		if !slices.Contains(st.Passes, p) {
			t.Errorf("passes %v lack %s", st.Passes, p)
		}
	}
	if got := r.Registry().Stats(); got.AccelerationStructure != accel.bytes {
		t.Errorf("registry acceleration bytes = %d, want %d", got.AccelerationStructure, accel.bytes)
	}
	checkViolations(t, dev)
}

func TestRenderScaleChangeReallocatesOnce(t *testing.T) {
	dev := rhitest.NewDevice()
	win := newFakeWindow(t, dev, 1280, 720)
	r := newTestRenderer(t, dev, win, config.DefaultQuality())
	sc := cubeScene(scene.Cube("cube"))
	for range 4 {
		render(t, r, sc)
	}
	flushes := r.Status().Flushes

	logs := captureLogs(t, slog.LevelInfo)
	if got := r.SetRenderScale(0.5); got != 0.5 {
		t.Fatalf("SetRenderScale(0.5) = %v", got)
	}
	render(t, r, sc)
	render(t, r, sc)

	st := r.Status()
	if st.Width != 640 || st.Height != 360 {
		t.Errorf("internal size = %dx%d, want 640x360", st.Width, st.Height)
	}
	if st.Flushes != flushes+1 {
		t.Errorf("flushes = %d, want %d", st.Flushes, flushes+1)
	}
	out := logs.String()
	for _, msg := range []string{"recreating depth buffer", "recreating HDR target"} {
		if n := strings.Count(out, msg); n != 1 {
			t.Errorf("%q logged %d times, want 1", msg, n)
		}
	}
	for _, label := range []string{"depth", "hdr", "ssao"} {
		var last *rhitest.Resource
		for _, res := range dev.Created() {
			if res.Desc().Label == label {
				last = res
			}
		}
		if last == nil || last.Desc().Width != 640 || last.Desc().Height != 360 {
			t.Errorf("%s not recreated at half size", label)
		}
		if dev.CreatedWithLabel(label) != 2 {
			t.Errorf("%s created %d times, want 2", label, dev.CreatedWithLabel(label))
		}
	}
	checkViolations(t, dev)
}

func TestRenderScaleAt4K(t *testing.T) {
	dev := rhitest.NewDevice()
	win := newFakeWindow(t, dev, 3840, 2160)
	q := config.DefaultQuality()
	q.RenderScale = 0.5
	r := newTestRenderer(t, dev, win, q)
	for range 3 {
		render(t, r, nil)
	}
	st := r.Status()
	if st.Width != 1920 || st.Height != 1080 {
		t.Errorf("internal size = %dx%d, want 1920x1080", st.Width, st.Height)
	}
	if n := dev.CreatedWithLabel("depth"); n != 1 {
		t.Errorf("depth created %d times, want 1", n)
	}
	if st.Flushes != 0 {
		t.Errorf("flushes = %d, want 0", st.Flushes)
	}
}

func TestHeavyEffectsCapRenderScaleAt4K(t *testing.T) {
	dev := rhitest.NewDevice()
	win := newFakeWindow(t, dev, 3840, 2160)
	r := newTestRenderer(t, dev, win, config.DefaultQuality())
	render(t, r, nil)
	st := r.Status()
	if st.RenderScale != 0.6 {
		t.Errorf("RenderScale = %v, want 0.6", st.RenderScale)
	}
	if st.Width != 2304 || st.Height != 1296 {
		t.Errorf("internal size = %dx%d, want 2304x1296", st.Width, st.Height)
	}
}

func TestZeroInstanceScene(t *testing.T) {
	logs := captureLogs(t, slog.LevelWarn)
	dev := rhitest.NewDevice()
	win := newFakeWindow(t, dev, 800, 600)
	r := newTestRenderer(t, dev, win, config.DefaultQuality())
	render(t, r, &scene.Scene{Camera: scene.DefaultCamera()})
	render(t, r, nil)

	st := r.Status()
	for _, p := range []string{"GPUJobs", "Opaque", "PostProcess"} {
		if !slices.Contains(st.Passes, p) {
			t.Errorf("passes %v lack %s", st.Passes, p)
		}
	}
	for _, p := range []string{"DepthPrepass", "Shadows", "Overlay", "Water", "Transparent", "TLAS", "DebugLines"} {
		if slices.Contains(st.Passes, p) {
			t.Errorf("passes %v include %s", st.Passes, p)
		}
	}
	if st.OpaquePath != PathForward {
		t.Errorf("OpaquePath = %q, want forward fallback", st.OpaquePath)
	}
	if st.Visible != 0 {
		t.Errorf("Visible = %d", st.Visible)
	}
	if w := warnLines(logs); len(w) > 0 {
		t.Errorf("unexpected warnings:\n%s", strings.Join(w, "\n"))
	}
	checkViolations(t, dev)
}

func TestMinimalFrame(t *testing.T) {
	dev := rhitest.NewDevice()
	win := newFakeWindow(t, dev, 320, 240)
	q := config.DefaultQuality()
	q.MinimalFrame = true
	r := newTestRenderer(t, dev, win, q)
	render(t, r, cubeScene(scene.Cube("cube")))

	if got := r.Status().Passes; !slices.Equal(got, []string{"MinimalFrame"}) {
		t.Errorf("Passes = %v, want [MinimalFrame]", got)
	}
	if got := passNames(graphicsCommands(dev)); !slices.Equal(got, []string{"MinimalFrame"}) {
		t.Errorf("recorded passes = %v", got)
	}
	if r.Jobs().PendingMeshJobs() != 0 {
		t.Error("minimal frame queued uploads")
	}
	if win.presents != 1 {
		t.Errorf("presents = %d, want 1", win.presents)
	}
}

func TestDeviceRemovedDuringPostProcess(t *testing.T) {
	logs := captureLogs(t, slog.LevelDebug)
	dev := rhitest.NewDevice()
	win := newFakeWindow(t, dev, 640, 480)
	r := newTestRenderer(t, dev, win, config.DefaultQuality())
	sc := cubeScene(scene.Cube("cube"))
	render(t, r, sc)
	render(t, r, sc)

	hung := errors.New("DXGI_ERROR_DEVICE_HUNG")
	dev.RemoveAfterImmediate(uint32(diag.MarkerPostProcess), hung)
	err := r.Render(sc, 0)
	if !errors.Is(err, ErrDeviceRemoved) || !errors.Is(err, hung) {
		t.Fatalf("Render = %v, want device removed wrapping %v", err, hung)
	}
	d := r.DeviceLoss().Dump()
	if d == nil {
		t.Fatal("no dump after device loss")
	}
	if d.CPUBreadcrumb != "RenderPostProcess_Done" {
		t.Errorf("CPU breadcrumb = %q", d.CPUBreadcrumb)
	}
	if d.GPUBreadcrumb != diag.MarkerPostProcess {
		t.Errorf("GPU breadcrumb = %v", d.GPUBreadcrumb)
	}
	if d.Frame != 3 {
		t.Errorf("dump frame = %d, want 3", d.Frame)
	}
	if d.Context != "present" {
		t.Errorf("dump context = %q", d.Context)
	}
	if _, ok := d.Target("hdr"); !ok {
		t.Errorf("dump lacks hdr state: %+v", d.Targets)
	}

	before := len(dev.Submissions())
	for range 3 {
		if err := r.Render(sc, 0); err != nil {
			t.Fatalf("Render after loss = %v, want nil", err)
		}
	}
	if n := strings.Count(logs.String(), "render skipped because device removed"); n != 1 {
		t.Errorf("skip logged %d times, want 1", n)
	}
	if len(dev.Submissions()) != before {
		t.Error("submissions recorded after device loss")
	}
	if !r.Status().DeviceRemoved {
		t.Error("Status.DeviceRemoved = false")
	}
}

func TestPostProcessGraphMatchesTracked(t *testing.T) {
	type result struct {
		bound  []string
		states map[string]rhi.ResourceState
	}
	run := func(graph bool) result {
		dev := rhitest.NewDevice()
		win := newFakeWindow(t, dev, 640, 360)
		q := config.DefaultQuality()
		q.RenderGraphPost = graph
		r := newTestRenderer(t, dev, win, q)
		sc := cubeScene(scene.Cube("cube"))
		for range 3 {
			dev.ResetSubmissions()
			render(t, r, sc)
		}
		var res result
		cmds := graphicsCommands(dev)
		for i, c := range cmds {
			if c.Op != rhitest.OpBeginPass || c.Name != "PostProcess" {
				continue
			}
			for _, b := range cmds[i+1:] {
				if b.Op == rhitest.OpSetBindings {
					for _, x := range b.Bound {
						res.bound = append(res.bound, rhi.Label(x))
					}
					break
				}
			}
		}
		res.states = make(map[string]rhi.ResourceState)
		for _, tgt := range []rhi.Resource{r.t.hdr, r.t.ssao, r.t.ssr, r.t.velocity} {
			s, _ := r.Tracker().State(tgt)
			res.states[rhi.Label(tgt)] = s
		}
		checkViolations(t, dev)
		return res
	}
	withGraph := run(true)
	tracked := run(false)
	if len(withGraph.bound) == 0 {
		t.Fatal("post-process bound nothing")
	}
	if !slices.Equal(withGraph.bound, tracked.bound) {
		t.Errorf("post inputs differ:\ngraph   %v\ntracked %v", withGraph.bound, tracked.bound)
	}
	for name, s := range withGraph.states {
		if tracked.states[name] != s {
			t.Errorf("%s final state: graph %v, tracked %v", name, s, tracked.states[name])
		}
		if s != rhi.StatePixelShaderResource {
			t.Errorf("%s rests in %v, want PixelShaderResource", name, s)
		}
	}
}

func TestRunGraphConflictFallsBack(t *testing.T) {
	logs := captureLogs(t, slog.LevelWarn)
	dev := rhitest.NewDevice()
	win := newFakeWindow(t, dev, 256, 256)
	r := newTestRenderer(t, dev, win, config.DefaultQuality())
	render(t, r, nil)

	fc := &frameContext{}
	hdr := r.t.hdr
	before, _ := r.Tracker().State(hdr)
	for range 2 {
		ok, err := r.runGraph(fc, "test", func(g *rendergraph.Graph) {
			id := g.ImportTracked(r.tracker, hdr, "hdr")
			g.AddPass("Conflicting", func(b *rendergraph.Builder) {
				b.Read(id, rendergraph.UsageShaderResource)
				b.Write(id, rendergraph.UsageRenderTarget)
			}, func(rhi.CommandList, *rendergraph.Graph) error {
				t.Error("conflicting pass executed")
				return nil
			})
		})
		if ok || err != nil {
			t.Fatalf("runGraph = %v, %v; want false, nil", ok, err)
		}
	}
	if after, _ := r.Tracker().State(hdr); after != before {
		t.Errorf("tracker state changed %v -> %v", before, after)
	}
	if n := strings.Count(logs.String(), "render graph rejected"); n != 1 {
		t.Errorf("rejection logged %d times, want 1", n)
	}
	if fc.graphBarriers != 0 {
		t.Errorf("graphBarriers = %d", fc.graphBarriers)
	}
}

func TestGraphGroupsRecordBarriers(t *testing.T) {
	dev := rhitest.NewDevice()
	win := newFakeWindow(t, dev, 256, 256)
	r := newTestRenderer(t, dev, win, config.DefaultQuality())
	sc := cubeScene(scene.Cube("cube"))
	sc.Sun = scene.Light{Kind: scene.LightDirectional, Direction: f32.Vec3{0.3, -1, 0.2}, Color: f32.Vec3{1, 1, 1}, Intensity: 3, CastsShadows: true}
	start := r.graph.Frame()
	for range 3 {
		dev.ResetSubmissions()
		render(t, r, sc)
	}
	st := r.Status()
	if st.GraphBarrier == 0 {
		t.Error("graph groups emitted no barriers")
	}
	// Three groups per frame, one graph frame each.
	if got := r.graph.Frame() - start; got != 3 {
		t.Errorf("graph began %d frames over 3 rendered", got)
	}
	names := passNames(graphicsCommands(dev))
	for _, p := range []string{"ShadowCascade0", "ShadowCascade1", "ShadowCascade2"} {
		if !slices.Contains(names, p) {
			t.Errorf("recorded passes %v lack %s", names, p)
		}
	}
	if s, _ := r.Tracker().State(r.t.hzb); s != rhi.StateAllShaderResource {
		t.Errorf("hzb rests in %v, want AllShaderResource", s)
	}
	checkViolations(t, dev)
}

func TestWriteThenReadHasBarrier(t *testing.T) {
	dev := rhitest.NewDevice()
	win := newFakeWindow(t, dev, 320, 180)
	r := newTestRenderer(t, dev, win, config.DefaultQuality())
	sc := cubeScene(scene.Cube("cube"))
	for range 3 {
		dev.ResetSubmissions()
		render(t, r, sc)
	}
	cmds := graphicsCommands(dev)
	between := func(writer, reader string, res rhi.Resource, from rhi.ResourceState) bool {
		start := -1
		for i, c := range cmds {
			if c.Op != rhitest.OpBeginPass {
				continue
			}
			switch {
			case c.Name == writer:
				start = i
			case c.Name == reader && start >= 0:
				for _, b := range cmds[start:i] {
					if b.Op != rhitest.OpBarrier {
						continue
					}
					for _, x := range b.Barriers {
						if x.Resource == res && x.Type == rhi.BarrierTransition && x.Before == from {
							return true
						}
					}
				}
				return false
			}
		}
		return false
	}
	tests := []struct {
		writer, reader string
		res            rhi.Resource
	}{
		{"MotionVectors", "TAA", r.t.velocity},
		{"TAA", "SSR", r.t.taaResolve},
		{"SSR", "PostProcess", r.t.ssr},
		{"Bloom", "PostProcess", r.t.bloom},
	}
	for _, tt := range tests {
		t.Run(tt.writer+"_"+tt.reader, func(t *testing.T) {
			if !between(tt.writer, tt.reader, tt.res, rhi.StateRenderTarget) {
				t.Errorf("no transition of %s out of RenderTarget between %s and %s",
					rhi.Label(tt.res), tt.writer, tt.reader)
			}
		})
	}
}

func TestTransientDescriptorsStayInSlot(t *testing.T) {
	dev := rhitest.NewDevice(rhitest.WithComputeQueue())
	win := newFakeWindow(t, dev, 320, 180)
	r := newTestRenderer(t, dev, win, config.DefaultQuality())
	sc := cubeScene(scene.Cube("a"), scene.Cube("b"))
	for range 7 {
		dev.ResetSubmissions()
		render(t, r, sc)
		slot := r.Status().Slot
		seen := 0
		for _, s := range dev.Submissions() {
			for _, c := range s.Commands {
				for _, ref := range c.Refs {
					if ref.Slot < 0 {
						continue
					}
					seen++
					if ref.Slot != slot {
						t.Fatalf("frame %d (slot %d): %s in %s references slot %d",
							r.frame, slot, c.Op, s.List, ref.Slot)
					}
				}
			}
		}
		if seen == 0 {
			t.Fatalf("frame %d referenced no transient descriptors", r.frame)
		}
	}
}

func TestPipelineFailureSkipsPass(t *testing.T) {
	logs := captureLogs(t, slog.LevelWarn)
	dev := rhitest.NewDevice()
	dev.FailPipeline = map[string]bool{PipelineBloom: true}
	win := newFakeWindow(t, dev, 320, 180)
	r := newTestRenderer(t, dev, win, config.DefaultQuality())
	for range 3 {
		render(t, r, nil)
	}
	st := r.Status()
	if slices.Contains(st.Passes, "Bloom") {
		t.Errorf("passes %v include Bloom", st.Passes)
	}
	if !slices.Contains(st.Passes, "PostProcess") {
		t.Errorf("passes %v lack PostProcess", st.Passes)
	}
	if n := strings.Count(logs.String(), "pipeline unavailable"); n != 1 {
		t.Errorf("pipeline failure logged %d times, want 1", n)
	}
	if r.Breadcrumbs().CPU() == "RenderBloom_Done" {
		t.Error("skipped pass wrote a completion breadcrumb")
	}
}

func TestPostProcessDisabledClearsBackBuffer(t *testing.T) {
	dev := rhitest.NewDevice()
	win := newFakeWindow(t, dev, 320, 180)
	q := config.DefaultQuality()
	q.PostProcess = false
	r := newTestRenderer(t, dev, win, q)
	render(t, r, nil)
	names := passNames(graphicsCommands(dev))
	if !slices.Contains(names, "PostProcessDisabled") {
		t.Errorf("recorded passes %v lack PostProcessDisabled", names)
	}
	if slices.Contains(names, "PostProcess") {
		t.Errorf("post-process recorded while disabled")
	}
}

func TestGPUCullingInstanceLimit(t *testing.T) {
	logs := captureLogs(t, slog.LevelWarn)
	dev := rhitest.NewDevice()
	win := newFakeWindow(t, dev, 320, 180)
	q := config.DefaultQuality()
	q.VisibilityBuffer = false
	q.GPUCulling = true
	r := newTestRenderer(t, dev, win, q)

	cube := scene.Cube("cube")
	sc := &scene.Scene{Camera: scene.DefaultCamera()}
	sc.Instances = make([]scene.Renderable, MaxCullInstances+1)
	for i := range sc.Instances {
		sc.Instances[i] = scene.Renderable{
			ID:        uint32(i), //nolint:gosec // G115: test index
			Transform: xmath.Identity(),
			Mesh:      cube,
			Flags:     scene.FlagOpaque,
		}
	}
	for range 4 {
		dev.ResetSubmissions()
		render(t, r, sc)
	}

	st := r.Status()
	if st.OpaquePath != PathIndirect {
		t.Fatalf("OpaquePath = %q, want indirect", st.OpaquePath)
	}
	if n := strings.Count(logs.String(), "GPU culling instance limit reached"); n != 1 {
		t.Errorf("limit warning logged %d times, want 1", n)
	}
	cmds := graphicsCommands(dev)
	var groups []uint32
	indirect := 0
	for i, c := range cmds {
		if c.Op == rhitest.OpSetPipeline && c.Name == PipelineCull {
			for _, d := range cmds[i+1:] {
				if d.Op == rhitest.OpDispatch {
					groups = append(groups, d.Value)
					break
				}
			}
		}
		if c.Op == rhitest.OpDrawIndirect {
			indirect++
		}
	}
	want := uint32(MaxCullInstances / cullGroupSize)
	if len(groups) != 1 || groups[0] != want {
		t.Errorf("cull dispatches = %v, want [%d]", groups, want)
	}
	if indirect != 1 {
		t.Errorf("indirect draws = %d, want 1 (one mesh)", indirect)
	}
	if dev.CreatedWithLabel("cull_args") != 1 {
		t.Errorf("cull_args created %d times, want 1", dev.CreatedWithLabel("cull_args"))
	}
}

func TestAsyncSSAOSplitsFrame(t *testing.T) {
	dev := rhitest.NewDevice(rhitest.WithComputeQueue())
	win := newFakeWindow(t, dev, 320, 180)
	r := newTestRenderer(t, dev, win, config.DefaultQuality())
	render(t, r, nil)

	var lists []string
	for _, s := range dev.Submissions() {
		if s.Queue == rhi.QueueCopy {
			continue
		}
		lists = append(lists, s.List)
	}
	if want := []string{"direct_0", "compute_0", "direct_post_0"}; !slices.Equal(lists, want) {
		t.Fatalf("submissions = %v, want %v", lists, want)
	}
	if w := dev.FakeQueue(rhi.QueueCompute).GPUWaits(); len(w) != 1 {
		t.Errorf("compute GPU waits = %v, want one wait on graphics", w)
	}
	if w := dev.FakeQueue(rhi.QueueGraphics).GPUWaits(); len(w) != 1 {
		t.Errorf("graphics GPU waits = %v, want one wait on compute", w)
	}
	var post []string
	for _, s := range dev.Submissions() {
		if s.List == "direct_post_0" {
			post = passNames(s.Commands)
		}
	}
	if !slices.Contains(post, "PostProcess") {
		t.Errorf("post list passes = %v, want PostProcess after the split", post)
	}
	if !slices.Contains(r.Status().Passes, "SSAO") {
		t.Errorf("passes %v lack SSAO", r.Status().Passes)
	}
	checkViolations(t, dev)
}

func TestSceneRebuildDuringRayTracing(t *testing.T) {
	dev := rhitest.NewDevice(rhitest.WithRayTracing(rhi.RayTracingTier1_1))
	win := newFakeWindow(t, dev, 320, 180)
	accel := &fakeAccel{dev: dev}
	q := config.DefaultQuality()
	q.RayTracing = true
	r := newTestRenderer(t, dev, win, q, WithAccelerationStructures(accel))

	var old []*scene.Mesh
	for i := range 10 {
		old = append(old, scene.Cube(fmt.Sprintf("old%d", i)))
	}
	sc := cubeScene(old...)
	for range 30 {
		render(t, r, sc)
		if len(accel.built) == 10 && !r.Jobs().IsAccelerationStructureWarmingUp() {
			break
		}
	}
	if len(accel.built) != 10 {
		t.Fatalf("built %d BLAS, want 10", len(accel.built))
	}
	flushes := r.Status().Flushes

	if err := r.ResetCommandList(); err != nil {
		t.Fatalf("ResetCommandList: %v", err)
	}
	r.ClearAccelerationCache()

	if r.Status().Flushes != flushes+1 {
		t.Error("reset did not wait for the GPU")
	}
	cl := r.cmd.(*rhitest.CommandList)
	if !cl.IsOpen() || len(cl.Commands()) != 0 {
		t.Errorf("command list open=%v with %d commands, want open and empty", cl.IsOpen(), len(cl.Commands()))
	}
	if r.Jobs().PendingMeshJobs() != 0 || r.Jobs().PendingAccelerationJobs() != 0 {
		t.Errorf("jobs pending after reset: mesh=%d accel=%d",
			r.Jobs().PendingMeshJobs(), r.Jobs().PendingAccelerationJobs())
	}
	if accel.cleared != 1 || r.Registry().Stats().AccelerationStructure != 0 {
		t.Errorf("acceleration cache not cleared: cleared=%d bytes=%d", accel.cleared, r.Registry().Stats().AccelerationStructure)
	}

	var fresh []*scene.Mesh
	for i := range 4 {
		fresh = append(fresh, scene.Cube(fmt.Sprintf("new%d", i)))
	}
	next := cubeScene(fresh...)
	render(t, r, next)
	for _, m := range old {
		if r.Jobs().IsQueued(m) {
			t.Errorf("job queue still references %s", m.Key)
		}
	}
	if got := r.Jobs().PendingAccelerationJobs(); got != len(fresh) {
		t.Errorf("PendingAccelerationJobs = %d, want %d", got, len(fresh))
	}
	for range 10 {
		render(t, r, next)
	}
	if len(accel.built) != len(fresh) {
		t.Fatalf("rebuilt %v, want %d new BLAS", accel.built, len(fresh))
	}
	for _, k := range accel.built {
		if !strings.HasPrefix(k, "new") {
			t.Errorf("BLAS built for pre-reset mesh %s", k)
		}
	}
	checkViolations(t, dev)
}

func TestDepthPrepassFollowsRayTracing(t *testing.T) {
	tests := []struct {
		name string
		rt   bool
	}{
		{"raster only", false},
		{"ray tracing", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var devOpts []rhitest.Option
			if tt.rt {
				devOpts = append(devOpts, rhitest.WithRayTracing(rhi.RayTracingTier1_1))
			}
			dev := rhitest.NewDevice(devOpts...)
			win := newFakeWindow(t, dev, 320, 180)
			accel := &fakeAccel{dev: dev}
			q := config.DefaultQuality()
			q.RayTracing = tt.rt
			r := newTestRenderer(t, dev, win, q, WithAccelerationStructures(accel))
			sc := cubeScene(scene.Cube("a"), scene.Cube("b"))
			for range 30 {
				render(t, r, sc)
				if r.Jobs().PendingMeshJobs() == 0 && !r.Jobs().IsAccelerationStructureWarmingUp() {
					break
				}
			}

			// Leave depth writable so the TLAS step has to move it.
			r.tracker.Track(r.t.depth, rhi.StateDepthWrite)
			dev.ResetSubmissions()
			render(t, r, sc)

			passes := r.Status().Passes
			if got := slices.Contains(passes, "DepthPrepass"); got != tt.rt {
				t.Fatalf("DepthPrepass ran = %v with ray tracing %v; passes %v", got, tt.rt, passes)
			}
			if !tt.rt {
				return
			}
			tlas := slices.Index(passes, "TLAS")
			pre := slices.Index(passes, "DepthPrepass")
			opaque := slices.Index(passes, "Opaque")
			if tlas < 0 || tlas > pre || pre > opaque {
				t.Errorf("pass order %v, want TLAS before DepthPrepass before Opaque", passes)
			}

			cmds := graphicsCommands(dev)
			begin := slices.IndexFunc(cmds, func(c rhitest.Command) bool {
				return c.Op == rhitest.OpMarker && c.Name == "TLAS"
			})
			if begin < 0 {
				t.Fatal("no TLAS marker recorded")
			}
			end := len(cmds)
			if i := slices.IndexFunc(cmds[begin+1:], func(c rhitest.Command) bool {
				return c.Op == rhitest.OpMarker
			}); i >= 0 {
				end = begin + 1 + i
			}
			sampled := false
			for _, c := range cmds[begin:end] {
				for _, b := range c.Barriers {
					if b.Resource == r.t.depth && b.Before == rhi.StateDepthWrite && b.After == rhi.StateDepthSample {
						sampled = true
					}
				}
			}
			if !sampled {
				t.Error("TLAS step did not transition depth to DepthSample")
			}
			checkViolations(t, dev)
		})
	}
}

func TestFailedBLASBuildRetries(t *testing.T) {
	dev := rhitest.NewDevice(rhitest.WithRayTracing(rhi.RayTracingTier1_1))
	win := newFakeWindow(t, dev, 320, 180)
	accel := &fakeAccel{dev: dev, failures: map[string]int{"flaky": 2}}
	q := config.DefaultQuality()
	q.RayTracing = true
	r := newTestRenderer(t, dev, win, q, WithAccelerationStructures(accel))

	sc := cubeScene(scene.Cube("flaky"), scene.Cube("solid"))
	for range 20 {
		render(t, r, sc)
	}
	if accel.failures["flaky"] != 0 {
		t.Fatalf("build attempted %d times, want 3", 3-accel.failures["flaky"])
	}
	slices.Sort(accel.built)
	if want := []string{"flaky", "solid"}; !slices.Equal(accel.built, want) {
		t.Errorf("built %v, want %v", accel.built, want)
	}
	if r.Jobs().PendingAccelerationJobs() != 0 {
		t.Errorf("PendingAccelerationJobs = %d after retry", r.Jobs().PendingAccelerationJobs())
	}
	checkViolations(t, dev)
}

func TestReleaseMesh(t *testing.T) {
	dev := rhitest.NewDevice(rhitest.WithRayTracing(rhi.RayTracingTier1_1))
	win := newFakeWindow(t, dev, 320, 180)
	accel := &fakeAccel{dev: dev}
	q := config.DefaultQuality()
	q.RayTracing = true
	r := newTestRenderer(t, dev, win, q, WithAccelerationStructures(accel))
	cube := scene.Cube("cube")
	for range 4 {
		render(t, r, cubeScene(cube))
	}
	if !cube.Resident() {
		t.Fatal("cube not resident")
	}
	r.ReleaseMesh(cube)
	if cube.Resident() {
		t.Error("cube still resident")
	}
	if !slices.Equal(accel.released, []string{"cube"}) {
		t.Errorf("released BLAS = %v", accel.released)
	}
	if r.Registry().Stats().Meshes != 0 {
		t.Errorf("registry still holds %d meshes", r.Registry().Stats().Meshes)
	}
}

func TestDebugLines(t *testing.T) {
	dev := rhitest.NewDevice()
	win := newFakeWindow(t, dev, 320, 180)
	r := newTestRenderer(t, dev, win, config.DefaultQuality())
	r.AddDebugLine(f32.Vec3{}, f32.Vec3{1, 1, 1}, f32.Vec4{1, 0, 0, 1})
	r.AddDebugLine(f32.Vec3{}, f32.Vec3{-1, 1, 1}, f32.Vec4{0, 1, 0, 1})
	render(t, r, nil)
	if !slices.Contains(r.Status().Passes, "DebugLines") {
		t.Errorf("passes %v lack DebugLines", r.Status().Passes)
	}
	var count uint32
	for _, c := range graphicsCommands(dev) {
		if c.Op == rhitest.OpDraw && rhi.Label(c.Draw.VertexBuffer) == "debug_lines" {
			count = c.Draw.IndexCount
		}
	}
	if count != 4 {
		t.Errorf("debug line vertices = %d, want 4", count)
	}

	dev.ResetSubmissions()
	render(t, r, nil)
	if slices.Contains(r.Status().Passes, "DebugLines") {
		t.Error("debug lines persisted past their frame")
	}
}

func TestSetFeatureRespectsDisableToggle(t *testing.T) {
	dev := rhitest.NewDevice()
	win := newFakeWindow(t, dev, 320, 180)
	cfg := config.Default()
	cfg.Toggles.DisableSSR = true
	r := newTestRenderer(t, dev, win, config.DefaultQuality(), WithConfig(cfg))
	r.SetFeature(FeatureSSR, true)
	if r.Quality().SSR {
		t.Error("SetFeature overrode disable_ssr")
	}
	r.SetFeature(FeatureBloom, false)
	if r.Quality().Bloom {
		t.Error("SetFeature(Bloom, false) ignored")
	}
	render(t, r, nil)
	if slices.Contains(r.Status().Passes, "SSR") || slices.Contains(r.Status().Passes, "Bloom") {
		t.Errorf("passes %v include disabled features", r.Status().Passes)
	}
}

func TestRenderAfterClose(t *testing.T) {
	dev := rhitest.NewDevice()
	win := newFakeWindow(t, dev, 64, 64)
	r := newTestRenderer(t, dev, win, config.DefaultQuality())
	render(t, r, nil)
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Render(nil, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("Render after Close = %v, want ErrClosed", err)
	}
	if err := r.ResetCommandList(); !errors.Is(err, ErrClosed) {
		t.Errorf("ResetCommandList after Close = %v, want ErrClosed", err)
	}
	checkViolations(t, dev)
}

func TestTargetReallocationFailureIsFatal(t *testing.T) {
	dev := rhitest.NewDevice()
	win := newFakeWindow(t, dev, 320, 180)
	r := newTestRenderer(t, dev, win, config.DefaultQuality())
	render(t, r, nil)

	dev.FailCreate = func(desc rhi.ResourceDesc) error {
		if desc.Label == "hdr" {
			return errors.New("out of memory")
		}
		return nil
	}
	win.w, win.h = 640, 360
	err := r.Render(nil, 0)
	if !errors.Is(err, ErrTargetRealloc) || !errors.Is(err, ErrDeviceRemoved) {
		t.Fatalf("Render = %v, want ErrTargetRealloc and ErrDeviceRemoved", err)
	}
	if d := r.DeviceLoss().Dump(); d == nil || !strings.HasPrefix(d.Context, "BeginFrame") {
		t.Errorf("dump = %+v, want BeginFrame context", d)
	}
}
