// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package cortex

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gogpu/gpucontext"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/cortex/internal/config"
	"github.com/gogpu/cortex/internal/frame"
	"github.com/gogpu/cortex/internal/halrhi"
	"github.com/gogpu/cortex/internal/logging"
	"github.com/gogpu/cortex/internal/rhi"
	"github.com/gogpu/cortex/internal/scene"
)

// Scene types. The renderer reads them during Render and keeps no
// reference afterwards.
type (
	Scene      = scene.Scene
	Renderable = scene.Renderable
	Camera     = scene.Camera
	Light      = scene.Light
	LightKind  = scene.LightKind
	Material   = scene.Material
	Fog        = scene.Fog
	MeshData   = scene.Mesh
	Vertex     = scene.Vertex
	Flags      = scene.Flags
)

// Renderable flags.
const (
	FlagOpaque  = scene.FlagOpaque
	FlagOverlay = scene.FlagOverlay
	FlagBlended = scene.FlagBlended
	FlagWater   = scene.FlagWater
)

// Light kinds.
const (
	LightDirectional = scene.LightDirectional
	LightPoint       = scene.LightPoint
	LightSpot        = scene.LightSpot
	LightRectArea    = scene.LightRectArea
)

// Device is the render hardware interface the renderer records into.
type Device = rhi.Device

// Window is the swap chain the renderer presents to.
type Window = frame.Window

// AccelerationStructures builds and owns ray-tracing acceleration
// structures.
type AccelerationStructures = frame.AccelerationStructures

// HALDevice is the Device implementation backed by gogpu/wgpu/hal.
type HALDevice = halrhi.Device

// Config is the complete renderer configuration.
type Config = config.Config

// Quality is the runtime quality settings.
type Quality = config.Quality

// Status is a snapshot of the last frame.
type Status = frame.Status

// Feature names a runtime-switchable feature.
type Feature = frame.Feature

// Features.
const (
	FeatureTAA              = frame.FeatureTAA
	FeatureSSR              = frame.FeatureSSR
	FeatureSSAO             = frame.FeatureSSAO
	FeatureBloom            = frame.FeatureBloom
	FeatureFog              = frame.FeatureFog
	FeaturePostProcess      = frame.FeaturePostProcess
	FeatureRayTracing       = frame.FeatureRayTracing
	FeatureRTShadows        = frame.FeatureRTShadows
	FeatureRTReflections    = frame.FeatureRTReflections
	FeatureRTGI             = frame.FeatureRTGI
	FeatureVisibilityBuffer = frame.FeatureVisibilityBuffer
	FeatureGPUCulling       = frame.FeatureGPUCulling
)

// Errors returned by Render and Close.
var (
	ErrDeviceRemoved = frame.ErrDeviceRemoved
	ErrTargetRealloc = frame.ErrTargetRealloc
	ErrClosed        = frame.ErrClosed
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config { return config.Default() }

// LoadConfig reads a TOML configuration file over the defaults.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// DefaultCamera looks at the origin from (0, 0, -5).
func DefaultCamera() Camera { return scene.DefaultCamera() }

// Cube returns a unit cube mesh with the given registry key.
func Cube(key string) *MeshData { return scene.Cube(key) }

// OpenDefaultDevice opens a standalone HAL device on the best adapter.
// Close it after the renderers using it.
func OpenDefaultDevice() (*HALDevice, error) {
	return halrhi.OpenDefault()
}

// Renderer draws scenes into a window. Methods must be called from one
// goroutine.
type Renderer struct {
	fr *frame.Renderer

	owned  *halrhi.Device // wraps a provider device; closed with the renderer
	runLog *logging.RunLog
	prev   *slog.Logger
}

// New creates a renderer recording into dev and presenting to win.
func New(dev Device, win Window, opts ...Option) (*Renderer, error) {
	if dev == nil || win == nil {
		return nil, errors.New("cortex: nil device or window")
	}
	o := newOptions(opts)
	r := &Renderer{}
	fopts := o.frameOptions()
	if o.runLog != nil {
		ring, dir, err := r.openRunLog(*o.runLog, o.cfg.Log)
		if err != nil {
			return nil, err
		}
		fopts = append(fopts, frame.WithRing(ring), frame.WithDumpDir(dir))
	}
	fr, err := frame.New(dev, win, fopts...)
	if err != nil {
		r.closeRunLog()
		return nil, fmt.Errorf("cortex: %w", err)
	}
	r.fr = fr
	return r, nil
}

// NewFromProvider creates a renderer on the device a host application
// shares through gpucontext. The host keeps ownership of the device.
func NewFromProvider(provider gpucontext.DeviceProvider, win Window, opts ...Option) (*Renderer, error) {
	dev, err := halrhi.FromProvider(provider)
	if err != nil {
		return nil, fmt.Errorf("cortex: %w", err)
	}
	r, err := New(dev, win, opts...)
	if err != nil {
		dev.Close()
		return nil, err
	}
	r.owned = dev
	return r, nil
}

// openRunLog truncates the last-run log and routes the process logger
// through it and a ring buffer whose tail goes into device-loss dumps.
func (r *Renderer) openRunLog(dir string, cfg config.Log) (*logging.RingHandler, string, error) {
	if dir == "" {
		dir = cfg.Dir
	}
	if dir == "" {
		return nil, "", errors.New("cortex: run log enabled without a directory")
	}
	rl, err := logging.OpenRunLog(dir, cfg.Level)
	if err != nil {
		return nil, "", fmt.Errorf("cortex: %w", err)
	}
	r.runLog = rl
	r.prev = logging.Logger()
	ring := logging.NewRingHandler(cfg.RingSize, cfg.Level, logging.Fanout(rl.Handler, r.prev.Handler()))
	logging.SetLogger(slog.New(ring))
	return ring, dir, nil
}

func (r *Renderer) closeRunLog() {
	if r.runLog == nil {
		return
	}
	logging.SetLogger(r.prev)
	if err := r.runLog.Close(); err != nil {
		Logger().Warn("cortex: close run log", "err", err)
	}
	r.runLog = nil
}

// Render records, submits and presents one frame of sc. dt is the wall
// time since the previous frame and drives the governors.
//
// After device loss the failing frame returns ErrDeviceRemoved and later
// frames are skipped without error.
func (r *Renderer) Render(sc *Scene, dt time.Duration) error { return r.fr.Render(sc, dt) }

// Status returns the state after the last Render.
func (r *Renderer) Status() Status { return r.fr.Status() }

// Quality returns the requested quality settings.
func (r *Renderer) Quality() Quality { return r.fr.Quality() }

// SetQuality replaces the requested quality settings.
func (r *Renderer) SetQuality(q Quality) { r.fr.SetQuality(q) }

// SetFeature switches a feature on or off. Disable toggles from the
// command line or environment win.
func (r *Renderer) SetFeature(f Feature, on bool) { r.fr.SetFeature(f, on) }

// SetRenderScale requests an internal resolution scale and returns the
// value that was applied.
func (r *Renderer) SetRenderScale(s float32) float32 { return r.fr.SetRenderScale(s) }

// ApplyConfig takes the quality and governor settings of a reloaded
// configuration.
func (r *Renderer) ApplyConfig(cfg Config) {
	cfg.Validate()
	r.fr.SetGovernor(cfg.Governor)
	r.fr.SetQuality(cfg.Effective())
}

// AddDebugLine queues a world-space line for the next frame.
func (r *Renderer) AddDebugLine(a, b f32.Vec3, color f32.Vec4) { r.fr.AddDebugLine(a, b, color) }

// ReleaseMesh drops a mesh's GPU buffers once in-flight frames are done
// with them.
func (r *Renderer) ReleaseMesh(m *MeshData) { r.fr.ReleaseMesh(m) }

// ResetCommandList prepares the renderer for a new scene: it waits for the
// GPU, resets the command lists and drops queued GPU jobs.
func (r *Renderer) ResetCommandList() error { return r.fr.ResetCommandList() }

// ClearAccelerationCache drops every acceleration structure.
func (r *Renderer) ClearAccelerationCache() { r.fr.ClearAccelerationCache() }

// DeviceRemoved reports whether the device was lost.
func (r *Renderer) DeviceRemoved() bool { return r.fr.DeviceLoss().Removed() }

// Close waits for the GPU and releases the renderer's resources.
func (r *Renderer) Close() error {
	err := r.fr.Close()
	if r.owned != nil {
		r.owned.Close()
		r.owned = nil
	}
	r.closeRunLog()
	return err
}
