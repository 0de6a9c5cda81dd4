// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package cortex

import (
	"github.com/gogpu/cortex/internal/config"
	"github.com/gogpu/cortex/internal/frame"
)

// Option configures a Renderer during creation.
//
// Example:
//
//	cfg, _ := cortex.LoadConfig("cortex.toml")
//	r, err := cortex.New(dev, win,
//	    cortex.WithConfig(cfg),
//	    cortex.WithGPUCulling(true),
//	    cortex.WithRunLog("logs"))
type Option func(*options)

type options struct {
	cfg        config.Config
	accel      frame.AccelerationStructures
	visibility *bool
	gpuCulling *bool
	runLog     *string
	workers    int
	extra      []frame.Option
}

func newOptions(opts []Option) options {
	o := options{cfg: config.Default()}
	for _, fn := range opts {
		fn(&o)
	}
	if o.visibility != nil {
		o.cfg.Quality.VisibilityBuffer = *o.visibility
	}
	if o.gpuCulling != nil {
		o.cfg.Quality.GPUCulling = *o.gpuCulling
	}
	return o
}

func (o options) frameOptions() []frame.Option {
	out := []frame.Option{frame.WithConfig(o.cfg), frame.WithWorkers(o.workers)}
	if o.accel != nil {
		out = append(out, frame.WithAccelerationStructures(o.accel))
	}
	return append(out, o.extra...)
}

// WithConfig sets the configuration. The default is DefaultConfig.
// Options applied after it may still edit individual settings.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithAccelerationStructures enables the ray-traced passes. They also need
// hardware support and the ray_tracing quality setting.
func WithAccelerationStructures(a AccelerationStructures) Option {
	return func(o *options) { o.accel = a }
}

// WithVisibilityBuffer selects the visibility-buffer opaque path (on, the
// default) or the forward path. The disable-visibility-buffer toggle
// still wins.
func WithVisibilityBuffer(on bool) Option {
	return func(o *options) { o.visibility = &on }
}

// WithGPUCulling culls opaque instances on the GPU and draws them
// indirectly.
func WithGPUCulling(on bool) Option {
	return func(o *options) { o.gpuCulling = &on }
}

// WithRunLog truncates dir/cortex_last_run.txt and mirrors every log record
// into it, on top of the logger set with SetLogger. Device-loss dumps are
// written to the same directory. An empty dir uses the configured log
// directory.
func WithRunLog(dir string) Option {
	return func(o *options) { o.runLog = &dir }
}

// WithWorkers sets the number of culling workers. Zero uses GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// withFrameOptions passes options straight to the orchestrator.
func withFrameOptions(opts ...frame.Option) Option {
	return func(o *options) { o.extra = append(o.extra, opts...) }
}
