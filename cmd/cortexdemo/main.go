// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Command cortexdemo renders a scene headlessly for a fixed number of
// frames on the default GPU.
//
// Usage:
//
//	cortexdemo [flags]
//
// The scene is a grid of cubes, or the glTF file given with --gltf. The
// configuration is layered: built-in defaults, the TOML file given with
// --config (reloaded when it changes), CORTEX_* environment toggles, then
// the command-line toggles.
//
// Exit status is 0 after a clean run and 1 on a fatal error, including
// device loss.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/cortex"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	s := newSettings()
	s.fs.SetOutput(stderr)
	if err := s.parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, "cortexdemo:", err)
		return 1
	}
	cfg, err := s.config()
	if err != nil {
		fmt.Fprintln(stderr, "cortexdemo:", err)
		return 1
	}
	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.Log.Level}))
	cortex.SetLogger(log)
	defer cortex.SetLogger(nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := demo(ctx, s, cfg, log); err != nil {
		log.Error("demo failed", "err", err)
		return 1
	}
	return 0
}

func demo(ctx context.Context, s *settings, cfg cortex.Config, log *slog.Logger) error {
	sc, err := s.scene()
	if err != nil {
		return err
	}

	dev, err := cortex.OpenDefaultDevice()
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	defer dev.Close()

	win, err := newHeadless(dev, s.width, s.height)
	if err != nil {
		return err
	}
	defer win.release()

	opts := []cortex.Option{cortex.WithConfig(cfg), cortex.WithWorkers(s.workers)}
	if cfg.Log.Dir != "" {
		opts = append(opts, cortex.WithRunLog(cfg.Log.Dir))
	}
	r, err := cortex.New(dev, win, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := r.Close(); err != nil {
			log.Warn("renderer close", "err", err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	reloads := make(chan cortex.Config, 1)
	if s.configPath != "" && s.watch {
		w, err := newConfigWatcher(s.configPath, s.config)
		if err != nil {
			return err
		}
		g.Go(func() error { return w.run(ctx, reloads) })
	}
	g.Go(func() error {
		defer cancel()
		return renderLoop(ctx, r, sc, s.frames, reloads, log)
	})
	return g.Wait()
}

// renderLoop drives the renderer from one goroutine until frames have
// been rendered or ctx is done. Reloaded configurations apply between
// frames.
func renderLoop(ctx context.Context, r *cortex.Renderer, sc *cortex.Scene, frames int, reloads <-chan cortex.Config, log *slog.Logger) error {
	start := time.Now()
	last := start
	for i := 0; frames <= 0 || i < frames; i++ {
		select {
		case <-ctx.Done():
			log.Info("interrupted", "frames", i)
			return nil
		case cfg := <-reloads:
			r.ApplyConfig(cfg)
			q := r.Quality()
			log.Info("config reloaded", "features", q.Features())
		default:
		}
		now := time.Now()
		if err := r.Render(sc, now.Sub(last)); err != nil {
			return fmt.Errorf("frame %d: %w", i+1, err)
		}
		last = now
		if r.DeviceRemoved() {
			return cortex.ErrDeviceRemoved
		}
		if (i+1)%statusEvery == 0 {
			logStatus(log, r.Status())
		}
	}
	st := r.Status()
	logStatus(log, st)
	log.Info("done", "frames", st.Frame, "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

const statusEvery = 120

func logStatus(log *slog.Logger, st cortex.Status) {
	log.Info("status",
		"frame", st.Frame,
		"size", fmt.Sprintf("%dx%d", st.Width, st.Height),
		"scale", st.RenderScale,
		"opaque", st.OpaquePath,
		"visible", st.Visible,
		"passes", len(st.Passes),
		"barriers", st.Barriers,
		"frame_time", st.FrameTime,
		"pending_meshes", st.PendingMeshJobs)
}
