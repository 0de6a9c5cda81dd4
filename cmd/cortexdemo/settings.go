// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/gogpu/cortex"
	"github.com/gogpu/cortex/internal/config"
)

// settings holds the parsed command line. Flags override the config file
// and the environment only when given explicitly.
type settings struct {
	fs *pflag.FlagSet

	configPath string
	watch      bool
	frames     int
	width      uint32
	height     uint32
	gltfPath   string
	grid       int
	workers    int

	logLevel        string
	runLog          string
	renderScale     float32
	gpuCulling      bool
	reflectionClear string
	toggles         config.Toggles

	lookupEnv func(string) (string, bool)
}

func newSettings() *settings {
	s := &settings{lookupEnv: os.LookupEnv}
	fs := pflag.NewFlagSet("cortexdemo", pflag.ContinueOnError)
	fs.StringVarP(&s.configPath, "config", "c", "", "TOML configuration `file`")
	fs.BoolVar(&s.watch, "watch", true, "reload the configuration file when it changes")
	fs.IntVarP(&s.frames, "frames", "n", 300, "frames to render, 0 runs until interrupted")
	fs.Uint32Var(&s.width, "width", 1280, "back buffer width")
	fs.Uint32Var(&s.height, "height", 720, "back buffer height")
	fs.StringVar(&s.gltfPath, "gltf", "", "render the glTF `file` instead of the cube grid")
	fs.IntVar(&s.grid, "grid", 5, "cubes per side of the default grid")
	fs.IntVar(&s.workers, "workers", 0, "culling workers, 0 for one per CPU")
	fs.StringVar(&s.logLevel, "log-level", "info", "minimum log level: debug, info, warn or error")
	fs.StringVar(&s.runLog, "run-log", "", "directory for cortex_last_run.txt, empty disables it")
	fs.Float32Var(&s.renderScale, "render-scale", 1, "internal resolution scale")
	fs.BoolVar(&s.gpuCulling, "gpu-culling", false, "cull instances on the GPU")
	fs.StringVar(&s.reflectionClear, "reflection-clear", "off", "reflection target debug clear: off, black or magenta")
	for _, sw := range s.toggles.Switches() {
		fs.BoolVar(sw.Value, sw.Name, false, sw.Usage)
	}
	s.fs = fs
	return s
}

func (s *settings) parse(args []string) error {
	if err := s.fs.Parse(args); err != nil {
		return err
	}
	if s.fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %v", s.fs.Args())
	}
	if s.width == 0 || s.height == 0 {
		return fmt.Errorf("invalid size %dx%d", s.width, s.height)
	}
	if s.grid < 1 {
		return fmt.Errorf("invalid grid %d", s.grid)
	}
	return nil
}

// config layers the defaults, the config file, the environment and the
// explicit flags. The watcher calls it again on every change.
func (s *settings) config() (cortex.Config, error) {
	cfg := cortex.DefaultConfig()
	if s.configPath != "" {
		var err error
		if cfg, err = cortex.LoadConfig(s.configPath); err != nil {
			return cortex.Config{}, err
		}
	}
	if err := cfg.LoadEnv(s.lookupEnv); err != nil {
		return cortex.Config{}, err
	}

	flags := s.toggles.Switches()
	for i, sw := range cfg.Toggles.Switches() {
		if s.fs.Changed(sw.Name) {
			*sw.Value = *flags[i].Value
		}
	}
	if s.fs.Changed("reflection-clear") {
		if err := cfg.Toggles.ReflectionClear.UnmarshalText([]byte(s.reflectionClear)); err != nil {
			return cortex.Config{}, err
		}
	}
	if s.fs.Changed("render-scale") {
		cfg.Quality.RenderScale = s.renderScale
	}
	if s.fs.Changed("gpu-culling") {
		cfg.Quality.GPUCulling = s.gpuCulling
	}
	if s.fs.Changed("run-log") {
		cfg.Log.Dir = s.runLog
	}
	if s.fs.Changed("log-level") {
		var l slog.Level
		if err := l.UnmarshalText([]byte(s.logLevel)); err != nil {
			return cortex.Config{}, fmt.Errorf("log-level: %w", err)
		}
		cfg.Log.Level = l
	}
	cfg.Validate()
	return cfg, nil
}

func (s *settings) scene() (*cortex.Scene, error) {
	if s.gltfPath != "" {
		return loadGLTF(s.gltfPath)
	}
	return gridScene(s.grid), nil
}
