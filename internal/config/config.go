// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package config holds every renderer tunable and loads it from TOML and
// the environment.
//
// Sources are layered, later overriding earlier: built-in defaults, the
// TOML file, environment toggles, and command-line flags (bound by the
// demo through Toggles.Switches).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/pelletier/go-toml/v2"

	"github.com/gogpu/cortex/internal/descriptor"
	"github.com/gogpu/cortex/internal/jobs"
	"github.com/gogpu/cortex/internal/logging"
	"github.com/gogpu/cortex/internal/registry"
)

// ErrInvalid is wrapped by Load for malformed files.
var ErrInvalid = errors.New("config: invalid configuration")

// Governor defaults.
const (
	DefaultTargetFPS      = 60
	DefaultVRAMSlack      = 256 * datasize.MB
	DefaultSampleInterval = 30
	DefaultVRAMSustain    = 3
	DefaultPerfSustain    = 120
	DefaultVRAMLogEvery   = Duration(5 * time.Second)
)

// Duration is a time.Duration written as "5s" in TOML.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("config: duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

// Governor configures the quality governors.
type Governor struct {
	// Performance enables the frame-time governor.
	Performance bool `toml:"performance"`
	// VRAM enables the memory governor.
	VRAM bool `toml:"vram"`

	TargetFPS float64 `toml:"target_fps"`

	// VRAMSlack is added to registry totals when estimating resident
	// memory.
	VRAMSlack datasize.ByteSize `toml:"vram_slack"`
	// SampleInterval is the number of frames between VRAM samples.
	SampleInterval int `toml:"sample_interval"`
	// VRAMSustain is the number of consecutive over-budget samples before
	// the VRAM governor acts.
	VRAMSustain int `toml:"vram_sustain"`
	// PerfSustain is the number of consecutive over-target frames before
	// the performance governor acts.
	PerfSustain int `toml:"perf_sustain"`
	// VRAMLogEvery is the log-vram reporting period.
	VRAMLogEvery Duration `toml:"vram_log_every"`
}

// FrameBudget returns the target frame time.
func (g Governor) FrameBudget() time.Duration {
	return time.Duration(float64(time.Second) / g.TargetFPS)
}

// Log configures logging.
type Log struct {
	// Dir holds cortex_last_run.txt. Empty disables the run log.
	Dir      string     `toml:"dir"`
	Level    slog.Level `toml:"level"`
	RingSize int        `toml:"ring_size"`
}

// Config is the complete renderer configuration.
type Config struct {
	Quality     Quality           `toml:"quality"`
	Toggles     Toggles           `toml:"toggles"`
	Budgets     registry.Budgets  `toml:"budgets"`
	Descriptors descriptor.Config `toml:"descriptors"`
	Jobs        jobs.Config       `toml:"jobs"`
	Governor    Governor          `toml:"governor"`
	Log         Log               `toml:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Quality: DefaultQuality(),
		Budgets: registry.DefaultBudgets(),
		Jobs: jobs.Config{
			MaxMeshPerFrame: jobs.MaxMeshPerFrame,
			MaxBLASPerFrame: jobs.MaxBLASPerFrame,
		},
		Governor: Governor{
			Performance:    true,
			VRAM:           true,
			TargetFPS:      DefaultTargetFPS,
			VRAMSlack:      DefaultVRAMSlack,
			SampleInterval: DefaultSampleInterval,
			VRAMSustain:    DefaultVRAMSustain,
			PerfSustain:    DefaultPerfSustain,
			VRAMLogEvery:   DefaultVRAMLogEvery,
		},
		Log: Log{
			Dir:      "logs",
			Level:    slog.LevelInfo,
			RingSize: logging.DefaultRingSize,
		},
	}
}

// Load reads a TOML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	c, err := Decode(bytes.NewReader(data))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Decode reads TOML from r over the defaults. Unknown keys are rejected.
func Decode(r io.Reader) (Config, error) {
	c := Default()
	dec := toml.NewDecoder(r).DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		var sm *toml.StrictMissingError
		if errors.As(err, &sm) {
			return Config{}, fmt.Errorf("%w: %s", ErrInvalid, sm.String())
		}
		return Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	c.Validate()
	return c, nil
}

// Encode writes c as TOML.
func (c Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// Validate clamps out-of-range values, logging each adjustment once at
// Warn.
func (c *Config) Validate() {
	log := logging.Component("config")
	for _, msg := range c.Quality.validate() {
		log.Warn("adjusted quality setting", "detail", msg)
	}
	d := Default()
	if c.Governor.TargetFPS <= 0 {
		log.Warn("adjusted governor setting", "detail", fmt.Sprintf("target_fps %.1f reset to %d", c.Governor.TargetFPS, DefaultTargetFPS))
		c.Governor.TargetFPS = DefaultTargetFPS
	}
	if c.Governor.SampleInterval <= 0 {
		c.Governor.SampleInterval = d.Governor.SampleInterval
	}
	if c.Governor.VRAMSustain <= 0 {
		c.Governor.VRAMSustain = d.Governor.VRAMSustain
	}
	if c.Governor.PerfSustain <= 0 {
		c.Governor.PerfSustain = d.Governor.PerfSustain
	}
	if c.Governor.VRAMLogEvery <= 0 {
		c.Governor.VRAMLogEvery = d.Governor.VRAMLogEvery
	}
	if c.Log.RingSize <= 0 {
		c.Log.RingSize = logging.DefaultRingSize
	}
}

// Effective returns the quality settings with the toggles applied.
func (c *Config) Effective() Quality {
	q := c.Quality
	c.Toggles.Apply(&q)
	return q
}

// LoadEnv applies environment toggles to c. lookup is os.LookupEnv
// outside tests.
func (c *Config) LoadEnv(lookup func(string) (string, bool)) error {
	return c.Toggles.LoadEnv(lookup)
}
