// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package governor

import (
	"time"

	"github.com/c2h5oh/datasize"

	"github.com/gogpu/cortex/internal/config"
	"github.com/gogpu/cortex/internal/registry"
	"github.com/gogpu/cortex/internal/rhi"
)

// vramOrder is the order in which the VRAM governor gives up quality.
var vramOrder = []Adjustment{
	DisableRTReflections,
	DisableRTGI,
	LowerRenderScale,
	DisableSSR,
	DisableSSAO,
	DisableFog,
	ConservativePreset,
}

// MemorySample is one observation of memory use.
type MemorySample struct {
	// Info is the driver report; HaveInfo is false when the driver has
	// none.
	Info     rhi.VideoMemoryInfo
	HaveInfo bool

	Breakdown registry.Breakdown
	Budgets   registry.Budgets
}

// Estimate returns the registry total plus slack.
func (s MemorySample) Estimate(slack datasize.ByteSize) uint64 {
	return s.Breakdown.Total() + slack.Bytes()
}

// Limit returns the sum of the registry budgets.
func (s MemorySample) Limit() uint64 {
	b := s.Budgets
	return (b.Texture + b.Environment + b.Geometry + b.AccelerationStructure).Bytes()
}

// VRAM is the memory governor. It samples every SampleInterval frames and
// gives up one piece of quality after VRAMSustain consecutive samples over
// budget.
type VRAM struct {
	cfg  config.Governor
	over int

	exhausted bool
	lastLog   time.Time
}

// NewVRAM creates a memory governor.
func NewVRAM(cfg config.Governor) *VRAM {
	return &VRAM{cfg: cfg}
}

// SetConfig replaces the governor parameters.
func (v *VRAM) SetConfig(cfg config.Governor) { v.cfg = cfg }

// Due reports whether frame is a sampling frame.
func (v *VRAM) Due(frame uint64) bool {
	n := uint64(max(v.cfg.SampleInterval, 1))
	return frame%n == 0
}

// OverBudget reports whether s is over either the driver budget or the
// registry budgets.
func (v *VRAM) OverBudget(s MemorySample) bool {
	if s.HaveInfo && s.Info.Budget > 0 && s.Info.CurrentUsage > s.Info.Budget {
		return true
	}
	return s.Estimate(v.cfg.VRAMSlack) > s.Limit()
}

// Update feeds one sample and applies at most one adjustment to q.
func (v *VRAM) Update(q *config.Quality, s MemorySample) Adjustment {
	if !v.cfg.VRAM {
		return None
	}
	if !v.OverBudget(s) {
		v.over = 0
		return None
	}
	v.over++
	if v.over < max(v.cfg.VRAMSustain, 1) {
		return None
	}
	v.over = 0
	a := firstApplicable(q, vramOrder)
	if a == None {
		if !v.exhausted {
			v.exhausted = true
			slogger().Warn("vram governor has nothing left to reduce",
				"usage", datasize.ByteSize(s.Info.CurrentUsage).HumanReadable(),
				"estimate", datasize.ByteSize(s.Estimate(v.cfg.VRAMSlack)).HumanReadable())
		}
		return None
	}
	slogger().Warn("vram governor reduced quality",
		"adjustment", a.String(),
		"render_scale", q.RenderScale,
		"estimate", datasize.ByteSize(s.Estimate(v.cfg.VRAMSlack)).HumanReadable(),
		"limit", datasize.ByteSize(s.Limit()).HumanReadable())
	return a
}

// LogUsage logs the driver memory report at most once per VRAMLogEvery.
// It reports whether a line was written.
func (v *VRAM) LogUsage(now time.Time, s MemorySample) bool {
	if !s.HaveInfo {
		return false
	}
	if !v.lastLog.IsZero() && now.Sub(v.lastLog) < time.Duration(v.cfg.VRAMLogEvery) {
		return false
	}
	v.lastLog = now
	slogger().Info("video memory",
		"usage", datasize.ByteSize(s.Info.CurrentUsage).HumanReadable(),
		"budget", datasize.ByteSize(s.Info.Budget).HumanReadable(),
		"registry", datasize.ByteSize(s.Breakdown.Total()).HumanReadable())
	return true
}
