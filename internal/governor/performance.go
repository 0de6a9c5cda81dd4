// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package governor

import (
	"slices"
	"time"

	"github.com/gogpu/cortex/internal/config"
)

// EMAAlpha is the smoothing factor of the frame-time average.
const EMAAlpha = 0.1

// perfOrder is the order in which the performance governor gives up
// quality.
var perfOrder = []Adjustment{
	DisableTAA,
	DisableSSR,
	DisableRTGI,
	DisableRTReflections,
	LowerRenderScale,
}

// Performance is the frame-time governor. Once the exponential moving
// average of frame time has stayed above the target for PerfSustain
// frames, it gives up the next feature in order and starts counting
// again. Features it turned off stay off.
type Performance struct {
	cfg config.Governor

	ema  float64 // seconds
	have bool
	over int

	latched   []Adjustment
	exhausted bool
}

// NewPerformance creates a frame-time governor.
func NewPerformance(cfg config.Governor) *Performance {
	return &Performance{cfg: cfg}
}

// SetConfig replaces the governor parameters. The average is kept.
func (p *Performance) SetConfig(cfg config.Governor) { p.cfg = cfg }

// Average returns the current frame-time average.
func (p *Performance) Average() time.Duration {
	return time.Duration(p.ema * float64(time.Second))
}

// Latched returns the adjustments made so far, in order.
func (p *Performance) Latched() []Adjustment {
	return append([]Adjustment(nil), p.latched...)
}

// Observe feeds one frame time and applies at most one adjustment to q.
func (p *Performance) Observe(dt time.Duration, q *config.Quality) Adjustment {
	if dt <= 0 {
		return None
	}
	s := dt.Seconds()
	if !p.have {
		p.ema = s
		p.have = true
	} else {
		p.ema += EMAAlpha * (s - p.ema)
	}
	if !p.cfg.Performance || p.cfg.TargetFPS <= 0 {
		return None
	}

	if p.Average() <= p.cfg.FrameBudget() {
		p.over = 0
		return None
	}
	p.over++
	if p.over < max(p.cfg.PerfSustain, 1) {
		return None
	}
	p.over = 0

	a := firstApplicable(q, p.candidates())
	if a == None {
		if !p.exhausted {
			p.exhausted = true
			slogger().Warn("performance governor has nothing left to reduce",
				"avg_ms", p.Average().Milliseconds(), "target_fps", p.cfg.TargetFPS)
		}
		return None
	}
	p.latched = append(p.latched, a)
	slogger().Warn("performance governor reduced quality",
		"adjustment", a.String(),
		"avg_ms", p.Average().Milliseconds(),
		"target_fps", p.cfg.TargetFPS,
		"render_scale", q.RenderScale)
	return a
}

// candidates skips feature switches the governor already used, so a
// feature the user turns back on is not fought over.
func (p *Performance) candidates() []Adjustment {
	out := make([]Adjustment, 0, len(perfOrder))
	for _, a := range perfOrder {
		if a != LowerRenderScale && slices.Contains(p.latched, a) {
			continue
		}
		out = append(out, a)
	}
	return out
}
