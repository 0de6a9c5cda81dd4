// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package diag

import (
	"errors"
	"time"

	"github.com/gogpu/cortex/internal/rendergraph"
	"github.com/gogpu/cortex/internal/rhi"
)

// Report carries everything a dump reads. The renderer fills it at the
// point of failure; diag holds no references to renderer subsystems.
type Report struct {
	Context string
	Err     error
	Frame   uint64
	Slot    int

	Device      rhi.Device
	Breadcrumbs *Breadcrumbs
	Tracker     *rendergraph.Tracker

	// Registry is a one-line registry summary.
	Registry string
	// RecentLog is the tail of the in-memory log.
	RecentLog []string
}

// DeviceLoss is the sticky device-removed state. Once tripped it stays
// tripped for the life of the process.
type DeviceLoss struct {
	// Dir receives the YAML dump. Empty disables the file.
	Dir string

	now     func() time.Time
	dump    *Dump
	skipped bool
}

// NewDeviceLoss returns an untripped state writing dumps into dir.
func NewDeviceLoss(dir string) *DeviceLoss {
	return &DeviceLoss{Dir: dir, now: time.Now}
}

// Removed reports whether the device has been lost.
func (l *DeviceLoss) Removed() bool { return l.dump != nil }

// Dump returns the report of the first trip, or nil.
func (l *DeviceLoss) Dump() *Dump { return l.dump }

// Trip marks the device removed and builds the dump. Only the first call
// logs and writes; later calls return the first dump.
func (l *DeviceLoss) Trip(r Report) *Dump {
	if l.dump != nil {
		return l.dump
	}
	err := r.Err
	if err == nil {
		err = rhi.ErrDeviceRemoved
	}
	d := &Dump{
		Time:      l.now().UTC(),
		Context:   r.Context,
		Code:      err.Error(),
		Frame:     r.Frame,
		Slot:      r.Slot,
		Registry:  r.Registry,
		RecentLog: r.RecentLog,
	}
	if b := r.Breadcrumbs; b != nil {
		d.CPUBreadcrumb = b.CPU()
		d.GPUBreadcrumb = b.GPU()
	}
	if r.Tracker != nil {
		d.Targets = r.Tracker.Snapshot()
	}
	if r.Device != nil {
		if data, ok := r.Device.ExtendedRemovedData(); ok {
			d.Lists, d.PageFaults = tracesFrom(data)
		}
	}
	l.dump = d

	slogger().Error("device removed",
		"context", d.Context,
		"err", err,
		"frame", d.Frame,
		"slot", d.Slot,
		"cpu_breadcrumb", d.CPUBreadcrumb,
		"gpu_breadcrumb", d.GPUBreadcrumb.String(),
		"device_removed", errors.Is(err, rhi.ErrDeviceRemoved))
	slogger().Error(d.String())

	if l.Dir != "" {
		if path, werr := d.WriteFile(l.Dir); werr != nil {
			slogger().Warn("device-removed dump not written", "err", werr)
		} else {
			slogger().Info("device-removed dump written", "path", path)
		}
	}
	return d
}

// Skip reports whether rendering must be skipped. The first skipped frame
// logs one line; later ones are silent.
func (l *DeviceLoss) Skip() bool {
	if l.dump == nil {
		return false
	}
	if !l.skipped {
		l.skipped = true
		slogger().Warn("render skipped because device removed",
			"cpu_breadcrumb", l.dump.CPUBreadcrumb, "gpu_breadcrumb", l.dump.GPUBreadcrumb.String())
	}
	return true
}
