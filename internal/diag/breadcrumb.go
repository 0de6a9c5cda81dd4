// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package diag records frame breadcrumbs and produces the post-mortem
// report when the device is lost.
package diag

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/gogpu/cortex/internal/logging"
	"github.com/gogpu/cortex/internal/rhi"
)

func slogger() *slog.Logger { return logging.Component("diag") }

// Marker is the pass tag the GPU writes into the breadcrumb buffer.
type Marker uint32

// Pass markers. Values are part of the readback format; append only.
const (
	MarkerNone Marker = iota
	MarkerBeginFrame
	MarkerGPUJobs
	MarkerTLAS
	MarkerRTShadows
	MarkerDepthPrepass
	MarkerShadows
	MarkerOpaque
	MarkerOverlay
	MarkerWater
	MarkerTransparent
	MarkerRTReflections
	MarkerMotionVectors
	MarkerHZB
	MarkerTAA
	MarkerSSR
	MarkerSSAO
	MarkerBloom
	MarkerPostProcess
	MarkerDebugLines
	MarkerEndFrame
	MarkerMinimalFrame
	MarkerRTGI
	markerCount
)

var markerNames = [markerCount]string{
	"None", "BeginFrame", "GPUJobs", "TLAS", "RTShadows", "DepthPrepass",
	"Shadows", "Opaque", "Overlay", "Water", "Transparent", "RTReflections",
	"MotionVectors", "HZB", "TAA", "SSR", "SSAO", "Bloom", "PostProcess",
	"DebugLines", "EndFrame", "MinimalFrame", "RTGI",
}

// String returns the marker name.
func (m Marker) String() string {
	if m < markerCount {
		return markerNames[m]
	}
	return fmt.Sprintf("Marker(%d)", uint32(m))
}

// MarshalText implements encoding.TextMarshaler.
func (m Marker) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// Breadcrumbs tracks the last pass completed on the CPU and the last pass
// tag the GPU wrote.
type Breadcrumbs struct {
	dev rhi.Device
	buf rhi.Resource

	cpu      string
	recorded Marker
}

// NewBreadcrumbs allocates the readback buffer the GPU writes markers to.
func NewBreadcrumbs(dev rhi.Device) (*Breadcrumbs, error) {
	buf, err := dev.CreateResource(rhi.ResourceDesc{
		Label:     "gpu_breadcrumb",
		Dimension: rhi.DimensionBuffer,
		Heap:      rhi.HeapReadback,
		Size:      4,
	})
	if err != nil {
		return nil, fmt.Errorf("diag: breadcrumb buffer: %w", err)
	}
	return &Breadcrumbs{dev: dev, buf: buf}, nil
}

// Buffer returns the readback buffer.
func (b *Breadcrumbs) Buffer() rhi.Resource { return b.buf }

// Begin records the GPU write of m into cmd ahead of the pass's first
// command and names the following commands after it.
func (b *Breadcrumbs) Begin(cmd rhi.CommandList, m Marker) {
	cmd.WriteImmediate(b.buf, 0, uint32(m))
	cmd.SetMarker(m.String())
	b.recorded = m
}

// Done updates the CPU breadcrumb to "<pass>_Done".
func (b *Breadcrumbs) Done(pass string) { b.cpu = pass + "_Done" }

// CPU returns the CPU breadcrumb.
func (b *Breadcrumbs) CPU() string { return b.cpu }

// Recorded returns the last marker recorded on the CPU side.
func (b *Breadcrumbs) Recorded() Marker { return b.recorded }

// GPU reads the last marker the GPU wrote. It returns MarkerNone when the
// buffer cannot be read.
func (b *Breadcrumbs) GPU() Marker {
	var raw [4]byte
	if err := b.dev.ReadBuffer(b.buf, 0, raw[:]); err != nil {
		slogger().Warn("breadcrumb readback failed", "err", err)
		return MarkerNone
	}
	return Marker(binary.LittleEndian.Uint32(raw[:]))
}

// Destroy releases the readback buffer.
func (b *Breadcrumbs) Destroy() {
	if b.buf != nil {
		b.dev.DestroyResource(b.buf)
		b.buf = nil
	}
}
