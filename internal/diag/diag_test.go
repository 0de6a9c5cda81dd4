// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package diag

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gogpu/cortex/internal/logging"
	"github.com/gogpu/cortex/internal/rendergraph"
	"github.com/gogpu/cortex/internal/rhi"
	"github.com/gogpu/cortex/internal/rhi/rhitest"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	logging.SetLogger(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { logging.SetLogger(nil) })
	return &buf
}

func TestMarkerString(t *testing.T) {
	tests := []struct {
		m    Marker
		want string
	}{
		{MarkerNone, "None"},
		{MarkerPostProcess, "PostProcess"},
		{MarkerMinimalFrame, "MinimalFrame"},
		{Marker(999), "Marker(999)"},
	}
	for _, tt := range tests {
		if got := tt.m.String(); got != tt.want {
			t.Errorf("Marker(%d).String() = %q, want %q", uint32(tt.m), got, tt.want)
		}
	}
	for m := MarkerNone; m < markerCount; m++ {
		var back Marker
		if err := back.UnmarshalText([]byte(m.String())); err != nil || back != m {
			t.Errorf("UnmarshalText(%s) = %v, %v", m, back, err)
		}
	}
}

func TestBreadcrumbs(t *testing.T) {
	dev := rhitest.NewDevice()
	b, err := NewBreadcrumbs(dev)
	if err != nil {
		t.Fatal(err)
	}
	cl, _ := dev.CreateCommandList(rhi.QueueGraphics, "frame")
	b.Begin(cl, MarkerShadows)
	b.Done("RenderShadows")
	b.Begin(cl, MarkerOpaque)
	b.Done("RenderOpaque")

	cmds := cl.(*rhitest.CommandList).Commands()
	if len(cmds) != 4 || cmds[0].Op != rhitest.OpWriteImmediate || cmds[0].Value != uint32(MarkerShadows) {
		t.Fatalf("commands = %+v", cmds)
	}
	if cmds[1].Op != rhitest.OpMarker || cmds[1].Name != "Shadows" {
		t.Errorf("marker command = %+v", cmds[1])
	}
	if b.GPU() != MarkerNone {
		t.Error("GPU breadcrumb advanced before submission")
	}
	if err := cl.Close(); err != nil {
		t.Fatal(err)
	}
	if err := dev.Queue(rhi.QueueGraphics).Submit([]rhi.CommandList{cl}); err != nil {
		t.Fatal(err)
	}
	if got := b.GPU(); got != MarkerOpaque {
		t.Errorf("GPU() = %s, want Opaque", got)
	}
	if b.CPU() != "RenderOpaque_Done" || b.Recorded() != MarkerOpaque {
		t.Errorf("CPU() = %q, Recorded() = %s", b.CPU(), b.Recorded())
	}
	b.Destroy()
	if dev.Live() != 0 {
		t.Errorf("Live() = %d after Destroy", dev.Live())
	}
}

func TestBreadcrumbStopsAtFault(t *testing.T) {
	dev := rhitest.NewDevice()
	b, _ := NewBreadcrumbs(dev)
	dev.RemoveAfterImmediate(uint32(MarkerPostProcess), errors.New("hung"))
	cl, _ := dev.CreateCommandList(rhi.QueueGraphics, "frame")
	b.Begin(cl, MarkerTAA)
	b.Begin(cl, MarkerPostProcess)
	b.Begin(cl, MarkerDebugLines)
	_ = cl.Close()
	_ = dev.Queue(rhi.QueueGraphics).Submit([]rhi.CommandList{cl})
	if got := b.GPU(); got != MarkerPostProcess {
		t.Errorf("GPU() = %s, want PostProcess", got)
	}
	if dev.RemovedReason() == nil {
		t.Error("device not removed")
	}
}

func trippedReport(t *testing.T) (Report, *rhitest.Device) {
	t.Helper()
	dev := rhitest.NewDevice()
	b, err := NewBreadcrumbs(dev)
	if err != nil {
		t.Fatal(err)
	}
	b.Done("RenderPostProcess")
	hdr, _ := dev.CreateResource(rhi.ResourceDesc{Label: "hdr", Dimension: rhi.DimensionTexture2D, Width: 8, Height: 8})
	tr := rendergraph.NewTracker()
	tr.Track(hdr, rhi.StatePixelShaderResource)

	dev.SetExtendedData(rhi.RemovedData{
		Breadcrumbs: []rhi.ListBreadcrumb{{ListName: "frame_1", LastCompleted: 7, LastMarkerName: "PostProcess"}},
		PageFaults:  []rhi.PageFault{{Address: 0xdead0000, Allocations: []string{"hdr"}}},
	})
	dev.Remove(rhi.ErrDeviceRemoved)
	return Report{
		Context:     "present",
		Err:         dev.RemovedReason(),
		Frame:       1234,
		Slot:        1,
		Device:      dev,
		Breadcrumbs: b,
		Tracker:     tr,
		Registry:    "Registry[tex 0/3584 MB]",
	}, dev
}

func TestTripOnce(t *testing.T) {
	logs := captureLogs(t)
	r, _ := trippedReport(t)
	l := NewDeviceLoss("")
	l.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	if l.Removed() || l.Skip() {
		t.Fatal("fresh state reports removed")
	}
	d := l.Trip(r)
	if !l.Removed() {
		t.Fatal("Trip did not latch")
	}
	if d.CPUBreadcrumb != "RenderPostProcess_Done" || d.Frame != 1234 || d.Slot != 1 {
		t.Errorf("dump = %+v", d)
	}
	if s, ok := d.Target("hdr"); !ok || s != "PixelShaderResource" {
		t.Errorf("hdr target = %q, %v", s, ok)
	}
	if len(d.Lists) != 1 || d.Lists[0].LastMarker != "PostProcess" {
		t.Errorf("lists = %+v", d.Lists)
	}
	if len(d.PageFaults) != 1 || d.PageFaults[0].Address != "0xdead0000" {
		t.Errorf("faults = %+v", d.PageFaults)
	}

	r.Context = "second"
	if again := l.Trip(r); again != d {
		t.Error("second Trip built a new dump")
	}
	for range 3 {
		if !l.Skip() {
			t.Error("Skip = false after trip")
		}
	}
	out := logs.String()
	if n := strings.Count(out, `msg="device removed"`); n != 1 {
		t.Errorf("device removed logged %d times", n)
	}
	if n := strings.Count(out, "render skipped because device removed"); n != 1 {
		t.Errorf("skip logged %d times", n)
	}
}

func TestDumpString(t *testing.T) {
	r, _ := trippedReport(t)
	d := NewDeviceLoss("").Trip(r)
	s := d.String()
	for _, want := range []string{
		"device removed during present",
		"frame 1,234, slot 1",
		"last CPU pass: RenderPostProcess_Done",
		"hdr",
		"list frame_1: 7 completed (PostProcess)",
		"page fault at 0xdead0000 near hdr",
		"Registry[tex 0/3584 MB]",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("String() missing %q:\n%s", want, s)
		}
	}
}

func TestDumpYAMLFile(t *testing.T) {
	dir := t.TempDir()
	r, _ := trippedReport(t)
	l := NewDeviceLoss(dir)
	d := l.Trip(r)

	data, err := os.ReadFile(filepath.Join(dir, DumpFileName))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "cpu_breadcrumb: RenderPostProcess_Done") {
		t.Errorf("yaml:\n%s", data)
	}
	back, err := ReadDump(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if back.CPUBreadcrumb != d.CPUBreadcrumb || back.GPUBreadcrumb != d.GPUBreadcrumb || back.Frame != d.Frame {
		t.Errorf("read back %+v, want %+v", back, d)
	}
	if len(back.Targets) != len(d.Targets) || back.Targets[0] != d.Targets[0] {
		t.Errorf("targets = %+v", back.Targets)
	}
}
