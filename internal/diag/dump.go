// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package diag

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/gogpu/cortex/internal/rendergraph"
	"github.com/gogpu/cortex/internal/rhi"
)

// DumpFileName is the YAML post-mortem written next to the run log.
const DumpFileName = "cortex_device_removed.yaml"

// ListTrace is one command list from the driver's breadcrumb ring.
type ListTrace struct {
	Name          string `yaml:"name"`
	LastCompleted uint32 `yaml:"last_completed"`
	LastMarker    string `yaml:"last_marker,omitempty"`
}

// Fault is a page fault with the allocations near its address.
type Fault struct {
	Address     string   `yaml:"address"`
	Allocations []string `yaml:"allocations,omitempty"`
}

// Dump is the device-loss report.
type Dump struct {
	Time          time.Time                  `yaml:"time"`
	Context       string                     `yaml:"context"`
	Code          string                     `yaml:"code"`
	Frame         uint64                     `yaml:"frame"`
	Slot          int                        `yaml:"slot"`
	CPUBreadcrumb string                     `yaml:"cpu_breadcrumb"`
	GPUBreadcrumb Marker                     `yaml:"gpu_breadcrumb"`
	Targets       []rendergraph.TrackedState `yaml:"targets"`
	Lists         []ListTrace                `yaml:"command_lists,omitempty"`
	PageFaults    []Fault                    `yaml:"page_faults,omitempty"`
	Registry      string                     `yaml:"registry,omitempty"`
	RecentLog     []string                   `yaml:"recent_log,omitempty"`
}

// Target returns the recorded state of the named target.
func (d *Dump) Target(name string) (string, bool) {
	for _, t := range d.Targets {
		if t.Name == name {
			return t.State, true
		}
	}
	return "", false
}

var printer = message.NewPrinter(language.English)

// String formats the dump for the log.
func (d *Dump) String() string {
	var b strings.Builder
	printer.Fprintf(&b, "device removed during %s: %s\n", d.Context, d.Code)
	printer.Fprintf(&b, "  frame %d, slot %d\n", d.Frame, d.Slot)
	printer.Fprintf(&b, "  last CPU pass: %s\n", orNone(d.CPUBreadcrumb))
	printer.Fprintf(&b, "  last GPU pass: %s\n", d.GPUBreadcrumb)
	for _, t := range d.Targets {
		printer.Fprintf(&b, "  %-20s %s\n", t.Name, t.State)
	}
	for _, l := range d.Lists {
		printer.Fprintf(&b, "  list %s: %d completed", l.Name, l.LastCompleted)
		if l.LastMarker != "" {
			printer.Fprintf(&b, " (%s)", l.LastMarker)
		}
		b.WriteByte('\n')
	}
	for _, f := range d.PageFaults {
		printer.Fprintf(&b, "  page fault at %s near %s\n", f.Address, strings.Join(f.Allocations, ", "))
	}
	if d.Registry != "" {
		printer.Fprintf(&b, "  %s\n", d.Registry)
	}
	return strings.TrimRight(b.String(), "\n")
}

func orNone(s string) string {
	if s == "" {
		return "<none>"
	}
	return s
}

// WriteYAML encodes the dump.
func (d *Dump) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(d); err != nil {
		return fmt.Errorf("diag: encode dump: %w", err)
	}
	return enc.Close()
}

// WriteFile writes the YAML dump into dir and returns its path.
func (d *Dump) WriteFile(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("diag: %w", err)
	}
	path := filepath.Join(dir, DumpFileName)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("diag: %w", err)
	}
	if err := d.WriteYAML(f); err != nil {
		_ = f.Close()
		return "", err
	}
	return path, f.Close()
}

// ReadDump decodes a YAML dump. Markers are read back as their names.
func ReadDump(r io.Reader) (*Dump, error) {
	var d Dump
	if err := yaml.NewDecoder(r).Decode(&d); err != nil {
		return nil, fmt.Errorf("diag: decode dump: %w", err)
	}
	return &d, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Marker) UnmarshalText(b []byte) error {
	s := string(b)
	for i, n := range markerNames {
		if n == s {
			*m = Marker(i)
			return nil
		}
	}
	return fmt.Errorf("diag: unknown marker %q", s)
}

func tracesFrom(data rhi.RemovedData) ([]ListTrace, []Fault) {
	lists := make([]ListTrace, 0, len(data.Breadcrumbs))
	for _, b := range data.Breadcrumbs {
		lists = append(lists, ListTrace{Name: b.ListName, LastCompleted: b.LastCompleted, LastMarker: b.LastMarkerName})
	}
	faults := make([]Fault, 0, len(data.PageFaults))
	for _, f := range data.PageFaults {
		faults = append(faults, Fault{Address: fmt.Sprintf("0x%x", f.Address), Allocations: f.Allocations})
	}
	return lists, faults
}
