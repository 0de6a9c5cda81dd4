// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package rhitest provides a recording rhi.Device for tests.
//
// The fake GPU executes a submission instantly: buffer copies and immediate
// writes land in CPU-side byte slices, and fence signals complete on the
// spot unless the queue is held. Every submitted command list is kept as a
// Submission so tests can assert barrier order, breadcrumbs, and descriptor
// references frame by frame.
package rhitest

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/cortex/internal/rhi"
)

// Resource is a fake buffer or texture.
type Resource struct {
	ID        int
	desc      rhi.ResourceDesc
	data      []byte
	Destroyed bool
}

// Desc implements rhi.Resource.
func (r *Resource) Desc() rhi.ResourceDesc { return r.desc }

// Bytes returns the buffer contents as seen by the fake GPU.
func (r *Resource) Bytes() []byte { return r.data }

// Device is a recording rhi.Device.
//
// Device is safe for concurrent use, although the renderer only calls it
// from one goroutine.
type Device struct {
	mu sync.Mutex

	queues map[rhi.QueueKind]*Queue

	nextID    int
	live      map[*Resource]struct{}
	created   []*Resource
	destroyed int

	submissions []Submission
	violations  []string

	pipelines map[string]*Pipeline

	// FailCreate, when non-nil, is consulted for every CreateResource call.
	FailCreate func(desc rhi.ResourceDesc) error
	// FailPipeline lists pipeline names whose creation fails.
	FailPipeline map[string]bool
	// FailWrite is returned by WriteBuffer when set.
	FailWrite error

	Memory        rhi.VideoMemoryInfo
	HasMemoryInfo bool
	Tier          rhi.RayTracingTier

	removed      error
	removeAfter  map[uint32]error
	extended     rhi.RemovedData
	haveExtended bool
}

// Option configures a Device.
type Option func(*Device)

// WithComputeQueue gives the device a dedicated async-compute queue.
func WithComputeQueue() Option {
	return func(d *Device) { d.queues[rhi.QueueCompute] = newQueue(d, rhi.QueueCompute) }
}

// WithRayTracing sets the reported ray-tracing tier.
func WithRayTracing(t rhi.RayTracingTier) Option {
	return func(d *Device) { d.Tier = t }
}

// WithMemoryInfo makes VideoMemoryInfo report info.
func WithMemoryInfo(info rhi.VideoMemoryInfo) Option {
	return func(d *Device) {
		d.Memory = info
		d.HasMemoryInfo = true
	}
}

// NewDevice creates a fake device with graphics and copy queues.
func NewDevice(opts ...Option) *Device {
	d := &Device{
		queues:      make(map[rhi.QueueKind]*Queue),
		live:        make(map[*Resource]struct{}),
		pipelines:   make(map[string]*Pipeline),
		removeAfter: make(map[uint32]error),
	}
	d.queues[rhi.QueueGraphics] = newQueue(d, rhi.QueueGraphics)
	d.queues[rhi.QueueCopy] = newQueue(d, rhi.QueueCopy)
	for _, o := range opts {
		o(d)
	}
	return d
}

// Name implements rhi.Device.
func (d *Device) Name() string { return "rhitest" }

// Queue implements rhi.Device.
func (d *Device) Queue(kind rhi.QueueKind) rhi.Queue {
	q, ok := d.queues[kind]
	if !ok {
		return nil
	}
	return q
}

// FakeQueue returns the concrete queue for test control.
func (d *Device) FakeQueue(kind rhi.QueueKind) *Queue { return d.queues[kind] }

// CreateFence implements rhi.Device.
func (d *Device) CreateFence(label string) (rhi.Fence, error) {
	return &Fence{Label: label}, nil
}

// CreateCommandList implements rhi.Device.
func (d *Device) CreateCommandList(kind rhi.QueueKind, label string) (rhi.CommandList, error) {
	return &CommandList{dev: d, kind: kind, label: label, open: true}, nil
}

// CreateResource implements rhi.Device.
func (d *Device) CreateResource(desc rhi.ResourceDesc) (rhi.Resource, error) {
	if d.FailCreate != nil {
		if err := d.FailCreate(desc); err != nil {
			return nil, err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	r := &Resource{ID: d.nextID, desc: desc}
	if !desc.IsTexture() {
		r.data = make([]byte, desc.Size)
	}
	d.live[r] = struct{}{}
	d.created = append(d.created, r)
	return r, nil
}

// DestroyResource implements rhi.Device.
func (d *Device) DestroyResource(res rhi.Resource) {
	r, ok := res.(*Resource)
	if !ok || r == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if r.Destroyed {
		d.violations = append(d.violations, fmt.Sprintf("double destroy of %s", r.desc.Label))
		return
	}
	r.Destroyed = true
	delete(d.live, r)
	d.destroyed++
}

// Pipeline is a fake compiled program.
type Pipeline struct {
	Desc rhi.PipelineDesc
}

// Name implements rhi.Pipeline.
func (p *Pipeline) Name() string { return p.Desc.Name }

// CreatePipeline implements rhi.Device.
func (d *Device) CreatePipeline(desc rhi.PipelineDesc) (rhi.Pipeline, error) {
	if d.FailPipeline[desc.Name] {
		return nil, fmt.Errorf("rhitest: pipeline %q: %w", desc.Name, rhi.ErrUnsupported)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	p := &Pipeline{Desc: desc}
	d.pipelines[desc.Name] = p
	return p, nil
}

// WriteBuffer implements rhi.Device.
func (d *Device) WriteBuffer(res rhi.Resource, offset uint64, data []byte) error {
	if d.FailWrite != nil {
		return d.FailWrite
	}
	r, ok := res.(*Resource)
	if !ok {
		return fmt.Errorf("rhitest: foreign resource %T", res)
	}
	if offset+uint64(len(data)) > uint64(len(r.data)) {
		return fmt.Errorf("rhitest: write past end of %s", r.desc.Label)
	}
	copy(r.data[offset:], data)
	return nil
}

// ReadBuffer implements rhi.Device.
func (d *Device) ReadBuffer(res rhi.Resource, offset uint64, data []byte) error {
	r, ok := res.(*Resource)
	if !ok {
		return fmt.Errorf("rhitest: foreign resource %T", res)
	}
	if offset+uint64(len(data)) > uint64(len(r.data)) {
		return fmt.Errorf("rhitest: read past end of %s", r.desc.Label)
	}
	copy(data, r.data[offset:])
	return nil
}

// VideoMemoryInfo implements rhi.Device.
func (d *Device) VideoMemoryInfo() (rhi.VideoMemoryInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Memory, d.HasMemoryInfo
}

// SetMemoryInfo updates the reported memory usage.
func (d *Device) SetMemoryInfo(info rhi.VideoMemoryInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Memory = info
	d.HasMemoryInfo = true
}

// RayTracingTier implements rhi.Device.
func (d *Device) RayTracingTier() rhi.RayTracingTier { return d.Tier }

// RemovedReason implements rhi.Device.
func (d *Device) RemovedReason() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removed
}

// ExtendedRemovedData implements rhi.Device.
func (d *Device) ExtendedRemovedData() (rhi.RemovedData, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.extended, d.haveExtended && d.removed != nil
}

// Remove marks the device removed immediately.
func (d *Device) Remove(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed = err
}

// RemoveAfterImmediate marks the device removed once a submission writes
// value through WriteImmediate.
func (d *Device) RemoveAfterImmediate(value uint32, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeAfter[value] = err
}

// SetExtendedData installs the driver post-mortem returned after removal.
func (d *Device) SetExtendedData(data rhi.RemovedData) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.extended = data
	d.haveExtended = true
}

// Live returns the number of resources not yet destroyed.
func (d *Device) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

// Created returns every resource created so far.
func (d *Device) Created() []*Resource {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Resource, len(d.created))
	copy(out, d.created)
	return out
}

// CreatedWithLabel counts resources created with the label.
func (d *Device) CreatedWithLabel(label string) int {
	n := 0
	for _, r := range d.Created() {
		if r.desc.Label == label {
			n++
		}
	}
	return n
}

// Submissions returns every submitted command list in submission order.
func (d *Device) Submissions() []Submission {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Submission, len(d.submissions))
	copy(out, d.submissions)
	return out
}

// ResetSubmissions forgets recorded submissions.
func (d *Device) ResetSubmissions() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submissions = nil
}

// Violations returns API misuse detected by the fake (recording into closed
// lists, double destroys, submitting open lists).
func (d *Device) Violations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.violations))
	copy(out, d.violations)
	return out
}

func (d *Device) violation(format string, args ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.violations = append(d.violations, fmt.Sprintf(format, args...))
}

// execute applies a submitted list's side effects to resource memory. A
// removed device executes nothing.
func (d *Device) execute(kind rhi.QueueKind, l *CommandList) {
	cmds := make([]Command, len(l.cmds))
	copy(cmds, l.cmds)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removed != nil {
		return
	}
	for i, c := range cmds {
		switch c.Op {
		case OpCopyBuffer:
			dst, _ := c.Resource.(*Resource)
			src, _ := c.Src.(*Resource)
			if dst != nil && src != nil &&
				c.SrcOffset+c.Size <= uint64(len(src.data)) &&
				c.DstOffset+c.Size <= uint64(len(dst.data)) {
				copy(dst.data[c.DstOffset:c.DstOffset+c.Size], src.data[c.SrcOffset:c.SrcOffset+c.Size])
			}
		case OpWriteImmediate:
			if dst, _ := c.Resource.(*Resource); dst != nil && c.DstOffset+4 <= uint64(len(dst.data)) {
				binary.LittleEndian.PutUint32(dst.data[c.DstOffset:], c.Value)
			}
			if err, ok := d.removeAfter[c.Value]; ok && d.removed == nil {
				// The GPU stops at the fault; later commands never run.
				d.removed = err
				cmds = cmds[:i+1]
			}
		}
		if d.removed != nil {
			break
		}
	}
	d.submissions = append(d.submissions, Submission{Queue: kind, List: l.label, Commands: cmds})
}

// Fence is a fake timeline fence.
type Fence struct {
	mu        sync.Mutex
	Label     string
	completed uint64
	waits     []uint64
}

// CompletedValue implements rhi.Fence.
func (f *Fence) CompletedValue() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}

// Wait implements rhi.Fence. It never blocks: a held value reports a
// timeout.
func (f *Fence) Wait(value uint64, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waits = append(f.waits, value)
	return f.completed >= value, nil
}

// Waits returns every value a CPU wait was issued for.
func (f *Fence) Waits() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, len(f.waits))
	copy(out, f.waits)
	return out
}

// complete advances the fence.
func (f *Fence) complete(v uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v > f.completed {
		f.completed = v
	}
}
