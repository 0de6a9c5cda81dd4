// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package halrhi implements the rhi device interface on top of
// gogpu/wgpu/hal.
//
// The HAL exposes one hardware queue and binary-style fences signaled at
// submission granularity. halrhi layers the explicit-API model the core
// expects on top of that: logical graphics and copy queues sharing the
// hardware queue, timeline fences emulated with one hal.Fence per logical
// queue, and resource states mapped to texture usage transitions.
package halrhi

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c2h5oh/datasize"
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	_ "github.com/gogpu/wgpu/hal/vulkan" // register the Vulkan backend

	"github.com/gogpu/cortex/internal/logging"
	"github.com/gogpu/cortex/internal/rhi"
)

// DefaultMemoryBudget is reported as the local memory budget when the
// adapter does not expose one.
const DefaultMemoryBudget = 4 * datasize.GB

var (
	// ErrNoAdapter is returned when no GPU adapter is available.
	ErrNoAdapter = errors.New("halrhi: no GPU adapter")

	// ErrNotHAL is returned by FromProvider when the provider does not
	// expose HAL device and queue handles.
	ErrNotHAL = errors.New("halrhi: provider does not expose HAL types")
)

func slogger() *slog.Logger { return logging.Component("halrhi") }

// Option configures a Device.
type Option func(*Device)

// WithMemoryBudget sets the local memory budget reported by
// VideoMemoryInfo.
func WithMemoryBudget(b datasize.ByteSize) Option {
	return func(d *Device) { d.budget = uint64(b) }
}

// WithName overrides the adapter name.
func WithName(name string) Option {
	return func(d *Device) { d.name = name }
}

// Device is an rhi.Device backed by a HAL device and queue.
type Device struct {
	instance hal.Instance
	device   hal.Device
	queue    hal.Queue
	external bool
	name     string

	queues map[rhi.QueueKind]*queue
	zeros  hal.Buffer
	shared shared

	mu      sync.Mutex
	live    map[*resource]struct{}
	usage   uint64
	budget  uint64
	removed error
}

// OpenDefault creates a standalone Vulkan device on the best adapter,
// preferring discrete GPUs over integrated ones.
func OpenDefault(opts ...Option) (*Device, error) {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("%w: vulkan backend not available", ErrNoAdapter)
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("halrhi: create instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, ErrNoAdapter
	}
	selected := pickAdapter(adapters)
	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("halrhi: open device: %w", err)
	}
	d, err := newDevice(openDev.Device, openDev.Queue, selected.Info.Name, false, opts)
	if err != nil {
		openDev.Device.Destroy()
		instance.Destroy()
		return nil, err
	}
	d.instance = instance
	slogger().Info("device opened", "adapter", selected.Info.Name, "type", selected.Info.DeviceType)
	return d, nil
}

// pickAdapter prefers discrete, then integrated, then whatever comes first.
func pickAdapter(adapters []hal.ExposedAdapter) *hal.ExposedAdapter {
	rank := func(t gputypes.DeviceType) int {
		switch t {
		case gputypes.DeviceTypeDiscreteGPU:
			return 2
		case gputypes.DeviceTypeIntegratedGPU:
			return 1
		default:
			return 0
		}
	}
	best := &adapters[0]
	for i := range adapters {
		if rank(adapters[i].Info.DeviceType) > rank(best.Info.DeviceType) {
			best = &adapters[i]
		}
	}
	return best
}

// FromProvider wraps the device shared by a host application. The
// provider must implement HalDevice() any and HalQueue() any returning
// hal.Device and hal.Queue. Close does not destroy a shared device.
func FromProvider(provider gpucontext.DeviceProvider, opts ...Option) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNotHAL
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrNotHAL)
	}
	q, ok := hp.HalQueue().(hal.Queue)
	if !ok || q == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrNotHAL)
	}
	return newDevice(device, q, "shared", true, opts)
}

func newDevice(device hal.Device, q hal.Queue, name string, external bool, opts []Option) (*Device, error) {
	d := &Device{
		device:   device,
		queue:    q,
		external: external,
		name:     name,
		queues:   make(map[rhi.QueueKind]*queue),
		live:     make(map[*resource]struct{}),
		budget:   uint64(DefaultMemoryBudget),
	}
	for _, o := range opts {
		o(d)
	}
	for _, kind := range []rhi.QueueKind{rhi.QueueGraphics, rhi.QueueCopy} {
		lq, err := newQueue(d, kind)
		if err != nil {
			d.destroyQueues()
			return nil, err
		}
		d.queues[kind] = lq
	}
	zeros, err := device.CreateBuffer(&hal.BufferDescriptor{
		Label: "halrhi_zeros",
		Size:  zeroBufferSize,
		Usage: gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst |
			gputypes.BufferUsageStorage | gputypes.BufferUsageUniform,
	})
	if err != nil {
		d.destroyQueues()
		return nil, fmt.Errorf("halrhi: create zero buffer: %w", err)
	}
	q.WriteBuffer(zeros, 0, make([]byte, zeroBufferSize))
	d.zeros = zeros
	return d, nil
}

// Close waits for the queues, destroys every live resource and, for
// standalone devices, the device itself.
func (d *Device) Close() {
	for _, q := range d.queues {
		q.drain()
	}
	d.releaseShared()
	d.mu.Lock()
	live := make([]*resource, 0, len(d.live))
	for r := range d.live {
		live = append(live, r)
	}
	d.mu.Unlock()
	for _, r := range live {
		d.DestroyResource(r)
	}
	d.destroyQueues()
	if d.zeros != nil {
		d.device.DestroyBuffer(d.zeros)
		d.zeros = nil
	}
	if !d.external {
		d.device.Destroy()
		if d.instance != nil {
			d.instance.Destroy()
		}
	}
}

func (d *Device) destroyQueues() {
	for kind, q := range d.queues {
		q.destroy()
		delete(d.queues, kind)
	}
}

// Name implements rhi.Device.
func (d *Device) Name() string { return d.name }

// HalDevice returns the underlying device, for hosts sharing it.
func (d *Device) HalDevice() any { return d.device }

// HalQueue returns the underlying queue.
func (d *Device) HalQueue() any { return d.queue }

// Queue implements rhi.Device. Compute work runs on the graphics queue,
// so there is no dedicated compute queue.
func (d *Device) Queue(kind rhi.QueueKind) rhi.Queue {
	q, ok := d.queues[kind]
	if !ok {
		return nil
	}
	return q
}

// CreateFence implements rhi.Device.
func (d *Device) CreateFence(label string) (rhi.Fence, error) {
	return &fence{dev: d, label: label}, nil
}

// CreateCommandList implements rhi.Device. The list starts closed.
func (d *Device) CreateCommandList(kind rhi.QueueKind, label string) (rhi.CommandList, error) {
	if _, ok := d.queues[kind]; !ok {
		return nil, fmt.Errorf("halrhi: %s list: %w", kind, rhi.ErrUnsupported)
	}
	l := &commandList{dev: d, kind: kind, label: label}
	d.trackList(l)
	return l, nil
}

// CreateResource implements rhi.Device.
func (d *Device) CreateResource(desc rhi.ResourceDesc) (rhi.Resource, error) {
	if err := d.RemovedReason(); err != nil {
		return nil, err
	}
	r := &resource{desc: desc}
	if desc.IsTexture() {
		tex, err := d.device.CreateTexture(textureDescriptor(desc))
		if err != nil {
			return nil, fmt.Errorf("%w: texture %s: %w", rhi.ErrOutOfMemory, desc.Label, err)
		}
		vd := &hal.TextureViewDescriptor{Label: desc.Label + "_view"}
		if desc.Dimension == rhi.DimensionTexture2DArray {
			vd.Dimension = gputypes.TextureViewDimension2DArray
		}
		view, err := d.device.CreateTextureView(tex, vd)
		if err != nil {
			d.device.DestroyTexture(tex)
			return nil, fmt.Errorf("halrhi: view %s: %w", desc.Label, err)
		}
		r.tex, r.view = tex, view
	} else {
		buf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
			Label: desc.Label,
			Size:  alignBuffer(desc.Size),
			Usage: bufferUsage(desc),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: buffer %s: %w", rhi.ErrOutOfMemory, desc.Label, err)
		}
		r.buf = buf
	}
	size := desc.ByteSize()
	d.mu.Lock()
	d.live[r] = struct{}{}
	d.usage += size
	d.mu.Unlock()
	return r, nil
}

// DestroyResource implements rhi.Device. Foreign resources are ignored.
func (d *Device) DestroyResource(res rhi.Resource) {
	r, ok := res.(*resource)
	if !ok || r == nil {
		return
	}
	d.mu.Lock()
	if _, live := d.live[r]; !live {
		d.mu.Unlock()
		return
	}
	delete(d.live, r)
	d.usage -= r.desc.ByteSize()
	d.mu.Unlock()

	if r.view != nil {
		d.device.DestroyTextureView(r.view)
	}
	if r.tex != nil {
		d.device.DestroyTexture(r.tex)
	}
	if r.buf != nil {
		d.device.DestroyBuffer(r.buf)
	}
	*r = resource{desc: r.desc}
}

// WriteBuffer implements rhi.Device. The write is ordered before the next
// submission on the hardware queue.
func (d *Device) WriteBuffer(res rhi.Resource, offset uint64, data []byte) error {
	r, err := d.buffer(res)
	if err != nil {
		return err
	}
	if offset+uint64(len(data)) > r.desc.Size {
		return fmt.Errorf("halrhi: write %d bytes at %d overflows %s", len(data), offset, r.desc.Label)
	}
	if len(data) > 0 {
		d.queue.WriteBuffer(r.buf, offset, data)
	}
	return nil
}

// ReadBuffer implements rhi.Device.
func (d *Device) ReadBuffer(res rhi.Resource, offset uint64, data []byte) error {
	r, err := d.buffer(res)
	if err != nil {
		return err
	}
	if offset+uint64(len(data)) > r.desc.Size {
		return fmt.Errorf("halrhi: read %d bytes at %d overflows %s", len(data), offset, r.desc.Label)
	}
	if err := d.queue.ReadBuffer(r.buf, offset, data); err != nil {
		return fmt.Errorf("halrhi: read %s: %w", r.desc.Label, err)
	}
	return nil
}

func (d *Device) buffer(res rhi.Resource) (*resource, error) {
	r, ok := res.(*resource)
	if !ok || r == nil || r.buf == nil {
		return nil, fmt.Errorf("halrhi: %s is not a live buffer", rhi.Label(res))
	}
	return r, nil
}

// VideoMemoryInfo implements rhi.Device from allocation accounting.
func (d *Device) VideoMemoryInfo() (rhi.VideoMemoryInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return rhi.VideoMemoryInfo{Budget: d.budget, CurrentUsage: d.usage}, true
}

// RayTracingTier implements rhi.Device. The HAL has no ray-tracing
// extensions.
func (d *Device) RayTracingTier() rhi.RayTracingTier { return rhi.RayTracingNone }

// RemovedReason implements rhi.Device.
func (d *Device) RemovedReason() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removed
}

// ExtendedRemovedData implements rhi.Device. The HAL keeps no breadcrumb
// ring.
func (d *Device) ExtendedRemovedData() (rhi.RemovedData, bool) { return rhi.RemovedData{}, false }

// lost records the first fatal queue error.
func (d *Device) lost(op string, err error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removed == nil {
		d.removed = fmt.Errorf("%w: %s: %w", rhi.ErrDeviceRemoved, op, err)
		slogger().Error("device lost", "op", op, "err", err)
	}
	return d.removed
}

var _ rhi.Device = (*Device)(nil)
