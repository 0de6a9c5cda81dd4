// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package halrhi

import (
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/cortex/internal/rhi"
)

// drainTimeout bounds the wait for in-flight work on Close.
const drainTimeout = 5 * time.Second

type batch struct {
	serial uint64
	bufs   []hal.CommandBuffer
}

// queue is a logical queue on the shared hardware queue. Every submission
// signals the queue's hal.Fence with the next serial; rhi fence values are
// mapped onto those serials.
type queue struct {
	dev   *Device
	kind  rhi.QueueKind
	fence hal.Fence

	mu       sync.Mutex
	serial   uint64
	done     uint64
	inflight []batch
}

func newQueue(d *Device, kind rhi.QueueKind) (*queue, error) {
	f, err := d.device.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("halrhi: %s fence: %w", kind, err)
	}
	return &queue{dev: d, kind: kind, fence: f}, nil
}

func (q *queue) Kind() rhi.QueueKind { return q.kind }

// Submit executes closed command lists in order as one HAL submission.
func (q *queue) Submit(lists []rhi.CommandList) error {
	if err := q.dev.RemovedReason(); err != nil {
		return err
	}
	bufs := make([]hal.CommandBuffer, 0, len(lists))
	for _, l := range lists {
		cl, ok := l.(*commandList)
		if !ok {
			return fmt.Errorf("halrhi: foreign command list %T", l)
		}
		if cl.IsOpen() {
			return fmt.Errorf("halrhi: submit %s: list is open", cl.label)
		}
		if cl.cmdBuf == nil {
			continue
		}
		bufs = append(bufs, cl.cmdBuf)
		cl.cmdBuf = nil
	}
	if len(bufs) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.serial++
	if err := q.dev.queue.Submit(bufs, q.fence, q.serial); err != nil {
		for _, b := range bufs {
			q.dev.device.FreeCommandBuffer(b)
		}
		return q.dev.lost("submit "+q.kind.String(), err)
	}
	q.inflight = append(q.inflight, batch{serial: q.serial, bufs: bufs})
	return nil
}

// Signal maps value onto the latest submission of this queue.
func (q *queue) Signal(f rhi.Fence, value uint64) error {
	hf, ok := f.(*fence)
	if !ok {
		return fmt.Errorf("halrhi: foreign fence %T", f)
	}
	q.mu.Lock()
	serial := q.serial
	q.mu.Unlock()
	hf.mark(q, serial, value)
	return nil
}

// WaitGPU is satisfied by submission order: every logical queue feeds the
// same hardware queue, so work signaled earlier on the CPU timeline runs
// first.
func (q *queue) WaitGPU(f rhi.Fence, value uint64) error {
	hf, ok := f.(*fence)
	if !ok {
		return fmt.Errorf("halrhi: foreign fence %T", f)
	}
	if !hf.marked(value) {
		slogger().Debug("GPU wait on a value not yet signaled",
			"queue", q.kind.String(), "fence", hf.label, "value", value)
	}
	return nil
}

// reached polls whether the serial has completed.
func (q *queue) reached(serial uint64) bool {
	ok, err := q.waitSerial(serial, 0)
	return ok && err == nil
}

func (q *queue) waitSerial(serial uint64, timeout time.Duration) (bool, error) {
	q.mu.Lock()
	done := q.done
	q.mu.Unlock()
	if serial <= done {
		return true, nil
	}
	ok, err := q.dev.device.Wait(q.fence, serial, timeout)
	if err != nil {
		return false, q.dev.lost("wait "+q.kind.String(), err)
	}
	if ok {
		q.reap(serial)
	}
	return ok, nil
}

// reap frees the command buffers of every batch up to serial.
func (q *queue) reap(serial uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, b := range q.inflight {
		if b.serial > serial {
			break
		}
		for _, cb := range b.bufs {
			q.dev.device.FreeCommandBuffer(cb)
		}
		n++
	}
	q.inflight = q.inflight[n:]
	q.done = max(q.done, serial)
}

func (q *queue) drain() {
	q.mu.Lock()
	last := q.serial
	q.mu.Unlock()
	if last == 0 {
		return
	}
	if ok, err := q.waitSerial(last, drainTimeout); !ok || err != nil {
		slogger().Warn("queue did not drain", "queue", q.kind.String(), "serial", last, "err", err)
	}
}

func (q *queue) destroy() {
	q.drain()
	q.mu.Lock()
	for _, b := range q.inflight {
		for _, cb := range b.bufs {
			q.dev.device.FreeCommandBuffer(cb)
		}
	}
	q.inflight = nil
	q.mu.Unlock()
	if q.fence != nil {
		q.dev.device.DestroyFence(q.fence)
		q.fence = nil
	}
}

// mark is one Signal: the fence reaches value once the queue completes
// serial. A zero serial was signaled before any submission and is complete
// immediately.
type mark struct {
	value  uint64
	q      *queue
	serial uint64
}

// fence emulates a 64-bit timeline over queue serials.
type fence struct {
	dev   *Device
	label string

	mu        sync.Mutex
	marks     []mark
	completed uint64
	highest   uint64
}

func (f *fence) mark(q *queue, serial, value uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if serial == 0 {
		f.completed = max(f.completed, value)
	} else {
		f.marks = append(f.marks, mark{value: value, q: q, serial: serial})
	}
	f.highest = max(f.highest, value)
}

func (f *fence) marked(value uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.highest >= value
}

// CompletedValue advances over the marks whose submissions finished.
func (f *fence) CompletedValue() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.marks {
		if !m.q.reached(m.serial) {
			break
		}
		f.completed = max(f.completed, m.value)
		n++
	}
	f.marks = f.marks[n:]
	return f.completed
}

// Wait blocks on the submission that signals value. A value nobody has
// signaled yet reports false without blocking.
func (f *fence) Wait(value uint64, timeout time.Duration) (bool, error) {
	if f.CompletedValue() >= value {
		return true, nil
	}
	f.mu.Lock()
	var target *mark
	for i := range f.marks {
		if f.marks[i].value >= value {
			m := f.marks[i]
			target = &m
			break
		}
	}
	f.mu.Unlock()
	if target == nil {
		return false, f.dev.RemovedReason()
	}
	ok, err := target.q.waitSerial(target.serial, timeout)
	if err != nil || !ok {
		return false, err
	}
	return f.CompletedValue() >= value, nil
}

var (
	_ rhi.Queue = (*queue)(nil)
	_ rhi.Fence = (*fence)(nil)
)
