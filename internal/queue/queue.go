// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package queue wraps a hardware queue with its own timeline fence.
package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gogpu/cortex/internal/logging"
	"github.com/gogpu/cortex/internal/rhi"
)

// DefaultWaitTimeout bounds a single CPU fence wait. A wait that times out
// is retried up to maxWaitRetries times unless the device was removed.
const DefaultWaitTimeout = 5 * time.Second

const maxWaitRetries = 3

// Queue errors.
var (
	// ErrNoQueue is returned by New when the device lacks the requested queue.
	ErrNoQueue = errors.New("queue: device has no queue of this kind")

	// ErrWaitTimeout is returned when a fence never reaches the waited value.
	ErrWaitTimeout = errors.New("queue: fence wait timed out")
)

// CommandQueue owns one hardware queue and a monotonic timeline fence.
// Signal values start at 1; zero is always complete.
type CommandQueue struct {
	dev   rhi.Device
	queue rhi.Queue
	fence rhi.Fence

	nextValue     uint64
	lastSignaled  uint64
	lastCompleted uint64

	timeout time.Duration
}

// New creates a CommandQueue for the device's queue of the given kind.
func New(dev rhi.Device, kind rhi.QueueKind) (*CommandQueue, error) {
	q := dev.Queue(kind)
	if q == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoQueue, kind)
	}
	f, err := dev.CreateFence(kind.String() + "_timeline")
	if err != nil {
		return nil, fmt.Errorf("queue: create %s fence: %w", kind, err)
	}
	return &CommandQueue{
		dev:       dev,
		queue:     q,
		fence:     f,
		nextValue: 1,
		timeout:   DefaultWaitTimeout,
	}, nil
}

func slogger() *slog.Logger { return logging.Component("queue") }

// SetWaitTimeout changes the per-attempt CPU wait timeout.
func (q *CommandQueue) SetWaitTimeout(d time.Duration) {
	if d > 0 {
		q.timeout = d
	}
}

// Kind returns the queue kind.
func (q *CommandQueue) Kind() rhi.QueueKind { return q.queue.Kind() }

// Fence returns the timeline fence.
func (q *CommandQueue) Fence() rhi.Fence { return q.fence }

// Execute submits closed command lists in order.
func (q *CommandQueue) Execute(lists ...rhi.CommandList) error {
	if len(lists) == 0 {
		return nil
	}
	if err := q.queue.Submit(lists); err != nil {
		return fmt.Errorf("queue: %s submit: %w", q.Kind(), err)
	}
	return nil
}

// Signal appends a signal after all prior submissions and returns its value.
func (q *CommandQueue) Signal() (uint64, error) {
	v := q.nextValue
	if err := q.queue.Signal(q.fence, v); err != nil {
		return 0, fmt.Errorf("queue: %s signal %d: %w", q.Kind(), v, err)
	}
	q.nextValue++
	q.lastSignaled = v
	return v, nil
}

// LastSignaledValue returns the most recent value passed to Signal.
func (q *CommandQueue) LastSignaledValue() uint64 { return q.lastSignaled }

// LastCompletedValue returns a lower bound of the fence's completed value.
func (q *CommandQueue) LastCompletedValue() uint64 {
	if v := q.fence.CompletedValue(); v > q.lastCompleted {
		q.lastCompleted = v
	}
	return q.lastCompleted
}

// IsFenceComplete reports whether the GPU has reached v.
func (q *CommandQueue) IsFenceComplete(v uint64) bool {
	if v <= q.lastCompleted {
		return true
	}
	return q.LastCompletedValue() >= v
}

// WaitFence blocks until the fence reaches v. Zero and already-completed
// values return immediately. Waiting for a value that was never signaled
// is an error, since it would block forever.
func (q *CommandQueue) WaitFence(v uint64) error {
	if v == 0 || q.IsFenceComplete(v) {
		return nil
	}
	if v > q.lastSignaled {
		return fmt.Errorf("queue: %s wait for unsignaled value %d (last %d)", q.Kind(), v, q.lastSignaled)
	}
	for attempt := 0; ; attempt++ {
		done, err := q.fence.Wait(v, q.timeout)
		if err != nil {
			return fmt.Errorf("queue: %s wait %d: %w", q.Kind(), v, err)
		}
		if done {
			q.LastCompletedValue()
			return nil
		}
		if err := q.dev.RemovedReason(); err != nil {
			return fmt.Errorf("queue: %s wait %d: %w: %w", q.Kind(), v, rhi.ErrDeviceRemoved, err)
		}
		if attempt+1 >= maxWaitRetries {
			return fmt.Errorf("%w: %s value %d (completed %d)", ErrWaitTimeout, q.Kind(), v, q.LastCompletedValue())
		}
		slogger().Warn("fence wait timed out, retrying", "queue", q.Kind().String(), "value", v)
	}
}

// Flush signals and waits, draining all prior work on the queue.
func (q *CommandQueue) Flush() error {
	v, err := q.Signal()
	if err != nil {
		return err
	}
	return q.WaitFence(v)
}

// WaitForQueue makes subsequent submissions on q wait on the GPU until
// other's timeline reaches v. Zero is a no-op.
func (q *CommandQueue) WaitForQueue(other *CommandQueue, v uint64) error {
	if other == nil || v == 0 {
		return nil
	}
	if err := q.queue.WaitGPU(other.fence, v); err != nil {
		return fmt.Errorf("queue: %s wait on %s %d: %w", q.Kind(), other.Kind(), v, err)
	}
	return nil
}
