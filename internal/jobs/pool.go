// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package jobs

import (
	"fmt"

	"github.com/gogpu/cortex/internal/queue"
	"github.com/gogpu/cortex/internal/rhi"
)

// UploadPoolSize is the number of rotating copy command lists.
const UploadPoolSize = 4

// UploadPool rotates copy-queue command lists so uploads recorded this
// frame overlap with the GPU still consuming earlier ones.
type UploadPool struct {
	q      *queue.CommandQueue
	lists  [UploadPoolSize]rhi.CommandList
	fences [UploadPoolSize]uint64
	ready  [UploadPoolSize]bool // reset and open for recording
	next   int
	latest uint64
}

// NewUploadPool creates UploadPoolSize command lists on q's queue kind.
func NewUploadPool(dev rhi.Device, q *queue.CommandQueue) (*UploadPool, error) {
	p := &UploadPool{q: q}
	for i := range p.lists {
		l, err := dev.CreateCommandList(q.Kind(), fmt.Sprintf("upload_%d", i))
		if err != nil {
			return nil, fmt.Errorf("jobs: create upload list %d: %w", i, err)
		}
		p.lists[i] = l
		p.ready[i] = l.IsOpen()
	}
	return p, nil
}

// Queue returns the copy queue the pool submits to.
func (p *UploadPool) Queue() *queue.CommandQueue { return p.q }

// Acquire returns the next list in rotation, open and empty. It waits on
// the slot's previous copy fence before reusing the list.
func (p *UploadPool) Acquire() (rhi.CommandList, int, error) {
	slot := p.next
	p.next = (p.next + 1) % UploadPoolSize
	if !p.ready[slot] {
		if err := p.q.WaitFence(p.fences[slot]); err != nil {
			return nil, slot, fmt.Errorf("jobs: wait upload slot %d: %w", slot, err)
		}
		if err := p.lists[slot].Reset(); err != nil {
			return nil, slot, fmt.Errorf("jobs: reset upload slot %d: %w", slot, err)
		}
	}
	p.ready[slot] = false
	return p.lists[slot], slot, nil
}

// Submit closes slot's list, executes it, signals the copy timeline and
// stores the value in the slot.
func (p *UploadPool) Submit(slot int) (uint64, error) {
	l := p.lists[slot]
	if err := l.Close(); err != nil {
		return 0, err
	}
	if err := p.q.Execute(l); err != nil {
		return 0, err
	}
	v, err := p.q.Signal()
	if err != nil {
		return 0, err
	}
	p.fences[slot] = v
	p.latest = v
	return v, nil
}

// ResetCompleted reopens every idle list whose fence has completed and
// returns how many were reset.
func (p *UploadPool) ResetCompleted() int {
	n := 0
	for i, l := range p.lists {
		if p.ready[i] || !p.q.IsFenceComplete(p.fences[i]) {
			continue
		}
		if err := l.Reset(); err != nil {
			slogger().Warn("upload list reset failed", "slot", i, "err", err)
			continue
		}
		p.ready[i] = true
		n++
	}
	return n
}

// LatestFence returns the copy-queue value of the most recent upload.
func (p *UploadPool) LatestFence() uint64 { return p.latest }

// Fence returns slot's last signaled value.
func (p *UploadPool) Fence(slot int) uint64 { return p.fences[slot] }

// WaitIdle blocks until every slot's upload has completed.
func (p *UploadPool) WaitIdle() error {
	for i, v := range p.fences {
		if err := p.q.WaitFence(v); err != nil {
			return fmt.Errorf("jobs: wait upload slot %d: %w", i, err)
		}
	}
	return nil
}
