// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package rhitest

import (
	"fmt"
	"sync"

	"github.com/gogpu/cortex/internal/rhi"
)

// Op identifies a recorded command.
type Op uint8

// Recorded operations.
const (
	OpBarrier Op = iota
	OpBeginPass
	OpEndPass
	OpSetPipeline
	OpSetBindings
	OpDraw
	OpDrawFullscreen
	OpDrawIndirect
	OpDispatch
	OpCopyBuffer
	OpCopyResource
	OpClearUAV
	OpWriteImmediate
	OpMarker
)

var opNames = [...]string{
	"Barrier", "BeginPass", "EndPass", "SetPipeline", "SetBindings", "Draw",
	"DrawFullscreen", "DrawIndirect", "Dispatch", "CopyBuffer", "CopyResource",
	"ClearUAV", "WriteImmediate", "Marker",
}

// String returns the operation name.
func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", o)
}

// Command is one recorded command.
type Command struct {
	Op       Op
	Name     string // pass name, pipeline name, or marker
	Barriers []rhi.Barrier
	Resource rhi.Resource
	Src      rhi.Resource
	Pass     rhi.PassDesc
	Refs     []rhi.DescriptorRef
	Bound    []rhi.Resource
	Draw     rhi.DrawArgs

	DstOffset uint64
	SrcOffset uint64
	Size      uint64
	Value     uint32
}

// Submission is one command list as executed by a queue.
type Submission struct {
	Queue    rhi.QueueKind
	List     string
	Commands []Command
}

// CommandList is a recording rhi.CommandList.
type CommandList struct {
	mu    sync.Mutex
	dev   *Device
	kind  rhi.QueueKind
	label string
	open  bool
	cmds  []Command

	resets int
}

// Kind implements rhi.CommandList.
func (l *CommandList) Kind() rhi.QueueKind { return l.kind }

// Label implements rhi.CommandList.
func (l *CommandList) Label() string { return l.label }

// Resets returns how many times the list was reset.
func (l *CommandList) Resets() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resets
}

// Commands returns the commands recorded since the last reset.
func (l *CommandList) Commands() []Command {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Command, len(l.cmds))
	copy(out, l.cmds)
	return out
}

// Reset implements rhi.CommandList.
func (l *CommandList) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cmds = l.cmds[:0:0]
	l.open = true
	l.resets++
	return nil
}

// Close implements rhi.CommandList.
func (l *CommandList) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.open {
		return fmt.Errorf("rhitest: close %s: %w", l.label, rhi.ErrListClosed)
	}
	l.open = false
	return nil
}

// IsOpen implements rhi.CommandList.
func (l *CommandList) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

func (l *CommandList) record(c Command) {
	l.mu.Lock()
	open := l.open
	if open {
		l.cmds = append(l.cmds, c)
	}
	l.mu.Unlock()
	if !open {
		l.dev.violation("%s recorded into closed list %s", c.Op, l.label)
	}
}

// ResourceBarrier implements rhi.CommandList.
func (l *CommandList) ResourceBarrier(barriers ...rhi.Barrier) {
	if len(barriers) == 0 {
		return
	}
	b := make([]rhi.Barrier, len(barriers))
	copy(b, barriers)
	l.record(Command{Op: OpBarrier, Barriers: b})
}

// BeginPass implements rhi.CommandList.
func (l *CommandList) BeginPass(desc rhi.PassDesc) {
	l.record(Command{Op: OpBeginPass, Name: desc.Name, Pass: desc})
}

// EndPass implements rhi.CommandList.
func (l *CommandList) EndPass() { l.record(Command{Op: OpEndPass}) }

// SetPipeline implements rhi.CommandList.
func (l *CommandList) SetPipeline(p rhi.Pipeline) {
	name := ""
	if p != nil {
		name = p.Name()
	}
	l.record(Command{Op: OpSetPipeline, Name: name})
}

// SetBindings implements rhi.CommandList.
func (l *CommandList) SetBindings(b rhi.Bindings) {
	c := Command{Op: OpSetBindings}
	if b.Table.Valid {
		c.Refs = []rhi.DescriptorRef{b.Table}
	}
	c.Bound = append([]rhi.Resource(nil), b.Resources...)
	l.record(c)
}

// Draw implements rhi.CommandList.
func (l *CommandList) Draw(args rhi.DrawArgs) {
	l.record(Command{Op: OpDraw, Draw: args, Resource: args.VertexBuffer})
}

// DrawFullscreen implements rhi.CommandList.
func (l *CommandList) DrawFullscreen() { l.record(Command{Op: OpDrawFullscreen}) }

// DrawIndirect implements rhi.CommandList.
func (l *CommandList) DrawIndirect(args rhi.Resource, offset uint64, maxCount uint32, count rhi.Resource) {
	l.record(Command{Op: OpDrawIndirect, Resource: args, Src: count, DstOffset: offset, Value: maxCount})
}

// Dispatch implements rhi.CommandList.
func (l *CommandList) Dispatch(x, y, z uint32) {
	l.record(Command{Op: OpDispatch, Value: x * y * z})
}

// CopyBuffer implements rhi.CommandList.
func (l *CommandList) CopyBuffer(dst rhi.Resource, dstOffset uint64, src rhi.Resource, srcOffset, size uint64) {
	l.record(Command{Op: OpCopyBuffer, Resource: dst, Src: src, DstOffset: dstOffset, SrcOffset: srcOffset, Size: size})
}

// CopyResource implements rhi.CommandList.
func (l *CommandList) CopyResource(dst, src rhi.Resource) {
	l.record(Command{Op: OpCopyResource, Resource: dst, Src: src})
}

// ClearUnorderedAccess implements rhi.CommandList.
func (l *CommandList) ClearUnorderedAccess(r rhi.Resource, _ [4]float32) {
	l.record(Command{Op: OpClearUAV, Resource: r})
}

// WriteImmediate implements rhi.CommandList.
func (l *CommandList) WriteImmediate(dst rhi.Resource, offset uint64, value uint32) {
	l.record(Command{Op: OpWriteImmediate, Resource: dst, DstOffset: offset, Value: value})
}

// SetMarker implements rhi.CommandList.
func (l *CommandList) SetMarker(name string) {
	l.record(Command{Op: OpMarker, Name: name})
}

// Queue is a fake hardware queue.
type Queue struct {
	dev  *Device
	kind rhi.QueueKind

	mu      sync.Mutex
	held    bool
	pending []pendingSignal
	gpuWait []uint64
	submits int
}

type pendingSignal struct {
	fence *Fence
	value uint64
}

func newQueue(d *Device, kind rhi.QueueKind) *Queue {
	return &Queue{dev: d, kind: kind}
}

// Kind implements rhi.Queue.
func (q *Queue) Kind() rhi.QueueKind { return q.kind }

// Submit implements rhi.Queue.
func (q *Queue) Submit(lists []rhi.CommandList) error {
	for _, cl := range lists {
		l, ok := cl.(*CommandList)
		if !ok {
			return fmt.Errorf("rhitest: foreign command list %T", cl)
		}
		if l.IsOpen() {
			q.dev.violation("submitted open list %s", l.label)
		}
		q.dev.execute(q.kind, l)
	}
	q.mu.Lock()
	q.submits++
	q.mu.Unlock()
	return nil
}

// Signal implements rhi.Queue. Signals complete immediately unless the
// queue is held.
func (q *Queue) Signal(fence rhi.Fence, value uint64) error {
	f, ok := fence.(*Fence)
	if !ok {
		return fmt.Errorf("rhitest: foreign fence %T", fence)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.held {
		q.pending = append(q.pending, pendingSignal{f, value})
		return nil
	}
	f.complete(value)
	return nil
}

// WaitGPU implements rhi.Queue.
func (q *Queue) WaitGPU(_ rhi.Fence, value uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.gpuWait = append(q.gpuWait, value)
	return nil
}

// GPUWaits returns the values passed to WaitGPU.
func (q *Queue) GPUWaits() []uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]uint64, len(q.gpuWait))
	copy(out, q.gpuWait)
	return out
}

// Hold defers fence signals until Release.
func (q *Queue) Hold() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.held = true
}

// Release completes every deferred signal and stops holding.
func (q *Queue) Release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range q.pending {
		p.fence.complete(p.value)
	}
	q.pending = nil
	q.held = false
}

// Submits returns the number of Submit calls.
func (q *Queue) Submits() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.submits
}
