// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package descriptor

// linearHeap hands out single descriptors from [0, capacity) with a free
// stack for released indices.
type linearHeap struct {
	kind     Kind
	baseCPU  uint64
	baseGPU  uint64
	capacity uint32
	next     uint32
	free     []uint32
}

func newLinearHeap(kind Kind, capacity uint32, shaderVisible bool) *linearHeap {
	h := &linearHeap{
		kind:     kind,
		baseCPU:  heapBase(kind),
		capacity: capacity,
	}
	if shaderVisible {
		h.baseGPU = heapBase(kind) | gpuAddressBit
	}
	return h
}

// gpuAddressBit separates the fake GPU address space from CPU addresses.
const gpuAddressBit = 1 << 62

// heapBase returns a distinct, stable base address per heap kind.
func heapBase(kind Kind) uint64 {
	return (uint64(kind) + 1) << 32
}

func (h *linearHeap) handle(index, count uint32, slot int) Handle {
	out := Handle{
		CPU:   h.baseCPU + uint64(index)*handleIncrement,
		Index: index,
		Count: count,
		Kind:  h.kind,
		Slot:  slot,
	}
	if h.baseGPU != 0 {
		out.GPU = h.baseGPU + uint64(index)*handleIncrement
	}
	return out
}

func (h *linearHeap) allocate() (Handle, bool) {
	if n := len(h.free); n > 0 {
		i := h.free[n-1]
		h.free = h.free[:n-1]
		return h.handle(i, 1, -1), true
	}
	if h.next >= h.capacity {
		return Handle{}, false
	}
	i := h.next
	h.next++
	return h.handle(i, 1, -1), true
}

func (h *linearHeap) release(index uint32) {
	if index >= h.next {
		return
	}
	for _, f := range h.free {
		if f == index {
			return
		}
	}
	h.free = append(h.free, index)
}

func (h *linearHeap) used() uint32 { return h.next - uint32(len(h.free)) }
