// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package queue

import (
	"errors"
	"testing"

	"github.com/gogpu/cortex/internal/rhi"
	"github.com/gogpu/cortex/internal/rhi/rhitest"
)

func TestNewMissingQueue(t *testing.T) {
	dev := rhitest.NewDevice()
	if _, err := New(dev, rhi.QueueCompute); !errors.Is(err, ErrNoQueue) {
		t.Fatalf("err = %v, want ErrNoQueue", err)
	}
}

func TestSignalMonotonic(t *testing.T) {
	dev := rhitest.NewDevice()
	q, err := New(dev, rhi.QueueGraphics)
	if err != nil {
		t.Fatal(err)
	}
	var last uint64
	for i := range 5 {
		v, err := q.Signal()
		if err != nil {
			t.Fatal(err)
		}
		if v != uint64(i+1) || v <= last {
			t.Fatalf("signal %d = %d, want %d", i, v, i+1)
		}
		last = v
	}
	if q.LastSignaledValue() != 5 {
		t.Errorf("LastSignaledValue = %d, want 5", q.LastSignaledValue())
	}
	if q.LastCompletedValue() != 5 {
		t.Errorf("LastCompletedValue = %d, want 5", q.LastCompletedValue())
	}
}

func TestWaitFence(t *testing.T) {
	dev := rhitest.NewDevice()
	q, _ := New(dev, rhi.QueueCopy)
	fake := dev.FakeQueue(rhi.QueueCopy)

	tests := []struct {
		name    string
		hold    bool
		value   func(signaled uint64) uint64
		wantErr error
	}{
		{"zero", false, func(uint64) uint64 { return 0 }, nil},
		{"completed", false, func(v uint64) uint64 { return v }, nil},
		{"unsignaled", false, func(v uint64) uint64 { return v + 10 }, errAny},
		{"held", true, func(v uint64) uint64 { return v }, ErrWaitTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.hold {
				fake.Hold()
				defer fake.Release()
			}
			v, err := q.Signal()
			if err != nil {
				t.Fatal(err)
			}
			err = q.WaitFence(tt.value(v))
			switch {
			case tt.wantErr == nil && err != nil:
				t.Fatalf("WaitFence: %v", err)
			case tt.wantErr == errAny && err == nil:
				t.Fatal("WaitFence: want error")
			case tt.wantErr != nil && tt.wantErr != errAny && !errors.Is(err, tt.wantErr):
				t.Fatalf("WaitFence err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

var errAny = errors.New("any error")

func TestWaitFenceDeviceRemoved(t *testing.T) {
	dev := rhitest.NewDevice()
	q, _ := New(dev, rhi.QueueGraphics)
	dev.FakeQueue(rhi.QueueGraphics).Hold()
	v, _ := q.Signal()
	dev.Remove(errors.New("hung"))
	if err := q.WaitFence(v); !errors.Is(err, rhi.ErrDeviceRemoved) {
		t.Fatalf("err = %v, want ErrDeviceRemoved", err)
	}
}

func TestIsFenceCompleteAfterRelease(t *testing.T) {
	dev := rhitest.NewDevice()
	q, _ := New(dev, rhi.QueueGraphics)
	fake := dev.FakeQueue(rhi.QueueGraphics)

	fake.Hold()
	v, _ := q.Signal()
	if q.IsFenceComplete(v) {
		t.Fatal("held signal reported complete")
	}
	fake.Release()
	if !q.IsFenceComplete(v) {
		t.Fatal("released signal not complete")
	}
	if err := q.Flush(); err != nil {
		t.Fatal(err)
	}
	if q.LastCompletedValue() != v+1 {
		t.Errorf("after Flush completed = %d, want %d", q.LastCompletedValue(), v+1)
	}
}

func TestExecuteAndCrossQueueWait(t *testing.T) {
	dev := rhitest.NewDevice()
	gfx, _ := New(dev, rhi.QueueGraphics)
	cpy, _ := New(dev, rhi.QueueCopy)

	cl, _ := dev.CreateCommandList(rhi.QueueCopy, "upload")
	cl.SetMarker("copy")
	_ = cl.Close()
	if err := cpy.Execute(cl); err != nil {
		t.Fatal(err)
	}
	v, _ := cpy.Signal()

	if err := gfx.WaitForQueue(cpy, v); err != nil {
		t.Fatal(err)
	}
	if err := gfx.WaitForQueue(cpy, 0); err != nil {
		t.Fatal(err)
	}
	waits := dev.FakeQueue(rhi.QueueGraphics).GPUWaits()
	if len(waits) != 1 || waits[0] != v {
		t.Errorf("GPU waits = %v, want [%d]", waits, v)
	}
	subs := dev.Submissions()
	if len(subs) != 1 || subs[0].Queue != rhi.QueueCopy || subs[0].List != "upload" {
		t.Errorf("submissions = %+v", subs)
	}
	if v := dev.Violations(); len(v) != 0 {
		t.Errorf("violations: %v", v)
	}
}
