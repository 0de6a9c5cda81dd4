// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package parallel spreads CPU-side per-instance work, such as frustum
// culling, across a fixed set of goroutines.
//
// Work is expressed as an index range [0, n) split into contiguous chunks.
// Each chunk has a stable index so callers can write per-chunk results
// without locking and concatenate them in order afterwards.
package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool runs the chunks of an index range on a fixed set of goroutines.
// The calling goroutine takes part: a chunk no idle worker accepts runs
// inline.
//
// A nil or closed Pool runs every range on the caller's goroutine.
// ForRanges may be called from several goroutines; Close must not race
// with it.
type Pool struct {
	workers int
	chunks  chan chunk

	done    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
}

type chunk struct {
	index, lo, hi int
	fn            func(index, lo, hi int)
	wg            *sync.WaitGroup
}

func (c chunk) run() {
	defer c.wg.Done()
	c.fn(c.index, c.lo, c.hi)
}

// NewPool starts a pool with the given number of workers. If workers is 0
// or negative, GOMAXPROCS is used.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	p := &Pool{
		workers: workers,
		chunks:  make(chan chunk),
		done:    make(chan struct{}),
	}
	p.running.Store(true)
	p.wg.Add(workers)
	for range workers {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case c := <-p.chunks:
			c.run()
		}
	}
}

// Chunks returns how many chunks ForRanges splits n items into: none for
// an empty range, one when the pool cannot help or n is below two
// minChunk-sized chunks, and at most two per worker otherwise.
func (p *Pool) Chunks(n, minChunk int) int {
	switch {
	case n <= 0:
		return 0
	case p == nil || !p.running.Load():
		return 1
	}
	minChunk = max(minChunk, 1)
	return max(1, min(2*p.workers, n/minChunk))
}

// ForRanges calls fn once for every chunk of [0, n) and returns when all
// calls have finished. Chunks are contiguous, ordered by index and differ
// in length by at most one.
func (p *Pool) ForRanges(n, minChunk int, fn func(index, lo, hi int)) {
	chunks := p.Chunks(n, minChunk)
	if chunks == 0 {
		return
	}
	if chunks == 1 {
		fn(0, 0, n)
		return
	}

	var wg sync.WaitGroup
	wg.Add(chunks)
	for i := range chunks {
		c := chunk{index: i, lo: i * n / chunks, hi: (i + 1) * n / chunks, fn: fn, wg: &wg}
		select {
		case p.chunks <- c:
		default:
			c.run()
		}
	}
	wg.Wait()
}

// Close stops the workers. It is safe to call more than once.
func (p *Pool) Close() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.done)
	p.wg.Wait()
}

// Workers returns the number of workers.
func (p *Pool) Workers() int { return p.workers }

// IsRunning reports whether the workers accept chunks.
func (p *Pool) IsRunning() bool { return p.running.Load() }
