// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/cortex"
	"github.com/gogpu/cortex/internal/rhi"
)

// headless is an offscreen swap chain: FramesInFlight render-target
// textures presented round-robin.
type headless struct {
	dev      cortex.Device
	width    uint32
	height   uint32
	index    int
	buffers  [rhi.FramesInFlight]rhi.Resource
	presents uint64
}

func newHeadless(dev cortex.Device, width, height uint32) (*headless, error) {
	h := &headless{dev: dev, width: width, height: height}
	for i := range h.buffers {
		res, err := dev.CreateResource(rhi.ResourceDesc{
			Label:     fmt.Sprintf("back_buffer_%d", i),
			Dimension: rhi.DimensionTexture2D,
			Width:     width,
			Height:    height,
			ArraySize: 1,
			MipLevels: 1,
			Format:    gputypes.TextureFormatBGRA8Unorm,
			Flags:     rhi.FlagRenderTarget,
		})
		if err != nil {
			h.release()
			return nil, fmt.Errorf("back buffer %d: %w", i, err)
		}
		h.buffers[i] = res
	}
	return h, nil
}

func (h *headless) Size() (uint32, uint32)   { return h.width, h.height }
func (h *headless) BackBufferIndex() int     { return h.index }
func (h *headless) BackBuffer() rhi.Resource { return h.buffers[h.index] }

func (h *headless) Present() error {
	h.presents++
	h.index = (h.index + 1) % len(h.buffers)
	return nil
}

func (h *headless) release() {
	for i, res := range h.buffers {
		if res != nil {
			h.dev.DestroyResource(res)
			h.buffers[i] = nil
		}
	}
}
