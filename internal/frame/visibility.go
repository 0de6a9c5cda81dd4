// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package frame

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/cortex/internal/rendergraph"
	"github.com/gogpu/cortex/internal/rhi"
)

// FormatVisibility holds instance and triangle IDs.
const FormatVisibility = gputypes.TextureFormatRG32Uint

// visibilityBuffer is the built-in VisibilityBuffer: one pass writing
// instance IDs and depth, shaded afterwards by the material pass.
type visibilityBuffer struct {
	r   *Renderer
	ids rhi.Resource
}

func newVisibilityBuffer(r *Renderer) *visibilityBuffer { return &visibilityBuffer{r: r} }

func (v *visibilityBuffer) Resize(w, h uint32) error {
	v.Release()
	ids, err := v.r.createTarget(texture2D("visibility_ids", w, h, FormatVisibility, colorFlags), rhi.StatePixelShaderResource)
	if err != nil {
		return err
	}
	v.ids = ids
	return nil
}

func (v *visibilityBuffer) Build(ctx *DrawContext) (bool, error) {
	if v.ids == nil || len(ctx.Visible) == 0 {
		return false, nil
	}
	pipe := ctx.Pipeline(PipelineVisibility, FormatDepth, FormatVisibility)
	if pipe == nil {
		return false, nil
	}
	ctx.Tracker.TransitionAll(ctx.Cmd,
		rendergraph.Request{Resource: v.ids, State: rhi.StateRenderTarget},
		rendergraph.Request{Resource: ctx.Depth, State: rhi.StateDepthWrite})
	ctx.Cmd.BeginPass(rhi.PassDesc{
		Name:   "Visibility",
		Colors: []rhi.ColorAttachment{{Target: v.ids, Load: rhi.LoadClear}},
		Depth:  &rhi.DepthAttachment{Target: ctx.Depth, Load: rhi.LoadClear, Clear: 1},
	})
	ctx.Cmd.SetPipeline(pipe)
	ctx.Cmd.SetBindings(rhi.Bindings{Constants: ctx.FrameBlock})
	for _, i := range ctx.Visible {
		ctx.DrawInstance(&ctx.Instances[i])
	}
	ctx.Cmd.EndPass()
	return true, nil
}

func (v *visibilityBuffer) IDs() rhi.Resource { return v.ids }

// WritesVelocity is false: motion vectors come from the fullscreen pass.
func (v *visibilityBuffer) WritesVelocity() bool { return false }

func (v *visibilityBuffer) Release() { v.r.destroyTarget(&v.ids) }
