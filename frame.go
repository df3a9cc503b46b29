//go:build !nogpu

package rhi

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/internal/logging"
	"github.com/gogpu/rhi/internal/texstate"
)

// Clear holds the values attachments with a clear load op are cleared to.
type Clear struct {
	Color   gputypes.Color
	Depth   float32
	Stencil uint32
}

// DefaultClear clears color to transparent black and depth to 1.
var DefaultClear = Clear{Depth: 1}

// BeginPass starts a render pass on target. On the main recorder, queued
// texture transitions are flushed first. Each attachment is then moved to its
// attachment layout. The viewport and scissor cover the whole target.
//
// Other recorders never flush the queue: textures sampled in their passes
// must have been made readable by a main pass submitted before them.
func (r *Recorder) BeginPass(target *RenderTarget, clear Clear) error {
	s, err := r.slot()
	if err != nil {
		return err
	}
	if r.pass != nil {
		return fmt.Errorf("%w: %s: pass already open", ErrNesting, r.Label())
	}
	if target == nil {
		return fmt.Errorf("%w: nil render target", ErrInvalidParameter)
	}
	for _, tex := range target.attachments() {
		if tex.destroyed.Load() {
			return fmt.Errorf("%w: target %q uses destroyed texture %q", ErrOutOfDate, target.desc.Label, tex.desc.Label)
		}
	}

	enc := s.Encoder()
	if r == r.ctx.main {
		r.ctx.transitions.Flush(enc)
	}

	d := target.desc
	colors := make([]hal.RenderPassColorAttachment, len(d.Colors))
	for i, tex := range d.Colors {
		transition(enc, tex, texstate.ColorAttachment)
		colors[i] = hal.RenderPassColorAttachment{
			View:       tex.view,
			LoadOp:     d.ColorLoad,
			StoreOp:    d.ColorStore,
			ClearValue: clear.Color,
		}
	}
	if d.Resolve != nil {
		transition(enc, d.Resolve, texstate.ColorAttachment)
		colors[0].ResolveTarget = d.Resolve.view
	}
	desc := &hal.RenderPassDescriptor{
		Label:            d.Label,
		ColorAttachments: colors,
	}
	if tex := d.Depth; tex != nil {
		transition(enc, tex, texstate.DepthAttachment)
		desc.DepthStencilAttachment = &hal.RenderPassDepthStencilAttachment{
			View:              tex.view,
			DepthLoadOp:       d.DepthLoad,
			DepthStoreOp:      d.DepthStore,
			DepthClearValue:   clear.Depth,
			StencilLoadOp:     d.DepthLoad,
			StencilStoreOp:    d.DepthStore,
			StencilClearValue: clear.Stencil,
		}
	}

	r.pass = enc.BeginRenderPass(desc)
	r.target = target
	w, h := target.Size()
	r.pass.SetViewport(0, 0, float32(w), float32(h), 0, 1)
	r.pass.SetScissorRect(0, 0, w, h)
	return nil
}

func transition(enc hal.CommandEncoder, tex *Texture, layout texstate.Layout) {
	if b, ok := tex.state.Transition(layout); ok {
		texstate.Emit(enc, tex.tex, b)
	}
}

// EndPass ends the open render pass. Attachments that shaders may sample
// are queued to become readable before the next pass.
func (r *Recorder) EndPass() error {
	if r.pass == nil {
		return fmt.Errorf("%w: %s", ErrNotInPass, r.Label())
	}
	r.pass.End()
	for _, tex := range r.target.attachments() {
		if tex == r.target.desc.Resolve {
			tex.state.Notify(texstate.ColorAttachment)
		}
		if tex.desc.Usage&gputypes.TextureUsageTextureBinding != 0 && !tex.Transient() {
			r.ctx.transitions.Enqueue(tex.state, tex.tex, texstate.Read)
		}
	}
	r.pass, r.target = nil, nil
	return nil
}

// InPass reports whether a render pass is open.
func (r *Recorder) InPass() bool { return r.pass != nil }

// Pass returns the open render pass encoder, or nil.
func (r *Recorder) Pass() hal.RenderPassEncoder { return r.pass }

// SetViewport sets the viewport of the open pass.
func (r *Recorder) SetViewport(x, y, width, height float32) error {
	if r.pass == nil {
		return fmt.Errorf("%w: %s: set viewport", ErrNotInPass, r.Label())
	}
	r.pass.SetViewport(x, y, width, height, 0, 1)
	return nil
}

// SetScissor sets the scissor rectangle of the open pass.
func (r *Recorder) SetScissor(x, y, width, height uint32) error {
	if r.pass == nil {
		return fmt.Errorf("%w: %s: set scissor", ErrNotInPass, r.Label())
	}
	r.pass.SetScissorRect(x, y, width, height)
	return nil
}

// FrameBegin collects finished deferred destructions and opens the main
// recorder for a frame. Call it from the goroutine driving the frame loop.
func (c *Context) FrameBegin() error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if n := c.Collect(); n > 0 {
		logging.L().Debug("rhi: graveyard collected", "objects", n)
	}
	return c.main.Begin()
}

// BeginPass starts a render pass on the main recorder.
func (c *Context) BeginPass(target *RenderTarget, clear Clear) error {
	return c.main.BeginPass(target, clear)
}

// SetViewport sets the viewport of the main recorder's pass.
func (c *Context) SetViewport(x, y, width, height float32) error {
	return c.main.SetViewport(x, y, width, height)
}

// SetScissor sets the scissor of the main recorder's pass.
func (c *Context) SetScissor(x, y, width, height uint32) error {
	return c.main.SetScissor(x, y, width, height)
}

// EndPass ends the main recorder's pass.
func (c *Context) EndPass() error {
	return c.main.EndPass()
}

// FrameEnd submits the frame and signals each external fence after it.
func (c *Context) FrameEnd(signals ...Signal) (Future, error) {
	return c.main.EndAndSubmit(signals...)
}
