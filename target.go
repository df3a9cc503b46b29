//go:build !nogpu

package rhi

import (
	"fmt"
	"slices"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/rhi/internal/logging"
	"github.com/gogpu/rhi/internal/pipecache"
)

// TargetDesc describes the attachments of a render target. Textures are
// borrowed; the target never destroys them.
type TargetDesc struct {
	Label  string
	Colors []*Texture
	Depth  *Texture

	// Resolve receives the multisampled Colors[0] at the end of a pass.
	Resolve *Texture

	// Load and store policy. Zero values mean clear and store, except that a
	// transient depth attachment is discarded.
	ColorLoad  gputypes.LoadOp
	ColorStore gputypes.StoreOp
	DepthLoad  gputypes.LoadOp
	DepthStore gputypes.StoreOp
}

// RenderTarget is a set of attachments with a registered render-pass slot.
type RenderTarget struct {
	ctx  *Context
	desc TargetDesc
	pass pipecache.Handle
}

// NewRenderTarget validates the attachments and registers their pass
// description.
func (c *Context) NewRenderTarget(desc TargetDesc) (*RenderTarget, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	desc, rp, err := targetPass(desc)
	if err != nil {
		return nil, err
	}
	h, err := c.pipes.RegisterRenderPass(rp)
	if err != nil {
		return nil, fmt.Errorf("render target %q: %w", desc.Label, err)
	}
	return &RenderTarget{ctx: c, desc: desc, pass: h}, nil
}

// targetPass applies defaults and derives the size-independent pass
// description.
func targetPass(desc TargetDesc) (TargetDesc, pipecache.RenderPassDesc, error) {
	var rp pipecache.RenderPassDesc
	if len(desc.Colors) > pipecache.MaxColorTargets {
		return desc, rp, fmt.Errorf("%w: target %q has %d color attachments, max %d",
			ErrInvalidParameter, desc.Label, len(desc.Colors), pipecache.MaxColorTargets)
	}
	if len(desc.Colors) == 0 && desc.Depth == nil {
		return desc, rp, fmt.Errorf("%w: target %q has no attachments", ErrInvalidParameter, desc.Label)
	}

	var ref *Texture
	for i, t := range append(slices.Clone(desc.Colors), desc.Depth) {
		if t == nil {
			if i < len(desc.Colors) {
				return desc, rp, fmt.Errorf("%w: target %q color %d is nil", ErrInvalidParameter, desc.Label, i)
			}
			continue
		}
		if ref == nil {
			ref = t
			continue
		}
		if t.desc.Width != ref.desc.Width || t.desc.Height != ref.desc.Height || t.desc.Samples != ref.desc.Samples {
			return desc, rp, fmt.Errorf("%w: target %q attachments differ in size or samples", ErrInvalidParameter, desc.Label)
		}
	}
	for i, t := range desc.Colors {
		if t.isDepth() || t.desc.Usage&gputypes.TextureUsageRenderAttachment == 0 {
			return desc, rp, fmt.Errorf("%w: target %q color %d is not a color attachment", ErrInvalidParameter, desc.Label, i)
		}
		rp.Colors[i] = t.desc.Format
	}
	if d := desc.Depth; d != nil {
		if !d.isDepth() {
			return desc, rp, fmt.Errorf("%w: target %q depth texture has color format", ErrInvalidParameter, desc.Label)
		}
		rp.Depth = d.desc.Format
	}
	if r := desc.Resolve; r != nil {
		if len(desc.Colors) == 0 || ref.desc.Samples == 1 || r.desc.Samples != 1 ||
			r.desc.Format != desc.Colors[0].desc.Format ||
			r.desc.Width != ref.desc.Width || r.desc.Height != ref.desc.Height {
			return desc, rp, fmt.Errorf("%w: target %q resolve does not match color 0", ErrInvalidParameter, desc.Label)
		}
	}

	if desc.ColorLoad == 0 {
		desc.ColorLoad = gputypes.LoadOpClear
	}
	if desc.ColorStore == 0 {
		desc.ColorStore = gputypes.StoreOpStore
	}
	if desc.DepthLoad == 0 {
		desc.DepthLoad = gputypes.LoadOpClear
	}
	if desc.DepthStore == 0 {
		desc.DepthStore = gputypes.StoreOpStore
		if desc.Depth != nil && desc.Depth.Transient() {
			desc.DepthStore = gputypes.StoreOpDiscard
		}
	}

	rp.ColorCount = uint8(len(desc.Colors)) //nolint:gosec // checked against MaxColorTargets
	rp.Samples = ref.desc.Samples
	rp.Resolve = desc.Resolve != nil
	rp.ColorLoad, rp.ColorStore = desc.ColorLoad, desc.ColorStore
	rp.DepthLoad, rp.DepthStore = desc.DepthLoad, desc.DepthStore
	return desc, rp, nil
}

// Size returns the attachment size.
func (t *RenderTarget) Size() (width, height uint32) {
	if len(t.desc.Colors) > 0 {
		return t.desc.Colors[0].desc.Width, t.desc.Colors[0].desc.Height
	}
	return t.desc.Depth.desc.Width, t.desc.Depth.desc.Height
}

// Desc returns the effective description.
func (t *RenderTarget) Desc() TargetDesc { return t.desc }

// Update replaces the attachments, e.g. with the next swapchain image. The
// new pass description is registered before the old one is released, so
// an unchanged description keeps its slot and cached pipelines.
func (t *RenderTarget) Update(desc TargetDesc) error {
	desc, rp, err := targetPass(desc)
	if err != nil {
		return err
	}
	h, err := t.ctx.pipes.RegisterRenderPass(rp)
	if err != nil {
		return fmt.Errorf("render target %q: %w", desc.Label, err)
	}
	old := t.pass
	t.desc, t.pass = desc, h
	return t.ctx.pipes.UnregisterRenderPass(old)
}

// Resize resizes every owned attachment. The pass description does not
// include size, so the pipeline-cache slot is kept.
func (t *RenderTarget) Resize(width, height uint32) error {
	for _, tex := range t.attachments() {
		if !tex.owned {
			continue
		}
		if err := tex.Resize(width, height); err != nil {
			return err
		}
	}
	logging.L().Debug("rhi: render target resized", "label", t.desc.Label, "width", width, "height", height)
	return nil
}

func (t *RenderTarget) attachments() []*Texture {
	out := slices.Clone(t.desc.Colors)
	if t.desc.Depth != nil {
		out = append(out, t.desc.Depth)
	}
	if t.desc.Resolve != nil {
		out = append(out, t.desc.Resolve)
	}
	return out
}

// Destroy releases the render-pass slot. Attachments are left alone.
func (t *RenderTarget) Destroy() {
	if t.pass == pipecache.InvalidHandle || t.ctx.closed.Load() {
		return
	}
	if err := t.ctx.pipes.UnregisterRenderPass(t.pass); err != nil {
		logging.L().Warn("rhi: unregister render pass", "target", t.desc.Label, "err", err)
	}
	t.pass = pipecache.InvalidHandle
}
