//go:build !nogpu

package rhi

import (
	"fmt"
	"image"
	"math/bits"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	xdraw "golang.org/x/image/draw"

	"github.com/gogpu/rhi/internal/destroy"
	"github.com/gogpu/rhi/internal/logging"
	"github.com/gogpu/rhi/internal/texstate"
)

// Layout is the access pattern a texture is currently prepared for.
type Layout = texstate.Layout

// Texture layouts.
const (
	LayoutUndefined       = texstate.Undefined
	LayoutTransferSrc     = texstate.TransferSrc
	LayoutTransferDst     = texstate.TransferDst
	LayoutColorAttachment = texstate.ColorAttachment
	LayoutDepthAttachment = texstate.DepthAttachment
	LayoutShaderRead      = texstate.ShaderRead
	LayoutGeneral         = texstate.General
	LayoutPresent         = texstate.Present
)

// TextureDesc describes a 2D texture.
type TextureDesc struct {
	Label  string
	Width  uint32
	Height uint32

	// MipLevels defaults to 1.
	MipLevels uint32

	// Samples defaults to 1.
	Samples uint32

	// Format defaults to the context color format.
	Format gputypes.TextureFormat
	Usage  gputypes.TextureUsage
}

type formatInfo struct {
	bytesPerPixel uint32
	depth         bool
}

// textureFormats lists the formats rhi can create. Anything else fails with
// ErrUnsupported at creation.
var textureFormats = map[gputypes.TextureFormat]formatInfo{
	gputypes.TextureFormatRGBA8Unorm:          {bytesPerPixel: 4},
	gputypes.TextureFormatRGBA8UnormSrgb:      {bytesPerPixel: 4},
	gputypes.TextureFormatBGRA8Unorm:          {bytesPerPixel: 4},
	gputypes.TextureFormatBGRA8UnormSrgb:      {bytesPerPixel: 4},
	gputypes.TextureFormatR8Unorm:             {bytesPerPixel: 1},
	gputypes.TextureFormatR32Float:            {bytesPerPixel: 4},
	gputypes.TextureFormatRG32Float:           {bytesPerPixel: 8},
	gputypes.TextureFormatRGBA32Float:         {bytesPerPixel: 16},
	gputypes.TextureFormatDepth24PlusStencil8: {bytesPerPixel: 4, depth: true},
}

// Texture is a 2D texture with a default view and a tracked layout.
type Texture struct {
	ctx   *Context
	tex   hal.Texture
	view  hal.TextureView
	desc  TextureDesc
	info  formatInfo
	state *texstate.State

	owned     bool
	destroyed atomic.Bool
}

func (c *Context) textureDesc(desc TextureDesc) (TextureDesc, formatInfo, error) {
	if desc.MipLevels == 0 {
		desc.MipLevels = 1
	}
	if desc.Samples == 0 {
		desc.Samples = 1
	}
	if desc.Format == gputypes.TextureFormatUndefined {
		desc.Format = c.opts.colorFormat
	}
	if desc.Width == 0 || desc.Height == 0 {
		return desc, formatInfo{}, fmt.Errorf("%w: texture %q size %dx%d", ErrInvalidParameter, desc.Label, desc.Width, desc.Height)
	}
	if desc.Usage == 0 {
		return desc, formatInfo{}, fmt.Errorf("%w: texture %q has no usage", ErrInvalidParameter, desc.Label)
	}
	info, ok := textureFormats[desc.Format]
	if !ok {
		return desc, formatInfo{}, fmt.Errorf("%w: texture %q format %v", ErrUnsupported, desc.Label, desc.Format)
	}
	switch desc.Samples {
	case 1, 4:
	default:
		return desc, formatInfo{}, fmt.Errorf("%w: texture %q sample count %d", ErrUnsupported, desc.Label, desc.Samples)
	}
	if desc.Samples > 1 && desc.MipLevels > 1 {
		return desc, formatInfo{}, fmt.Errorf("%w: multisampled texture %q with %d mips", ErrInvalidParameter, desc.Label, desc.MipLevels)
	}
	if maxMips := uint32(bits.Len32(max(desc.Width, desc.Height))); desc.MipLevels > maxMips { //nolint:gosec // at most 32
		return desc, formatInfo{}, fmt.Errorf("%w: texture %q has %d mips, max %d", ErrInvalidParameter, desc.Label, desc.MipLevels, maxMips)
	}
	return desc, info, nil
}

// NewTexture creates a texture and its default view.
func (c *Context) NewTexture(desc TextureDesc) (*Texture, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	desc, info, err := c.textureDesc(desc)
	if err != nil {
		return nil, err
	}
	t := &Texture{ctx: c, desc: desc, info: info, owned: true}
	if err := t.create(); err != nil {
		return nil, err
	}
	return t, nil
}

// create builds the native texture and view from t.desc.
func (t *Texture) create() error {
	d := t.ctx.device
	tex, err := d.CreateTexture(&hal.TextureDescriptor{
		Label:         t.desc.Label,
		Size:          hal.Extent3D{Width: t.desc.Width, Height: t.desc.Height, DepthOrArrayLayers: 1},
		MipLevelCount: t.desc.MipLevels,
		SampleCount:   t.desc.Samples,
		Dimension:     gputypes.TextureDimension2D,
		Format:        t.desc.Format,
		Usage:         t.desc.Usage,
	})
	if err != nil {
		return fmt.Errorf("%w: create texture %q: %w", ErrOutOfMemory, t.desc.Label, err)
	}
	view, err := d.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Label: t.desc.Label + "_view",
	})
	if err != nil {
		d.DestroyTexture(tex)
		return fmt.Errorf("%w: create view of %q: %w", ErrDevice, t.desc.Label, err)
	}
	t.tex, t.view = tex, view
	t.state = texstate.NewState(texstate.IsTransient(t.desc.Usage, t.desc.Samples, t.info.depth))
	return nil
}

// WrapTexture adopts a texture owned elsewhere, such as a swapchain image.
// rhi tracks its layout but never destroys it.
func (c *Context) WrapTexture(tex hal.Texture, view hal.TextureView, desc TextureDesc) (*Texture, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if tex == nil || view == nil {
		return nil, fmt.Errorf("%w: wrap nil texture", ErrInvalidParameter)
	}
	desc, info, err := c.textureDesc(desc)
	if err != nil {
		return nil, err
	}
	return &Texture{
		ctx:   c,
		tex:   tex,
		view:  view,
		desc:  desc,
		info:  info,
		state: texstate.NewState(false),
	}, nil
}

// NewTextureFromImage uploads img as an RGBA8 texture. With mipmaps, the
// full chain is generated on the CPU.
func (c *Context) NewTextureFromImage(label string, img image.Image, mipmaps bool) (*Texture, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: nil image", ErrInvalidParameter)
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("%w: empty image %q", ErrInvalidParameter, label)
	}
	base := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(base, base.Bounds(), img, b.Min, xdraw.Src)

	levels := []*image.RGBA{base}
	if mipmaps {
		levels = mipChain(base)
	}

	t, err := c.NewTexture(TextureDesc{
		Label:     label,
		Width:     uint32(b.Dx()),
		Height:    uint32(b.Dy()),
		MipLevels: uint32(len(levels)),
		Format:    gputypes.TextureFormatRGBA8Unorm,
		Usage:     gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst,
	})
	if err != nil {
		return nil, err
	}
	for i, lvl := range levels {
		if err := t.Upload(uint32(i), lvl.Pix); err != nil { //nolint:gosec // at most 32
			t.Destroy()
			return nil, err
		}
	}
	return t, nil
}

// mipChain returns base followed by successively halved levels down to 1x1.
func mipChain(base *image.RGBA) []*image.RGBA {
	levels := []*image.RGBA{base}
	for prev := base; prev.Bounds().Dx() > 1 || prev.Bounds().Dy() > 1; {
		w := max(prev.Bounds().Dx()/2, 1)
		h := max(prev.Bounds().Dy()/2, 1)
		next := image.NewRGBA(image.Rect(0, 0, w, h))
		xdraw.CatmullRom.Scale(next, next.Bounds(), prev, prev.Bounds(), xdraw.Src, nil)
		levels = append(levels, next)
		prev = next
	}
	return levels
}

// Native returns the native texture.
func (t *Texture) Native() hal.Texture { return t.tex }

// View returns the default view.
func (t *Texture) View() hal.TextureView { return t.view }

// Desc returns the effective description.
func (t *Texture) Desc() TextureDesc { return t.desc }

// Width returns the width of mip level 0.
func (t *Texture) Width() uint32 { return t.desc.Width }

// Height returns the height of mip level 0.
func (t *Texture) Height() uint32 { return t.desc.Height }

// Format returns the texture format.
func (t *Texture) Format() gputypes.TextureFormat { return t.desc.Format }

// Layout returns the tracked layout.
func (t *Texture) Layout() Layout { return t.state.Layout() }

// Transient reports whether the texture's contents are discarded between
// passes.
func (t *Texture) Transient() bool { return t.state.Transient() }

func (t *Texture) isDepth() bool { return t.info.depth }

// mipSize returns the size of a mip level.
func (t *Texture) mipSize(level uint32) (uint32, uint32) {
	return max(t.desc.Width>>level, 1), max(t.desc.Height>>level, 1)
}

// Upload replaces one mip level with tightly packed pixel data. The
// texture becomes shader-readable before the next render pass.
func (t *Texture) Upload(level uint32, data []byte) error {
	if t.destroyed.Load() {
		return fmt.Errorf("%w: texture %q", ErrClosed, t.desc.Label)
	}
	if t.desc.Usage&gputypes.TextureUsageCopyDst == 0 {
		return fmt.Errorf("%w: texture %q lacks CopyDst usage", ErrInvalidParameter, t.desc.Label)
	}
	if t.info.depth || t.desc.Samples > 1 {
		return fmt.Errorf("%w: upload to texture %q", ErrUnsupported, t.desc.Label)
	}
	if level >= t.desc.MipLevels {
		return fmt.Errorf("%w: texture %q has no mip %d", ErrInvalidParameter, t.desc.Label, level)
	}
	w, h := t.mipSize(level)
	row := w * t.info.bytesPerPixel
	if uint64(len(data)) != uint64(row)*uint64(h) {
		return fmt.Errorf("%w: texture %q mip %d wants %d bytes, got %d",
			ErrInvalidParameter, t.desc.Label, level, uint64(row)*uint64(h), len(data))
	}

	err := t.ctx.queue.WriteTexture(
		&hal.ImageCopyTexture{Texture: t.tex, MipLevel: level},
		data,
		&hal.ImageDataLayout{Offset: 0, BytesPerRow: row, RowsPerImage: h},
		&hal.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1},
	)
	if err != nil {
		return fmt.Errorf("%w: upload texture %q mip %d: %w", ErrDevice, t.desc.Label, level, err)
	}
	t.state.Notify(texstate.TransferDst)
	if t.desc.Usage&gputypes.TextureUsageTextureBinding != 0 {
		t.ctx.transitions.Enqueue(t.state, t.tex, texstate.Read)
	}
	return nil
}

// MarkPresented records that the presentation layer took the texture.
// No barrier is recorded; the surface performs that transition.
func (t *Texture) MarkPresented() {
	t.state.Notify(texstate.Present)
}

// Resize recreates an owned texture at a new size with a single mip, keeping
// its format and usage. The old native objects are released once in-flight
// work is done. Contents are not preserved.
func (t *Texture) Resize(width, height uint32) error {
	if !t.owned {
		return fmt.Errorf("%w: resize of wrapped texture %q", ErrInvalidParameter, t.desc.Label)
	}
	if t.destroyed.Load() {
		return fmt.Errorf("%w: texture %q", ErrClosed, t.desc.Label)
	}
	if width == t.desc.Width && height == t.desc.Height {
		return nil
	}
	desc := t.desc
	desc.Width, desc.Height, desc.MipLevels = width, height, 1
	if _, _, err := t.ctx.textureDesc(desc); err != nil {
		return err
	}

	oldTex, oldView, oldState := t.tex, t.view, t.state
	prev := t.desc
	t.desc = desc
	if err := t.create(); err != nil {
		t.desc = prev
		return err
	}
	t.ctx.transitions.Remove(oldState)
	t.ctx.release(destroy.TextureView, oldView)
	t.ctx.release(destroy.Texture, oldTex)
	logging.L().Debug("rhi: texture resized", "label", t.desc.Label, "width", width, "height", height)
	return nil
}

// Destroy releases the texture once in-flight work no longer uses it.
// Wrapped textures are only forgotten. It is safe to call multiple times.
func (t *Texture) Destroy() {
	if !t.destroyed.CompareAndSwap(false, true) {
		return
	}
	t.ctx.transitions.Remove(t.state)
	if !t.owned {
		return
	}
	t.ctx.release(destroy.TextureView, t.view)
	t.ctx.release(destroy.Texture, t.tex)
}
