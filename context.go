//go:build !nogpu

package rhi

import (
	"fmt"
	"sync/atomic"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/internal/cmdring"
	"github.com/gogpu/rhi/internal/destroy"
	"github.com/gogpu/rhi/internal/logging"
	"github.com/gogpu/rhi/internal/pipecache"
	"github.com/gogpu/rhi/internal/texstate"
)

// Bind group 0 layout shared by every material.
const (
	// SystemBinding is the per-draw uniform block (view, projection).
	SystemBinding = 0

	// InstanceBinding is the read-only storage buffer of per-instance
	// payloads, indexed by instance_index.
	InstanceBinding = 1

	// MaterialGroup is the bind group index of material resources.
	MaterialGroup = 1
)

// emptyBufferSize backs bindings that have no data this draw.
const emptyBufferSize = 256

// Context owns one device's recording rings, pipeline cache, transition
// queue and deferred destruction. It does not own the device.
//
// Context methods are safe for concurrent use except those documented as
// belonging to the main recorder (FrameBegin, BeginPass, EndPass, FrameEnd).
type Context struct {
	device hal.Device
	queue  hal.Queue
	opts   options

	rings       *cmdring.Registry
	pipes       *pipecache.Cache
	graveyard   destroy.Graveyard
	transitions texstate.Queue
	samplers    samplerCache
	main        *Recorder

	empty    hal.Buffer
	fallback *Texture

	ids    atomic.Uint64
	closed atomic.Bool
}

// New creates a context on an open device and its queue.
//
// Example:
//
//	ctx, err := rhi.New(device, queue)
//	if err != nil {
//	    return err
//	}
//	defer ctx.Destroy()
func New(device hal.Device, queue hal.Queue, opts ...Option) (*Context, error) {
	if device == nil || queue == nil {
		return nil, fmt.Errorf("%w: nil device or queue", ErrInvalidParameter)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	c := &Context{
		device: device,
		queue:  queue,
		opts:   o,
		rings:  cmdring.NewRegistry(device, queue, o.ringConfig()),
	}

	pipes, err := pipecache.New(device, pipecache.Config{
		MaxMaterials:     o.maxMaterials,
		MaxRenderPasses:  o.maxRenderPasses,
		MaxVertexFormats: o.maxVertexFormats,
		Globals:          globalsLayout(),
		Release:          c.release,
	})
	if err != nil {
		return nil, err
	}
	c.pipes = pipes

	c.empty, err = device.CreateBuffer(&hal.BufferDescriptor{
		Label: o.label + "_empty",
		Size:  emptyBufferSize,
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		c.pipes.Destroy()
		return nil, fmt.Errorf("%w: create empty buffer: %w", ErrOutOfMemory, err)
	}

	if c.main, err = c.NewRecorder(o.label + "_main"); err != nil {
		c.teardown()
		return nil, err
	}
	if c.fallback, err = c.newFallbackTexture(); err != nil {
		c.teardown()
		return nil, err
	}

	logging.L().Info("rhi: context created",
		"depth", o.ringDepth, "recorders", o.maxRecorders, "format", o.colorFormat)
	return c, nil
}

// NewFromProvider creates a context on a device shared by a host
// application. The provider must also implement HalDevice() any and
// HalQueue() any returning hal.Device and hal.Queue. The provider's surface
// format becomes the default color format unless an option overrides it.
func NewFromProvider(p gpucontext.DeviceProvider, opts ...Option) (*Context, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil provider", ErrInvalidParameter)
	}
	hp, ok := p.(interface {
		HalDevice() any
		HalQueue() any
	})
	if !ok {
		return nil, fmt.Errorf("%w: provider does not expose HAL access", ErrUnsupported)
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok {
		return nil, fmt.Errorf("%w: provider HalDevice is not hal.Device", ErrUnsupported)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok {
		return nil, fmt.Errorf("%w: provider HalQueue is not hal.Queue", ErrUnsupported)
	}
	all := append([]Option{WithColorFormat(p.SurfaceFormat())}, opts...)
	return New(device, queue, all...)
}

func globalsLayout() []gputypes.BindGroupLayoutEntry {
	vf := gputypes.ShaderStageVertex | gputypes.ShaderStageFragment
	return []gputypes.BindGroupLayoutEntry{
		{
			Binding:    SystemBinding,
			Visibility: vf,
			Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
		},
		{
			Binding:    InstanceBinding,
			Visibility: vf,
			Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage},
		},
	}
}

// newFallbackTexture creates the 1x1 white texture bound in place of
// material textures that were never set.
func (c *Context) newFallbackTexture() (*Texture, error) {
	t, err := c.NewTexture(TextureDesc{
		Label:  c.opts.label + "_white",
		Width:  1,
		Height: 1,
		Format: gputypes.TextureFormatRGBA8Unorm,
		Usage:  gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst,
	})
	if err != nil {
		return nil, err
	}
	if err := t.Upload(0, []byte{0xFF, 0xFF, 0xFF, 0xFF}); err != nil {
		t.Destroy()
		return nil, err
	}
	return t, nil
}

// Device returns the device the context records for.
func (c *Context) Device() hal.Device { return c.device }

// Queue returns the queue the context submits to.
func (c *Context) Queue() hal.Queue { return c.queue }

// ColorFormat returns the default color format.
func (c *Context) ColorFormat() gputypes.TextureFormat { return c.opts.colorFormat }

// Main returns the recorder driven by FrameBegin and FrameEnd.
func (c *Context) Main() *Recorder { return c.main }

// nextID returns a stable logical id for meshes, materials and shaders.
func (c *Context) nextID() uint64 { return c.ids.Add(1) }

// release destroys a native object once no submitted work can use it.
// While the main recorder is recording, the object joins its slot's
// destroy list; the single queue retires earlier submissions of every
// recorder first. Otherwise it waits in the graveyard for every in-flight
// submission, or is destroyed at once when nothing is in flight.
func (c *Context) release(kind destroy.Kind, handle any) {
	if handle == nil {
		return
	}
	if c.main != nil {
		if s := c.main.active.Load(); s != nil {
			s.Defer(kind, handle)
			return
		}
	}
	it := destroy.Item{Kind: kind, Handle: handle}
	if tokens := c.rings.InFlight(); len(tokens) > 0 {
		c.graveyard.Bury(tokens, it)
		return
	}
	destroy.Release(c.device, it)
}

// Collect destroys graveyard objects whose GPU work has completed and
// returns how many were destroyed. FrameBegin calls it.
func (c *Context) Collect() int {
	return c.graveyard.Collect(c.device)
}

// WaitIdle blocks until all submitted work has completed. Use it before
// resizing or tearing down swapchain-sized resources.
func (c *Context) WaitIdle() error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := c.rings.WaitIdle(); err != nil {
		return err
	}
	c.Collect()
	return nil
}

// Stats reports context activity.
type Stats struct {
	Recorders          int
	Submissions        uint64
	Graveyard          int
	PendingTransitions int
	Samplers           int
	Pipelines          pipecache.Stats

	// Largest transient bytes one frame of any recorder has used.
	UniformPeak uint64
	StoragePeak uint64
}

// Stats returns a snapshot of context activity.
func (c *Context) Stats() Stats {
	uniform, storage := c.rings.Peak()
	return Stats{
		UniformPeak:        uniform,
		StoragePeak:        storage,
		Recorders:          c.rings.Len(),
		Submissions:        c.rings.Submissions(),
		Graveyard:          c.graveyard.Len(),
		PendingTransitions: c.transitions.Len(),
		Samplers:           c.samplers.len(),
		Pipelines:          c.pipes.Stats(),
	}
}

// Destroy waits for the device to go idle and releases everything the
// context created. Resources created from it must not be used afterwards;
// destroying them is optional. It is safe to call multiple times.
func (c *Context) Destroy() error {
	if c.closed.Load() {
		return nil
	}
	err := c.rings.WaitIdle()
	c.main.Abort()
	c.teardown()
	c.closed.Store(true)
	logging.L().Info("rhi: context destroyed")
	return err
}

func (c *Context) teardown() {
	if c.fallback != nil {
		c.fallback.Destroy()
		c.fallback = nil
	}
	c.samplers.destroy(c.device)
	c.pipes.Destroy()
	if c.empty != nil {
		c.device.DestroyBuffer(c.empty)
		c.empty = nil
	}
	if err := c.rings.Close(); err != nil {
		logging.L().Warn("rhi: closing recorders", "err", err)
	}
	c.graveyard.Flush(c.device)
}

// checkOpen returns ErrClosed after Destroy.
func (c *Context) checkOpen() error {
	if c.closed.Load() {
		return ErrClosed
	}
	return nil
}
