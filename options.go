package rhi

import (
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/rhi/internal/cmdring"
	"github.com/gogpu/rhi/internal/pipecache"
)

// Option configures a Context during creation.
//
// Example:
//
//	ctx, err := rhi.New(device, queue,
//	    rhi.WithRingDepth(3),
//	    rhi.WithColorFormat(gputypes.TextureFormatBGRA8Unorm),
//	)
type Option func(*options)

// options holds optional configuration for Context creation.
type options struct {
	label            string
	ringDepth        int
	maxRecorders     int
	maxMaterials     int
	maxRenderPasses  int
	maxVertexFormats int
	uniformSize      uint64
	storageSize      uint64
	fenceTimeout     time.Duration
	colorFormat      gputypes.TextureFormat
}

// defaultOptions returns the default context options.
func defaultOptions() options {
	return options{
		label:            "rhi",
		ringDepth:        cmdring.DefaultDepth,
		maxRecorders:     cmdring.DefaultMaxRings,
		maxMaterials:     pipecache.DefaultMaxMaterials,
		maxRenderPasses:  pipecache.DefaultMaxRenderPasses,
		maxVertexFormats: pipecache.DefaultMaxVertexFormats,
		uniformSize:      cmdring.DefaultUniformSize,
		storageSize:      cmdring.DefaultStorageSize,
		fenceTimeout:     cmdring.DefaultFenceTimeout,
		colorFormat:      gputypes.TextureFormatBGRA8Unorm,
	}
}

// WithLabel sets the debug label prefix of native objects. Default "rhi".
func WithLabel(label string) Option {
	return func(o *options) {
		if label != "" {
			o.label = label
		}
	}
}

// WithRingDepth sets how many submissions each recorder may have in flight
// before Begin blocks on the oldest one. Default 8.
func WithRingDepth(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.ringDepth = n
		}
	}
}

// WithMaxRecorders caps the number of recorders, the main one included.
// Default 16.
func WithMaxRecorders(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxRecorders = n
		}
	}
}

// WithPipelineCapacity sizes the pipeline cache: distinct materials, render
// passes and vertex formats. Zero keeps a default (256, 32, 32).
func WithPipelineCapacity(materials, renderPasses, vertexFormats int) Option {
	return func(o *options) {
		if materials > 0 {
			o.maxMaterials = materials
		}
		if renderPasses > 0 {
			o.maxRenderPasses = renderPasses
		}
		if vertexFormats > 0 {
			o.maxVertexFormats = vertexFormats
		}
	}
}

// WithTransientSizes sets the initial size of each recorder slot's uniform
// and storage allocators. They grow to the frame high-water mark on their
// own. Default 64 KiB and 256 KiB.
func WithTransientSizes(uniform, storage uint64) Option {
	return func(o *options) {
		if uniform > 0 {
			o.uniformSize = uniform
		}
		if storage > 0 {
			o.storageSize = storage
		}
	}
}

// WithFenceTimeout bounds how long Begin waits for a slot to finish.
// Default 5s. Exceeding it returns ErrDevice.
func WithFenceTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.fenceTimeout = d
		}
	}
}

// WithColorFormat sets the color format of textures created with
// TextureFormatUndefined. Default BGRA8Unorm, or the provider's surface
// format for NewFromProvider.
func WithColorFormat(f gputypes.TextureFormat) Option {
	return func(o *options) {
		if f != gputypes.TextureFormatUndefined {
			o.colorFormat = f
		}
	}
}

func (o options) ringConfig() cmdring.Config {
	return cmdring.Config{
		Depth:        o.ringDepth,
		MaxRings:     o.maxRecorders,
		FenceTimeout: o.fenceTimeout,
		UniformSize:  o.uniformSize,
		StorageSize:  o.storageSize,
	}
}
