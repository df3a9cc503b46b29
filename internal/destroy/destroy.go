//go:build !nogpu

// Package destroy defers the release of native GPU objects until the GPU
// work that may reference them has completed.
//
// A List belongs to one command slot and is executed when that slot is
// reused, i.e. after its fence signaled. A Graveyard holds objects released
// outside of any recording scope while submissions are still in flight.
package destroy

import (
	"fmt"
	"sync"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/internal/logging"
)

// Kind identifies the native object type held by an Item.
type Kind uint8

// Object kinds.
const (
	Buffer Kind = iota
	Texture
	TextureView
	Sampler
	BindGroup
	BindGroupLayout
	PipelineLayout
	RenderPipeline
	ShaderModule
	Fence
	CommandBuffer
)

var kindNames = [...]string{
	Buffer:          "buffer",
	Texture:         "texture",
	TextureView:     "texture_view",
	Sampler:         "sampler",
	BindGroup:       "bind_group",
	BindGroupLayout: "bind_group_layout",
	PipelineLayout:  "pipeline_layout",
	RenderPipeline:  "render_pipeline",
	ShaderModule:    "shader_module",
	Fence:           "fence",
	CommandBuffer:   "command_buffer",
}

// String returns the kind name.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Item is one pending native release.
type Item struct {
	Kind   Kind
	Handle any
}

// Release destroys the native object held by it. Items whose handle does not
// match their kind are logged and skipped.
func Release(device hal.Device, it Item) {
	ok := true
	switch it.Kind {
	case Buffer:
		var h hal.Buffer
		if h, ok = it.Handle.(hal.Buffer); ok {
			device.DestroyBuffer(h)
		}
	case Texture:
		var h hal.Texture
		if h, ok = it.Handle.(hal.Texture); ok {
			device.DestroyTexture(h)
		}
	case TextureView:
		var h hal.TextureView
		if h, ok = it.Handle.(hal.TextureView); ok {
			device.DestroyTextureView(h)
		}
	case Sampler:
		var h hal.Sampler
		if h, ok = it.Handle.(hal.Sampler); ok {
			device.DestroySampler(h)
		}
	case BindGroup:
		var h hal.BindGroup
		if h, ok = it.Handle.(hal.BindGroup); ok {
			device.DestroyBindGroup(h)
		}
	case BindGroupLayout:
		var h hal.BindGroupLayout
		if h, ok = it.Handle.(hal.BindGroupLayout); ok {
			device.DestroyBindGroupLayout(h)
		}
	case PipelineLayout:
		var h hal.PipelineLayout
		if h, ok = it.Handle.(hal.PipelineLayout); ok {
			device.DestroyPipelineLayout(h)
		}
	case RenderPipeline:
		var h hal.RenderPipeline
		if h, ok = it.Handle.(hal.RenderPipeline); ok {
			device.DestroyRenderPipeline(h)
		}
	case ShaderModule:
		var h hal.ShaderModule
		if h, ok = it.Handle.(hal.ShaderModule); ok {
			device.DestroyShaderModule(h)
		}
	case Fence:
		var h hal.Fence
		if h, ok = it.Handle.(hal.Fence); ok {
			device.DestroyFence(h)
		}
	case CommandBuffer:
		var h hal.CommandBuffer
		if h, ok = it.Handle.(hal.CommandBuffer); ok {
			device.FreeCommandBuffer(h)
		}
	default:
		ok = false
	}
	if !ok {
		logging.L().Warn("destroy: handle does not match kind",
			"kind", it.Kind.String(), "handle", fmt.Sprintf("%T", it.Handle))
	}
}

// List is an append-only list of pending releases. Adds may come from any
// goroutine; draining happens on the goroutine that owns the slot.
type List struct {
	mu    sync.Mutex
	items []Item
}

// Add appends a release. Nil handles are ignored.
func (l *List) Add(kind Kind, handle any) {
	if handle == nil {
		return
	}
	l.mu.Lock()
	l.items = append(l.items, Item{Kind: kind, Handle: handle})
	l.mu.Unlock()
}

// Len returns the number of pending releases.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Drain removes every item and passes it to fn, newest first.
func (l *List) Drain(fn func(Item)) {
	l.mu.Lock()
	items := l.items
	l.items = nil
	l.mu.Unlock()

	for i := len(items) - 1; i >= 0; i-- {
		fn(items[i])
	}
}

// Execute drains the list and destroys every item on device.
func (l *List) Execute(device hal.Device) int {
	n := 0
	l.Drain(func(it Item) {
		Release(device, it)
		n++
	})
	return n
}
