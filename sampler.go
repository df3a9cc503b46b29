//go:build !nogpu

package rhi

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// SamplerDesc describes texture filtering and addressing. Equal
// descriptions share one native sampler.
type SamplerDesc struct {
	AddressU     gputypes.AddressMode
	AddressV     gputypes.AddressMode
	AddressW     gputypes.AddressMode
	MagFilter    gputypes.FilterMode
	MinFilter    gputypes.FilterMode
	MipmapFilter gputypes.FilterMode
}

// LinearClamp is the sampler bound when a material sets none.
var LinearClamp = SamplerDesc{
	AddressU:     gputypes.AddressModeClampToEdge,
	AddressV:     gputypes.AddressModeClampToEdge,
	AddressW:     gputypes.AddressModeClampToEdge,
	MagFilter:    gputypes.FilterModeLinear,
	MinFilter:    gputypes.FilterModeLinear,
	MipmapFilter: gputypes.FilterModeLinear,
}

// samplerCache creates each distinct sampler once.
type samplerCache struct {
	mu       sync.Mutex
	samplers map[SamplerDesc]hal.Sampler
}

func (c *samplerCache) get(device hal.Device, desc SamplerDesc) (hal.Sampler, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.samplers[desc]; ok {
		return s, nil
	}
	s, err := device.CreateSampler(&hal.SamplerDescriptor{
		Label:        "rhi_sampler",
		AddressModeU: desc.AddressU,
		AddressModeV: desc.AddressV,
		AddressModeW: desc.AddressW,
		MagFilter:    desc.MagFilter,
		MinFilter:    desc.MinFilter,
		MipmapFilter: desc.MipmapFilter,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create sampler: %w", ErrDevice, err)
	}
	if c.samplers == nil {
		c.samplers = make(map[SamplerDesc]hal.Sampler)
	}
	c.samplers[desc] = s
	return s, nil
}

func (c *samplerCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samplers)
}

// destroy releases every sampler. The device must be idle.
func (c *samplerCache) destroy(device hal.Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.samplers {
		device.DestroySampler(s)
	}
	c.samplers = nil
}

// Sampler returns the shared sampler for desc, creating it on first use.
// Samplers live until the context is destroyed.
func (c *Context) Sampler(desc SamplerDesc) (hal.Sampler, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.samplers.get(c.device, desc)
}
