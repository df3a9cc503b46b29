// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

package cmdring

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/internal/destroy"
	"github.com/gogpu/rhi/internal/gpuerr"
	"github.com/gogpu/rhi/internal/logging"
)

// Defaults used when Config fields are zero.
const (
	DefaultDepth        = 8
	DefaultMaxRings     = 16
	DefaultFenceTimeout = 5 * time.Second
	DefaultUniformSize  = 64 << 10
	DefaultStorageSize  = 256 << 10
)

// Config sizes the rings created by a Registry.
type Config struct {
	Depth            int
	MaxRings         int
	FenceTimeout     time.Duration
	UniformSize      uint64
	StorageSize      uint64
	UniformAlignment uint64
	StorageAlignment uint64
}

func (c Config) withDefaults() Config {
	if c.Depth <= 0 {
		c.Depth = DefaultDepth
	}
	if c.MaxRings <= 0 {
		c.MaxRings = DefaultMaxRings
	}
	if c.FenceTimeout <= 0 {
		c.FenceTimeout = DefaultFenceTimeout
	}
	if c.UniformSize == 0 {
		c.UniformSize = DefaultUniformSize
	}
	if c.StorageSize == 0 {
		c.StorageSize = DefaultStorageSize
	}
	return c
}

// Registry creates rings and owns the queue submission lock.
type Registry struct {
	device hal.Device
	queue  hal.Queue
	cfg    Config

	mu    sync.Mutex
	rings []*Ring

	submitMu  sync.Mutex
	idleFence hal.Fence
	idleValue uint64
}

// NewRegistry creates an empty registry.
func NewRegistry(device hal.Device, queue hal.Queue, cfg Config) *Registry {
	return &Registry{device: device, queue: queue, cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (g *Registry) Config() Config { return g.cfg }

// Register creates a ring. Past the ring cap it logs and returns nil with
// ErrCapacity.
func (g *Registry) Register(label string) (*Ring, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.rings) >= g.cfg.MaxRings {
		logging.L().Error("cmdring: recorder limit reached", "max", g.cfg.MaxRings, "label", label)
		return nil, fmt.Errorf("%w: cmdring: %d recorders", gpuerr.ErrCapacity, g.cfg.MaxRings)
	}
	r, err := newRing(g, label)
	if err != nil {
		return nil, err
	}
	g.rings = append(g.rings, r)
	logging.L().Debug("cmdring: ring registered", "label", label, "depth", g.cfg.Depth)
	return r, nil
}

// Unregister closes r and frees its registry entry. It must be called from
// the goroutine that owns r.
func (g *Registry) Unregister(r *Ring) error {
	g.mu.Lock()
	i := slices.Index(g.rings, r)
	if i >= 0 {
		g.rings = slices.Delete(g.rings, i, i+1)
	}
	g.mu.Unlock()
	if i < 0 {
		return nil
	}
	return r.close()
}

// Len returns the number of registered rings.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rings)
}

// Submissions returns the total submissions across rings.
func (g *Registry) Submissions() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	var n uint64
	for _, r := range g.rings {
		n += r.Submissions()
	}
	return n
}

// Peak returns the largest per-frame uniform and storage usage across the
// registered rings.
func (g *Registry) Peak() (uniform, storage uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.rings {
		u, s := r.Peak()
		uniform, storage = max(uniform, u), max(storage, s)
	}
	return uniform, storage
}

// InFlight returns a token for the latest submission of every ring that has
// not completed yet.
func (g *Registry) InFlight() []destroy.Token {
	g.mu.Lock()
	defer g.mu.Unlock()
	var tokens []destroy.Token
	for _, r := range g.rings {
		if f := r.Last(); !f.Done() {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// submit hands one command buffer to the queue, then signals each external
// fence. Queue order guarantees the signals follow the work. submitted
// reports whether the queue took cmdBuf; a failed signal does not undo that.
func (g *Registry) submit(cmdBuf hal.CommandBuffer, fence hal.Fence, value uint64, signals []Signal) (submitted bool, err error) {
	g.submitMu.Lock()
	defer g.submitMu.Unlock()

	if err := g.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, value); err != nil {
		return false, fmt.Errorf("%w: cmdring: submit: %w", gpuerr.ErrDevice, err)
	}
	for _, sig := range signals {
		if sig.Fence == nil {
			continue
		}
		if serr := g.queue.Submit(nil, sig.Fence, sig.Value); serr != nil {
			err = errors.Join(err, fmt.Errorf("%w: cmdring: signal %d: %w", gpuerr.ErrDevice, sig.Value, serr))
		}
	}
	return true, err
}

// WaitIdle blocks until all work submitted so far has completed.
func (g *Registry) WaitIdle() error {
	g.submitMu.Lock()
	if g.idleFence == nil {
		fence, err := g.device.CreateFence()
		if err != nil {
			g.submitMu.Unlock()
			return fmt.Errorf("%w: cmdring: create idle fence: %w", gpuerr.ErrDevice, err)
		}
		g.idleFence = fence
	}
	g.idleValue++
	fence, value := g.idleFence, g.idleValue
	err := g.queue.Submit(nil, fence, value)
	g.submitMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: cmdring: idle submit: %w", gpuerr.ErrDevice, err)
	}

	ok, err := g.device.Wait(fence, value, g.cfg.FenceTimeout)
	if err != nil {
		return fmt.Errorf("%w: cmdring: wait idle: %w", gpuerr.ErrDevice, err)
	}
	if !ok {
		return fmt.Errorf("%w: cmdring: device not idle after %v", gpuerr.ErrDevice, g.cfg.FenceTimeout)
	}
	return nil
}

// Close closes every ring. Rings must not be recording.
func (g *Registry) Close() error {
	g.mu.Lock()
	rings := g.rings
	g.rings = nil
	g.mu.Unlock()

	var errs []error
	for _, r := range rings {
		if err := r.close(); err != nil {
			errs = append(errs, err)
		}
	}

	g.submitMu.Lock()
	if g.idleFence != nil {
		g.device.DestroyFence(g.idleFence)
		g.idleFence = nil
	}
	g.submitMu.Unlock()
	return errors.Join(errs...)
}
