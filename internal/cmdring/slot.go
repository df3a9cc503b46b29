// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

package cmdring

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/internal/bump"
	"github.com/gogpu/rhi/internal/destroy"
	"github.com/gogpu/rhi/internal/gpuerr"
)

// Slot is one entry of a ring: a reusable encoder, the command buffer it last
// produced, a timeline fence, and the per-frame resources that live exactly
// as long as the slot's GPU work.
type Slot struct {
	ring  *Ring
	index int

	encoder hal.CommandEncoder
	cmdBuf  hal.CommandBuffer
	fence   hal.Fence

	// value is the fence value of the last submission, seq its order
	// within the ring.
	value   uint64
	seq     uint64
	pending bool
	gen     atomic.Uint64

	// Destroy holds releases that must wait for this slot's fence.
	Destroy destroy.List

	// Uniform and Storage are transient per-frame allocators.
	Uniform *bump.Allocator
	Storage *bump.Allocator
}

// Encoder returns the encoder recording into this slot.
func (s *Slot) Encoder() hal.CommandEncoder { return s.encoder }

// Index returns the slot position within its ring.
func (s *Slot) Index() int { return s.index }

// Generation returns how many times the slot has been recycled.
func (s *Slot) Generation() uint64 { return s.gen.Load() }

// Defer schedules handle for destruction once this slot's work completes.
func (s *Slot) Defer(kind destroy.Kind, handle any) {
	s.Destroy.Add(kind, handle)
}

// done polls the fence without blocking.
func (s *Slot) done() bool {
	if !s.pending {
		return true
	}
	ok, err := s.ring.reg.device.Wait(s.fence, s.value, 0)
	return err == nil && ok
}

// wait blocks until the last submission completes or timeout elapses.
func (s *Slot) wait(timeout time.Duration) error {
	if !s.pending {
		return nil
	}
	ok, err := s.ring.reg.device.Wait(s.fence, s.value, timeout)
	if err != nil {
		return fmt.Errorf("%w: cmdring: wait slot %d: %w", gpuerr.ErrDevice, s.index, err)
	}
	if !ok {
		return fmt.Errorf("%w: cmdring: slot %d not signaled after %v", gpuerr.ErrDevice, s.index, timeout)
	}
	return nil
}

// recycle releases everything tied to the completed submission.
func (s *Slot) recycle() error {
	device := s.ring.reg.device
	if s.cmdBuf != nil {
		device.FreeCommandBuffer(s.cmdBuf)
		s.cmdBuf = nil
	}
	s.Destroy.Execute(device)
	s.pending = false
	s.gen.Add(1)

	errU := s.Uniform.Reset()
	errS := s.Storage.Reset()
	storeMax(&s.ring.uniformPeak, s.Uniform.Stats().HighWater)
	storeMax(&s.ring.storagePeak, s.Storage.Stats().HighWater)
	if errU != nil {
		return errU
	}
	return errS
}

func (s *Slot) release() {
	device := s.ring.reg.device
	s.Uniform.Destroy()
	s.Storage.Destroy()
	if s.fence != nil {
		device.DestroyFence(s.fence)
		s.fence = nil
	}
	if d, ok := s.encoder.(interface{ Destroy() }); ok {
		d.Destroy()
	}
	s.encoder = nil
}

// Future identifies one submission. The zero Future is complete.
type Future struct {
	slot  *Slot
	fence hal.Fence
	gen   uint64
	value uint64
}

// Done reports whether the submission finished executing on the GPU.
func (f Future) Done() bool {
	if f.slot == nil || f.slot.ring.closed.Load() {
		return true
	}
	ok, err := f.slot.ring.reg.device.Wait(f.fence, f.value, 0)
	return err == nil && ok
}

// Wait blocks until the submission completes or timeout elapses.
func (f Future) Wait(timeout time.Duration) error {
	if f.slot == nil || f.slot.ring.closed.Load() {
		return nil
	}
	ok, err := f.slot.ring.reg.device.Wait(f.fence, f.value, timeout)
	if err != nil {
		return fmt.Errorf("%w: cmdring: wait future: %w", gpuerr.ErrDevice, err)
	}
	if !ok {
		return fmt.Errorf("%w: cmdring: future not signaled after %v", gpuerr.ErrDevice, timeout)
	}
	return nil
}

// Stale reports whether the slot has been reused since the submission.
func (f Future) Stale() bool {
	return f.slot != nil && f.slot.gen.Load() != f.gen
}

// Value returns the fence value the submission signals.
func (f Future) Value() uint64 { return f.value }
