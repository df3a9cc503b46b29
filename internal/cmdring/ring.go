// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

// Package cmdring implements per-goroutine rings of command slots.
//
// A Ring cycles through a fixed number of slots. Each slot records one
// batch of commands, is submitted with its own timeline fence, and is reused
// only after that fence signals. Acquire/Release nest: the outermost Release
// submits. Begin/End bracket a whole frame and reject nesting mistakes.
//
// A Ring is owned by one goroutine. Rings are created through a Registry,
// which serializes queue submission across rings.
package cmdring

import (
	"fmt"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/internal/bump"
	"github.com/gogpu/rhi/internal/destroy"
	"github.com/gogpu/rhi/internal/gpuerr"
	"github.com/gogpu/rhi/internal/logging"
)

// Signal is an external fence value signaled after a submission completes.
type Signal struct {
	Fence hal.Fence
	Value uint64
}

// Ring is a circular array of command slots.
type Ring struct {
	reg   *Registry
	label string

	slots  []*Slot
	cursor int
	refs   int
	active *Slot
	seq    uint64

	submissions atomic.Uint64
	last        atomic.Pointer[Future]
	closed      atomic.Bool

	// Largest per-frame transient usage seen by any slot.
	uniformPeak atomic.Uint64
	storagePeak atomic.Uint64
}

func newRing(reg *Registry, label string) (*Ring, error) {
	r := &Ring{reg: reg, label: label}
	depth := reg.cfg.Depth
	r.slots = make([]*Slot, 0, depth)

	for i := range depth {
		fence, err := reg.device.CreateFence()
		if err != nil {
			r.closeSlots()
			return nil, fmt.Errorf("%w: cmdring %s: create fence %d: %w", gpuerr.ErrDevice, label, i, err)
		}
		s := &Slot{ring: r, index: i, fence: fence}
		retire := func(b hal.Buffer) { s.Destroy.Add(destroy.Buffer, b) }
		s.Uniform = bump.New(reg.device, reg.queue, bump.Config{
			Label:       fmt.Sprintf("%s_uniform_%d", label, i),
			Usage:       gputypes.BufferUsageUniform,
			Alignment:   reg.cfg.UniformAlignment,
			InitialSize: reg.cfg.UniformSize,
			Retire:      retire,
		})
		s.Storage = bump.New(reg.device, reg.queue, bump.Config{
			Label:       fmt.Sprintf("%s_storage_%d", label, i),
			Usage:       gputypes.BufferUsageStorage,
			Alignment:   reg.cfg.StorageAlignment,
			InitialSize: reg.cfg.StorageSize,
			Retire:      retire,
		})
		r.slots = append(r.slots, s)
	}
	return r, nil
}

// Label returns the ring label.
func (r *Ring) Label() string { return r.label }

// Depth returns the number of slots.
func (r *Ring) Depth() int { return len(r.slots) }

// Refs returns the current nesting depth.
func (r *Ring) Refs() int { return r.refs }

// Recording reports whether a slot is open.
func (r *Ring) Recording() bool { return r.active != nil }

// Active returns the open slot, or nil.
func (r *Ring) Active() *Slot { return r.active }

// Submissions returns how many batches the ring has submitted.
func (r *Ring) Submissions() uint64 { return r.submissions.Load() }

// Peak returns the largest uniform and storage bytes one frame of this ring
// has used.
func (r *Ring) Peak() (uniform, storage uint64) {
	return r.uniformPeak.Load(), r.storagePeak.Load()
}

func storeMax(v *atomic.Uint64, n uint64) {
	for {
		old := v.Load()
		if n <= old || v.CompareAndSwap(old, n) {
			return
		}
	}
}

// Last returns the future of the most recent submission.
func (r *Ring) Last() Future {
	if f := r.last.Load(); f != nil {
		return *f
	}
	return Future{}
}

// Acquire opens the active slot, or a new one when none is open.
func (r *Ring) Acquire() (*Slot, error) {
	if r.closed.Load() {
		return nil, fmt.Errorf("%w: cmdring %s", gpuerr.ErrClosed, r.label)
	}
	if r.refs > 0 {
		r.refs++
		return r.active, nil
	}
	s, err := r.open()
	if err != nil {
		return nil, err
	}
	r.refs = 1
	return s, nil
}

// Release closes one Acquire. The outermost Release submits the slot.
func (r *Ring) Release() error {
	if r.refs == 0 {
		return fmt.Errorf("%w: cmdring %s: release without acquire", gpuerr.ErrNesting, r.label)
	}
	r.refs--
	if r.refs > 0 {
		return nil
	}
	_, err := r.submit(nil)
	return err
}

// Begin opens a slot for a whole frame. It fails if any scope is open.
func (r *Ring) Begin() (*Slot, error) {
	if r.refs != 0 {
		return nil, fmt.Errorf("%w: cmdring %s: begin with %d open scopes", gpuerr.ErrNesting, r.label, r.refs)
	}
	return r.Acquire()
}

// End submits the slot opened by Begin.
func (r *Ring) End() error {
	_, err := r.EndAndSubmit()
	return err
}

// EndAndSubmit submits the slot opened by Begin and signals each external
// fence after it. Every nested Acquire must have been released. If only a
// signal fails, the work is still submitted: the returned Future is valid
// alongside the error.
func (r *Ring) EndAndSubmit(signals ...Signal) (Future, error) {
	if r.refs != 1 {
		return Future{}, fmt.Errorf("%w: cmdring %s: end with %d open scopes", gpuerr.ErrNesting, r.label, r.refs)
	}
	r.refs = 0
	return r.submit(signals)
}

// Abort discards the open slot without submitting.
func (r *Ring) Abort() {
	if r.active == nil {
		return
	}
	r.active.encoder.DiscardEncoding()
	r.active = nil
	r.refs = 0
}

// open selects the first free slot in ring order starting at the cursor,
// waiting on the oldest submission when every slot is busy, and begins
// encoding.
func (r *Ring) open() (*Slot, error) {
	s := r.pick()
	if !s.done() {
		if err := s.wait(r.reg.cfg.FenceTimeout); err != nil {
			logging.L().Error("cmdring: slot wait failed", "ring", r.label, "slot", s.index, "err", err)
			return nil, err
		}
	}
	if err := s.recycle(); err != nil {
		return nil, err
	}

	if s.encoder == nil {
		enc, err := r.reg.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
			Label: fmt.Sprintf("%s_%d", r.label, s.index),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: cmdring %s: create encoder: %w", gpuerr.ErrDevice, r.label, err)
		}
		s.encoder = enc
	}
	if err := s.encoder.BeginEncoding(r.label); err != nil {
		return nil, fmt.Errorf("%w: cmdring %s: begin encoding: %w", gpuerr.ErrDevice, r.label, err)
	}

	s.Uniform.Begin()
	s.Storage.Begin()
	r.cursor = (s.index + 1) % len(r.slots)
	r.active = s
	return s, nil
}

// pick returns the first slot from the cursor whose fence has signaled, or
// the slot holding the oldest submission.
func (r *Ring) pick() *Slot {
	var oldest *Slot
	for i := range r.slots {
		s := r.slots[(r.cursor+i)%len(r.slots)]
		if s.done() {
			return s
		}
		if oldest == nil || s.seq < oldest.seq {
			oldest = s
		}
	}
	return oldest
}

func (r *Ring) submit(signals []Signal) (Future, error) {
	s := r.active
	r.active = nil

	cmdBuf, err := s.encoder.EndEncoding()
	if err != nil {
		return Future{}, fmt.Errorf("%w: cmdring %s: end encoding: %w", gpuerr.ErrDevice, r.label, err)
	}

	value := s.value + 1
	submitted, err := r.reg.submit(cmdBuf, s.fence, value, signals)
	if !submitted {
		r.reg.device.FreeCommandBuffer(cmdBuf)
		return Future{}, err
	}

	r.seq++
	s.cmdBuf = cmdBuf
	s.value = value
	s.seq = r.seq
	s.pending = true
	r.submissions.Add(1)

	f := Future{slot: s, fence: s.fence, gen: s.gen.Load(), value: value}
	r.last.Store(&f)
	if err != nil {
		logging.L().Warn("cmdring: external signal failed", "ring", r.label, "slot", s.index, "err", err)
	}
	return f, err
}

// Wait blocks until every submitted slot completed.
func (r *Ring) Wait() error {
	for _, s := range r.slots {
		if err := s.wait(r.reg.cfg.FenceTimeout); err != nil {
			return err
		}
	}
	return nil
}

// close waits for outstanding work, runs every slot's destroy list and
// releases the ring's native objects.
func (r *Ring) close() error {
	if r.closed.Load() {
		return nil
	}
	r.Abort()
	err := r.Wait()
	for _, s := range r.slots {
		if rerr := s.recycle(); rerr != nil && err == nil {
			err = rerr
		}
	}
	r.closeSlots()
	r.closed.Store(true)
	return err
}

func (r *Ring) closeSlots() {
	for _, s := range r.slots {
		s.release()
	}
	r.slots = nil
}
