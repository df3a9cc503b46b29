// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

// Package bump provides linear per-frame GPU buffer allocators.
//
// An Allocator hands out aligned ranges of one primary buffer. The primary is
// sized to the high-water mark of the previous frame, so steady-state frames
// never allocate. When a frame outgrows it, overflow buffers absorb the rest
// and the primary is enlarged on the next Reset.
package bump

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/internal/gpuerr"
	"github.com/gogpu/rhi/internal/logging"
)

// DefaultAlignment is the offset alignment used when Config.Alignment is zero.
// It satisfies the minimum uniform and storage offset alignment of every
// backend.
const DefaultAlignment = 256

// Config describes an allocator.
type Config struct {
	Label       string
	Usage       gputypes.BufferUsage
	Alignment   uint64
	InitialSize uint64

	// Retire releases a primary buffer that is replaced while GPU work may
	// still reference it. Nil destroys it immediately.
	Retire func(hal.Buffer)
}

// Allocation is a range written by Write.
type Allocation struct {
	Buffer hal.Buffer
	Offset uint64
	Size   uint64
}

// Stats reports allocator usage.
type Stats struct {
	Capacity  uint64
	Used      uint64
	HighWater uint64
	Overflows int
	Grows     int
}

// Allocator is a linear sub-allocator. It is not safe for concurrent use;
// each command slot owns its allocators.
type Allocator struct {
	device hal.Device
	queue  hal.Queue
	cfg    Config

	primary  hal.Buffer
	capacity uint64
	offset   uint64

	overflow       []hal.Buffer
	overflowCap    uint64
	overflowOffset uint64

	used      uint64
	highWater uint64
	recording bool

	overflows int
	grows     int
}

// New creates an allocator. The primary buffer is created lazily.
func New(device hal.Device, queue hal.Queue, cfg Config) *Allocator {
	if cfg.Alignment == 0 {
		cfg.Alignment = DefaultAlignment
	}
	if cfg.Label == "" {
		cfg.Label = "bump"
	}
	cfg.Usage |= gputypes.BufferUsageCopyDst
	return &Allocator{device: device, queue: queue, cfg: cfg}
}

// Begin marks the start of a recording frame. Until Reset, running out of
// primary space creates overflow buffers instead of replacing the primary.
func (a *Allocator) Begin() {
	a.recording = true
}

// Write copies data into the allocator and returns where it landed.
func (a *Allocator) Write(data []byte) (Allocation, error) {
	if len(data) == 0 {
		return Allocation{}, fmt.Errorf("%w: bump: empty write", gpuerr.ErrInvalidParameter)
	}
	size := uint64(len(data))
	saved := a.save()
	alloc, err := a.alloc(size)
	if err != nil {
		return Allocation{}, err
	}
	if err := a.queue.WriteBuffer(alloc.Buffer, alloc.Offset, data); err != nil {
		a.rewind(saved)
		return Allocation{}, fmt.Errorf("%w: bump: write %d bytes to %s: %w", gpuerr.ErrDevice, size, a.cfg.Label, err)
	}
	return alloc, nil
}

// snapshot is an allocation position that a failed write rewinds to.
type snapshot struct {
	primary        hal.Buffer
	offset         uint64
	overflows      int
	overflowOffset uint64
	used           uint64
}

func (a *Allocator) save() snapshot {
	return snapshot{
		primary:        a.primary,
		offset:         a.offset,
		overflows:      len(a.overflow),
		overflowOffset: a.overflowOffset,
		used:           a.used,
	}
}

// rewind undoes the allocations made since s. Buffers created meanwhile are
// kept, empty.
func (a *Allocator) rewind(s snapshot) {
	a.used = s.used
	if a.primary == s.primary {
		a.offset = s.offset
	} else {
		a.offset = 0
	}
	if len(a.overflow) == s.overflows {
		a.overflowOffset = s.overflowOffset
	} else {
		a.overflowOffset = 0
	}
}

// Alloc reserves size bytes without writing them.
func (a *Allocator) Alloc(size uint64) (Allocation, error) {
	if size == 0 {
		return Allocation{}, fmt.Errorf("%w: bump: zero-size allocation", gpuerr.ErrInvalidParameter)
	}
	return a.alloc(size)
}

func (a *Allocator) alloc(size uint64) (Allocation, error) {
	alloc, err := a.place(size)
	if err == nil {
		a.used += alignUp(size, a.cfg.Alignment)
	}
	return alloc, err
}

func (a *Allocator) place(size uint64) (Allocation, error) {
	if a.primary == nil {
		if err := a.replacePrimary(max(a.cfg.InitialSize, a.highWater, size)); err != nil {
			return Allocation{}, err
		}
	}

	off := alignUp(a.offset, a.cfg.Alignment)
	if off+size <= a.capacity {
		a.offset = off + size
		return Allocation{Buffer: a.primary, Offset: off, Size: size}, nil
	}

	if !a.recording {
		if err := a.replacePrimary(max(a.capacity*2, size)); err != nil {
			return Allocation{}, err
		}
		a.grows++
		a.offset = size
		return Allocation{Buffer: a.primary, Offset: 0, Size: size}, nil
	}

	return a.allocOverflow(size)
}

func (a *Allocator) allocOverflow(size uint64) (Allocation, error) {
	if n := len(a.overflow); n > 0 {
		off := alignUp(a.overflowOffset, a.cfg.Alignment)
		if off+size <= a.overflowCap {
			a.overflowOffset = off + size
			return Allocation{Buffer: a.overflow[n-1], Offset: off, Size: size}, nil
		}
	}

	bufSize := alignUp(max(size, a.capacity), a.cfg.Alignment)
	buf, err := a.create(bufSize, "overflow")
	if err != nil {
		return Allocation{}, err
	}
	a.overflow = append(a.overflow, buf)
	a.overflowCap = bufSize
	a.overflowOffset = size
	a.overflows++

	logging.L().Debug("bump: overflow buffer",
		"label", a.cfg.Label, "size", bufSize, "primary", a.capacity)
	return Allocation{Buffer: buf, Offset: 0, Size: size}, nil
}

// Reset ends the frame. Overflow buffers are destroyed, the high-water mark
// is updated and the primary is enlarged if the frame outgrew it. Callers
// must only Reset once the GPU finished with the frame's allocations.
func (a *Allocator) Reset() error {
	for _, b := range a.overflow {
		a.device.DestroyBuffer(b)
	}
	clear(a.overflow)
	a.overflow = a.overflow[:0]
	a.overflowCap = 0
	a.overflowOffset = 0

	a.highWater = a.used
	a.used = 0
	a.offset = 0
	a.recording = false

	if a.primary != nil && a.highWater > a.capacity {
		a.grows++
		return a.replacePrimary(a.highWater)
	}
	return nil
}

// Stats returns allocator usage.
func (a *Allocator) Stats() Stats {
	return Stats{
		Capacity:  a.capacity,
		Used:      a.used,
		HighWater: a.highWater,
		Overflows: a.overflows,
		Grows:     a.grows,
	}
}

// Destroy releases every buffer immediately.
func (a *Allocator) Destroy() {
	for _, b := range a.overflow {
		a.device.DestroyBuffer(b)
	}
	a.overflow = nil
	if a.primary != nil {
		a.device.DestroyBuffer(a.primary)
		a.primary = nil
	}
	a.capacity = 0
}

func (a *Allocator) replacePrimary(size uint64) error {
	size = alignUp(size, a.cfg.Alignment)
	buf, err := a.create(size, "primary")
	if err != nil {
		return err
	}
	if a.primary != nil {
		if a.cfg.Retire != nil {
			a.cfg.Retire(a.primary)
		} else {
			a.device.DestroyBuffer(a.primary)
		}
		logging.L().Debug("bump: primary resized",
			"label", a.cfg.Label, "from", a.capacity, "to", size)
	}
	a.primary = buf
	a.capacity = size
	return nil
}

func (a *Allocator) create(size uint64, role string) (hal.Buffer, error) {
	buf, err := a.device.CreateBuffer(&hal.BufferDescriptor{
		Label: a.cfg.Label + "_" + role,
		Size:  size,
		Usage: a.cfg.Usage,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: bump: create %s buffer (%d bytes): %w",
			gpuerr.ErrOutOfMemory, role, size, err)
	}
	return buf, nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
