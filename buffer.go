//go:build !nogpu

package rhi

import (
	"fmt"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/internal/destroy"
)

// BufferDesc describes a GPU buffer.
type BufferDesc struct {
	Label string
	Size  uint64
	Usage gputypes.BufferUsage
}

// Buffer is a long-lived GPU buffer. Per-frame data belongs in a
// recorder's transient allocators instead (Recorder.WriteUniform).
type Buffer struct {
	ctx       *Context
	buf       hal.Buffer
	desc      BufferDesc
	destroyed atomic.Bool
}

// NewBuffer creates a buffer. CopyDst is added so Write works.
func (c *Context) NewBuffer(desc BufferDesc) (*Buffer, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if desc.Size == 0 || desc.Size%4 != 0 {
		return nil, fmt.Errorf("%w: buffer %q size %d", ErrInvalidParameter, desc.Label, desc.Size)
	}
	desc.Usage |= gputypes.BufferUsageCopyDst
	buf, err := c.device.CreateBuffer(&hal.BufferDescriptor{
		Label:            desc.Label,
		Size:             desc.Size,
		Usage:            desc.Usage,
		MappedAtCreation: desc.Usage&gputypes.BufferUsageMapRead != 0,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create buffer %q: %w", ErrOutOfMemory, desc.Label, err)
	}
	return &Buffer{ctx: c, buf: buf, desc: desc}, nil
}

// Native returns the native buffer.
func (b *Buffer) Native() hal.Buffer { return b.buf }

// Size returns the buffer size in bytes.
func (b *Buffer) Size() uint64 { return b.desc.Size }

// Write copies data into the buffer at offset, ordered before the next
// submission.
func (b *Buffer) Write(offset uint64, data []byte) error {
	if b.destroyed.Load() {
		return fmt.Errorf("%w: buffer %q", ErrClosed, b.desc.Label)
	}
	if offset%4 != 0 || offset+uint64(len(data)) > b.desc.Size {
		return fmt.Errorf("%w: write of %d bytes at %d into buffer %q (%d bytes)",
			ErrInvalidParameter, len(data), offset, b.desc.Label, b.desc.Size)
	}
	if len(data) == 0 {
		return nil
	}
	if err := b.ctx.queue.WriteBuffer(b.buf, offset, data); err != nil {
		return fmt.Errorf("%w: write buffer %q: %w", ErrDevice, b.desc.Label, err)
	}
	return nil
}

// Read copies buffer contents at offset into out. The buffer needs MapRead
// usage. It waits for submitted work to finish first.
func (b *Buffer) Read(offset uint64, out []byte) error {
	if b.destroyed.Load() {
		return fmt.Errorf("%w: buffer %q", ErrClosed, b.desc.Label)
	}
	if b.desc.Usage&gputypes.BufferUsageMapRead == 0 {
		return fmt.Errorf("%w: buffer %q lacks MapRead usage", ErrInvalidParameter, b.desc.Label)
	}
	if offset+uint64(len(out)) > b.desc.Size {
		return fmt.Errorf("%w: read of %d bytes at %d from buffer %q", ErrInvalidParameter, len(out), offset, b.desc.Label)
	}
	if err := b.ctx.WaitIdle(); err != nil {
		return err
	}
	if err := b.ctx.queue.ReadBuffer(b.buf, offset, out); err != nil {
		return fmt.Errorf("%w: read buffer %q: %w", ErrDevice, b.desc.Label, err)
	}
	return nil
}

// Destroy releases the buffer once in-flight work no longer uses it.
func (b *Buffer) Destroy() {
	if !b.destroyed.CompareAndSwap(false, true) {
		return
	}
	b.ctx.release(destroy.Buffer, b.buf)
}
