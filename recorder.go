//go:build !nogpu

package rhi

import (
	"fmt"
	"sync/atomic"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/internal/bump"
	"github.com/gogpu/rhi/internal/cmdring"
	"github.com/gogpu/rhi/internal/destroy"
)

// Signal is an external fence signaled with Value once a submission has
// completed, e.g. the presentation layer's frame fence.
type Signal = cmdring.Signal

// Future tracks one submission. The zero Future is complete.
type Future = cmdring.Future

// Range is a span of a transient buffer valid until the recorder's slot is
// reused.
type Range struct {
	Buffer hal.Buffer
	Offset uint64
	Size   uint64
}

// Recorder records commands on one goroutine. It owns a ring of command
// slots so the CPU can run ahead of the GPU by the ring depth.
//
// Recording happens between Acquire and Release (reentrant; the outermost
// Release submits) or between Begin and End (one frame). A Recorder must
// only be used by the goroutine that created it.
type Recorder struct {
	ctx  *Context
	ring *cmdring.Ring

	// active mirrors the ring's open slot for readers on other goroutines.
	active atomic.Pointer[cmdring.Slot]

	pass   hal.RenderPassEncoder
	target *RenderTarget
}

// NewRecorder creates a recorder for the calling goroutine. At most
// WithMaxRecorders recorders exist at once; past that it returns ErrCapacity.
func (c *Context) NewRecorder(label string) (*Recorder, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	ring, err := c.rings.Register(label)
	if err != nil {
		return nil, err
	}
	return &Recorder{ctx: c, ring: ring}, nil
}

// Label returns the recorder label.
func (r *Recorder) Label() string { return r.ring.Label() }

// Recording reports whether a slot is open.
func (r *Recorder) Recording() bool { return r.ring.Recording() }

// Submissions returns how many command buffers the recorder submitted.
func (r *Recorder) Submissions() uint64 { return r.ring.Submissions() }

// Last returns the future of the latest submission.
func (r *Recorder) Last() Future { return r.ring.Last() }

// Acquire opens a recording scope. Nested calls share the open slot.
func (r *Recorder) Acquire() error {
	_, err := r.ring.Acquire()
	r.sync()
	return err
}

// Release closes a scope opened by Acquire. Closing the outermost scope
// submits the recorded commands.
func (r *Recorder) Release() error {
	if r.pass != nil && r.ring.Refs() == 1 {
		return fmt.Errorf("%w: %s: release with an open render pass", ErrNesting, r.Label())
	}
	err := r.ring.Release()
	r.sync()
	return err
}

// Begin opens a slot for a frame. No scope may be open.
func (r *Recorder) Begin() error {
	_, err := r.ring.Begin()
	r.sync()
	return err
}

// End submits the frame opened by Begin.
func (r *Recorder) End() error {
	_, err := r.EndAndSubmit()
	return err
}

// EndAndSubmit submits the frame opened by Begin and signals each external
// fence after it. When only a signal fails, the Future is still valid.
func (r *Recorder) EndAndSubmit(signals ...Signal) (Future, error) {
	if r.pass != nil {
		return Future{}, fmt.Errorf("%w: %s: end with an open render pass", ErrNesting, r.Label())
	}
	f, err := r.ring.EndAndSubmit(signals...)
	r.sync()
	return f, err
}

// Abort discards recorded commands without submitting them.
func (r *Recorder) Abort() {
	if r.pass != nil {
		r.pass.End()
		r.pass, r.target = nil, nil
	}
	r.ring.Abort()
	r.sync()
}

// Close waits for the recorder's work and frees its slots. The main
// recorder is closed by Context.Destroy.
func (r *Recorder) Close() error {
	r.Abort()
	return r.ctx.rings.Unregister(r.ring)
}

func (r *Recorder) sync() {
	r.active.Store(r.ring.Active())
}

// slot returns the open slot or ErrNesting.
func (r *Recorder) slot() (*cmdring.Slot, error) {
	s := r.ring.Active()
	if s == nil {
		return nil, fmt.Errorf("%w: %s: not recording", ErrNesting, r.Label())
	}
	return s, nil
}

// Encoder returns the encoder of the open slot, or nil when not recording.
// Commands recorded on it directly must not overlap a render pass.
func (r *Recorder) Encoder() hal.CommandEncoder {
	if s := r.ring.Active(); s != nil {
		return s.Encoder()
	}
	return nil
}

// deferRelease destroys a native object once the open slot's work has
// completed. Outside recording it falls back to the context's routing.
func (r *Recorder) deferRelease(kind destroy.Kind, handle any) {
	if s := r.ring.Active(); s != nil {
		s.Defer(kind, handle)
		return
	}
	r.ctx.release(kind, handle)
}

// WriteUniform copies data into the slot's transient uniform buffer.
func (r *Recorder) WriteUniform(data []byte) (Range, error) {
	s, err := r.slot()
	if err != nil {
		return Range{}, err
	}
	return toRange(s.Uniform.Write(data))
}

// WriteStorage copies data into the slot's transient storage buffer.
func (r *Recorder) WriteStorage(data []byte) (Range, error) {
	s, err := r.slot()
	if err != nil {
		return Range{}, err
	}
	return toRange(s.Storage.Write(data))
}

func toRange(a bump.Allocation, err error) (Range, error) {
	if err != nil {
		return Range{}, err
	}
	return Range{Buffer: a.Buffer, Offset: a.Offset, Size: a.Size}, nil
}
