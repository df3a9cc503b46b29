//go:build !nogpu

package rhi

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/internal/destroy"
	"github.com/gogpu/rhi/internal/logging"
	"github.com/gogpu/rhi/internal/renderlist"
)

type drawRef struct {
	mesh     *Mesh
	material *Material
}

// RenderList collects draws, then sorts and merges them into instanced
// draw calls. Items are ordered by material queue offset, mesh, material
// and sub-range; consecutive items with the same mesh, material and
// sub-range become one draw.
//
// A RenderList is not safe for concurrent use. Its GPU buffers are
// rewritten on each Draw, so draw a list at most once per submission.
type RenderList struct {
	ctx   *Context
	label string
	list  *renderlist.List[drawRef]

	instances growBuffer
	params    growBuffer
	arena     []byte
	offsets   map[*Material]uint64
	uploaded  int

	destroyed bool
}

// NewRenderList creates a list whose items carry instanceStride bytes of
// payload per instance. Shaders read it from the instance storage buffer
// (group 0, binding 1) at instance_index.
func (c *Context) NewRenderList(label string, instanceStride int) (*RenderList, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if instanceStride < 0 || instanceStride%4 != 0 {
		return nil, fmt.Errorf("%w: render list %q instance stride %d", ErrInvalidParameter, label, instanceStride)
	}
	return &RenderList{
		ctx:       c,
		label:     label,
		list:      renderlist.New[drawRef](instanceStride),
		instances: growBuffer{label: label + "_instances", usage: gputypes.BufferUsageStorage},
		params:    growBuffer{label: label + "_params", usage: gputypes.BufferUsageUniform | gputypes.BufferUsageStorage},
		offsets:   make(map[*Material]uint64),
		uploaded:  -1,
	}, nil
}

// Add queues instances draws of the whole mesh. payload holds
// instances*stride bytes.
func (l *RenderList) Add(mesh *Mesh, mat *Material, instances uint32, payload []byte) error {
	return l.AddRange(mesh, mat, SubRange{}, instances, payload)
}

// AddRange queues instances draws of part of a mesh.
func (l *RenderList) AddRange(mesh *Mesh, mat *Material, rng SubRange, instances uint32, payload []byte) error {
	if mesh == nil || mat == nil {
		return fmt.Errorf("%w: render list %q: nil mesh or material", ErrInvalidParameter, l.label)
	}
	err := l.list.Add(renderlist.Item[drawRef]{
		Ref:      drawRef{mesh: mesh, material: mat},
		Order:    mat.desc.Order,
		Mesh:     mesh.id,
		Material: mat.id,
		Range:    rng,
	}, instances, payload)
	if err != nil {
		return fmt.Errorf("%w: render list %q: %w", ErrInvalidParameter, l.label, err)
	}
	return nil
}

// Len returns the number of queued items.
func (l *RenderList) Len() int { return l.list.Len() }

// Instances returns the number of queued instances.
func (l *RenderList) Instances() int { return l.list.Instances() }

// Batches returns the number of draw calls the list currently produces.
func (l *RenderList) Batches() int {
	b, _ := l.list.Prepare()
	return len(b)
}

// Clear removes every item, keeping allocated memory.
func (l *RenderList) Clear() { l.list.Clear() }

// Draw records the list into rec's open render pass. system is the
// per-draw uniform block (group 0, binding 0), copied into the
// recorder's transient uniform buffer.
func (l *RenderList) Draw(rec *Recorder, system []byte) error {
	if l.destroyed {
		return fmt.Errorf("%w: render list %q", ErrClosed, l.label)
	}
	if rec.pass == nil {
		return fmt.Errorf("%w: render list %q", ErrNotInPass, l.label)
	}
	batches, payload := l.list.Prepare()
	if len(batches) == 0 {
		return nil
	}
	for _, b := range batches {
		if b.Ref.mesh.destroyed.Load() || b.Ref.material.destroyed.Load() {
			return fmt.Errorf("%w: render list %q references a destroyed mesh or material", ErrClosed, l.label)
		}
	}

	c := l.ctx
	instBuf, instSize := c.empty, uint64(emptyBufferSize)
	if len(payload) > 0 {
		if l.uploaded != l.list.Sorts() || l.instances.buf == nil {
			if err := l.instances.write(c, rec, payload); err != nil {
				return err
			}
			l.uploaded = l.list.Sorts()
		}
		instBuf, instSize = l.instances.buf, alignUp(uint64(len(payload)), 4)
	}

	l.arena = l.arena[:0]
	clear(l.offsets)
	for _, b := range batches {
		m := b.Ref.material
		if _, ok := l.offsets[m]; ok {
			continue
		}
		l.arena, l.offsets[m] = m.appendParams(l.arena)
	}
	paramBuf := c.empty
	if len(l.arena) > 0 {
		if err := l.params.write(c, rec, l.arena); err != nil {
			return err
		}
		paramBuf = l.params.buf
	}

	sys := Range{Buffer: c.empty, Size: emptyBufferSize}
	if len(system) > 0 {
		var err error
		if sys, err = rec.WriteUniform(system); err != nil {
			return err
		}
	}
	globals, err := c.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  l.label + "_globals",
		Layout: c.pipes.GlobalsLayout(),
		Entries: []gputypes.BindGroupEntry{
			{Binding: SystemBinding, Resource: gputypes.BufferBinding{
				Buffer: sys.Buffer.NativeHandle(), Offset: sys.Offset, Size: sys.Size,
			}},
			{Binding: InstanceBinding, Resource: gputypes.BufferBinding{
				Buffer: instBuf.NativeHandle(), Offset: 0, Size: instSize,
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: render list %q globals: %w", ErrDevice, l.label, err)
	}
	rec.deferRelease(destroy.BindGroup, globals)

	pass := rec.pass
	pass.SetBindGroup(0, globals, nil)
	var (
		pipeline hal.RenderPipeline
		material *Material
		mesh     *Mesh
	)
	for _, b := range batches {
		m, me := b.Ref.material, b.Ref.mesh
		p, err := c.pipes.Pipeline(m.handle, rec.target.pass, me.format)
		if err != nil {
			return fmt.Errorf("render list %q: %w", l.label, err)
		}
		if p != pipeline {
			pass.SetPipeline(p)
			pipeline = p
		}
		if m != material {
			bg, err := m.bindGroup(paramBuf, l.offsets[m])
			if err != nil {
				return err
			}
			rec.deferRelease(destroy.BindGroup, bg)
			pass.SetBindGroup(MaterialGroup, bg, nil)
			material = m
		}
		if me != mesh {
			me.bind(pass)
			mesh = me
		}
		me.draw(pass, b.Range, b.FirstInstance, b.InstanceCount)
	}
	return nil
}

// Destroy releases the list's GPU buffers.
func (l *RenderList) Destroy() {
	if l.destroyed {
		return
	}
	l.destroyed = true
	l.instances.destroy(l.ctx)
	l.params.destroy(l.ctx)
	l.list.Clear()
}

// growBuffer is a list-owned GPU buffer that grows to fit its data.
type growBuffer struct {
	label string
	usage gputypes.BufferUsage
	buf   hal.Buffer
	size  uint64
}

// write uploads data, replacing the buffer with a larger one when needed.
// The old buffer is released after the recorder's current slot completes.
func (b *growBuffer) write(c *Context, rec *Recorder, data []byte) error {
	need := alignUp(uint64(len(data)), 4)
	if need > b.size {
		size := max(need, 2*b.size, emptyBufferSize)
		buf, err := c.device.CreateBuffer(&hal.BufferDescriptor{
			Label: b.label,
			Size:  size,
			Usage: b.usage | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			return fmt.Errorf("%w: grow %s to %d bytes: %w", ErrOutOfMemory, b.label, size, err)
		}
		if b.buf != nil {
			rec.deferRelease(destroy.Buffer, b.buf)
		}
		logging.L().Debug("rhi: render list buffer grown", "label", b.label, "from", b.size, "to", size)
		b.buf, b.size = buf, size
	}
	if pad := need - uint64(len(data)); pad > 0 {
		data = append(data[:len(data):len(data)], make([]byte, pad)...)
	}
	if err := c.queue.WriteBuffer(b.buf, 0, data); err != nil {
		return fmt.Errorf("%w: upload %s: %w", ErrDevice, b.label, err)
	}
	return nil
}

func (b *growBuffer) destroy(c *Context) {
	if b.buf != nil {
		c.release(destroy.Buffer, b.buf)
		b.buf, b.size = nil, 0
	}
}
