//go:build !nogpu

package rhi

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/internal/destroy"
	"github.com/gogpu/rhi/internal/logging"
	"github.com/gogpu/rhi/internal/pipecache"
	"github.com/gogpu/rhi/internal/renderlist"
)

// SubRange selects part of a mesh. The zero value draws the whole mesh.
// For meshes without indices, FirstIndex and IndexCount select vertices.
type SubRange = renderlist.SubRange

// MeshDesc describes interleaved vertex data and optional indices.
type MeshDesc struct {
	Label    string
	Format   VertexFormat
	Vertices []byte

	// Indices are stored as uint16 when every value fits.
	Indices []uint32
}

// Mesh is immutable geometry in GPU buffers.
type Mesh struct {
	ctx    *Context
	id     uint64
	label  string
	format pipecache.Handle

	vertex      hal.Buffer
	index       hal.Buffer
	indexFormat gputypes.IndexFormat
	vertexCount uint32
	indexCount  uint32

	destroyed atomic.Bool
}

// NewMesh uploads vertices and indices.
func (c *Context) NewMesh(desc MeshDesc) (*Mesh, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	h, err := c.pipes.RegisterVertexFormat(desc.Format)
	if err != nil {
		return nil, fmt.Errorf("mesh %q: %w", desc.Label, err)
	}
	layout, err := c.pipes.VertexLayout(h)
	if err != nil {
		_ = c.pipes.UnregisterVertexFormat(h)
		return nil, err
	}
	if len(desc.Vertices) == 0 || uint64(len(desc.Vertices))%layout.Stride != 0 {
		_ = c.pipes.UnregisterVertexFormat(h)
		return nil, fmt.Errorf("%w: mesh %q: %d vertex bytes with stride %d",
			ErrInvalidParameter, desc.Label, len(desc.Vertices), layout.Stride)
	}

	m := &Mesh{
		ctx:         c,
		id:          c.nextID(),
		label:       desc.Label,
		format:      h,
		vertexCount: uint32(uint64(len(desc.Vertices)) / layout.Stride), //nolint:gosec // bounded by buffer size
		indexCount:  uint32(len(desc.Indices)),                          //nolint:gosec // bounded by buffer size
	}
	m.vertex, err = c.uploadBuffer(desc.Label+"_vertices", gputypes.BufferUsageVertex, desc.Vertices)
	if err != nil {
		m.rollback()
		return nil, err
	}
	if len(desc.Indices) > 0 {
		var data []byte
		data, m.indexFormat = packIndices(desc.Indices)
		m.index, err = c.uploadBuffer(desc.Label+"_indices", gputypes.BufferUsageIndex, data)
		if err != nil {
			m.rollback()
			return nil, err
		}
	}
	logging.L().Debug("rhi: mesh created", "label", desc.Label, "vertices", m.vertexCount, "indices", m.indexCount)
	return m, nil
}

// packIndices encodes indices little-endian, as uint16 when they fit.
func packIndices(indices []uint32) ([]byte, gputypes.IndexFormat) {
	if slices.Max(indices) <= math.MaxUint16 {
		out := make([]byte, 0, len(indices)*2)
		for _, i := range indices {
			out = binary.LittleEndian.AppendUint16(out, uint16(i)) //nolint:gosec // checked above
		}
		return out, gputypes.IndexFormatUint16
	}
	out := make([]byte, 0, len(indices)*4)
	for _, i := range indices {
		out = binary.LittleEndian.AppendUint32(out, i)
	}
	return out, gputypes.IndexFormatUint32
}

// uploadBuffer creates a buffer holding data, padded to 4 bytes.
func (c *Context) uploadBuffer(label string, usage gputypes.BufferUsage, data []byte) (hal.Buffer, error) {
	size := alignUp(uint64(len(data)), 4)
	buf, err := c.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: usage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create %s (%d bytes): %w", ErrOutOfMemory, label, size, err)
	}
	if pad := size - uint64(len(data)); pad > 0 {
		data = append(slices.Clip(data), make([]byte, pad)...)
	}
	if err := c.queue.WriteBuffer(buf, 0, data); err != nil {
		c.device.DestroyBuffer(buf)
		return nil, fmt.Errorf("%w: upload %s: %w", ErrDevice, label, err)
	}
	return buf, nil
}

func (m *Mesh) rollback() {
	if m.vertex != nil {
		m.ctx.device.DestroyBuffer(m.vertex)
	}
	_ = m.ctx.pipes.UnregisterVertexFormat(m.format)
}

// ID returns the mesh's stable logical id.
func (m *Mesh) ID() uint64 { return m.id }

// VertexCount returns the number of vertices.
func (m *Mesh) VertexCount() uint32 { return m.vertexCount }

// IndexCount returns the number of indices, zero for non-indexed meshes.
func (m *Mesh) IndexCount() uint32 { return m.indexCount }

// bind sets the mesh's vertex and index buffers.
func (m *Mesh) bind(pass hal.RenderPassEncoder) {
	pass.SetVertexBuffer(0, m.vertex, 0)
	if m.index != nil {
		pass.SetIndexBuffer(m.index, m.indexFormat, 0)
	}
}

// draw issues one instanced draw of rng.
func (m *Mesh) draw(pass hal.RenderPassEncoder, rng SubRange, firstInstance, instances uint32) {
	if m.index == nil {
		count := rng.IndexCount
		if count == 0 {
			count = m.vertexCount - min(rng.FirstIndex, m.vertexCount)
		}
		pass.Draw(count, instances, rng.FirstIndex, firstInstance)
		return
	}
	count := rng.IndexCount
	if count == 0 {
		count = m.indexCount - min(rng.FirstIndex, m.indexCount)
	}
	pass.DrawIndexed(count, instances, rng.FirstIndex, rng.VertexOffset, firstInstance)
}

// Destroy releases the buffers once in-flight work no longer uses them.
func (m *Mesh) Destroy() {
	if !m.destroyed.CompareAndSwap(false, true) {
		return
	}
	m.ctx.release(destroy.Buffer, m.vertex)
	if m.index != nil {
		m.ctx.release(destroy.Buffer, m.index)
	}
	if m.ctx.closed.Load() {
		return
	}
	if err := m.ctx.pipes.UnregisterVertexFormat(m.format); err != nil {
		logging.L().Warn("rhi: unregister vertex format", "mesh", m.label, "err", err)
	}
}
