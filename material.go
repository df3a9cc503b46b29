//go:build !nogpu

package rhi

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/internal/logging"
	"github.com/gogpu/rhi/internal/pipecache"
	"github.com/gogpu/rhi/internal/texstate"
)

// paramAlignment is the offset alignment of buffer blocks in the material
// parameter arena.
const paramAlignment = 256

// MaterialDesc is the fixed-function state and shader of a material.
// Materials with equal descriptions share one pipeline-cache slot.
type MaterialDesc struct {
	Label  string
	Shader *Shader

	// Order is the queue offset; lower draws first.
	Order int32

	Topology     gputypes.PrimitiveTopology
	FrontFace    gputypes.FrontFace
	Cull         gputypes.CullMode
	DepthTest    bool
	DepthWrite   bool
	DepthCompare gputypes.CompareFunction
	Blend        Blend

	// WriteMask defaults to all channels.
	WriteMask gputypes.ColorWriteMask
}

// Material is a shader plus its fixed-function state and bound resources.
// Parameter and texture setters are safe for concurrent use with Draw.
type Material struct {
	ctx    *Context
	id     uint64
	desc   MaterialDesc
	shader *Shader
	handle pipecache.Handle
	layout hal.BindGroupLayout

	mu       sync.Mutex
	params   []byte
	offsets  map[uint32]uint64
	textures map[uint32]*Texture
	samplers map[uint32]hal.Sampler

	destroyed atomic.Bool
}

// NewMaterial creates a material. It holds a reference to desc.Shader
// until destroyed.
func (c *Context) NewMaterial(desc MaterialDesc) (*Material, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	s := desc.Shader
	if s == nil {
		return nil, fmt.Errorf("%w: material %q has no shader", ErrInvalidParameter, desc.Label)
	}
	if err := s.reference(); err != nil {
		return nil, err
	}
	if desc.WriteMask == 0 {
		desc.WriteMask = gputypes.ColorWriteMaskAll
	}

	h, err := c.pipes.RegisterMaterial(pipecache.MaterialDesc{
		Shader:       s.id,
		Topology:     desc.Topology,
		FrontFace:    desc.FrontFace,
		Cull:         desc.Cull,
		DepthTest:    desc.DepthTest,
		DepthWrite:   desc.DepthWrite,
		DepthCompare: desc.DepthCompare,
		Blend:        desc.Blend,
		WriteMask:    desc.WriteMask,
	}, &pipecache.ShaderStages{
		Vertex:        s.vertex,
		VertexEntry:   s.vsEntry,
		Fragment:      s.fragment,
		FragmentEntry: s.fsEntry,
		Bindings:      s.meta.layoutEntries(),
	})
	if err != nil {
		s.Release()
		return nil, fmt.Errorf("material %q: %w", desc.Label, err)
	}
	layout, err := c.pipes.MaterialBindLayout(h)
	if err != nil {
		_ = c.pipes.UnregisterMaterial(h)
		s.Release()
		return nil, err
	}

	m := &Material{
		ctx:      c,
		id:       c.nextID(),
		desc:     desc,
		shader:   s,
		handle:   h,
		layout:   layout,
		offsets:  make(map[uint32]uint64),
		textures: make(map[uint32]*Texture),
		samplers: make(map[uint32]hal.Sampler),
	}
	var size uint64
	for _, b := range s.meta.Binds {
		if !b.Kind.isBuffer() {
			continue
		}
		size = alignUp(size, paramAlignment)
		m.offsets[b.Binding] = size
		size += uint64(b.Size)
	}
	m.params = make([]byte, size)
	return m, nil
}

// ID returns the material's stable logical id.
func (m *Material) ID() uint64 { return m.id }

// Desc returns the material description.
func (m *Material) Desc() MaterialDesc { return m.desc }

// SetParam writes a block variable, or a whole block when name is a buffer
// bind. Unknown names are logged and ignored.
func (m *Material) SetParam(name string, data []byte) error {
	meta := m.shader.meta
	var (
		binding uint32
		offset  uint32
		size    uint32
	)
	if b, v, ok := meta.variable(name); ok {
		binding, offset, size = b.Binding, v.Offset, v.Size
	} else if b, ok := meta.bind(name); ok && b.Kind.isBuffer() {
		binding, size = b.Binding, b.Size
	} else {
		logging.L().Warn("rhi: material parameter not in shader", "material", m.desc.Label, "name", name)
		return nil
	}
	if uint32(len(data)) > size { //nolint:gosec // compared against a uint32 block size
		return fmt.Errorf("%w: material %q: %d bytes for %s (%d)", ErrInvalidParameter, m.desc.Label, len(data), name, size)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.params[m.offsets[binding]+uint64(offset):], data)
	return nil
}

// SetTexture binds tex to a texture or storage texture bind and queues
// the transition that makes it shader-accessible before the next pass.
// Unknown names are logged and ignored.
func (m *Material) SetTexture(name string, tex *Texture) error {
	b, ok := m.shader.meta.bind(name)
	if !ok || (b.Kind != BindTexture && b.Kind != BindStorageTexture) {
		logging.L().Warn("rhi: material texture not in shader", "material", m.desc.Label, "name", name)
		return nil
	}
	if tex == nil || tex.destroyed.Load() {
		return fmt.Errorf("%w: material %q: texture for %s", ErrInvalidParameter, m.desc.Label, name)
	}
	access, need := texstate.Read, gputypes.TextureUsageTextureBinding
	if b.Kind == BindStorageTexture {
		access, need = texstate.Storage, gputypes.TextureUsageStorageBinding
	}
	if tex.desc.Usage&need == 0 {
		return fmt.Errorf("%w: material %q: texture %q lacks usage for %s", ErrInvalidParameter, m.desc.Label, tex.desc.Label, name)
	}

	m.mu.Lock()
	m.textures[b.Binding] = tex
	m.mu.Unlock()
	m.ctx.transitions.Enqueue(tex.state, tex.tex, access)
	return nil
}

// SetSampler binds the shared sampler for desc. Unknown names are logged
// and ignored.
func (m *Material) SetSampler(name string, desc SamplerDesc) error {
	b, ok := m.shader.meta.bind(name)
	if !ok || b.Kind != BindSampler {
		logging.L().Warn("rhi: material sampler not in shader", "material", m.desc.Label, "name", name)
		return nil
	}
	s, err := m.ctx.Sampler(desc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.samplers[b.Binding] = s
	m.mu.Unlock()
	return nil
}

// appendParams appends the parameter block to arena at an aligned offset
// and returns the new arena and that offset.
func (m *Material) appendParams(arena []byte) ([]byte, uint64) {
	off := alignUp(uint64(len(arena)), paramAlignment)
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.params) == 0 {
		return arena, off
	}
	arena = append(arena, make([]byte, off-uint64(len(arena)))...)
	return append(arena, m.params...), off
}

// bindGroup creates the material's group 1 with its blocks at base within
// params. Unset textures bind a white texture; unset samplers bind
// LinearClamp.
func (m *Material) bindGroup(params hal.Buffer, base uint64) (hal.BindGroup, error) {
	meta := m.shader.meta
	entries := make([]gputypes.BindGroupEntry, 0, len(meta.Binds))

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range meta.Binds {
		e := gputypes.BindGroupEntry{Binding: b.Binding}
		switch b.Kind {
		case BindUniform, BindStorage:
			e.Resource = gputypes.BufferBinding{
				Buffer: params.NativeHandle(),
				Offset: base + m.offsets[b.Binding],
				Size:   uint64(b.Size),
			}
		case BindTexture, BindStorageTexture:
			tex := m.textures[b.Binding]
			if tex == nil || tex.destroyed.Load() {
				if b.Kind == BindStorageTexture {
					return nil, fmt.Errorf("%w: material %q: storage texture %s not set", ErrInvalidParameter, m.desc.Label, b.Name)
				}
				tex = m.ctx.fallback
			}
			e.Resource = gputypes.TextureViewBinding{TextureView: tex.view.NativeHandle()}
		case BindSampler:
			s := m.samplers[b.Binding]
			if s == nil {
				var err error
				if s, err = m.ctx.samplers.get(m.ctx.device, LinearClamp); err != nil {
					return nil, err
				}
			}
			e.Resource = gputypes.SamplerBinding{Sampler: s.NativeHandle()}
		}
		entries = append(entries, e)
	}

	bg, err := m.ctx.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   m.desc.Label + "_bind_group",
		Layout:  m.layout,
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: material %q bind group: %w", ErrDevice, m.desc.Label, err)
	}
	return bg, nil
}

// Destroy releases the material's cache slot and shader reference.
func (m *Material) Destroy() {
	if !m.destroyed.CompareAndSwap(false, true) || m.ctx.closed.Load() {
		return
	}
	if err := m.ctx.pipes.UnregisterMaterial(m.handle); err != nil {
		logging.L().Warn("rhi: unregister material", "material", m.desc.Label, "err", err)
	}
	m.shader.Release()
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
