//go:build !nogpu

package rhi

import (
	"fmt"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/internal/destroy"
	"github.com/gogpu/rhi/internal/logging"
)

// BindKind is the resource type of a material binding.
type BindKind uint8

// Bind kinds.
const (
	BindUniform BindKind = iota
	BindStorage
	BindTexture
	BindStorageTexture
	BindSampler
)

func (k BindKind) isBuffer() bool { return k == BindUniform || k == BindStorage }

// Variable is a named member of a uniform or storage block.
type Variable struct {
	Name   string
	Type   string
	Offset uint32
	Size   uint32
}

// Bind is one entry of a shader's material bind group (group 1).
type Bind struct {
	Name    string
	Binding uint32
	Kind    BindKind
	Stages  gputypes.ShaderStage

	// Size is the block size of buffer binds.
	Size uint32

	// Format is the format of storage texture binds.
	Format gputypes.TextureFormat

	Variables []Variable
}

// ShaderMeta is the reflection data shipped with a compiled shader. Group 0
// (system uniform and instance storage) is implied and not listed.
//
// A ShaderMeta may be shared by several shaders. It is reference counted;
// each shader created from it holds one reference.
type ShaderMeta struct {
	Binds        []Bind
	VertexInputs []Component
	VertexOps    uint32
	FragmentOps  uint32

	refs atomic.Int32
}

// Reference adds a reference and returns m.
func (m *ShaderMeta) Reference() *ShaderMeta {
	m.refs.Add(1)
	return m
}

// Release drops a reference and reports whether it was the last one.
func (m *ShaderMeta) Release() bool {
	return m.refs.Add(-1) == 0
}

// Refs returns the current reference count.
func (m *ShaderMeta) Refs() int32 { return m.refs.Load() }

// bind returns the bind with the given name.
func (m *ShaderMeta) bind(name string) (*Bind, bool) {
	for i := range m.Binds {
		if m.Binds[i].Name == name {
			return &m.Binds[i], true
		}
	}
	return nil, false
}

// variable finds a block member by name across all buffer binds.
func (m *ShaderMeta) variable(name string) (*Bind, *Variable, bool) {
	for i := range m.Binds {
		b := &m.Binds[i]
		if !b.Kind.isBuffer() {
			continue
		}
		for j := range b.Variables {
			if b.Variables[j].Name == name {
				return b, &b.Variables[j], true
			}
		}
	}
	return nil, nil, false
}

// validate checks bindings are unique and blocks hold their variables.
func (m *ShaderMeta) validate() error {
	seen := make(map[uint32]bool, len(m.Binds))
	for _, b := range m.Binds {
		if seen[b.Binding] {
			return fmt.Errorf("%w: duplicate binding %d (%s)", ErrInvalidParameter, b.Binding, b.Name)
		}
		seen[b.Binding] = true
		if b.Kind.isBuffer() && b.Size == 0 {
			return fmt.Errorf("%w: buffer bind %s has no size", ErrInvalidParameter, b.Name)
		}
		for _, v := range b.Variables {
			if v.Offset+v.Size > b.Size {
				return fmt.Errorf("%w: variable %s.%s overruns block", ErrInvalidParameter, b.Name, v.Name)
			}
		}
	}
	return nil
}

// layoutEntries returns the material bind group layout.
func (m *ShaderMeta) layoutEntries() []gputypes.BindGroupLayoutEntry {
	entries := make([]gputypes.BindGroupLayoutEntry, 0, len(m.Binds))
	for _, b := range m.Binds {
		e := gputypes.BindGroupLayoutEntry{Binding: b.Binding, Visibility: b.Stages}
		if e.Visibility == 0 {
			e.Visibility = gputypes.ShaderStageVertex | gputypes.ShaderStageFragment
		}
		switch b.Kind {
		case BindUniform:
			e.Buffer = &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform, MinBindingSize: uint64(b.Size)}
		case BindStorage:
			e.Buffer = &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage, MinBindingSize: uint64(b.Size)}
		case BindTexture:
			e.Texture = &gputypes.TextureBindingLayout{
				SampleType:    gputypes.TextureSampleTypeFloat,
				ViewDimension: gputypes.TextureViewDimension2D,
			}
		case BindStorageTexture:
			e.StorageTexture = &gputypes.StorageTextureBindingLayout{
				Access:        gputypes.StorageTextureAccessReadWrite,
				Format:        b.Format,
				ViewDimension: gputypes.TextureViewDimension2D,
			}
		case BindSampler:
			e.Sampler = &gputypes.SamplerBindingLayout{Type: gputypes.SamplerBindingTypeFiltering}
		}
		entries = append(entries, e)
	}
	return entries
}

// Default shader entry points.
const (
	DefaultVertexEntry   = "vs_main"
	DefaultFragmentEntry = "fs_main"
)

// ShaderDesc describes a shader from precompiled SPIR-V.
type ShaderDesc struct {
	Label    string
	Meta     *ShaderMeta
	Vertex   []uint32
	Fragment []uint32

	// Entry points default to vs_main and fs_main.
	VertexEntry   string
	FragmentEntry string
}

// Shader is a vertex and fragment stage pair with its reflection data.
// Materials hold references; the modules are released after the last one.
type Shader struct {
	ctx   *Context
	id    uint64
	label string
	meta  *ShaderMeta

	vertex, fragment hal.ShaderModule
	vsEntry, fsEntry string

	refs atomic.Int32
}

// NewShader creates a shader from SPIR-V words. Vertex and Fragment may
// alias the same module code.
func (c *Context) NewShader(desc ShaderDesc) (*Shader, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if desc.Meta == nil {
		return nil, fmt.Errorf("%w: shader %q has no metadata", ErrInvalidParameter, desc.Label)
	}
	if len(desc.Vertex) == 0 || len(desc.Fragment) == 0 {
		return nil, fmt.Errorf("%w: shader %q needs vertex and fragment code", ErrInvalidParameter, desc.Label)
	}
	if err := desc.Meta.validate(); err != nil {
		return nil, fmt.Errorf("shader %q: %w", desc.Label, err)
	}

	vs, err := c.createModule(desc.Label+"_vs", hal.ShaderSource{SPIRV: desc.Vertex})
	if err != nil {
		return nil, err
	}
	fs := vs
	if &desc.Fragment[0] != &desc.Vertex[0] {
		fs, err = c.createModule(desc.Label+"_fs", hal.ShaderSource{SPIRV: desc.Fragment})
		if err != nil {
			c.device.DestroyShaderModule(vs)
			return nil, err
		}
	}
	return c.newShader(desc, vs, fs), nil
}

// NewShaderFromWGSL compiles WGSL with both entry points (vs_main and
// fs_main) in one module.
func (c *Context) NewShaderFromWGSL(label, source string, meta *ShaderMeta) (*Shader, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	code, err := CompileWGSL(source)
	if err != nil {
		return nil, fmt.Errorf("shader %q: %w", label, err)
	}
	return c.NewShader(ShaderDesc{Label: label, Meta: meta, Vertex: code, Fragment: code})
}

// CompileWGSL compiles WGSL source to SPIR-V words.
func CompileWGSL(source string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("%w: compile WGSL: %w", ErrInvalidParameter, err)
	}

	// SPIR-V is little-endian 32-bit words.
	code := make([]uint32, len(spirvBytes)/4)
	for i := range code {
		code[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return code, nil
}

func (c *Context) createModule(label string, src hal.ShaderSource) (hal.ShaderModule, error) {
	m, err := c.device.CreateShaderModule(&hal.ShaderModuleDescriptor{Label: label, Source: src})
	if err != nil {
		return nil, fmt.Errorf("%w: create shader module %q: %w", ErrDevice, label, err)
	}
	return m, nil
}

func (c *Context) newShader(desc ShaderDesc, vs, fs hal.ShaderModule) *Shader {
	s := &Shader{
		ctx:      c,
		id:       c.nextID(),
		label:    desc.Label,
		meta:     desc.Meta.Reference(),
		vertex:   vs,
		fragment: fs,
		vsEntry:  entryOr(desc.VertexEntry, DefaultVertexEntry),
		fsEntry:  entryOr(desc.FragmentEntry, DefaultFragmentEntry),
	}
	s.refs.Store(1)
	logging.L().Debug("rhi: shader created", "label", desc.Label, "binds", len(desc.Meta.Binds))
	return s
}

func entryOr(entry, def string) string {
	if entry == "" {
		return def
	}
	return entry
}

// ID returns the shader's stable logical id.
func (s *Shader) ID() uint64 { return s.id }

// Meta returns the shader's reflection data.
func (s *Shader) Meta() *ShaderMeta { return s.meta }

// reference adds a holder, failing once the shader was released.
func (s *Shader) reference() error {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return fmt.Errorf("%w: shader %q", ErrClosed, s.label)
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// Release drops the caller's reference. Modules are released when no
// material holds the shader any more.
func (s *Shader) Release() {
	if s.refs.Add(-1) != 0 {
		return
	}
	s.ctx.release(destroy.ShaderModule, s.vertex)
	if s.fragment != s.vertex {
		s.ctx.release(destroy.ShaderModule, s.fragment)
	}
	s.meta.Release()
}
