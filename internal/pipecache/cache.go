//go:build !nogpu

// Package pipecache caches render pipelines along three independent
// dimensions: material, render pass and vertex format.
//
// Each dimension is a fixed-capacity table of reference-counted, deduplicated
// descriptions. A pipeline is built lazily the first time a (material, pass,
// vertex format) triple is drawn and lives until any of its three slots is
// unregistered. Viewport and scissor are always dynamic, so resizing a
// target never invalidates a pipeline.
package pipecache

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/internal/destroy"
	"github.com/gogpu/rhi/internal/gpuerr"
	"github.com/gogpu/rhi/internal/logging"
)

// Default table capacities.
const (
	DefaultMaxMaterials     = 256
	DefaultMaxRenderPasses  = 32
	DefaultMaxVertexFormats = 32
)

// Config sizes a Cache.
type Config struct {
	MaxMaterials     int
	MaxRenderPasses  int
	MaxVertexFormats int

	// Globals describes bind group 0, shared by every material.
	Globals []gputypes.BindGroupLayoutEntry

	// Release destroys objects that GPU work may still reference.
	// Nil destroys immediately.
	Release func(kind destroy.Kind, handle any)
}

// Stats reports cache activity.
type Stats struct {
	Hits          uint64
	Misses        uint64
	Builds        uint64
	Materials     int
	RenderPasses  int
	VertexFormats int
	Pipelines     int
}

type material struct {
	stages     ShaderStages
	bindLayout hal.BindGroupLayout
	pipeLayout hal.PipelineLayout
}

// Cache is safe for concurrent use.
type Cache struct {
	device hal.Device
	cfg    Config

	mu        sync.RWMutex
	materials *table[MaterialDesc, *material]
	passes    *table[RenderPassDesc, struct{}]
	vertices  *table[VertexFormatDesc, VertexLayout]
	pipelines []hal.RenderPipeline
	live      int

	globals hal.BindGroupLayout

	hits   atomic.Uint64
	misses atomic.Uint64
	builds atomic.Uint64
}

// New creates a cache and the shared globals bind group layout.
func New(device hal.Device, cfg Config) (*Cache, error) {
	if cfg.MaxMaterials <= 0 {
		cfg.MaxMaterials = DefaultMaxMaterials
	}
	if cfg.MaxRenderPasses <= 0 {
		cfg.MaxRenderPasses = DefaultMaxRenderPasses
	}
	if cfg.MaxVertexFormats <= 0 {
		cfg.MaxVertexFormats = DefaultMaxVertexFormats
	}

	globals, err := device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   "rhi_globals_layout",
		Entries: cfg.Globals,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: pipecache: globals layout: %w", gpuerr.ErrDevice, err)
	}

	return &Cache{
		device:    device,
		cfg:       cfg,
		materials: newTable[MaterialDesc, *material](cfg.MaxMaterials),
		passes:    newTable[RenderPassDesc, struct{}](cfg.MaxRenderPasses),
		vertices:  newTable[VertexFormatDesc, VertexLayout](cfg.MaxVertexFormats),
		pipelines: make([]hal.RenderPipeline, cfg.MaxMaterials*cfg.MaxRenderPasses*cfg.MaxVertexFormats),
		globals:   globals,
	}, nil
}

// GlobalsLayout returns the layout of bind group 0.
func (c *Cache) GlobalsLayout() hal.BindGroupLayout { return c.globals }

// =============================================================================
// Materials
// =============================================================================

// RegisterMaterial returns the slot for desc, creating it on first use.
// stages are only consulted when a new slot is created.
func (c *Cache) RegisterMaterial(desc MaterialDesc, stages *ShaderStages) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, h, ok := c.materials.acquire(desc)
	if ok {
		return idx, nil
	}
	if stages == nil || stages.Vertex == nil || stages.Fragment == nil {
		return InvalidHandle, fmt.Errorf("%w: pipecache: material needs vertex and fragment modules", gpuerr.ErrInvalidParameter)
	}
	if c.materials.len() == c.materials.capacity() {
		return InvalidHandle, c.full("material", c.materials.capacity())
	}

	bgl, err := c.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   "rhi_material_layout",
		Entries: stages.Bindings,
	})
	if err != nil {
		return InvalidHandle, fmt.Errorf("%w: pipecache: material bind layout: %w", gpuerr.ErrDevice, err)
	}
	pl, err := c.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "rhi_material_pipeline_layout",
		BindGroupLayouts: []hal.BindGroupLayout{c.globals, bgl},
	})
	if err != nil {
		c.device.DestroyBindGroupLayout(bgl)
		return InvalidHandle, fmt.Errorf("%w: pipecache: pipeline layout: %w", gpuerr.ErrDevice, err)
	}

	m := &material{stages: *stages, bindLayout: bgl, pipeLayout: pl}
	m.stages.Bindings = append([]gputypes.BindGroupLayoutEntry(nil), stages.Bindings...)
	idx, _ = c.materials.insert(desc, h, m)
	return idx, nil
}

// MaterialBindLayout returns the layout of the material's bind group 1.
func (c *Cache) MaterialBindLayout(h Handle) (hal.BindGroupLayout, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.materials.get(h)
	if !ok {
		return nil, fmt.Errorf("%w: pipecache: material %d", gpuerr.ErrInvalidParameter, h)
	}
	return e.val.bindLayout, nil
}

// UnregisterMaterial drops one reference. The last reference evicts every
// pipeline built for the material and releases its layouts.
func (c *Cache) UnregisterMaterial(h Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, last, ok := c.materials.release(h)
	if !ok {
		return fmt.Errorf("%w: pipecache: material %d", gpuerr.ErrInvalidParameter, h)
	}
	if !last {
		return nil
	}
	c.evict(int(h), anyIndex, anyIndex)
	c.release(destroy.PipelineLayout, m.pipeLayout)
	c.release(destroy.BindGroupLayout, m.bindLayout)
	return nil
}

// =============================================================================
// Render passes
// =============================================================================

// RegisterRenderPass returns the slot for desc.
func (c *Cache) RegisterRenderPass(desc RenderPassDesc) (Handle, error) {
	if err := desc.validate(); err != nil {
		return InvalidHandle, fmt.Errorf("%w: pipecache: %w", gpuerr.ErrInvalidParameter, err)
	}
	if desc.Samples == 0 {
		desc.Samples = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	idx, h, ok := c.passes.acquire(desc)
	if ok {
		return idx, nil
	}
	idx, ok = c.passes.insert(desc, h, struct{}{})
	if !ok {
		return InvalidHandle, c.full("render pass", c.passes.capacity())
	}
	return idx, nil
}

// RenderPass returns the description stored in slot h.
func (c *Cache) RenderPass(h Handle) (RenderPassDesc, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.passes.get(h)
	if !ok {
		return RenderPassDesc{}, fmt.Errorf("%w: pipecache: render pass %d", gpuerr.ErrInvalidParameter, h)
	}
	return e.desc, nil
}

// UnregisterRenderPass drops one reference, evicting the pass's pipelines
// on the last one.
func (c *Cache) UnregisterRenderPass(h Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, last, ok := c.passes.release(h)
	if !ok {
		return fmt.Errorf("%w: pipecache: render pass %d", gpuerr.ErrInvalidParameter, h)
	}
	if last {
		c.evict(anyIndex, int(h), anyIndex)
	}
	return nil
}

// =============================================================================
// Vertex formats
// =============================================================================

// RegisterVertexFormat returns the slot for desc, deriving its layout on
// first use.
func (c *Cache) RegisterVertexFormat(desc VertexFormatDesc) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, h, ok := c.vertices.acquire(desc)
	if ok {
		return idx, nil
	}
	layout, err := desc.Layout()
	if err != nil {
		return InvalidHandle, fmt.Errorf("%w: pipecache: %w", gpuerr.ErrInvalidParameter, err)
	}
	idx, ok = c.vertices.insert(desc, h, layout)
	if !ok {
		return InvalidHandle, c.full("vertex format", c.vertices.capacity())
	}
	return idx, nil
}

// VertexLayout returns the derived layout of slot h.
func (c *Cache) VertexLayout(h Handle) (VertexLayout, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.vertices.get(h)
	if !ok {
		return VertexLayout{}, fmt.Errorf("%w: pipecache: vertex format %d", gpuerr.ErrInvalidParameter, h)
	}
	return e.val, nil
}

// UnregisterVertexFormat drops one reference, evicting the format's
// pipelines on the last one.
func (c *Cache) UnregisterVertexFormat(h Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, last, ok := c.vertices.release(h)
	if !ok {
		return fmt.Errorf("%w: pipecache: vertex format %d", gpuerr.ErrInvalidParameter, h)
	}
	if last {
		c.evict(anyIndex, anyIndex, int(h))
	}
	return nil
}

// =============================================================================
// Pipelines
// =============================================================================

func (c *Cache) index(m, r, v Handle) int {
	return (int(m)*c.cfg.MaxRenderPasses+int(r))*c.cfg.MaxVertexFormats + int(v)
}

// Pipeline returns the pipeline for the triple, building it on first use.
func (c *Cache) Pipeline(m, r, v Handle) (hal.RenderPipeline, error) {
	c.mu.RLock()
	if err := c.check(m, r, v); err != nil {
		c.mu.RUnlock()
		return nil, err
	}
	if p := c.pipelines[c.index(m, r, v)]; p != nil {
		c.mu.RUnlock()
		c.hits.Add(1)
		return p, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring the write lock.
	if err := c.check(m, r, v); err != nil {
		return nil, err
	}
	idx := c.index(m, r, v)
	if p := c.pipelines[idx]; p != nil {
		c.hits.Add(1)
		return p, nil
	}
	c.misses.Add(1)

	p, err := c.build(m, r, v)
	if err != nil {
		return nil, err
	}
	c.pipelines[idx] = p
	c.live++
	c.builds.Add(1)
	return p, nil
}

func (c *Cache) check(m, r, v Handle) error {
	if _, ok := c.materials.get(m); !ok {
		return fmt.Errorf("%w: pipecache: material %d", gpuerr.ErrInvalidParameter, m)
	}
	if _, ok := c.passes.get(r); !ok {
		return fmt.Errorf("%w: pipecache: render pass %d", gpuerr.ErrInvalidParameter, r)
	}
	if _, ok := c.vertices.get(v); !ok {
		return fmt.Errorf("%w: pipecache: vertex format %d", gpuerr.ErrInvalidParameter, v)
	}
	return nil
}

func (c *Cache) build(m, r, v Handle) (hal.RenderPipeline, error) {
	me, _ := c.materials.get(m)
	pe, _ := c.passes.get(r)
	ve, _ := c.vertices.get(v)
	md, mat, pass, layout := me.desc, me.val, pe.desc, ve.val

	targets := make([]gputypes.ColorTargetState, pass.ColorCount)
	for i := range targets {
		targets[i] = gputypes.ColorTargetState{
			Format:    pass.Colors[i],
			Blend:     md.Blend.State(),
			WriteMask: md.WriteMask,
		}
	}

	desc := &hal.RenderPipelineDescriptor{
		Label:  fmt.Sprintf("rhi_pipeline_m%d_r%d_v%d", m, r, v),
		Layout: mat.pipeLayout,
		Vertex: hal.VertexState{
			Module:     mat.stages.Vertex,
			EntryPoint: entryOr(mat.stages.VertexEntry, "vs_main"),
			Buffers:    []gputypes.VertexBufferLayout{layout.Buffer},
		},
		Fragment: &hal.FragmentState{
			Module:     mat.stages.Fragment,
			EntryPoint: entryOr(mat.stages.FragmentEntry, "fs_main"),
			Targets:    targets,
		},
		Primitive: gputypes.PrimitiveState{
			Topology:  md.Topology,
			FrontFace: md.FrontFace,
			CullMode:  md.Cull,
		},
		Multisample: gputypes.MultisampleState{
			Count: pass.Samples,
			Mask:  0xFFFFFFFF,
		},
	}
	if pass.Depth != gputypes.TextureFormatUndefined {
		compare := gputypes.CompareFunctionAlways
		if md.DepthTest {
			compare = md.DepthCompare
		}
		keep := hal.StencilFaceState{
			Compare:     gputypes.CompareFunctionAlways,
			FailOp:      hal.StencilOperationKeep,
			DepthFailOp: hal.StencilOperationKeep,
			PassOp:      hal.StencilOperationKeep,
		}
		desc.DepthStencil = &hal.DepthStencilState{
			Format:            pass.Depth,
			DepthWriteEnabled: md.DepthWrite,
			DepthCompare:      compare,
			StencilFront:      keep,
			StencilBack:       keep,
			StencilReadMask:   0xFF,
			StencilWriteMask:  0,
		}
	}

	p, err := c.device.CreateRenderPipeline(desc)
	if err != nil {
		return nil, fmt.Errorf("%w: pipecache: build %s: %w", gpuerr.ErrDevice, desc.Label, err)
	}
	logging.L().Debug("pipecache: pipeline built", "material", m, "pass", r, "vertex", v)
	return p, nil
}

// anyIndex selects a whole dimension in evict.
const anyIndex = -1

// span returns the index range selected by i within a dimension of size n.
func span(i, n int) (lo, hi int) {
	if i == anyIndex {
		return 0, n
	}
	return i, i + 1
}

// evict releases the cached pipelines at m, r, v. Each coordinate is a
// handle or anyIndex.
func (c *Cache) evict(m, r, v int) {
	mLo, mHi := span(m, c.cfg.MaxMaterials)
	rLo, rHi := span(r, c.cfg.MaxRenderPasses)
	vLo, vHi := span(v, c.cfg.MaxVertexFormats)
	n := 0
	for mi := mLo; mi < mHi; mi++ {
		for ri := rLo; ri < rHi; ri++ {
			for vi := vLo; vi < vHi; vi++ {
				idx := (mi*c.cfg.MaxRenderPasses+ri)*c.cfg.MaxVertexFormats + vi
				if p := c.pipelines[idx]; p != nil {
					c.release(destroy.RenderPipeline, p)
					c.pipelines[idx] = nil
					n++
				}
			}
		}
	}
	c.live -= n
	if n > 0 {
		logging.L().Debug("pipecache: pipelines evicted", "count", n)
	}
}

func (c *Cache) release(kind destroy.Kind, handle any) {
	if c.cfg.Release != nil {
		c.cfg.Release(kind, handle)
		return
	}
	destroy.Release(c.device, destroy.Item{Kind: kind, Handle: handle})
}

func (c *Cache) full(dim string, capacity int) error {
	logging.L().Error("pipecache: table full", "dimension", dim, "capacity", capacity)
	return fmt.Errorf("%w: pipecache: %d %s slots", gpuerr.ErrCapacity, capacity, dim)
}

// Stats returns a snapshot of cache activity.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Builds:        c.builds.Load(),
		Materials:     c.materials.len(),
		RenderPasses:  c.passes.len(),
		VertexFormats: c.vertices.len(),
		Pipelines:     c.live,
	}
}

// Destroy releases every pipeline, material layout and the globals layout.
func (c *Cache) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evict(anyIndex, anyIndex, anyIndex)
	c.materials.each(func(_ Handle, e *tableEntry[MaterialDesc, *material]) {
		c.release(destroy.PipelineLayout, e.val.pipeLayout)
		c.release(destroy.BindGroupLayout, e.val.bindLayout)
	})
	c.materials = newTable[MaterialDesc, *material](c.cfg.MaxMaterials)
	c.passes = newTable[RenderPassDesc, struct{}](c.cfg.MaxRenderPasses)
	c.vertices = newTable[VertexFormatDesc, VertexLayout](c.cfg.MaxVertexFormats)
	if c.globals != nil {
		c.release(destroy.BindGroupLayout, c.globals)
		c.globals = nil
	}
}

func entryOr(entry, def string) string {
	if entry == "" {
		return def
	}
	return entry
}
