//go:build !nogpu

package pipecache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/rhi/internal/destroy"
	"github.com/gogpu/rhi/internal/gpuerr"
)

const testShader = `
@vertex
fn vs_main(@location(0) pos: vec3<f32>) -> @builtin(position) vec4<f32> {
    return vec4<f32>(pos, 1.0);
}

@fragment
fn fs_main() -> @location(0) vec4<f32> {
    return vec4<f32>(1.0, 0.0, 0.0, 1.0);
}
`

func createNoopDevice(t *testing.T) (hal.Device, func()) {
	t.Helper()
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		t.Fatalf("Open failed: %v", err)
	}
	cleanup := func() {
		openDev.Device.Destroy()
		instance.Destroy()
	}
	return openDev.Device, cleanup
}

// countingDevice counts pipeline creation and destruction.
type countingDevice struct {
	hal.Device

	created   atomic.Int32
	destroyed atomic.Int32
}

func (d *countingDevice) CreateRenderPipeline(desc *hal.RenderPipelineDescriptor) (hal.RenderPipeline, error) {
	d.created.Add(1)
	return d.Device.CreateRenderPipeline(desc)
}

func (d *countingDevice) DestroyRenderPipeline(p hal.RenderPipeline) {
	d.destroyed.Add(1)
	d.Device.DestroyRenderPipeline(p)
}

type fixture struct {
	cache  *Cache
	device *countingDevice
	stages *ShaderStages
	pass   Handle
	vertex Handle
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	base, cleanup := createNoopDevice(t)
	t.Cleanup(cleanup)
	device := &countingDevice{Device: base}

	module, err := device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  "pipecache_test",
		Source: hal.ShaderSource{WGSL: testShader},
	})
	if err != nil {
		t.Fatalf("CreateShaderModule: %v", err)
	}
	t.Cleanup(func() { device.DestroyShaderModule(module) })

	cfg.Globals = []gputypes.BindGroupLayoutEntry{{
		Binding:    0,
		Visibility: gputypes.ShaderStageVertex | gputypes.ShaderStageFragment,
		Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
	}}
	c, err := New(device, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Destroy)

	f := &fixture{
		cache:  c,
		device: device,
		stages: &ShaderStages{Vertex: module, Fragment: module},
	}
	f.pass, err = c.RegisterRenderPass(colorPass(gputypes.TextureFormatBGRA8Unorm))
	if err != nil {
		t.Fatalf("RegisterRenderPass: %v", err)
	}
	f.vertex, err = c.RegisterVertexFormat(NewVertexFormat(Component{Semantic: Position, Type: Float32, Count: 3}))
	if err != nil {
		t.Fatalf("RegisterVertexFormat: %v", err)
	}
	return f
}

func colorPass(format gputypes.TextureFormat) RenderPassDesc {
	d := RenderPassDesc{
		ColorCount: 1,
		Samples:    1,
		ColorLoad:  gputypes.LoadOpClear,
		ColorStore: gputypes.StoreOpStore,
	}
	d.Colors[0] = format
	return d
}

func opaque(shader uint64) MaterialDesc {
	return MaterialDesc{
		Shader:    shader,
		Topology:  gputypes.PrimitiveTopologyTriangleList,
		Cull:      gputypes.CullModeNone,
		WriteMask: gputypes.ColorWriteMaskAll,
	}
}

// =============================================================================
// Registration
// =============================================================================

func TestRegisterDeduplicates(t *testing.T) {
	f := newFixture(t, Config{})

	a, err := f.cache.RegisterMaterial(opaque(1), f.stages)
	if err != nil {
		t.Fatalf("RegisterMaterial: %v", err)
	}
	b, err := f.cache.RegisterMaterial(opaque(1), f.stages)
	if err != nil {
		t.Fatalf("RegisterMaterial: %v", err)
	}
	if a != b {
		t.Errorf("equal descriptions got handles %d and %d", a, b)
	}

	blended := opaque(1)
	blended.Blend = BlendAlpha
	c, err := f.cache.RegisterMaterial(blended, f.stages)
	if err != nil {
		t.Fatalf("RegisterMaterial: %v", err)
	}
	if c == a {
		t.Error("different descriptions share a handle")
	}
	if got := f.cache.Stats().Materials; got != 2 {
		t.Errorf("Materials = %d, want 2", got)
	}
}

func TestRegisterCapacity(t *testing.T) {
	f := newFixture(t, Config{MaxMaterials: 3})

	for i := range 3 {
		if _, err := f.cache.RegisterMaterial(opaque(uint64(i)), f.stages); err != nil {
			t.Fatalf("RegisterMaterial %d: %v", i, err)
		}
	}
	h, err := f.cache.RegisterMaterial(opaque(99), f.stages)
	if !errors.Is(err, gpuerr.ErrCapacity) {
		t.Errorf("error = %v, want ErrCapacity", err)
	}
	if h != InvalidHandle {
		t.Errorf("handle = %d, want InvalidHandle", h)
	}

	// Re-registering an existing description still succeeds when full.
	if _, err := f.cache.RegisterMaterial(opaque(1), f.stages); err != nil {
		t.Errorf("RegisterMaterial existing: %v", err)
	}
}

func TestRenderPassCapacityAndValidation(t *testing.T) {
	f := newFixture(t, Config{MaxRenderPasses: 2})

	// The fixture already holds one pass.
	if _, err := f.cache.RegisterRenderPass(colorPass(gputypes.TextureFormatRGBA8Unorm)); err != nil {
		t.Fatalf("RegisterRenderPass: %v", err)
	}
	if _, err := f.cache.RegisterRenderPass(colorPass(gputypes.TextureFormatR8Unorm)); !errors.Is(err, gpuerr.ErrCapacity) {
		t.Errorf("error = %v, want ErrCapacity", err)
	}

	tests := []struct {
		name string
		desc RenderPassDesc
	}{
		{"no attachments", RenderPassDesc{}},
		{"bad samples", RenderPassDesc{ColorCount: 1, Samples: 3}},
		{"too many targets", RenderPassDesc{ColorCount: MaxColorTargets + 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.cache.RegisterRenderPass(tt.desc); !errors.Is(err, gpuerr.ErrInvalidParameter) {
				t.Errorf("error = %v, want ErrInvalidParameter", err)
			}
		})
	}
}

func TestRenderPassIgnoresSize(t *testing.T) {
	f := newFixture(t, Config{})
	// A resized target registers the same description.
	h, err := f.cache.RegisterRenderPass(colorPass(gputypes.TextureFormatBGRA8Unorm))
	if err != nil {
		t.Fatalf("RegisterRenderPass: %v", err)
	}
	if h != f.pass {
		t.Errorf("handle = %d, want %d", h, f.pass)
	}
	desc, err := f.cache.RenderPass(h)
	if err != nil {
		t.Fatalf("RenderPass: %v", err)
	}
	if desc.Colors[0] != gputypes.TextureFormatBGRA8Unorm {
		t.Errorf("stored format = %v", desc.Colors[0])
	}
}

func TestMaterialRequiresStages(t *testing.T) {
	f := newFixture(t, Config{})
	if _, err := f.cache.RegisterMaterial(opaque(5), nil); !errors.Is(err, gpuerr.ErrInvalidParameter) {
		t.Errorf("error = %v, want ErrInvalidParameter", err)
	}
	if _, err := f.cache.RegisterMaterial(opaque(5), &ShaderStages{}); !errors.Is(err, gpuerr.ErrInvalidParameter) {
		t.Errorf("error = %v, want ErrInvalidParameter", err)
	}
}

// =============================================================================
// Pipelines
// =============================================================================

func TestPipelineCachedAfterFirstBuild(t *testing.T) {
	f := newFixture(t, Config{})
	m, err := f.cache.RegisterMaterial(opaque(1), f.stages)
	if err != nil {
		t.Fatalf("RegisterMaterial: %v", err)
	}

	p1, err := f.cache.Pipeline(m, f.pass, f.vertex)
	if err != nil {
		t.Fatalf("Pipeline: %v", err)
	}
	p2, err := f.cache.Pipeline(m, f.pass, f.vertex)
	if err != nil {
		t.Fatalf("Pipeline: %v", err)
	}
	if p1 != p2 {
		t.Error("second lookup returned a different pipeline")
	}
	if got := f.device.created.Load(); got != 1 {
		t.Errorf("pipelines created = %d, want 1", got)
	}
	st := f.cache.Stats()
	if st.Builds != 1 || st.Hits != 1 || st.Misses != 1 {
		t.Errorf("stats = %+v, want 1 build, 1 hit, 1 miss", st)
	}
}

func TestPipelineInvalidHandles(t *testing.T) {
	f := newFixture(t, Config{})
	if _, err := f.cache.Pipeline(InvalidHandle, f.pass, f.vertex); !errors.Is(err, gpuerr.ErrInvalidParameter) {
		t.Errorf("error = %v, want ErrInvalidParameter", err)
	}
	if _, err := f.cache.Pipeline(0, f.pass, f.vertex); !errors.Is(err, gpuerr.ErrInvalidParameter) {
		t.Errorf("unregistered material error = %v, want ErrInvalidParameter", err)
	}
}

func TestUnregisterEvictsOnlyDependentPipelines(t *testing.T) {
	f := newFixture(t, Config{})
	m1, _ := f.cache.RegisterMaterial(opaque(1), f.stages)
	m2, _ := f.cache.RegisterMaterial(opaque(2), f.stages)
	depthPass := colorPass(gputypes.TextureFormatBGRA8Unorm)
	depthPass.Depth = gputypes.TextureFormatDepth24PlusStencil8
	r2, err := f.cache.RegisterRenderPass(depthPass)
	if err != nil {
		t.Fatalf("RegisterRenderPass: %v", err)
	}

	for _, m := range []Handle{m1, m2} {
		for _, r := range []Handle{f.pass, r2} {
			if _, err := f.cache.Pipeline(m, r, f.vertex); err != nil {
				t.Fatalf("Pipeline(%d, %d): %v", m, r, err)
			}
		}
	}
	if got := f.cache.Stats().Pipelines; got != 4 {
		t.Fatalf("Pipelines = %d, want 4", got)
	}

	if err := f.cache.UnregisterMaterial(m1); err != nil {
		t.Fatalf("UnregisterMaterial: %v", err)
	}
	if got := f.device.destroyed.Load(); got != 2 {
		t.Errorf("destroyed = %d, want 2", got)
	}
	if got := f.cache.Stats().Pipelines; got != 2 {
		t.Errorf("Pipelines = %d, want 2", got)
	}

	builds := f.cache.Stats().Builds
	if _, err := f.cache.Pipeline(m2, f.pass, f.vertex); err != nil {
		t.Fatalf("Pipeline: %v", err)
	}
	if f.cache.Stats().Builds != builds {
		t.Error("surviving pipeline was rebuilt")
	}

	m1again, err := f.cache.RegisterMaterial(opaque(1), f.stages)
	if err != nil {
		t.Fatalf("RegisterMaterial: %v", err)
	}
	if _, err := f.cache.Pipeline(m1again, f.pass, f.vertex); err != nil {
		t.Fatalf("Pipeline: %v", err)
	}
	if f.cache.Stats().Builds != builds+1 {
		t.Error("evicted pipeline not rebuilt on demand")
	}

	if err := f.cache.UnregisterRenderPass(r2); err != nil {
		t.Fatalf("UnregisterRenderPass: %v", err)
	}
	if got := f.device.destroyed.Load(); got != 3 {
		t.Errorf("destroyed after pass eviction = %d, want 3", got)
	}
}

func TestUnregisterKeepsSharedSlot(t *testing.T) {
	f := newFixture(t, Config{})
	m, _ := f.cache.RegisterMaterial(opaque(1), f.stages)
	if _, err := f.cache.RegisterMaterial(opaque(1), f.stages); err != nil {
		t.Fatalf("RegisterMaterial: %v", err)
	}
	if _, err := f.cache.Pipeline(m, f.pass, f.vertex); err != nil {
		t.Fatalf("Pipeline: %v", err)
	}

	if err := f.cache.UnregisterMaterial(m); err != nil {
		t.Fatalf("UnregisterMaterial: %v", err)
	}
	if f.device.destroyed.Load() != 0 {
		t.Error("pipeline evicted while the material is still referenced")
	}
	if err := f.cache.UnregisterMaterial(m); err != nil {
		t.Fatalf("UnregisterMaterial: %v", err)
	}
	if f.device.destroyed.Load() != 1 {
		t.Error("pipeline not evicted after last reference")
	}
	if err := f.cache.UnregisterMaterial(m); !errors.Is(err, gpuerr.ErrInvalidParameter) {
		t.Errorf("third UnregisterMaterial error = %v, want ErrInvalidParameter", err)
	}
}

func TestUnregisterVertexFormatEvictsItsPipelines(t *testing.T) {
	f := newFixture(t, Config{})
	m, _ := f.cache.RegisterMaterial(opaque(1), f.stages)
	flat, err := f.cache.RegisterVertexFormat(NewVertexFormat(Component{Semantic: Position, Type: Float32, Count: 2}))
	if err != nil {
		t.Fatalf("RegisterVertexFormat: %v", err)
	}
	for _, v := range []Handle{f.vertex, flat} {
		if _, err := f.cache.Pipeline(m, f.pass, v); err != nil {
			t.Fatalf("Pipeline(vertex %d): %v", v, err)
		}
	}

	if err := f.cache.UnregisterVertexFormat(flat); err != nil {
		t.Fatalf("UnregisterVertexFormat: %v", err)
	}
	if got := f.device.destroyed.Load(); got != 1 {
		t.Errorf("destroyed = %d, want 1", got)
	}
	builds := f.cache.Stats().Builds
	if _, err := f.cache.Pipeline(m, f.pass, f.vertex); err != nil {
		t.Fatalf("Pipeline: %v", err)
	}
	if f.cache.Stats().Builds != builds {
		t.Error("pipeline of the remaining format was rebuilt")
	}
}

func TestSpan(t *testing.T) {
	tests := []struct {
		i, n   int
		lo, hi int
	}{
		{anyIndex, 8, 0, 8},
		{0, 8, 0, 1},
		{5, 8, 5, 6},
	}
	for _, tt := range tests {
		if lo, hi := span(tt.i, tt.n); lo != tt.lo || hi != tt.hi {
			t.Errorf("span(%d, %d) = [%d, %d), want [%d, %d)", tt.i, tt.n, lo, hi, tt.lo, tt.hi)
		}
	}
}

func TestDeferredRelease(t *testing.T) {
	var deferred destroy.List
	f := newFixture(t, Config{Release: func(k destroy.Kind, h any) { deferred.Add(k, h) }})
	m, _ := f.cache.RegisterMaterial(opaque(1), f.stages)
	if _, err := f.cache.Pipeline(m, f.pass, f.vertex); err != nil {
		t.Fatalf("Pipeline: %v", err)
	}
	if err := f.cache.UnregisterVertexFormat(f.vertex); err != nil {
		t.Fatalf("UnregisterVertexFormat: %v", err)
	}
	if f.device.destroyed.Load() != 0 {
		t.Error("pipeline destroyed immediately despite Release hook")
	}
	if deferred.Len() != 1 {
		t.Errorf("deferred = %d, want 1", deferred.Len())
	}
	deferred.Execute(f.device)
	if f.device.destroyed.Load() != 1 {
		t.Error("deferred pipeline not destroyed on Execute")
	}
}

func TestConcurrentPipelineBuildsOnce(t *testing.T) {
	f := newFixture(t, Config{})
	m, _ := f.cache.RegisterMaterial(opaque(1), f.stages)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.cache.Pipeline(m, f.pass, f.vertex); err != nil {
				t.Errorf("Pipeline: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := f.device.created.Load(); got != 1 {
		t.Errorf("pipelines created = %d, want 1", got)
	}
}

// =============================================================================
// Vertex formats
// =============================================================================

func TestVertexLayout(t *testing.T) {
	desc := NewVertexFormat(
		Component{Semantic: Position, Type: Float32, Count: 3},
		Component{Semantic: Normal, Type: Float32, Count: 3},
		Component{Semantic: UV0, Type: Float16, Count: 2},
		Component{Semantic: Joints, Type: Uint32, Count: 4},
	)
	l, err := desc.Layout()
	if err != nil {
		t.Fatalf("Layout: %v", err)
	}
	if l.Stride != 12+12+4+16 {
		t.Errorf("Stride = %d, want 44", l.Stride)
	}
	wantOffsets := []uint64{0, 12, 24, 28}
	for i, off := range wantOffsets {
		if l.Offsets[i] != off {
			t.Errorf("offset[%d] = %d, want %d", i, l.Offsets[i], off)
		}
	}
	attrs := l.Buffer.Attributes
	if attrs[2].ShaderLocation != uint32(UV0) {
		t.Errorf("UV0 location = %d, want %d", attrs[2].ShaderLocation, UV0)
	}
	if attrs[0].Format != gputypes.VertexFormatFloat32x3 {
		t.Errorf("position format = %v, want Float32x3", attrs[0].Format)
	}
}

func TestVertexLayoutErrors(t *testing.T) {
	tests := []struct {
		name string
		desc VertexFormatDesc
	}{
		{"empty", VertexFormatDesc{}},
		{"no format", NewVertexFormat(Component{Semantic: Position, Type: Float16, Count: 3})},
		{"zero count", NewVertexFormat(Component{Semantic: Position, Type: Float32})},
		{"duplicate", NewVertexFormat(
			Component{Semantic: Position, Type: Float32, Count: 3},
			Component{Semantic: Position, Type: Float32, Count: 2},
		)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.desc.Layout(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestVertexFormatDeduplicates(t *testing.T) {
	f := newFixture(t, Config{})
	h, err := f.cache.RegisterVertexFormat(NewVertexFormat(Component{Semantic: Position, Type: Float32, Count: 3}))
	if err != nil {
		t.Fatalf("RegisterVertexFormat: %v", err)
	}
	if h != f.vertex {
		t.Errorf("handle = %d, want %d", h, f.vertex)
	}
	l, err := f.cache.VertexLayout(h)
	if err != nil {
		t.Fatalf("VertexLayout: %v", err)
	}
	if l.Stride != 12 {
		t.Errorf("Stride = %d, want 12", l.Stride)
	}
}

func TestBlendStates(t *testing.T) {
	if BlendOpaque.State() != nil {
		t.Error("opaque blend should be nil")
	}
	for _, b := range []Blend{BlendAlpha, BlendPremultiplied, BlendAdditive} {
		if b.State() == nil {
			t.Errorf("blend %d returned nil state", b)
		}
	}
}
