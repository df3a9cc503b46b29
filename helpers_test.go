//go:build !nogpu

package rhi

import (
	"encoding/binary"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
)

const testWGSL = `
@vertex
fn vs_main(@location(0) pos: vec3<f32>) -> @builtin(position) vec4<f32> {
    return vec4<f32>(pos, 1.0);
}

@fragment
fn fs_main() -> @location(0) vec4<f32> {
    return vec4<f32>(1.0, 1.0, 1.0, 1.0);
}
`

// testSPIRV is a SPIR-V header; the noop device does not inspect code.
var testSPIRV = []uint32{0x07230203, 0x00010000, 0, 8, 0}

func createNoopDevice(t *testing.T) (hal.Device, hal.Queue, func()) {
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
	return openDev.Device, openDev.Queue, cleanup
}

// testFence is a timeline fence completed by testQueue on submit.
type testFence struct {
	completed atomic.Uint64
}

func (f *testFence) Destroy() {}

func (f *testFence) NativeHandle() uintptr { return 0 }

// testQueue completes submissions immediately. While refuseWrites is set,
// buffer and texture writes fail.
type testQueue struct {
	hal.Queue

	refuseWrites atomic.Bool
}

var errNotMapped = errors.New("buffer is not mapped")

func (q *testQueue) WriteBuffer(b hal.Buffer, offset uint64, data []byte) error {
	if q.refuseWrites.Load() {
		return errNotMapped
	}
	return q.Queue.WriteBuffer(b, offset, data)
}

func (q *testQueue) WriteTexture(dst *hal.ImageCopyTexture, data []byte, layout *hal.ImageDataLayout, size *hal.Extent3D) error {
	if q.refuseWrites.Load() {
		return errNotMapped
	}
	return q.Queue.WriteTexture(dst, data, layout, size)
}

// queueOf returns the test queue behind ctx.
func queueOf(ctx *Context) *testQueue { return ctx.Queue().(*testQueue) }

func (q *testQueue) Submit(cmds []hal.CommandBuffer, fence hal.Fence, value uint64) error {
	if f, ok := fence.(*testFence); ok {
		f.completed.Store(max(f.completed.Load(), value))
	}
	return nil
}

// countingDevice counts the native calls tests assert on.
type countingDevice struct {
	hal.Device

	pipelines     atomic.Int32
	bindGroups    atomic.Int32
	texturesFreed atomic.Int32
	buffersFreed  atomic.Int32
	modulesFreed  atomic.Int32
	samplersMade  atomic.Int32
}

func (d *countingDevice) CreateFence() (hal.Fence, error) { return &testFence{}, nil }

func (d *countingDevice) DestroyFence(hal.Fence) {}

func (d *countingDevice) Wait(fence hal.Fence, value uint64, _ time.Duration) (bool, error) {
	return fence.(*testFence).completed.Load() >= value, nil
}

func (d *countingDevice) CreateRenderPipeline(desc *hal.RenderPipelineDescriptor) (hal.RenderPipeline, error) {
	d.pipelines.Add(1)
	return d.Device.CreateRenderPipeline(desc)
}

func (d *countingDevice) CreateBindGroup(desc *hal.BindGroupDescriptor) (hal.BindGroup, error) {
	d.bindGroups.Add(1)
	return d.Device.CreateBindGroup(desc)
}

func (d *countingDevice) CreateSampler(desc *hal.SamplerDescriptor) (hal.Sampler, error) {
	d.samplersMade.Add(1)
	return d.Device.CreateSampler(desc)
}

func (d *countingDevice) DestroyTexture(t hal.Texture) {
	d.texturesFreed.Add(1)
	d.Device.DestroyTexture(t)
}

func (d *countingDevice) DestroyBuffer(b hal.Buffer) {
	d.buffersFreed.Add(1)
	d.Device.DestroyBuffer(b)
}

func (d *countingDevice) DestroyShaderModule(m hal.ShaderModule) {
	d.modulesFreed.Add(1)
	d.Device.DestroyShaderModule(m)
}

// newTestDevice wraps a noop device and queue with counters and fences
// that complete on submit.
func newTestDevice(t *testing.T) (*countingDevice, hal.Queue) {
	t.Helper()
	base, queue, cleanup := createNoopDevice(t)
	t.Cleanup(cleanup)
	return &countingDevice{Device: base}, &testQueue{Queue: queue}
}

func newTestContext(t *testing.T, opts ...Option) (*Context, *countingDevice) {
	t.Helper()
	device, queue := newTestDevice(t)

	ctx, err := New(device, queue, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := ctx.Destroy(); err != nil {
			t.Errorf("Destroy: %v", err)
		}
	})
	return ctx, device
}

// testMeta describes a shader with one parameter block, a texture and a
// sampler.
func testMeta() *ShaderMeta {
	return &ShaderMeta{
		Binds: []Bind{
			{
				Name:    "Params",
				Binding: 0,
				Kind:    BindUniform,
				Size:    32,
				Variables: []Variable{
					{Name: "tint", Type: "vec4<f32>", Offset: 0, Size: 16},
					{Name: "scale", Type: "f32", Offset: 16, Size: 4},
				},
			},
			{Name: "albedo", Binding: 1, Kind: BindTexture, Stages: gputypes.ShaderStageFragment},
			{Name: "samp", Binding: 2, Kind: BindSampler, Stages: gputypes.ShaderStageFragment},
		},
		VertexInputs: []Component{{Semantic: Position, Type: Float32, Count: 3}},
	}
}

func newTestShader(t *testing.T, ctx *Context) *Shader {
	t.Helper()
	s, err := ctx.NewShader(ShaderDesc{Label: "test", Meta: testMeta(), Vertex: testSPIRV, Fragment: testSPIRV})
	if err != nil {
		t.Fatalf("NewShader: %v", err)
	}
	t.Cleanup(s.Release)
	return s
}

func opaqueDesc(s *Shader) MaterialDesc {
	return MaterialDesc{
		Label:    "opaque",
		Shader:   s,
		Topology: gputypes.PrimitiveTopologyTriangleList,
		Cull:     gputypes.CullModeNone,
	}
}

func newTestMaterial(t *testing.T, ctx *Context, desc MaterialDesc) *Material {
	t.Helper()
	m, err := ctx.NewMaterial(desc)
	if err != nil {
		t.Fatalf("NewMaterial: %v", err)
	}
	t.Cleanup(m.Destroy)
	return m
}

func positionFormat() VertexFormat {
	return NewVertexFormat(Component{Semantic: Position, Type: Float32, Count: 3})
}

// triangle returns three float32x3 positions.
func triangle() []byte {
	out := make([]byte, 0, 36)
	for _, v := range []float32{0, 0, 0, 1, 0, 0, 0, 1, 0} {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
	}
	return out
}

func newTestMesh(t *testing.T, ctx *Context, label string) *Mesh {
	t.Helper()
	m, err := ctx.NewMesh(MeshDesc{Label: label, Format: positionFormat(), Vertices: triangle(), Indices: []uint32{0, 1, 2}})
	if err != nil {
		t.Fatalf("NewMesh: %v", err)
	}
	t.Cleanup(m.Destroy)
	return m
}

func newColorTarget(t *testing.T, ctx *Context, w, h uint32) (*RenderTarget, *Texture) {
	t.Helper()
	color, err := ctx.NewTexture(TextureDesc{
		Label:  "color",
		Width:  w,
		Height: h,
		Format: gputypes.TextureFormatBGRA8Unorm,
		Usage:  gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc,
	})
	if err != nil {
		t.Fatalf("NewTexture: %v", err)
	}
	t.Cleanup(color.Destroy)
	target, err := ctx.NewRenderTarget(TargetDesc{Label: "target", Colors: []*Texture{color}})
	if err != nil {
		t.Fatalf("NewRenderTarget: %v", err)
	}
	t.Cleanup(target.Destroy)
	return target, color
}
