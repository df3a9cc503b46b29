//go:build !nogpu

// Command rhiprobe renders headless frames through rhi and prints cache and
// submission statistics. It runs on the noop backend by default, so it works
// without a GPU.
package main

import (
	_ "embed"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math"
	"os"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
	_ "github.com/gogpu/wgpu/hal/vulkan"

	"github.com/gogpu/rhi"
)

//go:embed probe.wgsl
var probeWGSL string

// instanceStride is one vec2<f32> offset per instance.
const instanceStride = 8

func main() {
	var (
		backend   = flag.String("backend", "noop", "HAL backend: noop or vulkan")
		frames    = flag.Int("frames", 60, "frames to render on the main recorder")
		workers   = flag.Int("workers", 2, "worker recorders rendering offscreen targets")
		size      = flag.Int("size", 256, "target width and height")
		instances = flag.Int("instances", 64, "instances per mesh")
		verbose   = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	if *verbose {
		rhi.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	device, queue, cleanup, err := openDevice(*backend)
	if err != nil {
		log.Fatalf("rhiprobe: %v", err)
	}
	defer cleanup()

	ctx, err := rhi.New(device, queue, rhi.WithLabel("rhiprobe"), rhi.WithMaxRecorders(*workers+1))
	if err != nil {
		log.Fatalf("rhiprobe: %v", err)
	}
	defer func() {
		if err := ctx.Destroy(); err != nil {
			log.Printf("rhiprobe: destroy: %v", err)
		}
	}()

	sc, err := newScene(ctx, *instances)
	if err != nil {
		log.Fatalf("rhiprobe: %v", err)
	}
	defer sc.destroy()

	if err := renderMain(ctx, sc, uint32(*size), *frames); err != nil { //nolint:gosec // flag value
		log.Fatalf("rhiprobe: %v", err)
	}
	if *workers > 0 {
		if err := renderWorkers(ctx, sc, uint32(*size), *workers); err != nil { //nolint:gosec // flag value
			log.Fatalf("rhiprobe: %v", err)
		}
	}
	if err := ctx.WaitIdle(); err != nil {
		log.Fatalf("rhiprobe: %v", err)
	}

	st := ctx.Stats()
	fmt.Printf("recorders     %d\n", st.Recorders)
	fmt.Printf("submissions   %d\n", st.Submissions)
	fmt.Printf("graveyard     %d\n", st.Graveyard)
	fmt.Printf("samplers      %d\n", st.Samplers)
	fmt.Printf("pipelines     %d built, %d hits, %d misses, %d live\n",
		st.Pipelines.Builds, st.Pipelines.Hits, st.Pipelines.Misses, st.Pipelines.Pipelines)
	fmt.Printf("registrations %d materials, %d passes, %d vertex formats\n",
		st.Pipelines.Materials, st.Pipelines.RenderPasses, st.Pipelines.VertexFormats)
}

// openDevice opens the first adapter of the named backend, preferring a
// discrete or integrated GPU.
func openDevice(name string) (hal.Device, hal.Queue, func(), error) {
	var (
		instance hal.Instance
		err      error
	)
	switch name {
	case "noop":
		api := noop.API{}
		instance, err = api.CreateInstance(nil)
	case "vulkan":
		backend, ok := hal.GetBackend(gputypes.BackendVulkan)
		if !ok {
			return nil, nil, nil, fmt.Errorf("vulkan backend not available")
		}
		instance, err = backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	default:
		return nil, nil, nil, fmt.Errorf("unknown backend %q", name)
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create instance: %w", err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, nil, nil, fmt.Errorf("no GPU adapters found")
	}
	selected := &adapters[0]
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, nil, nil, fmt.Errorf("open device: %w", err)
	}
	slog.Info("rhiprobe: device opened", "backend", name, "adapter", selected.Info.Name)
	cleanup := func() {
		openDev.Device.Destroy()
		instance.Destroy()
	}
	return openDev.Device, openDev.Queue, cleanup, nil
}

// scene is the shared content every target draws.
type scene struct {
	shader    *rhi.Shader
	materials []*rhi.Material
	meshes    []*rhi.Mesh
	payload   []byte
	instances uint32
}

func newScene(ctx *rhi.Context, instances int) (*scene, error) {
	meta := &rhi.ShaderMeta{
		Binds: []rhi.Bind{{
			Name:    "Params",
			Binding: 0,
			Kind:    rhi.BindUniform,
			Stages:  gputypes.ShaderStageFragment,
			Size:    16,
			Variables: []rhi.Variable{
				{Name: "tint", Type: "vec4<f32>", Offset: 0, Size: 16},
			},
		}},
		VertexInputs: []rhi.Component{{Semantic: rhi.Position, Type: rhi.Float32, Count: 3}},
	}
	shader, err := ctx.NewShaderFromWGSL("probe", probeWGSL, meta)
	if err != nil {
		return nil, err
	}
	sc := &scene{shader: shader, instances: uint32(max(instances, 1))} //nolint:gosec // flag value

	tints := [][4]float32{{1, 0.3, 0.3, 1}, {0.3, 1, 0.3, 0.5}}
	for i, tint := range tints {
		desc := rhi.MaterialDesc{
			Label:    fmt.Sprintf("probe_material%d", i),
			Shader:   shader,
			Order:    int32(i), //nolint:gosec // two materials
			Topology: gputypes.PrimitiveTopologyTriangleList,
			Cull:     gputypes.CullModeNone,
		}
		if tint[3] < 1 {
			desc.Blend = rhi.BlendAlpha
		}
		m, err := ctx.NewMaterial(desc)
		if err != nil {
			sc.destroy()
			return nil, err
		}
		sc.materials = append(sc.materials, m)
		if err := m.SetParam("tint", float32Bytes(tint[:]...)); err != nil {
			sc.destroy()
			return nil, err
		}
	}

	format := rhi.NewVertexFormat(rhi.Component{Semantic: rhi.Position, Type: rhi.Float32, Count: 3})
	shapes := []struct {
		name     string
		vertices []float32
		indices  []uint32
	}{
		{"triangle", []float32{0, 0, 0, 1, 0, 0, 0, 1, 0}, []uint32{0, 1, 2}},
		{"quad", []float32{0, 0, 0, 1, 0, 0, 1, 1, 0, 0, 1, 0}, []uint32{0, 1, 2, 0, 2, 3}},
	}
	for _, s := range shapes {
		mesh, err := ctx.NewMesh(rhi.MeshDesc{
			Label:    s.name,
			Format:   format,
			Vertices: float32Bytes(s.vertices...),
			Indices:  s.indices,
		})
		if err != nil {
			sc.destroy()
			return nil, err
		}
		sc.meshes = append(sc.meshes, mesh)
	}

	// Instances on a square grid in clip space.
	side := int(math.Ceil(math.Sqrt(float64(sc.instances))))
	for i := range int(sc.instances) {
		x := -1 + 2*float32(i%side)/float32(side)
		y := -1 + 2*float32(i/side)/float32(side)
		sc.payload = append(sc.payload, float32Bytes(x, y)...)
	}
	return sc, nil
}

// fill queues every mesh with every material.
func (sc *scene) fill(list *rhi.RenderList) error {
	list.Clear()
	for _, mesh := range sc.meshes {
		for _, m := range sc.materials {
			if err := list.Add(mesh, m, sc.instances, sc.payload); err != nil {
				return err
			}
		}
	}
	return nil
}

func (sc *scene) destroy() {
	for _, m := range sc.meshes {
		m.Destroy()
	}
	for _, m := range sc.materials {
		m.Destroy()
	}
	sc.shader.Release()
}

// offscreen is a color target with its own render list.
type offscreen struct {
	color  *rhi.Texture
	target *rhi.RenderTarget
	list   *rhi.RenderList
}

func newOffscreen(ctx *rhi.Context, label string, size uint32) (*offscreen, error) {
	color, err := ctx.NewTexture(rhi.TextureDesc{
		Label:  label + "_color",
		Width:  size,
		Height: size,
		Usage:  gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageTextureBinding,
	})
	if err != nil {
		return nil, err
	}
	target, err := ctx.NewRenderTarget(rhi.TargetDesc{Label: label, Colors: []*rhi.Texture{color}})
	if err != nil {
		color.Destroy()
		return nil, err
	}
	list, err := ctx.NewRenderList(label, instanceStride)
	if err != nil {
		target.Destroy()
		color.Destroy()
		return nil, err
	}
	return &offscreen{color: color, target: target, list: list}, nil
}

func (o *offscreen) destroy() {
	o.list.Destroy()
	o.target.Destroy()
	o.color.Destroy()
}

// draw records one pass of the scene on rec, which must be recording.
func (o *offscreen) draw(rec *rhi.Recorder, sc *scene, system []byte) error {
	if err := rec.BeginPass(o.target, rhi.Clear{Color: gputypes.Color{A: 1}, Depth: 1}); err != nil {
		return err
	}
	if err := o.list.Draw(rec, system); err != nil {
		_ = rec.EndPass()
		return err
	}
	return rec.EndPass()
}

func renderMain(ctx *rhi.Context, sc *scene, size uint32, frames int) error {
	o, err := newOffscreen(ctx, "main", size)
	if err != nil {
		return err
	}
	defer o.destroy()
	if err := sc.fill(o.list); err != nil {
		return err
	}

	for i := range frames {
		if err := ctx.FrameBegin(); err != nil {
			return err
		}
		s := 0.05 + 0.05*float32(math.Sin(float64(i)/10))
		if err := o.draw(ctx.Main(), sc, float32Bytes(s, s, 0, 0)); err != nil {
			ctx.Main().Abort()
			return err
		}
		if _, err := ctx.FrameEnd(); err != nil {
			return err
		}
	}
	return nil
}

func renderWorkers(ctx *rhi.Context, sc *scene, size uint32, workers int) error {
	pool, err := ctx.NewWorkerPool(workers)
	if err != nil {
		return err
	}
	defer func() {
		if err := pool.Close(); err != nil {
			log.Printf("rhiprobe: close workers: %v", err)
		}
	}()

	targets := make([]*offscreen, workers)
	defer func() {
		for _, o := range targets {
			if o != nil {
				o.destroy()
			}
		}
	}()
	jobs := make([]func(*rhi.Recorder) error, workers)
	for i := range targets {
		o, err := newOffscreen(ctx, fmt.Sprintf("worker%d", i), size)
		if err != nil {
			return err
		}
		if err := sc.fill(o.list); err != nil {
			return err
		}
		targets[i] = o
		system := float32Bytes(0.1, 0.1, 0, 0)
		jobs[i] = func(rec *rhi.Recorder) error {
			if err := rec.Acquire(); err != nil {
				return err
			}
			if err := o.draw(rec, sc, system); err != nil {
				rec.Abort()
				return err
			}
			return rec.Release()
		}
	}
	return pool.Run(jobs...)
}

func float32Bytes(values ...float32) []byte {
	out := make([]byte, 0, 4*len(values))
	for _, v := range values {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
	}
	return out
}
