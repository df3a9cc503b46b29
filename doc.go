// Package rhi is a thin, explicit GPU rendering backend on top of the
// gogpu/wgpu HAL.
//
// # Overview
//
// rhi turns buffers, textures, shaders, materials and render lists into
// correctly ordered native calls. It takes care of three things callers
// would otherwise hand-roll:
//
//   - recording commands on several goroutines and pacing the CPU against
//     the GPU with per-recorder rings of fenced command slots
//   - caching render pipelines per (material, render pass, vertex format)
//   - destroying objects only after the GPU is done with them, and
//     tracking texture layouts across frames in flight
//
// # Quick Start
//
//	ctx, err := rhi.New(device, queue)
//	if err != nil {
//	    return err
//	}
//	defer ctx.Destroy()
//
//	shader, _ := ctx.NewShaderFromWGSL("unlit", src, meta)
//	mat, _ := ctx.NewMaterial(rhi.MaterialDesc{Shader: shader, Topology: gputypes.PrimitiveTopologyTriangleList})
//	list, _ := ctx.NewRenderList("scene", 64)
//	list.Add(mesh, mat, 1, transform)
//
//	ctx.FrameBegin()
//	ctx.BeginPass(target, rhi.DefaultClear)
//	list.Draw(ctx.Main(), viewProj)
//	ctx.EndPass()
//	ctx.FrameEnd()
//
// # Recorders
//
// The main recorder is driven by FrameBegin and FrameEnd. Other goroutines
// create their own with NewRecorder, or run jobs on a WorkerPool whose
// workers each own one. Recorders are never shared. Acquire and Release
// nest; only the outermost Release submits.
//
// # Bindings
//
// Group 0 is shared by every material: binding 0 is the per-draw system
// uniform block, binding 1 the read-only storage buffer of instance
// payloads. Group 1 holds the material's own binds as described by its
// ShaderMeta.
//
// # Logging
//
// rhi is silent by default. See SetLogger.
package rhi
