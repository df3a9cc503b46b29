//go:build !nogpu

package rhi

import (
	"errors"
	"testing"

	"github.com/gogpu/gputypes"
)

func TestPackIndices(t *testing.T) {
	data, format := packIndices([]uint32{0, 1, 65535})
	if format != gputypes.IndexFormatUint16 || len(data) != 6 {
		t.Errorf("small indices: format %v, %d bytes", format, len(data))
	}
	data, format = packIndices([]uint32{0, 65536})
	if format != gputypes.IndexFormatUint32 || len(data) != 8 {
		t.Errorf("large indices: format %v, %d bytes", format, len(data))
	}
}

func TestMeshCounts(t *testing.T) {
	ctx, _ := newTestContext(t)
	m := newTestMesh(t, ctx, "tri")
	if m.VertexCount() != 3 || m.IndexCount() != 3 {
		t.Errorf("counts = %d, %d, want 3, 3", m.VertexCount(), m.IndexCount())
	}

	plain, err := ctx.NewMesh(MeshDesc{Label: "plain", Format: positionFormat(), Vertices: triangle()})
	if err != nil {
		t.Fatalf("NewMesh: %v", err)
	}
	defer plain.Destroy()
	if plain.IndexCount() != 0 || plain.index != nil {
		t.Error("non-indexed mesh has an index buffer")
	}
}

func TestMeshStrideMismatch(t *testing.T) {
	ctx, _ := newTestContext(t)
	_, err := ctx.NewMesh(MeshDesc{Label: "bad", Format: positionFormat(), Vertices: make([]byte, 20)})
	if !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("error = %v, want ErrInvalidParameter", err)
	}
	if got := ctx.Stats().Pipelines.VertexFormats; got != 0 {
		t.Errorf("VertexFormats = %d, want 0 after failed mesh", got)
	}
}

func TestMeshUploadFailureRollsBack(t *testing.T) {
	ctx, dev := newTestContext(t)
	queue := queueOf(ctx)
	queue.refuseWrites.Store(true)
	defer queue.refuseWrites.Store(false)

	freed := dev.buffersFreed.Load()
	m, err := ctx.NewMesh(MeshDesc{Label: "refused", Format: positionFormat(), Vertices: triangle(), Indices: []uint32{0, 1, 2}})
	if !errors.Is(err, ErrDevice) {
		t.Fatalf("NewMesh error = %v, want ErrDevice", err)
	}
	if m != nil {
		t.Error("NewMesh returned a mesh on failure")
	}
	if got := dev.buffersFreed.Load() - freed; got != 1 {
		t.Errorf("buffers freed = %d, want 1", got)
	}
	if got := ctx.Stats().Pipelines.VertexFormats; got != 0 {
		t.Errorf("VertexFormats = %d, want 0 after failed upload", got)
	}
}

func TestMeshVertexFormatShared(t *testing.T) {
	ctx, dev := newTestContext(t)
	a := newTestMesh(t, ctx, "a")
	b := newTestMesh(t, ctx, "b")
	if a.ID() == b.ID() {
		t.Error("meshes share an id")
	}
	if a.format != b.format {
		t.Error("equal vertex formats got different handles")
	}
	if got := ctx.Stats().Pipelines.VertexFormats; got != 1 {
		t.Errorf("VertexFormats = %d, want 1", got)
	}

	freed := dev.buffersFreed.Load()
	a.Destroy()
	if got := dev.buffersFreed.Load(); got != freed+2 {
		t.Errorf("buffers freed = %d, want %d", got, freed+2)
	}
	if got := ctx.Stats().Pipelines.VertexFormats; got != 1 {
		t.Errorf("VertexFormats = %d, want 1 while b lives", got)
	}
	b.Destroy()
	if got := ctx.Stats().Pipelines.VertexFormats; got != 0 {
		t.Errorf("VertexFormats = %d, want 0", got)
	}
}
