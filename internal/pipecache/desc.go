//go:build !nogpu

package pipecache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/fnv"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Blend selects a color blend equation.
type Blend uint8

// Blend modes.
const (
	BlendOpaque Blend = iota
	BlendAlpha
	BlendPremultiplied
	BlendAdditive
)

// State returns the blend state for the mode, or nil for opaque.
func (b Blend) State() *gputypes.BlendState {
	add := gputypes.BlendOperationAdd
	switch b {
	case BlendAlpha:
		return &gputypes.BlendState{
			Color: gputypes.BlendComponent{SrcFactor: gputypes.BlendFactorSrcAlpha, DstFactor: gputypes.BlendFactorOneMinusSrcAlpha, Operation: add},
			Alpha: gputypes.BlendComponent{SrcFactor: gputypes.BlendFactorOne, DstFactor: gputypes.BlendFactorOneMinusSrcAlpha, Operation: add},
		}
	case BlendPremultiplied:
		s := gputypes.BlendStatePremultiplied()
		return &s
	case BlendAdditive:
		return &gputypes.BlendState{
			Color: gputypes.BlendComponent{SrcFactor: gputypes.BlendFactorOne, DstFactor: gputypes.BlendFactorOne, Operation: add},
			Alpha: gputypes.BlendComponent{SrcFactor: gputypes.BlendFactorOne, DstFactor: gputypes.BlendFactorOne, Operation: add},
		}
	default:
		return nil
	}
}

// MaterialDesc is the fixed-function state a material contributes to a
// pipeline. Shader is a stable logical id; equal ids imply equal stages.
type MaterialDesc struct {
	Shader       uint64
	Topology     gputypes.PrimitiveTopology
	FrontFace    gputypes.FrontFace
	Cull         gputypes.CullMode
	DepthTest    bool
	DepthWrite   bool
	DepthCompare gputypes.CompareFunction
	Blend        Blend
	WriteMask    gputypes.ColorWriteMask
}

func (d MaterialDesc) hash() uint64 {
	h := fnv.New64a()
	hashWriteUint64(h, d.Shader)
	hashWriteUint32(h, uint32(d.Topology))
	hashWriteUint32(h, uint32(d.FrontFace))
	hashWriteUint32(h, uint32(d.Cull))
	hashWriteBool(h, d.DepthTest)
	hashWriteBool(h, d.DepthWrite)
	hashWriteUint32(h, uint32(d.DepthCompare))
	hashWriteUint32(h, uint32(d.Blend))
	hashWriteUint32(h, uint32(d.WriteMask))
	return h.Sum64()
}

// ShaderStages are the shader objects a material registration needs.
// Bindings describe the material's own bind group (group 1).
type ShaderStages struct {
	Vertex        hal.ShaderModule
	VertexEntry   string
	Fragment      hal.ShaderModule
	FragmentEntry string
	Bindings      []gputypes.BindGroupLayoutEntry
}

// MaxColorTargets is the number of color attachments a pass may have.
const MaxColorTargets = 4

// RenderPassDesc describes attachment formats and load/store policy. It
// never includes attachment size, so resized targets share a slot.
type RenderPassDesc struct {
	Colors     [MaxColorTargets]gputypes.TextureFormat
	ColorCount uint8
	Depth      gputypes.TextureFormat
	Samples    uint32
	Resolve    bool
	ColorLoad  gputypes.LoadOp
	ColorStore gputypes.StoreOp
	DepthLoad  gputypes.LoadOp
	DepthStore gputypes.StoreOp
}

func (d RenderPassDesc) hash() uint64 {
	h := fnv.New64a()
	for _, f := range d.Colors {
		hashWriteUint32(h, uint32(f))
	}
	hashWriteUint32(h, uint32(d.ColorCount))
	hashWriteUint32(h, uint32(d.Depth))
	hashWriteUint32(h, d.Samples)
	hashWriteBool(h, d.Resolve)
	hashWriteUint32(h, uint32(d.ColorLoad))
	hashWriteUint32(h, uint32(d.ColorStore))
	hashWriteUint32(h, uint32(d.DepthLoad))
	hashWriteUint32(h, uint32(d.DepthStore))
	return h.Sum64()
}

// validate rejects descriptions no pipeline could be built for.
func (d RenderPassDesc) validate() error {
	if d.ColorCount > MaxColorTargets {
		return fmt.Errorf("%d color targets, max %d", d.ColorCount, MaxColorTargets)
	}
	if d.ColorCount == 0 && d.Depth == gputypes.TextureFormatUndefined {
		return errors.New("render pass has no attachments")
	}
	switch d.Samples {
	case 0, 1, 2, 4, 8:
	default:
		return fmt.Errorf("sample count %d", d.Samples)
	}
	return nil
}

// Semantic names a vertex attribute. Its value is the shader location.
type Semantic uint8

// Semantics.
const (
	Position Semantic = iota
	Normal
	Tangent
	Color
	UV0
	UV1
	Joints
	Weights
	Custom0
	Custom1
	Custom2
	Custom3
)

// ComponentType is the scalar type of a vertex attribute.
type ComponentType uint8

// Component types.
const (
	Float32 ComponentType = iota
	Uint32
	Sint32
	Float16
)

// Component is one vertex attribute: Count scalars of Type.
type Component struct {
	Semantic Semantic
	Type     ComponentType
	Count    uint8
}

var vertexFormats = map[ComponentType]map[uint8]gputypes.VertexFormat{
	Float32: {1: gputypes.VertexFormatFloat32, 2: gputypes.VertexFormatFloat32x2, 3: gputypes.VertexFormatFloat32x3, 4: gputypes.VertexFormatFloat32x4},
	Uint32:  {1: gputypes.VertexFormatUint32, 2: gputypes.VertexFormatUint32x2, 3: gputypes.VertexFormatUint32x3, 4: gputypes.VertexFormatUint32x4},
	Sint32:  {2: gputypes.VertexFormatSint32x2, 3: gputypes.VertexFormatSint32x3, 4: gputypes.VertexFormatSint32x4},
	Float16: {2: gputypes.VertexFormatFloat16x2, 4: gputypes.VertexFormatFloat16x4},
}

var componentSizes = [...]uint64{Float32: 4, Uint32: 4, Sint32: 4, Float16: 2}

// Format returns the native vertex format, or false when the combination
// has none.
func (c Component) Format() (gputypes.VertexFormat, bool) {
	f, ok := vertexFormats[c.Type][c.Count]
	return f, ok
}

// Size returns the attribute size in bytes.
func (c Component) Size() uint64 {
	if int(c.Type) >= len(componentSizes) {
		return 0
	}
	return componentSizes[c.Type] * uint64(c.Count)
}

// MaxVertexComponents bounds the attributes of one vertex format.
const MaxVertexComponents = 8

// VertexFormatDesc is an ordered list of interleaved attributes.
type VertexFormatDesc struct {
	Components [MaxVertexComponents]Component
	Len        uint8
}

// NewVertexFormat builds a description from components.
func NewVertexFormat(components ...Component) VertexFormatDesc {
	var d VertexFormatDesc
	n := copy(d.Components[:], components)
	d.Len = uint8(n) //nolint:gosec // bounded by MaxVertexComponents
	return d
}

func (d VertexFormatDesc) hash() uint64 {
	h := fnv.New64a()
	hashWriteUint32(h, uint32(d.Len))
	for _, c := range d.Components[:d.Len] {
		hashWriteUint32(h, uint32(c.Semantic)<<16|uint32(c.Type)<<8|uint32(c.Count))
	}
	return h.Sum64()
}

// VertexLayout is the derived interleaved layout of a vertex format.
type VertexLayout struct {
	Stride  uint64
	Offsets []uint64
	Buffer  gputypes.VertexBufferLayout
}

// Layout derives stride, offsets and the native buffer layout.
func (d VertexFormatDesc) Layout() (VertexLayout, error) {
	if d.Len == 0 || d.Len > MaxVertexComponents {
		return VertexLayout{}, fmt.Errorf("vertex format with %d components", d.Len)
	}
	var l VertexLayout
	attrs := make([]gputypes.VertexAttribute, 0, d.Len)
	seen := make(map[Semantic]bool, d.Len)
	for _, c := range d.Components[:d.Len] {
		f, ok := c.Format()
		if !ok {
			return VertexLayout{}, fmt.Errorf("no vertex format for %d x type %d", c.Count, c.Type)
		}
		if seen[c.Semantic] {
			return VertexLayout{}, fmt.Errorf("duplicate semantic %d", c.Semantic)
		}
		seen[c.Semantic] = true
		l.Offsets = append(l.Offsets, l.Stride)
		attrs = append(attrs, gputypes.VertexAttribute{
			Format:         f,
			Offset:         l.Stride,
			ShaderLocation: uint32(c.Semantic),
		})
		l.Stride += (c.Size() + 3) &^ 3
	}
	l.Buffer = gputypes.VertexBufferLayout{
		ArrayStride: l.Stride,
		StepMode:    gputypes.VertexStepModeVertex,
		Attributes:  attrs,
	}
	return l, nil
}

func hashWriteUint32(h hash.Hash64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, _ = h.Write(buf[:])
}

func hashWriteUint64(h hash.Hash64, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, _ = h.Write(buf[:])
}

func hashWriteBool(h hash.Hash64, v bool) {
	if v {
		_, _ = h.Write([]byte{1})
	} else {
		_, _ = h.Write([]byte{0})
	}
}
