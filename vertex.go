package rhi

import "github.com/gogpu/rhi/internal/pipecache"

// Semantic names a vertex attribute; its value is the shader location.
type Semantic = pipecache.Semantic

// Vertex semantics.
const (
	Position = pipecache.Position
	Normal   = pipecache.Normal
	Tangent  = pipecache.Tangent
	Color    = pipecache.Color
	UV0      = pipecache.UV0
	UV1      = pipecache.UV1
	Joints   = pipecache.Joints
	Weights  = pipecache.Weights
	Custom0  = pipecache.Custom0
	Custom1  = pipecache.Custom1
	Custom2  = pipecache.Custom2
	Custom3  = pipecache.Custom3
)

// ComponentType is the scalar type of a vertex attribute.
type ComponentType = pipecache.ComponentType

// Component types.
const (
	Float32 = pipecache.Float32
	Uint32  = pipecache.Uint32
	Sint32  = pipecache.Sint32
	Float16 = pipecache.Float16
)

// Component is one interleaved vertex attribute.
type Component = pipecache.Component

// VertexFormat is an ordered list of interleaved attributes.
type VertexFormat = pipecache.VertexFormatDesc

// NewVertexFormat builds a vertex format from its attributes in memory
// order.
func NewVertexFormat(components ...Component) VertexFormat {
	return pipecache.NewVertexFormat(components...)
}

// Blend selects a color blend equation.
type Blend = pipecache.Blend

// Blend modes.
const (
	BlendOpaque        = pipecache.BlendOpaque
	BlendAlpha         = pipecache.BlendAlpha
	BlendPremultiplied = pipecache.BlendPremultiplied
	BlendAdditive      = pipecache.BlendAdditive
)
