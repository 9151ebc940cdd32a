package track

import (
	"strings"

	"github.com/gogpu/gputypes"
)

// Uses is the constraint satisfied by BufferUses, TextureUses and ASUses.
type Uses interface {
	~uint32
	IsReadOnly() bool
	IsOrdered() bool
	IsValid() bool
	String() string
}

// =============================================================================
// Buffer uses
// =============================================================================

// BufferUses is a set of ways a buffer range is accessed.
type BufferUses uint32

// Buffer uses.
const (
	BufferUsesMapRead      BufferUses = 1 << 0
	BufferUsesMapWrite     BufferUses = 1 << 1
	BufferUsesCopySrc      BufferUses = 1 << 2
	BufferUsesCopyDst      BufferUses = 1 << 3
	BufferUsesIndex        BufferUses = 1 << 4
	BufferUsesVertex       BufferUses = 1 << 5
	BufferUsesUniform      BufferUses = 1 << 6
	BufferUsesStorageRead  BufferUses = 1 << 7
	BufferUsesStorageWrite BufferUses = 1 << 8
	BufferUsesIndirect     BufferUses = 1 << 9
	BufferUsesQueryResolve BufferUses = 1 << 10
	BufferUsesASInput      BufferUses = 1 << 11

	// BufferUsesInclusive are the read-only uses; any of them may be
	// combined in one scope.
	BufferUsesInclusive = BufferUsesMapRead | BufferUsesCopySrc | BufferUsesIndex |
		BufferUsesVertex | BufferUsesUniform | BufferUsesStorageRead |
		BufferUsesIndirect | BufferUsesASInput

	// BufferUsesExclusive are the writing uses; each must be alone in a scope.
	BufferUsesExclusive = BufferUsesMapWrite | BufferUsesCopyDst |
		BufferUsesStorageWrite | BufferUsesQueryResolve

	// BufferUsesOrdered are uses whose repetition needs no barrier.
	BufferUsesOrdered = BufferUsesInclusive | BufferUsesMapWrite
)

var bufferUsesNames = [...]string{
	"MapRead", "MapWrite", "CopySrc", "CopyDst", "Index", "Vertex",
	"Uniform", "StorageRead", "StorageWrite", "Indirect", "QueryResolve",
	"ASInput",
}

// IsReadOnly reports whether u contains no writing use.
func (u BufferUses) IsReadOnly() bool { return u&BufferUsesExclusive == 0 }

// IsOrdered reports whether u may follow itself without a barrier.
func (u BufferUses) IsOrdered() bool { return u&^BufferUsesOrdered == 0 }

// IsValid reports whether u can be the union of accesses in one scope.
func (u BufferUses) IsValid() bool { return validUnion(uint32(u), uint32(BufferUsesExclusive)) }

func (u BufferUses) String() string { return formatUses(uint32(u), bufferUsesNames[:]) }

// ToBufferUsage converts u to the usage flags hal barriers carry.
func (u BufferUses) ToBufferUsage() gputypes.BufferUsage {
	var r gputypes.BufferUsage
	if u&BufferUsesMapRead != 0 {
		r |= gputypes.BufferUsageMapRead
	}
	if u&BufferUsesMapWrite != 0 {
		r |= gputypes.BufferUsageMapWrite
	}
	if u&BufferUsesCopySrc != 0 {
		r |= gputypes.BufferUsageCopySrc
	}
	if u&BufferUsesCopyDst != 0 {
		r |= gputypes.BufferUsageCopyDst
	}
	if u&BufferUsesIndex != 0 {
		r |= gputypes.BufferUsageIndex
	}
	if u&BufferUsesVertex != 0 {
		r |= gputypes.BufferUsageVertex
	}
	if u&BufferUsesUniform != 0 {
		r |= gputypes.BufferUsageUniform
	}
	if u&(BufferUsesStorageRead|BufferUsesStorageWrite|BufferUsesASInput) != 0 {
		r |= gputypes.BufferUsageStorage
	}
	if u&BufferUsesIndirect != 0 {
		r |= gputypes.BufferUsageIndirect
	}
	if u&BufferUsesQueryResolve != 0 {
		r |= gputypes.BufferUsageQueryResolve
	}
	return r
}

// =============================================================================
// Texture uses
// =============================================================================

// TextureUses is a set of ways a texture subresource is accessed.
type TextureUses uint32

// Texture uses.
const (
	TextureUsesUninitialized     TextureUses = 1 << 0
	TextureUsesPresent           TextureUses = 1 << 1
	TextureUsesCopySrc           TextureUses = 1 << 2
	TextureUsesCopyDst           TextureUses = 1 << 3
	TextureUsesResource          TextureUses = 1 << 4
	TextureUsesColorTarget       TextureUses = 1 << 5
	TextureUsesDepthStencilRead  TextureUses = 1 << 6
	TextureUsesDepthStencilWrite TextureUses = 1 << 7
	TextureUsesStorageRead       TextureUses = 1 << 8
	TextureUsesStorageWrite      TextureUses = 1 << 9

	// TextureUsesInclusive are the read-only uses.
	TextureUsesInclusive = TextureUsesCopySrc | TextureUsesResource |
		TextureUsesDepthStencilRead | TextureUsesStorageRead

	// TextureUsesExclusive are the uses that must be alone in a scope.
	TextureUsesExclusive = TextureUsesUninitialized | TextureUsesPresent |
		TextureUsesCopyDst | TextureUsesColorTarget |
		TextureUsesDepthStencilWrite | TextureUsesStorageWrite

	// TextureUsesOrdered are uses whose repetition needs no barrier.
	TextureUsesOrdered = TextureUsesInclusive | TextureUsesColorTarget |
		TextureUsesDepthStencilWrite
)

var textureUsesNames = [...]string{
	"Uninitialized", "Present", "CopySrc", "CopyDst", "Resource",
	"ColorTarget", "DepthStencilRead", "DepthStencilWrite", "StorageRead",
	"StorageWrite",
}

// IsReadOnly reports whether u contains no writing use.
func (u TextureUses) IsReadOnly() bool { return u&TextureUsesExclusive == 0 }

// IsOrdered reports whether u may follow itself without a barrier.
func (u TextureUses) IsOrdered() bool { return u&^TextureUsesOrdered == 0 }

// IsValid reports whether u can be the union of accesses in one scope.
func (u TextureUses) IsValid() bool {
	return validUnion(uint32(u), uint32(TextureUsesExclusive))
}

func (u TextureUses) String() string { return formatUses(uint32(u), textureUsesNames[:]) }

// ToTextureUsage converts u to the usage flags hal barriers carry.
// Uninitialized and Present have no gputypes equivalent and map to zero.
func (u TextureUses) ToTextureUsage() gputypes.TextureUsage {
	var r gputypes.TextureUsage
	if u&TextureUsesCopySrc != 0 {
		r |= gputypes.TextureUsageCopySrc
	}
	if u&TextureUsesCopyDst != 0 {
		r |= gputypes.TextureUsageCopyDst
	}
	if u&TextureUsesResource != 0 {
		r |= gputypes.TextureUsageTextureBinding
	}
	if u&(TextureUsesStorageRead|TextureUsesStorageWrite) != 0 {
		r |= gputypes.TextureUsageStorageBinding
	}
	if u&(TextureUsesColorTarget|TextureUsesDepthStencilRead|TextureUsesDepthStencilWrite) != 0 {
		r |= gputypes.TextureUsageRenderAttachment
	}
	return r
}

// =============================================================================
// Acceleration structure uses
// =============================================================================

// ASUses is a set of ways an acceleration structure is accessed.
type ASUses uint32

// Acceleration structure uses.
const (
	ASUsesBuildInput  ASUses = 1 << 0
	ASUsesBuildOutput ASUses = 1 << 1
	ASUsesShaderRead  ASUses = 1 << 2

	ASUsesInclusive = ASUsesBuildInput | ASUsesShaderRead
	ASUsesExclusive = ASUsesBuildOutput
	ASUsesOrdered   = ASUsesInclusive
)

var asUsesNames = [...]string{"BuildInput", "BuildOutput", "ShaderRead"}

// IsReadOnly reports whether u contains no writing use.
func (u ASUses) IsReadOnly() bool { return u&ASUsesExclusive == 0 }

// IsOrdered reports whether u may follow itself without a barrier.
func (u ASUses) IsOrdered() bool { return u&^ASUsesOrdered == 0 }

// IsValid reports whether u can be the union of accesses in one scope.
func (u ASUses) IsValid() bool { return validUnion(uint32(u), uint32(ASUsesExclusive)) }

func (u ASUses) String() string { return formatUses(uint32(u), asUsesNames[:]) }

// =============================================================================
// helpers
// =============================================================================

// validUnion: a set holding an exclusive bit must hold nothing else.
func validUnion(bits, exclusive uint32) bool {
	return bits&exclusive == 0 || bits&(bits-1) == 0
}

func formatUses(bits uint32, names []string) string {
	if bits == 0 {
		return "None"
	}
	var sb strings.Builder
	for i, name := range names {
		if bits&(1<<i) == 0 {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('|')
		}
		sb.WriteString(name)
		bits &^= 1 << i
	}
	if bits != 0 {
		if sb.Len() > 0 {
			sb.WriteByte('|')
		}
		sb.WriteString("Unknown")
	}
	return sb.String()
}
