package registry

import (
	"fmt"

	"github.com/gogpu/gputypes"
)

// Index is the slot component of an ID.
type Index = uint32

// Epoch is the generation component of an ID.
// It is bumped every time the slot is retired.
type Epoch = uint32

// Bit layout of an ID, low to high: index, epoch, backend.
const (
	indexBits   = 32
	epochBits   = 29
	backendBits = 3

	epochShift   = indexBits
	backendShift = indexBits + epochBits

	// MaxEpoch is the largest epoch an ID can carry. A slot that reaches
	// it is abandoned instead of being reused.
	MaxEpoch Epoch = 1<<epochBits - 1

	epochMask   = uint64(MaxEpoch)
	backendMask = 1<<backendBits - 1
	indexMask   = 1<<indexBits - 1
)

// ID is an opaque resource identifier.
//
// IDs are plain values: safe to copy, compare and use as map keys.
// The zero ID is never issued by a Registry.
type ID uint64

// Zip builds an ID from its components.
// Epoch bits above MaxEpoch and backend values above 7 are truncated.
func Zip(index Index, epoch Epoch, backend gputypes.Backend) ID {
	return ID(uint64(index)&indexMask |
		(uint64(epoch)&epochMask)<<epochShift |
		(uint64(backend)&backendMask)<<backendShift)
}

// Unzip splits the ID into its components.
func (id ID) Unzip() (Index, Epoch, gputypes.Backend) {
	return id.Index(), id.Epoch(), id.Backend()
}

// Index returns the slot index.
func (id ID) Index() Index {
	return Index(uint64(id) & indexMask)
}

// Epoch returns the generation of the slot when the ID was issued.
func (id ID) Epoch() Epoch {
	return Epoch(uint64(id) >> epochShift & epochMask)
}

// Backend returns the backend tag.
func (id ID) Backend() gputypes.Backend {
	return gputypes.Backend(uint64(id) >> backendShift & backendMask)
}

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool {
	return id == 0
}

// String returns a compact representation, e.g. "ID(3,1,Vulkan)".
func (id ID) String() string {
	return fmt.Sprintf("ID(%d,%d,%s)", id.Index(), id.Epoch(), id.Backend())
}
