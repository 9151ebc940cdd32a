package track

import (
	"errors"
	"fmt"
)

// ErrUsageConflict is matched by every ConflictError.
var ErrUsageConflict = errors.New("track: resource usage conflict")

// Kind names a tracked resource category.
type Kind uint8

const (
	KindBuffer Kind = iota
	KindTexture
	KindAccelerationStructure
)

func (k Kind) String() string {
	switch k {
	case KindBuffer:
		return "buffer"
	case KindTexture:
		return "texture"
	case KindAccelerationStructure:
		return "acceleration structure"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// ConflictError reports two accesses in one scope that cannot be ordered.
type ConflictError struct {
	Kind  Kind
	Index Index
	// Where is the conflicting range or texture selector.
	Where     string
	Existing  string
	Requested string
	// Aliased is set when the uses were compatible but came from two
	// bindings and the policy rejects aliased writes.
	Aliased bool
}

func (e *ConflictError) Error() string {
	if e.Aliased {
		return fmt.Sprintf("track: %s %d %s is written through two bindings (%s)",
			e.Kind, e.Index, e.Where, e.Requested)
	}
	return fmt.Sprintf("track: %s %d %s is used as %s and %s in the same scope",
		e.Kind, e.Index, e.Where, e.Existing, e.Requested)
}

// Is reports whether target is ErrUsageConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrUsageConflict
}
