package track

import "fmt"

// WriteAfterWrite selects what happens when a subresource is written
// twice in a row with the same use.
type WriteAfterWrite uint8

const (
	// BarrierBetweenWrites emits a transition between two writes of the
	// same kind unless the use is ordered (color or depth attachments,
	// mapped writes). Storage writes and copies are serialized.
	BarrierBetweenWrites WriteAfterWrite = iota

	// ElideSameKindWrites treats a repeated write of the same kind as
	// ordered and emits nothing. Use it only when the backend orders such
	// writes itself or the caller guarantees disjoint texels.
	ElideSameKindWrites
)

func (w WriteAfterWrite) String() string {
	switch w {
	case BarrierBetweenWrites:
		return "BarrierBetweenWrites"
	case ElideSameKindWrites:
		return "ElideSameKindWrites"
	default:
		return fmt.Sprintf("Unknown(%d)", w)
	}
}

// Aliasing selects whether one scope may write the same subresource
// through two different bindings.
type Aliasing uint8

const (
	// AllowAliasedWrites accepts two writable bindings of the same
	// subresource as long as their uses are identical.
	AllowAliasedWrites Aliasing = iota

	// RejectAliasedWrites reports a conflict as soon as a second binding
	// writes a subresource that another binding in the scope writes.
	RejectAliasedWrites
)

func (a Aliasing) String() string {
	switch a {
	case AllowAliasedWrites:
		return "AllowAliasedWrites"
	case RejectAliasedWrites:
		return "RejectAliasedWrites"
	default:
		return fmt.Sprintf("Unknown(%d)", a)
	}
}

// Policy configures the rules that are backend and feature dependent.
// The zero Policy is the default: barriers between writes, aliased
// writes allowed.
type Policy struct {
	WriteAfterWrite WriteAfterWrite
	Aliasing        Aliasing
}

// DefaultPolicy returns the zero Policy.
func DefaultPolicy() Policy { return Policy{} }

// step decides what a new access does to a subresource whose latest use
// is old. It returns the state to store and whether a transition from old
// to next must be recorded.
func step[U Uses](p Policy, old, use U) (next U, transition bool) {
	switch {
	case old == 0:
		// First touch: no prior access to order against.
		return use, false
	case old.IsReadOnly() && use.IsReadOnly():
		return old | use, false
	case old == use && (old.IsOrdered() || p.WriteAfterWrite == ElideSameKindWrites):
		return old, false
	default:
		return use, true
	}
}
