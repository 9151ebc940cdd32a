package wgcore

import (
	"errors"
	"fmt"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/wgcore/track"
)

// Errors returned by resource creation, encoding and submission.
// Typed errors below match one of these through errors.Is.
var (
	// ErrInvalidHandle is returned when an ID does not resolve: it was
	// never issued, its resource was released, or it belongs to another
	// backend.
	ErrInvalidHandle = errors.New("wgcore: invalid handle")

	// ErrDestroyedResource is matched by DestroyedResourceError.
	ErrDestroyedResource = errors.New("wgcore: resource destroyed")

	// ErrIncompatibleUsage is matched by IncompatibleUsageError.
	ErrIncompatibleUsage = errors.New("wgcore: incompatible usage")

	// ErrResourceUsageConflict is matched by UsageConflictError.
	ErrResourceUsageConflict = errors.New("wgcore: resource usage conflict")

	// ErrBindGroupIndexOutOfRange is matched by BindGroupIndexOutOfRangeError.
	ErrBindGroupIndexOutOfRange = errors.New("wgcore: bind group index out of range")

	// ErrValidation is matched by ValidationError.
	ErrValidation = errors.New("wgcore: validation failed")

	// ErrDeviceLost is returned by every operation once the device is lost
	// or destroyed. It is sticky.
	ErrDeviceLost = errors.New("wgcore: device lost")

	// ErrOutOfMemory is returned when the backend runs out of memory.
	ErrOutOfMemory = errors.New("wgcore: out of memory")

	// ErrTimeout is returned by Poll when its context ends first.
	ErrTimeout = errors.New("wgcore: timeout")

	// ErrFeatureNotSupported is returned when an operation needs a backend
	// capability the device does not have.
	ErrFeatureNotSupported = errors.New("wgcore: feature not supported")

	// ErrMapAborted is passed to a pending map callback when the buffer is
	// unmapped or destroyed first.
	ErrMapAborted = errors.New("wgcore: buffer map aborted")

	// ErrNilHAL is returned by NewDevice without a hal device or queue.
	ErrNilHAL = errors.New("wgcore: hal device or queue is nil")

	// ErrNoBackend is returned by NewInstance when no registered backend
	// could create an instance.
	ErrNoBackend = errors.New("wgcore: no usable backend")

	// ErrNoAdapter is returned by RequestAdapter when the instance
	// exposes no adapter.
	ErrNoAdapter = errors.New("wgcore: no adapter available")
)

// Encoder and command buffer state errors.
var (
	// ErrEncoderInvalid is returned by every call on an encoder after a
	// recording error. Finish returns the original error instead.
	ErrEncoderInvalid = errors.New("wgcore: encoder is invalid after an earlier error")

	// ErrEncoderLocked is returned when the encoder is used while a pass
	// is open. It also invalidates the encoder.
	ErrEncoderLocked = errors.New("wgcore: encoder is locked (pass in progress)")

	// ErrEncoderFinished is returned when the encoder is used after Finish.
	ErrEncoderFinished = errors.New("wgcore: encoder already finished")

	// ErrPassEnded is returned when a pass is used after End.
	ErrPassEnded = errors.New("wgcore: pass already ended")

	// ErrCommandBufferConsumed is returned when a command buffer is
	// submitted a second time.
	ErrCommandBufferConsumed = errors.New("wgcore: command buffer already submitted")
)

// ResourceKind names a resource category.
type ResourceKind uint8

// Resource categories.
const (
	KindBuffer ResourceKind = iota
	KindTexture
	KindTextureView
	KindSampler
	KindBindGroupLayout
	KindPipelineLayout
	KindBindGroup
	KindShaderModule
	KindComputePipeline
	KindRenderPipeline
	KindQuerySet
	KindAccelerationStructure
	KindCommandBuffer

	kindCount
)

var kindNames = [...]string{
	"buffer", "texture", "texture view", "sampler", "bind group layout",
	"pipeline layout", "bind group", "shader module", "compute pipeline",
	"render pipeline", "query set", "acceleration structure", "command buffer",
}

// String returns the category name.
func (k ResourceKind) String() string {
	if k < kindCount {
		return kindNames[k]
	}
	return fmt.Sprintf("Unknown(%d)", k)
}

// =============================================================================
// Typed errors
// =============================================================================

// DestroyedResourceError reports the use, or a second destroy, of a
// resource whose raw handle is gone.
type DestroyedResourceError struct {
	Kind  ResourceKind
	Label string
}

func (e *DestroyedResourceError) Error() string {
	return fmt.Sprintf("wgcore: %s %q is destroyed", e.Kind, e.Label)
}

// Is reports whether target is ErrDestroyedResource.
func (e *DestroyedResourceError) Is(target error) bool {
	return target == ErrDestroyedResource
}

// IncompatibleUsageError reports a resource used in a way its creation
// usage flags do not allow. Actual and Expected hold gputypes.BufferUsage
// or gputypes.TextureUsage bits depending on Kind.
type IncompatibleUsageError struct {
	Kind     ResourceKind
	Label    string
	Actual   uint64
	Expected uint64
}

func (e *IncompatibleUsageError) Error() string {
	return fmt.Sprintf("wgcore: %s %q has usage %#x, missing %#x",
		e.Kind, e.Label, e.Actual, e.Expected&^e.Actual)
}

// Is reports whether target is ErrIncompatibleUsage.
func (e *IncompatibleUsageError) Is(target error) bool {
	return target == ErrIncompatibleUsage
}

// BindGroupIndexOutOfRangeError reports a bind group slot at or beyond
// the device's MaxBindGroups.
type BindGroupIndexOutOfRangeError struct {
	Index uint32
	Max   uint32
}

func (e *BindGroupIndexOutOfRangeError) Error() string {
	return fmt.Sprintf("wgcore: bind group index %d out of range (max %d)", e.Index, e.Max)
}

// Is reports whether target is ErrBindGroupIndexOutOfRange.
func (e *BindGroupIndexOutOfRangeError) Is(target error) bool {
	return target == ErrBindGroupIndexOutOfRange
}

// UsageConflictError reports two uses of a resource inside one usage
// scope that cannot be ordered. It wraps the tracker's ConflictError.
type UsageConflictError struct {
	Label    string
	Conflict *track.ConflictError
}

func (e *UsageConflictError) Error() string {
	if e.Label == "" {
		return "wgcore: " + e.Conflict.Error()
	}
	return fmt.Sprintf("wgcore: %q: %s", e.Label, e.Conflict.Error())
}

// Is reports whether target is ErrResourceUsageConflict.
func (e *UsageConflictError) Is(target error) bool {
	return target == ErrResourceUsageConflict
}

func (e *UsageConflictError) Unwrap() error { return e.Conflict }

// ValidationError reports a descriptor or argument rejected before any
// backend call.
type ValidationError struct {
	Op      string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("wgcore: %s: %s", e.Op, e.Message)
}

// Is reports whether target is ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func validationf(op, format string, args ...any) error {
	return &ValidationError{Op: op, Message: fmt.Sprintf(format, args...)}
}

// =============================================================================
// helpers
// =============================================================================

// conflictError converts a tracker conflict into a UsageConflictError.
// Other errors pass through.
func conflictError(label string, err error) error {
	var ce *track.ConflictError
	if errors.As(err, &ce) {
		return &UsageConflictError{Label: label, Conflict: ce}
	}
	return err
}

func isDeviceLost(err error) bool {
	return errors.Is(err, ErrDeviceLost)
}

// halError maps backend errors onto wgcore sentinels, keeping the
// original in the chain.
func halError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, hal.ErrDeviceLost):
		return fmt.Errorf("%s: %w: %w", op, ErrDeviceLost, err)
	case errors.Is(err, hal.ErrDeviceOutOfMemory):
		return fmt.Errorf("%s: %w: %w", op, ErrOutOfMemory, err)
	case errors.Is(err, hal.ErrTimestampsNotSupported):
		return fmt.Errorf("%s: %w: %w", op, ErrFeatureNotSupported, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
