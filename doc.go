// Package wgcore is the resource safety layer of a cross-backend GPU
// runtime built on gogpu/wgpu/hal.
//
// # Overview
//
// wgcore sits between a validated API (the types in this package) and a
// native backend reached through hal.Device, hal.Queue and
// hal.CommandEncoder. It makes resource usage memory safe and temporally
// correct:
//
//   - Every resource is addressed by a generational registry.ID. A stale
//     ID never resolves to a newer resource that reused its slot.
//   - Every access a command makes is recorded by a usage tracker
//     (package track), which inserts the barriers the backend needs and
//     rejects combinations no backend can express.
//   - Command encoding is a state machine. The first error poisons the
//     encoder and is reported again by Finish.
//   - Submission resolves each command buffer against the device state,
//     and destruction is deferred until no pending submission uses the
//     resource.
//
// # Quick Start
//
//	inst, err := wgcore.NewInstance()
//	adapter, err := inst.RequestAdapter()
//	device, err := adapter.RequestDevice(wgcore.WithLabel("main"))
//	defer device.Destroy()
//
//	buf, err := device.CreateBuffer(&wgcore.BufferDescriptor{
//	    Size:  1024,
//	    Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
//	})
//
//	enc, err := device.CreateCommandEncoder(nil)
//	err = enc.ClearBuffer(buf, 0, wgcore.WholeSize)
//	cb, err := enc.Finish(nil)
//
//	index, err := device.Queue().Submit(cb)
//	_, err = device.Poll(ctx, wgcore.PollWaitFor(index))
//
// # Architecture
//
// The module is organized into:
//   - registry: generational handle arena
//   - track: usage states, scopes, per-command-buffer and per-device trackers
//   - internal/snatch: destruction guard for raw handles
//   - internal/cache: deduplication pool for bind group layouts
//   - wgcore: resources, encoder and passes, queue, polling
//
// # Thread Safety
//
// Device, Queue and every resource are safe for concurrent use. A
// CommandEncoder and its passes belong to one goroutine at a time; an
// internal mutex turns misuse into errors instead of races.
//
// # Logging
//
// wgcore is silent by default. See SetLogger.
package wgcore
