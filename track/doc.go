// Package track implements resource usage tracking and hazard detection.
//
// Every access a command makes to a buffer, texture or acceleration
// structure is described by a use (BufferUses, TextureUses, ASUses) over a
// subresource range. Three layers consume these accesses:
//
//   - UsageScope collects the union of accesses inside one render pass or
//     one dispatch and rejects unions no backend can express.
//   - Tracker belongs to a command buffer. It remembers the first and the
//     current state of each subresource and reports a transition whenever
//     a new access needs a barrier after the current one.
//   - DeviceTracker belongs to a device. At submission it compares each
//     command buffer's first states with the state left by earlier
//     submissions and reports the transitions that must run first.
//
// Resources are addressed by dense Index values handed out by an
// IndexAllocator, one allocator per resource kind.
//
// The rule for consecutive writes of the same kind and for aliased writes
// inside one scope is configurable through Policy.
package track
