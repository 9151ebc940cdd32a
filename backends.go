//go:build !nogpu && !android && !js

package wgcore

// The Vulkan backend registers itself with hal. Build with -tags nogpu to
// leave it out and run on the noop backend only.
import _ "github.com/gogpu/wgpu/hal/vulkan"
