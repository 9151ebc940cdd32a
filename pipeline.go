package wgcore

import (
	"encoding/binary"
	"fmt"
	"maps"
	"slices"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/naga/ir"
	"github.com/gogpu/naga/spirv"
	"github.com/gogpu/wgpu/hal"
)

// =============================================================================
// Shader modules
// =============================================================================

// ShaderModuleDescriptor describes a shader module. Exactly one of WGSL
// and SPIRV must be set. WGSL is parsed and validated before the backend
// sees it; SPIR-V is passed through unchecked.
type ShaderModuleDescriptor struct {
	Label string
	WGSL  string
	SPIRV []uint32
}

type entryPoint struct {
	stage     gputypes.ShaderStage
	workgroup [3]uint32
}

// ShaderModule is compiled shader code.
type ShaderModule struct {
	resourceInfo
	raw hal.ShaderModule
	// entryPoints is nil for SPIR-V modules.
	entryPoints map[string]entryPoint
}

// CreateShaderModule compiles desc. On Vulkan, WGSL is translated to
// SPIR-V here; other backends receive the validated WGSL.
func (d *Device) CreateShaderModule(desc *ShaderModuleDescriptor) (*ShaderModule, error) {
	const op = "create shader module"
	if err := d.check(); err != nil {
		return nil, err
	}
	if desc == nil || (desc.WGSL == "") == (len(desc.SPIRV) == 0) {
		return nil, validationf(op, "exactly one of WGSL and SPIR-V must be given")
	}

	sm := &ShaderModule{}
	source := hal.ShaderSource{SPIRV: slices.Clone(desc.SPIRV)}
	if desc.WGSL != "" {
		module, err := parseWGSL(desc.WGSL)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %q: %w", ErrValidation, op, desc.Label, err)
		}
		sm.entryPoints = make(map[string]entryPoint, len(module.EntryPoints))
		for _, ep := range module.EntryPoints {
			sm.entryPoints[ep.Name] = entryPoint{stage: toShaderStage(ep.Stage), workgroup: ep.Workgroup}
		}
		if d.opts.backend == gputypes.BackendVulkan {
			words, err := compileSPIRV(module)
			if err != nil {
				return nil, fmt.Errorf("%w: %s %q: %w", ErrValidation, op, desc.Label, err)
			}
			source = hal.ShaderSource{SPIRV: words}
		} else {
			source = hal.ShaderSource{WGSL: desc.WGSL}
		}
	}

	raw, err := d.raw.CreateShaderModule(&hal.ShaderModuleDescriptor{Label: desc.Label, Source: source})
	if err != nil {
		return nil, d.noteHALError(op, err)
	}
	sm.raw = raw
	sm.init(d, KindShaderModule, desc.Label)
	return register(d.shaderModules, sm), nil
}

func parseWGSL(source string) (*ir.Module, error) {
	ast, err := naga.Parse(source)
	if err != nil {
		return nil, err
	}
	module, err := naga.LowerWithSource(ast, source)
	if err != nil {
		return nil, fmt.Errorf("lowering: %w", err)
	}
	verrs, err := naga.Validate(module)
	if err != nil {
		return nil, fmt.Errorf("validation: %w", err)
	}
	if len(verrs) > 0 {
		return nil, fmt.Errorf("validation: %w", &verrs[0])
	}
	return module, nil
}

// compileSPIRV emits module as little-endian SPIR-V words.
func compileSPIRV(module *ir.Module) ([]uint32, error) {
	code, err := naga.GenerateSPIRV(module, spirv.Options{Version: spirv.Version1_3})
	if err != nil {
		return nil, err
	}
	return spirvWords(code)
}

// spirvWords splits little-endian SPIR-V bytes into words.
func spirvWords(code []byte) ([]uint32, error) {
	if len(code)%4 != 0 {
		return nil, fmt.Errorf("spir-v: %d bytes is not a whole number of words", len(code))
	}
	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(code[i*4:])
	}
	return words, nil
}

func toShaderStage(s ir.ShaderStage) gputypes.ShaderStage {
	switch s {
	case ir.StageVertex:
		return gputypes.ShaderStageVertex
	case ir.StageFragment:
		return gputypes.ShaderStageFragment
	case ir.StageCompute:
		return gputypes.ShaderStageCompute
	default:
		return gputypes.ShaderStageNone
	}
}

// EntryPoints returns the names of the module's entry points, sorted. It
// is empty for SPIR-V modules.
func (sm *ShaderModule) EntryPoints() []string {
	return slices.Sorted(maps.Keys(sm.entryPoints))
}

// resolveEntryPoint checks that name is an entry point of stage. An empty
// name selects the only entry point of that stage.
func (sm *ShaderModule) resolveEntryPoint(name string, stage gputypes.ShaderStage) (string, entryPoint, error) {
	if sm.entryPoints == nil {
		if name == "" {
			return "", entryPoint{}, fmt.Errorf("SPIR-V module %q needs an explicit entry point", sm.label)
		}
		return name, entryPoint{stage: stage}, nil
	}
	if name == "" {
		found := ""
		for n, ep := range sm.entryPoints {
			if ep.stage != stage {
				continue
			}
			if found != "" {
				return "", entryPoint{}, fmt.Errorf("module %q has several entry points for stage %#x", sm.label, uint32(stage))
			}
			found = n
		}
		if found == "" {
			return "", entryPoint{}, fmt.Errorf("module %q has no entry point for stage %#x", sm.label, uint32(stage))
		}
		name = found
	}
	ep, ok := sm.entryPoints[name]
	if !ok {
		return "", entryPoint{}, fmt.Errorf("module %q has no entry point %q", sm.label, name)
	}
	if ep.stage != stage {
		return "", entryPoint{}, fmt.Errorf("entry point %q is for stage %#x, want %#x", name, uint32(ep.stage), uint32(stage))
	}
	return name, ep, nil
}

// Release retires the module's ID.
func (sm *ShaderModule) Release() error {
	return retire(sm.device.shaderModules, sm.id)
}

func (sm *ShaderModule) free() {
	sm.device.raw.DestroyShaderModule(sm.raw)
}

// =============================================================================
// Compute pipelines
// =============================================================================

// ComputePipelineDescriptor describes a compute pipeline.
type ComputePipelineDescriptor struct {
	Label      string
	Layout     *PipelineLayout
	Module     *ShaderModule
	EntryPoint string
	Constants  map[string]float64
}

// ComputePipeline is a compiled compute shader bound to a layout.
type ComputePipeline struct {
	resourceInfo
	raw       hal.ComputePipeline
	layout    *PipelineLayout
	module    *ShaderModule
	workgroup [3]uint32
}

// CreateComputePipeline validates desc and creates a compute pipeline.
func (d *Device) CreateComputePipeline(desc *ComputePipelineDescriptor) (*ComputePipeline, error) {
	const op = "create compute pipeline"
	if err := d.check(); err != nil {
		return nil, err
	}
	if desc == nil || desc.Layout == nil || desc.Module == nil {
		return nil, validationf(op, "layout and module are required")
	}
	if desc.Layout.device != d || desc.Module.device != d {
		return nil, validationf(op, "%q: layout or module belongs to another device", desc.Label)
	}
	name, ep, err := desc.Module.resolveEntryPoint(desc.EntryPoint, gputypes.ShaderStageCompute)
	if err != nil {
		return nil, validationf(op, "%q: %v", desc.Label, err)
	}
	if err := d.checkWorkgroup(ep.workgroup); err != nil {
		return nil, validationf(op, "%q: %v", desc.Label, err)
	}

	raw, err := d.raw.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  desc.Label,
		Layout: desc.Layout.raw,
		Compute: hal.ComputeState{
			Module:                        desc.Module.raw,
			EntryPoint:                    name,
			Constants:                     maps.Clone(desc.Constants),
			ZeroInitializeWorkgroupMemory: true,
		},
	})
	if err != nil {
		return nil, d.noteHALError(op, err)
	}
	acquire(desc.Layout)
	acquire(desc.Module)
	p := &ComputePipeline{raw: raw, layout: desc.Layout, module: desc.Module, workgroup: ep.workgroup}
	p.init(d, KindComputePipeline, desc.Label)
	return register(d.computePipelines, p), nil
}

func (d *Device) checkWorkgroup(size [3]uint32) error {
	lim := d.opts.limits
	if size == [3]uint32{} {
		return nil
	}
	if size[0] > lim.MaxComputeWorkgroupSizeX || size[1] > lim.MaxComputeWorkgroupSizeY ||
		size[2] > lim.MaxComputeWorkgroupSizeZ {
		return fmt.Errorf("workgroup size %v exceeds limits", size)
	}
	if n := uint64(size[0]) * uint64(size[1]) * uint64(size[2]); lim.MaxComputeInvocationsPerWorkgroup != 0 &&
		n > uint64(lim.MaxComputeInvocationsPerWorkgroup) {
		return fmt.Errorf("%d invocations per workgroup exceed limit %d", n, lim.MaxComputeInvocationsPerWorkgroup)
	}
	return nil
}

// Layout returns the pipeline layout.
func (p *ComputePipeline) Layout() *PipelineLayout { return p.layout }

// Release retires the pipeline's ID.
func (p *ComputePipeline) Release() error {
	return retire(p.device.computePipelines, p.id)
}

func (p *ComputePipeline) free() {
	p.device.raw.DestroyComputePipeline(p.raw)
	release(p.layout)
	release(p.module)
}

// =============================================================================
// Render pipelines
// =============================================================================

// VertexState is the vertex stage of a render pipeline.
type VertexState struct {
	Module     *ShaderModule
	EntryPoint string
	Buffers    []gputypes.VertexBufferLayout
}

// FragmentState is the fragment stage of a render pipeline.
type FragmentState struct {
	Module     *ShaderModule
	EntryPoint string
	Targets    []gputypes.ColorTargetState
}

// RenderPipelineDescriptor describes a render pipeline. A zero
// Multisample.Count means 1.
type RenderPipelineDescriptor struct {
	Label        string
	Layout       *PipelineLayout
	Vertex       VertexState
	Primitive    gputypes.PrimitiveState
	DepthStencil *hal.DepthStencilState
	Multisample  gputypes.MultisampleState
	Fragment     *FragmentState
}

// RenderPipeline is a compiled vertex and fragment pipeline bound to a
// layout and an attachment configuration.
type RenderPipeline struct {
	resourceInfo
	raw      hal.RenderPipeline
	layout   *PipelineLayout
	modules  []*ShaderModule
	attach   attachmentFormats
	strides  []uint64
	writesDS bool
}

// attachmentFormats is what a render pass and a pipeline must agree on.
type attachmentFormats struct {
	colors       []gputypes.TextureFormat
	depthStencil gputypes.TextureFormat
	samples      uint32
}

func (a attachmentFormats) compatible(o attachmentFormats) bool {
	return slices.Equal(a.colors, o.colors) && a.depthStencil == o.depthStencil && a.samples == o.samples
}

func (a attachmentFormats) String() string {
	return fmt.Sprintf("colors %v depth %v samples %d", a.colors, a.depthStencil, a.samples)
}

// CreateRenderPipeline validates desc and creates a render pipeline.
func (d *Device) CreateRenderPipeline(desc *RenderPipelineDescriptor) (*RenderPipeline, error) {
	const op = "create render pipeline"
	if err := d.check(); err != nil {
		return nil, err
	}
	if desc == nil || desc.Layout == nil || desc.Vertex.Module == nil {
		return nil, validationf(op, "layout and vertex module are required")
	}
	lim := d.opts.limits
	if desc.Layout.device != d || desc.Vertex.Module.device != d {
		return nil, validationf(op, "%q: layout or module belongs to another device", desc.Label)
	}
	vsName, _, err := desc.Vertex.Module.resolveEntryPoint(desc.Vertex.EntryPoint, gputypes.ShaderStageVertex)
	if err != nil {
		return nil, validationf(op, "%q: %v", desc.Label, err)
	}
	//nolint:gosec // G115: vertex buffer count compared against a uint32 limit
	if n := uint32(len(desc.Vertex.Buffers)); n > lim.MaxVertexBuffers {
		return nil, validationf(op, "%q: %d vertex buffers exceed limit %d", desc.Label, n, lim.MaxVertexBuffers)
	}
	strides := make([]uint64, len(desc.Vertex.Buffers))
	for i, vb := range desc.Vertex.Buffers {
		if lim.MaxVertexBufferArrayStride != 0 && vb.ArrayStride > uint64(lim.MaxVertexBufferArrayStride) {
			return nil, validationf(op, "%q: vertex buffer %d stride %d exceeds limit %d",
				desc.Label, i, vb.ArrayStride, lim.MaxVertexBufferArrayStride)
		}
		strides[i] = vb.ArrayStride
	}

	samples := desc.Multisample.Count
	if samples == 0 {
		samples = 1
	}
	if samples != 1 && samples != 4 {
		return nil, validationf(op, "%q: sample count %d is not 1 or 4", desc.Label, samples)
	}
	attach := attachmentFormats{samples: samples}
	modules := []*ShaderModule{desc.Vertex.Module}

	var fragment *hal.FragmentState
	if fs := desc.Fragment; fs != nil {
		if fs.Module == nil || fs.Module.device != d {
			return nil, validationf(op, "%q: fragment module is missing or belongs to another device", desc.Label)
		}
		fsName, _, err := fs.Module.resolveEntryPoint(fs.EntryPoint, gputypes.ShaderStageFragment)
		if err != nil {
			return nil, validationf(op, "%q: %v", desc.Label, err)
		}
		//nolint:gosec // G115: target count compared against a uint32 limit
		if n := uint32(len(fs.Targets)); n > lim.MaxColorAttachments {
			return nil, validationf(op, "%q: %d color targets exceed limit %d", desc.Label, n, lim.MaxColorAttachments)
		}
		for _, t := range fs.Targets {
			attach.colors = append(attach.colors, t.Format)
		}
		fragment = &hal.FragmentState{Module: fs.Module.raw, EntryPoint: fsName, Targets: slices.Clone(fs.Targets)}
		modules = append(modules, fs.Module)
	}

	var ds *hal.DepthStencilState
	writesDS := false
	if desc.DepthStencil != nil {
		c := *desc.DepthStencil
		if c.Format == gputypes.TextureFormatUndefined {
			return nil, validationf(op, "%q: depth-stencil format is undefined", desc.Label)
		}
		ds = &c
		attach.depthStencil = c.Format
		writesDS = c.DepthWriteEnabled || c.StencilWriteMask != 0
	}
	if len(attach.colors) == 0 && ds == nil {
		return nil, validationf(op, "%q: pipeline writes no attachments", desc.Label)
	}

	raw, err := d.raw.CreateRenderPipeline(&hal.RenderPipelineDescriptor{
		Label:  desc.Label,
		Layout: desc.Layout.raw,
		Vertex: hal.VertexState{
			Module:     desc.Vertex.Module.raw,
			EntryPoint: vsName,
			Buffers:    slices.Clone(desc.Vertex.Buffers),
		},
		Primitive:    desc.Primitive,
		DepthStencil: ds,
		Multisample: gputypes.MultisampleState{
			Count:                  samples,
			Mask:                   desc.Multisample.Mask,
			AlphaToCoverageEnabled: desc.Multisample.AlphaToCoverageEnabled,
		},
		Fragment: fragment,
	})
	if err != nil {
		return nil, d.noteHALError(op, err)
	}

	acquire(desc.Layout)
	for _, m := range modules {
		acquire(m)
	}
	p := &RenderPipeline{
		raw:      raw,
		layout:   desc.Layout,
		modules:  modules,
		attach:   attach,
		strides:  strides,
		writesDS: writesDS,
	}
	p.init(d, KindRenderPipeline, desc.Label)
	return register(d.renderPipelines, p), nil
}

// Layout returns the pipeline layout.
func (p *RenderPipeline) Layout() *PipelineLayout { return p.layout }

// VertexBufferCount returns the number of vertex buffer slots the
// pipeline reads.
func (p *RenderPipeline) VertexBufferCount() int { return len(p.strides) }

// Release retires the pipeline's ID.
func (p *RenderPipeline) Release() error {
	return retire(p.device.renderPipelines, p.id)
}

func (p *RenderPipeline) free() {
	p.device.raw.DestroyRenderPipeline(p.raw)
	release(p.layout)
	for _, m := range p.modules {
		release(m)
	}
}
