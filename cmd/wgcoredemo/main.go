// Command wgcoredemo runs a compute pass through wgcore and reads the
// result back: it doubles a buffer of integers on the GPU.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/wgcore"
)

const doubleWGSL = `
@group(0) @binding(0) var<storage, read_write> data: array<u32>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let i = gid.x;
    if i < arrayLength(&data) {
        data[i] = data[i] * 2u;
    }
}
`

func main() {
	var (
		backend = flag.String("backend", "", "preferred backend (Vulkan, Metal, DX12, GL, Empty)")
		count   = flag.Int("n", 1024, "number of integers to double")
		verbose = flag.Bool("v", false, "debug logging")
		timeout = flag.Duration("timeout", 5*time.Second, "how long to wait for the GPU")
	)
	flag.Parse()

	if *verbose {
		wgcore.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}
	if *count <= 0 {
		log.Fatalf("-n must be positive, got %d", *count)
	}

	var opts []wgcore.InstanceOption
	if *backend != "" {
		opts = append(opts, wgcore.WithBackendPriority(*backend))
	}
	inst, err := wgcore.NewInstance(opts...)
	if err != nil {
		log.Fatalf("instance: %v", err)
	}
	defer inst.Destroy()

	adapter, err := inst.RequestAdapter()
	if err != nil {
		log.Fatalf("adapter: %v", err)
	}
	device, err := adapter.RequestDevice(wgcore.WithLabel("wgcoredemo"))
	if err != nil {
		log.Fatalf("device: %v", err)
	}
	defer device.Destroy()
	log.Printf("running on %s (%s)", adapter.Info().Name, inst.Backend())

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	out, err := double(ctx, device, *count)
	if err != nil {
		log.Fatalf("double: %v", err)
	}

	show := min(len(out), 8)
	log.Printf("first %d results: %v", show, out[:show])
	log.Printf("device: %s", device.Report())
}

// double uploads 0..n-1, doubles every value in a compute pass and
// returns what the readback buffer holds afterwards.
func double(ctx context.Context, d *wgcore.Device, n int) ([]uint32, error) {
	size := uint64(n) * 4

	data, err := d.CreateBuffer(&wgcore.BufferDescriptor{
		Label: "data",
		Size:  size,
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst | gputypes.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, err
	}
	defer data.Release()
	readback, err := d.CreateBuffer(&wgcore.BufferDescriptor{
		Label: "readback",
		Size:  size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, err
	}
	defer readback.Release()

	input := make([]byte, size)
	for i := range n {
		binary.LittleEndian.PutUint32(input[i*4:], uint32(i))
	}
	if err := d.Queue().WriteBuffer(data, 0, input); err != nil {
		return nil, err
	}

	pipeline, group, err := doublePipeline(d, data)
	if err != nil {
		return nil, err
	}
	defer pipeline.Release()
	defer group.Release()

	enc, err := d.CreateCommandEncoder(&wgcore.CommandEncoderDescriptor{Label: "double"})
	if err != nil {
		return nil, err
	}
	defer enc.Release()
	pass, err := enc.BeginComputePass(&wgcore.ComputePassDescriptor{Label: "double"})
	if err != nil {
		return nil, err
	}
	if err := pass.SetPipeline(pipeline); err != nil {
		return nil, err
	}
	if err := pass.SetBindGroup(0, group, nil); err != nil {
		return nil, err
	}
	if err := pass.Dispatch(uint32((n+63)/64), 1, 1); err != nil {
		return nil, err
	}
	if err := pass.End(); err != nil {
		return nil, err
	}
	if err := enc.CopyBufferToBuffer(data, 0, readback, 0, size); err != nil {
		return nil, err
	}
	cb, err := enc.Finish(nil)
	if err != nil {
		return nil, err
	}
	if _, err := d.Queue().Submit(cb); err != nil {
		return nil, err
	}

	mapped := make(chan error, 1)
	if err := readback.MapAsync(gputypes.MapModeRead, 0, wgcore.WholeSize, func(err error) { mapped <- err }); err != nil {
		return nil, err
	}
	if _, err := d.Poll(ctx, wgcore.PollWait()); err != nil {
		return nil, err
	}
	if err := <-mapped; err != nil {
		return nil, err
	}
	defer readback.Unmap()

	raw, err := readback.MappedRange(0, size)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	return out, nil
}

func doublePipeline(d *wgcore.Device, data *wgcore.Buffer) (*wgcore.ComputePipeline, *wgcore.BindGroup, error) {
	module, err := d.CreateShaderModule(&wgcore.ShaderModuleDescriptor{Label: "double", WGSL: doubleWGSL})
	if err != nil {
		return nil, nil, err
	}
	defer module.Release()

	layout, err := d.CreateBindGroupLayout(&wgcore.BindGroupLayoutDescriptor{
		Label: "double",
		Entries: []gputypes.BindGroupLayoutEntry{{
			Binding:    0,
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage},
		}},
	})
	if err != nil {
		return nil, nil, err
	}
	defer layout.Release()

	pl, err := d.CreatePipelineLayout(&wgcore.PipelineLayoutDescriptor{
		Label:            "double",
		BindGroupLayouts: []*wgcore.BindGroupLayout{layout},
	})
	if err != nil {
		return nil, nil, err
	}
	defer pl.Release()

	pipeline, err := d.CreateComputePipeline(&wgcore.ComputePipelineDescriptor{
		Label:  "double",
		Layout: pl,
		Module: module,
	})
	if err != nil {
		return nil, nil, err
	}
	group, err := d.CreateBindGroup(&wgcore.BindGroupDescriptor{
		Label:   "double",
		Layout:  layout,
		Entries: []wgcore.BindGroupEntry{{Binding: 0, Buffer: data}},
	})
	if err != nil {
		pipeline.Release()
		return nil, nil, err
	}
	return pipeline, group, nil
}
