package wgcore

import (
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// SamplerDescriptor describes a sampler. Zero address modes mean
// ClampToEdge, zero filters mean Nearest, and a zero LodMaxClamp means 32.
type SamplerDescriptor struct {
	Label        string
	AddressModeU gputypes.AddressMode
	AddressModeV gputypes.AddressMode
	AddressModeW gputypes.AddressMode
	MagFilter    gputypes.FilterMode
	MinFilter    gputypes.FilterMode
	MipmapFilter gputypes.FilterMode
	LodMinClamp  float32
	LodMaxClamp  float32
	Compare      gputypes.CompareFunction
	Anisotropy   uint16
}

const defaultLodMaxClamp = 32

// Sampler is an immutable sampling configuration.
type Sampler struct {
	resourceInfo
	raw  hal.Sampler
	desc SamplerDescriptor
}

// CreateSampler validates desc and creates a sampler.
func (d *Device) CreateSampler(desc *SamplerDescriptor) (*Sampler, error) {
	const op = "create sampler"
	if err := d.check(); err != nil {
		return nil, err
	}
	var s SamplerDescriptor
	if desc != nil {
		s = *desc
	}
	for _, m := range []*gputypes.AddressMode{&s.AddressModeU, &s.AddressModeV, &s.AddressModeW} {
		if *m == gputypes.AddressModeUndefined {
			*m = gputypes.AddressModeClampToEdge
		}
	}
	for _, f := range []*gputypes.FilterMode{&s.MagFilter, &s.MinFilter, &s.MipmapFilter} {
		if *f == gputypes.FilterModeUndefined {
			*f = gputypes.FilterModeNearest
		}
	}
	if s.LodMaxClamp == 0 && s.LodMinClamp == 0 {
		s.LodMaxClamp = defaultLodMaxClamp
	}
	if s.Anisotropy == 0 {
		s.Anisotropy = 1
	}

	switch {
	case s.LodMinClamp < 0 || s.LodMaxClamp < s.LodMinClamp:
		return nil, validationf(op, "%q: lod clamp [%g,%g] is invalid", s.Label, s.LodMinClamp, s.LodMaxClamp)
	case s.Anisotropy > 16:
		return nil, validationf(op, "%q: anisotropy %d exceeds 16", s.Label, s.Anisotropy)
	case s.Anisotropy > 1 && (s.MagFilter != gputypes.FilterModeLinear ||
		s.MinFilter != gputypes.FilterModeLinear || s.MipmapFilter != gputypes.FilterModeLinear):
		return nil, validationf(op, "%q: anisotropic filtering needs linear filters", s.Label)
	}

	raw, err := d.raw.CreateSampler(&hal.SamplerDescriptor{
		Label:        s.Label,
		AddressModeU: s.AddressModeU,
		AddressModeV: s.AddressModeV,
		AddressModeW: s.AddressModeW,
		MagFilter:    s.MagFilter,
		MinFilter:    s.MinFilter,
		MipmapFilter: s.MipmapFilter,
		LodMinClamp:  s.LodMinClamp,
		LodMaxClamp:  s.LodMaxClamp,
		Compare:      s.Compare,
		Anisotropy:   s.Anisotropy,
	})
	if err != nil {
		return nil, d.noteHALError(op, err)
	}
	sm := &Sampler{raw: raw, desc: s}
	sm.init(d, KindSampler, s.Label)
	return register(d.samplers, sm), nil
}

// IsComparison reports whether the sampler compares depth values.
func (s *Sampler) IsComparison() bool { return s.desc.Compare != gputypes.CompareFunctionUndefined }

// IsFiltering reports whether any filter is linear.
func (s *Sampler) IsFiltering() bool {
	return s.desc.MagFilter == gputypes.FilterModeLinear ||
		s.desc.MinFilter == gputypes.FilterModeLinear ||
		s.desc.MipmapFilter == gputypes.FilterModeLinear
}

// Release retires the sampler's ID.
func (s *Sampler) Release() error {
	return retire(s.device.samplers, s.id)
}

func (s *Sampler) free() {
	s.device.raw.DestroySampler(s.raw)
}
