package wgcore

import (
	"math/bits"
	"slices"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/wgcore/internal/snatch"
	"github.com/gogpu/wgcore/track"
)

// TextureDescriptor describes a texture. Zero MipLevelCount and
// SampleCount mean 1; an undefined Dimension means 2D.
type TextureDescriptor struct {
	Label         string
	Size          gputypes.Extent3D
	MipLevelCount uint32
	SampleCount   uint32
	Dimension     gputypes.TextureDimension
	Format        gputypes.TextureFormat
	Usage         gputypes.TextureUsage
	ViewFormats   []gputypes.TextureFormat
}

// Texture is a GPU image with mip levels and array layers.
type Texture struct {
	resourceInfo
	raw  snatch.Snatchable[hal.Texture]
	desc TextureDescriptor
}

// CreateTexture validates desc and creates a texture. Its contents are
// undefined until first written.
func (d *Device) CreateTexture(desc *TextureDescriptor) (*Texture, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	if desc == nil {
		return nil, validationf("create texture", "descriptor is nil")
	}
	resolved := *desc
	resolved.ViewFormats = slices.Clone(desc.ViewFormats)
	if resolved.MipLevelCount == 0 {
		resolved.MipLevelCount = 1
	}
	if resolved.SampleCount == 0 {
		resolved.SampleCount = 1
	}
	if resolved.Dimension == gputypes.TextureDimensionUndefined {
		resolved.Dimension = gputypes.TextureDimension2D
	}
	if err := d.validateTexture(&resolved); err != nil {
		return nil, err
	}

	raw, err := d.raw.CreateTexture(&hal.TextureDescriptor{
		Label: resolved.Label,
		Size: hal.Extent3D{
			Width:              resolved.Size.Width,
			Height:             resolved.Size.Height,
			DepthOrArrayLayers: resolved.Size.DepthOrArrayLayers,
		},
		MipLevelCount: resolved.MipLevelCount,
		SampleCount:   resolved.SampleCount,
		Dimension:     resolved.Dimension,
		Format:        resolved.Format,
		Usage:         resolved.Usage,
		ViewFormats:   resolved.ViewFormats,
	})
	if err != nil {
		return nil, d.noteHALError("create texture", err)
	}

	t := &Texture{raw: snatch.New(raw), desc: resolved}
	t.init(d, KindTexture, resolved.Label)
	t.trackerIndex = d.textureIndices.Alloc()
	d.tracker.InsertTexture(t.trackerIndex, resolved.MipLevelCount, t.layerCount())
	return register(d.textures, t), nil
}

func (d *Device) validateTexture(desc *TextureDescriptor) error {
	const op = "create texture"
	lim := d.opts.limits
	size := desc.Size
	switch {
	case desc.Format == gputypes.TextureFormatUndefined:
		return validationf(op, "%q: format is undefined", desc.Label)
	case desc.Usage == 0 || desc.Usage.ContainsUnknownBits():
		return validationf(op, "%q: invalid usage %#x", desc.Label, uint64(desc.Usage))
	case size.Width == 0 || size.Height == 0 || size.DepthOrArrayLayers == 0:
		return validationf(op, "%q: empty size %dx%dx%d", desc.Label, size.Width, size.Height, size.DepthOrArrayLayers)
	}

	switch desc.Dimension {
	case gputypes.TextureDimension1D:
		if size.Width > lim.MaxTextureDimension1D || size.Height != 1 || size.DepthOrArrayLayers != 1 {
			return validationf(op, "%q: 1D size %dx%dx%d exceeds limits", desc.Label, size.Width, size.Height, size.DepthOrArrayLayers)
		}
	case gputypes.TextureDimension2D:
		if size.Width > lim.MaxTextureDimension2D || size.Height > lim.MaxTextureDimension2D ||
			size.DepthOrArrayLayers > lim.MaxTextureArrayLayers {
			return validationf(op, "%q: 2D size %dx%dx%d exceeds limits", desc.Label, size.Width, size.Height, size.DepthOrArrayLayers)
		}
	case gputypes.TextureDimension3D:
		if size.Width > lim.MaxTextureDimension3D || size.Height > lim.MaxTextureDimension3D ||
			size.DepthOrArrayLayers > lim.MaxTextureDimension3D {
			return validationf(op, "%q: 3D size %dx%dx%d exceeds limits", desc.Label, size.Width, size.Height, size.DepthOrArrayLayers)
		}
	default:
		return validationf(op, "%q: unknown dimension %d", desc.Label, desc.Dimension)
	}

	if maxMips := maxMipLevels(desc); desc.MipLevelCount > maxMips {
		return validationf(op, "%q: %d mip levels, at most %d fit", desc.Label, desc.MipLevelCount, maxMips)
	}

	switch desc.SampleCount {
	case 1:
	case 4:
		if desc.MipLevelCount != 1 || desc.Dimension != gputypes.TextureDimension2D || size.DepthOrArrayLayers != 1 {
			return validationf(op, "%q: multisampled textures must be single-level, single-layer 2D", desc.Label)
		}
		if desc.Usage.Contains(gputypes.TextureUsageStorageBinding) {
			return validationf(op, "%q: multisampled textures cannot be storage bound", desc.Label)
		}
	default:
		return validationf(op, "%q: sample count %d is not 1 or 4", desc.Label, desc.SampleCount)
	}
	return nil
}

// maxMipLevels returns the length of the full mip chain.
func maxMipLevels(desc *TextureDescriptor) uint32 {
	m := max(desc.Size.Width, desc.Size.Height)
	if desc.Dimension == gputypes.TextureDimension1D {
		m = desc.Size.Width
	}
	if desc.Dimension == gputypes.TextureDimension3D {
		m = max(m, desc.Size.DepthOrArrayLayers)
	}
	//nolint:gosec // G115: bits.Len32 is at most 32
	return uint32(bits.Len32(m))
}

// Size returns the texture extent.
func (t *Texture) Size() gputypes.Extent3D { return t.desc.Size }

// Format returns the texel format.
func (t *Texture) Format() gputypes.TextureFormat { return t.desc.Format }

// Usage returns the creation usage flags.
func (t *Texture) Usage() gputypes.TextureUsage { return t.desc.Usage }

// Dimension returns the texture dimension.
func (t *Texture) Dimension() gputypes.TextureDimension { return t.desc.Dimension }

// MipLevelCount returns the number of mip levels.
func (t *Texture) MipLevelCount() uint32 { return t.desc.MipLevelCount }

// SampleCount returns the number of samples per texel.
func (t *Texture) SampleCount() uint32 { return t.desc.SampleCount }

// layerCount is the number of tracked array layers. A 3D texture is
// tracked as one layer per mip.
func (t *Texture) layerCount() uint32 {
	if t.desc.Dimension == gputypes.TextureDimension2D {
		return t.desc.Size.DepthOrArrayLayers
	}
	return 1
}

func (t *Texture) fullSelector() track.TextureSelector {
	return track.FullSelector(t.desc.MipLevelCount, t.layerCount())
}

// copySelector checks that size at origin fits in mip level mip and
// returns the subresources the region touches.
func (t *Texture) copySelector(op string, mip uint32, o gputypes.Origin3D, size gputypes.Extent3D) (track.TextureSelector, error) {
	if mip >= t.desc.MipLevelCount {
		return track.TextureSelector{}, validationf(op, "%q: mip level %d out of range (%d levels)",
			t.label, mip, t.desc.MipLevelCount)
	}
	w := max(1, t.desc.Size.Width>>mip)
	h := max(1, t.desc.Size.Height>>mip)
	depth := t.layerCount()
	if t.desc.Dimension == gputypes.TextureDimension3D {
		depth = max(1, t.desc.Size.DepthOrArrayLayers>>mip)
	}
	if uint64(o.X)+uint64(size.Width) > uint64(w) ||
		uint64(o.Y)+uint64(size.Height) > uint64(h) ||
		uint64(o.Z)+uint64(size.DepthOrArrayLayers) > uint64(depth) {
		return track.TextureSelector{}, validationf(op,
			"%q: region %v+%v exceeds mip %d extent %dx%dx%d", t.label, o, size, mip, w, h, depth)
	}
	sel := track.TextureSelector{
		Mips:   track.Range{Start: uint64(mip), End: uint64(mip) + 1},
		Layers: track.Range{Start: 0, End: 1},
	}
	if t.desc.Dimension == gputypes.TextureDimension2D {
		sel.Layers = track.Range{Start: uint64(o.Z), End: uint64(o.Z) + uint64(size.DepthOrArrayLayers)}
	}
	return sel, nil
}

func (t *Texture) destroyedError() error {
	return &DestroyedResourceError{Kind: KindTexture, Label: t.label}
}

func (t *Texture) checkLive(g *snatch.ReadGuard) error {
	if _, ok := t.raw.Get(g); !ok {
		return t.destroyedError()
	}
	return nil
}

func (t *Texture) rawTexture(g *snatch.ReadGuard) (hal.Texture, error) {
	raw, ok := t.raw.Get(g)
	if !ok {
		return nil, t.destroyedError()
	}
	return raw, nil
}

func (t *Texture) requireUsage(want gputypes.TextureUsage) error {
	if t.desc.Usage.Contains(want) {
		return nil
	}
	return &IncompatibleUsageError{Kind: KindTexture, Label: t.label, Actual: uint64(t.desc.Usage), Expected: uint64(want)}
}

// AsHAL calls fn with the raw texture while holding the destruction guard.
func (t *Texture) AsHAL(fn func(hal.Texture)) error {
	guard := t.device.snatchLock.Read()
	defer guard.Release()
	raw, err := t.rawTexture(&guard)
	if err != nil {
		return err
	}
	fn(raw)
	return nil
}

// Destroy frees the texture's memory once the submissions using it have
// completed. A second Destroy returns a DestroyedResourceError.
func (t *Texture) Destroy() error {
	d := t.device
	guard := d.snatchLock.Write()
	raw, ok := t.raw.Snatch(&guard)
	guard.Release()
	if !ok {
		return t.destroyedError()
	}
	d.lifetime.schedule(t.lastUse(), KindTexture, t.label, func() {
		d.raw.DestroyTexture(raw)
	})
	return nil
}

// Release retires the texture's ID.
func (t *Texture) Release() error {
	return retire(t.device.textures, t.id)
}

func (t *Texture) free() {
	d := t.device
	guard := d.snatchLock.Write()
	raw, ok := t.raw.Snatch(&guard)
	guard.Release()
	if ok {
		d.raw.DestroyTexture(raw)
	}
	d.tracker.Remove(track.KindTexture, t.trackerIndex)
	d.textureIndices.Free(t.trackerIndex)
}

// =============================================================================
// Texture views
// =============================================================================

// TextureViewDescriptor selects the subresources a view covers. Zero
// values select the texture's format, a dimension derived from the
// texture, all aspects, and every remaining mip level and layer.
type TextureViewDescriptor struct {
	Label           string
	Format          gputypes.TextureFormat
	Dimension       gputypes.TextureViewDimension
	Aspect          gputypes.TextureAspect
	BaseMipLevel    uint32
	MipLevelCount   uint32
	BaseArrayLayer  uint32
	ArrayLayerCount uint32
}

// TextureView is a typed window onto a block of texture subresources.
type TextureView struct {
	resourceInfo
	texture  *Texture
	raw      hal.TextureView
	desc     TextureViewDescriptor
	selector track.TextureSelector
}

// CreateView creates a view of t. A nil descriptor views the whole
// texture.
func (t *Texture) CreateView(desc *TextureViewDescriptor) (*TextureView, error) {
	const op = "create texture view"
	d := t.device
	if err := d.check(); err != nil {
		return nil, err
	}
	var v TextureViewDescriptor
	if desc != nil {
		v = *desc
	}
	if v.Format == gputypes.TextureFormatUndefined {
		v.Format = t.desc.Format
	}
	if v.Aspect == gputypes.TextureAspectUndefined {
		v.Aspect = gputypes.TextureAspectAll
	}
	if v.BaseMipLevel >= t.desc.MipLevelCount {
		return nil, validationf(op, "%q: base mip %d, texture has %d", v.Label, v.BaseMipLevel, t.desc.MipLevelCount)
	}
	if v.MipLevelCount == 0 {
		v.MipLevelCount = t.desc.MipLevelCount - v.BaseMipLevel
	}
	if v.MipLevelCount > t.desc.MipLevelCount-v.BaseMipLevel {
		return nil, validationf(op, "%q: mips [%d,%d) exceed %d levels",
			v.Label, v.BaseMipLevel, v.BaseMipLevel+v.MipLevelCount, t.desc.MipLevelCount)
	}
	layers := t.layerCount()
	if v.BaseArrayLayer >= layers {
		return nil, validationf(op, "%q: base layer %d, texture has %d", v.Label, v.BaseArrayLayer, layers)
	}
	if v.ArrayLayerCount == 0 {
		v.ArrayLayerCount = layers - v.BaseArrayLayer
	}
	if v.ArrayLayerCount > layers-v.BaseArrayLayer {
		return nil, validationf(op, "%q: layers [%d,%d) exceed %d layers",
			v.Label, v.BaseArrayLayer, v.BaseArrayLayer+v.ArrayLayerCount, layers)
	}
	if v.Dimension == gputypes.TextureViewDimensionUndefined {
		v.Dimension = defaultViewDimension(t.desc.Dimension, v.ArrayLayerCount)
	}
	if err := checkViewDimension(t, &v); err != nil {
		return nil, err
	}
	if v.Format != t.desc.Format && !slices.Contains(t.desc.ViewFormats, v.Format) {
		return nil, validationf(op, "%q: format %v is neither the texture format nor a listed view format", v.Label, v.Format)
	}

	guard := d.snatchLock.Read()
	rawTex, err := t.rawTexture(&guard)
	if err != nil {
		guard.Release()
		return nil, err
	}
	raw, err := d.raw.CreateTextureView(rawTex, &hal.TextureViewDescriptor{
		Label:           v.Label,
		Format:          v.Format,
		Dimension:       v.Dimension,
		Aspect:          v.Aspect,
		BaseMipLevel:    v.BaseMipLevel,
		MipLevelCount:   v.MipLevelCount,
		BaseArrayLayer:  v.BaseArrayLayer,
		ArrayLayerCount: v.ArrayLayerCount,
	})
	guard.Release()
	if err != nil {
		return nil, d.noteHALError(op, err)
	}

	acquire(t)
	view := &TextureView{
		texture: t,
		raw:     raw,
		desc:    v,
		selector: track.TextureSelector{
			Mips:   track.Range{Start: uint64(v.BaseMipLevel), End: uint64(v.BaseMipLevel + v.MipLevelCount)},
			Layers: track.Range{Start: uint64(v.BaseArrayLayer), End: uint64(v.BaseArrayLayer + v.ArrayLayerCount)},
		},
	}
	view.init(d, KindTextureView, v.Label)
	return register(d.textureViews, view), nil
}

func defaultViewDimension(dim gputypes.TextureDimension, layers uint32) gputypes.TextureViewDimension {
	switch dim {
	case gputypes.TextureDimension1D:
		return gputypes.TextureViewDimension1D
	case gputypes.TextureDimension3D:
		return gputypes.TextureViewDimension3D
	default:
		if layers > 1 {
			return gputypes.TextureViewDimension2DArray
		}
		return gputypes.TextureViewDimension2D
	}
}

func checkViewDimension(t *Texture, v *TextureViewDescriptor) error {
	const op = "create texture view"
	ok := false
	switch v.Dimension {
	case gputypes.TextureViewDimension1D:
		ok = t.desc.Dimension == gputypes.TextureDimension1D
	case gputypes.TextureViewDimension2D:
		ok = t.desc.Dimension == gputypes.TextureDimension2D && v.ArrayLayerCount == 1
	case gputypes.TextureViewDimension2DArray:
		ok = t.desc.Dimension == gputypes.TextureDimension2D
	case gputypes.TextureViewDimensionCube:
		ok = t.desc.Dimension == gputypes.TextureDimension2D && v.ArrayLayerCount == 6
	case gputypes.TextureViewDimensionCubeArray:
		ok = t.desc.Dimension == gputypes.TextureDimension2D && v.ArrayLayerCount%6 == 0
	case gputypes.TextureViewDimension3D:
		ok = t.desc.Dimension == gputypes.TextureDimension3D
	}
	if !ok {
		return validationf(op, "%q: view dimension %d does not fit texture dimension %d with %d layers",
			v.Label, v.Dimension, t.desc.Dimension, v.ArrayLayerCount)
	}
	return nil
}

// Texture returns the viewed texture.
func (v *TextureView) Texture() *Texture { return v.texture }

// Format returns the view format.
func (v *TextureView) Format() gputypes.TextureFormat { return v.desc.Format }

// Dimension returns the view dimension.
func (v *TextureView) Dimension() gputypes.TextureViewDimension { return v.desc.Dimension }

// BaseMipLevel returns the first viewed mip level.
func (v *TextureView) BaseMipLevel() uint32 { return v.desc.BaseMipLevel }

// MipLevelCount returns the number of viewed mip levels.
func (v *TextureView) MipLevelCount() uint32 { return v.desc.MipLevelCount }

// ArrayLayerCount returns the number of viewed array layers.
func (v *TextureView) ArrayLayerCount() uint32 { return v.desc.ArrayLayerCount }

// Release retires the view's ID.
func (v *TextureView) Release() error {
	return retire(v.device.textureViews, v.id)
}

func (v *TextureView) free() {
	v.device.raw.DestroyTextureView(v.raw)
	release(v.texture)
}
