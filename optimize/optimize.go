// Package optimize rewrites image XObjects of a raw document as smaller
// JPEG streams.
package optimize

import (
	"context"
	"fmt"

	"github.com/wudi/pdfops/filters"
	"github.com/wudi/pdfops/ir/raw"
	"github.com/wudi/pdfops/observability"
	"github.com/wudi/pdfops/security"
)

const (
	DefaultImageQuality = 75
	DefaultImageScale   = 0.75
)

type Config struct {
	// ImageQuality is the JPEG quality (1-100) of rewritten images.
	ImageQuality int
	// ImageScale multiplies the width and height of every rewritten image.
	ImageScale float64
	// UseObjectStreams asks the writer to pack the result into object streams.
	UseObjectStreams bool

	// Codec decodes, resizes and encodes bitmaps. Defaults to DefaultCodec.
	Codec  Codec
	Limits filters.Limits
	Logger observability.Logger
	// OnSkip, if set, is called for every image left unchanged.
	OnSkip func(ref raw.ObjectRef, err error)
}

// Stats summarises a recompression pass.
type Stats struct {
	Images      int
	Rewritten   int
	Skipped     int
	BytesBefore int64
	BytesAfter  int64
}

type Optimizer struct {
	config   Config
	pipeline *filters.Pipeline
}

// New returns an optimizer with zero fields of config replaced by defaults.
func New(config Config) *Optimizer {
	if config.ImageQuality <= 0 || config.ImageQuality > 100 {
		config.ImageQuality = DefaultImageQuality
	}
	if config.ImageScale <= 0 {
		config.ImageScale = DefaultImageScale
	}
	if config.Codec == nil {
		config.Codec = DefaultCodec{}
	}
	if config.Limits == (filters.Limits{}) {
		config.Limits = security.DefaultLimits().Filters()
	}
	if config.Logger == nil {
		config.Logger = observability.NopLogger{}
	}
	return &Optimizer{
		config:   config,
		pipeline: filters.NewStandardPipeline(config.Limits),
	}
}

// Recompress rewrites every image XObject stream of doc in place. Images
// that cannot be decoded are left untouched and counted as skipped. No
// object is added, removed or renumbered.
func (o *Optimizer) Recompress(ctx context.Context, doc *raw.Document) (Stats, error) {
	var stats Stats
	if doc == nil {
		return stats, fmt.Errorf("nil document")
	}
	masks := maskTargets(doc)
	done := make(map[string]*raw.StreamObj)

	for _, ref := range doc.Refs() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		st, ok := doc.Objects[ref].(*raw.StreamObj)
		if !ok || !isImage(st) {
			continue
		}
		stats.Images++
		if masks[ref] {
			o.skip(&stats, ref, errMask)
			continue
		}

		key := hashObject(st)
		if prev, ok := done[key]; ok {
			stats.Rewritten++
			stats.BytesBefore += int64(len(st.Data))
			stats.BytesAfter += int64(len(prev.Data))
			doc.Objects[ref] = &raw.StreamObj{Dict: raw.CloneDict(prev.Dict), Data: prev.Data, Compressible: true}
			continue
		}

		out, err := o.rewrite(ctx, doc, st)
		if err != nil {
			o.skip(&stats, ref, err)
			continue
		}
		done[key] = out
		stats.Rewritten++
		stats.BytesBefore += int64(len(st.Data))
		stats.BytesAfter += int64(len(out.Data))
		doc.Objects[ref] = out
	}

	o.config.Logger.Debug("images recompressed",
		observability.Int(observability.MetricImagesRewritten, stats.Rewritten),
		observability.Int(observability.MetricImagesSkipped, stats.Skipped),
	)
	return stats, nil
}

func (o *Optimizer) skip(stats *Stats, ref raw.ObjectRef, err error) {
	stats.Skipped++
	if o.config.OnSkip != nil {
		o.config.OnSkip(ref, err)
	}
	o.config.Logger.Debug("image left unchanged",
		observability.String("object", ref.String()),
		observability.Error("error", err),
	)
}

// rewrite returns a new stream holding st re-encoded as a scaled JPEG.
func (o *Optimizer) rewrite(ctx context.Context, doc *raw.Document, st *raw.StreamObj) (*raw.StreamObj, error) {
	img, err := o.decode(ctx, doc, st)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	b := img.Bounds()
	w, h := scaled(b.Dx(), o.config.ImageScale), scaled(b.Dy(), o.config.ImageScale)
	if w != b.Dx() || h != b.Dy() {
		img = o.config.Codec.Resize(img, w, h)
	}
	data, err := o.config.Codec.Encode(img, o.config.ImageQuality)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}

	dict := raw.CloneDict(st.Dict)
	dict.Set("Filter", raw.NameLiteral("DCTDecode"))
	dict.Set("ColorSpace", raw.NameLiteral("DeviceRGB"))
	dict.Set("BitsPerComponent", raw.NumberInt(8))
	dict.Set("Width", raw.NumberInt(int64(w)))
	dict.Set("Height", raw.NumberInt(int64(h)))
	dict.Remove("DecodeParms")
	dict.Remove("Decode")
	dict.Set("Length", raw.NumberInt(int64(len(data))))
	return &raw.StreamObj{Dict: dict, Data: data, Compressible: true}, nil
}

// scaled multiplies n by factor, never going below one pixel.
func scaled(n int, factor float64) int {
	s := int(float64(n) * factor)
	if s < 1 {
		return 1
	}
	return s
}

func isImage(st *raw.StreamObj) bool {
	if st.Dict == nil {
		return false
	}
	sub, err := raw.NameValue(st.Dict, "Subtype")
	if err != nil || sub != "Image" {
		return false
	}
	t := raw.TypeName(st)
	return t == "" || t == "XObject"
}

// maskTargets collects images used as SMask or Mask of another image. Their
// colour space must stay DeviceGray, so they are not rewritten.
func maskTargets(doc *raw.Document) map[raw.ObjectRef]bool {
	out := make(map[raw.ObjectRef]bool)
	for _, obj := range doc.Objects {
		st, ok := obj.(*raw.StreamObj)
		if !ok || !isImage(st) {
			continue
		}
		for _, key := range []string{"SMask", "Mask"} {
			if r, err := raw.RefValue(st.Dict, key); err == nil {
				out[r] = true
			}
		}
	}
	return out
}
