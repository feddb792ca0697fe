package optimize

import (
	"context"
	"fmt"
	"image"

	"github.com/wudi/pdfops/filters"
	"github.com/wudi/pdfops/ir/raw"
)

// decode returns the bitmap of an image XObject. Streams whose filters are
// all available in the pipeline carry raw samples and are unpacked here;
// anything else (DCT, JPX) is handed to the codec after its leading
// general-purpose filters are removed.
func (o *Optimizer) decode(ctx context.Context, doc *raw.Document, st *raw.StreamObj) (image.Image, error) {
	dict := st.Dict
	if v, ok := dict.Get("ImageMask"); ok {
		if b, err := raw.AsBool(v); err == nil && b {
			return nil, errStencil
		}
	}
	names, params := filters.ExtractFilters(dict)
	if o.pipeline.Supports(names) {
		data, err := o.pipeline.Decode(ctx, st.Data, names, params)
		if err != nil {
			return nil, err
		}
		return o.raster(doc, dict, data)
	}

	if _, ok := dict.Get("Decode"); ok {
		return nil, fmt.Errorf("%w: Decode array on %v", errUnsupported, names)
	}
	lead := 0
	for lead < len(names) && o.pipeline.Supports(names[lead:lead+1]) {
		lead++
	}
	data := st.Data
	if lead > 0 {
		var err error
		data, err = o.pipeline.Decode(ctx, st.Data, names[:lead], params[:lead])
		if err != nil {
			return nil, err
		}
	}
	return o.config.Codec.Decode(data)
}

// raster builds a bitmap from unfiltered samples.
func (o *Optimizer) raster(doc *raw.Document, dict *raw.DictObj, data []byte) (image.Image, error) {
	w, err := intEntry(doc, dict, "Width", 0)
	if err != nil {
		return nil, err
	}
	h, err := intEntry(doc, dict, "Height", 0)
	if err != nil {
		return nil, err
	}
	if err := filters.ValidateImageBounds(w, h); err != nil {
		return nil, err
	}
	bpc, err := intEntry(doc, dict, "BitsPerComponent", 8)
	if err != nil {
		return nil, err
	}
	switch bpc {
	case 1, 2, 4, 8, 16:
	default:
		return nil, fmt.Errorf("%w: %d bits per component", errUnsupported, bpc)
	}
	n, err := components(doc, dict)
	if err != nil {
		return nil, err
	}
	rowBytes := (w*n*bpc + 7) / 8
	if len(data) < rowBytes*h {
		return nil, fmt.Errorf("image data truncated: %d bytes for %dx%d", len(data), w, h)
	}
	decode := decodeRanges(doc, dict, n)

	var (
		gray *image.Gray
		rgb  *image.RGBA
		cmyk *image.CMYK
		dst  []byte
	)
	rect := image.Rect(0, 0, w, h)
	switch n {
	case 1:
		gray = image.NewGray(rect)
		dst = gray.Pix
	case 3:
		rgb = image.NewRGBA(rect)
		dst = rgb.Pix
	case 4:
		cmyk = image.NewCMYK(rect)
		dst = cmyk.Pix
	}

	maxVal := float64(int(1)<<uint(bpc) - 1)
	if bpc == 16 {
		maxVal = 255
	}
	out := 0
	for y := 0; y < h; y++ {
		row := data[y*rowBytes : (y+1)*rowBytes]
		for x := 0; x < w; x++ {
			for c := 0; c < n; c++ {
				s := float64(sample(row, x*n+c, bpc)) / maxVal
				if decode != nil {
					s = decode[2*c] + s*(decode[2*c+1]-decode[2*c])
				}
				dst[out] = clampByte(s * 255)
				out++
			}
			if n == 3 {
				dst[out] = 0xff
				out++
			}
		}
	}

	switch n {
	case 1:
		return gray, nil
	case 3:
		return rgb, nil
	}
	return cmyk, nil
}

// sample returns the i-th sample of a packed row. Sixteen-bit samples are
// reduced to their high byte.
func sample(row []byte, i, bpc int) int {
	switch bpc {
	case 8:
		return int(row[i])
	case 16:
		return int(row[2*i])
	}
	bit := i * bpc
	shift := 8 - bpc - bit%8
	return int(row[bit/8]>>uint(shift)) & (1<<uint(bpc) - 1)
}

func clampByte(v float64) byte {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return byte(v + 0.5)
}

// components returns the number of colour components of a device colour
// space or of a space that behaves like one.
func components(doc *raw.Document, dict *raw.DictObj) (int, error) {
	v, ok := dict.Get("ColorSpace")
	if !ok {
		return 0, fmt.Errorf("%w: no colour space", errUnsupported)
	}
	v, err := doc.Resolve(v)
	if err != nil {
		return 0, err
	}
	var family string
	var arr *raw.ArrayObj
	switch cs := v.(type) {
	case raw.NameObj:
		family = cs.Val
	case *raw.ArrayObj:
		if len(cs.Items) == 0 {
			return 0, fmt.Errorf("%w: empty colour space", errUnsupported)
		}
		if family, err = raw.AsName(cs.Items[0]); err != nil {
			return 0, err
		}
		arr = cs
	default:
		return 0, fmt.Errorf("%w: colour space %s", errUnsupported, v.Type())
	}

	switch family {
	case "DeviceGray", "G", "CalGray":
		return 1, nil
	case "DeviceRGB", "RGB", "CalRGB":
		return 3, nil
	case "DeviceCMYK", "CMYK":
		return 4, nil
	case "ICCBased":
		if arr == nil || len(arr.Items) < 2 {
			break
		}
		profile, err := doc.Resolve(arr.Items[1])
		if err != nil {
			return 0, err
		}
		pd, ok := raw.DictOf(profile)
		if !ok {
			break
		}
		n, err := intEntry(doc, pd, "N", 0)
		if err == nil && (n == 1 || n == 3 || n == 4) {
			return n, nil
		}
	}
	return 0, fmt.Errorf("%w: colour space %s", errUnsupported, family)
}

// decodeRanges returns the Decode array of the image, or nil when it is
// absent or malformed.
func decodeRanges(doc *raw.Document, dict *raw.DictObj, n int) []float64 {
	v, ok := dict.Get("Decode")
	if !ok {
		return nil
	}
	v, err := doc.Resolve(v)
	if err != nil {
		return nil
	}
	arr, err := raw.AsArray(v)
	if err != nil || len(arr.Items) != 2*n {
		return nil
	}
	out := make([]float64, len(arr.Items))
	for i, it := range arr.Items {
		f, err := raw.AsNumber(it)
		if err != nil {
			return nil
		}
		out[i] = f
	}
	return out
}

// intEntry reads an integer that may be stored indirectly. def is returned
// when key is absent and def is non-zero.
func intEntry(doc *raw.Document, dict *raw.DictObj, key string, def int) (int, error) {
	v, ok := dict.Get(key)
	if !ok {
		if def != 0 {
			return def, nil
		}
		return 0, fmt.Errorf("%w: /%s", raw.ErrMissingKey, key)
	}
	v, err := doc.Resolve(v)
	if err != nil {
		return 0, err
	}
	i, err := raw.AsInt(v)
	if err != nil {
		return 0, fmt.Errorf("/%s: %w", key, err)
	}
	return int(i), nil
}
