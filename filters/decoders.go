package filters

import (
	"bytes"
	"compress/flate"
	"compress/lzw"
	"compress/zlib"
	"context"
	stdascii85 "encoding/ascii85"
	"errors"
	"fmt"
	"io"

	"golang.org/x/image/ccitt"
	tifflzw "golang.org/x/image/tiff/lzw"

	"github.com/wudi/pdfops/ir/raw"
)

type flateDecoder struct{ limit int64 }

func (flateDecoder) Name() string { return "FlateDecode" }
func NewFlateDecoder() Decoder    { return flateDecoder{} }

// NewLimitedFlateDecoder stops inflating once limit bytes were produced.
func NewLimitedFlateDecoder(limit int64) Decoder { return flateDecoder{limit: limit} }

// Decode inflates zlib data. Streams written without the zlib header are
// retried as raw deflate, and a truncated stream keeps what was inflated.
func (d flateDecoder) Decode(ctx context.Context, in []byte, params raw.Dictionary) ([]byte, error) {
	var out []byte
	zr, err := zlib.NewReader(bytes.NewReader(in))
	if err == nil {
		out, err = readLimited(zr, d.limit)
		zr.Close()
	}
	if err != nil {
		if errors.Is(err, ErrSizeLimit) {
			return nil, err
		}
		if len(out) == 0 {
			fr := flate.NewReader(bytes.NewReader(in))
			var ferr error
			out, ferr = readLimited(fr, d.limit)
			fr.Close()
			if ferr != nil && len(out) == 0 {
				return nil, err
			}
		}
	}
	return applyPredictor(out, params)
}

type lzwDecoder struct{}

func (lzwDecoder) Name() string { return "LZWDecode" }
func NewLZWDecoder() Decoder    { return lzwDecoder{} }

// Decode handles both code-width variants: EarlyChange 1 (the default) is
// the TIFF flavour, EarlyChange 0 the GIF flavour.
func (lzwDecoder) Decode(ctx context.Context, in []byte, params raw.Dictionary) ([]byte, error) {
	var r io.ReadCloser
	if intParam(params, "EarlyChange", 1) == 0 {
		r = lzw.NewReader(bytes.NewReader(in), lzw.MSB, 8)
	} else {
		r = tifflzw.NewReader(bytes.NewReader(in), tifflzw.MSB, 8)
	}
	defer r.Close()
	out, err := readLimited(r, 0)
	if err != nil && len(out) == 0 {
		return nil, err
	}
	return applyPredictor(out, params)
}

type runLengthDecoder struct{}

func (runLengthDecoder) Name() string { return "RunLengthDecode" }
func NewRunLengthDecoder() Decoder    { return runLengthDecoder{} }

func (runLengthDecoder) Decode(ctx context.Context, in []byte, params raw.Dictionary) ([]byte, error) {
	var out bytes.Buffer
	for i := 0; i < len(in); {
		n := int(in[i])
		i++
		switch {
		case n == 128:
			return out.Bytes(), nil
		case n < 128:
			end := i + n + 1
			if end > len(in) {
				end = len(in)
			}
			out.Write(in[i:end])
			i = end
		default:
			if i >= len(in) {
				return out.Bytes(), nil
			}
			for k := 0; k < 257-n; k++ {
				out.WriteByte(in[i])
			}
			i++
		}
	}
	return out.Bytes(), nil
}

type ascii85Decoder struct{}

func (ascii85Decoder) Name() string { return "ASCII85Decode" }
func NewASCII85Decoder() Decoder    { return ascii85Decoder{} }

func (ascii85Decoder) Decode(ctx context.Context, in []byte, params raw.Dictionary) ([]byte, error) {
	trimmed := bytes.TrimSpace(in)
	trimmed = bytes.TrimPrefix(trimmed, []byte("<~"))
	if i := bytes.Index(trimmed, []byte("~>")); i >= 0 {
		trimmed = trimmed[:i]
	}
	out := make([]byte, 4*len(trimmed)+4)
	n, _, err := stdascii85.Decode(out, trimmed, true)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

type asciiHexDecoder struct{}

func (asciiHexDecoder) Name() string { return "ASCIIHexDecode" }
func NewASCIIHexDecoder() Decoder    { return asciiHexDecoder{} }

func (asciiHexDecoder) Decode(ctx context.Context, in []byte, params raw.Dictionary) ([]byte, error) {
	out := make([]byte, 0, len(in)/2)
	var hi byte
	half := false
	for _, c := range in {
		if c == '>' {
			break
		}
		var v byte
		switch {
		case c >= '0' && c <= '9':
			v = c - '0'
		case c >= 'a' && c <= 'f':
			v = c - 'a' + 10
		case c >= 'A' && c <= 'F':
			v = c - 'A' + 10
		case c == ' ' || c == '\t' || c == '\r' || c == '\n' || c == '\f' || c == 0:
			continue
		default:
			return nil, fmt.Errorf("invalid hex digit %q", c)
		}
		if half {
			out = append(out, hi<<4|v)
		} else {
			hi = v
		}
		half = !half
	}
	if half {
		out = append(out, hi<<4)
	}
	return out, nil
}

type ccittDecoder struct{}

func (ccittDecoder) Name() string { return "CCITTFaxDecode" }
func NewCCITTFaxDecoder() Decoder { return ccittDecoder{} }

// Decode produces one bit per pixel, rows byte aligned, 1 meaning white
// unless BlackIs1 is set.
func (ccittDecoder) Decode(ctx context.Context, in []byte, params raw.Dictionary) ([]byte, error) {
	cols := intParam(params, "Columns", 1728)
	rows := intParam(params, "Rows", 0)
	if rows <= 0 {
		rows = ccitt.AutoDetectHeight
	} else if err := ValidateImageBounds(cols, rows); err != nil {
		return nil, err
	}
	sf := ccitt.Group3
	if intParam(params, "K", 0) < 0 {
		sf = ccitt.Group4
	}
	opts := &ccitt.Options{
		Align:  boolParam(params, "EncodedByteAlign"),
		Invert: boolParam(params, "BlackIs1"),
	}
	r := ccitt.NewReader(bytes.NewReader(in), ccitt.MSB, sf, cols, rows, opts)
	out, err := readLimited(r, 0)
	if err != nil && len(out) == 0 {
		return nil, err
	}
	return out, nil
}
