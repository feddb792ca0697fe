package filters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/wudi/pdfops/ir/raw"
)

type Decoder interface {
	Name() string
	Decode(ctx context.Context, input []byte, params raw.Dictionary) ([]byte, error)
}

var ErrSizeLimit = errors.New("decompressed size exceeds limit")

// UnsupportedError reports a filter that has no decoder in the pipeline.
type UnsupportedError struct {
	Filter string
}

func (e UnsupportedError) Error() string { return "unsupported filter: " + e.Filter }

type Limits struct {
	MaxDecompressedSize int64
	MaxDecodeTime       time.Duration
}

type Pipeline struct {
	decoders []Decoder
	limits   Limits
}

// NewPipeline constructs a pipeline with provided decoders and limits.
func NewPipeline(decoders []Decoder, limits Limits) *Pipeline {
	return &Pipeline{decoders: decoders, limits: limits}
}

// NewStandardPipeline returns a pipeline with every general-purpose decoder
// of this package.
func NewStandardPipeline(limits Limits) *Pipeline {
	return NewPipeline([]Decoder{
		NewLimitedFlateDecoder(limits.MaxDecompressedSize),
		NewLZWDecoder(),
		NewRunLengthDecoder(),
		NewASCII85Decoder(),
		NewASCIIHexDecoder(),
		NewCCITTFaxDecoder(),
	}, limits)
}

func (p *Pipeline) findDecoder(name string) Decoder {
	for _, d := range p.decoders {
		if d.Name() == name {
			return d
		}
	}
	return nil
}

// Supports reports whether every filter in names has a decoder.
func (p *Pipeline) Supports(names []string) bool {
	for _, n := range names {
		if p.findDecoder(canonicalName(n)) == nil {
			return false
		}
	}
	return true
}

func (p *Pipeline) Decode(ctx context.Context, input []byte, filterNames []string, params []raw.Dictionary) ([]byte, error) {
	if p.limits.MaxDecodeTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.limits.MaxDecodeTime)
		defer cancel()
	}
	data := input
	for i, name := range filterNames {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dec := p.findDecoder(canonicalName(name))
		if dec == nil {
			return nil, UnsupportedError{Filter: name}
		}
		var param raw.Dictionary
		if i < len(params) {
			param = params[i]
		}
		out, err := dec.Decode(ctx, data, param)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if p.limits.MaxDecompressedSize > 0 && int64(len(out)) > p.limits.MaxDecompressedSize {
			return nil, ErrSizeLimit
		}
		data = out
	}
	return data, nil
}

// DecodeStream runs the filters declared in the stream dictionary.
func (p *Pipeline) DecodeStream(ctx context.Context, st *raw.StreamObj) ([]byte, error) {
	names, params := ExtractFilters(st.Dict)
	if len(names) == 0 {
		return st.Data, nil
	}
	return p.Decode(ctx, st.Data, names, params)
}

// canonicalName maps the abbreviations allowed in inline images.
func canonicalName(name string) string {
	switch name {
	case "Fl":
		return "FlateDecode"
	case "LZW":
		return "LZWDecode"
	case "RL":
		return "RunLengthDecode"
	case "A85":
		return "ASCII85Decode"
	case "AHx":
		return "ASCIIHexDecode"
	case "CCF":
		return "CCITTFaxDecode"
	}
	return name
}

// readLimited copies r into memory, failing once more than limit bytes are
// produced. A limit of zero or less disables the check.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	var out bytes.Buffer
	if limit <= 0 {
		_, err := io.Copy(&out, r)
		return out.Bytes(), err
	}
	n, err := io.Copy(&out, io.LimitReader(r, limit+1))
	if n > limit {
		return nil, ErrSizeLimit
	}
	return out.Bytes(), err
}
