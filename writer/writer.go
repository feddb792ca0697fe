package writer

import (
	"context"
	"io"

	"github.com/wudi/pdfops/ir/raw"
)

type PDFVersion string

const (
	PDF14 PDFVersion = "1.4"
	PDF15 PDFVersion = "1.5"
	PDF17 PDFVersion = "1.7"
)

type Config struct {
	// Version overrides the document's own version when set.
	Version PDFVersion
	// Compression is the Flate level used for streams marked Compressible
	// and for object and xref streams. Zero leaves streams as they are.
	Compression   int
	Deterministic bool
	XRefStreams   bool
	ObjectStreams bool
}

// Writer serializes a raw document.
type Writer interface {
	Write(ctx context.Context, doc *raw.Document, w io.Writer, cfg Config) error
	SerializeObject(ref raw.ObjectRef, obj raw.Object) ([]byte, error)
}

// Interceptor observes objects as they are written. A BeforeWrite error
// aborts the write.
type Interceptor interface {
	BeforeWrite(ctx context.Context, ref raw.ObjectRef, obj raw.Object) error
	AfterWrite(ctx context.Context, ref raw.ObjectRef, bytesWritten int64) error
}

type WriterBuilder struct{ interceptors []Interceptor }

func (b *WriterBuilder) WithInterceptor(i Interceptor) *WriterBuilder {
	b.interceptors = append(b.interceptors, i)
	return b
}
func (b *WriterBuilder) Build() Writer { return &impl{interceptors: b.interceptors} }

// NewWriter returns a writer without interceptors.
func NewWriter() Writer { return (&WriterBuilder{}).Build() }
