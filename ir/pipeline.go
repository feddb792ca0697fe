package ir

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/wudi/pdfops/ir/raw"
	"github.com/wudi/pdfops/parser"
	"github.com/wudi/pdfops/writer"
)

// Pipeline pairs the parser and the writer that carry documents in and out
// of the raw object model.
type Pipeline struct {
	rawParser raw.Parser
	writer    writer.Writer
}

// NewDefault constructs a pipeline with a strict parser and a writer
// without interceptors.
func NewDefault() *Pipeline {
	return New(parser.NewDocumentParser(parser.Config{}), writer.NewWriter())
}

func New(p raw.Parser, w writer.Writer) *Pipeline {
	return &Pipeline{rawParser: p, writer: w}
}

// Parse reads a complete document.
func (p *Pipeline) Parse(ctx context.Context, r io.ReaderAt) (*raw.Document, error) {
	doc, err := p.rawParser.Parse(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("raw parsing failed: %w", err)
	}
	return doc, nil
}

// Render serializes doc into memory. Nothing is returned when any object
// fails to serialize.
func (p *Pipeline) Render(ctx context.Context, doc *raw.Document, cfg writer.Config) ([]byte, error) {
	var buf bytes.Buffer
	if err := p.writer.Write(ctx, doc, &buf, cfg); err != nil {
		return nil, fmt.Errorf("writing failed: %w", err)
	}
	return buf.Bytes(), nil
}
