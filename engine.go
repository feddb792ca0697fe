// Package pdfops merges, splits, rotates and recompresses PDF files by
// rewriting their object graph.
package pdfops

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/wudi/pdfops/ir"
	"github.com/wudi/pdfops/ir/raw"
	"github.com/wudi/pdfops/observability"
	"github.com/wudi/pdfops/optimize"
	"github.com/wudi/pdfops/parser"
	"github.com/wudi/pdfops/writer"
)

// DefaultCompression is the Flate level used when Config.Writer leaves it
// unset.
const DefaultCompression = 9

type Config struct {
	Logger   observability.Logger
	Tracer   observability.Tracer
	Parser   parser.Config
	Writer   writer.Config
	Optimize optimize.Config
}

// DefaultConfig returns the settings of the command line tool.
func DefaultConfig() Config {
	return Config{
		Writer: writer.Config{Compression: DefaultCompression},
		Optimize: optimize.Config{
			ImageQuality:     optimize.DefaultImageQuality,
			ImageScale:       optimize.DefaultImageScale,
			UseObjectStreams: true,
		},
	}
}

// Engine runs document operations. It holds no per-document state and may
// be used from several goroutines.
type Engine struct {
	cfg    Config
	logger observability.Logger
	tracer observability.Tracer
}

func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NopTracer()
	}
	if cfg.Parser.Logger == nil {
		cfg.Parser.Logger = cfg.Logger
	}
	if cfg.Optimize.Logger == nil {
		cfg.Optimize.Logger = cfg.Logger
	}
	return &Engine{cfg: cfg, logger: cfg.Logger, tracer: cfg.Tracer}
}

// pipeline returns a parser/writer pair.
func (e *Engine) pipeline(interceptors ...writer.Interceptor) *ir.Pipeline {
	b := &writer.WriterBuilder{}
	for _, ic := range interceptors {
		b.WithInterceptor(ic)
	}
	return ir.New(parser.NewDocumentParser(e.cfg.Parser), b.Build())
}

// readFile loads path into memory and parses it.
func (e *Engine) readFile(ctx context.Context, op, path string) (*raw.Document, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, &Error{Op: op, Path: path, Kind: ErrLoad, Err: err}
	}
	doc, err := e.parse(ctx, op, path, data)
	if err != nil {
		return nil, nil, err
	}
	return doc, data, nil
}

func (e *Engine) parse(ctx context.Context, op, path string, data []byte) (*raw.Document, error) {
	start := time.Now()
	doc, err := e.pipeline().Parse(ctx, bytes.NewReader(data))
	if err != nil {
		return nil, &Error{Op: op, Path: path, Kind: ErrLoad, Err: err}
	}
	e.logger.Debug("input loaded",
		observability.String("path", path),
		observability.Int(observability.MetricObjectCount, len(doc.Objects)),
		observability.Duration(observability.MetricParseTime, time.Since(start)),
	)
	return doc, nil
}

// saveMode selects how a document is laid out on disk.
type saveMode int

const (
	saveClassic saveMode = iota
	// saveCompressed packs objects into object streams indexed by an xref
	// stream and Flate-encodes every compressible stream.
	saveCompressed
)

func (e *Engine) writerConfig(mode saveMode) writer.Config {
	cfg := e.cfg.Writer
	if mode == saveCompressed {
		if cfg.Compression == 0 {
			cfg.Compression = DefaultCompression
		}
		cfg.ObjectStreams = true
		cfg.XRefStreams = true
	}
	return cfg
}

// writeFile renders doc completely in memory and only then creates path, so
// a serialization failure never touches an existing file.
func (e *Engine) writeFile(ctx context.Context, op, path string, doc *raw.Document, mode saveMode) error {
	start := time.Now()
	stats := &writeStats{}
	data, err := e.pipeline(stats).Render(ctx, doc, e.writerConfig(mode))
	if err != nil {
		return &Error{Op: op, Path: path, Kind: ErrSave, Err: err}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &Error{Op: op, Path: path, Kind: ErrSave, Err: err}
	}
	e.logger.Info("output written",
		observability.String("path", path),
		observability.Int(observability.MetricObjectCount, stats.objects),
		observability.Int64("bytes", int64(len(data))),
		observability.Int64("object_bytes", stats.bytes),
		observability.Duration(observability.MetricWriteTime, time.Since(start)),
	)
	return nil
}

// span starts a tracing span and returns a function that finishes it with
// the operation's error.
func (e *Engine) span(ctx context.Context, name string, tags map[string]interface{}) (context.Context, func(*error)) {
	ctx, sp := e.tracer.StartSpan(ctx, name)
	for k, v := range tags {
		sp.SetTag(k, v)
	}
	return ctx, func(errp *error) {
		if errp != nil && *errp != nil {
			sp.SetError(*errp)
		}
		sp.Finish()
	}
}

// writeStats is a writer interceptor counting emitted objects.
type writeStats struct {
	objects int
	bytes   int64
}

func (s *writeStats) BeforeWrite(context.Context, raw.ObjectRef, raw.Object) error { return nil }

func (s *writeStats) AfterWrite(_ context.Context, _ raw.ObjectRef, n int64) error {
	s.objects++
	s.bytes += n
	return nil
}

func structural(op, path string, err error) error {
	return &Error{Op: op, Path: path, Kind: ErrStructural, Err: err}
}

func invalid(op, format string, args ...interface{}) error {
	return &Error{Op: op, Kind: ErrInvalidArgument, Err: fmt.Errorf(format, args...)}
}
