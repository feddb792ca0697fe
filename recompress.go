package pdfops

import (
	"context"

	"github.com/wudi/pdfops/ir/raw"
	"github.com/wudi/pdfops/observability"
	"github.com/wudi/pdfops/optimize"
)

// Recompress rewrites the image XObjects of input as scaled JPEG streams and
// writes the result to output. Images that cannot be transcoded are kept.
func (e *Engine) Recompress(ctx context.Context, input, output string) (err error) {
	ctx, finish := e.span(ctx, observability.SpanRecompress, map[string]interface{}{"input": input})
	defer finish(&err)

	doc, _, err := e.readFile(ctx, opRecompress, input)
	if err != nil {
		return err
	}
	if _, err := e.RecompressDocument(ctx, doc); err != nil {
		return err
	}
	mode := saveClassic
	if e.cfg.Optimize.UseObjectStreams {
		mode = saveCompressed
	}
	return e.writeFile(ctx, opRecompress, output, doc, mode)
}

// RecompressDocument runs the image pass over doc in place. The only error
// it returns is the context's.
func (e *Engine) RecompressDocument(ctx context.Context, doc *raw.Document) (optimize.Stats, error) {
	cfg := e.cfg.Optimize
	cfg.OnSkip = func(ref raw.ObjectRef, err error) {
		e.logger.Warn("image left unchanged",
			observability.String("object", ref.String()),
			observability.Error("error", &Error{Op: opRecompress, Kind: ErrDecode, Err: err}),
		)
	}
	stats, err := optimize.New(cfg).Recompress(ctx, doc)
	if err != nil {
		return stats, err
	}
	e.logger.Info("images recompressed",
		observability.Int("images", stats.Images),
		observability.Int(observability.MetricImagesRewritten, stats.Rewritten),
		observability.Int(observability.MetricImagesSkipped, stats.Skipped),
		observability.Int64("bytes_before", stats.BytesBefore),
		observability.Int64("bytes_after", stats.BytesAfter),
	)
	return stats, nil
}
