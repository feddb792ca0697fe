package pdfops

import (
	"context"
	"os"

	"github.com/wudi/pdfops/ir/raw"
	"github.com/wudi/pdfops/observability"
	"github.com/wudi/pdfops/pagetree"
)

// Rotate adds degrees to the rotation of the given 1-based pages (all pages
// when pages is empty) and writes the result to output. degrees must be a
// multiple of 90; a net rotation of zero copies input unchanged.
func (e *Engine) Rotate(ctx context.Context, input, output string, degrees int, pages []int) (err error) {
	ctx, finish := e.span(ctx, observability.SpanRotate, map[string]interface{}{"degrees": degrees})
	defer finish(&err)

	delta, err := normalizeRotation(degrees)
	if err != nil {
		return err
	}
	doc, data, err := e.readFile(ctx, opRotate, input)
	if err != nil {
		return err
	}
	if delta == 0 {
		if err := os.WriteFile(output, data, 0o644); err != nil {
			return &Error{Op: opRotate, Path: output, Kind: ErrSave, Err: err}
		}
		e.logger.Info("zero rotation, input copied", observability.String("path", output))
		return nil
	}
	if err := e.rotatePages(doc, delta, pages, input); err != nil {
		return err
	}
	return e.writeFile(ctx, opRotate, output, doc, saveClassic)
}

// RotatePages updates the Rotate entry of the selected pages of doc in
// place. Page numbers outside the document are ignored.
func (e *Engine) RotatePages(doc *raw.Document, degrees int, pages []int) error {
	delta, err := normalizeRotation(degrees)
	if err != nil {
		return err
	}
	return e.rotatePages(doc, delta, pages, "")
}

func (e *Engine) rotatePages(doc *raw.Document, delta int, pages []int, path string) error {
	all, err := pagetree.Pages(doc)
	if err != nil {
		return structural(opRotate, path, err)
	}

	var selected map[int]bool
	if len(pages) > 0 {
		selected = make(map[int]bool, len(pages))
		for _, n := range pages {
			if n < 1 || n > len(all) {
				e.logger.Warn("page out of range",
					observability.Int("page", n),
					observability.Int(observability.MetricPageCount, len(all)),
				)
				continue
			}
			selected[n] = true
		}
	}

	rotated := 0
	for _, pg := range all {
		if selected != nil && !selected[pg.Number] {
			continue
		}
		dict := doc.Objects[pg.Ref].(*raw.DictObj)
		current := currentRotation(doc, pg.Ref)
		dict.Set("Rotate", raw.NumberInt(int64(normalize(current+delta))))
		rotated++
	}
	e.logger.Debug("pages rotated", observability.Int("pages", rotated), observability.Int("delta", delta))
	return nil
}

// currentRotation reads the page's effective Rotate value, inherited from
// an ancestor when the page has none. Malformed values count as zero.
func currentRotation(doc *raw.Document, page raw.ObjectRef) int {
	v, ok := pagetree.Inherited(doc, page, "Rotate")
	if !ok {
		return 0
	}
	v, err := doc.Resolve(v)
	if err != nil {
		return 0
	}
	f, err := raw.AsNumber(v)
	if err != nil {
		return 0
	}
	return int(f)
}

func normalizeRotation(degrees int) (int, error) {
	d := normalize(degrees)
	if d%90 != 0 {
		return 0, invalid(opRotate, "rotation %d is not a multiple of 90 degrees", degrees)
	}
	return d, nil
}

// normalize maps degrees into [0, 360).
func normalize(degrees int) int {
	return (degrees%360 + 360) % 360
}
