package pdfops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wudi/pdfops/graph"
	"github.com/wudi/pdfops/ir/raw"
	"github.com/wudi/pdfops/observability"
	"github.com/wudi/pdfops/pagetree"
)

// SplitPage is one page of a split document.
type SplitPage struct {
	Number   int
	Document *raw.Document
	// Nullified counts references that pointed outside the page and were
	// replaced with null.
	Nullified int
}

// Split writes every page of input to its own file, page-<n>.pdf, inside
// <outputDir>/<stem>-pages. The first failed write aborts the split.
func (e *Engine) Split(ctx context.Context, input, outputDir string) (err error) {
	ctx, finish := e.span(ctx, observability.SpanSplit, map[string]interface{}{"input": input})
	defer finish(&err)

	doc, _, err := e.readFile(ctx, opSplit, input)
	if err != nil {
		return err
	}
	pages, err := e.splitDocument(doc, input)
	if err != nil {
		return err
	}
	dir := SplitDir(input, outputDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &Error{Op: opSplit, Path: dir, Kind: ErrSave, Err: err}
	}
	for _, p := range pages {
		path := filepath.Join(dir, fmt.Sprintf("page-%d.pdf", p.Number))
		if err := e.writeFile(ctx, opSplit, path, p.Document, saveCompressed); err != nil {
			return err
		}
	}
	e.logger.Info("document split",
		observability.String("dir", dir),
		observability.Int(observability.MetricPageCount, len(pages)),
	)
	return nil
}

// SplitDir returns the directory Split writes into: outputDir itself when it
// is already named <stem>-pages, otherwise that name inside outputDir.
func SplitDir(input, outputDir string) string {
	base := filepath.Base(input)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	name := stem + "-pages"
	if filepath.Base(outputDir) == name {
		return outputDir
	}
	return filepath.Join(outputDir, name)
}

// SplitDocument builds one self-contained document per page of doc. doc is
// not modified.
func (e *Engine) SplitDocument(doc *raw.Document) ([]SplitPage, error) {
	return e.splitDocument(doc, "")
}

func (e *Engine) splitDocument(doc *raw.Document, path string) ([]SplitPage, error) {
	pages, err := pagetree.Pages(doc)
	if err != nil {
		return nil, structural(opSplit, path, err)
	}
	if len(pages) == 0 {
		return nil, structural(opSplit, path, errNoPages)
	}
	tree := newTreeMembers(doc, pages)
	out := make([]SplitPage, 0, len(pages))
	for _, pg := range pages {
		single, nulled := extractPage(doc, pg.Ref, tree)
		if nulled > 0 {
			e.logger.Debug("references outside the page replaced with null",
				observability.Int("page", pg.Number),
				observability.Int("references", nulled),
			)
		}
		out = append(out, SplitPage{Number: pg.Number, Document: single, Nullified: nulled})
	}
	return out, nil
}

// extractPage copies the page and everything it depends on into a new
// document with its own catalog and single-leaf page tree. Ancestors,
// other pages and the catalog are not followed; references to them, and to
// missing objects, become null.
func extractPage(doc *raw.Document, page raw.ObjectRef, tree treeMembers) (*raw.Document, int) {
	pageDict := doc.Objects[page].(*raw.DictObj)

	inherited := make(map[string]raw.Object)
	roots := []raw.ObjectRef{page}
	for _, key := range inheritable {
		if _, own := pageDict.Get(key); own {
			continue
		}
		if v, ok := pagetree.Inherited(doc, page, key); ok {
			inherited[key] = v
			roots = append(roots, graph.References(v)...)
		}
	}

	res := graph.Closure(doc, roots, graph.ClosureConfig{
		SkipEdge: func(holder *raw.DictObj, key string) bool {
			return key == "Parent" && (holder == pageDict || tree.leaves[holder] || raw.TypeName(holder) == "Page")
		},
		Stop: func(ref raw.ObjectRef, obj raw.Object) bool {
			if tree.refs[ref] {
				return true
			}
			switch raw.TypeName(obj) {
			case "Page", "Pages", "Catalog":
				return true
			}
			return false
		},
	})

	out := raw.NewDocument(doc.Version)
	pagesRef := out.Alloc()
	mapping := make(map[raw.ObjectRef]raw.ObjectRef, len(res.Reachable))
	for _, ref := range res.Reachable {
		mapping[ref] = out.Alloc()
	}
	nulled := 0
	for _, ref := range res.Reachable {
		obj, n := graph.Translate(doc.Objects[ref], mapping)
		out.Set(mapping[ref], obj)
		nulled += n
	}

	newPage := out.Objects[mapping[page]].(*raw.DictObj)
	for key, v := range inherited {
		obj, n := graph.Translate(v, mapping)
		newPage.Set(key, obj)
		nulled += n
	}
	if _, err := raw.RefValue(pageDict, "Parent"); err == nil {
		// Replaced below, not lost.
		nulled--
	}
	newPage.Set("Parent", raw.RefObj{R: pagesRef})

	pages := raw.Dict()
	pages.Set("Type", raw.NameLiteral("Pages"))
	pages.Set("Kids", raw.NewArray(raw.RefObj{R: mapping[page]}))
	pages.Set("Count", raw.NumberInt(1))
	out.Set(pagesRef, pages)

	catalog := raw.Dict()
	catalog.Set("Type", raw.NameLiteral("Catalog"))
	catalog.Set("Pages", raw.RefObj{R: pagesRef})
	out.SetRoot(out.Add(catalog))
	return out, nulled
}

// treeMembers records the page tree as the page walk saw it. Leaves without
// a /Type entry are only recognisable by their position in the tree, so
// they are matched by identity rather than by type.
type treeMembers struct {
	refs   map[raw.ObjectRef]bool
	leaves map[*raw.DictObj]bool
}

func newTreeMembers(doc *raw.Document, pages []pagetree.Page) treeMembers {
	t := treeMembers{
		refs:   make(map[raw.ObjectRef]bool),
		leaves: make(map[*raw.DictObj]bool, len(pages)),
	}
	for _, pg := range pages {
		t.refs[pg.Ref] = true
		if d, ok := doc.Objects[pg.Ref].(*raw.DictObj); ok {
			t.leaves[d] = true
		}
	}
	nodes, _ := pagetree.Nodes(doc)
	for _, n := range nodes {
		t.refs[n] = true
	}
	return t
}
