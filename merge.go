package pdfops

import (
	"context"
	"errors"
	"fmt"

	"github.com/wudi/pdfops/graph"
	"github.com/wudi/pdfops/ir/raw"
	"github.com/wudi/pdfops/observability"
	"github.com/wudi/pdfops/outline"
	"github.com/wudi/pdfops/pagetree"
	"github.com/wudi/pdfops/parser"
)

const (
	opMerge      = "merge"
	opSplit      = "split"
	opRotate     = "rotate"
	opRecompress = "recompress"
)

var errNoPages = errors.New("document has no pages")

// inheritable lists the page attributes that may live on an ancestor node.
// They are copied onto the page before its ancestors are discarded.
var inheritable = []string{"Resources", "MediaBox", "CropBox", "Rotate"}

// Merge concatenates the pages of inputs, in order, into output. A bookmark
// is added for the first page of every input. Nothing is written unless
// every input loads.
func (e *Engine) Merge(ctx context.Context, inputs []string, output string) (err error) {
	ctx, finish := e.span(ctx, observability.SpanMerge, map[string]interface{}{"inputs": len(inputs)})
	defer finish(&err)

	if len(inputs) == 0 {
		return invalid(opMerge, "no input files")
	}
	docs := make([]*raw.Document, 0, len(inputs))
	for _, in := range inputs {
		doc, _, err := e.readFile(ctx, opMerge, in)
		if err != nil {
			return err
		}
		docs = append(docs, doc)
	}
	out, err := mergeDocuments(docs, inputs)
	if err != nil {
		return err
	}
	e.logger.Info("documents merged",
		observability.Int("inputs", len(docs)),
		observability.Int(observability.MetricPageCount, countPages(out)),
	)
	return e.writeFile(ctx, opMerge, output, out, saveCompressed)
}

// MergeDocuments combines docs into a new document. The inputs are
// renumbered in place and must not be used afterwards.
func (e *Engine) MergeDocuments(docs []*raw.Document) (*raw.Document, error) {
	return mergeDocuments(docs, nil)
}

func mergeDocuments(docs []*raw.Document, paths []string) (*raw.Document, error) {
	if len(docs) == 0 {
		return nil, invalid(opMerge, "no input documents")
	}

	out := raw.NewDocument("1.5")
	var (
		catalogRef, pagesRef raw.ObjectRef
		catalog, pagesDict   *raw.DictObj
		pageRefs             []raw.ObjectRef
		bookmarks            []outline.Bookmark
		info                 raw.Object
		redirect             = make(map[raw.ObjectRef]raw.ObjectRef)
		next                 = 1
	)

	for i, doc := range docs {
		path := ""
		if i < len(paths) {
			path = paths[i]
		}
		next, _ = graph.Renumber(doc, next)
		out.Version = parser.MaxVersion(out.Version, doc.Version)

		cRef, cDict, err := pagetree.Catalog(doc)
		if err != nil {
			return nil, structural(opMerge, path, err)
		}
		pRef, pDict, err := pagetree.PagesRoot(doc)
		if err != nil {
			return nil, structural(opMerge, path, err)
		}
		pages, err := pagetree.Pages(doc)
		if err != nil {
			return nil, structural(opMerge, path, err)
		}
		nodes, _ := pagetree.Nodes(doc)

		leaves := make(map[raw.ObjectRef]bool, len(pages))
		for n, pg := range pages {
			if n == 0 {
				bookmarks = append(bookmarks, outline.Bookmark{
					Title: fmt.Sprintf("Page_%d", len(pageRefs)+1),
					Color: outline.Blue,
					Page:  pg.Ref,
				})
			}
			flattenInherited(doc, pg.Ref)
			leaves[pg.Ref] = true
			pageRefs = append(pageRefs, pg.Ref)
		}

		if catalog == nil {
			catalogRef, catalog = cRef, raw.CloneDict(cDict)
		} else {
			redirect[cRef] = catalogRef
		}
		if pagesDict == nil {
			pagesRef, pagesDict = pRef, raw.CloneDict(pDict)
		} else {
			for _, k := range pDict.Keys() {
				switch k {
				case "Type", "Kids", "Count", "Parent":
					continue
				}
				pagesDict.Set(k, raw.Clone(pDict.KV[k]))
			}
			redirect[pRef] = pagesRef
		}
		for _, n := range nodes {
			if n != pRef {
				redirect[n] = pagesRef
			}
		}
		if info == nil {
			info = infoOf(doc)
		}

		dropped := outlineItems(doc, cDict)
		for _, ref := range doc.Refs() {
			obj := doc.Objects[ref]
			if ref == cRef || ref == pRef || dropped[ref] {
				continue
			}
			if _, collapsed := redirect[ref]; collapsed {
				continue
			}
			if !leaves[ref] {
				// Catalogs and pages outside the page tree have no place in
				// the merged tree.
				switch raw.TypeName(obj) {
				case "Catalog", "Pages", "Page":
					continue
				}
			}
			out.Set(ref, obj)
		}
	}

	if len(pageRefs) == 0 {
		return nil, structural(opMerge, "", errNoPages)
	}

	out.Set(catalogRef, catalog)
	out.Set(pagesRef, pagesDict)
	graph.Apply(out, redirect)

	kids := make([]raw.Object, 0, len(pageRefs))
	for _, ref := range pageRefs {
		if page, ok := out.Objects[ref].(*raw.DictObj); ok {
			page.Set("Parent", raw.RefObj{R: pagesRef})
			kids = append(kids, raw.RefObj{R: ref})
		}
	}
	pagesDict = out.Objects[pagesRef].(*raw.DictObj)
	pagesDict.Set("Type", raw.NameLiteral("Pages"))
	pagesDict.Set("Kids", raw.NewArray(kids...))
	pagesDict.Set("Count", raw.NumberInt(int64(len(kids))))
	pagesDict.Remove("Parent")

	catalog = out.Objects[catalogRef].(*raw.DictObj)
	catalog.Set("Type", raw.NameLiteral("Catalog"))
	catalog.Set("Pages", raw.RefObj{R: pagesRef})
	catalog.Remove("Outlines")
	out.SetRoot(catalogRef)
	if root, ok := outline.Build(out, bookmarks); ok {
		catalog.Set("Outlines", raw.RefObj{R: root})
	}
	if info != nil {
		out.Trailer.Set("Info", graph.Remap(info, redirect))
	}

	// References into dropped outline items and discarded nodes read as null.
	graph.NullifyDangling(out)
	if infoOf(out) == nil {
		out.Trailer.Remove("Info")
	}
	graph.Renumber(out, 1)
	return out, nil
}

// infoOf returns the trailer's Info entry when it is a dictionary, given
// directly or through a reference to a present object.
func infoOf(doc *raw.Document) raw.Object {
	if doc.Trailer == nil {
		return nil
	}
	v, ok := doc.Trailer.Get("Info")
	if !ok {
		return nil
	}
	resolved, err := doc.Resolve(v)
	if err != nil {
		return nil
	}
	if _, err := raw.AsDict(resolved); err != nil {
		return nil
	}
	return v
}

// flattenInherited copies inheritable attributes from the page's ancestors
// onto the page itself.
func flattenInherited(doc *raw.Document, page raw.ObjectRef) {
	dict, ok := doc.Objects[page].(*raw.DictObj)
	if !ok {
		return
	}
	for _, key := range inheritable {
		if _, own := dict.Get(key); own {
			continue
		}
		if v, ok := pagetree.Inherited(doc, page, key); ok {
			dict.Set(key, raw.Clone(v))
		}
	}
}

// outlineItems returns the outline root and every item reachable through
// First and Next links.
func outlineItems(doc *raw.Document, catalog *raw.DictObj) map[raw.ObjectRef]bool {
	items := make(map[raw.ObjectRef]bool)
	root, err := raw.RefValue(catalog, "Outlines")
	if err != nil {
		return items
	}
	stack := []raw.ObjectRef{root}
	for len(stack) > 0 {
		ref := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if items[ref] {
			continue
		}
		dict, ok := doc.Objects[ref].(*raw.DictObj)
		if !ok {
			continue
		}
		items[ref] = true
		for _, key := range []string{"First", "Next"} {
			if r, err := raw.RefValue(dict, key); err == nil {
				stack = append(stack, r)
			}
		}
	}
	return items
}

func countPages(doc *raw.Document) int {
	pages, err := pagetree.Pages(doc)
	if err != nil {
		return 0
	}
	return len(pages)
}
