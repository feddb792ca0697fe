// Package pagetree locates the catalog and enumerates pages of a raw document.
package pagetree

import (
	"errors"
	"fmt"

	"github.com/wudi/pdfops/ir/raw"
)

var (
	ErrNoCatalog = errors.New("catalog not found")
	ErrNoPages   = errors.New("pages root not found")
)

// maxTreeDepth bounds Parent chains and nested Pages nodes.
const maxTreeDepth = 256

// Page is a leaf of the page tree together with its 1-based position.
type Page struct {
	Number int
	Ref    raw.ObjectRef
}

// Catalog returns the identifier and dictionary of the document catalog.
func Catalog(doc *raw.Document) (raw.ObjectRef, *raw.DictObj, error) {
	root, err := doc.Root()
	if err != nil {
		return raw.ObjectRef{}, nil, fmt.Errorf("%w: %v", ErrNoCatalog, err)
	}
	obj, err := doc.Get(root)
	if err != nil {
		return raw.ObjectRef{}, nil, fmt.Errorf("%w: %v", ErrNoCatalog, err)
	}
	dict, err := raw.AsDict(obj)
	if err != nil {
		return raw.ObjectRef{}, nil, fmt.Errorf("%w: %v", ErrNoCatalog, err)
	}
	if t := raw.TypeName(dict); t != "" && t != "Catalog" {
		return raw.ObjectRef{}, nil, fmt.Errorf("%w: root has /Type /%s", ErrNoCatalog, t)
	}
	return root, dict, nil
}

// PagesRoot returns the identifier and dictionary of the root Pages node.
func PagesRoot(doc *raw.Document) (raw.ObjectRef, *raw.DictObj, error) {
	_, catalog, err := Catalog(doc)
	if err != nil {
		return raw.ObjectRef{}, nil, err
	}
	ref, err := raw.RefValue(catalog, "Pages")
	if err != nil {
		return raw.ObjectRef{}, nil, fmt.Errorf("%w: %v", ErrNoPages, err)
	}
	obj, err := doc.Get(ref)
	if err != nil {
		return raw.ObjectRef{}, nil, fmt.Errorf("%w: %v", ErrNoPages, err)
	}
	dict, err := raw.AsDict(obj)
	if err != nil {
		return raw.ObjectRef{}, nil, fmt.Errorf("%w: %v", ErrNoPages, err)
	}
	return ref, dict, nil
}

// Pages enumerates the page leaves in document order. Numbers start at 1.
// Each node is entered at most once, so malformed trees with cycles or
// shared subtrees still produce a finite, duplicate-free list.
func Pages(doc *raw.Document) ([]Page, error) {
	pages, _, err := walk(doc)
	return pages, err
}

// Nodes returns the interior nodes of the page tree, root first.
func Nodes(doc *raw.Document) ([]raw.ObjectRef, error) {
	_, nodes, err := walk(doc)
	return nodes, err
}

func walk(doc *raw.Document) ([]Page, []raw.ObjectRef, error) {
	rootRef, _, err := PagesRoot(doc)
	if err != nil {
		return nil, nil, err
	}
	var (
		pages []Page
		nodes []raw.ObjectRef
	)
	visited := make(map[raw.ObjectRef]bool)
	var visit func(ref raw.ObjectRef, depth int)
	visit = func(ref raw.ObjectRef, depth int) {
		if visited[ref] || depth > maxTreeDepth {
			return
		}
		visited[ref] = true
		obj, ok := doc.Objects[ref]
		if !ok {
			return
		}
		dict, ok := obj.(*raw.DictObj)
		if !ok {
			return
		}
		if ref != rootRef && IsPage(dict) {
			pages = append(pages, Page{Number: len(pages) + 1, Ref: ref})
			return
		}
		nodes = append(nodes, ref)
		kids, err := kidsOf(doc, dict)
		if err != nil {
			return
		}
		for _, kid := range kids.Items {
			if r, ok := kid.(raw.RefObj); ok {
				visit(r.R, depth+1)
			}
		}
	}
	visit(rootRef, 0)
	return pages, nodes, nil
}

// IsPage reports whether dict is a page leaf. Leaves without a /Type entry
// are recognised by the absence of /Kids.
func IsPage(dict *raw.DictObj) bool {
	switch raw.TypeName(dict) {
	case "Page":
		return true
	case "Pages":
		return false
	}
	_, hasKids := dict.Get("Kids")
	return !hasKids
}

func kidsOf(doc *raw.Document, dict *raw.DictObj) (*raw.ArrayObj, error) {
	v, err := raw.Value(dict, "Kids")
	if err != nil {
		return nil, err
	}
	v, err = doc.Resolve(v)
	if err != nil {
		return nil, err
	}
	return raw.AsArray(v)
}

// Inherited returns the value of key on the page or, if absent there, on
// the nearest ancestor that defines it. Rotate, MediaBox, CropBox and
// Resources are inheritable.
func Inherited(doc *raw.Document, page raw.ObjectRef, key string) (raw.Object, bool) {
	ref := page
	seen := make(map[raw.ObjectRef]bool)
	for depth := 0; depth <= maxTreeDepth; depth++ {
		if seen[ref] {
			return nil, false
		}
		seen[ref] = true
		obj, ok := doc.Objects[ref]
		if !ok {
			return nil, false
		}
		dict, ok := obj.(*raw.DictObj)
		if !ok {
			return nil, false
		}
		if v, ok := dict.Get(key); ok {
			return v, true
		}
		parent, err := raw.RefValue(dict, "Parent")
		if err != nil {
			return nil, false
		}
		ref = parent
	}
	return nil, false
}

// CountLeaves recomputes the number of page leaves under node, used to check
// the /Count invariant of produced documents.
func CountLeaves(doc *raw.Document, node raw.ObjectRef) int {
	visited := make(map[raw.ObjectRef]bool)
	var count func(ref raw.ObjectRef) int
	count = func(ref raw.ObjectRef) int {
		if visited[ref] {
			return 0
		}
		visited[ref] = true
		dict, ok := doc.Objects[ref].(*raw.DictObj)
		if !ok {
			return 0
		}
		if IsPage(dict) {
			return 1
		}
		kids, err := kidsOf(doc, dict)
		if err != nil {
			return 0
		}
		n := 0
		for _, kid := range kids.Items {
			if r, ok := kid.(raw.RefObj); ok {
				n += count(r.R)
			}
		}
		return n
	}
	return count(node)
}
