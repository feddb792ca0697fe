// Package outline writes a document outline (bookmark tree) into a raw
// document.
package outline

import (
	"golang.org/x/text/encoding/unicode"

	"github.com/wudi/pdfops/ir/raw"
)

// Bookmark is a flat outline entry. Level 0 entries hang off the outline
// root; an entry whose level is deeper than the one before it becomes that
// entry's child.
type Bookmark struct {
	Title string
	Color [3]float64
	Level int
	Page  raw.ObjectRef
}

// Blue is the colour given to bookmarks generated for merged inputs.
var Blue = [3]float64{0, 0, 1}

type item struct {
	Bookmark
	ref      raw.ObjectRef
	parent   *item
	children []*item
}

// Build adds the outline root and one dictionary per bookmark to doc and
// returns the root's identifier. It reports false when there is nothing to
// build.
func Build(doc *raw.Document, bookmarks []Bookmark) (raw.ObjectRef, bool) {
	if len(bookmarks) == 0 {
		return raw.ObjectRef{}, false
	}

	root := &item{ref: doc.Alloc()}
	root.Level = -1
	stack := []*item{root}
	for _, b := range bookmarks {
		it := &item{Bookmark: b, ref: doc.Alloc()}
		if it.Level < 0 {
			it.Level = 0
		}
		for len(stack) > 1 && stack[len(stack)-1].Level >= it.Level {
			stack = stack[:len(stack)-1]
		}
		parent := stack[len(stack)-1]
		it.parent = parent
		parent.children = append(parent.children, it)
		stack = append(stack, it)
	}

	rootDict := raw.Dict()
	rootDict.Set("Type", raw.NameLiteral("Outlines"))
	linkChildren(rootDict, root)
	doc.Set(root.ref, rootDict)

	var write func(it *item)
	write = func(it *item) {
		d := raw.Dict()
		d.Set("Title", TextString(it.Title))
		d.Set("Parent", raw.RefObj{R: it.parent.ref})
		siblings := it.parent.children
		for i, s := range siblings {
			if s != it {
				continue
			}
			if i > 0 {
				d.Set("Prev", raw.RefObj{R: siblings[i-1].ref})
			}
			if i < len(siblings)-1 {
				d.Set("Next", raw.RefObj{R: siblings[i+1].ref})
			}
		}
		linkChildren(d, it)
		d.Set("C", raw.NewArray(
			raw.NumberFloat(it.Color[0]),
			raw.NumberFloat(it.Color[1]),
			raw.NumberFloat(it.Color[2]),
		))
		d.Set("Dest", raw.NewArray(raw.RefObj{R: it.Page}, raw.NameLiteral("Fit")))
		doc.Set(it.ref, d)
		for _, c := range it.children {
			write(c)
		}
	}
	for _, c := range root.children {
		write(c)
	}
	return root.ref, true
}

// linkChildren sets First, Last and Count on a node with children. All
// items are open, so Count is the number of descendants.
func linkChildren(d *raw.DictObj, it *item) {
	if len(it.children) == 0 {
		return
	}
	d.Set("First", raw.RefObj{R: it.children[0].ref})
	d.Set("Last", raw.RefObj{R: it.children[len(it.children)-1].ref})
	d.Set("Count", raw.NumberInt(int64(descendants(it))))
}

func descendants(it *item) int {
	n := 0
	for _, c := range it.children {
		n += 1 + descendants(c)
	}
	return n
}

// TextString encodes s as a PDF text string: plain bytes when s is
// printable ASCII, UTF-16BE with a byte order mark otherwise.
func TextString(s string) raw.StringObj {
	ascii := true
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			ascii = false
			break
		}
	}
	if ascii {
		return raw.Str([]byte(s))
	}
	enc := unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewEncoder()
	b, err := enc.Bytes([]byte(s))
	if err != nil {
		return raw.Str([]byte(s))
	}
	return raw.StringObj{Bytes: b, Hex: true}
}
