package graph

import "github.com/wudi/pdfops/ir/raw"

// Renumber gives every object in doc a new identifier, numbering contiguously
// from start in ascending order of the old identifiers with generation 0.
// All references in objects and in the trailer are rewritten; references to
// identifiers absent from doc become null, so none keeps an old number. It
// returns the next free number (start plus the object count) and the
// old-to-new mapping.
//
// Objects are visited in a fixed order, so renumbering the same document twice
// yields the same mapping. Renumbering successive documents from a running
// counter never produces overlapping ranges.
func Renumber(doc *raw.Document, start int) (int, map[raw.ObjectRef]raw.ObjectRef) {
	if start < 1 {
		start = 1
	}
	refs := doc.Refs()
	mapping := make(map[raw.ObjectRef]raw.ObjectRef, len(refs))
	for i, old := range refs {
		mapping[old] = raw.ObjectRef{Num: start + i}
	}

	objects := make(map[raw.ObjectRef]raw.Object, len(refs))
	for _, old := range refs {
		objects[mapping[old]], _ = Translate(doc.Objects[old], mapping)
	}
	doc.Objects = objects
	if doc.Trailer != nil {
		doc.Trailer, _ = translateDict(doc.Trailer, mapping)
	}

	next := start + len(refs)
	doc.NextNum = next
	return next, mapping
}

// Apply rewrites every reference in doc through mapping without moving any
// object. It is used to redirect references after objects were merged.
func Apply(doc *raw.Document, mapping map[raw.ObjectRef]raw.ObjectRef) {
	if len(mapping) == 0 {
		return
	}
	for ref, obj := range doc.Objects {
		doc.Objects[ref] = Remap(obj, mapping)
	}
	if doc.Trailer != nil {
		doc.Trailer = remapDict(doc.Trailer, mapping)
	}
}
