// Package graph traverses and rewrites the reference graph of a raw document.
package graph

import (
	"sort"

	"github.com/wudi/pdfops/ir/raw"
)

// ClosureConfig restricts which edges and nodes a closure traversal follows.
// The zero value follows every reference.
type ClosureConfig struct {
	// SkipEdge reports whether the value stored under key in holder should
	// not be followed. holder is the innermost dictionary containing the edge.
	SkipEdge func(holder *raw.DictObj, key string) bool

	// Stop reports whether an object reached through a reference is a
	// boundary: it is neither included nor traversed. Roots are never stopped.
	Stop func(ref raw.ObjectRef, obj raw.Object) bool
}

// Result is the outcome of a closure computation.
type Result struct {
	// Reachable lists every present object reached, in ascending order.
	Reachable []raw.ObjectRef
	// Missing lists referenced identifiers that are absent from the document.
	Missing []raw.ObjectRef
	// Excluded lists present objects that Stop rejected.
	Excluded []raw.ObjectRef
}

// Contains reports whether ref is part of the reachable set.
func (r Result) Contains(ref raw.ObjectRef) bool {
	i := sort.Search(len(r.Reachable), func(i int) bool { return !r.Reachable[i].Less(ref) })
	return i < len(r.Reachable) && r.Reachable[i] == ref
}

// Closure returns the set of objects transitively reachable from roots by
// following references inside arrays, dictionary values and stream
// dictionaries. Cycles terminate because every identifier is visited once.
func Closure(doc *raw.Document, roots []raw.ObjectRef, cfg ClosureConfig) Result {
	visited := make(map[raw.ObjectRef]bool)
	isRoot := make(map[raw.ObjectRef]bool, len(roots))
	var res Result
	var stack []raw.ObjectRef

	for _, r := range roots {
		isRoot[r] = true
		stack = append(stack, r)
	}

	for len(stack) > 0 {
		ref := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[ref] {
			continue
		}
		visited[ref] = true

		obj, ok := doc.Objects[ref]
		if !ok {
			res.Missing = append(res.Missing, ref)
			continue
		}
		if !isRoot[ref] && cfg.Stop != nil && cfg.Stop(ref, obj) {
			res.Excluded = append(res.Excluded, ref)
			continue
		}
		res.Reachable = append(res.Reachable, ref)

		edges(obj, nil, "", cfg.SkipEdge, func(target raw.ObjectRef) {
			if !visited[target] {
				stack = append(stack, target)
			}
		})
	}

	sortRefs(res.Reachable)
	sortRefs(res.Missing)
	sortRefs(res.Excluded)
	return res
}

// edges calls fn for every reference held directly or in nested direct
// containers of obj.
func edges(obj raw.Object, holder *raw.DictObj, key string, skip func(*raw.DictObj, string) bool, fn func(raw.ObjectRef)) {
	switch v := obj.(type) {
	case raw.RefObj:
		if holder != nil && skip != nil && skip(holder, key) {
			return
		}
		fn(v.R)
	case *raw.ArrayObj:
		for _, it := range v.Items {
			edges(it, holder, key, skip, fn)
		}
	case *raw.DictObj:
		for _, k := range v.Keys() {
			edges(v.KV[k], v, k, skip, fn)
		}
	case *raw.StreamObj:
		if v.Dict != nil {
			edges(v.Dict, holder, key, skip, fn)
		}
	}
}

// References returns every reference contained in obj, in encounter order
// with duplicates removed.
func References(obj raw.Object) []raw.ObjectRef {
	seen := make(map[raw.ObjectRef]bool)
	var out []raw.ObjectRef
	edges(obj, nil, "", nil, func(r raw.ObjectRef) {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	})
	return out
}

// Remap returns a structural copy of obj in which every reference found in
// mapping is rewritten. References without a mapping keep their target.
func Remap(obj raw.Object, mapping map[raw.ObjectRef]raw.ObjectRef) raw.Object {
	switch v := obj.(type) {
	case raw.RefObj:
		if n, ok := mapping[v.R]; ok {
			return raw.RefObj{R: n}
		}
		return v
	case *raw.ArrayObj:
		out := &raw.ArrayObj{Items: make([]raw.Object, len(v.Items))}
		for i, it := range v.Items {
			out.Items[i] = Remap(it, mapping)
		}
		return out
	case *raw.DictObj:
		return remapDict(v, mapping)
	case *raw.StreamObj:
		return &raw.StreamObj{Dict: remapDict(v.Dict, mapping), Data: v.Data, Compressible: v.Compressible}
	default:
		return raw.Clone(obj)
	}
}

func remapDict(d *raw.DictObj, mapping map[raw.ObjectRef]raw.ObjectRef) *raw.DictObj {
	if d == nil {
		return nil
	}
	out := &raw.DictObj{KV: make(map[string]raw.Object, len(d.KV))}
	for k, v := range d.KV {
		out.KV[k] = Remap(v, mapping)
	}
	return out
}

// Translate is Remap for copying objects into another document: references
// without a mapping become null instead of keeping a target that means
// something else there. It also returns how many references were dropped.
func Translate(obj raw.Object, mapping map[raw.ObjectRef]raw.ObjectRef) (raw.Object, int) {
	switch v := obj.(type) {
	case raw.RefObj:
		if n, ok := mapping[v.R]; ok {
			return raw.RefObj{R: n}, 0
		}
		return raw.NullObj{}, 1
	case *raw.ArrayObj:
		out := &raw.ArrayObj{Items: make([]raw.Object, len(v.Items))}
		total := 0
		for i, it := range v.Items {
			var n int
			out.Items[i], n = Translate(it, mapping)
			total += n
		}
		return out, total
	case *raw.DictObj:
		return translateDict(v, mapping)
	case *raw.StreamObj:
		d, n := translateDict(v.Dict, mapping)
		return &raw.StreamObj{Dict: d, Data: v.Data, Compressible: v.Compressible}, n
	default:
		return raw.Clone(obj), 0
	}
}

func translateDict(d *raw.DictObj, mapping map[raw.ObjectRef]raw.ObjectRef) (*raw.DictObj, int) {
	if d == nil {
		return nil, 0
	}
	out := &raw.DictObj{KV: make(map[string]raw.Object, len(d.KV))}
	total := 0
	for k, v := range d.KV {
		var n int
		out.KV[k], n = Translate(v, mapping)
		total += n
	}
	return out, total
}

// Dangling returns every referenced identifier, in objects or in the
// trailer, that is absent from doc.
func Dangling(doc *raw.Document) []raw.ObjectRef {
	seen := make(map[raw.ObjectRef]bool)
	var out []raw.ObjectRef
	check := func(r raw.ObjectRef) {
		if _, ok := doc.Objects[r]; ok || seen[r] {
			return
		}
		seen[r] = true
		out = append(out, r)
	}
	for _, obj := range doc.Objects {
		edges(obj, nil, "", nil, check)
	}
	if doc.Trailer != nil {
		edges(doc.Trailer, nil, "", nil, check)
	}
	sortRefs(out)
	return out
}

// NullifyDangling replaces references to absent objects with null and
// returns how many references were rewritten. A reference to a missing
// object has the same meaning as null in PDF.
func NullifyDangling(doc *raw.Document) int {
	n := 0
	for ref, obj := range doc.Objects {
		fixed, changed := nullify(obj, doc)
		if changed > 0 {
			doc.Objects[ref] = fixed
			n += changed
		}
	}
	return n
}

func nullify(obj raw.Object, doc *raw.Document) (raw.Object, int) {
	switch v := obj.(type) {
	case raw.RefObj:
		if _, ok := doc.Objects[v.R]; !ok {
			return raw.NullObj{}, 1
		}
		return v, 0
	case *raw.ArrayObj:
		total := 0
		for i, it := range v.Items {
			fixed, n := nullify(it, doc)
			v.Items[i] = fixed
			total += n
		}
		return v, total
	case *raw.DictObj:
		total := 0
		for k, it := range v.KV {
			fixed, n := nullify(it, doc)
			v.KV[k] = fixed
			total += n
		}
		return v, total
	case *raw.StreamObj:
		if v.Dict == nil {
			return v, 0
		}
		_, n := nullify(v.Dict, doc)
		return v, n
	default:
		return obj, 0
	}
}

func sortRefs(refs []raw.ObjectRef) {
	sort.Slice(refs, func(i, j int) bool { return refs[i].Less(refs[j]) })
}
