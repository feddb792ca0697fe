package raw

import (
	"context"
	"fmt"
	"io"
	"sort"
)

// ObjectRef uniquely identifies an indirect PDF object.
type ObjectRef struct {
	Num int
	Gen int
}

func (r ObjectRef) String() string { return fmt.Sprintf("%d %d R", r.Num, r.Gen) }

// Less orders references by number, then generation.
func (r ObjectRef) Less(o ObjectRef) bool {
	if r.Num != o.Num {
		return r.Num < o.Num
	}
	return r.Gen < o.Gen
}

// Object is the base interface for all raw PDF objects.
type Object interface {
	Type() string
	IsIndirect() bool
}

// Dictionary represents a PDF dictionary object.
type Dictionary interface {
	Object
	Get(key string) (Object, bool)
	Set(key string, value Object)
	Remove(key string)
	Keys() []string
	Len() int
}

// Array represents a PDF array object.
type Array interface {
	Object
	Get(index int) (Object, bool)
	Len() int
	Append(obj Object)
}

// Stream represents a raw (undecoded) PDF stream.
type Stream interface {
	Object
	Dictionary() Dictionary
	RawData() []byte
	Length() int64
}

// Reference represents an indirect object reference.
type Reference interface {
	Object
	Ref() ObjectRef
}

// Document is the root container for raw PDF objects. It owns every object
// it holds; references between objects are resolved through Objects only.
type Document struct {
	Objects map[ObjectRef]Object
	Trailer *DictObj
	Version string // e.g., "1.7"

	// NextNum is the lowest object number Alloc will hand out.
	NextNum int
}

// NewDocument returns an empty document with an empty trailer.
func NewDocument(version string) *Document {
	return &Document{
		Objects: make(map[ObjectRef]Object),
		Trailer: Dict(),
		Version: version,
		NextNum: 1,
	}
}

// Alloc reserves a fresh object identifier. The caller is expected to Set it.
func (d *Document) Alloc() ObjectRef {
	if d.NextNum < 1 {
		d.NextNum = 1
	}
	for {
		if _, taken := d.Objects[ObjectRef{Num: d.NextNum}]; !taken {
			break
		}
		d.NextNum++
	}
	ref := ObjectRef{Num: d.NextNum}
	d.NextNum++
	return ref
}

// Add stores obj under a freshly allocated identifier.
func (d *Document) Add(obj Object) ObjectRef {
	ref := d.Alloc()
	d.Set(ref, obj)
	return ref
}

// Set stores obj under ref, replacing any previous object.
func (d *Document) Set(ref ObjectRef, obj Object) {
	if d.Objects == nil {
		d.Objects = make(map[ObjectRef]Object)
	}
	d.Objects[ref] = obj
	if ref.Num >= d.NextNum {
		d.NextNum = ref.Num + 1
	}
}

// Get returns the object stored under ref.
func (d *Document) Get(ref ObjectRef) (Object, error) {
	obj, ok := d.Objects[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingObject, ref)
	}
	return obj, nil
}

// Resolve follows obj if it is a reference and returns the target.
// Direct objects are returned unchanged.
func (d *Document) Resolve(obj Object) (Object, error) {
	if r, ok := obj.(RefObj); ok {
		return d.Get(r.R)
	}
	return obj, nil
}

// Refs returns all object identifiers in ascending order.
func (d *Document) Refs() []ObjectRef {
	refs := make([]ObjectRef, 0, len(d.Objects))
	for ref := range d.Objects {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Less(refs[j]) })
	return refs
}

// MaxNum returns the highest object number in use, or 0 for an empty document.
func (d *Document) MaxNum() int {
	max := 0
	for ref := range d.Objects {
		if ref.Num > max {
			max = ref.Num
		}
	}
	return max
}

// Root returns the identifier the trailer's Root entry points at.
func (d *Document) Root() (ObjectRef, error) {
	if d.Trailer == nil {
		return ObjectRef{}, fmt.Errorf("trailer: %w: Root", ErrMissingKey)
	}
	return RefValue(d.Trailer, "Root")
}

// SetRoot points the trailer's Root entry at ref.
func (d *Document) SetRoot(ref ObjectRef) {
	if d.Trailer == nil {
		d.Trailer = Dict()
	}
	d.Trailer.Set("Root", RefObj{R: ref})
}

// Parser converts bytes into a raw.Document.
type Parser interface {
	Parse(ctx context.Context, r io.ReaderAt) (*Document, error)
}
