package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/wudi/pdfops/filters"
	"github.com/wudi/pdfops/ir/raw"
	"github.com/wudi/pdfops/recovery"
	"github.com/wudi/pdfops/scanner"
	"github.com/wudi/pdfops/security"
	"github.com/wudi/pdfops/xref"
)

var (
	ErrNotInXRef      = errors.New("object not found in xref")
	ErrHeaderMismatch = errors.New("object header does not match xref entry")
)

type Cache interface {
	Get(ref raw.ObjectRef) (raw.Object, bool)
	Put(ref raw.ObjectRef, obj raw.Object)
}

// ObjectLoader materializes single indirect objects on demand.
type ObjectLoader interface {
	Load(ctx context.Context, ref raw.ObjectRef) (raw.Object, error)
}

type ObjectLoaderBuilder struct {
	reader    io.ReaderAt
	xrefTable xref.Table
	limits    security.Limits
	cache     Cache
	recovery  recovery.Strategy
	security  *security.StandardHandler
	encrypt   raw.ObjectRef
}

func (b *ObjectLoaderBuilder) WithXRef(table xref.Table) *ObjectLoaderBuilder {
	b.xrefTable = table
	return b
}
func (b *ObjectLoaderBuilder) WithReader(r io.ReaderAt) *ObjectLoaderBuilder {
	b.reader = r
	return b
}
func (b *ObjectLoaderBuilder) WithLimits(l security.Limits) *ObjectLoaderBuilder {
	b.limits = l
	return b
}
func (b *ObjectLoaderBuilder) WithRecovery(r recovery.Strategy) *ObjectLoaderBuilder {
	b.recovery = r
	return b
}
func (b *ObjectLoaderBuilder) WithCache(c Cache) *ObjectLoaderBuilder { b.cache = c; return b }

// WithSecurity decrypts loaded objects with an authenticated handler. The
// /Encrypt dictionary at encrypt is left as stored.
func (b *ObjectLoaderBuilder) WithSecurity(h *security.StandardHandler, encrypt raw.ObjectRef) *ObjectLoaderBuilder {
	b.security = h
	b.encrypt = encrypt
	return b
}

func (b *ObjectLoaderBuilder) Build() (ObjectLoader, error) {
	if b.reader == nil || b.xrefTable == nil {
		return nil, errors.New("reader and xrefTable required")
	}
	limits := b.limits.WithDefaults()
	return &objectLoader{
		reader:    b.reader,
		xrefTable: b.xrefTable,
		limits:    limits,
		cache:     b.cache,
		recovery:  b.recovery,
		security:  b.security,
		encrypt:   b.encrypt,
		pipeline:  filters.NewStandardPipeline(limits.Filters()),
		objstm:    make(map[int]map[int]raw.Object),
	}, nil
}

type objectLoader struct {
	reader    io.ReaderAt
	xrefTable xref.Table
	limits    security.Limits
	cache     Cache
	recovery  recovery.Strategy
	security  *security.StandardHandler
	encrypt   raw.ObjectRef
	pipeline  *filters.Pipeline

	mu     sync.Mutex
	main   *scanner.Reader
	aux    *scanner.Reader
	objstm map[int]map[int]raw.Object
}

func (o *objectLoader) Load(ctx context.Context, ref raw.ObjectRef) (raw.Object, error) {
	if o.cache != nil {
		if obj, ok := o.cache.Get(ref); ok {
			return obj, nil
		}
	}

	obj, err := o.loadOnce(ctx, ref)
	if err != nil {
		return nil, err
	}

	if o.cache != nil {
		o.cache.Put(ref, obj)
	}
	return obj, nil
}

func (o *objectLoader) loadOnce(ctx context.Context, ref raw.ObjectRef) (raw.Object, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	offset, gen, found := o.xrefTable.Lookup(ref.Num)
	if !found {
		if osNum, idx, ok := o.xrefTable.ObjStream(ref.Num); ok {
			return o.loadFromObjectStream(ctx, ref, osNum, idx)
		}
		return nil, fmt.Errorf("%w: %s", ErrNotInXRef, ref)
	}
	obj, err := o.loadAtOffset(ref.Num, offset, gen, 0)
	if err != nil {
		return nil, err
	}
	return o.decryptObject(raw.ObjectRef{Num: ref.Num, Gen: gen}, obj)
}

func (o *objectLoader) newReader(r io.ReaderAt) *scanner.Reader {
	cfg := o.limits.Scanner()
	cfg.Recovery = o.recovery
	return scanner.NewReader(scanner.New(r, cfg), o.recovery)
}

// fileReader returns the shared reader over the input. The scanner keeps
// what it has buffered, so objects are not re-read per lookup. Indirect
// /Length values are read through a second reader because the first is in
// the middle of an object when they are needed.
func (o *objectLoader) fileReader(depth int) *scanner.Reader {
	if depth == 0 {
		if o.main == nil {
			o.main = o.newReader(o.reader)
			o.main.Length = func(ref raw.ObjectRef) (int64, bool) {
				return o.resolveStreamLength(ref)
			}
		}
		return o.main
	}
	if o.aux == nil {
		o.aux = o.newReader(o.reader)
	}
	return o.aux
}

// loadAtOffset reads the object whose header sits at offset. depth is 1
// while resolving a /Length.
func (o *objectLoader) loadAtOffset(objNum int, offset int64, gen int, depth int) (raw.Object, error) {
	rd := o.fileReader(depth)
	if err := rd.SeekTo(offset); err != nil {
		return nil, err
	}
	ref, obj, err := rd.ReadIndirect()
	if err != nil {
		return nil, err
	}
	if ref.Num != objNum || ref.Gen != gen {
		return nil, fmt.Errorf("%w: found %s, want %d %d R", ErrHeaderMismatch, ref, objNum, gen)
	}
	return obj, nil
}

// resolveStreamLength loads an indirect /Length value.
func (o *objectLoader) resolveStreamLength(ref raw.ObjectRef) (int64, bool) {
	offset, gen, ok := o.xrefTable.Lookup(ref.Num)
	if !ok {
		return 0, false
	}
	obj, err := o.loadAtOffset(ref.Num, offset, gen, 1)
	if err != nil {
		return 0, false
	}
	n, err := raw.AsInt(obj)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (o *objectLoader) loadFromObjectStream(ctx context.Context, ref raw.ObjectRef, objStreamNum int, idx int) (raw.Object, error) {
	if objs, ok := o.objstm[objStreamNum]; ok {
		if obj, ok := objs[ref.Num]; ok {
			return obj, nil
		}
		return nil, fmt.Errorf("%w: %s in object stream %d", ErrNotInXRef, ref, objStreamNum)
	}
	offset, gen, ok := o.xrefTable.Lookup(objStreamNum)
	if !ok {
		return nil, fmt.Errorf("object stream %d missing", objStreamNum)
	}
	streamObj, err := o.loadAtOffset(objStreamNum, offset, gen, 0)
	if err != nil {
		return nil, err
	}
	if streamObj, err = o.decryptObject(raw.ObjectRef{Num: objStreamNum, Gen: gen}, streamObj); err != nil {
		return nil, fmt.Errorf("object stream %d: %w", objStreamNum, err)
	}
	st, ok := streamObj.(*raw.StreamObj)
	if !ok {
		return nil, fmt.Errorf("object stream %d is not a stream", objStreamNum)
	}
	data, err := o.pipeline.DecodeStream(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("object stream %d: %w", objStreamNum, err)
	}
	pairs, err := xref.ObjStmHeader(data, st.Dict)
	if err != nil {
		return nil, fmt.Errorf("object stream %d: %w", objStreamNum, err)
	}
	first, _ := raw.IntValue(st.Dict, "First")
	body := data[first:]

	objs := make(map[int]raw.Object, len(pairs))
	for i, pair := range pairs {
		num, off := pair[0], pair[1]
		if off < 0 || off > len(body) {
			continue
		}
		rd := o.newReader(bytes.NewReader(body[off:]))
		obj, err := rd.ReadObject()
		if err != nil {
			if i == idx {
				return nil, fmt.Errorf("object %d in object stream %d: %w", num, objStreamNum, err)
			}
			continue
		}
		// A later duplicate of the same number loses.
		if _, dup := objs[num]; !dup {
			objs[num] = obj
		}
	}
	o.objstm[objStreamNum] = objs
	if obj, ok := objs[ref.Num]; ok {
		return obj, nil
	}
	return nil, fmt.Errorf("%w: %s in object stream %d", ErrNotInXRef, ref, objStreamNum)
}

// decryptObject decrypts the strings and stream data of an object read from
// the file body. Objects packed in an object stream are plain once their
// container is decrypted.
func (o *objectLoader) decryptObject(ref raw.ObjectRef, obj raw.Object) (raw.Object, error) {
	if o.security == nil || ref == o.encrypt {
		return obj, nil
	}
	return o.decryptValue(ref, obj)
}

func (o *objectLoader) decryptValue(ref raw.ObjectRef, obj raw.Object) (raw.Object, error) {
	switch v := obj.(type) {
	case raw.StringObj:
		dec, err := o.security.Decrypt(ref, v.Bytes, security.DataClassString)
		if err != nil {
			return nil, err
		}
		return raw.StringObj{Bytes: dec, Hex: v.Hex}, nil
	case *raw.ArrayObj:
		for i, item := range v.Items {
			dec, err := o.decryptValue(ref, item)
			if err != nil {
				return nil, err
			}
			v.Items[i] = dec
		}
	case *raw.DictObj:
		for key, item := range v.KV {
			dec, err := o.decryptValue(ref, item)
			if err != nil {
				return nil, err
			}
			v.KV[key] = dec
		}
	case *raw.StreamObj:
		switch raw.TypeName(v) {
		case "XRef":
			return v, nil
		case "Metadata":
			if !o.security.EncryptMetadata() {
				return v, nil
			}
		}
		if _, err := o.decryptValue(ref, v.Dict); err != nil {
			return nil, err
		}
		var data []byte
		var err error
		if name, ok := takeCryptFilter(v.Dict); ok {
			data, err = o.security.DecryptWithFilter(ref, v.Data, name)
		} else {
			data, err = o.security.Decrypt(ref, v.Data, security.DataClassStream)
		}
		if err != nil {
			return nil, err
		}
		v.Data = data
		v.Dict.Set("Length", raw.NumberInt(int64(len(data))))
	}
	return obj, nil
}

// takeCryptFilter removes a leading /Crypt filter from a stream's filter
// chain and returns the crypt filter it names.
func takeCryptFilter(d *raw.DictObj) (string, bool) {
	crypt := raw.NameLiteral("Crypt")
	f, _ := d.Get("Filter")
	parms, _ := d.Get("DecodeParms")
	switch v := f.(type) {
	case raw.NameObj:
		if v != crypt {
			return "", false
		}
		d.Remove("Filter")
		d.Remove("DecodeParms")
		return cryptFilterName(parms), true
	case *raw.ArrayObj:
		if len(v.Items) == 0 || v.Items[0] != crypt {
			return "", false
		}
		var first raw.Object
		if pa, ok := parms.(*raw.ArrayObj); ok && len(pa.Items) > 0 {
			first = pa.Items[0]
			d.Set("DecodeParms", raw.NewArray(pa.Items[1:]...))
		}
		if len(v.Items) == 1 {
			d.Remove("Filter")
			d.Remove("DecodeParms")
		} else {
			d.Set("Filter", raw.NewArray(v.Items[1:]...))
		}
		return cryptFilterName(first), true
	}
	return "", false
}

func cryptFilterName(parms raw.Object) string {
	if d, ok := parms.(*raw.DictObj); ok {
		if name, err := raw.NameValue(d, "Name"); err == nil {
			return name
		}
	}
	return "Identity"
}
