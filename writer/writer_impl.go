package writer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/wudi/pdfops/filters"
	"github.com/wudi/pdfops/ir/raw"
)

// maxObjStmObjects caps how many objects share one object stream.
const maxObjStmObjects = 100

var ErrNoRoot = errors.New("document has no Root")

type impl struct{ interceptors []Interceptor }

func (w *impl) SerializeObject(ref raw.ObjectRef, obj raw.Object) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d %d obj\n", ref.Num, ref.Gen)
	writePrimitive(&buf, obj)
	buf.WriteString("\nendobj\n")
	return buf.Bytes(), nil
}

// Write renders doc into memory and hands the result to out in a single
// Write call. Objects are emitted in ascending identifier order.
func (w *impl) Write(ctx context.Context, doc *raw.Document, out io.Writer, cfg Config) error {
	if doc == nil {
		return errors.New("nil document")
	}
	if _, err := doc.Root(); err != nil {
		return fmt.Errorf("%w: %v", ErrNoRoot, err)
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-" + pdfVersion(doc, cfg) + "\n%\xE2\xE3\xCF\xD3\n")

	refs := doc.Refs()
	maxNum := doc.MaxNum()

	var (
		entries []xrefEntry
		err     error
	)
	if cfg.ObjectStreams {
		entries, err = w.writePacked(ctx, &buf, doc, refs, maxNum, cfg)
	} else {
		entries = make([]xrefEntry, maxNum+1)
		for _, ref := range refs {
			if err = w.writeObject(ctx, &buf, ref, doc.Objects[ref], entries, cfg); err != nil {
				break
			}
		}
	}
	if err != nil {
		return err
	}

	trailer := buildTrailer(doc, fileID(buf.Bytes(), cfg))
	if cfg.ObjectStreams || cfg.XRefStreams {
		err = w.writeXRefStream(&buf, entries, trailer, cfg)
	} else {
		writeXRefTable(&buf, entries, trailer)
	}
	if err != nil {
		return err
	}

	_, err = out.Write(buf.Bytes())
	return err
}

// writeObject serializes one indirect object and records its offset.
func (w *impl) writeObject(ctx context.Context, buf *bytes.Buffer, ref raw.ObjectRef, obj raw.Object, entries []xrefEntry, cfg Config) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if st, ok := obj.(*raw.StreamObj); ok {
		prepared, err := prepareStream(st, cfg)
		if err != nil {
			return fmt.Errorf("object %s: %w", ref, err)
		}
		obj = prepared
	}
	for _, ic := range w.interceptors {
		if err := ic.BeforeWrite(ctx, ref, obj); err != nil {
			return err
		}
	}
	start := buf.Len()
	data, err := w.SerializeObject(ref, obj)
	if err != nil {
		return err
	}
	buf.Write(data)
	if ref.Num < len(entries) {
		entries[ref.Num] = xrefEntry{typ: 1, field2: int64(start), field3: int64(ref.Gen)}
	}
	for _, ic := range w.interceptors {
		if err := ic.AfterWrite(ctx, ref, int64(len(data))); err != nil {
			return err
		}
	}
	return nil
}

// prepareStream returns a copy of st with its Length set and, for
// compressible streams without a filter, Flate applied.
func prepareStream(st *raw.StreamObj, cfg Config) (*raw.StreamObj, error) {
	dict := raw.CloneDict(st.Dict)
	if dict == nil {
		dict = raw.Dict()
	}
	data := st.Data
	if st.Compressible && cfg.Compression != 0 {
		if _, filtered := dict.Get("Filter"); !filtered {
			enc, err := filters.EncodeFlate(data, cfg.Compression)
			if err != nil {
				return nil, err
			}
			data = enc
			dict.Set("Filter", raw.NameLiteral("FlateDecode"))
		}
	}
	dict.Set("Length", raw.NumberInt(int64(len(data))))
	return &raw.StreamObj{Dict: dict, Data: data, Compressible: st.Compressible}, nil
}

// writePacked writes streams and non-zero generations directly and packs
// every other object into object streams numbered after maxNum.
func (w *impl) writePacked(ctx context.Context, buf *bytes.Buffer, doc *raw.Document, refs []raw.ObjectRef, maxNum int, cfg Config) ([]xrefEntry, error) {
	var direct, packed []raw.ObjectRef
	for _, ref := range refs {
		if _, isStream := doc.Objects[ref].(*raw.StreamObj); isStream || ref.Gen != 0 {
			direct = append(direct, ref)
			continue
		}
		packed = append(packed, ref)
	}
	groups := (len(packed) + maxObjStmObjects - 1) / maxObjStmObjects
	// One extra slot for the xref stream itself.
	entries := make([]xrefEntry, maxNum+groups+2)

	for _, ref := range direct {
		if err := w.writeObject(ctx, buf, ref, doc.Objects[ref], entries, cfg); err != nil {
			return nil, err
		}
	}
	for g := 0; g < groups; g++ {
		end := (g + 1) * maxObjStmObjects
		if end > len(packed) {
			end = len(packed)
		}
		members := packed[g*maxObjStmObjects : end]
		stmRef := raw.ObjectRef{Num: maxNum + 1 + g}

		var header, body bytes.Buffer
		for i, ref := range members {
			obj := doc.Objects[ref]
			for _, ic := range w.interceptors {
				if err := ic.BeforeWrite(ctx, ref, obj); err != nil {
					return nil, err
				}
			}
			if i > 0 {
				header.WriteByte(' ')
			}
			header.WriteString(strconv.Itoa(ref.Num) + " " + strconv.Itoa(body.Len()))
			start := body.Len()
			writePrimitive(&body, obj)
			body.WriteByte('\n')
			entries[ref.Num] = xrefEntry{typ: 2, field2: int64(stmRef.Num), field3: int64(i)}
			for _, ic := range w.interceptors {
				if err := ic.AfterWrite(ctx, ref, int64(body.Len()-start)); err != nil {
					return nil, err
				}
			}
		}
		header.WriteByte('\n')

		dict := raw.Dict()
		dict.Set("Type", raw.NameLiteral("ObjStm"))
		dict.Set("N", raw.NumberInt(int64(len(members))))
		dict.Set("First", raw.NumberInt(int64(header.Len())))
		content := append(header.Bytes(), body.Bytes()...)
		stm := &raw.StreamObj{Dict: dict, Data: content, Compressible: true}
		if err := w.writeObject(ctx, buf, stmRef, stm, entries, cfg); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// buildTrailer copies the document trailer without the keys that describe
// the old file layout.
func buildTrailer(doc *raw.Document, ids [2][]byte) *raw.DictObj {
	trailer := raw.CloneDict(doc.Trailer)
	for _, key := range []string{"Size", "Prev", "XRefStm", "Type", "W", "Index", "Length", "Filter", "DecodeParms"} {
		trailer.Remove(key)
	}
	if _, ok := trailer.Get("ID"); !ok {
		trailer.Set("ID", raw.NewArray(
			raw.StringObj{Bytes: ids[0], Hex: true},
			raw.StringObj{Bytes: ids[1], Hex: true},
		))
	}
	return trailer
}

func writeXRefTable(buf *bytes.Buffer, entries []xrefEntry, trailer *raw.DictObj) {
	freeList(entries)
	start := buf.Len()
	fmt.Fprintf(buf, "xref\n0 %d\n", len(entries))
	for _, e := range entries {
		kind := "n"
		if e.typ == 0 {
			kind = "f"
		}
		fmt.Fprintf(buf, "%010d %05d %s \n", e.field2, e.field3, kind)
	}
	trailer.Set("Size", raw.NumberInt(int64(len(entries))))
	buf.WriteString("trailer\n")
	writePrimitive(buf, trailer)
	fmt.Fprintf(buf, "\nstartxref\n%d\n%%%%EOF\n", start)
}

// writeXRefStream appends a cross-reference stream as the last object. Its
// number is the last slot of entries.
func (w *impl) writeXRefStream(buf *bytes.Buffer, entries []xrefEntry, trailer *raw.DictObj, cfg Config) error {
	if len(entries) == 0 || entries[len(entries)-1].typ != 0 {
		entries = append(entries, xrefEntry{})
	}
	ref := raw.ObjectRef{Num: len(entries) - 1}
	start := buf.Len()
	entries[ref.Num] = xrefEntry{typ: 1, field2: int64(start)}
	freeList(entries)

	var max2, max3 int64
	for _, e := range entries {
		if e.field2 > max2 {
			max2 = e.field2
		}
		if e.field3 > max3 {
			max3 = e.field3
		}
	}
	w2, w3 := bytesNeeded(max2), bytesNeeded(max3)
	rows := make([]byte, 0, len(entries)*(1+w2+w3))
	for _, e := range entries {
		rows = append(rows, byte(e.typ))
		rows = appendField(rows, e.field2, w2)
		rows = appendField(rows, e.field3, w3)
	}

	dict := trailer
	dict.Set("Type", raw.NameLiteral("XRef"))
	dict.Set("Size", raw.NumberInt(int64(len(entries))))
	dict.Set("W", raw.NewArray(raw.NumberInt(1), raw.NumberInt(int64(w2)), raw.NumberInt(int64(w3))))
	st, err := prepareStream(&raw.StreamObj{Dict: dict, Data: rows, Compressible: true}, cfg)
	if err != nil {
		return err
	}
	data, err := w.SerializeObject(ref, st)
	if err != nil {
		return err
	}
	buf.Write(data)
	fmt.Fprintf(buf, "startxref\n%d\n%%%%EOF\n", start)
	return nil
}
