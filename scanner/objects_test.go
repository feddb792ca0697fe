package scanner

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wudi/pdfops/ir/raw"
	"github.com/wudi/pdfops/recovery"
)

func newReader(data string, rec recovery.Strategy) *Reader {
	return NewReader(New(bytes.NewReader([]byte(data)), Config{}), rec)
}

func TestReadIndirectDictionary(t *testing.T) {
	r := newReader("4 0 obj\n<< /Type /Page /Kids [1 0 R 2.5 (x) <41>] /Nested << /A true >> >>\nendobj\n", nil)
	ref, obj, err := r.ReadIndirect()
	if err != nil {
		t.Fatalf("ReadIndirect: %v", err)
	}
	if ref != (raw.ObjectRef{Num: 4}) {
		t.Fatalf("ref = %v", ref)
	}
	want := raw.Dict()
	want.Set("Type", raw.NameLiteral("Page"))
	want.Set("Kids", raw.NewArray(raw.Ref(1, 0), raw.NumberObj{F: 2.5}, raw.Str([]byte("x")), raw.StringObj{Bytes: []byte("A"), Hex: true}))
	nested := raw.Dict()
	nested.Set("A", raw.Bool(true))
	want.Set("Nested", nested)
	if diff := cmp.Diff(want, obj); diff != "" {
		t.Fatalf("object mismatch (-want +got):\n%s", diff)
	}
}

func TestReadIndirectStream(t *testing.T) {
	r := newReader("7 0 obj\n<< /Length 8 0 R >>\nstream\nq 1 0 0 1 0 0 cm Q\nendstream\nendobj", nil)
	r.Length = func(ref raw.ObjectRef) (int64, bool) {
		if ref.Num != 8 {
			t.Fatalf("length resolved through %v", ref)
		}
		return 18, true
	}
	_, obj, err := r.ReadIndirect()
	if err != nil {
		t.Fatalf("ReadIndirect: %v", err)
	}
	st, ok := obj.(*raw.StreamObj)
	if !ok {
		t.Fatalf("expected stream, got %T", obj)
	}
	if string(st.Data) != "q 1 0 0 1 0 0 cm Q" {
		t.Fatalf("stream data = %q", st.Data)
	}
	if !st.Compressible {
		t.Fatalf("parsed streams should be eligible for compression")
	}
}

func TestReadObjectMissingDictClose(t *testing.T) {
	data := "1 0 obj\n<< /Type /Catalog /Pages 2 0 R\nendobj"
	if _, _, err := newReader(data, recovery.NewStrictStrategy()).ReadIndirect(); err == nil {
		t.Fatalf("strict reading should fail")
	}
	rec := recovery.NewLenientStrategy()
	_, obj, err := newReader(data, rec).ReadIndirect()
	if err != nil {
		t.Fatalf("lenient reading failed: %v", err)
	}
	d := obj.(*raw.DictObj)
	if r, _ := raw.RefValue(d, "Pages"); r.Num != 2 {
		t.Fatalf("Pages = %v", r)
	}
	if rec.Count() == 0 {
		t.Fatalf("problem was not reported")
	}
}

func TestReadObjectRejectsStrayTokens(t *testing.T) {
	if _, err := newReader("]", nil).ReadObject(); err == nil {
		t.Fatalf("expected an error for a stray ]")
	}
}
