package writer

import (
	"bytes"
	"context"
	"errors"
	"regexp"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wudi/pdfops/filters"
	"github.com/wudi/pdfops/ir/raw"
	"github.com/wudi/pdfops/parser"
	"github.com/wudi/pdfops/xref"
)

// newTestDoc builds a one-page document. Object 5 is left out so the
// output has a free-list gap.
func newTestDoc() *raw.Document {
	doc := raw.NewDocument("1.4")

	catalog := raw.Dict()
	catalog.Set("Type", raw.NameLiteral("Catalog"))
	catalog.Set("Pages", raw.Ref(2, 0))
	doc.Set(raw.ObjectRef{Num: 1}, catalog)

	pages := raw.Dict()
	pages.Set("Type", raw.NameLiteral("Pages"))
	pages.Set("Kids", raw.NewArray(raw.Ref(3, 0)))
	pages.Set("Count", raw.NumberInt(1))
	doc.Set(raw.ObjectRef{Num: 2}, pages)

	page := raw.Dict()
	page.Set("Type", raw.NameLiteral("Page"))
	page.Set("Parent", raw.Ref(2, 0))
	page.Set("MediaBox", raw.NewArray(raw.NumberInt(0), raw.NumberInt(0), raw.NumberFloat(595.5), raw.NumberInt(842)))
	page.Set("Contents", raw.Ref(4, 0))
	page.Set("Resources", raw.Dict())
	doc.Set(raw.ObjectRef{Num: 3}, page)

	doc.Set(raw.ObjectRef{Num: 4}, raw.NewStream(nil, []byte("q 1 0 0 1 10 10 cm Q")))

	info := raw.Dict()
	info.Set("Title", raw.Str([]byte("Report (draft)")))
	doc.Set(raw.ObjectRef{Num: 6}, info)

	doc.SetRoot(raw.ObjectRef{Num: 1})
	doc.Trailer.Set("Info", raw.Ref(6, 0))
	return doc
}

func writeDoc(t *testing.T, doc *raw.Document, cfg Config) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := NewWriter().Write(context.Background(), doc, &buf, cfg); err != nil {
		t.Fatalf("write pdf: %v", err)
	}
	return buf.Bytes()
}

func parseDoc(t *testing.T, data []byte) *raw.Document {
	t.Helper()
	doc, err := parser.NewDocumentParser(parser.Config{}).Parse(context.Background(), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("parse written pdf: %v", err)
	}
	return doc
}

// assertSameObjects compares every non-stream object and the decoded data
// of every stream.
func assertSameObjects(t *testing.T, want, got *raw.Document) {
	t.Helper()
	if len(want.Objects) != len(got.Objects) {
		t.Fatalf("object count: want %d, got %d", len(want.Objects), len(got.Objects))
	}
	pipeline := filters.NewStandardPipeline(filters.Limits{})
	for ref, w := range want.Objects {
		g, ok := got.Objects[ref]
		if !ok {
			t.Fatalf("object %s lost", ref)
		}
		ws, isStream := w.(*raw.StreamObj)
		if !isStream {
			if diff := cmp.Diff(w, g); diff != "" {
				t.Fatalf("object %s mismatch (-want +got):\n%s", ref, diff)
			}
			continue
		}
		gs, ok := g.(*raw.StreamObj)
		if !ok {
			t.Fatalf("object %s is %T, want stream", ref, g)
		}
		data, err := pipeline.DecodeStream(context.Background(), gs)
		if err != nil {
			t.Fatalf("decode %s: %v", ref, err)
		}
		if !bytes.Equal(data, ws.Data) {
			t.Fatalf("stream %s data %q, want %q", ref, data, ws.Data)
		}
	}
}

func TestWriter_XRefTableOffsets(t *testing.T) {
	data := writeDoc(t, newTestDoc(), Config{Deterministic: true})
	start := startXRef(data)
	if start <= 0 || start >= int64(len(data)) {
		t.Fatalf("invalid startxref: %d", start)
	}
	if !bytes.HasPrefix(data[start:], []byte("xref")) {
		t.Fatalf("startxref does not point to xref table")
	}
	if !bytes.HasPrefix(data, []byte("%PDF-1.4\n")) {
		t.Fatalf("header does not carry the document version: %q", data[:9])
	}
	res := xref.NewResolver(xref.ResolverConfig{})
	table, err := res.Resolve(context.Background(), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("resolve xref table: %v", err)
	}
	if table.Type() != "table" {
		t.Fatalf("expected xref table, got %s", table.Type())
	}
	off, gen, ok := table.Lookup(1)
	if !ok || off == 0 || gen != 0 {
		t.Fatalf("catalog offset missing: off=%d gen=%d ok=%v", off, gen, ok)
	}
	if !bytes.HasPrefix(data[off:], []byte("1 0 obj")) {
		t.Fatalf("offset does not point to catalog object")
	}
	offsetMap := scanObjectOffsets(data)
	for _, objNum := range table.Objects() {
		entryOffset, _, ok := table.Lookup(objNum)
		if !ok {
			continue
		}
		if actual, ok := offsetMap[objNum]; !ok || actual != entryOffset {
			t.Fatalf("xref offset mismatch for obj %d: table=%d actual=%d", objNum, entryOffset, actual)
		}
	}
	if _, _, ok := table.Lookup(5); ok {
		t.Fatalf("gap at object 5 reported as in use")
	}
	// The free list starts at object 0 and runs through the gap.
	if !bytes.Contains(data, []byte("0000000005 65535 f \n")) {
		t.Fatalf("object 0 does not head the free list")
	}
	if n, _ := raw.IntValue(table.Trailer(), "Size"); n != 7 {
		t.Fatalf("Size = %d, want 7", n)
	}
}

func TestWriter_ClassicRoundTrip(t *testing.T) {
	doc := newTestDoc()
	got := parseDoc(t, writeDoc(t, doc, Config{}))
	assertSameObjects(t, doc, got)
	if ref, err := got.Root(); err != nil || ref.Num != 1 {
		t.Fatalf("Root = %v, %v", ref, err)
	}
	if _, err := raw.ArrayValue(got.Trailer, "ID"); err != nil {
		t.Fatalf("trailer ID missing: %v", err)
	}
}

func TestWriter_XRefStream(t *testing.T) {
	doc := newTestDoc()
	data := writeDoc(t, doc, Config{XRefStreams: true, Deterministic: true, Compression: 6})
	if !bytes.Contains(data, []byte("/Type /XRef")) {
		t.Fatalf("expected xref stream type")
	}
	if !bytes.HasPrefix(data, []byte("%PDF-1.5")) {
		t.Fatalf("xref streams need at least 1.5, header %q", data[:8])
	}
	res := xref.NewResolver(xref.ResolverConfig{})
	table, err := res.Resolve(context.Background(), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("resolve xref stream: %v", err)
	}
	if table.Type() != "xref-stream" {
		t.Fatalf("expected xref-stream table, got %s", table.Type())
	}
	if off, _, ok := table.Lookup(1); !ok || off == 0 {
		t.Fatalf("catalog entry missing in xref stream")
	}
	assertSameObjects(t, doc, parseDoc(t, data))
}

func TestWriter_CompressesOnlyEligibleStreams(t *testing.T) {
	doc := raw.NewDocument("1.7")
	catalog := raw.Dict()
	catalog.Set("Type", raw.NameLiteral("Catalog"))
	doc.SetRoot(doc.Add(catalog))

	plain := doc.Add(raw.NewStream(nil, bytes.Repeat([]byte("abc "), 64)))
	jpegDict := raw.Dict()
	jpegDict.Set("Filter", raw.NameLiteral("DCTDecode"))
	jpeg := doc.Add(&raw.StreamObj{Dict: jpegDict, Data: []byte{0xff, 0xd8, 0xff, 0xd9}, Compressible: true})
	fixed := doc.Add(&raw.StreamObj{Dict: raw.Dict(), Data: []byte("keep me")})

	got := parseDoc(t, writeDoc(t, doc, Config{Compression: 9}))

	if name, _ := raw.NameValue(got.Objects[plain].(*raw.StreamObj).Dict, "Filter"); name != "FlateDecode" {
		t.Fatalf("compressible stream not deflated, Filter=%q", name)
	}
	js := got.Objects[jpeg].(*raw.StreamObj)
	if name, _ := raw.NameValue(js.Dict, "Filter"); name != "DCTDecode" || !bytes.Equal(js.Data, []byte{0xff, 0xd8, 0xff, 0xd9}) {
		t.Fatalf("already filtered stream changed: %q % x", name, js.Data)
	}
	fs := got.Objects[fixed].(*raw.StreamObj)
	if _, ok := fs.Dict.Get("Filter"); ok || string(fs.Data) != "keep me" {
		t.Fatalf("non-compressible stream changed")
	}
	if n, _ := raw.IntValue(fs.Dict, "Length"); n != 7 {
		t.Fatalf("Length = %d, want 7", n)
	}
	// The document itself is left alone.
	if _, ok := doc.Objects[plain].(*raw.StreamObj).Dict.Get("Filter"); ok {
		t.Fatalf("writer mutated the input document")
	}
}

func TestWriter_Deterministic(t *testing.T) {
	cfg := Config{Deterministic: true, ObjectStreams: true, Compression: 9}
	a := writeDoc(t, newTestDoc(), cfg)
	b := writeDoc(t, newTestDoc(), cfg)
	if !bytes.Equal(a, b) {
		t.Fatalf("deterministic output differs between runs")
	}
}

func TestWriter_StringEscaping(t *testing.T) {
	out, err := NewWriter().SerializeObject(raw.ObjectRef{Num: 7}, raw.Str([]byte("a(b)\\c\n\x80")))
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	want := "7 0 obj\n(a\\(b\\)\\\\c\\n\\200)\nendobj\n"
	if string(out) != want {
		t.Fatalf("got %q, want %q", out, want)
	}
}

func TestSerializePrimitive_HexString(t *testing.T) {
	out := serializePrimitive(raw.StringObj{Bytes: []byte{0x00, 0xAB, 0x10, 0xFF}, Hex: true})
	if string(out) != "<00AB10FF>" {
		t.Fatalf("unexpected hex string serialization: %s", out)
	}
}

func TestSerializePrimitive_Names(t *testing.T) {
	d := raw.Dict()
	d.Set("A B", raw.NameLiteral("x#y/z"))
	if got := string(serializePrimitive(d)); got != "<</A#20B /x#23y#2Fz>>" {
		t.Fatalf("got %s", got)
	}
}

func TestFormatReal(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0.75, "0.75"},
		{100, "100"},
		{-0.5, "-0.5"},
		{1e-9, "0"},
		{-1e-9, "0"},
		{1e20, "100000000000000000000"},
		{595.28, "595.28"},
	}
	for _, tt := range tests {
		if got := formatReal(tt.in); got != tt.want {
			t.Errorf("formatReal(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

type countingInterceptor struct {
	before, after int
	bytes         int64
}

func (c *countingInterceptor) BeforeWrite(context.Context, raw.ObjectRef, raw.Object) error {
	c.before++
	return nil
}

func (c *countingInterceptor) AfterWrite(_ context.Context, _ raw.ObjectRef, n int64) error {
	c.after++
	c.bytes += n
	return nil
}

func TestWriter_Interceptors(t *testing.T) {
	ic := &countingInterceptor{}
	w := (&WriterBuilder{}).WithInterceptor(ic).Build()
	var buf bytes.Buffer
	if err := w.Write(context.Background(), newTestDoc(), &buf, Config{}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ic.before != 5 || ic.after != 5 || ic.bytes == 0 {
		t.Fatalf("interceptor saw before=%d after=%d bytes=%d", ic.before, ic.after, ic.bytes)
	}

	stop := errors.New("stop")
	w = (&WriterBuilder{}).WithInterceptor(failingInterceptor{stop}).Build()
	buf.Reset()
	if err := w.Write(context.Background(), newTestDoc(), &buf, Config{}); !errors.Is(err, stop) {
		t.Fatalf("expected interceptor error, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("partial output written on failure")
	}
}

type failingInterceptor struct{ err error }

func (f failingInterceptor) BeforeWrite(context.Context, raw.ObjectRef, raw.Object) error {
	return f.err
}
func (failingInterceptor) AfterWrite(context.Context, raw.ObjectRef, int64) error { return nil }

func TestWriter_RequiresRoot(t *testing.T) {
	doc := raw.NewDocument("1.7")
	doc.Add(raw.Dict())
	var buf bytes.Buffer
	if err := NewWriter().Write(context.Background(), doc, &buf, Config{}); !errors.Is(err, ErrNoRoot) {
		t.Fatalf("expected ErrNoRoot, got %v", err)
	}
}

func TestWriter_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var buf bytes.Buffer
	if err := NewWriter().Write(ctx, newTestDoc(), &buf, Config{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func startXRef(data []byte) int64 {
	re := regexp.MustCompile(`startxref\s+(\d+)`)
	matches := re.FindAllSubmatch(data, -1)
	if len(matches) == 0 {
		return 0
	}
	m := matches[len(matches)-1]
	off, err := strconv.ParseInt(string(m[1]), 10, 64)
	if err != nil {
		return 0
	}
	return off
}

func scanObjectOffsets(data []byte) map[int]int64 {
	re := regexp.MustCompile(`(?m)^(\d+)\s+0\s+obj`)
	matches := re.FindAllStringSubmatchIndex(string(data), -1)
	offsets := make(map[int]int64, len(matches))
	for _, m := range matches {
		if len(m) < 4 {
			continue
		}
		num, err := strconv.Atoi(string(data[m[2]:m[3]]))
		if err != nil {
			continue
		}
		if _, exists := offsets[num]; exists {
			continue
		}
		offsets[num] = int64(m[0])
	}
	return offsets
}
