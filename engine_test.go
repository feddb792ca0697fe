package pdfops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/wudi/pdfops/filters"
	"github.com/wudi/pdfops/graph"
	"github.com/wudi/pdfops/ir"
	"github.com/wudi/pdfops/ir/raw"
	"github.com/wudi/pdfops/observability"
	"github.com/wudi/pdfops/pagetree"
	"github.com/wudi/pdfops/writer"
)

// buildDoc returns a document with n pages sharing one font. Page i shows
// "<label> i".
func buildDoc(n int, label string) *raw.Document {
	doc := raw.NewDocument("1.7")
	catRef, pagesRef := doc.Alloc(), doc.Alloc()

	font := raw.Dict()
	font.Set("Type", raw.NameLiteral("Font"))
	font.Set("Subtype", raw.NameLiteral("Type1"))
	font.Set("BaseFont", raw.NameLiteral("Helvetica"))
	fontRef := doc.Add(font)

	var kids []raw.Object
	for i := 1; i <= n; i++ {
		contents := doc.Add(raw.NewStream(raw.Dict(), []byte(pageText(label, i))))
		fonts := raw.Dict()
		fonts.Set("F1", raw.RefObj{R: fontRef})
		res := raw.Dict()
		res.Set("Font", fonts)

		page := raw.Dict()
		page.Set("Type", raw.NameLiteral("Page"))
		page.Set("Parent", raw.RefObj{R: pagesRef})
		page.Set("MediaBox", raw.NewArray(raw.NumberInt(0), raw.NumberInt(0), raw.NumberInt(612), raw.NumberInt(792)))
		page.Set("Contents", raw.RefObj{R: contents})
		page.Set("Resources", res)
		kids = append(kids, raw.RefObj{R: doc.Add(page)})
	}

	pages := raw.Dict()
	pages.Set("Type", raw.NameLiteral("Pages"))
	pages.Set("Kids", raw.NewArray(kids...))
	pages.Set("Count", raw.NumberInt(int64(n)))
	doc.Set(pagesRef, pages)

	catalog := raw.Dict()
	catalog.Set("Type", raw.NameLiteral("Catalog"))
	catalog.Set("Pages", raw.RefObj{R: pagesRef})
	doc.Set(catRef, catalog)
	doc.SetRoot(catRef)
	return doc
}

// nestedDoc has two pages under an intermediate node carrying Resources,
// MediaBox and Rotate, and a third page directly under the root.
func nestedDoc(label string) *raw.Document {
	doc := raw.NewDocument("1.4")
	catRef, rootRef, midRef := doc.Alloc(), doc.Alloc(), doc.Alloc()

	font := raw.Dict()
	font.Set("Type", raw.NameLiteral("Font"))
	font.Set("BaseFont", raw.NameLiteral("Courier"))
	fonts := raw.Dict()
	fonts.Set("F1", raw.RefObj{R: doc.Add(font)})
	res := raw.Dict()
	res.Set("Font", fonts)

	mid := raw.Dict()
	mid.Set("Type", raw.NameLiteral("Pages"))
	mid.Set("Parent", raw.RefObj{R: rootRef})
	mid.Set("Resources", raw.RefObj{R: doc.Add(res)})
	mid.Set("MediaBox", raw.NewArray(raw.NumberInt(0), raw.NumberInt(0), raw.NumberInt(300), raw.NumberInt(300)))
	mid.Set("Rotate", raw.NumberInt(90))

	var midKids []raw.Object
	for i := 1; i <= 2; i++ {
		page := raw.Dict()
		page.Set("Type", raw.NameLiteral("Page"))
		page.Set("Parent", raw.RefObj{R: midRef})
		page.Set("Contents", raw.RefObj{R: doc.Add(raw.NewStream(raw.Dict(), []byte(pageText(label, i))))})
		midKids = append(midKids, raw.RefObj{R: doc.Add(page)})
	}
	mid.Set("Kids", raw.NewArray(midKids...))
	mid.Set("Count", raw.NumberInt(2))
	doc.Set(midRef, mid)

	last := raw.Dict()
	last.Set("Type", raw.NameLiteral("Page"))
	last.Set("Parent", raw.RefObj{R: rootRef})
	last.Set("MediaBox", raw.NewArray(raw.NumberInt(0), raw.NumberInt(0), raw.NumberInt(612), raw.NumberInt(792)))
	last.Set("Contents", raw.RefObj{R: doc.Add(raw.NewStream(raw.Dict(), []byte(pageText(label, 3))))})
	lastRef := doc.Add(last)

	root := raw.Dict()
	root.Set("Type", raw.NameLiteral("Pages"))
	root.Set("Kids", raw.NewArray(raw.RefObj{R: midRef}, raw.RefObj{R: lastRef}))
	root.Set("Count", raw.NumberInt(3))
	doc.Set(rootRef, root)

	catalog := raw.Dict()
	catalog.Set("Type", raw.NameLiteral("Catalog"))
	catalog.Set("Pages", raw.RefObj{R: rootRef})
	doc.Set(catRef, catalog)
	doc.SetRoot(catRef)
	return doc
}

func pageText(label string, i int) string {
	return fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s %d) Tj ET", label, i)
}

func writeFixture(t *testing.T, dir, name string, doc *raw.Document) string {
	t.Helper()
	data, err := ir.NewDefault().Render(context.Background(), doc, writer.Config{})
	if err != nil {
		t.Fatalf("render %s: %v", name, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func loadFile(t *testing.T, path string) *raw.Document {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	doc, err := ir.NewDefault().Parse(context.Background(), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("parse %s: %v", path, err)
	}
	return doc
}

// pageTexts returns the decoded content of every page in order.
func pageTexts(t *testing.T, doc *raw.Document) []string {
	t.Helper()
	pages, err := pagetree.Pages(doc)
	if err != nil {
		t.Fatalf("pages: %v", err)
	}
	pipeline := filters.NewStandardPipeline(filters.Limits{})
	var out []string
	for _, pg := range pages {
		dict := doc.Objects[pg.Ref].(*raw.DictObj)
		ref, err := raw.RefValue(dict, "Contents")
		if err != nil {
			t.Fatalf("page %d: %v", pg.Number, err)
		}
		st, err := raw.AsStream(doc.Objects[ref])
		if err != nil {
			t.Fatalf("page %d contents: %v", pg.Number, err)
		}
		data, err := pipeline.DecodeStream(context.Background(), st)
		if err != nil {
			t.Fatalf("page %d decode: %v", pg.Number, err)
		}
		out = append(out, string(data))
	}
	return out
}

// checkStructure asserts that doc has no dangling references and that
// every Pages node's Count matches its leaves.
func checkStructure(t *testing.T, doc *raw.Document) {
	t.Helper()
	if d := graph.Dangling(doc); len(d) != 0 {
		t.Errorf("dangling references: %v", d)
	}
	for ref, obj := range doc.Objects {
		if raw.TypeName(obj) != "Pages" {
			continue
		}
		count, err := raw.IntValue(obj.(*raw.DictObj), "Count")
		if err != nil {
			t.Errorf("Pages %v: %v", ref, err)
			continue
		}
		if leaves := pagetree.CountLeaves(doc, ref); int(count) != leaves {
			t.Errorf("Pages %v: Count %d, %d leaves", ref, count, leaves)
		}
	}
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("disk full")
	err := error(&Error{Op: "merge", Path: "out.pdf", Kind: ErrSave, Err: cause})

	if !errors.Is(err, ErrSave) {
		t.Error("errors.Is should match the kind")
	}
	if errors.Is(err, ErrLoad) {
		t.Error("errors.Is matched the wrong kind")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should match the cause")
	}
	var pe *Error
	if !errors.As(fmt.Errorf("wrapped: %w", err), &pe) || pe.Op != "merge" {
		t.Errorf("errors.As failed: %v", pe)
	}
	if got, want := err.Error(), "merge out.pdf: save: disk full"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if got := Kind(42).String(); got != "kind(42)" {
		t.Errorf("unknown kind = %q", got)
	}
}

type recordingTracer struct {
	mu    sync.Mutex
	spans []*recordingSpan
}

type recordingSpan struct {
	name     string
	tags     map[string]interface{}
	err      error
	finished bool
}

func (r *recordingTracer) StartSpan(ctx context.Context, name string) (context.Context, observability.Span) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &recordingSpan{name: name, tags: map[string]interface{}{}}
	r.spans = append(r.spans, s)
	return ctx, s
}

func (s *recordingSpan) SetTag(k string, v interface{}) { s.tags[k] = v }
func (s *recordingSpan) SetError(err error)             { s.err = err }
func (s *recordingSpan) Finish()                        { s.finished = true }

type logEntry struct {
	level, msg string
	fields     map[string]interface{}
}

type recordingLogger struct {
	mu      *sync.Mutex
	entries *[]logEntry
}

func newRecordingLogger() recordingLogger {
	return recordingLogger{mu: &sync.Mutex{}, entries: &[]logEntry{}}
}

func (l recordingLogger) log(level, msg string, fields []observability.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		m[f.Key()] = f.Value()
	}
	*l.entries = append(*l.entries, logEntry{level: level, msg: msg, fields: m})
}

func (l recordingLogger) Debug(msg string, f ...observability.Field) { l.log("debug", msg, f) }
func (l recordingLogger) Info(msg string, f ...observability.Field)  { l.log("info", msg, f) }
func (l recordingLogger) Warn(msg string, f ...observability.Field)  { l.log("warn", msg, f) }
func (l recordingLogger) Error(msg string, f ...observability.Field) { l.log("error", msg, f) }
func (l recordingLogger) With(...observability.Field) observability.Logger {
	return l
}

func (l recordingLogger) find(level, msg string) (logEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range *l.entries {
		if e.level == level && e.msg == msg {
			return e, true
		}
	}
	return logEntry{}, false
}

func TestSpansRecordFailures(t *testing.T) {
	tracer := &recordingTracer{}
	e := New(Config{Tracer: tracer})
	err := e.Rotate(context.Background(), "missing.pdf", filepath.Join(t.TempDir(), "out.pdf"), 45, nil)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if len(tracer.spans) != 1 {
		t.Fatalf("expected one span, got %d", len(tracer.spans))
	}
	s := tracer.spans[0]
	if s.name != observability.SpanRotate || !s.finished || s.err == nil {
		t.Errorf("unexpected span %+v", s)
	}
	if s.tags["degrees"] != 45 {
		t.Errorf("degrees tag = %v", s.tags["degrees"])
	}
}

func TestWriteFileLeavesNoOutputOnRenderFailure(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.pdf")
	if err := os.WriteFile(out, []byte("previous"), 0o644); err != nil {
		t.Fatal(err)
	}
	doc := raw.NewDocument("1.7")
	doc.Add(raw.Dict())

	err := New(Config{}).writeFile(context.Background(), opMerge, out, doc, saveCompressed)
	if !errors.Is(err, ErrSave) || !errors.Is(err, writer.ErrNoRoot) {
		t.Fatalf("expected save error wrapping ErrNoRoot, got %v", err)
	}
	data, _ := os.ReadFile(out)
	if string(data) != "previous" {
		t.Fatalf("existing file was modified: %q", data)
	}
}

func TestWriterConfigModes(t *testing.T) {
	e := New(Config{Writer: writer.Config{Deterministic: true}})
	classic := e.writerConfig(saveClassic)
	if classic.ObjectStreams || classic.XRefStreams || classic.Compression != 0 {
		t.Errorf("classic mode changed the writer config: %+v", classic)
	}
	packed := e.writerConfig(saveCompressed)
	if !packed.ObjectStreams || !packed.XRefStreams || packed.Compression != DefaultCompression || !packed.Deterministic {
		t.Errorf("unexpected compressed config: %+v", packed)
	}
}
