package writer

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/wudi/pdfops/ir/raw"
	"github.com/wudi/pdfops/xref"
)

func TestObjectStreams(t *testing.T) {
	doc := newTestDoc()

	// 1. Write without Object Streams
	bufNoComp := writeDoc(t, doc, Config{})

	// 2. Write with Object Streams (Uncompressed)
	bufObjStm := writeDoc(t, doc, Config{ObjectStreams: true})

	// 3. Write with Object Streams (Compressed)
	bufComp := writeDoc(t, doc, Config{ObjectStreams: true, Compression: 9})

	t.Logf("Size without compression: %d", len(bufNoComp))
	t.Logf("Size with ObjStm (no comp): %d", len(bufObjStm))
	t.Logf("Size with compression: %d", len(bufComp))

	if !bytes.Contains(bufObjStm, []byte("/Type /ObjStm")) {
		t.Fatalf("no object stream written")
	}
	if bytes.Contains(bufComp, []byte("/Type /Catalog")) {
		t.Fatalf("catalog should be packed and compressed")
	}

	// 4. Parse both back
	assertSameObjects(t, doc, parseDoc(t, bufObjStm))
	assertSameObjects(t, doc, parseDoc(t, bufComp))

	// 5. Packed objects are listed as compressed entries, streams are not.
	table, err := xref.NewResolver(xref.ResolverConfig{}).Resolve(context.Background(), bytes.NewReader(bufComp))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, _, ok := table.ObjStream(1); !ok {
		t.Fatalf("catalog not in an object stream")
	}
	if _, _, ok := table.Lookup(4); !ok {
		t.Fatalf("content stream should be a top-level object")
	}
}

func TestObjectStreamsSplitLargeDocuments(t *testing.T) {
	doc := raw.NewDocument("1.7")
	catalog := raw.Dict()
	catalog.Set("Type", raw.NameLiteral("Catalog"))
	doc.SetRoot(doc.Add(catalog))
	for i := 0; i < 2*maxObjStmObjects+5; i++ {
		d := raw.Dict()
		d.Set("Label", raw.Str([]byte(fmt.Sprintf("item %d", i))))
		doc.Add(d)
	}

	data := writeDoc(t, doc, Config{ObjectStreams: true, Compression: 6})
	if n := bytes.Count(data, []byte("/Type /ObjStm")); n != 3 {
		t.Fatalf("expected 3 object streams, got %d", n)
	}
	assertSameObjects(t, doc, parseDoc(t, data))
}
