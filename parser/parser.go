package parser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/wudi/pdfops/ir/raw"
	"github.com/wudi/pdfops/observability"
	"github.com/wudi/pdfops/recovery"
	"github.com/wudi/pdfops/security"
	"github.com/wudi/pdfops/xref"
)

// ErrEncrypted is returned for encrypted documents that do not open with
// an empty user password, or whose security handler is not supported.
var ErrEncrypted = errors.New("encrypted document cannot be opened")

// Config controls high-level PDF parsing (xref resolution + object loading).
type Config struct {
	Recovery recovery.Strategy
	XRef     xref.ResolverConfig
	Limits   security.Limits
	Cache    Cache
	Logger   observability.Logger
}

// DocumentParser builds a raw.Document using xref tables/streams and the object loader.
type DocumentParser struct {
	cfg Config
}

func NewDocumentParser(cfg Config) *DocumentParser {
	cfg.Limits = cfg.Limits.WithDefaults()
	if cfg.XRef.Recovery == nil {
		cfg.XRef.Recovery = cfg.Recovery
	}
	if cfg.XRef.Limits == (security.Limits{}) {
		cfg.XRef.Limits = cfg.Limits
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger{}
	}
	return &DocumentParser{cfg: cfg}
}

// Parse reads every live object of the file into a document. Container
// objects (object streams, cross-reference streams) are unpacked and left
// out; the writer produces its own.
func (p *DocumentParser) Parse(ctx context.Context, r io.ReaderAt) (*raw.Document, error) {
	if p.cfg.Limits.MaxParseTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Limits.MaxParseTime)
		defer cancel()
	}

	resolver := xref.NewResolver(p.cfg.XRef)
	table, err := resolver.Resolve(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("resolve xref: %w", err)
	}
	if resolver.Repaired() {
		p.cfg.Logger.Warn("cross-reference table rebuilt from object headers")
	}
	trailer := resolver.Trailer()
	handler, encRef, err := p.securityHandler(ctx, r, table, trailer)
	if err != nil {
		return nil, err
	}

	nums := table.Objects()
	if err := p.cfg.Limits.CheckObjects(len(nums)); err != nil {
		return nil, err
	}

	loader, err := (&ObjectLoaderBuilder{}).
		WithReader(r).
		WithXRef(table).
		WithLimits(p.cfg.Limits).
		WithRecovery(p.cfg.Recovery).
		WithCache(p.cfg.Cache).
		WithSecurity(handler, encRef).
		Build()
	if err != nil {
		return nil, err
	}

	doc := raw.NewDocument(detectHeaderVersion(r))
	doc.Trailer = raw.CloneDict(trailer)
	doc.Trailer.Remove("Size")
	if handler != nil {
		// Objects are held decrypted and written out in the clear.
		doc.Trailer.Remove("Encrypt")
		p.cfg.Logger.Debug("document decrypted", observability.Int("revision", handler.Revision()))
	}

	for _, objNum := range nums {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ref := raw.ObjectRef{Num: objNum}
		if _, gen, found := table.Lookup(objNum); found {
			ref.Gen = gen
		}
		if handler != nil && ref.Num == encRef.Num {
			continue
		}
		obj, err := loader.Load(ctx, ref)
		if err != nil {
			if rerr := p.recoverLoad(ctx, ref, err); rerr != nil {
				return nil, rerr
			}
			continue
		}
		switch raw.TypeName(obj) {
		case "XRef", "ObjStm":
			if _, ok := obj.(*raw.StreamObj); ok {
				continue
			}
		}
		doc.Objects[ref] = obj
	}
	doc.NextNum = doc.MaxNum() + 1

	if v := catalogVersion(doc); versionLess(doc.Version, v) {
		doc.Version = v
	}
	if doc.Version == "" {
		doc.Version = "1.4"
	}
	p.cfg.Logger.Debug("document parsed",
		observability.String("version", doc.Version),
		observability.Int(observability.MetricObjectCount, len(doc.Objects)),
		observability.String("xref", table.Type()),
	)
	return doc, nil
}

// securityHandler opens the document's /Encrypt dictionary with the empty
// user password. Unencrypted documents get a nil handler.
func (p *DocumentParser) securityHandler(ctx context.Context, r io.ReaderAt, table xref.Table, trailer *raw.DictObj) (*security.StandardHandler, raw.ObjectRef, error) {
	encObj, ok := trailer.Get("Encrypt")
	if !ok {
		return nil, raw.ObjectRef{}, nil
	}
	var encRef raw.ObjectRef
	if ref, ok := encObj.(raw.RefObj); ok {
		encRef = ref.R
		loader, err := (&ObjectLoaderBuilder{}).
			WithReader(r).
			WithXRef(table).
			WithLimits(p.cfg.Limits).
			WithRecovery(p.cfg.Recovery).
			Build()
		if err != nil {
			return nil, encRef, err
		}
		if encObj, err = loader.Load(ctx, encRef); err != nil {
			return nil, encRef, fmt.Errorf("%w: load /Encrypt: %w", ErrEncrypted, err)
		}
	}
	encDict, err := raw.AsDict(encObj)
	if err != nil {
		return nil, encRef, fmt.Errorf("%w: /Encrypt: %w", ErrEncrypted, err)
	}
	handler, err := (&security.HandlerBuilder{}).
		WithEncryptDict(encDict).
		WithFileID(fileID(trailer)).
		Build()
	if err != nil {
		return nil, encRef, fmt.Errorf("%w: %w", ErrEncrypted, err)
	}
	if err := handler.Authenticate(""); err != nil {
		return nil, encRef, fmt.Errorf("%w: user password required: %w", ErrEncrypted, err)
	}
	return handler, encRef, nil
}

// fileID returns the first element of the trailer /ID array.
func fileID(trailer *raw.DictObj) []byte {
	ids, err := raw.ArrayValue(trailer, "ID")
	if err != nil || len(ids.Items) == 0 {
		return nil
	}
	id, _ := raw.AsString(ids.Items[0])
	return id
}

// recoverLoad lets the recovery strategy decide whether an unreadable object
// is fatal. Skipped objects leave dangling references behind, which read as
// null.
func (p *DocumentParser) recoverLoad(ctx context.Context, ref raw.ObjectRef, err error) error {
	err = fmt.Errorf("load object %d: %w", ref.Num, err)
	if p.cfg.Recovery == nil {
		return err
	}
	loc := recovery.Location{ObjectNum: ref.Num, ObjectGen: ref.Gen, Component: "parser"}
	if p.cfg.Recovery.OnError(ctx, err, loc) == recovery.ActionFail {
		return err
	}
	p.cfg.Logger.Warn("object skipped", observability.Int("object", ref.Num), observability.Error("error", err))
	return nil
}

func detectHeaderVersion(r io.ReaderAt) string {
	buf := make([]byte, 1024)
	n, err := r.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return ""
	}
	head := string(buf[:n])
	idx := strings.Index(head, "%PDF-")
	if idx < 0 {
		return ""
	}
	line := head[idx+len("%PDF-"):]
	end := 0
	for end < len(line) && (line[end] == '.' || (line[end] >= '0' && line[end] <= '9')) {
		end++
	}
	return line[:end]
}

// catalogVersion returns the catalog's /Version override, if any.
func catalogVersion(doc *raw.Document) string {
	root, err := doc.Root()
	if err != nil {
		return ""
	}
	obj, err := doc.Get(root)
	if err != nil {
		return ""
	}
	d, ok := obj.(*raw.DictObj)
	if !ok {
		return ""
	}
	v, err := raw.NameValue(d, "Version")
	if err != nil {
		return ""
	}
	return v
}

// versionLess compares "major.minor" strings; malformed versions sort first.
func versionLess(a, b string) bool {
	pa, pb := splitVersion(a), splitVersion(b)
	if pa[0] != pb[0] {
		return pa[0] < pb[0]
	}
	return pa[1] < pb[1]
}

func splitVersion(v string) [2]int {
	var out [2]int
	major, minor, _ := strings.Cut(v, ".")
	for i, part := range []string{major, minor} {
		for _, c := range part {
			if c < '0' || c > '9' {
				return [2]int{-1, -1}
			}
			out[i] = out[i]*10 + int(c-'0')
		}
	}
	if major == "" {
		return [2]int{-1, -1}
	}
	return out
}

// MaxVersion returns the later of two "major.minor" versions.
func MaxVersion(a, b string) string {
	if versionLess(a, b) {
		return b
	}
	return a
}
