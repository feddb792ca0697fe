package xref

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/wudi/pdfops/filters"
	"github.com/wudi/pdfops/ir/raw"
	"github.com/wudi/pdfops/recovery"
	"github.com/wudi/pdfops/scanner"
	"github.com/wudi/pdfops/security"
)

var (
	ErrNoStartXRef = errors.New("startxref not found")
	ErrBadSection  = errors.New("malformed cross-reference section")
)

// Table maps object numbers to their location in the file.
type Table interface {
	Lookup(objNum int) (offset int64, gen int, found bool)
	ObjStream(objNum int) (streamNum int, index int, found bool)
	Objects() []int
	Type() string
	Trailer() *raw.DictObj
}

// Resolver locates and parses xref information in a PDF.
type Resolver interface {
	Resolve(ctx context.Context, r io.ReaderAt) (Table, error)
	Trailer() *raw.DictObj
	Linearized() bool
	Repaired() bool
}

type ResolverConfig struct {
	MaxXRefDepth int
	// Repair rebuilds the table from object headers when the
	// cross-reference data cannot be used. Without it the Recovery strategy
	// decides.
	Repair   bool
	Recovery recovery.Strategy
	Limits   security.Limits
}

func NewResolver(cfg ResolverConfig) Resolver {
	if cfg.MaxXRefDepth <= 0 {
		cfg.MaxXRefDepth = cfg.Limits.MaxXRefDepth
		if cfg.MaxXRefDepth <= 0 {
			cfg.MaxXRefDepth = security.DefaultLimits().MaxXRefDepth
		}
	}
	return &resolver{cfg: cfg}
}

type entryKind int

const (
	kindFree entryKind = iota
	kindInUse
	kindCompressed
)

type entry struct {
	kind   entryKind
	offset int64
	gen    int
	stream int
	index  int
}

type table struct {
	kind    string
	entries map[int]entry
	trailer *raw.DictObj
}

func newTable(kind string) *table {
	return &table{kind: kind, entries: make(map[int]entry)}
}

// add records e unless a newer section already defined objNum.
func (t *table) add(objNum int, e entry) {
	if _, ok := t.entries[objNum]; ok {
		return
	}
	t.entries[objNum] = e
}

func (t *table) Lookup(objNum int) (int64, int, bool) {
	e, ok := t.entries[objNum]
	if !ok || e.kind != kindInUse {
		return 0, 0, false
	}
	return e.offset, e.gen, true
}

func (t *table) ObjStream(objNum int) (int, int, bool) {
	e, ok := t.entries[objNum]
	if !ok || e.kind != kindCompressed {
		return 0, 0, false
	}
	return e.stream, e.index, true
}

// Objects lists the numbers of in-use and compressed objects in ascending order.
func (t *table) Objects() []int {
	out := make([]int, 0, len(t.entries))
	for k, e := range t.entries {
		if e.kind != kindFree && k > 0 {
			out = append(out, k)
		}
	}
	sort.Ints(out)
	return out
}

func (t *table) Type() string          { return t.kind }
func (t *table) Trailer() *raw.DictObj { return t.trailer }

type resolver struct {
	cfg        ResolverConfig
	trailer    *raw.DictObj
	linearized bool
	repaired   bool
}

func (r *resolver) Trailer() *raw.DictObj { return r.trailer }
func (r *resolver) Linearized() bool      { return r.linearized }
func (r *resolver) Repaired() bool        { return r.repaired }

func (r *resolver) Resolve(ctx context.Context, ra io.ReaderAt) (Table, error) {
	data := readAll(ra)
	r.linearized = detectLinearized(data)

	t, err := r.resolveChain(ctx, data)
	if err == nil {
		r.trailer = t.trailer
		return t, nil
	}
	if !r.shouldRepair(err) {
		return nil, err
	}
	t, rerr := repair(ctx, data, r.cfg)
	if rerr != nil {
		return nil, fmt.Errorf("%w (repair: %v)", err, rerr)
	}
	r.repaired = true
	r.trailer = t.trailer
	return t, nil
}

func (r *resolver) shouldRepair(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if r.cfg.Repair {
		return true
	}
	if r.cfg.Recovery == nil {
		return false
	}
	return r.cfg.Recovery.OnError(context.Background(), err, recovery.Location{Component: "xref"}) != recovery.ActionFail
}

func (r *resolver) resolveChain(ctx context.Context, data []byte) (*table, error) {
	start, err := findStartXRef(data)
	if err != nil {
		return nil, err
	}
	rd := newObjectReader(data, r.cfg.Recovery)

	var t *table
	seen := make(map[int64]bool)
	offset := start
	for depth := 0; ; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if depth >= r.cfg.MaxXRefDepth {
			return nil, fmt.Errorf("xref chain longer than %d sections", r.cfg.MaxXRefDepth)
		}
		if seen[offset] {
			break
		}
		seen[offset] = true
		if offset <= 0 || offset >= int64(len(data)) {
			return nil, fmt.Errorf("%w: offset %d out of range", ErrBadSection, offset)
		}

		kind := "table"
		if !bytes.HasPrefix(bytes.TrimLeft(data[offset:], " \t\r\n\f\x00"), []byte("xref")) {
			kind = "xref-stream"
		}
		if t == nil {
			t = newTable(kind)
		}

		var trailer *raw.DictObj
		if kind == "table" {
			trailer, err = parseClassic(rd, offset, t)
		} else {
			trailer, err = parseStreamSection(ctx, rd, offset, t)
		}
		if err != nil {
			return nil, err
		}
		if t.trailer == nil {
			t.trailer = raw.CloneDict(trailer)
			t.trailer.Remove("Prev")
			t.trailer.Remove("XRefStm")
			t.trailer.Remove("Type")
			t.trailer.Remove("W")
			t.trailer.Remove("Index")
			t.trailer.Remove("Length")
			t.trailer.Remove("Filter")
			t.trailer.Remove("DecodeParms")
		} else {
			for _, key := range []string{"Root", "Info", "ID", "Encrypt"} {
				if _, ok := t.trailer.Get(key); !ok {
					if v, ok := trailer.Get(key); ok {
						t.trailer.Set(key, v)
					}
				}
			}
		}

		// A hybrid file lists compressed objects in the stream named by
		// XRefStm; they rank after this section and before Prev.
		if stm, err := raw.IntValue(trailer, "XRefStm"); err == nil && kind == "table" && !seen[stm] {
			seen[stm] = true
			if _, err := parseStreamSection(ctx, rd, stm, t); err != nil {
				if rerr := recoverErr(r.cfg.Recovery, err, stm); rerr != nil {
					return nil, rerr
				}
			}
		}

		prev, err := raw.IntValue(trailer, "Prev")
		if err != nil {
			break
		}
		offset = prev
	}

	if err := validateSize(t); err != nil {
		if rerr := recoverErr(r.cfg.Recovery, err, start); rerr != nil {
			return nil, rerr
		}
	}
	if _, ok := t.trailer.Get("Root"); !ok {
		return nil, errors.New("trailer has no Root entry")
	}
	return t, nil
}

func validateSize(t *table) error {
	size, err := raw.IntValue(t.trailer, "Size")
	if err != nil {
		return errors.New("trailer has no Size entry")
	}
	for num, e := range t.entries {
		if e.kind != kindFree && int64(num) >= size {
			return fmt.Errorf("object %d outside trailer Size %d", num, size)
		}
	}
	return nil
}

func recoverErr(rec recovery.Strategy, err error, offset int64) error {
	if rec == nil {
		return err
	}
	if rec.OnError(context.Background(), err, recovery.Location{ByteOffset: offset, Component: "xref"}) == recovery.ActionFail {
		return err
	}
	return nil
}

func newObjectReader(data []byte, rec recovery.Strategy) *scanner.Reader {
	return scanner.NewReader(scanner.New(bytes.NewReader(data), scanner.Config{Recovery: rec}), rec)
}

// parseClassic reads an "xref ... trailer << >>" section into t.
func parseClassic(rd *scanner.Reader, offset int64, t *table) (*raw.DictObj, error) {
	if err := rd.SeekTo(offset); err != nil {
		return nil, err
	}
	if tok, err := rd.Next(); err != nil || tok.Type != scanner.TokenKeyword || tok.Str != "xref" {
		return nil, fmt.Errorf("%w: xref keyword not found at offset %d", ErrBadSection, offset)
	}
	for {
		tok, err := rd.Next()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadSection, err)
		}
		if tok.Type == scanner.TokenKeyword && tok.Str == "trailer" {
			obj, err := rd.ReadObject()
			if err != nil {
				return nil, fmt.Errorf("trailer: %w", err)
			}
			d, ok := obj.(*raw.DictObj)
			if !ok {
				return nil, errors.New("trailer is not a dictionary")
			}
			return d, nil
		}
		countTok, err := rd.Next()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadSection, err)
		}
		if tok.Type != scanner.TokenNumber || !tok.IsInt || countTok.Type != scanner.TokenNumber || !countTok.IsInt {
			return nil, fmt.Errorf("%w: invalid subsection header at offset %d", ErrBadSection, tok.Pos)
		}
		first, count := int(tok.Int), int(countTok.Int)
		for i := 0; i < count; i++ {
			off, err1 := rd.Next()
			gen, err2 := rd.Next()
			kw, err3 := rd.Next()
			if err := errors.Join(err1, err2, err3); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadSection, err)
			}
			if off.Type != scanner.TokenNumber || gen.Type != scanner.TokenNumber || kw.Type != scanner.TokenKeyword {
				return nil, fmt.Errorf("%w: invalid entry at offset %d", ErrBadSection, off.Pos)
			}
			e := entry{kind: kindFree, offset: off.Int, gen: int(gen.Int)}
			if kw.Str == "n" {
				e.kind = kindInUse
			}
			if e.kind == kindInUse && e.offset == 0 {
				// Some writers mark missing objects this way.
				e.kind = kindFree
			}
			t.add(first+i, e)
		}
	}
}

// parseStreamSection reads a cross-reference stream at offset into t.
func parseStreamSection(ctx context.Context, rd *scanner.Reader, offset int64, t *table) (*raw.DictObj, error) {
	if err := rd.SeekTo(offset); err != nil {
		return nil, err
	}
	_, obj, err := rd.ReadIndirect()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSection, err)
	}
	st, ok := obj.(*raw.StreamObj)
	if !ok || raw.TypeName(st) != "XRef" {
		return nil, fmt.Errorf("%w: no xref stream at offset %d", ErrBadSection, offset)
	}
	data, err := filters.NewStandardPipeline(filters.Limits{}).DecodeStream(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("decode xref stream: %w", err)
	}

	w, err := raw.ArrayValue(st.Dict, "W")
	if err != nil || len(w.Items) < 3 {
		return nil, fmt.Errorf("%w: xref stream /W missing", ErrBadSection)
	}
	var widths [3]int
	for i := range widths {
		n, err := raw.AsInt(w.Items[i])
		if err != nil || n < 0 || n > 8 {
			return nil, fmt.Errorf("%w: bad /W entry", ErrBadSection)
		}
		widths[i] = int(n)
	}
	rowLen := widths[0] + widths[1] + widths[2]
	if rowLen == 0 {
		return nil, fmt.Errorf("%w: empty /W", ErrBadSection)
	}

	size, _ := raw.IntValue(st.Dict, "Size")
	index := []int64{0, size}
	if arr, err := raw.ArrayValue(st.Dict, "Index"); err == nil {
		index = index[:0]
		for _, it := range arr.Items {
			n, err := raw.AsInt(it)
			if err != nil {
				return nil, fmt.Errorf("%w: bad /Index", ErrBadSection)
			}
			index = append(index, n)
		}
	}

	pos := 0
	for i := 0; i+1 < len(index); i += 2 {
		first, count := index[i], index[i+1]
		for j := int64(0); j < count; j++ {
			if pos+rowLen > len(data) {
				return st.Dict, nil
			}
			row := data[pos : pos+rowLen]
			pos += rowLen
			typ := int64(1)
			if widths[0] > 0 {
				typ = field(row[:widths[0]])
			}
			f2 := field(row[widths[0] : widths[0]+widths[1]])
			f3 := field(row[widths[0]+widths[1]:])
			num := int(first + j)
			switch typ {
			case 0:
				t.add(num, entry{kind: kindFree})
			case 1:
				t.add(num, entry{kind: kindInUse, offset: f2, gen: int(f3)})
			case 2:
				t.add(num, entry{kind: kindCompressed, stream: int(f2), index: int(f3)})
			}
		}
	}
	return st.Dict, nil
}

func field(b []byte) int64 {
	var v int64
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	return v
}

func findStartXRef(data []byte) (int64, error) {
	idx := bytes.LastIndex(data, []byte("startxref"))
	if idx < 0 {
		return 0, ErrNoStartXRef
	}
	rest := bytes.TrimLeft(data[idx+len("startxref"):], " \t\r\n\f\x00")
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	off, err := strconv.ParseInt(string(rest[:end]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse startxref: %w", err)
	}
	return off, nil
}

// detectLinearized looks for a linearization dictionary near the start of
// the file.
func detectLinearized(data []byte) bool {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	return bytes.Contains(head, []byte("/Linearized"))
}

func readAll(r io.ReaderAt) []byte {
	var buf bytes.Buffer
	const chunk = int64(32 * 1024)
	tmp := make([]byte, chunk)
	for off := int64(0); ; off += chunk {
		n, err := r.ReadAt(tmp, off)
		if n > 0 {
			buf.Write(tmp[:n])
		}
		if err != nil || int64(n) < chunk {
			break
		}
	}
	return buf.Bytes()
}
