package xref

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/wudi/pdfops/filters"
	"github.com/wudi/pdfops/ir/raw"
	"github.com/wudi/pdfops/scanner"
)

// repair scans the entire file to reconstruct the xref table. It records
// every "<num> <gen> obj" header (later definitions win, as with
// incremental updates), the objects packed in object streams, and the last
// trailer dictionary. Files without a trailer borrow one from their last
// cross-reference stream or, failing that, point Root at a catalog.
func repair(ctx context.Context, data []byte, cfg ResolverConfig) (*table, error) {
	rd := newObjectReader(data, cfg.Recovery)
	t := newTable("repaired")
	var (
		lastTrailer *raw.DictObj
		xrefDict    *raw.DictObj
		catalog     raw.ObjectRef
		objStreams  []raw.ObjectRef
		window      []scanner.Token
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tok, err := rd.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			continue
		}

		if tok.Type == scanner.TokenKeyword && tok.Str == "obj" && len(window) == 2 &&
			window[0].Type == scanner.TokenNumber && window[0].IsInt &&
			window[1].Type == scanner.TokenNumber && window[1].IsInt {
			header := window[0]
			window = window[:0]
			after := tok.Pos + int64(len("obj"))
			if err := rd.SeekTo(header.Pos); err != nil {
				return nil, err
			}
			ref, obj, err := rd.ReadIndirect()
			if err != nil {
				_ = rd.SeekTo(after)
				continue
			}
			t.entries[ref.Num] = entry{kind: kindInUse, offset: header.Pos, gen: ref.Gen}
			switch raw.TypeName(obj) {
			case "XRef":
				if st, ok := obj.(*raw.StreamObj); ok {
					xrefDict = st.Dict
				}
			case "ObjStm":
				objStreams = append(objStreams, ref)
			case "Catalog":
				catalog = ref
			}
			continue
		}

		if tok.Type == scanner.TokenKeyword && tok.Str == "trailer" {
			window = window[:0]
			obj, err := rd.ReadObject()
			if err == nil {
				if dict, ok := obj.(*raw.DictObj); ok {
					lastTrailer = dict
				}
			}
			continue
		}

		window = append(window, tok)
		if len(window) > 2 {
			window = window[1:]
		}
	}

	if len(t.entries) == 0 {
		return nil, errors.New("repair failed: no objects found")
	}

	addCompressed(ctx, data, t, objStreams, cfg)

	switch {
	case lastTrailer != nil:
		t.trailer = raw.CloneDict(lastTrailer)
	case xrefDict != nil:
		t.trailer = raw.Dict()
		for _, key := range []string{"Root", "Info", "ID", "Encrypt"} {
			if v, ok := xrefDict.Get(key); ok {
				t.trailer.Set(key, v)
			}
		}
	default:
		t.trailer = raw.Dict()
	}
	t.trailer.Remove("Prev")
	t.trailer.Remove("XRefStm")
	if _, ok := t.trailer.Get("Root"); !ok && catalog.Num > 0 {
		t.trailer.Set("Root", raw.RefObj{R: catalog})
	}
	max := 0
	for n := range t.entries {
		if n > max {
			max = n
		}
	}
	t.trailer.Set("Size", raw.NumberInt(int64(max+1)))
	return t, nil
}

// addCompressed lists the members of each object stream so objects that
// only live there can still be found.
func addCompressed(ctx context.Context, data []byte, t *table, streams []raw.ObjectRef, cfg ResolverConfig) {
	rd := newObjectReader(data, cfg.Recovery)
	pipeline := filters.NewStandardPipeline(filters.Limits{MaxDecompressedSize: cfg.Limits.MaxDecompressedSize})
	for _, ref := range streams {
		e := t.entries[ref.Num]
		if err := rd.SeekTo(e.offset); err != nil {
			continue
		}
		_, obj, err := rd.ReadIndirect()
		if err != nil {
			continue
		}
		st, ok := obj.(*raw.StreamObj)
		if !ok {
			continue
		}
		decoded, err := pipeline.DecodeStream(ctx, st)
		if err != nil {
			continue
		}
		nums, err := ObjStmHeader(decoded, st.Dict)
		if err != nil {
			continue
		}
		for i, pair := range nums {
			if _, ok := t.entries[pair[0]]; !ok {
				t.entries[pair[0]] = entry{kind: kindCompressed, stream: ref.Num, index: i}
			}
		}
	}
}

// ObjStmHeader parses the N pairs of "objnum offset" at the start of a
// decoded object stream. Offsets are relative to /First.
func ObjStmHeader(decoded []byte, dict *raw.DictObj) ([][2]int, error) {
	n, err := raw.IntValue(dict, "N")
	if err != nil {
		return nil, err
	}
	first, err := raw.IntValue(dict, "First")
	if err != nil {
		return nil, err
	}
	if first < 0 || first > int64(len(decoded)) || n < 0 {
		return nil, errors.New("object stream header out of range")
	}
	s := scanner.New(bytes.NewReader(decoded[:first]), scanner.Config{})
	pairs := make([][2]int, 0, n)
	for int64(len(pairs)) < n {
		a, err := s.Next()
		if err != nil {
			break
		}
		b, err := s.Next()
		if err != nil {
			break
		}
		if a.Type != scanner.TokenNumber || b.Type != scanner.TokenNumber {
			return nil, errors.New("object stream header is not numeric")
		}
		pairs = append(pairs, [2]int{int(a.Int), int(b.Int)})
	}
	return pairs, nil
}
