package scanner

import (
	"context"
	"errors"
	"fmt"

	"github.com/wudi/pdfops/ir/raw"
	"github.com/wudi/pdfops/recovery"
)

// maxNesting bounds array and dictionary nesting while building objects.
const maxNesting = 512

var ErrUnexpectedToken = errors.New("unexpected token")

// LengthResolver returns the value of an indirect /Length entry.
type LengthResolver func(ref raw.ObjectRef) (int64, bool)

// Reader builds raw objects from a token stream. It supports one level of
// look-ahead per call through an unread buffer.
type Reader struct {
	s        Scanner
	buf      []Token
	rec      recovery.Strategy
	location recovery.Location
	Length   LengthResolver
}

func NewReader(s Scanner, rec recovery.Strategy) *Reader {
	return &Reader{s: s, rec: rec}
}

func (r *Reader) Next() (Token, error) {
	if l := len(r.buf); l > 0 {
		t := r.buf[l-1]
		r.buf = r.buf[:l-1]
		return t, nil
	}
	return r.s.Next()
}

func (r *Reader) Unread(tok Token) { r.buf = append(r.buf, tok) }

// SeekTo repositions the underlying scanner and drops buffered tokens.
func (r *Reader) SeekTo(offset int64) error {
	r.buf = r.buf[:0]
	return r.s.SeekTo(offset)
}

// ReadIndirect reads "num gen obj <object> [stream] endobj" at the current
// position.
func (r *Reader) ReadIndirect() (raw.ObjectRef, raw.Object, error) {
	num, err := r.Next()
	if err != nil {
		return raw.ObjectRef{}, nil, err
	}
	gen, err := r.Next()
	if err != nil {
		return raw.ObjectRef{}, nil, err
	}
	kw, err := r.Next()
	if err != nil {
		return raw.ObjectRef{}, nil, err
	}
	if num.Type != TokenNumber || !num.IsInt || gen.Type != TokenNumber || !gen.IsInt ||
		kw.Type != TokenKeyword || kw.Str != "obj" {
		return raw.ObjectRef{}, nil, fmt.Errorf("%w: expected object header at offset %d", ErrUnexpectedToken, num.Pos)
	}
	ref := raw.ObjectRef{Num: int(num.Int), Gen: int(gen.Int)}
	r.location = recovery.Location{ByteOffset: num.Pos, ObjectNum: ref.Num, ObjectGen: ref.Gen, Component: "objects"}

	obj, err := r.ReadObject()
	if err != nil {
		return ref, nil, fmt.Errorf("object %s: %w", ref, err)
	}
	if dict, ok := obj.(*raw.DictObj); ok {
		r.s.SetNextStreamLength(r.streamLength(dict))
		tok, err := r.Next()
		if err == nil {
			if tok.Type == TokenStream {
				obj = &raw.StreamObj{Dict: dict, Data: tok.Bytes, Compressible: true}
			} else {
				r.Unread(tok)
			}
		}
		r.s.SetNextStreamLength(-1)
	}
	if tok, err := r.Next(); err == nil && !(tok.Type == TokenKeyword && tok.Str == "endobj") {
		r.Unread(tok)
	}
	return ref, obj, nil
}

func (r *Reader) streamLength(dict *raw.DictObj) int64 {
	v, ok := dict.Get("Length")
	if !ok {
		return -1
	}
	switch l := v.(type) {
	case raw.NumberObj:
		if l.IsInt && l.I >= 0 {
			return l.I
		}
	case raw.RefObj:
		if r.Length != nil {
			if n, ok := r.Length(l.R); ok && n >= 0 {
				return n
			}
		}
	}
	return -1
}

// ReadObject reads one direct object.
func (r *Reader) ReadObject() (raw.Object, error) {
	return r.readObject(0)
}

func (r *Reader) readObject(depth int) (raw.Object, error) {
	if depth > maxNesting {
		return nil, errors.New("object nesting too deep")
	}
	tok, err := r.Next()
	if err != nil {
		return nil, err
	}
	switch tok.Type {
	case TokenName:
		return raw.NameObj{Val: tok.Str}, nil
	case TokenNumber:
		if tok.IsInt {
			return raw.NumberInt(tok.Int), nil
		}
		return raw.NumberObj{F: tok.Float}, nil
	case TokenBoolean:
		return raw.BoolObj{V: tok.Bool}, nil
	case TokenNull:
		return raw.NullObj{}, nil
	case TokenString:
		return raw.StringObj{Bytes: tok.Bytes, Hex: tok.Hex}, nil
	case TokenRef:
		return raw.RefObj{R: raw.ObjectRef{Num: int(tok.Int), Gen: tok.Gen}}, nil
	case TokenArray:
		return r.readArray(depth)
	case TokenDict:
		return r.readDict(depth)
	}
	r.Unread(tok)
	return nil, fmt.Errorf("%w %q at offset %d", ErrUnexpectedToken, tok.Str, tok.Pos)
}

func (r *Reader) readArray(depth int) (raw.Object, error) {
	arr := &raw.ArrayObj{}
	for {
		tok, err := r.Next()
		if err != nil {
			if rerr := r.recover(fmt.Errorf("unterminated array: %w", err)); rerr != nil {
				return nil, rerr
			}
			return arr, nil
		}
		if tok.Type == TokenKeyword && tok.Str == "]" {
			return arr, nil
		}
		if tok.Type == TokenStream || (tok.Type == TokenKeyword && (tok.Str == "endobj" || tok.Str == ">>")) {
			r.Unread(tok)
			if rerr := r.recover(errors.New("array missing ]")); rerr != nil {
				return nil, rerr
			}
			return arr, nil
		}
		r.Unread(tok)
		item, err := r.readObject(depth + 1)
		if err != nil {
			return nil, err
		}
		arr.Items = append(arr.Items, item)
	}
}

func (r *Reader) readDict(depth int) (raw.Object, error) {
	d := raw.Dict()
	for {
		tok, err := r.Next()
		if err != nil {
			if rerr := r.recover(fmt.Errorf("unterminated dictionary: %w", err)); rerr != nil {
				return nil, rerr
			}
			return d, nil
		}
		if tok.Type == TokenKeyword && tok.Str == ">>" {
			return d, nil
		}
		if tok.Type != TokenName {
			if tok.Type == TokenStream || (tok.Type == TokenKeyword && tok.Str == "endobj") {
				r.Unread(tok)
				if rerr := r.recover(errors.New("dictionary missing >>")); rerr != nil {
					return nil, rerr
				}
				return d, nil
			}
			if rerr := r.recover(fmt.Errorf("dictionary key is not a name at offset %d", tok.Pos)); rerr != nil {
				return nil, rerr
			}
			continue
		}
		val, err := r.readObject(depth + 1)
		if err != nil {
			var stop Token
			if len(r.buf) > 0 {
				stop = r.buf[len(r.buf)-1]
			}
			// A key directly followed by >> has no value; keep what we have.
			if stop.Type == TokenKeyword && stop.Str == ">>" {
				if rerr := r.recover(fmt.Errorf("key /%s has no value", tok.Str)); rerr != nil {
					return nil, rerr
				}
				continue
			}
			return nil, err
		}
		d.Set(tok.Str, val)
	}
}

func (r *Reader) recover(err error) error {
	if r.rec == nil {
		return err
	}
	switch r.rec.OnError(context.Background(), err, r.location) {
	case recovery.ActionSkip, recovery.ActionFix, recovery.ActionWarn:
		return nil
	default:
		return err
	}
}
