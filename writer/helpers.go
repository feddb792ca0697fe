package writer

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/wudi/pdfops/ir/raw"
)

func pdfVersion(doc *raw.Document, cfg Config) string {
	v := string(cfg.Version)
	if v == "" {
		v = doc.Version
	}
	if v == "" {
		v = string(PDF17)
	}
	// Object and xref streams need 1.5.
	if (cfg.ObjectStreams || cfg.XRefStreams) && v < string(PDF15) {
		v = string(PDF15)
	}
	return v
}

// fileID returns the two halves of the trailer ID. A deterministic ID is
// derived from the serialized body so identical documents get identical
// files.
func fileID(body []byte, cfg Config) [2][]byte {
	sum := sha256.Sum256(body)
	seed := sum[:16]
	if cfg.Deterministic {
		return [2][]byte{seed, seed}
	}
	id := make([]byte, 16)
	if _, err := rand.Read(id); err != nil {
		id = seed
	}
	return [2][]byte{seed, id}
}

func escapeLiteralString(rawBytes []byte) []byte {
	var b bytes.Buffer
	b.WriteByte('(')
	for _, ch := range rawBytes {
		switch ch {
		case '\\', '(', ')':
			b.WriteByte('\\')
			b.WriteByte(ch)
		case '\n':
			b.WriteString("\\n")
		case '\r':
			b.WriteString("\\r")
		case '\t':
			b.WriteString("\\t")
		case '\b':
			b.WriteString("\\b")
		case '\f':
			b.WriteString("\\f")
		default:
			if ch < 0x20 || ch >= 0x80 {
				fmt.Fprintf(&b, "\\%03o", ch)
			} else {
				b.WriteByte(ch)
			}
		}
	}
	b.WriteByte(')')
	return b.Bytes()
}

// pdfNameLiteral escapes delimiters, whitespace and non-printable bytes in a
// name with the #xx notation.
func pdfNameLiteral(value string) string {
	var b strings.Builder
	for i := 0; i < len(value); i++ {
		ch := value[i]
		if ch > 0x20 && ch < 0x7f && !strings.ContainsRune("#()<>[]{}/%", rune(ch)) {
			b.WriteByte(ch)
			continue
		}
		fmt.Fprintf(&b, "#%02X", ch)
	}
	return b.String()
}

// formatReal writes a real without exponent and without trailing zeros.
func formatReal(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "0"
	}
	s := strconv.FormatFloat(f, 'f', 6, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "-0" || s == "" {
		return "0"
	}
	return s
}

func serializePrimitive(o raw.Object) []byte {
	var b bytes.Buffer
	writePrimitive(&b, o)
	return b.Bytes()
}

func writePrimitive(b *bytes.Buffer, o raw.Object) {
	switch v := o.(type) {
	case raw.NameObj:
		b.WriteString("/" + pdfNameLiteral(v.Value()))
	case raw.NumberObj:
		if v.IsInteger() {
			b.WriteString(strconv.FormatInt(v.Int(), 10))
		} else {
			b.WriteString(formatReal(v.Float()))
		}
	case raw.BoolObj:
		if v.Value() {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case raw.NullObj:
		b.WriteString("null")
	case raw.StringObj:
		if v.IsHex() {
			dst := make([]byte, hex.EncodedLen(len(v.Value())))
			hex.Encode(dst, v.Value())
			b.WriteString("<" + strings.ToUpper(string(dst)) + ">")
		} else {
			b.Write(escapeLiteralString(v.Value()))
		}
	case *raw.ArrayObj:
		b.WriteByte('[')
		for i, it := range v.Items {
			if i > 0 {
				b.WriteByte(' ')
			}
			writePrimitive(b, it)
		}
		b.WriteByte(']')
	case *raw.DictObj:
		b.WriteString("<<")
		for _, k := range v.Keys() {
			b.WriteString("/" + pdfNameLiteral(k) + " ")
			writePrimitive(b, v.KV[k])
		}
		b.WriteString(">>")
	case *raw.StreamObj:
		dict := v.Dict
		if dict == nil {
			dict = raw.Dict()
		}
		writePrimitive(b, dict)
		b.WriteString("\nstream\n")
		b.Write(v.Data)
		b.WriteString("\nendstream")
	case raw.RefObj:
		fmt.Fprintf(b, "%d %d R", v.Ref().Num, v.Ref().Gen)
	default:
		b.WriteString("null")
	}
}

// xrefEntry is one row of a cross-reference section.
type xrefEntry struct {
	typ    int // 0 free, 1 in use, 2 compressed
	field2 int64
	field3 int64
}

// bytesNeeded returns how many big-endian bytes hold v (at least one).
func bytesNeeded(v int64) int {
	n := 1
	for v > 0xff {
		v >>= 8
		n++
	}
	return n
}

func appendField(buf []byte, v int64, width int) []byte {
	for i := width - 1; i >= 0; i-- {
		buf = append(buf, byte(v>>(8*uint(i))))
	}
	return buf
}

// freeList links the free rows in entries (index = object number) into the
// list rooted at object 0, as the classic table requires.
func freeList(entries []xrefEntry) {
	next := int64(0)
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].typ != 0 {
			continue
		}
		entries[i].field2 = next
		if i == 0 {
			entries[i].field3 = 65535
		}
		next = int64(i)
	}
}
