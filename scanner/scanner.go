package scanner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/wudi/pdfops/recovery"
)

type TokenType int

const (
	TokenDict    TokenType = iota // '<<'
	TokenArray                    // '['
	TokenName                     // '/Name'
	TokenString                   // literal or hex string
	TokenNumber                   // numeric value
	TokenBoolean                  // true/false
	TokenNull                     // null
	TokenRef                      // indirect ref '5 0 R'
	TokenStream                   // 'stream' keyword followed by its payload
	TokenKeyword                  // other keywords (obj, endobj, >>, ], xref, trailer ...)
)

// Token is a lexical unit. Only the fields relevant to Type are set: Str for
// names and keywords, Bytes for strings and stream payloads, Int/Float/IsInt
// for numbers, Int/Gen for references.
type Token struct {
	Type  TokenType
	Str   string
	Bytes []byte
	Hex   bool
	Int   int64
	Float float64
	IsInt bool
	Bool  bool
	Gen   int
	Pos   int64
}

type Scanner interface {
	Next() (Token, error)
	Position() int64
	SeekTo(offset int64) error
	SetNextStreamLength(n int64)
}

type Config struct {
	MaxStringLength int64
	MaxArrayDepth   int
	MaxDictDepth    int
	MaxStreamLength int64
	MaxBufferSize   int64
	WindowSize      int64
	Recovery        recovery.Strategy
}

type ReaderAt interface {
	ReadAt(p []byte, off int64) (n int, err error)
}

var ErrInvalidNumber = errors.New("invalid number")

// pdfScanner incrementally buffers PDF data from a ReaderAt in fixed-size windows.
type pdfScanner struct {
	reader        ReaderAt
	data          []byte
	pos           int64
	cfg           Config
	nextStreamLen int64
	chunkSize     int64
	eof           bool
	arrayDepth    int
	dictDepth     int
	recLoc        recovery.Location
}

func New(r ReaderAt, cfg Config) Scanner {
	chunk := cfg.WindowSize
	if chunk <= 0 {
		chunk = 64 * 1024
	}
	return &pdfScanner{reader: r, cfg: cfg, nextStreamLen: -1, chunkSize: chunk}
}

func (s *pdfScanner) Position() int64 { return s.pos }

func (s *pdfScanner) SeekTo(offset int64) error {
	if offset < 0 {
		return errors.New("seek out of range")
	}
	if err := s.ensure(offset); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if offset > int64(len(s.data)) {
		return errors.New("seek out of range")
	}
	s.pos = offset
	s.arrayDepth, s.dictDepth = 0, 0
	s.nextStreamLen = -1
	return nil
}

func (s *pdfScanner) SetNextStreamLength(n int64) { s.nextStreamLen = n }

func (s *pdfScanner) SetRecoveryLocation(loc recovery.Location) { s.recLoc = loc }

func (s *pdfScanner) Next() (Token, error) {
	if err := s.skipWSAndComments(); err != nil {
		return Token{}, err
	}
	start := s.pos
	c, _ := s.at(s.pos)
	switch c {
	case '<':
		if n, _ := s.at(s.pos + 1); n == '<' {
			s.pos += 2
			return s.emit(Token{Type: TokenDict, Str: "<<", Pos: start})
		}
		return s.scanHexString()
	case '>':
		if n, _ := s.at(s.pos + 1); n == '>' {
			s.pos += 2
			return s.emit(Token{Type: TokenKeyword, Str: ">>", Pos: start})
		}
		s.pos++
		return s.emit(Token{Type: TokenKeyword, Str: ">", Pos: start})
	case '[':
		s.pos++
		return s.emit(Token{Type: TokenArray, Str: "[", Pos: start})
	case ']':
		s.pos++
		return s.emit(Token{Type: TokenKeyword, Str: "]", Pos: start})
	case '(':
		return s.scanLiteralString()
	case '/':
		return s.scanName()
	}
	if isDigitStart(c) {
		return s.scanNumberOrRef()
	}
	if isAlpha(c) {
		return s.scanKeyword()
	}
	s.pos++
	return s.emit(Token{Type: TokenKeyword, Str: string(c), Pos: start})
}

// at returns the byte at offset i, loading more of the input if needed.
func (s *pdfScanner) at(i int64) (byte, bool) {
	if err := s.ensure(i); err != nil {
		return 0, false
	}
	if i >= int64(len(s.data)) {
		return 0, false
	}
	return s.data[i], true
}

func (s *pdfScanner) skipWSAndComments() error {
	for {
		c, ok := s.at(s.pos)
		if !ok {
			return io.EOF
		}
		if isWhitespace(c) {
			s.pos++
			continue
		}
		if c == '%' {
			for {
				s.pos++
				c, ok := s.at(s.pos)
				if !ok {
					return io.EOF
				}
				if isEOL(c) {
					break
				}
			}
			continue
		}
		return nil
	}
}

func (s *pdfScanner) ensure(n int64) error {
	for int64(len(s.data)) <= n {
		if s.eof {
			return io.EOF
		}
		if s.cfg.MaxBufferSize > 0 && int64(len(s.data)) >= s.cfg.MaxBufferSize {
			return errors.New("scanner buffer limit exceeded")
		}
		if err := s.loadMore(); err != nil {
			return err
		}
	}
	return nil
}

func (s *pdfScanner) loadMore() error {
	buf := make([]byte, s.chunkSize)
	n, err := s.reader.ReadAt(buf, int64(len(s.data)))
	if n > 0 {
		s.data = append(s.data, buf[:n]...)
	}
	if errors.Is(err, io.EOF) || (err == nil && n == 0) {
		s.eof = true
		return nil
	}
	return err
}

func isDigitStart(c byte) bool { return c == '+' || c == '-' || c == '.' || (c >= '0' && c <= '9') }
func isAlpha(c byte) bool      { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }

func (s *pdfScanner) scanName() (Token, error) {
	start := s.pos
	s.pos++
	var out bytes.Buffer
	for {
		c, ok := s.at(s.pos)
		if !ok || isDelimiter(c) {
			break
		}
		if c == '#' {
			a, okA := s.at(s.pos + 1)
			b, okB := s.at(s.pos + 2)
			if okA && okB && isHex(a) && isHex(b) {
				out.WriteByte(fromHex(a)<<4 | fromHex(b))
				s.pos += 3
				continue
			}
		}
		out.WriteByte(c)
		s.pos++
	}
	return s.emit(Token{Type: TokenName, Str: out.String(), Pos: start})
}

func (s *pdfScanner) scanLiteralString() (Token, error) {
	start := s.pos
	s.pos++
	var buf bytes.Buffer
	depth := 1
	for depth > 0 {
		c, ok := s.at(s.pos)
		if !ok {
			break
		}
		s.pos++
		switch c {
		case '\\':
			esc, ok := s.at(s.pos)
			if !ok {
				continue
			}
			s.pos++
			switch {
			case esc == '\r':
				if n, _ := s.at(s.pos); n == '\n' {
					s.pos++
				}
			case esc == '\n':
			case esc >= '0' && esc <= '7':
				val := int(esc - '0')
				for k := 0; k < 2; k++ {
					d, ok := s.at(s.pos)
					if !ok || d < '0' || d > '7' {
						break
					}
					val = val<<3 + int(d-'0')
					s.pos++
				}
				buf.WriteByte(byte(val))
			default:
				buf.WriteByte(translateEscape(esc))
			}
		case '(':
			depth++
			buf.WriteByte(c)
		case ')':
			depth--
			if depth > 0 {
				buf.WriteByte(c)
			}
		default:
			buf.WriteByte(c)
		}
		if s.cfg.MaxStringLength > 0 && int64(buf.Len()) > s.cfg.MaxStringLength {
			return Token{}, errors.New("literal string too long")
		}
	}
	if depth != 0 {
		if err := s.recover(errors.New("unterminated literal string"), "literal"); err != nil {
			return Token{}, err
		}
	}
	return s.emit(Token{Type: TokenString, Bytes: buf.Bytes(), Pos: start})
}

func (s *pdfScanner) scanHexString() (Token, error) {
	start := s.pos
	s.pos++
	var hexbuf []byte
	closed := false
	for {
		c, ok := s.at(s.pos)
		if !ok {
			break
		}
		s.pos++
		if c == '>' {
			closed = true
			break
		}
		if isHex(c) {
			hexbuf = append(hexbuf, c)
		}
	}
	if !closed {
		if err := s.recover(errors.New("unterminated hex string"), "hex"); err != nil {
			return Token{}, err
		}
	}
	if len(hexbuf)%2 == 1 {
		hexbuf = append(hexbuf, '0')
	}
	if s.cfg.MaxStringLength > 0 && int64(len(hexbuf)/2) > s.cfg.MaxStringLength {
		return Token{}, errors.New("hex string too long")
	}
	out := make([]byte, len(hexbuf)/2)
	for i := range out {
		out[i] = fromHex(hexbuf[2*i])<<4 | fromHex(hexbuf[2*i+1])
	}
	return s.emit(Token{Type: TokenString, Bytes: out, Hex: true, Pos: start})
}

var endstream = []byte("endstream")

// scanStream reads the payload following the 'stream' keyword. A length
// hint is trusted only when 'endstream' follows it; otherwise the payload
// runs up to the next 'endstream' marker.
func (s *pdfScanner) scanStream(start int64) (Token, error) {
	hint := s.nextStreamLen
	s.nextStreamLen = -1

	c, ok := s.at(s.pos)
	switch {
	case ok && c == '\r':
		s.pos++
		if n, _ := s.at(s.pos); n == '\n' {
			s.pos++
		}
	case ok && c == '\n':
		s.pos++
	case ok && c == ' ':
		// Tolerated: some writers emit "stream \n".
		s.pos++
		if n, _ := s.at(s.pos); n == '\n' {
			s.pos++
		}
	default:
		if err := s.recover(errors.New("stream missing EOL before data"), "stream"); err != nil {
			return Token{}, err
		}
	}
	dataStart := s.pos

	if hint >= 0 {
		if s.cfg.MaxStreamLength > 0 && hint > s.cfg.MaxStreamLength {
			return Token{}, errors.New("stream too long")
		}
		end := dataStart + hint
		if p, ok := s.endstreamAt(end); ok {
			payload := append([]byte(nil), s.data[dataStart:end]...)
			s.pos = p
			return s.emit(Token{Type: TokenStream, Bytes: payload, Pos: start})
		}
	}

	idx := s.findEndstream(dataStart)
	if idx < 0 {
		if err := s.recover(errors.New("endstream not found"), "stream"); err != nil {
			return Token{}, err
		}
		payload := append([]byte(nil), s.data[dataStart:]...)
		s.pos = int64(len(s.data))
		return s.emit(Token{Type: TokenStream, Bytes: payload, Pos: start})
	}
	end := idx
	if end > dataStart && s.data[end-1] == '\n' {
		end--
	}
	if end > dataStart && s.data[end-1] == '\r' {
		end--
	}
	if s.cfg.MaxStreamLength > 0 && end-dataStart > s.cfg.MaxStreamLength {
		return Token{}, errors.New("stream too long")
	}
	payload := append([]byte(nil), s.data[dataStart:end]...)
	s.pos = idx + int64(len(endstream))
	return s.emit(Token{Type: TokenStream, Bytes: payload, Pos: start})
}

// endstreamAt reports whether 'endstream' follows offset p, allowing
// whitespace in between, and returns the offset just past the keyword.
func (s *pdfScanner) endstreamAt(p int64) (int64, bool) {
	for {
		c, ok := s.at(p)
		if !ok {
			return 0, false
		}
		if !isWhitespace(c) {
			break
		}
		p++
	}
	if s.ensure(p+int64(len(endstream))-1) != nil && p+int64(len(endstream)) > int64(len(s.data)) {
		return 0, false
	}
	if !bytes.Equal(s.data[p:p+int64(len(endstream))], endstream) {
		return 0, false
	}
	return p + int64(len(endstream)), true
}

func (s *pdfScanner) findEndstream(from int64) int64 {
	for {
		if idx := bytes.Index(s.data[from:], endstream); idx >= 0 {
			return from + int64(idx)
		}
		if s.eof {
			return -1
		}
		if err := s.loadMore(); err != nil {
			return -1
		}
		// Keep overlap so a marker split across windows is still found.
		if next := int64(len(s.data)) - s.chunkSize - int64(len(endstream)); next > from {
			from = next
		}
	}
}

func isWhitespace(c byte) bool {
	return c == 0x00 || c == 0x09 || c == 0x0A || c == 0x0C || c == 0x0D || c == 0x20
}

func isEOL(c byte) bool { return c == '\r' || c == '\n' }

func isDelimiter(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	default:
		return isWhitespace(c)
	}
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func fromHex(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return 0
	}
}

func translateEscape(c byte) byte {
	switch c {
	case 'n':
		return '\n'
	case 'r':
		return '\r'
	case 't':
		return '\t'
	case 'b':
		return '\b'
	case 'f':
		return '\f'
	default:
		return c
	}
}

func (s *pdfScanner) scanKeyword() (Token, error) {
	start := s.pos
	var buf bytes.Buffer
	for {
		c, ok := s.at(s.pos)
		if !ok || isDelimiter(c) {
			break
		}
		buf.WriteByte(c)
		s.pos++
	}
	kw := buf.String()
	switch kw {
	case "true", "false":
		return Token{Type: TokenBoolean, Bool: kw == "true", Str: kw, Pos: start}, nil
	case "null":
		return Token{Type: TokenNull, Str: kw, Pos: start}, nil
	case "stream":
		return s.scanStream(start)
	default:
		return Token{Type: TokenKeyword, Str: kw, Pos: start}, nil
	}
}

// scanNumberOrRef reads a number, or an indirect reference when the number
// is followed by a second integer and 'R'.
func (s *pdfScanner) scanNumberOrRef() (Token, error) {
	start := s.pos
	num1 := s.scanNumberString()
	if num1 == "" {
		c, _ := s.at(s.pos)
		s.pos++
		return s.emit(Token{Type: TokenKeyword, Str: string(c), Pos: start})
	}
	if isInteger(num1) {
		save := s.pos
		if s.skipWSAndComments() == nil {
			num2 := s.scanNumberString()
			if num2 != "" && isInteger(num2) {
				_ = s.skipWSAndComments()
				if c, ok := s.at(s.pos); ok && c == 'R' {
					if n, ok := s.at(s.pos + 1); !ok || isDelimiter(n) {
						s.pos++
						n1, _ := strconv.ParseInt(num1, 10, 64)
						n2, _ := strconv.Atoi(num2)
						return Token{Type: TokenRef, Int: n1, Gen: n2, IsInt: true, Pos: start}, nil
					}
				}
			}
		}
		s.pos = save
		if i, err := strconv.ParseInt(num1, 10, 64); err == nil {
			return Token{Type: TokenNumber, Int: i, Float: float64(i), IsInt: true, Pos: start}, nil
		}
	}
	f, err := strconv.ParseFloat(normalizeReal(num1), 64)
	if err != nil {
		if rerr := s.recover(ErrInvalidNumber, "number"); rerr != nil {
			return Token{}, rerr
		}
		return Token{Type: TokenNumber, IsInt: true, Pos: start}, nil
	}
	return Token{Type: TokenNumber, Float: f, Pos: start}, nil
}

func (s *pdfScanner) scanNumberString() string {
	start := s.pos
	var buf bytes.Buffer
	seenDigit := false
	for {
		c, ok := s.at(s.pos)
		if !ok {
			break
		}
		if c == '+' || c == '-' {
			if buf.Len() > 0 {
				break
			}
		} else if c != '.' && (c < '0' || c > '9') {
			break
		}
		if c >= '0' && c <= '9' {
			seenDigit = true
		}
		buf.WriteByte(c)
		s.pos++
	}
	if !seenDigit {
		s.pos = start
		return ""
	}
	return buf.String()
}

func isInteger(s string) bool {
	return !strings.Contains(s, ".")
}

// normalizeReal turns forms like "-.5" or "4." into something strconv accepts
// and drops a second decimal point, which some producers emit.
func normalizeReal(s string) string {
	if i := strings.IndexByte(s, '.'); i >= 0 {
		if j := strings.IndexByte(s[i+1:], '.'); j >= 0 {
			s = s[:i+1+j]
		}
	}
	return s
}

func (s *pdfScanner) recover(err error, loc string) error {
	if s.cfg.Recovery == nil {
		return err
	}
	location := s.recLoc
	location.ByteOffset = s.pos
	if location.Component != "" {
		location.Component += "->"
	}
	location.Component += "scanner:" + loc
	switch s.cfg.Recovery.OnError(context.Background(), err, location) {
	case recovery.ActionSkip, recovery.ActionFix, recovery.ActionWarn:
		return nil
	default:
		return err
	}
}

func (s *pdfScanner) emit(tok Token) (Token, error) {
	switch tok.Type {
	case TokenArray:
		s.arrayDepth++
		if s.cfg.MaxArrayDepth > 0 && s.arrayDepth > s.cfg.MaxArrayDepth {
			return Token{}, errors.New("array depth exceeded")
		}
	case TokenDict:
		s.dictDepth++
		if s.cfg.MaxDictDepth > 0 && s.dictDepth > s.cfg.MaxDictDepth {
			return Token{}, errors.New("dict depth exceeded")
		}
	case TokenKeyword:
		switch tok.Str {
		case "]":
			if s.arrayDepth > 0 {
				s.arrayDepth--
			}
		case ">>":
			if s.dictDepth > 0 {
				s.dictDepth--
			}
		}
	}
	return tok, nil
}
