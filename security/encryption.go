package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"crypto/rc4"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/wudi/pdfops/ir/raw"
)

var (
	// ErrPassword is returned when a password does not open the document.
	ErrPassword = errors.New("incorrect password")
	// ErrUnsupportedEncryption is returned for security handlers and
	// revisions that cannot be decrypted.
	ErrUnsupportedEncryption = errors.New("unsupported encryption")
)

// DataClass identifies the kind of payload being encrypted or decrypted.
type DataClass int

const (
	DataClassStream DataClass = iota
	DataClassString
)

type cryptAlgo int

const (
	algoNone cryptAlgo = iota
	algoRC4
	algoAES
)

var passwordPadding = []byte{
	0x28, 0xBF, 0x4E, 0x5E, 0x4E, 0x75, 0x8A, 0x41,
	0x64, 0x00, 0x4E, 0x56, 0xFF, 0xFA, 0x01, 0x08,
	0x2E, 0x2E, 0x00, 0xB6, 0xD0, 0x68, 0x3E, 0x80,
	0x2F, 0x0C, 0xA9, 0xFE, 0x64, 0x53, 0x69, 0x7A,
}

// StandardHandler implements the password-based Standard security handler
// for RC4 (revisions 2 and 3) and AES-128 (revision 4).
type StandardHandler struct {
	v, r         int
	keyLen       int
	owner, user  []byte
	p            int32
	fileID       []byte
	encryptMeta  bool
	streamAlgo   cryptAlgo
	stringAlgo   cryptAlgo
	cryptFilters map[string]cryptAlgo

	key []byte
}

type HandlerBuilder struct {
	encryptDict *raw.DictObj
	fileID      []byte
}

func (b *HandlerBuilder) WithEncryptDict(d *raw.DictObj) *HandlerBuilder {
	b.encryptDict = d
	return b
}
func (b *HandlerBuilder) WithFileID(id []byte) *HandlerBuilder { b.fileID = id; return b }

// Build reads the /Encrypt dictionary. The handler still needs Authenticate
// before it can decrypt.
func (b *HandlerBuilder) Build() (*StandardHandler, error) {
	d := b.encryptDict
	if d == nil {
		return nil, errors.New("encrypt dictionary required")
	}
	if filter, err := raw.NameValue(d, "Filter"); err != nil || filter != "Standard" {
		return nil, fmt.Errorf("%w: filter %q", ErrUnsupportedEncryption, filter)
	}
	v := intOr(d, "V", 0)
	r := intOr(d, "R", 2)
	switch {
	case v == 0, v == 3, v > 4:
		return nil, fmt.Errorf("%w: V %d", ErrUnsupportedEncryption, v)
	case r < 2, r > 4:
		return nil, fmt.Errorf("%w: R %d", ErrUnsupportedEncryption, r)
	}
	keyBits := 40
	switch v {
	case 2:
		keyBits = intOr(d, "Length", 40)
	case 4:
		keyBits = intOr(d, "Length", 128)
	}
	if keyBits%8 != 0 || keyBits < 40 || keyBits > 128 {
		return nil, fmt.Errorf("%w: key length %d", ErrUnsupportedEncryption, keyBits)
	}
	owner, _ := raw.Value(d, "O")
	user, _ := raw.Value(d, "U")
	o, errO := raw.AsString(owner)
	u, errU := raw.AsString(user)
	if errO != nil || errU != nil || len(o) < 32 || len(u) < 16 {
		return nil, errors.New("encrypt dictionary: malformed /O or /U")
	}
	h := &StandardHandler{
		v:           v,
		r:           r,
		keyLen:      keyBits / 8,
		owner:       o[:32],
		user:        u,
		p:           int32(intOr(d, "P", 0)),
		fileID:      b.fileID,
		encryptMeta: true,
		streamAlgo:  algoRC4,
		stringAlgo:  algoRC4,
	}
	if meta, err := raw.Value(d, "EncryptMetadata"); err == nil {
		if on, err := raw.AsBool(meta); err == nil {
			h.encryptMeta = on
		}
	}
	if v == 4 {
		filters, err := parseCryptFilters(d)
		if err != nil {
			return nil, err
		}
		h.cryptFilters = filters
		if h.streamAlgo, err = h.namedFilter(nameOr(d, "StmF", "Identity")); err != nil {
			return nil, err
		}
		if h.stringAlgo, err = h.namedFilter(nameOr(d, "StrF", "Identity")); err != nil {
			return nil, err
		}
		if h.streamAlgo == algoAES || h.stringAlgo == algoAES {
			// AESV2 always uses 128-bit keys.
			h.keyLen = 16
		}
	}
	return h, nil
}

func parseCryptFilters(d *raw.DictObj) (map[string]cryptAlgo, error) {
	out := make(map[string]cryptAlgo)
	cf, err := raw.Value(d, "CF")
	if err != nil {
		return out, nil
	}
	cfDict, err := raw.AsDict(cf)
	if err != nil {
		return nil, errors.New("encrypt dictionary: /CF must be a dictionary")
	}
	for name, obj := range cfDict.KV {
		entry, err := raw.AsDict(obj)
		if err != nil {
			return nil, fmt.Errorf("crypt filter %s must be a dictionary", name)
		}
		switch cfm := nameOr(entry, "CFM", "None"); cfm {
		case "None":
			out[name] = algoNone
		case "V2":
			out[name] = algoRC4
		case "AESV2":
			out[name] = algoAES
		default:
			return nil, fmt.Errorf("%w: crypt filter method %s", ErrUnsupportedEncryption, cfm)
		}
	}
	return out, nil
}

func (h *StandardHandler) namedFilter(name string) (cryptAlgo, error) {
	if name == "Identity" {
		return algoNone, nil
	}
	algo, ok := h.cryptFilters[name]
	if !ok {
		return algoNone, fmt.Errorf("crypt filter %s not defined", name)
	}
	return algo, nil
}

// Revision returns the handler's /R value.
func (h *StandardHandler) Revision() int { return h.r }

// EncryptMetadata reports whether XMP metadata streams are encrypted.
func (h *StandardHandler) EncryptMetadata() bool { return h.encryptMeta }

// Authenticate derives the file key from a user password and checks it
// against /U. Documents that open without a password authenticate with "".
func (h *StandardHandler) Authenticate(password string) error {
	key := h.fileKey([]byte(password))
	if !bytes.Equal(h.userEntry(key)[:16], h.user[:16]) {
		return ErrPassword
	}
	h.key = key
	return nil
}

// fileKey computes the encryption key from a padded user password.
func (h *StandardHandler) fileKey(password []byte) []byte {
	m := md5.New()
	m.Write(padPassword(password))
	m.Write(h.owner)
	var p [4]byte
	binary.LittleEndian.PutUint32(p[:], uint32(h.p))
	m.Write(p[:])
	m.Write(h.fileID)
	if h.r >= 4 && !h.encryptMeta {
		m.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	}
	sum := m.Sum(nil)
	if h.r >= 3 {
		for i := 0; i < 50; i++ {
			next := md5.Sum(sum[:h.keyLen])
			sum = next[:]
		}
	}
	return sum[:h.keyLen]
}

// userEntry computes the /U value for a file key.
func (h *StandardHandler) userEntry(key []byte) []byte {
	if h.r == 2 {
		return rc4Simple(key, passwordPadding)
	}
	sum := md5.Sum(append(append([]byte{}, passwordPadding...), h.fileID...))
	out := rc4Iterated(key, sum[:])
	return append(out, make([]byte, 16)...)
}

// ownerEntry computes the /O value for an owner and user password.
func (h *StandardHandler) ownerEntry(ownerPwd, userPwd []byte) []byte {
	sum := md5.Sum(padPassword(ownerPwd))
	if h.r >= 3 {
		for i := 0; i < 50; i++ {
			sum = md5.Sum(sum[:])
		}
	}
	key := sum[:h.keyLen]
	if h.r == 2 {
		return rc4Simple(key, padPassword(userPwd))
	}
	return rc4Iterated(key, padPassword(userPwd))
}

// Decrypt decrypts a string or stream payload of the object ref.
func (h *StandardHandler) Decrypt(ref raw.ObjectRef, data []byte, class DataClass) ([]byte, error) {
	return h.crypt(ref, data, h.algoFor(class), false)
}

// DecryptWithFilter decrypts stream data with the crypt filter the stream
// names itself.
func (h *StandardHandler) DecryptWithFilter(ref raw.ObjectRef, data []byte, filter string) ([]byte, error) {
	algo, err := h.namedFilter(filter)
	if err != nil {
		return nil, err
	}
	return h.crypt(ref, data, algo, false)
}

// Encrypt is the inverse of Decrypt.
func (h *StandardHandler) Encrypt(ref raw.ObjectRef, data []byte, class DataClass) ([]byte, error) {
	return h.crypt(ref, data, h.algoFor(class), true)
}

func (h *StandardHandler) algoFor(class DataClass) cryptAlgo {
	if class == DataClassString {
		return h.stringAlgo
	}
	return h.streamAlgo
}

func (h *StandardHandler) crypt(ref raw.ObjectRef, data []byte, algo cryptAlgo, encrypt bool) ([]byte, error) {
	if h.key == nil {
		return nil, errors.New("security handler not authenticated")
	}
	switch algo {
	case algoRC4:
		return rc4Simple(objectKey(h.key, ref, false), data), nil
	case algoAES:
		return aesCrypt(objectKey(h.key, ref, true), data, encrypt)
	}
	return data, nil
}

// objectKey derives the per-object key from the file key.
func objectKey(fileKey []byte, ref raw.ObjectRef, useAES bool) []byte {
	buf := make([]byte, 0, len(fileKey)+9)
	buf = append(buf, fileKey...)
	buf = append(buf, byte(ref.Num), byte(ref.Num>>8), byte(ref.Num>>16))
	buf = append(buf, byte(ref.Gen), byte(ref.Gen>>8))
	if useAES {
		buf = append(buf, "sAlT"...)
	}
	sum := md5.Sum(buf)
	n := min(len(fileKey)+5, 16)
	return sum[:n]
}

func padPassword(pwd []byte) []byte {
	padded := make([]byte, 32)
	n := copy(padded, pwd)
	copy(padded[n:], passwordPadding)
	return padded
}

func rc4Simple(key, data []byte) []byte {
	c, err := rc4.NewCipher(key)
	if err != nil {
		// Key lengths are fixed by the handler between 5 and 16 bytes.
		panic(err)
	}
	out := make([]byte, len(data))
	c.XORKeyStream(out, data)
	return out
}

// rc4Iterated encrypts with the key, then 19 more times with each byte of
// the key XORed with the round number.
func rc4Iterated(key, data []byte) []byte {
	out := rc4Simple(key, data)
	round := make([]byte, len(key))
	for i := 1; i <= 19; i++ {
		for j := range key {
			round[j] = key[j] ^ byte(i)
		}
		out = rc4Simple(round, out)
	}
	return out
}

// aesCrypt handles AES-CBC payloads, which carry their IV in the first
// block and PKCS#5 padding in the last.
func aesCrypt(key, data []byte, encrypt bool) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if encrypt {
		padLen := aes.BlockSize - len(data)%aes.BlockSize
		plain := append(append([]byte{}, data...), bytes.Repeat([]byte{byte(padLen)}, padLen)...)
		out := make([]byte, aes.BlockSize+len(plain))
		if _, err := rand.Read(out[:aes.BlockSize]); err != nil {
			return nil, err
		}
		cipher.NewCBCEncrypter(block, out[:aes.BlockSize]).CryptBlocks(out[aes.BlockSize:], plain)
		return out, nil
	}
	if len(data) == 0 {
		return data, nil
	}
	if len(data) < 2*aes.BlockSize || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("aes payload of %d bytes is not whole blocks", len(data))
	}
	out := make([]byte, len(data)-aes.BlockSize)
	cipher.NewCBCDecrypter(block, data[:aes.BlockSize]).CryptBlocks(out, data[aes.BlockSize:])
	pad := int(out[len(out)-1])
	if pad == 0 || pad > aes.BlockSize {
		return nil, errors.New("invalid aes padding")
	}
	return out[:len(out)-pad], nil
}

func intOr(d *raw.DictObj, key string, def int) int {
	n, err := raw.IntValue(d, key)
	if err != nil {
		return def
	}
	return int(n)
}

func nameOr(d *raw.DictObj, key, def string) string {
	n, err := raw.NameValue(d, key)
	if err != nil {
		return def
	}
	return n
}

// StandardEncryption describes the /Encrypt dictionary BuildStandardEncryption
// produces.
type StandardEncryption struct {
	UserPassword  string
	OwnerPassword string
	Permissions   int32
	FileID        []byte
	// Revision 2 and 3 use RC4; 4 uses AES-128 through a StdCF crypt filter.
	Revision      int
	PlainMetadata bool
}

// BuildStandardEncryption constructs an /Encrypt dictionary and an
// authenticated handler that encrypts for it.
func BuildStandardEncryption(cfg StandardEncryption) (*raw.DictObj, *StandardHandler, error) {
	h := &StandardHandler{
		r:           cfg.Revision,
		p:           cfg.Permissions,
		fileID:      cfg.FileID,
		encryptMeta: !cfg.PlainMetadata,
		streamAlgo:  algoRC4,
		stringAlgo:  algoRC4,
	}
	enc := raw.Dict()
	enc.Set("Filter", raw.NameLiteral("Standard"))
	switch cfg.Revision {
	case 2:
		h.v, h.keyLen = 1, 5
	case 3:
		h.v, h.keyLen = 2, 16
	case 4:
		h.v, h.keyLen = 4, 16
		h.streamAlgo, h.stringAlgo = algoAES, algoAES
		h.cryptFilters = map[string]cryptAlgo{"StdCF": algoAES}
		std := raw.Dict()
		std.Set("CFM", raw.NameLiteral("AESV2"))
		std.Set("Length", raw.NumberInt(16))
		cf := raw.Dict()
		cf.Set("StdCF", std)
		enc.Set("CF", cf)
		enc.Set("StmF", raw.NameLiteral("StdCF"))
		enc.Set("StrF", raw.NameLiteral("StdCF"))
	default:
		return nil, nil, fmt.Errorf("%w: R %d", ErrUnsupportedEncryption, cfg.Revision)
	}
	owner := cfg.OwnerPassword
	if owner == "" {
		owner = cfg.UserPassword
	}
	h.owner = h.ownerEntry([]byte(owner), []byte(cfg.UserPassword))
	h.key = h.fileKey([]byte(cfg.UserPassword))
	h.user = h.userEntry(h.key)

	enc.Set("V", raw.NumberInt(int64(h.v)))
	enc.Set("R", raw.NumberInt(int64(h.r)))
	enc.Set("Length", raw.NumberInt(int64(h.keyLen*8)))
	enc.Set("O", raw.StringObj{Bytes: h.owner, Hex: true})
	enc.Set("U", raw.StringObj{Bytes: h.user, Hex: true})
	enc.Set("P", raw.NumberInt(int64(h.p)))
	if cfg.PlainMetadata {
		enc.Set("EncryptMetadata", raw.Bool(false))
	}
	return enc, h, nil
}
