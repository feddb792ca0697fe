package filters

import (
	"bytes"
	"compress/zlib"
)

// EncodeFlate compresses data with zlib framing, as FlateDecode expects.
// Level follows compress/flate; zero selects the default level.
func EncodeFlate(data []byte, level int) ([]byte, error) {
	if level == 0 {
		level = zlib.DefaultCompression
	}
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
