package optimize

import "errors"

var (
	errMask        = errors.New("image is used as a mask")
	errStencil     = errors.New("stencil masks are kept as they are")
	errUnsupported = errors.New("unsupported image layout")
)

// DecodeError reports an image that could not be transcoded. It never
// escapes Recompress; the stream is left as it was.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decode image: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }
