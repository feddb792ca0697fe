package optimize

import (
	"bytes"
	"image"
	"image/jpeg"

	// Formats accepted by DefaultCodec.Decode.
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"golang.org/x/image/draw"

	"github.com/wudi/pdfops/filters"
)

// Codec turns encoded image bytes into bitmaps and back.
type Codec interface {
	Decode(data []byte) (image.Image, error)
	Resize(img image.Image, width, height int) image.Image
	Encode(img image.Image, quality int) ([]byte, error)
}

// DefaultCodec decodes JPEG, PNG, TIFF, BMP and WebP, resizes with
// Catmull-Rom and encodes baseline RGB JPEG.
type DefaultCodec struct{}

func (DefaultCodec) Decode(data []byte) (image.Image, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if err := filters.ValidateImageBounds(cfg.Width, cfg.Height); err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}

func (DefaultCodec) Resize(img image.Image, width, height int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

func (DefaultCodec) Encode(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, toColor(img), &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// toColor converts grayscale bitmaps to RGBA so the encoder always writes
// three components.
func toColor(img image.Image) image.Image {
	switch img.(type) {
	case *image.Gray, *image.Gray16:
		b := img.Bounds()
		dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
		return dst
	}
	return img
}
