package optimize

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/wudi/pdfops/filters"
	"github.com/wudi/pdfops/ir/raw"
)

func imageStream(w, h int, cs raw.Object, bpc int, data []byte) *raw.StreamObj {
	d := raw.Dict()
	d.Set("Type", raw.NameLiteral("XObject"))
	d.Set("Subtype", raw.NameLiteral("Image"))
	d.Set("Width", raw.NumberInt(int64(w)))
	d.Set("Height", raw.NumberInt(int64(h)))
	d.Set("ColorSpace", cs)
	d.Set("BitsPerComponent", raw.NumberInt(int64(bpc)))
	return &raw.StreamObj{Dict: d, Data: data}
}

func flateImage(t *testing.T, w, h int, cs raw.Object, bpc int, samples []byte) *raw.StreamObj {
	t.Helper()
	enc, err := filters.EncodeFlate(samples, 0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	st := imageStream(w, h, cs, bpc, enc)
	st.Dict.Set("Filter", raw.NameLiteral("FlateDecode"))
	return st
}

func newDoc(objs ...raw.Object) (*raw.Document, []raw.ObjectRef) {
	doc := raw.NewDocument("1.7")
	cat := raw.Dict()
	cat.Set("Type", raw.NameLiteral("Catalog"))
	doc.SetRoot(doc.Add(cat))
	var refs []raw.ObjectRef
	for _, o := range objs {
		refs = append(refs, doc.Add(o))
	}
	return doc, refs
}

func jpegConfig(t *testing.T, st *raw.StreamObj) image.Config {
	t.Helper()
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(st.Data))
	if err != nil {
		t.Fatalf("output is not a JPEG: %v", err)
	}
	return cfg
}

func TestRecompressRGBImage(t *testing.T) {
	width, height := 12, 8
	data := make([]byte, width*height*3)
	for i := 0; i < len(data); i += 3 {
		data[i] = 255
	}
	src := flateImage(t, width, height, raw.NameLiteral("DeviceRGB"), 8, data)
	src.Dict.Set("DecodeParms", raw.Dict())
	doc, refs := newDoc(src)

	stats, err := New(Config{}).Recompress(context.Background(), doc)
	if err != nil {
		t.Fatalf("Recompress failed: %v", err)
	}
	if stats.Images != 1 || stats.Rewritten != 1 || stats.Skipped != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	out := doc.Objects[refs[0]].(*raw.StreamObj)
	if f, _ := raw.NameValue(out.Dict, "Filter"); f != "DCTDecode" {
		t.Errorf("Expected Filter to be DCTDecode, got %q", f)
	}
	if cs, _ := raw.NameValue(out.Dict, "ColorSpace"); cs != "DeviceRGB" {
		t.Errorf("Expected DeviceRGB, got %q", cs)
	}
	if bpc, _ := raw.IntValue(out.Dict, "BitsPerComponent"); bpc != 8 {
		t.Errorf("Expected 8 bits per component, got %d", bpc)
	}
	if _, ok := out.Dict.Get("DecodeParms"); ok {
		t.Error("DecodeParms should be removed")
	}
	if !out.Compressible {
		t.Error("rewritten stream should be compressible")
	}

	w, _ := raw.IntValue(out.Dict, "Width")
	h, _ := raw.IntValue(out.Dict, "Height")
	if w != 9 || h != 6 {
		t.Errorf("Expected 9x6 after scaling, got %dx%d", w, h)
	}
	cfg := jpegConfig(t, out)
	if cfg.Width != 9 || cfg.Height != 6 {
		t.Errorf("JPEG is %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.ColorModel != color.YCbCrModel {
		t.Errorf("Expected a colour JPEG, got %v", cfg.ColorModel)
	}

	img, err := jpeg.Decode(bytes.NewReader(out.Data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	r, g, b, _ := img.At(4, 3).RGBA()
	if r>>8 < 200 || g>>8 > 60 || b>>8 > 60 {
		t.Errorf("Expected red, got %d %d %d", r>>8, g>>8, b>>8)
	}
}

func TestRecompressGrayBecomesRGB(t *testing.T) {
	width, height := 10, 10
	data := bytes.Repeat([]byte{128}, width*height)
	doc, refs := newDoc(flateImage(t, width, height, raw.NameLiteral("DeviceGray"), 8, data))

	if _, err := New(Config{ImageScale: 1}).Recompress(context.Background(), doc); err != nil {
		t.Fatalf("Recompress failed: %v", err)
	}
	out := doc.Objects[refs[0]].(*raw.StreamObj)
	cfg := jpegConfig(t, out)
	if cfg.ColorModel != color.YCbCrModel {
		t.Errorf("gray image should be written with three components, got %v", cfg.ColorModel)
	}
	if cfg.Width != 10 || cfg.Height != 10 {
		t.Errorf("scale 1 should keep the size, got %dx%d", cfg.Width, cfg.Height)
	}
}

func TestRecompressBilevelWithDecodeArray(t *testing.T) {
	// 8x2, top row 0 bits, bottom row 1 bits. Decode [1 0] inverts.
	src := flateImage(t, 8, 2, raw.NameLiteral("DeviceGray"), 1, []byte{0x00, 0xff})
	src.Dict.Set("Decode", raw.NewArray(raw.NumberInt(1), raw.NumberInt(0)))
	doc, refs := newDoc(src)

	if _, err := New(Config{ImageScale: 1, ImageQuality: 100}).Recompress(context.Background(), doc); err != nil {
		t.Fatalf("Recompress failed: %v", err)
	}
	out := doc.Objects[refs[0]].(*raw.StreamObj)
	if _, ok := out.Dict.Get("Decode"); ok {
		t.Error("Decode should be removed")
	}
	img, err := jpeg.Decode(bytes.NewReader(out.Data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	top, _, _, _ := img.At(3, 0).RGBA()
	bottom, _, _, _ := img.At(3, 1).RGBA()
	if top>>8 < 128 || bottom>>8 > 128 {
		t.Errorf("Decode array not applied: top %d bottom %d", top>>8, bottom>>8)
	}
}

func TestRecompressJPEG(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 20, 16))
	for i := range src.Pix {
		src.Pix[i] = 0x80
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatal(err)
	}
	st := imageStream(20, 16, raw.NameLiteral("DeviceRGB"), 8, buf.Bytes())
	st.Dict.Set("Filter", raw.NameLiteral("DCTDecode"))
	doc, refs := newDoc(st)

	stats, err := New(Config{}).Recompress(context.Background(), doc)
	if err != nil {
		t.Fatalf("Recompress failed: %v", err)
	}
	if stats.Rewritten != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	cfg := jpegConfig(t, doc.Objects[refs[0]].(*raw.StreamObj))
	if cfg.Width != 15 || cfg.Height != 12 {
		t.Errorf("Expected 15x12, got %dx%d", cfg.Width, cfg.Height)
	}
}

func TestRecompressICCBased(t *testing.T) {
	profile := raw.NewStream(raw.Dict(), []byte("profile"))
	profile.Dict.Set("N", raw.NumberInt(3))
	doc, refs := newDoc(profile)
	cs := raw.NewArray(raw.NameLiteral("ICCBased"), raw.RefObj{R: refs[0]})
	img := flateImage(t, 4, 4, cs, 8, make([]byte, 4*4*3))
	ref := doc.Add(img)

	stats, err := New(Config{}).Recompress(context.Background(), doc)
	if err != nil {
		t.Fatalf("Recompress failed: %v", err)
	}
	if stats.Rewritten != 1 || stats.Images != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if cs, _ := raw.NameValue(doc.Objects[ref].(*raw.StreamObj).Dict, "ColorSpace"); cs != "DeviceRGB" {
		t.Errorf("colour space not replaced: %q", cs)
	}
}

func TestRecompressSkipsUndecodable(t *testing.T) {
	jpx := imageStream(4, 4, raw.NameLiteral("DeviceRGB"), 8, []byte("not a jpeg 2000 stream"))
	jpx.Dict.Set("Filter", raw.NameLiteral("JPXDecode"))
	truncated := flateImage(t, 100, 100, raw.NameLiteral("DeviceRGB"), 8, []byte{1, 2, 3})
	indexed := flateImage(t, 2, 2, raw.NewArray(raw.NameLiteral("Indexed"), raw.NameLiteral("DeviceRGB"), raw.NumberInt(1), raw.Str([]byte("abcdef"))), 8, []byte{0, 1, 1, 0})
	doc, refs := newDoc(jpx, truncated, indexed)

	stats, err := New(Config{}).Recompress(context.Background(), doc)
	if err != nil {
		t.Fatalf("Recompress failed: %v", err)
	}
	if stats.Images != 3 || stats.Skipped != 3 || stats.Rewritten != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	for i, want := range []*raw.StreamObj{jpx, truncated, indexed} {
		if doc.Objects[refs[i]] != want {
			t.Errorf("object %v was modified", refs[i])
		}
	}
}

func TestRecompressLeavesOtherObjects(t *testing.T) {
	content := raw.NewStream(raw.Dict(), []byte("q 1 0 0 1 0 0 cm Q"))
	form := imageStream(2, 2, raw.NameLiteral("DeviceGray"), 8, []byte{1, 2, 3, 4})
	form.Dict.Set("Subtype", raw.NameLiteral("Form"))
	mask := imageStream(1, 1, raw.NameLiteral("DeviceGray"), 1, []byte{0x80})
	mask.Dict.Set("ImageMask", raw.Bool(true))
	mask.Dict.Remove("ColorSpace")
	doc, refs := newDoc(content, form, mask)
	before := len(doc.Objects)

	stats, err := New(Config{}).Recompress(context.Background(), doc)
	if err != nil {
		t.Fatalf("Recompress failed: %v", err)
	}
	if len(doc.Objects) != before {
		t.Fatalf("object count changed from %d to %d", before, len(doc.Objects))
	}
	if stats.Images != 1 || stats.Skipped != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if doc.Objects[refs[0]] != content || doc.Objects[refs[1]] != form || doc.Objects[refs[2]] != mask {
		t.Fatal("non-image streams and stencil masks must stay untouched")
	}
}

func TestRecompressKeepsSoftMasks(t *testing.T) {
	smask := flateImage(t, 4, 4, raw.NameLiteral("DeviceGray"), 8, make([]byte, 16))
	doc, refs := newDoc(smask)
	img := flateImage(t, 4, 4, raw.NameLiteral("DeviceRGB"), 8, make([]byte, 48))
	img.Dict.Set("SMask", raw.RefObj{R: refs[0]})
	ref := doc.Add(img)

	stats, err := New(Config{}).Recompress(context.Background(), doc)
	if err != nil {
		t.Fatalf("Recompress failed: %v", err)
	}
	if stats.Rewritten != 1 || stats.Skipped != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if doc.Objects[refs[0]] != smask {
		t.Error("soft mask was rewritten")
	}
	out := doc.Objects[ref].(*raw.StreamObj)
	if r, err := raw.RefValue(out.Dict, "SMask"); err != nil || r != refs[0] {
		t.Errorf("SMask entry lost: %v %v", r, err)
	}
}

func TestRecompressIdenticalImagesShareEncoding(t *testing.T) {
	data := make([]byte, 6*6*3)
	for i := range data {
		data[i] = byte(i)
	}
	a := flateImage(t, 6, 6, raw.NameLiteral("DeviceRGB"), 8, data)
	b := flateImage(t, 6, 6, raw.NameLiteral("DeviceRGB"), 8, data)
	doc, refs := newDoc(a, b)

	codec := &countingCodec{}
	stats, err := New(Config{Codec: codec}).Recompress(context.Background(), doc)
	if err != nil {
		t.Fatalf("Recompress failed: %v", err)
	}
	if stats.Rewritten != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if codec.encodes != 1 {
		t.Errorf("Expected one encode for identical images, got %d", codec.encodes)
	}
	outA := doc.Objects[refs[0]].(*raw.StreamObj)
	outB := doc.Objects[refs[1]].(*raw.StreamObj)
	if outA == outB || outA.Dict == outB.Dict {
		t.Error("rewritten objects must not share storage")
	}
	if !bytes.Equal(outA.Data, outB.Data) {
		t.Error("identical images should produce identical data")
	}
}

func TestRecompressMinimumSize(t *testing.T) {
	doc, refs := newDoc(flateImage(t, 1, 1, raw.NameLiteral("DeviceGray"), 8, []byte{7}))
	codec := &countingCodec{}
	if _, err := New(Config{Codec: codec, ImageScale: 0.1, ImageQuality: 40}).Recompress(context.Background(), doc); err != nil {
		t.Fatalf("Recompress failed: %v", err)
	}
	out := doc.Objects[refs[0]].(*raw.StreamObj)
	w, _ := raw.IntValue(out.Dict, "Width")
	h, _ := raw.IntValue(out.Dict, "Height")
	if w != 1 || h != 1 {
		t.Errorf("Expected 1x1, got %dx%d", w, h)
	}
	if codec.resizes != 0 {
		t.Errorf("1x1 image should not be resized")
	}
	if codec.quality != 40 {
		t.Errorf("Expected quality 40, got %d", codec.quality)
	}
}

func TestRecompressCancelled(t *testing.T) {
	doc, _ := newDoc(flateImage(t, 2, 2, raw.NameLiteral("DeviceGray"), 8, make([]byte, 4)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(Config{}).Recompress(ctx, doc); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}

func TestNewDefaults(t *testing.T) {
	o := New(Config{ImageQuality: 500})
	if o.config.ImageQuality != DefaultImageQuality || o.config.ImageScale != DefaultImageScale {
		t.Errorf("defaults not applied: %+v", o.config)
	}
	if _, ok := o.config.Codec.(DefaultCodec); !ok {
		t.Errorf("Expected DefaultCodec, got %T", o.config.Codec)
	}
	if o.config.Limits.MaxDecompressedSize == 0 {
		t.Error("Expected default decode limits")
	}
}

func TestSample(t *testing.T) {
	row := []byte{0xb4, 0x0f}
	tests := []struct {
		bpc, i, want int
	}{
		{1, 0, 1},
		{1, 1, 0},
		{1, 2, 1},
		{2, 0, 2},
		{2, 3, 0},
		{4, 0, 0xb},
		{4, 3, 0xf},
		{8, 1, 0x0f},
		{16, 0, 0xb4},
	}
	for _, tt := range tests {
		if got := sample(row, tt.i, tt.bpc); got != tt.want {
			t.Errorf("sample(bpc=%d, i=%d) = %d, want %d", tt.bpc, tt.i, got, tt.want)
		}
	}
}

type countingCodec struct {
	DefaultCodec
	encodes, resizes, quality int
}

func (c *countingCodec) Resize(img image.Image, w, h int) image.Image {
	c.resizes++
	return c.DefaultCodec.Resize(img, w, h)
}

func (c *countingCodec) Encode(img image.Image, quality int) ([]byte, error) {
	c.encodes++
	c.quality = quality
	return c.DefaultCodec.Encode(img, quality)
}
