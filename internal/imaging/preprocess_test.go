package imaging

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"testing"
)

func TestNormalizeKeepsInBoundsDimensions(t *testing.T) {
	pre := NewPreprocessor(800, 800)
	src := buildPNG(t, 400, 300)

	out, err := pre.Normalize(Detect(src))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if out.MediaType != "image/png" {
		t.Fatalf("expected image/png, got %s", out.MediaType)
	}
	verifyDimensions(t, out.Data, 400, 300)
}

func TestNormalizeBoundsWidthThenHeight(t *testing.T) {
	pre := NewPreprocessor(800, 800)
	src := buildJPEG(t, 1600, 1200)

	out, err := pre.Normalize(Detect(src))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if out.MediaType != "image/jpeg" {
		t.Fatalf("expected format-preserving jpeg output, got %s", out.MediaType)
	}
	verifyDimensions(t, out.Data, 800, 600)
}

func TestNormalizeBoundsHeightOnly(t *testing.T) {
	pre := NewPreprocessor(800, 800)
	src := buildPNG(t, 500, 2000)

	out, err := pre.Normalize(Detect(src))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	verifyDimensions(t, out.Data, 200, 800)
}

func TestNormalizePreservesGIF(t *testing.T) {
	pre := NewPreprocessor(800, 800)

	var buf bytes.Buffer
	if err := gif.Encode(&buf, testPattern(64, 48), nil); err != nil {
		t.Fatalf("encode source gif: %v", err)
	}

	out, err := pre.Normalize(Detect(buf.Bytes()))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if out.MediaType != "image/gif" {
		t.Fatalf("expected image/gif, got %s", out.MediaType)
	}
	verifyDimensions(t, out.Data, 64, 48)
}

func TestNormalizeRejectsUndecodableInput(t *testing.T) {
	pre := NewPreprocessor(800, 800)

	_, err := pre.Normalize(ImageBlob{Data: []byte("not an image at all"), MediaType: "image/png"})
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}

	if _, err := pre.Normalize(ImageBlob{}); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode for empty input, got %v", err)
	}
}

// A decodable format without a registered encoder passes through untouched
// when it already fits the bounds; an oversized one still gets resized and
// lands as PNG.
func TestNormalizeEncoderUnavailableFallback(t *testing.T) {
	image.RegisterFormat("sketchflowtest", "SFTEST", decodeFakeFormat, decodeFakeFormatConfig)

	small := append([]byte("SFTEST"), 40, 30)
	pre := NewPreprocessor(800, 800)

	out, err := pre.Normalize(ImageBlob{Data: small, MediaType: "application/octet-stream"})
	if err != nil {
		t.Fatalf("normalize passthrough: %v", err)
	}
	if !bytes.Equal(out.Data, small) {
		t.Fatal("expected in-bounds passthrough to keep original bytes")
	}

	big := append([]byte("SFTEST"), 200, 100)
	pre = NewPreprocessor(100, 100)

	out, err = pre.Normalize(ImageBlob{Data: big, MediaType: "application/octet-stream"})
	if err != nil {
		t.Fatalf("normalize bounded fallback: %v", err)
	}
	if out.MediaType != "image/png" {
		t.Fatalf("expected png fallback encode, got %s", out.MediaType)
	}
	verifyDimensions(t, out.Data, 100, 50)
}

func TestBoundDimensionsSequentialSteps(t *testing.T) {
	cases := []struct {
		name string
		in   Dimensions
		maxW int
		maxH int
		want Dimensions
	}{
		{"fits", Dimensions{400, 300}, 800, 800, Dimensions{400, 300}},
		{"width bound", Dimensions{1600, 1200}, 800, 800, Dimensions{800, 600}},
		{"height bound", Dimensions{500, 2000}, 800, 800, Dimensions{200, 800}},
		{"both bounds compound", Dimensions{1000, 900}, 800, 600, Dimensions{667, 600}},
		{"exact edge", Dimensions{800, 800}, 800, 800, Dimensions{800, 800}},
		{"never below one pixel", Dimensions{10000, 2}, 10, 10, Dimensions{10, 1}},
	}

	for _, tc := range cases {
		if got := boundDimensions(tc.in, tc.maxW, tc.maxH); got != tc.want {
			t.Fatalf("%s: boundDimensions(%v) = %v, want %v", tc.name, tc.in, got, tc.want)
		}
	}
}

func decodeFakeFormat(r io.Reader) (image.Image, error) {
	cfg, err := decodeFakeFormatConfig(r)
	if err != nil {
		return nil, err
	}
	return image.NewRGBA(image.Rect(0, 0, cfg.Width, cfg.Height)), nil
}

func decodeFakeFormatConfig(r io.Reader) (image.Config, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(r, header); err != nil {
		return image.Config{}, err
	}
	return image.Config{
		ColorModel: color.RGBAModel,
		Width:      int(header[6]),
		Height:     int(header[7]),
	}, nil
}

func testPattern(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x * 255) / w),
				G: uint8((y * 255) / h),
				B: 140,
				A: 255,
			})
		}
	}
	return img
}

func buildPNG(t *testing.T, w, h int) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := png.Encode(&buf, testPattern(w, h)); err != nil {
		t.Fatalf("encode source png: %v", err)
	}
	return buf.Bytes()
}

func buildJPEG(t *testing.T, w, h int) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, testPattern(w, h), &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode source jpeg: %v", err)
	}
	return buf.Bytes()
}

func verifyDimensions(t *testing.T, data []byte, wantW, wantH int) {
	t.Helper()

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if got := img.Bounds().Dx(); got != wantW {
		t.Fatalf("expected width %d, got %d", wantW, got)
	}
	if got := img.Bounds().Dy(); got != wantH {
		t.Fatalf("expected height %d, got %d", wantH, got)
	}
}
