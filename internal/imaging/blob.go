package imaging

import (
	"bytes"
	"errors"
	"image"
	"net/http"
)

var (
	ErrDecode = errors.New("input is not a decodable image")
	ErrEncode = errors.New("image re-encode failed")
)

// ImageBlob is an immutable byte buffer with its declared media type. It has
// no identity beyond its bytes; transforms always produce a new blob.
type ImageBlob struct {
	Data      []byte
	MediaType string
}

// Detect sniffs the media type from the leading bytes.
func Detect(data []byte) ImageBlob {
	return ImageBlob{
		Data:      data,
		MediaType: http.DetectContentType(data),
	}
}

type Dimensions struct {
	Width  int
	Height int
}

// Dimensions reads the pixel size from the blob header without decoding the
// full image.
func (b ImageBlob) Dimensions() (Dimensions, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(b.Data))
	if err != nil {
		return Dimensions{}, ErrDecode
	}
	return Dimensions{Width: cfg.Width, Height: cfg.Height}, nil
}

// ColorMode is the per-pixel channel layout of a decoded image.
type ColorMode int

const (
	ColorModeOther ColorMode = iota
	ColorModeRGB
	ColorModeRGBA
	ColorModePalette
	ColorModeGrayscale
)

func (m ColorMode) String() string {
	switch m {
	case ColorModeRGB:
		return "rgb"
	case ColorModeRGBA:
		return "rgba"
	case ColorModePalette:
		return "palette"
	case ColorModeGrayscale:
		return "grayscale"
	default:
		return "other"
	}
}

// ColorModeOf maps the decoded pixel layout onto the normalization branches
// the scrubber distinguishes.
func ColorModeOf(img image.Image) ColorMode {
	switch img.(type) {
	case *image.RGBA, *image.RGBA64, *image.NRGBA, *image.NRGBA64:
		return ColorModeRGBA
	case *image.Paletted:
		return ColorModePalette
	case *image.Gray, *image.Gray16:
		return ColorModeGrayscale
	case *image.YCbCr, *image.CMYK:
		return ColorModeRGB
	default:
		return ColorModeOther
	}
}

func mediaTypeForFormat(format string) string {
	switch format {
	case "jpeg", "jpg":
		return "image/jpeg"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	default:
		return "image/png"
	}
}
