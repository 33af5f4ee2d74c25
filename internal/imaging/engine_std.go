package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"

	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

type stdEngine struct{}

func (stdEngine) normalize(blob ImageBlob, maxW, maxH, jpegQuality int) (ImageBlob, error) {
	src, format, err := image.Decode(bytes.NewReader(blob.Data))
	if err != nil {
		return ImageBlob{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	srcBounds := src.Bounds()
	srcDims := Dimensions{Width: srcBounds.Dx(), Height: srcBounds.Dy()}
	target := boundDimensions(srcDims, maxW, maxH)

	if !stdEncodable(format) {
		// No encoder for the source format (webp decodes but does not
		// encode). An in-bounds image passes through untouched; an oversized
		// one still gets its bounds enforced and lands as PNG.
		if target == srcDims {
			return blob, nil
		}
		format = "png"
	}

	data, err := encodeAs(renderScaled(src, target), format, jpegQuality)
	if err != nil {
		return ImageBlob{}, err
	}
	return ImageBlob{Data: data, MediaType: mediaTypeForFormat(format)}, nil
}

func (stdEngine) scrub(blob ImageBlob) (ImageBlob, error) {
	src, _, err := image.Decode(bytes.NewReader(blob.Data))
	if err != nil {
		return ImageBlob{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	var buf bytes.Buffer
	encoder := png.Encoder{CompressionLevel: png.BestCompression}
	if err := encoder.Encode(&buf, flattenToRGB(src)); err != nil {
		return ImageBlob{}, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return ImageBlob{Data: buf.Bytes(), MediaType: "image/png"}, nil
}

// flattenToRGB composites the image over an opaque white background so that
// palette, grayscale, and alpha-carrying inputs all land in plain RGB. The
// stdlib PNG writer emits truecolor without an alpha channel for a fully
// opaque buffer.
func flattenToRGB(src image.Image) *image.RGBA {
	bounds := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, bounds.Min, draw.Over)
	return dst
}

func renderScaled(src image.Image, target Dimensions) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, target.Width, target.Height))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return dst
}

func encodeAs(img image.Image, format string, jpegQuality int) ([]byte, error) {
	var buf bytes.Buffer

	switch format {
	case "jpeg":
		if jpegQuality <= 0 || jpegQuality > 100 {
			jpegQuality = 85
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, fmt.Errorf("%w: jpeg: %v", ErrEncode, err)
		}
	case "png":
		encoder := png.Encoder{CompressionLevel: png.DefaultCompression}
		if err := encoder.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("%w: png: %v", ErrEncode, err)
		}
	case "gif":
		if err := gif.Encode(&buf, img, nil); err != nil {
			return nil, fmt.Errorf("%w: gif: %v", ErrEncode, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported output format %s", ErrEncode, format)
	}

	return buf.Bytes(), nil
}

func stdEncodable(format string) bool {
	switch format {
	case "jpeg", "png", "gif":
		return true
	default:
		return false
	}
}
