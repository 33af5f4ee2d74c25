//go:build govips && cgo

package imaging

import (
	"fmt"

	"github.com/davidbyttow/govips/v2/vips"
)

type govipsEngine struct{}

func (govipsEngine) normalize(blob ImageBlob, maxW, maxH, jpegQuality int) (ImageBlob, error) {
	img, err := vips.NewImageFromBuffer(blob.Data)
	if err != nil {
		return ImageBlob{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	defer img.Close()

	srcDims := Dimensions{Width: img.Width(), Height: img.Height()}
	target := boundDimensions(srcDims, maxW, maxH)

	format := formatForVipsType(vips.DetermineImageType(blob.Data))
	if format == "" {
		if target == srcDims {
			return blob, nil
		}
		format = "png"
	}

	if target != srcDims {
		hscale := float64(target.Width) / float64(srcDims.Width)
		vscale := float64(target.Height) / float64(srcDims.Height)
		if err := img.ResizeWithVScale(hscale, vscale, vips.KernelLanczos3); err != nil {
			return ImageBlob{}, fmt.Errorf("%w: resize: %v", ErrEncode, err)
		}
	}

	data, err := exportVips(img, format, jpegQuality)
	if err != nil {
		return ImageBlob{}, err
	}
	return ImageBlob{Data: data, MediaType: mediaTypeForFormat(format)}, nil
}

func (govipsEngine) scrub(blob ImageBlob) (ImageBlob, error) {
	img, err := vips.NewImageFromBuffer(blob.Data)
	if err != nil {
		return ImageBlob{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	defer img.Close()

	if img.HasAlpha() {
		if err := img.Flatten(&vips.Color{R: 255, G: 255, B: 255}); err != nil {
			return ImageBlob{}, fmt.Errorf("%w: flatten: %v", ErrEncode, err)
		}
	}
	if err := img.ToColorSpace(vips.InterpretationSRGB); err != nil {
		return ImageBlob{}, fmt.Errorf("%w: srgb: %v", ErrEncode, err)
	}
	if err := img.RemoveMetadata(); err != nil {
		return ImageBlob{}, fmt.Errorf("%w: strip metadata: %v", ErrEncode, err)
	}

	params := vips.NewPngExportParams()
	params.StripMetadata = true
	data, _, err := img.ExportPng(params)
	if err != nil {
		return ImageBlob{}, fmt.Errorf("%w: png: %v", ErrEncode, err)
	}
	return ImageBlob{Data: data, MediaType: "image/png"}, nil
}

func exportVips(img *vips.ImageRef, format string, jpegQuality int) ([]byte, error) {
	switch format {
	case "jpeg":
		params := vips.NewJpegExportParams()
		if jpegQuality > 0 && jpegQuality <= 100 {
			params.Quality = jpegQuality
		}
		params.StripMetadata = true
		data, _, err := img.ExportJpeg(params)
		if err != nil {
			return nil, fmt.Errorf("%w: jpeg: %v", ErrEncode, err)
		}
		return data, nil
	case "webp":
		params := vips.NewWebpExportParams()
		if jpegQuality > 0 && jpegQuality <= 100 {
			params.Quality = jpegQuality
		}
		params.StripMetadata = true
		data, _, err := img.ExportWebp(params)
		if err != nil {
			return nil, fmt.Errorf("%w: webp: %v", ErrEncode, err)
		}
		return data, nil
	default:
		params := vips.NewPngExportParams()
		params.StripMetadata = true
		data, _, err := img.ExportPng(params)
		if err != nil {
			return nil, fmt.Errorf("%w: png: %v", ErrEncode, err)
		}
		return data, nil
	}
}

func formatForVipsType(t vips.ImageType) string {
	switch t {
	case vips.ImageTypeJPEG:
		return "jpeg"
	case vips.ImageTypePNG:
		return "png"
	case vips.ImageTypeWEBP:
		return "webp"
	default:
		return ""
	}
}
