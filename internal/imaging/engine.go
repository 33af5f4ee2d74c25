package imaging

// engine is the pixel backend behind the two pipelines. The stdlib engine is
// always available; a libvips engine replaces it under the govips build tag.
type engine interface {
	// normalize bounds the image to maxW x maxH and re-encodes it in its own
	// format. The re-encode happens even when the image already fits.
	normalize(blob ImageBlob, maxW, maxH, jpegQuality int) (ImageBlob, error)

	// scrub decodes, flattens the color mode to RGB over opaque white, and
	// re-encodes as PNG with no ancillary metadata.
	scrub(blob ImageBlob) (ImageBlob, error)
}

// boundDimensions applies the two-step sequential bound: first scale to the
// width cap rounding to the nearest pixel, then scale the rounded result to
// the height cap. The second step compounds the first step's rounding; both
// steps must round independently, so this is deliberately not a single
// min-ratio scale.
func boundDimensions(d Dimensions, maxW, maxH int) Dimensions {
	out := d
	if out.Width > maxW {
		ratio := float64(maxW) / float64(out.Width)
		out = Dimensions{
			Width:  maxW,
			Height: roundDim(float64(out.Height) * ratio),
		}
	}
	if out.Height > maxH {
		ratio := float64(maxH) / float64(out.Height)
		out = Dimensions{
			Width:  roundDim(float64(out.Width) * ratio),
			Height: maxH,
		}
	}
	return out
}

func roundDim(v float64) int {
	r := int(v + 0.5)
	if r < 1 {
		return 1
	}
	return r
}
