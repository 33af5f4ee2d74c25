package imaging

import "fmt"

const (
	DefaultMaxWidth    = 800
	DefaultMaxHeight   = 800
	DefaultJPEGQuality = 85
)

// Preprocessor bounds an arbitrary input image to a maximum footprint while
// preserving aspect ratio, then re-encodes it in its own format. It runs at
// upload admission, before the source is handed to the render queue.
//
// The bound is applied in two sequential steps (width cap, then height cap on
// the already-rounded result), not as a single min-ratio scale; see
// boundDimensions.
type Preprocessor struct {
	maxWidth    int
	maxHeight   int
	jpegQuality int
	engine      engine
}

func NewPreprocessor(maxWidth, maxHeight int) *Preprocessor {
	if maxWidth <= 0 {
		maxWidth = DefaultMaxWidth
	}
	if maxHeight <= 0 {
		maxHeight = DefaultMaxHeight
	}
	return &Preprocessor{
		maxWidth:    maxWidth,
		maxHeight:   maxHeight,
		jpegQuality: DefaultJPEGQuality,
		engine:      newEngine(),
	}
}

// Normalize returns a blob whose dimensions fit the configured bounds and
// whose media type matches the input. An in-bounds image is still re-encoded;
// only the encoder-unavailable passthrough skips that step. A non-decodable
// input fails with ErrDecode.
func (p *Preprocessor) Normalize(blob ImageBlob) (ImageBlob, error) {
	if len(blob.Data) == 0 {
		return ImageBlob{}, fmt.Errorf("%w: empty input", ErrDecode)
	}
	return p.engine.normalize(blob, p.maxWidth, p.maxHeight, p.jpegQuality)
}

func (p *Preprocessor) Bounds() Dimensions {
	return Dimensions{Width: p.maxWidth, Height: p.maxHeight}
}
