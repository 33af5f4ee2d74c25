package imaging

import (
	"errors"
	"io"
	"log"
)

// ScrubResult is either a cleaned blob or the untouched original plus the
// reason scrubbing fell back. Callers branch on Cleaned instead of handling
// an error; a scrub never fails from the caller's perspective.
type ScrubResult struct {
	Blob           ImageBlob
	Cleaned        bool
	FallbackReason string
}

// Scrubber re-encodes generator output as plain RGB PNG carrying no EXIF,
// IPTC, XMP, ICC profile, or thumbnail data. Any decode or encode problem
// downgrades to a logged fallback wrapping the original bytes.
type Scrubber struct {
	logger *log.Logger
	engine engine
}

// NewScrubber takes the diagnostic logger explicitly so fallbacks are
// observable in tests without ambient state.
func NewScrubber(logger *log.Logger) *Scrubber {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Scrubber{
		logger: logger,
		engine: newEngine(),
	}
}

func (s *Scrubber) Scrub(raw ImageBlob) ScrubResult {
	clean, err := s.engine.scrub(raw)
	if err != nil {
		reason := "encode"
		if errors.Is(err, ErrDecode) {
			reason = "decode"
		}
		s.logger.Printf("metadata scrub fallback reason=%s err=%v", reason, err)
		return ScrubResult{Blob: raw, FallbackReason: reason}
	}
	return ScrubResult{Blob: clean, Cleaned: true}
}
