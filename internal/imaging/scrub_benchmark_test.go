package imaging

import (
	"bytes"
	"image/png"
	"testing"
)

func BenchmarkScrub(b *testing.B) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, testPattern(1920, 1080)); err != nil {
		b.Fatalf("encode source png: %v", err)
	}
	src := Detect(buf.Bytes())
	scrubber := NewScrubber(nil)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if result := scrubber.Scrub(src); !result.Cleaned {
			b.Fatalf("scrub fell back: %s", result.FallbackReason)
		}
	}
}

func BenchmarkNormalize(b *testing.B) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, testPattern(1920, 1080)); err != nil {
		b.Fatalf("encode source png: %v", err)
	}
	src := Detect(buf.Bytes())
	pre := NewPreprocessor(800, 800)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := pre.Normalize(src); err != nil {
			b.Fatalf("normalize: %v", err)
		}
	}
}
