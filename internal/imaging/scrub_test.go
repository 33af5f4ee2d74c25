package imaging

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"log"
	"strings"
	"testing"
)

func TestScrubStripsAncillaryChunks(t *testing.T) {
	src := buildPNG(t, 120, 80)
	src = insertPNGChunk(t, src, "eXIf", []byte("MM\x00\x2a fake exif payload"))
	src = insertPNGChunk(t, src, "iCCP", []byte("fake-profile\x00\x00deadbeef"))
	src = insertPNGChunk(t, src, "tEXt", []byte("XML:com.adobe.xmp\x00<x:xmpmeta/>"))

	result := NewScrubber(nil).Scrub(Detect(src))
	if !result.Cleaned {
		t.Fatalf("expected cleaned result, got fallback: %s", result.FallbackReason)
	}
	if result.Blob.MediaType != "image/png" {
		t.Fatalf("expected image/png, got %s", result.Blob.MediaType)
	}

	for _, chunk := range pngChunkTypes(t, result.Blob.Data) {
		switch chunk {
		case "IHDR", "IDAT", "IEND":
		default:
			t.Fatalf("unexpected ancillary chunk %q in scrubbed output", chunk)
		}
	}
	verifyDimensions(t, result.Blob.Data, 120, 80)
}

func TestScrubFlattensAlphaOverWhite(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 20, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 20; x++ {
			if x < 10 {
				src.Set(x, y, color.NRGBA{R: 200, G: 20, B: 20, A: 255})
			} else {
				src.Set(x, y, color.NRGBA{}) // fully transparent
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		t.Fatalf("encode source png: %v", err)
	}

	result := NewScrubber(nil).Scrub(Detect(buf.Bytes()))
	if !result.Cleaned {
		t.Fatalf("expected cleaned result, got fallback: %s", result.FallbackReason)
	}

	// Color type 2 is truecolor without alpha; the IHDR color type byte sits
	// 9 bytes into the chunk data.
	if colorType := result.Blob.Data[8+8+9]; colorType != 2 {
		t.Fatalf("expected truecolor output without alpha, got color type %d", colorType)
	}

	out, _, err := image.Decode(bytes.NewReader(result.Blob.Data))
	if err != nil {
		t.Fatalf("decode scrubbed output: %v", err)
	}
	r, g, b, a := out.At(15, 10).RGBA()
	if r != 0xffff || g != 0xffff || b != 0xffff {
		t.Fatalf("expected transparent region to render white, got rgb(%d,%d,%d)", r>>8, g>>8, b>>8)
	}
	if a != 0xffff {
		t.Fatalf("expected opaque output, got alpha %d", a)
	}
}

func TestScrubConvertsPaletteGIF(t *testing.T) {
	var buf bytes.Buffer
	if err := gif.Encode(&buf, testPattern(90, 60), nil); err != nil {
		t.Fatalf("encode source gif: %v", err)
	}

	result := NewScrubber(nil).Scrub(Detect(buf.Bytes()))
	if !result.Cleaned {
		t.Fatalf("expected cleaned result, got fallback: %s", result.FallbackReason)
	}
	if result.Blob.MediaType != "image/png" {
		t.Fatalf("expected image/png, got %s", result.Blob.MediaType)
	}
	verifyDimensions(t, result.Blob.Data, 90, 60)

	out, _, err := image.Decode(bytes.NewReader(result.Blob.Data))
	if err != nil {
		t.Fatalf("decode scrubbed output: %v", err)
	}
	if ColorModeOf(out) == ColorModePalette {
		t.Fatal("expected palette input to be converted to RGB")
	}
}

func TestScrubIsIdempotent(t *testing.T) {
	scrubber := NewScrubber(nil)
	first := scrubber.Scrub(Detect(buildJPEG(t, 160, 120)))
	if !first.Cleaned {
		t.Fatalf("expected cleaned result, got fallback: %s", first.FallbackReason)
	}

	second := scrubber.Scrub(first.Blob)
	if !second.Cleaned {
		t.Fatalf("expected cleaned result on re-scrub, got fallback: %s", second.FallbackReason)
	}
	if !bytes.Equal(first.Blob.Data, second.Blob.Data) {
		t.Fatal("expected re-scrubbing a clean image to be byte-stable")
	}
}

func TestScrubIsDeterministic(t *testing.T) {
	src := Detect(buildPNG(t, 64, 64))
	scrubber := NewScrubber(nil)

	a := scrubber.Scrub(src)
	b := scrubber.Scrub(src)
	if !a.Cleaned || !b.Cleaned {
		t.Fatal("expected both scrubs to clean")
	}
	if !bytes.Equal(a.Blob.Data, b.Blob.Data) {
		t.Fatal("expected identical input to produce identical output bytes")
	}
}

func TestScrubFallsBackOnUndecodableInput(t *testing.T) {
	var logBuf bytes.Buffer
	scrubber := NewScrubber(log.New(&logBuf, "", 0))

	raw := ImageBlob{Data: []byte("definitely not an image"), MediaType: "application/octet-stream"}
	result := scrubber.Scrub(raw)

	if result.Cleaned {
		t.Fatal("expected fallback for undecodable input")
	}
	if result.FallbackReason != "decode" {
		t.Fatalf("expected decode fallback reason, got %q", result.FallbackReason)
	}
	if !bytes.Equal(result.Blob.Data, raw.Data) {
		t.Fatal("expected fallback to return the original bytes unchanged")
	}
	if result.Blob.MediaType != raw.MediaType {
		t.Fatalf("expected original media type on fallback, got %s", result.Blob.MediaType)
	}
	if !strings.Contains(logBuf.String(), "scrub fallback") {
		t.Fatalf("expected diagnostic log entry, got %q", logBuf.String())
	}
}

// insertPNGChunk splices a chunk directly after IHDR so the source carries
// ancillary metadata the scrubber must drop.
func insertPNGChunk(t *testing.T, data []byte, chunkType string, payload []byte) []byte {
	t.Helper()

	// 8-byte signature + IHDR chunk (4 length + 4 type + 13 data + 4 crc).
	const ihdrEnd = 8 + 25
	if len(data) < ihdrEnd {
		t.Fatal("png too short to carry IHDR")
	}

	chunk := make([]byte, 0, 12+len(payload))
	chunk = binary.BigEndian.AppendUint32(chunk, uint32(len(payload)))
	chunk = append(chunk, chunkType...)
	chunk = append(chunk, payload...)
	chunk = binary.BigEndian.AppendUint32(chunk, crc32.ChecksumIEEE(chunk[4:]))

	out := make([]byte, 0, len(data)+len(chunk))
	out = append(out, data[:ihdrEnd]...)
	out = append(out, chunk...)
	out = append(out, data[ihdrEnd:]...)
	return out
}

func pngChunkTypes(t *testing.T, data []byte) []string {
	t.Helper()

	if len(data) < 8 {
		t.Fatal("output too short to be a png")
	}

	var chunks []string
	offset := 8
	for offset+8 <= len(data) {
		length := int(binary.BigEndian.Uint32(data[offset : offset+4]))
		chunkType := string(data[offset+4 : offset+8])
		chunks = append(chunks, chunkType)
		offset += 12 + length
		if chunkType == "IEND" {
			break
		}
	}
	return chunks
}
