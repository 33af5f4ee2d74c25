package api

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/avelir/sketchflow/internal/domain"
	"github.com/avelir/sketchflow/internal/imaging"
	"github.com/avelir/sketchflow/internal/queue"
	"github.com/avelir/sketchflow/internal/store"
	"github.com/hibiken/asynq"
)

type fakeEnqueuer struct {
	payloads []queue.RenderPayload
	err      error
}

func (f *fakeEnqueuer) EnqueueRender(_ context.Context, payload queue.RenderPayload) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.payloads = append(f.payloads, payload)
	return &asynq.TaskInfo{ID: "task-1", Queue: "default"}, nil
}

type fakeStorage struct {
	objects map[string][]byte
	types   map[string]string
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeStorage) ReadObject(_ context.Context, objectKey string) ([]byte, error) {
	data, ok := f.objects[objectKey]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return data, nil
}

func (f *fakeStorage) WriteObject(_ context.Context, objectKey string, data []byte, contentType string) error {
	f.objects[objectKey] = data
	f.types[objectKey] = contentType
	return nil
}

func newTestServer(t *testing.T) (*Server, *fakeEnqueuer, *fakeStorage, *store.MemoryGenerationStore) {
	t.Helper()
	enqueuer := &fakeEnqueuer{}
	objects := newFakeStorage()
	generations := store.NewMemoryGenerationStore()
	srv := NewServer(Options{
		Logger:      log.New(io.Discard, "", 0),
		Queue:       enqueuer,
		Generations: generations,
		Storage:     objects,
		Scrubber:    imaging.NewScrubber(log.New(io.Discard, "", 0)),
	})
	return srv, enqueuer, objects, generations
}

func buildTestPNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 251), G: uint8(y % 241), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func multipartUpload(t *testing.T, prompt string, file []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("prompt", prompt); err != nil {
		t.Fatalf("write prompt field: %v", err)
	}
	part, err := writer.CreateFormFile("file", "sketch.png")
	if err != nil {
		t.Fatalf("create file part: %v", err)
	}
	if _, err := part.Write(file); err != nil {
		t.Fatalf("write file part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &body, writer.FormDataContentType()
}

func TestCreateGenerationBoundsUploadAndEnqueues(t *testing.T) {
	srv, enqueuer, objects, generations := newTestServer(t)

	body, contentType := multipartUpload(t, "a cabin by a lake", buildTestPNG(t, 1600, 1200))
	req := httptest.NewRequest(http.MethodPost, "/v1/generations", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(userIDHeader, "user-7")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%s", rec.Code, rec.Body.String())
	}

	var resp struct {
		GenerationID string `json:"generation_id"`
		Status       string `json:"status"`
		Source       struct {
			ObjectKey string `json:"object_key"`
			MediaType string `json:"media_type"`
			Width     int    `json:"width"`
			Height    int    `json:"height"`
		} `json:"source"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != domain.GenerationStatusQueued {
		t.Fatalf("expected queued status, got %s", resp.Status)
	}
	if resp.Source.Width != 800 || resp.Source.Height != 600 {
		t.Fatalf("expected bounded 800x600 source, got %dx%d", resp.Source.Width, resp.Source.Height)
	}
	if resp.Source.MediaType != "image/png" {
		t.Fatalf("expected source format preserved, got %s", resp.Source.MediaType)
	}

	stored, ok := objects.objects[resp.Source.ObjectKey]
	if !ok {
		t.Fatalf("expected source object at %s", resp.Source.ObjectKey)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(stored))
	if err != nil {
		t.Fatalf("decode stored source: %v", err)
	}
	if cfg.Width != 800 || cfg.Height != 600 {
		t.Fatalf("stored source is %dx%d, want 800x600", cfg.Width, cfg.Height)
	}

	if len(enqueuer.payloads) != 1 {
		t.Fatalf("expected one enqueued render, got %d", len(enqueuer.payloads))
	}
	payload := enqueuer.payloads[0]
	if payload.GenerationID != resp.GenerationID {
		t.Fatalf("payload generation id %s != %s", payload.GenerationID, resp.GenerationID)
	}
	if payload.Prompt != "a cabin by a lake" {
		t.Fatalf("unexpected payload prompt %q", payload.Prompt)
	}

	gen, ok, err := generations.Get(context.Background(), resp.GenerationID)
	if err != nil || !ok {
		t.Fatalf("expected stored generation, ok=%v err=%v", ok, err)
	}
	if gen.UserID != "user-7" {
		t.Fatalf("expected user id from header, got %q", gen.UserID)
	}
}

func TestCreateGenerationRejectsNonImage(t *testing.T) {
	srv, enqueuer, _, _ := newTestServer(t)

	body, contentType := multipartUpload(t, "a prompt", []byte("this is not an image at all"))
	req := httptest.NewRequest(http.MethodPost, "/v1/generations", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if len(enqueuer.payloads) != 0 {
		t.Fatal("expected nothing enqueued for a rejected upload")
	}
}

func TestCreateGenerationRequiresPrompt(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	body, contentType := multipartUpload(t, "   ", buildTestPNG(t, 10, 10))
	req := httptest.NewRequest(http.MethodPost, "/v1/generations", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetGenerationNotFound(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/generations/missing", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestServeGenerationImageScrubsOutput(t *testing.T) {
	srv, _, objects, generations := newTestServer(t)

	raw := withTextChunk(t, buildTestPNG(t, 64, 48), "parameters", "seed: 42, workflow: sketch_to_photo")
	seedSucceededGeneration(t, generations, objects, "gen-1", raw)

	req := httptest.NewRequest(http.MethodGet, "/v1/generations/gen-1/image", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "image/png" {
		t.Fatalf("expected image/png, got %s", got)
	}
	if rec.Header().Get("Content-Disposition") != "" {
		t.Fatal("inline image response must not set a disposition")
	}

	served := rec.Body.Bytes()
	for _, chunk := range pngChunkNames(t, served) {
		if chunk == "tEXt" {
			t.Fatal("served image still carries a tEXt chunk")
		}
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(served))
	if err != nil {
		t.Fatalf("decode served image: %v", err)
	}
	if cfg.Width != 64 || cfg.Height != 48 {
		t.Fatalf("served image is %dx%d, want 64x48", cfg.Width, cfg.Height)
	}
}

func TestDownloadSetsAttachmentDisposition(t *testing.T) {
	srv, _, objects, generations := newTestServer(t)
	seedSucceededGeneration(t, generations, objects, "gen-2", buildTestPNG(t, 32, 32))

	req := httptest.NewRequest(http.MethodGet, "/v1/generations/gen-2/download", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	disposition := rec.Header().Get("Content-Disposition")
	if !strings.HasPrefix(disposition, "attachment;") || !strings.Contains(disposition, "sketchflow-gen-2.png") {
		t.Fatalf("unexpected disposition %q", disposition)
	}
}

func TestServeGenerationImageNotReady(t *testing.T) {
	srv, _, _, generations := newTestServer(t)

	now := time.Now().UTC()
	gen := domain.Generation{
		ID:        "gen-3",
		Status:    domain.GenerationStatusProcessing,
		Prompt:    "p",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := generations.Create(context.Background(), gen); err != nil {
		t.Fatalf("seed generation: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/generations/gen-3/image", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func seedSucceededGeneration(t *testing.T, generations *store.MemoryGenerationStore, objects *fakeStorage, id string, output []byte) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	outputKey := "outputs/" + id + "/raw.png"
	if err := generations.Create(ctx, domain.Generation{
		ID:        id,
		Status:    domain.GenerationStatusSucceeded,
		Prompt:    "p",
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed generation: %v", err)
	}
	if _, err := generations.SetOutput(ctx, id, outputKey, "image/png"); err != nil {
		t.Fatalf("seed output: %v", err)
	}
	if err := objects.WriteObject(ctx, outputKey, output, "image/png"); err != nil {
		t.Fatalf("seed object: %v", err)
	}
}

// withTextChunk splices a tEXt chunk right after IHDR so the fixture carries
// the kind of ancillary data the scrubber must drop.
func withTextChunk(t *testing.T, data []byte, key, value string) []byte {
	t.Helper()
	const ihdrEnd = 33
	if len(data) < ihdrEnd {
		t.Fatal("png fixture too short")
	}

	payload := append(append([]byte(key), 0), []byte(value)...)
	chunk := make([]byte, 0, 12+len(payload))
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(payload)))
	chunk = append(chunk, length[:]...)
	chunk = append(chunk, []byte("tEXt")...)
	chunk = append(chunk, payload...)
	var crc [4]byte
	binary.BigEndian.PutUint32(crc[:], crc32.ChecksumIEEE(chunk[4:]))
	chunk = append(chunk, crc[:]...)

	out := make([]byte, 0, len(data)+len(chunk))
	out = append(out, data[:ihdrEnd]...)
	out = append(out, chunk...)
	out = append(out, data[ihdrEnd:]...)
	return out
}

func pngChunkNames(t *testing.T, data []byte) []string {
	t.Helper()
	if len(data) < 8 {
		t.Fatal("not a png")
	}
	var names []string
	offset := 8
	for offset+8 <= len(data) {
		length := int(binary.BigEndian.Uint32(data[offset : offset+4]))
		name := string(data[offset+4 : offset+8])
		names = append(names, name)
		offset += 12 + length
		if name == "IEND" {
			break
		}
	}
	return names
}
