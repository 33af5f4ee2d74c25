package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/avelir/sketchflow/internal/domain"
	"github.com/avelir/sketchflow/internal/id"
	"github.com/avelir/sketchflow/internal/imaging"
	"github.com/avelir/sketchflow/internal/queue"
	"github.com/avelir/sketchflow/internal/storage"
	"github.com/avelir/sketchflow/internal/store"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"
)

const userIDHeader = "X-User-ID"

type queueEnqueuer interface {
	EnqueueRender(ctx context.Context, payload queue.RenderPayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

type Options struct {
	Logger         *log.Logger
	Queue          queueEnqueuer
	Generations    store.GenerationStore
	Storage        objectStorage
	Preprocessor   *imaging.Preprocessor
	Scrubber       *imaging.Scrubber
	RateLimiter    RateLimiter
	Tracer         trace.Tracer
	MaxUploadBytes int64
}

// Server is the HTTP boundary: it admits generation submissions (running the
// upload preprocessor before anything touches storage) and serves finished
// output through the metadata scrubber.
type Server struct {
	logger         *log.Logger
	queueClient    queueEnqueuer
	generations    store.GenerationStore
	storage        objectStorage
	preprocessor   *imaging.Preprocessor
	scrubber       *imaging.Scrubber
	rateLimiter    RateLimiter
	tracer         trace.Tracer
	metrics        *metrics
	maxUploadBytes int64
	mux            *http.ServeMux
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	pre := opts.Preprocessor
	if pre == nil {
		pre = imaging.NewPreprocessor(imaging.DefaultMaxWidth, imaging.DefaultMaxHeight)
	}
	scrubber := opts.Scrubber
	if scrubber == nil {
		scrubber = imaging.NewScrubber(logger)
	}
	maxUploadBytes := opts.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 20 << 20
	}

	s := &Server{
		logger:         logger,
		queueClient:    opts.Queue,
		generations:    opts.Generations,
		storage:        opts.Storage,
		preprocessor:   pre,
		scrubber:       scrubber,
		rateLimiter:    opts.RateLimiter,
		tracer:         opts.Tracer,
		metrics:        newMetrics(),
		maxUploadBytes: maxUploadBytes,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = s.withRateLimit(h)
	h = s.withTracing(h)
	h = s.metrics.withHTTPMetrics(h)
	return h
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /v1/generations", s.handleCreateGeneration)
	s.mux.HandleFunc("GET /v1/generations/{id}", s.handleGetGeneration)
	s.mux.HandleFunc("GET /v1/generations/{id}/image", s.handleGenerationImage)
	s.mux.HandleFunc("GET /v1/generations/{id}/download", s.handleGenerationDownload)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateGeneration(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid multipart form"})
		return
	}

	req := domain.GenerationRequest{
		Prompt:         r.FormValue("prompt"),
		NegativePrompt: r.FormValue("negative_prompt"),
		WebhookURL:     r.FormValue("webhook_url"),
		UserID:         strings.TrimSpace(r.Header.Get(userIDHeader)),
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "file is required"})
		return
	}
	data, err := io.ReadAll(file)
	file.Close()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read uploaded file"})
		return
	}

	normalized, err := s.preprocessor.Normalize(imaging.Detect(data))
	if err != nil {
		if errors.Is(err, imaging.ErrDecode) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "file is not a decodable image"})
			return
		}
		s.logger.Printf("upload preprocess failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to process uploaded image"})
		return
	}
	dims, _ := normalized.Dimensions()

	now := time.Now().UTC()
	genID := id.New()
	sourceKey := storage.SourceKey(genID, normalized.MediaType)

	if err := s.storage.WriteObject(r.Context(), sourceKey, normalized.Data, normalized.MediaType); err != nil {
		s.logger.Printf("store source failed for generation %s: %v", genID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to store source image"})
		return
	}

	gen := domain.Generation{
		ID:              genID,
		UserID:          req.UserID,
		Status:          domain.GenerationStatusCreated,
		Prompt:          strings.TrimSpace(req.Prompt),
		NegativePrompt:  strings.TrimSpace(req.NegativePrompt),
		WebhookURL:      req.WebhookURL,
		SourceKey:       sourceKey,
		SourceMediaType: normalized.MediaType,
		SourceWidth:     dims.Width,
		SourceHeight:    dims.Height,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.generations.Create(r.Context(), gen); err != nil {
		s.logger.Printf("create generation failed for %s: %v", gen.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create generation"})
		return
	}

	taskInfo, err := s.queueClient.EnqueueRender(r.Context(), queue.RenderPayload{
		GenerationID:   gen.ID,
		Prompt:         gen.Prompt,
		NegativePrompt: gen.NegativePrompt,
		SourceKey:      gen.SourceKey,
		WebhookURL:     gen.WebhookURL,
		RequestedAt:    now,
	})
	if err != nil {
		s.logger.Printf("enqueue failed for generation %s: %v", gen.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to enqueue generation"})
		return
	}

	if _, err := s.generations.UpdateStatus(r.Context(), gen.ID, domain.GenerationStatusQueued); err != nil {
		s.logger.Printf("update status failed for generation %s: %v", gen.ID, err)
	}
	s.metrics.generationsCreated.Inc()
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"generation_id": gen.ID,
		"status":        domain.GenerationStatusQueued,
		"source": map[string]any{
			"object_key": gen.SourceKey,
			"media_type": gen.SourceMediaType,
			"width":      gen.SourceWidth,
			"height":     gen.SourceHeight,
		},
		"status_url":   fmt.Sprintf("/v1/generations/%s", gen.ID),
		"image_url":    fmt.Sprintf("/v1/generations/%s/image", gen.ID),
		"download_url": fmt.Sprintf("/v1/generations/%s/download", gen.ID),
	})
}

func (s *Server) handleGetGeneration(w http.ResponseWriter, r *http.Request) {
	gen, ok := s.loadGeneration(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"generation_id": gen.ID,
		"status":        gen.Status,
		"prompt":        gen.Prompt,
		"source": map[string]any{
			"object_key": gen.SourceKey,
			"media_type": gen.SourceMediaType,
			"width":      gen.SourceWidth,
			"height":     gen.SourceHeight,
		},
		"output_key": gen.OutputKey,
		"error":      gen.Error,
		"created_at": gen.CreatedAt,
		"updated_at": gen.UpdatedAt,
	})
}

func (s *Server) handleGenerationImage(w http.ResponseWriter, r *http.Request) {
	s.serveGenerationOutput(w, r, false)
}

func (s *Server) handleGenerationDownload(w http.ResponseWriter, r *http.Request) {
	s.serveGenerationOutput(w, r, true)
}

// serveGenerationOutput reads the raw generator output and passes it through
// the scrubber before writing the response. A scrub fallback still serves the
// original bytes; scrubbing never fails a request on its own.
func (s *Server) serveGenerationOutput(w http.ResponseWriter, r *http.Request, attachment bool) {
	gen, ok := s.loadGeneration(w, r)
	if !ok {
		return
	}

	if gen.Status == domain.GenerationStatusFailed {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "generation failed: " + gen.Error})
		return
	}
	if gen.OutputKey == "" || gen.Status != domain.GenerationStatusSucceeded {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "generation output is not ready"})
		return
	}

	raw, err := s.storage.ReadObject(r.Context(), gen.OutputKey)
	if err != nil {
		s.logger.Printf("read output failed for generation %s: %v", gen.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load generated image"})
		return
	}

	result := s.scrubber.Scrub(imaging.ImageBlob{Data: raw, MediaType: gen.OutputMediaType})
	if result.Cleaned {
		s.metrics.scrubsTotal.WithLabelValues("cleaned").Inc()
	} else {
		s.metrics.scrubsTotal.WithLabelValues("fallback_" + result.FallbackReason).Inc()
		s.logger.Printf("serving unscrubbed output for generation %s reason=%s", gen.ID, result.FallbackReason)
	}

	w.Header().Set("Content-Type", result.Blob.MediaType)
	if attachment {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", downloadFilename(gen.ID, result.Blob.MediaType)))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Blob.Data)
}

func (s *Server) loadGeneration(w http.ResponseWriter, r *http.Request) (domain.Generation, bool) {
	genID := r.PathValue("id")
	if strings.TrimSpace(genID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "generation id is required"})
		return domain.Generation{}, false
	}

	gen, ok, err := s.generations.Get(r.Context(), genID)
	if err != nil {
		s.logger.Printf("fetch generation failed for %s: %v", genID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load generation"})
		return domain.Generation{}, false
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "generation not found"})
		return domain.Generation{}, false
	}
	return gen, true
}

func downloadFilename(genID, mediaType string) string {
	ext := ".png"
	switch mediaType {
	case "image/jpeg":
		ext = ".jpg"
	case "image/gif":
		ext = ".gif"
	case "image/webp":
		ext = ".webp"
	}
	return "sketchflow-" + genID + ext
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
