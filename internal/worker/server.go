package worker

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/avelir/sketchflow/internal/comfyui"
	"github.com/avelir/sketchflow/internal/config"
	"github.com/avelir/sketchflow/internal/domain"
	"github.com/avelir/sketchflow/internal/imaging"
	"github.com/avelir/sketchflow/internal/queue"
	"github.com/avelir/sketchflow/internal/storage"
	"github.com/avelir/sketchflow/internal/store"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type runnerClient interface {
	UploadImage(ctx context.Context, filename string, data []byte) (string, error)
	SubmitPrompt(ctx context.Context, wf comfyui.Workflow) (string, error)
	History(ctx context.Context, promptID string) ([]comfyui.OutputImage, bool, error)
	FetchImage(ctx context.Context, img comfyui.OutputImage) ([]byte, error)
}

type objectStorage interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// Server consumes render tasks: it ships the preprocessed source to the
// runner, drives the workflow to completion, and stores the raw output. The
// output is stored exactly as the runner produced it; metadata scrubbing
// happens when the API serves it.
type Server struct {
	logger        *log.Logger
	server        *asynq.Server
	sem           chan struct{}
	runner        runnerClient
	storage       objectStorage
	webhookClient webhookSender
	genStore      store.GenerationStore
	usageStore    store.UsageStore
	pollInterval  time.Duration
	renderTimeout time.Duration
	metrics       *metrics
	tracer        trace.Tracer
}

func NewServer(
	logger *log.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	runnerCfg config.RunnerConfig,
	runner *comfyui.Client,
	storageClient *storage.Client,
	webhookClient webhookSender,
	genStore store.GenerationStore,
	usageStore store.UsageStore,
) (*Server, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner client is required")
	}
	if storageClient == nil {
		return nil, fmt.Errorf("storage client is required")
	}

	if usageStore == nil {
		if genAndUsageStore, ok := genStore.(store.UsageStore); ok {
			usageStore = genAndUsageStore
		}
	}

	pollInterval := runnerCfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	renderTimeout := runnerCfg.RenderTimeout
	if renderTimeout <= 0 {
		renderTimeout = 5 * time.Minute
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
				}),
			},
		),
		sem:           make(chan struct{}, max(1, workerCfg.MaxActiveRenders)),
		runner:        runner,
		storage:       storageClient,
		webhookClient: webhookClient,
		genStore:      genStore,
		usageStore:    usageStore,
		pollInterval:  pollInterval,
		renderTimeout: renderTimeout,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("sketchflow/worker"),
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeRenderGeneration, s.handleRenderGeneration)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleRenderGeneration(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := domain.GenerationStatusFailed

	payload, err := queue.ParseRenderPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.render_generation", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("generation.id", payload.GenerationID),
		attribute.String("generation.source_key", payload.SourceKey),
	)
	defer span.End()
	defer func() {
		s.metrics.renderDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.rendersTotal.WithLabelValues(outcome).Inc()
	}()

	s.sem <- struct{}{}
	s.metrics.activeRenders.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeRenders.Dec()
	}()

	s.logger.Printf(
		"Rendering... generation_id=%s source_key=%s",
		payload.GenerationID,
		payload.SourceKey,
	)

	s.updateGenerationStatus(ctx, payload.GenerationID, domain.GenerationStatusProcessing)

	output, err := s.render(ctx, payload)
	if err != nil {
		s.markFailed(ctx, payload, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "render failed")
		return fmt.Errorf("render generation: %w", err)
	}

	s.logger.Printf("Rendered generation_id=%s output_key=%s bytes=%d", payload.GenerationID, output.key, len(output.data))
	s.updateGenerationStatus(ctx, payload.GenerationID, domain.GenerationStatusSucceeded)
	s.recordUsage(ctx, payload.GenerationID, output.data, time.Since(startedAt))

	if err := s.dispatchWebhook(ctx, payload, "generation.completed", map[string]any{
		"generation_id": payload.GenerationID,
		"status":        domain.GenerationStatusSucceeded,
		"output_key":    output.key,
		"media_type":    output.mediaType,
		"requested_at":  payload.RequestedAt,
		"completed_at":  time.Now().UTC(),
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook dispatch failed")
		return err
	}

	outcome = domain.GenerationStatusSucceeded
	span.SetStatus(codes.Ok, "rendered")
	return nil
}

type renderOutput struct {
	key       string
	mediaType string
	data      []byte
}

func (s *Server) render(ctx context.Context, payload queue.RenderPayload) (renderOutput, error) {
	source, err := s.storage.ReadObject(ctx, payload.SourceKey)
	if err != nil {
		return renderOutput{}, fmt.Errorf("read source: %w", err)
	}

	uploadName, err := s.runner.UploadImage(ctx, path.Base(payload.SourceKey), source)
	if err != nil {
		return renderOutput{}, err
	}

	wf, err := comfyui.BuildWorkflow(payload.Prompt, payload.NegativePrompt, uploadName)
	if err != nil {
		return renderOutput{}, fmt.Errorf("build workflow: %w", err)
	}

	promptID, err := s.runner.SubmitPrompt(ctx, wf)
	if err != nil {
		return renderOutput{}, err
	}

	images, err := s.awaitOutputs(ctx, promptID)
	if err != nil {
		return renderOutput{}, err
	}

	data, err := s.runner.FetchImage(ctx, images[0])
	if err != nil {
		return renderOutput{}, err
	}

	mediaType := imaging.Detect(data).MediaType
	outputKey := storage.OutputKey(payload.GenerationID)
	if err := s.storage.WriteObject(ctx, outputKey, data, mediaType); err != nil {
		return renderOutput{}, fmt.Errorf("store output: %w", err)
	}
	if s.genStore != nil {
		if _, err := s.genStore.SetOutput(ctx, payload.GenerationID, outputKey, mediaType); err != nil {
			return renderOutput{}, fmt.Errorf("record output: %w", err)
		}
	}

	return renderOutput{key: outputKey, mediaType: mediaType, data: data}, nil
}

// awaitOutputs polls the runner's history until the prompt completes or the
// render deadline passes.
func (s *Server) awaitOutputs(ctx context.Context, promptID string) ([]comfyui.OutputImage, error) {
	ctx, cancel := context.WithTimeout(ctx, s.renderTimeout)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		s.metrics.runnerPollsTotal.Inc()
		images, done, err := s.runner.History(ctx, promptID)
		if err != nil {
			return nil, err
		}
		if done {
			return images, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("await render: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *Server) markFailed(ctx context.Context, payload queue.RenderPayload, cause error) {
	if s.genStore != nil {
		if _, err := s.genStore.RecordFailure(ctx, payload.GenerationID, cause.Error()); err != nil {
			s.logger.Printf("record failure failed generation_id=%s err=%v", payload.GenerationID, err)
		}
	}
	_ = s.dispatchWebhook(ctx, payload, "generation.failed", map[string]any{
		"generation_id": payload.GenerationID,
		"status":        domain.GenerationStatusFailed,
		"requested_at":  payload.RequestedAt,
		"failed_at":     time.Now().UTC(),
		"error":         cause.Error(),
	})
}

func (s *Server) updateGenerationStatus(ctx context.Context, generationID, status string) {
	if s.genStore == nil {
		return
	}
	if _, err := s.genStore.UpdateStatus(ctx, generationID, status); err != nil {
		s.logger.Printf("status update failed generation_id=%s status=%s err=%v", generationID, status, err)
	}
}

func (s *Server) dispatchWebhook(ctx context.Context, payload queue.RenderPayload, event string, body map[string]any) error {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return nil
	}

	if err := s.webhookClient.Send(ctx, payload.WebhookURL, event, body); err != nil {
		s.logger.Printf("webhook delivery failed generation_id=%s event=%s err=%v", payload.GenerationID, event, err)
		return fmt.Errorf("dispatch webhook: %w", err)
	}

	return nil
}

func (s *Server) recordUsage(ctx context.Context, generationID string, output []byte, computeDuration time.Duration) {
	if s.usageStore == nil {
		return
	}

	userID := "anonymous"
	if s.genStore != nil {
		gen, ok, err := s.genStore.Get(ctx, generationID)
		if err != nil {
			s.logger.Printf("usage lookup failed generation_id=%s err=%v", generationID, err)
		} else if ok && strings.TrimSpace(gen.UserID) != "" {
			userID = gen.UserID
		}
	}

	var pixelsGenerated int64
	if dims, err := imaging.Detect(output).Dimensions(); err == nil {
		pixelsGenerated = int64(dims.Width) * int64(dims.Height)
	}

	computeTimeMS := computeDuration.Milliseconds()
	if computeTimeMS < 1 {
		computeTimeMS = 1
	}

	usage := domain.UsageLog{
		UserID:          userID,
		GenerationID:    generationID,
		PixelsGenerated: pixelsGenerated,
		OutputBytes:     int64(len(output)),
		ComputeTimeMS:   computeTimeMS,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.usageStore.CreateUsageLog(ctx, usage); err != nil {
		s.logger.Printf("usage log write failed generation_id=%s err=%v", generationID, err)
		return
	}

	s.metrics.pixelsGeneratedTotal.Add(float64(pixelsGenerated))
	s.metrics.outputBytesTotal.Add(float64(len(output)))
	s.metrics.computeTimeMSTotal.Add(float64(computeTimeMS))
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
