package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/avelir/sketchflow/internal/comfyui"
	"github.com/avelir/sketchflow/internal/config"
	"github.com/avelir/sketchflow/internal/storage"
	"github.com/avelir/sketchflow/internal/store"
	"github.com/avelir/sketchflow/internal/telemetry"
	"github.com/avelir/sketchflow/internal/webhook"
	"github.com/avelir/sketchflow/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[worker] ", log.LstdFlags|log.Lmsgprefix)

	ctx := context.Background()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "sketchflow-worker",
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	}, logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Printf("tracing shutdown failed: %v", err)
		}
	}()

	storageClient, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Storage.Endpoint,
		Access:   cfg.Storage.AccessKey,
		Secret:   cfg.Storage.SecretKey,
		Bucket:   cfg.Storage.Bucket,
		UseSSL:   cfg.Storage.UseSSL,
	})
	if err != nil {
		logger.Fatalf("storage client setup failed: %v", err)
	}
	if err := storageClient.EnsureBucket(ctx); err != nil {
		logger.Fatalf("ensure bucket failed: %v", err)
	}

	var generations store.GenerationStore
	if cfg.Database.DSN != "" {
		pg, err := store.NewPostgresGenerationStore(ctx, cfg.Database.DSN)
		if err != nil {
			logger.Fatalf("postgres setup failed: %v", err)
		}
		defer pg.Close()
		generations = pg
		logger.Println("generation store: postgres")
	} else {
		generations = store.NewMemoryGenerationStore()
		logger.Println("generation store: memory")
	}

	runner, err := comfyui.NewClient(comfyui.Config{
		BaseURL: cfg.Runner.BaseURL,
		Timeout: cfg.Runner.RequestTimeout,
	})
	if err != nil {
		logger.Fatalf("runner client setup failed: %v", err)
	}

	webhookClient := webhook.NewClient(webhook.Config{
		SigningSecret: cfg.Webhook.SigningSecret,
	})

	logger.Printf(
		"starting worker concurrency=%d max_active_renders=%d queue=%s redis=%s runner=%s",
		cfg.Worker.Concurrency,
		cfg.Worker.MaxActiveRenders,
		cfg.Queue.Name,
		cfg.Queue.RedisAddr,
		cfg.Runner.BaseURL,
	)

	srv, err := worker.NewServer(
		logger,
		cfg.Queue,
		cfg.Worker,
		cfg.Runner,
		runner,
		storageClient,
		webhookClient,
		generations,
		nil,
	)
	if err != nil {
		logger.Fatalf("worker setup failed: %v", err)
	}

	go func() {
		logger.Printf("worker metrics listening on %s", cfg.Worker.MetricsAddr)
		if err := http.ListenAndServe(cfg.Worker.MetricsAddr, srv.MetricsHandler()); err != nil && err != http.ErrServerClosed {
			logger.Printf("metrics server failed: %v", err)
		}
	}()

	if err := srv.Run(); err != nil {
		logger.Fatalf("worker failed: %v", err)
	}
}
