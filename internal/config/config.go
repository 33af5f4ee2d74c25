package config

import (
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
)

type Config struct {
	API        APIConfig
	Queue      QueueConfig
	Worker     WorkerConfig
	Storage    StorageConfig
	Database   DatabaseConfig
	Runner     RunnerConfig
	Webhook    WebhookConfig
	Preprocess PreprocessConfig
	RateLimit  RateLimitConfig
	Telemetry  TelemetryConfig
}

type APIConfig struct {
	Addr           string
	MaxUploadBytes int64
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency      int
	MaxActiveRenders int
	MetricsAddr      string
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type DatabaseConfig struct {
	DSN string
}

type RunnerConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
	PollInterval   time.Duration
	RenderTimeout  time.Duration
}

type WebhookConfig struct {
	SigningSecret string
}

type PreprocessConfig struct {
	MaxWidth  int
	MaxHeight int
}

type RateLimitConfig struct {
	Capacity int
	Window   time.Duration
}

type TelemetryConfig struct {
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
}

func Load() Config {
	defaultRenderSlots := max(1, runtime.NumCPU()/2)

	return Config{
		API: APIConfig{
			Addr:           env("SKETCHFLOW_API_ADDR", ":8080"),
			MaxUploadBytes: envInt64("SKETCHFLOW_MAX_UPLOAD_BYTES", 20<<20),
		},
		Queue: QueueConfig{
			RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
			RedisPassword: env("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			Name:          env("SKETCHFLOW_QUEUE", "default"),
		},
		Worker: WorkerConfig{
			Concurrency:      envInt("WORKER_CONCURRENCY", max(2, runtime.NumCPU())),
			MaxActiveRenders: envInt("WORKER_MAX_ACTIVE_RENDERS", defaultRenderSlots),
			MetricsAddr:      env("WORKER_METRICS_ADDR", ":9090"),
		},
		Storage: StorageConfig{
			Endpoint:  env("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: env("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: env("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:    env("MINIO_BUCKET", "sketchflow-generations"),
			UseSSL:    envBool("MINIO_USE_SSL", false),
		},
		Database: DatabaseConfig{
			DSN: env("POSTGRES_DSN", ""),
		},
		Runner: RunnerConfig{
			BaseURL:        env("COMFYUI_URL", "http://localhost:8188"),
			RequestTimeout: envDuration("COMFYUI_REQUEST_TIMEOUT", 30*time.Second),
			PollInterval:   envDuration("COMFYUI_POLL_INTERVAL", 2*time.Second),
			RenderTimeout:  envDuration("COMFYUI_RENDER_TIMEOUT", 5*time.Minute),
		},
		Webhook: WebhookConfig{
			SigningSecret: env("SKETCHFLOW_WEBHOOK_SECRET", ""),
		},
		Preprocess: PreprocessConfig{
			MaxWidth:  envInt("SKETCHFLOW_UPLOAD_MAX_WIDTH", 800),
			MaxHeight: envInt("SKETCHFLOW_UPLOAD_MAX_HEIGHT", 800),
		},
		RateLimit: RateLimitConfig{
			Capacity: envInt("SKETCHFLOW_RATE_LIMIT_CAPACITY", 30),
			Window:   envDuration("SKETCHFLOW_RATE_LIMIT_WINDOW", time.Minute),
		},
		Telemetry: TelemetryConfig{
			Exporter:     env("SKETCHFLOW_TRACE_EXPORTER", "none"),
			OTLPEndpoint: env("SKETCHFLOW_OTLP_ENDPOINT", ""),
			OTLPInsecure: envBool("SKETCHFLOW_OTLP_INSECURE", false),
		},
	}
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envInt64(key string, fallback int64) int64 {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
