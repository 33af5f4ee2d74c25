package store

import (
	"context"

	"github.com/avelir/sketchflow/internal/domain"
)

type GenerationStore interface {
	Create(ctx context.Context, gen domain.Generation) error
	Get(ctx context.Context, id string) (domain.Generation, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.Generation, error)
	SetOutput(ctx context.Context, id, outputKey, mediaType string) (domain.Generation, error)
	RecordFailure(ctx context.Context, id, message string) (domain.Generation, error)
}

type UsageStore interface {
	CreateUsageLog(ctx context.Context, usage domain.UsageLog) error
}
