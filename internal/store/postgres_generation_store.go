package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/avelir/sketchflow/internal/domain"
	_ "github.com/lib/pq"
)

const generationSchemaSQL = `
CREATE TABLE IF NOT EXISTS generations (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	prompt TEXT NOT NULL,
	negative_prompt TEXT NOT NULL DEFAULT '',
	webhook_url TEXT NOT NULL DEFAULT '',
	source_key TEXT NOT NULL,
	source_media_type TEXT NOT NULL DEFAULT '',
	source_width INTEGER NOT NULL DEFAULT 0,
	source_height INTEGER NOT NULL DEFAULT 0,
	output_key TEXT NOT NULL DEFAULT '',
	output_media_type TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_logs (
	id BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL,
	generation_id TEXT NOT NULL,
	pixels_generated BIGINT NOT NULL,
	output_bytes BIGINT NOT NULL,
	compute_time_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

type PostgresGenerationStore struct {
	db *sql.DB
}

func NewPostgresGenerationStore(ctx context.Context, dsn string) (*PostgresGenerationStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresGenerationStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresGenerationStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, generationSchemaSQL); err != nil {
		return fmt.Errorf("ensure generations schema: %w", err)
	}
	return nil
}

func (s *PostgresGenerationStore) Close() error {
	return s.db.Close()
}

func (s *PostgresGenerationStore) Create(ctx context.Context, gen domain.Generation) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO generations (
			id, user_id, status, prompt, negative_prompt, webhook_url,
			source_key, source_media_type, source_width, source_height,
			output_key, output_media_type, error, created_at, updated_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		gen.ID,
		gen.UserID,
		gen.Status,
		gen.Prompt,
		gen.NegativePrompt,
		gen.WebhookURL,
		gen.SourceKey,
		gen.SourceMediaType,
		gen.SourceWidth,
		gen.SourceHeight,
		gen.OutputKey,
		gen.OutputMediaType,
		gen.Error,
		gen.CreatedAt,
		gen.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert generation: %w", err)
	}
	return nil
}

func (s *PostgresGenerationStore) Get(ctx context.Context, id string) (domain.Generation, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, user_id, status, prompt, negative_prompt, webhook_url,
			source_key, source_media_type, source_width, source_height,
			output_key, output_media_type, error, created_at, updated_at
		 FROM generations
		 WHERE id = $1`,
		id,
	)

	var gen domain.Generation
	if err := row.Scan(
		&gen.ID,
		&gen.UserID,
		&gen.Status,
		&gen.Prompt,
		&gen.NegativePrompt,
		&gen.WebhookURL,
		&gen.SourceKey,
		&gen.SourceMediaType,
		&gen.SourceWidth,
		&gen.SourceHeight,
		&gen.OutputKey,
		&gen.OutputMediaType,
		&gen.Error,
		&gen.CreatedAt,
		&gen.UpdatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return domain.Generation{}, false, nil
		}
		return domain.Generation{}, false, fmt.Errorf("query generation: %w", err)
	}
	return gen, true, nil
}

func (s *PostgresGenerationStore) UpdateStatus(ctx context.Context, id, status string) (domain.Generation, error) {
	return s.update(ctx, id,
		`UPDATE generations SET status = $1, updated_at = $2 WHERE id = $3`,
		status, time.Now().UTC(), id,
	)
}

func (s *PostgresGenerationStore) SetOutput(ctx context.Context, id, outputKey, mediaType string) (domain.Generation, error) {
	return s.update(ctx, id,
		`UPDATE generations SET output_key = $1, output_media_type = $2, updated_at = $3 WHERE id = $4`,
		outputKey, mediaType, time.Now().UTC(), id,
	)
}

func (s *PostgresGenerationStore) RecordFailure(ctx context.Context, id, message string) (domain.Generation, error) {
	return s.update(ctx, id,
		`UPDATE generations SET status = $1, error = $2, updated_at = $3 WHERE id = $4`,
		domain.GenerationStatusFailed, message, time.Now().UTC(), id,
	)
}

func (s *PostgresGenerationStore) CreateUsageLog(ctx context.Context, usage domain.UsageLog) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO usage_logs (user_id, generation_id, pixels_generated, output_bytes, compute_time_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		usage.UserID,
		usage.GenerationID,
		usage.PixelsGenerated,
		usage.OutputBytes,
		usage.ComputeTimeMS,
		usage.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage log: %w", err)
	}
	return nil
}

func (s *PostgresGenerationStore) update(ctx context.Context, id, query string, args ...any) (domain.Generation, error) {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return domain.Generation{}, fmt.Errorf("update generation: %w", err)
	}

	gen, ok, err := s.Get(ctx, id)
	if err != nil {
		return domain.Generation{}, err
	}
	if !ok {
		return domain.Generation{}, ErrGenerationNotFound
	}
	return gen, nil
}
