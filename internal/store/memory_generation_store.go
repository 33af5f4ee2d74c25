package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/avelir/sketchflow/internal/domain"
)

var ErrGenerationNotFound = errors.New("generation not found")

// MemoryGenerationStore backs single-node and test deployments. It also
// collects usage logs so the worker can run without Postgres.
type MemoryGenerationStore struct {
	mu          sync.RWMutex
	generations map[string]domain.Generation
	usage       []domain.UsageLog
}

func NewMemoryGenerationStore() *MemoryGenerationStore {
	return &MemoryGenerationStore{
		generations: make(map[string]domain.Generation),
	}
}

func (s *MemoryGenerationStore) Create(_ context.Context, gen domain.Generation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generations[gen.ID] = gen
	return nil
}

func (s *MemoryGenerationStore) Get(_ context.Context, id string) (domain.Generation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	gen, ok := s.generations[id]
	return gen, ok, nil
}

func (s *MemoryGenerationStore) UpdateStatus(_ context.Context, id, status string) (domain.Generation, error) {
	return s.mutate(id, func(gen *domain.Generation) {
		gen.Status = status
	})
}

func (s *MemoryGenerationStore) SetOutput(_ context.Context, id, outputKey, mediaType string) (domain.Generation, error) {
	return s.mutate(id, func(gen *domain.Generation) {
		gen.OutputKey = outputKey
		gen.OutputMediaType = mediaType
	})
}

func (s *MemoryGenerationStore) RecordFailure(_ context.Context, id, message string) (domain.Generation, error) {
	return s.mutate(id, func(gen *domain.Generation) {
		gen.Status = domain.GenerationStatusFailed
		gen.Error = message
	})
}

func (s *MemoryGenerationStore) CreateUsageLog(_ context.Context, usage domain.UsageLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, usage)
	return nil
}

func (s *MemoryGenerationStore) UsageLogs() []domain.UsageLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.UsageLog, len(s.usage))
	copy(out, s.usage)
	return out
}

func (s *MemoryGenerationStore) mutate(id string, apply func(*domain.Generation)) (domain.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gen, ok := s.generations[id]
	if !ok {
		return domain.Generation{}, ErrGenerationNotFound
	}

	apply(&gen)
	gen.UpdatedAt = time.Now().UTC()
	s.generations[id] = gen
	return gen, nil
}
