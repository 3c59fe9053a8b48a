// Package memory provides an in-memory job run history for DSN-less runs and
// tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jobwatch-dev/jobwatch/internal/store"
)

// HistoryStore implements store.HistoryRepository in process memory.
type HistoryStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]store.JobRun
}

// New returns an empty HistoryStore.
func New() *HistoryStore {
	return &HistoryStore{runs: make(map[uuid.UUID]store.JobRun)}
}

// RecordStart inserts the run as running. Re-recording an existing id is a
// no-op, matching the Postgres upsert.
func (s *HistoryStore) RecordStart(_ context.Context, id uuid.UUID, name string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; ok {
		return nil
	}
	s.runs[id] = store.JobRun{
		ID:        id,
		Name:      name,
		StartedAt: startedAt,
		Status:    store.RunRunning,
	}
	return nil
}

// Complete marks the run finished.
func (s *HistoryStore) Complete(
	_ context.Context,
	id uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	run.FinishedAt = &finishedAt
	run.Status = status
	run.ErrorMessage = errMsg
	s.runs[id] = run
	return nil
}

// GetRun loads a single run by handle.
func (s *HistoryStore) GetRun(_ context.Context, id uuid.UUID) (store.JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return store.JobRun{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns returns runs newest first, optionally filtered by status.
func (s *HistoryStore) ListRuns(
	_ context.Context,
	status *store.RunStatus,
	limit, offset int,
) ([]store.JobRun, error) {
	s.mu.RLock()
	all := make([]store.JobRun, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		all = append(all, run)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].StartedAt.After(all[j].StartedAt)
	})
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

// Prune deletes finished runs older than the cutoff.
func (s *HistoryStore) Prune(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pruned int64
	for id, run := range s.runs {
		if run.FinishedAt != nil && run.FinishedAt.Before(olderThan) {
			delete(s.runs, id)
			pruned++
		}
	}
	return pruned, nil
}
