// Package store declares the job-run history repository. Only run lifecycle
// rows are persisted; progress snapshots are deliberately ephemeral.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested run does not exist.
var ErrNotFound = errors.New("job run not found")

// RunStatus mirrors the job_runs status column.
type RunStatus string

// Run statuses persisted in job_runs.status.
const (
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunError     RunStatus = "error"
	RunCancelled RunStatus = "cancelled"
)

// JobRun models one job execution for API responses.
type JobRun struct {
	// ID is the job handle assigned at submission.
	ID uuid.UUID
	// Name is the registered task name the run executed.
	Name string
	// StartedAt captures when the run was accepted.
	StartedAt time.Time
	// FinishedAt is nil until the run completes.
	FinishedAt *time.Time
	// Status is running/success/error/cancelled.
	Status RunStatus
	// ErrorMessage optionally stores the final failure reason.
	ErrorMessage *string
}

// HistoryRepository persists job run lifecycle records.
type HistoryRepository interface {
	// RecordStart inserts the run as running.
	RecordStart(ctx context.Context, id uuid.UUID, name string, startedAt time.Time) error
	// Complete marks the run finished with the provided status and error.
	Complete(ctx context.Context, id uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, id uuid.UUID) (JobRun, error)
	// ListRuns returns runs filtered by optional status plus limit/offset,
	// newest first.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]JobRun, error)
	// Prune deletes finished runs older than the cutoff and reports how many
	// rows went away.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}
