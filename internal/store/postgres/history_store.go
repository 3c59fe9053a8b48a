// Package postgres provides the Postgres-backed job run history.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jobwatch-dev/jobwatch/internal/store"
)

// DB is the subset of pgxpool.Pool the store uses; pgxmock satisfies it in
// tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// HistoryStore implements store.HistoryRepository on Postgres.
type HistoryStore struct {
	db   DB
	pool *pgxpool.Pool
}

// NewHistoryStore connects a pool for the given DSN.
func NewHistoryStore(ctx context.Context, dsn string) (*HistoryStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	return &HistoryStore{db: pool, pool: pool}, nil
}

// NewHistoryStoreWithDB wraps an existing connection, used by tests.
func NewHistoryStoreWithDB(db DB) *HistoryStore {
	return &HistoryStore{db: db}
}

// Close releases the underlying pool, when this store owns one.
func (s *HistoryStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// RecordStart inserts the run as running.
func (s *HistoryStore) RecordStart(ctx context.Context, id uuid.UUID, name string, startedAt time.Time) error {
	query := `
		INSERT INTO job_runs (id, name, started_at, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING;
	`
	if _, err := s.db.Exec(ctx, query, id, name, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("record run start: %w", err)
	}
	return nil
}

// Complete marks the run finished with the provided status and error.
func (s *HistoryStore) Complete(
	ctx context.Context,
	id uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	query := `
		UPDATE job_runs
		SET finished_at = $1, status = $2, error_message = $3
		WHERE id = $4;
	`
	tag, err := s.db.Exec(ctx, query, finishedAt, status, errMsg, id)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetRun loads a single run by handle.
func (s *HistoryStore) GetRun(ctx context.Context, id uuid.UUID) (store.JobRun, error) {
	query := `
		SELECT id, name, started_at, finished_at, status, error_message
		FROM job_runs
		WHERE id = $1;
	`
	var run store.JobRun
	err := s.db.QueryRow(ctx, query, id).Scan(
		&run.ID,
		&run.Name,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.JobRun{}, store.ErrNotFound
		}
		return store.JobRun{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first, optionally filtered by status.
func (s *HistoryStore) ListRuns(
	ctx context.Context,
	status *store.RunStatus,
	limit, offset int,
) ([]store.JobRun, error) {
	query := `
		SELECT id, name, started_at, finished_at, status, error_message
		FROM job_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.db.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.JobRun
	for rows.Next() {
		var run store.JobRun
		err := rows.Scan(
			&run.ID,
			&run.Name,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Status,
			&run.ErrorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return runs, nil
}

// Prune deletes finished runs older than the cutoff.
func (s *HistoryStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `
		DELETE FROM job_runs
		WHERE finished_at IS NOT NULL AND finished_at < $1;
	`
	tag, err := s.db.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return tag.RowsAffected(), nil
}
