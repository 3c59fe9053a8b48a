package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/jobwatch-dev/jobwatch/internal/store"
)

func TestRecordStartInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewHistoryStoreWithDB(mock)
	id := uuid.New()
	started := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("INSERT INTO job_runs").
		WithArgs(id, "scan", started, store.RunRunning).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.RecordStart(context.Background(), id, "scan", started))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteUpdatesRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewHistoryStoreWithDB(mock)
	id := uuid.New()
	finished := time.Unix(1700000100, 0).UTC()
	msg := "walk failed"

	mock.ExpectExec("UPDATE job_runs").
		WithArgs(finished, store.RunError, &msg, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.Complete(context.Background(), id, finished, store.RunError, &msg))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteUnknownRunReturnsNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewHistoryStoreWithDB(mock)
	id := uuid.New()
	finished := time.Unix(1700000100, 0).UTC()

	mock.ExpectExec("UPDATE job_runs").
		WithArgs(finished, store.RunSuccess, (*string)(nil), id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = s.Complete(context.Background(), id, finished, store.RunSuccess, nil)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunScansRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewHistoryStoreWithDB(mock)
	id := uuid.New()
	started := time.Unix(1700000000, 0).UTC()

	rows := pgxmock.NewRows([]string{"id", "name", "started_at", "finished_at", "status", "error_message"}).
		AddRow(id, "scan", started, (*time.Time)(nil), store.RunRunning, (*string)(nil))
	mock.ExpectQuery("SELECT id, name, started_at").
		WithArgs(id).
		WillReturnRows(rows)

	run, err := s.GetRun(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "scan", run.Name)
	require.Equal(t, store.RunRunning, run.Status)
	require.Nil(t, run.FinishedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunMapsNoRowsToNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewHistoryStoreWithDB(mock)
	id := uuid.New()

	mock.ExpectQuery("SELECT id, name, started_at").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "started_at", "finished_at", "status", "error_message"}))

	_, err = s.GetRun(context.Background(), id)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRunsFiltersByStatus(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewHistoryStoreWithDB(mock)
	status := store.RunSuccess
	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Minute)

	rows := pgxmock.NewRows([]string{"id", "name", "started_at", "finished_at", "status", "error_message"}).
		AddRow(uuid.New(), "scan", started, &finished, store.RunSuccess, (*string)(nil))
	mock.ExpectQuery("SELECT id, name, started_at").
		WithArgs(&status, 10, 0).
		WillReturnRows(rows)

	runs, err := s.ListRuns(context.Background(), &status, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, store.RunSuccess, runs[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPruneReportsDeletedRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewHistoryStoreWithDB(mock)
	cutoff := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("DELETE FROM job_runs").
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))

	n, err := s.Prune(context.Background(), cutoff)
	require.NoError(t, err)
	require.EqualValues(t, 7, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
