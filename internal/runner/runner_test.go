package runner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/jobwatch-dev/jobwatch/internal/progress"
	"github.com/jobwatch-dev/jobwatch/internal/store"
	"github.com/jobwatch-dev/jobwatch/internal/store/memory"
)

type capturePublisher struct {
	mu      sync.Mutex
	topics  []string
	updates []progress.Update
}

func (p *capturePublisher) Publish(topic string, u progress.Update) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.updates = append(p.updates, u)
}

func (p *capturePublisher) details() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, u := range p.updates {
		if u.Detail != nil {
			out = append(out, *u.Detail)
		}
	}
	return out
}

func passthrough(task TaskFunc) TaskFactory {
	return func(map[string]string) (TaskFunc, error) { return task, nil }
}

func waitForRun(t *testing.T, history store.HistoryRepository, handle string, want store.RunStatus) store.JobRun {
	t.Helper()
	id, err := uuid.Parse(handle)
	require.NoError(t, err)

	var run store.JobRun
	require.Eventually(t, func() bool {
		r, err := history.GetRun(context.Background(), id)
		if err != nil {
			return false
		}
		run = r
		return r.Status == want
	}, time.Second, 5*time.Millisecond)
	return run
}

func TestStartPublishesOnJobTopic(t *testing.T) {
	t.Parallel()

	pub := &capturePublisher{}
	history := memory.New()
	r := New(pub, Config{History: history})
	r.Register("count", passthrough(func(ctx context.Context, rep *Reporter) error {
		rep.SetTotal(3)
		rep.Add(1)
		rep.Detail("one down")
		return nil
	}))

	handle, err := r.Start(context.Background(), "count", nil)
	require.NoError(t, err)
	waitForRun(t, history, handle, store.RunSuccess)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.NotEmpty(t, pub.topics)
	for _, topic := range pub.topics {
		require.Equal(t, progress.Topic(handle), topic)
	}
	require.Len(t, pub.updates, 3)
	require.NotNil(t, pub.updates[0].Total)
	require.EqualValues(t, 3, *pub.updates[0].Total)
	require.NotNil(t, pub.updates[1].ProgressInc)
}

func TestStartRejectsUnknownTask(t *testing.T) {
	t.Parallel()

	r := New(&capturePublisher{}, Config{})
	_, err := r.Start(context.Background(), "nope", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not registered")
}

func TestStartRejectsBadParams(t *testing.T) {
	t.Parallel()

	r := New(&capturePublisher{}, Config{})
	r.Register("picky", func(params map[string]string) (TaskFunc, error) {
		if params["path"] == "" {
			return nil, errors.New("path is required")
		}
		return func(context.Context, *Reporter) error { return nil }, nil
	})

	_, err := r.Start(context.Background(), "picky", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "path is required")
}

func TestCancelReturnsFalseSecondTime(t *testing.T) {
	t.Parallel()

	history := memory.New()
	r := New(&capturePublisher{}, Config{History: history})
	started := make(chan struct{})
	r.Register("block", passthrough(func(ctx context.Context, rep *Reporter) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))

	handle, err := r.Start(context.Background(), "block", nil)
	require.NoError(t, err)
	<-started
	require.True(t, r.Running(handle))

	require.True(t, r.Cancel(handle))
	require.False(t, r.Cancel(handle))
	require.False(t, r.Cancel("no-such-handle"))

	run := waitForRun(t, history, handle, store.RunCancelled)
	require.NotNil(t, run.FinishedAt)
	require.False(t, r.Running(handle))
}

func TestTaskErrorRecordsFailureBanner(t *testing.T) {
	t.Parallel()

	pub := &capturePublisher{}
	history := memory.New()
	r := New(pub, Config{History: history})
	r.Register("boom", passthrough(func(context.Context, *Reporter) error {
		return errors.New("disk full")
	}))

	handle, err := r.Start(context.Background(), "boom", nil)
	require.NoError(t, err)

	run := waitForRun(t, history, handle, store.RunError)
	require.NotNil(t, run.ErrorMessage)
	require.Equal(t, "disk full", *run.ErrorMessage)

	details := pub.details()
	require.Len(t, details, 1)
	require.True(t, strings.HasPrefix(details[0], "----- FAILED -----"))
	require.Contains(t, details[0], "disk full")
}

func TestTaskPanicRecordsError(t *testing.T) {
	t.Parallel()

	pub := &capturePublisher{}
	history := memory.New()
	r := New(pub, Config{History: history})
	r.Register("explode", passthrough(func(context.Context, *Reporter) error {
		panic("bad index")
	}))

	handle, err := r.Start(context.Background(), "explode", nil)
	require.NoError(t, err)

	run := waitForRun(t, history, handle, store.RunError)
	require.NotNil(t, run.ErrorMessage)
	require.Contains(t, *run.ErrorMessage, "bad index")
	require.Contains(t, strings.Join(pub.details(), "\n"), "----- FAILED -----")
}

func TestOnCompleteHookFires(t *testing.T) {
	t.Parallel()

	var (
		mu         sync.Mutex
		gotHandle  string
		gotStatus  store.RunStatus
		hookCalled bool
	)
	r := New(&capturePublisher{}, Config{
		History: memory.New(),
		OnComplete: func(handle string, status store.RunStatus) {
			mu.Lock()
			defer mu.Unlock()
			gotHandle, gotStatus, hookCalled = handle, status, true
		},
	})
	r.Register("quick", passthrough(func(context.Context, *Reporter) error { return nil }))

	handle, err := r.Start(context.Background(), "quick", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return hookCalled
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, handle, gotHandle)
	require.Equal(t, store.RunSuccess, gotStatus)
}

func TestShutdownCancelsLiveJobs(t *testing.T) {
	t.Parallel()

	history := memory.New()
	r := New(&capturePublisher{}, Config{History: history})
	started := make(chan struct{})
	r.Register("block", passthrough(func(ctx context.Context, rep *Reporter) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))

	handle, err := r.Start(context.Background(), "block", nil)
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
	waitForRun(t, history, handle, store.RunCancelled)
}

func TestReporterCancellationSurface(t *testing.T) {
	t.Parallel()

	j := &job{}
	rep := &Reporter{topic: progress.Topic("h"), pub: &capturePublisher{}, job: j}
	require.False(t, rep.Cancelled())
	require.NoError(t, rep.Err())

	j.cancelled.Store(true)
	require.True(t, rep.Cancelled())
	require.ErrorIs(t, rep.Err(), ErrCancelled)
}
