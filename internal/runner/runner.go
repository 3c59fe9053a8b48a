// Package runner executes registered background tasks and publishes their
// progress on the bus, one topic per job handle.
package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jobwatch-dev/jobwatch/internal/clock"
	"github.com/jobwatch-dev/jobwatch/internal/progress"
	"github.com/jobwatch-dev/jobwatch/internal/store"
)

// TaskFunc is one unit of background work. It reports progress through rep
// and should return promptly once ctx is done or rep.Cancelled() turns true.
type TaskFunc func(ctx context.Context, rep *Reporter) error

// TaskFactory builds a TaskFunc from the free-form submission params,
// validating them up front so Start can reject bad requests synchronously.
type TaskFactory func(params map[string]string) (TaskFunc, error)

// Config wires the runner's collaborators.
type Config struct {
	History    store.HistoryRepository
	Clock      clock.Clock
	Logger     *zap.Logger
	Metrics *Metrics
	// OnStart runs synchronously before the job goroutine launches, so
	// progress subscribers can bind before the first update is published.
	OnStart    func(handle string)
	OnComplete func(handle string, status store.RunStatus)
}

// Runner owns the registry of task factories and the set of live jobs.
type Runner struct {
	pub        Publisher
	history    store.HistoryRepository
	clock      clock.Clock
	logger     *zap.Logger
	metrics    *Metrics
	onStart    func(handle string)
	onComplete func(handle string, status store.RunStatus)

	mu     sync.Mutex
	tasks  map[string]TaskFactory
	active map[string]*job

	wg sync.WaitGroup
}

type job struct {
	id        uuid.UUID
	cancelled atomic.Bool
	cancel    context.CancelFunc
}

// New constructs a Runner publishing to pub.
func New(pub Publisher, cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System{}
	}
	return &Runner{
		pub:        pub,
		history:    cfg.History,
		clock:      clk,
		logger:     logger,
		metrics:    cfg.Metrics,
		onStart:    cfg.OnStart,
		onComplete: cfg.OnComplete,
		tasks:      make(map[string]TaskFactory),
		active:     make(map[string]*job),
	}
}

// Register adds a task factory under name, replacing any previous one.
func (r *Runner) Register(name string, factory TaskFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[name] = factory
}

// Start validates params, records the run and launches the task on its own
// goroutine. The returned handle names the job's progress topic and its
// history row.
func (r *Runner) Start(ctx context.Context, name string, params map[string]string) (string, error) {
	r.mu.Lock()
	factory, ok := r.tasks[name]
	r.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("task %q not registered", name)
	}
	task, err := factory(params)
	if err != nil {
		return "", fmt.Errorf("task %q params: %w", name, err)
	}

	id := uuid.New()
	handle := id.String()
	if r.history != nil {
		if err := r.history.RecordStart(ctx, id, name, r.clock.Now()); err != nil {
			return "", fmt.Errorf("record run start: %w", err)
		}
	}

	// The job outlives the submitting request; it gets its own context.
	jobCtx, cancel := context.WithCancel(context.Background())
	j := &job{id: id, cancel: cancel}
	r.mu.Lock()
	r.active[handle] = j
	r.mu.Unlock()
	r.metrics.observeStart()
	if r.onStart != nil {
		r.onStart(handle)
	}

	r.logger.Info("job started", zap.String("job_id", handle), zap.String("task", name))
	r.wg.Add(1)
	go r.run(jobCtx, j, handle, name, task)
	return handle, nil
}

// Cancel marks the job cancelled and removes it from the live set. It
// returns true iff a live job was found, mirroring the reference cancel
// semantics: a second cancel of the same handle returns false.
func (r *Runner) Cancel(handle string) bool {
	r.mu.Lock()
	j, ok := r.active[handle]
	if ok {
		delete(r.active, handle)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	j.cancelled.Store(true)
	j.cancel()
	r.logger.Info("job cancelled", zap.String("job_id", handle))
	return true
}

// Running reports whether the handle names a live job.
func (r *Runner) Running(handle string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[handle]
	return ok
}

// Shutdown cancels every live job and waits for their goroutines, bounded by
// ctx.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	jobs := make([]*job, 0, len(r.active))
	for _, j := range r.active {
		jobs = append(jobs, j)
	}
	r.active = make(map[string]*job)
	r.mu.Unlock()
	for _, j := range jobs {
		j.cancelled.Store(true)
		j.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("runner shutdown wait: %w", ctx.Err())
	}
}

func (r *Runner) run(ctx context.Context, j *job, handle, name string, task TaskFunc) {
	defer r.wg.Done()
	rep := &Reporter{topic: progress.Topic(handle), pub: r.pub, job: j}

	status, errMsg := r.execute(ctx, j, rep, task)

	r.mu.Lock()
	delete(r.active, handle)
	r.mu.Unlock()
	// Late Cancelled() polls from stragglers inside the task see true.
	j.cancelled.Store(true)

	if r.history != nil {
		if err := r.history.Complete(context.Background(), j.id, r.clock.Now(), status, errMsg); err != nil {
			r.logger.Error("record run completion failed",
				zap.String("job_id", handle), zap.Error(err))
		}
	}
	r.metrics.observeComplete(status)
	r.logger.Info("job finished",
		zap.String("job_id", handle),
		zap.String("task", name),
		zap.String("status", string(status)),
	)
	if r.onComplete != nil {
		r.onComplete(handle, status)
	}
}

// execute runs the task, converting panics and errors into a final status
// plus a detail line on the job's own progress stream, the way the reference
// surfaces failures to the display.
func (r *Runner) execute(
	ctx context.Context,
	j *job,
	rep *Reporter,
	task TaskFunc,
) (status store.RunStatus, errMsg *string) {
	defer func() {
		if rec := recover(); rec != nil {
			msg := fmt.Sprintf("panic: %v", rec)
			rep.Detailf("----- FAILED -----\n%s", msg)
			r.logger.Error("job panicked", zap.String("job_id", j.id.String()), zap.Any("panic", rec))
			status = store.RunError
			errMsg = &msg
		}
	}()

	err := task(ctx, rep)
	switch {
	case j.cancelled.Load():
		return store.RunCancelled, nil
	case err != nil:
		msg := err.Error()
		rep.Detailf("----- FAILED -----\n%s", msg)
		return store.RunError, &msg
	default:
		return store.RunSuccess, nil
	}
}
