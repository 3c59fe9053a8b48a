package runner

import (
	"errors"
	"fmt"

	"github.com/jobwatch-dev/jobwatch/internal/progress"
)

// ErrCancelled is returned by Reporter.Err once the job has been cancelled.
var ErrCancelled = errors.New("job cancelled")

// Publisher is the bus-facing surface the runner needs.
type Publisher interface {
	Publish(topic string, u progress.Update)
}

// Reporter is handed to each running task to publish progress on the job's
// topic and to observe cancellation. It is safe for use from multiple task
// goroutines.
type Reporter struct {
	topic string
	pub   Publisher
	job   *job
}

// Report publishes a raw payload. Most tasks use the typed helpers instead.
func (r *Reporter) Report(u progress.Update) {
	r.pub.Publish(r.topic, u)
}

// Set publishes an absolute completed count.
func (r *Reporter) Set(n uint64) {
	r.Report(progress.SetProgress(n))
}

// Add publishes a completed-count delta.
func (r *Reporter) Add(n uint64) {
	r.Report(progress.AddProgress(n))
}

// SetTotal publishes the denominator.
func (r *Reporter) SetTotal(n uint64) {
	r.Report(progress.SetTotal(n))
}

// Detail publishes one log line.
func (r *Reporter) Detail(text string) {
	r.Report(progress.Detail(text))
}

// Detailf publishes one formatted log line.
func (r *Reporter) Detailf(format string, args ...any) {
	r.Detail(fmt.Sprintf(format, args...))
}

// Cancelled reports whether the job has been cancelled. Long-running tasks
// should poll it between units of work.
func (r *Reporter) Cancelled() bool {
	return r.job.cancelled.Load()
}

// Err returns ErrCancelled once the job has been cancelled, nil otherwise.
// Convenient as an early-return guard inside loops.
func (r *Reporter) Err() error {
	if r.Cancelled() {
		return ErrCancelled
	}
	return nil
}
