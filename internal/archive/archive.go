// Package archive persists the final progress log of a finished job to a
// blob store.
package archive

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jobwatch-dev/jobwatch/internal/blob"
	"github.com/jobwatch-dev/jobwatch/internal/clock"
	"github.com/jobwatch-dev/jobwatch/internal/progress"
	"github.com/jobwatch-dev/jobwatch/internal/store"
)

// Config wires the archiver.
type Config struct {
	// Prefix is prepended to every object path, e.g. "job-logs".
	Prefix string
	Clock  clock.Clock
	Logger *zap.Logger
}

// Archiver renders a job's final snapshot as a text log and uploads it.
type Archiver struct {
	store  blob.Store
	prefix string
	clock  clock.Clock
	logger *zap.Logger
}

// New builds an Archiver writing through bs.
func New(bs blob.Store, cfg Config) *Archiver {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System{}
	}
	return &Archiver{store: bs, prefix: cfg.Prefix, clock: clk, logger: logger}
}

// Archive uploads the snapshot's detail log as <prefix>/<handle>.log and
// returns the object URI.
func (a *Archiver) Archive(ctx context.Context, snap progress.Snapshot, status store.RunStatus) (string, error) {
	body := a.render(snap, status)
	objPath := path.Join(a.prefix, snap.Handle+".log")

	uri, err := a.store.PutObject(ctx, objPath, "text/plain; charset=utf-8", strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", snap.Handle, err)
	}
	a.logger.Info("job log archived",
		zap.String("job_id", snap.Handle),
		zap.String("uri", uri),
		zap.Int("lines", len(snap.Lines)),
	)
	return uri, nil
}

// render formats the log with a small header followed by one tab-separated
// line per retained detail entry. Sequence numbers make eviction gaps
// visible to the reader.
func (a *Archiver) render(snap progress.Snapshot, status store.RunStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# job %s\n", snap.Handle)
	fmt.Fprintf(&b, "# status %s\n", status)
	fmt.Fprintf(&b, "# progress %d/%d\n", snap.Completed, snap.Total)
	fmt.Fprintf(&b, "# archived %s\n", a.clock.Now().Format(time.RFC3339))
	for _, line := range snap.Lines {
		fmt.Fprintf(&b, "%d\t%s\n", line.Seq, line.Text)
	}
	return b.String()
}
