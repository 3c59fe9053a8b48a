// Package progress implements the coalescing progress watcher: it subscribes
// to a job's raw update stream, merges bursts of partial updates into one
// pending record, and commits that record to a consumer-visible snapshot at a
// bounded rate.
package progress

// Update is one raw progress payload published by a running job. Every field
// is optional; a payload may carry any subset. Field semantics:
//   - Progress: absolute completed count, overwrites.
//   - ProgressInc: delta added to the completed count, accumulates.
//   - Total: absolute denominator, overwrites; 0 means indeterminate.
//   - Detail: one human-readable log line, appended.
type Update struct {
	Progress    *uint64 `json:"progress,omitempty"`
	ProgressInc *uint64 `json:"progressInc,omitempty"`
	Total       *uint64 `json:"total,omitempty"`
	Detail      *string `json:"detail,omitempty"`
}

// IsZero reports whether the payload carries no fields at all. Zero payloads
// merge as no-ops.
func (u Update) IsZero() bool {
	return u.Progress == nil && u.ProgressInc == nil && u.Total == nil && u.Detail == nil
}

// SetProgress returns an Update carrying an absolute completed count.
func SetProgress(n uint64) Update {
	return Update{Progress: &n}
}

// AddProgress returns an Update carrying a completed-count delta.
func AddProgress(n uint64) Update {
	return Update{ProgressInc: &n}
}

// SetTotal returns an Update carrying the denominator.
func SetTotal(n uint64) Update {
	return Update{Total: &n}
}

// Detail returns an Update carrying one log line.
func Detail(text string) Update {
	return Update{Detail: &text}
}

// Line is one committed detail-log entry. Seq reflects arrival order at the
// watcher and survives eviction unchanged.
type Line struct {
	Seq  uint64 `json:"seq"`
	Text string `json:"text"`
}

// Snapshot is the consumer-visible committed state of one watched job.
type Snapshot struct {
	// Handle names the job the snapshot belongs to; empty when unbound.
	Handle string `json:"handle,omitempty"`
	// Completed is the merged completed count.
	Completed uint64 `json:"completed"`
	// Total is the merged denominator; 0 means indeterminate.
	Total uint64 `json:"total"`
	// Lines is the bounded detail log in increasing Seq order.
	Lines []Line `json:"lines"`
}

// Fraction returns Completed/Total. ok is false when Total is 0
// (indeterminate). Values above 1 are possible when increments overshoot and
// are deliberately not clamped here.
func (s Snapshot) Fraction() (f float64, ok bool) {
	if s.Total == 0 {
		return 0, false
	}
	return float64(s.Completed) / float64(s.Total), true
}

// Notification accompanies each committed state change delivered to the
// consumer.
type Notification struct {
	Snapshot Snapshot
	// NewLines counts detail lines committed by this flush; consumers use a
	// non-zero value as the scroll-to-latest hint.
	NewLines int
}
