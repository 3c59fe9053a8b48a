package progress

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TopicPrefix namespaces per-job update streams on the bus.
const TopicPrefix = "progress:"

// Topic returns the bus topic carrying updates for the given job handle.
func Topic(handle string) string {
	return TopicPrefix + handle
}

// Subscriber is the external channel the watcher consumes. Subscribe
// registers a handler for a topic and returns a disposer; after the disposer
// returns, no further deliveries are made to the handler. Payloads arrive in
// publish order, at most once each.
type Subscriber interface {
	Subscribe(topic string, handler func(Update)) (func(), error)
}

// Config controls coalescing and retention for a Watcher.
//   - Throttle: minimum interval between flushes (default 100ms).
//   - MaxLogLines: committed detail-log cap, oldest evicted first
//     (default 10000).
//   - Notify: optional consumer callback invoked after each flush with a
//     point-in-time copy of the committed state.
//   - Logger: optional structured logger used for warnings.
//   - Metrics: optional collectors updated on ingest/flush/evict.
type Config struct {
	Throttle    time.Duration
	MaxLogLines int
	Notify      func(Notification)
	Logger      *zap.Logger
	Metrics     *Metrics
}

const (
	defaultThrottle    = 100 * time.Millisecond
	defaultMaxLogLines = 10000
)

// Watcher observes one job at a time. Raw updates are merged into a pending
// record as they arrive; a single deferred timer commits the pending record
// onto the displayed snapshot at most once per throttle window. Bind, ingest
// and flush serialize behind one mutex, so the merge rules behave exactly as
// they would on a cooperative single-threaded loop.
type Watcher struct {
	source  Subscriber
	cfg     Config
	logger  *zap.Logger
	metrics *Metrics

	mu     sync.Mutex
	gen    uint64 // bumped by Bind/Teardown; stale timers and deliveries check it
	handle string
	unsub  func()

	timerArmed bool
	timer      *time.Timer

	// pending record, cleared on every flush
	hasAbsolute bool
	absolute    uint64
	increment   uint64
	hasTotal    bool
	total       uint64
	lines       []Line

	nextSeq uint64

	// committed display state
	committedDone  uint64
	committedTotal uint64
	log            []Line
}

// NewWatcher returns an unbound Watcher reading from source. Call Bind to
// start observing a job.
func NewWatcher(source Subscriber, cfg Config) *Watcher {
	if cfg.Throttle <= 0 {
		cfg.Throttle = defaultThrottle
	}
	if cfg.MaxLogLines <= 0 {
		cfg.MaxLogLines = defaultMaxLogLines
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		source:  source,
		cfg:     cfg,
		logger:  logger,
		metrics: cfg.Metrics,
	}
}

// Bind switches the watcher to the given job handle. Every call is a full
// reset — committed state, pending record, armed timer and the sequence
// counter are all discarded, even when the handle is unchanged (the reference
// behavior; callers wanting an identity fast-path must add it themselves).
// An empty handle means "no job". The previous subscription is released
// before the new one is established, so payloads can never leak across jobs.
// Subscribe failures are returned to the caller and leave the watcher
// unbound.
func (w *Watcher) Bind(handle string) error {
	w.mu.Lock()
	w.gen++
	gen := w.gen
	old := w.unsub
	w.unsub = nil
	w.disarmLocked()
	w.clearPendingLocked()
	w.committedDone = 0
	w.committedTotal = 0
	w.log = nil
	w.nextSeq = 0
	w.handle = handle
	w.mu.Unlock()

	if old != nil {
		old()
	}
	w.metrics.observeRebind()
	if handle == "" {
		return nil
	}

	unsub, err := w.source.Subscribe(Topic(handle), func(u Update) {
		w.ingest(gen, u)
	})
	if err != nil {
		w.mu.Lock()
		if w.gen == gen {
			w.handle = ""
		}
		w.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", Topic(handle), err)
	}

	w.mu.Lock()
	if w.gen != gen {
		// A newer Bind or Teardown won the race; this subscription is stale.
		w.mu.Unlock()
		unsub()
		return nil
	}
	w.unsub = unsub
	w.mu.Unlock()
	return nil
}

// Teardown releases the subscription and cancels any armed flush, discarding
// pending updates. The last committed snapshot stays readable.
func (w *Watcher) Teardown() {
	w.mu.Lock()
	w.gen++
	old := w.unsub
	w.unsub = nil
	w.disarmLocked()
	w.clearPendingLocked()
	w.mu.Unlock()

	if old != nil {
		old()
	}
}

// Handle returns the currently bound job handle ("" when unbound).
func (w *Watcher) Handle() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handle
}

// Snapshot returns a copy of the committed display state.
func (w *Watcher) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

func (w *Watcher) snapshotLocked() Snapshot {
	return Snapshot{
		Handle:    w.handle,
		Completed: w.committedDone,
		Total:     w.committedTotal,
		Lines:     append([]Line(nil), w.log...),
	}
}

// ingest merges one raw payload into the pending record and arms the flush
// timer if it is idle. gen pins the delivery to the subscription that
// registered the handler; deliveries racing a rebind are discarded.
func (w *Watcher) ingest(gen uint64, u Update) {
	if u.IsZero() {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if gen != w.gen {
		return
	}

	if u.Total != nil {
		w.total = *u.Total
		w.hasTotal = true
	}
	if u.Progress != nil {
		w.absolute = *u.Progress
		w.hasAbsolute = true
	}
	if u.ProgressInc != nil {
		w.increment += *u.ProgressInc
	}
	if u.Detail != nil {
		w.lines = append(w.lines, Line{Seq: w.nextSeq, Text: *u.Detail})
		w.nextSeq++
	}
	w.metrics.observeIngest(u)

	if !w.timerArmed {
		w.timerArmed = true
		w.timer = time.AfterFunc(w.cfg.Throttle, func() {
			w.flush(gen)
		})
	}
}

// Drain commits the pending record immediately, bypassing the throttle
// window, and returns the resulting snapshot. Intended for the moment a job
// finishes: the tail of the last window must land before the state is
// archived or torn down.
func (w *Watcher) Drain() Snapshot {
	w.mu.Lock()
	w.disarmLocked()
	note, notify := w.commitLocked()
	snap := w.snapshotLocked()
	w.mu.Unlock()

	if notify != nil {
		notify(note)
	}
	return snap
}

// flush commits the pending record onto the displayed state. It runs only
// from the armed timer, at most once per arming.
func (w *Watcher) flush(gen uint64) {
	w.mu.Lock()
	if gen != w.gen {
		w.mu.Unlock()
		return
	}
	w.timerArmed = false
	w.timer = nil
	note, notify := w.commitLocked()
	w.mu.Unlock()

	w.metrics.observeFlush()
	if notify != nil {
		notify(note)
	}
}

// commitLocked applies the pending record to the committed state in the
// reference order: total, then the absolute overwrite, then the accumulated
// increment, then the new detail lines.
func (w *Watcher) commitLocked() (Notification, func(Notification)) {
	if w.hasTotal {
		w.committedTotal = w.total
		w.hasTotal = false
	}
	// The absolute overwrite is applied before the accumulated increment:
	// within one window the increment rides on top of whichever baseline is
	// current, matching arrival-order semantics.
	if w.hasAbsolute {
		w.committedDone = w.absolute
		w.hasAbsolute = false
	}
	w.committedDone += w.increment
	w.increment = 0

	newLines := len(w.lines)
	if newLines > 0 {
		w.log = append(w.log, w.lines...)
		w.lines = nil
		if excess := len(w.log) - w.cfg.MaxLogLines; excess > 0 {
			w.log = w.log[excess:]
			w.metrics.observeEvicted(excess)
		}
	}

	notify := w.cfg.Notify
	var note Notification
	if notify != nil {
		note = Notification{Snapshot: w.snapshotLocked(), NewLines: newLines}
	}
	return note, notify
}

// disarmLocked cancels an armed timer. The generation bump that accompanies
// every call already neutralizes a timer that fired concurrently.
func (w *Watcher) disarmLocked() {
	if w.timerArmed && w.timer != nil {
		w.timer.Stop()
	}
	w.timerArmed = false
	w.timer = nil
}

func (w *Watcher) clearPendingLocked() {
	w.hasAbsolute = false
	w.absolute = 0
	w.increment = 0
	w.hasTotal = false
	w.total = 0
	w.lines = nil
}
