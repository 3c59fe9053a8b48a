package progress

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// RegistryConfig carries the watcher settings shared by every watcher a
// Registry opens, plus an optional fan-out callback invoked on every
// committed flush.
type RegistryConfig struct {
	Throttle    time.Duration
	MaxLogLines int
	Notify      func(handle string, n Notification)
	Logger      *zap.Logger
	Metrics     *Metrics
}

// Registry multiplexes one Watcher per observed job for consumers that
// address jobs by handle (the HTTP snapshot endpoint, egress forwarding).
// Ad-hoc consumers such as websocket streams create their own watchers.
type Registry struct {
	source Subscriber
	cfg    RegistryConfig

	mu       sync.Mutex
	watchers map[string]*Watcher
}

// NewRegistry returns an empty Registry.
func NewRegistry(source Subscriber, cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Registry{
		source:   source,
		cfg:      cfg,
		watchers: make(map[string]*Watcher),
	}
}

// Open returns the watcher bound to handle, creating and binding one if none
// exists yet.
func (r *Registry) Open(handle string) (*Watcher, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.watchers[handle]; ok {
		return w, nil
	}
	cfg := Config{
		Throttle:    r.cfg.Throttle,
		MaxLogLines: r.cfg.MaxLogLines,
		Logger:      r.cfg.Logger,
		Metrics:     r.cfg.Metrics,
	}
	if notify := r.cfg.Notify; notify != nil {
		cfg.Notify = func(n Notification) {
			notify(handle, n)
		}
	}
	w := NewWatcher(r.source, cfg)
	if err := w.Bind(handle); err != nil {
		return nil, err
	}
	r.watchers[handle] = w
	return w, nil
}

// Snapshot returns the committed state for handle, if it is being watched.
func (r *Registry) Snapshot(handle string) (Snapshot, bool) {
	r.mu.Lock()
	w, ok := r.watchers[handle]
	r.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return w.Snapshot(), true
}

// Close drains, tears down and forgets the watcher for handle. The drain
// commits whatever the open throttle window was still holding, so the
// returned snapshot is the complete final state, fit for archiving.
func (r *Registry) Close(handle string) (Snapshot, bool) {
	r.mu.Lock()
	w, ok := r.watchers[handle]
	if ok {
		delete(r.watchers, handle)
	}
	r.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	snap := w.Drain()
	w.Teardown()
	return snap, true
}

// CloseAll tears down every watcher. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	watchers := r.watchers
	r.watchers = make(map[string]*Watcher)
	r.mu.Unlock()
	for _, w := range watchers {
		w.Teardown()
	}
}
