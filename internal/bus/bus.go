// Package bus provides the in-process publish/subscribe channel that carries
// raw progress payloads from running jobs to their watchers.
package bus

import (
	"errors"
	"sync"

	"github.com/jobwatch-dev/jobwatch/internal/progress"
)

// ErrClosed is returned by Subscribe after the bus has shut down.
var ErrClosed = errors.New("bus closed")

// Bus delivers payloads to topic subscribers in publish order, at most once
// each. Dispatch is synchronous under the bus lock, which makes unsubscribe a
// hard barrier: once the disposer returns, the handler will never run again.
// Handlers must therefore not call back into the bus.
type Bus struct {
	mu     sync.Mutex
	closed bool
	nextID uint64
	topics map[string][]subscription
}

type subscription struct {
	id      uint64
	handler func(progress.Update)
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{topics: make(map[string][]subscription)}
}

// Subscribe registers handler for topic and returns its disposer. The
// disposer is idempotent.
func (b *Bus) Subscribe(topic string, handler func(progress.Update)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.nextID++
	id := b.nextID
	b.topics[topic] = append(b.topics[topic], subscription{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.unsubscribe(topic, id)
		})
	}, nil
}

// Publish delivers u to every current subscriber of topic. Payloads published
// to a topic with no subscribers are dropped; there is no delivery guarantee
// beyond in-order, at-most-once for live subscriptions.
func (b *Bus) Publish(topic string, u progress.Update) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.topics[topic] {
		sub.handler(u)
	}
}

// Close drops all subscriptions; subsequent Subscribe calls fail with
// ErrClosed and publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.topics = make(map[string][]subscription)
}

func (b *Bus) unsubscribe(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[topic]
	for i, sub := range subs {
		if sub.id == id {
			b.topics[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.topics[topic]) == 0 {
		delete(b.topics, topic)
	}
}
