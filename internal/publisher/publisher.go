// Package publisher defines the egress interface used to push committed
// progress snapshots to external consumers.
package publisher

import "context"

// Publisher delivers a payload to a named topic and returns the broker's
// message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Noop drops every message. Used when egress is disabled.
type Noop struct{}

// Publish discards the payload.
func (Noop) Publish(context.Context, string, any) (string, error) {
	return "", nil
}
