// Package blob defines the artifact store abstraction used to persist
// finished job logs.
package blob

import (
	"context"
	"io"
)

// Store persists named artifacts. Implementations return a URI locating the
// stored object (file://, gs://, mem://).
type Store interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Noop discards every object. Used when archiving is disabled.
type Noop struct{}

// PutObject drains r and reports an empty URI.
func (Noop) PutObject(_ context.Context, _ string, _ string, r io.Reader) (string, error) {
	_, err := io.Copy(io.Discard, r)
	return "", err
}
