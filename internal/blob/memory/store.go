// Package memory implements an in-memory blob store for tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Object is one stored artifact.
type Object struct {
	ContentType string
	Data        []byte
}

// Store keeps objects in a map keyed by path.
type Store struct {
	mu      sync.Mutex
	objects map[string]Object
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{objects: make(map[string]Object)}
}

// PutObject stores the object and returns a mem:// URI.
func (s *Store) PutObject(_ context.Context, path string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read object: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = Object{ContentType: contentType, Data: data}
	return fmt.Sprintf("mem://%s", path), nil
}

// Get returns the stored object, if any.
func (s *Store) Get(path string) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[path]
	return obj, ok
}

// Len reports the number of stored objects.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
