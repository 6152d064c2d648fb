// Package memstore is an in-memory blobstore.Store for tests and the no-cloud
// single-node mode, keeping the same upload/fetch contract the S3 backend
// implements so callers never branch on backend.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"simbatch/internal/blobstore"
)

type store struct {
	mu   sync.Mutex
	data map[string][]byte
}

func New() blobstore.Store {
	return &store{data: make(map[string][]byte)}
}

func (s *store) Upload(ctx context.Context, key string, body io.Reader) (string, error) {
	b, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.data[key] = b
	s.mu.Unlock()
	return "mem://" + key, nil
}

func (s *store) Fetch(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	b, ok := s.data[key]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("blob not found: %s", key)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (s *store) Health(ctx context.Context) error { return nil }
