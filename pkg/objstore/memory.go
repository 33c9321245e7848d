package objstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/procurehq/vmp/pkg/api"
)

// MemoryStore is an in-process blob store used in tests and local
// development without a data directory.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]memoryBlob
}

type memoryBlob struct {
	data        []byte
	contentType string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]memoryBlob)}
}

func (s *MemoryStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[key]; ok {
		return fmt.Errorf("%w: blob %s already stored", api.ErrConflict, key)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.blobs[key] = memoryBlob{data: cp, contentType: contentType}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil, fmt.Errorf("%w: blob %s", api.ErrNotFound, key)
	}
	cp := make([]byte, len(b.data))
	copy(cp, b.data)
	return cp, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}

func (s *MemoryStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.blobs[key]; !ok {
		return "", fmt.Errorf("%w: blob %s", api.ErrNotFound, key)
	}
	return fmt.Sprintf("memory://%s?expires=%ds", key, int(ttl.Seconds())), nil
}

// Len reports the number of stored blobs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
