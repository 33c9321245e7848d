package objstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/procurehq/vmp/pkg/api"
)

// FSStore is a filesystem-backed blob store for lite deployments. Signed
// URLs point at the portal's own /blob endpoint and carry an HS256 token
// minted by the URLSigner.
type FSStore struct {
	baseDir string
	signer  *URLSigner
	mu      sync.RWMutex
}

// NewFSStore creates a blob store rooted at baseDir.
func NewFSStore(baseDir string, signer *URLSigner) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("objstore: failed to ensure blob dir: %w", err)
	}
	return &FSStore{baseDir: baseDir, signer: signer}, nil
}

func (s *FSStore) path(key string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(key))
}

// Put writes the blob to disk via a temp file and rename. The content
// type is not persisted; readers derive it from the key's extension.
func (s *FSStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(key)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: blob %s already stored", api.ErrConflict, key)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("objstore: failed to ensure blob dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("objstore: failed to write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("objstore: failed to commit blob: %w", err)
	}
	return nil
}

func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: blob %s", api.ErrNotFound, key)
		}
		return nil, fmt.Errorf("objstore: failed to open blob: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("objstore: failed to read blob: %w", err)
	}
	return data, nil
}

func (s *FSStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("objstore: failed to delete blob: %w", err)
	}
	return nil
}

// SignedURL mints a local URL of the form
// {base}/blob/{key}?token={hs256}. The token binds the key and expiry.
func (s *FSStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	if s.signer == nil {
		return "", fmt.Errorf("%w: blob URL signer not configured", api.ErrUnavailable)
	}
	return s.signer.Sign(key, ttl)
}
