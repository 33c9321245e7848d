//go:build gcs

package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"

	"github.com/procurehq/vmp/pkg/api"
)

// GCSStore stores blobs in a Google Cloud Storage bucket. The client
// authenticates through Application Default Credentials.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig holds the settings for a GCS-backed store.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore creates a GCS-backed blob store.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("objstore: gcs bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("objstore: failed to create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) object(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + key)
}

// Put uploads the blob. DoesNotExist makes the write create-only.
func (s *GCSStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	obj := s.object(key).If(storage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	w.ContentType = contentType

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("objstore: gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		var gerr *storage.Error
		if errors.As(err, &gerr) {
			return fmt.Errorf("%w: blob %s already stored", api.ErrConflict, key)
		}
		return fmt.Errorf("objstore: gcs close failed: %w", err)
	}
	return nil
}

func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	r, err := s.object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: blob %s", api.ErrNotFound, key)
		}
		return nil, fmt.Errorf("objstore: gcs get failed for %s: %w", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("objstore: gcs read failed for %s: %w", key, err)
	}
	return data, nil
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := s.object(key).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("objstore: gcs delete failed for %s: %w", key, err)
	}
	return nil
}

// SignedURL mints a V4 signed GET URL using the client credentials.
func (s *GCSStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	u, err := s.client.Bucket(s.bucket).SignedURL(s.prefix+key, &storage.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(ttl),
		Scheme:  storage.SigningSchemeV4,
	})
	if err != nil {
		return "", fmt.Errorf("objstore: gcs sign failed for %s: %w", key, err)
	}
	return u, nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

func newGCSStore(ctx context.Context, bucket, prefix string) (BlobStore, error) {
	return NewGCSStore(ctx, GCSConfig{Bucket: bucket, Prefix: prefix})
}
