// Package objstore provides the blob storage backends for evidence
// files. Blobs are keyed by the vault-generated storage key and writes
// are create-only: a key is written at most once and never overwritten.
package objstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/procurehq/vmp/pkg/api"
)

// BlobStore is the contract the evidence vault stores blobs against.
type BlobStore interface {
	// Put stores data under key with the given content type. Writing to
	// an existing key fails; the caller owns key uniqueness.
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Get retrieves the blob stored under key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes the blob under key. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key string) error
	// SignedURL returns a time-limited URL granting read access to key.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// ValidateKey rejects keys that could escape the store root. Keys are
// slash-separated paths produced by the vault, but the blob redemption
// endpoint also feeds user-supplied values through here.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty blob key", api.ErrValidation)
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: malformed blob key", api.ErrValidation)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: malformed blob key", api.ErrValidation)
		}
	}
	return nil
}
