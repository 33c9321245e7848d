package objstore

import (
	"context"
	"fmt"
	"path/filepath"
)

// Options selects and configures a blob store backend.
type Options struct {
	// Type is "fs" (default), "s3", "gcs", or "memory".
	Type     string
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string

	// DataDir roots the fs store; blobs live under DataDir/evidence.
	DataDir string
	// SigningKey and BaseURL configure local signed URLs for the fs store.
	SigningKey string
	BaseURL    string
}

// New creates the blob store named by opts.Type.
func New(ctx context.Context, opts Options) (BlobStore, error) {
	switch opts.Type {
	case "", "fs":
		signer, err := NewURLSigner(opts.SigningKey, opts.BaseURL)
		if err != nil {
			return nil, err
		}
		return NewFSStore(filepath.Join(opts.DataDir, "evidence"), signer)
	case "s3":
		return NewS3Store(ctx, S3Config{
			Bucket:   opts.Bucket,
			Region:   opts.Region,
			Endpoint: opts.Endpoint,
			Prefix:   opts.Prefix,
		})
	case "gcs":
		return newGCSStore(ctx, opts.Bucket, opts.Prefix)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("objstore: unsupported storage type %q", opts.Type)
	}
}
