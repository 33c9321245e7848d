//go:build !gcs

package objstore

import (
	"context"
	"fmt"
)

func newGCSStore(ctx context.Context, bucket, prefix string) (BlobStore, error) {
	return nil, fmt.Errorf("objstore: GCS storage is not enabled in this build (use -tags gcs)")
}
