// Package util holds small cross-cutting helpers shared by the core.
package util

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/procurehq/vmp/pkg/api"
)

// WithDeadline runs fn under a child context bounded by d. Every external
// call in the core (database, object store, signed-URL generation) goes
// through this one helper so no handler ever starts unbounded work.
// A deadline hit is reported as the retryable unavailable kind; caller
// cancellation passes through unchanged.
func WithDeadline(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	dctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	err := fn(dctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: operation exceeded %s", api.ErrUnavailable, d)
	}
	return err
}
