package replication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/downfa11-org/mmq/pkg/types"
	"go.uber.org/zap"
)

// ErrRetryable marks an error that Retry should retry after a backoff.
var ErrRetryable = errors.New("retryable replication error")

func Retryable(err error) error {
	return fmt.Errorf("%w: %w", ErrRetryable, err)
}

// Backoff yields exponentially growing intervals capped at max.
type Backoff struct {
	base    time.Duration
	max     time.Duration
	coeff   int
	attempt int
}

func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{base: base, max: max, coeff: 2}
}

func (b *Backoff) Next() time.Duration {
	d := b.base
	for i := 0; i < b.attempt && d < b.max; i++ {
		d *= time.Duration(b.coeff)
	}
	b.attempt++
	return min(d, b.max)
}

func (b *Backoff) Reset() { b.attempt = 0 }

// Retry runs fn until it succeeds, returns an error not marked with
// ErrRetryable, or ctx is done.
func Retry(ctx context.Context, b *Backoff, logger *zap.Logger, fn func(ctx context.Context) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return types.Cancelled(err)
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrRetryable) {
			return err
		}

		interval := b.Next()
		logger.Debug("retrying after error", zap.Duration("interval", interval), zap.Error(err))
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return types.Cancelled(ctx.Err())
		case <-t.C:
		}
	}
}
