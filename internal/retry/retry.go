// Package retry runs operations that may fail with transient infrastructure
// errors, backing off exponentially between attempts.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ghostlend/protocol/internal/domain"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts     uint64        // total attempts including the first
	InitialInterval time.Duration // first backoff
	MaxInterval     time.Duration // backoff ceiling
	AttemptTimeout  time.Duration // per-attempt deadline, zero for none
}

// DefaultPolicy is used when a component is not given one.
var DefaultPolicy = Policy{
	MaxAttempts:     4,
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	AttemptTimeout:  5 * time.Second,
}

// Do calls op until it succeeds, returns a non-transient error, the attempt
// budget is spent or ctx is done. The last error is returned unchanged.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 1
	}

	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = 0
	eb.Reset()

	b := backoff.WithContext(backoff.WithMaxRetries(eb, p.MaxAttempts-1), ctx)

	return backoff.Retry(func() error {
		attemptCtx := ctx
		if p.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
			defer cancel()
		}
		err := op(attemptCtx)
		if err == nil {
			return nil
		}
		if !domain.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}
