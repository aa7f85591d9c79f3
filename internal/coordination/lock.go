package coordination

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mdedetrich/nakadi/internal/metrics"
	"github.com/mdedetrich/nakadi/pkg/id"
)

// locker is the per-backend primitive behind WithLock.
type locker interface {
	// tryLock takes key for owner unless another owner holds an unexpired
	// lease on it.
	tryLock(ctx context.Context, key, owner string, lease time.Duration) (bool, error)
	// unlock releases key if owner still holds it.
	unlock(ctx context.Context, key, owner string) error
}

var (
	errLockHeld = errors.New("lock held")
	owners      = id.NewGenerator()
)

// withLock polls l with exponential backoff until key is acquired or the lock
// timeout elapses, runs fn, then releases the lock with a context that
// survives cancellation of ctx.
func withLock(ctx context.Context, backend string, l locker, opts Options, key string, fn func(ctx context.Context) error) error {
	if err := ValidatePath(key); err != nil {
		return err
	}
	owner := owners.NextString()
	start := time.Now()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = opts.LockTimeout

	err := backoff.Retry(func() error {
		ok, err := l.tryLock(ctx, key, owner, opts.LockLease)
		if err != nil {
			return backoff.Permanent(unavailable("lock", key, err))
		}
		if !ok {
			return errLockHeld
		}
		return nil
	}, backoff.WithContext(b, ctx))

	switch {
	case err == nil:
		metrics.LockWait.WithLabelValues(backend, "acquired").Observe(time.Since(start).Seconds())
	case errors.Is(err, errLockHeld):
		metrics.LockWait.WithLabelValues(backend, "timeout").Observe(time.Since(start).Seconds())
		return ErrLockTimeout
	default:
		metrics.LockWait.WithLabelValues(backend, "error").Observe(time.Since(start).Seconds())
		return err
	}

	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.LockTimeout)
		defer cancel()
		_ = l.unlock(rctx, key, owner)
	}()
	return fn(ctx)
}
