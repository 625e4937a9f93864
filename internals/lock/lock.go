package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/vibhavm/veilcall/internals/metrics"
	"github.com/vibhavm/veilcall/internals/store"
)

// ErrLockUnavailable is returned when the lock could not be acquired within
// the retry budget. Callers treat this as "stay queued", never as a failure
// surfaced to the end user.
var ErrLockUnavailable = errors.New("lock: unavailable")

// Lock is the single global mutual-exclusion primitive serializing pairing
// operations. The store offers no cross-key transactions, so any operation
// touching more than one user's state must hold this lock.
type Lock struct {
	store       store.Store
	logger      *zap.Logger
	key         string
	tsKey       string
	ttl         time.Duration
	staleAfter  time.Duration
	maxRetries  uint64
	backoffBase time.Duration
}

type Config struct {
	TTL         time.Duration
	StaleAfter  time.Duration
	MaxRetries  int
	BackoffBase time.Duration
}

func New(s store.Store, cfg Config, logger *zap.Logger) *Lock {
	return &Lock{
		store:       s,
		logger:      logger,
		key:         store.KeyMatchLock,
		tsKey:       store.KeyMatchLockTS,
		ttl:         cfg.TTL,
		staleAfter:  cfg.StaleAfter,
		maxRetries:  uint64(cfg.MaxRetries),
		backoffBase: cfg.BackoffBase,
	}
}

// Acquire takes the lock for ownerID, reclaiming a stale lock first and
// retrying with exponential backoff on contention.
func (l *Lock) Acquire(ctx context.Context, ownerID string) error {
	backoff := retry.WithMaxRetries(l.maxRetries, retry.NewExponential(l.backoffBase))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := l.reclaimIfStale(ctx); err != nil {
			return err
		}

		ok, err := l.store.SetNX(ctx, l.key, ownerID, l.ttl)
		if err != nil {
			return err
		}
		if !ok {
			metrics.RecordLockContention()
			return retry.RetryableError(ErrLockUnavailable)
		}

		ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
		if err := l.store.Set(ctx, l.tsKey, ts, l.ttl); err != nil {
			// Without the timestamp the lock would be immune to staleness
			// detection; give it up rather than hold it unverifiable.
			_, _ = l.store.CompareAndDelete(ctx, l.key, ownerID)
			return err
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrLockUnavailable) {
			return ErrLockUnavailable
		}
		return fmt.Errorf("acquire lock: %w", err)
	}

	metrics.RecordLockAcquired()
	return nil
}

// Release frees the lock only when ownerID still holds it. Releasing a lock
// held by someone else is a no-op, not an error.
func (l *Lock) Release(ctx context.Context, ownerID string) error {
	deleted, err := l.store.CompareAndDelete(ctx, l.key, ownerID)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if deleted {
		if _, err := l.store.Del(ctx, l.tsKey); err != nil {
			l.logger.Warn("Failed to clear lock timestamp", zap.Error(err))
		}
	}
	return nil
}

// Holder returns the current owner token, if any.
func (l *Lock) Holder(ctx context.Context) (string, bool, error) {
	return l.store.Get(ctx, l.key)
}

// reclaimIfStale force-deletes a lock whose age exceeds the staleness
// threshold. The threshold is shorter than any legitimate hold time, so a
// lock this old belongs to a crashed or hung holder.
func (l *Lock) reclaimIfStale(ctx context.Context) error {
	val, ok, err := l.store.Get(ctx, l.tsKey)
	if err != nil || !ok {
		return err
	}

	acquiredMs, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		l.logger.Warn("Unparseable lock timestamp, reclaiming",
			zap.String("value", val),
		)
		acquiredMs = 0
	}

	age := time.Since(time.UnixMilli(acquiredMs))
	if age <= l.staleAfter {
		return nil
	}

	if _, err := l.store.Del(ctx, l.key, l.tsKey); err != nil {
		return err
	}
	metrics.RecordStaleLockReclaim()
	l.logger.Warn("Reclaimed stale lock",
		zap.Duration("age", age),
		zap.Duration("stale_after", l.staleAfter),
	)
	return nil
}
