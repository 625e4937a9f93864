package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/vibhavm/veilcall/internals/config"
	"github.com/vibhavm/veilcall/internals/cooldown"
	"github.com/vibhavm/veilcall/internals/lock"
	"github.com/vibhavm/veilcall/internals/match"
	"github.com/vibhavm/veilcall/internals/metrics"
)

// ewmaAlpha is the smoothing factor for the cycle latency average.
const ewmaAlpha = 0.1

// BatchStats is a snapshot of the batch engine's counters.
type BatchStats struct {
	CyclesRun          int64
	UsersProcessed     int64
	MatchesCreated     int64
	MatchesFailed      int64
	CooldownSkips      int64
	BackpressureEvents int64
	AvgCycleLatency    time.Duration
}

// BatchEngine periodically pairs queued users in FIFO order: adjacent
// pairing over the oldest waiters, batch cooldown filtering, and a
// concurrency cap on simultaneous match creations to avoid connection
// storms.
type BatchEngine struct {
	cfg       config.MatchConfig
	lock      *lock.Lock
	queue     *match.Queue
	cooldowns *cooldown.Ledger
	creator   *match.Creator
	logger    *zap.Logger
	sem       *semaphore.Weighted

	mu    sync.Mutex
	stats BatchStats
}

func NewBatchEngine(cfg config.MatchConfig, l *lock.Lock, queue *match.Queue, cooldowns *cooldown.Ledger, creator *match.Creator, logger *zap.Logger) *BatchEngine {
	return &BatchEngine{
		cfg:       cfg,
		lock:      l,
		queue:     queue,
		cooldowns: cooldowns,
		creator:   creator,
		logger:    logger,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrentCreates),
	}
}

// Start runs the matching loop until ctx is cancelled.
func (b *BatchEngine) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(b.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := b.RunCycle(ctx); err != nil {
					b.logger.Error("Batch matching cycle failed", zap.Error(err))
				}
			}
		}
	}()
}

// RunCycle executes one matching cycle under the global lock. A cycle that
// cannot take the lock is skipped; the users simply wait one more interval.
func (b *BatchEngine) RunCycle(ctx context.Context) error {
	start := time.Now()

	ownerID := uuid.NewString()
	if err := b.lock.Acquire(ctx, ownerID); err != nil {
		if errors.Is(err, lock.ErrLockUnavailable) {
			b.logger.Debug("Skipping batch cycle, lock held elsewhere")
			return nil
		}
		return err
	}
	defer func() {
		if err := b.lock.Release(ctx, ownerID); err != nil {
			b.logger.Warn("Failed to release matching lock", zap.Error(err))
		}
	}()

	size, err := b.queue.Size(ctx)
	if err != nil {
		return err
	}
	metrics.QueueDepth.Set(float64(size))

	// Backpressure: a deep queue widens this cycle's batch, capped.
	batchSize := b.cfg.BatchSize
	if size > int64(b.cfg.BackpressureThreshold) {
		batchSize *= 2
		if batchSize > b.cfg.MaxBatchSize {
			batchSize = b.cfg.MaxBatchSize
		}
		metrics.BackpressureEventsTotal.Inc()
		b.mu.Lock()
		b.stats.BackpressureEvents++
		b.mu.Unlock()
		b.logger.Info("Queue backpressure, widening batch",
			zap.Int64("queue_size", size),
			zap.Int("batch_size", batchSize),
		)
	}

	oldest, err := b.queue.PeekOldest(ctx, batchSize)
	if err != nil {
		return err
	}

	// Adjacent pairing over FIFO order: fairness over optimality.
	pairs := make([]cooldown.Pair, 0, len(oldest)/2)
	for i := 0; i+1 < len(oldest); i += 2 {
		pairs = append(pairs, cooldown.Pair{U1: oldest[i].Member, U2: oldest[i+1].Member})
	}

	allowed, err := b.cooldowns.CheckMany(ctx, pairs)
	if err != nil {
		return err
	}

	var (
		wg              sync.WaitGroup
		created, failed int64
		skipped         int64
	)
	var countMu sync.Mutex

	for i, pair := range pairs {
		if !allowed[i] {
			// Cooldown-blocked pairs stay queued for the next cycle.
			skipped++
			metrics.CooldownSkipsTotal.Inc()
			continue
		}

		if err := b.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(p cooldown.Pair) {
			defer wg.Done()
			defer b.sem.Release(1)

			_, createErr := b.creator.Create(ctx, p.U1, p.U2)
			countMu.Lock()
			if createErr != nil {
				failed++
			} else {
				created++
			}
			countMu.Unlock()
			metrics.RecordMatch("batch", createErr == nil)

			if createErr != nil && !errors.Is(createErr, match.ErrNotWaiting) && !errors.Is(createErr, match.ErrNotQueued) {
				b.logger.Error("Match creation failed",
					zap.String("user1", p.U1),
					zap.String("user2", p.U2),
					zap.Error(createErr),
				)
			}
		}(pair)
	}
	wg.Wait()

	elapsed := time.Since(start)
	metrics.CycleDurationSeconds.WithLabelValues("batch").Observe(elapsed.Seconds())

	b.mu.Lock()
	b.stats.CyclesRun++
	b.stats.UsersProcessed += int64(len(oldest))
	b.stats.MatchesCreated += created
	b.stats.MatchesFailed += failed
	b.stats.CooldownSkips += skipped
	if b.stats.AvgCycleLatency == 0 {
		b.stats.AvgCycleLatency = elapsed
	} else {
		b.stats.AvgCycleLatency = time.Duration(
			ewmaAlpha*float64(elapsed) + (1-ewmaAlpha)*float64(b.stats.AvgCycleLatency),
		)
	}
	b.mu.Unlock()

	return nil
}

// Stats returns a snapshot of the engine counters.
func (b *BatchEngine) Stats() BatchStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}
