package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vibhavm/veilcall/internals/config"
	"github.com/vibhavm/veilcall/internals/cooldown"
	"github.com/vibhavm/veilcall/internals/lock"
	"github.com/vibhavm/veilcall/internals/match"
	"github.com/vibhavm/veilcall/internals/metrics"
	"github.com/vibhavm/veilcall/internals/store"
)

// ProcessorStats is a snapshot of the queue processor's counters.
type ProcessorStats struct {
	CyclesRun         int64
	EntriesScanned    int64
	DuplicatesPruned  int64
	OrphansDowngraded int64
	MatchesCreated    int64
	MatchesFailed     int64
	AvgCycleLatency   time.Duration
}

// Processor is the priority-aware pairing task. Every queue entry carries a
// composite score: priority entries keep their raw timestamp while plain
// entries are pushed behind by a large offset, so previously-interrupted
// users are always matched before newcomers.
type Processor struct {
	cfg           config.MatchConfig
	matchCooldown time.Duration
	lock          *lock.Lock
	store         store.Store
	queue         *match.Queue
	registry      *match.Registry
	cooldowns     *cooldown.Ledger
	creator       *match.Creator
	logger        *zap.Logger

	mu    sync.Mutex
	stats ProcessorStats
}

func NewProcessor(cfg config.MatchConfig, matchCooldown time.Duration, l *lock.Lock, s store.Store, queue *match.Queue, registry *match.Registry, cooldowns *cooldown.Ledger, creator *match.Creator, logger *zap.Logger) *Processor {
	return &Processor{
		cfg:           cfg,
		matchCooldown: matchCooldown,
		lock:          l,
		store:         s,
		queue:         queue,
		registry:      registry,
		cooldowns:     cooldowns,
		creator:       creator,
		logger:        logger,
	}
}

// Start runs the processing loop until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.RunCycle(ctx); err != nil {
					p.logger.Error("Queue processing cycle failed", zap.Error(err))
				}
			}
		}
	}()
}

// RunCycle executes one pairing pass under the global lock.
func (p *Processor) RunCycle(ctx context.Context) error {
	start := time.Now()

	ownerID := uuid.NewString()
	if err := p.lock.Acquire(ctx, ownerID); err != nil {
		if errors.Is(err, lock.ErrLockUnavailable) {
			p.logger.Debug("Skipping processor cycle, lock held elsewhere")
			return nil
		}
		return err
	}
	defer func() {
		if err := p.lock.Release(ctx, ownerID); err != nil {
			p.logger.Warn("Failed to release matching lock", zap.Error(err))
		}
	}()

	entries, err := p.queue.PendingEntries(ctx)
	if err != nil {
		return err
	}

	entries, pruned, err := p.dedupe(ctx, entries)
	if err != nil {
		return err
	}

	downgraded, err := p.healOrphans(ctx, entries)
	if err != nil {
		return err
	}

	offset := float64(p.cfg.PriorityOffset.Milliseconds())
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CompositeScore(offset) < entries[j].CompositeScore(offset)
	})

	created, failed := p.pair(ctx, entries)

	elapsed := time.Since(start)
	metrics.CycleDurationSeconds.WithLabelValues("priority").Observe(elapsed.Seconds())

	p.mu.Lock()
	p.stats.CyclesRun++
	p.stats.EntriesScanned += int64(len(entries))
	p.stats.DuplicatesPruned += int64(pruned)
	p.stats.OrphansDowngraded += int64(downgraded)
	p.stats.MatchesCreated += created
	p.stats.MatchesFailed += failed
	if p.stats.AvgCycleLatency == 0 {
		p.stats.AvgCycleLatency = elapsed
	} else {
		p.stats.AvgCycleLatency = time.Duration(
			ewmaAlpha*float64(elapsed) + (1-ewmaAlpha)*float64(p.stats.AvgCycleLatency),
		)
	}
	p.mu.Unlock()

	return nil
}

// dedupe keeps the earliest entry per user and removes the rest from the
// queue. PendingEntries already dropped unparseable members.
func (p *Processor) dedupe(ctx context.Context, entries []match.Entry) ([]match.Entry, int, error) {
	kept := make([]match.Entry, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	var pruned int

	// entries arrive in ascending score order, so the first occurrence per
	// user is the earliest.
	for _, e := range entries {
		if seen[e.UserID] {
			if _, err := p.queue.RemovePendingMember(ctx, e); err != nil {
				return nil, pruned, err
			}
			pruned++
			metrics.RecordQueueRepair("duplicate")
			p.logger.Warn("Removed duplicate queue entry",
				zap.String("user_id", e.UserID),
				zap.Bool("priority", e.Priority),
			)
			continue
		}
		seen[e.UserID] = true
		kept = append(kept, e)
	}
	return kept, pruned, nil
}

// healOrphans downgrades priority entries whose user no longer has either an
// active match or a live left-behind entry, so a stuck priority flag cannot
// permanently starve normal users.
func (p *Processor) healOrphans(ctx context.Context, entries []match.Entry) (int, error) {
	var downgraded int
	for i, e := range entries {
		if !e.Priority {
			continue
		}

		active, err := p.registry.IsActive(ctx, e.UserID)
		if err != nil {
			return downgraded, err
		}
		if active {
			continue
		}

		n, err := p.store.Exists(ctx, store.LeftBehindKey(e.UserID))
		if err != nil {
			return downgraded, err
		}
		if n > 0 {
			continue
		}

		if err := p.queue.Downgrade(ctx, e); err != nil {
			return downgraded, err
		}
		entries[i].Priority = false
		downgraded++
		metrics.RecordQueueRepair("orphan_priority")
		p.logger.Warn("Downgraded orphaned priority entry",
			zap.String("user_id", e.UserID),
		)
	}
	return downgraded, nil
}

// pair scans entries in composite order and, for each unmatched user, takes
// the first eligible partner further down the queue.
func (p *Processor) pair(ctx context.Context, entries []match.Entry) (created, failed int64) {
	consumed := make(map[string]bool, len(entries))

	for i, e := range entries {
		if consumed[e.UserID] {
			continue
		}

		// Second line of defense beyond the lock: never pair a user the
		// active-match table already claims.
		if active, err := p.registry.IsActive(ctx, e.UserID); err != nil || active {
			continue
		}

		for j := i + 1; j < len(entries); j++ {
			candidate := entries[j]
			if consumed[candidate.UserID] || candidate.UserID == e.UserID {
				continue
			}
			if active, err := p.registry.IsActive(ctx, candidate.UserID); err != nil || active {
				continue
			}
			// Cooldowns always hold in the general scan. The left-behind
			// bypass is reserved for the recovery path, which clears the
			// departed pair's cooldown itself.
			ok, err := p.cooldowns.CanRematch(ctx, e.UserID, candidate.UserID, false)
			if err != nil || !ok {
				continue
			}

			rec, createErr := p.creator.Create(ctx, e.UserID, candidate.UserID)
			metrics.RecordMatch("priority", createErr == nil)
			if createErr != nil {
				failed++
				if !errors.Is(createErr, match.ErrNotWaiting) && !errors.Is(createErr, match.ErrNotQueued) {
					p.logger.Error("Match creation failed",
						zap.String("user1", e.UserID),
						zap.String("user2", candidate.UserID),
						zap.Error(createErr),
					)
				}
				break
			}

			if err := p.cooldowns.SetCooldown(ctx, e.UserID, candidate.UserID, p.matchCooldown); err != nil {
				p.logger.Warn("Failed to set post-match cooldown",
					zap.String("session_id", rec.SessionID),
					zap.Error(err),
				)
			}
			consumed[e.UserID] = true
			consumed[candidate.UserID] = true
			created++
			break
		}
	}
	return created, failed
}

// Stats returns a snapshot of the processor counters.
func (p *Processor) Stats() ProcessorStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
