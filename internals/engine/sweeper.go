package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vibhavm/veilcall/internals/config"
	"github.com/vibhavm/veilcall/internals/match"
	"github.com/vibhavm/veilcall/internals/metrics"
	"github.com/vibhavm/veilcall/internals/state"
	"github.com/vibhavm/veilcall/internals/store"
)

// Sweeper is the periodic consistency task. Queue inconsistencies are
// self-healed here rather than surfaced: duplicate entries, users present in
// more than one state set, stale memberships without a live heartbeat,
// waiting users missing a pending entry, and expired transaction records.
type Sweeper struct {
	cfg    config.StateConfig
	store  store.Store
	states *state.Manager
	coord  *state.Coordinator
	queue  *match.Queue
	logger *zap.Logger
}

func NewSweeper(cfg config.StateConfig, s store.Store, states *state.Manager, coord *state.Coordinator, queue *match.Queue, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		cfg:    cfg,
		store:  s,
		states: states,
		coord:  coord,
		queue:  queue,
		logger: logger,
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.RunSweep(ctx); err != nil {
					s.logger.Error("Consistency sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// RunSweep executes one full consistency pass.
func (s *Sweeper) RunSweep(ctx context.Context) error {
	if err := s.dedupeQueue(ctx); err != nil {
		return err
	}
	if err := s.repairMultiState(ctx); err != nil {
		return err
	}
	if err := s.removeStale(ctx); err != nil {
		return err
	}
	if err := s.requeueMissing(ctx); err != nil {
		return err
	}
	s.coord.PruneExpired()
	return nil
}

// dedupeQueue retains only the earliest pending entry per user.
func (s *Sweeper) dedupeQueue(ctx context.Context) error {
	entries, err := s.queue.PendingEntries(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !seen[e.UserID] {
			seen[e.UserID] = true
			continue
		}
		if _, err := s.queue.RemovePendingMember(ctx, e); err != nil {
			return err
		}
		metrics.RecordQueueRepair("duplicate")
		s.logger.Warn("Sweep removed duplicate queue entry",
			zap.String("user_id", e.UserID),
			zap.Bool("priority", e.Priority),
		)
	}
	return nil
}

// repairMultiState enforces the single-membership invariant: a user found in
// more than one state set keeps only the newest membership.
func (s *Sweeper) repairMultiState(ctx context.Context) error {
	type membership struct {
		st    state.State
		score float64
	}
	byUser := make(map[string][]membership)

	for _, st := range state.AllStates {
		members, err := s.states.GetInState(ctx, st)
		if err != nil {
			return err
		}
		for _, sm := range members {
			byUser[sm.Member] = append(byUser[sm.Member], membership{st: st, score: sm.Score})
		}
	}

	for userID, memberships := range byUser {
		if len(memberships) < 2 {
			continue
		}

		newest := memberships[0]
		for _, m := range memberships[1:] {
			if m.score > newest.score {
				newest = m
			}
		}

		names := make([]string, 0, len(memberships))
		for _, m := range memberships {
			names = append(names, string(m.st))
			if m.st == newest.st {
				continue
			}
			if _, err := s.states.RemoveFromState(ctx, userID, m.st); err != nil {
				return err
			}
		}
		metrics.RecordQueueRepair("multi_state")
		s.logger.Warn("Sweep repaired multi-state membership",
			zap.String("user_id", userID),
			zap.Strings("states", names),
			zap.String("kept", string(newest.st)),
		)
	}
	return nil
}

// requeueMissing restores a plain pending entry for any WAITING user who
// lost theirs, keeping them visible to the pairing engines. The entry
// reuses the WAITING timestamp so queue position is preserved.
func (s *Sweeper) requeueMissing(ctx context.Context) error {
	waiting, err := s.states.GetInState(ctx, state.StateWaiting)
	if err != nil {
		return err
	}
	if len(waiting) == 0 {
		return nil
	}

	entries, err := s.queue.PendingEntries(ctx)
	if err != nil {
		return err
	}
	queued := make(map[string]bool, len(entries))
	for _, e := range entries {
		queued[e.UserID] = true
	}

	for _, sm := range waiting {
		if queued[sm.Member] {
			continue
		}
		if err := s.queue.AddPending(ctx, sm.Member, false, state.ScoreTime(sm.Score)); err != nil {
			return err
		}
		metrics.RecordQueueRepair("missing_pending")
		s.logger.Warn("Sweep requeued waiting user without pending entry",
			zap.String("user_id", sm.Member),
		)
	}
	return nil
}

// removeStale drops state memberships older than the stale age unless the
// user still has a live heartbeat. Stale WAITING users also lose their
// pending queue entry.
func (s *Sweeper) removeStale(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.StaleMaxAge)

	for _, st := range state.AllStates {
		members, err := s.states.GetInStateRange(ctx, st, time.UnixMilli(0), cutoff)
		if err != nil {
			return err
		}

		for _, sm := range members {
			n, err := s.store.Exists(ctx, store.HeartbeatKey(sm.Member))
			if err != nil {
				return err
			}
			if n > 0 {
				continue
			}

			if _, err := s.states.RemoveFromState(ctx, sm.Member, st); err != nil {
				return err
			}
			if st == state.StateWaiting {
				if _, err := s.queue.RemovePending(ctx, sm.Member); err != nil {
					return err
				}
			}
			metrics.RecordQueueRepair("stale_membership")
			s.logger.Warn("Sweep removed stale state membership",
				zap.String("user_id", sm.Member),
				zap.String("state", string(st)),
				zap.Time("entered_at", state.ScoreTime(sm.Score)),
			)
		}
	}
	return nil
}
