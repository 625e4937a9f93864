package state

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/vibhavm/veilcall/internals/store"
)

var (
	// ErrNotInState is returned by MoveBetweenStates when the user is not a
	// member of the source state set.
	ErrNotInState = errors.New("state: user not in source state")

	// ErrUnknownState guards against typo'd state names reaching the store.
	ErrUnknownState = errors.New("state: unknown state")
)

// Manager owns the per-state membership sets. Each set is ordered by entry
// timestamp, which doubles as the FIFO position for WAITING.
type Manager struct {
	store  store.Store
	logger *zap.Logger
}

func NewManager(s store.Store, logger *zap.Logger) *Manager {
	return &Manager{store: s, logger: logger}
}

// Score converts a timestamp to the membership score used in state sets.
func Score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// ScoreTime converts a membership score back to a timestamp.
func ScoreTime(score float64) time.Time {
	return time.UnixMilli(int64(score))
}

// AddToState inserts the user into the given state set at timestamp ts.
func (m *Manager) AddToState(ctx context.Context, userID string, st State, ts time.Time) error {
	if !Valid(st) {
		return fmt.Errorf("%w: %s", ErrUnknownState, st)
	}
	return m.store.ZAdd(ctx, store.StateKey(string(st)), userID, Score(ts))
}

// RemoveFromState removes the user from the given state set. It reports
// whether the user was a member.
func (m *Manager) RemoveFromState(ctx context.Context, userID string, st State) (bool, error) {
	if !Valid(st) {
		return false, fmt.Errorf("%w: %s", ErrUnknownState, st)
	}
	return m.store.ZRem(ctx, store.StateKey(string(st)), userID)
}

// MoveBetweenStates moves the user from one state set to another as
// remove-then-add, verifying source membership first.
func (m *Manager) MoveBetweenStates(ctx context.Context, userID string, from, to State, ts time.Time) error {
	if !Valid(from) || !Valid(to) {
		return fmt.Errorf("%w: %s -> %s", ErrUnknownState, from, to)
	}

	removed, err := m.store.ZRem(ctx, store.StateKey(string(from)), userID)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("%w: user %s not in %s", ErrNotInState, userID, from)
	}

	if err := m.store.ZAdd(ctx, store.StateKey(string(to)), userID, Score(ts)); err != nil {
		// Put the membership back so the user is not lost between sets.
		if readdErr := m.store.ZAdd(ctx, store.StateKey(string(from)), userID, Score(ts)); readdErr != nil {
			m.logger.Error("Failed to restore state membership after move failure",
				zap.String("user_id", userID),
				zap.String("state", string(from)),
				zap.Error(readdErr),
			)
		}
		return err
	}
	return nil
}

// GetInState returns all members of a state set in timestamp order.
func (m *Manager) GetInState(ctx context.Context, st State) ([]store.ScoredMember, error) {
	return m.store.ZRangeByScore(ctx, store.StateKey(string(st)), math.Inf(-1), math.Inf(1))
}

// GetInStateRange returns members whose entry timestamp falls in [since, until].
func (m *Manager) GetInStateRange(ctx context.Context, st State, since, until time.Time) ([]store.ScoredMember, error) {
	return m.store.ZRangeByScore(ctx, store.StateKey(string(st)), Score(since), Score(until))
}

// GetOldestInState returns up to n members with the oldest entry timestamps.
func (m *Manager) GetOldestInState(ctx context.Context, st State, n int) ([]store.ScoredMember, error) {
	return m.store.ZOldest(ctx, store.StateKey(string(st)), n)
}

// CountInState returns the size of a state set.
func (m *Manager) CountInState(ctx context.Context, st State) (int64, error) {
	return m.store.ZCard(ctx, store.StateKey(string(st)))
}

// Contains reports membership of a single state set.
func (m *Manager) Contains(ctx context.Context, userID string, st State) (bool, error) {
	_, ok, err := m.store.ZScore(ctx, store.StateKey(string(st)), userID)
	return ok, err
}

// GetCurrentState scans every state set for the user. A user found in more
// than one set violates the single-membership invariant; the violation is
// logged and the most recent membership is reported.
func (m *Manager) GetCurrentState(ctx context.Context, userID string) (State, bool, error) {
	var (
		found     []State
		best      State
		bestScore float64
	)

	for _, st := range AllStates {
		score, ok, err := m.store.ZScore(ctx, store.StateKey(string(st)), userID)
		if err != nil {
			return "", false, err
		}
		if !ok {
			continue
		}
		found = append(found, st)
		if len(found) == 1 || score > bestScore {
			best = st
			bestScore = score
		}
	}

	if len(found) == 0 {
		return "", false, nil
	}
	if len(found) > 1 {
		names := make([]string, len(found))
		for i, st := range found {
			names[i] = string(st)
		}
		m.logger.Warn("User present in multiple state sets",
			zap.String("user_id", userID),
			zap.Strings("states", names),
		)
	}
	return best, true, nil
}

// CleanupStale removes members older than maxAge from every state set and
// returns per-state removal counts.
func (m *Manager) CleanupStale(ctx context.Context, maxAge time.Duration) (map[State]int64, error) {
	cutoff := Score(time.Now().Add(-maxAge))
	removed := make(map[State]int64, len(AllStates))

	for _, st := range AllStates {
		n, err := m.store.ZRemRangeByScore(ctx, store.StateKey(string(st)), math.Inf(-1), cutoff)
		if err != nil {
			return removed, err
		}
		if n > 0 {
			removed[st] = n
			m.logger.Warn("Removed stale state memberships",
				zap.String("state", string(st)),
				zap.Int64("count", n),
				zap.Duration("max_age", maxAge),
			)
		}
	}
	return removed, nil
}
