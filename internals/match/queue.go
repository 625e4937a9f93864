package match

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vibhavm/veilcall/internals/state"
	"github.com/vibhavm/veilcall/internals/store"
)

const (
	memberPrefixWaiting  = "w:"
	memberPrefixPriority = "p:"
)

// Entry is one pending-queue entry.
type Entry struct {
	UserID   string
	Priority bool
	Score    float64
}

// CompositeScore orders entries so priority entries always sort ahead of
// plain ones regardless of raw arrival time.
func (e Entry) CompositeScore(offset float64) float64 {
	if e.Priority {
		return e.Score
	}
	return e.Score + offset
}

func memberFor(userID string, priority bool) string {
	if priority {
		return memberPrefixPriority + userID
	}
	return memberPrefixWaiting + userID
}

func parseMember(member string) (Entry, bool) {
	switch {
	case strings.HasPrefix(member, memberPrefixPriority):
		return Entry{UserID: member[len(memberPrefixPriority):], Priority: true}, true
	case strings.HasPrefix(member, memberPrefixWaiting):
		return Entry{UserID: member[len(memberPrefixWaiting):]}, true
	default:
		return Entry{}, false
	}
}

// Queue is the matching queue: a thin FIFO view over the WAITING state set,
// plus the pending entry set the pairing engines consume. The two move
// together through the session operations; the consistency sweeper repairs
// any drift.
type Queue struct {
	store  store.Store
	states *state.Manager
	logger *zap.Logger
}

func NewQueue(s store.Store, states *state.Manager, logger *zap.Logger) *Queue {
	return &Queue{store: s, states: states, logger: logger}
}

// Size returns the number of users in WAITING.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	return q.states.CountInState(ctx, state.StateWaiting)
}

// Contains reports WAITING membership.
func (q *Queue) Contains(ctx context.Context, userID string) (bool, error) {
	return q.states.Contains(ctx, userID, state.StateWaiting)
}

// PeekOldest returns up to n of the longest-waiting users without removing
// them.
func (q *Queue) PeekOldest(ctx context.Context, n int) ([]store.ScoredMember, error) {
	return q.states.GetOldestInState(ctx, state.StateWaiting, n)
}

// AddPending inserts a pending entry at timestamp ts.
func (q *Queue) AddPending(ctx context.Context, userID string, priority bool, ts time.Time) error {
	return q.store.ZAdd(ctx, store.KeyPendingQueue, memberFor(userID, priority), state.Score(ts))
}

// restorePending re-adds a previously removed entry with its original score.
func (q *Queue) restorePending(ctx context.Context, e Entry) error {
	return q.store.ZAdd(ctx, store.KeyPendingQueue, memberFor(e.UserID, e.Priority), e.Score)
}

// RemovePending removes the user's pending entries (both plain and priority
// forms) and returns the earliest removed entry, or nil when none existed.
func (q *Queue) RemovePending(ctx context.Context, userID string) (*Entry, error) {
	var removed *Entry
	for _, priority := range []bool{true, false} {
		member := memberFor(userID, priority)
		score, ok, err := q.store.ZScore(ctx, store.KeyPendingQueue, member)
		if err != nil {
			return removed, err
		}
		if !ok {
			continue
		}
		taken, err := q.store.ZRem(ctx, store.KeyPendingQueue, member)
		if err != nil {
			return removed, err
		}
		if !taken {
			// Another matcher removed the member between the score read and
			// here; only the actual remover holds the claim.
			continue
		}
		e := Entry{UserID: userID, Priority: priority, Score: score}
		if removed == nil || e.Score < removed.Score {
			removed = &e
		}
	}
	return removed, nil
}

// RemovePendingMember removes one exact member form.
func (q *Queue) RemovePendingMember(ctx context.Context, e Entry) (bool, error) {
	return q.store.ZRem(ctx, store.KeyPendingQueue, memberFor(e.UserID, e.Priority))
}

// Downgrade replaces a priority entry with a plain one at the same
// timestamp, so the user keeps queue position but loses head-of-line status.
func (q *Queue) Downgrade(ctx context.Context, e Entry) error {
	if !e.Priority {
		return nil
	}
	if _, err := q.store.ZRem(ctx, store.KeyPendingQueue, memberFor(e.UserID, true)); err != nil {
		return err
	}
	return q.store.ZAdd(ctx, store.KeyPendingQueue, memberFor(e.UserID, false), e.Score)
}

// PendingEntries returns every parseable pending entry in score order.
// Unparseable members are removed and logged.
func (q *Queue) PendingEntries(ctx context.Context) ([]Entry, error) {
	members, err := q.store.ZOldest(ctx, store.KeyPendingQueue, 1<<20)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(members))
	for _, sm := range members {
		e, ok := parseMember(sm.Member)
		if !ok {
			q.logger.Warn("Dropping unparseable queue entry", zap.String("member", sm.Member))
			if _, err := q.store.ZRem(ctx, store.KeyPendingQueue, sm.Member); err != nil {
				return nil, err
			}
			continue
		}
		e.Score = sm.Score
		entries = append(entries, e)
	}
	return entries, nil
}
