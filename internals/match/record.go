package match

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vibhavm/veilcall/internals/metrics"
	"github.com/vibhavm/veilcall/internals/store"
)

// Record is one active match. Immutable once created; deleted when the
// session ends or the TTL sweeps it away.
type Record struct {
	SessionID string    `json:"session_id"`
	RoomName  string    `json:"room_name"`
	User1     string    `json:"user1"`
	User2     string    `json:"user2"`
	CreatedAt time.Time `json:"created_at"`
}

// Partner returns the other member of the match, or "" when userID is not a
// member.
func (r *Record) Partner(userID string) string {
	switch userID {
	case r.User1:
		return r.User2
	case r.User2:
		return r.User1
	default:
		return ""
	}
}

// Contains reports whether userID is a member of the match.
func (r *Record) Contains(userID string) bool {
	return userID == r.User1 || userID == r.User2
}

// Registry persists match records and the userId -> sessionId reverse index,
// both TTL-bound. The reverse index doubles as the active-match table the
// pairing engines re-check before committing.
type Registry struct {
	store  store.Store
	logger *zap.Logger
	ttl    time.Duration
}

func NewRegistry(s store.Store, ttl time.Duration, logger *zap.Logger) *Registry {
	return &Registry{store: s, logger: logger, ttl: ttl}
}

// Save writes the record and both reverse-index entries. A partial write is
// cleaned up before the error is returned so no half-persisted match leaks.
func (reg *Registry) Save(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal match record: %w", err)
	}

	written := make([]string, 0, 3)
	cleanup := func() {
		if len(written) == 0 {
			return
		}
		if _, delErr := reg.store.Del(ctx, written...); delErr != nil {
			reg.logger.Error("Failed to clean up partial match record",
				zap.String("session_id", rec.SessionID),
				zap.Error(delErr),
			)
		}
	}

	matchKey := store.MatchKey(rec.SessionID)
	if err := reg.store.Set(ctx, matchKey, string(data), reg.ttl); err != nil {
		return fmt.Errorf("persist match record: %w", err)
	}
	written = append(written, matchKey)

	for _, userID := range []string{rec.User1, rec.User2} {
		key := store.UserMatchKey(userID)
		if err := reg.store.Set(ctx, key, rec.SessionID, reg.ttl); err != nil {
			cleanup()
			return fmt.Errorf("persist match reverse index for %s: %w", userID, err)
		}
		written = append(written, key)
	}

	metrics.ActiveMatches.Inc()
	return nil
}

// Get returns the record for sessionID, or nil when it does not exist.
func (reg *Registry) Get(ctx context.Context, sessionID string) (*Record, error) {
	data, ok, err := reg.store.Get(ctx, store.MatchKey(sessionID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal match record %s: %w", sessionID, err)
	}
	return &rec, nil
}

// GetByUser resolves the user's active match through the reverse index. A
// dangling reverse entry (record already expired) is self-healed.
func (reg *Registry) GetByUser(ctx context.Context, userID string) (*Record, error) {
	sessionID, ok, err := reg.store.Get(ctx, store.UserMatchKey(userID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	rec, err := reg.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		reg.logger.Warn("Dangling match reverse index, removing",
			zap.String("user_id", userID),
			zap.String("session_id", sessionID),
		)
		if _, delErr := reg.store.Del(ctx, store.UserMatchKey(userID)); delErr != nil {
			return nil, delErr
		}
		return nil, nil
	}
	return rec, nil
}

// IsActive reports whether the user appears in the active-match table.
func (reg *Registry) IsActive(ctx context.Context, userID string) (bool, error) {
	n, err := reg.store.Exists(ctx, store.UserMatchKey(userID))
	return n > 0, err
}

// Delete removes the record and both reverse-index entries. It returns the
// deleted record so callers can release the associated room.
func (reg *Registry) Delete(ctx context.Context, sessionID string) (*Record, error) {
	rec, err := reg.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	keys := []string{
		store.MatchKey(sessionID),
		store.UserMatchKey(rec.User1),
		store.UserMatchKey(rec.User2),
	}
	if _, err := reg.store.Del(ctx, keys...); err != nil {
		return nil, err
	}

	metrics.ActiveMatches.Dec()
	reg.logger.Info("Match deleted",
		zap.String("session_id", sessionID),
		zap.String("room_name", rec.RoomName),
	)
	return rec, nil
}
