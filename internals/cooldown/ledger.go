package cooldown

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vibhavm/veilcall/internals/store"
)

// Pair is an unordered user pair.
type Pair struct {
	U1 string
	U2 string
}

// Ledger holds self-expiring, order-independent suppression entries that
// keep two specific users from being immediately rematched.
type Ledger struct {
	store  store.Store
	logger *zap.Logger
}

func NewLedger(s store.Store, logger *zap.Logger) *Ledger {
	return &Ledger{store: s, logger: logger}
}

// SetCooldown suppresses rematching between u1 and u2 for ttl. Different
// scenarios use different TTLs: short after a normal match, longer after an
// explicit skip.
func (l *Ledger) SetCooldown(ctx context.Context, u1, u2 string, ttl time.Duration) error {
	if err := l.store.Set(ctx, store.CooldownKey(u1, u2), "1", ttl); err != nil {
		return err
	}
	l.logger.Debug("Cooldown set",
		zap.String("user1", u1),
		zap.String("user2", u2),
		zap.Duration("ttl", ttl),
	)
	return nil
}

// Clear removes the pair's cooldown entry, if any.
func (l *Ledger) Clear(ctx context.Context, u1, u2 string) error {
	_, err := l.store.Del(ctx, store.CooldownKey(u1, u2))
	return err
}

// CanRematch reports whether the pair may be matched. With the left-behind
// bypass, a pair is always rematchable while either user has an active
// left-behind entry, so an abandoned user is never blocked from an
// immediate retry with a returning partner.
func (l *Ledger) CanRematch(ctx context.Context, u1, u2 string, bypassForLeftBehind bool) (bool, error) {
	if bypassForLeftBehind {
		n, err := l.store.Exists(ctx, store.LeftBehindKey(u1), store.LeftBehindKey(u2))
		if err != nil {
			return false, err
		}
		if n > 0 {
			return true, nil
		}
	}

	n, err := l.store.Exists(ctx, store.CooldownKey(u1, u2))
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// CheckMany batches existence checks for candidate pairs so batch matching
// costs one round trip instead of one per pair. The result is parallel to
// pairs: true means the pair is clear to match.
func (l *Ledger) CheckMany(ctx context.Context, pairs []Pair) ([]bool, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(pairs))
	for i, p := range pairs {
		keys[i] = store.CooldownKey(p.U1, p.U2)
	}

	exists, err := l.store.ExistsEach(ctx, keys)
	if err != nil {
		return nil, err
	}

	allowed := make([]bool, len(pairs))
	for i, e := range exists {
		allowed[i] = !e
	}
	return allowed, nil
}
