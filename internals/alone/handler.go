package alone

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vibhavm/veilcall/internals/config"
	"github.com/vibhavm/veilcall/internals/cooldown"
	"github.com/vibhavm/veilcall/internals/lock"
	"github.com/vibhavm/veilcall/internals/match"
	"github.com/vibhavm/veilcall/internals/metrics"
	"github.com/vibhavm/veilcall/internals/rooms"
	"github.com/vibhavm/veilcall/internals/state"
	"github.com/vibhavm/veilcall/internals/store"
)

// TrackingEntry records that a user has been observed alone in a room.
type TrackingEntry struct {
	UserID      string    `json:"user_id"`
	RoomName    string    `json:"room_name"`
	Since       time.Time `json:"since"`
	LastChecked time.Time `json:"last_checked"`
}

// LeftBehindEntry marks a user abandoned by their partner. While it lives,
// the cooldown ledger's left-behind bypass applies and the user's priority
// queue entry is legitimate.
type LeftBehindEntry struct {
	UserID     string    `json:"user_id"`
	DepartedID string    `json:"departed_id,omitempty"`
	Since      time.Time `json:"since"`
}

// immediateCandidates bounds the queue scan during an immediate rematch
// attempt.
const immediateCandidates = 10

// Handler detects users stranded after their partner disappears and resets
// them into high-priority rematching. Two trigger paths converge on the
// same recovery: sustained single-occupancy telemetry, and explicit
// disconnect signals.
type Handler struct {
	cfg       config.AloneConfig
	store     store.Store
	coord     *state.Coordinator
	queue     *match.Queue
	registry  *match.Registry
	cooldowns *cooldown.Ledger
	creator   *match.Creator
	matchLock *lock.Lock
	prov      rooms.Provisioner
	logger    *zap.Logger
}

func NewHandler(cfg config.AloneConfig, s store.Store, coord *state.Coordinator, queue *match.Queue, registry *match.Registry, cooldowns *cooldown.Ledger, creator *match.Creator, matchLock *lock.Lock, prov rooms.Provisioner, logger *zap.Logger) *Handler {
	return &Handler{
		cfg:       cfg,
		store:     s,
		coord:     coord,
		queue:     queue,
		registry:  registry,
		cooldowns: cooldowns,
		creator:   creator,
		matchLock: matchLock,
		prov:      prov,
		logger:    logger,
	}
}

// Start runs the debounce check and tracking sweep loops until ctx is
// cancelled.
func (h *Handler) Start(ctx context.Context) {
	go func() {
		check := time.NewTicker(h.cfg.CheckInterval)
		sweep := time.NewTicker(h.cfg.SweepInterval)
		defer check.Stop()
		defer sweep.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-check.C:
				if err := h.CheckAlone(ctx); err != nil {
					h.logger.Error("Alone check failed", zap.Error(err))
				}
			case <-sweep.C:
				if err := h.SweepTracking(ctx); err != nil {
					h.logger.Error("Tracking sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// HandleOccupancy consumes one telemetry event. Exactly one participant
// starts (or refreshes) alone tracking; anything else clears tracking for
// the reported users.
func (h *Handler) HandleOccupancy(ctx context.Context, ev rooms.OccupancyEvent) error {
	if ev.ParticipantCount == 1 && len(ev.UserIDs) == 1 {
		return h.track(ctx, ev.UserIDs[0], ev.RoomName)
	}

	for _, userID := range ev.UserIDs {
		if _, err := h.store.Del(ctx, store.AloneKey(userID)); err != nil {
			return err
		}
	}
	return nil
}

// track writes or refreshes the tracking entry, preserving the original
// since timestamp so the debounce measures sustained aloneness.
func (h *Handler) track(ctx context.Context, userID, roomName string) error {
	now := time.Now()
	entry := TrackingEntry{UserID: userID, RoomName: roomName, Since: now, LastChecked: now}

	if data, ok, err := h.store.Get(ctx, store.AloneKey(userID)); err != nil {
		return err
	} else if ok {
		var existing TrackingEntry
		if err := json.Unmarshal([]byte(data), &existing); err == nil && existing.RoomName == roomName {
			entry.Since = existing.Since
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return h.store.Set(ctx, store.AloneKey(userID), string(data), h.cfg.TrackingTTL)
}

// CheckAlone walks the tracking entries and recovers users whose sustained
// aloneness exceeds the debounce threshold. Occupancy is re-verified
// immediately before acting so a stale entry never triggers a reset.
func (h *Handler) CheckAlone(ctx context.Context) error {
	keys, err := h.store.Scan(ctx, store.KeyPrefixAlone+"*")
	if err != nil {
		return err
	}

	now := time.Now()
	for _, key := range keys {
		data, ok, err := h.store.Get(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		var entry TrackingEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			h.logger.Warn("Dropping unparseable tracking entry", zap.String("key", key))
			if _, err := h.store.Del(ctx, key); err != nil {
				return err
			}
			continue
		}

		if now.Sub(entry.Since) < h.cfg.Debounce {
			continue
		}

		occupants, err := h.prov.RoomOccupants(ctx, entry.RoomName)
		if err != nil {
			h.logger.Warn("Occupancy re-verification failed",
				zap.String("room_name", entry.RoomName),
				zap.Error(err),
			)
			continue
		}
		if len(occupants) != 1 || occupants[0] != entry.UserID {
			// Join-order race or the room resolved itself; stop tracking.
			if _, err := h.store.Del(ctx, key); err != nil {
				return err
			}
			continue
		}

		var departed string
		if rec, err := h.registry.GetByUser(ctx, entry.UserID); err == nil && rec != nil {
			departed = rec.Partner(entry.UserID)
		}

		if err := h.Recover(ctx, entry.UserID, departed, "occupancy"); err != nil {
			h.logger.Error("Alone recovery failed",
				zap.String("user_id", entry.UserID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// HandleLeftBehind is the event-driven path: the disconnect signal names
// the abandoned peer directly, so no debounce applies.
func (h *Handler) HandleLeftBehind(ctx context.Context, abandonedID, departedID string) error {
	return h.Recover(ctx, abandonedID, departedID, "disconnect")
}

// Recover resets an abandoned user into high-priority rematching. The
// operation is idempotent: a per-user lock plus a processing marker collapse
// concurrent triggers from both paths into one execution.
func (h *Handler) Recover(ctx context.Context, userID, departedID, trigger string) error {
	ok, err := h.store.SetNX(ctx, store.RecoveringKey(userID), "1", 10*time.Second)
	if err != nil {
		return err
	}
	if !ok {
		h.logger.Debug("Recovery already in progress", zap.String("user_id", userID))
		return nil
	}

	token := uuid.NewString()
	ok, err = h.store.SetNX(ctx, store.UserLockKey(userID), token, 10*time.Second)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	defer func() {
		if _, err := h.store.CompareAndDelete(ctx, store.UserLockKey(userID), token); err != nil {
			h.logger.Warn("Failed to release user lock", zap.String("user_id", userID), zap.Error(err))
		}
	}()

	// Mark the user left-behind first: the entry activates the cooldown
	// bypass and legitimizes the priority queue entry written below.
	lbe := LeftBehindEntry{UserID: userID, DepartedID: departedID, Since: time.Now()}
	lbData, err := json.Marshal(lbe)
	if err != nil {
		return err
	}
	if err := h.store.Set(ctx, store.LeftBehindKey(userID), string(lbData), h.cfg.TrackingTTL); err != nil {
		return err
	}

	// Clear room, queue and match state.
	if rec, err := h.registry.GetByUser(ctx, userID); err != nil {
		return err
	} else if rec != nil {
		if departedID == "" {
			departedID = rec.Partner(userID)
		}
		if _, err := h.registry.Delete(ctx, rec.SessionID); err != nil {
			return err
		}
		if err := h.prov.DeleteRoom(ctx, rec.RoomName); err != nil {
			h.logger.Warn("Failed to delete abandoned room",
				zap.String("room_name", rec.RoomName),
				zap.Error(err),
			)
		}
	}
	if _, err := h.queue.RemovePending(ctx, userID); err != nil {
		return err
	}

	// Unblock an immediate rematch with the departed partner, should they
	// return.
	if departedID != "" {
		if err := h.cooldowns.Clear(ctx, userID, departedID); err != nil {
			return err
		}
	}

	if _, err := h.coord.ForceTransition(ctx, userID, state.StateWaiting); err != nil {
		return err
	}
	if err := h.queue.AddPending(ctx, userID, true, time.Now()); err != nil {
		return err
	}

	// Try an immediate match; otherwise the priority entry keeps the user
	// at the head of the queue.
	if matched, err := h.tryImmediateMatch(ctx, userID); err != nil {
		h.logger.Warn("Immediate rematch attempt failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	} else if matched {
		h.logger.Info("Left-behind user immediately rematched", zap.String("user_id", userID))
	}

	if _, err := h.store.Del(ctx, store.AloneKey(userID)); err != nil {
		return err
	}

	metrics.RecordAloneRecovery(trigger)
	h.logger.Info("Left-behind user recovered",
		zap.String("user_id", userID),
		zap.String("departed_id", departedID),
		zap.String("trigger", trigger),
	)
	return nil
}

// tryImmediateMatch pairs the recovered user under the global matching
// lock. When the lock is contended the attempt is skipped; the priority
// queue entry already guarantees head-of-line service on the next cycle.
func (h *Handler) tryImmediateMatch(ctx context.Context, userID string) (bool, error) {
	ownerID := uuid.NewString()
	if err := h.matchLock.Acquire(ctx, ownerID); err != nil {
		if errors.Is(err, lock.ErrLockUnavailable) {
			h.logger.Debug("Skipping immediate rematch, matching lock held elsewhere",
				zap.String("user_id", userID),
			)
			return false, nil
		}
		return false, err
	}
	defer func() {
		if err := h.matchLock.Release(ctx, ownerID); err != nil {
			h.logger.Warn("Failed to release matching lock", zap.Error(err))
		}
	}()

	candidates, err := h.queue.PeekOldest(ctx, immediateCandidates)
	if err != nil {
		return false, err
	}

	for _, sm := range candidates {
		if sm.Member == userID {
			continue
		}
		ok, err := h.cooldowns.CanRematch(ctx, userID, sm.Member, true)
		if err != nil || !ok {
			continue
		}
		if _, err := h.creator.Create(ctx, userID, sm.Member); err != nil {
			continue
		}
		return true, nil
	}
	return false, nil
}

// SweepTracking purges tracking entries older than the sweep age, bounding
// memory even if TTLs misbehave.
func (h *Handler) SweepTracking(ctx context.Context) error {
	for _, prefix := range []string{store.KeyPrefixAlone, store.KeyPrefixLeftBehind} {
		keys, err := h.store.Scan(ctx, prefix+"*")
		if err != nil {
			return err
		}

		cutoff := time.Now().Add(-h.cfg.SweepMaxAge)
		for _, key := range keys {
			data, ok, err := h.store.Get(ctx, key)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}

			var stamp struct {
				Since time.Time `json:"since"`
			}
			if err := json.Unmarshal([]byte(data), &stamp); err != nil || stamp.Since.Before(cutoff) {
				if _, err := h.store.Del(ctx, key); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
