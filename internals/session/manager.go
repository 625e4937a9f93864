package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vibhavm/veilcall/internals/alone"
	"github.com/vibhavm/veilcall/internals/config"
	"github.com/vibhavm/veilcall/internals/cooldown"
	"github.com/vibhavm/veilcall/internals/match"
	"github.com/vibhavm/veilcall/internals/rooms"
	"github.com/vibhavm/veilcall/internals/state"
	"github.com/vibhavm/veilcall/internals/store"
)

// ErrNotInMatch is returned when the caller names a session they are not a
// member of.
var ErrNotInMatch = errors.New("session: user not a member of this match")

// Manager is the engine's inbound surface: the operations the request layer
// calls into. It owns no policy of its own; it sequences the coordinator,
// queue, match registry, cooldown ledger and recovery handler.
type Manager struct {
	cfg       *config.Config
	store     store.Store
	states    *state.Manager
	coord     *state.Coordinator
	queue     *match.Queue
	registry  *match.Registry
	cooldowns *cooldown.Ledger
	recovery  *alone.Handler
	prov      rooms.Provisioner
	logger    *zap.Logger
}

func NewManager(cfg *config.Config, s store.Store, states *state.Manager, coord *state.Coordinator, queue *match.Queue, registry *match.Registry, cooldowns *cooldown.Ledger, recovery *alone.Handler, prov rooms.Provisioner, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		store:     s,
		states:    states,
		coord:     coord,
		queue:     queue,
		registry:  registry,
		cooldowns: cooldowns,
		recovery:  recovery,
		prov:      prov,
		logger:    logger,
	}
}

// Enqueue puts the user into the matching queue. Re-enqueueing while already
// WAITING is a no-op so repeated requests cannot reset queue position.
func (m *Manager) Enqueue(ctx context.Context, userID string) error {
	cur, ok, err := m.states.GetCurrentState(ctx, userID)
	if err != nil {
		return err
	}
	if ok && cur == state.StateWaiting {
		return m.Heartbeat(ctx, userID)
	}

	if _, err := m.coord.PerformTransition(ctx, userID, state.StateWaiting); err != nil {
		return err
	}
	if err := m.queue.AddPending(ctx, userID, false, time.Now()); err != nil {
		return err
	}

	m.logger.Info("User enqueued", zap.String("user_id", userID))
	return m.Heartbeat(ctx, userID)
}

// Skip ends the caller's current call and requeues both members. The caller
// rejoins as a normal waiter under a skip-length cooldown against the
// partner; the interrupted partner rejoins with priority.
func (m *Manager) Skip(ctx context.Context, userID, sessionID string) error {
	return m.endCall(ctx, userID, sessionID, state.StateWaiting, m.cfg.Cooldown.SkipTTL)
}

// End finishes the call. The caller returns to IDLE; the interrupted
// partner is requeued with priority under a match-length cooldown.
func (m *Manager) End(ctx context.Context, userID, sessionID string) error {
	return m.endCall(ctx, userID, sessionID, state.StateIdle, m.cfg.Cooldown.MatchTTL)
}

func (m *Manager) endCall(ctx context.Context, userID, sessionID string, callerTo state.State, cooldownTTL time.Duration) error {
	rec, err := m.registry.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if rec == nil || !rec.Contains(userID) {
		return fmt.Errorf("%w: user %s session %s", ErrNotInMatch, userID, sessionID)
	}
	partner := rec.Partner(userID)

	// Wind the call down for both members, all-or-nothing.
	if _, err := m.coord.PerformBatchTransitions(ctx, []state.TransitionRequest{
		{UserID: userID, To: state.StateDisconnecting},
		{UserID: partner, To: state.StateDisconnecting},
	}); err != nil {
		return err
	}

	if _, err := m.registry.Delete(ctx, sessionID); err != nil {
		return err
	}
	if err := m.prov.DeleteRoom(ctx, rec.RoomName); err != nil {
		m.logger.Warn("Failed to delete room",
			zap.String("room_name", rec.RoomName),
			zap.Error(err),
		)
	}

	if err := m.cooldowns.SetCooldown(ctx, userID, partner, cooldownTTL); err != nil {
		return err
	}

	// The partner was interrupted: mark them left behind so their priority
	// entry survives orphan healing. The cooldown set above still binds
	// this pair in the general pairing scan.
	if err := m.markLeftBehind(ctx, partner, userID); err != nil {
		return err
	}

	if _, err := m.coord.PerformBatchTransitions(ctx, []state.TransitionRequest{
		{UserID: userID, To: callerTo},
		{UserID: partner, To: state.StateWaiting},
	}); err != nil {
		return err
	}

	now := time.Now()
	if callerTo == state.StateWaiting {
		if err := m.queue.AddPending(ctx, userID, false, now); err != nil {
			return err
		}
	}
	if err := m.queue.AddPending(ctx, partner, true, now); err != nil {
		return err
	}

	m.logger.Info("Call ended",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID),
		zap.String("partner_id", partner),
		zap.String("caller_to", string(callerTo)),
	)
	return nil
}

func (m *Manager) markLeftBehind(ctx context.Context, userID, departedID string) error {
	entry := alone.LeftBehindEntry{UserID: userID, DepartedID: departedID, Since: time.Now()}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, store.LeftBehindKey(userID), string(data), m.cfg.Alone.TrackingTTL)
}

// Heartbeat refreshes the user's liveness marker so consistency sweeps
// spare them.
func (m *Manager) Heartbeat(ctx context.Context, userID string) error {
	return m.store.Set(ctx, store.HeartbeatKey(userID), "1", m.cfg.State.HeartbeatTTL)
}

// CheckMatch reports the user's active match, confirming the
// CONNECTING -> IN_CALL hop on first observation.
func (m *Manager) CheckMatch(ctx context.Context, userID string) (*match.Record, error) {
	rec, err := m.registry.GetByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	cur, ok, err := m.states.GetCurrentState(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ok && cur == state.StateConnecting {
		if _, err := m.coord.PerformTransition(ctx, userID, state.StateInCall); err != nil {
			m.logger.Warn("Failed to confirm in-call transition",
				zap.String("user_id", userID),
				zap.Error(err),
			)
		}
	}
	return rec, nil
}

// CheckDisconnect is the explicit disconnect signal: the departing user's
// partner is recovered through the event-driven left-behind path, and the
// departing user is cleaned up to IDLE.
func (m *Manager) CheckDisconnect(ctx context.Context, userID string) error {
	rec, err := m.registry.GetByUser(ctx, userID)
	if err != nil {
		return err
	}
	if rec != nil {
		partner := rec.Partner(userID)
		if err := m.recovery.HandleLeftBehind(ctx, partner, userID); err != nil {
			m.logger.Error("Left-behind recovery failed",
				zap.String("user_id", partner),
				zap.Error(err),
			)
		}
	}

	if _, err := m.queue.RemovePending(ctx, userID); err != nil {
		return err
	}
	if _, err := m.coord.ForceTransition(ctx, userID, state.StateIdle); err != nil {
		return err
	}
	if _, err := m.store.Del(ctx, store.HeartbeatKey(userID)); err != nil {
		return err
	}

	m.logger.Info("User disconnected", zap.String("user_id", userID))
	return nil
}
