package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vibhavm/veilcall/internals/events"
	"github.com/vibhavm/veilcall/internals/metrics"
)

var (
	// ErrInvalidTransition is returned when the target state is not reachable
	// from the user's current state per the adjacency table.
	ErrInvalidTransition = errors.New("state: invalid transition")

	// ErrTransactionNotFound is returned by RollbackTransaction for unknown IDs.
	ErrTransactionNotFound = errors.New("state: transaction not found")

	// ErrTransactionExpired is returned when the retention window has passed
	// and the transaction can no longer be undone.
	ErrTransactionExpired = errors.New("state: transaction expired")

	// ErrTransactionFinished is returned when the transaction was already
	// completed or rolled back.
	ErrTransactionFinished = errors.New("state: transaction already finished")
)

// Transaction records one applied transition for the rollback window.
type Transaction struct {
	ID         string
	UserID     string
	From       State // empty on first-time entry
	To         State
	Timestamp  time.Time
	Completed  bool
	RolledBack bool
}

// TransitionRequest is one leg of a batch transition.
type TransitionRequest struct {
	UserID string
	To     State
}

// Coordinator validates and applies state changes, keeps transient
// transaction records for compensation, and publishes lifecycle events.
type Coordinator struct {
	states    *Manager
	bus       *events.Bus
	logger    *zap.Logger
	retention time.Duration

	mu   sync.Mutex
	txns map[string]*Transaction
}

func NewCoordinator(states *Manager, bus *events.Bus, retention time.Duration, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		states:    states,
		bus:       bus,
		logger:    logger,
		retention: retention,
		txns:      make(map[string]*Transaction),
	}
}

// PerformTransition validates the requested change against the adjacency
// table, applies it, and registers a transaction for the rollback window.
// It returns the transaction ID.
func (c *Coordinator) PerformTransition(ctx context.Context, userID string, to State) (string, error) {
	now := time.Now()

	from, hasState, err := c.states.GetCurrentState(ctx, userID)
	if err != nil {
		c.publishFailed(userID, "", to, err.Error())
		return "", err
	}

	// A user with no current state may enter anywhere (first-time entry).
	if hasState && !CanTransition(from, to) {
		c.publishFailed(userID, from, to, "transition not allowed")
		return "", fmt.Errorf("%w: %s -> %s for user %s", ErrInvalidTransition, from, to, userID)
	}

	if hasState {
		err = c.states.MoveBetweenStates(ctx, userID, from, to, now)
	} else {
		err = c.states.AddToState(ctx, userID, to, now)
	}
	if err != nil {
		c.publishFailed(userID, from, to, err.Error())
		return "", err
	}

	txn := c.register(userID, from, to, now)
	c.publishTransitioned(txn, false, false)
	metrics.RecordTransition(string(to), false)
	return txn.ID, nil
}

// PerformBatchTransitions applies the legs sequentially. On the first
// failure every previously applied leg is reverted in reverse order, so
// callers observe all-or-nothing behavior. Returned transaction IDs are nil
// on failure.
func (c *Coordinator) PerformBatchTransitions(ctx context.Context, reqs []TransitionRequest) ([]string, error) {
	applied := make([]*Transaction, 0, len(reqs))

	for i, req := range reqs {
		txnID, err := c.PerformTransition(ctx, req.UserID, req.To)
		if err != nil {
			c.revert(ctx, applied)
			return nil, fmt.Errorf("batch leg %d (%s -> %s): %w", i, req.UserID, req.To, err)
		}
		c.mu.Lock()
		txn := c.txns[txnID]
		c.mu.Unlock()
		applied = append(applied, txn)
	}

	ids := make([]string, len(applied))
	for i, txn := range applied {
		ids[i] = txn.ID
	}
	return ids, nil
}

// revert undoes already-applied legs in reverse order.
func (c *Coordinator) revert(ctx context.Context, applied []*Transaction) {
	for i := len(applied) - 1; i >= 0; i-- {
		txn := applied[i]
		if err := c.undo(ctx, txn); err != nil {
			c.logger.Error("Failed to revert batch leg",
				zap.String("txn_id", txn.ID),
				zap.String("user_id", txn.UserID),
				zap.Error(err),
			)
			continue
		}
		c.mu.Lock()
		txn.RolledBack = true
		c.mu.Unlock()
		c.publishTransitioned(&Transaction{
			ID:        txn.ID,
			UserID:    txn.UserID,
			From:      txn.To,
			To:        txn.From,
			Timestamp: time.Now(),
		}, false, true)
		metrics.RollbacksTotal.Inc()
	}
}

// undo applies the inverse move of a recorded transition.
func (c *Coordinator) undo(ctx context.Context, txn *Transaction) error {
	if txn.From == "" {
		// First-time entry: the inverse is plain removal.
		_, err := c.states.RemoveFromState(ctx, txn.UserID, txn.To)
		return err
	}
	return c.states.MoveBetweenStates(ctx, txn.UserID, txn.To, txn.From, time.Now())
}

// ForceTransition bypasses the validity table, removing the user from every
// state set before inserting the target membership. Reserved for emergency
// and administrative cleanup; the emitted event is tagged forced.
func (c *Coordinator) ForceTransition(ctx context.Context, userID string, to State) (string, error) {
	now := time.Now()

	var from State
	for _, st := range AllStates {
		removed, err := c.states.RemoveFromState(ctx, userID, st)
		if err != nil {
			c.publishFailed(userID, from, to, err.Error())
			return "", err
		}
		if removed && from == "" {
			from = st
		}
	}

	if err := c.states.AddToState(ctx, userID, to, now); err != nil {
		c.publishFailed(userID, from, to, err.Error())
		return "", err
	}

	txn := c.register(userID, from, to, now)
	c.publishTransitioned(txn, true, false)
	metrics.RecordTransition(string(to), true)

	c.logger.Warn("Forced state transition",
		zap.String("user_id", userID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("txn_id", txn.ID),
	)
	return txn.ID, nil
}

// MarkCompleted finalizes a transaction so it can no longer be rolled back.
// Multi-step operations call this once every later step has committed.
func (c *Coordinator) MarkCompleted(txnID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if txn, ok := c.txns[txnID]; ok {
		txn.Completed = true
	}
}

// RollbackTransaction performs the inverse move of a registered transaction.
// It only succeeds while the transaction is inside its retention window and
// neither completed nor already rolled back.
func (c *Coordinator) RollbackTransaction(ctx context.Context, txnID string) error {
	c.mu.Lock()
	txn, ok := c.txns[txnID]
	if !ok {
		c.mu.Unlock()
		return ErrTransactionNotFound
	}
	if time.Since(txn.Timestamp) > c.retention {
		c.mu.Unlock()
		return ErrTransactionExpired
	}
	if txn.Completed || txn.RolledBack {
		c.mu.Unlock()
		return ErrTransactionFinished
	}
	c.mu.Unlock()

	if err := c.undo(ctx, txn); err != nil {
		return err
	}

	c.mu.Lock()
	txn.RolledBack = true
	c.mu.Unlock()

	c.publishTransitioned(&Transaction{
		ID:        txn.ID,
		UserID:    txn.UserID,
		From:      txn.To,
		To:        txn.From,
		Timestamp: time.Now(),
	}, false, true)
	metrics.RollbacksTotal.Inc()
	return nil
}

// Transaction returns a copy of the recorded transaction, if still retained.
func (c *Coordinator) Transaction(txnID string) (Transaction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	txn, ok := c.txns[txnID]
	if !ok {
		return Transaction{}, false
	}
	return *txn, true
}

// PruneExpired drops transactions past the retention window and returns the
// number removed.
func (c *Coordinator) PruneExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-c.retention)
	var pruned int
	for id, txn := range c.txns {
		if txn.Timestamp.Before(cutoff) {
			delete(c.txns, id)
			pruned++
		}
	}
	return pruned
}

func (c *Coordinator) register(userID string, from, to State, ts time.Time) *Transaction {
	txn := &Transaction{
		ID:        uuid.NewString(),
		UserID:    userID,
		From:      from,
		To:        to,
		Timestamp: ts,
	}

	c.mu.Lock()
	c.txns[txn.ID] = txn
	c.mu.Unlock()
	return txn
}

func (c *Coordinator) publishTransitioned(txn *Transaction, forced, rollback bool) {
	c.bus.Publish(events.Transitioned{
		UserID:    txn.UserID,
		From:      string(txn.From),
		To:        string(txn.To),
		TxnID:     txn.ID,
		Forced:    forced,
		Rollback:  rollback,
		Timestamp: txn.Timestamp,
	})
}

func (c *Coordinator) publishFailed(userID string, from, to State, reason string) {
	metrics.TransitionFailuresTotal.Inc()
	c.bus.Publish(events.TransitionFailed{
		UserID:    userID,
		From:      string(from),
		To:        string(to),
		Reason:    reason,
		Timestamp: time.Now(),
	})
}
