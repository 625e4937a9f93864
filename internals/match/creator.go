package match

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vibhavm/veilcall/internals/rooms"
	"github.com/vibhavm/veilcall/internals/state"
)

var (
	// ErrNotWaiting is returned when a candidate is no longer in WAITING.
	// A lost race, not a fault: the caller moves on to the next candidate.
	ErrNotWaiting = errors.New("match: candidate not in waiting state")

	// ErrNotQueued is returned when a candidate had no pending queue entry.
	ErrNotQueued = errors.New("match: candidate not in pending queue")
)

// Creator moves two queued users into a connected state and persists the
// match record. The store has no multi-key transactions, so each step pairs
// with an explicit undo and a failure anywhere compensates everything
// already applied.
type Creator struct {
	coord    *state.Coordinator
	queue    *Queue
	registry *Registry
	names    *rooms.Generator
	prov     rooms.Provisioner
	logger   *zap.Logger
}

func NewCreator(coord *state.Coordinator, queue *Queue, registry *Registry, names *rooms.Generator, prov rooms.Provisioner, logger *zap.Logger) *Creator {
	return &Creator{
		coord:    coord,
		queue:    queue,
		registry: registry,
		names:    names,
		prov:     prov,
		logger:   logger,
	}
}

// Create pairs u1 and u2. Both must currently be WAITING with pending queue
// entries. On any failure the applied steps are undone and the users remain
// consistently queued.
func (c *Creator) Create(ctx context.Context, u1, u2 string) (*Record, error) {
	for _, userID := range []string{u1, u2} {
		waiting, err := c.queue.Contains(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !waiting {
			return nil, fmt.Errorf("%w: %s", ErrNotWaiting, userID)
		}
	}

	// Step 1: claim both queue entries.
	e1, err := c.queue.RemovePending(ctx, u1)
	if err != nil {
		return nil, err
	}
	e2, err := c.queue.RemovePending(ctx, u2)
	if err != nil {
		if e1 != nil {
			c.restore(ctx, e1)
		}
		return nil, err
	}
	if e1 == nil || e2 == nil {
		// Only one (or neither) claim succeeded: another matcher got here
		// first. Put back whatever we took and abort.
		if e1 != nil {
			c.restore(ctx, e1)
		}
		if e2 != nil {
			c.restore(ctx, e2)
		}
		missing := u1
		if e1 != nil {
			missing = u2
		}
		return nil, fmt.Errorf("%w: %s", ErrNotQueued, missing)
	}

	undoStep1 := func() {
		c.restore(ctx, e1)
		c.restore(ctx, e2)
	}

	// Step 2: WAITING -> CONNECTING for both, all-or-nothing.
	txnIDs, err := c.coord.PerformBatchTransitions(ctx, []state.TransitionRequest{
		{UserID: u1, To: state.StateConnecting},
		{UserID: u2, To: state.StateConnecting},
	})
	if err != nil {
		undoStep1()
		return nil, err
	}

	undoStep2 := func() {
		for i := len(txnIDs) - 1; i >= 0; i-- {
			if rbErr := c.coord.RollbackTransaction(ctx, txnIDs[i]); rbErr != nil {
				c.logger.Error("Failed to roll back connecting transition",
					zap.String("txn_id", txnIDs[i]),
					zap.Error(rbErr),
				)
			}
		}
	}

	// Provision the room before persisting anything referencing it.
	roomName, err := c.names.NewRoomName(ctx)
	if err != nil {
		undoStep2()
		undoStep1()
		return nil, err
	}
	if err := c.prov.CreateRoom(ctx, roomName); err != nil {
		c.names.ReleaseRoomName(ctx, roomName)
		undoStep2()
		undoStep1()
		return nil, err
	}

	// Step 3: persist the match record and reverse index.
	rec := &Record{
		SessionID: uuid.NewString(),
		RoomName:  roomName,
		User1:     u1,
		User2:     u2,
		CreatedAt: time.Now(),
	}
	if err := c.registry.Save(ctx, rec); err != nil {
		if delErr := c.prov.DeleteRoom(ctx, roomName); delErr != nil {
			c.logger.Error("Failed to delete room after match persist failure",
				zap.String("room_name", roomName),
				zap.Error(delErr),
			)
		}
		c.names.ReleaseRoomName(ctx, roomName)
		undoStep2()
		undoStep1()
		return nil, err
	}

	for _, txnID := range txnIDs {
		c.coord.MarkCompleted(txnID)
	}

	c.logger.Info("Match created",
		zap.String("session_id", rec.SessionID),
		zap.String("room_name", rec.RoomName),
		zap.String("user1", u1),
		zap.String("user2", u2),
	)
	return rec, nil
}

func (c *Creator) restore(ctx context.Context, e *Entry) {
	if err := c.queue.restorePending(ctx, *e); err != nil {
		c.logger.Error("Failed to restore queue entry",
			zap.String("user_id", e.UserID),
			zap.Error(err),
		)
	}
}
