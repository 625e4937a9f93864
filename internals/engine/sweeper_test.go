package engine

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vibhavm/veilcall/internals/config"
	"github.com/vibhavm/veilcall/internals/state"
	"github.com/vibhavm/veilcall/internals/store"
)

func newTestSweeper(f *engineFixture, staleMaxAge time.Duration) *Sweeper {
	cfg := config.StateConfig{
		TxnRetention:  30 * time.Second,
		StaleMaxAge:   staleMaxAge,
		SweepInterval: 30 * time.Second,
		HeartbeatTTL:  45 * time.Second,
	}
	return NewSweeper(cfg, f.store, f.mgr, f.coord, f.queue, zap.NewNop())
}

func TestSweeper(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicate queue entries pruned", func(t *testing.T) {
		f := newEngineFixture()
		sw := newTestSweeper(f, 5*time.Minute)

		base := time.Now()
		if err := f.queue.AddPending(ctx, "u1", false, base); err != nil {
			t.Fatalf("AddPending failed: %v", err)
		}
		if err := f.queue.AddPending(ctx, "u1", true, base.Add(time.Second)); err != nil {
			t.Fatalf("AddPending failed: %v", err)
		}

		if err := sw.RunSweep(ctx); err != nil {
			t.Fatalf("RunSweep failed: %v", err)
		}

		entries, _ := f.queue.PendingEntries(ctx)
		if len(entries) != 1 {
			t.Fatalf("Expected 1 entry after sweep, got %d", len(entries))
		}
		if entries[0].Priority {
			t.Errorf("Expected earliest (plain) entry kept, got %+v", entries[0])
		}
	})

	t.Run("multi-state membership keeps newest", func(t *testing.T) {
		f := newEngineFixture()
		sw := newTestSweeper(f, 5*time.Minute)

		base := time.Now()
		if err := f.mgr.AddToState(ctx, "u1", state.StateWaiting, base); err != nil {
			t.Fatalf("AddToState failed: %v", err)
		}
		if err := f.mgr.AddToState(ctx, "u1", state.StateConnecting, base.Add(time.Second)); err != nil {
			t.Fatalf("AddToState failed: %v", err)
		}

		if err := sw.RunSweep(ctx); err != nil {
			t.Fatalf("RunSweep failed: %v", err)
		}

		if in, _ := f.mgr.Contains(ctx, "u1", state.StateWaiting); in {
			t.Error("Expected older WAITING membership removed")
		}
		if in, _ := f.mgr.Contains(ctx, "u1", state.StateConnecting); !in {
			t.Error("Expected newest CONNECTING membership kept")
		}
	})

	t.Run("stale membership without heartbeat removed", func(t *testing.T) {
		f := newEngineFixture()
		sw := newTestSweeper(f, time.Minute)

		old := time.Now().Add(-10 * time.Minute)
		if err := f.mgr.AddToState(ctx, "gone", state.StateWaiting, old); err != nil {
			t.Fatalf("AddToState failed: %v", err)
		}
		if err := f.queue.AddPending(ctx, "gone", false, old); err != nil {
			t.Fatalf("AddPending failed: %v", err)
		}

		if err := sw.RunSweep(ctx); err != nil {
			t.Fatalf("RunSweep failed: %v", err)
		}

		if in, _ := f.mgr.Contains(ctx, "gone", state.StateWaiting); in {
			t.Error("Expected stale membership removed")
		}
		entries, _ := f.queue.PendingEntries(ctx)
		if len(entries) != 0 {
			t.Errorf("Expected pending entry removed with it, got %v", entries)
		}
	})

	t.Run("waiting user without pending entry is requeued", func(t *testing.T) {
		f := newEngineFixture()
		sw := newTestSweeper(f, 5*time.Minute)

		// WAITING membership with no queue entry: the user is invisible
		// to the pairing engines until reconciled.
		entered := time.Now().Add(-30 * time.Second)
		if err := f.mgr.AddToState(ctx, "lost", state.StateWaiting, entered); err != nil {
			t.Fatalf("AddToState failed: %v", err)
		}

		if err := sw.RunSweep(ctx); err != nil {
			t.Fatalf("RunSweep failed: %v", err)
		}

		entries, _ := f.queue.PendingEntries(ctx)
		if len(entries) != 1 {
			t.Fatalf("Expected 1 restored entry, got %d", len(entries))
		}
		if entries[0].UserID != "lost" || entries[0].Priority {
			t.Errorf("Expected plain entry for lost, got %+v", entries[0])
		}
		if entries[0].Score != state.Score(entered) {
			t.Errorf("Expected queue position preserved at %v, got %v", state.Score(entered), entries[0].Score)
		}
	})

	t.Run("live heartbeat spares an old waiter", func(t *testing.T) {
		f := newEngineFixture()
		sw := newTestSweeper(f, time.Minute)

		old := time.Now().Add(-10 * time.Minute)
		if err := f.mgr.AddToState(ctx, "patient", state.StateWaiting, old); err != nil {
			t.Fatalf("AddToState failed: %v", err)
		}
		if err := f.store.Set(ctx, store.HeartbeatKey("patient"), "1", time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		if err := sw.RunSweep(ctx); err != nil {
			t.Fatalf("RunSweep failed: %v", err)
		}

		if in, _ := f.mgr.Contains(ctx, "patient", state.StateWaiting); !in {
			t.Error("Expected heartbeating waiter to survive the sweep")
		}
	})
}
