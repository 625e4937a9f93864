package alone

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vibhavm/veilcall/internals/config"
	"github.com/vibhavm/veilcall/internals/cooldown"
	"github.com/vibhavm/veilcall/internals/events"
	"github.com/vibhavm/veilcall/internals/lock"
	"github.com/vibhavm/veilcall/internals/match"
	"github.com/vibhavm/veilcall/internals/rooms"
	"github.com/vibhavm/veilcall/internals/state"
	"github.com/vibhavm/veilcall/internals/store"
)

// fakeProvisioner reports scripted occupancy.
type fakeProvisioner struct {
	rooms.NoopProvisioner
	occupants map[string][]string
}

func (p *fakeProvisioner) RoomOccupants(ctx context.Context, name string) ([]string, error) {
	return p.occupants[name], nil
}

type handlerFixture struct {
	store     store.Store
	mgr       *state.Manager
	coord     *state.Coordinator
	queue     *match.Queue
	registry  *match.Registry
	cooldowns *cooldown.Ledger
	matchLock *lock.Lock
	prov      *fakeProvisioner
	handler   *Handler
}

func newHandlerFixture() *handlerFixture {
	logger := zap.NewNop()
	s := store.NewMemoryStore()
	mgr := state.NewManager(s, logger)
	coord := state.NewCoordinator(mgr, events.NewBus(), 30*time.Second, logger)
	queue := match.NewQueue(s, mgr, logger)
	registry := match.NewRegistry(s, time.Hour, logger)
	cooldowns := cooldown.NewLedger(s, logger)
	names := rooms.NewGenerator(s, time.Minute, logger)
	prov := &fakeProvisioner{occupants: make(map[string][]string)}
	creator := match.NewCreator(coord, queue, registry, names, prov, logger)
	matchLock := lock.New(s, lock.Config{
		TTL:         time.Second,
		StaleAfter:  time.Minute,
		MaxRetries:  1,
		BackoffBase: time.Millisecond,
	}, logger)

	cfg := config.AloneConfig{
		Debounce:      50 * time.Millisecond,
		CheckInterval: 2 * time.Second,
		TrackingTTL:   time.Minute,
		SweepInterval: 30 * time.Second,
		SweepMaxAge:   time.Minute,
	}

	return &handlerFixture{
		store:     s,
		mgr:       mgr,
		coord:     coord,
		queue:     queue,
		registry:  registry,
		cooldowns: cooldowns,
		matchLock: matchLock,
		prov:      prov,
		handler:   NewHandler(cfg, s, coord, queue, registry, cooldowns, creator, matchLock, prov, logger),
	}
}

// startCall puts a and b into IN_CALL with an active match record.
func (f *handlerFixture) startCall(t *testing.T, sessionID, roomName, a, b string) {
	t.Helper()
	ctx := context.Background()
	for _, u := range []string{a, b} {
		if err := f.mgr.AddToState(ctx, u, state.StateInCall, time.Now()); err != nil {
			t.Fatalf("AddToState failed for %s: %v", u, err)
		}
	}
	rec := &match.Record{SessionID: sessionID, RoomName: roomName, User1: a, User2: b, CreatedAt: time.Now()}
	if err := f.registry.Save(ctx, rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
}

func (f *handlerFixture) trackingEntry(t *testing.T, userID string) (TrackingEntry, bool) {
	t.Helper()
	data, ok, err := f.store.Get(context.Background(), store.AloneKey(userID))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok {
		return TrackingEntry{}, false
	}
	var entry TrackingEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	return entry, true
}

func TestHandleOccupancy(t *testing.T) {
	ctx := context.Background()

	t.Run("single occupant starts tracking", func(t *testing.T) {
		f := newHandlerFixture()

		ev := rooms.OccupancyEvent{RoomName: "veil-x", ParticipantCount: 1, UserIDs: []string{"a"}}
		if err := f.handler.HandleOccupancy(ctx, ev); err != nil {
			t.Fatalf("HandleOccupancy failed: %v", err)
		}

		entry, ok := f.trackingEntry(t, "a")
		if !ok {
			t.Fatal("Expected tracking entry for a")
		}
		if entry.RoomName != "veil-x" {
			t.Errorf("Expected room veil-x, got %s", entry.RoomName)
		}
	})

	t.Run("refresh preserves since", func(t *testing.T) {
		f := newHandlerFixture()

		ev := rooms.OccupancyEvent{RoomName: "veil-x", ParticipantCount: 1, UserIDs: []string{"a"}}
		if err := f.handler.HandleOccupancy(ctx, ev); err != nil {
			t.Fatalf("HandleOccupancy failed: %v", err)
		}
		first, _ := f.trackingEntry(t, "a")

		time.Sleep(10 * time.Millisecond)
		if err := f.handler.HandleOccupancy(ctx, ev); err != nil {
			t.Fatalf("HandleOccupancy failed: %v", err)
		}
		second, _ := f.trackingEntry(t, "a")

		if !second.Since.Equal(first.Since) {
			t.Errorf("Expected since preserved at %v, got %v", first.Since, second.Since)
		}
	})

	t.Run("full room clears tracking", func(t *testing.T) {
		f := newHandlerFixture()

		single := rooms.OccupancyEvent{RoomName: "veil-x", ParticipantCount: 1, UserIDs: []string{"a"}}
		if err := f.handler.HandleOccupancy(ctx, single); err != nil {
			t.Fatalf("HandleOccupancy failed: %v", err)
		}

		full := rooms.OccupancyEvent{RoomName: "veil-x", ParticipantCount: 2, UserIDs: []string{"a", "b"}}
		if err := f.handler.HandleOccupancy(ctx, full); err != nil {
			t.Fatalf("HandleOccupancy failed: %v", err)
		}

		if _, ok := f.trackingEntry(t, "a"); ok {
			t.Error("Expected tracking cleared once the room filled")
		}
	})
}

func TestCheckAlone(t *testing.T) {
	ctx := context.Background()

	t.Run("debounce defers recovery", func(t *testing.T) {
		f := newHandlerFixture()
		f.startCall(t, "s1", "veil-x", "a", "b")
		f.prov.occupants["veil-x"] = []string{"a"}

		ev := rooms.OccupancyEvent{RoomName: "veil-x", ParticipantCount: 1, UserIDs: []string{"a"}}
		if err := f.handler.HandleOccupancy(ctx, ev); err != nil {
			t.Fatalf("HandleOccupancy failed: %v", err)
		}

		if err := f.handler.CheckAlone(ctx); err != nil {
			t.Fatalf("CheckAlone failed: %v", err)
		}

		if st, _, _ := f.mgr.GetCurrentState(ctx, "a"); st != state.StateInCall {
			t.Errorf("Expected no recovery before debounce, state is %s", st)
		}
	})

	t.Run("sustained aloneness triggers recovery", func(t *testing.T) {
		f := newHandlerFixture()
		f.startCall(t, "s1", "veil-x", "a", "b")
		f.prov.occupants["veil-x"] = []string{"a"}

		ev := rooms.OccupancyEvent{RoomName: "veil-x", ParticipantCount: 1, UserIDs: []string{"a"}}
		if err := f.handler.HandleOccupancy(ctx, ev); err != nil {
			t.Fatalf("HandleOccupancy failed: %v", err)
		}
		time.Sleep(60 * time.Millisecond)

		if err := f.handler.CheckAlone(ctx); err != nil {
			t.Fatalf("CheckAlone failed: %v", err)
		}

		if st, _, _ := f.mgr.GetCurrentState(ctx, "a"); st != state.StateWaiting {
			t.Errorf("Expected a recovered to WAITING, got %s", st)
		}
		if rec, _ := f.registry.GetByUser(ctx, "a"); rec != nil {
			t.Errorf("Expected match deleted, got %+v", rec)
		}

		entries, _ := f.queue.PendingEntries(ctx)
		if len(entries) != 1 || !entries[0].Priority || entries[0].UserID != "a" {
			t.Errorf("Expected priority queue entry for a, got %v", entries)
		}

		if _, ok := f.trackingEntry(t, "a"); ok {
			t.Error("Expected tracking entry removed after recovery")
		}
	})

	t.Run("occupancy re-verification vetoes stale entry", func(t *testing.T) {
		f := newHandlerFixture()
		f.startCall(t, "s1", "veil-x", "a", "b")
		// Partner rejoined between the telemetry event and the check.
		f.prov.occupants["veil-x"] = []string{"a", "b"}

		ev := rooms.OccupancyEvent{RoomName: "veil-x", ParticipantCount: 1, UserIDs: []string{"a"}}
		if err := f.handler.HandleOccupancy(ctx, ev); err != nil {
			t.Fatalf("HandleOccupancy failed: %v", err)
		}
		time.Sleep(60 * time.Millisecond)

		if err := f.handler.CheckAlone(ctx); err != nil {
			t.Fatalf("CheckAlone failed: %v", err)
		}

		if st, _, _ := f.mgr.GetCurrentState(ctx, "a"); st != state.StateInCall {
			t.Errorf("Expected a untouched in IN_CALL, got %s", st)
		}
		if _, ok := f.trackingEntry(t, "a"); ok {
			t.Error("Expected stale tracking entry dropped")
		}
	})
}

func TestRecover(t *testing.T) {
	ctx := context.Background()

	t.Run("disconnect path resets the abandoned user", func(t *testing.T) {
		f := newHandlerFixture()
		f.startCall(t, "s1", "veil-x", "a", "b")
		if err := f.cooldowns.SetCooldown(ctx, "a", "b", time.Minute); err != nil {
			t.Fatalf("SetCooldown failed: %v", err)
		}

		if err := f.handler.HandleLeftBehind(ctx, "a", "b"); err != nil {
			t.Fatalf("HandleLeftBehind failed: %v", err)
		}

		if st, _, _ := f.mgr.GetCurrentState(ctx, "a"); st != state.StateWaiting {
			t.Errorf("Expected a in WAITING, got %s", st)
		}
		if rec, _ := f.registry.GetByUser(ctx, "a"); rec != nil {
			t.Errorf("Expected match deleted, got %+v", rec)
		}

		// Cooldown with the departed partner must be cleared for their return.
		ok, _ := f.cooldowns.CanRematch(ctx, "a", "b", false)
		if !ok {
			t.Error("Expected cooldown with departed partner cleared")
		}

		n, _ := f.store.Exists(ctx, store.LeftBehindKey("a"))
		if n == 0 {
			t.Error("Expected left-behind entry for a")
		}
	})

	t.Run("immediate rematch with a waiting user", func(t *testing.T) {
		f := newHandlerFixture()
		f.startCall(t, "s1", "veil-x", "a", "b")

		// c is already queued and waiting.
		if _, err := f.coord.PerformTransition(ctx, "c", state.StateWaiting); err != nil {
			t.Fatalf("Setup failed: %v", err)
		}
		if err := f.queue.AddPending(ctx, "c", false, time.Now()); err != nil {
			t.Fatalf("AddPending failed: %v", err)
		}

		if err := f.handler.HandleLeftBehind(ctx, "a", "b"); err != nil {
			t.Fatalf("HandleLeftBehind failed: %v", err)
		}

		rec, _ := f.registry.GetByUser(ctx, "a")
		if rec == nil || rec.Partner("a") != "c" {
			t.Errorf("Expected a immediately rematched with c, got %+v", rec)
		}
		for _, u := range []string{"a", "c"} {
			if st, _, _ := f.mgr.GetCurrentState(ctx, u); st != state.StateConnecting {
				t.Errorf("Expected %s in CONNECTING, got %s", u, st)
			}
		}
	})

	t.Run("contended matching lock defers the rematch", func(t *testing.T) {
		f := newHandlerFixture()
		f.startCall(t, "s1", "veil-x", "a", "b")

		if _, err := f.coord.PerformTransition(ctx, "c", state.StateWaiting); err != nil {
			t.Fatalf("Setup failed: %v", err)
		}
		if err := f.queue.AddPending(ctx, "c", false, time.Now()); err != nil {
			t.Fatalf("AddPending failed: %v", err)
		}

		// A pairing cycle holds the global lock; recovery must not match
		// around it.
		if err := f.matchLock.Acquire(ctx, "engine-cycle"); err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		defer f.matchLock.Release(ctx, "engine-cycle")

		if err := f.handler.HandleLeftBehind(ctx, "a", "b"); err != nil {
			t.Fatalf("HandleLeftBehind failed: %v", err)
		}

		if rec, _ := f.registry.GetByUser(ctx, "a"); rec != nil {
			t.Errorf("Expected no match while lock held, got %+v", rec)
		}
		if st, _, _ := f.mgr.GetCurrentState(ctx, "a"); st != state.StateWaiting {
			t.Errorf("Expected a left WAITING for the next cycle, got %s", st)
		}
		entries, _ := f.queue.PendingEntries(ctx)
		var found bool
		for _, e := range entries {
			if e.UserID == "a" && e.Priority {
				found = true
			}
		}
		if !found {
			t.Errorf("Expected a priority entry for a, got %v", entries)
		}
	})

	t.Run("concurrent triggers collapse to one recovery", func(t *testing.T) {
		f := newHandlerFixture()
		f.startCall(t, "s1", "veil-x", "a", "b")

		if err := f.handler.HandleLeftBehind(ctx, "a", "b"); err != nil {
			t.Fatalf("First recovery failed: %v", err)
		}
		// The processing marker is still live; a second trigger is a no-op.
		if err := f.handler.HandleLeftBehind(ctx, "a", "b"); err != nil {
			t.Fatalf("Second recovery failed: %v", err)
		}

		entries, _ := f.queue.PendingEntries(ctx)
		if len(entries) != 1 {
			t.Errorf("Expected a single queue entry, got %v", entries)
		}
	})
}

func TestSweepTracking(t *testing.T) {
	ctx := context.Background()
	f := newHandlerFixture()

	old := TrackingEntry{UserID: "a", RoomName: "veil-x", Since: time.Now().Add(-time.Hour)}
	oldData, _ := json.Marshal(old)
	if err := f.store.Set(ctx, store.AloneKey("a"), string(oldData), time.Hour); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	fresh := TrackingEntry{UserID: "b", RoomName: "veil-y", Since: time.Now()}
	freshData, _ := json.Marshal(fresh)
	if err := f.store.Set(ctx, store.AloneKey("b"), string(freshData), time.Hour); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := f.handler.SweepTracking(ctx); err != nil {
		t.Fatalf("SweepTracking failed: %v", err)
	}

	if _, ok := f.trackingEntry(t, "a"); ok {
		t.Error("Expected aged entry swept")
	}
	if _, ok := f.trackingEntry(t, "b"); !ok {
		t.Error("Expected fresh entry kept")
	}
}
