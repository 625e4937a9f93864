package match

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vibhavm/veilcall/internals/events"
	"github.com/vibhavm/veilcall/internals/rooms"
	"github.com/vibhavm/veilcall/internals/state"
	"github.com/vibhavm/veilcall/internals/store"
)

// failingProvisioner fails room creation to exercise the compensation path.
type failingProvisioner struct {
	rooms.NoopProvisioner
	createErr error
}

func (p *failingProvisioner) CreateRoom(ctx context.Context, name string) error {
	return p.createErr
}

type creatorFixture struct {
	store    store.Store
	mgr      *state.Manager
	coord    *state.Coordinator
	queue    *Queue
	registry *Registry
	creator  *Creator
}

func newCreatorFixture(prov rooms.Provisioner) *creatorFixture {
	logger := zap.NewNop()
	s := store.NewMemoryStore()
	mgr := state.NewManager(s, logger)
	coord := state.NewCoordinator(mgr, events.NewBus(), 30*time.Second, logger)
	queue := NewQueue(s, mgr, logger)
	registry := NewRegistry(s, time.Hour, logger)
	names := rooms.NewGenerator(s, time.Minute, logger)

	return &creatorFixture{
		store:    s,
		mgr:      mgr,
		coord:    coord,
		queue:    queue,
		registry: registry,
		creator:  NewCreator(coord, queue, registry, names, prov, logger),
	}
}

func (f *creatorFixture) enqueue(t *testing.T, userID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.coord.PerformTransition(ctx, userID, state.StateWaiting); err != nil {
		t.Fatalf("Enqueue transition failed for %s: %v", userID, err)
	}
	if err := f.queue.AddPending(ctx, userID, false, time.Now()); err != nil {
		t.Fatalf("AddPending failed for %s: %v", userID, err)
	}
}

func TestCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("happy path", func(t *testing.T) {
		f := newCreatorFixture(rooms.NoopProvisioner{})
		f.enqueue(t, "a")
		f.enqueue(t, "b")

		rec, err := f.creator.Create(ctx, "a", "b")
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if rec.SessionID == "" || rec.RoomName == "" {
			t.Errorf("Expected populated record, got %+v", rec)
		}

		for _, u := range []string{"a", "b"} {
			st, _, _ := f.mgr.GetCurrentState(ctx, u)
			if st != state.StateConnecting {
				t.Errorf("Expected %s in CONNECTING, got %s", u, st)
			}
			byUser, _ := f.registry.GetByUser(ctx, u)
			if byUser == nil || byUser.SessionID != rec.SessionID {
				t.Errorf("Expected %s indexed to the match, got %+v", u, byUser)
			}
		}

		entries, _ := f.queue.PendingEntries(ctx)
		if len(entries) != 0 {
			t.Errorf("Expected empty pending queue, got %v", entries)
		}
	})

	t.Run("candidate not waiting", func(t *testing.T) {
		f := newCreatorFixture(rooms.NoopProvisioner{})
		f.enqueue(t, "a")

		_, err := f.creator.Create(ctx, "a", "b")
		if !errors.Is(err, ErrNotWaiting) {
			t.Errorf("Expected ErrNotWaiting, got %v", err)
		}

		// a must keep its queue entry.
		entries, _ := f.queue.PendingEntries(ctx)
		if len(entries) != 1 || entries[0].UserID != "a" {
			t.Errorf("Expected a still queued, got %v", entries)
		}
	})

	t.Run("second create loses the race", func(t *testing.T) {
		f := newCreatorFixture(rooms.NoopProvisioner{})
		f.enqueue(t, "a")
		f.enqueue(t, "b")

		if _, err := f.creator.Create(ctx, "a", "b"); err != nil {
			t.Fatalf("First create failed: %v", err)
		}
		if _, err := f.creator.Create(ctx, "a", "b"); !errors.Is(err, ErrNotWaiting) {
			t.Errorf("Expected second create to observe ErrNotWaiting, got %v", err)
		}

		// Exactly one match exists.
		rec, _ := f.registry.GetByUser(ctx, "a")
		if rec == nil {
			t.Fatal("Expected the first match to survive")
		}
	})

	t.Run("missing queue entry restores the claimed one", func(t *testing.T) {
		f := newCreatorFixture(rooms.NoopProvisioner{})
		f.enqueue(t, "a")

		// b is WAITING but has no pending entry, as if another matcher
		// claimed it between listing and pairing.
		if _, err := f.coord.PerformTransition(ctx, "b", state.StateWaiting); err != nil {
			t.Fatalf("Setup failed: %v", err)
		}

		_, err := f.creator.Create(ctx, "a", "b")
		if !errors.Is(err, ErrNotQueued) {
			t.Fatalf("Expected ErrNotQueued, got %v", err)
		}

		entries, _ := f.queue.PendingEntries(ctx)
		if len(entries) != 1 || entries[0].UserID != "a" {
			t.Errorf("Expected a's entry restored, got %v", entries)
		}
	})

	t.Run("room failure compensates everything", func(t *testing.T) {
		f := newCreatorFixture(&failingProvisioner{createErr: errors.New("provider down")})
		f.enqueue(t, "a")
		f.enqueue(t, "b")

		before, _ := f.queue.PendingEntries(ctx)

		_, err := f.creator.Create(ctx, "a", "b")
		if err == nil {
			t.Fatal("Expected create to fail")
		}

		for _, u := range []string{"a", "b"} {
			st, _, _ := f.mgr.GetCurrentState(ctx, u)
			if st != state.StateWaiting {
				t.Errorf("Expected %s rolled back to WAITING, got %s", u, st)
			}
			if rec, _ := f.registry.GetByUser(ctx, u); rec != nil {
				t.Errorf("Expected no match record for %s, got %+v", u, rec)
			}
		}

		after, _ := f.queue.PendingEntries(ctx)
		if len(after) != len(before) {
			t.Errorf("Expected queue restored to %d entries, got %d", len(before), len(after))
		}
		for i := range before {
			if after[i].UserID != before[i].UserID || after[i].Score != before[i].Score {
				t.Errorf("Entry %d changed: before %+v, after %+v", i, before[i], after[i])
			}
		}
	})
}

// TestCreateConcurrent races two creators over the same pair. The queue
// claim is the serialization point: at most one caller wins; losers see a
// precondition failure and every compensation leaves both users either
// consistently matched or consistently queued.
func TestCreateConcurrent(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		f := newCreatorFixture(rooms.NoopProvisioner{})
		f.enqueue(t, "a")
		f.enqueue(t, "b")

		start := make(chan struct{})
		results := make(chan error, 2)
		for g := 0; g < 2; g++ {
			go func() {
				<-start
				_, err := f.creator.Create(ctx, "a", "b")
				results <- err
			}()
		}
		close(start)

		var wins int
		for g := 0; g < 2; g++ {
			err := <-results
			if err == nil {
				wins++
				continue
			}
			if !errors.Is(err, ErrNotWaiting) && !errors.Is(err, ErrNotQueued) {
				t.Fatalf("Expected a precondition failure, got %v", err)
			}
		}
		if wins > 1 {
			t.Fatal("Expected at most one winning creator")
		}

		recA, _ := f.registry.GetByUser(ctx, "a")
		recB, _ := f.registry.GetByUser(ctx, "b")
		entries, _ := f.queue.PendingEntries(ctx)

		if wins == 1 {
			if recA == nil || recB == nil || recA.SessionID != recB.SessionID {
				t.Fatalf("Expected one shared match record, got %+v and %+v", recA, recB)
			}
			if len(entries) != 0 {
				t.Fatalf("Expected empty queue after match, got %v", entries)
			}
			for _, u := range []string{"a", "b"} {
				if st, _, _ := f.mgr.GetCurrentState(ctx, u); st != state.StateConnecting {
					t.Fatalf("Expected %s in CONNECTING, got %s", u, st)
				}
			}
			continue
		}

		// Mutual loss: both compensations ran, so both users must be back
		// to a fully queued state with no record and no stray claims.
		if recA != nil || recB != nil {
			t.Fatalf("Expected no match records, got %+v and %+v", recA, recB)
		}
		if len(entries) != 2 {
			t.Fatalf("Expected both entries restored, got %v", entries)
		}
		for _, u := range []string{"a", "b"} {
			if st, _, _ := f.mgr.GetCurrentState(ctx, u); st != state.StateWaiting {
				t.Fatalf("Expected %s restored to WAITING, got %s", u, st)
			}
		}
	}
}
