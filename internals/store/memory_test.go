package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreKeyspace(t *testing.T) {
	ctx := context.Background()

	t.Run("get missing key", func(t *testing.T) {
		s := NewMemoryStore()

		_, ok, err := s.Get(ctx, "missing")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if ok {
			t.Error("Expected missing key, got a value")
		}
	})

	t.Run("set and get", func(t *testing.T) {
		s := NewMemoryStore()

		if err := s.Set(ctx, "k", "v", 0); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		val, ok, err := s.Get(ctx, "k")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !ok || val != "v" {
			t.Errorf("Expected (v, true), got (%s, %v)", val, ok)
		}
	})

	t.Run("ttl expiry", func(t *testing.T) {
		s := NewMemoryStore()

		if err := s.Set(ctx, "k", "v", 20*time.Millisecond); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		time.Sleep(30 * time.Millisecond)

		_, ok, err := s.Get(ctx, "k")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if ok {
			t.Error("Expected key to have expired")
		}
	})

	t.Run("setnx", func(t *testing.T) {
		s := NewMemoryStore()

		ok, err := s.SetNX(ctx, "k", "first", 0)
		if err != nil || !ok {
			t.Fatalf("Expected first SetNX to succeed, got (%v, %v)", ok, err)
		}
		ok, err = s.SetNX(ctx, "k", "second", 0)
		if err != nil {
			t.Fatalf("SetNX failed: %v", err)
		}
		if ok {
			t.Error("Expected second SetNX to fail")
		}

		val, _, _ := s.Get(ctx, "k")
		if val != "first" {
			t.Errorf("Expected value 'first', got %s", val)
		}
	})

	t.Run("setnx succeeds after expiry", func(t *testing.T) {
		s := NewMemoryStore()

		if _, err := s.SetNX(ctx, "k", "first", 20*time.Millisecond); err != nil {
			t.Fatalf("SetNX failed: %v", err)
		}
		time.Sleep(30 * time.Millisecond)

		ok, err := s.SetNX(ctx, "k", "second", 0)
		if err != nil || !ok {
			t.Fatalf("Expected SetNX after expiry to succeed, got (%v, %v)", ok, err)
		}
	})

	t.Run("compare and delete", func(t *testing.T) {
		s := NewMemoryStore()

		if err := s.Set(ctx, "k", "owner-a", 0); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		deleted, err := s.CompareAndDelete(ctx, "k", "owner-b")
		if err != nil {
			t.Fatalf("CompareAndDelete failed: %v", err)
		}
		if deleted {
			t.Error("Expected mismatched value to leave the key in place")
		}

		deleted, err = s.CompareAndDelete(ctx, "k", "owner-a")
		if err != nil || !deleted {
			t.Fatalf("Expected matching value to delete the key, got (%v, %v)", deleted, err)
		}
	})

	t.Run("exists each", func(t *testing.T) {
		s := NewMemoryStore()

		if err := s.Set(ctx, "a", "1", 0); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		out, err := s.ExistsEach(ctx, []string{"a", "b", "a"})
		if err != nil {
			t.Fatalf("ExistsEach failed: %v", err)
		}
		want := []bool{true, false, true}
		for i := range want {
			if out[i] != want[i] {
				t.Errorf("ExistsEach[%d]: expected %v, got %v", i, want[i], out[i])
			}
		}
	})

	t.Run("scan matches prefix pattern", func(t *testing.T) {
		s := NewMemoryStore()

		for _, k := range []string{"alone:u1", "alone:u2", "other:u3"} {
			if err := s.Set(ctx, k, "1", 0); err != nil {
				t.Fatalf("Set failed: %v", err)
			}
		}
		keys, err := s.Scan(ctx, "alone:*")
		if err != nil {
			t.Fatalf("Scan failed: %v", err)
		}
		if len(keys) != 2 {
			t.Errorf("Expected 2 keys, got %d: %v", len(keys), keys)
		}
	})
}

func TestMemoryStoreOrderedSets(t *testing.T) {
	ctx := context.Background()

	t.Run("oldest returns score order", func(t *testing.T) {
		s := NewMemoryStore()

		if err := s.ZAdd(ctx, "z", "c", 3); err != nil {
			t.Fatalf("ZAdd failed: %v", err)
		}
		if err := s.ZAdd(ctx, "z", "a", 1); err != nil {
			t.Fatalf("ZAdd failed: %v", err)
		}
		if err := s.ZAdd(ctx, "z", "b", 2); err != nil {
			t.Fatalf("ZAdd failed: %v", err)
		}

		members, err := s.ZOldest(ctx, "z", 2)
		if err != nil {
			t.Fatalf("ZOldest failed: %v", err)
		}
		if len(members) != 2 || members[0].Member != "a" || members[1].Member != "b" {
			t.Errorf("Expected [a b], got %v", members)
		}
	})

	t.Run("re-add updates score", func(t *testing.T) {
		s := NewMemoryStore()

		if err := s.ZAdd(ctx, "z", "a", 1); err != nil {
			t.Fatalf("ZAdd failed: %v", err)
		}
		if err := s.ZAdd(ctx, "z", "a", 9); err != nil {
			t.Fatalf("ZAdd failed: %v", err)
		}

		score, ok, err := s.ZScore(ctx, "z", "a")
		if err != nil || !ok {
			t.Fatalf("ZScore failed: (%v, %v)", ok, err)
		}
		if score != 9 {
			t.Errorf("Expected score 9, got %f", score)
		}
		n, _ := s.ZCard(ctx, "z")
		if n != 1 {
			t.Errorf("Expected cardinality 1, got %d", n)
		}
	})

	t.Run("remove range by score", func(t *testing.T) {
		s := NewMemoryStore()

		for i, m := range []string{"a", "b", "c", "d"} {
			if err := s.ZAdd(ctx, "z", m, float64(i)); err != nil {
				t.Fatalf("ZAdd failed: %v", err)
			}
		}
		removed, err := s.ZRemRangeByScore(ctx, "z", 0, 1)
		if err != nil {
			t.Fatalf("ZRemRangeByScore failed: %v", err)
		}
		if removed != 2 {
			t.Errorf("Expected 2 removed, got %d", removed)
		}
		n, _ := s.ZCard(ctx, "z")
		if n != 2 {
			t.Errorf("Expected 2 remaining, got %d", n)
		}
	})

	t.Run("zrem reports membership", func(t *testing.T) {
		s := NewMemoryStore()

		if err := s.ZAdd(ctx, "z", "a", 1); err != nil {
			t.Fatalf("ZAdd failed: %v", err)
		}
		removed, err := s.ZRem(ctx, "z", "a")
		if err != nil || !removed {
			t.Fatalf("Expected removal of member, got (%v, %v)", removed, err)
		}
		removed, err = s.ZRem(ctx, "z", "a")
		if err != nil {
			t.Fatalf("ZRem failed: %v", err)
		}
		if removed {
			t.Error("Expected second removal to report no membership")
		}
	})
}
