package store

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local Store used by tests and single-node
// deployments. Semantics match the Redis implementation: single-key
// atomicity, TTL expiry, score-ordered membership.
type MemoryStore struct {
	mu      sync.Mutex
	strings map[string]memEntry
	zsets   map[string]map[string]float64
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strings: make(map[string]memEntry),
		zsets:   make(map[string]map[string]float64),
	}
}

// get returns the live entry for key, lazily evicting it when expired.
// Callers must hold mu.
func (m *MemoryStore) get(key string) (memEntry, bool) {
	e, ok := m.strings[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(m.strings, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *MemoryStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.zsets[key]
	if !ok {
		set = make(map[string]float64)
		m.zsets[key] = set
	}
	set[member] = score
	return nil
}

func (m *MemoryStore) ZRem(ctx context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.zsets[key]
	if !ok {
		return false, nil
	}
	if _, ok := set[member]; !ok {
		return false, nil
	}
	delete(set, member)
	if len(set) == 0 {
		delete(m.zsets, key)
	}
	return true, nil
}

func (m *MemoryStore) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.zsets[key]
	if !ok {
		return 0, false, nil
	}
	score, ok := set[member]
	return score, ok, nil
}

// sorted returns the set's members ordered by score, ties broken by member.
// Callers must hold mu.
func (m *MemoryStore) sorted(key string) []ScoredMember {
	set := m.zsets[key]
	members := make([]ScoredMember, 0, len(set))
	for member, score := range set {
		members = append(members, ScoredMember{Member: member, Score: score})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score < members[j].Score
		}
		return members[i].Member < members[j].Member
	})
	return members
}

func (m *MemoryStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ScoredMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ScoredMember
	for _, sm := range m.sorted(key) {
		if sm.Score >= min && sm.Score <= max {
			out = append(out, sm)
		}
	}
	return out, nil
}

func (m *MemoryStore) ZOldest(ctx context.Context, key string, n int) ([]ScoredMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	members := m.sorted(key)
	if n < len(members) {
		members = members[:n]
	}
	return members, nil
}

func (m *MemoryStore) ZCard(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.zsets[key])), nil
}

func (m *MemoryStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.zsets[key]
	if !ok {
		return 0, nil
	}
	var removed int64
	for member, score := range set {
		if score >= min && score <= max {
			delete(set, member)
			removed++
		}
	}
	if len(set) == 0 {
		delete(m.zsets, key)
	}
	return removed, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.get(key)
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.strings[key] = e
	return nil
}

func (m *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.get(key); ok {
		return false, nil
	}
	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.strings[key] = e
	return true, nil
}

func (m *MemoryStore) Del(ctx context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for _, key := range keys {
		if _, ok := m.get(key); ok {
			delete(m.strings, key)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryStore) Exists(ctx context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for _, key := range keys {
		if _, ok := m.get(key); ok {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) ExistsEach(ctx context.Context, keys []string) ([]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]bool, len(keys))
	for i, key := range keys {
		_, out[i] = m.get(key)
	}
	return out, nil
}

func (m *MemoryStore) CompareAndDelete(ctx context.Context, key, expect string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.get(key)
	if !ok || e.value != expect {
		return false, nil
	}
	delete(m.strings, key)
	return true, nil
}

func (m *MemoryStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for key := range m.strings {
		if _, ok := m.get(key); !ok {
			continue
		}
		if matched, _ := path.Match(pattern, key); matched {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
