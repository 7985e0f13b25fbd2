package cache

import (
	"context"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/maypok86/otter/v2/stats"
)

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// Memory is an in-process cache implementation using otter for values and a
// mutex-guarded map for sets. It is intended for development and tests; a
// deployment with more than one service instance needs the distributed
// implementation for invalidations to be visible across instances.
type Memory struct {
	cache   *otter.Cache[string, memoryEntry]
	counter *stats.Counter

	mu   sync.Mutex
	sets map[string]map[string]struct{}
}

// NewMemory creates a new in-memory cache. maxTTL bounds entry retention;
// per-entry TTLs shorter than maxTTL are honored on read.
func NewMemory(maxTTL time.Duration, maxSize int) (*Memory, error) {
	counter := stats.NewCounter()
	cache := otter.Must(&otter.Options[string, memoryEntry]{
		MaximumSize:      maxSize,
		StatsRecorder:    counter,
		ExpiryCalculator: otter.ExpiryCreating[string, memoryEntry](maxTTL),
	})

	return &Memory{
		cache:   cache,
		counter: counter,
		sets:    make(map[string]map[string]struct{}),
	}, nil
}

// Get retrieves a value. A value past its own TTL is treated as a miss and
// evicted.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, ok := m.cache.GetEntry(key)
	if !ok {
		return nil, false, nil
	}

	if time.Now().After(entry.Value.expiresAt) {
		m.cache.Invalidate(key)
		return nil, false, nil
	}

	return entry.Value.data, true, nil
}

// Set stores a value with the provided TTL.
func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.cache.Set(key, memoryEntry{data: value, expiresAt: time.Now().Add(ttl)})
	return nil
}

// Delete removes a value.
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.cache.Invalidate(key)
	return nil
}

// SetAdd adds a member to the named set.
func (m *Memory) SetAdd(ctx context.Context, key string, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	set[member] = struct{}{}
	return nil
}

// SetMembers returns the members of the named set.
func (m *Memory) SetMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	members := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		members = append(members, member)
	}
	return members, nil
}

// SetDrain reads and clears the named set under the set lock.
func (m *Memory) SetDrain(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	members := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		members = append(members, member)
	}
	delete(m.sets, key)
	return members, nil
}

// Close releases cache resources.
func (m *Memory) Close() error {
	return nil
}
