package cache

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

const (
	memoryMaxKeys       = 100_000
	memorySweepInterval = 60 * time.Second
)

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
	createdAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory is the single-process fallback backend. Expired keys are dropped
// lazily on read and by a periodic sweep; when the key count exceeds the cap
// the oldest fifth is evicted.
type Memory struct {
	mu        sync.Mutex
	entries   map[string]memoryEntry
	lastSweep time.Time
	now       func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		entries:   make(map[string]memoryEntry),
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.maybeSweep(now)

	e, ok := m.entries[key]
	if !ok || e.expired(now) {
		delete(m.entries, key)
		return "", ErrMiss
	}
	return e.value, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.maybeSweep(now)

	var expires time.Time
	if ttl > 0 {
		expires = now.Add(ttl)
	}
	m.entries[key] = memoryEntry{value: value, expiresAt: expires, createdAt: now}

	if len(m.entries) > memoryMaxKeys {
		m.evictOldest(now)
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.entries[key]
	if !ok || e.expired(now) {
		m.entries[key] = memoryEntry{value: "1", createdAt: now}
		return 1, nil
	}

	n, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		n = 0
	}
	n++
	e.value = strconv.FormatInt(n, 10)
	m.entries[key] = e
	return n, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	e.expiresAt = m.now().Add(ttl)
	m.entries[key] = e
	return nil
}

// Len reports live (non-expired) keys. Test and metrics helper.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for _, e := range m.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

func (m *Memory) maybeSweep(now time.Time) {
	if now.Sub(m.lastSweep) < memorySweepInterval {
		return
	}
	m.lastSweep = now
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
		}
	}
}

// evictOldest drops expired keys first, then the oldest 20% by insert time.
func (m *Memory) evictOldest(now time.Time) {
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
		}
	}
	if len(m.entries) <= memoryMaxKeys {
		return
	}

	type aged struct {
		key     string
		created time.Time
	}
	all := make([]aged, 0, len(m.entries))
	for k, e := range m.entries {
		all = append(all, aged{key: k, created: e.createdAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].created.Before(all[j].created) })

	for _, a := range all[:len(all)/5] {
		delete(m.entries, a.key)
	}
}
