package cache

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Memory implements Counters with a process-local map. It backs the
// rate-limit fallback path when Redis is unreachable and doubles as the
// counter store for unit tests. Expired entries are dropped lazily on access
// and in bulk by Sweep.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// NewMemory creates an empty in-process counter store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Test use only.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		e = &memEntry{}
		m.entries[key] = e
	}
	n, _ := strconv.ParseInt(e.value, 10, 64)
	n++
	e.value = strconv.FormatInt(n, 10)
	return n, nil
}

func (m *Memory) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		e = &memEntry{}
		m.entries[key] = e
	}
	n, _ := strconv.ParseInt(e.value, 10, 64)
	n++
	e.value = strconv.FormatInt(n, 10)
	e.expiresAt = m.now().Add(expiry)
	return n, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.live(key); e != nil {
		e.expiresAt = m.now().Add(ttl)
	}
	return nil
}

func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		return TTLMissing, nil
	}
	if e.expiresAt.IsZero() {
		return TTLNone, nil
	}
	return e.expiresAt.Sub(m.now()), nil
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Sweep removes all expired entries and returns how many were dropped.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	dropped := 0
	for key, e := range m.entries {
		if !e.expiresAt.IsZero() && !e.expiresAt.After(now) {
			delete(m.entries, key)
			dropped++
		}
	}
	return dropped
}

// Len reports the number of live entries, counting expired-but-unswept ones.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// StartJanitor sweeps expired entries every interval until ctx is done,
// bounding fallback-store memory during long shared-store outages.
func (m *Memory) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

// live returns the entry for key if present and unexpired, dropping it when
// the expiry has passed.
func (m *Memory) live(key string) *memEntry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !e.expiresAt.After(m.now()) {
		delete(m.entries, key)
		return nil
	}
	return e
}
