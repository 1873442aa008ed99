// pkg/kv/memory.go
package kv

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	rec       Record
	expiresAt time.Time // zero means no expiry
}

// Memory is an in-process Store used in dev mode and tests.
type Memory struct {
	mu   sync.Mutex
	data map[string]memEntry

	// Now is swappable in tests.
	Now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{data: map[string]memEntry{}, Now: time.Now}
}

func (m *Memory) live(key string) (memEntry, bool) {
	e, ok := m.data[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && !m.Now().Before(e.expiresAt) {
		delete(m.data, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.Now().Add(ttl)
}

func (m *Memory) Get(_ context.Context, key string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return Record{}, ErrNotFound
	}
	return e.rec, nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ver := int64(1)
	if e, ok := m.live(key); ok {
		ver = e.rec.Version + 1
	}
	m.data[key] = memEntry{rec: Record{Value: value, Version: ver}, expiresAt: m.expiry(ttl)}
	return nil
}

func (m *Memory) PutIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.data[key] = memEntry{rec: Record{Value: value, Version: 1}, expiresAt: m.expiry(ttl)}
	return true, nil
}

func (m *Memory) CompareAndSwap(_ context.Context, key string, expectedVersion int64, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok || e.rec.Version != expectedVersion {
		return false, nil
	}
	m.data[key] = memEntry{rec: Record{Value: value, Version: expectedVersion + 1}, expiresAt: m.expiry(ttl)}
	return true, nil
}

func (m *Memory) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live(key)
	delete(m.data, key)
	return ok, nil
}
