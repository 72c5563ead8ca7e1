package gateway

import (
	"bytes"
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Compile-time check that Memory implements Gateway.
var _ Gateway = (*Memory)(nil)

// DefaultMemoryEntries bounds the in-memory gateway when no size is given.
const DefaultMemoryEntries = 4096

// Memory is a bounded in-process gateway. The least recently used entry is
// evicted when the capacity is reached; expired entries are dropped on read.
type Memory struct {
	mu     sync.Mutex
	cache  *lru.Cache[string, entry]
	now    func() time.Time
	closed bool
}

// NewMemory creates an in-memory gateway holding at most maxEntries keys.
func NewMemory(maxEntries int) (*Memory, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMemoryEntries
	}
	c, err := lru.New[string, entry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &Memory{cache: c, now: time.Now}, nil
}

// WithClock replaces the time source. Intended for tests.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
	return m
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	e, ok := m.liveLocked(key)
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(e.Value), true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.cache.Add(key, newEntry(value, ttl, m.now()))
	return nil
}

func (m *Memory) Add(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if _, ok := m.liveLocked(key); ok {
		return false, nil
	}
	m.cache.Add(key, newEntry(value, ttl, m.now()))
	return true, nil
}

func (m *Memory) DeleteIf(_ context.Context, key string, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	e, ok := m.liveLocked(key)
	if !ok || !bytes.Equal(e.Value, value) {
		return false, nil
	}
	m.cache.Remove(key)
	return true, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.cache.Remove(key)
	return nil
}

// Len returns the number of stored keys, including not yet collected
// expired ones.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Len()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.closed = true
	m.cache.Purge()
	return nil
}

func (m *Memory) liveLocked(key string) (entry, bool) {
	e, ok := m.cache.Get(key)
	if !ok {
		return entry{}, false
	}
	if e.expired(m.now()) {
		m.cache.Remove(key)
		return entry{}, false
	}
	return e, true
}
