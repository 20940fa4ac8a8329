package cache

import (
	"context"
	"sync"
	"time"
)

type item struct {
	value      string
	expiration int64 // unix nanoseconds, 0 = no expiry
}

func (i item) expired(now int64) bool {
	return i.expiration > 0 && now > i.expiration
}

// Memory is the default in-process cache
type Memory struct {
	mu        sync.RWMutex
	items     map[string]item
	connected bool
	stopChan  chan struct{}
}

// NewMemory creates an in-memory cache
func NewMemory() *Memory {
	return &Memory{items: make(map[string]item)}
}

// Connect starts the janitor that evicts expired entries
func (m *Memory) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		return nil
	}
	m.connected = true
	m.stopChan = make(chan struct{})

	go func(stop chan struct{}) {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.deleteExpired()
			case <-stop:
				return
			}
		}
	}(m.stopChan)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil
	}
	m.connected = false
	close(m.stopChan)
	m.items = make(map[string]item)
	return nil
}

func (m *Memory) Type() string { return "memory" }

func (m *Memory) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return false, ErrNotConnected
	}
	now := time.Now().UnixNano()
	if existing, ok := m.items[key]; ok && !existing.expired(now) {
		return false, nil
	}
	exp := int64(0)
	if ttl > 0 {
		exp = now + int64(ttl)
	}
	m.items[key] = item{value: value, expiration: exp}
	return true, nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return false, ErrNotConnected
	}
	it, ok := m.items[key]
	return ok && !it.expired(time.Now().UnixNano()), nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	if _, ok := m.items[key]; !ok {
		return ErrNotFound
	}
	delete(m.items, key)
	return nil
}

func (m *Memory) deleteExpired() {
	now := time.Now().UnixNano()
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, it := range m.items {
		if it.expired(now) {
			delete(m.items, key)
		}
	}
}
