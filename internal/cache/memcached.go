package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Memcached implements Cache on a memcached server
type Memcached struct {
	config    Config
	client    *memcache.Client
	connected bool
}

// NewMemcached creates a memcached cache. Connect must be called before use.
func NewMemcached(config Config) *Memcached {
	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Port == 0 {
		config.Port = 11211
	}
	return &Memcached{config: config}
}

func (m *Memcached) Connect() error {
	if m.connected {
		return nil
	}
	m.client = memcache.New(fmt.Sprintf("%s:%d", m.config.Host, m.config.Port))
	m.client.Timeout = 5 * time.Second
	if err := m.client.Ping(); err != nil {
		return fmt.Errorf("connecting to memcached: %w", err)
	}
	m.connected = true
	return nil
}

func (m *Memcached) Close() error {
	m.connected = false
	return nil
}

func (m *Memcached) Type() string { return "memcached" }

func (m *Memcached) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if !m.connected {
		return false, ErrNotConnected
	}
	expiration := int32(0)
	if ttl > 0 {
		expiration = int32(ttl.Seconds())
	}
	err := m.client.Add(&memcache.Item{Key: key, Value: []byte(value), Expiration: expiration})
	if errors.Is(err, memcache.ErrNotStored) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m *Memcached) Exists(ctx context.Context, key string) (bool, error) {
	if !m.connected {
		return false, ErrNotConnected
	}
	_, err := m.client.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m *Memcached) Delete(ctx context.Context, key string) error {
	if !m.connected {
		return ErrNotConnected
	}
	err := m.client.Delete(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return ErrNotFound
	}
	return err
}
