// Package cache backs duplicate-submission suppression at the ingress. The
// only operation the gateway needs is an atomic set-if-absent with TTL, so
// the interface stays narrow.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("key not found in cache")
	ErrNotConnected = errors.New("not connected to cache")
)

// Cache is a TTL key store with an atomic set-if-absent primitive
type Cache interface {
	// Connect establishes the connection
	Connect() error

	// Close releases the connection
	Close() error

	// Type returns the backend name
	Type() string

	// SetNX stores the value only if the key is absent. Returns true when
	// the key was set, false when it already existed.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Exists reports whether the key is present and unexpired
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes a key
	Delete(ctx context.Context, key string) error
}

// Config selects and parameterizes the backend
type Config struct {
	Type     string // "memory", "redis", "memcached"
	Host     string
	Port     int
	Password string
	Database int
}

// Factory creates a cache instance from configuration
func Factory(config Config) (Cache, error) {
	switch config.Type {
	case "memory", "":
		return NewMemory(), nil
	case "redis":
		return NewRedis(config), nil
	case "memcached":
		return NewMemcached(config), nil
	default:
		return nil, errors.New("unsupported cache type: " + config.Type)
	}
}
