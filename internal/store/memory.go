package store

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryBackend keeps values in process memory. Expired entries are purged
// every cleanup interval and are never returned even before the purge runs.
type MemoryBackend struct {
	cache *cache.Cache
}

// NewMemoryBackend creates an in-memory backend. A non-positive cleanup
// interval defaults to one minute.
func NewMemoryBackend(cleanup time.Duration) *MemoryBackend {
	if cleanup <= 0 {
		cleanup = time.Minute
	}
	return &MemoryBackend{cache: cache.New(cache.NoExpiration, cleanup)}
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := m.cache.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	data, ok := v.([]byte)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	exp := cache.NoExpiration
	if ttl > 0 {
		exp = ttl
	}
	m.cache.Set(key, append([]byte(nil), value...), exp)
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.cache.Delete(key)
	return nil
}

func (m *MemoryBackend) Purge(context.Context) (int64, error) {
	before := m.cache.ItemCount()
	m.cache.DeleteExpired()
	return int64(before - m.cache.ItemCount()), nil
}

func (m *MemoryBackend) Close() error {
	m.cache.Flush()
	return nil
}
