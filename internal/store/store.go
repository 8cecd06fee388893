// Package store is the small persistent key/value layer the tracker uses to
// remember in-flight tasks across restarts.
//
// All operations on Client are best effort: a failing backend is logged and
// counted, never returned to the caller, and a corrupt value reads as absent.
package store

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	xerrors "consult-tasktrack/internal/errors"
	"consult-tasktrack/internal/observability/metrics"
	"consult-tasktrack/pkg/logger"
)

// ErrNotFound is returned by backends when a key is absent or expired.
var ErrNotFound = xerrors.New(xerrors.CodeNotFound, "state key not found")

// Backend is the raw byte store behind a Client.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key. A ttl of zero never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Purger is implemented by backends that can drop expired keys on demand.
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

// Client wraps a Backend with namespaced, JSON encoded values.
type Client struct {
	backend Backend
	logger  *slog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithLogger overrides the logger used to report swallowed failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New wraps backend. A nil backend falls back to an in-memory one.
func New(backend Backend, opts ...Option) *Client {
	if backend == nil {
		backend = NewMemoryBackend(0)
	}
	c := &Client{backend: backend, logger: logger.Named("store")}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Key joins a namespace and a key.
func Key(namespace, key string) string {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return key
	}
	return namespace + ":" + key
}

// Save persists value without expiry.
func (c *Client) Save(ctx context.Context, namespace, key string, value any) {
	c.SaveFor(ctx, namespace, key, value, 0)
}

// SaveFor persists value for ttl.
func (c *Client) SaveFor(ctx context.Context, namespace, key string, value any, ttl time.Duration) {
	full := Key(namespace, key)
	data, err := json.Marshal(value)
	if err != nil {
		c.fail("encode", full, err)
		return
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := c.backend.Set(ctx, full, data, ttl); err != nil {
		c.fail("save", full, err)
	}
}

// Load decodes the value stored under key into out. It reports false when the
// key is missing, unreadable or malformed.
func (c *Client) Load(ctx context.Context, namespace, key string, out any) bool {
	full := Key(namespace, key)
	data, err := c.backend.Get(ctx, full)
	if err != nil {
		if !stdErrors.Is(err, ErrNotFound) {
			c.fail("load", full, err)
		}
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.fail("decode", full, err)
		return false
	}
	return true
}

// Remove deletes key. Removing an absent key is a no-op.
func (c *Client) Remove(ctx context.Context, namespace, key string) {
	full := Key(namespace, key)
	if err := c.backend.Delete(ctx, full); err != nil && !stdErrors.Is(err, ErrNotFound) {
		c.fail("remove", full, err)
	}
}

// Purge drops expired keys when the backend supports it.
func (c *Client) Purge(ctx context.Context) int64 {
	p, ok := c.backend.(Purger)
	if !ok {
		return 0
	}
	n, err := p.Purge(ctx)
	if err != nil {
		c.fail("purge", "*", err)
	}
	return n
}

// Close releases the backend.
func (c *Client) Close() error {
	if c == nil || c.backend == nil {
		return nil
	}
	return c.backend.Close()
}

func (c *Client) fail(op, key string, err error) {
	metrics.StoreFailures.WithLabelValues(op).Inc()
	c.logger.Warn("state store operation failed", "op", op, "key", key, "error", err)
}
