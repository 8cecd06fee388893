package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	xerrors "consult-tasktrack/internal/errors"
	"consult-tasktrack/internal/store"
)

// Config describes the Redis connection.
type Config struct {
	Address  string
	Password string
	DB       int
	// Prefix is prepended to every key. Defaults to "tasktrack:".
	Prefix string
}

// StateBackend implements store.Backend with plain string keys.
type StateBackend struct {
	client *goredis.Client
	prefix string
}

// NewStateBackend connects to Redis and verifies the connection.
func NewStateBackend(ctx context.Context, cfg Config) (*StateBackend, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "redis address is empty")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeUnavailable, err, "connect redis")
	}
	return NewStateBackendWithClient(client, cfg.Prefix), nil
}

// NewStateBackendWithClient wraps an existing client.
func NewStateBackendWithClient(client *goredis.Client, prefix string) *StateBackend {
	if prefix == "" {
		prefix = "tasktrack:"
	}
	return &StateBackend{client: client, prefix: prefix}
}

func (b *StateBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := b.client.Get(ctx, b.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "redis get")
	}
	return data, nil
}

func (b *StateBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := b.client.Set(ctx, b.prefix+key, value, ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "redis set")
	}
	return nil
}

func (b *StateBackend) Delete(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, b.prefix+key).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "redis del")
	}
	return nil
}

// Close closes the underlying client.
func (b *StateBackend) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}
