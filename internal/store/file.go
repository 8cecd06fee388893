package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	xerrors "consult-tasktrack/internal/errors"
)

type fileEntry struct {
	Value     json.RawMessage `json:"value"`
	ExpiresAt int64           `json:"expires_at,omitempty"`
}

// FileBackend keeps all keys in a single JSON document on disk. Every write
// rewrites the document through a temporary file and an atomic rename.
type FileBackend struct {
	path string
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]fileEntry
}

// NewFileBackend opens (or creates) the state file at path.
func NewFileBackend(path string) (*FileBackend, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "state file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "create state directory")
	}
	b := &FileBackend{path: path, now: time.Now, entries: map[string]fileEntry{}}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read state file")
	case len(data) > 0:
		// A corrupt file is discarded rather than blocking startup.
		if err := json.Unmarshal(data, &b.entries); err != nil {
			b.entries = map[string]fileEntry{}
		}
	}
	return b, nil
}

func (b *FileBackend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	if entry.ExpiresAt > 0 && b.now().UnixMilli() >= entry.ExpiresAt {
		delete(b.entries, key)
		return nil, ErrNotFound
	}
	return append([]byte(nil), entry.Value...), nil
}

func (b *FileBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry := fileEntry{Value: append(json.RawMessage(nil), value...)}
	if ttl > 0 {
		entry.ExpiresAt = b.now().Add(ttl).UnixMilli()
	}
	prev, had := b.entries[key]
	b.entries[key] = entry
	if err := b.flush(); err != nil {
		if had {
			b.entries[key] = prev
		} else {
			delete(b.entries, key)
		}
		return err
	}
	return nil
}

func (b *FileBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[key]; !ok {
		return nil
	}
	delete(b.entries, key)
	return b.flush()
}

func (b *FileBackend) Purge(context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	before := len(b.entries)
	if err := b.flush(); err != nil {
		return 0, err
	}
	return int64(before - len(b.entries)), nil
}

func (b *FileBackend) Close() error { return nil }

func (b *FileBackend) flush() error {
	now := b.now().UnixMilli()
	for k, e := range b.entries {
		if e.ExpiresAt > 0 && now >= e.ExpiresAt {
			delete(b.entries, k)
		}
	}
	data, err := json.MarshalIndent(b.entries, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode state file")
	}
	tmp, err := os.CreateTemp(filepath.Dir(b.path), ".state-*")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "create temp state file")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write temp state file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "close temp state file")
	}
	if err := os.Rename(tmp.Name(), b.path); err != nil {
		os.Remove(tmp.Name())
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "replace state file")
	}
	return nil
}
