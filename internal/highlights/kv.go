package highlights

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// KVBackend is the storage substrate underneath the chunked store. Values are
// opaque byte slices; MaxValueBytes reports the per-value ceiling (0 means
// the substrate does not enforce one).
type KVBackend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	MaxValueBytes() int
}

// BatchWriter is implemented by substrates that can apply several sets and
// removes atomically.
type BatchWriter interface {
	WriteBatch(ctx context.Context, sets map[string][]byte, removes []string) error
}

type kvBackendCloser interface {
	Close() error
}

type InMemoryKVBackend struct {
	mu       sync.Mutex
	values   map[string][]byte
	maxBytes int
}

func NewInMemoryKVBackend(maxValueBytes int) *InMemoryKVBackend {
	if maxValueBytes < 0 {
		maxValueBytes = 0
	}
	return &InMemoryKVBackend{
		values:   map[string][]byte{},
		maxBytes: maxValueBytes,
	}
}

func (b *InMemoryKVBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	value, ok := b.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (b *InMemoryKVBackend) Set(_ context.Context, key string, value []byte) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	if b.maxBytes > 0 && len(value) > b.maxBytes {
		return &WriteError{Key: key, Err: fmt.Errorf("%w: %d bytes exceeds %d", ErrCapacityExceeded, len(value), b.maxBytes)}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[key] = append([]byte(nil), value...)
	return nil
}

func (b *InMemoryKVBackend) Remove(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range keys {
		delete(b.values, key)
	}
	return nil
}

func (b *InMemoryKVBackend) Keys(_ context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.values))
	for key := range b.values {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *InMemoryKVBackend) MaxValueBytes() int {
	return b.maxBytes
}

func (b *InMemoryKVBackend) WriteBatch(_ context.Context, sets map[string][]byte, removes []string) error {
	for key, value := range sets {
		if strings.TrimSpace(key) == "" {
			return ErrInvalidInput
		}
		if b.maxBytes > 0 && len(value) > b.maxBytes {
			return &WriteError{Key: key, Err: fmt.Errorf("%w: %d bytes exceeds %d", ErrCapacityExceeded, len(value), b.maxBytes)}
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range removes {
		delete(b.values, key)
	}
	for key, value := range sets {
		b.values[key] = append([]byte(nil), value...)
	}
	return nil
}

// FileKVBackend keeps one file per key under Dir. Values must be JSON.
type FileKVBackend struct {
	Dir      string
	maxBytes int
	mu       sync.Mutex
}

type fileKVEntry struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func NewFileKVBackend(dir string, maxValueBytes int) (*FileKVBackend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if maxValueBytes < 0 {
		maxValueBytes = 0
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileKVBackend{Dir: dir, maxBytes: maxValueBytes}, nil
}

func (b *FileKVBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok, err := b.readLocked(key)
	if err != nil || !ok {
		return nil, ok, err
	}
	return []byte(entry.Value), true, nil
}

func (b *FileKVBackend) Set(_ context.Context, key string, value []byte) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	if b.maxBytes > 0 && len(value) > b.maxBytes {
		return &WriteError{Key: key, Err: fmt.Errorf("%w: %d bytes exceeds %d", ErrCapacityExceeded, len(value), b.maxBytes)}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeLocked(key, value)
}

func (b *FileKVBackend) Remove(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range keys {
		if err := os.Remove(b.pathFor(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (b *FileKVBackend) Keys(_ context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries, err := os.ReadDir(b.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *FileKVBackend) MaxValueBytes() int {
	return b.maxBytes
}

func (b *FileKVBackend) pathFor(key string) string {
	return filepath.Join(b.Dir, url.PathEscape(key)+".json")
}

func (b *FileKVBackend) readLocked(key string) (fileKVEntry, bool, error) {
	data, err := os.ReadFile(b.pathFor(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fileKVEntry{}, false, nil
		}
		return fileKVEntry{}, false, err
	}
	var entry fileKVEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return fileKVEntry{}, false, err
	}
	return entry, true, nil
}

func (b *FileKVBackend) writeLocked(key string, value []byte) error {
	if !json.Valid(value) {
		return fmt.Errorf("%w: file backend stores json values only (key=%s)", ErrInvalidInput, key)
	}
	data, err := json.Marshal(fileKVEntry{Key: key, Value: json.RawMessage(value)})
	if err != nil {
		return err
	}
	path := b.pathFor(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
