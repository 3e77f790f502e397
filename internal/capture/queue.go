package capture

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/agentworkforce/relayhighlight/internal/highlights"
)

const (
	queueFilePrefix      = "pending_highlights_"
	queueFileSuffix      = ".json"
	queueLockSuffix      = ".lock"
	DefaultQueueCapacity = 1000
)

// PendingQueue holds captures made while the store was unreachable, in
// capture order, for one hostname.
type PendingQueue interface {
	Host() string
	Append(h highlights.Highlight) error
	Snapshot() []highlights.Highlight
	Remove(ids []string) error
	Len() int
}

// QueueFileName is the file a hostname's queue persists to.
func QueueFileName(host string) string {
	return queueFilePrefix + normalizeHost(host) + queueFileSuffix
}

func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return "unknown"
	}
	var b strings.Builder
	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

type memoryQueue struct {
	host     string
	capacity int
	mu       sync.Mutex
	items    []highlights.Highlight
}

func NewMemoryQueue(host string, capacity int) PendingQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &memoryQueue{host: normalizeHost(host), capacity: capacity, items: []highlights.Highlight{}}
}

func (q *memoryQueue) Host() string { return q.host }

func (q *memoryQueue) Append(h highlights.Highlight) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = appendBounded(q.items, h, q.capacity)
	return nil
}

func (q *memoryQueue) Snapshot() []highlights.Highlight {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]highlights.Highlight(nil), q.items...)
}

func (q *memoryQueue) Remove(ids []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = removeIDs(q.items, ids)
	return nil
}

func (q *memoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type fileQueueState struct {
	Host  string                 `json:"host"`
	Items []highlights.Highlight `json:"items"`
}

// FileQueue persists every change before returning, so a crash loses at
// most the capture in flight. Each change re-reads the file under an
// exclusive lock on a sibling .lock file, so several processes can share a
// queue directory.
type FileQueue struct {
	host     string
	path     string
	capacity int
	mu       sync.Mutex
	items    []highlights.Highlight
}

func NewFileQueue(dir, host string, capacity int) (*FileQueue, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, highlights.ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	q := &FileQueue{
		host:     normalizeHost(host),
		path:     filepath.Join(dir, QueueFileName(host)),
		capacity: capacity,
		items:    []highlights.Highlight{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *FileQueue) Host() string { return q.host }

func (q *FileQueue) Path() string { return q.path }

func (q *FileQueue) Append(h highlights.Highlight) error {
	return q.update(func(items []highlights.Highlight) []highlights.Highlight {
		return appendBounded(items, h, q.capacity)
	})
}

func (q *FileQueue) Snapshot() []highlights.Highlight {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]highlights.Highlight(nil), q.items...)
}

// Remove drops the captures with the given IDs. Entries appended since the
// caller took its snapshot, by this process or another, are kept.
func (q *FileQueue) Remove(ids []string) error {
	return q.update(func(items []highlights.Highlight) []highlights.Highlight {
		return removeIDs(items, ids)
	})
}

func (q *FileQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Reload re-reads the file, picking up appends made by another process.
func (q *FileQueue) Reload() error {
	return q.load()
}

func (q *FileQueue) load() error {
	return q.update(nil)
}

// update applies change to the on-disk list and writes it back. A nil
// change only refreshes the in-memory copy, unless the file held more
// entries than capacity allows.
func (q *FileQueue) update(change func([]highlights.Highlight) []highlights.Highlight) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	unlock, err := lockQueueFile(q.path + queueLockSuffix)
	if err != nil {
		return fmt.Errorf("lock %s: %w", q.path, err)
	}
	defer unlock()

	items, trimmed, err := q.readLocked()
	if err != nil {
		return err
	}
	if change == nil && !trimmed {
		q.items = items
		return nil
	}
	if change != nil {
		items = change(items)
	}
	if err := q.writeLocked(items); err != nil {
		return err
	}
	q.items = items
	return nil
}

func (q *FileQueue) readLocked() ([]highlights.Highlight, bool, error) {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []highlights.Highlight{}, false, nil
		}
		return nil, false, err
	}
	var snapshot fileQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", q.path, err)
	}
	if len(snapshot.Items) > q.capacity {
		return append([]highlights.Highlight(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...), true, nil
	}
	return append([]highlights.Highlight{}, snapshot.Items...), false, nil
}

func (q *FileQueue) writeLocked(items []highlights.Highlight) error {
	data, err := json.Marshal(fileQueueState{Host: q.host, Items: items})
	if err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

// appendBounded evicts the oldest entries once capacity is reached.
func appendBounded(items []highlights.Highlight, h highlights.Highlight, capacity int) []highlights.Highlight {
	items = append(items, h)
	if len(items) > capacity {
		items = items[len(items)-capacity:]
	}
	return items
}

func removeIDs(items []highlights.Highlight, ids []string) []highlights.Highlight {
	if len(ids) == 0 {
		return items
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := make([]highlights.Highlight, 0, len(items))
	for _, item := range items {
		if _, ok := drop[item.ID]; !ok {
			kept = append(kept, item)
		}
	}
	return kept
}

// QueueSet opens one queue per hostname. With an empty directory every
// queue lives in memory.
type QueueSet struct {
	dir      string
	capacity int
	mu       sync.Mutex
	queues   map[string]PendingQueue
}

func NewQueueSet(dir string, capacity int) (*QueueSet, error) {
	dir = strings.TrimSpace(dir)
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &QueueSet{dir: dir, capacity: capacity, queues: map[string]PendingQueue{}}, nil
}

func (s *QueueSet) Dir() string { return s.dir }

func (s *QueueSet) Queue(host string) (PendingQueue, error) {
	key := normalizeHost(host)
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[key]; ok {
		return q, nil
	}
	var q PendingQueue
	if s.dir == "" {
		q = NewMemoryQueue(key, s.capacity)
	} else {
		fq, err := NewFileQueue(s.dir, key, s.capacity)
		if err != nil {
			return nil, err
		}
		q = fq
	}
	s.queues[key] = q
	queueDepth.WithLabelValues(key).Set(float64(q.Len()))
	return q, nil
}

// Hosts lists every hostname with an open or persisted queue.
func (s *QueueSet) Hosts() ([]string, error) {
	s.mu.Lock()
	seen := map[string]struct{}{}
	for host := range s.queues {
		seen[host] = struct{}{}
	}
	s.mu.Unlock()
	if s.dir != "" {
		entries, err := os.ReadDir(s.dir)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		for _, entry := range entries {
			if host, ok := hostFromQueueFile(entry.Name()); ok && !entry.IsDir() {
				seen[host] = struct{}{}
			}
		}
	}
	hosts := make([]string, 0, len(seen))
	for host := range seen {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts, nil
}

// Reload refreshes an already open file queue from disk.
func (s *QueueSet) Reload(host string) error {
	s.mu.Lock()
	q, ok := s.queues[normalizeHost(host)]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if fq, ok := q.(*FileQueue); ok {
		return fq.Reload()
	}
	return nil
}

// Pending is the total number of queued captures across open queues.
func (s *QueueSet) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, q := range s.queues {
		total += q.Len()
	}
	return total
}

func hostFromQueueFile(name string) (string, bool) {
	if !strings.HasPrefix(name, queueFilePrefix) || !strings.HasSuffix(name, queueFileSuffix) {
		return "", false
	}
	host := strings.TrimSuffix(strings.TrimPrefix(name, queueFilePrefix), queueFileSuffix)
	if host == "" {
		return "", false
	}
	return host, true
}
