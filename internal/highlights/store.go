package highlights

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type StoreOptions struct {
	Backend       KVBackend
	Logger        zerolog.Logger
	Bus           *Bus
	RequestBuffer int
	Now           func() time.Time
}

type ImportResult struct {
	Highlights []Highlight `json:"highlights"`
	NewCount   int         `json:"newCount"`
	Duplicates int         `json:"duplicates"`
	Dropped    int         `json:"dropped"`
}

type StoreStatus struct {
	Manifest      Manifest `json:"manifest"`
	HasManifest   bool     `json:"hasManifest"`
	CachedCount   int      `json:"cachedCount"`
	MaxValueBytes int      `json:"maxValueBytes"`
	MaxHighlights int      `json:"maxHighlights"`
	BatchedWrites bool     `json:"batchedWrites"`
}

// Store is the single owner of the highlight collection. Every read and
// mutation runs on one goroutine, so read-modify-write cycles never
// interleave; callers queue behind the request currently in flight.
type Store struct {
	chunks  *ChunkedStore
	backend KVBackend
	log     zerolog.Logger
	bus     *Bus
	now     func() time.Time

	requests  chan storeRequest
	closed    chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// owned by run
	cache  []Highlight
	loaded bool
}

type storeRequest struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	backend := opts.Backend
	if backend == nil {
		backend = NewInMemoryKVBackend(0)
	}
	buffer := opts.RequestBuffer
	if buffer <= 0 {
		buffer = 64
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	bus := opts.Bus
	if bus == nil {
		bus = NewBus(0)
	}
	logger := opts.Logger.With().Str("component", "store").Logger()
	chunks := NewChunkedStore(backend, opts.Logger)
	chunks.now = now
	s := &Store{
		chunks:   chunks,
		backend:  backend,
		log:      logger,
		bus:      bus,
		now:      now,
		requests: make(chan storeRequest, buffer),
		closed:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Store) Bus() *Bus {
	return s.bus
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.wg.Wait()
		if closer, ok := s.backend.(kvBackendCloser); ok && closer != nil {
			_ = closer.Close()
		}
	})
}

func (s *Store) run() {
	defer s.wg.Done()
	defer close(s.stopped)
	for {
		select {
		case <-s.closed:
			for {
				select {
				case req := <-s.requests:
					req.done <- ErrClosed
				default:
					return
				}
			}
		case req := <-s.requests:
			if err := req.ctx.Err(); err != nil {
				req.done <- err
				continue
			}
			req.done <- req.fn(req.ctx)
		}
	}
}

func (s *Store) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := s.submit(ctx, fn)
	storeOperationsTotal.WithLabelValues(op, resultLabel(err)).Inc()
	if err != nil {
		s.log.Debug().Err(err).Str("op", op).Msg("store request failed")
	}
	return err
}

func (s *Store) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	req := storeRequest{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	select {
	case s.requests <- req:
	case <-s.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	// Once queued, fn may already be running and writing its caller's
	// results, so wait for its answer. fn sees the cancellation through
	// req.ctx.
	select {
	case err := <-req.done:
		return err
	case <-s.stopped:
		select {
		case err := <-req.done:
			return err
		default:
			return ErrClosed
		}
	}
}

func (s *Store) ensureLoadedLocked(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	loaded, err := s.chunks.LoadAll(ctx)
	if err != nil {
		return err
	}
	s.cache = loaded
	s.loaded = true
	collectionSize.Set(float64(len(loaded)))
	return nil
}

// commitLocked persists next and only then swaps it into the cache, so a
// failed write leaves the previous collection in effect.
func (s *Store) commitLocked(ctx context.Context, next []Highlight) error {
	if err := s.chunks.SaveAll(ctx, next); err != nil {
		s.log.Error().Err(err).Int("highlights", len(next)).Msg("failed to persist highlight collection")
		return err
	}
	s.cache = next
	s.loaded = true
	collectionSize.Set(float64(len(next)))
	s.bus.Publish(Event{Kind: EventHighlightsUpdated, Timestamp: s.now().UnixMilli(), Count: len(next)})
	return nil
}

func (s *Store) mergeLocked(ctx context.Context, incoming []Highlight) (MergeReport, error) {
	if err := s.ensureLoadedLocked(ctx); err != nil {
		return MergeReport{}, err
	}
	merged, report := MergeWithReport(s.cache, incoming)
	mergeRecordsTotal.WithLabelValues("added").Add(float64(report.Added))
	mergeRecordsTotal.WithLabelValues("duplicate").Add(float64(report.Duplicates))
	mergeRecordsTotal.WithLabelValues("dropped").Add(float64(report.Dropped))
	if report.Dropped > 0 {
		s.log.Warn().Int("dropped", report.Dropped).Msg("dropped malformed highlights during merge")
	}
	if report.Added == 0 {
		return report, nil
	}
	if err := s.commitLocked(ctx, merged); err != nil {
		return MergeReport{}, err
	}
	return report, nil
}

func (s *Store) SaveHighlight(ctx context.Context, h Highlight) (MergeReport, error) {
	if err := h.Validate(); err != nil {
		return MergeReport{Dropped: 1}, err
	}
	var report MergeReport
	err := s.do(ctx, "save_highlight", func(ctx context.Context) error {
		var mergeErr error
		report, mergeErr = s.mergeLocked(ctx, []Highlight{h})
		return mergeErr
	})
	return report, err
}

// SavePending merges a replayed offline batch. Replaying the same batch
// twice adds nothing the second time.
func (s *Store) SavePending(ctx context.Context, batch []Highlight) (MergeReport, error) {
	var report MergeReport
	err := s.do(ctx, "save_pending", func(ctx context.Context) error {
		var mergeErr error
		report, mergeErr = s.mergeLocked(ctx, batch)
		return mergeErr
	})
	return report, err
}

func (s *Store) Import(ctx context.Context, batch []Highlight) (ImportResult, error) {
	var result ImportResult
	err := s.do(ctx, "import", func(ctx context.Context) error {
		report, mergeErr := s.mergeLocked(ctx, batch)
		if mergeErr != nil {
			return mergeErr
		}
		result = ImportResult{
			Highlights: cloneHighlights(s.cache),
			NewCount:   report.Added,
			Duplicates: report.Duplicates,
			Dropped:    report.Dropped,
		}
		return nil
	})
	return result, err
}

func (s *Store) Highlights(ctx context.Context) ([]Highlight, error) {
	var out []Highlight
	err := s.do(ctx, "get_highlights", func(ctx context.Context) error {
		if err := s.ensureLoadedLocked(ctx); err != nil {
			return err
		}
		out = cloneHighlights(s.cache)
		return nil
	})
	return out, err
}

func (s *Store) UpdateNote(ctx context.Context, timestamp, url, note string) (Highlight, error) {
	timestamp = strings.TrimSpace(timestamp)
	url = strings.TrimSpace(url)
	if timestamp == "" || url == "" {
		return Highlight{}, fmt.Errorf("%w: timestamp and url are required", ErrInvalidInput)
	}
	var updated Highlight
	err := s.do(ctx, "update_note", func(ctx context.Context) error {
		if err := s.ensureLoadedLocked(ctx); err != nil {
			return err
		}
		next, matched := ApplyNote(s.cache, timestamp, url, note)
		if !matched {
			return ErrNotFound
		}
		if err := s.commitLocked(ctx, next); err != nil {
			return err
		}
		for _, h := range next {
			if h.Timestamp == timestamp && h.URL == url {
				updated = h
				break
			}
		}
		return nil
	})
	return updated, err
}

func (s *Store) Clear(ctx context.Context) error {
	return s.do(ctx, "clear", func(ctx context.Context) error {
		return s.commitLocked(ctx, []Highlight{})
	})
}

// ReplaceIfEmpty writes snapshot verbatim, without merging, but only when the
// committed collection is empty. It reports whether it wrote.
func (s *Store) ReplaceIfEmpty(ctx context.Context, snapshot []Highlight) (bool, error) {
	replaced := false
	err := s.do(ctx, "replace_if_empty", func(ctx context.Context) error {
		if err := s.ensureLoadedLocked(ctx); err != nil {
			return err
		}
		if len(s.cache) > 0 {
			return nil
		}
		if err := s.commitLocked(ctx, cloneHighlights(snapshot)); err != nil {
			return err
		}
		replaced = true
		return nil
	})
	return replaced, err
}

func (s *Store) ColorLabels(ctx context.Context) (map[string]string, error) {
	var labels map[string]string
	err := s.do(ctx, "get_color_labels", func(ctx context.Context) error {
		stored, ok, err := s.readColorLabelsLocked(ctx)
		if err != nil {
			return err
		}
		if !ok {
			stored = DefaultColorLabels()
		}
		labels = stored
		return nil
	})
	return labels, err
}

// EnsureColorLabels writes the default labels on first run.
func (s *Store) EnsureColorLabels(ctx context.Context) error {
	return s.do(ctx, "ensure_color_labels", func(ctx context.Context) error {
		_, ok, err := s.readColorLabelsLocked(ctx)
		if err != nil || ok {
			return err
		}
		return s.writeColorLabelsLocked(ctx, DefaultColorLabels())
	})
}

func (s *Store) SetColorLabels(ctx context.Context, labels map[string]string) error {
	if labels == nil {
		return fmt.Errorf("%w: labels are required", ErrInvalidInput)
	}
	clean := make(map[string]string, len(labels))
	for color, label := range labels {
		color = strings.ToLower(strings.TrimSpace(color))
		if color == "" {
			return fmt.Errorf("%w: empty color", ErrInvalidInput)
		}
		clean[color] = strings.TrimSpace(label)
	}
	return s.do(ctx, "set_color_labels", func(ctx context.Context) error {
		return s.writeColorLabelsLocked(ctx, clean)
	})
}

func (s *Store) readColorLabelsLocked(ctx context.Context) (map[string]string, bool, error) {
	data, ok, err := s.backend.Get(ctx, ColorLabelsKey)
	if err != nil {
		return nil, false, unavailable("load color labels", err)
	}
	if !ok {
		return nil, false, nil
	}
	var labels map[string]string
	if err := json.Unmarshal(data, &labels); err != nil {
		return nil, false, unavailable("decode color labels", err)
	}
	return labels, true, nil
}

func (s *Store) writeColorLabelsLocked(ctx context.Context, labels map[string]string) error {
	data, err := json.Marshal(labels)
	if err != nil {
		return &WriteError{Key: ColorLabelsKey, Err: err}
	}
	if err := s.backend.Set(ctx, ColorLabelsKey, data); err != nil {
		return asWriteError(ColorLabelsKey, err)
	}
	return nil
}

func (s *Store) Status(ctx context.Context) (StoreStatus, error) {
	var status StoreStatus
	err := s.do(ctx, "status", func(ctx context.Context) error {
		manifest, ok, err := s.chunks.Manifest(ctx)
		if err != nil {
			return err
		}
		_, batched := s.backend.(BatchWriter)
		status = StoreStatus{
			Manifest:      manifest,
			HasManifest:   ok,
			CachedCount:   len(s.cache),
			MaxValueBytes: s.backend.MaxValueBytes(),
			MaxHighlights: MaxHighlights,
			BatchedWrites: batched,
		}
		return nil
	})
	return status, err
}
