package capture

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relayhighlight/internal/highlights"
)

const (
	DefaultReconnectInterval = time.Second
	DefaultFlushInterval     = 30 * time.Second
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

type SessionOptions struct {
	Store             Store
	Linker            Linker
	Queues            *QueueSet
	Logger            zerolog.Logger
	ReconnectInterval time.Duration
	FlushInterval     time.Duration
	FlushJitter       float64
	Now               func() time.Time
}

type CaptureResult struct {
	Highlight highlights.Highlight `json:"highlight"`
	Pending   bool                 `json:"pending"`
	Added     bool                 `json:"added"`
}

type FlushResult struct {
	Sent       int `json:"sent"`
	Added      int `json:"added"`
	Duplicates int `json:"duplicates"`
	Failed     int `json:"failed"`
}

// Session captures highlights for one client. While the store is
// unreachable captures go to a per-hostname queue that is replayed, in
// order, once the link comes back.
type Session struct {
	store     Store
	linker    Linker
	queues    *QueueSet
	log       zerolog.Logger
	reconnect time.Duration
	interval  time.Duration
	jitter    float64
	now       func() time.Time

	mu      sync.Mutex
	state   State
	changed chan struct{}

	flushMu sync.Mutex
	flushCh chan struct{}
}

func NewSession(opts SessionOptions) (*Session, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: store is required", highlights.ErrInvalidInput)
	}
	queues := opts.Queues
	if queues == nil {
		var err error
		if queues, err = NewQueueSet("", 0); err != nil {
			return nil, err
		}
	}
	reconnect := opts.ReconnectInterval
	if reconnect <= 0 {
		reconnect = DefaultReconnectInterval
	}
	interval := opts.FlushInterval
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Session{
		store:     opts.Store,
		linker:    opts.Linker,
		queues:    queues,
		log:       opts.Logger.With().Str("component", "capture_session").Logger(),
		reconnect: reconnect,
		interval:  interval,
		jitter:    clampJitterRatio(opts.FlushJitter),
		now:       now,
		state:     Disconnected,
		changed:   make(chan struct{}),
		flushCh:   make(chan struct{}, 1),
	}, nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Queues() *QueueSet {
	return s.queues
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	if s.state == next {
		s.mu.Unlock()
		return
	}
	previous := s.state
	s.state = next
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()

	s.log.Debug().Str("from", previous.String()).Str("to", next.String()).Msg("session state changed")
	if next == Connected {
		s.requestFlush()
	}
}

// WaitForState blocks until the session reaches want or ctx is done.
func (s *Session) WaitForState(ctx context.Context, want State) error {
	for {
		s.mu.Lock()
		current, changed := s.state, s.changed
		s.mu.Unlock()
		if current == want {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Capture stores a new highlight, or queues it when the store cannot take
// it right now. Only a queue that cannot persist makes it fail.
func (s *Session) Capture(ctx context.Context, in highlights.CaptureInput) (CaptureResult, error) {
	h := highlights.NewHighlight(in, s.now())
	if err := h.Validate(); err != nil {
		capturesTotal.WithLabelValues("failed").Inc()
		return CaptureResult{}, err
	}
	if s.State() == Connected {
		report, err := s.store.SaveHighlight(ctx, h)
		if err == nil {
			capturesTotal.WithLabelValues("stored").Inc()
			return CaptureResult{Highlight: h, Added: report.Added > 0}, nil
		}
		s.log.Warn().Err(err).Str("url", h.URL).Msg("direct save failed, queueing capture")
	}

	host := h.Website
	if host == "" {
		host = highlights.WebsiteFromURL(h.URL)
	}
	q, err := s.queues.Queue(host)
	if err != nil {
		capturesTotal.WithLabelValues("failed").Inc()
		return CaptureResult{}, fmt.Errorf("open pending queue for %s: %w", host, err)
	}
	if err := q.Append(h); err != nil {
		capturesTotal.WithLabelValues("failed").Inc()
		return CaptureResult{}, fmt.Errorf("queue capture for %s: %w", host, err)
	}
	queueDepth.WithLabelValues(q.Host()).Set(float64(q.Len()))
	capturesTotal.WithLabelValues("queued").Inc()
	return CaptureResult{Highlight: h, Pending: true}, nil
}

// Flush replays every hostname queue as one batch per host. Entries are
// removed only after the store confirms the batch, so a failure leaves them
// for the next attempt.
func (s *Session) Flush(ctx context.Context) (FlushResult, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	var result FlushResult
	hosts, err := s.queues.Hosts()
	if err != nil {
		return result, err
	}
	var errs []error
	for _, host := range hosts {
		q, err := s.queues.Queue(host)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.queues.Reload(host); err != nil {
			errs = append(errs, fmt.Errorf("reload %s: %w", host, err))
			continue
		}
		batch := q.Snapshot()
		if len(batch) == 0 {
			continue
		}
		report, err := s.store.SavePending(ctx, batch)
		if err != nil {
			flushesTotal.WithLabelValues("error").Inc()
			result.Failed += len(batch)
			s.log.Warn().Err(err).Str("host", host).Int("pending", len(batch)).Msg("pending flush failed, keeping queue")
			errs = append(errs, fmt.Errorf("flush %s: %w", host, err))
			continue
		}
		if err := q.Remove(batchIDs(batch)); err != nil {
			// The batch is stored; a later replay merges as duplicates.
			s.log.Error().Err(err).Str("host", host).Msg("failed to trim flushed entries from queue")
			errs = append(errs, err)
		}
		flushesTotal.WithLabelValues("ok").Inc()
		queueDepth.WithLabelValues(q.Host()).Set(float64(q.Len()))
		result.Sent += len(batch)
		result.Added += report.Added
		result.Duplicates += report.Duplicates
		s.log.Info().Str("host", host).Int("sent", len(batch)).Int("added", report.Added).Msg("flushed pending highlights")
	}
	return result, errors.Join(errs...)
}

// Probe dials the liveness link once and leaves the session Connected when
// the service answers with a connected frame.
func (s *Session) Probe(ctx context.Context) error {
	if s.linker == nil {
		return fmt.Errorf("%w: no liveness link configured", highlights.ErrStoreUnavailable)
	}
	s.setState(Connecting)
	conn, err := s.connect(ctx)
	if err != nil {
		s.setState(Disconnected)
		return err
	}
	_ = conn.Close(websocket.StatusNormalClosure, "probe complete")
	s.setState(Connected)
	return nil
}

// Run keeps the liveness link up and flushes on connect, on the flush
// interval, and when another process appends to a queue file.
func (s *Session) Run(ctx context.Context) error {
	if s.linker == nil {
		return fmt.Errorf("%w: no liveness link configured", highlights.ErrStoreUnavailable)
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.maintainLink(ctx)
	}()
	defer wg.Wait()

	var watcherEvents <-chan string
	if dir := s.queues.Dir(); dir != "" {
		watcher, err := newQueueWatcher(dir, s.log)
		if err != nil {
			s.log.Warn().Err(err).Str("dir", dir).Msg("queue directory watch unavailable")
		} else {
			defer watcher.Close()
			watcherEvents = watcher.Hosts(ctx)
		}
	}

	rng := rand.New(rand.NewSource(s.now().UnixNano()))
	timer := time.NewTimer(jitteredInterval(s.interval, s.jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			s.flushIfConnected(ctx)
			timer.Reset(jitteredInterval(s.interval, s.jitter, rng.Float64()))
		case <-s.flushCh:
			s.flushIfConnected(ctx)
		case host, ok := <-watcherEvents:
			if !ok {
				watcherEvents = nil
				continue
			}
			if err := s.queues.Reload(host); err != nil {
				s.log.Warn().Err(err).Str("host", host).Msg("failed to reload queue file")
			}
			s.flushIfConnected(ctx)
		}
	}
}

func (s *Session) requestFlush() {
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

func (s *Session) flushIfConnected(ctx context.Context) {
	if s.State() != Connected {
		return
	}
	if _, err := s.Flush(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn().Err(err).Msg("flush incomplete")
	}
}

func (s *Session) maintainLink(ctx context.Context) {
	for ctx.Err() == nil {
		s.setState(Connecting)
		conn, err := s.connect(ctx)
		if err != nil {
			s.setState(Disconnected)
			s.log.Debug().Err(err).Msg("liveness link unavailable")
		} else {
			s.setState(Connected)
			err = s.readUntilClosed(ctx, conn)
			s.setState(Disconnected)
			if ctx.Err() == nil {
				s.log.Info().Err(err).Msg("liveness link lost, reconnecting")
			}
		}
		select {
		case <-ctx.Done():
		case <-time.After(s.reconnect):
		}
	}
	s.setState(Disconnected)
}

func (s *Session) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, err := s.linker.Dial(ctx)
	if err != nil {
		return nil, err
	}
	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var hello highlights.Event
	if err := wsjson.Read(readCtx, conn, &hello); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "no greeting")
		return nil, fmt.Errorf("%w: events greeting: %w", highlights.ErrStoreUnavailable, err)
	}
	if hello.Kind != highlights.EventConnected {
		_ = conn.Close(websocket.StatusProtocolError, "unexpected greeting")
		return nil, fmt.Errorf("%w: unexpected greeting %q", highlights.ErrStoreUnavailable, hello.Kind)
	}
	return conn, nil
}

func (s *Session) readUntilClosed(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close(websocket.StatusNormalClosure, "")
	for {
		var evt highlights.Event
		if err := wsjson.Read(ctx, conn, &evt); err != nil {
			return err
		}
		s.log.Debug().Str("event", string(evt.Kind)).Int("count", evt.Count).Msg("store event")
	}
}

func batchIDs(batch []highlights.Highlight) []string {
	ids := make([]string, len(batch))
	for i, h := range batch {
		ids[i] = h.ID
	}
	return ids
}
