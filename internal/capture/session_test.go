package capture

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
	"pgregory.net/rapid"

	"github.com/agentworkforce/relayhighlight/internal/highlights"
)

type fakeStore struct {
	mu       sync.Mutex
	stored   []highlights.Highlight
	batches  int
	failures int
}

func (f *fakeStore) SaveHighlight(_ context.Context, h highlights.Highlight) (highlights.MergeReport, error) {
	return f.save([]highlights.Highlight{h})
}

func (f *fakeStore) SavePending(_ context.Context, batch []highlights.Highlight) (highlights.MergeReport, error) {
	return f.save(batch)
}

func (f *fakeStore) save(batch []highlights.Highlight) (highlights.MergeReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return highlights.MergeReport{}, highlights.ErrStoreUnavailable
	}
	f.batches++
	var report highlights.MergeReport
	f.stored, report = highlights.MergeWithReport(f.stored, batch)
	return report, nil
}

func (f *fakeStore) snapshot() []highlights.Highlight {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]highlights.Highlight(nil), f.stored...)
}

func (f *fakeStore) failNext(n int) {
	f.mu.Lock()
	f.failures = n
	f.mu.Unlock()
}

func newTestSession(t *testing.T, store Store, linker Linker, dir string) *Session {
	t.Helper()
	queues, err := NewQueueSet(dir, 0)
	require.NoError(t, err)
	session, err := NewSession(SessionOptions{
		Store:             store,
		Linker:            linker,
		Queues:            queues,
		Logger:            zerolog.Nop(),
		ReconnectInterval: 20 * time.Millisecond,
		FlushInterval:     time.Hour,
	})
	require.NoError(t, err)
	return session
}

func captureInput(i int) highlights.CaptureInput {
	return highlights.CaptureInput{
		Text:  fmt.Sprintf("captured while offline %d", i),
		URL:   fmt.Sprintf("https://blog.example.net/post/%d", i%2),
		Title: "Example post",
	}
}

// eventsServer greets every websocket client and holds the link open until
// the client leaves or drop is closed.
func eventsServer(t *testing.T, greeting highlights.EventKind) *httptest.Server {
	return droppingEventsServer(t, greeting, nil)
}

func droppingEventsServer(t *testing.T, greeting highlights.EventKind, drop <-chan struct{}) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/events" {
			http.NotFound(w, r)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		if err := wsjson.Write(r.Context(), conn, highlights.Event{Kind: greeting, Timestamp: time.Now().UnixMilli()}); err != nil {
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		go func() {
			select {
			case <-drop:
				cancel()
			case <-ctx.Done():
			}
		}()
		_, _, _ = conn.Read(ctx)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCaptureQueuesWhileDisconnected(t *testing.T) {
	store := &fakeStore{}
	session := newTestSession(t, store, nil, t.TempDir())

	result, err := session.Capture(context.Background(), captureInput(1))
	require.NoError(t, err)
	assert.True(t, result.Pending)
	assert.Equal(t, "blog.example.net", result.Highlight.Website)
	assert.Equal(t, highlights.DefaultColor, result.Highlight.Color)
	assert.Empty(t, store.snapshot())
	assert.Equal(t, 1, session.Queues().Pending())
}

func TestCaptureStoresDirectlyWhenConnected(t *testing.T) {
	store := &fakeStore{}
	session := newTestSession(t, store, nil, "")
	session.setState(Connected)

	result, err := session.Capture(context.Background(), captureInput(1))
	require.NoError(t, err)
	assert.False(t, result.Pending)
	assert.True(t, result.Added)
	assert.Len(t, store.snapshot(), 1)

	again, err := session.Capture(context.Background(), captureInput(1))
	require.NoError(t, err)
	assert.False(t, again.Added, "same text and url is a duplicate")
	assert.Len(t, store.snapshot(), 1)
}

func TestCaptureFallsBackToQueueWhenSaveFails(t *testing.T) {
	store := &fakeStore{}
	store.failNext(1)
	session := newTestSession(t, store, nil, "")
	session.setState(Connected)

	result, err := session.Capture(context.Background(), captureInput(3))
	require.NoError(t, err)
	assert.True(t, result.Pending)
	assert.Equal(t, 1, session.Queues().Pending())
}

func TestCaptureRejectsEmptySelection(t *testing.T) {
	session := newTestSession(t, &fakeStore{}, nil, "")
	_, err := session.Capture(context.Background(), highlights.CaptureInput{URL: "https://example.com"})
	require.ErrorIs(t, err, highlights.ErrMalformedRecord)
	assert.Zero(t, session.Queues().Pending())
}

func TestFlushKeepsQueueOnFailure(t *testing.T) {
	store := &fakeStore{}
	session := newTestSession(t, store, nil, t.TempDir())
	for i := 0; i < 3; i++ {
		_, err := session.Capture(context.Background(), captureInput(i))
		require.NoError(t, err)
	}

	store.failNext(1)
	result, err := session.Flush(context.Background())
	require.ErrorIs(t, err, highlights.ErrStoreUnavailable)
	assert.Equal(t, 3, result.Failed)
	assert.Equal(t, 3, session.Queues().Pending())

	result, err = session.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Sent)
	assert.Equal(t, 3, result.Added)
	assert.Zero(t, session.Queues().Pending())
}

func TestFlushPicksUpQueueFilesFromAnotherProcess(t *testing.T) {
	dir := t.TempDir()
	writer := newTestSession(t, &fakeStore{}, nil, dir)
	_, err := writer.Capture(context.Background(), captureInput(7))
	require.NoError(t, err)

	store := &fakeStore{}
	reader := newTestSession(t, store, nil, dir)
	result, err := reader.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)
	require.Len(t, store.snapshot(), 1)
	assert.Equal(t, "captured while offline 7", store.snapshot()[0].Text)
}

func TestFlushSendsCapturesAppendedToAnOpenQueue(t *testing.T) {
	dir := t.TempDir()
	store := &fakeStore{}
	daemon := newTestSession(t, store, nil, dir)
	_, err := daemon.Capture(context.Background(), captureInput(0))
	require.NoError(t, err)

	cli := newTestSession(t, &fakeStore{}, nil, dir)
	_, err = cli.Capture(context.Background(), captureInput(2))
	require.NoError(t, err)

	result, err := daemon.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Sent)
	assert.Len(t, store.snapshot(), 2)

	reopened, err := NewFileQueue(dir, "blog.example.net", 0)
	require.NoError(t, err)
	assert.Zero(t, reopened.Len())
}

func TestOfflineCapturesReplayExactlyOnce(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		store := &fakeStore{}
		queues, err := NewQueueSet("", 0)
		if err != nil {
			rt.Fatalf("queue set: %v", err)
		}
		session, err := NewSession(SessionOptions{Store: store, Queues: queues, Logger: zerolog.Nop()})
		if err != nil {
			rt.Fatalf("session: %v", err)
		}

		indexes := rapid.SliceOfN(rapid.IntRange(0, 20), 1, 30).Draw(rt, "captures")
		distinct := map[string]struct{}{}
		for _, i := range indexes {
			in := captureInput(i)
			if _, err := session.Capture(context.Background(), in); err != nil {
				rt.Fatalf("capture: %v", err)
			}
			distinct[highlights.IdentityKey(in.Text, in.URL)] = struct{}{}
		}
		flushes := rapid.IntRange(1, 3).Draw(rt, "flushes")
		for n := 0; n < flushes; n++ {
			if _, err := session.Flush(context.Background()); err != nil {
				rt.Fatalf("flush: %v", err)
			}
		}

		stored := store.snapshot()
		if len(stored) != len(distinct) {
			rt.Fatalf("stored %d highlights, want %d distinct", len(stored), len(distinct))
		}
		seen := map[string]struct{}{}
		for _, h := range stored {
			if _, dup := seen[h.Key()]; dup {
				rt.Fatalf("duplicate stored for %q", h.Text)
			}
			seen[h.Key()] = struct{}{}
		}
		if queues.Pending() != 0 {
			rt.Fatalf("queue not drained: %d left", queues.Pending())
		}
	})
}

func TestRunConnectsAndFlushesQueuedCaptures(t *testing.T) {
	srv := eventsServer(t, highlights.EventConnected)
	store := &fakeStore{}
	session := newTestSession(t, store, NewClient(srv.URL, "", time.Second), t.TempDir())
	for i := 0; i < 3; i++ {
		_, err := session.Capture(context.Background(), captureInput(i))
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- session.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, session.WaitForState(waitCtx, Connected))
	require.Eventually(t, func() bool {
		return session.Queues().Pending() == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, store.snapshot(), 3)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
	assert.Equal(t, Disconnected, session.State())
}

func TestRunDropsToDisconnectedWhenLinkCloses(t *testing.T) {
	drop := make(chan struct{})
	srv := droppingEventsServer(t, highlights.EventConnected, drop)
	session, err := NewSession(SessionOptions{
		Store:             &fakeStore{},
		Linker:            NewClient(srv.URL, "", time.Second),
		Logger:            zerolog.Nop(),
		ReconnectInterval: time.Hour,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = session.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, session.WaitForState(waitCtx, Connected))

	close(drop)
	require.NoError(t, session.WaitForState(waitCtx, Disconnected))
}

func TestProbeRequiresConnectedGreeting(t *testing.T) {
	good := eventsServer(t, highlights.EventConnected)
	session := newTestSession(t, &fakeStore{}, NewClient(good.URL, "", time.Second), "")
	require.NoError(t, session.Probe(context.Background()))
	assert.Equal(t, Connected, session.State())

	bad := eventsServer(t, highlights.EventBackupUpdated)
	other := newTestSession(t, &fakeStore{}, NewClient(bad.URL, "", time.Second), "")
	err := other.Probe(context.Background())
	require.ErrorIs(t, err, highlights.ErrStoreUnavailable)
	assert.Equal(t, Disconnected, other.State())

	unlinked := newTestSession(t, &fakeStore{}, nil, "")
	require.ErrorIs(t, unlinked.Probe(context.Background()), highlights.ErrStoreUnavailable)
}

func TestJitteredInterval(t *testing.T) {
	base := 30 * time.Second
	assert.Equal(t, base, jitteredInterval(base, 0, 0.9))
	assert.InDelta(t, float64(24*time.Second), float64(jitteredInterval(base, 0.2, 0)), float64(time.Microsecond))
	assert.InDelta(t, float64(36*time.Second), float64(jitteredInterval(base, 0.2, 1)), float64(time.Microsecond))
	assert.InDelta(t, float64(base), float64(jitteredInterval(base, 0.2, 0.5)), float64(time.Microsecond))
	assert.Equal(t, time.Millisecond, jitteredInterval(base, 5, 0))
	assert.Zero(t, jitteredInterval(0, 0.2, 0.5))
}
