package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentworkforce/relayhighlight/internal/highlights"
)

func queuedHighlight(i int) highlights.Highlight {
	return highlights.NewHighlight(highlights.CaptureInput{
		Text: fmt.Sprintf("offline passage %d", i),
		URL:  fmt.Sprintf("https://news.example.org/story/%d", i),
	}, time.Date(2024, 3, 1, 12, 0, i, 0, time.UTC))
}

func TestFileQueuePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	q, err := NewFileQueue(dir, "News.Example.org", 10)
	if err != nil {
		t.Fatalf("new file queue failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := q.Append(queuedHighlight(i)); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}
	if filepath.Base(q.Path()) != "pending_highlights_news.example.org.json" {
		t.Fatalf("unexpected queue file %q", q.Path())
	}

	reopened, err := NewFileQueue(dir, "news.example.org", 10)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	items := reopened.Snapshot()
	if len(items) != 3 {
		t.Fatalf("expected 3 persisted captures, got %d", len(items))
	}
	for i, item := range items {
		if item.Text != fmt.Sprintf("offline passage %d", i) {
			t.Fatalf("capture order changed at %d: %q", i, item.Text)
		}
	}
}

func TestFileQueueEvictsOldestAtCapacity(t *testing.T) {
	q, err := NewFileQueue(t.TempDir(), "example.org", 3)
	if err != nil {
		t.Fatalf("new file queue failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := q.Append(queuedHighlight(i)); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}
	items := q.Snapshot()
	if len(items) != 3 {
		t.Fatalf("expected queue capped at 3, got %d", len(items))
	}
	if items[0].Text != "offline passage 2" || items[2].Text != "offline passage 4" {
		t.Fatalf("expected the newest captures to survive, got %q..%q", items[0].Text, items[2].Text)
	}
}

func TestFileQueueTrimsOversizedFileOnLoad(t *testing.T) {
	dir := t.TempDir()
	big, err := NewFileQueue(dir, "example.org", 10)
	if err != nil {
		t.Fatalf("new file queue failed: %v", err)
	}
	for i := 0; i < 6; i++ {
		if err := big.Append(queuedHighlight(i)); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	small, err := NewFileQueue(dir, "example.org", 4)
	if err != nil {
		t.Fatalf("reopen with smaller capacity failed: %v", err)
	}
	if small.Len() != 4 {
		t.Fatalf("expected 4 entries after trim, got %d", small.Len())
	}
	if got := small.Snapshot()[0].Text; got != "offline passage 2" {
		t.Fatalf("expected oldest entries trimmed, first is %q", got)
	}
}

func TestFileQueueRemoveKeepsUnsentCaptures(t *testing.T) {
	q, err := NewFileQueue(t.TempDir(), "example.org", 10)
	if err != nil {
		t.Fatalf("new file queue failed: %v", err)
	}
	for i := 0; i < 4; i++ {
		_ = q.Append(queuedHighlight(i))
	}
	sent := q.Snapshot()[:3]
	if err := q.Remove([]string{sent[0].ID, sent[1].ID, sent[2].ID}); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	items := q.Snapshot()
	if len(items) != 1 || items[0].Text != "offline passage 3" {
		t.Fatalf("expected only the last capture left, got %+v", items)
	}
	if err := q.Remove([]string{"highlight-missing"}); err != nil {
		t.Fatalf("remove of unknown id failed: %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("expected unknown id to leave the queue alone, got %d", q.Len())
	}
}

func TestFileQueueRemoveKeepsAppendsFromAnotherProcess(t *testing.T) {
	dir := t.TempDir()
	daemon, err := NewFileQueue(dir, "example.org", 10)
	if err != nil {
		t.Fatalf("open daemon queue failed: %v", err)
	}
	if err := daemon.Append(queuedHighlight(0)); err != nil {
		t.Fatalf("daemon append failed: %v", err)
	}
	batch := daemon.Snapshot()

	cli, err := NewFileQueue(dir, "example.org", 10)
	if err != nil {
		t.Fatalf("open cli queue failed: %v", err)
	}
	if err := cli.Append(queuedHighlight(1)); err != nil {
		t.Fatalf("cli append failed: %v", err)
	}

	if err := daemon.Remove([]string{batch[0].ID}); err != nil {
		t.Fatalf("remove flushed batch failed: %v", err)
	}
	reopened, err := NewFileQueue(dir, "example.org", 10)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	items := reopened.Snapshot()
	if len(items) != 1 || items[0].Text != "offline passage 1" {
		t.Fatalf("expected the other process's capture to survive the flush, got %+v", items)
	}
	if daemon.Len() != 1 {
		t.Fatalf("expected daemon view refreshed to 1 entry, got %d", daemon.Len())
	}
}

func TestFileQueueEvictionDuringFlushKeepsNewestCapture(t *testing.T) {
	q, err := NewFileQueue(t.TempDir(), "example.org", 2)
	if err != nil {
		t.Fatalf("new file queue failed: %v", err)
	}
	_ = q.Append(queuedHighlight(0))
	_ = q.Append(queuedHighlight(1))
	batch := q.Snapshot()

	// Arrives mid flush and evicts passage 0.
	if err := q.Append(queuedHighlight(2)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := q.Remove(batchIDs(batch)); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	items := q.Snapshot()
	if len(items) != 1 || items[0].Text != "offline passage 2" {
		t.Fatalf("expected the unsent capture to remain, got %+v", items)
	}
}

func TestFileQueueRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, QueueFileName("example.org")), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed corrupt file failed: %v", err)
	}
	if _, err := NewFileQueue(dir, "example.org", 10); err == nil {
		t.Fatalf("expected corrupt queue file to be reported")
	}
}

func TestQueueSetListsPersistedHosts(t *testing.T) {
	dir := t.TempDir()
	first, err := NewQueueSet(dir, 10)
	if err != nil {
		t.Fatalf("new queue set failed: %v", err)
	}
	for _, host := range []string{"b.example.org", "a.example.org"} {
		q, err := first.Queue(host)
		if err != nil {
			t.Fatalf("open queue %s failed: %v", host, err)
		}
		if err := q.Append(queuedHighlight(1)); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write unrelated file failed: %v", err)
	}

	second, err := NewQueueSet(dir, 10)
	if err != nil {
		t.Fatalf("new queue set failed: %v", err)
	}
	hosts, err := second.Hosts()
	if err != nil {
		t.Fatalf("hosts failed: %v", err)
	}
	if len(hosts) != 2 || hosts[0] != "a.example.org" || hosts[1] != "b.example.org" {
		t.Fatalf("unexpected hosts %v", hosts)
	}
}

func TestQueueSetMemoryModeWhenDirEmpty(t *testing.T) {
	set, err := NewQueueSet("", 2)
	if err != nil {
		t.Fatalf("new queue set failed: %v", err)
	}
	q, err := set.Queue("")
	if err != nil {
		t.Fatalf("queue failed: %v", err)
	}
	if q.Host() != "unknown" {
		t.Fatalf("expected empty host to map to unknown, got %q", q.Host())
	}
	for i := 0; i < 3; i++ {
		_ = q.Append(queuedHighlight(i))
	}
	if set.Pending() != 2 {
		t.Fatalf("expected memory queue capped at 2, got %d", set.Pending())
	}
}

func TestNormalizeHost(t *testing.T) {
	cases := map[string]string{
		"Example.COM":      "example.com",
		"  ":               "unknown",
		"localhost:8080":   "localhost_8080",
		"bad/../path":      "bad_.._path",
		"under_score-dash": "under_score-dash",
	}
	for in, want := range cases {
		if got := normalizeHost(in); got != want {
			t.Fatalf("normalizeHost(%q) = %q, want %q", in, got, want)
		}
	}
}
