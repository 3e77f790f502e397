package highlights

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationChunkedStoreRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	ctx := context.Background()

	backend, err := NewPostgresKVBackend(dsn, 0)
	if err != nil {
		t.Fatalf("new postgres kv backend: %v", err)
	}
	backend.tableName = postgresIntegrationTableName("relayhighlight_kv_it")
	t.Cleanup(func() {
		_ = backend.Close()
		postgresIntegrationDropTable(t, dsn, backend.tableName)
	})

	store := NewChunkedStore(backend, zerolog.Nop())
	loaded, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected empty initial collection, got %d", len(loaded))
	}

	if err := store.SaveAll(ctx, testHighlights(310)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := store.SaveAll(ctx, testHighlights(105)); err != nil {
		t.Fatalf("second save failed: %v", err)
	}
	keys, err := backend.Keys(ctx, ChunkKeyPrefix)
	if err != nil {
		t.Fatalf("keys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 chunk keys after shrink, got %v", keys)
	}
	loaded, err = store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("load after save failed: %v", err)
	}
	if len(loaded) != 105 || loaded[104] != testHighlight(104) {
		t.Fatalf("unexpected loaded collection: %d records", len(loaded))
	}
}

func TestPostgresIntegrationMirrorRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	ctx := context.Background()

	backend, err := NewPostgresKVBackend(dsn, 0)
	if err != nil {
		t.Fatalf("new postgres kv backend: %v", err)
	}
	backend.tableName = postgresIntegrationTableName("relayhighlight_mirror_it")
	t.Cleanup(func() {
		_ = backend.Close()
		postgresIntegrationDropTable(t, dsn, backend.tableName)
	})

	mirror := NewKVMirror(backend, 0)
	when := time.UnixMilli(1_700_000_000_000)
	if err := mirror.Put(ctx, Snapshot{Highlights: testHighlights(3), BackupTime: when}); err != nil {
		t.Fatalf("mirror put failed: %v", err)
	}
	snapshot, ok, err := mirror.Get(ctx)
	if err != nil || !ok {
		t.Fatalf("mirror get failed: ok=%v err=%v", ok, err)
	}
	if len(snapshot.Highlights) != 3 || !snapshot.BackupTime.Equal(when) {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("RELAYHIGHLIGHT_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set RELAYHIGHLIGHT_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", sqlQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
