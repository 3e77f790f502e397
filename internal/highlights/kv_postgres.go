package highlights

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresKVTableName      = "relayhighlight_kv"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// SQLKVBackend stores keys in a single table. It backs both the postgres and
// the sqlite schemes; only the driver, placeholders and DDL differ.
type SQLKVBackend struct {
	driver    string
	dsn       string
	tableName string
	maxBytes  int
	openDB    sqlOpenFunc

	initMu sync.Mutex
	db     *sql.DB
}

func NewPostgresKVBackend(dsn string, maxValueBytes int) (*SQLKVBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLKVBackend{
		driver:    "postgres",
		dsn:       stripDSNParams(dsn, "max_value_bytes", "capacity_bytes"),
		tableName: postgresKVTableName,
		maxBytes:  clampNonNegative(maxValueBytes),
		openDB:    sql.Open,
	}, nil
}

func (b *SQLKVBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	db, err := b.ensureReady()
	if err != nil {
		return nil, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT kv_value FROM %s WHERE kv_key = %s", sqlQuoteIdentifier(b.tableName), b.placeholder(1))
	var payload string
	err = db.QueryRowContext(ctx, query, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(payload), true, nil
}

func (b *SQLKVBackend) Set(ctx context.Context, key string, value []byte) error {
	return b.WriteBatch(ctx, map[string][]byte{key: value}, nil)
}

func (b *SQLKVBackend) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return b.WriteBatch(ctx, nil, keys)
}

func (b *SQLKVBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	db, err := b.ensureReady()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT kv_key FROM %s WHERE substr(kv_key, 1, %s) = %s ORDER BY kv_key",
		sqlQuoteIdentifier(b.tableName), b.placeholder(1), b.placeholder(2))
	rows, err := db.QueryContext(ctx, query, len(prefix), prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (b *SQLKVBackend) MaxValueBytes() int {
	return b.maxBytes
}

func (b *SQLKVBackend) WriteBatch(ctx context.Context, sets map[string][]byte, removes []string) error {
	for key, value := range sets {
		if strings.TrimSpace(key) == "" {
			return ErrInvalidInput
		}
		if b.maxBytes > 0 && len(value) > b.maxBytes {
			return &WriteError{Key: key, Err: fmt.Errorf("%w: %d bytes exceeds %d", ErrCapacityExceeded, len(value), b.maxBytes)}
		}
	}
	db, err := b.ensureReady()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE kv_key = %s", sqlQuoteIdentifier(b.tableName), b.placeholder(1))
	for _, key := range removes {
		if _, ok := sets[key]; ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, deleteQuery, key); err != nil {
			return err
		}
	}
	upsertQuery := fmt.Sprintf(`
		INSERT INTO %s (kv_key, kv_value, updated_at)
		VALUES (%s, %s, CURRENT_TIMESTAMP)
		ON CONFLICT (kv_key)
		DO UPDATE SET kv_value = excluded.kv_value, updated_at = CURRENT_TIMESTAMP`,
		sqlQuoteIdentifier(b.tableName), b.placeholder(1), b.placeholder(2))
	for _, key := range sortedKeys(sets) {
		if _, err := tx.ExecContext(ctx, upsertQuery, key, string(sets[key])); err != nil {
			return &WriteError{Key: key, Err: err}
		}
	}
	return tx.Commit()
}

func (b *SQLKVBackend) Close() error {
	if b == nil {
		return nil
	}
	b.initMu.Lock()
	defer b.initMu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// ensureReady opens the database and creates the table on first use. A
// failed attempt leaves nothing behind, so the next operation tries again.
func (b *SQLKVBackend) ensureReady() (*sql.DB, error) {
	if b == nil {
		return nil, ErrInvalidInput
	}
	b.initMu.Lock()
	defer b.initMu.Unlock()
	if b.db != nil {
		return b.db, nil
	}
	db, err := b.openDB(b.driver, b.dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	updatedAtType := "TIMESTAMPTZ"
	if b.driver == "sqlite" {
		updatedAtType = "TIMESTAMP"
	}
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			kv_key TEXT PRIMARY KEY,
			kv_value TEXT NOT NULL,
			updated_at %s NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`, sqlQuoteIdentifier(b.tableName), updatedAtType)
	if _, err := db.ExecContext(ctx, query); err != nil {
		_ = db.Close()
		return nil, err
	}
	b.db = db
	return db, nil
}

func (b *SQLKVBackend) placeholder(n int) string {
	if b.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func sqlQuoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func sortedKeys(values map[string][]byte) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func clampNonNegative(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
