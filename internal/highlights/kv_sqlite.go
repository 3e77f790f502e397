package highlights

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// NewSQLiteKVBackend opens (lazily) an embedded database file. The store
// funnels all writes through one goroutine, so a single connection is enough.
func NewSQLiteKVBackend(path string, maxValueBytes int) (*SQLKVBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &SQLKVBackend{
		driver:    "sqlite",
		dsn:       fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path),
		tableName: postgresKVTableName,
		maxBytes:  clampNonNegative(maxValueBytes),
		openDB:    openSQLite,
	}, nil
}

func openSQLite(driverName, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}
