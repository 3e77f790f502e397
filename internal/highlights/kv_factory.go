package highlights

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// BuildKVBackendFromDSN selects a substrate by scheme. Every scheme accepts a
// max_value_bytes query parameter that caps the size of a single value.
func BuildKVBackendFromDSN(dsn string) (KVBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupKVBackendFactory(scheme); ok {
		return factory(dsn)
	}
	maxValueBytes, err := dsnIntParam(parsed, "max_value_bytes")
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileKVBackend(path, maxValueBytes)
	case "memory", "mem", "inmem":
		return NewInMemoryKVBackend(maxValueBytes), nil
	case "postgres", "postgresql":
		return NewPostgresKVBackend(dsn, maxValueBytes)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteKVBackend(path, maxValueBytes)
	case "redis", "rediss", "mysql":
		return nil, fmt.Errorf("%w: kv backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported kv backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(parsed.Path) != "" {
			return strings.TrimSpace(parsed.Path), nil
		}
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func dsnIntParam(parsed *url.URL, name string) (int, error) {
	raw := strings.TrimSpace(parsed.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidInput, name, raw)
	}
	return value, nil
}

// stripDSNParams removes parameters this package understands so drivers do not
// reject them as unknown connection settings.
func stripDSNParams(dsn string, names ...string) string {
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.RawQuery == "" {
		return dsn
	}
	query := parsed.Query()
	for _, name := range names {
		query.Del(name)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String()
}
