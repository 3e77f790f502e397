package highlights

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	BackupKey     = "highlights_backup"
	BackupTimeKey = "highlights_backup_time"
)

// Snapshot is the single, unchunked value kept by the remote mirror.
type Snapshot struct {
	Highlights []Highlight
	BackupTime time.Time
}

// Mirror is the slower, quota-limited copy used for disaster recovery and
// first-run bootstrap. Capacity is the largest encoded snapshot it accepts
// (0 means unbounded).
type Mirror interface {
	Put(ctx context.Context, snapshot Snapshot) error
	Get(ctx context.Context) (Snapshot, bool, error)
	Capacity() int64
}

type MirrorOptions struct {
	AccessKeyID     string
	SecretAccessKey string
	CapacityBytes   int64
}

// KVMirror keeps the snapshot in any KV substrate under the backup keys.
type KVMirror struct {
	backend  KVBackend
	capacity int64
}

func NewKVMirror(backend KVBackend, capacityBytes int64) *KVMirror {
	if capacityBytes <= 0 && backend.MaxValueBytes() > 0 {
		capacityBytes = int64(backend.MaxValueBytes())
	}
	if capacityBytes < 0 {
		capacityBytes = 0
	}
	return &KVMirror{backend: backend, capacity: capacityBytes}
}

func (m *KVMirror) Put(ctx context.Context, snapshot Snapshot) error {
	payload, err := encodeSnapshot(snapshot.Highlights)
	if err != nil {
		return &SyncError{Op: "mirror encode", Err: err}
	}
	if err := m.backend.Set(ctx, BackupKey, payload); err != nil {
		return &SyncError{Op: "mirror put", Err: err}
	}
	stamp := []byte(strconv.FormatInt(snapshot.BackupTime.UnixMilli(), 10))
	if err := m.backend.Set(ctx, BackupTimeKey, stamp); err != nil {
		return &SyncError{Op: "mirror put time", Err: err}
	}
	return nil
}

func (m *KVMirror) Get(ctx context.Context) (Snapshot, bool, error) {
	payload, ok, err := m.backend.Get(ctx, BackupKey)
	if err != nil {
		return Snapshot{}, false, &SyncError{Op: "mirror get", Err: err}
	}
	if !ok {
		return Snapshot{}, false, nil
	}
	var snapshot Snapshot
	if err := decodeSnapshot(payload, &snapshot); err != nil {
		return Snapshot{}, false, &SyncError{Op: "mirror decode", Err: err}
	}
	stamp, ok, err := m.backend.Get(ctx, BackupTimeKey)
	if err != nil {
		return Snapshot{}, false, &SyncError{Op: "mirror get time", Err: err}
	}
	if ok {
		snapshot.BackupTime = parseMillis(string(stamp))
	}
	return snapshot, true, nil
}

func (m *KVMirror) Capacity() int64 {
	return m.capacity
}

func (m *KVMirror) Close() error {
	if closer, ok := m.backend.(kvBackendCloser); ok {
		return closer.Close()
	}
	return nil
}

// BuildMirrorFromDSN accepts s3://bucket/prefix?endpoint=host:port&secure=false&region=us-east-1
// or any KV backend DSN. capacity_bytes caps the snapshot size.
func BuildMirrorFromDSN(dsn string, opts MirrorOptions) (Mirror, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupMirrorFactory(scheme); ok {
		return factory(dsn, opts)
	}
	capacity := opts.CapacityBytes
	if raw := strings.TrimSpace(parsed.Query().Get("capacity_bytes")); raw != "" {
		capacity, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || capacity < 0 {
			return nil, fmt.Errorf("%w: capacity_bytes=%q", ErrInvalidInput, raw)
		}
	}
	switch scheme {
	case "s3", "minio":
		secure := true
		if raw := strings.TrimSpace(parsed.Query().Get("secure")); raw != "" {
			secure, err = strconv.ParseBool(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: secure=%q", ErrInvalidInput, raw)
			}
		}
		return NewS3Mirror(S3MirrorConfig{
			Endpoint:        parsed.Query().Get("endpoint"),
			Region:          parsed.Query().Get("region"),
			Bucket:          parsed.Host,
			Prefix:          strings.Trim(parsed.Path, "/"),
			AccessKeyID:     opts.AccessKeyID,
			SecretAccessKey: opts.SecretAccessKey,
			UseSSL:          secure,
			CapacityBytes:   capacity,
		})
	default:
		backend, err := BuildKVBackendFromDSN(dsn)
		if err != nil {
			return nil, err
		}
		return NewKVMirror(backend, capacity), nil
	}
}

func encodeSnapshot(highlights []Highlight) ([]byte, error) {
	if highlights == nil {
		highlights = []Highlight{}
	}
	return json.Marshal(highlights)
}

func decodeSnapshot(payload []byte, snapshot *Snapshot) error {
	if err := json.Unmarshal(payload, &snapshot.Highlights); err != nil {
		return err
	}
	if snapshot.Highlights == nil {
		snapshot.Highlights = []Highlight{}
	}
	return nil
}

func parseMillis(raw string) time.Time {
	millis, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || millis <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(millis)
}
