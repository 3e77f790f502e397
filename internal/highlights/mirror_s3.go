package highlights

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3MirrorConfig struct {
	Endpoint        string // "localhost:9000" for MinIO
	Region          string // skips the bucket location lookup when set
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	CapacityBytes   int64
}

// S3Mirror stores the backup snapshot as two objects in a bucket.
type S3Mirror struct {
	client   *minio.Client
	bucket   string
	region   string
	prefix   string
	capacity int64

	bucketMu sync.Mutex
	ensured  bool
}

func NewS3Mirror(cfg S3MirrorConfig) (*S3Mirror, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: s3 endpoint is required", ErrInvalidInput)
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidInput)
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	capacity := cfg.CapacityBytes
	if capacity < 0 {
		capacity = 0
	}
	return &S3Mirror{
		client:   client,
		bucket:   cfg.Bucket,
		region:   cfg.Region,
		prefix:   cfg.Prefix,
		capacity: capacity,
	}, nil
}

// EnsureBucket creates the bucket if missing. Only success is remembered, so
// a failed check is retried by the next Put.
func (m *S3Mirror) EnsureBucket(ctx context.Context) error {
	m.bucketMu.Lock()
	defer m.bucketMu.Unlock()
	if m.ensured {
		return nil
	}
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: m.region}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	m.ensured = true
	return nil
}

func (m *S3Mirror) Put(ctx context.Context, snapshot Snapshot) error {
	if err := m.EnsureBucket(ctx); err != nil {
		return &SyncError{Op: "s3 ensure bucket", Err: err}
	}
	payload, err := encodeSnapshot(snapshot.Highlights)
	if err != nil {
		return &SyncError{Op: "s3 encode", Err: err}
	}
	if err := m.putObject(ctx, BackupKey, payload); err != nil {
		return &SyncError{Op: "s3 put", Err: err}
	}
	stamp := []byte(strconv.FormatInt(snapshot.BackupTime.UnixMilli(), 10))
	if err := m.putObject(ctx, BackupTimeKey, stamp); err != nil {
		return &SyncError{Op: "s3 put time", Err: err}
	}
	return nil
}

func (m *S3Mirror) Get(ctx context.Context) (Snapshot, bool, error) {
	payload, ok, err := m.getObject(ctx, BackupKey)
	if err != nil {
		return Snapshot{}, false, &SyncError{Op: "s3 get", Err: err}
	}
	if !ok {
		return Snapshot{}, false, nil
	}
	var snapshot Snapshot
	if err := decodeSnapshot(payload, &snapshot); err != nil {
		return Snapshot{}, false, &SyncError{Op: "s3 decode", Err: err}
	}
	stamp, ok, err := m.getObject(ctx, BackupTimeKey)
	if err != nil {
		return Snapshot{}, false, &SyncError{Op: "s3 get time", Err: err}
	}
	if ok {
		snapshot.BackupTime = parseMillis(string(stamp))
	}
	return snapshot, true, nil
}

func (m *S3Mirror) Capacity() int64 {
	return m.capacity
}

func (m *S3Mirror) objectName(key string) string {
	if m.prefix == "" {
		return key
	}
	return path.Join(m.prefix, key)
}

func (m *S3Mirror) putObject(ctx context.Context, key string, data []byte) error {
	_, err := m.client.PutObject(ctx, m.bucket, m.objectName(key), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	return err
}

func (m *S3Mirror) getObject(ctx context.Context, key string) ([]byte, bool, error) {
	object, err := m.client.GetObject(ctx, m.bucket, m.objectName(key), minio.GetObjectOptions{})
	if err != nil {
		if isS3NotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer object.Close()
	data, err := io.ReadAll(object)
	if err != nil {
		if isS3NotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func isS3NotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NoSuchBucket"
}
