package highlights

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeObjectStore answers the handful of S3 calls the mirror makes, with
// path-style addressing.
type fakeObjectStore struct {
	mu           sync.Mutex
	buckets      map[string]bool
	objects      map[string][]byte
	bucketChecks int32
	bucketMakes  int32
}

func newFakeObjectStore(t *testing.T) (*fakeObjectStore, *httptest.Server) {
	t.Helper()
	store := &fakeObjectStore{buckets: map[string]bool{}, objects: map[string][]byte{}}
	server := httptest.NewServer(store)
	t.Cleanup(server.Close)
	return store, server
}

func (f *fakeObjectStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case key == "" && r.Method == http.MethodHead:
		atomic.AddInt32(&f.bucketChecks, 1)
		if !f.buckets[bucket] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case key == "" && r.Method == http.MethodPut:
		atomic.AddInt32(&f.bucketMakes, 1)
		f.buckets[bucket] = true
		w.WriteHeader(http.StatusOK)
	case key != "" && r.Method == http.MethodPut:
		if !f.buckets[bucket] {
			writeS3Error(w, "NoSuchBucket", bucket, key)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(r.Header.Get("Content-Encoding"), "aws-chunked") || r.Header.Get("X-Amz-Decoded-Content-Length") != "" {
			body = decodeAWSChunked(body)
		}
		f.objects[bucket+"/"+key] = body
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	case key != "" && r.Method == http.MethodGet:
		data, ok := f.objects[bucket+"/"+key]
		if !ok {
			writeS3Error(w, "NoSuchKey", bucket, key)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeObjectStore) object(name string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[name]
	return data, ok
}

func writeS3Error(w http.ResponseWriter, code, bucket, key string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusNotFound)
	_, _ = fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>not found</Message><BucketName>%s</BucketName><Key>%s</Key></Error>`, code, bucket, key)
}

// decodeAWSChunked strips the chunk framing the client uses for unsigned or
// streaming-signed uploads over plain http.
func decodeAWSChunked(body []byte) []byte {
	var out []byte
	for {
		line, rest, ok := bytes.Cut(body, []byte("\r\n"))
		if !ok {
			return out
		}
		sizeHex, _, _ := bytes.Cut(line, []byte(";"))
		size, err := strconv.ParseInt(string(sizeHex), 16, 64)
		if err != nil || size == 0 || int64(len(rest)) < size {
			return out
		}
		out = append(out, rest[:size]...)
		body = bytes.TrimPrefix(rest[size:], []byte("\r\n"))
	}
}

func newTestS3Mirror(t *testing.T, server *httptest.Server, prefix string) Mirror {
	t.Helper()
	endpoint, err := url.Parse(server.URL)
	require.NoError(t, err)
	dsn := "s3://highlights-backup/" + prefix + "?endpoint=" + endpoint.Host + "&secure=false&region=us-east-1"
	mirror, err := BuildMirrorFromDSN(dsn, MirrorOptions{})
	require.NoError(t, err)
	require.IsType(t, &S3Mirror{}, mirror)
	return mirror
}

func TestS3MirrorPutGetUnderPrefix(t *testing.T) {
	store, server := newFakeObjectStore(t)
	mirror := newTestS3Mirror(t, server, "nightly")
	ctx := context.Background()

	snapshot := Snapshot{Highlights: testHighlights(3), BackupTime: time.UnixMilli(1_700_000_000_000)}
	require.NoError(t, mirror.Put(ctx, snapshot))

	_, ok := store.object("highlights-backup/nightly/" + BackupKey)
	assert.True(t, ok, "snapshot object should live under the prefix")
	stamp, ok := store.object("highlights-backup/nightly/" + BackupTimeKey)
	require.True(t, ok)
	assert.Equal(t, "1700000000000", string(stamp))
	assert.EqualValues(t, 1, atomic.LoadInt32(&store.bucketMakes))

	got, ok, err := mirror.Get(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snapshot.Highlights, got.Highlights)
	assert.Equal(t, snapshot.BackupTime.UnixMilli(), got.BackupTime.UnixMilli())
}

func TestS3MirrorGetTreatsMissingObjectAsAbsent(t *testing.T) {
	store, server := newFakeObjectStore(t)
	store.buckets["highlights-backup"] = true
	mirror := newTestS3Mirror(t, server, "")

	_, ok, err := mirror.Get(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestS3MirrorRetriesBucketCheckAfterFailure(t *testing.T) {
	store, server := newFakeObjectStore(t)
	mirror := newTestS3Mirror(t, server, "")
	snapshot := Snapshot{Highlights: testHighlights(1), BackupTime: time.UnixMilli(1_700_000_000_000)}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, mirror.Put(cancelled, snapshot))

	require.NoError(t, mirror.Put(context.Background(), snapshot))
	require.NoError(t, mirror.Put(context.Background(), snapshot))
	assert.EqualValues(t, 1, atomic.LoadInt32(&store.bucketChecks), "a successful check is remembered")
	_, ok := store.object("highlights-backup/" + BackupKey)
	assert.True(t, ok)
}
