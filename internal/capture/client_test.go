package capture

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relayhighlight/internal/highlights"
)

func TestClientSavePendingSendsBatch(t *testing.T) {
	var got struct {
		Highlights []highlights.Highlight `json:"highlights"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/highlights/pending", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Correlation-Id"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"added":1,"duplicates":1,"dropped":0}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL+"/", "secret", time.Second)
	report, err := client.SavePending(context.Background(), []highlights.Highlight{queuedHighlight(1), queuedHighlight(1)})
	require.NoError(t, err)
	assert.Equal(t, highlights.MergeReport{Added: 1, Duplicates: 1}, report)
	assert.Len(t, got.Highlights, 2)
}

func TestClientMapsStatusToErrorKinds(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, highlights.ErrMalformedRecord},
		{http.StatusInsufficientStorage, highlights.ErrWriteFailed},
		{http.StatusServiceUnavailable, highlights.ErrStoreUnavailable},
		{http.StatusUnauthorized, highlights.ErrStoreUnavailable},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"success":false,"code":"x","error":"nope"}`))
		}))
		_, err := NewClient(srv.URL, "", time.Second).SaveHighlight(context.Background(), queuedHighlight(2))
		srv.Close()
		require.ErrorIs(t, err, tc.want, "status %d", tc.status)
	}
}

func TestClientUnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewClient(url, "", 200*time.Millisecond)
	_, err := client.SaveHighlight(context.Background(), queuedHighlight(1))
	require.ErrorIs(t, err, highlights.ErrStoreUnavailable)
	require.ErrorIs(t, client.Health(context.Background()), highlights.ErrStoreUnavailable)
	_, err = client.Dial(context.Background())
	require.ErrorIs(t, err, highlights.ErrStoreUnavailable)
}

func TestEventsURL(t *testing.T) {
	got, err := eventsURL("https://highlights.example.com/api")
	require.NoError(t, err)
	assert.Equal(t, "wss://highlights.example.com/api/v1/events", got)

	got, err = eventsURL("http://127.0.0.1:8080")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:8080/v1/events", got)
}
