package capture

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/relayhighlight/internal/highlights"
)

// Store is what a session needs from the highlight service.
type Store interface {
	SaveHighlight(ctx context.Context, h highlights.Highlight) (highlights.MergeReport, error)
	SavePending(ctx context.Context, batch []highlights.Highlight) (highlights.MergeReport, error)
}

// Linker opens the liveness link. The session treats the first
// "connected" frame as proof the service is reachable.
type Linker interface {
	Dial(ctx context.Context) (*websocket.Conn, error)
}

type apiResponse struct {
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	Code       string `json:"code,omitempty"`
	Added      int    `json:"added"`
	Duplicates int    `json:"duplicates"`
	Dropped    int    `json:"dropped"`
}

// Client calls the relayhighlight HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *resty.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout)
	if token = strings.TrimSpace(token); token != "" {
		c.SetAuthToken(token)
	}
	return &Client{baseURL: baseURL, token: token, http: c}
}

func (c *Client) SaveHighlight(ctx context.Context, h highlights.Highlight) (highlights.MergeReport, error) {
	return c.post(ctx, "/v1/highlights", map[string]any{"highlight": h})
}

func (c *Client) SavePending(ctx context.Context, batch []highlights.Highlight) (highlights.MergeReport, error) {
	return c.post(ctx, "/v1/highlights/pending", map[string]any{"highlights": batch})
}

func (c *Client) Health(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/health")
	if err != nil {
		return fmt.Errorf("%w: health: %w", highlights.ErrStoreUnavailable, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("%w: health status %d", highlights.ErrStoreUnavailable, resp.StatusCode())
	}
	return nil
}

// Dial opens the /v1/events websocket.
func (c *Client) Dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := eventsURL(c.baseURL)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("X-Correlation-Id", "capture_"+uuid.NewString())
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPHeader: header})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: events link: %w", highlights.ErrStoreUnavailable, err)
	}
	return conn, nil
}

func (c *Client) post(ctx context.Context, path string, body any) (highlights.MergeReport, error) {
	var out apiResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-Correlation-Id", "capture_"+uuid.NewString()).
		SetBody(body).
		SetResult(&out).
		SetError(&out).
		Post(path)
	if err != nil {
		return highlights.MergeReport{}, fmt.Errorf("%w: %s: %w", highlights.ErrStoreUnavailable, path, err)
	}
	if resp.IsError() || !out.Success {
		return highlights.MergeReport{}, statusError(resp.StatusCode(), out)
	}
	return highlights.MergeReport{Added: out.Added, Duplicates: out.Duplicates, Dropped: out.Dropped}, nil
}

func statusError(status int, out apiResponse) error {
	message := out.Error
	if message == "" {
		message = http.StatusText(status)
	}
	var kind error
	switch {
	case status == http.StatusBadRequest:
		kind = highlights.ErrMalformedRecord
	case status == http.StatusInsufficientStorage:
		kind = highlights.ErrWriteFailed
	default:
		kind = highlights.ErrStoreUnavailable
	}
	return fmt.Errorf("%w: status=%d code=%s message=%s", kind, status, out.Code, message)
}

func eventsURL(baseURL string) (string, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("%w: base url %q", highlights.ErrInvalidInput, baseURL)
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	case "http", "":
		parsed.Scheme = "ws"
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/v1/events"
	return parsed.String(), nil
}
