package highlights

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

const notionQueryPageSize = 100

type NotionAccessTokenProvider func(ctx context.Context) (string, error)

// StaticNotionToken returns a provider that always yields token.
func StaticNotionToken(token string) NotionAccessTokenProvider {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

type NotionClientOptions struct {
	BaseURL       string
	TokenProvider NotionAccessTokenProvider
	HTTPClient    *http.Client
	APIVersion    string
	UserAgent     string
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

// NotionClient talks to the notes database REST API. 429 and 5xx responses
// are retried with exponential backoff; a Retry-After header overrides the
// next delay, capped at MaxDelay.
type NotionClient struct {
	baseURL       string
	tokenProvider NotionAccessTokenProvider
	httpClient    *http.Client
	apiVersion    string
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
}

func NewNotionClient(opts NotionClientOptions) *NotionClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.notion.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = "2022-06-28"
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &NotionClient{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		apiVersion:    apiVersion,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
	}
}

type notionSort struct {
	Property  string `json:"property"`
	Direction string `json:"direction"`
}

type notionQueryRequest struct {
	PageSize    int          `json:"page_size"`
	Sorts       []notionSort `json:"sorts"`
	StartCursor string       `json:"start_cursor,omitempty"`
}

type notionQueryResponse struct {
	Results    []NotionPage `json:"results"`
	HasMore    bool         `json:"has_more"`
	NextCursor *string      `json:"next_cursor"`
}

// QueryDatabase returns every page in the database, newest Date first,
// following the pagination cursor until the server reports no more.
func (c *NotionClient) QueryDatabase(ctx context.Context, databaseID string) ([]NotionPage, error) {
	databaseID = strings.TrimSpace(databaseID)
	if databaseID == "" {
		return nil, fmt.Errorf("%w: database id is required", ErrInvalidInput)
	}
	path := "/v1/databases/" + url.PathEscape(databaseID) + "/query"
	pages := []NotionPage{}
	cursor := ""
	for {
		req := notionQueryRequest{
			PageSize:    notionQueryPageSize,
			Sorts:       []notionSort{{Property: "Date", Direction: "descending"}},
			StartCursor: cursor,
		}
		var resp notionQueryResponse
		if err := c.do(ctx, "query database", http.MethodPost, path, req, &resp); err != nil {
			return nil, err
		}
		pages = append(pages, resp.Results...)
		if !resp.HasMore || resp.NextCursor == nil || *resp.NextCursor == "" || *resp.NextCursor == cursor {
			return pages, nil
		}
		cursor = *resp.NextCursor
	}
}

func (c *NotionClient) CreatePage(ctx context.Context, databaseID string, properties NotionProperties) (NotionPage, error) {
	databaseID = strings.TrimSpace(databaseID)
	if databaseID == "" {
		return NotionPage{}, fmt.Errorf("%w: database id is required", ErrInvalidInput)
	}
	body := map[string]any{
		"parent":     map[string]string{"database_id": databaseID},
		"properties": properties,
	}
	var page NotionPage
	err := c.do(ctx, "create page", http.MethodPost, "/v1/pages", body, &page)
	return page, err
}

func (c *NotionClient) UpdatePage(ctx context.Context, pageID string, properties NotionProperties) (NotionPage, error) {
	pageID = strings.TrimSpace(pageID)
	if pageID == "" {
		return NotionPage{}, fmt.Errorf("%w: page id is required", ErrInvalidInput)
	}
	body := map[string]any{"properties": properties}
	var page NotionPage
	err := c.do(ctx, "update page", http.MethodPatch, "/v1/pages/"+url.PathEscape(pageID), body, &page)
	return page, err
}

func (c *NotionClient) do(ctx context.Context, op, method, path string, payload, out any) error {
	if c == nil {
		return &SyncError{Op: op, Message: "notion client is nil"}
	}
	if c.tokenProvider == nil {
		return &SyncError{Op: op, Message: "notion token provider is required"}
	}
	token, err := c.tokenProvider(ctx)
	if err != nil {
		return &SyncError{Op: op, Err: err}
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return &SyncError{Op: op, Message: "notion token is empty"}
	}
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return &SyncError{Op: op, Err: err}
	}
	endpoint := c.baseURL + path
	correlationID := CorrelationIDFromContext(ctx)
	if correlationID == "" {
		correlationID = "notion_" + uuid.NewString()
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.baseDelay
	policy.MaxInterval = c.maxDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	hinted := &retryAfterBackOff{BackOff: backoff.WithMaxRetries(policy, uint64(c.maxRetries)), max: c.maxDelay}

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(bodyBytes))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Notion-Version", c.apiVersion)
		req.Header.Set("X-Correlation-Id", correlationID)
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode response: %w", err))
			}
			return nil
		}

		syncErr := notionResponseError(op, resp.StatusCode, respBody)
		if resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599) {
			hinted.hint = parseRetryAfterSeconds(resp.Header.Get("Retry-After"))
			return syncErr
		}
		return backoff.Permanent(syncErr)
	}

	err = backoff.Retry(attempt, backoff.WithContext(hinted, ctx))
	if err == nil {
		return nil
	}
	if _, ok := err.(*SyncError); ok {
		return err
	}
	return &SyncError{Op: op, Err: err}
}

func notionResponseError(op string, status int, body []byte) *SyncError {
	errCode := ""
	errMessage := strings.TrimSpace(string(body))
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		if code, ok := parsed["code"].(string); ok {
			errCode = code
		}
		if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
			errMessage = message
		}
	}
	return &SyncError{Op: op, Status: status, Code: errCode, Message: errMessage}
}

// retryAfterBackOff lets a server-provided delay replace the next computed
// interval once. The wrapped policy still decides when to stop.
type retryAfterBackOff struct {
	backoff.BackOff
	hint time.Duration
	max  time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return backoff.Stop
	}
	if b.hint > 0 {
		next = b.hint
		b.hint = 0
		if b.max > 0 && next > b.max {
			next = b.max
		}
	}
	return next
}

func (b *retryAfterBackOff) Reset() {
	b.hint = 0
	b.BackOff.Reset()
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

type correlationIDKey struct{}

func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, strings.TrimSpace(id))
}

func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}
