// Package search defines the contract with the external search index and a
// thin HTTP implementation of it. The index itself (mappings, dashboards,
// aggregation pipelines) is an external collaborator; only the operations
// the agent needs are expressed here.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Indexer is the write-side contract the telemetry forwarder, capture
// persistence, and backfill worker share.
type Indexer interface {
	// Index stores a document in the named index. A non-empty docID makes
	// the write an idempotent upsert; an empty docID lets the index assign one.
	Index(ctx context.Context, index, docID string, doc any) error

	// DeleteIndex removes an entire index (used for dated-index retention).
	DeleteIndex(ctx context.Context, index string) error

	// Ping reports whether the index is reachable.
	Ping(ctx context.Context) error
}

// EventIndexPrefix is the daily index family that receives forwarded
// telemetry events.
const EventIndexPrefix = "agent-logs"

// CaptureIndexPrefix receives per-request capture documents.
const CaptureIndexPrefix = "agent-captains-captures"

// ReflectionIndexPrefix receives captain's log reflection entries.
const ReflectionIndexPrefix = "agent-captains-reflections"

// EventIndex returns the daily event index name for t (agent-logs-YYYY.MM.DD).
func EventIndex(t time.Time) string {
	return EventIndexPrefix + "-" + t.UTC().Format("2006.01.02")
}

// CaptureIndex returns the daily capture index name for t.
func CaptureIndex(t time.Time) string {
	return CaptureIndexPrefix + "-" + t.UTC().Format("2006-01-02")
}

// ReflectionIndex returns the daily reflection index name for t.
func ReflectionIndex(t time.Time) string {
	return ReflectionIndexPrefix + "-" + t.UTC().Format("2006-01-02")
}

// Client is an HTTP Indexer for an Elasticsearch-compatible endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client (primarily for tests).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient creates an index client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Index implements Indexer. Documents with a docID are PUT so that replays
// of the same id overwrite rather than duplicate.
func (c *Client) Index(ctx context.Context, index, docID string, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	method := http.MethodPost
	endpoint := fmt.Sprintf("%s/%s/_doc", c.baseURL, url.PathEscape(index))
	if docID != "" {
		method = http.MethodPut
		endpoint = fmt.Sprintf("%s/%s/_doc/%s", c.baseURL, url.PathEscape(index), url.PathEscape(docID))
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("index %s: %w", index, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("index %s: status %d: %s", index, resp.StatusCode, msg)
	}
	return nil
}

// DeleteIndex implements Indexer. Missing indices are not an error so that
// retention sweeps are idempotent.
func (c *Client) DeleteIndex(ctx context.Context, index string) error {
	endpoint := fmt.Sprintf("%s/%s", c.baseURL, url.PathEscape(index))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete index %s: %w", index, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("delete index %s: status %d: %s", index, resp.StatusCode, msg)
	}
	return nil
}

// Ping implements Indexer.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("index ping: status %d", resp.StatusCode)
	}
	return nil
}
