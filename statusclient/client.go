// Package statusclient fetches entity snapshots from the backend REST API.
package statusclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/c360/entitystream/codec"
	"github.com/c360/entitystream/errors"
	"github.com/c360/entitystream/metric"
	"github.com/c360/entitystream/pkg/retry"
	"github.com/c360/entitystream/types"
)

// StatusPath is the bulk status endpoint, relative to the base URL
const StatusPath = "/entities/status"

// maxResponseBytes bounds the response body read
const maxResponseBytes = 8 << 20

type statusRequest struct {
	EntityIDs []types.EntityID `json:"entity_ids"`
}

type statusResponse struct {
	Data map[string]map[string]any `json:"data"`
}

// Client is the HTTP status source
type Client struct {
	endpoint   string
	httpClient *http.Client
	retry      retry.Config
	logger     *slog.Logger
	metrics    *metric.Metrics
	now        func() time.Time

	mu    sync.RWMutex
	token string
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout sets the per-request timeout of the default http.Client
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithRetry replaces the retry policy (retry.Quick by default)
func WithRetry(cfg retry.Config) Option {
	return func(c *Client) {
		c.retry = cfg
	}
}

// WithToken sets the initial bearer token
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records fetch duration and failures on the core metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// New creates a status client for baseURL
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "statusclient", "New", "base url is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %q", errors.ErrInvalidConfig, baseURL),
			"statusclient", "New", "parse base url")
	}

	c := &Client{
		endpoint:   strings.TrimRight(baseURL, "/") + StatusPath,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		retry:      retry.Quick(),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SetToken replaces the bearer token after a refresh
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// GetEntitiesStatus fetches the current value of every id. Ids the backend does not
// know are absent from the result. Transient failures are retried.
func (c *Client) GetEntitiesStatus(ctx context.Context, ids []types.EntityID) (map[types.EntityID]types.EntityValue, error) {
	if len(ids) == 0 {
		return map[types.EntityID]types.EntityValue{}, nil
	}

	body, err := json.Marshal(statusRequest{EntityIDs: ids})
	if err != nil {
		return nil, errors.WrapInvalid(err, "statusclient", "GetEntitiesStatus", "marshal request")
	}

	start := time.Now()
	values, err := retry.DoWithResult(ctx, c.retry, func() (map[types.EntityID]types.EntityValue, error) {
		return c.fetch(ctx, body)
	})
	c.metrics.RecordStatusFetch(time.Since(start), err)

	if err != nil {
		c.logger.Warn("Entity status fetch failed", "entities", len(ids), "error", err)
		return nil, err
	}

	c.logger.Debug("Fetched entity status", "requested", len(ids), "received", len(values),
		"duration", time.Since(start))
	return values, nil
}

func (c *Client) fetch(ctx context.Context, body []byte) (map[types.EntityID]types.EntityValue, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, retry.NonRetryable(errors.WrapInvalid(err, "statusclient", "fetch", "build request"))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Transport(err, "statusclient", "fetch", "POST "+StatusPath)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.Transport(err, "statusclient", "fetch", "read response")
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, errors.Transport(fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status),
			"statusclient", "fetch", "POST "+StatusPath)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, retry.NonRetryable(errors.WrapInvalid(
			fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status),
			"statusclient", "fetch", "POST "+StatusPath))
	}

	var decoded statusResponse
	if err := codec.DecodeJSON(raw, &decoded); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrDecode, err),
			"statusclient", "fetch", "decode response")
	}

	receivedAt := c.now()
	out := make(map[types.EntityID]types.EntityValue, len(decoded.Data))
	for key, fields := range decoded.Data {
		id := types.EntityID(key)
		v, err := codec.DecodeValue(id, fields, receivedAt)
		if err != nil {
			// one bad entry does not poison the batch
			c.logger.Warn("Skipping undecodable status entry", "entity_id", key, "error", err)
			continue
		}
		out[id] = v
	}
	return out, nil
}
