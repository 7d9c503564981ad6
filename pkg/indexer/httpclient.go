package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/canopy-network/chaingate/pkg/errs"
	"github.com/canopy-network/chaingate/pkg/metrics"
	"github.com/canopy-network/chaingate/pkg/models"
	"github.com/canopy-network/chaingate/pkg/retry"
	"github.com/canopy-network/chaingate/pkg/utils"
)

const (
	metadataBatchPath = "/v1/metadata/batch"
	eventsBatchPath   = "/v1/events/batch"
	eventsByIDPath    = "/v1/events/by-id"
)

// HTTPClient serves indexer lookups over JSON/HTTP. It spreads requests over the configured
// endpoints behind a per-endpoint circuit-breaker and a shared token-bucket, and retries
// transient failures with capped exponential backoff.
type HTTPClient struct {
	endpoints []string
	client    *http.Client
	retry     retry.Config
	logger    *zap.Logger

	// token-bucket
	tokens      int64
	maxTokens   int64
	refillEvery time.Duration
	lastRefill  atomic.Value // time.Time
	refillMu    sync.Mutex

	// circuit-breaker
	mu       sync.Mutex
	failures map[string]int
	opened   map[string]time.Time

	breakerThreshold int
	breakerCooldown  time.Duration
}

// Opts is the set of options for a new HTTPClient.
type Opts struct {
	Endpoints       []string
	Timeout         time.Duration
	RPS             int
	Burst           int
	BreakerFailures int
	BreakerCooldown time.Duration
	Retry           retry.Config
	HTTPClient      *http.Client
	Logger          *zap.Logger
}

// NewHTTPWithOpts creates a new HTTPClient with the given options.
func NewHTTPWithOpts(o Opts) *HTTPClient {
	if o.RPS <= 0 {
		o.RPS = 20
	}
	if o.Burst <= 0 {
		o.Burst = 40
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.BreakerFailures <= 0 {
		o.BreakerFailures = 3
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 5 * time.Second
	}
	if o.Retry.MaxRetries <= 0 {
		o.Retry = retry.DefaultConfig()
	}
	o.Retry.Retryable = errs.IsTransient
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}

	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	} else if client.Timeout == 0 {
		client.Timeout = o.Timeout
	}

	c := &HTTPClient{
		endpoints:        utils.Dedup(o.Endpoints),
		client:           client,
		retry:            o.Retry,
		logger:           o.Logger,
		maxTokens:        int64(o.Burst),
		refillEvery:      time.Second / time.Duration(o.RPS),
		failures:         map[string]int{},
		opened:           map[string]time.Time{},
		breakerThreshold: o.BreakerFailures,
		breakerCooldown:  o.BreakerCooldown,
	}
	c.tokens = c.maxTokens
	c.lastRefill.Store(time.Now())
	return c
}

// refill adds one token per elapsed refill interval, up to the bucket size.
func (c *HTTPClient) refill() {
	c.refillMu.Lock()
	defer c.refillMu.Unlock()

	last := c.lastRefill.Load().(time.Time)
	n := int64(time.Since(last) / c.refillEvery)
	if n <= 0 {
		return
	}
	if room := c.maxTokens - atomic.LoadInt64(&c.tokens); room > 0 {
		atomic.AddInt64(&c.tokens, min(n, room))
	}
	// keep the remainder so partial intervals are not lost
	c.lastRefill.Store(last.Add(time.Duration(n) * c.refillEvery))
}

// acquire takes a token from the bucket, waiting for a refill when it is empty.
func (c *HTTPClient) acquire(ctx context.Context) error {
	for {
		c.refill()
		if atomic.AddInt64(&c.tokens, -1) >= 0 {
			return nil
		}
		atomic.AddInt64(&c.tokens, 1)

		timer := time.NewTimer(c.refillEvery / 2)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// isOpen returns true while the endpoint's breaker is OPEN.
func (c *HTTPClient) isOpen(ep string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.opened[ep]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(c.opened, ep)
		c.failures[ep] = 0
		return false
	}
	return true
}

// noteFailure marks an endpoint as failed and opens the circuit-breaker if the failure count exceeds the threshold.
func (c *HTTPClient) noteFailure(ep string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[ep]++
	if c.failures[ep] >= c.breakerThreshold {
		c.opened[ep] = time.Now().Add(c.breakerCooldown)
	}
}

func (c *HTTPClient) noteSuccess(ep string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[ep] = 0
}

// doJSON posts payload to path on the first healthy endpoint and decodes the response into out.
// Server-side failures move on to the next endpoint. The returned error is already classified.
func (c *HTTPClient) doJSON(ctx context.Context, path string, payload any, out any) error {
	if len(c.endpoints) == 0 {
		return errs.Unavailable(path, fmt.Errorf("no endpoints configured"))
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}

	var lastErr error
	for _, ep := range c.endpoints {
		// Skip endpoints whose breaker is OPEN.
		if c.isOpen(ep) {
			continue
		}

		if err := c.acquire(ctx); err != nil {
			return errs.Classify(path, err)
		}

		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, ep+path, bytes.NewReader(b))
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return errs.Classify(path, ctx.Err())
			}
			lastErr = err
			c.noteFailure(ep)
			continue
		}

		switch {
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("server %d", resp.StatusCode)
			c.noteFailure(ep)
			_ = utils.DrainAndClose(resp.Body)
			continue
		case resp.StatusCode == http.StatusNotFound:
			_ = utils.DrainAndClose(resp.Body)
			return fmt.Errorf("%s: %w", path, errs.ErrNotFound)
		case resp.StatusCode == http.StatusBadRequest:
			_ = utils.DrainAndClose(resp.Body)
			return errs.Validation("indexer rejected %s request", path)
		case resp.StatusCode >= 300:
			lastErr = fmt.Errorf("http %d", resp.StatusCode)
			_ = utils.DrainAndClose(resp.Body)
			continue
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				_ = utils.DrainAndClose(resp.Body)
				lastErr = fmt.Errorf("decode response: %w", err)
				continue
			}
		}

		c.noteSuccess(ep)
		_ = utils.DrainAndClose(resp.Body)
		return nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("all endpoints have open circuit breakers")
	}
	return errs.Unavailable(path, lastErr)
}

// call wraps doJSON with retries and metrics.
func (c *HTTPClient) call(ctx context.Context, method, path string, payload any, out any) error {
	err := retry.WithBackoff(ctx, c.retry, c.logger, method, func() error {
		metrics.UpstreamCalls.WithLabelValues(method).Inc()
		callErr := c.doJSON(ctx, path, payload, out)
		if callErr != nil {
			metrics.UpstreamErrors.WithLabelValues(method, errs.Code(callErr)).Inc()
		}
		return callErr
	})
	if err != nil {
		return errs.Classify(method, err)
	}
	return nil
}

type metadataBatchRequest struct {
	Hashes []string `json:"hashes"`
}

type metadataBatchResponse struct {
	Results []models.ChainMetadata `json:"results"`
}

// FetchMetadataBatch fetches metadata for all hashes in one request. Hashes the indexer does not
// know are absent from the result.
func (c *HTTPClient) FetchMetadataBatch(ctx context.Context, hashes []string) (map[string]*models.ChainMetadata, error) {
	out := make(map[string]*models.ChainMetadata, len(hashes))
	if len(hashes) == 0 {
		return out, nil
	}

	var resp metadataBatchResponse
	if err := c.call(ctx, "fetch_metadata", metadataBatchPath, metadataBatchRequest{Hashes: hashes}, &resp); err != nil {
		return nil, err
	}

	wanted := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		wanted[h] = struct{}{}
	}
	for i := range resp.Results {
		md := resp.Results[i]
		if _, ok := wanted[md.BlockHash]; ok {
			out[md.BlockHash] = &md
		}
	}
	return out, nil
}

// FetchMetadata returns metadata for one block hash.
func (c *HTTPClient) FetchMetadata(ctx context.Context, hash string) (*models.ChainMetadata, error) {
	res, err := c.FetchMetadataBatch(ctx, []string{hash})
	if err != nil {
		return nil, err
	}
	md, ok := res[hash]
	if !ok {
		return nil, fmt.Errorf("metadata %s: %w", hash, errs.ErrNotFound)
	}
	return md, nil
}

type eventsBatchRequest struct {
	Queries []models.EventFilter `json:"queries"`
}

type eventsBatchResult struct {
	Query  models.EventFilter `json:"query"`
	Events []models.Event     `json:"events"`
}

type eventsBatchResponse struct {
	Results []eventsBatchResult `json:"results"`
}

// FetchEventsBatch runs several event queries in one request. Results are matched to the
// queries by the echoed filter, not by position.
func (c *HTTPClient) FetchEventsBatch(ctx context.Context, filters []models.EventFilter) (map[models.EventFilter][]models.Event, error) {
	out := make(map[models.EventFilter][]models.Event, len(filters))
	if len(filters) == 0 {
		return out, nil
	}

	var resp eventsBatchResponse
	if err := c.call(ctx, "fetch_events", eventsBatchPath, eventsBatchRequest{Queries: filters}, &resp); err != nil {
		return nil, err
	}

	wanted := make(map[models.EventFilter]struct{}, len(filters))
	for _, f := range filters {
		wanted[f.Normalize()] = struct{}{}
	}
	for _, r := range resp.Results {
		key := r.Query.Normalize()
		if _, ok := wanted[key]; !ok {
			continue
		}
		events := r.Events
		if events == nil {
			events = []models.Event{}
		}
		out[key] = events
	}
	return out, nil
}

// FetchEvents runs a single event query.
func (c *HTTPClient) FetchEvents(ctx context.Context, filter models.EventFilter) ([]models.Event, error) {
	filter = filter.Normalize()
	res, err := c.FetchEventsBatch(ctx, []models.EventFilter{filter})
	if err != nil {
		return nil, err
	}
	events, ok := res[filter]
	if !ok {
		return nil, fmt.Errorf("%s: %w", filter, errs.ErrNotFound)
	}
	return events, nil
}

type eventsByIDRequest struct {
	IDs []string `json:"ids"`
}

type eventsByIDResponse struct {
	Results []models.Event `json:"results"`
}

// FetchEventsByID fetches several events by ID in one request. IDs the indexer does not know
// are absent from the result.
func (c *HTTPClient) FetchEventsByID(ctx context.Context, ids []string) (map[string]*models.Event, error) {
	out := make(map[string]*models.Event, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	var resp eventsByIDResponse
	if err := c.call(ctx, "fetch_event", eventsByIDPath, eventsByIDRequest{IDs: ids}, &resp); err != nil {
		return nil, err
	}

	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	for i := range resp.Results {
		e := resp.Results[i]
		if _, ok := wanted[e.ID]; ok {
			out[e.ID] = &e
		}
	}
	return out, nil
}
