// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package elastic

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/dshield-mcp/services/siem/protocol"
)

// Client errors.
var (
	// ErrNotConnected is returned when operations run before Connect.
	ErrNotConnected = errors.New("elasticsearch client is not connected")

	// ErrClientClosed is returned after Close.
	ErrClientClosed = errors.New("elasticsearch client is closed")
)

// Config configures the Elasticsearch client.
type Config struct {
	// URL is the cluster endpoint (e.g. "https://localhost:9200").
	URL string

	// Username and Password are basic-auth credentials. Empty disables auth.
	Username string
	Password string

	// VerifySSL controls certificate verification. Default: true.
	VerifySSL bool

	// CACertPath optionally points at a PEM bundle for the cluster CA.
	CACertPath string

	// IndexPattern selects the event indices. Default: dshield-*.
	IndexPattern string

	// QueryTimeout bounds a single search round trip. Default: 30s.
	QueryTimeout time.Duration

	// CacheTTL is the result-cache TTL. Default: 5m.
	CacheTTL time.Duration

	// Breaker tunes retry and circuit-breaker behavior.
	Breaker BreakerConfig

	// Logger for client operations. Default: slog.Default().
	Logger *slog.Logger
}

// applyDefaults fills zero values.
func (c *Config) applyDefaults() {
	if c.IndexPattern == "" {
		c.IndexPattern = DefaultIndexPattern
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = 30 * time.Second
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.Breaker.Threshold == 0 {
		c.Breaker = DefaultBreakerConfig()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.New("url must not be empty")
	}
	return nil
}

// Client is the resilient Elasticsearch client. Connection, circuit
// breaker, and cache state are shared across tool calls.
//
// Thread Safety: safe for concurrent use.
type Client struct {
	config  Config
	logger  *slog.Logger
	breaker *Breaker
	cache   *resultCache

	mu        sync.Mutex
	es        *elasticsearch.Client
	transport *http.Transport
	connected atomic.Bool
	closed    atomic.Bool

	// indexSet caches the last discovery result for fingerprinting.
	indexMu   sync.RWMutex
	indexSet  []string
	indexedAt time.Time
}

// NewClient creates a Client. Connect must be called before queries.
func NewClient(config Config) (*Client, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := config.Logger.With(slog.String("component", "elastic_client"))
	return &Client{
		config:  config,
		logger:  logger,
		breaker: NewBreaker(config.Breaker, logger),
		cache:   newResultCache(config.CacheTTL, DefaultCacheMaxEntries),
	}, nil
}

// Breaker exposes the circuit breaker for feature-gating registration.
func (c *Client) Breaker() *Breaker {
	return c.breaker
}

// Connect establishes the backing connection. Idempotent: a second call
// on a connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected.Load() {
		return nil
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 8,
	}
	if !c.config.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- operator opt-out for self-signed clusters
	}

	cfg := elasticsearch.Config{
		Addresses: []string{c.config.URL},
		Username:  c.config.Username,
		Password:  c.config.Password,
		Transport: transport,
	}
	if c.config.CACertPath != "" {
		pem, err := os.ReadFile(c.config.CACertPath)
		if err != nil {
			return fmt.Errorf("reading ca certs: %w", err)
		}
		cfg.CACert = pem
	}

	es, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return fmt.Errorf("creating elasticsearch client: %w", err)
	}

	c.es = es
	c.transport = transport
	c.connected.Store(true)
	c.logger.Info("elasticsearch client connected", slog.String("url", c.config.URL))
	return nil
}

// Close releases sockets and cancels in-flight requests. Idempotent.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport != nil {
		c.transport.CloseIdleConnections()
	}
	c.connected.Store(false)
	c.logger.Info("elasticsearch client closed")
	return nil
}

// Ping performs the cluster info call. Used as the feature probe.
func (c *Client) Ping(ctx context.Context) error {
	es, err := c.client()
	if err != nil {
		return err
	}
	return c.breaker.ForceProbe(func() error {
		res, err := es.Info(es.Info.WithContext(ctx))
		if err != nil {
			return err
		}
		defer res.Body.Close()
		if res.IsError() {
			return &statusError{status: res.StatusCode, msg: "cluster info failed"}
		}
		return nil
	})
}

// DiscoverIndices lists concrete indices matching the configured
// pattern, including time-sharded rolls. Results are cached for one
// minute. A changed index set purges the result cache: the fingerprint
// covers the index list, so pages keyed under the old set could never
// be served again.
func (c *Client) DiscoverIndices(ctx context.Context) ([]string, error) {
	c.indexMu.RLock()
	if time.Since(c.indexedAt) < time.Minute && len(c.indexSet) > 0 {
		cached := append([]string(nil), c.indexSet...)
		c.indexMu.RUnlock()
		return cached, nil
	}
	c.indexMu.RUnlock()

	es, err := c.client()
	if err != nil {
		return nil, err
	}

	var names []string
	err = c.breaker.Execute(ctx, func() error {
		res, err := es.Cat.Indices(
			es.Cat.Indices.WithContext(ctx),
			es.Cat.Indices.WithIndex(c.config.IndexPattern),
			es.Cat.Indices.WithFormat("json"),
		)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		if res.IsError() {
			return &statusError{status: res.StatusCode, msg: "index discovery failed"}
		}
		var rows []struct {
			Index string `json:"index"`
		}
		if err := json.NewDecoder(res.Body).Decode(&rows); err != nil {
			return fmt.Errorf("decoding index list: %w", err)
		}
		names = names[:0]
		for _, row := range rows {
			names = append(names, row.Index)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	c.indexMu.Lock()
	changed := len(c.indexSet) > 0 && !slices.Equal(c.indexSet, sorted)
	c.indexSet = sorted
	c.indexedAt = time.Now()
	c.indexMu.Unlock()

	if changed {
		c.cache.purge()
	}
	return sorted, nil
}

// Query executes one paginated query in page-number or cursor mode.
//
// Page-number mode derives PageInfo from the total hit count; the deep
// page guard refuses windows beyond DeepPageThreshold and requires a
// cursor instead. Cursor mode uses search_after on the
// (@timestamp desc, _id desc) sort tuple.
func (c *Client) Query(ctx context.Context, opts QueryOptions) (*QueryResult, error) {
	ctx, span := otel.Tracer("elastic").Start(ctx, "elastic.Query")
	defer span.End()

	if err := validateSortOrder(opts.SortOrder); err != nil {
		return nil, protocol.NewToolError(protocol.KindInvalidParams, err.Error())
	}
	opts.PageSize, _ = clampPageSize(opts.PageSize)

	indices, err := c.DiscoverIndices(ctx)
	if err != nil {
		return nil, err
	}
	if len(indices) == 0 {
		return &QueryResult{
			Events:  []map[string]any{},
			Metrics: PerformanceMetrics{QueryComplexity: ComplexityEmpty},
		}, nil
	}
	fp := Fingerprint(indices, opts)

	var cursor *Cursor
	if opts.Cursor != "" {
		cursor, err = DecodeCursor(opts.Cursor, fp)
		if err != nil {
			span.SetStatus(codes.Error, "invalid cursor")
			return nil, err
		}
	} else if opts.PageNumber > 0 {
		if opts.PageNumber*opts.PageSize > DeepPageThreshold {
			return nil, protocol.NewToolError(protocol.KindInvalidParams,
				"page window exceeds the deep paging limit, use cursor pagination").
				WithData("deep_page_threshold", DeepPageThreshold)
		}
	}

	key := cacheKey(fp, opts.Cursor, opts.PageNumber)
	if cached, ok := c.cache.get(key); ok {
		cached.Metrics = PerformanceMetrics{
			QueryComplexity:     ComplexityCached,
			OptimizationApplied: cached.Metrics.OptimizationApplied,
			CacheHit:            true,
		}
		span.SetAttributes(attribute.Bool("cache_hit", true))
		return &cached, nil
	}

	body := buildSearchBody(opts, cursor)
	raw, err := c.search(ctx, indices, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search failed")
		return nil, err
	}

	result := buildQueryResult(raw, indices, opts, fp)
	c.cache.put(key, *result)
	span.SetAttributes(
		attribute.Int("events", len(result.Events)),
		attribute.Int64("total_hits", result.TotalHits),
	)
	return result, nil
}

// ExecuteAggregation runs an opaque aggregation specification.
func (c *Client) ExecuteAggregation(ctx context.Context, opts QueryOptions, aggs map[string]any) (*AggregationResult, error) {
	ctx, span := otel.Tracer("elastic").Start(ctx, "elastic.ExecuteAggregation")
	defer span.End()

	indices, err := c.DiscoverIndices(ctx)
	if err != nil {
		return nil, err
	}
	if len(indices) == 0 {
		return &AggregationResult{
			Aggregations: map[string]any{},
			Metrics:      PerformanceMetrics{QueryComplexity: ComplexityEmpty, AggregationsUsed: true},
		}, nil
	}

	body := buildSearchBody(opts, nil)
	body["size"] = 0
	body["aggs"] = aggs
	delete(body, "sort")
	delete(body, "search_after")

	raw, err := c.search(ctx, indices, body)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	return &AggregationResult{
		Aggregations: raw.Aggregations,
		Metrics: PerformanceMetrics{
			QueryTimeMs:            int64(raw.Took),
			IndicesScanned:         len(indices),
			TotalDocumentsExamined: raw.Hits.Total.Value,
			QueryComplexity:        ComplexityAggregation,
			ShardsScanned:          raw.Shards.Successful,
			AggregationsUsed:       true,
		},
	}, nil
}

// searchResponse is the subset of the search API response we consume.
type searchResponse struct {
	Took   int `json:"took"`
	Shards struct {
		Total      int `json:"total"`
		Successful int `json:"successful"`
	} `json:"_shards"`
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []searchHit `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]any `json:"aggregations"`
}

type searchHit struct {
	ID     string         `json:"_id"`
	Index  string         `json:"_index"`
	Source map[string]any `json:"_source"`
	Sort   []any          `json:"sort"`
}

// search runs one search round trip under the breaker.
func (c *Client) search(ctx context.Context, indices []string, body map[string]any) (*searchResponse, error) {
	es, err := c.client()
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling query: %w", err)
	}

	queryCtx, cancel := context.WithTimeout(ctx, c.config.QueryTimeout)
	defer cancel()

	var parsed searchResponse
	err = c.breaker.Execute(queryCtx, func() error {
		res, err := es.Search(
			es.Search.WithContext(queryCtx),
			es.Search.WithIndex(indices...),
			es.Search.WithBody(bytes.NewReader(payload)),
			es.Search.WithTrackTotalHits(true),
		)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		if res.IsError() {
			// Drain for connection reuse before reporting.
			_, _ = io.Copy(io.Discard, res.Body)
			return &statusError{status: res.StatusCode, msg: fmt.Sprintf("search returned status %d", res.StatusCode)}
		}
		return json.NewDecoder(res.Body).Decode(&parsed)
	})
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

// buildSearchBody composes the bool query, sort, projection, and page
// window for a QueryOptions.
func buildSearchBody(opts QueryOptions, cursor *Cursor) map[string]any {
	must := make([]map[string]any, 0, len(opts.Filters)+1)

	rangeClause := map[string]any{}
	switch {
	case opts.Range != nil:
		if !opts.Range.Start.IsZero() {
			rangeClause["gte"] = opts.Range.Start.UTC().Format(time.RFC3339)
		}
		if !opts.Range.End.IsZero() {
			rangeClause["lte"] = opts.Range.End.UTC().Format(time.RFC3339)
		}
	case opts.TimeRangeHours > 0:
		rangeClause["gte"] = fmt.Sprintf("now-%dh", opts.TimeRangeHours)
	}
	if len(rangeClause) > 0 {
		must = append(must, map[string]any{"range": map[string]any{"@timestamp": rangeClause}})
	}

	for field, value := range opts.Filters {
		must = append(must, filterClause(field, value))
	}

	order := normalizeSortOrder(opts.SortOrder)
	body := map[string]any{
		"query": map[string]any{"bool": map[string]any{"must": must}},
		"size":  opts.PageSize,
		"sort": []map[string]any{
			{"@timestamp": map[string]any{"order": order}},
			{"_id": map[string]any{"order": order}},
		},
	}

	if len(opts.Fields) > 0 {
		body["_source"] = opts.Fields
	}

	if cursor != nil {
		body["search_after"] = []any{cursor.SortTimestamp, cursor.TiebreakDocID}
	} else if opts.PageNumber > 1 {
		body["from"] = (opts.PageNumber - 1) * opts.PageSize
	}
	return body
}

// filterClause maps one filter entry to a term/terms/range predicate.
func filterClause(field string, value any) map[string]any {
	switch v := value.(type) {
	case []any:
		return map[string]any{"terms": map[string]any{field: v}}
	case map[string]any:
		return map[string]any{"range": map[string]any{field: v}}
	default:
		return map[string]any{"term": map[string]any{field: v}}
	}
}

// buildQueryResult converts a search response into the wire result.
func buildQueryResult(raw *searchResponse, indices []string, opts QueryOptions, fp QueryFingerprint) *QueryResult {
	events := make([]map[string]any, 0, len(raw.Hits.Hits))
	for _, hit := range raw.Hits.Hits {
		src := hit.Source
		if src == nil {
			src = map[string]any{}
		}
		src["_id"] = hit.ID
		events = append(events, src)
	}

	metrics := PerformanceMetrics{
		QueryTimeMs:            int64(raw.Took),
		IndicesScanned:         len(indices),
		TotalDocumentsExamined: raw.Hits.Total.Value,
		QueryComplexity:        ComplexitySimple,
		ShardsScanned:          raw.Shards.Successful,
	}
	if len(opts.Fields) > 0 {
		metrics.OptimizationApplied = append(metrics.OptimizationApplied, OptFieldReduction)
		metrics.QueryComplexity = ComplexityOptimized
	}
	if len(events) == 0 {
		metrics.QueryComplexity = ComplexityEmpty
	}

	result := &QueryResult{
		Events:    events,
		TotalHits: raw.Hits.Total.Value,
		Metrics:   metrics,
	}

	fullPage := len(raw.Hits.Hits) > 0 && len(raw.Hits.Hits) == opts.PageSize

	if opts.Cursor != "" {
		// Cursor mode: encode the last hit's sort tuple. A short page is
		// the final one and carries no cursor.
		if fullPage {
			result.Cursor = nextCursor(raw, fp)
			result.NextPageToken = result.Cursor
		}
		return result
	}

	// Page-number mode is the default; an omitted page_number means page 1.
	page := opts.PageNumber
	if page < 1 {
		page = 1
	}
	totalPages := int((raw.Hits.Total.Value + int64(opts.PageSize) - 1) / int64(opts.PageSize))
	start := int64(page-1) * int64(opts.PageSize)
	end := start + int64(len(events))
	result.PageInfo = &PageInfo{
		PageNumber:  page,
		TotalPages:  totalPages,
		HasPrevious: page > 1,
		HasNext:     page < totalPages,
		StartIndex:  start,
		EndIndex:    end,
	}
	if fullPage && page == 1 {
		// A full first page also offers a cursor so deep scans can
		// switch to cursor mode.
		result.Cursor = nextCursor(raw, fp)
		result.NextPageToken = result.Cursor
	}
	return result
}

// nextCursor encodes the last hit's sort tuple as the next-page cursor.
func nextCursor(raw *searchResponse, fp QueryFingerprint) string {
	last := raw.Hits.Hits[len(raw.Hits.Hits)-1]
	next := Cursor{
		SortTimestamp: sortTimestamp(last),
		TiebreakDocID: last.ID,
		Fingerprint:   fp,
	}
	return next.Encode()
}

// sortTimestamp extracts the numeric @timestamp sort key from a hit.
func sortTimestamp(hit searchHit) int64 {
	if len(hit.Sort) > 0 {
		if f, ok := hit.Sort[0].(float64); ok {
			return int64(f)
		}
	}
	return 0
}

// clampPageSize applies the page-size policy. The bool reports whether
// the caller's hint was reduced.
func clampPageSize(size int) (int, bool) {
	if size <= 0 {
		return 100, false
	}
	if size > MaxPageSize {
		return MaxPageSize, true
	}
	return size, false
}

func (c *Client) client() (*elasticsearch.Client, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}
	return c.es, nil
}
