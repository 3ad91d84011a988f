// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package dshield implements the DShield threat-intelligence client:
// IP reputation lookups over HTTPS with per-IP caching, request
// coalescing, host-scoped rate limiting, and the same circuit-breaker
// model as the Elasticsearch client.
package dshield

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/dshield-mcp/services/siem/elastic"
	"github.com/AleutianAI/dshield-mcp/services/siem/protocol"
	"github.com/AleutianAI/dshield-mcp/services/siem/ratelimit"
)

// Defaults.
const (
	// DefaultBaseURL is the public DShield API endpoint.
	DefaultBaseURL = "https://isc.sans.edu/api"

	// DefaultCacheTTL is the per-IP memoization window.
	DefaultCacheTTL = 300 * time.Second

	// DefaultHostRPM is the sliding-window limit on upstream calls.
	DefaultHostRPM = 60

	// DefaultRequestTimeout bounds one upstream round trip.
	DefaultRequestTimeout = 10 * time.Second

	// DefaultMaxBatchSize caps enrichment batch fan-out.
	DefaultMaxBatchSize = 50

	// apiKeyHeader carries the resolved API key on every request.
	apiKeyHeader = "X-DShield-Api-Key"
)

var (
	upstreamCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "siem_mcp_dshield_upstream_calls_total",
		Help: "DShield API calls by outcome",
	}, []string{"outcome"})
	enrichCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "siem_mcp_dshield_cache_hits_total",
		Help: "IP reputation lookups served from cache",
	})
)

// Reputation is one IP's threat-intelligence record. ReputationScore is
// a pointer so the circuit-open "no data" record can carry an explicit
// null on the wire.
type Reputation struct {
	IP              string   `json:"ip"`
	ReputationScore *float64 `json:"reputation_score"`
	AttackCount     int      `json:"attack_count,omitempty"`
	FirstSeen       string   `json:"first_seen,omitempty"`
	LastSeen        string   `json:"last_seen,omitempty"`
	Country         string   `json:"country,omitempty"`
	ASName          string   `json:"as_name,omitempty"`
	Network         string   `json:"network,omitempty"`
	ThreatFeeds     []string `json:"threat_feeds,omitempty"`

	// Source is "dshield", "cache", or "circuit_open".
	Source string `json:"source"`
}

// Config configures the DShield client.
type Config struct {
	// BaseURL is the API endpoint. Default: DefaultBaseURL.
	BaseURL string

	// APIKey is the resolved key sent in the request header. Empty
	// disables the header; the public API still answers.
	APIKey string

	// CacheTTL is the per-IP memoization window. Default: 300s.
	CacheTTL time.Duration

	// HostRPM limits upstream calls per minute. Default: 60.
	HostRPM int

	// RequestTimeout bounds one round trip. Default: 10s.
	RequestTimeout time.Duration

	// MaxBatchSize caps EnrichBatch fan-out. Default: 50.
	MaxBatchSize int

	// Breaker tunes the circuit breaker. Zero value takes the shared
	// defaults.
	Breaker elastic.BreakerConfig

	// HTTPClient overrides the transport. Tests inject one.
	HTTPClient *http.Client

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.HostRPM == 0 {
		c.HostRPM = DefaultHostRPM
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.Breaker.Threshold == 0 {
		c.Breaker = elastic.DefaultBreakerConfig()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyFromEnvironment},
		}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client is the DShield API client.
//
// Thread Safety: safe for concurrent use.
type Client struct {
	config  Config
	logger  *slog.Logger
	breaker *elastic.Breaker
	window  *ratelimit.SlidingWindow
	group   singleflight.Group

	cacheMu sync.Mutex
	cache   map[string]cachedReputation
}

type cachedReputation struct {
	rep       Reputation
	expiresAt time.Time
}

// NewClient creates a Client.
func NewClient(config Config) (*Client, error) {
	config.applyDefaults()
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	logger := config.Logger.With(slog.String("component", "dshield_client"))
	return &Client{
		config:  config,
		logger:  logger,
		breaker: elastic.NewBreaker(config.Breaker, logger),
		window:  ratelimit.NewSlidingWindow(time.Minute, config.HostRPM),
		cache:   make(map[string]cachedReputation),
	}, nil
}

// Breaker exposes the circuit breaker for feature-gating registration.
func (c *Client) Breaker() *elastic.Breaker {
	return c.breaker
}

// Ping probes the API. Used as the dshield feature probe.
func (c *Client) Ping(ctx context.Context) error {
	return c.breaker.ForceProbe(func() error {
		_, err := c.fetch(ctx, "/infocon.json")
		return err
	})
}

// EnrichIP returns the reputation record for one IP.
//
// The cache is consulted first; on a miss, concurrent callers for the
// same IP coalesce into one upstream request. While the circuit is
// open the method returns the "no data" record with Source
// "circuit_open" instead of an error.
func (c *Client) EnrichIP(ctx context.Context, ip string) (*Reputation, error) {
	ip = strings.TrimSpace(ip)
	if net.ParseIP(ip) == nil {
		return nil, protocol.NewToolError(protocol.KindInvalidParams,
			"not a valid IP address").WithData("ip", ip)
	}

	if rep, ok := c.cached(ip); ok {
		enrichCacheHits.Inc()
		rep.Source = "cache"
		return &rep, nil
	}

	v, err, _ := c.group.Do(ip, func() (any, error) {
		// Re-check under coalescing; a concurrent winner may have
		// populated the cache while we queued.
		if rep, ok := c.cached(ip); ok {
			return &rep, nil
		}
		return c.lookup(ctx, ip)
	})
	if err != nil {
		return nil, err
	}
	rep := *(v.(*Reputation))
	return &rep, nil
}

// EnrichBatch enriches up to MaxBatchSize IPs sequentially, preserving
// input order. Individual failures degrade to the no-data record so one
// bad IP does not sink the batch.
func (c *Client) EnrichBatch(ctx context.Context, ips []string) ([]Reputation, error) {
	if len(ips) > c.config.MaxBatchSize {
		return nil, protocol.NewToolError(protocol.KindInvalidParams,
			"too many IPs in one enrichment batch").
			WithData("max_batch_size", c.config.MaxBatchSize)
	}
	out := make([]Reputation, 0, len(ips))
	for _, ip := range ips {
		rep, err := c.EnrichIP(ctx, ip)
		if err != nil {
			var toolErr *protocol.ToolError
			if errors.As(err, &toolErr) && toolErr.Kind == protocol.KindInvalidParams {
				return nil, err
			}
			c.logger.Warn("batch enrichment degraded for ip",
				slog.String("ip", ip), slog.Any("error", err))
			out = append(out, noDataRecord(ip, "error"))
			continue
		}
		out = append(out, *rep)
	}
	return out, nil
}

// lookup performs the upstream call for one IP and caches the result.
func (c *Client) lookup(ctx context.Context, ip string) (*Reputation, error) {
	if c.breaker.State() == elastic.StateOpen {
		rep := noDataRecord(ip, "circuit_open")
		return &rep, nil
	}

	if ok, retryAfter := c.window.Allow(); !ok {
		return nil, protocol.NewToolError(protocol.KindRateLimited,
			"threat-intel lookups are rate limited").
			WithData("retry_after_ms", retryAfter.Milliseconds())
	}

	var body []byte
	err := c.breaker.Execute(ctx, func() error {
		raw, err := c.fetch(ctx, "/ip/"+url.PathEscape(ip)+"?json")
		if err != nil {
			return err
		}
		body = raw
		return nil
	})
	if errors.Is(err, elastic.ErrCircuitOpen) {
		rep := noDataRecord(ip, "circuit_open")
		return &rep, nil
	}
	if err != nil {
		upstreamCalls.WithLabelValues("error").Inc()
		return nil, protocol.NewToolError(protocol.KindUpstreamUnavailable,
			"threat-intel backend is unavailable").WithCause(err)
	}
	upstreamCalls.WithLabelValues("ok").Inc()

	rep, err := parseReputation(ip, body)
	if err != nil {
		return nil, protocol.NewToolError(protocol.KindUpstreamUnavailable,
			"threat-intel response is malformed").WithCause(err)
	}

	c.cacheMu.Lock()
	c.cache[ip] = cachedReputation{rep: *rep, expiresAt: time.Now().Add(c.config.CacheTTL)}
	c.cacheMu.Unlock()
	return rep, nil
}

// fetch performs one GET against the API.
func (c *Client) fetch(ctx context.Context, path string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.config.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set(apiKeyHeader, c.config.APIKey)
	}

	res, err := c.config.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil, elastic.NewStatusError(res.StatusCode, fmt.Sprintf("dshield returned status %d", res.StatusCode))
	}
	return io.ReadAll(res.Body)
}

func (c *Client) cached(ip string) (Reputation, bool) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	entry, ok := c.cache[ip]
	if !ok || time.Now().After(entry.expiresAt) {
		delete(c.cache, ip)
		return Reputation{}, false
	}
	return entry.rep, true
}

// noDataRecord is the well-formed degraded record: reputation_score is
// an explicit null.
func noDataRecord(ip, source string) Reputation {
	return Reputation{IP: ip, ReputationScore: nil, Source: source}
}

// dshieldIPResponse is the upstream /ip response shape.
type dshieldIPResponse struct {
	IP struct {
		Number      string `json:"number"`
		Count       any    `json:"count"`
		Attacks     any    `json:"attacks"`
		MaxDate     string `json:"maxdate"`
		MinDate     string `json:"mindate"`
		ASCountry   string `json:"ascountry"`
		ASName      string `json:"asname"`
		Network     string `json:"network"`
		Threatfeeds any    `json:"threatfeeds"`
	} `json:"ip"`
}

// parseReputation maps the upstream response to a Reputation. The API
// returns numbers and nulls interchangeably for sparse IPs, so counts
// are coerced defensively.
func parseReputation(ip string, body []byte) (*Reputation, error) {
	var raw dshieldIPResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	attacks := coerceInt(raw.IP.Attacks)
	count := coerceInt(raw.IP.Count)
	score := reputationScore(count, attacks)

	rep := &Reputation{
		IP:              ip,
		ReputationScore: &score,
		AttackCount:     attacks,
		FirstSeen:       raw.IP.MinDate,
		LastSeen:        raw.IP.MaxDate,
		Country:         raw.IP.ASCountry,
		ASName:          raw.IP.ASName,
		Network:         raw.IP.Network,
		ThreatFeeds:     coerceFeeds(raw.IP.Threatfeeds),
		Source:          "dshield",
	}
	return rep, nil
}

// reputationScore folds report and attack counts into a 0-100 score.
// More reports against more distinct targets reads as higher risk.
func reputationScore(count, attacks int) float64 {
	score := float64(count)*0.1 + float64(attacks)*0.5
	if score > 100 {
		score = 100
	}
	return score
}

func coerceInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case string:
		var n int
		_, _ = fmt.Sscanf(t, "%d", &n)
		return n
	default:
		return 0
	}
}

func coerceFeeds(v any) []string {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	feeds := make([]string, 0, len(m))
	for name := range m {
		feeds = append(feeds, name)
	}
	return feeds
}
