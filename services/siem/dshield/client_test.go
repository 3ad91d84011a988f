// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dshield

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/dshield-mcp/services/siem/elastic"
	"github.com/AleutianAI/dshield-mcp/services/siem/protocol"
)

// fakeAPI mimics the /ip endpoint and counts upstream hits.
type fakeAPI struct {
	hits   atomic.Int64
	status atomic.Int64
}

func (f *fakeAPI) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		if code := f.status.Load(); code != 0 {
			w.WriteHeader(int(code))
			return
		}
		if strings.Contains(r.URL.Path, "/infocon") {
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "green"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ip": map[string]any{
				"number":    "203.0.113.5",
				"count":     150.0,
				"attacks":   40.0,
				"mindate":   "2026-01-01",
				"maxdate":   "2026-01-14",
				"ascountry": "NL",
				"asname":    "EXAMPLE-AS",
				"network":   "203.0.113.0/24",
				"threatfeeds": map[string]any{
					"blocklist": map[string]any{"lastseen": "2026-01-14"},
				},
			},
		})
	})
}

func newTestDShield(t *testing.T, f *fakeAPI, mutate func(*Config)) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	cfg := Config{
		BaseURL: srv.URL,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	client, err := NewClient(cfg)
	require.NoError(t, err)
	return client
}

func TestClient_EnrichIP(t *testing.T) {
	api := &fakeAPI{}
	client := newTestDShield(t, api, nil)

	rep, err := client.EnrichIP(context.Background(), "203.0.113.5")
	require.NoError(t, err)

	assert.Equal(t, "203.0.113.5", rep.IP)
	require.NotNil(t, rep.ReputationScore)
	// 150 reports * 0.1 + 40 attacks * 0.5
	assert.InDelta(t, 35.0, *rep.ReputationScore, 0.001)
	assert.Equal(t, 40, rep.AttackCount)
	assert.Equal(t, "2026-01-01", rep.FirstSeen)
	assert.Equal(t, "NL", rep.Country)
	assert.Equal(t, []string{"blocklist"}, rep.ThreatFeeds)
	assert.Equal(t, "dshield", rep.Source)
}

func TestClient_EnrichIP_RejectsInvalidIP(t *testing.T) {
	client := newTestDShield(t, &fakeAPI{}, nil)

	for _, bad := range []string{"", "not-an-ip", "999.1.1.1", "203.0.113.5; DROP TABLE"} {
		t.Run(bad, func(t *testing.T) {
			_, err := client.EnrichIP(context.Background(), bad)
			var te *protocol.ToolError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, protocol.KindInvalidParams, te.Kind)
		})
	}
}

func TestClient_EnrichIP_SecondLookupServedFromCache(t *testing.T) {
	api := &fakeAPI{}
	client := newTestDShield(t, api, nil)
	ctx := context.Background()

	first, err := client.EnrichIP(ctx, "203.0.113.5")
	require.NoError(t, err)
	assert.Equal(t, "dshield", first.Source)

	second, err := client.EnrichIP(ctx, "203.0.113.5")
	require.NoError(t, err)
	assert.Equal(t, "cache", second.Source)
	assert.Equal(t, int64(1), api.hits.Load())
}

func TestClient_EnrichIP_CacheExpires(t *testing.T) {
	api := &fakeAPI{}
	client := newTestDShield(t, api, func(c *Config) {
		c.CacheTTL = time.Nanosecond
	})
	ctx := context.Background()

	_, err := client.EnrichIP(ctx, "203.0.113.5")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	rep, err := client.EnrichIP(ctx, "203.0.113.5")
	require.NoError(t, err)
	assert.Equal(t, "dshield", rep.Source)
	assert.Equal(t, int64(2), api.hits.Load())
}

func TestClient_EnrichIP_RateLimited(t *testing.T) {
	client := newTestDShield(t, &fakeAPI{}, func(c *Config) {
		c.HostRPM = 1
		c.CacheTTL = time.Nanosecond // force upstream on every call
	})
	ctx := context.Background()

	_, err := client.EnrichIP(ctx, "203.0.113.5")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	_, err = client.EnrichIP(ctx, "203.0.113.6")
	var te *protocol.ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, protocol.KindRateLimited, te.Kind)
	assert.Contains(t, te.Data, "retry_after_ms")
}

func TestClient_EnrichIP_CircuitOpenReturnsNoDataRecord(t *testing.T) {
	api := &fakeAPI{}
	client := newTestDShield(t, api, func(c *Config) {
		c.Breaker = elastic.BreakerConfig{
			RetryAttempts: 0,
			Threshold:     1,
			Window:        time.Minute,
			Cooldown:      time.Minute,
		}
	})

	// One failing probe trips the single-failure breaker.
	api.status.Store(http.StatusInternalServerError)
	require.Error(t, client.Ping(context.Background()))
	require.Equal(t, elastic.StateOpen, client.breaker.State())
	api.status.Store(0)
	upstreamHits := api.hits.Load()

	rep, err := client.EnrichIP(context.Background(), "203.0.113.5")
	require.NoError(t, err)
	assert.Nil(t, rep.ReputationScore)
	assert.Equal(t, "circuit_open", rep.Source)
	assert.Equal(t, upstreamHits, api.hits.Load(), "open circuit must not touch the backend")

	// The wire form carries an explicit null, not an omitted field.
	raw, err := json.Marshal(rep)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"reputation_score":null`)
}

func TestClient_EnrichBatch(t *testing.T) {
	client := newTestDShield(t, &fakeAPI{}, nil)

	reps, err := client.EnrichBatch(context.Background(), []string{"203.0.113.5", "198.51.100.9"})
	require.NoError(t, err)
	require.Len(t, reps, 2)
	assert.Equal(t, "203.0.113.5", reps[0].IP)
	assert.Equal(t, "198.51.100.9", reps[1].IP)
}

func TestClient_EnrichBatch_RejectsOversizedBatch(t *testing.T) {
	client := newTestDShield(t, &fakeAPI{}, func(c *Config) {
		c.MaxBatchSize = 2
	})

	_, err := client.EnrichBatch(context.Background(), []string{"1.1.1.1", "1.1.1.2", "1.1.1.3"})
	var te *protocol.ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, protocol.KindInvalidParams, te.Kind)
	assert.Equal(t, 2, te.Data["max_batch_size"])
}

func TestClient_EnrichBatch_InvalidIPAbortsBatch(t *testing.T) {
	client := newTestDShield(t, &fakeAPI{}, nil)

	_, err := client.EnrichBatch(context.Background(), []string{"203.0.113.5", "not-an-ip"})
	var te *protocol.ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, protocol.KindInvalidParams, te.Kind)
}

func TestClient_Ping(t *testing.T) {
	api := &fakeAPI{}
	client := newTestDShield(t, api, nil)

	assert.NoError(t, client.Ping(context.Background()))

	api.status.Store(http.StatusServiceUnavailable)
	assert.Error(t, client.Ping(context.Background()))
}

func TestParseReputation_CoercesSparseFields(t *testing.T) {
	t.Run("string counts", func(t *testing.T) {
		rep, err := parseReputation("203.0.113.5", []byte(`{"ip":{"count":"42","attacks":"7"}}`))
		require.NoError(t, err)
		assert.Equal(t, 7, rep.AttackCount)
		assert.InDelta(t, 7.7, *rep.ReputationScore, 0.001)
	})

	t.Run("null counts score zero", func(t *testing.T) {
		rep, err := parseReputation("203.0.113.5", []byte(`{"ip":{"count":null,"attacks":null}}`))
		require.NoError(t, err)
		require.NotNil(t, rep.ReputationScore)
		assert.Zero(t, *rep.ReputationScore)
	})

	t.Run("score capped at 100", func(t *testing.T) {
		rep, err := parseReputation("203.0.113.5", []byte(`{"ip":{"count":5000,"attacks":900}}`))
		require.NoError(t, err)
		assert.Equal(t, 100.0, *rep.ReputationScore)
	})

	t.Run("malformed body", func(t *testing.T) {
		_, err := parseReputation("203.0.113.5", []byte(`not json`))
		assert.Error(t, err)
	})
}
