// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package campaign

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/dshield-mcp/services/siem/elastic"
	"github.com/AleutianAI/dshield-mcp/services/siem/protocol"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeQuerier replays canned events and records the queries it saw.
type fakeQuerier struct {
	events  []map[string]any
	aggs    map[string]any
	queries []elastic.QueryOptions
}

func (f *fakeQuerier) Query(_ context.Context, opts elastic.QueryOptions) (*elastic.QueryResult, error) {
	f.queries = append(f.queries, opts)
	return &elastic.QueryResult{
		Events:    f.events,
		TotalHits: int64(len(f.events)),
	}, nil
}

func (f *fakeQuerier) ExecuteAggregation(_ context.Context, opts elastic.QueryOptions, _ map[string]any) (*elastic.AggregationResult, error) {
	f.queries = append(f.queries, opts)
	return &elastic.AggregationResult{Aggregations: f.aggs}, nil
}

func attackEvent(srcIP, dstIP, signature, ts string) map[string]any {
	return map[string]any{
		"@timestamp":      ts,
		"source.ip":       srcIP,
		"destination.ip":  dstIP,
		"event.signature": signature,
	}
}

func seededAnalyzer(t *testing.T, events []map[string]any) (*Analyzer, *fakeQuerier, *Campaign) {
	t.Helper()
	q := &fakeQuerier{events: events}
	a := NewAnalyzer(q, NewStore(), testLogger)
	c, err := a.Analyze(context.Background(), AnalyzeRequest{SeedIOCs: []string{"203.0.113.5"}})
	require.NoError(t, err)
	return a, q, c
}

func TestAnalyzer_Analyze(t *testing.T) {
	events := []map[string]any{
		attackEvent("203.0.113.5", "198.51.100.9", "ssh-brute-force", "2026-01-15T12:00:00Z"),
		attackEvent("203.0.113.5", "198.51.100.9", "ssh-brute-force", "2026-01-15T12:05:00Z"),
		attackEvent("203.0.113.5", "198.51.100.10", "ssh-brute-force", "2026-01-15T12:10:00Z"),
	}
	_, q, c := seededAnalyzer(t, events)

	assert.NotEmpty(t, c.ID)
	assert.Equal(t, []string{"203.0.113.5"}, c.SeedIOCs)
	assert.Equal(t, int64(3), c.EventCount)
	assert.Equal(t, DefaultCorrelationMin, c.CorrelationMinutes)
	assert.Equal(t, time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC), c.Start)
	assert.Equal(t, time.Date(2026, 1, 15, 12, 10, 0, 0, time.UTC), c.End)

	// source.ip, two destination.ips, one signature.
	assert.Equal(t, []string{"203.0.113.5"}, c.IndicatorValues(IndicatorSourceIP))
	assert.Equal(t, []string{"198.51.100.10", "198.51.100.9"}, c.IndicatorValues(IndicatorDestinationIP))
	assert.Equal(t, []string{"ssh-brute-force"}, c.IndicatorValues(IndicatorSignature))

	// The seed IOC is an IP, so it queried the address field.
	require.Len(t, q.queries, 1)
	assert.Contains(t, q.queries[0].Filters, "source.ip")
	assert.Equal(t, 24*7, q.queries[0].TimeRangeHours)
}

func TestAnalyzer_Analyze_SignatureSeeds(t *testing.T) {
	q := &fakeQuerier{}
	a := NewAnalyzer(q, NewStore(), testLogger)

	_, err := a.Analyze(context.Background(), AnalyzeRequest{
		SeedIOCs: []string{"ssh-brute-force", "203.0.113.5"},
	})
	require.NoError(t, err)

	require.Len(t, q.queries, 1)
	assert.Equal(t, []any{"203.0.113.5"}, q.queries[0].Filters["source.ip"])
	assert.Equal(t, []any{"ssh-brute-force"}, q.queries[0].Filters["event.signature"])
}

func TestAnalyzer_Analyze_Validation(t *testing.T) {
	a := NewAnalyzer(&fakeQuerier{}, NewStore(), testLogger)
	ctx := context.Background()

	assertInvalidParams := func(t *testing.T, err error) {
		t.Helper()
		var te *protocol.ToolError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, protocol.KindInvalidParams, te.Kind)
	}

	t.Run("no seeds", func(t *testing.T) {
		_, err := a.Analyze(ctx, AnalyzeRequest{})
		assertInvalidParams(t, err)
	})

	t.Run("too many seeds", func(t *testing.T) {
		seeds := make([]string, MaxSeedIOCs+1)
		for i := range seeds {
			seeds[i] = "203.0.113.5"
		}
		_, err := a.Analyze(ctx, AnalyzeRequest{SeedIOCs: seeds})
		assertInvalidParams(t, err)
	})

	t.Run("oversized IOC", func(t *testing.T) {
		_, err := a.Analyze(ctx, AnalyzeRequest{SeedIOCs: []string{strings.Repeat("x", MaxIOCLength+1)}})
		assertInvalidParams(t, err)
	})

	t.Run("correlation window out of range", func(t *testing.T) {
		_, err := a.Analyze(ctx, AnalyzeRequest{SeedIOCs: []string{"203.0.113.5"}, CorrelationMinutes: MaxCorrelationMin + 1})
		assertInvalidParams(t, err)
	})
}

func TestAnalyzer_Expand(t *testing.T) {
	events := []map[string]any{
		attackEvent("203.0.113.5", "198.51.100.9", "ssh-brute-force", "2026-01-15T12:00:00Z"),
	}
	a, q, c := seededAnalyzer(t, events)

	// Expansion surfaces a second source IP attacking the same target.
	q.events = []map[string]any{
		attackEvent("203.0.113.5", "198.51.100.9", "ssh-brute-force", "2026-01-15T12:00:00Z"),
		attackEvent("203.0.113.77", "198.51.100.9", "ssh-brute-force", "2026-01-15T12:30:00Z"),
	}

	expanded, err := a.Expand(context.Background(), c.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{"203.0.113.5", "203.0.113.77"}, expanded.IndicatorValues(IndicatorSourceIP))
	require.NotNil(t, expanded.ExpandedAt)
	assert.Equal(t, time.Date(2026, 1, 15, 12, 30, 0, 0, time.UTC), expanded.End)

	// The new indicator carries the next generation; the original stays 0.
	gens := map[string]int{}
	for _, ind := range expanded.Indicators {
		if ind.Type == IndicatorSourceIP {
			gens[ind.Value] = ind.Generation
		}
	}
	assert.Equal(t, 0, gens["203.0.113.5"])
	assert.Equal(t, 1, gens["203.0.113.77"])

	// The expansion query widened the range by the correlation window.
	expandQuery := q.queries[len(q.queries)-1]
	require.NotNil(t, expandQuery.Range)
	assert.Equal(t, c.Start.Add(-time.Duration(c.CorrelationMinutes)*time.Minute), expandQuery.Range.Start)
}

func TestAnalyzer_Expand_UnknownCampaign(t *testing.T) {
	a := NewAnalyzer(&fakeQuerier{}, NewStore(), testLogger)
	_, err := a.Expand(context.Background(), "missing-campaign")
	var te *protocol.ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, protocol.KindInvalidParams, te.Kind)
}

func TestAnalyzer_Timeline(t *testing.T) {
	events := []map[string]any{
		attackEvent("203.0.113.5", "198.51.100.9", "ssh-brute-force", "2026-01-15T12:00:00Z"),
	}
	a, q, c := seededAnalyzer(t, events)

	q.aggs = map[string]any{
		"activity": map[string]any{
			"buckets": []any{
				map[string]any{
					"key":       1768478400000.0,
					"doc_count": 40.0,
					"unique_ips": map[string]any{
						"value": 3.0,
					},
				},
				map[string]any{
					"key":       1768482000000.0,
					"doc_count": 0.0,
				},
			},
		},
	}

	timeline, err := a.Timeline(context.Background(), c.ID, GranularityHourly)
	require.NoError(t, err)

	assert.Equal(t, c.ID, timeline.CampaignID)
	require.Len(t, timeline.Buckets, 2)
	assert.Equal(t, time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC), timeline.Buckets[0].Start)
	assert.Equal(t, int64(40), timeline.Buckets[0].EventCount)
	assert.Equal(t, int64(3), timeline.Buckets[0].UniqueIPs)
	assert.Zero(t, timeline.Buckets[1].UniqueIPs)
}

func TestAnalyzer_Timeline_InvalidGranularity(t *testing.T) {
	events := []map[string]any{
		attackEvent("203.0.113.5", "198.51.100.9", "ssh", "2026-01-15T12:00:00Z"),
	}
	a, _, c := seededAnalyzer(t, events)

	_, err := a.Timeline(context.Background(), c.ID, Granularity("monthly"))
	var te *protocol.ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, protocol.KindInvalidParams, te.Kind)
}

func TestConfidence(t *testing.T) {
	ind := []Indicator{{Type: IndicatorSourceIP, Value: "203.0.113.5"}}
	start := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	t.Run("zero evidence", func(t *testing.T) {
		assert.Zero(t, confidence(0, nil, start, start, time.Hour))
	})

	t.Run("tight single-type campaign", func(t *testing.T) {
		// 0.3 base + 0.3*0.5 volume + 0.2*0.25 diversity + 0.2 tightness
		got := confidence(50, ind, start, start.Add(30*time.Minute), time.Hour)
		assert.InDelta(t, 0.70, got, 0.001)
	})

	t.Run("saturates at one", func(t *testing.T) {
		diverse := []Indicator{
			{Type: IndicatorSourceIP, Value: "a"},
			{Type: IndicatorDestinationIP, Value: "b"},
			{Type: IndicatorSignature, Value: "c"},
			{Type: IndicatorUserAgent, Value: "d"},
		}
		got := confidence(1000, diverse, start, start.Add(time.Minute), time.Hour)
		assert.Equal(t, 1.0, got)
	})

	t.Run("spread activity loses the tightness bonus", func(t *testing.T) {
		tight := confidence(50, ind, start, start.Add(30*time.Minute), time.Hour)
		spread := confidence(50, ind, start, start.Add(3*time.Hour), time.Hour)
		assert.InDelta(t, 0.2, tight-spread, 0.001)
	})
}

func TestStore(t *testing.T) {
	store := NewStore()

	t.Run("get returns a copy", func(t *testing.T) {
		c := &Campaign{ID: "c-1", SeedIOCs: []string{"203.0.113.5"}}
		store.Put(c)

		got, err := store.Get("c-1")
		require.NoError(t, err)
		got.SeedIOCs[0] = "mutated"

		again, err := store.Get("c-1")
		require.NoError(t, err)
		assert.Equal(t, "203.0.113.5", again.SeedIOCs[0])
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := store.Get("nope")
		var te *protocol.ToolError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, protocol.KindInvalidParams, te.Kind)
	})

	t.Run("len", func(t *testing.T) {
		assert.Equal(t, 1, store.Len())
	})
}
