// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package campaign

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/dshield-mcp/services/siem/elastic"
	"github.com/AleutianAI/dshield-mcp/services/siem/protocol"
)

// Granularity is the timeline bucket width.
type Granularity string

const (
	GranularityHourly Granularity = "hourly"
	GranularityDaily  Granularity = "daily"
	GranularityWeekly Granularity = "weekly"
)

// interval maps a granularity to the aggregation calendar interval.
func (g Granularity) interval() (string, bool) {
	switch g {
	case GranularityHourly:
		return "1h", true
	case GranularityDaily:
		return "1d", true
	case GranularityWeekly:
		return "1w", true
	default:
		return "", false
	}
}

// TimelineBucket is one bucket of campaign activity.
type TimelineBucket struct {
	Start      time.Time `json:"start"`
	EventCount int64     `json:"event_count"`
	UniqueIPs  int64     `json:"unique_source_ips"`
}

// Timeline is the bucketed activity of one campaign.
type Timeline struct {
	CampaignID  string                     `json:"campaign_id"`
	Granularity Granularity                `json:"granularity"`
	Buckets     []TimelineBucket           `json:"buckets"`
	Metrics     elastic.PerformanceMetrics `json:"performance_metrics"`
}

// Timeline buckets campaign activity with a date_histogram over the
// campaign's IP indicators.
func (a *Analyzer) Timeline(ctx context.Context, campaignID string, granularity Granularity) (*Timeline, error) {
	ctx, span := otel.Tracer("campaign").Start(ctx, "campaign.Timeline")
	defer span.End()

	interval, ok := granularity.interval()
	if !ok {
		return nil, protocol.NewToolError(protocol.KindInvalidParams,
			"granularity must be hourly, daily, or weekly")
	}

	c, err := a.store.Get(campaignID)
	if err != nil {
		return nil, err
	}

	ips := append(c.IndicatorValues(IndicatorSourceIP), c.IndicatorValues(IndicatorDestinationIP)...)
	values := make([]any, len(ips))
	for i, ip := range ips {
		values[i] = ip
	}

	opts := elastic.QueryOptions{
		Filters: map[string]any{"source.ip": values},
		Range:   &elastic.TimeRange{Start: c.Start, End: c.End},
	}
	aggs := map[string]any{
		"activity": map[string]any{
			"date_histogram": map[string]any{
				"field":             "@timestamp",
				"calendar_interval": interval,
				"min_doc_count":     0,
			},
			"aggs": map[string]any{
				"unique_ips": map[string]any{
					"cardinality": map[string]any{"field": "source.ip"},
				},
			},
		},
	}

	result, err := a.querier.ExecuteAggregation(ctx, opts, aggs)
	if err != nil {
		return nil, err
	}

	timeline := &Timeline{
		CampaignID:  campaignID,
		Granularity: granularity,
		Buckets:     parseBuckets(result.Aggregations),
		Metrics:     result.Metrics,
	}
	span.SetAttributes(attribute.Int("buckets", len(timeline.Buckets)))
	return timeline, nil
}

// parseBuckets walks the date_histogram response shape.
func parseBuckets(aggs map[string]any) []TimelineBucket {
	activity, ok := aggs["activity"].(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := activity["buckets"].([]any)
	if !ok {
		return nil
	}
	buckets := make([]TimelineBucket, 0, len(raw))
	for _, b := range raw {
		m, ok := b.(map[string]any)
		if !ok {
			continue
		}
		bucket := TimelineBucket{}
		if key, ok := m["key"].(float64); ok {
			bucket.Start = time.UnixMilli(int64(key)).UTC()
		}
		if count, ok := m["doc_count"].(float64); ok {
			bucket.EventCount = int64(count)
		}
		if unique, ok := m["unique_ips"].(map[string]any); ok {
			if v, ok := unique["value"].(float64); ok {
				bucket.UniqueIPs = int64(v)
			}
		}
		buckets = append(buckets, bucket)
	}
	return buckets
}
