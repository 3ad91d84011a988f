// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package campaign

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/dshield-mcp/services/siem/elastic"
	"github.com/AleutianAI/dshield-mcp/services/siem/event"
	"github.com/AleutianAI/dshield-mcp/services/siem/protocol"
)

// Querier is the slice of the Elasticsearch client the analyzer needs.
type Querier interface {
	Query(ctx context.Context, opts elastic.QueryOptions) (*elastic.QueryResult, error)
	ExecuteAggregation(ctx context.Context, opts elastic.QueryOptions, aggs map[string]any) (*elastic.AggregationResult, error)
}

// indicatorFields maps event fields to indicator types for extraction.
var indicatorFields = map[string]IndicatorType{
	"source.ip":           IndicatorSourceIP,
	"destination.ip":      IndicatorDestinationIP,
	"destination.port":    IndicatorPort,
	"event.signature":     IndicatorSignature,
	"rule.name":           IndicatorSignature,
	"user_agent.original": IndicatorUserAgent,
}

// correlationSampleSize bounds how many events one analysis pass
// examines for indicator extraction.
const correlationSampleSize = 1000

// Analyzer runs campaign analysis over the event indices.
type Analyzer struct {
	querier Querier
	store   *Store
	logger  *slog.Logger
}

// NewAnalyzer creates an Analyzer backed by the shared store.
func NewAnalyzer(querier Querier, store *Store, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		querier: querier,
		store:   store,
		logger:  logger.With(slog.String("component", "campaign_analyzer")),
	}
}

// AnalyzeRequest are the validated analyze_campaign arguments.
type AnalyzeRequest struct {
	SeedIOCs           []string
	Range              *elastic.TimeRange
	CorrelationMinutes int
}

// validate applies parameter bounds. Schema validation happens
// upstream; this re-checks the semantic bounds for direct callers.
func (r *AnalyzeRequest) validate() error {
	if len(r.SeedIOCs) == 0 || len(r.SeedIOCs) > MaxSeedIOCs {
		return protocol.NewToolError(protocol.KindInvalidParams,
			fmt.Sprintf("seed_iocs must contain 1..%d entries", MaxSeedIOCs))
	}
	for i, ioc := range r.SeedIOCs {
		if len(ioc) == 0 || len(ioc) > MaxIOCLength {
			return protocol.NewToolError(protocol.KindInvalidParams, "seed IOC length out of range").
				WithData("index", i)
		}
	}
	if r.CorrelationMinutes == 0 {
		r.CorrelationMinutes = DefaultCorrelationMin
	}
	if r.CorrelationMinutes < MinCorrelationMin || r.CorrelationMinutes > MaxCorrelationMin {
		return protocol.NewToolError(protocol.KindInvalidParams,
			fmt.Sprintf("correlation_window must be in [%d,%d] minutes", MinCorrelationMin, MaxCorrelationMin))
	}
	return nil
}

// Analyze seeds a campaign: query events matching the seed IOCs,
// extract indicators, correlate within the window, and store the
// resulting record.
func (a *Analyzer) Analyze(ctx context.Context, req AnalyzeRequest) (*Campaign, error) {
	ctx, span := otel.Tracer("campaign").Start(ctx, "campaign.Analyze")
	defer span.End()

	if err := req.validate(); err != nil {
		return nil, err
	}

	opts := elastic.QueryOptions{
		Filters:  seedFilters(req.SeedIOCs),
		PageSize: correlationSampleSize,
		Range:    req.Range,
	}
	if opts.Range == nil {
		opts.TimeRangeHours = 24 * 7
	}

	result, err := a.querier.Query(ctx, opts)
	if err != nil {
		return nil, err
	}

	indicators, start, end := extractIndicators(result.Events, 0)
	window := time.Duration(req.CorrelationMinutes) * time.Minute

	c := &Campaign{
		ID:                 uuid.NewString(),
		SeedIOCs:           append([]string(nil), req.SeedIOCs...),
		Indicators:         indicators,
		CorrelationMinutes: req.CorrelationMinutes,
		Start:              start,
		End:                end,
		EventCount:         result.TotalHits,
		Confidence:         confidence(result.TotalHits, indicators, start, end, window),
		CreatedAt:          time.Now().UTC(),
	}
	a.store.Put(c)

	span.SetAttributes(
		attribute.String("campaign_id", c.ID),
		attribute.Int("indicators", len(indicators)),
	)
	a.logger.Info("campaign seeded",
		slog.String("campaign_id", c.ID),
		slog.Int("seed_iocs", len(req.SeedIOCs)),
		slog.Int("indicators", len(indicators)),
		slog.Int64("events", result.TotalHits))
	return c, nil
}

// Expand performs one expansion hop: query events matching the
// campaign's current IP indicators and fold newly observed indicators
// into the record.
func (a *Analyzer) Expand(ctx context.Context, campaignID string) (*Campaign, error) {
	ctx, span := otel.Tracer("campaign").Start(ctx, "campaign.Expand")
	defer span.End()

	c, err := a.store.Get(campaignID)
	if err != nil {
		return nil, err
	}

	ips := append(c.IndicatorValues(IndicatorSourceIP), c.IndicatorValues(IndicatorDestinationIP)...)
	if len(ips) == 0 {
		return c, nil
	}

	values := make([]any, len(ips))
	for i, ip := range ips {
		values[i] = ip
	}
	opts := elastic.QueryOptions{
		Filters:  map[string]any{"source.ip": values},
		PageSize: correlationSampleSize,
		Range:    &elastic.TimeRange{Start: c.Start.Add(-time.Duration(c.CorrelationMinutes) * time.Minute), End: c.End.Add(time.Duration(c.CorrelationMinutes) * time.Minute)},
	}

	result, err := a.querier.Query(ctx, opts)
	if err != nil {
		return nil, err
	}

	generation := maxGeneration(c.Indicators) + 1
	fresh, start, end := extractIndicators(result.Events, generation)
	c.Indicators = mergeIndicators(c.Indicators, fresh)
	if !start.IsZero() && (c.Start.IsZero() || start.Before(c.Start)) {
		c.Start = start
	}
	if end.After(c.End) {
		c.End = end
	}
	if result.TotalHits > c.EventCount {
		c.EventCount = result.TotalHits
	}
	now := time.Now().UTC()
	c.ExpandedAt = &now
	a.store.Put(c)

	span.SetAttributes(attribute.Int("new_indicators", len(fresh)))
	a.logger.Info("campaign expanded",
		slog.String("campaign_id", c.ID),
		slog.Int("generation", generation),
		slog.Int("indicators", len(c.Indicators)))
	return c, nil
}

// seedFilters builds the seed query: IPs match address fields, anything
// else matches the signature field.
func seedFilters(iocs []string) map[string]any {
	var ips, signatures []any
	for _, ioc := range iocs {
		if net.ParseIP(ioc) != nil {
			ips = append(ips, ioc)
		} else {
			signatures = append(signatures, ioc)
		}
	}
	filters := make(map[string]any, 2)
	if len(ips) > 0 {
		filters["source.ip"] = ips
	}
	if len(signatures) > 0 {
		filters["event.signature"] = signatures
	}
	return filters
}

// extractIndicators folds events into per-value indicator records and
// reports the observed time span.
func extractIndicators(events []map[string]any, generation int) ([]Indicator, time.Time, time.Time) {
	type key struct {
		t IndicatorType
		v string
	}
	seen := make(map[key]*Indicator)
	var start, end time.Time

	for _, raw := range events {
		ev := event.Event(raw)
		ts := time.Time{}
		if ms, ok := ev.TimestampMillis(); ok {
			ts = time.UnixMilli(ms).UTC()
			if start.IsZero() || ts.Before(start) {
				start = ts
			}
			if ts.After(end) {
				end = ts
			}
		}
		for field, indType := range indicatorFields {
			value := ev.StringField(field)
			if value == "" {
				continue
			}
			k := key{t: indType, v: value}
			ind, ok := seen[k]
			if !ok {
				ind = &Indicator{Type: indType, Value: value, FirstSeen: ts, LastSeen: ts, Generation: generation}
				seen[k] = ind
			}
			ind.EventCount++
			if !ts.IsZero() {
				if ind.FirstSeen.IsZero() || ts.Before(ind.FirstSeen) {
					ind.FirstSeen = ts
				}
				if ts.After(ind.LastSeen) {
					ind.LastSeen = ts
				}
			}
		}
	}

	out := make([]Indicator, 0, len(seen))
	for _, ind := range seen {
		out = append(out, *ind)
	}
	sortIndicators(out)
	return out, start, end
}

// mergeIndicators folds fresh indicators into existing ones, keeping
// the earliest generation and summing counts for duplicates.
func mergeIndicators(existing, fresh []Indicator) []Indicator {
	type key struct {
		t IndicatorType
		v string
	}
	byKey := make(map[key]int, len(existing))
	for i, ind := range existing {
		byKey[key{ind.Type, ind.Value}] = i
	}
	for _, ind := range fresh {
		k := key{ind.Type, ind.Value}
		if i, ok := byKey[k]; ok {
			existing[i].EventCount += ind.EventCount
			if !ind.LastSeen.IsZero() && ind.LastSeen.After(existing[i].LastSeen) {
				existing[i].LastSeen = ind.LastSeen
			}
			continue
		}
		byKey[k] = len(existing)
		existing = append(existing, ind)
	}
	sortIndicators(existing)
	return existing
}

func sortIndicators(inds []Indicator) {
	sort.Slice(inds, func(i, j int) bool {
		if inds[i].Type != inds[j].Type {
			return inds[i].Type < inds[j].Type
		}
		return inds[i].Value < inds[j].Value
	})
}

func maxGeneration(inds []Indicator) int {
	max := 0
	for _, ind := range inds {
		if ind.Generation > max {
			max = ind.Generation
		}
	}
	return max
}

// confidence scores a campaign 0..1 from evidence volume, indicator
// diversity, and temporal tightness relative to the correlation window.
func confidence(hits int64, inds []Indicator, start, end time.Time, window time.Duration) float64 {
	if hits == 0 || len(inds) == 0 {
		return 0
	}
	score := 0.3

	// Evidence volume saturates at 100 events.
	volume := float64(hits) / 100.0
	if volume > 1 {
		volume = 1
	}
	score += 0.3 * volume

	// Diversity saturates at 4 indicator types.
	types := make(map[IndicatorType]struct{})
	for _, ind := range inds {
		types[ind.Type] = struct{}{}
	}
	diversity := float64(len(types)) / 4.0
	if diversity > 1 {
		diversity = 1
	}
	score += 0.2 * diversity

	// Activity concentrated inside one correlation window reads as
	// coordinated.
	if !start.IsZero() && end.Sub(start) <= window {
		score += 0.2
	}
	if score > 1 {
		score = 1
	}
	return score
}
