// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"context"
	"log/slog"
	"time"

	"github.com/AleutianAI/dshield-mcp/services/siem/campaign"
	"github.com/AleutianAI/dshield-mcp/services/siem/dshield"
	"github.com/AleutianAI/dshield-mcp/services/siem/elastic"
	"github.com/AleutianAI/dshield-mcp/services/siem/event"
	"github.com/AleutianAI/dshield-mcp/services/siem/features"
	"github.com/AleutianAI/dshield-mcp/services/siem/protocol"
	"github.com/AleutianAI/dshield-mcp/services/siem/ratelimit"
	"github.com/AleutianAI/dshield-mcp/services/siem/report"
	"github.com/AleutianAI/dshield-mcp/services/siem/session"
)

// EventQuerier is the Elasticsearch surface the query handlers need.
type EventQuerier interface {
	Query(ctx context.Context, opts elastic.QueryOptions) (*elastic.QueryResult, error)
	ExecuteAggregation(ctx context.Context, opts elastic.QueryOptions, aggs map[string]any) (*elastic.AggregationResult, error)
	Stream(ctx context.Context, opts elastic.QueryOptions) (event.Iterator, error)
	Breaker() *elastic.Breaker
}

// Enricher is the DShield surface the enrichment handlers need.
type Enricher interface {
	EnrichIP(ctx context.Context, ip string) (*dshield.Reputation, error)
	EnrichBatch(ctx context.Context, ips []string) ([]dshield.Reputation, error)
	Breaker() *elastic.Breaker
}

// pageMetricsSource is implemented by streaming iterators that report
// per-page query cost.
type pageMetricsSource interface {
	PageMetrics() elastic.PerformanceMetrics
}

// Handlers bundles the backend collaborators behind the tool handlers.
type Handlers struct {
	Elastic  EventQuerier
	DShield  Enricher
	Analyzer *campaign.Analyzer
	Store    *campaign.Store
	Renderer *report.Renderer
	Features *features.Manager
	Limits   *ratelimit.Hierarchy
	Logger   *slog.Logger

	// DefaultTimeRangeHours applies when a query names no window.
	DefaultTimeRangeHours int

	// MaxQueryResults caps page sizes below the protocol maximum.
	MaxQueryResults int

	// StartedAt feeds the health report's uptime.
	StartedAt time.Time
}

// RegisterAll binds every tool handler on the dispatcher and freezes
// it.
func (h *Handlers) RegisterAll(d *Dispatcher) {
	if h.Logger == nil {
		h.Logger = slog.Default()
	}
	if h.DefaultTimeRangeHours <= 0 {
		h.DefaultTimeRangeHours = 24
	}
	if h.MaxQueryResults <= 0 || h.MaxQueryResults > elastic.MaxPageSize {
		h.MaxQueryResults = elastic.MaxPageSize
	}

	d.Register("query_dshield_events", h.QueryEvents)
	d.Register("stream_dshield_events_with_session_context", h.StreamEvents)
	d.Register("get_data_dictionary", h.DataDictionary)
	d.Register("analyze_campaign", h.AnalyzeCampaign)
	d.Register("expand_campaign_indicators", h.ExpandCampaign)
	d.Register("get_campaign_timeline", h.CampaignTimeline)
	d.Register("enrich_ip_with_dshield", h.EnrichIP)
	d.Register("generate_attack_report", h.GenerateReport)
	d.Register("get_health_status", h.HealthStatus)
	d.RegisterCategory(CategoryMonitoring, h.HealthStatus)
	d.Freeze()
}

// QueryEvents implements query_dshield_events.
func (h *Handlers) QueryEvents(ctx context.Context, args map[string]any) (any, error) {
	opts := elastic.QueryOptions{
		TimeRangeHours: intArg(args, "time_range_hours", h.DefaultTimeRangeHours),
		Filters:        objectArg(args, "filters"),
		Fields:         stringSliceArg(args, "fields"),
		PageNumber:     intArg(args, "page_number", 0),
		Cursor:         stringArg(args, "cursor"),
		SortOrder:      stringArg(args, "sort_order"),
	}
	if tr := parseTimeRange(args); tr != nil {
		opts.Range = tr
		opts.TimeRangeHours = 0
	}

	requested := intArg(args, "page_size", 100)
	reduced := false
	if requested > h.MaxQueryResults {
		requested = h.MaxQueryResults
		reduced = true
	}
	opts.PageSize = requested

	result, err := h.Elastic.Query(ctx, opts)
	if err != nil {
		return nil, err
	}
	if reduced {
		result.Metrics.OptimizationApplied = append(result.Metrics.OptimizationApplied, elastic.OptPageReduction)
	}
	return result, nil
}

// StreamEvents implements stream_dshield_events_with_session_context,
// composing the session chunker over a cursor-mode scan.
func (h *Handlers) StreamEvents(ctx context.Context, args map[string]any) (any, error) {
	var (
		chunker *session.Chunker
		cursor  string
		err     error
	)

	if streamID := stringArg(args, "stream_id"); streamID != "" {
		state, decodeErr := session.DecodeStreamID(streamID)
		if decodeErr != nil {
			return nil, decodeErr
		}
		chunker, err = session.Resume(state, h.Logger)
		if err != nil {
			return nil, err
		}
		cursor = state.ResumeToken
	} else {
		config := session.Config{
			SessionFields: stringSliceArg(args, "session_fields"),
			MaxGapMinutes: intArg(args, "max_session_gap_minutes", 30),
			ChunkSize:     intArg(args, "chunk_size", 100),
		}
		chunker, err = session.NewChunker(config, h.Logger)
		if err != nil {
			return nil, protocol.NewToolError(protocol.KindInvalidParams, err.Error())
		}
	}

	it, err := h.Elastic.Stream(ctx, elastic.QueryOptions{
		TimeRangeHours: intArg(args, "time_range_hours", h.DefaultTimeRangeHours),
		Filters:        objectArg(args, "filters"),
		Cursor:         cursor,
	})
	if err != nil {
		return nil, err
	}
	defer it.Cancel()

	chunk, err := chunker.NextChunk(ctx, it)
	if err != nil {
		return nil, err
	}

	metrics := elastic.PerformanceMetrics{QueryComplexity: elastic.ComplexityEmpty}
	var total int64
	if src, ok := it.(pageMetricsSource); ok {
		metrics = src.PageMetrics()
		total = metrics.TotalDocumentsExamined
	}
	metrics.OptimizationApplied = append(metrics.OptimizationApplied, chunk.Context.OptimizationApplied...)

	return map[string]any{
		"events":               chunk.Events,
		"total_count_estimate": total,
		"next_stream_id":       nullableString(chunk.NextStreamID),
		"session_context": map[string]any{
			"session_fields":          chunk.Context.SessionFields,
			"max_session_gap_minutes": chunk.Context.MaxSessionGapMinutes,
			"sessions_in_chunk":       chunk.Context.SessionsInChunk,
			"session_summaries":       chunk.Context.SessionSummaries,
			"performance_metrics":     metrics,
		},
	}, nil
}

// DataDictionary implements get_data_dictionary.
func (h *Handlers) DataDictionary(ctx context.Context, args map[string]any) (any, error) {
	if stringArg(args, "format") == "text" {
		return map[string]any{"format": "text", "dictionary": dictionaryText()}, nil
	}
	return map[string]any{"format": "json", "fields": dictionaryFields(), "analysis_guidance": analysisGuidance()}, nil
}

// AnalyzeCampaign implements analyze_campaign.
func (h *Handlers) AnalyzeCampaign(ctx context.Context, args map[string]any) (any, error) {
	req := campaign.AnalyzeRequest{
		SeedIOCs:           stringSliceArg(args, "seed_iocs"),
		Range:              parseTimeRange(args),
		CorrelationMinutes: intArg(args, "correlation_window", 0),
	}
	return h.Analyzer.Analyze(ctx, req)
}

// ExpandCampaign implements expand_campaign_indicators.
func (h *Handlers) ExpandCampaign(ctx context.Context, args map[string]any) (any, error) {
	return h.Analyzer.Expand(ctx, stringArg(args, "campaign_id"))
}

// CampaignTimeline implements get_campaign_timeline.
func (h *Handlers) CampaignTimeline(ctx context.Context, args map[string]any) (any, error) {
	granularity := campaign.Granularity(stringArg(args, "granularity"))
	if granularity == "" {
		granularity = campaign.GranularityDaily
	}
	return h.Analyzer.Timeline(ctx, stringArg(args, "campaign_id"), granularity)
}

// EnrichIP implements enrich_ip_with_dshield for single and batch
// lookups.
func (h *Handlers) EnrichIP(ctx context.Context, args map[string]any) (any, error) {
	if ips := stringSliceArg(args, "ips"); len(ips) > 0 {
		results, err := h.DShield.EnrichBatch(ctx, ips)
		if err != nil {
			return nil, err
		}
		return map[string]any{"enrichments": results}, nil
	}
	ip := stringArg(args, "ip")
	if ip == "" {
		return nil, protocol.NewToolError(protocol.KindInvalidParams, "either ip or ips is required")
	}
	return h.DShield.EnrichIP(ctx, ip)
}

// GenerateReport implements generate_attack_report.
func (h *Handlers) GenerateReport(ctx context.Context, args map[string]any) (any, error) {
	req := report.Request{
		CampaignID: stringArg(args, "campaign_id"),
		Template:   stringArg(args, "template_name"),
		OutputPath: stringArg(args, "output_path"),
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	c, err := h.Store.Get(req.CampaignID)
	if err != nil {
		return nil, err
	}

	var enrichments []dshield.Reputation
	if h.Features.IsAvailable(features.TagThreatIntel) {
		ips := c.IndicatorValues(campaign.IndicatorSourceIP)
		if len(ips) > dshield.DefaultMaxBatchSize {
			ips = ips[:dshield.DefaultMaxBatchSize]
		}
		if len(ips) > 0 {
			enrichments, err = h.DShield.EnrichBatch(ctx, ips)
			if err != nil {
				h.Logger.Warn("report enrichment skipped", slog.Any("error", err))
				enrichments = nil
			}
		}
	}

	rep := report.Build(c, req.Template, enrichments)
	return h.Renderer.Render(ctx, rep, req.OutputPath, h.Features.IsAvailable(features.TagLaTeX))
}

// HealthStatus implements get_health_status. It requires no features
// and answers even when every backend is down.
func (h *Handlers) HealthStatus(ctx context.Context, args map[string]any) (any, error) {
	status := map[string]any{
		"features":       h.Features.Snapshot(),
		"uptime_seconds": int64(time.Since(h.StartedAt).Seconds()),
		"campaigns":      h.Store.Len(),
	}
	breakers := map[string]string{}
	if h.Elastic != nil {
		breakers["elasticsearch"] = h.Elastic.Breaker().State().String()
	}
	if h.DShield != nil {
		breakers["dshield"] = h.DShield.Breaker().State().String()
	}
	status["circuit_breakers"] = breakers
	if h.Limits != nil {
		status["rate_limits"] = map[string]any{
			"global_window_count": h.Limits.GlobalCount(),
		}
	}
	return status, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Argument coercion helpers. Schema validation has already run; these
// only bridge JSON's float64 numbers into Go types.

func intArg(args map[string]any, key string, fallback int) int {
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	return fallback
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func stringSliceArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func objectArg(args map[string]any, key string) map[string]any {
	v, _ := args[key].(map[string]any)
	return v
}

// parseTimeRange reads the optional time_range argument.
func parseTimeRange(args map[string]any) *elastic.TimeRange {
	obj := objectArg(args, "time_range")
	if obj == nil {
		return nil
	}
	tr := &elastic.TimeRange{}
	if s, ok := obj["start_time"].(string); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			tr.Start = t
		}
	}
	if s, ok := obj["end_time"].(string); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			tr.End = t
		}
	}
	if tr.Start.IsZero() && tr.End.IsZero() {
		return nil
	}
	return tr
}
