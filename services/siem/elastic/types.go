// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package elastic provides the resilient Elasticsearch client behind
// the query tools: index discovery, paged and cursor queries, field
// projection, aggregation passthrough, and session-aware streaming.
//
// Resilience follows the same model as the DShield client: retry with
// exponential backoff and jitter, and a sliding-window circuit breaker
// that reports the elasticsearch feature unavailable while open.
package elastic

import (
	"time"
)

// Query limits.
const (
	// MaxPageSize caps events per page.
	MaxPageSize = 1000

	// DeepPageThreshold is the from+size window beyond which page-number
	// mode is refused and the caller must switch to a cursor.
	DeepPageThreshold = 10000

	// DefaultIndexPattern matches the DShield event indices, including
	// time-sharded rolls (dshield-2025.08, dshield-attacks-2025.08.24).
	DefaultIndexPattern = "dshield-*"
)

// QueryComplexity classifies how a query was executed.
type QueryComplexity string

const (
	ComplexitySimple      QueryComplexity = "simple"
	ComplexityOptimized   QueryComplexity = "optimized"
	ComplexityAggregation QueryComplexity = "aggregation"
	ComplexityCached      QueryComplexity = "cached"
	ComplexityEmpty       QueryComplexity = "empty"
)

// Optimization tags recorded in PerformanceMetrics.OptimizationApplied.
const (
	OptFieldReduction        = "field_reduction"
	OptPageReduction         = "page_reduction"
	OptSessionBoundaryForced = "session_boundary_forced"
)

// PerformanceMetrics is the query-cost payload attached to every
// paginated or streamed response.
type PerformanceMetrics struct {
	QueryTimeMs            int64           `json:"query_time_ms"`
	IndicesScanned         int             `json:"indices_scanned"`
	TotalDocumentsExamined int64           `json:"total_documents_examined"`
	QueryComplexity        QueryComplexity `json:"query_complexity"`
	OptimizationApplied    []string        `json:"optimization_applied"`
	CacheHit               bool            `json:"cache_hit"`
	ShardsScanned          int             `json:"shards_scanned"`
	AggregationsUsed       bool            `json:"aggregations_used"`
}

// TimeRange bounds a query on @timestamp. Zero values are open ends.
type TimeRange struct {
	Start time.Time `json:"start_time,omitempty"`
	End   time.Time `json:"end_time,omitempty"`
}

// QueryOptions describe one paginated or streamed query.
//
// Filters compose as a conjunction of term, terms, and range predicates:
// a scalar value is a term, an array is a terms set, and an object with
// gte/lte/gt/lt members is a range. Unknown operators are rejected by
// the schema validator before this struct is built.
type QueryOptions struct {
	// TimeRangeHours is the lookback window. Ignored when Range is set.
	TimeRangeHours int

	// Range is an explicit time window on @timestamp.
	Range *TimeRange

	// Filters is the conjunction of field predicates.
	Filters map[string]any

	// Fields restricts returned source fields. Empty means all fields.
	Fields []string

	// PageSize is the requested page size, capped at MaxPageSize.
	PageSize int

	// PageNumber selects the page in page-number mode, the default when
	// no Cursor is set. Zero means page 1.
	PageNumber int

	// Cursor resumes a cursor-mode scan and suppresses page-number mode.
	Cursor string

	// SortOrder is "desc" (default) or "asc" on @timestamp.
	SortOrder string
}

// PageInfo is populated in page-number mode.
type PageInfo struct {
	PageNumber  int   `json:"page_number"`
	TotalPages  int   `json:"total_pages"`
	HasPrevious bool  `json:"has_previous"`
	HasNext     bool  `json:"has_next"`
	StartIndex  int64 `json:"start_index"`
	EndIndex    int64 `json:"end_index"`
}

// QueryResult is one page of events plus pagination state and metrics.
type QueryResult struct {
	Events    []map[string]any   `json:"events"`
	TotalHits int64              `json:"total_hits"`
	PageInfo  *PageInfo          `json:"page_info,omitempty"`
	Cursor    string             `json:"cursor,omitempty"`
	// NextPageToken mirrors Cursor for back-compat with older clients.
	NextPageToken string             `json:"next_page_token,omitempty"`
	Metrics       PerformanceMetrics `json:"performance_metrics"`
}

// AggregationResult wraps an opaque aggregation response.
type AggregationResult struct {
	Aggregations map[string]any     `json:"aggregations"`
	Metrics      PerformanceMetrics `json:"performance_metrics"`
}
