// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package session groups a time-ordered event stream into sessions by
// composite key and inter-event gap, and cuts streaming chunks so that
// no session is split inside a chunk.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/dshield-mcp/services/siem/event"
)

// keySeparator joins session-field values into a session key. U+001F is
// unprintable and cannot appear in legitimate field values, so the join
// is unambiguous.
const keySeparator = "\x1f"

// Chunk limits.
const (
	MinChunkSize = 1
	MaxChunkSize = 1000

	// hardCeilingFactor bounds how far past the requested chunk size the
	// chunker scans for a session boundary before forcing a cut.
	hardCeilingFactor = 2
)

// OptSessionBoundaryForced is recorded when a chunk was cut without
// finding a session boundary.
const OptSessionBoundaryForced = "session_boundary_forced"

// DefaultSessionFields is the session key used when the caller names
// none.
var DefaultSessionFields = []string{"source.ip", "destination.ip", "user.name", "session.id"}

var (
	sessionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "siem_mcp_sessions_closed_total",
		Help: "Sessions closed by the chunker",
	})
	forcedBoundaries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "siem_mcp_chunk_forced_boundaries_total",
		Help: "Chunks cut at the hard ceiling without a session boundary",
	})
)

// Config describes one chunked stream.
type Config struct {
	// SessionFields is the ordered field list composing the session key.
	SessionFields []string

	// MaxGapMinutes closes a session when consecutive events for its key
	// are further apart than this, in either stream direction.
	MaxGapMinutes int

	// ChunkSize is the requested events per chunk.
	ChunkSize int
}

// Validate rejects out-of-range parameters.
func (c *Config) Validate() error {
	if c.MaxGapMinutes < 1 {
		return fmt.Errorf("max_session_gap_minutes must be >= 1, got %d", c.MaxGapMinutes)
	}
	if c.ChunkSize < MinChunkSize || c.ChunkSize > MaxChunkSize {
		return fmt.Errorf("chunk_size must be in [%d,%d], got %d", MinChunkSize, MaxChunkSize, c.ChunkSize)
	}
	return nil
}

// normalize fills defaults after validation.
func (c *Config) normalize() {
	if len(c.SessionFields) == 0 {
		c.SessionFields = append([]string(nil), DefaultSessionFields...)
	}
}

// Summary describes one completed session.
type Summary struct {
	SessionKey      string         `json:"session_key"`
	EventCount      int            `json:"event_count"`
	DurationMinutes float64        `json:"duration_minutes"`
	Metadata        map[string]any `json:"metadata"`
}

// Context is the session-context payload of one chunk. Performance
// metrics are attached by the query layer that owns the upstream
// iterator.
type Context struct {
	SessionFields        []string  `json:"session_fields"`
	MaxSessionGapMinutes int       `json:"max_session_gap_minutes"`
	SessionsInChunk      int       `json:"sessions_in_chunk"`
	SessionSummaries     []Summary `json:"session_summaries,omitempty"`
	OptimizationApplied  []string  `json:"-"`
}

// Chunk is the result of one NextChunk call.
type Chunk struct {
	Events []event.Event

	// NextStreamID resumes the stream. Empty when exhausted.
	NextStreamID string

	Context Context
}

// openSession tracks an in-progress session.
type openSession struct {
	Key        string         `json:"key"`
	FirstTs    int64          `json:"first_ts"`
	LastTs     int64          `json:"last_ts"`
	LastSeenTs int64          `json:"last_seen_ts"`
	EventCount int            `json:"event_count"`
	Metadata   map[string]any `json:"metadata"`
	Synthetic  bool           `json:"synthetic,omitempty"`
}

// observe folds an event into the session.
func (s *openSession) observe(ts int64) {
	if ts < s.FirstTs {
		s.FirstTs = ts
	}
	if ts > s.LastTs {
		s.LastTs = ts
	}
	s.LastSeenTs = ts
	s.EventCount++
}

func (s *openSession) summary() Summary {
	return Summary{
		SessionKey:      s.Key,
		EventCount:      s.EventCount,
		DurationMinutes: float64(s.LastTs-s.FirstTs) / 60000.0,
		Metadata:        s.Metadata,
	}
}

// Chunker cuts session-aligned chunks from an event iterator. One
// Chunker serves one stream; state between calls travels in the opaque
// stream ID, so any server instance can resume any stream.
//
// Thread Safety: not safe for concurrent use.
type Chunker struct {
	config Config
	logger *slog.Logger
	open   map[string]*openSession
	carry  event.Event
}

// NewChunker creates a chunker for a fresh stream.
func NewChunker(config Config, logger *slog.Logger) (*Chunker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Chunker{
		config: config,
		logger: logger.With(slog.String("component", "session_chunker")),
		open:   make(map[string]*openSession),
	}, nil
}

// Resume creates a chunker continuing a previous stream from its state
// snapshot.
func Resume(state *StreamState, logger *slog.Logger) (*Chunker, error) {
	c, err := NewChunker(state.Config, logger)
	if err != nil {
		return nil, err
	}
	for key, s := range state.Open {
		c.open[key] = s
	}
	c.carry = state.Carry
	return c, nil
}

// Key computes the session key of an event: the configured field values
// joined in order, with missing fields contributing the empty string.
// The bool reports whether every component was empty.
func (c *Chunker) Key(ev event.Event) (string, bool) {
	parts := make([]string, len(c.config.SessionFields))
	empty := true
	for i, field := range c.config.SessionFields {
		parts[i] = ev.StringField(field)
		if parts[i] != "" {
			empty = false
		}
	}
	return strings.Join(parts, keySeparator), empty
}

// withinGap reports whether ts continues the session. The stream may
// run in either time direction, so the test uses the absolute gap.
func (c *Chunker) withinGap(s *openSession, ts int64) bool {
	gap := ts - s.LastSeenTs
	if gap < 0 {
		gap = -gap
	}
	return gap <= int64(c.config.MaxGapMinutes)*60000
}

// NextChunk consumes the iterator until a session-aligned boundary at
// or past the chunk size, the hard ceiling, or stream end.
//
// Outputs:
//
//	*Chunk - Events in stream order, summaries for sessions closed in
//	    this chunk, and the resume stream ID.
//	error - Context or upstream failure. ErrEOF is not an error; it
//	    ends the stream with an empty NextStreamID.
func (c *Chunker) NextChunk(ctx context.Context, it event.Iterator) (*Chunk, error) {
	var (
		events []event.Event
		closed []Summary
		forced bool
		atEOF  bool
	)
	// Keyed by session instance, not session key: a key that closes on
	// a gap and reopens inside one chunk contributes two sessions.
	touched := make(map[*openSession]struct{})

	cur := c.carry
	c.carry = nil
	if cur == nil {
		var err error
		cur, err = it.Next(ctx)
		if errors.Is(err, event.ErrEOF) {
			atEOF = true
		} else if err != nil {
			return nil, err
		}
	}

	for cur != nil {
		key, allEmpty := c.Key(cur)
		ts, _ := cur.TimestampMillis()

		s, ok := c.open[key]
		if ok && c.withinGap(s, ts) {
			s.observe(ts)
		} else {
			if ok {
				closed = append(closed, s.summary())
				sessionsClosed.Inc()
			}
			s = &openSession{
				Key:        key,
				FirstTs:    ts,
				LastTs:     ts,
				LastSeenTs: ts,
				EventCount: 1,
				Metadata:   c.sessionMetadata(cur, allEmpty),
				Synthetic:  allEmpty,
			}
			c.open[key] = s
		}
		touched[s] = struct{}{}
		events = append(events, cur)

		next, err := it.Next(ctx)
		if errors.Is(err, event.ErrEOF) {
			atEOF = true
			break
		}
		if err != nil {
			return nil, err
		}

		if len(events) >= c.config.ChunkSize {
			if c.opensNewSession(next) {
				c.carry = next
				break
			}
			if len(events) >= c.config.ChunkSize*hardCeilingFactor {
				c.carry = next
				forced = true
				forcedBoundaries.Inc()
				c.logger.Warn("chunk boundary forced without session break",
					slog.Int("events", len(events)),
					slog.Int("chunk_size", c.config.ChunkSize))
				break
			}
		}
		cur = next
	}

	if atEOF {
		// Stream closed: every remaining open session completes.
		for _, s := range c.open {
			closed = append(closed, s.summary())
			sessionsClosed.Inc()
		}
		c.open = make(map[string]*openSession)
	}

	chunk := &Chunk{
		Events: events,
		Context: Context{
			SessionFields:        c.config.SessionFields,
			MaxSessionGapMinutes: c.config.MaxGapMinutes,
			SessionsInChunk:      len(touched),
			SessionSummaries:     closed,
		},
	}
	if forced {
		chunk.Context.OptimizationApplied = append(chunk.Context.OptimizationApplied, OptSessionBoundaryForced)
	}
	if !atEOF {
		id, err := c.snapshot(it.ResumeToken()).Encode()
		if err != nil {
			return nil, fmt.Errorf("encoding stream state: %w", err)
		}
		chunk.NextStreamID = id
	}
	return chunk, nil
}

// opensNewSession reports whether the event would start a new session
// rather than extend an open one.
func (c *Chunker) opensNewSession(ev event.Event) bool {
	key, _ := c.Key(ev)
	s, ok := c.open[key]
	if !ok {
		return true
	}
	ts, _ := ev.TimestampMillis()
	return !c.withinGap(s, ts)
}

// sessionMetadata records the first observed value of each session
// field.
func (c *Chunker) sessionMetadata(ev event.Event, synthetic bool) map[string]any {
	md := make(map[string]any, len(c.config.SessionFields)+1)
	for _, field := range c.config.SessionFields {
		if v, ok := ev.Field(field); ok {
			md[field] = v
		} else {
			md[field] = ""
		}
	}
	if synthetic {
		md["synthetic"] = true
	}
	return md
}
