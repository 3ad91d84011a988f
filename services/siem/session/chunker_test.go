// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/dshield-mcp/services/siem/event"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// sshEvent builds one event for a fixed source/destination pair at the
// given offset from a base time.
func sshEvent(id int, offset time.Duration) event.Event {
	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	return event.Event{
		"_id":            fmt.Sprintf("evt-%03d", id),
		"@timestamp":     base.Add(offset).Format(time.RFC3339),
		"source.ip":      "203.0.113.5",
		"destination.ip": "198.51.100.9",
	}
}

func newTestChunker(t *testing.T, cfg Config) *Chunker {
	t.Helper()
	c, err := NewChunker(cfg, testLogger)
	require.NoError(t, err)
	return c
}

func TestConfig_Validate(t *testing.T) {
	testCases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"valid", Config{MaxGapMinutes: 30, ChunkSize: 100}, true},
		{"min chunk", Config{MaxGapMinutes: 1, ChunkSize: 1}, true},
		{"max chunk", Config{MaxGapMinutes: 30, ChunkSize: 1000}, true},
		{"zero gap", Config{MaxGapMinutes: 0, ChunkSize: 100}, false},
		{"zero chunk", Config{MaxGapMinutes: 30, ChunkSize: 0}, false},
		{"oversized chunk", Config{MaxGapMinutes: 30, ChunkSize: 1001}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestChunker_Key(t *testing.T) {
	c := newTestChunker(t, Config{MaxGapMinutes: 30, ChunkSize: 100})

	t.Run("default fields join in order", func(t *testing.T) {
		key, empty := c.Key(event.Event{
			"source.ip":      "203.0.113.5",
			"destination.ip": "198.51.100.9",
		})
		assert.False(t, empty)
		assert.Equal(t, "203.0.113.5\x1f198.51.100.9\x1f\x1f", key)
	})

	t.Run("all fields missing is synthetic", func(t *testing.T) {
		_, empty := c.Key(event.Event{"rule.name": "probe"})
		assert.True(t, empty)
	})
}

func TestChunker_GapSplitsSession(t *testing.T) {
	// Ten events a minute apart, then one after a 45-minute quiet period
	// with a 30-minute gap limit: two sessions.
	var events []event.Event
	for i := 0; i < 10; i++ {
		events = append(events, sshEvent(i, time.Duration(i)*time.Minute))
	}
	events = append(events, sshEvent(10, 9*time.Minute+45*time.Minute))

	c := newTestChunker(t, Config{MaxGapMinutes: 30, ChunkSize: 100})
	chunk, err := c.NextChunk(context.Background(), event.NewSliceIterator(events))
	require.NoError(t, err)

	assert.Len(t, chunk.Events, 11)
	assert.Empty(t, chunk.NextStreamID)
	require.Len(t, chunk.Context.SessionSummaries, 2)

	first := chunk.Context.SessionSummaries[0]
	second := chunk.Context.SessionSummaries[1]
	assert.Equal(t, 10, first.EventCount)
	assert.InDelta(t, 9.0, first.DurationMinutes, 0.001)
	assert.Equal(t, 1, second.EventCount)
	assert.InDelta(t, 0.0, second.DurationMinutes, 0.001)
	assert.Equal(t, first.SessionKey, second.SessionKey)
}

func TestChunker_ReopenedKeyCountsAsTwoSessions(t *testing.T) {
	// The same key closes on a gap and reopens inside one chunk: the
	// chunk holds two sessions even though they share a key.
	events := []event.Event{
		sshEvent(0, 0),
		sshEvent(1, time.Minute),
		sshEvent(2, time.Minute+45*time.Minute),
	}

	c := newTestChunker(t, Config{MaxGapMinutes: 30, ChunkSize: 100})
	chunk, err := c.NextChunk(context.Background(), event.NewSliceIterator(events))
	require.NoError(t, err)

	assert.Equal(t, 2, chunk.Context.SessionsInChunk)
	require.Len(t, chunk.Context.SessionSummaries, 2)
	assert.Equal(t, chunk.Context.SessionSummaries[0].SessionKey,
		chunk.Context.SessionSummaries[1].SessionKey)
}

func TestChunker_GapAtLimitContinuesSession(t *testing.T) {
	events := []event.Event{
		sshEvent(0, 0),
		sshEvent(1, 30*time.Minute), // exactly the limit: same session
	}

	c := newTestChunker(t, Config{MaxGapMinutes: 30, ChunkSize: 100})
	chunk, err := c.NextChunk(context.Background(), event.NewSliceIterator(events))
	require.NoError(t, err)

	require.Len(t, chunk.Context.SessionSummaries, 1)
	assert.Equal(t, 2, chunk.Context.SessionSummaries[0].EventCount)
}

func TestChunker_ChunkCutsAtSessionBoundary(t *testing.T) {
	// Session A runs past the chunk size; the cut happens when the next
	// event belongs to a new session, and that event carries over.
	var events []event.Event
	for i := 0; i < 7; i++ {
		events = append(events, sshEvent(i, time.Duration(i)*time.Minute))
	}
	other := sshEvent(7, 7*time.Minute)
	other["source.ip"] = "198.51.100.77"
	events = append(events, other)

	c := newTestChunker(t, Config{MaxGapMinutes: 30, ChunkSize: 5})
	it := event.NewSliceIterator(events)

	chunk, err := c.NextChunk(context.Background(), it)
	require.NoError(t, err)
	assert.Len(t, chunk.Events, 7, "chunk extends past size until the session break")
	assert.Equal(t, 1, chunk.Context.SessionsInChunk)
	require.NotEmpty(t, chunk.NextStreamID)
	assert.NotContains(t, chunk.Context.OptimizationApplied, OptSessionBoundaryForced)

	// Next chunk starts with the carried event.
	next, err := c.NextChunk(context.Background(), it)
	require.NoError(t, err)
	require.Len(t, next.Events, 1)
	assert.Equal(t, "evt-007", next.Events[0].DocID())
	assert.Empty(t, next.NextStreamID)
}

func TestChunker_ForcedBoundaryAtHardCeiling(t *testing.T) {
	// One unbroken session longer than chunk_size*2 forces a cut.
	var events []event.Event
	for i := 0; i < 25; i++ {
		events = append(events, sshEvent(i, time.Duration(i)*time.Second))
	}

	c := newTestChunker(t, Config{MaxGapMinutes: 30, ChunkSize: 10})
	it := event.NewSliceIterator(events)

	chunk, err := c.NextChunk(context.Background(), it)
	require.NoError(t, err)
	assert.Len(t, chunk.Events, 20)
	assert.Contains(t, chunk.Context.OptimizationApplied, OptSessionBoundaryForced)
	assert.NotEmpty(t, chunk.NextStreamID)
	assert.Empty(t, chunk.Context.SessionSummaries, "the forced session stays open")

	rest, err := c.NextChunk(context.Background(), it)
	require.NoError(t, err)
	assert.Len(t, rest.Events, 5)
	require.Len(t, rest.Context.SessionSummaries, 1)
	assert.Equal(t, 25, rest.Context.SessionSummaries[0].EventCount)
}

func TestChunker_EOFClosesOpenSessions(t *testing.T) {
	events := []event.Event{sshEvent(0, 0), sshEvent(1, time.Minute)}

	c := newTestChunker(t, Config{MaxGapMinutes: 30, ChunkSize: 100})
	chunk, err := c.NextChunk(context.Background(), event.NewSliceIterator(events))
	require.NoError(t, err)

	assert.Empty(t, chunk.NextStreamID)
	require.Len(t, chunk.Context.SessionSummaries, 1)
	md := chunk.Context.SessionSummaries[0].Metadata
	assert.Equal(t, "203.0.113.5", md["source.ip"])
	assert.NotContains(t, md, "synthetic")
}

func TestChunker_SyntheticSessionForKeylessEvents(t *testing.T) {
	events := []event.Event{
		{"_id": "a", "@timestamp": "2026-01-15T12:00:00Z", "rule.name": "probe"},
	}

	c := newTestChunker(t, Config{MaxGapMinutes: 30, ChunkSize: 100})
	chunk, err := c.NextChunk(context.Background(), event.NewSliceIterator(events))
	require.NoError(t, err)

	require.Len(t, chunk.Context.SessionSummaries, 1)
	assert.Equal(t, true, chunk.Context.SessionSummaries[0].Metadata["synthetic"])
}

func TestChunker_InterleavedSessionsTrackIndependently(t *testing.T) {
	mk := func(id int, ip string, offset time.Duration) event.Event {
		ev := sshEvent(id, offset)
		ev["source.ip"] = ip
		return ev
	}
	events := []event.Event{
		mk(0, "203.0.113.5", 0),
		mk(1, "198.51.100.7", 30*time.Second),
		mk(2, "203.0.113.5", time.Minute),
		mk(3, "198.51.100.7", 90*time.Second),
	}

	c := newTestChunker(t, Config{MaxGapMinutes: 30, ChunkSize: 100})
	chunk, err := c.NextChunk(context.Background(), event.NewSliceIterator(events))
	require.NoError(t, err)

	assert.Equal(t, 2, chunk.Context.SessionsInChunk)
	require.Len(t, chunk.Context.SessionSummaries, 2)
	for _, s := range chunk.Context.SessionSummaries {
		assert.Equal(t, 2, s.EventCount)
	}
}

func TestChunker_EmptyStream(t *testing.T) {
	c := newTestChunker(t, Config{MaxGapMinutes: 30, ChunkSize: 100})
	chunk, err := c.NextChunk(context.Background(), event.NewSliceIterator(nil))
	require.NoError(t, err)
	assert.Empty(t, chunk.Events)
	assert.Empty(t, chunk.NextStreamID)
	assert.Zero(t, chunk.Context.SessionsInChunk)
}

func TestStreamState_RoundTrip(t *testing.T) {
	var events []event.Event
	for i := 0; i < 7; i++ {
		events = append(events, sshEvent(i, time.Duration(i)*time.Minute))
	}
	other := sshEvent(7, 7*time.Minute)
	other["source.ip"] = "198.51.100.77"
	events = append(events, other, sshEvent(8, 8*time.Minute))

	cfg := Config{MaxGapMinutes: 30, ChunkSize: 5}
	c := newTestChunker(t, cfg)
	it := event.NewSliceIterator(events)

	chunk, err := c.NextChunk(context.Background(), it)
	require.NoError(t, err)
	require.NotEmpty(t, chunk.NextStreamID)

	// Decode, rebuild a chunker, and continue from the token as a fresh
	// server instance would.
	state, err := DecodeStreamID(chunk.NextStreamID)
	require.NoError(t, err)
	assert.Equal(t, cfg.ChunkSize, state.Config.ChunkSize)
	assert.NotNil(t, state.Carry)

	resumed, err := Resume(state, testLogger)
	require.NoError(t, err)
	rest, err := resumed.NextChunk(context.Background(), it)
	require.NoError(t, err)

	require.Len(t, rest.Events, 2)
	assert.Equal(t, "evt-007", rest.Events[0].DocID())
	assert.Equal(t, "evt-008", rest.Events[1].DocID())
}

func TestDecodeStreamID_Failures(t *testing.T) {
	t.Run("not base64", func(t *testing.T) {
		_, err := DecodeStreamID("!!not-base64!!")
		assert.Error(t, err)
	})

	t.Run("not json", func(t *testing.T) {
		_, err := DecodeStreamID("bm90IGpzb24")
		assert.Error(t, err)
	})

	t.Run("invalid embedded config", func(t *testing.T) {
		bad := StreamState{Config: Config{MaxGapMinutes: 0, ChunkSize: 0}}
		id, err := bad.Encode()
		require.NoError(t, err)
		_, err = DecodeStreamID(id)
		assert.Error(t, err)
	})
}
