// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package event

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvent_Field(t *testing.T) {
	ev := Event{
		"source.ip": "203.0.113.5",
		"destination": map[string]any{
			"ip":   "198.51.100.9",
			"port": 22.0,
		},
	}

	t.Run("flat key wins", func(t *testing.T) {
		v, ok := ev.Field("source.ip")
		require.True(t, ok)
		assert.Equal(t, "203.0.113.5", v)
	})

	t.Run("nested descent", func(t *testing.T) {
		v, ok := ev.Field("destination.port")
		require.True(t, ok)
		assert.Equal(t, 22.0, v)
	})

	t.Run("missing", func(t *testing.T) {
		_, ok := ev.Field("user.name")
		assert.False(t, ok)
	})

	t.Run("descent through scalar fails", func(t *testing.T) {
		_, ok := ev.Field("destination.ip.extra")
		assert.False(t, ok)
	})
}

func TestEvent_StringField(t *testing.T) {
	ev := Event{
		"source.ip": "203.0.113.5",
		"port":      2222.0,
		"flag":      true,
		"tags":      []any{"ssh", "brute-force"},
		"empty":     []any{},
		"null":      nil,
	}

	assert.Equal(t, "203.0.113.5", ev.StringField("source.ip"))
	assert.Equal(t, "2222", ev.StringField("port"))
	assert.Equal(t, "true", ev.StringField("flag"))
	assert.Equal(t, "ssh", ev.StringField("tags"))
	assert.Equal(t, "", ev.StringField("empty"))
	assert.Equal(t, "", ev.StringField("null"))
	assert.Equal(t, "", ev.StringField("missing"))
}

func TestEvent_TimestampMillis(t *testing.T) {
	testCases := []struct {
		name  string
		value any
		want  int64
		ok    bool
	}{
		{"rfc3339", "2026-01-15T12:00:00Z", 1768478400000, true},
		{"rfc3339 fractional", "2026-01-15T12:00:00.250Z", 1768478400250, true},
		{"rfc3339 offset", "2026-01-15T13:00:00+01:00", 1768478400000, true},
		{"epoch millis number", 1768478400000.0, 1768478400000, true},
		{"epoch millis string", "1768478400000", 1768478400000, true},
		{"garbage", "yesterday", 0, false},
		{"wrong type", []any{}, 0, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ms, ok := Event{TimestampField: tc.value}.TimestampMillis()
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, ms)
			}
		})
	}

	t.Run("absent", func(t *testing.T) {
		_, ok := Event{}.TimestampMillis()
		assert.False(t, ok)
	})
}

func TestSliceIterator(t *testing.T) {
	events := []Event{
		{"_id": "a"},
		{"_id": "b"},
		{"_id": "c"},
	}

	t.Run("drains in order then EOF", func(t *testing.T) {
		it := NewSliceIterator(events)
		ctx := context.Background()
		for _, want := range []string{"a", "b", "c"} {
			ev, err := it.Next(ctx)
			require.NoError(t, err)
			assert.Equal(t, want, ev.DocID())
		}
		_, err := it.Next(ctx)
		assert.ErrorIs(t, err, ErrEOF)
		assert.Empty(t, it.ResumeToken())
	})

	t.Run("resume token tracks position", func(t *testing.T) {
		it := NewSliceIterator(events)
		_, err := it.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "1", it.ResumeToken())
	})

	t.Run("cancel stops iteration", func(t *testing.T) {
		it := NewSliceIterator(events)
		it.Cancel()
		_, err := it.Next(context.Background())
		assert.ErrorIs(t, err, context.Canceled)
	})
}
