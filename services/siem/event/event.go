// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package event defines the security-event data model shared by the
// query engine and the session chunker.
//
// An event is a mapping from dotted field name to JSON scalar or array.
// Only @timestamp has required semantics; every other field is opaque to
// the core and interpreted by callers.
package event

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

// TimestampField is the canonical event-time field.
const TimestampField = "@timestamp"

// Event is one security event. Keys are dotted field names; values are
// JSON scalars or arrays. Events may also carry nested objects when the
// source document was not flattened; Field handles both layouts.
type Event map[string]any

// DocID returns the backing document ID, or "" if absent.
func (e Event) DocID() string {
	if v, ok := e["_id"].(string); ok {
		return v
	}
	return ""
}

// Field looks up a dotted field name, first as a flat key and then by
// descending nested objects.
func (e Event) Field(name string) (any, bool) {
	if v, ok := e[name]; ok {
		return v, true
	}
	cur := any(map[string]any(e))
	rest := name
	for rest != "" {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		head := rest
		if idx := strings.IndexByte(rest, '.'); idx >= 0 {
			head, rest = rest[:idx], rest[idx+1:]
		} else {
			rest = ""
		}
		cur, ok = obj[head]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// StringField returns a field coerced to string, or "" when missing.
// Numeric values are formatted; arrays take their first element.
func (e Event) StringField(name string) string {
	v, ok := e.Field(name)
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []any:
		if len(t) == 0 {
			return ""
		}
		first := Event{"v": t[0]}
		return first.StringField("v")
	default:
		return ""
	}
}

// TimestampMillis parses @timestamp into UTC epoch-milliseconds.
//
// Accepted encodings: RFC3339 (with or without fractional seconds) and
// numeric epoch-milliseconds. All internal time comparisons happen on
// the returned value.
func (e Event) TimestampMillis() (int64, bool) {
	v, ok := e.Field(TimestampField)
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UnixMilli(), true
		}
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts.UnixMilli(), true
		}
		if ms, err := strconv.ParseInt(t, 10, 64); err == nil {
			return ms, true
		}
		return 0, false
	case float64:
		return int64(t), true
	case int64:
		return t, true
	default:
		return 0, false
	}
}

// ErrEOF signals the normal end of an event sequence.
var ErrEOF = errors.New("event stream exhausted")

// Iterator is a finite, restartable event sequence. The paginated query
// path and the session chunker both consume this abstraction.
//
// Implementations must be safe to Cancel concurrently with Next; after
// Cancel, Next returns the context error.
type Iterator interface {
	// Next returns the next event, or ErrEOF when the sequence ends.
	Next(ctx context.Context) (Event, error)

	// Cancel releases upstream resources. Idempotent.
	Cancel()

	// ResumeToken returns an opaque token that restarts the sequence
	// after the last event returned by Next. Empty when the source does
	// not support resumption or the sequence is exhausted.
	ResumeToken() string
}

// SliceIterator adapts an in-memory slice to the Iterator interface.
// Used by tests and by the cached-result replay path.
type SliceIterator struct {
	events   []Event
	pos      int
	canceled bool
}

// NewSliceIterator creates an iterator over the given events.
func NewSliceIterator(events []Event) *SliceIterator {
	return &SliceIterator{events: events}
}

// Next implements Iterator.
func (it *SliceIterator) Next(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.canceled {
		return nil, context.Canceled
	}
	if it.pos >= len(it.events) {
		return nil, ErrEOF
	}
	ev := it.events[it.pos]
	it.pos++
	return ev, nil
}

// Cancel implements Iterator.
func (it *SliceIterator) Cancel() {
	it.canceled = true
}

// ResumeToken implements Iterator.
func (it *SliceIterator) ResumeToken() string {
	if it.pos >= len(it.events) {
		return ""
	}
	return strconv.Itoa(it.pos)
}
