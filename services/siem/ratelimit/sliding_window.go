// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ratelimit

import (
	"sync"
	"time"
)

// SlidingWindow admits up to limit requests per window. Request
// timestamps are recorded and pruned lazily on each access, the same
// sliding-window bookkeeping the backend circuit breakers use for
// failure counting.
type SlidingWindow struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	stamps []time.Time
	now    func() time.Time
}

// NewSlidingWindow creates a window limiter.
//
// Inputs:
//
//	window - The window length. Zero or negative defaults to 60s.
//	limit - Max requests per window. Zero or negative defaults to 100.
func NewSlidingWindow(window time.Duration, limit int) *SlidingWindow {
	if window <= 0 {
		window = time.Minute
	}
	if limit <= 0 {
		limit = 100
	}
	return &SlidingWindow{
		window: window,
		limit:  limit,
		now:    time.Now,
	}
}

// Allow records and admits the request if the window has capacity.
//
// Outputs:
//
//	bool - True if admitted.
//	time.Duration - On denial, time until the oldest entry leaves the window.
func (w *SlidingWindow) Allow() (bool, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.pruneLocked(now)

	if len(w.stamps) < w.limit {
		w.stamps = append(w.stamps, now)
		return true, 0
	}

	retry := w.stamps[0].Add(w.window).Sub(now)
	if retry < 0 {
		retry = 0
	}
	return false, retry
}

// Count returns the number of requests currently inside the window.
func (w *SlidingWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(w.now())
	return len(w.stamps)
}

// Limit returns the configured per-window limit.
func (w *SlidingWindow) Limit() int {
	return w.limit
}

// pruneLocked drops entries older than the window. Caller holds mu.
func (w *SlidingWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.window)
	idx := 0
	for idx < len(w.stamps) && !w.stamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[idx:]...)
	}
}
