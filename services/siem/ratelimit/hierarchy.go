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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Default window limits.
const (
	DefaultConnectionRPM = 100
	DefaultGlobalRPM     = 1000
)

var rejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "siem_mcp_rate_limit_rejections_total",
	Help: "Requests rejected by the rate limiter, by tier",
}, []string{"tier"})

// Decision is the outcome of a hierarchical admission check.
type Decision struct {
	// Allowed is true when every tier admitted the request.
	Allowed bool

	// Tier names the rejecting tier: "key", "connection", or "global".
	// Empty when Allowed.
	Tier string

	// RetryAfter is how long the caller should wait before retrying.
	RetryAfter time.Duration
}

// Hierarchy evaluates the key bucket, the connection window, and the
// global window in order. The first rejection short-circuits.
type Hierarchy struct {
	Keys   *KeyLimiter
	global *SlidingWindow

	mu            sync.Mutex
	connections   map[string]*SlidingWindow
	connectionRPM int
}

// NewHierarchy creates the three-tier limiter.
//
// Inputs:
//
//	connectionRPM - Per-connection window limit. Zero uses the default.
//	globalRPM - Process-wide window limit. Zero uses the default.
func NewHierarchy(connectionRPM, globalRPM int) *Hierarchy {
	if connectionRPM <= 0 {
		connectionRPM = DefaultConnectionRPM
	}
	if globalRPM <= 0 {
		globalRPM = DefaultGlobalRPM
	}
	return &Hierarchy{
		Keys:          NewKeyLimiter(),
		global:        NewSlidingWindow(time.Minute, globalRPM),
		connections:   make(map[string]*SlidingWindow),
		connectionRPM: connectionRPM,
	}
}

// Check admits or rejects one request for the given key and connection.
func (h *Hierarchy) Check(apiKey, connID string) Decision {
	if ok, wait := h.Keys.Allow(apiKey); !ok {
		rejections.WithLabelValues("key").Inc()
		return Decision{Tier: "key", RetryAfter: wait}
	}
	if ok, wait := h.connectionWindow(connID).Allow(); !ok {
		rejections.WithLabelValues("connection").Inc()
		return Decision{Tier: "connection", RetryAfter: wait}
	}
	if ok, wait := h.global.Allow(); !ok {
		rejections.WithLabelValues("global").Inc()
		return Decision{Tier: "global", RetryAfter: wait}
	}
	return Decision{Allowed: true}
}

// ReleaseConnection drops the window state for a closed connection.
func (h *Hierarchy) ReleaseConnection(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.connections, connID)
}

// GlobalCount reports requests currently inside the global window.
func (h *Hierarchy) GlobalCount() int {
	return h.global.Count()
}

func (h *Hierarchy) connectionWindow(connID string) *SlidingWindow {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.connections[connID]
	if !ok {
		w = NewSlidingWindow(time.Minute, h.connectionRPM)
		h.connections[connID] = w
	}
	return w
}
