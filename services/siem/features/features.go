// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package features tracks the availability of the server's external
// capabilities and gates tool exposure on them.
//
// Each feature is probed at startup and on a periodic health check with
// a short timeout. A feature is either available or unavailable with a
// human-readable reason. Backend clients may also push transitions (for
// example when a circuit breaker opens).
//
// Thread Safety:
//
//	Manager is safe for concurrent use.
package features

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Tag names one external capability.
type Tag string

const (
	// TagElasticsearch is the event-store backend.
	TagElasticsearch Tag = "elasticsearch"

	// TagDShield is the threat-intelligence API.
	TagDShield Tag = "dshield"

	// TagLaTeX is the report rendering toolchain.
	TagLaTeX Tag = "latex"

	// TagThreatIntel is the derived enrichment capability.
	TagThreatIntel Tag = "threat_intel"
)

// AllTags lists every feature the server knows about.
func AllTags() []Tag {
	return []Tag{TagElasticsearch, TagDShield, TagLaTeX, TagThreatIntel}
}

// State is the availability record for one feature.
type State struct {
	Tag       Tag       `json:"feature"`
	Available bool      `json:"available"`
	Reason    string    `json:"reason,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Probe checks one dependency. A nil error means available.
type Probe func(ctx context.Context) error

var featureState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "siem_mcp_feature_available",
	Help: "Feature availability (1=available, 0=unavailable)",
}, []string{"feature"})

// Manager owns feature state and the probe loop.
type Manager struct {
	logger       *slog.Logger
	probeTimeout time.Duration
	interval     time.Duration

	mu     sync.RWMutex
	states map[Tag]State
	probes map[Tag]Probe

	loopCancel context.CancelFunc
	loopWg     sync.WaitGroup
}

// Option configures the Manager.
type Option func(*Manager)

// WithProbeTimeout sets the per-probe timeout. Default 5s.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.probeTimeout = d
		}
	}
}

// WithCheckInterval sets the periodic health-check interval. Default 30s.
func WithCheckInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// NewManager creates a Manager with every feature initially unavailable.
func NewManager(logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger:       logger.With(slog.String("component", "features")),
		probeTimeout: 5 * time.Second,
		interval:     30 * time.Second,
		states:       make(map[Tag]State),
		probes:       make(map[Tag]Probe),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, tag := range AllTags() {
		m.states[tag] = State{Tag: tag, Reason: "not yet probed", CheckedAt: time.Now().UTC()}
		featureState.WithLabelValues(string(tag)).Set(0)
	}
	return m
}

// RegisterProbe attaches the health probe for a feature.
func (m *Manager) RegisterProbe(tag Tag, probe Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[tag] = probe
}

// ProbeAll runs every registered probe once. Called at startup before
// the server accepts requests.
func (m *Manager) ProbeAll(ctx context.Context) {
	m.mu.RLock()
	probes := make(map[Tag]Probe, len(m.probes))
	for tag, p := range m.probes {
		probes[tag] = p
	}
	m.mu.RUnlock()

	for tag, probe := range probes {
		m.runProbe(ctx, tag, probe)
	}
	m.deriveThreatIntel()
}

// Start launches the periodic probe loop. Stop must be called on shutdown.
func (m *Manager) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	m.loopCancel = cancel
	m.loopWg.Add(1)
	go func() {
		defer m.loopWg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.ProbeAll(loopCtx)
			}
		}
	}()
}

// Stop terminates the probe loop and waits for it to exit.
func (m *Manager) Stop() {
	if m.loopCancel != nil {
		m.loopCancel()
	}
	m.loopWg.Wait()
}

// SetAvailable force-marks a feature available. Used by backend clients
// on recovery.
func (m *Manager) SetAvailable(tag Tag) {
	m.transition(tag, true, "")
	if tag == TagDShield {
		m.deriveThreatIntel()
	}
}

// SetUnavailable force-marks a feature unavailable with a reason. Used
// by backend clients when their circuit breaker opens.
func (m *Manager) SetUnavailable(tag Tag, reason string) {
	m.transition(tag, false, reason)
	if tag == TagDShield {
		m.deriveThreatIntel()
	}
}

// IsAvailable reports whether one feature is currently available.
func (m *Manager) IsAvailable(tag Tag) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[tag].Available
}

// MissingFeatures returns the subset of required tags that are not
// currently available.
func (m *Manager) MissingFeatures(required []Tag) []Tag {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var missing []Tag
	for _, tag := range required {
		if !m.states[tag].Available {
			missing = append(missing, tag)
		}
	}
	return missing
}

// Snapshot returns a copy of every feature state.
func (m *Manager) Snapshot() []State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]State, 0, len(m.states))
	for _, tag := range AllTags() {
		out = append(out, m.states[tag])
	}
	return out
}

func (m *Manager) runProbe(ctx context.Context, tag Tag, probe Probe) {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	if err := probe(probeCtx); err != nil {
		m.transition(tag, false, err.Error())
		return
	}
	m.transition(tag, true, "")
}

// deriveThreatIntel marks threat_intel available iff dshield is; the
// enrichment capability has no probe of its own.
func (m *Manager) deriveThreatIntel() {
	if m.IsAvailable(TagDShield) {
		m.transition(TagThreatIntel, true, "")
	} else {
		m.transition(TagThreatIntel, false, "dshield unavailable")
	}
}

func (m *Manager) transition(tag Tag, available bool, reason string) {
	m.mu.Lock()
	prev := m.states[tag]
	next := State{Tag: tag, Available: available, Reason: reason, CheckedAt: time.Now().UTC()}
	m.states[tag] = next
	m.mu.Unlock()

	gauge := 0.0
	if available {
		gauge = 1.0
	}
	featureState.WithLabelValues(string(tag)).Set(gauge)

	if prev.Available != available {
		m.logger.Info("feature state transition",
			slog.String("feature", string(tag)),
			slog.Bool("available", available),
			slog.String("reason", reason))
	}
}
