// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package features

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() *Manager {
	return NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestManager_StartsUnavailable(t *testing.T) {
	m := newTestManager()
	for _, tag := range AllTags() {
		assert.False(t, m.IsAvailable(tag), "feature %s should start unavailable", tag)
	}
}

func TestManager_ProbeAll(t *testing.T) {
	m := newTestManager()
	m.RegisterProbe(TagElasticsearch, func(context.Context) error { return nil })
	m.RegisterProbe(TagDShield, func(context.Context) error {
		return errors.New("connection refused")
	})

	m.ProbeAll(context.Background())

	assert.True(t, m.IsAvailable(TagElasticsearch))
	assert.False(t, m.IsAvailable(TagDShield))

	states := m.Snapshot()
	byTag := make(map[Tag]State, len(states))
	for _, s := range states {
		byTag[s.Tag] = s
	}
	assert.Empty(t, byTag[TagElasticsearch].Reason)
	assert.Equal(t, "connection refused", byTag[TagDShield].Reason)
}

func TestManager_ThreatIntelDerivesFromDShield(t *testing.T) {
	m := newTestManager()

	t.Run("dshield up", func(t *testing.T) {
		m.RegisterProbe(TagDShield, func(context.Context) error { return nil })
		m.ProbeAll(context.Background())
		assert.True(t, m.IsAvailable(TagThreatIntel))
	})

	t.Run("dshield down", func(t *testing.T) {
		m.RegisterProbe(TagDShield, func(context.Context) error { return errors.New("down") })
		m.ProbeAll(context.Background())
		assert.False(t, m.IsAvailable(TagThreatIntel))
	})
}

func TestManager_PushedDShieldTransitionDerivesThreatIntel(t *testing.T) {
	m := newTestManager()

	m.SetAvailable(TagDShield)
	assert.True(t, m.IsAvailable(TagThreatIntel), "threat_intel follows dshield up immediately")

	m.SetUnavailable(TagDShield, "circuit breaker open")
	assert.False(t, m.IsAvailable(TagThreatIntel), "threat_intel follows dshield down without waiting for a probe cycle")

	m.SetUnavailable(TagElasticsearch, "circuit breaker open")
	assert.False(t, m.IsAvailable(TagThreatIntel))
	m.SetAvailable(TagDShield)
	assert.True(t, m.IsAvailable(TagThreatIntel), "only dshield drives the derivation")
}

func TestManager_PushedTransitions(t *testing.T) {
	m := newTestManager()

	m.SetAvailable(TagElasticsearch)
	assert.True(t, m.IsAvailable(TagElasticsearch))

	m.SetUnavailable(TagElasticsearch, "circuit breaker open")
	assert.False(t, m.IsAvailable(TagElasticsearch))

	states := m.Snapshot()
	require.NotEmpty(t, states)
	assert.Equal(t, "circuit breaker open", states[0].Reason)
}

func TestManager_MissingFeatures(t *testing.T) {
	m := newTestManager()
	m.SetAvailable(TagElasticsearch)

	missing := m.MissingFeatures([]Tag{TagElasticsearch, TagDShield, TagLaTeX})
	assert.Equal(t, []Tag{TagDShield, TagLaTeX}, missing)

	assert.Empty(t, m.MissingFeatures([]Tag{TagElasticsearch}))
	assert.Empty(t, m.MissingFeatures(nil))
}

func TestManager_ProbeTimeoutApplies(t *testing.T) {
	m := NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)), WithProbeTimeout(1))
	m.RegisterProbe(TagElasticsearch, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	m.ProbeAll(context.Background())
	assert.False(t, m.IsAvailable(TagElasticsearch))
}
