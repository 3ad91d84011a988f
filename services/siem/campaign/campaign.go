// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package campaign implements the multi-step campaign analysis
// workflow: seeding a campaign from IOCs, expanding its indicator set,
// and bucketing its activity into a timeline.
package campaign

import (
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/dshield-mcp/services/siem/protocol"
)

// Parameter bounds.
const (
	MaxSeedIOCs       = 100
	MaxIOCLength      = 1000
	MinCorrelationMin = 1
	MaxCorrelationMin = 1440

	// DefaultCorrelationMin is used when the caller omits the window.
	DefaultCorrelationMin = 60
)

// IDPattern validates campaign identifiers on the wire.
var IDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// IndicatorType classifies an extracted indicator.
type IndicatorType string

const (
	IndicatorSourceIP      IndicatorType = "source_ip"
	IndicatorDestinationIP IndicatorType = "destination_ip"
	IndicatorPort          IndicatorType = "destination_port"
	IndicatorSignature     IndicatorType = "signature"
	IndicatorUserAgent     IndicatorType = "user_agent"
)

// Indicator is one observable tied to a campaign.
type Indicator struct {
	Type       IndicatorType `json:"type"`
	Value      string        `json:"value"`
	EventCount int           `json:"event_count"`
	FirstSeen  time.Time     `json:"first_seen"`
	LastSeen   time.Time     `json:"last_seen"`

	// Generation is 0 for indicators extracted from the seed query and
	// increments with each expansion hop.
	Generation int `json:"generation"`
}

// Campaign is one analysis record. Records live in memory for the
// process lifetime; persistence is out of scope.
type Campaign struct {
	ID                 string      `json:"campaign_id"`
	SeedIOCs           []string    `json:"seed_iocs"`
	Indicators         []Indicator `json:"indicators"`
	CorrelationMinutes int         `json:"correlation_window_minutes"`
	Start              time.Time   `json:"start_time"`
	End                time.Time   `json:"end_time"`
	EventCount         int64       `json:"event_count"`
	Confidence         float64     `json:"confidence_score"`
	CreatedAt          time.Time   `json:"created_at"`
	ExpandedAt         *time.Time  `json:"expanded_at,omitempty"`
}

// IndicatorValues returns the values of every indicator of the given
// type, sorted for deterministic query construction.
func (c *Campaign) IndicatorValues(t IndicatorType) []string {
	var values []string
	for _, ind := range c.Indicators {
		if ind.Type == t {
			values = append(values, ind.Value)
		}
	}
	sort.Strings(values)
	return values
}

// Store holds campaign records for the process lifetime.
//
// Thread Safety: safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	campaigns map[string]*Campaign
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{campaigns: make(map[string]*Campaign)}
}

// Put registers a campaign record.
func (s *Store) Put(c *Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[c.ID] = c
}

// Get returns the campaign, or an unknown-campaign error. The caller
// gets a copy; mutations go back through Put.
func (s *Store) Get(id string) (*Campaign, error) {
	if !IDPattern.MatchString(id) {
		return nil, protocol.NewToolError(protocol.KindInvalidParams, "campaign_id is malformed")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, protocol.NewToolError(protocol.KindInvalidParams, "unknown campaign").
			WithData("campaign_id", id)
	}
	copied := *c
	copied.SeedIOCs = append([]string(nil), c.SeedIOCs...)
	copied.Indicators = append([]Indicator(nil), c.Indicators...)
	return &copied, nil
}

// Len returns the number of stored campaigns.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.campaigns)
}
