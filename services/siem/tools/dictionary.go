// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"fmt"
	"sort"
	"strings"
)

// FieldInfo documents one event field for the data dictionary.
type FieldInfo struct {
	Field       string `json:"field"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Example     string `json:"example,omitempty"`
}

// dictionaryFields is the static DShield index dictionary. The tool
// serves it without touching any backend so it works in degraded mode.
func dictionaryFields() []FieldInfo {
	fields := []FieldInfo{
		{"@timestamp", "date", "Event time in UTC, RFC3339 or epoch-ms", "2025-08-24T12:00:00Z"},
		{"source.ip", "ip", "Attacking or originating IP address", "203.0.113.7"},
		{"source.port", "integer", "Originating TCP/UDP port", "54321"},
		{"destination.ip", "ip", "Targeted IP address (honeypot sensor)", "198.51.100.3"},
		{"destination.port", "integer", "Targeted TCP/UDP port", "22"},
		{"network.transport", "keyword", "Transport protocol", "tcp"},
		{"event.category", "keyword", "High-level event category", "intrusion_detection"},
		{"event.signature", "keyword", "Detection signature or rule that fired", "SSH Brute Force"},
		{"rule.name", "keyword", "Rule name for IDS-sourced events", "ET SCAN Potential SSH Scan"},
		{"user.name", "keyword", "Username observed in the attempt", "root"},
		{"user_agent.original", "text", "HTTP user agent for web-facing sensors", "Mozilla/5.0 zgrab/0.x"},
		{"url.original", "text", "Requested URL for web-facing sensors", "/cgi-bin/luci"},
		{"session.id", "keyword", "Honeypot session identifier", "c0ffee01"},
		{"event.severity", "integer", "Normalized severity 0-10", "7"},
		{"geoip.country_iso_code", "keyword", "Source country by GeoIP", "CN"},
		{"as.number", "integer", "Source autonomous system number", "4134"},
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Field < fields[j].Field })
	return fields
}

// analysisGuidance is the standing advice block returned with the
// dictionary.
func analysisGuidance() []string {
	return []string{
		"Filter on source.ip and destination.port first; they carry the most signal for campaign discovery.",
		"Group events into sessions with source.ip + destination.ip + user.name + session.id before drawing conclusions about attacker behavior.",
		"Cross-check any suspicious source.ip with enrich_ip_with_dshield before reporting it.",
		"Use cursor pagination for result sets beyond ten thousand events; page-number mode is refused there.",
	}
}

// dictionaryText renders the dictionary for the text format.
func dictionaryText() string {
	var b strings.Builder
	b.WriteString("DShield event field dictionary\n\n")
	for _, f := range dictionaryFields() {
		fmt.Fprintf(&b, "%-24s %-8s %s\n", f.Field, f.Type, f.Description)
	}
	b.WriteString("\nGuidance:\n")
	for _, g := range analysisGuidance() {
		fmt.Fprintf(&b, "- %s\n", g)
	}
	return b.String()
}
