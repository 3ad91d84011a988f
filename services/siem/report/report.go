// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package report builds attack reports from campaign records and
// renders them through LaTeX when available, falling back to plain
// text when it is not.
package report

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/AleutianAI/dshield-mcp/services/siem/campaign"
	"github.com/AleutianAI/dshield-mcp/services/siem/dshield"
	"github.com/AleutianAI/dshield-mcp/services/siem/protocol"
)

// Wire-parameter patterns.
var (
	TemplatePattern   = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)
	OutputPathPattern = regexp.MustCompile(`^[A-Za-z0-9_/.-]{1,500}$`)
)

// DefaultTemplate is used when the caller names none.
const DefaultTemplate = "attack-summary"

// Format is the rendering backend used for a report.
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatText Format = "text"
)

// Report is the structured document handed to a renderer.
type Report struct {
	CampaignID  string               `json:"campaign_id"`
	Template    string               `json:"template_name"`
	GeneratedAt time.Time            `json:"generated_at"`
	Title       string               `json:"title"`
	Summary     string               `json:"summary"`
	Campaign    *campaign.Campaign   `json:"campaign"`
	Enrichments []dshield.Reputation `json:"enrichments,omitempty"`
}

// Result describes a rendered report.
type Result struct {
	CampaignID string `json:"campaign_id"`
	Format     Format `json:"format"`
	OutputPath string `json:"output_path"`
	SizeBytes  int64  `json:"size_bytes"`

	// Degraded is set when LaTeX was requested but unavailable and the
	// report fell back to plain text.
	Degraded bool `json:"degraded,omitempty"`
}

// Request are the validated generate_attack_report arguments.
type Request struct {
	CampaignID string
	Template   string
	OutputPath string
}

// Validate applies the wire patterns.
func (r *Request) Validate() error {
	if !campaign.IDPattern.MatchString(r.CampaignID) {
		return protocol.NewToolError(protocol.KindInvalidParams, "campaign_id is malformed")
	}
	if r.Template == "" {
		r.Template = DefaultTemplate
	}
	if !TemplatePattern.MatchString(r.Template) {
		return protocol.NewToolError(protocol.KindInvalidParams, "template_name is malformed")
	}
	if r.OutputPath != "" && !OutputPathPattern.MatchString(r.OutputPath) {
		return protocol.NewToolError(protocol.KindInvalidParams, "output_path is malformed")
	}
	return nil
}

// Build assembles a Report from a campaign record and optional
// enrichment results.
func Build(c *campaign.Campaign, template string, enrichments []dshield.Reputation) *Report {
	return &Report{
		CampaignID:  c.ID,
		Template:    template,
		GeneratedAt: time.Now().UTC(),
		Title:       fmt.Sprintf("Attack Campaign Report %s", c.ID),
		Summary:     summarize(c),
		Campaign:    c,
		Enrichments: enrichments,
	}
}

// summarize writes the one-paragraph executive summary.
func summarize(c *campaign.Campaign) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Campaign %s correlates %d events across %d indicators",
		c.ID, c.EventCount, len(c.Indicators))
	if !c.Start.IsZero() && !c.End.IsZero() {
		fmt.Fprintf(&b, " between %s and %s",
			c.Start.Format(time.RFC3339), c.End.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, " (confidence %.2f).", c.Confidence)
	return b.String()
}
