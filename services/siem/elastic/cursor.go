// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package elastic

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/AleutianAI/dshield-mcp/services/siem/protocol"
)

// QueryFingerprint is a deterministic hash of the query-defining inputs.
// It guards cursor replay against filter or schema drift and keys the
// result cache.
type QueryFingerprint string

// fingerprintInput is the canonical form hashed into a fingerprint.
// Map keys marshal in sorted order, so identical filter sets hash
// identically regardless of construction order.
type fingerprintInput struct {
	Indices   []string       `json:"indices"`
	Filters   map[string]any `json:"filters"`
	SortOrder string         `json:"sort_order"`
	Fields    []string       `json:"fields"`
	PageSize  int            `json:"page_size"`
}

// Fingerprint computes the query fingerprint for a set of indices and
// options.
func Fingerprint(indices []string, opts QueryOptions) QueryFingerprint {
	sortedIdx := append([]string(nil), indices...)
	sort.Strings(sortedIdx)
	sortedFields := append([]string(nil), opts.Fields...)
	sort.Strings(sortedFields)

	in := fingerprintInput{
		Indices:   sortedIdx,
		Filters:   opts.Filters,
		SortOrder: normalizeSortOrder(opts.SortOrder),
		Fields:    sortedFields,
		PageSize:  opts.PageSize,
	}
	raw, _ := json.Marshal(in)
	sum := sha256.Sum256(raw)
	return QueryFingerprint(hex.EncodeToString(sum[:]))
}

// Cursor encodes the resume position of a cursor-mode scan: the sort
// key tuple of the last event on the page plus the owning query's
// fingerprint. Cursors are opaque to clients and replayable; replaying
// an older cursor yields the same next page while indices are stable.
type Cursor struct {
	SortTimestamp int64            `json:"ts"`
	TiebreakDocID string           `json:"doc"`
	Fingerprint   QueryFingerprint `json:"fp"`
}

// Encode serializes the cursor to its opaque wire form.
func (c Cursor) Encode() string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses an opaque cursor and verifies it against the
// current query fingerprint.
//
// Outputs:
//
//	*Cursor - The decoded cursor.
//	error - A *protocol.ToolError of kind invalid_cursor on any
//	    malformed token or fingerprint mismatch.
func DecodeCursor(token string, want QueryFingerprint) (*Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, protocol.NewToolError(protocol.KindInvalidCursor, "cursor is not decodable").WithCause(err)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, protocol.NewToolError(protocol.KindInvalidCursor, "cursor is malformed").WithCause(err)
	}
	if c.Fingerprint != want {
		return nil, protocol.NewToolError(protocol.KindInvalidCursor,
			"cursor does not match the current query").
			WithData("reason", "query fingerprint mismatch")
	}
	return &c, nil
}

func normalizeSortOrder(order string) string {
	if order == "asc" {
		return "asc"
	}
	return "desc"
}

// validateSortOrder rejects anything but asc/desc before query build.
func validateSortOrder(order string) error {
	switch order {
	case "", "asc", "desc":
		return nil
	default:
		return fmt.Errorf("invalid sort order %q", order)
	}
}
