// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"encoding/base64"
	"encoding/json"

	"github.com/AleutianAI/dshield-mcp/services/siem/event"
	"github.com/AleutianAI/dshield-mcp/services/siem/protocol"
)

// StreamState is the full resume snapshot of a chunked stream: the
// chunker configuration, the upstream cursor, the open-session map, and
// the lookahead event pulled past the last chunk boundary. It travels
// to the client as the opaque stream ID, so resumption needs no
// server-side state.
type StreamState struct {
	Config      Config                  `json:"config"`
	ResumeToken string                  `json:"resume_token"`
	Open        map[string]*openSession `json:"open,omitempty"`
	Carry       event.Event             `json:"carry,omitempty"`
}

// snapshot captures the chunker's current state with the given upstream
// resume token.
func (c *Chunker) snapshot(resumeToken string) *StreamState {
	return &StreamState{
		Config:      c.config,
		ResumeToken: resumeToken,
		Open:        c.open,
		Carry:       c.carry,
	}
}

// Encode serializes the state to its opaque wire form.
func (s *StreamState) Encode() (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeStreamID parses an opaque stream ID back into a StreamState.
// Malformed IDs map to invalid_params; the caller never sees a partial
// state.
func DecodeStreamID(id string) (*StreamState, error) {
	raw, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil {
		return nil, protocol.NewToolError(protocol.KindInvalidParams, "stream_id is not decodable").WithCause(err)
	}
	var state StreamState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, protocol.NewToolError(protocol.KindInvalidParams, "stream_id is malformed").WithCause(err)
	}
	if err := state.Config.Validate(); err != nil {
		return nil, protocol.NewToolError(protocol.KindInvalidParams, "stream_id carries an invalid configuration").WithCause(err)
	}
	return &state, nil
}
