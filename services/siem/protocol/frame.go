// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package protocol implements JSON-RPC 2.0 framing for the MCP server.
//
// A frame is a single JSON object on the wire. Its kind is determined by
// field presence: a frame with both "id" and "method" is a request, one
// with "id" and a "result" or "error" member is a response, and one with
// only "method" is a notification.
//
// Thread Safety:
//
//	All types in this package are immutable value types and safe for
//	concurrent use.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the only JSON-RPC protocol version this server speaks.
const Version = "2.0"

// FrameKind classifies a parsed frame.
type FrameKind int

const (
	// KindInvalid indicates the frame did not match any JSON-RPC shape.
	KindInvalid FrameKind = iota

	// KindRequest is a call expecting a response (id + method).
	KindRequest

	// KindResponse is a reply to an earlier request (id + result/error).
	KindResponse

	// KindNotification is a one-way message (method, no id).
	KindNotification
)

// String returns the human-readable name of the frame kind.
func (k FrameKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// Frame is one JSON-RPC 2.0 message as decoded from the wire.
//
// Pointer fields distinguish "absent" from "null": a request carries a
// non-nil ID, a notification a nil one.
type Frame struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string           `json:"method,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *ErrorObject     `json:"error,omitempty"`
}

// ErrorObject is the wire representation of a JSON-RPC error.
type ErrorObject struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *ErrorObject) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// ErrNotJSONRPC is returned by Decode when the payload is valid JSON but
// not a JSON-RPC 2.0 frame.
var ErrNotJSONRPC = errors.New("message is not a JSON-RPC 2.0 frame")

// Decode parses raw bytes into a Frame and classifies it.
//
// Inputs:
//
//	data - Raw message bytes. Must be a single JSON object.
//
// Outputs:
//
//	*Frame - The decoded frame. Nil on error.
//	FrameKind - The frame classification.
//	error - Non-nil if the payload is not valid JSON or not JSON-RPC 2.0.
func Decode(data []byte) (*Frame, FrameKind, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, KindInvalid, fmt.Errorf("decoding frame: %w", err)
	}
	if f.JSONRPC != Version {
		return nil, KindInvalid, fmt.Errorf("%w: jsonrpc=%q", ErrNotJSONRPC, f.JSONRPC)
	}
	kind := f.Kind()
	if kind == KindInvalid {
		return nil, KindInvalid, ErrNotJSONRPC
	}
	return &f, kind, nil
}

// Kind classifies the frame by field presence.
func (f *Frame) Kind() FrameKind {
	switch {
	case f.ID != nil && f.Method != "":
		return KindRequest
	case f.ID != nil && (f.Result != nil || f.Error != nil):
		return KindResponse
	case f.ID == nil && f.Method != "":
		return KindNotification
	default:
		return KindInvalid
	}
}

// NewResponse builds a success response frame for the given request ID.
//
// The result is marshaled immediately so encoding errors surface at the
// call site instead of at transmit time.
func NewResponse(id *json.RawMessage, result any) (*Frame, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}
	return &Frame{
		JSONRPC: Version,
		ID:      id,
		Result:  raw,
	}, nil
}

// NewErrorResponse builds an error response frame for the given request ID.
func NewErrorResponse(id *json.RawMessage, errObj *ErrorObject) *Frame {
	return &Frame{
		JSONRPC: Version,
		ID:      id,
		Error:   errObj,
	}
}

// NewNotification builds a notification frame.
func NewNotification(method string, params any) (*Frame, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshaling params: %w", err)
		}
		raw = b
	}
	return &Frame{
		JSONRPC: Version,
		Method:  method,
		Params:  raw,
	}, nil
}

// Encode serializes the frame to a single line suitable for the transport.
func (f *Frame) Encode() ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	return b, nil
}
