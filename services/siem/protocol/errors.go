// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package protocol

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrorKind is the stable internal error taxonomy. Handlers return a
// *ToolError carrying one of these kinds; this package is the only place
// that maps kinds to wire-level JSON-RPC codes.
type ErrorKind string

const (
	// KindInvalidParams indicates tool arguments failed schema validation.
	KindInvalidParams ErrorKind = "invalid_params"

	// KindUnknownTool indicates the requested tool is not registered.
	KindUnknownTool ErrorKind = "unknown_tool"

	// KindFeatureUnavailable indicates a required backend feature is down.
	KindFeatureUnavailable ErrorKind = "feature_unavailable"

	// KindTimeout indicates the per-call deadline expired.
	KindTimeout ErrorKind = "timeout"

	// KindUpstreamUnavailable indicates a backend failed after retries.
	KindUpstreamUnavailable ErrorKind = "upstream_unavailable"

	// KindRateLimited indicates a rate limiter rejected the call.
	KindRateLimited ErrorKind = "rate_limited"

	// KindInvalidCursor indicates a pagination cursor failed validation.
	KindInvalidCursor ErrorKind = "invalid_cursor"

	// KindInternal indicates an unexpected server-side failure.
	KindInternal ErrorKind = "internal"
)

// JSON-RPC error codes. The standard codes cover parameter and method
// failures; the remaining taxonomy lives in the server range.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeUnknownTool    = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603

	CodeFeatureUnavailable  = -32000
	CodeTimeout             = -32001
	CodeUpstreamUnavailable = -32002
	CodeRateLimited         = -32003
	CodeInvalidCursor       = -32004
)

var errorsByKind = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "siem_mcp_errors_total",
	Help: "Total tool errors surfaced on the wire, by taxonomy kind",
}, []string{"kind"})

// ToolError is the tagged error variant handlers return instead of using
// exceptions for control flow. Data must already be redacted: no stack
// traces, credentials, or raw index names.
type ToolError struct {
	Kind    ErrorKind
	Message string
	Data    map[string]any
	cause   error
}

// NewToolError creates a ToolError with the given kind and user-safe message.
func NewToolError(kind ErrorKind, msg string) *ToolError {
	return &ToolError{Kind: kind, Message: msg}
}

// WithData attaches a redacted detail object and returns the error.
func (e *ToolError) WithData(key string, value any) *ToolError {
	if e.Data == nil {
		e.Data = make(map[string]any, 2)
	}
	e.Data[key] = value
	return e
}

// WithCause records the underlying error for logs. The cause is never
// serialized to the wire.
func (e *ToolError) WithCause(err error) *ToolError {
	e.cause = err
	return e
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *ToolError) Unwrap() error {
	return e.cause
}

// code returns the wire-level JSON-RPC code for the kind.
func (e *ToolError) code() int {
	switch e.Kind {
	case KindInvalidParams:
		return CodeInvalidParams
	case KindUnknownTool:
		return CodeUnknownTool
	case KindFeatureUnavailable:
		return CodeFeatureUnavailable
	case KindTimeout:
		return CodeTimeout
	case KindUpstreamUnavailable:
		return CodeUpstreamUnavailable
	case KindRateLimited:
		return CodeRateLimited
	case KindInvalidCursor:
		return CodeInvalidCursor
	default:
		return CodeInternal
	}
}

// ToErrorObject converts any handler error into a wire-safe ErrorObject
// and increments the per-kind error counter.
//
// Non-ToolError values are mapped to the internal kind with a generic
// message so incidental error text never leaks to the client.
func ToErrorObject(err error) *ErrorObject {
	var te *ToolError
	if !errors.As(err, &te) {
		te = &ToolError{Kind: KindInternal, Message: "internal server error", cause: err}
	}
	errorsByKind.WithLabelValues(string(te.Kind)).Inc()
	return &ErrorObject{
		Code:    te.code(),
		Message: te.Message,
		Data:    te.Data,
	}
}
