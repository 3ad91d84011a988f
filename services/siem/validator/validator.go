// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validator performs bounded validation of inbound frames before
// any business logic runs.
//
// Checks run in a fixed order: size, UTF-8 well-formedness, JSON parse,
// nesting depth, container bounds, JSON-RPC shape. A frame failing any
// check is dropped (nil result) and logged at WARN; it never reaches the
// dispatcher. Per-tool argument validation is a separate concern handled
// by the tool registry, which surfaces invalid_params instead of dropping.
//
// Thread Safety:
//
//	Validator is safe for concurrent use; it holds no mutable state.
package validator

import (
	"encoding/json"
	"log/slog"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/dshield-mcp/services/siem/protocol"
)

// Validation bounds, all inclusive.
const (
	// MaxMessageSize caps a single frame at 10 MiB.
	MaxMessageSize = 10 << 20

	// MaxNestingDepth caps JSON nesting. The root container counts as
	// depth 1; a scalar document has depth 0.
	MaxNestingDepth = 100

	// MaxArrayLength caps elements per array.
	MaxArrayLength = 10000

	// MaxObjectKeys caps members per object.
	MaxObjectKeys = 10000

	// MaxStringLength caps individual string values in bytes.
	MaxStringLength = 65536
)

var framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "siem_mcp_frames_dropped_total",
	Help: "Inbound frames dropped by the validator, by failing check",
}, []string{"check"})

// Validator validates and classifies raw inbound messages.
type Validator struct {
	logger *slog.Logger
}

// New creates a Validator.
//
// Inputs:
//
//	logger - Structured logger. Must not be nil.
func New(logger *slog.Logger) *Validator {
	return &Validator{
		logger: logger.With(slog.String("component", "validator")),
	}
}

// Validate runs the full check sequence over a raw message.
//
// Outputs:
//
//	*protocol.Frame - The validated frame, or nil if the message was
//	    dropped. A nil frame is the failure contract: the caller simply
//	    skips the message.
//	protocol.FrameKind - Classification of the accepted frame.
func (v *Validator) Validate(data []byte) (*protocol.Frame, protocol.FrameKind) {
	if len(data) > MaxMessageSize {
		v.drop("size", slog.Int("bytes", len(data)))
		return nil, protocol.KindInvalid
	}
	if !utf8.Valid(data) {
		v.drop("utf8")
		return nil, protocol.KindInvalid
	}

	var tree any
	if err := json.Unmarshal(data, &tree); err != nil {
		v.drop("parse", slog.String("error", err.Error()))
		return nil, protocol.KindInvalid
	}

	if depth := nestingDepth(tree); depth > MaxNestingDepth {
		v.drop("depth", slog.Int("depth", depth))
		return nil, protocol.KindInvalid
	}
	if err := checkContainerBounds(tree); err != nil {
		v.drop(err.check, slog.String("error", err.Error()))
		return nil, protocol.KindInvalid
	}

	frame, kind, err := protocol.Decode(data)
	if err != nil {
		v.drop("shape", slog.String("error", err.Error()))
		return nil, protocol.KindInvalid
	}
	return frame, kind
}

func (v *Validator) drop(check string, attrs ...any) {
	framesDropped.WithLabelValues(check).Inc()
	args := append([]any{slog.String("check", check)}, attrs...)
	v.logger.Warn("dropping invalid frame", args...)
}

// nestingDepth returns the container nesting depth of a decoded JSON
// value. The root container counts as depth 1; scalars are depth 0.
func nestingDepth(v any) int {
	switch t := v.(type) {
	case map[string]any:
		max := 0
		for _, child := range t {
			if d := nestingDepth(child); d > max {
				max = d
			}
		}
		return 1 + max
	case []any:
		max := 0
		for _, child := range t {
			if d := nestingDepth(child); d > max {
				max = d
			}
		}
		return 1 + max
	default:
		return 0
	}
}

// boundsError reports which container bound a document exceeded.
type boundsError struct {
	check string
	msg   string
}

func (e *boundsError) Error() string { return e.msg }

// checkContainerBounds walks the decoded tree enforcing array, object,
// and string limits.
func checkContainerBounds(v any) *boundsError {
	switch t := v.(type) {
	case map[string]any:
		if len(t) > MaxObjectKeys {
			return &boundsError{check: "object_keys", msg: "object exceeds key limit"}
		}
		for _, child := range t {
			if err := checkContainerBounds(child); err != nil {
				return err
			}
		}
	case []any:
		if len(t) > MaxArrayLength {
			return &boundsError{check: "array_length", msg: "array exceeds length limit"}
		}
		for _, child := range t {
			if err := checkContainerBounds(child); err != nil {
				return err
			}
		}
	case string:
		if len(t) > MaxStringLength {
			return &boundsError{check: "string_length", msg: "string exceeds length limit"}
		}
	}
	return nil
}
