// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/dshield-mcp/services/siem/features"
	"github.com/AleutianAI/dshield-mcp/services/siem/protocol"
	"github.com/AleutianAI/dshield-mcp/services/siem/validator"
)

// GlobalTimeoutCeiling caps every tool call regardless of descriptor or
// argument.
const GlobalTimeoutCeiling = 300 * time.Second

// Handler executes one validated tool call.
type Handler func(ctx context.Context, args map[string]any) (any, error)

var (
	toolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "siem_mcp_tool_calls_total",
		Help: "Tool calls by tool and outcome",
	}, []string{"tool", "outcome"})
	toolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "siem_mcp_tool_duration_seconds",
		Help:    "Tool call latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"tool"})
)

// sanitizeExempt lists argument names whose values are opaque tokens or
// pattern-validated identifiers; rewriting them would corrupt the call.
var sanitizeExempt = map[string]struct{}{
	"cursor":      {},
	"stream_id":   {},
	"campaign_id": {},
	"output_path": {},
}

// Dispatcher routes validated tools/call requests to handlers.
//
// Two maps drive routing: tool-name to handler, and category to a
// fallback handler for tools registered without one. Both are frozen
// before the server accepts traffic.
//
// Thread Safety: safe for concurrent use after Freeze.
type Dispatcher struct {
	registry *Registry
	featMgr  *features.Manager
	logger   *slog.Logger

	handlers   map[string]Handler
	categories map[Category]Handler
	frozen     bool
}

// NewDispatcher creates a Dispatcher over the registry.
func NewDispatcher(registry *Registry, featMgr *features.Manager, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry:   registry,
		featMgr:    featMgr,
		logger:     logger.With(slog.String("component", "dispatcher")),
		handlers:   make(map[string]Handler),
		categories: make(map[Category]Handler),
	}
}

// Register binds a handler to a tool name. Panics after Freeze; routing
// tables are immutable once the server is serving.
func (d *Dispatcher) Register(name string, h Handler) {
	if d.frozen {
		panic("tools: Register after Freeze")
	}
	d.handlers[name] = h
}

// RegisterCategory binds the fallback handler for a category.
func (d *Dispatcher) RegisterCategory(c Category, h Handler) {
	if d.frozen {
		panic("tools: RegisterCategory after Freeze")
	}
	d.categories[c] = h
}

// Freeze seals the routing tables.
func (d *Dispatcher) Freeze() {
	d.frozen = true
}

// Dispatch executes one tools/call request.
//
// The pipeline is: descriptor lookup, feature gate, schema validation,
// string sanitation, timeout resolution, handler execution. Errors map
// to the protocol taxonomy; a deadline expiry cancels the handler's I/O
// and returns timeout.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, rawArgs json.RawMessage) (any, error) {
	ctx, span := otel.Tracer("tools").Start(ctx, "tools.Dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("tool", name))

	start := time.Now()
	result, err := d.dispatch(ctx, name, rawArgs)
	toolDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	outcome := "ok"
	if err != nil {
		var te *protocol.ToolError
		if errors.As(err, &te) {
			outcome = string(te.Kind)
		} else {
			outcome = string(protocol.KindInternal)
		}
		d.logger.Debug("tool call failed",
			slog.String("tool", name),
			slog.String("outcome", outcome),
			slog.String("trace_id", trace.SpanContextFromContext(ctx).TraceID().String()),
			slog.Any("error", err))
	}
	toolCalls.WithLabelValues(name, outcome).Inc()
	return result, err
}

func (d *Dispatcher) dispatch(ctx context.Context, name string, rawArgs json.RawMessage) (any, error) {
	descriptor, ok := d.registry.Get(name)
	if !ok {
		return nil, protocol.NewToolError(protocol.KindUnknownTool, "unknown tool").
			WithData("tool", name)
	}

	if missing := d.featMgr.MissingFeatures(descriptor.RequiredFeatures); len(missing) > 0 {
		return nil, protocol.NewToolError(protocol.KindFeatureUnavailable,
			"a required backend feature is unavailable").
			WithData("missing_features", missing)
	}

	args := map[string]any{}
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, protocol.NewToolError(protocol.KindInvalidParams,
				"arguments must be a JSON object").WithCause(err)
		}
	}
	if pointer, err := descriptor.ValidateArgs(normalizeYAML(args)); err != nil {
		return nil, protocol.NewToolError(protocol.KindInvalidParams,
			"arguments failed schema validation").
			WithData("pointer", pointer).WithCause(err)
	}
	d.sanitizeArgs(name, args)

	handler, ok := d.handlers[name]
	if !ok {
		handler, ok = d.categories[descriptor.Category]
		if !ok {
			return nil, protocol.NewToolError(protocol.KindInternal, "tool has no handler")
		}
	}

	timeout := resolveTimeout(args, descriptor)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := handler(callCtx, args)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			return nil, protocol.NewToolError(protocol.KindTimeout, "tool call timed out").
				WithData("timeout_seconds", int(timeout.Seconds()))
		}
		return nil, err
	}
	return result, nil
}

// sanitizeArgs normalizes top-level string arguments in place, logging
// any value it had to rewrite. Opaque-token arguments are exempt.
func (d *Dispatcher) sanitizeArgs(tool string, args map[string]any) {
	for key, value := range args {
		if _, exempt := sanitizeExempt[key]; exempt {
			continue
		}
		s, ok := value.(string)
		if !ok {
			continue
		}
		clean := validator.SanitizeString(d.logger, tool+"."+key, s)
		if clean != s {
			args[key] = clean
		}
	}
}

// resolveTimeout picks min(argument cap, descriptor, global ceiling).
func resolveTimeout(args map[string]any, descriptor *Descriptor) time.Duration {
	timeout := time.Duration(descriptor.TimeoutSeconds) * time.Second
	if timeout > GlobalTimeoutCeiling || timeout <= 0 {
		timeout = GlobalTimeoutCeiling
	}
	if v, ok := args["timeout_seconds"].(float64); ok && v >= 1 {
		if arg := time.Duration(v) * time.Second; arg < timeout {
			timeout = arg
		}
	}
	return timeout
}
