// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package secrets resolves opaque secret URIs found in configuration
// values into plaintext strings.
//
// Any config value starting with a registered scheme prefix (for example
// "env://" or "file://") is replaced by its resolution at load time.
// Resolution failures fall back to the literal value and are logged; the
// server never refuses to start because one secret was unresolvable.
//
// Enterprise deployments register additional resolvers (for example a
// 1Password or GCP Secret Manager backend) through the Resolver
// interface; the open source build ships env and file resolvers only.
package secrets

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Resolver resolves one secret URI scheme.
type Resolver interface {
	// Scheme returns the URI scheme this resolver handles, without the
	// "://" suffix.
	Scheme() string

	// Resolve returns the secret value for the URI body (the part after
	// "scheme://").
	Resolve(body string) (string, error)
}

// Registry dispatches secret URIs to scheme resolvers.
//
// Thread Safety: safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	resolvers map[string]Resolver
	logger    *slog.Logger
}

// NewRegistry creates a Registry with the env and file resolvers
// pre-registered.
func NewRegistry(logger *slog.Logger) *Registry {
	r := &Registry{
		resolvers: make(map[string]Resolver),
		logger:    logger.With(slog.String("component", "secrets")),
	}
	r.Register(envResolver{})
	r.Register(fileResolver{})
	return r
}

// Register adds or replaces a scheme resolver.
func (r *Registry) Register(res Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvers[res.Scheme()] = res
}

// ResolveValue resolves a config value that may be a secret URI.
//
// Values without a registered scheme prefix are returned unchanged.
// Resolution failures fall back to the literal value with a WARN log.
func (r *Registry) ResolveValue(value string) string {
	scheme, body, ok := splitURI(value)
	if !ok {
		return value
	}

	r.mu.RLock()
	res, known := r.resolvers[scheme]
	r.mu.RUnlock()
	if !known {
		return value
	}

	resolved, err := res.Resolve(body)
	if err != nil {
		r.logger.Warn("secret resolution failed, using literal value",
			slog.String("scheme", scheme),
			slog.String("error", err.Error()))
		return value
	}
	return resolved
}

// splitURI splits "scheme://body" into its parts.
func splitURI(value string) (scheme, body string, ok bool) {
	idx := strings.Index(value, "://")
	if idx <= 0 {
		return "", "", false
	}
	return value[:idx], value[idx+3:], true
}

// envResolver resolves env://NAME to the named environment variable.
type envResolver struct{}

func (envResolver) Scheme() string { return "env" }

func (envResolver) Resolve(body string) (string, error) {
	v, ok := os.LookupEnv(body)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", body)
	}
	return v, nil
}

// fileResolver resolves file:///path to the trimmed file contents.
type fileResolver struct{}

func (fileResolver) Scheme() string { return "file" }

func (fileResolver) Resolve(body string) (string, error) {
	data, err := os.ReadFile(body)
	if err != nil {
		return "", fmt.Errorf("reading secret file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
