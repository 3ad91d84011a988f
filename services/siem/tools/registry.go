// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"github.com/AleutianAI/dshield-mcp/services/siem/features"
)

// Registry holds the compiled tool descriptors. Immutable after
// construction, so lookups need no locking.
type Registry struct {
	byName  map[string]*Descriptor
	ordered []*Descriptor
}

// NewRegistry loads and compiles the embedded descriptor file.
func NewRegistry() (*Registry, error) {
	descriptors, err := loadDescriptors()
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*Descriptor, len(descriptors))
	for _, d := range descriptors {
		byName[d.Name] = d
	}
	return &Registry{byName: byName, ordered: descriptors}, nil
}

// Get returns the descriptor for a tool name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// ListEntry is the tools/list wire shape for one tool.
type ListEntry struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// List returns the tools/list payload: tools sorted by name, restricted
// to those whose required features are all currently available.
func (r *Registry) List(fm *features.Manager) []ListEntry {
	out := make([]ListEntry, 0, len(r.ordered))
	for _, d := range r.ordered {
		if fm != nil && len(fm.MissingFeatures(d.RequiredFeatures)) > 0 {
			continue
		}
		out = append(out, ListEntry{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: normalizeYAML(d.InputSchema).(map[string]any),
		})
	}
	return out
}

// Names returns every registered tool name in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.ordered))
	for _, d := range r.ordered {
		names = append(names, d.Name)
	}
	return names
}
