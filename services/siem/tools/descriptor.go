// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tools holds the static tool registry, per-tool parameter
// schemas, and the dispatcher that routes validated calls to handlers.
package tools

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/dshield-mcp/services/siem/features"
)

//go:embed descriptors.yaml
var descriptorYAML []byte

// Category groups tools for fallback routing.
type Category string

const (
	CategoryQuery      Category = "Query"
	CategoryAnalysis   Category = "Analysis"
	CategoryEnrichment Category = "Enrichment"
	CategoryMonitoring Category = "Monitoring"
	CategoryReporting  Category = "Reporting"
)

// validCategories gates descriptor loading.
var validCategories = map[Category]struct{}{
	CategoryQuery:      {},
	CategoryAnalysis:   {},
	CategoryEnrichment: {},
	CategoryMonitoring: {},
	CategoryReporting:  {},
}

// Descriptor is one tool's static metadata. Immutable after
// registration.
type Descriptor struct {
	Name             string         `yaml:"name"`
	Description      string         `yaml:"description"`
	Category         Category       `yaml:"category"`
	RequiredFeatures []features.Tag `yaml:"required_features"`
	TimeoutSeconds   int            `yaml:"timeout_seconds"`
	InputSchema      map[string]any `yaml:"input_schema"`

	// compiled is the parameter schema ready for validation.
	compiled *jsonschema.Schema
}

// descriptorFile is the embedded registry layout.
type descriptorFile struct {
	Tools []*Descriptor `yaml:"tools"`
}

// loadDescriptors parses and compiles the embedded registry. Two
// descriptors with the same name are a configuration error.
func loadDescriptors() ([]*Descriptor, error) {
	var file descriptorFile
	if err := yaml.Unmarshal(descriptorYAML, &file); err != nil {
		return nil, fmt.Errorf("parsing tool descriptors: %w", err)
	}
	if len(file.Tools) == 0 {
		return nil, fmt.Errorf("tool descriptor registry is empty")
	}

	seen := make(map[string]struct{}, len(file.Tools))
	compiler := jsonschema.NewCompiler()
	for _, d := range file.Tools {
		if d.Name == "" {
			return nil, fmt.Errorf("tool descriptor without a name")
		}
		if _, dup := seen[d.Name]; dup {
			return nil, fmt.Errorf("duplicate tool descriptor %q", d.Name)
		}
		seen[d.Name] = struct{}{}

		if _, ok := validCategories[d.Category]; !ok {
			return nil, fmt.Errorf("tool %q has unknown category %q", d.Name, d.Category)
		}
		if d.TimeoutSeconds <= 0 {
			return nil, fmt.Errorf("tool %q has no timeout", d.Name)
		}
		if d.InputSchema == nil {
			return nil, fmt.Errorf("tool %q has no input schema", d.Name)
		}

		url := "mcp://tools/" + d.Name + ".json"
		if err := compiler.AddResource(url, normalizeYAML(d.InputSchema)); err != nil {
			return nil, fmt.Errorf("registering schema for %q: %w", d.Name, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compiling schema for %q: %w", d.Name, err)
		}
		d.compiled = schema
	}

	sort.Slice(file.Tools, func(i, j int) bool {
		return file.Tools[i].Name < file.Tools[j].Name
	})
	return file.Tools, nil
}

// normalizeYAML rewrites yaml.v3 decoding artifacts into the shapes the
// schema compiler expects: map keys become strings and nested values
// are normalized recursively.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}

// ValidateArgs checks tool arguments against the compiled schema.
// Returns the failing JSON pointer on error.
func (d *Descriptor) ValidateArgs(args any) (string, error) {
	if err := d.compiled.Validate(args); err != nil {
		var ve *jsonschema.ValidationError
		pointer := ""
		if ok := asValidationError(err, &ve); ok {
			leaf := ve
			for len(leaf.Causes) > 0 {
				leaf = leaf.Causes[0]
			}
			pointer = "/" + strings.Join(leaf.InstanceLocation, "/")
		}
		return pointer, err
	}
	return "", nil
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}
