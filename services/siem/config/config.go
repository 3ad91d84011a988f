// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads and validates server configuration from the
// environment. Values may be literals or secret URIs; URIs are resolved
// through the secrets registry at load time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/dshield-mcp/pkg/secrets"
)

// Config is the full server configuration. Proxy settings
// (HTTP_PROXY, HTTPS_PROXY, NO_PROXY) are honored implicitly by the
// HTTP transports and have no fields here.
type Config struct {
	// Elasticsearch backend.
	ElasticsearchURL      string `validate:"required,url"`
	ElasticsearchUsername string
	ElasticsearchPassword string
	ElasticsearchVerify   bool
	ElasticsearchCACerts  string `validate:"omitempty,filepath"`

	// DShield threat-intel API.
	DShieldAPIURL string `validate:"omitempty,url"`
	DShieldAPIKey string

	// Server transport. Port 0 selects stdio-only operation.
	ServerHost string
	ServerPort int  `validate:"gte=0,lte=65535"`
	Debug      bool

	// APIKeys authenticates TCP connections. Empty disables the
	// handshake (trusted transport). Each entry may be a literal key or
	// a secret URI.
	APIKeys []string

	// Limits and defaults.
	RateLimitRPM          int `validate:"gte=1"`
	MaxQueryResults       int `validate:"gte=1,lte=1000"`
	QueryTimeoutSeconds   int `validate:"gte=1,lte=300"`
	DefaultTimeRangeHours int `validate:"gte=1"`
	MaxEnrichmentBatch    int `validate:"gte=1,lte=100"`
	CacheTTLSeconds       int `validate:"gte=1"`
}

// defaults returns the baseline configuration.
func defaults() Config {
	return Config{
		ElasticsearchVerify:   true,
		ServerHost:            "127.0.0.1",
		RateLimitRPM:          60,
		MaxQueryResults:       1000,
		QueryTimeoutSeconds:   30,
		DefaultTimeRangeHours: 24,
		MaxEnrichmentBatch:    50,
		CacheTTLSeconds:       300,
	}
}

// Load reads the environment, resolves secret URIs, applies defaults,
// and validates the result. A validation failure is a startup error.
func Load(resolver *secrets.Registry) (*Config, error) {
	get := func(key string) string {
		return resolver.ResolveValue(strings.TrimSpace(os.Getenv(key)))
	}

	c := defaults()
	c.ElasticsearchURL = get("ELASTICSEARCH_URL")
	c.ElasticsearchUsername = get("ELASTICSEARCH_USERNAME")
	c.ElasticsearchPassword = get("ELASTICSEARCH_PASSWORD")
	c.ElasticsearchCACerts = get("ELASTICSEARCH_CA_CERTS")
	c.DShieldAPIURL = get("DSHIELD_API_URL")
	c.DShieldAPIKey = get("DSHIELD_API_KEY")
	if host := get("MCP_SERVER_HOST"); host != "" {
		c.ServerHost = host
	}

	// MCP_API_KEYS is comma-separated; entries resolve individually so a
	// list can mix literals and secret URIs.
	for _, raw := range strings.Split(os.Getenv("MCP_API_KEYS"), ",") {
		if key := resolver.ResolveValue(strings.TrimSpace(raw)); key != "" {
			c.APIKeys = append(c.APIKeys, key)
		}
	}

	var err error
	if c.ElasticsearchVerify, err = boolEnv(get, "ELASTICSEARCH_VERIFY_SSL", true); err != nil {
		return nil, err
	}
	if c.Debug, err = boolEnv(get, "MCP_SERVER_DEBUG", false); err != nil {
		return nil, err
	}
	for _, field := range []struct {
		key string
		dst *int
	}{
		{"MCP_SERVER_PORT", &c.ServerPort},
		{"RATE_LIMIT_REQUESTS_PER_MINUTE", &c.RateLimitRPM},
		{"MAX_QUERY_RESULTS", &c.MaxQueryResults},
		{"QUERY_TIMEOUT_SECONDS", &c.QueryTimeoutSeconds},
		{"DEFAULT_TIME_RANGE_HOURS", &c.DefaultTimeRangeHours},
		{"MAX_IP_ENRICHMENT_BATCH_SIZE", &c.MaxEnrichmentBatch},
		{"CACHE_TTL_SECONDS", &c.CacheTTLSeconds},
	} {
		if err := intEnv(get, field.key, field.dst); err != nil {
			return nil, err
		}
	}

	if err := validator.New().Struct(&c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &c, nil
}

func boolEnv(get func(string) string, key string, fallback bool) (bool, error) {
	raw := get(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", key, raw)
	}
	return v, nil
}

func intEnv(get func(string) string, key string, dst *int) error {
	raw := get(key)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s must be an integer, got %q", key, raw)
	}
	*dst = v
	return nil
}
