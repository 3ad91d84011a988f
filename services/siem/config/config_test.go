// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/dshield-mcp/pkg/secrets"
)

func testResolver() *secrets.Registry {
	return secrets.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// clearEnv blanks every config key so ambient environment cannot leak
// into assertions.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ELASTICSEARCH_URL", "ELASTICSEARCH_USERNAME", "ELASTICSEARCH_PASSWORD",
		"ELASTICSEARCH_VERIFY_SSL", "ELASTICSEARCH_CA_CERTS",
		"DSHIELD_API_URL", "DSHIELD_API_KEY",
		"MCP_SERVER_HOST", "MCP_SERVER_PORT", "MCP_SERVER_DEBUG", "MCP_API_KEYS",
		"RATE_LIMIT_REQUESTS_PER_MINUTE", "MAX_QUERY_RESULTS",
		"QUERY_TIMEOUT_SECONDS", "DEFAULT_TIME_RANGE_HOURS",
		"MAX_IP_ENRICHMENT_BATCH_SIZE", "CACHE_TTL_SECONDS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("ELASTICSEARCH_URL", "https://localhost:9200")

	cfg, err := Load(testResolver())
	require.NoError(t, err)

	assert.Equal(t, "https://localhost:9200", cfg.ElasticsearchURL)
	assert.True(t, cfg.ElasticsearchVerify)
	assert.Equal(t, "127.0.0.1", cfg.ServerHost)
	assert.Zero(t, cfg.ServerPort)
	assert.Equal(t, 60, cfg.RateLimitRPM)
	assert.Equal(t, 1000, cfg.MaxQueryResults)
	assert.Equal(t, 30, cfg.QueryTimeoutSeconds)
	assert.Equal(t, 24, cfg.DefaultTimeRangeHours)
	assert.Equal(t, 50, cfg.MaxEnrichmentBatch)
	assert.Equal(t, 300, cfg.CacheTTLSeconds)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("ELASTICSEARCH_URL", "https://es.internal:9200")
	t.Setenv("ELASTICSEARCH_USERNAME", "analyst")
	t.Setenv("ELASTICSEARCH_VERIFY_SSL", "false")
	t.Setenv("MCP_SERVER_HOST", "0.0.0.0")
	t.Setenv("MCP_SERVER_PORT", "8473")
	t.Setenv("MAX_QUERY_RESULTS", "500")
	t.Setenv("MCP_SERVER_DEBUG", "true")

	cfg, err := Load(testResolver())
	require.NoError(t, err)

	assert.Equal(t, "analyst", cfg.ElasticsearchUsername)
	assert.False(t, cfg.ElasticsearchVerify)
	assert.Equal(t, "0.0.0.0", cfg.ServerHost)
	assert.Equal(t, 8473, cfg.ServerPort)
	assert.Equal(t, 500, cfg.MaxQueryResults)
	assert.True(t, cfg.Debug)
}

func TestLoad_APIKeys(t *testing.T) {
	t.Run("unset means no handshake", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("ELASTICSEARCH_URL", "https://localhost:9200")

		cfg, err := Load(testResolver())
		require.NoError(t, err)
		assert.Empty(t, cfg.APIKeys)
	})

	t.Run("comma-separated with per-entry secret resolution", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("ELASTICSEARCH_URL", "https://localhost:9200")
		t.Setenv("REAL_MCP_KEY", "sekrit")
		t.Setenv("MCP_API_KEYS", " literal-key , env://REAL_MCP_KEY ,")

		cfg, err := Load(testResolver())
		require.NoError(t, err)
		assert.Equal(t, []string{"literal-key", "sekrit"}, cfg.APIKeys)
	})
}

func TestLoad_SecretURIs(t *testing.T) {
	clearEnv(t)
	t.Setenv("ELASTICSEARCH_URL", "https://localhost:9200")
	t.Setenv("REAL_ES_PASSWORD", "hunter2")
	t.Setenv("ELASTICSEARCH_PASSWORD", "env://REAL_ES_PASSWORD")

	cfg, err := Load(testResolver())
	require.NoError(t, err)
	assert.Equal(t, "hunter2", cfg.ElasticsearchPassword)
}

func TestLoad_Failures(t *testing.T) {
	testCases := []struct {
		name string
		env  map[string]string
	}{
		{"missing url", map[string]string{}},
		{"malformed url", map[string]string{"ELASTICSEARCH_URL": "not a url"}},
		{"port out of range", map[string]string{
			"ELASTICSEARCH_URL": "https://localhost:9200",
			"MCP_SERVER_PORT":   "70000",
		}},
		{"non-numeric port", map[string]string{
			"ELASTICSEARCH_URL": "https://localhost:9200",
			"MCP_SERVER_PORT":   "https",
		}},
		{"non-boolean verify", map[string]string{
			"ELASTICSEARCH_URL":        "https://localhost:9200",
			"ELASTICSEARCH_VERIFY_SSL": "maybe",
		}},
		{"query results over cap", map[string]string{
			"ELASTICSEARCH_URL": "https://localhost:9200",
			"MAX_QUERY_RESULTS": "5000",
		}},
		{"timeout over cap", map[string]string{
			"ELASTICSEARCH_URL":     "https://localhost:9200",
			"QUERY_TIMEOUT_SECONDS": "600",
		}},
		{"enrichment batch over cap", map[string]string{
			"ELASTICSEARCH_URL":            "https://localhost:9200",
			"MAX_IP_ENRICHMENT_BATCH_SIZE": "200",
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load(testResolver())
			assert.Error(t, err)
		})
	}
}
