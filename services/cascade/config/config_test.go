// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5, cfg.Graph.MaxDepth)
	assert.Equal(t, 100, cfg.Impact.Thresholds.Critical)
	assert.Equal(t, 50, cfg.Batch.ChunkSize)
	assert.Equal(t, 20, cfg.Deletion.ChunkSize)
	assert.Equal(t, 2, cfg.Deletion.Concurrency)
	assert.Equal(t, 5, cfg.RateLimit.DeletionRequestsPerSecond)
	assert.Equal(t, 3, cfg.Tracker.MaxConcurrentOperations)
	assert.Equal(t, 5*time.Minute, cfg.Preview.CacheTTL)
	assert.False(t, cfg.Impact.AllowForce)
	assert.False(t, cfg.Archive.Enabled())
}

func TestLoad_NoFileMatchesDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileOverrides(t *testing.T) {
	path := writeFile(t, "cascade.yaml", `
graph:
  max_depth: 3
impact:
  allow_force: true
  thresholds:
    critical: 200
deletion:
  chunk_size: 10
  retry_delay: 250ms
tracker:
  poll_interval: 500ms
archive:
  dir: /tmp/cascade-archive
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Graph.MaxDepth)
	assert.True(t, cfg.Impact.AllowForce)
	assert.Equal(t, 200, cfg.Impact.Thresholds.Critical)
	assert.Equal(t, 50, cfg.Impact.Thresholds.High, "unset keys keep defaults")
	assert.Equal(t, 10, cfg.Deletion.ChunkSize)
	assert.Equal(t, 2, cfg.Deletion.Concurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.Deletion.RetryDelay)
	assert.Equal(t, 500*time.Millisecond, cfg.Tracker.PollInterval)
	assert.True(t, cfg.Archive.Enabled())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CASCADE_TRACKER_MAX_CONCURRENT_OPERATIONS", "7")
	t.Setenv("CASCADE_PREVIEW_CACHE_TTL", "90s")
	t.Setenv("CASCADE_LOGGING_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Tracker.MaxConcurrentOperations)
	assert.Equal(t, 90*time.Second, cfg.Preview.CacheTTL)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"depth zero", "graph:\n  max_depth: 0\n"},
		{"inverted thresholds", "impact:\n  thresholds:\n    medium: 80\n"},
		{"negative chunk", "batch:\n  chunk_size: -1\n"},
		{"bad log level", "logging:\n  level: loud\n"},
		{"bad exporter", "telemetry:\n  trace_exporter: zipkin\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "cascade.yaml", tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid config")
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestWriteDefault_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cascade.yaml")
	require.NoError(t, WriteDefault(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestGraphConfig_Options(t *testing.T) {
	opts := Default().Graph.Options()
	assert.Equal(t, 5, opts.MaxDepth)
	assert.True(t, opts.IncludeIndirect)
	assert.Equal(t, 30*time.Second, opts.Timeout)
}
