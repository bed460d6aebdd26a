// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.
package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deltatree.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "retain", cfg.Reconcile.BlockPolicy)
	assert.Equal(t, "text", cfg.Output.Format)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Journal.SyncWrites)
	assert.Equal(t, 5*time.Minute, cfg.Journal.GCInterval)
	assert.Empty(t, cfg.Journal.Dir)
	assert.Empty(t, cfg.Server.Addr)
}

func TestLoadConfig_File(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
  json: true
journal:
  dir: /var/lib/deltatree
  skip_corrupted: true
  gc_interval: 30s
reconcile:
  block_policy: discard
output:
  format: yaml
  show_report_ids: true
server:
  addr: localhost:8090
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.JSON)
	assert.Equal(t, "/var/lib/deltatree", cfg.Journal.Dir)
	assert.True(t, cfg.Journal.SkipCorrupted)
	assert.True(t, cfg.Journal.SyncWrites, "unset fields keep their defaults")
	assert.Equal(t, 30*time.Second, cfg.Journal.GCInterval)
	assert.Equal(t, "discard", cfg.Reconcile.BlockPolicy)
	assert.Equal(t, "yaml", cfg.Output.Format)
	assert.True(t, cfg.Output.ShowReportIDs)
	assert.Equal(t, "localhost:8090", cfg.Server.Addr)

	store := cfg.Journal.storeConfig(cfg.Journal.Dir)
	assert.Equal(t, "/var/lib/deltatree", store.Path)
	assert.Equal(t, 30*time.Second, store.GCInterval)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "block policy", body: "reconcile:\n  block_policy: merge\n", want: "BlockPolicy"},
		{name: "format", body: "output:\n  format: html\n", want: "Format"},
		{name: "log level", body: "logging:\n  level: loud\n", want: "Level"},
		{name: "discard ratio", body: "journal:\n  gc_discard_ratio: 2\n", want: "GCDiscardRatio"},
		{name: "server addr", body: "server:\n  addr: not an address\n", want: "Addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, "logging: [\n"))
		assert.ErrorContains(t, err, "parse config")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.ErrorContains(t, err, "read config")
	})
}

func TestRun_ConfigFlag(t *testing.T) {
	path := writeConfig(t, "output:\n  format: yaml\n")
	stream := page(t, t.TempDir(), "page.jsonl")

	code, out, stderr := execute(t, "--config", path, "replay", stream)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, out, "session: page")

	code, _, stderr = execute(t, "--log-level", "loud", "replay", stream)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "unknown log level")
}
