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
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/deltatree/services/render/address"
	"github.com/AleutianAI/deltatree/services/render/content"
	"github.com/AleutianAI/deltatree/services/render/reconcile"
	"github.com/AleutianAI/deltatree/services/render/table"
	"github.com/AleutianAI/deltatree/services/render/tree"
	"github.com/AleutianAI/deltatree/services/render/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Helpers
// =============================================================================

func meta(slot int, blockPath ...int) *address.Metadata {
	return &address.Metadata{
		ParentBlock: &address.BlockPath{Container: address.ContainerMain, Path: blockPath},
		DeltaID:     slot,
	}
}

func markdownMsg(slot int, body string, blockPath ...int) reconcile.Message {
	return reconcile.Message{
		Delta:    &reconcile.NewElement{Content: content.MustFromMap(content.KindMarkdown, map[string]any{"body": body})},
		Metadata: meta(slot, blockPath...),
	}
}

func blockMsg(slot int, layout tree.Layout, blockPath ...int) reconcile.Message {
	return reconcile.Message{Delta: &reconcile.AddBlock{Layout: layout}, Metadata: meta(slot, blockPath...)}
}

func writeStream(t *testing.T, path string, msgs ...reconcile.Message) {
	t.Helper()
	var buf bytes.Buffer
	enc := wire.NewEncoder(&buf)
	for _, msg := range msgs {
		require.NoError(t, enc.Write(msg))
	}
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0600))
}

// page is a title, a horizontal block and a paragraph inside it.
func page(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	writeStream(t, path,
		markdownMsg(0, "# Title"),
		blockMsg(1, tree.LayoutHorizontal),
		markdownMsg(0, "left", 1),
	)
	return path
}

func execute(t *testing.T, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code = run(context.Background(), args, &out, &errOut)
	return code, out.String(), errOut.String()
}

// =============================================================================
// Replay
// =============================================================================

func TestReplay_Text(t *testing.T) {
	path := page(t, t.TempDir(), "page.jsonl")

	code, out, stderr := execute(t, "replay", path)
	require.Equal(t, 0, code, stderr)

	assert.Contains(t, out, "session page ("+path+")")
	assert.Contains(t, out, "generation=3")
	assert.Contains(t, out, `[0] markdown "# Title"`)
	assert.Contains(t, out, "[1] block horizontal")
	assert.Contains(t, out, `[0] markdown "left"`)
	assert.NotContains(t, out, "(stale)")
	assert.Contains(t, stderr, "file replayed")
}

func TestReplay_SessionRunsMarkStale(t *testing.T) {
	dir := t.TempDir()
	first := page(t, dir, "first.jsonl")
	second := filepath.Join(dir, "second.jsonl")
	writeStream(t, second, markdownMsg(0, "# Title"))

	code, out, stderr := execute(t, "replay", "--session", "app", "--format", "yaml", first, second)
	require.Equal(t, 0, code, stderr)

	var report sessionReport
	require.NoError(t, yaml.Unmarshal([]byte(out), &report))
	assert.Equal(t, "app", report.Session)
	assert.Equal(t, uint64(4), report.Generation)
	assert.Equal(t, 2, report.Stale, "the block and its child were not touched by the second run")

	require.Len(t, report.Tree.Main, 2)
	assert.False(t, report.Tree.Main[0].Stale)
	assert.True(t, report.Tree.Main[1].Stale)
}

func TestReplay_ConcurrentFilesWithMetrics(t *testing.T) {
	dir := t.TempDir()
	a := page(t, dir, "a.jsonl")
	b := page(t, dir, "b.jsonl")
	c := page(t, dir, "c.jsonl")

	code, out, stderr := execute(t, "replay", "--metrics", "--concurrency", "2", a, b, c)
	require.Equal(t, 0, code, stderr)

	for _, id := range []string{"a", "b", "c"} {
		assert.Contains(t, out, "session "+id+" (")
	}
	assert.Less(t, strings.Index(out, "session a"), strings.Index(out, "session c"), "output follows argument order")

	assert.Contains(t, out, `deltatree_reconcile_events_total{key="main"} 9`)
	assert.Contains(t, out, `deltatree_reconcile_events_total{key="markdown"} 6`)
	assert.Contains(t, out, `deltatree_reconcile_events_total{key="new block"} 3`)
}

func TestReplay_RejectedDelta(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.jsonl")
	writeStream(t, path,
		markdownMsg(0, "ok"),
		reconcile.Message{Delta: &reconcile.AddRows{Dataset: table.NamedDataset{}}, Metadata: meta(3)},
		markdownMsg(1, "after"),
	)

	code, _, stderr := execute(t, "replay", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Error:")
	assert.Contains(t, stderr, path+":2")

	code, out, stderr := execute(t, "replay", "--keep-going", path)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stderr, "delta rejected")
	assert.Contains(t, out, `[1] markdown "after"`)
}

func TestReplay_FlagErrors(t *testing.T) {
	dir := t.TempDir()
	a := page(t, dir, "a.jsonl")
	b := page(t, dir, "b.jsonl")

	code, _, stderr := execute(t, "replay", "--follow", a, b)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "--follow")

	code, _, _ = execute(t, "replay", "--format", "xml", a)
	assert.Equal(t, 1, code)

	code, _, _ = execute(t, "replay", "--block-policy", "merge", a)
	assert.Equal(t, 1, code)

	code, _, _ = execute(t, "replay", filepath.Join(dir, "missing.jsonl"))
	assert.Equal(t, 1, code)
}

func TestReplay_Follow(t *testing.T) {
	path := page(t, t.TempDir(), "live.jsonl")

	type result struct {
		code        int
		out, stderr string
	}
	done := make(chan result, 1)
	go func() {
		var out, errOut bytes.Buffer
		code := run(context.Background(), []string{"replay", "--follow", "--idle-timeout", "1s", path}, &out, &errOut)
		done <- result{code, out.String(), errOut.String()}
	}()

	line, err := wire.Encode(markdownMsg(2, "appended"))
	require.NoError(t, err)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.Write(append(line, '\n'))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	select {
	case r := <-done:
		require.Equal(t, 0, r.code, r.stderr)
		assert.Contains(t, r.out, `[2] markdown "appended"`)
		assert.Contains(t, r.out, "generation=4")
	case <-time.After(30 * time.Second):
		t.Fatal("follow did not stop after the idle timeout")
	}
}

// =============================================================================
// Journal
// =============================================================================

func TestJournal_ReplayRestoreReset(t *testing.T) {
	dir := t.TempDir()
	journalDir := filepath.Join(dir, "journal")
	path := page(t, dir, "page.jsonl")

	code, _, stderr := execute(t, "replay", "--journal-dir", journalDir, "--session", "s1", path)
	require.Equal(t, 0, code, stderr)

	t.Run("lists sessions", func(t *testing.T) {
		code, out, stderr := execute(t, "restore", "--journal-dir", journalDir)
		require.Equal(t, 0, code, stderr)
		assert.Equal(t, "s1\n", out)
	})

	t.Run("restores tree", func(t *testing.T) {
		code, out, stderr := execute(t, "restore", "--journal-dir", journalDir, "--session", "s1", "--format", "yaml")
		require.Equal(t, 0, code, stderr)

		var report sessionReport
		require.NoError(t, yaml.Unmarshal([]byte(out), &report))
		require.Len(t, report.Tree.Main, 2)
		assert.Equal(t, "markdown", report.Tree.Main[0].Kind)
		require.Len(t, report.Tree.Main[1].Children, 1)
		assert.Equal(t, 0, report.Stale)
		assert.Contains(t, stderr, "session restored")
	})

	t.Run("replay resumes journaled session", func(t *testing.T) {
		more := filepath.Join(dir, "more.jsonl")
		writeStream(t, more, markdownMsg(2, "footer"))

		code, out, stderr := execute(t, "replay", "--journal-dir", journalDir, "--session", "s1", more)
		require.Equal(t, 0, code, stderr)
		assert.Contains(t, out, `[0] markdown "# Title"`)
		assert.Contains(t, out, `[2] markdown "footer"`)
		assert.Contains(t, stderr, "session resumed from journal")
	})

	t.Run("reset empties the restored tree", func(t *testing.T) {
		code, out, stderr := execute(t, "reset", "--journal-dir", journalDir, "--session", "s1")
		require.Equal(t, 0, code, stderr)
		assert.Contains(t, out, "reset s1 at seq 4")

		code, out, stderr = execute(t, "restore", "--journal-dir", journalDir, "--session", "s1", "--format", "yaml")
		require.Equal(t, 0, code, stderr)
		var report sessionReport
		require.NoError(t, yaml.Unmarshal([]byte(out), &report))
		assert.Empty(t, report.Tree.Main)
	})

	t.Run("journal dir required", func(t *testing.T) {
		code, _, stderr := execute(t, "restore")
		assert.Equal(t, 1, code)
		assert.Contains(t, stderr, "journal directory required")
	})
}

// =============================================================================
// Misc
// =============================================================================

func TestSessionIDs(t *testing.T) {
	tests := []struct {
		name  string
		files []string
		want  []string
	}{
		{
			name:  "base names",
			files: []string{"a/page.jsonl", "b/page.jsonl", "run:1.jsonl", "plain"},
			want:  []string{"page", "page-2", "run_1", "plain"},
		},
		{
			name:  "suffix already taken by a file",
			files: []string{"a.jsonl", "dir/a.json", "a-2.jsonl"},
			want:  []string{"a", "a-2", "a-2-2"},
		},
		{
			name:  "file named like a later suffix",
			files: []string{"a-2.jsonl", "a.jsonl", "x/a.jsonl"},
			want:  []string{"a-2", "a", "a-3"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sessionIDs(tt.files)
			assert.Equal(t, tt.want, got)

			seen := map[string]bool{}
			for _, id := range got {
				assert.False(t, seen[id], "duplicate session id %q", id)
				seen[id] = true
			}
		})
	}
}
