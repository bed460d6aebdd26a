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
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runTail(ctx context.Context, path string, drain func() error, idle time.Duration) <-chan error {
	done := make(chan error, 1)
	go func() { done <- tail(ctx, path, drain, idle) }()
	return done
}

func TestTail_DrainsOnWriteUntilCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "live.jsonl")
	require.NoError(t, os.WriteFile(path, nil, 0600))

	var drains atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := runTail(ctx, path, func() error { drains.Add(1); return nil }, 0)

	require.Eventually(t, func() bool { return drains.Load() >= 1 }, 5*time.Second, 10*time.Millisecond)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("{}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.Eventually(t, func() bool { return drains.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("tail did not return after cancel")
	}
}

func TestTail_StopsWhenFileRemoved(t *testing.T) {
	path := filepath.Join(t.TempDir(), "live.jsonl")
	require.NoError(t, os.WriteFile(path, nil, 0600))

	var drains atomic.Int32
	done := runTail(context.Background(), path, func() error { drains.Add(1); return nil }, 0)
	require.Eventually(t, func() bool { return drains.Load() >= 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(path))
	select {
	case err := <-done:
		assert.NoError(t, err)
		assert.GreaterOrEqual(t, drains.Load(), int32(2), "a final drain runs after removal")
	case <-time.After(5 * time.Second):
		t.Fatal("tail did not return after removal")
	}
}

func TestTail_Errors(t *testing.T) {
	err := tail(context.Background(), filepath.Join(t.TempDir(), "absent"), func() error { return nil }, time.Second)
	assert.ErrorContains(t, err, "watching")

	path := filepath.Join(t.TempDir(), "live.jsonl")
	require.NoError(t, os.WriteFile(path, nil, 0600))
	boom := errors.New("boom")
	err = tail(context.Background(), path, func() error { return boom }, time.Second)
	assert.ErrorIs(t, err, boom)
}
