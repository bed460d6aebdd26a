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
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// tail calls drain once, then again after every write to path. It returns
// nil when ctx ends, the file is removed or renamed, or idle passes without
// a write; a zero idle waits forever.
func tail(ctx context.Context, path string, drain func() error, idle time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer watcher.Close()

	// Watch before the first drain so no write is missed in between.
	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watching %s: %w", path, err)
	}
	if err := drain(); err != nil {
		return err
	}

	var idleC <-chan time.Time
	var timer *time.Timer
	if idle > 0 {
		timer = time.NewTimer(idle)
		defer timer.Stop()
		idleC = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-idleC:
			slog.Debug("follow idle timeout", slog.String("path", path), slog.Duration("idle", idle))
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) {
				if err := drain(); err != nil {
					return err
				}
				if timer != nil {
					timer.Reset(idle)
				}
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				slog.Info("followed file went away", slog.String("path", path))
				return drain()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watching %s: %w", path, err)
		}
	}
}
