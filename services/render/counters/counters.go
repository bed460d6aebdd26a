// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package counters provides the usage-counter sink the reconciler reports to.
//
// # Description
//
// The reconciler increments one string key per fact it observes while
// applying a delta: the container it landed in ("main" or "sidebar"), the
// element kind, "custom component <name>", "new block" and "add rows".
// Sinks decide what to do with those keys; they must never fail the caller.
//
// # Implementations
//
//   - Nop: discards everything.
//   - Recorder: in-memory tally, used by tests and the CLI summary.
//   - Prometheus: one CounterVec labelled by key.
//   - OTel: one metric.Int64Counter with a "key" attribute.
//   - Multi: fan-out to several sinks.
//
// # Thread Safety
//
// All sinks in this package are safe for concurrent use.
package counters

import (
	"maps"
	"slices"
	"sync"
)

// Keys emitted for structural operations.
const (
	KeyNewBlock = "new block"
	KeyAddRows  = "add rows"
)

// CustomComponentKey is the key emitted for a custom component leaf.
func CustomComponentKey(name string) string {
	return "custom component " + name
}

// Sink receives counter increments.
type Sink interface {
	Increment(key string)
}

// Nop discards increments.
type Nop struct{}

// Increment implements Sink.
func (Nop) Increment(string) {}

// Multi forwards every increment to each sink in order.
type Multi []Sink

// Increment implements Sink.
func (m Multi) Increment(key string) {
	for _, s := range m {
		if s != nil {
			s.Increment(key)
		}
	}
}

// =============================================================================
// Recorder
// =============================================================================

// Recorder tallies increments in memory.
//
// # Thread Safety
//
// Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	counts map[string]int
	events []string
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{counts: make(map[string]int)}
}

// Increment implements Sink.
func (r *Recorder) Increment(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = make(map[string]int)
	}
	r.counts[key]++
	r.events = append(r.events, key)
}

// Count returns how many times key was incremented.
func (r *Recorder) Count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[key]
}

// Events returns every increment in arrival order.
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Counts returns a copy of the tally.
func (r *Recorder) Counts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.counts)
}

// Keys returns the distinct keys in sorted order.
func (r *Recorder) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.counts))
}

// Reset clears the tally.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts = make(map[string]int)
	r.events = nil
}
