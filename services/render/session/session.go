// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session owns the render tree of one client session.
//
// A Session applies messages in arrival order, publishes each resulting
// tree as an immutable Snapshot, and optionally records every applied
// message in a journal so the tree survives a restart.
//
// Readers call Snapshot at any time without blocking writers; a snapshot
// never changes after it is returned.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/deltatree/services/render/address"
	"github.com/AleutianAI/deltatree/services/render/counters"
	"github.com/AleutianAI/deltatree/services/render/journal"
	"github.com/AleutianAI/deltatree/services/render/reconcile"
	"github.com/AleutianAI/deltatree/services/render/telemetry"
	"github.com/AleutianAI/deltatree/services/render/tree"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "deltatree.session"

var (
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session is closed")

	// ErrNoJournal is returned by Restore on a session without a journal.
	ErrNoJournal = errors.New("session has no journal")

	// ErrRestore is returned when a journaled message no longer applies.
	ErrRestore = errors.New("restore failed")
)

// Journal is the write-ahead log a session records applied messages in.
// *journal.Journal implements it.
type Journal interface {
	Append(ctx context.Context, reportID string, msg reconcile.Message) error
	Replay(ctx context.Context) ([]journal.Record, error)
	Checkpoint(ctx context.Context) error
}

// Snapshot is an immutable view of the session state.
type Snapshot struct {
	// Elements is the tree after the last successful apply.
	Elements tree.Elements

	// Generation counts successful applies, restores and resets.
	Generation uint64

	// ReportID is the current run.
	ReportID string
}

// Stale lists nodes not touched by the current run.
func (s Snapshot) Stale() []address.Location {
	return tree.Stale(s.Elements, s.ReportID)
}

// Option configures a Session.
type Option func(*Session)

// WithID sets the session id. A random UUID is used otherwise.
func WithID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// WithReconciler sets the reconciler. reconcile.New() is used otherwise.
func WithReconciler(r *reconcile.Reconciler) Option {
	return func(s *Session) {
		if r != nil {
			s.reconciler = r
		}
	}
}

// WithJournal records every applied message in j.
func WithJournal(j Journal) Option {
	return func(s *Session) { s.journal = j }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// Session serializes message application for one client.
//
// Thread Safety: Safe for concurrent use. Apply, BeginRun, Restore and
// Reset are serialized; Snapshot never blocks.
type Session struct {
	id         string
	reconciler *reconcile.Reconciler
	journal    Journal
	logger     *slog.Logger

	mu       sync.Mutex
	reportID string
	current  atomic.Pointer[Snapshot]
	closed   atomic.Bool
}

// New creates a session with an empty tree and no active run.
func New(opts ...Option) *Session {
	s := &Session{
		id:         uuid.NewString(),
		reconciler: reconcile.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default().With(slog.String("component", "session"))
	}
	s.logger = s.logger.With(slog.String("session_id", s.id))
	s.current.Store(&Snapshot{Elements: tree.NewElements()})
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Snapshot returns the latest published state.
func (s *Session) Snapshot() Snapshot {
	return *s.current.Load()
}

// BeginRun starts a new script run with a fresh random report id and
// returns it.
func (s *Session) BeginRun() (string, error) {
	return s.BeginRunWithID(uuid.NewString())
}

// BeginRunWithID starts a new script run identified by reportID.
func (s *Session) BeginRunWithID(reportID string) (string, error) {
	if s.closed.Load() {
		return "", ErrSessionClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.reportID = reportID
	prev := s.current.Load()
	s.current.Store(&Snapshot{Elements: prev.Elements, Generation: prev.Generation, ReportID: reportID})

	s.logger.Debug("run started", slog.String("report_id", reportID))
	return reportID, nil
}

// Apply applies msg under the current run, starting one if none is active.
//
// Description:
//
//	The message is reconciled against the latest tree. When a journal is
//	configured the message is appended before the new tree is published,
//	so a published tree is always reproducible from the journal.
//
// Outputs:
//   - Snapshot: The published state after the apply.
//   - error: ErrSessionClosed, any reconcile error, or a journal error.
//     On error nothing is published and no counters are emitted.
func (s *Session) Apply(ctx context.Context, msg reconcile.Message) (Snapshot, error) {
	if s.closed.Load() {
		return Snapshot{}, ErrSessionClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reportID == "" {
		s.reportID = uuid.NewString()
	}

	prev := s.current.Load()
	if s.journal == nil {
		next, err := s.reconciler.ApplyMessage(ctx, prev.Elements, s.reportID, msg)
		if err != nil {
			return *prev, err
		}
		return s.publish(prev, next), nil
	}

	// Counter events are held back until the message is journaled.
	pending := counters.NewRecorder()
	next, err := s.reconciler.With(reconcile.WithCounters(pending)).ApplyMessage(ctx, prev.Elements, s.reportID, msg)
	if err != nil {
		return *prev, err
	}
	if err := s.journal.Append(ctx, s.reportID, msg); err != nil {
		return *prev, fmt.Errorf("journal append: %w", err)
	}

	sink := s.reconciler.Counters()
	for _, key := range pending.Events() {
		sink.Increment(key)
	}
	return s.publish(prev, next), nil
}

// publish stores next as the following generation. Callers hold s.mu.
func (s *Session) publish(prev *Snapshot, next tree.Elements) Snapshot {
	snap := &Snapshot{Elements: next, Generation: prev.Generation + 1, ReportID: s.reportID}
	s.current.Store(snap)
	return *snap
}

// Restore rebuilds the tree from the journal.
//
// Description:
//
//	Replays every journaled message from an empty tree, in order, under the
//	report id it was originally applied with. Counters are not emitted
//	again. The last replayed report id becomes the current run.
//
// Outputs:
//   - int: Number of messages replayed.
//   - error: ErrNoJournal, ErrSessionClosed, a journal error, or ErrRestore
//     wrapping the reconcile error of the first message that failed.
func (s *Session) Restore(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrSessionClosed
	}
	if s.journal == nil {
		return 0, ErrNoJournal
	}

	ctx, span := telemetry.StartSpan(ctx, tracerName, "session.Restore",
		trace.WithAttributes(attribute.String("session_id", s.id)),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.journal.Replay(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return 0, err
	}

	quiet := s.reconciler.With(reconcile.WithCounters(counters.Nop{}))
	elements := tree.NewElements()
	reportID := s.reportID
	for _, rec := range records {
		elements, err = quiet.ApplyMessage(ctx, elements, rec.ReportID, rec.Message)
		if err != nil {
			err = fmt.Errorf("%w: entry %d: %w", ErrRestore, rec.Seq, err)
			telemetry.RecordError(span, err)
			return 0, err
		}
		reportID = rec.ReportID
	}

	prev := s.current.Load()
	s.reportID = reportID
	s.current.Store(&Snapshot{Elements: elements, Generation: prev.Generation + 1, ReportID: reportID})

	span.SetAttributes(attribute.Int("record_count", len(records)))
	s.logger.Info("session restored",
		slog.Int("record_count", len(records)),
		slog.String("report_id", reportID))

	return len(records), nil
}

// Reset clears the tree and checkpoints the journal, so a later Restore
// starts from the empty tree.
func (s *Session) Reset(ctx context.Context) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.journal != nil {
		if err := s.journal.Checkpoint(ctx); err != nil {
			return fmt.Errorf("journal checkpoint: %w", err)
		}
	}

	prev := s.current.Load()
	s.current.Store(&Snapshot{Elements: tree.NewElements(), Generation: prev.Generation + 1, ReportID: s.reportID})
	s.logger.Debug("session reset")
	return nil
}

// Close stops the session from accepting work. The last snapshot stays
// readable.
func (s *Session) Close() error {
	s.closed.Store(true)
	return nil
}
