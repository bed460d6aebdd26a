// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package journal persists the messages a session applied so the tree can be
// rebuilt after a restart.
//
// Key format: "delta:{session_id}:{seq_num:016d}"
// Value format: [4-byte CRC32][JSON entry {"report_id", "message"}]
//
// The message is stored in its wire form. A checkpoint marks the sequence
// number up to which entries no longer matter (the session was reset) and
// deletes them.
package journal

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/deltatree/services/render/reconcile"
	"github.com/AleutianAI/deltatree/services/render/storage/badger"
	"github.com/AleutianAI/deltatree/services/render/telemetry"
	"github.com/AleutianAI/deltatree/services/render/wire"
	dgbadger "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "deltatree.journal"

// -----------------------------------------------------------------------------
// Journal Errors
// -----------------------------------------------------------------------------

var (
	// ErrJournalClosed is returned when operations are called on a closed journal.
	ErrJournalClosed = errors.New("journal is closed")

	// ErrJournalCorrupted is returned when an entry fails its integrity check.
	ErrJournalCorrupted = errors.New("journal entry corrupted")

	// ErrJournalSequenceGap is returned when replay finds a missing sequence number.
	ErrJournalSequenceGap = errors.New("journal sequence number gap detected")

	// ErrEmptySessionID is returned when a journal is requested without a session.
	ErrEmptySessionID = errors.New("session id must not be empty")

	// ErrInvalidSessionID is returned for a session id containing ':'.
	ErrInvalidSessionID = errors.New("session id must not contain ':'")
)

const (
	deltaPrefix      = "delta:"
	checkpointPrefix = "checkpoint:"
)

// -----------------------------------------------------------------------------
// Store
// -----------------------------------------------------------------------------

// Store hands out per-session journals over one shared database.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db     *badger.DB
	owned  bool
	logger *slog.Logger
}

// OpenStore opens the database described by cfg. Close closes it.
func OpenStore(cfg badger.Config) (*Store, error) {
	db, err := badger.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open journal store: %w", err)
	}
	s := NewStore(db)
	s.owned = true
	return s, nil
}

// NewStore wraps an already open database. Close leaves it open.
func NewStore(db *badger.DB) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With(slog.String("component", "journal")),
	}
}

// Sessions lists the session ids that have journal entries, sorted.
func (s *Store) Sessions(ctx context.Context) ([]string, error) {
	var sessions []string
	err := s.db.ScanKeys(ctx, []byte(deltaPrefix), func(key []byte) bool {
		rest := strings.TrimPrefix(string(key), deltaPrefix)
		id, _, ok := strings.Cut(rest, ":")
		if ok && (len(sessions) == 0 || sessions[len(sessions)-1] != id) {
			sessions = append(sessions, id)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// Journal returns the journal of sessionID, continuing after its highest
// existing sequence number.
func (s *Store) Journal(sessionID string, opts ...Option) (*Journal, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}
	if strings.Contains(sessionID, ":") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}

	j := &Journal{
		db:        s.db,
		sessionID: sessionID,
		logger:    s.logger.With(slog.String("session_id", sessionID)),
	}
	for _, opt := range opts {
		opt(j)
	}

	if err := j.initSeqNum(); err != nil {
		return nil, fmt.Errorf("init sequence number: %w", err)
	}
	return j, nil
}

// Close closes the database when the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// -----------------------------------------------------------------------------
// Journal
// -----------------------------------------------------------------------------

// Option configures a Journal.
type Option func(*Journal)

// WithSkipCorrupted makes Replay log and skip entries that fail the CRC
// check instead of failing.
func WithSkipCorrupted(skip bool) Option {
	return func(j *Journal) { j.skipCorrupted = skip }
}

// WithLogger sets the journal logger.
func WithLogger(l *slog.Logger) Option {
	return func(j *Journal) {
		if l != nil {
			j.logger = l
		}
	}
}

// Record is one replayed journal entry.
type Record struct {
	Seq      uint64
	ReportID string
	Message  reconcile.Message
}

// Stats contains journal metrics.
type Stats struct {
	// LastSeqNum is the most recent sequence number.
	LastSeqNum uint64

	// AppendedBytes counts bytes written by this process.
	AppendedBytes int64

	// LastCheckpoint is when the last checkpoint occurred in this process.
	LastCheckpoint time.Time

	// CorruptedCount is the number of corrupted entries encountered.
	CorruptedCount int64
}

// Journal is the write-ahead log of one session.
//
// Thread Safety: Safe for concurrent use. Appends are serialized so that
// sequence numbers have no gaps.
type Journal struct {
	db            *badger.DB
	sessionID     string
	logger        *slog.Logger
	skipCorrupted bool

	mu             sync.Mutex
	seqNum         uint64
	totalBytes     atomic.Int64
	corruptedCount atomic.Int64
	lastCheckpoint atomic.Int64
	closed         atomic.Bool
}

type entry struct {
	ReportID string          `json:"report_id"`
	Message  json.RawMessage `json:"message"`
}

// SessionID returns the session this journal belongs to.
func (j *Journal) SessionID() string { return j.sessionID }

func (j *Journal) initSeqNum() error {
	prefix := []byte(j.deltaKeyPrefix())
	var maxSeq uint64

	err := j.db.WithReadTxn(context.Background(), func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true

		it := txn.NewIterator(opts)
		defer it.Close()

		seekKey := append(append([]byte{}, prefix...), 0xFF)
		it.Seek(seekKey)
		if it.ValidForPrefix(prefix) {
			if seq, ok := parseSeq(it.Item().Key(), prefix); ok {
				maxSeq = seq
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	cp, err := j.checkpointSeq()
	if err != nil {
		return err
	}
	j.seqNum = max(maxSeq, cp)
	return nil
}

func (j *Journal) deltaKeyPrefix() string {
	return fmt.Sprintf("%s%s:", deltaPrefix, j.sessionID)
}

func (j *Journal) deltaKey(seqNum uint64) []byte {
	return []byte(fmt.Sprintf("%s%016d", j.deltaKeyPrefix(), seqNum))
}

func (j *Journal) checkpointKey() []byte {
	return []byte(checkpointPrefix + j.sessionID)
}

func parseSeq(key, prefix []byte) (uint64, bool) {
	var seq uint64
	if _, err := fmt.Sscanf(string(key[len(prefix):]), "%016d", &seq); err != nil {
		return 0, false
	}
	return seq, true
}

func encodeEntry(reportID string, msg reconcile.Message) ([]byte, error) {
	wireMsg, err := wire.Encode(msg)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(entry{ReportID: reportID, Message: wireMsg})
	if err != nil {
		return nil, fmt.Errorf("json encode: %w", err)
	}

	result := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(result[:4], crc32.ChecksumIEEE(body))
	copy(result[4:], body)
	return result, nil
}

func decodeEntry(data []byte) (string, reconcile.Message, error) {
	if len(data) < 5 {
		return "", reconcile.Message{}, fmt.Errorf("%w: entry too short", ErrJournalCorrupted)
	}

	storedCRC := binary.BigEndian.Uint32(data[:4])
	body := data[4:]
	if computed := crc32.ChecksumIEEE(body); storedCRC != computed {
		return "", reconcile.Message{}, fmt.Errorf("%w: stored=%08x computed=%08x", ErrJournalCorrupted, storedCRC, computed)
	}

	var e entry
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&e); err != nil {
		return "", reconcile.Message{}, fmt.Errorf("%w: %w", ErrJournalCorrupted, err)
	}
	msg, err := wire.Decode(e.Message)
	if err != nil {
		return "", reconcile.Message{}, fmt.Errorf("%w: %w", ErrJournalCorrupted, err)
	}
	return e.ReportID, msg, nil
}

// Append writes msg, applied under reportID, as the next entry.
func (j *Journal) Append(ctx context.Context, reportID string, msg reconcile.Message) error {
	if msg.Delta == nil {
		return reconcile.ErrNilDelta
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if j.closed.Load() {
		return ErrJournalClosed
	}

	ctx, span := telemetry.StartSpan(ctx, tracerName, "journal.Append",
		trace.WithAttributes(
			attribute.String("session_id", j.sessionID),
			attribute.String("delta_type", msg.Delta.Type().String()),
		),
	)
	defer span.End()

	data, err := encodeEntry(reportID, msg)
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("encode entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	seqNum := j.seqNum + 1
	err = j.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set(j.deltaKey(seqNum), data)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("write entry: %w", err)
	}
	j.seqNum = seqNum
	j.totalBytes.Add(int64(len(data)))

	span.SetAttributes(
		attribute.Int64("seq_num", int64(seqNum)),
		attribute.Int("entry_bytes", len(data)),
	)
	j.logger.Debug("delta appended",
		slog.Uint64("seq_num", seqNum),
		slog.String("type", msg.Delta.Type().String()),
		slog.Int("bytes", len(data)))

	return nil
}

// Replay returns every entry after the last checkpoint, in order.
//
// Outputs:
//   - []Record: Entries in sequence order. Empty for a new session.
//   - error: ErrJournalSequenceGap, ErrJournalCorrupted (unless skipping
//     corrupted entries), ErrJournalClosed, or a storage error.
func (j *Journal) Replay(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if j.closed.Load() {
		return nil, ErrJournalClosed
	}

	ctx, span := telemetry.StartSpan(ctx, tracerName, "journal.Replay",
		trace.WithAttributes(attribute.String("session_id", j.sessionID)),
	)
	defer span.End()

	checkpointSeq, err := j.checkpointSeq()
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}

	var records []Record
	lastSeq := checkpointSeq
	corrupted := 0

	prefix := []byte(j.deltaKeyPrefix())
	err = j.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = true
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			item := it.Item()
			seqNum, ok := parseSeq(item.Key(), prefix)
			if !ok || seqNum <= checkpointSeq {
				continue
			}
			if seqNum != lastSeq+1 {
				return fmt.Errorf("%w: expected %d, got %d", ErrJournalSequenceGap, lastSeq+1, seqNum)
			}
			lastSeq = seqNum

			err := item.Value(func(val []byte) error {
				reportID, msg, err := decodeEntry(val)
				if err != nil {
					if errors.Is(err, ErrJournalCorrupted) {
						corrupted++
						j.corruptedCount.Add(1)
						if j.skipCorrupted {
							j.logger.Warn("skipping corrupted entry",
								slog.Uint64("seq_num", seqNum),
								slog.String("error", err.Error()))
							return nil
						}
					}
					return fmt.Errorf("entry %d: %w", seqNum, err)
				}
				records = append(records, Record{Seq: seqNum, ReportID: reportID, Message: msg})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("replay: %w", err)
	}

	span.SetAttributes(
		attribute.Int("record_count", len(records)),
		attribute.Int("corrupted_count", corrupted),
		attribute.Int64("checkpoint_seq", int64(checkpointSeq)),
	)
	j.logger.Info("replay completed",
		slog.Int("record_count", len(records)),
		slog.Int("corrupted", corrupted),
		slog.Uint64("checkpoint_seq", checkpointSeq))

	return records, nil
}

// Checkpoint marks every entry written so far as obsolete and deletes it.
// A later Replay starts after this point.
func (j *Journal) Checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if j.closed.Load() {
		return ErrJournalClosed
	}

	ctx, span := telemetry.StartSpan(ctx, tracerName, "journal.Checkpoint",
		trace.WithAttributes(attribute.String("session_id", j.sessionID)),
	)
	defer span.End()

	j.mu.Lock()
	defer j.mu.Unlock()

	currentSeq := j.seqNum
	marker := make([]byte, 8)
	binary.BigEndian.PutUint64(marker, currentSeq)

	if err := j.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set(j.checkpointKey(), marker)
	}); err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("write checkpoint: %w", err)
	}
	j.lastCheckpoint.Store(time.Now().UnixNano())

	var stale [][]byte
	prefix := []byte(j.deltaKeyPrefix())
	err := j.db.ScanKeys(ctx, prefix, func(key []byte) bool {
		if seq, ok := parseSeq(key, prefix); ok && seq <= currentSeq {
			stale = append(stale, key)
		}
		return true
	})
	if err == nil && len(stale) > 0 {
		err = j.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
			for _, key := range stale {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err != nil {
		// The marker is saved, so replay is already correct.
		j.logger.Warn("checkpoint truncation failed", slog.String("error", err.Error()))
	}

	j.totalBytes.Store(0)
	span.SetAttributes(
		attribute.Int64("checkpoint_seq", int64(currentSeq)),
		attribute.Int("deleted_entries", len(stale)),
	)
	j.logger.Info("checkpoint created",
		slog.Uint64("seq_num", currentSeq),
		slog.Int("deleted", len(stale)))

	return nil
}

func (j *Journal) checkpointSeq() (uint64, error) {
	var seq uint64
	err := j.db.WithReadTxn(context.Background(), func(txn *dgbadger.Txn) error {
		item, err := txn.Get(j.checkpointKey())
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) >= 8 {
				seq = binary.BigEndian.Uint64(val)
			}
			return nil
		})
	})
	return seq, err
}

// Close marks the journal closed. The shared database stays open.
func (j *Journal) Close() error {
	if j.closed.Swap(true) {
		return nil
	}
	j.logger.Debug("closing journal")
	return j.db.Sync()
}

// Stats returns journal statistics.
func (j *Journal) Stats() Stats {
	j.mu.Lock()
	seq := j.seqNum
	j.mu.Unlock()

	var lastCP time.Time
	if ns := j.lastCheckpoint.Load(); ns > 0 {
		lastCP = time.Unix(0, ns)
	}
	return Stats{
		LastSeqNum:     seq,
		AppendedBytes:  j.totalBytes.Load(),
		LastCheckpoint: lastCP,
		CorruptedCount: j.corruptedCount.Load(),
	}
}
