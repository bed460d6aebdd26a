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
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/deltatree/services/render/journal"
	"github.com/AleutianAI/deltatree/services/render/reconcile"
	"github.com/AleutianAI/deltatree/services/render/session"
	"github.com/AleutianAI/deltatree/services/render/wire"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type replayOptions struct {
	sessionID     string
	journalDir    string
	format        string
	blockPolicy   string
	follow        bool
	idleTimeout   time.Duration
	keepGoing     bool
	metrics       bool
	serve         string
	showReportIDs bool
	concurrency   int
}

func newReplayCmd(a *app) *cobra.Command {
	var opts replayOptions
	cmd := &cobra.Command{
		Use:   "replay FILE...",
		Short: "Apply JSON-lines delta files and print the resulting trees",
		Long: `Each FILE is a JSON-lines stream of delta messages.

Without --session every file is replayed into its own session, concurrently,
and each session is named after its file. With --session all files are
applied to one session in the given order, each file as a new script run, so
elements re-declared by a later run keep their identity and elements it does
not touch are reported as stale.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.replay(cmd.Context(), cmd.OutOrStdout(), args, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.sessionID, "session", "", "apply all files to this session, one run per file")
	f.StringVar(&opts.journalDir, "journal-dir", "", "journal applied messages in this badger directory")
	f.StringVar(&opts.format, "format", "", "output format: text or yaml")
	f.StringVar(&opts.blockPolicy, "block-policy", "", "children of re-declared blocks: retain or discard")
	f.BoolVar(&opts.follow, "follow", false, "keep applying lines appended to the last file")
	f.DurationVar(&opts.idleTimeout, "idle-timeout", 0, "stop following after this long without writes (0 waits for interrupt)")
	f.BoolVar(&opts.keepGoing, "keep-going", false, "log rejected deltas and continue")
	f.BoolVar(&opts.metrics, "metrics", false, "print reconcile counters after the trees")
	f.StringVar(&opts.serve, "serve", "", "serve the inspection API on this address while replaying")
	f.BoolVar(&opts.showReportIDs, "show-report-ids", false, "print the run id of every node")
	f.IntVar(&opts.concurrency, "concurrency", 0, "maximum files replayed at once (0 means no limit)")
	return cmd
}

func (a *app) replay(ctx context.Context, out io.Writer, files []string, opts replayOptions) error {
	if opts.follow && opts.sessionID == "" && len(files) > 1 {
		return errors.New("--follow with several files needs --session")
	}
	if opts.format == "" {
		opts.format = a.cfg.Output.Format
	}
	p, err := newPrinter(out, opts.format, opts.showReportIDs || a.cfg.Output.ShowReportIDs)
	if err != nil {
		return err
	}

	sink, err := a.sink()
	if err != nil {
		return err
	}
	r, err := a.reconciler(opts.blockPolicy, sink)
	if err != nil {
		return err
	}

	var store *journal.Store
	dir := opts.journalDir
	if dir == "" {
		dir = a.cfg.Journal.Dir
	}
	if dir != "" {
		store, err = journal.OpenStore(a.cfg.Journal.storeConfig(dir))
		if err != nil {
			return err
		}
		defer store.Close()
	}

	live := newSessionSet()
	addr := opts.serve
	if addr == "" {
		addr = a.cfg.Server.Addr
	}
	if addr != "" {
		srv, err := startServer(addr, live, a.registry)
		if err != nil {
			return err
		}
		defer srv.stop()
	}

	rp := &replayer{app: a, reconciler: r, store: store, live: live, opts: opts}

	var items []rendered
	if opts.sessionID != "" {
		item, err := rp.replaySequential(ctx, opts.sessionID, files)
		if err != nil {
			return err
		}
		items = []rendered{item}
	} else {
		items, err = rp.replayConcurrent(ctx, files)
		if err != nil {
			return err
		}
	}

	if err := p.print(items); err != nil {
		return err
	}
	if opts.metrics {
		fmt.Fprintln(out)
		return dumpMetrics(out, a.registry)
	}
	return nil
}

// replayer applies files to sessions.
type replayer struct {
	app        *app
	reconciler *reconcile.Reconciler
	store      *journal.Store
	live       *sessionSet
	opts       replayOptions
}

// openSession creates a session, resuming from its journal when one is
// configured.
func (rp *replayer) openSession(ctx context.Context, id string) (*session.Session, func(), error) {
	opts := []session.Option{
		session.WithID(id),
		session.WithReconciler(rp.reconciler),
	}
	closeFn := func() {}

	if rp.store != nil {
		j, err := rp.store.Journal(id, journal.WithSkipCorrupted(rp.app.cfg.Journal.SkipCorrupted))
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, session.WithJournal(j))
		closeFn = func() { _ = j.Close() }
	}

	s := session.New(opts...)
	if rp.store != nil {
		n, err := s.Restore(ctx)
		if err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("resume session %s: %w", id, err)
		}
		if n > 0 {
			slog.Info("session resumed from journal",
				slog.String("session_id", id),
				slog.Int("record_count", n))
		}
	}
	rp.live.add(s)
	return s, closeFn, nil
}

func (rp *replayer) replaySequential(ctx context.Context, id string, files []string) (rendered, error) {
	s, closeFn, err := rp.openSession(ctx, id)
	if err != nil {
		return rendered{}, err
	}
	defer closeFn()

	for i, path := range files {
		if _, err := s.BeginRun(); err != nil {
			return rendered{}, err
		}
		follow := rp.opts.follow && i == len(files)-1
		if err := rp.applyFile(ctx, s, path, follow); err != nil {
			return rendered{}, err
		}
	}
	return rendered{source: strings.Join(files, ", "), sess: s}, nil
}

func (rp *replayer) replayConcurrent(ctx context.Context, files []string) ([]rendered, error) {
	ids := sessionIDs(files)
	items := make([]rendered, len(files))

	g, gctx := errgroup.WithContext(ctx)
	if rp.opts.concurrency > 0 {
		g.SetLimit(rp.opts.concurrency)
	}
	for i, path := range files {
		g.Go(func() error {
			s, closeFn, err := rp.openSession(gctx, ids[i])
			if err != nil {
				return err
			}
			defer closeFn()

			if _, err := s.BeginRun(); err != nil {
				return err
			}
			if err := rp.applyFile(gctx, s, path, rp.opts.follow); err != nil {
				return err
			}
			items[i] = rendered{source: path, sess: s}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return items, nil
}

// applyFile applies every message in path to s. With follow it keeps
// applying appended lines until the context ends, the file goes away, or
// the idle timeout passes.
func (rp *replayer) applyFile(ctx context.Context, s *session.Session, path string, follow bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	start := time.Now()
	dec := wire.NewDecoder(f)
	applied, rejected := 0, 0

	apply := func(msg reconcile.Message) error {
		if _, err := s.Apply(ctx, msg); err != nil {
			err = fmt.Errorf("%s:%d: %w", path, dec.Line(), err)
			if !rp.opts.keepGoing {
				return err
			}
			rejected++
			slog.Warn("delta rejected", slog.String("session_id", s.ID()), slog.String("error", err.Error()))
			return nil
		}
		applied++
		return nil
	}

	drain := func() error {
		for {
			msg, err := dec.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			if err := apply(msg); err != nil {
				return err
			}
		}
	}

	if follow {
		err = tail(ctx, path, drain, rp.opts.idleTimeout)
	} else {
		err = drain()
	}
	if err != nil {
		return err
	}

	msg, ok, err := dec.Flush()
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if ok {
		if err := apply(msg); err != nil {
			return err
		}
	}

	slog.Info("file replayed",
		slog.String("session_id", s.ID()),
		slog.String("path", path),
		slog.Int("applied", applied),
		slog.Int("rejected", rejected),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// sessionIDs names one session per file after its base name. Repeated
// names get the first free "-N" suffix. Journal keys use ':' as a
// separator, so it is replaced.
func sessionIDs(files []string) []string {
	ids := make([]string, len(files))
	used := make(map[string]bool, len(files))
	for i, path := range files {
		base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		base = strings.ReplaceAll(base, ":", "_")
		if base == "" {
			base = "session"
		}
		id := base
		for n := 2; used[id]; n++ {
			id = fmt.Sprintf("%s-%d", base, n)
		}
		used[id] = true
		ids[i] = id
	}
	return ids
}
