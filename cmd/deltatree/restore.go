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
	"io"
	"log/slog"

	"github.com/AleutianAI/deltatree/services/render/counters"
	"github.com/AleutianAI/deltatree/services/render/journal"
	"github.com/AleutianAI/deltatree/services/render/session"
	"github.com/spf13/cobra"
)

type restoreOptions struct {
	journalDir    string
	sessions      []string
	format        string
	blockPolicy   string
	showReportIDs bool
}

func newRestoreCmd(a *app) *cobra.Command {
	var opts restoreOptions
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Rebuild session trees from a journal",
		Long: `Rebuilds each --session from the journal and prints its tree.
Without --session the journaled session ids are listed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.restore(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.journalDir, "journal-dir", "", "badger journal directory")
	f.StringSliceVar(&opts.sessions, "session", nil, "session id to restore (repeatable)")
	f.StringVar(&opts.format, "format", "", "output format: text or yaml")
	f.StringVar(&opts.blockPolicy, "block-policy", "", "must match the policy the journal was written with")
	f.BoolVar(&opts.showReportIDs, "show-report-ids", false, "print the run id of every node")
	return cmd
}

func (a *app) openStore(flag string) (*journal.Store, error) {
	dir, err := a.journalDir(flag)
	if err != nil {
		return nil, err
	}
	return journal.OpenStore(a.cfg.Journal.storeConfig(dir))
}

func (a *app) restore(ctx context.Context, out io.Writer, opts restoreOptions) error {
	store, err := a.openStore(opts.journalDir)
	if err != nil {
		return err
	}
	defer store.Close()

	if len(opts.sessions) == 0 {
		ids, err := store.Sessions(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Fprintln(out, id)
		}
		return nil
	}

	if opts.format == "" {
		opts.format = a.cfg.Output.Format
	}
	p, err := newPrinter(out, opts.format, opts.showReportIDs || a.cfg.Output.ShowReportIDs)
	if err != nil {
		return err
	}
	r, err := a.reconciler(opts.blockPolicy, counters.Nop{})
	if err != nil {
		return err
	}

	items := make([]rendered, 0, len(opts.sessions))
	for _, id := range opts.sessions {
		j, err := store.Journal(id, journal.WithSkipCorrupted(a.cfg.Journal.SkipCorrupted))
		if err != nil {
			return err
		}
		s := session.New(session.WithID(id), session.WithJournal(j), session.WithReconciler(r))
		n, err := s.Restore(ctx)
		_ = j.Close()
		if err != nil {
			return fmt.Errorf("restore %s: %w", id, err)
		}

		stats := j.Stats()
		slog.Info("session restored",
			slog.String("session_id", id),
			slog.Int("record_count", n),
			slog.Uint64("last_seq", stats.LastSeqNum),
			slog.Int64("corrupted", stats.CorruptedCount))
		items = append(items, rendered{sess: s})
	}
	return p.print(items)
}

func newResetCmd(a *app) *cobra.Command {
	var journalDir string
	var sessions []string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Checkpoint session journals so they restore to an empty tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(sessions) == 0 {
				return fmt.Errorf("at least one --session is required")
			}
			store, err := a.openStore(journalDir)
			if err != nil {
				return err
			}
			defer store.Close()

			for _, id := range sessions {
				j, err := store.Journal(id)
				if err != nil {
					return err
				}
				err = session.New(session.WithID(id), session.WithJournal(j)).Reset(cmd.Context())
				_ = j.Close()
				if err != nil {
					return fmt.Errorf("reset %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reset %s at seq %d\n", id, j.Stats().LastSeqNum)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&journalDir, "journal-dir", "", "badger journal directory")
	cmd.Flags().StringSliceVar(&sessions, "session", nil, "session id to reset (repeatable)")
	return cmd
}
