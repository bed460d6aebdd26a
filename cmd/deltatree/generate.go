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
	"os"

	"github.com/AleutianAI/deltatree/services/render/address"
	"github.com/AleutianAI/deltatree/services/render/content"
	"github.com/AleutianAI/deltatree/services/render/cursor"
	"github.com/AleutianAI/deltatree/services/render/reconcile"
	"github.com/AleutianAI/deltatree/services/render/table"
	"github.com/AleutianAI/deltatree/services/render/tree"
	"github.com/AleutianAI/deltatree/services/render/wire"
	"github.com/spf13/cobra"
)

func newGenerateCmd(a *app) *cobra.Command {
	var out string
	var batches int
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write an example delta stream",
		Long: `Writes the JSON-lines stream a small script run would produce: a title,
a two-column block holding a note and a line chart that grows by --batches
row appends, a footer, and a sidebar note. Pipe it into replay.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if batches < 0 {
				return fmt.Errorf("--batches must not be negative")
			}
			w := cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			n, err := generateExample(cmd.Context(), w, batches)
			if err != nil {
				return err
			}
			slog.Info("example stream written", slog.String("out", out), slog.Int("message_count", n))
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "write to this file instead of stdout")
	cmd.Flags().IntVar(&batches, "batches", 3, "number of row appends to the chart")
	return cmd
}

// generateExample writes the example stream to w and returns the number of
// messages written.
func generateExample(ctx context.Context, w io.Writer, batches int) (int, error) {
	enc := wire.NewEncoder(w)
	count := 0
	enqueue := func(_ context.Context, msg reconcile.Message) error {
		if err := enc.Write(msg); err != nil {
			return err
		}
		count++
		return nil
	}

	body := cursor.New(address.ContainerMain, enqueue)
	sidebar := cursor.New(address.ContainerSidebar, enqueue)

	if _, err := body.Element(ctx, content.MustFromMap(content.KindMarkdown, map[string]any{"body": "# Example report"})); err != nil {
		return count, err
	}
	cols, err := body.Block(ctx, tree.LayoutHorizontal)
	if err != nil {
		return count, err
	}
	if _, err := cols.Element(ctx, content.MustFromMap(content.KindText, map[string]any{"body": "squares so far"})); err != nil {
		return count, err
	}

	first, err := table.NewFrame([]string{"x", "y"}, []any{0, 0})
	if err != nil {
		return count, err
	}
	chartContent, err := table.WithData(content.MustFromMap(content.KindLineChart, nil), first)
	if err != nil {
		return count, err
	}
	chart, err := cols.Element(ctx, chartContent, cursor.WithDimensions(600, 300))
	if err != nil {
		return count, err
	}
	for i := 1; i <= batches; i++ {
		rows, err := table.NewFrame([]string{"x", "y"}, []any{i, i * i})
		if err != nil {
			return count, err
		}
		if err := chart.AddRows(ctx, table.NamedDataset{Data: rows}); err != nil {
			return count, err
		}
	}

	if _, err := body.Element(ctx, content.MustFromMap(content.KindText, map[string]any{"body": "done"})); err != nil {
		return count, err
	}
	if _, err := sidebar.Element(ctx, content.MustFromMap(content.KindMarkdown, map[string]any{"body": "filters"})); err != nil {
		return count, err
	}
	return count, nil
}
