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
	"fmt"
	"io"
	"os"

	"github.com/AleutianAI/deltatree/services/render/session"
	"github.com/AleutianAI/deltatree/services/render/view"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"gopkg.in/yaml.v3"
)

// sessionReport is the yaml document printed per session.
type sessionReport struct {
	Session    string        `yaml:"session"`
	Source     string        `yaml:"source,omitempty"`
	ReportID   string        `yaml:"report_id"`
	Generation uint64        `yaml:"generation"`
	Stale      int           `yaml:"stale"`
	Tree       view.Document `yaml:"tree"`
}

type rendered struct {
	source string
	sess   *session.Session
}

// printer writes session trees in one format.
type printer struct {
	w             io.Writer
	format        view.Format
	showReportIDs bool
	renderer      *lipgloss.Renderer
}

func newPrinter(w io.Writer, format string, showReportIDs bool) (*printer, error) {
	f, err := view.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	return &printer{
		w:             w,
		format:        f,
		showReportIDs: showReportIDs,
		renderer:      rendererFor(w),
	}, nil
}

// rendererFor colors output only when w is a terminal.
func rendererFor(w io.Writer) *lipgloss.Renderer {
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return lipgloss.NewRenderer(f)
	}
	return plainRenderer()
}

func (p *printer) print(items []rendered) error {
	switch p.format {
	case view.FormatYAML:
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		for _, it := range items {
			snap := it.sess.Snapshot()
			if err := enc.Encode(sessionReport{
				Session:    it.sess.ID(),
				Source:     it.source,
				ReportID:   snap.ReportID,
				Generation: snap.Generation,
				Stale:      len(snap.Stale()),
				Tree:       view.Build(snap.Elements, snap.ReportID),
			}); err != nil {
				return fmt.Errorf("encode yaml: %w", err)
			}
		}
		return enc.Close()

	default:
		for i, it := range items {
			snap := it.sess.Snapshot()
			if i > 0 {
				fmt.Fprintln(p.w)
			}
			header := fmt.Sprintf("session %s", it.sess.ID())
			if it.source != "" {
				header += fmt.Sprintf(" (%s)", it.source)
			}
			fmt.Fprintf(p.w, "%s  generation=%d run=%s\n\n", header, snap.Generation, snap.ReportID)
			if err := view.Write(p.w, snap.Elements, view.FormatText, view.Options{
				ReportID:      snap.ReportID,
				ShowReportIDs: p.showReportIDs,
				Renderer:      p.renderer,
			}); err != nil {
				return err
			}
		}
		return nil
	}
}

// plainRenderer renders without color codes.
func plainRenderer() *lipgloss.Renderer {
	return lipgloss.NewRenderer(io.Discard)
}

// dumpMetrics writes every gathered family in the Prometheus text format.
func dumpMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	return nil
}
