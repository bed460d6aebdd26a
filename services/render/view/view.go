// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package view renders a render tree for terminals and files.
package view

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/AleutianAI/deltatree/services/render/address"
	"github.com/AleutianAI/deltatree/services/render/tree"
	"github.com/charmbracelet/lipgloss"
	ltree "github.com/charmbracelet/lipgloss/tree"
	"gopkg.in/yaml.v3"
)

// Format selects the output encoding.
type Format string

const (
	// FormatText is an indented lipgloss tree.
	FormatText Format = "text"

	// FormatYAML is a yaml document of both roots.
	FormatYAML Format = "yaml"
)

// ErrUnknownFormat is returned for a format other than text or yaml.
var ErrUnknownFormat = errors.New("unknown output format")

// ParseFormat accepts "text", "yaml" and "" (text).
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatText:
		return FormatText, nil
	case FormatYAML:
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// Palette
var (
	colorTeal  = lipgloss.Color("#20B9B4")
	colorDeep  = lipgloss.Color("#16858E")
	colorSlate = lipgloss.Color("#2C4A54")
	colorGold  = lipgloss.Color("#F4D03F")
)

// Options tune the text output.
type Options struct {
	// ReportID marks nodes last touched by another run as stale.
	ReportID string

	// ShowReportIDs appends each node's report id.
	ShowReportIDs bool

	// Renderer controls color detection. Defaults to stdout.
	Renderer *lipgloss.Renderer
}

type styles struct {
	root   lipgloss.Style
	block  lipgloss.Style
	leaf   lipgloss.Style
	muted  lipgloss.Style
	stale  lipgloss.Style
	branch lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		root:   r.NewStyle().Bold(true).Foreground(colorTeal),
		block:  r.NewStyle().Foreground(colorDeep),
		leaf:   r.NewStyle(),
		muted:  r.NewStyle().Foreground(colorSlate),
		stale:  r.NewStyle().Foreground(colorGold),
		branch: r.NewStyle().Foreground(colorSlate).PaddingRight(1),
	}
}

// Text renders both roots as trees:
//
//	main
//	├── [0] markdown "# Title"
//	└── [1] block horizontal
//	    └── [0] line_chart
func Text(e tree.Elements, opts Options) string {
	r := opts.Renderer
	if r == nil {
		r = lipgloss.NewRenderer(os.Stdout)
	}
	st := newStyles(r)

	var out string
	for i, c := range []address.Container{address.ContainerMain, address.ContainerSidebar} {
		root, err := e.Root(c)
		if err != nil {
			continue
		}
		t := ltree.Root(st.root.Render(c.String())).
			EnumeratorStyle(st.branch)
		addChildren(t, root, opts, st)
		if i > 0 {
			out += "\n"
		}
		out += t.String() + "\n"
	}
	return out
}

func addChildren(t *ltree.Tree, b *tree.Block, opts Options, st styles) {
	for i, child := range b.Children() {
		label := nodeLabel(i, child, opts, st)
		block, ok := child.(*tree.Block)
		if !ok || block.Len() == 0 {
			t.Child(label)
			continue
		}
		sub := ltree.Root(label).EnumeratorStyle(st.branch)
		addChildren(sub, block, opts, st)
		t.Child(sub)
	}
}

func nodeLabel(slot int, n tree.Node, opts Options, st styles) string {
	var label string
	switch v := n.(type) {
	case *tree.Leaf:
		label = st.leaf.Render(describe(v.Content()))
	case *tree.Block:
		label = st.block.Render("block " + v.Layout().String())
	}
	label = st.muted.Render(fmt.Sprintf("[%d]", slot)) + " " + label

	if opts.ShowReportIDs {
		label += " " + st.muted.Render("@"+n.ReportID())
	}
	if opts.ReportID != "" && n.ReportID() != opts.ReportID {
		label += " " + st.stale.Render("(stale)")
	}
	return label
}

func describe(c tree.Content) string {
	if c == nil {
		return "<nil>"
	}
	if s, ok := c.(fmt.Stringer); ok {
		return s.String()
	}
	return c.Kind()
}

// -----------------------------------------------------------------------------
// YAML
// -----------------------------------------------------------------------------

// Document is the yaml and JSON shape of an Elements value.
type Document struct {
	Main    []NodeDoc `yaml:"main" json:"main"`
	Sidebar []NodeDoc `yaml:"sidebar" json:"sidebar"`
}

// NodeDoc is one node in a Document.
type NodeDoc struct {
	Slot     int            `yaml:"slot" json:"slot"`
	Type     string         `yaml:"type" json:"type"`
	Kind     string         `yaml:"kind,omitempty" json:"kind,omitempty"`
	Layout   string         `yaml:"layout,omitempty" json:"layout,omitempty"`
	ReportID string         `yaml:"report_id,omitempty" json:"report_id,omitempty"`
	Stale    bool           `yaml:"stale,omitempty" json:"stale,omitempty"`
	Payload  map[string]any `yaml:"payload,omitempty" json:"payload,omitempty"`
	Children []NodeDoc      `yaml:"children,omitempty" json:"children,omitempty"`
}

type mapper interface {
	AsMap() map[string]any
}

// Build converts e into a Document. reportID, when set, flags stale nodes.
func Build(e tree.Elements, reportID string) Document {
	var doc Document
	if root, err := e.Root(address.ContainerMain); err == nil {
		doc.Main = buildChildren(root, reportID)
	}
	if root, err := e.Root(address.ContainerSidebar); err == nil {
		doc.Sidebar = buildChildren(root, reportID)
	}
	return doc
}

func buildChildren(b *tree.Block, reportID string) []NodeDoc {
	children := b.Children()
	if len(children) == 0 {
		return nil
	}
	out := make([]NodeDoc, 0, len(children))
	for i, child := range children {
		nd := NodeDoc{
			Slot:     i,
			Type:     tree.KindOf(child),
			ReportID: child.ReportID(),
			Stale:    reportID != "" && child.ReportID() != reportID,
		}
		switch v := child.(type) {
		case *tree.Leaf:
			if c := v.Content(); c != nil {
				nd.Kind = c.Kind()
				if m, ok := c.(mapper); ok {
					nd.Payload = m.AsMap()
				}
			}
		case *tree.Block:
			nd.Layout = v.Layout().String()
			nd.Children = buildChildren(v, reportID)
		}
		out = append(out, nd)
	}
	return out
}

// Write renders e to w in the given format.
func Write(w io.Writer, e tree.Elements, format Format, opts Options) error {
	switch format {
	case FormatText, "":
		_, err := io.WriteString(w, Text(e, opts))
		return err
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(Build(e, opts.ReportID)); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}
