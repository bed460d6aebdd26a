// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package table implements row appends for tabular element content.
//
// Tabular elements (data frames, tables and charts) keep their rows in the
// payload as a frame:
//
//	{"columns": ["a", "b"], "rows": [[1, 2], [3, 4]]}
//
// Unnamed data lives under the "data" field; named datasets (as used by
// vega-lite specs) live under "datasets.<name>". Merger appends the rows of
// a NamedDataset to the matching frame and returns new content; the input
// content is never modified.
package table

import (
	"errors"
	"fmt"
	"slices"

	"github.com/AleutianAI/deltatree/services/render/content"
	"github.com/AleutianAI/deltatree/services/render/tree"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	// ErrSchemaMismatch is returned when the appended rows do not have the
	// same column set as the existing frame.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrNotTabular is returned when rows are appended to content that has
	// no frame.
	ErrNotTabular = errors.New("content is not tabular")

	// ErrMalformedFrame is returned when a payload frame cannot be decoded.
	ErrMalformedFrame = errors.New("malformed frame")
)

const (
	fieldColumns = "columns"
	fieldRows    = "rows"
)

// Frame is a column-named block of rows.
type Frame struct {
	Columns []string `json:"columns" yaml:"columns"`
	Rows    [][]any  `json:"rows" yaml:"rows"`
}

// NewFrame builds a frame and checks that every row has one cell per column.
func NewFrame(columns []string, rows ...[]any) (Frame, error) {
	f := Frame{Columns: columns, Rows: rows}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Validate checks column uniqueness and row widths.
func (f Frame) Validate() error {
	seen := make(map[string]bool, len(f.Columns))
	for _, c := range f.Columns {
		if seen[c] {
			return fmt.Errorf("%w: duplicate column %q", ErrSchemaMismatch, c)
		}
		seen[c] = true
	}
	for i, row := range f.Rows {
		if len(row) != len(f.Columns) {
			return fmt.Errorf("%w: row %d has %d cells, want %d", ErrSchemaMismatch, i, len(row), len(f.Columns))
		}
	}
	return nil
}

// Len returns the number of rows.
func (f Frame) Len() int { return len(f.Rows) }

// NamedDataset is the payload of an append-rows delta. When HasName is
// false the rows go to the element's unnamed data.
type NamedDataset struct {
	Name    string `json:"name,omitempty"`
	HasName bool   `json:"has_name,omitempty"`
	Data    Frame  `json:"data"`
}

// Merger is the default tabular merge collaborator.
type Merger struct{}

// Merge appends ds to the matching frame in existing.
//
// Description:
//
//	The incoming column set must equal the existing one; order may differ
//	and incoming rows are reordered to the existing column order. When the
//	element has no frame yet, the incoming frame becomes its data.
//
// Outputs:
//   - tree.Content: New content; existing is untouched.
//   - error: ErrNotTabular, ErrSchemaMismatch or ErrMalformedFrame.
func (Merger) Merge(existing tree.Content, ds NamedDataset) (tree.Content, error) {
	el, ok := existing.(*content.Element)
	if !ok || el == nil {
		return nil, fmt.Errorf("%w: %T", ErrNotTabular, existing)
	}
	if !content.IsTabular(el.Kind()) {
		return nil, fmt.Errorf("%w: kind %s", ErrNotTabular, el.Kind())
	}
	if err := ds.Data.Validate(); err != nil {
		return nil, err
	}

	current, found, err := frameOf(el, ds)
	if err != nil {
		return nil, err
	}

	merged := ds.Data
	if found {
		merged, err = Append(current, ds.Data)
		if err != nil {
			return nil, err
		}
	}

	return withFrame(el, ds, merged)
}

// Append returns base followed by the rows of extra, in order.
func Append(base, extra Frame) (Frame, error) {
	if len(base.Columns) != len(extra.Columns) {
		return Frame{}, fmt.Errorf("%w: columns %v vs %v", ErrSchemaMismatch, base.Columns, extra.Columns)
	}

	// order[i] is the index in extra of base column i.
	order := make([]int, len(base.Columns))
	for i, col := range base.Columns {
		j := slices.Index(extra.Columns, col)
		if j < 0 {
			return Frame{}, fmt.Errorf("%w: columns %v vs %v", ErrSchemaMismatch, base.Columns, extra.Columns)
		}
		order[i] = j
	}

	rows := make([][]any, 0, len(base.Rows)+len(extra.Rows))
	rows = append(rows, base.Rows...)
	for _, row := range extra.Rows {
		out := make([]any, len(order))
		for i, j := range order {
			out[i] = row[j]
		}
		rows = append(rows, out)
	}

	return Frame{Columns: slices.Clone(base.Columns), Rows: rows}, nil
}

// FrameOf extracts the unnamed frame of el, if any. A null frame counts as
// absent.
func FrameOf(el *content.Element) (Frame, bool, error) {
	return frameOf(el, NamedDataset{})
}

func frameOf(el *content.Element, ds NamedDataset) (Frame, bool, error) {
	var v *structpb.Value
	if ds.HasName {
		datasets, ok := el.Field(content.FieldDatasets)
		if !ok {
			return Frame{}, false, nil
		}
		v, ok = datasets.GetStructValue().GetFields()[ds.Name]
		if !ok {
			return Frame{}, false, nil
		}
	} else {
		var ok bool
		v, ok = el.Field(content.FieldData)
		if !ok {
			return Frame{}, false, nil
		}
	}
	if isNull(v) {
		return Frame{}, false, nil
	}

	f, err := DecodeFrame(v)
	if err != nil {
		return Frame{}, false, err
	}
	return f, true, nil
}

// isNull reports a frame slot that holds no data yet.
func isNull(v *structpb.Value) bool {
	if v.GetKind() == nil {
		return true
	}
	_, null := v.GetKind().(*structpb.Value_NullValue)
	return null
}

func withFrame(el *content.Element, ds NamedDataset, f Frame) (*content.Element, error) {
	v, err := EncodeFrame(f)
	if err != nil {
		return nil, err
	}
	if !ds.HasName {
		return el.WithField(content.FieldData, v), nil
	}

	datasets := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	if existing, ok := el.Field(content.FieldDatasets); ok {
		for name, value := range existing.GetStructValue().GetFields() {
			datasets.Fields[name] = value
		}
	}
	datasets.Fields[ds.Name] = v
	return el.WithField(content.FieldDatasets, structpb.NewStructValue(datasets)), nil
}

// EncodeFrame converts f to a payload value.
func EncodeFrame(f Frame) (*structpb.Value, error) {
	columns := make([]any, len(f.Columns))
	for i, c := range f.Columns {
		columns[i] = c
	}
	rows := make([]any, len(f.Rows))
	for i, row := range f.Rows {
		rows[i] = row
	}

	v, err := structpb.NewValue(map[string]any{
		fieldColumns: columns,
		fieldRows:    rows,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	return v, nil
}

// DecodeFrame converts a payload value back to a frame.
func DecodeFrame(v *structpb.Value) (Frame, error) {
	s := v.GetStructValue()
	if s == nil {
		return Frame{}, fmt.Errorf("%w: frame is not an object", ErrMalformedFrame)
	}

	var f Frame
	for _, c := range s.GetFields()[fieldColumns].GetListValue().GetValues() {
		name, ok := c.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return Frame{}, fmt.Errorf("%w: column name is not a string", ErrMalformedFrame)
		}
		f.Columns = append(f.Columns, name.StringValue)
	}
	for _, r := range s.GetFields()[fieldRows].GetListValue().GetValues() {
		cells := r.GetListValue()
		if cells == nil {
			return Frame{}, fmt.Errorf("%w: row is not a list", ErrMalformedFrame)
		}
		f.Rows = append(f.Rows, cells.AsSlice())
	}

	if err := f.Validate(); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	return f, nil
}

// WithData returns el holding f as its unnamed data. It is the usual way to
// build a tabular element.
func WithData(el *content.Element, f Frame) (*content.Element, error) {
	return withFrame(el, NamedDataset{}, f)
}
