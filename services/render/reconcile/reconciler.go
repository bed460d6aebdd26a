// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/deltatree/services/render/address"
	"github.com/AleutianAI/deltatree/services/render/counters"
	"github.com/AleutianAI/deltatree/services/render/table"
	"github.com/AleutianAI/deltatree/services/render/telemetry"
	"github.com/AleutianAI/deltatree/services/render/tree"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "deltatree.reconcile"

// Merger appends a dataset to existing tabular content.
type Merger interface {
	Merge(existing tree.Content, ds table.NamedDataset) (tree.Content, error)
}

// BlockPolicy decides what happens to the children of a block that is
// declared again at the same slot.
type BlockPolicy int

const (
	// RetainChildren keeps the existing children; the new run overwrites
	// them slot by slot.
	RetainChildren BlockPolicy = iota

	// DiscardChildren starts the re-declared block empty.
	DiscardChildren
)

// String returns "retain" or "discard".
func (p BlockPolicy) String() string {
	switch p {
	case RetainChildren:
		return "retain"
	case DiscardChildren:
		return "discard"
	default:
		return fmt.Sprintf("BlockPolicy(%d)", int(p))
	}
}

// ParseBlockPolicy accepts "retain" and "discard"; empty means retain.
func ParseBlockPolicy(s string) (BlockPolicy, error) {
	switch s {
	case "", "retain":
		return RetainChildren, nil
	case "discard":
		return DiscardChildren, nil
	default:
		return RetainChildren, fmt.Errorf("unknown block policy %q", s)
	}
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithCounters sets the counter sink. Nil means counters.Nop.
func WithCounters(s counters.Sink) Option {
	return func(r *Reconciler) {
		if s == nil {
			s = counters.Nop{}
		}
		r.counters = s
	}
}

// WithMerger replaces the default table.Merger.
func WithMerger(m Merger) Option {
	return func(r *Reconciler) {
		if m != nil {
			r.merger = m
		}
	}
}

// WithBlockPolicy sets the block re-declaration policy.
func WithBlockPolicy(p BlockPolicy) Option {
	return func(r *Reconciler) { r.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// Reconciler applies deltas to tree.Elements values.
//
// Thread Safety: Safe for concurrent use.
type Reconciler struct {
	counters counters.Sink
	merger   Merger
	policy   BlockPolicy
	logger   *slog.Logger
}

// New builds a Reconciler. Without options it counts nothing, merges rows
// with table.Merger and retains children of re-declared blocks.
func New(opts ...Option) *Reconciler {
	r := &Reconciler{
		counters: counters.Nop{},
		merger:   table.Merger{},
		policy:   RetainChildren,
		logger:   slog.Default().With(slog.String("component", "reconcile")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// With returns a copy of r with opts applied on top of its configuration.
func (r *Reconciler) With(opts ...Option) *Reconciler {
	clone := *r
	for _, opt := range opts {
		opt(&clone)
	}
	return &clone
}

// Counters returns the configured counter sink.
func (r *Reconciler) Counters() counters.Sink { return r.counters }

// Policy returns the configured block policy.
func (r *Reconciler) Policy() BlockPolicy { return r.policy }

// ApplyMessage applies msg. See ApplyDelta.
func (r *Reconciler) ApplyMessage(ctx context.Context, elements tree.Elements, reportID string, msg Message) (tree.Elements, error) {
	return r.ApplyDelta(ctx, elements, reportID, msg.Delta, msg.Metadata)
}

// ApplyDelta applies one delta and returns the next tree.
//
// Description:
//
//	Resolves the address from meta, then performs the operation selected
//	by the delta type. Every Block on the path to the slot is copied; all
//	other subtrees are shared with the input.
//
// Inputs:
//   - ctx: Checked for cancellation before any work. Carries the span.
//   - elements: Current tree. Never modified.
//   - reportID: Identifier of the current script run.
//   - delta: *NewElement, *AddBlock or *AddRows.
//   - meta: Delta metadata. Must carry a parent block address.
//
// Outputs:
//   - tree.Elements: The next tree, or elements unchanged on error.
//   - error: ErrNilDelta, ErrUnknownDelta, ErrNilContent,
//     address.ErrMissingAddress, address.ErrInvalidAddress,
//     tree.ErrPathNotFound, tree.ErrTypeMismatch, tree.ErrNotFound,
//     or an error from the Merger such as table.ErrSchemaMismatch.
//
// Thread Safety: Safe for concurrent use.
func (r *Reconciler) ApplyDelta(ctx context.Context, elements tree.Elements, reportID string, delta Delta, meta *address.Metadata) (tree.Elements, error) {
	if delta == nil {
		return elements, ErrNilDelta
	}
	if err := ctx.Err(); err != nil {
		return elements, err
	}

	ctx, span := telemetry.StartSpan(ctx, tracerName, "reconcile.ApplyDelta",
		trace.WithAttributes(
			attribute.String("delta_type", delta.Type().String()),
			attribute.String("report_id", reportID),
		),
	)
	defer span.End()

	loc, err := address.FromMetadata(meta)
	if err != nil {
		telemetry.RecordError(span, err)
		return elements, err
	}
	span.SetAttributes(attribute.String("location", loc.String()))

	var (
		fn   tree.UpdateFunc
		keys []string
	)
	switch d := delta.(type) {
	case *NewElement:
		if d == nil {
			err = ErrNilDelta
			break
		}
		fn, keys, err = r.newLeaf(d, reportID, meta)
	case *AddBlock:
		if d == nil {
			err = ErrNilDelta
			break
		}
		fn, keys = r.newBlock(d, reportID, meta), []string{counters.KeyNewBlock}
	case *AddRows:
		if d == nil {
			err = ErrNilDelta
			break
		}
		fn, keys = r.addRows(d), []string{counters.KeyAddRows}
	default:
		err = fmt.Errorf("%w: %T", ErrUnknownDelta, delta)
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return elements, err
	}

	next, err := elements.UpdateAt(loc, fn)
	if err != nil {
		err = fmt.Errorf("%s at %s: %w", delta.Type(), loc, err)
		telemetry.RecordError(span, err)
		telemetry.LoggerWithTrace(ctx, r.logger).Debug("delta rejected",
			slog.String("delta_type", delta.Type().String()),
			slog.String("location", loc.String()),
			slog.String("error", err.Error()),
		)
		return elements, err
	}

	r.counters.Increment(loc.Container.String())
	for _, k := range keys {
		r.counters.Increment(k)
	}

	telemetry.LoggerWithTrace(ctx, r.logger).Debug("delta applied",
		slog.String("delta_type", delta.Type().String()),
		slog.String("location", loc.String()),
		slog.String("report_id", reportID),
	)
	telemetry.SetSpanOK(span)
	return next, nil
}

// newLeaf reuses the existing content value when it is equal to the new
// one, so identity survives re-runs.
func (r *Reconciler) newLeaf(d *NewElement, reportID string, meta *address.Metadata) (tree.UpdateFunc, []string, error) {
	if d.Content == nil {
		return nil, nil, ErrNilContent
	}

	keys := []string{d.Content.Kind()}
	if namer, ok := d.Content.(tree.ComponentNamer); ok {
		if name, ok := namer.ComponentName(); ok {
			keys = append(keys, counters.CustomComponentKey(name))
		}
	}

	fn := func(existing tree.Node, exists bool) (tree.Node, error) {
		if leaf, ok := existing.(*tree.Leaf); exists && ok && leaf.Content() != nil && leaf.Content().Equal(d.Content) {
			return leaf.WithReport(reportID, meta), nil
		}
		return tree.NewLeaf(d.Content, reportID, meta), nil
	}
	return fn, keys, nil
}

func (r *Reconciler) newBlock(d *AddBlock, reportID string, meta *address.Metadata) tree.UpdateFunc {
	return func(existing tree.Node, exists bool) (tree.Node, error) {
		if block, ok := existing.(*tree.Block); exists && ok {
			return block.Redeclare(d.Layout, reportID, meta, r.policy == RetainChildren), nil
		}
		return tree.NewBlock(d.Layout, reportID, meta), nil
	}
}

// addRows leaves report id and metadata as they were.
func (r *Reconciler) addRows(d *AddRows) tree.UpdateFunc {
	return func(existing tree.Node, exists bool) (tree.Node, error) {
		if !exists {
			return nil, tree.ErrNotFound
		}
		switch n := existing.(type) {
		case *tree.Leaf:
			merged, err := r.merger.Merge(n.Content(), d.Dataset)
			if err != nil {
				return nil, err
			}
			return n.WithContent(merged), nil
		case *tree.Block:
			return nil, fmt.Errorf("%w: add rows needs a leaf, found block", tree.ErrTypeMismatch)
		default:
			return nil, fmt.Errorf("%w: %T", tree.ErrTypeMismatch, existing)
		}
	}
}
