// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cursor produces addressed messages the way a script runner does.
//
// A Generator writes into one container at a cursor. A running cursor hands
// out consecutive slots; every element written through it returns a new
// Generator locked to the slot it was written to, so later calls (a second
// element, or appended rows) target that same slot. Writing a block returns
// a Generator with a fresh running cursor inside the block.
//
//	root := cursor.New(address.ContainerMain, enqueue)
//	_, _ = root.Element(ctx, heading)                  // M.().0
//	cols, _ := root.Block(ctx, tree.LayoutHorizontal) // M.().1
//	chart, _ := cols.Element(ctx, lineChart)          // M.(1).0
//	_ = chart.AddRows(ctx, more)                      // M.(1).0
package cursor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/AleutianAI/deltatree/services/render/address"
	"github.com/AleutianAI/deltatree/services/render/reconcile"
	"github.com/AleutianAI/deltatree/services/render/table"
	"github.com/AleutianAI/deltatree/services/render/tree"
)

var (
	// ErrNotLocked is returned by AddRows on a generator that does not
	// point at an existing element.
	ErrNotLocked = errors.New("only existing elements can add rows")

	// ErrNoContainer is returned by a generator without a container.
	ErrNoContainer = errors.New("generator has no container")
)

// Enqueuer delivers a produced message. session.Session.Apply wrapped in a
// closure is the usual implementation.
type Enqueuer func(ctx context.Context, msg reconcile.Message) error

// running hands out slots within one block. It is shared by every
// unlocked Generator for that block.
type running struct {
	mu    sync.Mutex
	index int
}

func (r *running) next() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.index
	r.index++
	return i
}

func (r *running) peek() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index
}

// Generator emits messages at a cursor position.
//
// Thread Safety: Safe for concurrent use; concurrent writes through the
// same running cursor receive distinct slots.
type Generator struct {
	container address.Container
	path      []int
	enqueue   Enqueuer

	// Exactly one of run and locked is meaningful.
	run    *running
	locked bool
	index  int
}

// New returns a generator with a running cursor at the root of container.
// Use one root generator per script run.
func New(container address.Container, enqueue Enqueuer) *Generator {
	return &Generator{container: container, enqueue: enqueue, run: &running{}}
}

// ElementOption adjusts the metadata of an element message.
type ElementOption func(*address.Metadata)

// WithDimensions attaches a width/height hint. Zero values are omitted.
func WithDimensions(width, height int) ElementOption {
	return func(m *address.Metadata) {
		if width == 0 && height == 0 {
			return
		}
		m.Dimensions = &address.DimensionSpec{Width: width, Height: height}
	}
}

// WithAttribute sets an opaque metadata attribute.
func WithAttribute(key, value string) ElementOption {
	return func(m *address.Metadata) {
		if m.Attributes == nil {
			m.Attributes = map[string]string{}
		}
		m.Attributes[key] = value
	}
}

// Locked reports whether g points at a written element.
func (g *Generator) Locked() bool { return g.locked }

// Container returns the root the generator writes into.
func (g *Generator) Container() address.Container { return g.container }

// Coordinates renders the slot the next write targets, as
// "<container>.(<path>).<index>".
func (g *Generator) Coordinates() string {
	return address.Coordinates(g.container, g.path, g.slot())
}

func (g *Generator) slot() int {
	if g.locked {
		return g.index
	}
	return g.run.peek()
}

// claim returns the slot for a write. A running cursor advances.
func (g *Generator) claim() int {
	if g.locked {
		return g.index
	}
	return g.run.next()
}

func (g *Generator) metadata(slot int, opts []ElementOption) *address.Metadata {
	m := &address.Metadata{
		ParentBlock: &address.BlockPath{Container: g.container, Path: slices.Clone(g.path)},
		DeltaID:     slot,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (g *Generator) send(ctx context.Context, msg reconcile.Message) error {
	if !g.container.IsValid() {
		return ErrNoContainer
	}
	if g.enqueue == nil {
		return nil
	}
	if err := g.enqueue(ctx, msg); err != nil {
		return fmt.Errorf("enqueue %s at %s: %w", msg.Delta.Type(), address.Coordinates(g.container, g.path, msg.Metadata.DeltaID), err)
	}
	return nil
}

// Element writes c at the cursor and returns a generator locked to that slot.
//
// On a locked generator the element replaces the one at the locked slot and
// the same generator is returned.
func (g *Generator) Element(ctx context.Context, c tree.Content, opts ...ElementOption) (*Generator, error) {
	if !g.container.IsValid() {
		return nil, ErrNoContainer
	}
	slot := g.claim()
	msg := reconcile.Message{
		Delta:    &reconcile.NewElement{Content: c},
		Metadata: g.metadata(slot, opts),
	}
	if err := g.send(ctx, msg); err != nil {
		return nil, err
	}
	if g.locked {
		return g, nil
	}
	return &Generator{
		container: g.container,
		path:      slices.Clone(g.path),
		enqueue:   g.enqueue,
		locked:    true,
		index:     slot,
	}, nil
}

// Block writes a new block at the cursor and returns a generator with a
// running cursor inside it.
func (g *Generator) Block(ctx context.Context, layout tree.Layout) (*Generator, error) {
	if !g.container.IsValid() {
		return nil, ErrNoContainer
	}
	slot := g.claim()
	msg := reconcile.Message{
		Delta:    &reconcile.AddBlock{Layout: layout},
		Metadata: g.metadata(slot, nil),
	}
	if err := g.send(ctx, msg); err != nil {
		return nil, err
	}

	path := make([]int, len(g.path)+1)
	copy(path, g.path)
	path[len(g.path)] = slot
	return &Generator{container: g.container, path: path, enqueue: g.enqueue, run: &running{}}, nil
}

// AddRows appends ds to the element g is locked to.
func (g *Generator) AddRows(ctx context.Context, ds table.NamedDataset) error {
	if !g.container.IsValid() {
		return ErrNoContainer
	}
	if !g.locked {
		return ErrNotLocked
	}
	return g.send(ctx, reconcile.Message{
		Delta:    &reconcile.AddRows{Dataset: ds},
		Metadata: g.metadata(g.index, nil),
	})
}
