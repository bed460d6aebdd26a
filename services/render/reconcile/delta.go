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
	"errors"
	"fmt"

	"github.com/AleutianAI/deltatree/services/render/address"
	"github.com/AleutianAI/deltatree/services/render/table"
	"github.com/AleutianAI/deltatree/services/render/tree"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNilDelta is returned when a message carries no delta.
	ErrNilDelta = errors.New("delta must not be nil")

	// ErrUnknownDelta is returned for a Delta implementation the reconciler
	// does not handle.
	ErrUnknownDelta = errors.New("unknown delta type")

	// ErrNilContent is returned for a NewElement without content.
	ErrNilContent = errors.New("element content must not be nil")
)

// -----------------------------------------------------------------------------
// Delta Types
// -----------------------------------------------------------------------------

// DeltaType identifies the operation a delta performs.
type DeltaType int

const (
	// DeltaTypeUnknown is an unknown delta type.
	DeltaTypeUnknown DeltaType = iota

	// DeltaTypeNewElement puts a leaf at the slot.
	DeltaTypeNewElement

	// DeltaTypeAddBlock puts a block at the slot.
	DeltaTypeAddBlock

	// DeltaTypeAddRows appends rows to the leaf at the slot.
	DeltaTypeAddRows
)

// String returns the wire name of the delta type.
func (t DeltaType) String() string {
	switch t {
	case DeltaTypeUnknown:
		return "unknown"
	case DeltaTypeNewElement:
		return "new_element"
	case DeltaTypeAddBlock:
		return "new_block"
	case DeltaTypeAddRows:
		return "add_rows"
	default:
		return fmt.Sprintf("DeltaType(%d)", t)
	}
}

// Delta is one of *NewElement, *AddBlock or *AddRows.
type Delta interface {
	// Type returns the delta type.
	Type() DeltaType

	delta()
}

// NewElement puts Content at the addressed slot.
type NewElement struct {
	Content tree.Content
}

// Type implements Delta.
func (*NewElement) Type() DeltaType { return DeltaTypeNewElement }
func (*NewElement) delta()          {}

// AddBlock puts a container with the given layout at the addressed slot.
type AddBlock struct {
	Layout tree.Layout
}

// Type implements Delta.
func (*AddBlock) Type() DeltaType { return DeltaTypeAddBlock }
func (*AddBlock) delta()          {}

// AddRows appends Dataset to the tabular leaf at the addressed slot.
type AddRows struct {
	Dataset table.NamedDataset
}

// Type implements Delta.
func (*AddRows) Type() DeltaType { return DeltaTypeAddRows }
func (*AddRows) delta()          {}

// Message is a delta with its metadata, as received from the producer.
type Message struct {
	Delta    Delta
	Metadata *address.Metadata
}

// TypeOf returns the delta type of d, DeltaTypeUnknown for nil.
func TypeOf(d Delta) DeltaType {
	if d == nil {
		return DeltaTypeUnknown
	}
	return d.Type()
}
