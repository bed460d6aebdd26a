// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tree

import (
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/deltatree/services/render/address"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrTypeMismatch is returned when an operation expects a Block and finds
	// a Leaf (or the reverse).
	ErrTypeMismatch = errors.New("node type mismatch")

	// ErrPathNotFound is returned when an ancestor on the path does not exist
	// or the target slot is past the end of its parent.
	ErrPathNotFound = errors.New("path not found")

	// ErrNotFound is returned when an operation requires an existing node.
	ErrNotFound = errors.New("node not found")

	// ErrEmptyPath is returned when a write addresses the root itself.
	ErrEmptyPath = errors.New("path must not be empty")

	// ErrNilNode is returned when a write would store a nil node.
	ErrNilNode = errors.New("node must not be nil")
)

// -----------------------------------------------------------------------------
// Content
// -----------------------------------------------------------------------------

// Content is an immutable, value-comparable renderable unit.
//
// Implementations must never change after construction; Equal compares by
// value, not by pointer.
type Content interface {
	// Kind is the declared element type, e.g. "markdown" or "dataframe".
	Kind() string

	// Equal reports deep value equality with other.
	Equal(other Content) bool
}

// ComponentNamer is implemented by content that embeds a custom component.
type ComponentNamer interface {
	ComponentName() (string, bool)
}

// -----------------------------------------------------------------------------
// Layout
// -----------------------------------------------------------------------------

// Layout is the direction in which a Block arranges its children.
type Layout int

const (
	// LayoutVertical stacks children top to bottom.
	LayoutVertical Layout = iota

	// LayoutHorizontal places children side by side.
	LayoutHorizontal
)

// String returns "vertical" or "horizontal".
func (l Layout) String() string {
	switch l {
	case LayoutVertical:
		return "vertical"
	case LayoutHorizontal:
		return "horizontal"
	default:
		return fmt.Sprintf("layout(%d)", int(l))
	}
}

// ParseLayout accepts "vertical" and "horizontal"; the empty string is
// vertical.
func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "vertical":
		return LayoutVertical, nil
	case "horizontal":
		return LayoutHorizontal, nil
	default:
		return LayoutVertical, fmt.Errorf("unknown layout %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l Layout) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Layout) UnmarshalText(text []byte) error {
	parsed, err := ParseLayout(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// -----------------------------------------------------------------------------
// Node
// -----------------------------------------------------------------------------

// Node is either a *Leaf or a *Block.
type Node interface {
	// ReportID is the report run that last touched the node.
	ReportID() string

	// Metadata is the metadata of the delta that last touched the node.
	Metadata() *address.Metadata

	node()
}

// Leaf holds a single content snapshot.
type Leaf struct {
	content  Content
	reportID string
	metadata *address.Metadata
}

// NewLeaf builds a leaf.
func NewLeaf(content Content, reportID string, metadata *address.Metadata) *Leaf {
	return &Leaf{content: content, reportID: reportID, metadata: metadata}
}

func (*Leaf) node() {}

// Content returns the leaf's content snapshot.
func (l *Leaf) Content() Content { return l.content }

// ReportID implements Node.
func (l *Leaf) ReportID() string { return l.reportID }

// Metadata implements Node.
func (l *Leaf) Metadata() *address.Metadata { return l.metadata }

// WithReport returns a copy of l stamped with a new report id and metadata.
// The content value is shared, not copied.
func (l *Leaf) WithReport(reportID string, metadata *address.Metadata) *Leaf {
	return &Leaf{content: l.content, reportID: reportID, metadata: metadata}
}

// WithContent returns a copy of l holding content, keeping report id and
// metadata.
func (l *Leaf) WithContent(content Content) *Leaf {
	return &Leaf{content: content, reportID: l.reportID, metadata: l.metadata}
}

// Block is a container of ordered children.
type Block struct {
	children []Node
	layout   Layout
	reportID string
	metadata *address.Metadata
}

// NewBlock builds an empty block.
func NewBlock(layout Layout, reportID string, metadata *address.Metadata) *Block {
	return &Block{layout: layout, reportID: reportID, metadata: metadata}
}

// NewBlockWith builds a block holding children. The slice is copied.
func NewBlockWith(layout Layout, reportID string, metadata *address.Metadata, children ...Node) *Block {
	b := NewBlock(layout, reportID, metadata)
	if len(children) > 0 {
		b.children = append(make([]Node, 0, len(children)), children...)
	}
	return b
}

func (*Block) node() {}

// Layout returns the block's layout.
func (b *Block) Layout() Layout { return b.layout }

// ReportID implements Node.
func (b *Block) ReportID() string { return b.reportID }

// Metadata implements Node.
func (b *Block) Metadata() *address.Metadata { return b.metadata }

// Len returns the number of children.
func (b *Block) Len() int { return len(b.children) }

// Child returns the child at i.
func (b *Block) Child(i int) (Node, bool) {
	if i < 0 || i >= len(b.children) {
		return nil, false
	}
	return b.children[i], true
}

// Children returns a copy of the child list.
func (b *Block) Children() []Node {
	out := make([]Node, len(b.children))
	copy(out, b.children)
	return out
}

// Redeclare returns a copy of b with a new layout, report id and metadata.
// When keepChildren is false the copy is empty.
func (b *Block) Redeclare(layout Layout, reportID string, metadata *address.Metadata, keepChildren bool) *Block {
	out := &Block{layout: layout, reportID: reportID, metadata: metadata}
	if keepChildren {
		// Children are immutable, so the slice header can be shared until
		// the next withChild copies it.
		out.children = b.children
	}
	return out
}

// withChild returns a copy of b whose slot i holds n. i == Len() appends.
func (b *Block) withChild(i int, n Node) (*Block, error) {
	if i < 0 || i > len(b.children) {
		return nil, fmt.Errorf("%w: slot %d of block with %d children", ErrPathNotFound, i, len(b.children))
	}

	size := len(b.children)
	if i == size {
		size++
	}
	children := make([]Node, size)
	copy(children, b.children)
	children[i] = n

	return &Block{
		children: children,
		layout:   b.layout,
		reportID: b.reportID,
		metadata: b.metadata,
	}, nil
}

// KindOf names the node variant, for logs and errors.
func KindOf(n Node) string {
	switch n.(type) {
	case *Leaf:
		return "leaf"
	case *Block:
		return "block"
	case nil:
		return "absent"
	default:
		return fmt.Sprintf("%T", n)
	}
}
