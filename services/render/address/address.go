// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package address converts delta address metadata into tree locations.
//
// A delta names its target with a root container (main or sidebar), the
// path of the parent block inside that root, and the slot of the target in
// the parent's children. Resolve flattens the three into a Location that
// the tree store can walk directly:
//
//	container=main, blockPath=[2 0], slot=3  ->  main.(2,0).3  ->  Path [2 0 3]
//
// The package has no dependencies on the tree itself so that both the
// producer side (cursor) and the consumer side (reconcile, tree) can share
// the same address vocabulary.
package address

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrMissingAddress is returned when a delta arrives without address
	// metadata, or with metadata that has no parent block.
	ErrMissingAddress = errors.New("address metadata missing")

	// ErrInvalidAddress is returned for negative indices or unknown containers.
	ErrInvalidAddress = errors.New("invalid address")
)

// -----------------------------------------------------------------------------
// Container
// -----------------------------------------------------------------------------

// Container selects one of the two root trees.
type Container int

const (
	// ContainerUnset is the zero value and never a valid root.
	ContainerUnset Container = iota

	// ContainerMain is the main body of the page.
	ContainerMain

	// ContainerSidebar is the sidebar.
	ContainerSidebar
)

// String returns "main", "sidebar" or "unset".
func (c Container) String() string {
	switch c {
	case ContainerMain:
		return "main"
	case ContainerSidebar:
		return "sidebar"
	default:
		return "unset"
	}
}

// IsValid reports whether c selects a real root.
func (c Container) IsValid() bool {
	return c == ContainerMain || c == ContainerSidebar
}

// short is the single letter used in coordinate strings.
func (c Container) short() string {
	switch c {
	case ContainerMain:
		return "M"
	case ContainerSidebar:
		return "S"
	default:
		return "?"
	}
}

// ParseContainer accepts "main"/"sidebar" in any case, and the short
// coordinate forms "M"/"S".
func ParseContainer(s string) (Container, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "main", "m":
		return ContainerMain, nil
	case "sidebar", "s":
		return ContainerSidebar, nil
	default:
		return ContainerUnset, fmt.Errorf("%w: unknown container %q", ErrInvalidAddress, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c Container) MarshalText() ([]byte, error) {
	if !c.IsValid() {
		return nil, fmt.Errorf("%w: container %d", ErrInvalidAddress, int(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Container) UnmarshalText(text []byte) error {
	parsed, err := ParseContainer(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// -----------------------------------------------------------------------------
// Metadata
// -----------------------------------------------------------------------------

// BlockPath locates the parent block of a delta target.
type BlockPath struct {
	Container Container `json:"container"`
	Path      []int     `json:"path"`
}

// DimensionSpec carries optional width/height hints for an element.
type DimensionSpec struct {
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`
}

// Metadata is the server-supplied context that travels with every delta.
//
// The reconciler stores it on the node it touches without interpreting
// anything but the address fields. Attributes holds correlation ids and
// other opaque context.
type Metadata struct {
	ParentBlock *BlockPath        `json:"parent_block,omitempty"`
	DeltaID     int               `json:"delta_id"`
	Dimensions  *DimensionSpec    `json:"element_dimension_spec,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Location returns the resolved location of the delta target.
func (m *Metadata) Location() (Location, error) {
	return FromMetadata(m)
}

// -----------------------------------------------------------------------------
// Location
// -----------------------------------------------------------------------------

// Location is a fully resolved position in one of the root trees.
//
// Path is the sequence of child indices to follow from the root block; the
// last element is the target's slot in its parent. A valid Location always
// has at least one element in Path.
type Location struct {
	Container Container
	Path      []int
}

// Slot returns the target's index within its parent.
func (l Location) Slot() int {
	if len(l.Path) == 0 {
		return -1
	}
	return l.Path[len(l.Path)-1]
}

// Parent returns the block path of the target's parent.
func (l Location) Parent() []int {
	if len(l.Path) == 0 {
		return nil
	}
	return l.Path[:len(l.Path)-1]
}

// Depth is the number of blocks between the root and the target.
func (l Location) Depth() int {
	return len(l.Path)
}

// Child returns the location of slot inside the block at l.
func (l Location) Child(slot int) Location {
	path := make([]int, len(l.Path)+1)
	copy(path, l.Path)
	path[len(l.Path)] = slot
	return Location{Container: l.Container, Path: path}
}

// Equal compares container and path.
func (l Location) Equal(other Location) bool {
	if l.Container != other.Container || len(l.Path) != len(other.Path) {
		return false
	}
	for i := range l.Path {
		if l.Path[i] != other.Path[i] {
			return false
		}
	}
	return true
}

// String renders coordinates as "M.(2,0).3".
func (l Location) String() string {
	return Coordinates(l.Container, l.Parent(), l.Slot())
}

// Coordinates renders a container, parent block path and slot the way the
// producer identifies an element on the page: "<container>.(<path>).<slot>".
func Coordinates(c Container, blockPath []int, slot int) string {
	parts := make([]string, len(blockPath))
	for i, idx := range blockPath {
		parts[i] = strconv.Itoa(idx)
	}
	return fmt.Sprintf("%s.(%s).%d", c.short(), strings.Join(parts, ","), slot)
}

// -----------------------------------------------------------------------------
// Resolution
// -----------------------------------------------------------------------------

// Resolve builds the Location of slotIndex inside the block at blockPath.
//
// Inputs:
//   - container: Root selector. Must be main or sidebar.
//   - blockPath: Indices from the root to the parent block. May be empty,
//     in which case the target is a direct child of the root.
//   - slotIndex: Position of the target in the parent's children.
//
// Outputs:
//   - Location: Path is a fresh copy; callers may keep blockPath.
//   - error: ErrInvalidAddress for negative indices or an unset container.
func Resolve(container Container, blockPath []int, slotIndex int) (Location, error) {
	if !container.IsValid() {
		return Location{}, fmt.Errorf("%w: container %s", ErrInvalidAddress, container)
	}
	if slotIndex < 0 {
		return Location{}, fmt.Errorf("%w: negative slot %d", ErrInvalidAddress, slotIndex)
	}

	path := make([]int, len(blockPath)+1)
	for i, idx := range blockPath {
		if idx < 0 {
			return Location{}, fmt.Errorf("%w: negative index %d at depth %d", ErrInvalidAddress, idx, i)
		}
		path[i] = idx
	}
	path[len(blockPath)] = slotIndex

	return Location{Container: container, Path: path}, nil
}

// FromMetadata resolves the delta target described by meta.
//
// A nil meta or a nil ParentBlock is a contract violation by the sender and
// fails with ErrMissingAddress.
func FromMetadata(meta *Metadata) (Location, error) {
	if meta == nil {
		return Location{}, fmt.Errorf("%w: nil metadata", ErrMissingAddress)
	}
	if meta.ParentBlock == nil {
		return Location{}, fmt.Errorf("%w: delta %d has no parent block", ErrMissingAddress, meta.DeltaID)
	}
	return Resolve(meta.ParentBlock.Container, meta.ParentBlock.Path, meta.DeltaID)
}
