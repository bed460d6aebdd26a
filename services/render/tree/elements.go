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
	"fmt"

	"github.com/AleutianAI/deltatree/services/render/address"
)

// Elements is the render state of one session: the main and sidebar roots.
//
// Elements is a value. Updates return a new value and leave the receiver
// untouched, so a reader may keep rendering an old value while the next
// delta is applied.
type Elements struct {
	Main    *Block
	Sidebar *Block
}

// NewElements returns two empty vertical roots.
func NewElements() Elements {
	return Elements{
		Main:    NewBlock(LayoutVertical, "", nil),
		Sidebar: NewBlock(LayoutVertical, "", nil),
	}
}

// Root returns the root block for c. A nil root reads as an empty block.
func (e Elements) Root(c address.Container) (*Block, error) {
	var root *Block
	switch c {
	case address.ContainerMain:
		root = e.Main
	case address.ContainerSidebar:
		root = e.Sidebar
	default:
		return nil, fmt.Errorf("%w: container %s", address.ErrInvalidAddress, c)
	}
	if root == nil {
		root = NewBlock(LayoutVertical, "", nil)
	}
	return root, nil
}

// WithRoot returns a copy of e with the root for c replaced.
func (e Elements) WithRoot(c address.Container, root *Block) (Elements, error) {
	switch c {
	case address.ContainerMain:
		e.Main = root
	case address.ContainerSidebar:
		e.Sidebar = root
	default:
		return e, fmt.Errorf("%w: container %s", address.ErrInvalidAddress, c)
	}
	return e, nil
}

// GetAt returns the node at loc.
func (e Elements) GetAt(loc address.Location) (Node, bool) {
	root, err := e.Root(loc.Container)
	if err != nil || len(loc.Path) == 0 {
		return nil, false
	}
	return GetAt(root, loc.Path)
}

// SetAt stores n at loc.
func (e Elements) SetAt(loc address.Location, n Node) (Elements, error) {
	return e.UpdateAt(loc, func(Node, bool) (Node, error) { return n, nil })
}

// UpdateAt runs fn on the node at loc and stores its result. On error the
// receiver is returned unchanged.
func (e Elements) UpdateAt(loc address.Location, fn UpdateFunc) (Elements, error) {
	root, err := e.Root(loc.Container)
	if err != nil {
		return e, err
	}
	updated, err := UpdateAt(root, loc.Path, fn)
	if err != nil {
		return e, err
	}
	return e.WithRoot(loc.Container, updated)
}

// Walk visits every node below both roots, main first, in depth-first
// pre-order. Returning false from fn skips the node's children.
func (e Elements) Walk(fn func(loc address.Location, n Node) bool) {
	for _, c := range []address.Container{address.ContainerMain, address.ContainerSidebar} {
		root, _ := e.Root(c)
		walk(root, address.Location{Container: c}, fn)
	}
}

func walk(block *Block, at address.Location, fn func(loc address.Location, n Node) bool) {
	for i, child := range block.children {
		loc := at.Child(i)
		if !fn(loc, child) {
			continue
		}
		if b, ok := child.(*Block); ok {
			walk(b, loc, fn)
		}
	}
}

// Count returns the number of leaves and blocks below both roots.
func (e Elements) Count() (leaves, blocks int) {
	e.Walk(func(_ address.Location, n Node) bool {
		switch n.(type) {
		case *Leaf:
			leaves++
		case *Block:
			blocks++
		}
		return true
	})
	return leaves, blocks
}

// Stale lists the locations of nodes last touched by a run other than
// reportID. Roots are never reported.
//
// Stale only reports; removing the nodes is up to the caller.
func Stale(e Elements, reportID string) []address.Location {
	var out []address.Location
	e.Walk(func(loc address.Location, n Node) bool {
		if n.ReportID() != reportID {
			out = append(out, loc)
		}
		return true
	})
	return out
}
