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
	"testing"

	"github.com/AleutianAI/deltatree/services/render/address"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustResolve(t *testing.T, c address.Container, blockPath []int, slot int) address.Location {
	t.Helper()
	loc, err := address.Resolve(c, blockPath, slot)
	require.NoError(t, err)
	return loc
}

func TestElements_UpdateIsolatesRoots(t *testing.T) {
	e := NewElements()
	sidebar := e.Sidebar

	next, err := e.SetAt(mustResolve(t, address.ContainerMain, nil, 0), leaf("hello"))
	require.NoError(t, err)

	assert.Same(t, sidebar, next.Sidebar, "untouched root is shared")
	assert.Equal(t, 0, e.Main.Len(), "input value is not mutated")
	assert.Equal(t, 1, next.Main.Len())

	n, ok := next.GetAt(mustResolve(t, address.ContainerMain, nil, 0))
	require.True(t, ok)
	assert.Equal(t, "hello", n.(*Leaf).Content().(textContent).body)
}

func TestElements_ZeroValue(t *testing.T) {
	var e Elements

	root, err := e.Root(address.ContainerSidebar)
	require.NoError(t, err)
	assert.Equal(t, 0, root.Len())

	next, err := e.SetAt(mustResolve(t, address.ContainerSidebar, nil, 0), leaf("s"))
	require.NoError(t, err)
	assert.Equal(t, 1, next.Sidebar.Len())
	assert.Nil(t, next.Main)
}

func TestElements_InvalidContainer(t *testing.T) {
	e := NewElements()

	_, err := e.Root(address.ContainerUnset)
	assert.ErrorIs(t, err, address.ErrInvalidAddress)

	out, err := e.UpdateAt(address.Location{Path: []int{0}}, func(Node, bool) (Node, error) {
		t.Fatal("fn must not be called")
		return nil, nil
	})
	assert.ErrorIs(t, err, address.ErrInvalidAddress)
	assert.Same(t, e.Main, out.Main)

	_, ok := e.GetAt(address.Location{Container: address.ContainerMain})
	assert.False(t, ok, "empty path never resolves to a node")
}

func TestElements_WalkAndCount(t *testing.T) {
	e := NewElements()
	e.Main = fixture()
	e.Sidebar = NewBlockWith(LayoutVertical, "", nil, leaf("s0"))

	var visited []string
	e.Walk(func(loc address.Location, n Node) bool {
		visited = append(visited, loc.String())
		return true
	})
	assert.Equal(t, []string{"M.().0", "M.(0).0", "M.(0).1", "M.().1", "S.().0"}, visited)

	leaves, blocks := e.Count()
	assert.Equal(t, 4, leaves)
	assert.Equal(t, 1, blocks)

	t.Run("returning false skips children", func(t *testing.T) {
		var seen int
		e.Walk(func(loc address.Location, n Node) bool {
			seen++
			_, isBlock := n.(*Block)
			return !isBlock
		})
		assert.Equal(t, 3, seen)
	})
}

func TestStale(t *testing.T) {
	e := NewElements()
	e.Main = NewBlockWith(LayoutVertical, "", nil,
		NewLeaf(textContent{body: "fresh"}, "r2", nil),
		NewLeaf(textContent{body: "old"}, "r1", nil),
		NewBlockWith(LayoutVertical, "r2", nil,
			NewLeaf(textContent{body: "old child"}, "r1", nil),
		),
	)

	stale := Stale(e, "r2")
	require.Len(t, stale, 2)
	assert.Equal(t, "M.().1", stale[0].String())
	assert.Equal(t, "M.(2).0", stale[1].String())

	// Reporting never rewrites report ids.
	n, _ := e.GetAt(stale[0])
	assert.Equal(t, "r1", n.ReportID())
}
