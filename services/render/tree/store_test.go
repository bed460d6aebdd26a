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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type textContent struct {
	body string
}

func (c textContent) Kind() string { return "text" }

func (c textContent) Equal(other Content) bool {
	o, ok := other.(textContent)
	return ok && o.body == c.body
}

func leaf(body string) *Leaf {
	return NewLeaf(textContent{body: body}, "r1", nil)
}

// fixture builds:
//
//	root
//	├── b0 (block)
//	│   ├── l00
//	│   └── l01
//	└── l1
func fixture() *Block {
	b0 := NewBlockWith(LayoutVertical, "r1", nil, leaf("l00"), leaf("l01"))
	return NewBlockWith(LayoutVertical, "", nil, b0, leaf("l1"))
}

func TestGetAt(t *testing.T) {
	root := fixture()

	tests := []struct {
		name   string
		path   []int
		want   string
		wantOK bool
	}{
		{name: "root child leaf", path: []int{1}, want: "l1", wantOK: true},
		{name: "nested leaf", path: []int{0, 1}, want: "l01", wantOK: true},
		{name: "past end", path: []int{2}, wantOK: false},
		{name: "through leaf", path: []int{1, 0}, wantOK: false},
		{name: "negative", path: []int{-1}, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok := GetAt(root, tt.path)
			assert.Equal(t, tt.wantOK, ok)
			if !tt.wantOK {
				return
			}
			l, isLeaf := n.(*Leaf)
			require.True(t, isLeaf)
			assert.Equal(t, tt.want, l.Content().(textContent).body)
		})
	}

	t.Run("empty path returns root", func(t *testing.T) {
		n, ok := GetAt(root, nil)
		require.True(t, ok)
		assert.Same(t, root, n)
	})

	t.Run("nil root", func(t *testing.T) {
		_, ok := GetAt(nil, []int{0})
		assert.False(t, ok)
	})
}

func TestSetAt_StructuralSharing(t *testing.T) {
	root := fixture()
	b0, _ := root.Child(0)
	l00, _ := b0.(*Block).Child(0)
	l1, _ := root.Child(1)

	replacement := leaf("new")
	updated, err := SetAt(root, []int{0, 1}, replacement)
	require.NoError(t, err)

	t.Run("input is untouched", func(t *testing.T) {
		old, ok := GetAt(root, []int{0, 1})
		require.True(t, ok)
		assert.Equal(t, "l01", old.(*Leaf).Content().(textContent).body)
	})

	t.Run("written node is stored", func(t *testing.T) {
		got, ok := GetAt(updated, []int{0, 1})
		require.True(t, ok)
		assert.Same(t, replacement, got)
	})

	t.Run("siblings are shared by reference", func(t *testing.T) {
		newL1, _ := updated.Child(1)
		assert.Same(t, l1, newL1)

		newL00, _ := GetAt(updated, []int{0, 0})
		assert.Same(t, l00, newL00)
	})

	t.Run("blocks on the path are copied", func(t *testing.T) {
		assert.NotSame(t, root, updated)
		newB0, _ := updated.Child(0)
		assert.NotSame(t, b0, newB0)
		assert.Equal(t, b0.ReportID(), newB0.ReportID())
	})
}

func TestSetAt_Append(t *testing.T) {
	root := fixture()
	b0, _ := root.Child(0)
	first, _ := b0.(*Block).Child(0)
	second, _ := b0.(*Block).Child(1)

	updated, err := SetAt(root, []int{0, 2}, NewBlock(LayoutHorizontal, "r2", nil))
	require.NoError(t, err)

	newB0, _ := updated.Child(0)
	block := newB0.(*Block)
	require.Equal(t, 3, block.Len())

	c0, _ := block.Child(0)
	c1, _ := block.Child(1)
	assert.Same(t, first, c0)
	assert.Same(t, second, c1)
	assert.Equal(t, 2, b0.(*Block).Len(), "old block keeps its length")
}

func TestSetAt_Errors(t *testing.T) {
	root := fixture()

	tests := []struct {
		name    string
		path    []int
		node    Node
		wantErr error
	}{
		{name: "empty path", path: nil, node: leaf("x"), wantErr: ErrEmptyPath},
		{name: "nil node", path: []int{0}, node: nil, wantErr: ErrNilNode},
		{name: "slot past end", path: []int{3}, node: leaf("x"), wantErr: ErrPathNotFound},
		{name: "missing ancestor", path: []int{4, 0}, node: leaf("x"), wantErr: ErrPathNotFound},
		{name: "through leaf", path: []int{1, 0}, node: leaf("x"), wantErr: ErrTypeMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := SetAt(root, tt.path, tt.node)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.Nil(t, out)
		})
	}
}

func TestUpdateAt(t *testing.T) {
	root := fixture()

	t.Run("fn sees existing node", func(t *testing.T) {
		var seen Node
		var seenExists bool
		_, err := UpdateAt(root, []int{1}, func(existing Node, exists bool) (Node, error) {
			seen, seenExists = existing, exists
			return existing, nil
		})
		require.NoError(t, err)
		assert.True(t, seenExists)
		l1, _ := root.Child(1)
		assert.Same(t, l1, seen)
	})

	t.Run("fn sees empty slot at append position", func(t *testing.T) {
		var seenExists = true
		_, err := UpdateAt(root, []int{2}, func(existing Node, exists bool) (Node, error) {
			seenExists = exists
			assert.Nil(t, existing)
			return leaf("appended"), nil
		})
		require.NoError(t, err)
		assert.False(t, seenExists)
	})

	t.Run("fn error is returned unchanged", func(t *testing.T) {
		boom := errors.New("boom")
		out, err := UpdateAt(root, []int{1}, func(Node, bool) (Node, error) {
			return nil, boom
		})
		assert.Same(t, boom, err)
		assert.Nil(t, out)
	})

	t.Run("fn not called when ancestor missing", func(t *testing.T) {
		called := false
		_, err := UpdateAt(root, []int{9, 0}, func(Node, bool) (Node, error) {
			called = true
			return leaf("x"), nil
		})
		assert.ErrorIs(t, err, ErrPathNotFound)
		assert.False(t, called)
	})

	t.Run("nil root starts empty", func(t *testing.T) {
		out, err := UpdateAt(nil, []int{0}, func(Node, bool) (Node, error) {
			return leaf("first"), nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, out.Len())
	})
}

func TestBlock_Redeclare(t *testing.T) {
	b := NewBlockWith(LayoutVertical, "r1", nil, leaf("a"), leaf("b"))

	kept := b.Redeclare(LayoutHorizontal, "r2", nil, true)
	assert.Equal(t, LayoutHorizontal, kept.Layout())
	assert.Equal(t, "r2", kept.ReportID())
	assert.Equal(t, 2, kept.Len())

	// Writing into the redeclared block must not leak into the original.
	updated, err := kept.withChild(0, leaf("z"))
	require.NoError(t, err)
	orig, _ := b.Child(0)
	assert.Equal(t, "a", orig.(*Leaf).Content().(textContent).body)
	first, _ := updated.Child(0)
	assert.Equal(t, "z", first.(*Leaf).Content().(textContent).body)

	cleared := b.Redeclare(LayoutVertical, "r2", nil, false)
	assert.Equal(t, 0, cleared.Len())
	assert.Equal(t, LayoutVertical, b.Layout(), "original block keeps its layout")
}

func TestBlock_ChildrenIsACopy(t *testing.T) {
	b := NewBlockWith(LayoutVertical, "r1", nil, leaf("a"))
	children := b.Children()
	children[0] = leaf("mutated")

	c, _ := b.Child(0)
	assert.Equal(t, "a", c.(*Leaf).Content().(textContent).body)
}

func TestLeaf_With(t *testing.T) {
	l := leaf("a")

	refreshed := l.WithReport("r2", nil)
	assert.Equal(t, "r2", refreshed.ReportID())
	assert.Equal(t, "r1", l.ReportID())
	assert.Equal(t, l.Content(), refreshed.Content())

	changed := l.WithContent(textContent{body: "b"})
	assert.Equal(t, "r1", changed.ReportID())
	assert.True(t, changed.Content().Equal(textContent{body: "b"}))
}

func TestLayout_Text(t *testing.T) {
	var l Layout
	require.NoError(t, l.UnmarshalText([]byte("horizontal")))
	assert.Equal(t, LayoutHorizontal, l)

	text, err := LayoutVertical.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "vertical", string(text))

	assert.Error(t, l.UnmarshalText([]byte("diagonal")))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, "leaf", KindOf(leaf("a")))
	assert.Equal(t, "block", KindOf(NewBlock(LayoutVertical, "", nil)))
	assert.Equal(t, "absent", KindOf(nil))
}
