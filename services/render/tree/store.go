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
)

// UpdateFunc computes the node to store at a path from the node currently
// there. exists is false when the slot is empty (one past the end of the
// parent's children).
type UpdateFunc func(existing Node, exists bool) (Node, error)

// GetAt returns the node at path below root.
//
// Returns false when any step is missing or descends through a Leaf. An
// empty path addresses root itself.
func GetAt(root *Block, path []int) (Node, bool) {
	if root == nil {
		return nil, false
	}
	var current Node = root
	for _, idx := range path {
		block, ok := current.(*Block)
		if !ok {
			return nil, false
		}
		child, ok := block.Child(idx)
		if !ok {
			return nil, false
		}
		current = child
	}
	return current, true
}

// SetAt returns a new root with n stored at path.
//
// Description:
//
//	Copies every block on the path and shares every other subtree. The
//	parent of the target must already exist as a Block; the target slot
//	may be an existing child or exactly one past the last child.
//
// Outputs:
//   - *Block: The new root. root itself is never modified.
//   - error: ErrEmptyPath, ErrNilNode, ErrPathNotFound or ErrTypeMismatch.
func SetAt(root *Block, path []int, n Node) (*Block, error) {
	return UpdateAt(root, path, func(Node, bool) (Node, error) {
		return n, nil
	})
}

// UpdateAt is the read-modify-write form of SetAt.
//
// fn is called exactly once, with the node currently at path, only after
// every ancestor has been found. An error from fn is returned unchanged and
// no new root is built.
func UpdateAt(root *Block, path []int, fn UpdateFunc) (*Block, error) {
	if len(path) == 0 {
		return nil, ErrEmptyPath
	}
	if root == nil {
		root = NewBlock(LayoutVertical, "", nil)
	}
	return updateAt(root, path, 0, fn)
}

func updateAt(block *Block, path []int, depth int, fn UpdateFunc) (*Block, error) {
	idx := path[depth]

	if depth == len(path)-1 {
		if idx < 0 || idx > block.Len() {
			return nil, fmt.Errorf("%w: slot %d of block with %d children at depth %d",
				ErrPathNotFound, idx, block.Len(), depth)
		}
		existing, exists := block.Child(idx)
		next, err := fn(existing, exists)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, ErrNilNode
		}
		return block.withChild(idx, next)
	}

	child, ok := block.Child(idx)
	if !ok {
		return nil, fmt.Errorf("%w: no ancestor at index %d, depth %d", ErrPathNotFound, idx, depth)
	}
	childBlock, ok := child.(*Block)
	if !ok {
		return nil, fmt.Errorf("%w: ancestor at index %d, depth %d is a %s", ErrTypeMismatch, idx, depth, KindOf(child))
	}

	updated, err := updateAt(childBlock, path, depth+1, fn)
	if err != nil {
		return nil, err
	}
	return block.withChild(idx, updated)
}
