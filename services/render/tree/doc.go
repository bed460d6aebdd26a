// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tree holds the persistent render tree and its path-copy store.
//
// # Shape
//
// A render tree is made of two node kinds:
//
//   - Leaf: one renderable content snapshot (a widget, chart, table, ...)
//   - Block: an ordered list of child nodes plus a layout direction
//
// Node is a sealed interface: only *Leaf and *Block implement it, and
// callers are expected to type-switch over both.
//
// Elements pairs the two root blocks of a page, main and sidebar.
//
// # Persistence
//
// Nodes are immutable once built. Every write goes through SetAt or
// UpdateAt, which copy the blocks along the written path and share every
// other subtree by pointer:
//
//	        root                     root'
//	       /    \                   /    \
//	     b0      b1       SetAt    b0     b1'
//	    /  \       \     ------>  /  \      \
//	  l0    l1     l2          l0    l1     l2'
//
// b0, l0 and l1 are the same pointers in both trees. A reader holding the
// old Elements value keeps a consistent view without any locking.
//
// # Report IDs
//
// Each node records the report run that last touched it. Other
// collaborators use a mismatch against the current run to find abandoned
// subtrees (see Stale); this package never clears the value.
package tree
