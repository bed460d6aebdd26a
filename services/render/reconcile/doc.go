// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reconcile applies addressed deltas to a render tree.
//
// # Overview
//
// A script run produces a stream of deltas. Each delta carries an address
// (container, block path, slot) in its metadata and one of three operations:
//
//	NewElement  put a content snapshot at the slot
//	AddBlock    put a container at the slot
//	AddRows     append rows to the tabular content already at the slot
//
// ApplyDelta takes the current tree.Elements value and returns the next one.
// The input value is never modified; on error it is returned as is.
//
// # Identity Across Runs
//
// When the same script runs again it re-sends deltas for the same slots.
// A NewElement whose content equals the leaf already at the slot keeps that
// leaf's content value and only refreshes its report id and metadata, so
// consumers comparing by reference see no change. A re-declared block keeps
// its children under the default RetainChildren policy.
//
// # Counters
//
// Every successful apply reports keys to a counters.Sink: the container
// name plus, per operation, the content kind and custom component name,
// "new block", or "add rows". Failed applies report nothing.
//
// # Thread Safety
//
// Reconciler holds only its collaborators and is safe for concurrent use.
// Ordering between deltas of one stream is the caller's job; see package
// session.
package reconcile
