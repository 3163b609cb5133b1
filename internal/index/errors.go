// Copyright 2022 The bit Authors and Caleb Spare. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package index

import "errors"

var (
	ErrClosed = errors.New("index: closed")
	// ErrNotClosedProperly is returned by Open for a file that was
	// modified but never flushed, e.g. because the process crashed.
	ErrNotClosedProperly = errors.New("index: file was not closed properly")
	ErrCorrupted         = errors.New("index: corrupted")
	// ErrFull is returned when a segment can neither take another entry
	// nor be split any further.
	ErrFull = errors.New("index: full")
)
