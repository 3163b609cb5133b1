// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import "errors"

var (
	// ErrClosed is returned by operations on a log that has been closed.
	ErrClosed = errors.New("datafile: log closed")
	// ErrRecordTooBig is returned when a record can't fit in a single page.
	ErrRecordTooBig = errors.New("datafile: record larger than page")
	// ErrInvalidID is returned for ids that don't address a committed record.
	ErrInvalidID = errors.New("datafile: invalid record id")
	// ErrCorrupted is returned when the on-disk structure is inconsistent.
	ErrCorrupted = errors.New("datafile: corrupted")
)
