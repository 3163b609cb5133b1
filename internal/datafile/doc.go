// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package datafile implements an append-only log of immutable byte
// records over a memory-mapped file.  Each record is addressed by a
// 64-bit id that is derived from its offset in the file, and a record
// is never modified once it has been committed.
//
// A log file is a sequence of fixed-size pages, and looks like:
//
//	┌───────────────────┐ page 0
//	│ file header (64b) │
//	├───────────────────┤
//	│ records           │
//	│                   │
//	├───────────────────┤
//	│ padding record    │
//	├───────────────────┤ page 1
//	│ records           │
//	│ ...               │
//	└───────────────────┘
//
// Records never straddle a page boundary: when a record doesn't fit
// in the rest of the current page, the remainder of the page is
// filled with a padding record and the record is written at the
// start of the next page.
//
// Every record starts with a 4-byte little-endian header and is
// padded so the next record starts 4-byte aligned:
//
//	 0    1    2    3    4 ...
//	+----+----+----+----+----+----+----+----+
//	| header            | payload...        |
//	+----+----+----+----+----+----+----+----+
//
//	header bit 31:     1 = padding record, 0 = data record
//	header bit 30:     1 = committed (payload fully written)
//	header bits 0-29:  record length, header included
//
// The file header keeps two cursors: the first unallocated offset
// and the first uncommitted offset.  Allocation bumps the first
// cursor before the record is written, commit bumps the second one
// after.  On open, a log whose committed cursor lags its allocated
// cursor was not closed cleanly: the records between the two are
// scanned, unfinished ones are turned into padding, and everything
// past the last recoverable record is zeroed.
package datafile
