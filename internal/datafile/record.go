// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"encoding/binary"
	"fmt"
)

const (
	recordHeaderSize = 4

	recordTypePadding = uint32(1) << 31
	recordCommitted   = uint32(1) << 30
	recordLengthMask  = recordCommitted - 1

	// MaxPageSize is the largest page size a padding record can cover.
	MaxPageSize = 1 << 29
)

func dataRecordHeader(payloadLen int, committed bool) uint32 {
	total := payloadLen + recordHeaderSize
	if uint32(total)&^recordLengthMask != 0 {
		panic(fmt.Sprintf("invariant broken: record length %d doesn't fit in 30 bits", total))
	}
	h := uint32(total)
	if committed {
		h |= recordCommitted
	}
	return h
}

// paddingRecordHeader describes `length` bytes of unused space.  Padding
// has no payload to wait for, so it is always committed.
func paddingRecordHeader(length int64) uint32 {
	if length < recordHeaderSize || uint32(length)&^recordLengthMask != 0 {
		panic(fmt.Sprintf("invariant broken: bad padding length %d", length))
	}
	return uint32(length) | recordTypePadding | recordCommitted
}

func isPaddingRecord(h uint32) bool {
	return h&recordTypePadding != 0
}

func isCommittedRecord(h uint32) bool {
	return h&recordCommitted != 0
}

// recordLength returns the length of the record including its header
// and any alignment padding.
func recordLength(h uint32) int64 {
	return roundUp4(int64(h & recordLengthMask))
}

func payloadLength(h uint32) int {
	return int(h&recordLengthMask) - recordHeaderSize
}

func readRecordHeader(page []byte, off int64) uint32 {
	return binary.LittleEndian.Uint32(page[off : off+recordHeaderSize])
}

func putRecordHeader(page []byte, off int64, h uint32) {
	binary.LittleEndian.PutUint32(page[off:off+recordHeaderSize], h)
}

func roundUp4(n int64) int64 {
	return (n + 3) &^ 3
}

// offsetToID converts a 4-byte aligned record offset into a record id.
// Ids start at 1 so that 0 is never a valid id.
func offsetToID(off int64) int64 {
	if off&3 != 0 {
		panic(fmt.Sprintf("invariant broken: record offset %d is not 4-byte aligned", off))
	}
	return ((off - fileHeaderSize) >> 2) + 1
}

func idToOffset(id int64) (int64, error) {
	if id <= 0 {
		return 0, fmt.Errorf("record id %d: %w", id, ErrInvalidID)
	}
	off := ((id - 1) << 2) + fileHeaderSize
	if off < fileHeaderSize {
		return 0, fmt.Errorf("record id %d overflows: %w", id, ErrInvalidID)
	}
	return off, nil
}
