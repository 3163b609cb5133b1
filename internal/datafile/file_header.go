// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"encoding/binary"
	"fmt"
)

const (
	magicLogHeader        = 0x4d4c4f41 // "AOLM" as little-endian uint32
	implementationVersion = 1
	fileHeaderSize        = 64

	headerMagicOff         = 0
	headerImplVersionOff   = 4
	headerDataVersionOff   = 8
	headerPageSizeOff      = 12
	headerNextAllocatedOff = 16
	headerNextCommittedOff = 24
	headerRecordCountOff   = 32
	headerStatusOff        = 36

	statusClosed = 0
	statusOpened = 1
)

type fileHeader struct {
	magic         uint32
	implVersion   uint32
	dataVersion   uint32
	pageSize      uint32
	nextAllocated int64
	nextCommitted int64
	recordCount   uint32
	status        uint32
}

func newFileHeader(pageSize int) *fileHeader {
	return &fileHeader{
		magic:         magicLogHeader,
		implVersion:   implementationVersion,
		pageSize:      uint32(pageSize),
		nextAllocated: fileHeaderSize,
		nextCommitted: fileHeaderSize,
		status:        statusClosed,
	}
}

func (h *fileHeader) MarshalTo(headerBytes []byte) error {
	if len(headerBytes) < fileHeaderSize {
		return fmt.Errorf("headerBytes too short: %d < %d", len(headerBytes), fileHeaderSize)
	}
	headerBytes = headerBytes[:fileHeaderSize]
	for i := range headerBytes {
		headerBytes[i] = 0
	}

	binary.LittleEndian.PutUint32(headerBytes[headerMagicOff:], h.magic)
	binary.LittleEndian.PutUint32(headerBytes[headerImplVersionOff:], h.implVersion)
	binary.LittleEndian.PutUint32(headerBytes[headerDataVersionOff:], h.dataVersion)
	binary.LittleEndian.PutUint32(headerBytes[headerPageSizeOff:], h.pageSize)
	binary.LittleEndian.PutUint64(headerBytes[headerNextAllocatedOff:], uint64(h.nextAllocated))
	binary.LittleEndian.PutUint64(headerBytes[headerNextCommittedOff:], uint64(h.nextCommitted))
	binary.LittleEndian.PutUint32(headerBytes[headerRecordCountOff:], h.recordCount)
	binary.LittleEndian.PutUint32(headerBytes[headerStatusOff:], h.status)

	return nil
}

func (h *fileHeader) UnmarshalBytes(headerBytes []byte) error {
	if len(headerBytes) < fileHeaderSize {
		return fmt.Errorf("headerBytes too short: %d < %d", len(headerBytes), fileHeaderSize)
	}

	headerBytes = headerBytes[:fileHeaderSize]

	h.magic = binary.LittleEndian.Uint32(headerBytes[headerMagicOff:])
	if h.magic != magicLogHeader {
		return fmt.Errorf("bad magic number on log file (%x) -- not a logmap log or corrupted", h.magic)
	}

	h.implVersion = binary.LittleEndian.Uint32(headerBytes[headerImplVersionOff:])
	if h.implVersion != implementationVersion {
		return fmt.Errorf("this version of the logmap library can only read v%d log files; found v%d", implementationVersion, h.implVersion)
	}

	h.dataVersion = binary.LittleEndian.Uint32(headerBytes[headerDataVersionOff:])
	h.pageSize = binary.LittleEndian.Uint32(headerBytes[headerPageSizeOff:])
	h.nextAllocated = int64(binary.LittleEndian.Uint64(headerBytes[headerNextAllocatedOff:]))
	h.nextCommitted = int64(binary.LittleEndian.Uint64(headerBytes[headerNextCommittedOff:]))
	h.recordCount = binary.LittleEndian.Uint32(headerBytes[headerRecordCountOff:])
	h.status = binary.LittleEndian.Uint32(headerBytes[headerStatusOff:])

	if h.nextCommitted < fileHeaderSize || h.nextAllocated < h.nextCommitted {
		return fmt.Errorf("log cursors inconsistent: committed %d, allocated %d: %w", h.nextCommitted, h.nextAllocated, ErrCorrupted)
	}

	return nil
}

func putHeaderU32(headerBytes []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(headerBytes[off:off+4], v)
}

func putHeaderI64(headerBytes []byte, off int, v int64) {
	binary.LittleEndian.PutUint64(headerBytes[off:off+8], uint64(v))
}
