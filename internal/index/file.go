// Copyright 2022 The bit Authors and Caleb Spare. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package index

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/bpowers/logmap/internal/ondisk"
)

// An index file is a header region followed by fixed-size segment
// blocks, all little-endian int32s:
//
//	header region:  header[16] | directory[2^globalDepth]   (space for 2^maxGlobalDepth)
//	segment block:  depth | suffix | alive | checksum | slots[2*segmentSlots]
//
// The header checksum covers the header (minus status and checksum)
// and the used part of the directory; segment checksums cover the
// segment block minus its checksum.

const (
	magicIndexHeader      = int32(0x494d4845) // "EHMI"
	implementationVersion = 2 // v1 hashed keys with murmur3

	maxGlobalDepth = 16

	headerLen           = 16
	hdrMagic            = 0
	hdrVersion          = 1
	hdrSegmentSlots     = 2
	hdrSegmentCount     = 3
	hdrGlobalDepth      = 4
	hdrStatus           = 5
	hdrSize             = 6
	hdrChecksumLo       = 7
	hdrChecksumHi       = 8
	headerRegionLen     = headerLen + 1<<maxGlobalDepth
	headerRegionByteLen = 4 * headerRegionLen

	segmentHeaderLen = 4
	segDepth         = 0
	segSuffix        = 1
	segAlive         = 2
	segChecksum      = 3

	statusOpened         = 0
	statusProperlyClosed = 1
)

func segmentBlockLen(segmentSlots int) int {
	return segmentHeaderLen + 2*segmentSlots
}

func segmentOffset(i int, segmentSlots int) int64 {
	return headerRegionByteLen + int64(i)*4*int64(segmentBlockLen(segmentSlots))
}

func headerChecksum(hdr []int32, buf []byte) uint64 {
	lo, hi, status := hdr[hdrChecksumLo], hdr[hdrChecksumHi], hdr[hdrStatus]
	hdr[hdrChecksumLo], hdr[hdrChecksumHi], hdr[hdrStatus] = 0, 0, 0
	buf = buf[:4*len(hdr)]
	ondisk.Encode(buf, hdr)
	sum := xxhash.Sum64(buf)
	hdr[hdrChecksumLo], hdr[hdrChecksumHi], hdr[hdrStatus] = lo, hi, status
	return sum
}

func segmentChecksum(block []int32, buf []byte) int32 {
	saved := block[segChecksum]
	block[segChecksum] = 0
	buf = buf[:4*len(block)]
	ondisk.Encode(buf, block)
	sum := xxhash.Sum64(buf)
	block[segChecksum] = saved
	return int32(uint32(sum))
}

// writeHeader persists the header and the directory, marked with status.
func (t *Table) writeHeader(status int32) error {
	n := headerLen + len(t.directory)
	hdr := t.scratch[:n]
	zeroHeader(hdr)
	hdr[hdrMagic] = magicIndexHeader
	hdr[hdrVersion] = implementationVersion
	hdr[hdrSegmentSlots] = int32(t.segmentSlots)
	hdr[hdrSegmentCount] = int32(len(t.segments))
	hdr[hdrGlobalDepth] = t.globalDepth
	hdr[hdrStatus] = status
	hdr[hdrSize] = int32(t.size)
	copy(hdr[headerLen:], t.directory)

	sum := headerChecksum(hdr, t.buf)
	hdr[hdrChecksumLo] = int32(uint32(sum))
	hdr[hdrChecksumHi] = int32(uint32(sum >> 32))

	region := ondisk.NewInt32Region(t.f, n, 0)
	if err := region.WriteAll(hdr, t.buf); err != nil {
		return fmt.Errorf("writeHeader: %w", err)
	}
	return nil
}

func zeroHeader(hdr []int32) {
	for i := 0; i < headerLen; i++ {
		hdr[i] = 0
	}
}

func (t *Table) writeStatus(status int32) error {
	region := ondisk.NewInt32Region(t.f, headerLen, 0)
	if err := region.Set(hdrStatus, status); err != nil {
		return fmt.Errorf("writeStatus: %w", err)
	}
	return nil
}

func (t *Table) writeSegment(i int) error {
	s := t.segments[i]
	block := t.scratch[:segmentBlockLen(t.segmentSlots)]
	block[segDepth] = s.depth
	block[segSuffix] = s.suffix
	block[segAlive] = s.alive
	block[segChecksum] = 0
	copy(block[segmentHeaderLen:], s.slots)
	block[segChecksum] = segmentChecksum(block, t.buf)

	region := ondisk.NewInt32Region(t.f, len(block), segmentOffset(i, t.segmentSlots))
	if err := region.WriteAll(block, t.buf); err != nil {
		return fmt.Errorf("writeSegment(%d): %w", i, err)
	}
	return nil
}

// readFile loads the header, directory and every segment, verifying
// checksums and the properly-closed marker.
func (t *Table) readFile() error {
	hdr := t.scratch[:headerLen]
	if err := ondisk.NewInt32Region(t.f, headerLen, 0).ReadAll(hdr, t.buf); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if hdr[hdrMagic] != magicIndexHeader {
		return fmt.Errorf("bad magic number on index file (%x): %w", hdr[hdrMagic], ErrCorrupted)
	}
	if hdr[hdrVersion] != implementationVersion {
		return fmt.Errorf("this version of the logmap library can only read v%d index files; found v%d", implementationVersion, hdr[hdrVersion])
	}
	if hdr[hdrStatus] != statusProperlyClosed {
		return ErrNotClosedProperly
	}

	depth := hdr[hdrGlobalDepth]
	segmentSlots := int(hdr[hdrSegmentSlots])
	segmentCount := int(hdr[hdrSegmentCount])
	if depth < 0 || depth > maxGlobalDepth || !validSegmentSlots(segmentSlots) || segmentCount < 1 || segmentCount > 1<<depth {
		return fmt.Errorf("bad header (depth %d, slots %d, segments %d): %w", depth, segmentSlots, segmentCount, ErrCorrupted)
	}

	t.segmentSlots = segmentSlots
	t.scratch = make([]int32, max(headerRegionLen, segmentBlockLen(segmentSlots)))
	t.buf = make([]byte, 4*len(t.scratch))

	n := headerLen + 1<<depth
	hdr = t.scratch[:n]
	if err := ondisk.NewInt32Region(t.f, n, 0).ReadAll(hdr, t.buf); err != nil {
		return fmt.Errorf("read directory: %w", err)
	}
	expected := uint64(uint32(hdr[hdrChecksumLo])) | uint64(uint32(hdr[hdrChecksumHi]))<<32
	if sum := headerChecksum(hdr, t.buf); sum != expected {
		return fmt.Errorf("header checksum mismatch (%x != %x): %w", sum, expected, ErrCorrupted)
	}

	t.globalDepth = depth
	t.directory = make([]int32, 1<<depth)
	copy(t.directory, hdr[headerLen:])
	for _, segIdx := range t.directory {
		if segIdx < 0 || int(segIdx) >= segmentCount {
			return fmt.Errorf("directory references segment %d of %d: %w", segIdx, segmentCount, ErrCorrupted)
		}
	}
	wantSize := int(hdr[hdrSize])

	t.segments = make([]*segment, segmentCount)
	size := 0
	block := t.scratch[:segmentBlockLen(segmentSlots)]
	for i := range t.segments {
		region := ondisk.NewInt32Region(t.f, len(block), segmentOffset(i, segmentSlots))
		if err := region.ReadAll(block, t.buf); err != nil {
			return fmt.Errorf("read segment %d: %w", i, err)
		}
		if sum := segmentChecksum(block, t.buf); sum != block[segChecksum] {
			return fmt.Errorf("segment %d checksum mismatch: %w", i, ErrCorrupted)
		}
		s := newSegment(segmentSlots, block[segDepth], block[segSuffix])
		s.alive = block[segAlive]
		copy(s.slots, block[segmentHeaderLen:])
		t.segments[i] = s
		size += int(s.alive)
	}
	if size != wantSize {
		return fmt.Errorf("segments hold %d entries, header says %d: %w", size, wantSize, ErrCorrupted)
	}
	t.size = size

	return nil
}
