// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileHeader_RoundTrip(t *testing.T) {
	h := newFileHeader(DefaultPageSize)
	h.dataVersion = 7
	h.nextAllocated = 4096
	h.nextCommitted = 4000
	h.recordCount = 12
	h.status = statusOpened

	var buf [fileHeaderSize]byte
	require.NoError(t, h.MarshalTo(buf[:]))

	assert.Equal(t, []byte("AOLM"), buf[:4])
	assert.Equal(t, uint32(DefaultPageSize), binary.LittleEndian.Uint32(buf[headerPageSizeOff:]))

	var decoded fileHeader
	require.NoError(t, decoded.UnmarshalBytes(buf[:]))
	assert.Equal(t, *h, decoded)
}

func TestFileHeader_Errors(t *testing.T) {
	var h fileHeader
	assert.Error(t, h.UnmarshalBytes(make([]byte, 12)))
	assert.Error(t, newFileHeader(DefaultPageSize).MarshalTo(make([]byte, 12)))

	var buf [fileHeaderSize]byte
	assert.Error(t, h.UnmarshalBytes(buf[:]), "zeroed header has bad magic")

	require.NoError(t, newFileHeader(DefaultPageSize).MarshalTo(buf[:]))
	binary.LittleEndian.PutUint32(buf[headerImplVersionOff:], implementationVersion+1)
	assert.Error(t, h.UnmarshalBytes(buf[:]))

	require.NoError(t, newFileHeader(DefaultPageSize).MarshalTo(buf[:]))
	binary.LittleEndian.PutUint64(buf[headerNextCommittedOff:], 1<<20)
	assert.ErrorIs(t, h.UnmarshalBytes(buf[:]), ErrCorrupted)
}

func TestRecordHeader(t *testing.T) {
	h := dataRecordHeader(5, false)
	assert.False(t, isPaddingRecord(h))
	assert.False(t, isCommittedRecord(h))
	assert.Equal(t, int64(12), recordLength(h))
	assert.Equal(t, 5, payloadLength(h))

	h = dataRecordHeader(5, true)
	assert.True(t, isCommittedRecord(h))
	assert.Equal(t, uint32(9)|recordCommitted, h)

	p := paddingRecordHeader(100)
	assert.True(t, isPaddingRecord(p))
	assert.True(t, isCommittedRecord(p))
	assert.Equal(t, int64(100), recordLength(p))

	assert.Panics(t, func() { paddingRecordHeader(2) })
}

func TestRecordIDs(t *testing.T) {
	assert.Equal(t, int64(1), offsetToID(fileHeaderSize))
	assert.Equal(t, int64(2), offsetToID(fileHeaderSize+4))
	assert.Panics(t, func() { offsetToID(fileHeaderSize + 1) })

	for _, id := range []int64{1, 2, 1000, 1 << 40} {
		off, err := idToOffset(id)
		require.NoError(t, err)
		assert.Equal(t, id, offsetToID(off))
	}

	_, err := idToOffset(0)
	assert.ErrorIs(t, err, ErrInvalidID)
	_, err = idToOffset(-3)
	assert.ErrorIs(t, err, ErrInvalidID)
}
