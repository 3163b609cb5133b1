// Copyright 2022 The bit Authors and Caleb Spare. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func acceptAll(int32) (bool, error) { return true, nil }

func acceptOnly(want int32) func(int32) (bool, error) {
	return func(v int32) (bool, error) { return v == want, nil }
}

func segPut(t *testing.T, s *segment, key, value int32) bool {
	t.Helper()
	added, err := s.put(key, value, hash(key))
	require.NoError(t, err)
	return added
}

func segLookup(t *testing.T, s *segment, key int32, accept func(int32) (bool, error)) int32 {
	t.Helper()
	v, err := s.lookup(key, hash(key), accept)
	require.NoError(t, err)
	return v
}

func TestSegment_PutLookupRemove(t *testing.T) {
	s := newSegment(64, 0, 0)

	assert.True(t, segPut(t, s, 1, 100))
	assert.False(t, segPut(t, s, 1, 100), "duplicate pair")
	assert.True(t, segPut(t, s, 1, 101), "second value for the same key")
	assert.Equal(t, int32(2), s.alive)

	assert.Equal(t, int32(101), segLookup(t, s, 1, acceptOnly(101)))
	assert.Equal(t, int32(100), segLookup(t, s, 1, acceptOnly(100)))
	assert.Equal(t, NoValue, segLookup(t, s, 1, acceptOnly(7)))
	assert.Equal(t, NoValue, segLookup(t, s, 2, acceptAll))

	assert.True(t, s.has(1, 100, hash(1)))
	assert.True(t, s.remove(1, 100, hash(1)))
	assert.False(t, s.remove(1, 100, hash(1)))
	assert.False(t, s.has(1, 100, hash(1)))
	assert.Equal(t, int32(1), s.alive)
	assert.Equal(t, int32(101), segLookup(t, s, 1, acceptAll))
}

func TestSegment_ReplaceKeepsSet(t *testing.T) {
	s := newSegment(64, 0, 0)
	h := hash(5)

	assert.False(t, s.replace(5, 1, 2, h), "old value absent")

	segPut(t, s, 5, 1)
	assert.True(t, s.replace(5, 1, 2, h))
	assert.False(t, s.has(5, 1, h))
	assert.True(t, s.has(5, 2, h))
	assert.Equal(t, int32(1), s.alive)

	// replacing into a value that's already present just drops the old one
	segPut(t, s, 5, 3)
	assert.True(t, s.replace(5, 3, 2, h))
	assert.Equal(t, int32(1), s.alive)
	var values []int32
	_, err := s.lookup(5, h, func(v int32) (bool, error) {
		values = append(values, v)
		return false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int32{2}, values)
}

func TestSegment_TombstonesKeepProbing(t *testing.T) {
	s := newSegment(16, 0, 0)
	for k := int32(1); k <= 8; k++ {
		segPut(t, s, k, k*10)
	}
	for k := int32(1); k <= 8; k += 2 {
		require.True(t, s.remove(k, k*10, hash(k)))
	}
	for k := int32(2); k <= 8; k += 2 {
		assert.Equal(t, k*10, segLookup(t, s, k, acceptAll), "key %d", k)
	}

	// tombstones are reused
	for k := int32(1); k <= 8; k += 2 {
		segPut(t, s, k, k*10)
	}
	assert.Equal(t, int32(8), s.alive)
}

func TestSegment_Full(t *testing.T) {
	s := newSegment(16, 0, 0)
	for k := int32(1); k <= 16; k++ {
		segPut(t, s, k, 1)
	}
	_, err := s.put(17, 1, hash(17))
	assert.ErrorIs(t, err, ErrFull)

	// with a tombstone around there is room again
	require.True(t, s.remove(3, 1, hash(3)))
	assert.True(t, segPut(t, s, 17, 1))
	assert.Equal(t, int32(1), segLookup(t, s, 17, acceptAll))
}

func TestSegment_AllTombstones(t *testing.T) {
	s := newSegment(16, 0, 0)
	for k := int32(1); k <= 16; k++ {
		segPut(t, s, k, 1)
	}
	for k := int32(1); k <= 16; k++ {
		require.True(t, s.remove(k, 1, hash(k)))
	}
	assert.Equal(t, int32(0), s.alive)

	assert.True(t, segPut(t, s, 42, 1))
	assert.Equal(t, int32(1), segLookup(t, s, 42, acceptAll))
	assert.Equal(t, []int32{42, 1}, s.appendAlive(nil))
}

func TestHash_Spreads(t *testing.T) {
	assert.Equal(t, hash(12345), hash(12345))

	const n = 4096
	var low, high [16]int
	for k := int32(1); k <= n; k++ {
		h := hash(k)
		low[h&15]++
		high[h>>28]++
	}
	for i := range low {
		assert.Greater(t, low[i], n/16/2, "low bits %d", i)
		assert.Greater(t, high[i], n/16/2, "high bits %d", i)
	}
}

func TestSegment_SingleHash(t *testing.T) {
	s := newSegment(16, 0, 0)
	assert.False(t, s.singleHash(), "an empty segment")
	segPut(t, s, 4, 1)
	segPut(t, s, 4, 2)
	assert.True(t, s.singleHash())
	segPut(t, s, 5, 1)
	assert.False(t, s.singleHash())
	require.True(t, s.remove(5, 1, hash(5)))
	assert.True(t, s.singleHash(), "tombstones are ignored")
}
