// Copyright 2021 The bit Authors and Caleb Spare. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package bitset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitset(t *testing.T) {
	b := New(128)

	require.Equal(t, 2, len(b.bits))
	require.Equal(t, int64(128), b.Len())

	// should do nothing
	b.Set(132)
	b.Set(-1)

	zero := []uint64{0, 0}
	require.Equal(t, zero, b.bits)
	require.False(t, b.Any())

	require.False(t, b.IsSet(7))
	b.Set(7)
	require.True(t, b.IsSet(7))
	b.Set(8)
	require.True(t, b.IsSet(8))
	b.Clear(7)
	require.False(t, b.IsSet(7))
	require.True(t, b.IsSet(8))
	b.Clear(8)
	require.Equal(t, zero, b.bits)

	for i := int64(0); i < 128; i++ {
		b.Set(i)
	}

	full := []uint64{^uint64(0), ^uint64(0)}
	require.Equal(t, full, b.bits)

	// should do nothing
	b.Clear(137)
	require.Equal(t, full, b.bits)

	b.Reset()
	require.Equal(t, zero, b.bits)
}

func TestBitset_Grow(t *testing.T) {
	b := New(10)
	b.Set(3)
	b.Set(70)
	require.False(t, b.IsSet(70))

	b.Grow(100)
	require.Equal(t, int64(100), b.Len())
	require.True(t, b.IsSet(3))
	require.False(t, b.IsSet(70))
	b.Set(70)
	require.True(t, b.IsSet(70))

	// shrinking is a no-op
	b.Grow(5)
	require.Equal(t, int64(100), b.Len())
}

func TestBitset_ForEach(t *testing.T) {
	b := New(200)
	expected := []int64{0, 5, 63, 64, 130, 199}
	for _, off := range expected {
		b.Set(off)
	}

	var actual []int64
	complete := b.ForEach(func(off int64) bool {
		actual = append(actual, off)
		return true
	})
	require.True(t, complete)
	require.Equal(t, expected, actual)

	actual = actual[:0]
	complete = b.ForEach(func(off int64) bool {
		actual = append(actual, off)
		return len(actual) < 2
	})
	require.False(t, complete)
	require.Equal(t, expected[:2], actual)
}
