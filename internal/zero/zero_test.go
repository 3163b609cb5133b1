// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package zero

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBytes(t *testing.T) {
	for _, input := range [][]byte{
		{},
		{'a', 'b', 'c'},
	} {
		initialLen := len(input)
		initialCap := cap(input)
		// slices are zero'd by default
		expected := make([]byte, len(input))
		Bytes(input)
		require.Equal(t, expected, input)
		// len and cap should be unchanged
		require.Equal(t, initialLen, len(input))
		require.Equal(t, initialCap, cap(input))
	}
}

func TestBytes_Subslice(t *testing.T) {
	b := []byte{1, 2, 3, 4, 5}
	Bytes(b[1:3])
	require.Equal(t, []byte{1, 0, 0, 4, 5}, b)
}

func TestInt32(t *testing.T) {
	for _, input := range [][]int32{
		{},
		{1, -2, 3},
	} {
		initialLen := len(input)
		initialCap := cap(input)
		expected := make([]int32, len(input))
		Int32(input)
		require.Equal(t, expected, input)
		require.Equal(t, initialLen, len(input))
		require.Equal(t, initialCap, cap(input))
	}
}
