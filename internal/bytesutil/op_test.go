// Copyright 2021 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package bytesutil

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseOp(t *testing.T) {
	for _, tc := range []struct {
		line   string
		key    string
		value  string
		remove bool
		ok     bool
	}{
		{"", "", "", false, false},
		{"a:b", "a", "b", false, true},
		{"a:", "a", "", false, true},
		{"a:b:c", "a", "b:c", false, true},
		{":b", "", "", false, false},
		{"nosep", "", "", false, false},
		{"-a", "a", "", true, true},
		{"-", "", "", true, false},
		{"-a:b", "a:b", "", true, true},
	} {
		key, value, remove, ok := ParseOp([]byte(tc.line))
		require.Equal(t, tc.ok, ok, tc.line)
		if !ok {
			continue
		}
		require.Equal(t, tc.key, string(key), tc.line)
		require.Equal(t, tc.value, string(value), tc.line)
		require.Equal(t, tc.remove, remove, tc.line)
	}
}

func TestParseOp_NoAllocs(t *testing.T) {
	line := []byte("key:value")
	allocs := testing.AllocsPerRun(10, func() {
		_, _, _, _ = ParseOp(line)
	})
	require.Zero(t, allocs)
}

func TestAppendOps_RoundTrip(t *testing.T) {
	var buf []byte
	buf = AppendPut(buf, []byte("k1"), []byte("v1"))
	buf = AppendRemove(buf, []byte("k2"))
	lines := bytes.Split(bytes.TrimSuffix(buf, []byte("\n")), []byte("\n"))
	require.Len(t, lines, 2)

	key, value, remove, ok := ParseOp(lines[0])
	require.True(t, ok)
	require.False(t, remove)
	require.Equal(t, "k1", string(key))
	require.Equal(t, "v1", string(value))

	key, _, remove, ok = ParseOp(lines[1])
	require.True(t, ok)
	require.True(t, remove)
	require.Equal(t, "k2", string(key))
}
