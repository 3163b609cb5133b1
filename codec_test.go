// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package logmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingValues counts how many values were decoded.
type countingValues struct {
	StringValues
	reads *int
}

func (c countingValues) ReadValue(src []byte) (string, error) {
	*c.reads++
	return string(src), nil
}

// countingKeys counts how many keys were encoded.
type countingKeys struct {
	StringKeys
	appends *int
}

func (c countingKeys) AppendKey(dst []byte, key string) []byte {
	*c.appends++
	return append(dst, key...)
}

// shortFixedKeys declares 4 byte keys but writes 3.
type shortFixedKeys struct{ Int32Keys }

func (shortFixedKeys) AppendKey(dst []byte, key int32) []byte {
	return append(dst, byte(key), byte(key>>8), byte(key>>16))
}

func TestCodec_VariableLayout(t *testing.T) {
	c := newEntryCodec[string, string](StringKeys{}, StringValues{})
	assert.Equal(t, variableKeyCodec, c.kind)

	rec, err := c.encode(nil, "ab", "xyz", false)
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 0, 0, 0, 'a', 'b', 'x', 'y', 'z'}, rec)

	rec, err = c.encode(nil, "ab", "ignored", true)
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 0, 0, 0x80, 'a', 'b'}, rec)

	e, err := c.read(rec)
	require.NoError(t, err)
	assert.Equal(t, "ab", e.key)
	assert.True(t, e.void)
	assert.Equal(t, "", e.value)

	// an empty value is not a removal
	rec, err = c.encode(nil, "ab", "", false)
	require.NoError(t, err)
	e, err = c.read(rec)
	require.NoError(t, err)
	assert.False(t, e.void)
	assert.Equal(t, "", e.value)
}

func TestCodec_FixedLayout(t *testing.T) {
	c := newEntryCodec[int32, string](Int32Keys{}, StringValues{})
	assert.Equal(t, fixedKeyCodec, c.kind)
	assert.Equal(t, 4, c.keySize)

	rec, err := c.encode(nil, 7, "v", false)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 7, 0, 0, 0, 'v'}, rec)

	rec, err = c.encode(nil, -1, "v", true)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0xff, 0xff, 0xff, 0xff}, rec)

	key, void, err := c.readKey(rec)
	require.NoError(t, err)
	assert.Equal(t, int32(-1), key)
	assert.True(t, void)
}

func TestCodec_EncodeAppends(t *testing.T) {
	c := newEntryCodec[string, string](StringKeys{}, StringValues{})
	rec, err := c.encode([]byte("prefix"), "k", "v", false)
	require.NoError(t, err)
	assert.Equal(t, "prefix", string(rec[:6]))
	e, err := c.read(rec[6:])
	require.NoError(t, err)
	assert.Equal(t, entry[string, string]{key: "k", value: "v"}, e)
}

func TestCodec_InvariantPanics(t *testing.T) {
	c := newEntryCodec[string, string](StringKeys{}, StringValues{})
	assert.Panics(t, func() { _, _ = c.encode(nil, "", "v", false) })

	fixed := newEntryCodec[int32, string](shortFixedKeys{}, StringValues{})
	assert.Panics(t, func() { _, _ = fixed.encode(nil, 1, "v", false) })
}

func TestCodec_EncodeKeyRejectsEmpty(t *testing.T) {
	c := newEntryCodec[string, string](StringKeys{}, StringValues{})
	dst, err := c.encodeKey([]byte("prefix"), "", false)
	assert.ErrorIs(t, err, ErrKeyEmpty)
	assert.Equal(t, "prefix", string(dst))

	dst, err = c.encodeKey(dst, "k", false)
	require.NoError(t, err)
	dst, err = c.encodeValue(dst, len("prefix"), "v", false)
	require.NoError(t, err)
	e, err := c.read(dst[len("prefix"):])
	require.NoError(t, err)
	assert.Equal(t, entry[string, string]{key: "k", value: "v"}, e)
}

func TestCodec_Corrupted(t *testing.T) {
	c := newEntryCodec[string, string](StringKeys{}, StringValues{})
	for _, rec := range [][]byte{
		nil,
		{1, 0, 0},
		{0, 0, 0, 0, 'a'},         // zero key size
		{5, 0, 0, 0, 'a'},         // key runs past the record
		{1, 0, 0, 0x80, 'a', 'b'}, // removal with a value
	} {
		_, err := c.read(rec)
		assert.ErrorIs(t, err, ErrCorrupted, "%v", rec)
	}

	fixed := newEntryCodec[int32, string](Int32Keys{}, StringValues{})
	_, err := fixed.read([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestCodec_ReadIfKeyMatchSkipsValues(t *testing.T) {
	var reads int
	c := newEntryCodec[string, string](StringKeys{}, countingValues{reads: &reads})

	rec, err := c.encode(nil, "key", "value", false)
	require.NoError(t, err)

	_, ok, err := c.readIfKeyMatch(rec, "other")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, reads)

	_, _, err = c.readKey(rec)
	require.NoError(t, err)
	assert.Equal(t, 0, reads)

	e, ok, err := c.readIfKeyMatch(rec, "key")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "value", e.value)
	assert.Equal(t, 1, reads)
}

func TestAdjustedHash(t *testing.T) {
	assert.NotEqual(t, int32(0), adjustedHash(0))
	seen := make(map[int32]bool)
	for i := int32(0); i < 1000; i++ {
		h := adjustedHash(i)
		assert.NotEqual(t, int32(0), h)
		seen[h] = true
	}
	assert.Len(t, seen, 1000)
}

func TestDataVersion(t *testing.T) {
	variable := dataVersion(variableKeyCodec, 0)
	assert.NotEqual(t, variable, dataVersion(fixedKeyCodec, 4))
	assert.NotEqual(t, dataVersion(fixedKeyCodec, 4), dataVersion(fixedKeyCodec, 8))
	assert.NotEqual(t, uint32(0), variable)
}
