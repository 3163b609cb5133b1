// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package logmap

import (
	"encoding/binary"
	"fmt"
	"math"
)

// A log record holds one entry: a key and either a value or nothing,
// which marks the key as removed.  There are two layouts.
//
// Variable-size keys:
//
//	 0    1    2    3    4 ...
//	+----+----+----+----+------------+----------------+
//	| header            | key        | value          |
//	+----+----+----+----+------------+----------------+
//
//	header (little-endian uint32): bit 31 set = void entry (no value),
//	bits 0-30 = key size, which must be > 0
//
// Fixed-size keys:
//
//	+------+------------------+----------------+
//	| void | key (FixedSize)  | value          |
//	+------+------------------+----------------+
//
//	void byte: 0 = void entry (no value), 1 = value present
//
// The value is omitted entirely from void entries.

const (
	variableHeaderSize = 4
	fixedHeaderSize    = 1

	voidFlag       = uint32(1) << 31
	maxKeySize     = math.MaxInt32
	fixedHasValue  = 1
	fixedVoidValue = 0
)

type codecKind uint8

const (
	variableKeyCodec codecKind = iota
	fixedKeyCodec
)

func (k codecKind) String() string {
	switch k {
	case variableKeyCodec:
		return "variable-key"
	case fixedKeyCodec:
		return "fixed-key"
	default:
		return fmt.Sprintf("codecKind(%d)", uint8(k))
	}
}

// entry is a decoded log record.
type entry[K, V any] struct {
	key   K
	value V
	void  bool
}

// entryCodec turns entries into log records and back.  The layout is
// picked once from the key descriptor's FixedSize.
type entryCodec[K, V any] struct {
	kind    codecKind
	keySize int
	keys    KeyDescriptor[K]
	values  ValueDescriptor[V]
}

func newEntryCodec[K, V any](keys KeyDescriptor[K], values ValueDescriptor[V]) *entryCodec[K, V] {
	c := &entryCodec[K, V]{
		kind:   variableKeyCodec,
		keys:   keys,
		values: values,
	}
	if size := keys.FixedSize(); size >= 0 {
		c.kind = fixedKeyCodec
		c.keySize = size
	}
	return c
}

func (c *entryCodec[K, V]) headerSize() int {
	if c.kind == fixedKeyCodec {
		return fixedHeaderSize
	}
	return variableHeaderSize
}

// encode appends the record for (key, value) to dst.  The value is
// ignored for void entries.  Keys the header can't describe are an
// invariant violation here; callers holding untrusted keys use
// encodeKey first.
func (c *entryCodec[K, V]) encode(dst []byte, key K, value V, void bool) ([]byte, error) {
	start := len(dst)
	dst, err := c.encodeKey(dst, key, void)
	if err != nil {
		panic(fmt.Sprintf("invariant broken: %v", err))
	}
	return c.encodeValue(dst, start, value, void)
}

// encodeKey appends the header and key of a record to dst.  A
// variable-size key that encodes to nothing or more than maxKeySize
// bytes is rejected with ErrKeyEmpty or ErrKeyTooLarge and dst is
// returned unchanged.
func (c *entryCodec[K, V]) encodeKey(dst []byte, key K, void bool) ([]byte, error) {
	start := len(dst)
	hdrSize := c.headerSize()
	for i := 0; i < hdrSize; i++ {
		dst = append(dst, 0)
	}

	dst = c.keys.AppendKey(dst, key)
	keySize := len(dst) - start - hdrSize

	switch c.kind {
	case fixedKeyCodec:
		if keySize != c.keySize {
			panic(fmt.Sprintf("invariant broken: key encoded to %d bytes, descriptor declares fixed size %d", keySize, c.keySize))
		}
		if void {
			dst[start] = fixedVoidValue
		} else {
			dst[start] = fixedHasValue
		}
	default:
		switch {
		case keySize <= 0:
			return dst[:start], ErrKeyEmpty
		case keySize > maxKeySize:
			return dst[:start], fmt.Errorf("key of %d bytes: %w", keySize, ErrKeyTooLarge)
		}
		header := uint32(keySize)
		if void {
			header |= voidFlag
		}
		binary.LittleEndian.PutUint32(dst[start:start+variableHeaderSize], header)
	}
	return dst, nil
}

// encodeValue completes the record that encodeKey began at dst[start:].
// On error dst is truncated back to start.
func (c *entryCodec[K, V]) encodeValue(dst []byte, start int, value V, void bool) ([]byte, error) {
	if void {
		return dst, nil
	}
	dst, err := c.values.AppendValue(dst, value)
	if err != nil {
		return dst[:start], err
	}
	return dst, nil
}

// split parses the header of rec and returns the key bytes, the value
// bytes and whether the entry is void.
func (c *entryCodec[K, V]) split(rec []byte) (key, value []byte, void bool, err error) {
	switch c.kind {
	case fixedKeyCodec:
		if len(rec) < fixedHeaderSize+c.keySize {
			return nil, nil, false, fmt.Errorf("record of %d bytes too short for a %d byte key: %w", len(rec), c.keySize, ErrCorrupted)
		}
		void = rec[0] == fixedVoidValue
		key = rec[fixedHeaderSize : fixedHeaderSize+c.keySize]
		value = rec[fixedHeaderSize+c.keySize:]
	default:
		if len(rec) < variableHeaderSize {
			return nil, nil, false, fmt.Errorf("record of %d bytes has no header: %w", len(rec), ErrCorrupted)
		}
		header := binary.LittleEndian.Uint32(rec[:variableHeaderSize])
		void = header&voidFlag != 0
		keySize := int(header &^ voidFlag)
		if keySize <= 0 || variableHeaderSize+keySize > len(rec) {
			return nil, nil, false, fmt.Errorf("record of %d bytes has key size %d: %w", len(rec), keySize, ErrCorrupted)
		}
		key = rec[variableHeaderSize : variableHeaderSize+keySize]
		value = rec[variableHeaderSize+keySize:]
	}
	if void && len(value) != 0 {
		return nil, nil, false, fmt.Errorf("void record carries %d value bytes: %w", len(value), ErrCorrupted)
	}
	return key, value, void, nil
}

// read decodes the full entry in rec.
func (c *entryCodec[K, V]) read(rec []byte) (entry[K, V], error) {
	var e entry[K, V]
	keyBytes, valueBytes, void, err := c.split(rec)
	if err != nil {
		return e, err
	}
	if e.key, err = c.keys.ReadKey(keyBytes); err != nil {
		return e, err
	}
	e.void = void
	if !void {
		if e.value, err = c.values.ReadValue(valueBytes); err != nil {
			return e, err
		}
	}
	return e, nil
}

// readKey decodes only the key in rec.
func (c *entryCodec[K, V]) readKey(rec []byte) (key K, void bool, err error) {
	keyBytes, _, void, err := c.split(rec)
	if err != nil {
		return key, false, err
	}
	key, err = c.keys.ReadKey(keyBytes)
	return key, void, err
}

// readIfKeyMatch decodes the entry in rec only if its key equals
// expected; the value of a non-matching record is never decoded.
func (c *entryCodec[K, V]) readIfKeyMatch(rec []byte, expected K) (entry[K, V], bool, error) {
	var e entry[K, V]
	keyBytes, valueBytes, void, err := c.split(rec)
	if err != nil {
		return e, false, err
	}
	key, err := c.keys.ReadKey(keyBytes)
	if err != nil {
		return e, false, err
	}
	if !c.keys.Equal(key, expected) {
		return e, false, nil
	}
	e.key = key
	e.void = void
	if !void {
		if e.value, err = c.values.ReadValue(valueBytes); err != nil {
			return e, false, err
		}
	}
	return e, true, nil
}
