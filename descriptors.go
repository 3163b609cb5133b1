// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package logmap

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"reflect"

	"github.com/dgryski/go-farm"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/bpowers/logmap/internal/unsafestring"
)

// KeyDescriptor describes how keys are hashed, compared and stored.
// The bytes passed to ReadKey point into the log and must not be
// retained.
type KeyDescriptor[K any] interface {
	Hash(key K) int32
	Equal(a, b K) bool
	// FixedSize returns the encoded size shared by every key, or -1
	// if keys vary in size.
	FixedSize() int
	AppendKey(dst []byte, key K) []byte
	ReadKey(src []byte) (K, error)
}

// ValueDescriptor describes how values are stored.  A descriptor that
// also has an Equal(a, b V) bool method enables deduplication: a Put
// of a value equal to the current one doesn't touch the log.  The
// bytes passed to ReadValue point into the log and must not be
// retained.
type ValueDescriptor[V any] interface {
	AppendValue(dst []byte, value V) ([]byte, error)
	ReadValue(src []byte) (V, error)
}

type valueEqualer[V any] interface {
	Equal(a, b V) bool
}

// StringKeys describes variable-size string keys.
type StringKeys struct{}

func (StringKeys) Hash(key string) int32 {
	return int32(farm.Hash32(unsafestring.ToBytes(key)))
}

func (StringKeys) Equal(a, b string) bool { return a == b }
func (StringKeys) FixedSize() int         { return -1 }

func (StringKeys) AppendKey(dst []byte, key string) []byte {
	return append(dst, key...)
}

func (StringKeys) ReadKey(src []byte) (string, error) {
	return string(src), nil
}

// BytesKeys describes variable-size []byte keys.
type BytesKeys struct{}

func (BytesKeys) Hash(key []byte) int32 {
	return int32(farm.Hash32(key))
}

func (BytesKeys) Equal(a, b []byte) bool { return bytes.Equal(a, b) }
func (BytesKeys) FixedSize() int         { return -1 }

func (BytesKeys) AppendKey(dst []byte, key []byte) []byte {
	return append(dst, key...)
}

func (BytesKeys) ReadKey(src []byte) ([]byte, error) {
	return bytes.Clone(src), nil
}

// Int32Keys describes int32 keys, stored as 4 little-endian bytes.
type Int32Keys struct{}

func (Int32Keys) Hash(key int32) int32  { return key }
func (Int32Keys) Equal(a, b int32) bool { return a == b }
func (Int32Keys) FixedSize() int        { return 4 }

func (Int32Keys) AppendKey(dst []byte, key int32) []byte {
	return binary.LittleEndian.AppendUint32(dst, uint32(key))
}

func (Int32Keys) ReadKey(src []byte) (int32, error) {
	if len(src) != 4 {
		return 0, fmt.Errorf("int32 key of %d bytes: %w", len(src), ErrCorrupted)
	}
	return int32(binary.LittleEndian.Uint32(src)), nil
}

// Int64Keys describes int64 keys, stored as 8 little-endian bytes.
type Int64Keys struct{}

func (Int64Keys) Hash(key int64) int32  { return int32(key ^ (key >> 32)) }
func (Int64Keys) Equal(a, b int64) bool { return a == b }
func (Int64Keys) FixedSize() int        { return 8 }

func (Int64Keys) AppendKey(dst []byte, key int64) []byte {
	return binary.LittleEndian.AppendUint64(dst, uint64(key))
}

func (Int64Keys) ReadKey(src []byte) (int64, error) {
	if len(src) != 8 {
		return 0, fmt.Errorf("int64 key of %d bytes: %w", len(src), ErrCorrupted)
	}
	return int64(binary.LittleEndian.Uint64(src)), nil
}

// StringValues stores strings as their raw bytes.
type StringValues struct{}

func (StringValues) AppendValue(dst []byte, value string) ([]byte, error) {
	return append(dst, value...), nil
}

func (StringValues) ReadValue(src []byte) (string, error) {
	return string(src), nil
}

func (StringValues) Equal(a, b string) bool { return a == b }

// BytesValues stores byte slices as-is.
type BytesValues struct{}

func (BytesValues) AppendValue(dst []byte, value []byte) ([]byte, error) {
	return append(dst, value...), nil
}

func (BytesValues) ReadValue(src []byte) ([]byte, error) {
	return bytes.Clone(src), nil
}

func (BytesValues) Equal(a, b []byte) bool { return bytes.Equal(a, b) }

// Int64Values stores int64s as 8 little-endian bytes.
type Int64Values struct{}

func (Int64Values) AppendValue(dst []byte, value int64) ([]byte, error) {
	return binary.LittleEndian.AppendUint64(dst, uint64(value)), nil
}

func (Int64Values) ReadValue(src []byte) (int64, error) {
	if len(src) != 8 {
		return 0, fmt.Errorf("int64 value of %d bytes: %w", len(src), ErrCorrupted)
	}
	return int64(binary.LittleEndian.Uint64(src)), nil
}

func (Int64Values) Equal(a, b int64) bool { return a == b }

// MsgpackValues stores arbitrary values as MessagePack.  Map entries
// may be encoded in any order, so two values are equal when their
// decoded forms are deeply equal, not when their encodings are.
type MsgpackValues[T any] struct{}

func (MsgpackValues[T]) AppendValue(dst []byte, value T) ([]byte, error) {
	buf := bytes.NewBuffer(dst)
	if err := msgpack.NewEncoder(buf).Encode(value); err != nil {
		return dst, fmt.Errorf("msgpack.Encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (MsgpackValues[T]) ReadValue(src []byte) (T, error) {
	var value T
	if err := msgpack.Unmarshal(src, &value); err != nil {
		return value, fmt.Errorf("msgpack.Unmarshal: %w", err)
	}
	return value, nil
}

func (d MsgpackValues[T]) Equal(a, b T) bool {
	da, err := d.roundTrip(a)
	if err != nil {
		return false
	}
	db, err := d.roundTrip(b)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(da, db)
}

// roundTrip returns value as it reads back from the log, so a freshly
// built value compares equal to the stored one it was decoded from.
func (d MsgpackValues[T]) roundTrip(value T) (T, error) {
	buf, err := d.AppendValue(nil, value)
	if err != nil {
		var zero T
		return zero, err
	}
	return d.ReadValue(buf)
}
