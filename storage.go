// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package logmap

import (
	"github.com/bpowers/logmap/internal/boltindex"
	"github.com/bpowers/logmap/internal/datafile"
	"github.com/bpowers/logmap/internal/index"
)

// AppendOnlyLog stores immutable byte records, each addressed by a
// positive id assigned at append time.
type AppendOnlyLog interface {
	// Append allocates a record of size bytes, fills it in with write
	// and returns its id.  The slice given to write is only valid
	// during the call.
	Append(size int, write func(payload []byte) error) (int64, error)
	// Read calls fn with the payload of the record with the given id.
	// The slice given to fn is only valid during the call.
	Read(id int64, fn func(payload []byte) error) error
	// ForEachRecord visits every record in ascending id order.
	ForEachRecord(fn func(id int64, payload []byte) (bool, error)) (bool, error)
	RecordsCount() int64
	Flush() error
	Close() error
	CloseAndClean() error
}

// IntToMultiIntMap maps int32 keys to sets of int32 values.  It is an
// accelerator the map can always rebuild from the log, so it doesn't
// need to survive crashes.  Neither keys nor values may be 0.
type IntToMultiIntMap interface {
	Lookup(key int32, accept func(value int32) (bool, error)) (int32, error)
	Put(key, value int32) (bool, error)
	Replace(key, oldValue, newValue int32) (bool, error)
	Remove(key, value int32) (bool, error)
	ForEach(fn func(key, value int32) (bool, error)) (bool, error)
	Size() (int, error)
	IsEmpty() (bool, error)
	Clear() error
	Flush() error
	Close() error
	CloseAndClean() error
	IsClosed() bool
}

// Unmappable is implemented by storage that can release its memory
// mappings immediately on close instead of waiting for the GC.
type Unmappable interface {
	CloseAndUnsafelyUnmap() error
}

var (
	_ AppendOnlyLog    = (*datafile.Log)(nil)
	_ Unmappable       = (*datafile.Log)(nil)
	_ IntToMultiIntMap = (*index.Table)(nil)
	_ IntToMultiIntMap = (*boltindex.Table)(nil)
)
