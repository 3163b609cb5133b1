// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package boltindex stores a map from int32 keys to sets of int32
// values in a bbolt database.  It is slower than package index but
// survives crashes, so it never needs to be rebuilt.
package boltindex

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
)

// NoValue is never a valid key or value.
const NoValue int32 = 0

const forEachBatch = 1024

var (
	indexBucket = []byte("index")
	metaBucket  = []byte("meta")
	sizeKey     = []byte("size")

	ErrClosed = errors.New("boltindex: closed")
)

// Option configures a Table.
type Option func(*options)

type options struct {
	logger *slog.Logger
	noSync bool
}

// WithLogger sets the logger used for lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// WithNoSync skips the fsync after every write transaction; data only
// becomes durable on Flush or Close.
func WithNoSync() Option {
	return func(opts *options) {
		opts.noSync = true
	}
}

// Table is a map from int32 keys to sets of int32 values in a bbolt
// database.  It is safe for concurrent use.
type Table struct {
	path    string
	db      *bbolt.DB
	logger  *slog.Logger
	size    atomic.Int64
	created bool
	closed  atomic.Bool
}

// Open opens or creates the database at path.
func Open(path string, opts ...Option) (*Table, error) {
	options := options{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&options)
	}

	_, statErr := os.Stat(path)
	created := errors.Is(statErr, os.ErrNotExist)

	bopt := &bbolt.Options{}
	*bopt = *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	bopt.NoSync = options.noSync
	bopt.FreelistType = bbolt.FreelistMapType

	db, err := bbolt.Open(path, 0o644, bopt)
	if err != nil {
		return nil, fmt.Errorf("bbolt.Open(%s): %w", path, err)
	}

	t := &Table{
		path:    path,
		db:      db,
		logger:  options.logger,
		created: created,
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(indexBucket); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if v := meta.Get(sizeKey); len(v) == 8 {
			t.size.Store(int64(binary.LittleEndian.Uint64(v)))
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("boltindex.Open(%s): %w", path, err)
	}

	t.logger.Debug("opened bolt index", "path", path, "size", t.size.Load(), "created", created)

	return t, nil
}

// IsNew reports whether Open created the database.
func (t *Table) IsNew() bool {
	return t.created
}

// Path returns the path of the database file.
func (t *Table) Path() string {
	return t.path
}

func keyBytes(key int32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(key))
	return buf[:]
}

func decodeValues(dst []int32, b []byte) []int32 {
	for i := 0; i+4 <= len(b); i += 4 {
		dst = append(dst, int32(binary.LittleEndian.Uint32(b[i:i+4])))
	}
	return dst
}

func encodeValues(values []int32) []byte {
	b := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(b[4*i:], uint32(v))
	}
	return b
}

func indexOf(values []int32, v int32) int {
	for i, candidate := range values {
		if candidate == v {
			return i
		}
	}
	return -1
}

func checkNotNoValue(name string, v int32) {
	if v == NoValue {
		panic(fmt.Sprintf("invariant broken: %s must not be NoValue", name))
	}
}

func (t *Table) values(key int32) ([]int32, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	var values []int32
	err := t.db.View(func(tx *bbolt.Tx) error {
		values = decodeValues(nil, tx.Bucket(indexBucket).Get(keyBytes(key)))
		return nil
	})
	return values, err
}

// Lookup calls accept with each value stored under key and returns the
// first accepted one, or NoValue.
func (t *Table) Lookup(key int32, accept func(value int32) (bool, error)) (int32, error) {
	checkNotNoValue("key", key)
	values, err := t.values(key)
	if err != nil {
		return NoValue, err
	}
	for _, v := range values {
		ok, err := accept(v)
		if err != nil {
			return NoValue, err
		}
		if ok {
			return v, nil
		}
	}
	return NoValue, nil
}

// Has reports whether (key, value) is present.
func (t *Table) Has(key, value int32) (bool, error) {
	checkNotNoValue("key", key)
	checkNotNoValue("value", value)
	values, err := t.values(key)
	return indexOf(values, value) >= 0, err
}

// update runs fn over the value set of key in a write transaction and
// stores the result.  fn returns the new set and whether it changed.
func (t *Table) update(key int32, fn func(values []int32) ([]int32, bool)) (bool, error) {
	if t.closed.Load() {
		return false, ErrClosed
	}
	var changed bool
	var delta int
	err := t.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(indexBucket)
		k := keyBytes(key)
		values := decodeValues(nil, b.Get(k))
		before := len(values)
		values, changed = fn(values)
		if !changed {
			return nil
		}
		delta = len(values) - before

		var err error
		if len(values) == 0 {
			err = b.Delete(k)
		} else {
			err = b.Put(k, encodeValues(values))
		}
		if err != nil {
			return err
		}
		if delta != 0 {
			return t.addSize(tx, delta)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("boltindex: %w", err)
	}
	if delta != 0 {
		t.size.Add(int64(delta))
	}
	return changed, nil
}

func (t *Table) addSize(tx *bbolt.Tx, delta int) error {
	meta := tx.Bucket(metaBucket)
	var size int64
	if v := meta.Get(sizeKey); len(v) == 8 {
		size = int64(binary.LittleEndian.Uint64(v))
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(size+int64(delta)))
	return meta.Put(sizeKey, buf[:])
}

// Put adds value to the set stored under key, reporting whether it
// wasn't already there.
func (t *Table) Put(key, value int32) (bool, error) {
	checkNotNoValue("key", key)
	checkNotNoValue("value", value)
	return t.update(key, func(values []int32) ([]int32, bool) {
		if indexOf(values, value) >= 0 {
			return values, false
		}
		return append(values, value), true
	})
}

// Replace swaps oldValue for newValue in the set stored under key,
// keeping it a set.  It reports false if oldValue wasn't present.
func (t *Table) Replace(key, oldValue, newValue int32) (bool, error) {
	checkNotNoValue("key", key)
	checkNotNoValue("oldValue", oldValue)
	checkNotNoValue("newValue", newValue)
	return t.update(key, func(values []int32) ([]int32, bool) {
		i := indexOf(values, oldValue)
		if i < 0 {
			return values, false
		}
		if indexOf(values, newValue) >= 0 {
			return append(values[:i], values[i+1:]...), true
		}
		values[i] = newValue
		return values, true
	})
}

// Remove deletes value from the set stored under key, reporting
// whether it was present.
func (t *Table) Remove(key, value int32) (bool, error) {
	checkNotNoValue("key", key)
	checkNotNoValue("value", value)
	return t.update(key, func(values []int32) ([]int32, bool) {
		i := indexOf(values, value)
		if i < 0 {
			return values, false
		}
		return append(values[:i], values[i+1:]...), true
	})
}

// ForEach calls fn with every (key, value) pair in key order until fn
// returns false or an error.  Pairs are read in batches outside of
// fn, so fn may modify the table.
func (t *Table) ForEach(fn func(key, value int32) (bool, error)) (bool, error) {
	var after []byte
	var batch []int32
	for {
		if t.closed.Load() {
			return false, ErrClosed
		}
		batch = batch[:0]
		done := true
		err := t.db.View(func(tx *bbolt.Tx) error {
			c := tx.Bucket(indexBucket).Cursor()
			var k, v []byte
			if after == nil {
				k, v = c.First()
			} else {
				k, v = c.Seek(after)
				if k != nil && bytes.Equal(k, after) {
					k, v = c.Next()
				}
			}
			for n := 0; k != nil; k, v = c.Next() {
				if n == forEachBatch {
					done = false
					break
				}
				key := int32(binary.BigEndian.Uint32(k))
				for i := 0; i+4 <= len(v); i += 4 {
					batch = append(batch, key, int32(binary.LittleEndian.Uint32(v[i:i+4])))
				}
				after = append(after[:0], k...)
				n++
			}
			return nil
		})
		if err != nil {
			return false, fmt.Errorf("boltindex: %w", err)
		}

		for i := 0; i < len(batch); i += 2 {
			ok, err := fn(batch[i], batch[i+1])
			if err != nil || !ok {
				return false, err
			}
		}
		if done {
			return true, nil
		}
	}
}

// Size returns the number of (key, value) pairs.
func (t *Table) Size() (int, error) {
	if t.closed.Load() {
		return 0, ErrClosed
	}
	return int(t.size.Load()), nil
}

// IsEmpty reports whether the table holds no pairs.
func (t *Table) IsEmpty() (bool, error) {
	n, err := t.Size()
	return n == 0, err
}

// Clear removes every pair.
func (t *Table) Clear() error {
	if t.closed.Load() {
		return ErrClosed
	}
	err := t.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(indexBucket); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		if _, err := tx.CreateBucket(indexBucket); err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Delete(sizeKey)
	})
	if err != nil {
		return fmt.Errorf("boltindex: %w", err)
	}
	t.size.Store(0)
	return nil
}

// Flush syncs the database file.
func (t *Table) Flush() error {
	if t.closed.Load() {
		return ErrClosed
	}
	if err := t.db.Sync(); err != nil {
		return fmt.Errorf("db.Sync: %w", err)
	}
	return nil
}

// IsClosed reports whether the table has been closed.
func (t *Table) IsClosed() bool {
	return t.closed.Load()
}

// Close syncs and closes the database.
func (t *Table) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	err := t.db.Sync()
	if cerr := t.db.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	if err != nil {
		return fmt.Errorf("boltindex.Close: %w", err)
	}
	return nil
}

// CloseAndClean closes the database and removes its file.
func (t *Table) CloseAndClean() error {
	err := t.Close()
	if rmErr := os.Remove(t.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		err = errors.Join(err, fmt.Errorf("os.Remove(%s): %w", t.path, rmErr))
	}
	return err
}
