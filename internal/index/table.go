// Copyright 2022 The bit Authors and Caleb Spare. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package index implements an extendible hash table mapping int32 keys
// to sets of int32 values, persisted to a single file.
//
// A directory of 2^globalDepth slots maps the low bits of a key's hash
// to a segment, a small open-addressing table.  When a segment gets
// more than half full it splits in two by looking at one more hash
// bit, doubling the directory if needed.  Only segments modified since
// the last flush are written back.
//
// The file is not crash tolerant: a table that was modified but not
// flushed is marked as such on disk and refused by Open, and callers
// are expected to rebuild it from their source of truth.
package index

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/bpowers/logmap/internal/bitset"
)

// DefaultSegmentSlots is the number of (key, value) slots per segment.
const DefaultSegmentSlots = 4096

// Option configures a Table.
type Option func(*options)

type options struct {
	logger       *slog.Logger
	segmentSlots int
}

// WithLogger sets the logger used for lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// WithSegmentSlots sets the per-segment capacity of a new table; it
// must be a power of two of at least 16.  Existing files keep the
// capacity they were created with.  Values stored under one key (or
// under keys with equal hashes) always share a segment, so at most n
// of them fit; past that Put returns ErrFull.
func WithSegmentSlots(n int) Option {
	return func(opts *options) {
		opts.segmentSlots = n
	}
}

func validSegmentSlots(n int) bool {
	return n >= 16 && n <= 1<<24 && n&(n-1) == 0
}

// Table is a persistent extendible hash table from int32 keys to sets
// of int32 values.  Neither keys nor values may be NoValue.  It is
// safe for concurrent use.
type Table struct {
	path   string
	f      *os.File
	logger *slog.Logger

	mu           sync.RWMutex
	segmentSlots int
	globalDepth  int32
	directory    []int32 // hash suffix -> index into segments
	segments     []*segment
	size         int
	dirty        *bitset.Bitset // segments modified since the last flush
	headerDirty  bool
	modified     bool // status on disk is "opened"

	scratch []int32
	buf     []byte

	created          bool
	closed           atomic.Bool
	splitLimitLogged bool
}

// Open opens the table stored at path, creating an empty one if the
// file doesn't exist or is empty.  Opening a file that wasn't flushed
// after its last modification returns ErrNotClosedProperly; failed
// checksums return ErrCorrupted.
func Open(path string, opts ...Option) (*Table, error) {
	options := options{
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		segmentSlots: DefaultSegmentSlots,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if !validSegmentSlots(options.segmentSlots) {
		return nil, fmt.Errorf("index.Open: segment slots %d must be a power of 2 in [16, 2^24]", options.segmentSlots)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("os.OpenFile(%s): %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("f.Stat: %w", err)
	}

	t := &Table{
		path:         path,
		f:            f,
		logger:       options.logger,
		segmentSlots: options.segmentSlots,
	}
	t.scratch = make([]int32, max(headerRegionLen, segmentBlockLen(t.segmentSlots)))
	t.buf = make([]byte, 4*len(t.scratch))

	if fi.Size() == 0 {
		t.created = true
		t.initEmpty()
		if err := t.flushLocked(); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("index.Open(%s): %w", path, err)
		}
	} else {
		if err := t.readFile(); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("index.Open(%s): %w", path, err)
		}
		t.dirty = bitset.New(int64(len(t.segments)))
	}

	t.logger.Debug("opened index",
		"path", path,
		"size", t.size,
		"segments", len(t.segments),
		"depth", t.globalDepth,
		"created", t.created)

	return t, nil
}

func (t *Table) initEmpty() {
	t.globalDepth = 0
	t.directory = []int32{0}
	t.segments = []*segment{newSegment(t.segmentSlots, 0, 0)}
	t.size = 0
	t.dirty = bitset.New(1)
	t.dirty.Set(0)
	t.headerDirty = true
}

// IsNew reports whether Open created the table rather than loading it.
func (t *Table) IsNew() bool {
	return t.created
}

// Path returns the path of the backing file.
func (t *Table) Path() string {
	return t.path
}

// markModified flips the on-disk status to "opened" on the first
// modification after open or flush.
func (t *Table) markModified() error {
	if t.modified {
		return nil
	}
	if err := t.writeStatus(statusOpened); err != nil {
		return err
	}
	t.modified = true
	return nil
}

func (t *Table) segmentFor(h uint32) (int, *segment) {
	idx := int(t.directory[h&suffixMask(t.globalDepth)])
	return idx, t.segments[idx]
}

func checkNotNoValue(name string, v int32) {
	if v == NoValue {
		panic(fmt.Sprintf("invariant broken: %s must not be NoValue", name))
	}
}

// Lookup calls accept with each value stored under key and returns the
// first accepted one, or NoValue.  accept must not modify the table.
func (t *Table) Lookup(key int32, accept func(value int32) (bool, error)) (int32, error) {
	checkNotNoValue("key", key)
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed.Load() {
		return NoValue, ErrClosed
	}
	h := hash(key)
	_, s := t.segmentFor(h)
	return s.lookup(key, h, accept)
}

// Has reports whether (key, value) is present.
func (t *Table) Has(key, value int32) (bool, error) {
	checkNotNoValue("key", key)
	checkNotNoValue("value", value)
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed.Load() {
		return false, ErrClosed
	}
	h := hash(key)
	_, s := t.segmentFor(h)
	return s.has(key, value, h), nil
}

// Put adds value to the set stored under key, reporting whether it
// wasn't already there.
func (t *Table) Put(key, value int32) (bool, error) {
	checkNotNoValue("key", key)
	checkNotNoValue("value", value)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return false, ErrClosed
	}

	if err := t.markModified(); err != nil {
		return false, err
	}

	h := hash(key)
	idx, s := t.segmentFor(h)
	added, err := s.put(key, value, h)
	if err != nil || !added {
		return false, err
	}
	t.size++
	t.dirty.Set(int64(idx))

	if s.needsSplit() {
		if err := t.split(idx); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Replace swaps oldValue for newValue in the set stored under key.  It
// reports false if oldValue wasn't present.
func (t *Table) Replace(key, oldValue, newValue int32) (bool, error) {
	checkNotNoValue("key", key)
	checkNotNoValue("oldValue", oldValue)
	checkNotNoValue("newValue", newValue)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return false, ErrClosed
	}

	if err := t.markModified(); err != nil {
		return false, err
	}

	h := hash(key)
	idx, s := t.segmentFor(h)
	before := s.alive
	if !s.replace(key, oldValue, newValue, h) {
		return false, nil
	}
	t.size += int(s.alive - before)
	t.dirty.Set(int64(idx))
	return true, nil
}

// Remove deletes value from the set stored under key, reporting
// whether it was present.
func (t *Table) Remove(key, value int32) (bool, error) {
	checkNotNoValue("key", key)
	checkNotNoValue("value", value)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return false, ErrClosed
	}

	if err := t.markModified(); err != nil {
		return false, err
	}

	h := hash(key)
	idx, s := t.segmentFor(h)
	if !s.remove(key, value, h) {
		return false, nil
	}
	t.size--
	t.dirty.Set(int64(idx))
	return true, nil
}

// ForEach calls fn with every (key, value) pair until fn returns false
// or an error, and reports whether it visited everything.  Each
// segment is copied before fn sees its entries, so fn may modify the
// table; such modifications may or may not be visited.
func (t *Table) ForEach(fn func(key, value int32) (bool, error)) (bool, error) {
	var snapshot []int32
	for i := 0; ; i++ {
		t.mu.RLock()
		if t.closed.Load() {
			t.mu.RUnlock()
			return false, ErrClosed
		}
		if i >= len(t.segments) {
			t.mu.RUnlock()
			return true, nil
		}
		snapshot = t.segments[i].appendAlive(snapshot[:0])
		t.mu.RUnlock()

		for j := 0; j < len(snapshot); j += 2 {
			ok, err := fn(snapshot[j], snapshot[j+1])
			if err != nil || !ok {
				return false, err
			}
		}
	}
}

// Size returns the number of (key, value) pairs.
func (t *Table) Size() (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed.Load() {
		return 0, ErrClosed
	}
	return t.size, nil
}

// IsEmpty reports whether the table holds no pairs.
func (t *Table) IsEmpty() (bool, error) {
	n, err := t.Size()
	return n == 0, err
}

// Clear removes every pair and shrinks the table to a single segment.
func (t *Table) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return ErrClosed
	}
	if len(t.segments) == 1 && t.segments[0].alive == 0 && t.size == 0 {
		return nil
	}
	if err := t.markModified(); err != nil {
		return err
	}
	t.initEmpty()
	if err := t.f.Truncate(segmentOffset(1, t.segmentSlots)); err != nil {
		return fmt.Errorf("f.Truncate: %w", err)
	}
	return nil
}

// split divides the segment at idx in two by one more hash bit,
// doubling the directory first if the segment already uses every
// directory bit.  Entries are reinserted, dropping tombstones.  A
// segment whose entries all share one hash is left as is.
func (t *Table) split(idx int) error {
	s := t.segments[idx]
	if s.singleHash() {
		t.logger.Debug("not splitting a segment whose entries share one hash",
			"path", t.path,
			"segment", idx,
			"alive", s.alive)
		return nil
	}
	if s.depth == t.globalDepth {
		if t.globalDepth >= maxGlobalDepth {
			if !t.splitLimitLogged {
				t.splitLimitLogged = true
				t.logger.Warn("index directory at maximum size; segments will fill past their load factor",
					"path", t.path,
					"segments", len(t.segments),
					"segmentSlots", t.segmentSlots)
			}
			return nil
		}
		t.directory = append(t.directory, t.directory...)
		t.globalDepth++
	}

	entries := s.appendAlive(nil)
	newDepth := s.depth + 1
	highBit := uint32(1) << s.depth
	mask := suffixMask(newDepth)

	sibling := newSegment(t.segmentSlots, newDepth, s.suffix|int32(highBit))
	siblingIdx := len(t.segments)
	t.segments = append(t.segments, sibling)

	s.reset()
	s.depth = newDepth
	for i := 0; i < len(entries); i += 2 {
		key, value := entries[i], entries[i+1]
		h := hash(key)
		target := s
		if h&mask != uint32(s.suffix) {
			target = sibling
		}
		if _, err := target.put(key, value, h); err != nil {
			panic(fmt.Sprintf("invariant broken: reinserting into a split segment: %v", err))
		}
	}

	for i := range t.directory {
		if int(t.directory[i]) == idx && uint32(i)&highBit != 0 {
			t.directory[i] = int32(siblingIdx)
		}
	}

	t.dirty.Grow(int64(len(t.segments)))
	t.dirty.Set(int64(idx))
	t.dirty.Set(int64(siblingIdx))
	t.headerDirty = true

	// every entry may have landed on the same side
	if s.needsSplit() {
		return t.split(idx)
	}
	if sibling.needsSplit() {
		return t.split(siblingIdx)
	}
	return nil
}

// Flush writes modified segments and the header to disk, syncs the
// file and marks it properly closed.
func (t *Table) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return ErrClosed
	}
	return t.flushLocked()
}

func (t *Table) flushLocked() error {
	if !t.modified && !t.headerDirty && !t.dirty.Any() {
		return nil
	}

	var err error
	t.dirty.ForEach(func(i int64) bool {
		err = t.writeSegment(int(i))
		return err == nil
	})
	if err != nil {
		return err
	}
	if err := unix.Fdatasync(int(t.f.Fd())); err != nil {
		return fmt.Errorf("unix.Fdatasync: %w", err)
	}
	if err := t.writeHeader(statusProperlyClosed); err != nil {
		return err
	}
	if err := unix.Fdatasync(int(t.f.Fd())); err != nil {
		return fmt.Errorf("unix.Fdatasync: %w", err)
	}

	t.dirty.Reset()
	t.headerDirty = false
	t.modified = false
	return nil
}

// IsClosed reports whether the table has been closed.
func (t *Table) IsClosed() bool {
	return t.closed.Load()
}

// Close flushes the table and closes the file.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return nil
	}

	err := t.flushLocked()
	t.closed.Store(true)
	if cerr := t.f.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("f.Close: %w", cerr))
	}
	t.segments = nil
	t.directory = nil
	return err
}

// CloseAndClean closes the table and removes its file.
func (t *Table) CloseAndClean() error {
	err := t.Close()
	if rmErr := os.Remove(t.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		err = errors.Join(err, fmt.Errorf("os.Remove(%s): %w", t.path, rmErr))
	}
	return err
}
