// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package logmap

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/bpowers/logmap/internal/index"
)

// smallMapRecords is the log size below which CompactionScore never
// drops under minSmallMapScore.
const (
	smallMapRecords  = 512
	minSmallMapScore = 0.1
)

// Map is a durable key-value map over an append-only log.  Every
// mutation appends a record to the log; the index maps an adjusted hash
// of each live key to the id of its latest record.  The log is the
// source of truth: the index can be dropped and rebuilt from it at any
// time (see RebuildIndex).
//
// Reads may run concurrently with each other and with mutations.
// Mutations are serialized.
type Map[K, V any] struct {
	log     AppendOnlyLog
	index   IntToMultiIntMap
	keys    KeyDescriptor[K]
	codec   *entryCodec[K, V]
	equal   valueEqualer[V] // nil disables deduplication
	logger  *slog.Logger
	metrics *mapMetrics

	// mu is held across the whole lookup, append, index update sequence
	// of a mutation, so the log record is always written before the index
	// points at it and two puts of one key can't interleave.  Compact and
	// RebuildIndex hold it too.
	mu      sync.Mutex
	scratch []byte
}

// New assembles a Map from an already opened log and index.  The map
// takes ownership of both.  Only WithLogger, WithRegisterer, WithName
// and WithoutDeduplication apply.
func New[K, V any](log AppendOnlyLog, idx IntToMultiIntMap, keys KeyDescriptor[K], values ValueDescriptor[V], opts ...Option) (*Map[K, V], error) {
	o := applyOptions(opts)
	return newMap(log, idx, keys, values, o)
}

func newMap[K, V any](log AppendOnlyLog, idx IntToMultiIntMap, keys KeyDescriptor[K], values ValueDescriptor[V], o options) (*Map[K, V], error) {
	metrics, err := newMapMetrics(o.registerer, o.name)
	if err != nil {
		return nil, fmt.Errorf("newMapMetrics: %w", err)
	}
	m := &Map[K, V]{
		log:     log,
		index:   idx,
		keys:    keys,
		codec:   newEntryCodec(keys, values),
		logger:  o.logger.With("map", o.name),
		metrics: metrics,
	}
	if eq, ok := values.(valueEqualer[V]); ok && !o.noDedup {
		m.equal = eq
	}
	return m, nil
}

func (m *Map[K, V]) checkOpen() error {
	if m.index.IsClosed() {
		return ErrClosed
	}
	return nil
}

// find returns the stored id of the indexed record for key, or
// index.NoValue.  Keys of candidate records are compared before any
// value is decoded; the value of the match is only decoded when
// withValue is set.
func (m *Map[K, V]) find(h int32, key K, withValue bool) (int32, entry[K, V], error) {
	m.metrics.lookups.Inc()
	var found entry[K, V]
	id, err := m.index.Lookup(h, func(storedID int32) (bool, error) {
		var match bool
		err := m.log.Read(int64(storedID), func(rec []byte) error {
			if withValue {
				var err error
				found, match, err = m.codec.readIfKeyMatch(rec, key)
				return err
			}
			k, void, err := m.codec.readKey(rec)
			if err != nil {
				return err
			}
			if m.keys.Equal(k, key) {
				match = true
				found = entry[K, V]{key: k, void: void}
			}
			return nil
		})
		if err != nil {
			return false, fmt.Errorf("log.Read(%d): %w", storedID, err)
		}
		if !match {
			m.metrics.collisionProbes.Inc()
		}
		return match, nil
	})
	if err != nil {
		return index.NoValue, found, err
	}
	return id, found, nil
}

// ContainsMapping reports whether the index references a record for
// key.  A record that marks key as removed still counts, so use Get to
// test for a live value.
func (m *Map[K, V]) ContainsMapping(key K) (bool, error) {
	if err := m.checkOpen(); err != nil {
		return false, err
	}
	id, _, err := m.find(adjustedHash(m.keys.Hash(key)), key, false)
	if err != nil {
		return false, err
	}
	return id != index.NoValue, nil
}

// Get returns the value for key and whether one was present.
func (m *Map[K, V]) Get(key K) (V, bool, error) {
	var zero V
	if err := m.checkOpen(); err != nil {
		return zero, false, err
	}
	id, e, err := m.find(adjustedHash(m.keys.Hash(key)), key, true)
	if err != nil {
		return zero, false, err
	}
	if id == index.NoValue || e.void {
		return zero, false, nil
	}
	return e.value, true, nil
}

// Put sets the value for key.  If the value descriptor can compare
// values and value equals the current one, the log isn't touched.
func (m *Map[K, V]) Put(key K, value V) error {
	return m.put(key, value, false)
}

// Remove deletes key by appending a record marking it removed.
func (m *Map[K, V]) Remove(key K) error {
	var zero V
	return m.put(key, zero, true)
}

func (m *Map[K, V]) put(key K, value V, void bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen(); err != nil {
		return err
	}
	// invalid keys are rejected before the index is consulted
	rec, err := m.codec.encodeKey(m.scratch[:0], key, void)
	if err != nil {
		return err
	}
	m.scratch = rec

	h := adjustedHash(m.keys.Hash(key))
	dedup := m.equal != nil && !void
	oldID, old, err := m.find(h, key, dedup)
	if err != nil {
		return err
	}
	found := oldID != index.NoValue

	if found && dedup && !old.void && m.equal.Equal(old.value, value) {
		m.metrics.dedupSkips.Inc()
		return nil
	}

	rec, err = m.codec.encodeValue(m.scratch, 0, value, void)
	if err != nil {
		return err
	}
	m.scratch = rec
	logID, err := m.log.Append(len(rec), func(payload []byte) error {
		copy(payload, rec)
		return nil
	})
	if err != nil {
		return fmt.Errorf("log.Append: %w", err)
	}
	m.metrics.appends.Inc()
	newID := storedID(logID)

	switch {
	case found && !void:
		_, err = m.index.Replace(h, oldID, newID)
	case found:
		_, err = m.index.Remove(h, oldID)
	case !void:
		_, err = m.index.Put(h, newID)
	}
	if err != nil {
		return fmt.Errorf("index update for record %d: %w", newID, err)
	}
	return nil
}

// storedID narrows a log record id to the index's 32-bit values.
func storedID(logID int64) int32 {
	if logID <= 0 || logID > math.MaxInt32 {
		panic(fmt.Sprintf("invariant broken: log record id %d doesn't fit in the index", logID))
	}
	return int32(logID)
}

// ForEachEntry calls fn for every live entry, in no particular order,
// stopping early if fn returns false or an error.  It reports whether
// the iteration ran to completion.  fn may modify the map.
func (m *Map[K, V]) ForEachEntry(fn func(key K, value V) (bool, error)) (bool, error) {
	if err := m.checkOpen(); err != nil {
		return false, err
	}
	return m.index.ForEach(func(_, id int32) (bool, error) {
		var e entry[K, V]
		err := m.log.Read(int64(id), func(rec []byte) error {
			var err error
			e, err = m.codec.read(rec)
			return err
		})
		if err != nil {
			return false, fmt.Errorf("log.Read(%d): %w", id, err)
		}
		if e.void {
			panic(fmt.Sprintf("invariant broken: index references removal record %d", id))
		}
		return fn(e.key, e.value)
	})
}

// ProcessKeys is like ForEachEntry but only decodes keys.
func (m *Map[K, V]) ProcessKeys(fn func(key K) (bool, error)) (bool, error) {
	if err := m.checkOpen(); err != nil {
		return false, err
	}
	return m.index.ForEach(func(_, id int32) (bool, error) {
		var key K
		var void bool
		err := m.log.Read(int64(id), func(rec []byte) error {
			var err error
			key, void, err = m.codec.readKey(rec)
			return err
		})
		if err != nil {
			return false, fmt.Errorf("log.Read(%d): %w", id, err)
		}
		if void {
			panic(fmt.Sprintf("invariant broken: index references removal record %d", id))
		}
		return fn(key)
	})
}

// Size returns the number of live entries.
func (m *Map[K, V]) Size() (int, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	return m.index.Size()
}

// IsEmpty reports whether the map has no live entries.
func (m *Map[K, V]) IsEmpty() (bool, error) {
	if err := m.checkOpen(); err != nil {
		return false, err
	}
	return m.index.IsEmpty()
}

// RecordsCount returns the number of records in the log, live or not.
func (m *Map[K, V]) RecordsCount() int64 {
	return m.log.RecordsCount()
}

// Flush makes all mutations durable, log first.
func (m *Map[K, V]) Flush() error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	start := time.Now()
	defer func() { m.metrics.flushDuration.Observe(time.Since(start).Seconds()) }()

	if err := m.log.Flush(); err != nil {
		return fmt.Errorf("log.Flush: %w", err)
	}
	if err := m.index.Flush(); err != nil {
		return fmt.Errorf("index.Flush: %w", err)
	}
	return nil
}

// IsClosed reports whether the map has been closed.  Only the index's
// state is consulted.
func (m *Map[K, V]) IsClosed() bool {
	return m.index.IsClosed()
}

// Close flushes and closes the log and the index.
func (m *Map[K, V]) Close() error {
	return m.closeBoth(m.log.Close, m.index.Close)
}

// CloseAndClean closes the map and deletes its files.
func (m *Map[K, V]) CloseAndClean() error {
	return m.closeBoth(m.log.CloseAndClean, m.index.CloseAndClean)
}

// CloseAndUnsafelyUnmap closes the map and releases memory mappings
// immediately.  Slices previously handed out by the storage must not be
// used afterwards.  Storage that has no mappings is simply closed.
func (m *Map[K, V]) CloseAndUnsafelyUnmap() error {
	logClose, indexClose := m.log.Close, m.index.Close
	if u, ok := m.log.(Unmappable); ok {
		logClose = u.CloseAndUnsafelyUnmap
	}
	if u, ok := m.index.(Unmappable); ok {
		indexClose = u.CloseAndUnsafelyUnmap
	}
	return m.closeBoth(logClose, indexClose)
}

// closeBoth runs both closers even if the first fails.
func (m *Map[K, V]) closeBoth(logClose, indexClose func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if err := logClose(); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	if err := indexClose(); err != nil {
		errs = append(errs, fmt.Errorf("index: %w", err))
	}
	err := errors.Join(errs...)
	if err != nil {
		m.logger.Error("close failed", "err", err)
	}
	return err
}
