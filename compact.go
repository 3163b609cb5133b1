// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package logmap

import (
	"errors"
	"fmt"
	"time"

	"github.com/bpowers/logmap/internal/index"
)

// CompactionScore estimates the share of the log taken by stale
// records, from 0 (all live) to 1.  Small logs never score below 0.1.
func (m *Map[K, V]) CompactionScore() (float64, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	total := m.log.RecordsCount()
	if total == 0 {
		return 0, nil
	}
	active, err := m.index.Size()
	if err != nil {
		return 0, fmt.Errorf("index.Size: %w", err)
	}
	score := max(1-float64(active)/float64(total), 0)
	if total < smallMapRecords {
		score = max(score, minSmallMapScore)
	}
	return score, nil
}

// Compact copies every live entry into the map returned by newMap and
// returns it.  m itself is left as is; swapping and discarding the old
// storage is up to the caller.  Mutations of m wait until Compact is
// done.  If copying fails the new map is closed and deleted.
func (m *Map[K, V]) Compact(newMap func() (*Map[K, V], error)) (*Map[K, V], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	dst, err := newMap()
	if err != nil {
		return nil, fmt.Errorf("newMap: %w", err)
	}
	if dst == m {
		panic("invariant broken: compacting a map into itself")
	}

	start := time.Now()
	records := m.log.RecordsCount()
	m.logger.Info("compaction started", "records", records)

	var copied int
	_, err = m.ForEachEntry(func(key K, value V) (bool, error) {
		copied++
		return true, dst.Put(key, value)
	})
	if err != nil {
		if cerr := dst.CloseAndClean(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("dst.CloseAndClean: %w", cerr))
		}
		return nil, fmt.Errorf("compact: %w", err)
	}

	m.metrics.compactions.Inc()
	m.logger.Info("compaction finished",
		"records", records,
		"live", copied,
		"duration", time.Since(start))
	return dst, nil
}

// RebuildIndex clears the index and replays the log into it, keeping
// the last record of each key.  Any index can be restored this way, so
// it is safe to drop one that may be stale.
func (m *Map[K, V]) RebuildIndex() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.rebuildIndexLocked()
}

func (m *Map[K, V]) rebuildIndexLocked() error {
	start := time.Now()
	m.logger.Info("index rebuild started", "records", m.log.RecordsCount())

	if err := m.index.Clear(); err != nil {
		return fmt.Errorf("index.Clear: %w", err)
	}

	_, err := m.log.ForEachRecord(func(logID int64, rec []byte) (bool, error) {
		key, void, err := m.codec.readKey(rec)
		if err != nil {
			return false, fmt.Errorf("record %d: %w", logID, err)
		}
		id := storedID(logID)
		h := adjustedHash(m.keys.Hash(key))
		oldID, _, err := m.find(h, key, false)
		if err != nil {
			return false, err
		}
		switch {
		case oldID != index.NoValue && !void:
			_, err = m.index.Replace(h, oldID, id)
		case oldID != index.NoValue:
			_, err = m.index.Remove(h, oldID)
		case !void:
			_, err = m.index.Put(h, id)
		}
		return err == nil, err
	})
	if err != nil {
		return fmt.Errorf("log.ForEachRecord: %w", err)
	}

	m.metrics.rebuilds.Inc()
	size, _ := m.index.Size()
	m.logger.Info("index rebuild finished",
		"records", m.log.RecordsCount(),
		"live", size,
		"duration", time.Since(start))
	return nil
}
