// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package logmap

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bpowers/logmap/internal/boltindex"
	"github.com/bpowers/logmap/internal/datafile"
	"github.com/bpowers/logmap/internal/index"
)

// Files in a map directory.
const (
	LogFileName       = "map.log"
	IndexFileName     = "map.index"
	BoltIndexFileName = "map.index.bolt"
)

const recordFormatVersion = 1

// dataVersion is stamped into the log so a log written with one record
// layout is never read with another.
func dataVersion(kind codecKind, keySize int) uint32 {
	return recordFormatVersion<<24 | (uint32(kind)+1)<<16 | uint32(keySize)&0xffff
}

func indexFileName(o options) string {
	if o.boltIndex {
		return BoltIndexFileName
	}
	return IndexFileName
}

// Open opens the map stored in dir, creating it if needed.  An index
// that is missing, wasn't closed properly or fails its checksums is
// rebuilt from the log (see WithRebuildOnUncleanIndex).
func Open[K, V any](dir string, keys KeyDescriptor[K], values ValueDescriptor[V], opts ...Option) (*Map[K, V], error) {
	o := applyOptions(opts)
	logger := o.logger.With("map", o.name)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("os.MkdirAll(%s): %w", dir, err)
	}

	logOpts := []datafile.Option{datafile.WithLogger(logger)}
	if o.pageSize != 0 {
		logOpts = append(logOpts, datafile.WithPageSize(o.pageSize))
	}
	log, err := datafile.Open(filepath.Join(dir, LogFileName), logOpts...)
	if err != nil {
		return nil, fmt.Errorf("datafile.Open: %w", err)
	}
	if log.WasRecoveryNeeded() {
		logger.Warn("log recovered after unclean shutdown",
			"path", log.Path(),
			"records", log.RecordsCount())
	}

	codec := newEntryCodec(keys, values)
	version := dataVersion(codec.kind, codec.keySize)
	switch stored := log.DataVersion(); {
	case stored == version:
	case stored == 0 && log.IsEmpty():
		if err := log.SetDataVersion(version); err != nil {
			_ = log.Close()
			return nil, fmt.Errorf("log.SetDataVersion: %w", err)
		}
	default:
		_ = log.Close()
		return nil, fmt.Errorf("log %s has data version %#x, want %#x (%s keys): %w",
			log.Path(), stored, version, codec.kind, ErrFormatMismatch)
	}

	idx, created, err := openIndex(dir, o, logger)
	if err != nil {
		_ = log.Close()
		return nil, err
	}

	m, err := newMap(log, idx, keys, values, o)
	if err != nil {
		return nil, errors.Join(err, log.Close(), idx.Close())
	}

	if (created || log.WasRecoveryNeeded()) && !log.IsEmpty() {
		if err := m.RebuildIndex(); err != nil {
			return nil, errors.Join(fmt.Errorf("RebuildIndex: %w", err), m.Close())
		}
	}
	return m, nil
}

// openIndex opens the index in dir and reports whether it starts out
// empty, either because it was just created or because it was dropped.
func openIndex(dir string, o options, logger *slog.Logger) (IntToMultiIntMap, bool, error) {
	path := filepath.Join(dir, indexFileName(o))

	if o.boltIndex {
		t, err := boltindex.Open(path, boltindex.WithLogger(o.logger))
		if err != nil {
			return nil, false, fmt.Errorf("boltindex.Open: %w", err)
		}
		return t, t.IsNew(), nil
	}

	indexOpts := []index.Option{
		index.WithLogger(o.logger),
		index.WithSegmentSlots(o.segmentSlots),
	}
	t, err := index.Open(path, indexOpts...)
	if err == nil {
		return t, t.IsNew(), nil
	}
	if !o.rebuildUncleanIdx || !(errors.Is(err, index.ErrNotClosedProperly) || errors.Is(err, index.ErrCorrupted)) {
		return nil, false, fmt.Errorf("index.Open: %w", err)
	}

	logger.Warn("dropping index", "path", path, "err", err)
	if err := os.Remove(path); err != nil {
		return nil, false, fmt.Errorf("os.Remove(%s): %w", path, err)
	}
	t, err = index.Open(path, indexOpts...)
	if err != nil {
		return nil, false, fmt.Errorf("index.Open: %w", err)
	}
	return t, true, nil
}

// CompactDir rewrites the closed map in dir so its log only holds live
// entries.  The new map is built in a sibling temporary directory and
// its files are then renamed into dir.  The index is removed first, so
// a crash part way through leaves a log whose index is rebuilt on the
// next Open.
func CompactDir[K, V any](dir string, keys KeyDescriptor[K], values ValueDescriptor[V], opts ...Option) error {
	o := applyOptions(opts)

	src, err := Open(dir, keys, values, opts...)
	if err != nil {
		return fmt.Errorf("Open(%s): %w", dir, err)
	}

	dir, err = filepath.Abs(dir)
	if err != nil {
		return errors.Join(fmt.Errorf("filepath.Abs: %w", err), src.Close())
	}
	tmpDir, err := os.MkdirTemp(filepath.Dir(dir), filepath.Base(dir)+".compact.*")
	if err != nil {
		return errors.Join(fmt.Errorf("MkdirTemp failed (may need permissions for the parent of %q): %w", dir, err), src.Close())
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	dst, err := src.Compact(func() (*Map[K, V], error) {
		return Open(tmpDir, keys, values, opts...)
	})
	if err != nil {
		return errors.Join(err, src.Close())
	}
	if err := dst.Close(); err != nil {
		return errors.Join(fmt.Errorf("dst.Close: %w", err), src.Close())
	}
	if err := src.Close(); err != nil {
		return fmt.Errorf("src.Close: %w", err)
	}

	indexName := indexFileName(o)
	if err := os.Remove(filepath.Join(dir, indexName)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("os.Remove: %w", err)
	}
	for _, name := range []string{LogFileName, indexName} {
		if err := os.Rename(filepath.Join(tmpDir, name), filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("os.Rename: %w", err)
		}
	}
	return nil
}
