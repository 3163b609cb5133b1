// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package logmap

import (
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bpowers/logmap/internal/index"
)

// Option configures a Map.
type Option func(*options)

type options struct {
	logger            *slog.Logger
	registerer        prometheus.Registerer
	name              string
	noDedup           bool
	pageSize          int
	segmentSlots      int
	boltIndex         bool
	rebuildUncleanIdx bool
}

func defaultOptions() options {
	return options{
		logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		name:              "default",
		segmentSlots:      index.DefaultSegmentSlots,
		rebuildUncleanIdx: true,
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets an optional logger for the map and its storage.  If
// not provided, no logging output will be produced.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRegisterer exports the map's metrics to registerer.
func WithRegisterer(registerer prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = registerer
	}
}

// WithName names the map in log output and metric labels.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithoutDeduplication makes every Put append to the log, even when
// the value descriptor can compare values.
func WithoutDeduplication() Option {
	return func(o *options) {
		o.noDedup = true
	}
}

// WithPageSize sets the log page size used when creating a new map
// (default 1 MiB).  It must be a multiple of the OS page size; records
// can't be larger than a page.  Reopening a map with a different page
// size fails.
func WithPageSize(pageSize int) Option {
	return func(o *options) {
		o.pageSize = pageSize
	}
}

// WithSegmentSlots sets the capacity of each index segment.  Keys whose
// adjusted hashes are equal share a segment, so at most n of them can
// be stored.
func WithSegmentSlots(n int) Option {
	return func(o *options) {
		o.segmentSlots = n
	}
}

// WithBoltIndex stores the index in a bbolt database instead of the
// default hash file.
func WithBoltIndex() Option {
	return func(o *options) {
		o.boltIndex = true
	}
}

// WithRebuildOnUncleanIndex controls what Open does with an index that
// wasn't closed properly or fails its checksums.  When enabled (the
// default) the index is dropped and rebuilt from the log; otherwise
// Open returns the error.
func WithRebuildOnUncleanIndex(rebuild bool) Option {
	return func(o *options) {
		o.rebuildUncleanIdx = rebuild
	}
}
