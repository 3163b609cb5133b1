// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package logmap

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "logmap"

// mapMetrics are always collected; they are only exported when a
// registerer is configured.
type mapMetrics struct {
	appends         prometheus.Counter
	dedupSkips      prometheus.Counter
	lookups         prometheus.Counter
	collisionProbes prometheus.Counter
	compactions     prometheus.Counter
	rebuilds        prometheus.Counter
	flushDuration   prometheus.Summary
}

func newMapMetrics(registerer prometheus.Registerer, name string) (*mapMetrics, error) {
	labels := prometheus.Labels{"map": name}
	m := &mapMetrics{}

	m.appends = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Name:        "log_appends_total",
		Help:        "Total number of records appended to the log.",
		ConstLabels: labels,
	})

	m.dedupSkips = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Name:        "dedup_skips_total",
		Help:        "Total number of puts skipped because the value was unchanged.",
		ConstLabels: labels,
	})

	m.lookups = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Name:        "lookups_total",
		Help:        "Total number of index lookups.",
		ConstLabels: labels,
	})

	m.collisionProbes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Name:        "collision_probes_total",
		Help:        "Total number of log records read whose key did not match the lookup key.",
		ConstLabels: labels,
	})

	m.compactions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Name:        "compactions_total",
		Help:        "Total number of compactions.",
		ConstLabels: labels,
	})

	m.rebuilds = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Name:        "index_rebuilds_total",
		Help:        "Total number of index rebuilds from the log.",
		ConstLabels: labels,
	})

	m.flushDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace:   metricsNamespace,
		Name:        "flush_duration_seconds",
		Help:        "Duration of log and index flushes.",
		Objectives:  map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		ConstLabels: labels,
	})

	if registerer == nil {
		return m, nil
	}

	var err error
	m.appends, err = registerCollector(registerer, m.appends)
	if err != nil {
		return nil, err
	}
	m.dedupSkips, err = registerCollector(registerer, m.dedupSkips)
	if err != nil {
		return nil, err
	}
	m.lookups, err = registerCollector(registerer, m.lookups)
	if err != nil {
		return nil, err
	}
	m.collisionProbes, err = registerCollector(registerer, m.collisionProbes)
	if err != nil {
		return nil, err
	}
	m.compactions, err = registerCollector(registerer, m.compactions)
	if err != nil {
		return nil, err
	}
	m.rebuilds, err = registerCollector(registerer, m.rebuilds)
	if err != nil {
		return nil, err
	}
	m.flushDuration, err = registerCollector(registerer, m.flushDuration)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// registerCollector registers c, or returns the collector already
// registered under the same descriptor when a map with the same name is
// reopened.
func registerCollector[C prometheus.Collector](registerer prometheus.Registerer, c C) (C, error) {
	err := registerer.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, err
}
