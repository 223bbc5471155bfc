// Copyright (C) The TaskDepot Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package telemetry implements the worker's Monitor on top of
// prometheus: counters and measurements are created lazily by name
// and registered on an injected registry.
package telemetry

import (
	"strings"
	"sync"

	"git.taskdepot.org/taskdepot.git/lib/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Monitor accumulates named counters and measurements. Metric names
// may contain characters prometheus rejects ("capacity-busy",
// "task.error"); they are sanitized on first use. Child monitors
// share the parent's registry and prefix their metric names.
type Monitor struct {
	logger logrus.FieldLogger
	reg    *prometheus.Registry
	prefix string

	// shared across the whole monitor tree
	mtx      *sync.Mutex
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
}

// NewMonitor returns a Monitor registering its metrics on reg.
func NewMonitor(logger logrus.FieldLogger, reg *prometheus.Registry) *Monitor {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Monitor{
		logger:   logger,
		reg:      reg,
		mtx:      &sync.Mutex{},
		counters: map[string]prometheus.Counter{},
		gauges:   map[string]prometheus.Gauge{},
	}
}

// Count adds n to the named counter.
func (m *Monitor) Count(name string, n float64) {
	if n < 0 {
		// prometheus counters cannot go down; nothing in the
		// worker counts negative amounts, so just drop it.
		m.logger.WithField("Metric", name).Warn("dropping negative count")
		return
	}
	m.counter(name).Add(n)
}

// Measure records the current value of the named measurement.
func (m *Monitor) Measure(name string, value float64) {
	m.gauge(name).Set(value)
}

// Child returns a monitor whose metric names are prefixed with name.
func (m *Monitor) Child(name string) worker.Monitor {
	return &Monitor{
		logger:   m.logger,
		reg:      m.reg,
		prefix:   m.prefix + name + ".",
		mtx:      m.mtx,
		counters: m.counters,
		gauges:   m.gauges,
	}
}

func (m *Monitor) counter(name string) prometheus.Counter {
	name = m.prefix + name
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if c, ok := m.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskdepot",
		Subsystem: "worker",
		Name:      sanitize(name) + "_total",
		Help:      "Accumulated " + name + ".",
	})
	if err := m.reg.Register(c); err != nil {
		m.logger.WithField("Metric", name).WithError(err).Warn("error registering counter")
	}
	m.counters[name] = c
	return c
}

func (m *Monitor) gauge(name string) prometheus.Gauge {
	name = m.prefix + name
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if g, ok := m.gauges[name]; ok {
		return g
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskdepot",
		Subsystem: "worker",
		Name:      sanitize(name),
		Help:      "Last observed " + name + ".",
	})
	if err := m.reg.Register(g); err != nil {
		m.logger.WithField("Metric", name).WithError(err).Warn("error registering gauge")
	}
	m.gauges[name] = g
	return g
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
