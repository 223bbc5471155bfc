// Copyright (C) The TaskDepot Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// stubDevice counts Release calls.
type stubDevice struct {
	id string

	mtx      sync.Mutex
	released int
}

func (d *stubDevice) ID() string { return d.id }

func (d *stubDevice) Release() error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.released++
	return nil
}

func (d *stubDevice) releaseCount() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.released
}

// stubDevices is a DeviceManager with configurable supply.
type stubDevices struct {
	capacity    int
	capacityErr error
	getErr      error

	mtx    sync.Mutex
	probes int
	leased []*stubDevice
}

func (dm *stubDevices) AvailableCapacity() (int, error) {
	dm.mtx.Lock()
	defer dm.mtx.Unlock()
	dm.probes++
	if dm.capacityErr != nil {
		return 0, dm.capacityErr
	}
	return dm.capacity, nil
}

func (dm *stubDevices) GetDevice(kind string) (Device, error) {
	if dm.getErr != nil {
		return nil, dm.getErr
	}
	dm.mtx.Lock()
	defer dm.mtx.Unlock()
	dev := &stubDevice{id: fmt.Sprintf("%s-%d", kind, len(dm.leased))}
	dm.leased = append(dm.leased, dev)
	return dev, nil
}

func (dm *stubDevices) leasedDevices() []*stubDevice {
	dm.mtx.Lock()
	defer dm.mtx.Unlock()
	return append([]*stubDevice(nil), dm.leased...)
}

type stubDisk struct {
	exceeds bool

	mtx    sync.Mutex
	checks int
}

func (d *stubDisk) ExceedsThreshold(volume string, threshold int64, claims int) bool {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.checks++
	return d.exceeds
}

type stubGC struct {
	mtx    sync.Mutex
	sweeps []bool
}

func (gc *stubGC) Sweep(ctx context.Context, full bool) error {
	gc.mtx.Lock()
	defer gc.mtx.Unlock()
	gc.sweeps = append(gc.sweeps, full)
	return nil
}

func (gc *stubGC) sweepLog() []bool {
	gc.mtx.Lock()
	defer gc.mtx.Unlock()
	return append([]bool(nil), gc.sweeps...)
}

type stubVolumeCache struct {
	mtx    sync.Mutex
	purges int
}

func (vc *stubVolumeCache) PurgeCaches(ctx context.Context) error {
	vc.mtx.Lock()
	defer vc.mtx.Unlock()
	vc.purges++
	return nil
}

func (vc *stubVolumeCache) purgeCount() int {
	vc.mtx.Lock()
	defer vc.mtx.Unlock()
	return vc.purges
}

type stubHost struct {
	uptime      time.Duration
	billing     time.Duration
	shutdownErr error

	mtx       sync.Mutex
	shutdowns int
}

func (h *stubHost) Shutdown() error {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.shutdowns++
	return h.shutdownErr
}

func (h *stubHost) shutdownCount() int {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.shutdowns
}

func (h *stubHost) Uptime() time.Duration             { return h.uptime }
func (h *stubHost) BillingCycleUptime() time.Duration { return h.billing }

// stubShutdownMgr flips intent mid-test.
type stubShutdownMgr struct {
	mtx     sync.Mutex
	intent  Intent
	idle    int
	working int
}

func (sm *stubShutdownMgr) OnIdle() {
	sm.mtx.Lock()
	defer sm.mtx.Unlock()
	sm.idle++
}

func (sm *stubShutdownMgr) OnWorking() {
	sm.mtx.Lock()
	defer sm.mtx.Unlock()
	sm.working++
}

func (sm *stubShutdownMgr) ShouldExit() Intent {
	sm.mtx.Lock()
	defer sm.mtx.Unlock()
	if sm.intent == "" {
		return IntentNone
	}
	return sm.intent
}

func (sm *stubShutdownMgr) setIntent(intent Intent) {
	sm.mtx.Lock()
	defer sm.mtx.Unlock()
	sm.intent = intent
}

// stubHandler blocks in Start until released by finish, Cancel,
// Abort, or context cancellation, then returns startErr.
type stubHandler struct {
	startErr error
	abortErr error

	once    sync.Once
	release chan struct{}
	mtx     sync.Mutex
	status  string
	cancels []string
	aborts  []string
}

func (h *stubHandler) init() {
	h.once.Do(func() {
		h.release = make(chan struct{}, 10)
		h.status = "pending"
	})
}

func (h *stubHandler) Start(ctx context.Context) error {
	h.init()
	h.mtx.Lock()
	h.status = "running"
	h.mtx.Unlock()
	select {
	case <-h.release:
	case <-ctx.Done():
	}
	h.mtx.Lock()
	h.status = "done"
	h.mtx.Unlock()
	return h.startErr
}

func (h *stubHandler) finish() {
	h.init()
	h.release <- struct{}{}
}

func (h *stubHandler) Cancel(reason string) {
	h.init()
	h.mtx.Lock()
	h.cancels = append(h.cancels, reason)
	h.mtx.Unlock()
	h.release <- struct{}{}
}

func (h *stubHandler) Abort(reason string) error {
	h.init()
	h.mtx.Lock()
	h.aborts = append(h.aborts, reason)
	h.mtx.Unlock()
	h.release <- struct{}{}
	return h.abortErr
}

func (h *stubHandler) Status() string {
	h.init()
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.status
}

func (h *stubHandler) cancelLog() []string {
	h.init()
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return append([]string(nil), h.cancels...)
}

func (h *stubHandler) abortLog() []string {
	h.init()
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return append([]string(nil), h.aborts...)
}

// stubMonitor accumulates counts and measurements.
type stubMonitor struct {
	mtx      sync.Mutex
	counts   map[string]float64
	measures map[string][]float64
}

func (m *stubMonitor) Count(name string, n float64) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.counts == nil {
		m.counts = map[string]float64{}
	}
	m.counts[name] += n
}

func (m *stubMonitor) Measure(name string, v float64) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.measures == nil {
		m.measures = map[string][]float64{}
	}
	m.measures[name] = append(m.measures[name], v)
}

func (m *stubMonitor) Child(name string) Monitor { return m }

func (m *stubMonitor) countOf(name string) float64 {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.counts[name]
}

func (m *stubMonitor) measuresOf(name string) []float64 {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return append([]float64(nil), m.measures[name]...)
}

// stubEvents records event types in order.
type stubEvents struct {
	mtx    sync.Mutex
	events []string
}

func (e *stubEvents) Event(eventType string, fields logrus.Fields) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.events = append(e.events, eventType)
}

func (e *stubEvents) types() []string {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return append([]string(nil), e.events...)
}

func (e *stubEvents) countType(eventType string) int {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	n := 0
	for _, et := range e.events {
		if et == eventType {
			n++
		}
	}
	return n
}
