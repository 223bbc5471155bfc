// Copyright (C) The TaskDepot Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package devices leases exclusive-use host devices to task runs. A
// manager holds one inventory per device kind; kinds are open-ended
// strings, and every kind has the same lease/release contract.
package devices

import (
	"fmt"
	"math"
	"path/filepath"
	"runtime"
	"sync"

	"git.taskdepot.org/taskdepot.git/lib/worker"
	"github.com/sirupsen/logrus"
)

// Manager implements worker.DeviceManager.
type Manager struct {
	logger logrus.FieldLogger

	mtx   sync.Mutex
	kinds map[string]*inventory
}

type inventory struct {
	free   []string
	leased map[string]bool
}

// NewManager returns a Manager with no inventories. Use Register to
// add device kinds.
func NewManager(logger logrus.FieldLogger) *Manager {
	return &Manager{
		logger: logger,
		kinds:  map[string]*inventory{},
	}
}

// NewHostManager returns a Manager loaded with the devices present on
// this host: one "cpu" device per logical CPU, and loopback
// video/audio devices discovered under /dev.
func NewHostManager(logger logrus.FieldLogger) *Manager {
	mgr := NewManager(logger)
	var cpus []string
	for i := 0; i < runtime.NumCPU(); i++ {
		cpus = append(cpus, fmt.Sprintf("%d", i))
	}
	mgr.Register("cpu", cpus)
	if video, _ := filepath.Glob("/dev/video*"); len(video) > 0 {
		mgr.Register("loopbackVideo", video)
	}
	if audio, _ := filepath.Glob("/dev/snd/controlC*"); len(audio) > 0 {
		mgr.Register("loopbackAudio", audio)
	}
	return mgr
}

// Register adds (or replaces) the inventory for a device kind.
func (mgr *Manager) Register(kind string, ids []string) {
	mgr.mtx.Lock()
	defer mgr.mtx.Unlock()
	mgr.kinds[kind] = &inventory{
		free:   append([]string(nil), ids...),
		leased: map[string]bool{},
	}
	mgr.logger.WithFields(logrus.Fields{
		"Kind":  kind,
		"Count": len(ids),
	}).Info("registered device inventory")
}

// AvailableCapacity reports how many more tasks the device supply can
// support: the smallest free count across all registered kinds. A
// manager with no inventories does not limit capacity.
func (mgr *Manager) AvailableCapacity() (int, error) {
	mgr.mtx.Lock()
	defer mgr.mtx.Unlock()
	if len(mgr.kinds) == 0 {
		return math.MaxInt32, nil
	}
	capacity := math.MaxInt32
	for _, inv := range mgr.kinds {
		if n := len(inv.free); n < capacity {
			capacity = n
		}
	}
	return capacity, nil
}

// GetDevice leases one free device of the given kind.
func (mgr *Manager) GetDevice(kind string) (worker.Device, error) {
	mgr.mtx.Lock()
	defer mgr.mtx.Unlock()
	inv, ok := mgr.kinds[kind]
	if !ok {
		return nil, fmt.Errorf("no such device kind %q", kind)
	}
	if len(inv.free) == 0 {
		return nil, fmt.Errorf("no free %q devices", kind)
	}
	id := inv.free[len(inv.free)-1]
	inv.free = inv.free[:len(inv.free)-1]
	inv.leased[id] = true
	return &device{mgr: mgr, kind: kind, id: id}, nil
}

type device struct {
	mgr  *Manager
	kind string
	id   string
	once sync.Once
}

func (d *device) ID() string { return d.id }

// Release returns the device to its inventory. Safe to call more
// than once; only the first call has any effect.
func (d *device) Release() error {
	d.once.Do(func() {
		d.mgr.mtx.Lock()
		defer d.mgr.mtx.Unlock()
		inv, ok := d.mgr.kinds[d.kind]
		if !ok || !inv.leased[d.id] {
			return
		}
		delete(inv.leased, d.id)
		inv.free = append(inv.free, d.id)
	})
	return nil
}
