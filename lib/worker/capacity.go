// Copyright (C) The TaskDepot Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// capacitySnapshot is an immutable sample of the worker's idle/busy
// slot counts, taken at every capacity transition and on the report
// timer.
type capacitySnapshot struct {
	idle int
	busy int
	time time.Time
}

// Occupancy histogram thresholds for the weighted capacity counters.
var occupancyThresholds = []int{0, 1, 2, 3, 4, 6, 8}

// admissibleCapacity computes how many claims the next ClaimWork call
// may request: remaining configured slots, limited by the host's
// device supply. A failed device probe counts as zero supply for this
// cycle.
func (wkr *Worker) admissibleCapacity() int {
	devCap, err := wkr.Devices.AvailableCapacity()
	if err != nil {
		devCap = 0
		wkr.Logger.WithField("AlertOperator", true).WithError(err).Error("error probing device capacity")
	}

	wkr.mtx.Lock()
	defer wkr.mtx.Unlock()
	admissible := wkr.capacity - wkr.running.size()
	if admissible < 0 {
		admissible = 0
	}
	if devCap < wkr.capacity {
		if !wkr.deviceLimited {
			wkr.deviceLimited = true
			wkr.Logger.WithFields(logrus.Fields{
				"DeviceCapacity":     devCap,
				"ConfiguredCapacity": wkr.capacity,
			}).Info("device supply below configured capacity, adjusting")
		}
	} else {
		wkr.deviceLimited = false
	}
	if admissible > devCap {
		admissible = devCap
	}
	wkr.lastKnownCapacity = admissible
	wkr.mLastKnownCapacity.Set(float64(admissible))
	return admissible
}

// recordCapacity charges the interval since the last capacity
// snapshot to the weighted busy/idle counters, then samples a new
// snapshot. It is called immediately before every registry insertion
// and removal (so the counters always describe the pre-mutation
// state) and on the report timer.
//
// caller must have lock.
func (wkr *Worker) recordCapacity() {
	now := time.Now()
	last := wkr.snap
	if !last.time.IsZero() && now.After(last.time) {
		dt := float64(now.Sub(last.time).Milliseconds())
		wkr.Monitor.Count("capacity-busy", float64(last.busy)*dt)
		wkr.Monitor.Count("capacity-idle", float64(last.idle)*dt)
		for _, k := range occupancyThresholds {
			if k == 0 {
				if last.busy == 0 {
					wkr.Monitor.Count("running-eq-0", dt)
				}
				if last.idle == 0 {
					wkr.Monitor.Count("idle-eq-0", dt)
				}
				continue
			}
			if last.busy >= k {
				wkr.Monitor.Count(fmt.Sprintf("running-ge-%d", k), dt)
			}
			if last.idle >= k {
				wkr.Monitor.Count(fmt.Sprintf("idle-ge-%d", k), dt)
			}
		}
	}
	busy := wkr.running.size()
	idle := wkr.capacity - busy
	if idle < 0 {
		idle = 0
	}
	wkr.snap = capacitySnapshot{idle: idle, busy: busy, time: now}
}
