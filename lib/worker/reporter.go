// Copyright (C) The TaskDepot Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"time"

	"git.taskdepot.org/taskdepot.git/sdk/go/stats"
	"github.com/sirupsen/logrus"
)

// runReporter periodically charges the weighted capacity counters and
// measures overall slot efficiency.
func (wkr *Worker) runReporter() {
	ticker := time.NewTicker(wkr.Config.ReportInterval.Duration())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			wkr.report()
		case <-wkr.stop:
			return
		}
	}
}

func (wkr *Worker) report() {
	wkr.mtx.Lock()
	wkr.recordCapacity()
	busyMs := wkr.totalRunTime.Milliseconds()
	for _, ent := range wkr.running.entries {
		busyMs += time.Since(ent.StartTime).Milliseconds()
	}
	capacity := wkr.capacity
	wkr.mtx.Unlock()

	billing := wkr.Host.BillingCycleUptime()
	if capacity < 1 || billing <= 0 {
		return
	}
	efficiency := float64(busyMs) / (float64(capacity) * billing.Seconds() * 1000) * 100
	wkr.Monitor.Measure("total-efficiency", efficiency)
	wkr.Logger.WithFields(logrus.Fields{
		"Efficiency":         efficiency,
		"BillingCycleUptime": stats.Duration(billing),
	}).Info("slot efficiency")
}
