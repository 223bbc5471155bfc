// Copyright (C) The TaskDepot Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// tick runs one poll cycle and re-arms the poll timer. Cycle errors
// are logged here and never propagate further.
func (wkr *Worker) tick() {
	wkr.mtx.Lock()
	if wkr.paused || wkr.closed {
		wkr.mtx.Unlock()
		return
	}
	wkr.mtx.Unlock()

	if err := wkr.runCycle(wkr.ctx); err != nil {
		wkr.Logger.WithError(err).Error("poll cycle failed")
	}

	wkr.mtx.Lock()
	defer wkr.mtx.Unlock()
	wkr.armTimerLocked(wkr.Config.PollInterval.Duration())
}

// runCycle is one full poll cycle: shutdown supervision, garbage
// collection, capacity and disk gates, then claim admission.
func (wkr *Worker) runCycle(ctx context.Context) error {
	wkr.mtx.Lock()
	nrunning := wkr.running.size()
	wkr.mtx.Unlock()

	if nrunning == 0 {
		wkr.ShutdownMgr.OnIdle()
	} else {
		wkr.ShutdownMgr.OnWorking()
	}
	if wkr.observeIntent(nrunning) {
		return nil
	}

	if err := wkr.GC.Sweep(ctx, nrunning == 0); err != nil {
		wkr.Logger.WithError(err).Warn("garbage collector sweep failed")
	}

	admissible := wkr.admissibleCapacity()
	if admissible < 1 {
		return nil
	}

	if wkr.Disk.ExceedsThreshold(wkr.Config.DiskVolume, wkr.Config.DiskThreshold, admissible) {
		wkr.Logger.WithFields(logrus.Fields{
			"Volume":    wkr.Config.DiskVolume,
			"Threshold": humanize.IBytes(uint64(wkr.Config.DiskThreshold)),
		}).Info("disk pressure exceeds threshold, not claiming work")
		return nil
	}

	claims, err := wkr.Queue.ClaimWork(ctx, admissible)
	if err != nil {
		// Logged at alert level; the next cycle retries
		// unchanged.
		wkr.Logger.WithField("AlertOperator", true).WithError(err).Error("error claiming work")
		return nil
	}
	if len(claims) == 0 {
		return nil
	}

	if err := wkr.VolumeCache.PurgeCaches(ctx); err != nil {
		wkr.Logger.WithError(err).Warn("error purging volume caches")
	}
	for _, claim := range claims {
		go wkr.runTask(claim)
	}
	return nil
}
