// Copyright (C) The TaskDepot Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"time"

	"git.taskdepot.org/taskdepot.git/sdk/go/depot"
	"github.com/sirupsen/logrus"
)

var intentSeverity = map[Intent]int{
	IntentNone:      0,
	IntentGraceful:  1,
	IntentImmediate: 2,
}

// observeIntent folds the shutdown manager's current intent into the
// worker's own (monotonically increasing) intent and acts on it.
// Returns true if the poll cycle should stop here: either the host is
// being shut down, or has already been handed a shutdown.
func (wkr *Worker) observeIntent(nrunning int) bool {
	next := wkr.ShutdownMgr.ShouldExit()

	wkr.mtx.Lock()
	prev := wkr.intent
	if intentSeverity[next] > intentSeverity[prev] {
		wkr.intent = next
	} else {
		next = prev
	}
	wkr.mtx.Unlock()

	switch next {
	case IntentImmediate:
		if prev != IntentImmediate {
			wkr.Monitor.Count("spotTermination", 1)
			wkr.Logger.Warn("immediate shutdown requested, aborting running tasks")
		}
		wkr.abortAll()
		wkr.drain()
		wkr.finalShutdown()
		return true
	case IntentGraceful:
		if prev == IntentNone {
			wkr.Logger.Info("graceful shutdown requested, draining")
			wkr.mtx.Lock()
			wkr.capacity = 0
			wkr.mtx.Unlock()
			wkr.mConfiguredCapacity.Set(0)
		}
		if nrunning == 0 {
			wkr.finalShutdown()
			return true
		}
		// Keep polling: with capacity zeroed, subsequent
		// cycles admit nothing and the registry drains
		// naturally.
		return false
	default:
		return false
	}
}

// abortAll demands synchronous teardown of every running handler and
// releases its leases. Per-handler failures are logged and swallowed;
// the queue treats the claims as expired either way.
func (wkr *Worker) abortAll() {
	wkr.mtx.Lock()
	entries := wkr.running.snapshot()
	wkr.mtx.Unlock()
	for _, ent := range entries {
		logger := wkr.Logger.WithFields(logrus.Fields{
			"TaskID": ent.TaskID,
			"RunID":  ent.RunID,
		})
		if ent.Handler != nil {
			if err := ent.Handler.Abort(depot.ReasonWorkerShutdown); err != nil {
				logger.WithError(err).Debug("error aborting handler")
			}
		}
		wkr.releaseDevices(ent, logger)
	}
}

// drain waits for every aborted run's retirement to remove it from
// the registry.
func (wkr *Worker) drain() {
	for {
		wkr.mtx.Lock()
		n := wkr.running.size()
		wkr.mtx.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(drainPollInterval)
	}
}

// finalShutdown stops the poll loop and hands the host to the host
// controller. It runs at most once per worker; an error from the
// host controller is the only unrecoverable failure in the worker and
// is surfaced through Wait().
func (wkr *Worker) finalShutdown() {
	wkr.shutdownFinal.Do(func() {
		wkr.Pause()
		wkr.mtx.Lock()
		wkr.capacity = 0
		wkr.mtx.Unlock()
		wkr.mConfiguredCapacity.Set(0)
		wkr.Events.Event("instanceShutdown", nil)
		wkr.Events.Event("exit", nil)
		err := wkr.Host.Shutdown()
		if err != nil {
			wkr.Logger.WithError(err).Error("host shutdown failed")
		}
		wkr.mtx.Lock()
		wkr.shutdownErr = err
		wkr.mtx.Unlock()
		close(wkr.done)
	})
}
