// Copyright (C) The TaskDepot Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"git.taskdepot.org/taskdepot.git/sdk/go/depot"
	"github.com/sirupsen/logrus"
)

// HandleCancel processes one cancellation message from the queue. A
// message is acted on only if the referenced run was resolved as
// canceled; anything else (deadline-exceeded, claim-expired, ...) is
// the queue's business, not ours, and is ignored.
func (wkr *Worker) HandleCancel(msg depot.CancelMessage) {
	taskID := msg.Payload.Status.TaskID
	runID := msg.Payload.RunID
	logger := wkr.Logger.WithFields(logrus.Fields{
		"TaskID": taskID,
		"RunID":  runID,
	})

	runs := msg.Payload.Status.Runs
	if runID < 0 || runID >= len(runs) || runs[runID].ReasonResolved != depot.ReasonCanceled {
		return
	}

	wkr.mtx.Lock()
	state := wkr.running.find(taskID, runID)
	wkr.mtx.Unlock()
	if state == nil {
		logger.Debug("cancellation for run not in registry")
		return
	}

	logger.Info("cancelling task run")
	state.Handler.Cancel(depot.ReasonCanceled)
	// The handler's Start() will return shortly and the runner's
	// retirement path removes the registry entry; releasing the
	// leases here just returns them to the pool sooner.
	wkr.releaseDevices(state, logger)
}

// RunCancelFeed consumes cancellation messages until the channel is
// closed. Typically fed by depot.Client.CancelFeed.
func (wkr *Worker) RunCancelFeed(ch <-chan depot.CancelMessage) {
	wkr.Start()
	for msg := range ch {
		wkr.HandleCancel(msg)
	}
}
