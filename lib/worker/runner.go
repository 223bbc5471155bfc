// Copyright (C) The TaskDepot Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"context"
	"fmt"
	"time"

	"git.taskdepot.org/taskdepot.git/sdk/go/depot"
	"github.com/sirupsen/logrus"
)

// runTask executes one claim from device lease to retirement. It
// absorbs all failures; nothing propagates to the poll loop.
//
// It should be called in a new goroutine.
func (wkr *Worker) runTask(claim depot.TaskClaim) {
	taskID := claim.Status.TaskID
	logger := wkr.Logger.WithFields(logrus.Fields{
		"TaskID": taskID,
		"RunID":  claim.RunID,
	})

	now := time.Now()
	ctx, stop := context.WithCancel(wkr.ctx)
	defer stop()
	state := &RunningState{
		TaskID:    taskID,
		RunID:     claim.RunID,
		StartTime: now,
		Devices:   map[string]Device{},
		stop:      stop,
	}

	if len(claim.Status.Runs) == 0 {
		wkr.Monitor.Measure("timeToFirstClaim", float64(now.Sub(claim.Task.Created).Milliseconds()))
	}

	admitted := false
	err := func() error {
		if wkr.Config.RestrictCPU {
			if err := wkr.leaseDevice(state, "cpu"); err != nil {
				return err
			}
		}
		for kind, required := range claim.Task.Payload.Capabilities.Devices {
			if !required {
				continue
			}
			if err := wkr.leaseDevice(state, kind); err != nil {
				return err
			}
		}
		deviceIDs := map[string]string{}
		for kind, dev := range state.Devices {
			deviceIDs[kind] = dev.ID()
		}

		handler, err := wkr.NewHandler(HandlerParams{
			Logger:    logger,
			Claim:     claim,
			DeviceIDs: deviceIDs,
		})
		if err != nil {
			return fmt.Errorf("error building task handler: %w", err)
		}
		state.Handler = handler

		wkr.mtx.Lock()
		wkr.recordCapacity()
		wkr.running.add(state)
		wkr.lastTaskEvent = time.Now()
		wkr.mTasksRunning.Set(float64(wkr.running.size()))
		wkr.mtx.Unlock()
		admitted = true

		wkr.Events.Event("taskQueue", logrus.Fields{
			"TaskID": taskID,
			"RunID":  claim.RunID,
			"Time":   claim.Task.Created,
		})
		wkr.Events.Event("taskStart", logrus.Fields{
			"TaskID": taskID,
			"RunID":  claim.RunID,
		})
		defer wkr.Events.Event("taskFinish", logrus.Fields{
			"TaskID": taskID,
			"RunID":  claim.RunID,
		})
		return handler.Start(ctx)
	}()
	wkr.retire(state, logger, admitted, err)
}

func (wkr *Worker) leaseDevice(state *RunningState, kind string) error {
	dev, err := wkr.Devices.GetDevice(kind)
	if err != nil {
		return fmt.Errorf("error acquiring %q device: %w", kind, err)
	}
	state.Devices[kind] = dev
	return nil
}

// retire removes the run from the registry (recording capacity
// first), accumulates run time, and releases every leased device.
// Device release is idempotent, so it is safe here even if a
// cancellation or abort already released the leases.
func (wkr *Worker) retire(state *RunningState, logger logrus.FieldLogger, admitted bool, runErr error) {
	if runErr != nil {
		logger.WithError(runErr).Error("task run failed")
		wkr.Monitor.Count("task.error", 1)
	}

	wkr.mtx.Lock()
	if admitted {
		wkr.recordCapacity()
		ent := wkr.running.remove(state.TaskID, state.RunID)
		if ent == nil {
			logger.Warn("run missing from registry at retirement")
		} else {
			wkr.totalRunTime += time.Since(ent.StartTime)
			wkr.lastKnownCapacity++
			wkr.mLastKnownCapacity.Set(float64(wkr.lastKnownCapacity))
		}
		wkr.lastTaskEvent = time.Now()
		wkr.mTasksRunning.Set(float64(wkr.running.size()))
	}
	wkr.mtx.Unlock()

	wkr.releaseDevices(state, logger)
}

func (wkr *Worker) releaseDevices(state *RunningState, logger logrus.FieldLogger) {
	for kind, dev := range state.Devices {
		if err := dev.Release(); err != nil {
			logger.WithFields(logrus.Fields{
				"DeviceKind": kind,
				"DeviceID":   dev.ID(),
			}).WithError(err).Warn("error releasing device")
		}
	}
}
