// Copyright (C) The TaskDepot Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"context"
	"time"

	"git.taskdepot.org/taskdepot.git/sdk/go/depot"
	"github.com/sirupsen/logrus"
)

// A Queue hands out claims on runnable tasks. Implemented by
// depot.Client and test stubs.
type Queue interface {
	// ClaimWork returns up to n claims. A short (or empty)
	// result is normal when the queue has little work.
	ClaimWork(ctx context.Context, n int) ([]depot.TaskClaim, error)
}

// A Device is a leased exclusive-use host resource (CPU pin, GPU,
// loop device, ...). Release is idempotent.
type Device interface {
	ID() string
	Release() error
}

// A DeviceManager leases host devices by kind. The set of kinds is
// open-ended; each kind has the same lease/release contract.
type DeviceManager interface {
	// AvailableCapacity reports how many more tasks the host's
	// device supply can support.
	AvailableCapacity() (int, error)
	GetDevice(kind string) (Device, error)
}

// A DiskChecker reports whether claiming more work would exceed the
// host's disk-pressure threshold.
type DiskChecker interface {
	ExceedsThreshold(volume string, threshold int64, claims int) bool
}

// A GarbageCollector reclaims container/volume resources left behind
// by finished tasks. A full sweep may remove resources that a running
// task could still reuse, so it is only requested when nothing is
// running.
type GarbageCollector interface {
	Sweep(ctx context.Context, full bool) error
}

// A VolumeCache holds reusable task volumes. PurgeCaches evicts
// everything, making room for incoming work.
type VolumeCache interface {
	PurgeCaches(ctx context.Context) error
}

// A HostController exposes the host instance's lifecycle.
type HostController interface {
	// Shutdown powers off the host. It does not return until the
	// shutdown has been handed off to the operating system.
	Shutdown() error
	Uptime() time.Duration
	// BillingCycleUptime is the time since the current billing
	// window began, used as the efficiency denominator.
	BillingCycleUptime() time.Duration
}

// Intent is a shutdown severity requested by the ShutdownManager.
// Transitions are monotonic: once graceful or immediate has been
// observed, the worker never reverts to a lower severity.
type Intent string

const (
	IntentNone      Intent = "none"
	IntentGraceful  Intent = "graceful"
	IntentImmediate Intent = "immediate"
)

// A ShutdownManager is consulted every poll cycle. OnIdle/OnWorking
// report the worker's current load; ShouldExit returns the current
// shutdown intent (e.g. a spot-instance preemption notice).
type ShutdownManager interface {
	OnIdle()
	OnWorking()
	ShouldExit() Intent
}

// A TaskHandler executes one claimed run to completion. Start blocks
// until the run reaches a terminal state. Cancel is cooperative: it
// must cause Start to return within bounded time. Abort demands
// synchronous teardown; its error is advisory because the queue will
// expire the claim anyway.
type TaskHandler interface {
	Start(ctx context.Context) error
	Cancel(reason string)
	Abort(reason string) error
	Status() string
}

// HandlerParams is everything a NewHandlerFunc needs to build the
// handler for one claim.
type HandlerParams struct {
	Logger logrus.FieldLogger
	Claim  depot.TaskClaim
	// DeviceIDs maps each leased device kind ("cpu",
	// "loopbackVideo", ...) to the leased device's ID.
	DeviceIDs map[string]string
}

// NewHandlerFunc constructs the opaque task handler for a claim.
type NewHandlerFunc func(params HandlerParams) (TaskHandler, error)

// A Monitor accumulates named counters and measurements. Implemented
// by telemetry.Monitor (prometheus-backed) and test stubs.
type Monitor interface {
	Count(name string, n float64)
	Measure(name string, value float64)
	Child(name string) Monitor
}

// An EventLogger records lifecycle events (taskStart, taskFinish,
// instanceShutdown, ...). The default implementation writes
// structured log records.
type EventLogger interface {
	Event(eventType string, fields logrus.Fields)
}
