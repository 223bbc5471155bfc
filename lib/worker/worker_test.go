// Copyright (C) The TaskDepot Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"git.taskdepot.org/taskdepot.git/lib/worker/test"
	"git.taskdepot.org/taskdepot.git/sdk/go/ctxlog"
	"git.taskdepot.org/taskdepot.git/sdk/go/depot"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&WorkerSuite{})

type WorkerSuite struct{}

// fixture wires a Worker to stub collaborators. The worker is
// initialized but its timers are not started; tests drive poll cycles
// by calling runCycle directly.
type fixture struct {
	wkr      *Worker
	queue    *test.Queue
	devices  *stubDevices
	disk     *stubDisk
	gc       *stubGC
	volumes  *stubVolumeCache
	host     *stubHost
	shutdown *stubShutdownMgr
	monitor  *stubMonitor
	events   *stubEvents

	mtx           sync.Mutex
	handlers      map[string]*stubHandler
	newHandlerErr error
}

func newFixture(c *check.C, cfg Config) *fixture {
	f := &fixture{
		queue:    &test.Queue{},
		devices:  &stubDevices{capacity: cfg.Capacity},
		disk:     &stubDisk{},
		gc:       &stubGC{},
		volumes:  &stubVolumeCache{},
		host:     &stubHost{uptime: time.Hour, billing: 30 * time.Minute},
		shutdown: &stubShutdownMgr{},
		monitor:  &stubMonitor{},
		events:   &stubEvents{},
		handlers: map[string]*stubHandler{},
	}
	f.wkr = &Worker{
		Logger:      ctxlog.TestLogger(c),
		Queue:       f.queue,
		Devices:     f.devices,
		Disk:        f.disk,
		GC:          f.gc,
		VolumeCache: f.volumes,
		Host:        f.host,
		ShutdownMgr: f.shutdown,
		Monitor:     f.monitor,
		Events:      f.events,
		NewHandler:  f.newHandler,
		Config:      cfg,
	}
	f.wkr.setupOnce.Do(f.wkr.initialize)
	return f
}

func (f *fixture) newHandler(p HandlerParams) (TaskHandler, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.newHandlerErr != nil {
		return nil, f.newHandlerErr
	}
	h, ok := f.handlers[p.Claim.Status.TaskID]
	if !ok {
		h = &stubHandler{}
		f.handlers[p.Claim.Status.TaskID] = h
	}
	return h, nil
}

func (f *fixture) handler(taskID string) *stubHandler {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	h, ok := f.handlers[taskID]
	if !ok {
		h = &stubHandler{}
		f.handlers[taskID] = h
	}
	return h
}

func (f *fixture) runningCount() int {
	f.wkr.mtx.Lock()
	defer f.wkr.mtx.Unlock()
	return f.wkr.running.size()
}

func (f *fixture) cycle(c *check.C) {
	c.Check(f.wkr.runCycle(context.Background()), check.IsNil)
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(c *check.C, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			c.Fatal("timed out waiting for condition")
		}
		time.Sleep(time.Millisecond)
	}
}

// Two claims are admitted concurrently, run, and retire cleanly.
func (*WorkerSuite) TestAdmitAndComplete(c *check.C) {
	f := newFixture(c, Config{Capacity: 2, RestrictCPU: true})
	f.devices.capacity = 4
	f.queue.Claims = []depot.TaskClaim{test.Claim(1, 0), test.Claim(2, 0)}

	f.cycle(c)
	c.Check(f.queue.Calls(), check.DeepEquals, []int{2})
	waitFor(c, func() bool { return f.runningCount() == 2 })
	c.Check(f.volumes.purgeCount(), check.Equals, 1)

	f.handler(test.TaskID(1)).finish()
	f.handler(test.TaskID(2)).finish()
	waitFor(c, func() bool { return f.runningCount() == 0 })

	c.Check(f.events.countType("taskStart"), check.Equals, 2)
	c.Check(f.events.countType("taskFinish"), check.Equals, 2)
	c.Check(f.monitor.countOf("task.error"), check.Equals, 0.0)
	f.wkr.mtx.Lock()
	c.Check(f.wkr.totalRunTime > 0, check.Equals, true)
	// The gate computed 2 admissible slots; each retirement added
	// one freed slot on top.
	c.Check(f.wkr.lastKnownCapacity, check.Equals, 4)
	f.wkr.mtx.Unlock()

	// One cpu device was leased per run, and every lease was
	// released exactly once.
	c.Check(f.devices.leasedDevices(), check.HasLen, 2)
	for _, dev := range f.devices.leasedDevices() {
		c.Check(dev.releaseCount(), check.Equals, 1)
	}
}

// A failed device probe means zero admissible capacity: the queue is
// not called, and the next cycle retries.
func (*WorkerSuite) TestDeviceProbeFailure(c *check.C) {
	f := newFixture(c, Config{Capacity: 4})
	f.devices.capacityErr = errors.New("nvml exploded")
	f.queue.Claims = []depot.TaskClaim{test.Claim(1, 0)}

	f.cycle(c)
	c.Check(f.queue.Calls(), check.HasLen, 0)

	f.devices.capacityErr = nil
	f.devices.capacity = 4
	f.cycle(c)
	c.Check(f.queue.Calls(), check.DeepEquals, []int{4})
}

// Disk pressure suppresses claiming; with nothing running, the
// garbage collector gets a full sweep.
func (*WorkerSuite) TestDiskPressure(c *check.C) {
	f := newFixture(c, Config{Capacity: 4})
	f.devices.capacity = 4
	f.disk.exceeds = true
	f.queue.Claims = []depot.TaskClaim{test.Claim(1, 0)}

	f.cycle(c)
	c.Check(f.queue.Calls(), check.HasLen, 0)
	c.Check(f.gc.sweepLog(), check.DeepEquals, []bool{true})
	c.Check(f.volumes.purgeCount(), check.Equals, 0)
}

// The volume cache is purged only on cycles that returned at least
// one claim.
func (*WorkerSuite) TestPurgeOnlyWithClaims(c *check.C) {
	f := newFixture(c, Config{Capacity: 2})
	f.devices.capacity = 2

	f.cycle(c)
	c.Check(f.queue.Calls(), check.DeepEquals, []int{2})
	c.Check(f.volumes.purgeCount(), check.Equals, 0)

	f.queue.Claims = []depot.TaskClaim{test.Claim(1, 0)}
	f.cycle(c)
	waitFor(c, func() bool { return f.runningCount() == 1 })
	c.Check(f.volumes.purgeCount(), check.Equals, 1)
	f.handler(test.TaskID(1)).finish()
	waitFor(c, func() bool { return f.runningCount() == 0 })
}

// While entries are running, the GC gets light sweeps.
func (*WorkerSuite) TestLightSweepWhileBusy(c *check.C) {
	f := newFixture(c, Config{Capacity: 2})
	f.devices.capacity = 2
	f.queue.Claims = []depot.TaskClaim{test.Claim(1, 0)}

	f.cycle(c)
	waitFor(c, func() bool { return f.runningCount() == 1 })
	f.cycle(c)
	c.Check(f.gc.sweepLog(), check.DeepEquals, []bool{true, false})
	f.handler(test.TaskID(1)).finish()
	waitFor(c, func() bool { return f.runningCount() == 0 })
}

// Admissible capacity is configured slots minus running, limited by
// device supply.
func (*WorkerSuite) TestAdmissibleCapacity(c *check.C) {
	f := newFixture(c, Config{Capacity: 4})
	f.devices.capacity = 2
	c.Check(f.wkr.admissibleCapacity(), check.Equals, 2)

	f.devices.capacity = 8
	c.Check(f.wkr.admissibleCapacity(), check.Equals, 4)

	f.wkr.mtx.Lock()
	f.wkr.running.add(&RunningState{TaskID: test.TaskID(9), RunID: 0})
	f.wkr.mtx.Unlock()
	c.Check(f.wkr.admissibleCapacity(), check.Equals, 3)
	f.wkr.mtx.Lock()
	c.Check(f.wkr.lastKnownCapacity, check.Equals, 3)
	f.wkr.running.remove(test.TaskID(9), 0)
	f.wkr.mtx.Unlock()
}

// The poll loop keeps ticking after a queue failure.
func (*WorkerSuite) TestPollLoopSurvivesQueueErrors(c *check.C) {
	f := newFixture(c, Config{
		Capacity:     1,
		PollInterval: depot.Duration(time.Millisecond),
	})
	f.devices.capacity = 1
	f.queue.Err = errors.New("queue is down")

	f.wkr.mtx.Lock()
	f.wkr.armTimerLocked(firstPollDelay)
	f.wkr.mtx.Unlock()
	waitFor(c, func() bool { return len(f.queue.Calls()) >= 3 })
	f.wkr.Close()
}

// Pause clears the pending timer; Resume re-arms it.
func (*WorkerSuite) TestPauseResume(c *check.C) {
	f := newFixture(c, Config{
		Capacity:     1,
		PollInterval: depot.Duration(time.Millisecond),
	})
	f.devices.capacity = 1

	f.wkr.mtx.Lock()
	f.wkr.armTimerLocked(firstPollDelay)
	f.wkr.mtx.Unlock()
	waitFor(c, func() bool { return len(f.queue.Calls()) >= 1 })

	f.wkr.Pause()
	time.Sleep(10 * time.Millisecond)
	n := len(f.queue.Calls())
	time.Sleep(20 * time.Millisecond)
	c.Check(len(f.queue.Calls()), check.Equals, n)

	f.wkr.Resume()
	waitFor(c, func() bool { return len(f.queue.Calls()) > n })
	f.wkr.Close()
}
