// Copyright (C) The TaskDepot Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"time"

	check "gopkg.in/check.v1"
)

// recordCapacity charges the elapsed interval to the weighted
// busy/idle counters according to the previous snapshot, then
// resamples.
func (*WorkerSuite) TestRecordCapacityWeights(c *check.C) {
	f := newFixture(c, Config{Capacity: 4})

	f.wkr.mtx.Lock()
	f.wkr.snap = capacitySnapshot{idle: 1, busy: 3, time: time.Now().Add(-100 * time.Millisecond)}
	f.wkr.recordCapacity()
	f.wkr.mtx.Unlock()

	dt := f.monitor.countOf("running-ge-1")
	c.Check(dt >= 100, check.Equals, true)
	c.Check(f.monitor.countOf("running-ge-2"), check.Equals, dt)
	c.Check(f.monitor.countOf("running-ge-3"), check.Equals, dt)
	c.Check(f.monitor.countOf("running-ge-4"), check.Equals, 0.0)
	c.Check(f.monitor.countOf("running-eq-0"), check.Equals, 0.0)
	c.Check(f.monitor.countOf("idle-ge-1"), check.Equals, dt)
	c.Check(f.monitor.countOf("idle-ge-2"), check.Equals, 0.0)
	c.Check(f.monitor.countOf("idle-eq-0"), check.Equals, 0.0)
	c.Check(f.monitor.countOf("capacity-busy"), check.Equals, 3*dt)
	c.Check(f.monitor.countOf("capacity-idle"), check.Equals, dt)

	// The new snapshot reflects the (empty) registry.
	f.wkr.mtx.Lock()
	c.Check(f.wkr.snap.busy, check.Equals, 0)
	c.Check(f.wkr.snap.idle, check.Equals, 4)
	f.wkr.mtx.Unlock()
}

// An idle worker accrues running-eq-0 and idle-ge-k time.
func (*WorkerSuite) TestRecordCapacityIdle(c *check.C) {
	f := newFixture(c, Config{Capacity: 2})

	f.wkr.mtx.Lock()
	f.wkr.snap = capacitySnapshot{idle: 2, busy: 0, time: time.Now().Add(-50 * time.Millisecond)}
	f.wkr.recordCapacity()
	f.wkr.mtx.Unlock()

	c.Check(f.monitor.countOf("running-eq-0") >= 50, check.Equals, true)
	c.Check(f.monitor.countOf("idle-ge-2"), check.Equals, f.monitor.countOf("running-eq-0"))
	c.Check(f.monitor.countOf("capacity-busy"), check.Equals, 0.0)
}

// The device-limited adjustment is logged once per transition, not
// once per cycle.
func (*WorkerSuite) TestDeviceLimitedTransition(c *check.C) {
	f := newFixture(c, Config{Capacity: 4})
	f.devices.capacity = 2

	c.Check(f.wkr.admissibleCapacity(), check.Equals, 2)
	c.Check(f.wkr.deviceLimited, check.Equals, true)
	c.Check(f.wkr.admissibleCapacity(), check.Equals, 2)
	c.Check(f.wkr.deviceLimited, check.Equals, true)

	f.devices.capacity = 8
	c.Check(f.wkr.admissibleCapacity(), check.Equals, 4)
	c.Check(f.wkr.deviceLimited, check.Equals, false)
}

// Efficiency is accumulated run time over configured capacity times
// billing-cycle uptime.
func (*WorkerSuite) TestEfficiencyReport(c *check.C) {
	f := newFixture(c, Config{Capacity: 1})
	f.host.billing = 30 * time.Minute
	f.wkr.mtx.Lock()
	f.wkr.totalRunTime = 9 * time.Minute
	f.wkr.mtx.Unlock()

	f.wkr.report()

	measures := f.monitor.measuresOf("total-efficiency")
	c.Assert(measures, check.HasLen, 1)
	c.Check(measures[0], check.Equals, 30.0)
}

// No efficiency sample is produced while capacity is zero or billing
// uptime is unknown.
func (*WorkerSuite) TestEfficiencyReportSkipped(c *check.C) {
	f := newFixture(c, Config{Capacity: 1})
	f.host.billing = 0
	f.wkr.report()
	c.Check(f.monitor.measuresOf("total-efficiency"), check.HasLen, 0)

	f.host.billing = time.Hour
	f.wkr.mtx.Lock()
	f.wkr.capacity = 0
	f.wkr.mtx.Unlock()
	f.wkr.report()
	c.Check(f.monitor.measuresOf("total-efficiency"), check.HasLen, 0)
}

// Boot events are emitted at initialization, with instanceBoot
// backdated by the host's uptime.
func (*WorkerSuite) TestBootEvents(c *check.C) {
	f := newFixture(c, Config{Capacity: 1})
	c.Check(f.events.types()[:2], check.DeepEquals, []string{"instanceBoot", "workerReady"})
}
