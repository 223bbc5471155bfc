// Copyright (C) The TaskDepot Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package worker implements the task execution loop of a TaskDepot
// worker: it polls the queue for claimed work, admits new runs
// subject to slot/device/disk capacity, tracks in-flight runs, and
// coordinates graceful or immediate teardown when the host is going
// away.
package worker

import (
	"context"
	"sort"
	"sync"
	"time"

	"git.taskdepot.org/taskdepot.git/sdk/go/ctxlog"
	"git.taskdepot.org/taskdepot.git/sdk/go/depot"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	defaultPollInterval   = 5 * time.Second
	defaultReportInterval = time.Minute

	// Delay before the first poll after Start, kept tiny so
	// configuration/connectivity errors surface immediately.
	firstPollDelay = time.Millisecond

	// How often to re-check the registry while draining after an
	// immediate shutdown request.
	drainPollInterval = 100 * time.Millisecond
)

// Config is the static configuration of a Worker.
type Config struct {
	// Capacity is the number of runs this worker may execute
	// concurrently.
	Capacity int

	// RestrictCPU leases one "cpu" device per run and pins the
	// run to it.
	RestrictCPU bool

	PollInterval   depot.Duration
	ReportInterval depot.Duration

	// DiskVolume is the mount point checked for disk pressure
	// before claiming work; DiskThreshold is the minimum number
	// of available bytes per admissible claim.
	DiskVolume    string
	DiskThreshold int64
}

// A Worker polls a queue for claimed runs and executes them. Fields
// must be populated before the first call to Start; zero-valued
// optional fields (Logger, Monitor, Events, Registry, Context) get
// usable defaults.
type Worker struct {
	Context     context.Context
	Logger      logrus.FieldLogger
	Queue       Queue
	Devices     DeviceManager
	Disk        DiskChecker
	GC          GarbageCollector
	VolumeCache VolumeCache
	Host        HostController
	ShutdownMgr ShutdownManager
	Monitor     Monitor
	Events      EventLogger
	NewHandler  NewHandlerFunc
	Registry    *prometheus.Registry
	Config      Config

	mtx       sync.Mutex
	setupOnce sync.Once
	running   registry
	timer     *time.Timer
	paused    bool
	closed    bool
	intent    Intent

	// capacity starts at Config.Capacity and drops to zero when a
	// graceful shutdown begins.
	capacity          int
	lastKnownCapacity int
	totalRunTime      time.Duration
	lastTaskEvent     time.Time
	snap              capacitySnapshot
	deviceLimited     bool

	ctx           context.Context
	cancel        context.CancelFunc
	stop          chan struct{}
	done          chan struct{}
	shutdownFinal sync.Once
	shutdownErr   error

	mTasksRunning       prometheus.Gauge
	mConfiguredCapacity prometheus.Gauge
	mLastKnownCapacity  prometheus.Gauge
}

// Start begins polling. Start can be called multiple times with no
// ill effect.
func (wkr *Worker) Start() {
	wkr.setupOnce.Do(wkr.setup)
}

func (wkr *Worker) setup() {
	wkr.initialize()
	go wkr.runReporter()
	wkr.mtx.Lock()
	defer wkr.mtx.Unlock()
	wkr.armTimerLocked(firstPollDelay)
}

// initialize applies defaults and emits the boot events. Split from
// setup so tests can initialize a worker without starting its timers.
func (wkr *Worker) initialize() {
	if wkr.Context == nil {
		wkr.Context = context.Background()
	}
	if wkr.Logger == nil {
		wkr.Logger = ctxlog.FromContext(wkr.Context)
	}
	if wkr.Monitor == nil {
		wkr.Monitor = nopMonitor{}
	}
	if wkr.Events == nil {
		wkr.Events = &logEvents{logger: wkr.Logger}
	}
	if wkr.Config.PollInterval.Duration() <= 0 {
		wkr.Config.PollInterval = depot.Duration(defaultPollInterval)
	}
	if wkr.Config.ReportInterval.Duration() <= 0 {
		wkr.Config.ReportInterval = depot.Duration(defaultReportInterval)
	}
	if wkr.Config.DiskVolume == "" {
		wkr.Config.DiskVolume = "/"
	}
	wkr.capacity = wkr.Config.Capacity
	wkr.intent = IntentNone
	wkr.ctx, wkr.cancel = context.WithCancel(wkr.Context)
	wkr.stop = make(chan struct{})
	wkr.done = make(chan struct{})
	wkr.registerMetrics(wkr.Registry)

	now := time.Now()
	wkr.Events.Event("instanceBoot", logrus.Fields{
		"Time": now.Add(-wkr.Host.Uptime()),
	})
	wkr.Events.Event("workerReady", nil)
	wkr.snap = capacitySnapshot{idle: wkr.capacity, busy: 0, time: now}
}

// Pause stops scheduling poll cycles until Resume is called. A cycle
// already in progress finishes normally.
func (wkr *Worker) Pause() {
	wkr.Start()
	wkr.mtx.Lock()
	defer wkr.mtx.Unlock()
	wkr.paused = true
	if wkr.timer != nil {
		wkr.timer.Stop()
		wkr.timer = nil
	}
}

// Resume re-arms the poll timer after a Pause.
func (wkr *Worker) Resume() {
	wkr.Start()
	wkr.mtx.Lock()
	defer wkr.mtx.Unlock()
	if wkr.closed || !wkr.paused {
		return
	}
	wkr.paused = false
	wkr.armTimerLocked(wkr.Config.PollInterval.Duration())
}

// Close stops polling and reporting, and cancels the context passed
// to running handlers. It does not wait for running handlers to
// return.
func (wkr *Worker) Close() {
	wkr.Start()
	wkr.mtx.Lock()
	if !wkr.closed {
		wkr.closed = true
		wkr.paused = true
		if wkr.timer != nil {
			wkr.timer.Stop()
			wkr.timer = nil
		}
		close(wkr.stop)
	}
	wkr.mtx.Unlock()
	wkr.cancel()
}

// Done returns a channel that closes after the worker has invoked the
// host controller's shutdown (successfully or not).
func (wkr *Worker) Done() <-chan struct{} {
	wkr.Start()
	return wkr.done
}

// Wait blocks until the worker has shut the host down, and returns
// the host controller's error, if any.
func (wkr *Worker) Wait() error {
	<-wkr.Done()
	wkr.mtx.Lock()
	defer wkr.mtx.Unlock()
	return wkr.shutdownErr
}

// caller must have lock.
func (wkr *Worker) armTimerLocked(d time.Duration) {
	if wkr.paused || wkr.closed {
		return
	}
	if wkr.timer != nil {
		wkr.timer.Stop()
	}
	wkr.timer = time.AfterFunc(d, wkr.tick)
}

func (wkr *Worker) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	wkr.mTasksRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskdepot",
		Subsystem: "worker",
		Name:      "tasks_running",
		Help:      "Number of task runs currently executing.",
	})
	reg.MustRegister(wkr.mTasksRunning)
	wkr.mConfiguredCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskdepot",
		Subsystem: "worker",
		Name:      "configured_capacity",
		Help:      "Configured concurrent run slots (zero while draining).",
	})
	wkr.mConfiguredCapacity.Set(float64(wkr.Config.Capacity))
	reg.MustRegister(wkr.mConfiguredCapacity)
	wkr.mLastKnownCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskdepot",
		Subsystem: "worker",
		Name:      "last_known_capacity",
		Help:      "Admissible claim slots computed by the last poll cycle.",
	})
	reg.MustRegister(wkr.mLastKnownCapacity)
}

// TaskView summarizes one running task for the management API.
type TaskView struct {
	TaskID    string    `json:"task_id"`
	RunID     int       `json:"run_id"`
	StartTime time.Time `json:"start_time"`
	Status    string    `json:"status"`
	Devices   []string  `json:"devices"`
}

// RunningTasks returns a view of each in-flight run, oldest first.
func (wkr *Worker) RunningTasks() []TaskView {
	wkr.Start()
	wkr.mtx.Lock()
	entries := wkr.running.snapshot()
	wkr.mtx.Unlock()
	var r []TaskView
	for _, ent := range entries {
		view := TaskView{
			TaskID:    ent.TaskID,
			RunID:     ent.RunID,
			StartTime: ent.StartTime,
		}
		if ent.Handler != nil {
			view.Status = ent.Handler.Status()
		}
		for kind, dev := range ent.Devices {
			view.Devices = append(view.Devices, kind+"="+dev.ID())
		}
		sort.Strings(view.Devices)
		r = append(r, view)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].StartTime.Before(r[j].StartTime) })
	return r
}
