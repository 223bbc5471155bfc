// Copyright (C) The TaskDepot Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// taskdepot-worker polls a TaskDepot queue for claimed task runs and
// executes them on the local docker engine until the host is
// preempted or drained.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"

	"git.taskdepot.org/taskdepot.git/lib/devices"
	"git.taskdepot.org/taskdepot.git/lib/dockergc"
	"git.taskdepot.org/taskdepot.git/lib/hostctl"
	"git.taskdepot.org/taskdepot.git/lib/preempt"
	"git.taskdepot.org/taskdepot.git/lib/taskexec"
	"git.taskdepot.org/taskdepot.git/lib/telemetry"
	"git.taskdepot.org/taskdepot.git/lib/volumecache"
	"git.taskdepot.org/taskdepot.git/lib/worker"
	"git.taskdepot.org/taskdepot.git/sdk/go/config"
	"git.taskdepot.org/taskdepot.git/sdk/go/ctxlog"
	"git.taskdepot.org/taskdepot.git/sdk/go/depot"
	"github.com/coreos/go-systemd/daemon"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

func main() {
	os.Exit(runCommand(os.Args[0], os.Args[1:]))
}

func runCommand(prog string, args []string) int {
	log := ctxlog.New(os.Stderr, "json", "info")

	flags := flag.NewFlagSet(prog, flag.ExitOnError)
	configPath := flags.String("config", "/etc/taskdepot/worker.yml", "configuration `file`")
	dumpConfig := flags.Bool("dump-config", false, "write effective configuration to stdout and exit")
	flags.Parse(args)

	cfg := defaultConfig()
	if err := config.LoadFile(&cfg, *configPath); err != nil {
		log.WithError(err).Error("error loading config")
		return 1
	}
	if cfg.WorkerID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			log.WithError(err).Error("error getting hostname")
			return 1
		}
		cfg.WorkerID = hostname
	}
	if *dumpConfig {
		return config.DumpAndExit(cfg)
	}

	log = ctxlog.New(os.Stderr, cfg.SystemLogs.Format, cfg.SystemLogs.LogLevel)
	logger := log.WithFields(logrus.Fields{
		"PID":        os.Getpid(),
		"WorkerID":   cfg.WorkerID,
		"WorkerPool": cfg.WorkerPool,
	})
	ctx := ctxlog.Context(context.Background(), logger)

	if err := run(ctx, logger, cfg); err != nil {
		logger.WithError(err).Error("exiting")
		return 1
	}
	return 0
}

func run(ctx context.Context, logger logrus.FieldLogger, cfg workerConfig) error {
	reg := prometheus.NewRegistry()
	monitor := telemetry.NewMonitor(logger, reg).Child(cfg.WorkerPool)

	gc, err := dockergc.New(logger)
	if err != nil {
		return fmt.Errorf("error connecting to docker engine: %w", err)
	}
	volumes, err := volumecache.New(logger, cfg.VolumeCacheSize)
	if err != nil {
		return err
	}
	newHandler, err := taskexec.NewFactory()
	if err != nil {
		return err
	}

	shutdownMgr := preempt.New(logger, cfg.SpotPollInterval.Duration())
	shutdownMgr.Start(ctx)

	client := depot.NewClient(cfg.Client.APIHost, cfg.Client.AuthToken, cfg.WorkerPool, cfg.WorkerID, logger)

	wkr := &worker.Worker{
		Context:     ctx,
		Logger:      logger,
		Queue:       client,
		Devices:     devices.NewHostManager(logger),
		Disk:        hostctl.NewDiskChecker(logger),
		GC:          gc,
		VolumeCache: volumes,
		Host:        hostctl.NewController(logger, cfg.BillingCycleLength.Duration()),
		ShutdownMgr: shutdownMgr,
		Monitor:     monitor,
		NewHandler:  newHandler,
		Registry:    reg,
		Config: worker.Config{
			Capacity:       cfg.Capacity,
			RestrictCPU:    cfg.RestrictCPU,
			PollInterval:   cfg.PollInterval,
			ReportInterval: cfg.ReportInterval,
			DiskVolume:     cfg.DiskVolume,
			DiskThreshold:  cfg.DiskThresholdBytes,
		},
	}

	if cfg.ManagementAddr != "" {
		router := httprouter.New()
		router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		router.HandlerFunc(http.MethodGet, "/status", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]interface{}{
				"running": wkr.RunningTasks(),
			})
		})
		go func() {
			logger.WithField("Listen", cfg.ManagementAddr).Info("management server listening")
			err := http.ListenAndServe(cfg.ManagementAddr, router)
			logger.WithError(err).Error("management server stopped")
		}()
	}

	wkr.Start()
	go wkr.RunCancelFeed(client.CancelFeed(ctx, logger))

	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Warn("error notifying init daemon")
	}
	logger.Info("worker ready")

	return wkr.Wait()
}
