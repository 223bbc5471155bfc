// Copyright (C) The TaskDepot Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"time"

	"git.taskdepot.org/taskdepot.git/sdk/go/depot"
)

type workerConfig struct {
	Client struct {
		APIHost   string
		AuthToken string
	}
	WorkerPool string
	WorkerID   string

	Capacity    int
	RestrictCPU bool

	PollInterval   depot.Duration
	ReportInterval depot.Duration

	DiskVolume         string
	DiskThresholdBytes int64
	VolumeCacheSize    int

	BillingCycleLength depot.Duration
	SpotPollInterval   depot.Duration

	ManagementAddr string

	SystemLogs struct {
		Format   string
		LogLevel string
	}
}

func defaultConfig() workerConfig {
	var cfg workerConfig
	cfg.WorkerPool = "default"
	cfg.Capacity = 1
	cfg.PollInterval = depot.Duration(5 * time.Second)
	cfg.ReportInterval = depot.Duration(time.Minute)
	cfg.DiskVolume = "/"
	cfg.DiskThresholdBytes = 10 << 30
	cfg.VolumeCacheSize = 8
	cfg.BillingCycleLength = depot.Duration(time.Hour)
	cfg.SpotPollInterval = depot.Duration(5 * time.Second)
	cfg.ManagementAddr = ":9100"
	cfg.SystemLogs.Format = "json"
	cfg.SystemLogs.LogLevel = "info"
	return cfg
}
