// Copyright (C) The TaskDepot Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hostctl

import (
	"fmt"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Controller implements worker.HostController for a Linux host.
type Controller struct {
	Logger logrus.FieldLogger

	// BillingCycleLength is the cloud provider's billing window
	// (one hour for most spot markets). Zero means the whole
	// uptime counts as the current cycle.
	BillingCycleLength time.Duration

	// ShutdownCommand overrides the default power-off command.
	ShutdownCommand []string

	// uptime is overridable for tests.
	uptime func() (time.Duration, error)
}

// NewController returns a Controller reading uptime from the kernel.
func NewController(logger logrus.FieldLogger, billingCycleLength time.Duration) *Controller {
	return &Controller{
		Logger:             logger,
		BillingCycleLength: billingCycleLength,
		uptime:             sysUptime,
	}
}

func sysUptime() (time.Duration, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, err
	}
	return time.Duration(info.Uptime) * time.Second, nil
}

// Uptime returns how long the host has been up. Probe failures are
// logged and reported as zero uptime.
func (hc *Controller) Uptime() time.Duration {
	uptime := hc.uptime
	if uptime == nil {
		uptime = sysUptime
	}
	d, err := uptime()
	if err != nil {
		hc.Logger.WithError(err).Warn("error reading host uptime")
		return 0
	}
	return d
}

// BillingCycleUptime returns the time elapsed in the current billing
// window.
func (hc *Controller) BillingCycleUptime() time.Duration {
	up := hc.Uptime()
	if hc.BillingCycleLength <= 0 || up < hc.BillingCycleLength {
		return up
	}
	return up % hc.BillingCycleLength
}

// Shutdown powers the host off.
func (hc *Controller) Shutdown() error {
	cmd := hc.ShutdownCommand
	if len(cmd) == 0 {
		cmd = []string{"shutdown", "-h", "now"}
	}
	hc.Logger.WithField("Command", cmd).Warn("shutting down host")
	out, err := exec.Command(cmd[0], cmd[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%v: %v (%q)", cmd, err, out)
	}
	return nil
}
