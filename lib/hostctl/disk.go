// Copyright (C) The TaskDepot Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package hostctl probes and controls the host instance: disk
// pressure checks, uptime accounting, and the final power-off.
package hostctl

import (
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// DiskChecker implements worker.DiskChecker using statfs on the
// configured volume.
type DiskChecker struct {
	Logger logrus.FieldLogger

	// statfs is overridable for tests.
	statfs func(path string, buf *unix.Statfs_t) error
}

// NewDiskChecker returns a DiskChecker probing the real filesystem.
func NewDiskChecker(logger logrus.FieldLogger) *DiskChecker {
	return &DiskChecker{Logger: logger, statfs: unix.Statfs}
}

// ExceedsThreshold reports whether admitting the given number of
// claims would leave less than threshold bytes available per claim on
// the volume. A failed probe counts as exceeded: better to skip one
// claim cycle than to fill the disk.
func (dc *DiskChecker) ExceedsThreshold(volume string, threshold int64, claims int) bool {
	if threshold <= 0 {
		return false
	}
	statfs := dc.statfs
	if statfs == nil {
		statfs = unix.Statfs
	}
	var st unix.Statfs_t
	if err := statfs(volume, &st); err != nil {
		dc.Logger.WithField("AlertOperator", true).WithField("Volume", volume).WithError(err).Error("error probing free disk space")
		return true
	}
	avail := int64(st.Bavail) * st.Bsize
	need := threshold * int64(claims)
	if avail >= need {
		return false
	}
	dc.Logger.WithFields(logrus.Fields{
		"Volume":    volume,
		"Available": humanize.IBytes(uint64(avail)),
		"Needed":    humanize.IBytes(uint64(need)),
		"Claims":    claims,
	}).Warn("free disk space below threshold")
	return true
}
