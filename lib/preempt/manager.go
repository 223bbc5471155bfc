// Copyright (C) The TaskDepot Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package preempt decides when the worker should exit. It combines
// two signals: an EC2 spot interruption notice from the instance
// metadata service (immediate), and SIGTERM/SIGINT from the operator
// or init system (graceful).
package preempt

import (
	"context"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"git.taskdepot.org/taskdepot.git/lib/worker"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/sirupsen/logrus"
)

const spotActionPath = "spot/instance-action"

// metadataAPI is the part of the EC2 instance metadata client used
// here. Implemented by *imds.Client and test stubs.
type metadataAPI interface {
	GetMetadata(ctx context.Context, params *imds.GetMetadataInput, optFns ...func(*imds.Options)) (*imds.GetMetadataOutput, error)
}

// Manager implements worker.ShutdownManager.
type Manager struct {
	logger   logrus.FieldLogger
	metadata metadataAPI
	interval time.Duration

	mtx    sync.Mutex
	intent worker.Intent
}

// New returns a Manager polling the EC2 instance metadata service at
// the given interval. Pass a zero interval to disable spot polling
// (e.g. off-cloud development hosts).
func New(logger logrus.FieldLogger, interval time.Duration) *Manager {
	m := &Manager{
		logger:   logger,
		interval: interval,
		intent:   worker.IntentNone,
	}
	if interval > 0 {
		m.metadata = imds.New(imds.Options{})
	}
	return m
}

// Start begins watching for preemption notices and termination
// signals, until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		defer signal.Stop(sigch)
		for {
			select {
			case sig := <-sigch:
				m.logger.WithField("Signal", sig.String()).Info("termination signal received")
				m.raise(worker.IntentGraceful)
			case <-ctx.Done():
				return
			}
		}
	}()
	if m.metadata == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.pollSpotAction(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *Manager) pollSpotAction(ctx context.Context) {
	out, err := m.metadata.GetMetadata(ctx, &imds.GetMetadataInput{Path: spotActionPath})
	if err != nil {
		// Absent metadata is the normal case: no interruption
		// notice has been issued.
		return
	}
	defer out.Content.Close()
	action, err := io.ReadAll(out.Content)
	if err != nil {
		m.logger.WithError(err).Warn("error reading spot instance-action")
		return
	}
	m.logger.WithField("Action", string(action)).Warn("spot interruption notice received")
	m.raise(worker.IntentImmediate)
}

func (m *Manager) raise(next worker.Intent) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if next == worker.IntentImmediate || m.intent == worker.IntentNone {
		m.intent = next
	}
}

// OnIdle implements worker.ShutdownManager.
func (m *Manager) OnIdle() {
	m.logger.Debug("worker idle")
}

// OnWorking implements worker.ShutdownManager.
func (m *Manager) OnWorking() {
	m.logger.Debug("worker busy")
}

// ShouldExit implements worker.ShutdownManager.
func (m *Manager) ShouldExit() worker.Intent {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.intent
}
