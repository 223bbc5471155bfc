// Copyright (C) The TaskDepot Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import "github.com/sirupsen/logrus"

// logEvents writes lifecycle events as structured log records. It is
// the default EventLogger.
type logEvents struct {
	logger logrus.FieldLogger
}

func (e *logEvents) Event(eventType string, fields logrus.Fields) {
	entry := e.logger.WithField("EventType", eventType)
	if fields != nil {
		entry = entry.WithFields(fields)
	}
	entry.Info("event")
}

// nopMonitor is the default Monitor when none is injected.
type nopMonitor struct{}

func (nopMonitor) Count(string, float64)   {}
func (nopMonitor) Measure(string, float64) {}
func (nopMonitor) Child(string) Monitor    { return nopMonitor{} }
