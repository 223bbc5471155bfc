// Copyright (C) The TaskDepot Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package depot provides the TaskDepot data types and an API client
// used by services and workers.
package depot

import "time"

// Task is a unit of work submitted to the queue. A task may be
// attempted several times; each attempt is a numbered run.
type Task struct {
	TaskID  string      `json:"taskId"`
	Created time.Time   `json:"created"`
	Payload TaskPayload `json:"payload"`
}

// TaskPayload is the worker-interpreted portion of a task.
type TaskPayload struct {
	Image        string            `json:"image,omitempty"`
	Command      []string          `json:"command,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Capabilities Capabilities      `json:"capabilities,omitempty"`
	MaxRunTime   Duration          `json:"maxRunTime,omitempty"`
}

// Capabilities declares the host resources a task needs in order to
// run. Device kinds are open-ended strings ("loopbackVideo",
// "kvm", ...); each true entry must be leased before the task starts.
type Capabilities struct {
	Devices    map[string]bool `json:"devices,omitempty"`
	Privileged bool            `json:"privileged,omitempty"`
}

// TaskStatus is the queue's view of a task and its runs.
type TaskStatus struct {
	TaskID string    `json:"taskId"`
	Runs   []TaskRun `json:"runs"`
}

// TaskRun is one numbered attempt at executing a task.
type TaskRun struct {
	RunID          int       `json:"runId"`
	State          string    `json:"state"`
	ReasonCreated  string    `json:"reasonCreated,omitempty"`
	ReasonResolved string    `json:"reasonResolved,omitempty"`
	Started        time.Time `json:"started,omitempty"`
	Resolved       time.Time `json:"resolved,omitempty"`
}

// ReasonResolved values reported by the queue.
const (
	ReasonCanceled         = "canceled"
	ReasonCompleted        = "completed"
	ReasonFailed           = "failed"
	ReasonDeadlineExceeded = "deadline-exceeded"
	ReasonClaimExpired     = "claim-expired"
	ReasonWorkerShutdown   = "worker-shutdown"
)

// TaskClaim grants the holder the exclusive right to execute one run
// of one task until the claim's lease expires.
type TaskClaim struct {
	Status      TaskStatus `json:"status"`
	RunID       int        `json:"runId"`
	Task        Task       `json:"task"`
	TakenUntil  time.Time  `json:"takenUntil,omitempty"`
	Credentials Creds      `json:"credentials,omitempty"`
}

// Creds are task-scoped credentials attached to a claim.
type Creds struct {
	ClientID    string `json:"clientId,omitempty"`
	AccessToken string `json:"accessToken,omitempty"`
}

// CancelMessage announces that a run has been resolved remotely while
// a worker may still be executing it.
type CancelMessage struct {
	Payload CancelPayload `json:"payload"`
}

// CancelPayload identifies the resolved run.
type CancelPayload struct {
	RunID  int        `json:"runId"`
	Status TaskStatus `json:"status"`
}
