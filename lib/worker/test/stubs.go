// Copyright (C) The TaskDepot Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package test provides stub collaborators for worker tests.
package test

import (
	"context"
	"fmt"
	"sync"

	"git.taskdepot.org/taskdepot.git/sdk/go/depot"
)

// TaskID returns a stable fake task ID.
func TaskID(i int) string {
	return fmt.Sprintf("task-%06d", i)
}

// Claim returns a first-run claim on the given fake task.
func Claim(i, runID int) depot.TaskClaim {
	return depot.TaskClaim{
		Status: depot.TaskStatus{TaskID: TaskID(i)},
		RunID:  runID,
		Task:   depot.Task{TaskID: TaskID(i)},
	}
}

// Queue is a queue stub that hands out a canned list of claims, then
// nothing. It records the requested claim counts.
type Queue struct {
	Claims []depot.TaskClaim
	Err    error

	mtx   sync.Mutex
	calls []int
}

func (q *Queue) ClaimWork(ctx context.Context, n int) ([]depot.TaskClaim, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.calls = append(q.calls, n)
	if q.Err != nil {
		return nil, q.Err
	}
	if n > len(q.Claims) {
		n = len(q.Claims)
	}
	claims := q.Claims[:n]
	q.Claims = q.Claims[n:]
	return claims, nil
}

// Calls returns the requested claim counts, in order.
func (q *Queue) Calls() []int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return append([]int(nil), q.calls...)
}
