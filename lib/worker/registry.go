// Copyright (C) The TaskDepot Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"context"
	"time"
)

// RunningState tracks one in-flight run from admission to
// retirement. It is created by the TaskRunner just before admission
// and mutated only by its owner; the registry holding it is guarded
// by the worker's mutex.
type RunningState struct {
	TaskID    string
	RunID     int
	StartTime time.Time
	Devices   map[string]Device
	Handler   TaskHandler

	// stop cancels the context passed to Handler.Start.
	stop context.CancelFunc
}

// registry is the set of in-flight runs, addressable by
// (taskID, runID). Not safe for concurrent use: all access is
// serialized by the worker's mutex.
type registry struct {
	entries []*RunningState
}

func (r *registry) add(state *RunningState) {
	r.entries = append(r.entries, state)
}

// remove deletes and returns the entry matching both keys, or nil if
// no entry matches.
func (r *registry) remove(taskID string, runID int) *RunningState {
	for i, ent := range r.entries {
		if ent.TaskID == taskID && ent.RunID == runID {
			copy(r.entries[i:], r.entries[i+1:])
			r.entries[len(r.entries)-1] = nil
			r.entries = r.entries[:len(r.entries)-1]
			return ent
		}
	}
	return nil
}

func (r *registry) find(taskID string, runID int) *RunningState {
	for _, ent := range r.entries {
		if ent.TaskID == taskID && ent.RunID == runID {
			return ent
		}
	}
	return nil
}

// snapshot returns a copy of the entry list, so callers can iterate
// without holding the worker's mutex.
func (r *registry) snapshot() []*RunningState {
	return append([]*RunningState(nil), r.entries...)
}

func (r *registry) size() int {
	return len(r.entries)
}
