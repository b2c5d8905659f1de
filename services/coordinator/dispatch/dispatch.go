// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dispatch is the worker-facing side of the coordinator.
//
// # Description
//
// Worker connections pull candidate variations from active permuters,
// execute builds and diffs elsewhere, and push outcomes back. This package
// owns that collaborator contract: TakeWork hands out the next unit under
// the fairness policy (lowest accumulated energy first, each delivery
// charging the permuter its energy increment), and PushResult routes an
// outcome to the owning permuter's result queue, waking the owning client
// session. Build and diff execution itself is out of scope.
package dispatch

import (
	"log/slog"

	"github.com/AleutianAI/permsearch/services/coordinator/archive"
	"github.com/AleutianAI/permsearch/services/coordinator/registry"
)

// Scheduler hands out work and routes results for worker connections.
type Scheduler struct {
	reg *registry.Registry

	// arc receives improving worker results. May be nil.
	arc *archive.Archive
}

// NewScheduler builds a scheduler over the shared registry.
func NewScheduler(reg *registry.Registry, arc *archive.Archive) *Scheduler {
	return &Scheduler{reg: reg, arc: arc}
}

// TakeWork returns the next work unit, or false when no live work is queued
// anywhere. Selection is weighted fair queuing: the permuter with the
// lowest accumulated energy wins and is charged its increment, so a
// client's aggregate share of deliveries tracks its priority regardless of
// how many permuters it registered.
func (s *Scheduler) TakeWork() (registry.Assignment, bool) {
	return s.reg.TakeWork()
}

// PushResult appends a worker outcome to the owning permuter's result queue
// and wakes the owning session. Unknown identifiers are reported as an
// error; the permuter may simply have been deregistered while the worker
// was busy, which callers should treat as a stale delivery, not a fault.
func (s *Scheduler) PushResult(id uint64, res registry.Result) error {
	if err := s.reg.AppendResult(id, res); err != nil {
		return err
	}

	if s.arc != nil && res.Error == "" {
		snap, ok := s.reg.Snapshot(id)
		if !ok {
			return nil
		}
		improved, err := s.arc.RecordIfBest(snap.Data.FnName, res.Score, res.Hash, res.Source)
		if err != nil {
			slog.Warn("Failed to archive worker result",
				"fn", snap.Data.FnName,
				"error", err)
		} else if improved {
			slog.Info("New best result archived",
				"fn", snap.Data.FnName,
				"score", res.Score)
		}
	}
	return nil
}
