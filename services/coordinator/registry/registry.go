// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry holds the process-wide set of active permuters.
//
// # Description
//
// The Registry is the only shared mutable state in the coordinator. It maps
// monotonically assigned identifiers to permuters and is accessed by every
// connection session and by worker dispatch concurrently. One mutex guards
// everything; every exported method is a short critical section over
// in-memory state only. Callers never receive a reference to a live
// permuter; mutation is always mediated by a Registry method, so the lock
// can never be held across I/O.
//
// # Thread Safety
//
// Safe for concurrent use.
package registry

import (
	"errors"
	"sync"

	"github.com/AleutianAI/permsearch/services/coordinator/telemetry"
)

// ErrUnknownPermuter is returned when an identifier is not registered. A
// deregister of an absent id is a no-op instead; a connection may race with
// its own cleanup.
var ErrUnknownPermuter = errors.New("unknown permuter")

// Registry is the process-wide permuter table. Construct one with New at
// server start and pass it into every handler; it is never a hidden
// singleton.
type Registry struct {
	mu             sync.Mutex
	nextPermuterID uint64
	permuters      map[uint64]*permuter
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{permuters: make(map[uint64]*permuter)}
}

// RegisterBatch inserts one permuter per data element under a single lock
// acquisition, assigning each a fresh identifier. energyAdd is the batch's
// fairness increment (see the fairness package); wake is the owning
// session's write-half wake signal, shared by the whole batch. Returns the
// assigned identifiers in input order.
//
// Identifiers are never reused, even after removal.
func (r *Registry) RegisterBatch(datas []*PermuterData, priority, energyAdd float64, wake chan<- struct{}) []uint64 {
	ids := make([]uint64, 0, len(datas))

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, data := range datas {
		id := r.nextPermuterID
		r.nextPermuterID++
		ids = append(ids, id)
		r.permuters[id] = &permuter{
			data:      data,
			priority:  priority,
			energyAdd: energyAdd,
			wake:      wake,
		}
	}
	telemetry.ActivePermuters.Add(float64(len(datas)))
	return ids
}

// DeregisterBatch removes the given identifiers under a single lock
// acquisition. Absent identifiers are skipped silently.
func (r *Registry) DeregisterBatch(ids []uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for _, id := range ids {
		if _, ok := r.permuters[id]; ok {
			delete(r.permuters, id)
			removed++
		}
	}
	telemetry.ActivePermuters.Sub(float64(removed))
}

// Len returns the number of registered permuters.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.permuters)
}

// NextID returns the next identifier that will be assigned. Used by tests
// and diagnostics; the value is stale the moment the lock is released.
func (r *Registry) NextID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextPermuterID
}

// EnqueueWork appends a candidate variation to a permuter's work queue. The
// item is tagged with the permuter's current data generation.
func (r *Registry) EnqueueWork(id uint64, seed int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.permuters[id]
	if !ok {
		return ErrUnknownPermuter
	}
	p.workQueue = append(p.workQueue, WorkItem{Seed: seed, Generation: p.generation})
	telemetry.WorkEnqueued.Inc()
	return nil
}

// AppendResult appends a result to a permuter's result queue and wakes the
// owning session's write-half.
func (r *Registry) AppendResult(id uint64, res Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.permuters[id]
	if !ok {
		return ErrUnknownPermuter
	}
	res.Permuter = id
	p.resultQueue = append(p.resultQueue, res)
	telemetry.ResultsReceived.Inc()
	if p.wake != nil {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// ReplaceData installs a new immutable payload for a permuter and marks it
// stale: previously queued work items stay in the queue but belong to an
// older generation and will be discarded at dispatch time.
func (r *Registry) ReplaceData(id uint64, data *PermuterData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.permuters[id]
	if !ok {
		return ErrUnknownPermuter
	}
	p.data = data
	p.stale = true
	p.generation++
	return nil
}

// DrainResults removes and returns all queued results for the given
// identifiers, in per-permuter queue order. Unknown identifiers are skipped.
func (r *Registry) DrainResults(ids []uint64) []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Result
	for _, id := range ids {
		p, ok := r.permuters[id]
		if !ok || len(p.resultQueue) == 0 {
			continue
		}
		out = append(out, p.resultQueue...)
		p.resultQueue = nil
	}
	return out
}

// QueuedWork returns the number of live (non-stale) queued work items across
// the given identifiers.
func (r *Registry) QueuedWork(ids []uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range ids {
		p, ok := r.permuters[id]
		if !ok {
			continue
		}
		for _, item := range p.workQueue {
			if item.Generation == p.generation {
				n++
			}
		}
	}
	return n
}

// TakeWork removes and returns one work item, choosing the permuter with the
// lowest accumulated energy among those with live queued work, and charging
// that permuter its energy increment. Stale items encountered at queue heads
// are dropped. Returns false when no live work is queued anywhere.
//
// This is the data-structure half of weighted fair queuing; the dispatch
// package owns the collaborator contract around it.
func (r *Registry) TakeWork() (Assignment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		bestID uint64
		best   *permuter
	)
	for id, p := range r.permuters {
		r.dropStaleHead(p)
		if len(p.workQueue) == 0 {
			continue
		}
		if best == nil || p.energy < best.energy {
			bestID, best = id, p
		}
	}
	if best == nil {
		return Assignment{}, false
	}

	item := best.workQueue[0]
	best.workQueue = best.workQueue[1:]
	best.energy += best.energyAdd
	telemetry.WorkDispatched.Inc()
	return Assignment{Permuter: bestID, Seed: item.Seed, Data: best.data}, true
}

// dropStaleHead discards queued items from superseded generations at the
// front of p's queue. Caller holds r.mu.
func (r *Registry) dropStaleHead(p *permuter) {
	for len(p.workQueue) > 0 && p.workQueue[0].Generation != p.generation {
		p.workQueue = p.workQueue[1:]
		telemetry.StaleWorkDiscarded.Inc()
	}
}

// Snapshot returns a copy of a permuter's observable state, or false if the
// identifier is not registered.
func (r *Registry) Snapshot(id uint64) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.permuters[id]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		Data:          p.data,
		Priority:      p.priority,
		EnergyAdd:     p.energyAdd,
		Energy:        p.energy,
		Stale:         p.stale,
		WorkQueued:    len(p.workQueue),
		ResultsQueued: len(p.resultQueue),
	}, true
}
