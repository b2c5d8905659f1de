// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

// PermuterData is the immutable payload of one search task. It is built once
// from a client submission and never mutated; a task update installs a fresh
// PermuterData in its place.
type PermuterData struct {
	FnName           string
	Filename         string
	KeepProb         float64
	StackDifferences bool
	CompileScript    string

	// Source is the current source variant, decoded as UTF-8 text.
	Source string

	// Target is the compiled artifact the search is converging toward.
	Target []byte
}

// WorkItem is one queued candidate variation.
type WorkItem struct {
	Seed int64

	// Generation records the permuter's data generation at enqueue time.
	// Items from an older generation are stale and dropped at dispatch.
	Generation uint64
}

// Result is one build/diff outcome pushed by worker dispatch (or submitted
// by a client on its own behalf). Either Error is set, or Score/Hash are.
type Result struct {
	Permuter uint64
	Score    int64
	Hash     string
	Error    string
	Profiler map[string]float64

	// Source carries the candidate's source text when the producer chose to
	// attach it (typically only for improvements). May be nil.
	Source []byte
}

// Assignment is one work unit handed to worker dispatch: the item plus the
// task data needed to execute it.
type Assignment struct {
	Permuter uint64
	Seed     int64
	Data     *PermuterData
}

// Snapshot is a point-in-time copy of a permuter's observable state, taken
// under the registry lock. Data may be shared because it is immutable.
type Snapshot struct {
	Data          *PermuterData
	Priority      float64
	EnergyAdd     float64
	Energy        float64
	Stale         bool
	WorkQueued    int
	ResultsQueued int
}

// permuter is one registered search task. All fields are guarded by the
// owning Registry's mutex; nothing outside this package ever holds a
// reference to one.
type permuter struct {
	data        *PermuterData
	workQueue   []WorkItem
	resultQueue []Result
	stale       bool
	priority    float64
	energyAdd   float64
	energy      float64
	generation  uint64

	// wake is the owning session's write-half wake signal. Sends are
	// non-blocking; the channel is a level trigger, not a count.
	wake chan<- struct{}
}
