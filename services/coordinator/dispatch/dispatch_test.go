// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/permsearch/services/coordinator/archive"
	"github.com/AleutianAI/permsearch/services/coordinator/fairness"
	"github.com/AleutianAI/permsearch/services/coordinator/registry"
)

func register(t *testing.T, reg *registry.Registry, fn string, batch int, priority float64) []uint64 {
	t.Helper()
	datas := make([]*registry.PermuterData, batch)
	for i := range datas {
		datas[i] = &registry.PermuterData{FnName: fn, Source: "src", Target: []byte{1}}
	}
	return reg.RegisterBatch(datas, priority, fairness.EnergyAdd(batch, priority), nil)
}

func TestScheduler_TakeWorkDrainsQueue(t *testing.T) {
	reg := registry.New()
	s := NewScheduler(reg, nil)

	ids := register(t, reg, "fn_a", 1, 1.0)
	require.NoError(t, reg.EnqueueWork(ids[0], 7))

	asg, ok := s.TakeWork()
	require.True(t, ok)
	assert.Equal(t, ids[0], asg.Permuter)
	assert.Equal(t, int64(7), asg.Seed)
	assert.Equal(t, "fn_a", asg.Data.FnName)

	_, ok = s.TakeWork()
	assert.False(t, ok)
}

func TestScheduler_FairShareTracksPriorityNotBatchSize(t *testing.T) {
	reg := registry.New()
	s := NewScheduler(reg, nil)

	// A big batch under one priority must not out-claim a single permuter
	// at the same priority: per-item increments scale with batch size.
	bigIDs := register(t, reg, "big", 4, 1.0) // energy_add = 4
	for _, id := range bigIDs {
		for seed := int64(0); seed < 8; seed++ {
			require.NoError(t, reg.EnqueueWork(id, seed))
		}
	}

	// Prime the big batch once so the comparison below is tie-free.
	_, ok := s.TakeWork()
	require.True(t, ok)

	soloIDs := register(t, reg, "solo", 1, 1.0) // energy_add = 1
	for seed := int64(0); seed < 8; seed++ {
		require.NoError(t, reg.EnqueueWork(soloIDs[0], seed))
	}

	solo, big := 0, 0
	for range 8 {
		asg, ok := s.TakeWork()
		require.True(t, ok)
		if asg.Permuter == soloIDs[0] {
			solo++
		} else {
			big++
		}
	}

	// Equal priorities: aggregate deliveries should split roughly evenly
	// between the two clients despite the 4x batch.
	assert.InDelta(t, solo, big, 2)
}

func TestScheduler_PushResultRoutesToOwner(t *testing.T) {
	reg := registry.New()
	s := NewScheduler(reg, nil)
	ids := register(t, reg, "fn_a", 1, 1.0)

	require.NoError(t, s.PushResult(ids[0], registry.Result{Score: 3, Hash: "h"}))

	snap, ok := reg.Snapshot(ids[0])
	require.True(t, ok)
	assert.Equal(t, 1, snap.ResultsQueued)
}

func TestScheduler_PushResultUnknownPermuter(t *testing.T) {
	reg := registry.New()
	s := NewScheduler(reg, nil)

	err := s.PushResult(404, registry.Result{Score: 1})
	assert.ErrorIs(t, err, registry.ErrUnknownPermuter)
}

func TestScheduler_ArchivesImprovingResult(t *testing.T) {
	reg := registry.New()
	arc, err := archive.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = arc.Close() })

	s := NewScheduler(reg, arc)
	ids := register(t, reg, "fn_best", 1, 1.0)

	require.NoError(t, s.PushResult(ids[0], registry.Result{
		Score:  12,
		Hash:   "h12",
		Source: []byte("winning src"),
	}))

	best, ok, err := arc.Best("fn_best")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(12), best.Score)

	// Errored results never reach the archive.
	require.NoError(t, s.PushResult(ids[0], registry.Result{Error: "compile failed", Score: 0}))
	best, _, err = arc.Best("fn_best")
	require.NoError(t, err)
	assert.Equal(t, int64(12), best.Score)
}
