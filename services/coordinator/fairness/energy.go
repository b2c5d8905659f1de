// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fairness derives per-permuter scheduling weights.
//
// # Description
//
// Worker dispatch approximates weighted fair queuing across clients: each
// permuter carries a constant energy increment, and dispatch always serves
// the permuter with the lowest accumulated energy, charging the increment
// per delivered work unit. The increment is batch_size / priority, so a
// client submitting many permuters under one priority claims no more
// aggregate compute than a client submitting one: the client's total share
// scales with priority alone.
//
// # Thread Safety
//
// All functions are pure and safe for concurrent use.
package fairness

import (
	"math"

	"github.com/AleutianAI/permsearch/services/coordinator/datatypes"
)

// EnergyAdd returns the constant energy increment for every permuter in a
// batch of batchSize tasks sharing one priority. Computed once at
// registration and never changed for the permuter's lifetime.
func EnergyAdd(batchSize int, priority float64) float64 {
	return float64(batchSize) / priority
}

// CheckPriority validates a client-supplied priority against the server's
// configured floor. Non-positive, NaN and infinite values are rejected; they
// would produce a zero or infinite weight and break every scheduling
// comparison. Must be called before any registry mutation.
func CheckPriority(priority, floor float64) error {
	if math.IsNaN(priority) || math.IsInf(priority, 0) {
		return &datatypes.ValidationError{Field: "priority", Reason: "must be finite"}
	}
	if priority <= 0 {
		return &datatypes.ValidationError{Field: "priority", Reason: "must be positive"}
	}
	if priority < floor {
		return &datatypes.ValidationError{Field: "priority", Reason: "below server minimum"}
	}
	return nil
}
