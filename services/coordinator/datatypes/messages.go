// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides wire-level data structures for the coordinator
// service.
//
// This file contains the connect handshake and the streamed message types
// exchanged over an established connection. Validation rules live next to
// the types they guard; see errors.go for the error taxonomy.
package datatypes

import (
	"math"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxPermutersPerBatch is the maximum number of search tasks one
	// connection may register in a single submission.
	MaxPermutersPerBatch = 64

	// MaxCompileScriptBytes caps the size of an inline compile script.
	MaxCompileScriptBytes = 64 * 1024

	// MaxFunctionNameBytes caps the function name carried in metadata.
	MaxFunctionNameBytes = 1024
)

// =============================================================================
// Message Type Tags
// =============================================================================

// Stream message type tags. These appear in the "type" field of every
// message exchanged after the handshake.
const (
	MsgWork     = "work"
	MsgResult   = "result"
	MsgUpdate   = "update"
	MsgFinish   = "finish"
	MsgNeedWork = "need_work"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// wireValidate is the validator instance for wire datatypes.
// Initialized in init() with custom validators.
var wireValidate *validator.Validate

func init() {
	wireValidate = validator.New()
	_ = wireValidate.RegisterValidation("finite", validateFinite)
}

// validateFinite rejects NaN and infinite float64 fields. A NaN or infinite
// priority would otherwise flow into the fairness weight and poison every
// scheduling comparison downstream.
func validateFinite(fl validator.FieldLevel) bool {
	v := fl.Field().Float()
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// =============================================================================
// Handshake Types
// =============================================================================

// PermuterMeta is the per-task metadata carried by a connect request. The
// task's source text and target artifact are not part of this struct; they
// follow on the channel as two compressed blocks per permuter, in submission
// order.
type PermuterMeta struct {
	FnName           string  `json:"fn_name" validate:"required,max=1024"`
	Filename         string  `json:"filename" validate:"required"`
	KeepProb         float64 `json:"keep_prob" validate:"finite,gte=0,lte=1"`
	StackDifferences bool    `json:"stack_differences"`
	CompileScript    string  `json:"compile_script" validate:"max=65536"`
}

// ConnectRequest is the first message a client sends after the transport is
// established. Priority is shared by the whole batch.
type ConnectRequest struct {
	Method    string         `json:"method" validate:"required,eq=client"`
	Priority  float64        `json:"priority" validate:"finite,gt=0"`
	Permuters []PermuterMeta `json:"permuters" validate:"required,min=1,max=64,dive"`
}

// Validate checks structural validity of a connect request. The
// server-configured priority floor is enforced separately by the fairness
// package; both run before any registry mutation happens.
func (r *ConnectRequest) Validate() error {
	if err := wireValidate.Struct(r); err != nil {
		return &ValidationError{Field: "connect", Reason: err.Error()}
	}
	return nil
}

// ConnectAck is the handshake acknowledgment. It is intentionally empty:
// receiving it tells the client the whole batch is registered and streaming
// may begin.
type ConnectAck struct{}

// =============================================================================
// Stream Messages
// =============================================================================

// ClientMessage is one message in the client-to-server direction. Fields are
// populated according to Type:
//
//   - work:   Permuter, Seed
//   - result: Permuter, and either Error or Score/Hash/Profiler; when
//     HasSource is set, one compressed source block follows on the channel
//   - update: Permuter; two compressed blocks (source, target) follow
//   - finish: no fields
type ClientMessage struct {
	Type      string             `json:"type"`
	Permuter  uint64             `json:"permuter"`
	Seed      int64              `json:"seed,omitempty"`
	Score     int64              `json:"score,omitempty"`
	Hash      string             `json:"hash,omitempty"`
	Error     string             `json:"error,omitempty"`
	HasSource bool               `json:"has_source,omitempty"`
	Profiler  map[string]float64 `json:"profiler,omitempty"`
}

// ServerMessage is one message in the server-to-client direction: a
// forwarded result, a need_work backpressure hint, or a finish notice.
// A forwarded result with HasSource set is followed by one compressed
// source block.
type ServerMessage struct {
	Type      string             `json:"type"`
	Permuter  uint64             `json:"permuter,omitempty"`
	Score     int64              `json:"score,omitempty"`
	Hash      string             `json:"hash,omitempty"`
	Error     string             `json:"error,omitempty"`
	HasSource bool               `json:"has_source,omitempty"`
	Profiler  map[string]float64 `json:"profiler,omitempty"`
}
