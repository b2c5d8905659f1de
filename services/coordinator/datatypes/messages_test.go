// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConnect() ConnectRequest {
	return ConnectRequest{
		Method:   "client",
		Priority: 1.0,
		Permuters: []PermuterMeta{{
			FnName:   "func_80801234",
			Filename: "src/overlay1.c",
			KeepProb: 0.6,
		}},
	}
}

func TestConnectRequest_Validate(t *testing.T) {
	t.Run("accepts a well-formed request", func(t *testing.T) {
		req := validConnect()
		assert.NoError(t, req.Validate())
	})

	t.Run("rejects missing method", func(t *testing.T) {
		req := validConnect()
		req.Method = ""
		assert.True(t, IsValidation(req.Validate()))
	})

	t.Run("rejects non-client method", func(t *testing.T) {
		req := validConnect()
		req.Method = "worker"
		assert.True(t, IsValidation(req.Validate()))
	})

	t.Run("rejects non-positive priority", func(t *testing.T) {
		for _, p := range []float64{0, -1} {
			req := validConnect()
			req.Priority = p
			assert.True(t, IsValidation(req.Validate()), "priority %v", p)
		}
	})

	t.Run("rejects NaN and infinite priority", func(t *testing.T) {
		for _, p := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
			req := validConnect()
			req.Priority = p
			assert.True(t, IsValidation(req.Validate()), "priority %v", p)
		}
	})

	t.Run("rejects empty batch", func(t *testing.T) {
		req := validConnect()
		req.Permuters = nil
		assert.True(t, IsValidation(req.Validate()))
	})

	t.Run("rejects oversized batch", func(t *testing.T) {
		req := validConnect()
		req.Permuters = make([]PermuterMeta, MaxPermutersPerBatch+1)
		for i := range req.Permuters {
			req.Permuters[i] = validConnect().Permuters[0]
		}
		assert.True(t, IsValidation(req.Validate()))
	})

	t.Run("rejects out-of-range keep_prob", func(t *testing.T) {
		req := validConnect()
		req.Permuters[0].KeepProb = 1.5
		assert.True(t, IsValidation(req.Validate()))
	})
}

func TestConnectAck_EncodesEmpty(t *testing.T) {
	data, err := json.Marshal(ConnectAck{})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(data))
}

func TestClientMessage_Decode(t *testing.T) {
	raw := `{"type":"result","permuter":7,"score":120,"hash":"ab12","has_source":true,"profiler":{"compile":0.8}}`
	var msg ClientMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	assert.Equal(t, MsgResult, msg.Type)
	assert.Equal(t, uint64(7), msg.Permuter)
	assert.Equal(t, int64(120), msg.Score)
	assert.True(t, msg.HasSource)
	assert.InDelta(t, 0.8, msg.Profiler["compile"], 1e-9)
}

func TestErrorTaxonomy(t *testing.T) {
	t.Run("protocol errors match through wrapping", func(t *testing.T) {
		err := fmt.Errorf("read half: %w", Protocolf("bad id %d", 3))
		assert.True(t, IsProtocol(err))
		assert.False(t, IsValidation(err))
	})

	t.Run("channel errors unwrap to their cause", func(t *testing.T) {
		cause := errors.New("broken pipe")
		err := &ChannelError{Op: "write", Err: cause}
		assert.ErrorIs(t, err, cause)
		assert.Contains(t, err.Error(), "write")
	})

	t.Run("validation errors carry the field", func(t *testing.T) {
		err := &ValidationError{Field: "priority", Reason: "must be positive"}
		assert.Contains(t, err.Error(), "priority")
		assert.True(t, IsValidation(err))
	})
}
