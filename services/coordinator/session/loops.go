// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"errors"
	"log/slog"

	"github.com/AleutianAI/permsearch/services/coordinator/datatypes"
	"github.com/AleutianAI/permsearch/services/coordinator/port"
	"github.com/AleutianAI/permsearch/services/coordinator/registry"
	"github.com/AleutianAI/permsearch/services/coordinator/telemetry"
)

// readLoop consumes client messages until orderly closure, a finish notice,
// or an error. A terminal error is reported to the client here, while the
// port is still open; the watcher closes it as soon as this loop returns.
func (c *conn) readLoop(ctx context.Context) error {
	err := c.consume(ctx)
	if err != nil && ctx.Err() == nil {
		reportErr(c.p, err)
	}
	return err
}

// consume dispatches inbound messages. An identifier outside the
// connection's own set is a protocol violation and mutates nothing: it
// indicates either a client bug or a smuggled identifier.
func (c *conn) consume(ctx context.Context) error {
	for {
		var msg datatypes.ClientMessage
		if err := c.p.ReadJSON(ctx, &msg); err != nil {
			if errors.Is(err, port.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		switch msg.Type {
		case datatypes.MsgFinish:
			return nil

		case datatypes.MsgWork:
			if err := c.checkOwned(msg.Permuter); err != nil {
				return err
			}
			if err := c.st.Registry.EnqueueWork(msg.Permuter, msg.Seed); err != nil {
				return datatypes.Protocolf("work for permuter %d: %v", msg.Permuter, err)
			}

		case datatypes.MsgResult:
			if err := c.handleResult(ctx, &msg); err != nil {
				return err
			}

		case datatypes.MsgUpdate:
			if err := c.handleUpdate(ctx, msg.Permuter); err != nil {
				return err
			}

		default:
			return datatypes.Protocolf("invalid message type %q", msg.Type)
		}
	}
}

// handleResult appends a client-submitted result to the permuter's result
// queue, reading the optional compressed source block first. Improving
// results are archived as a side effect.
func (c *conn) handleResult(ctx context.Context, msg *datatypes.ClientMessage) error {
	if err := c.checkOwned(msg.Permuter); err != nil {
		return err
	}

	var source []byte
	if msg.HasSource {
		// Source rides in a separate compressed block; it can run to
		// hundreds of kilobytes.
		var err error
		source, err = c.p.ReadCompressed(ctx)
		if err != nil {
			return submissionErr(err)
		}
	}

	res := registry.Result{
		Score:    msg.Score,
		Hash:     msg.Hash,
		Error:    msg.Error,
		Profiler: msg.Profiler,
		Source:   source,
	}
	if err := c.st.Registry.AppendResult(msg.Permuter, res); err != nil {
		return datatypes.Protocolf("result for permuter %d: %v", msg.Permuter, err)
	}

	if c.st.Archive != nil && msg.Error == "" {
		fn := c.fnByID[msg.Permuter]
		improved, err := c.st.Archive.RecordIfBest(fn, msg.Score, msg.Hash, source)
		if err != nil {
			slog.Warn("Failed to archive result", "fn", fn, "error", err)
		} else if improved {
			slog.Info("New best result archived",
				"fn", fn,
				"score", msg.Score,
				"user", c.who.User)
		}
	}
	return nil
}

// handleUpdate replaces a permuter's task data with a newer revision read
// from the channel (source, then target) and marks it stale so queued work
// from the old revision is discarded at dispatch.
func (c *conn) handleUpdate(ctx context.Context, id uint64) error {
	if err := c.checkOwned(id); err != nil {
		return err
	}

	source, err := c.p.ReadCompressed(ctx)
	if err != nil {
		return submissionErr(err)
	}
	target, err := c.p.ReadCompressed(ctx)
	if err != nil {
		return submissionErr(err)
	}

	snap, ok := c.st.Registry.Snapshot(id)
	if !ok {
		return datatypes.Protocolf("update for permuter %d: unknown", id)
	}
	data := *snap.Data
	data.Source = string(source)
	data.Target = target
	if err := c.st.Registry.ReplaceData(id, &data); err != nil {
		return datatypes.Protocolf("update for permuter %d: %v", id, err)
	}
	return nil
}

// writeLoop forwards queued results to the client as they arrive, plus a
// need_work hint whenever the connection's work queues run dry. It never
// blocks without observing teardown: all waiting is a select on the wake
// signal and the loop context.
func (c *conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.wake:
		}

		for _, res := range c.st.Registry.DrainResults(c.ids) {
			out := datatypes.ServerMessage{
				Type:      datatypes.MsgResult,
				Permuter:  res.Permuter,
				Score:     res.Score,
				Hash:      res.Hash,
				Error:     res.Error,
				Profiler:  res.Profiler,
				HasSource: len(res.Source) > 0,
			}
			if err := c.p.WriteJSON(out); err != nil {
				return c.teardownErr(ctx, err)
			}
			if out.HasSource {
				if err := c.p.WriteCompressed(res.Source); err != nil {
					return c.teardownErr(ctx, err)
				}
			}
			telemetry.ResultsForwarded.Inc()
		}

		if c.st.Registry.QueuedWork(c.ids) == 0 {
			if err := c.p.WriteJSON(datatypes.ServerMessage{Type: datatypes.MsgNeedWork}); err != nil {
				return c.teardownErr(ctx, err)
			}
		}
	}
}

// teardownErr suppresses write failures that raced with an already-decided
// shutdown; the sibling half owns the real termination cause.
func (c *conn) teardownErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// checkOwned returns a protocol error when id was not registered by this
// connection.
func (c *conn) checkOwned(id uint64) error {
	if _, ok := c.owned[id]; !ok {
		return datatypes.Protocolf("permuter %d is not owned by this connection", id)
	}
	return nil
}
