// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session orchestrates one client connection's lifetime.
//
// # Description
//
// HandleConnectClient admits a client's batch of permuters into the shared
// registry, runs the bidirectional streaming protocol until the connection
// ends, and guarantees that every registry entry the connection owns is
// removed on the way out no matter how the connection ends, abrupt
// disconnects included.
//
// # Concurrency
//
// The streaming phase is two goroutines: a read half consuming client
// messages and a write half forwarding queued results. They share only the
// registry handle and the connection's identifier set. Either half ending
// (cleanly or not) cancels the other; the handler waits for both and
// surfaces the first error. Registry access is always a short critical
// section inside the registry package; no I/O ever happens under its lock.
package session

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/permsearch/services/coordinator/archive"
	"github.com/AleutianAI/permsearch/services/coordinator/config"
	"github.com/AleutianAI/permsearch/services/coordinator/datatypes"
	"github.com/AleutianAI/permsearch/services/coordinator/fairness"
	"github.com/AleutianAI/permsearch/services/coordinator/port"
	"github.com/AleutianAI/permsearch/services/coordinator/registry"
)

// State is the shared server state threaded into every connection handler.
// It is constructed once at process start; none of it is a hidden singleton.
type State struct {
	Registry *registry.Registry
	Config   *config.Store

	// Archive receives improving results. May be nil to disable archiving.
	Archive *archive.Archive
}

// Identity is the resolved identity of an authenticated client. How it was
// established is out of scope here; the server layer resolves it before the
// handshake.
type Identity struct {
	User    string
	Session uuid.UUID
}

// conn is the per-connection context shared by the two protocol halves.
type conn struct {
	p     *port.Port
	st    *State
	who   Identity
	ids   []uint64
	owned map[uint64]struct{}

	// fnByID caches function names for archiving without a registry hit.
	fnByID map[uint64]string

	// wake is signalled by the registry whenever a result lands on one of
	// this connection's permuters.
	wake chan struct{}
}

// HandleConnectClient runs one client connection from submission to
// teardown.
//
// # Description
//
// Reads two compressed blocks (source, then target artifact) per permuter in
// the submission, validates the batch, registers every permuter under one
// lock acquisition, acknowledges, and then runs the read and write protocol
// halves until the connection ends. Registration is all-or-nothing: every
// read and every validation happens before the first registry mutation.
// Deregistration of the connection's identifiers is deferred immediately
// after registration and therefore runs on every exit path exactly once.
//
// # Inputs
//
//   - ctx: Connection-scoped context.
//   - p: Established channel to the client.
//   - who: Resolved client identity.
//   - st: Shared server state.
//   - sub: The parsed connect request (metadata and priority; payloads
//     still on the wire).
//
// # Outputs
//
//   - error: First error from either protocol half, a validation error
//     raised before registration, or nil on clean mutual shutdown.
func HandleConnectClient(ctx context.Context, p *port.Port, who Identity, st *State, sub datatypes.ConnectRequest) error {
	cfg := st.Config.Get()

	if err := sub.Validate(); err != nil {
		reportErr(p, err)
		return err
	}
	if len(sub.Permuters) > cfg.MaxPermutersPerClient {
		err := &datatypes.ValidationError{Field: "permuters", Reason: "batch exceeds server limit"}
		reportErr(p, err)
		return err
	}
	if err := fairness.CheckPriority(sub.Priority, cfg.MinPriority); err != nil {
		reportErr(p, err)
		return err
	}

	// All payload reads precede registration so a truncated submission
	// leaves no partial state behind.
	datas := make([]*registry.PermuterData, 0, len(sub.Permuters))
	for i := range sub.Permuters {
		meta := &sub.Permuters[i]
		source, err := p.ReadCompressed(ctx)
		if err != nil {
			err = submissionErr(err)
			reportErr(p, err)
			return err
		}
		target, err := p.ReadCompressed(ctx)
		if err != nil {
			err = submissionErr(err)
			reportErr(p, err)
			return err
		}
		datas = append(datas, &registry.PermuterData{
			FnName:           meta.FnName,
			Filename:         meta.Filename,
			KeepProb:         meta.KeepProb,
			StackDifferences: meta.StackDifferences,
			CompileScript:    meta.CompileScript,
			Source:           string(source),
			Target:           target,
		})
	}

	c := &conn{
		p:      p,
		st:     st,
		who:    who,
		owned:  make(map[uint64]struct{}, len(datas)),
		fnByID: make(map[uint64]string, len(datas)),
		wake:   make(chan struct{}, 1),
	}

	energyAdd := fairness.EnergyAdd(len(datas), sub.Priority)
	c.ids = st.Registry.RegisterBatch(datas, sub.Priority, energyAdd, c.wake)
	defer st.Registry.DeregisterBatch(c.ids)

	for i, id := range c.ids {
		c.owned[id] = struct{}{}
		c.fnByID[id] = datas[i].FnName
	}

	slog.Info("Client batch registered",
		"user", who.User,
		"session", who.Session,
		"permuters", len(c.ids),
		"priority", sub.Priority,
		"energy_add", energyAdd)

	// The acknowledgment is the handshake boundary: the batch is fully
	// registered before the client may start streaming.
	if err := p.WriteJSON(datatypes.ConnectAck{}); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Unblock the read half (parked in a websocket read) once either half
	// is done or the parent context ends.
	go func() {
		<-loopCtx.Done()
		_ = p.Close()
	}()

	var g errgroup.Group
	g.Go(func() error {
		defer cancel()
		return c.readLoop(loopCtx)
	})
	g.Go(func() error {
		defer cancel()
		return c.writeLoop(loopCtx)
	})

	err := g.Wait()
	if err != nil {
		slog.Warn("Client session ended with error",
			"user", who.User,
			"session", who.Session,
			"error", err)
	} else {
		slog.Info("Client session ended",
			"user", who.User,
			"session", who.Session)
	}
	return err
}

// submissionErr maps channel errors during the submission phase. An orderly
// close mid-submission is still a protocol violation: the client promised
// more blocks than it sent.
func submissionErr(err error) error {
	if errors.Is(err, port.ErrClosed) {
		return datatypes.Protocolf("connection closed during submission")
	}
	return err
}

// reportErr tells the client why its session is ending. Best effort, and
// only meaningful while the port is still open; teardown closes the port
// right after the protocol halves return, so callers report before that.
func reportErr(p *port.Port, err error) {
	_ = p.WriteJSON(map[string]string{"error": err.Error()})
}
