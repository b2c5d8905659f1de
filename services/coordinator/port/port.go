// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package port implements the coordinator's bidirectional channel.
//
// # Description
//
// A Port wraps one WebSocket connection and frames the protocol's two
// payload kinds onto it: text messages carry JSON control structures, binary
// messages carry zlib-compressed byte blocks. WebSocket framing already
// length-delimits each block, so the codec here is only compression plus a
// decompressed-size cap.
//
// # Thread Safety
//
// Reads must come from a single goroutine (the session's read path). Writes
// are serialized internally and may come from multiple goroutines.
package port

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zlib"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/permsearch/services/coordinator/datatypes"
	"github.com/AleutianAI/permsearch/services/coordinator/telemetry"
)

// ErrClosed reports orderly connection closure. Protocol loops treat it as
// clean termination, not a failure.
var ErrClosed = errors.New("connection closed")

// DefaultMaxBlockBytes caps decompressed block sizes when Options leaves
// MaxBlockBytes zero. Source files of hundreds of kilobytes are routine;
// tens of megabytes are not.
const DefaultMaxBlockBytes = 32 * 1024 * 1024

// Options tunes a Port. The zero value gets defaults.
type Options struct {
	// MaxBlockBytes caps the decompressed size of one block.
	MaxBlockBytes int64

	// MessageRate and MessageBurst bound the inbound message rate. A zero
	// rate disables limiting.
	MessageRate  float64
	MessageBurst int
}

// Port is one framed, compressed, bidirectional channel.
type Port struct {
	ws       *websocket.Conn
	writeMu  sync.Mutex
	limiter  *rate.Limiter
	maxBlock int64
}

// New wraps an established WebSocket connection.
func New(ws *websocket.Conn, opts Options) *Port {
	p := &Port{ws: ws, maxBlock: opts.MaxBlockBytes}
	if p.maxBlock <= 0 {
		p.maxBlock = DefaultMaxBlockBytes
	}
	if opts.MessageRate > 0 {
		burst := opts.MessageBurst
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(opts.MessageRate), burst)
	}
	return p
}

// readFrame reads one WebSocket message of the wanted type, applying the
// inbound rate limit. ctx bounds only the limiter wait; the read itself is
// unblocked by closing the port.
func (p *Port) readFrame(ctx context.Context, want int) ([]byte, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	mt, data, err := p.ws.ReadMessage()
	if err != nil {
		return nil, mapReadErr(err)
	}
	if mt != want {
		return nil, datatypes.Protocolf("unexpected frame type %d", mt)
	}
	return data, nil
}

// ReadJSON reads one control message into v.
func (p *Port) ReadJSON(ctx context.Context, v any) error {
	data, err := p.readFrame(ctx, websocket.TextMessage)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return datatypes.Protocolf("malformed control message: %v", err)
	}
	return nil
}

// ReadCompressed reads one compressed block and returns its decompressed
// contents. Fails on truncation, corrupt streams, and blocks exceeding the
// configured cap.
func (p *Port) ReadCompressed(ctx context.Context) ([]byte, error) {
	data, err := p.readFrame(ctx, websocket.BinaryMessage)
	if err != nil {
		return nil, err
	}
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, datatypes.Protocolf("corrupt compressed block: %v", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, p.maxBlock+1))
	if err != nil {
		return nil, datatypes.Protocolf("truncated compressed block: %v", err)
	}
	if int64(len(out)) > p.maxBlock {
		return nil, datatypes.Protocolf("block exceeds %d byte limit", p.maxBlock)
	}
	telemetry.BlockBytesIn.Observe(float64(len(out)))
	return out, nil
}

// WriteJSON serializes v and writes it as one control message.
func (p *Port) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return datatypes.Protocolf("unencodable control message: %v", err)
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return &datatypes.ChannelError{Op: "write", Err: err}
	}
	return nil
}

// WriteCompressed compresses b and writes it as one block.
func (p *Port) WriteCompressed(b []byte) error {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return &datatypes.ChannelError{Op: "compress", Err: err}
	}
	if err := zw.Close(); err != nil {
		return &datatypes.ChannelError{Op: "compress", Err: err}
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.ws.WriteMessage(websocket.BinaryMessage, buf.Bytes()); err != nil {
		return &datatypes.ChannelError{Op: "write", Err: err}
	}
	return nil
}

// closeGrace bounds the best-effort close frame. A peer that has stopped
// reading gets the connection dropped after this long at most.
const closeGrace = time.Second

// Close sends a best-effort close frame and tears down the connection,
// unblocking any goroutine parked in a read or a write. The close frame
// goes through the transport's control path, which is safe alongside a
// concurrent data write, so Close never waits behind a write stalled on a
// peer that has stopped reading. Safe to call more than once.
func (p *Port) Close() error {
	_ = p.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeGrace))
	return p.ws.Close()
}

// mapReadErr folds the transport's close signals into ErrClosed and wraps
// everything else as a channel error.
func mapReadErr(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return ErrClosed
	}
	return &datatypes.ChannelError{Op: "read", Err: err}
}
