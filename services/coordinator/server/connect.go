package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/permsearch/services/coordinator/datatypes"
	"github.com/AleutianAI/permsearch/services/coordinator/port"
	"github.com/AleutianAI/permsearch/services/coordinator/session"
	"github.com/AleutianAI/permsearch/services/coordinator/telemetry"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	// 1MB buffers; compressed source blocks are routinely large.
	ReadBufferSize:  1024 * 1024,
	WriteBufferSize: 1024 * 1024,
}

// handleConnect upgrades the connection, resolves the client identity, reads
// the connect request, and hands the session to HandleConnectClient.
// Authentication is out of scope: identity comes pre-resolved from the
// fronting proxy via the X-Permsearch-User header.
func (s *Server) handleConnect(c *gin.Context) {
	who := session.Identity{
		User:    c.GetHeader("X-Permsearch-User"),
		Session: uuid.New(),
	}
	if who.User == "" {
		who.User = "anonymous"
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("Failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()

	telemetry.ActiveConnections.Inc()
	defer telemetry.ActiveConnections.Dec()
	slog.Info("Client connected", "user", who.User, "session", who.Session)

	cfg := s.cfg.Get()
	p := port.New(ws, port.Options{
		MaxBlockBytes: cfg.MaxBlockBytes,
		MessageRate:   cfg.MessageRate,
		MessageBurst:  cfg.MessageBurst,
	})

	ctx := c.Request.Context()

	var req datatypes.ConnectRequest
	if err := p.ReadJSON(ctx, &req); err != nil {
		telemetry.ConnectionsTotal.WithLabelValues(outcome(err)).Inc()
		slog.Info("Client disconnected before handshake", "user", who.User, "error", err)
		return
	}

	// Rejections and protocol errors are reported to the client by the
	// session itself, while its port is still open.
	err = session.HandleConnectClient(ctx, p, who, s.state, req)
	telemetry.ConnectionsTotal.WithLabelValues(outcome(err)).Inc()
	_ = p.Close()
}

// outcome maps a session result onto the connection outcome label.
func outcome(err error) string {
	var ce *datatypes.ChannelError
	switch {
	case err == nil:
		return "ok"
	case datatypes.IsValidation(err):
		return "validation_error"
	case datatypes.IsProtocol(err):
		return "protocol_error"
	case errors.As(err, &ce):
		return "channel_error"
	default:
		return "error"
	}
}
