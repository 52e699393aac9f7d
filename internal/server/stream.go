package server

import (
	"context"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/prcalc/internal/wire"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const streamWriteTimeout = 10 * time.Second

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleSyncStream keeps a websocket open and tells the device when another
// device of the same account pushed accepted changes. Clients respond by pulling.
func (h *httpHandler) handleSyncStream(c *gin.Context) {
	principal, ok := principalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := streamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Info("sync stream upgrade failed", zap.String("device_id", principal.DeviceID), zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	events, unsubscribe := h.realtime.Subscribe(ctx, principal.AccountID, principal.DeviceID)
	defer unsubscribe()

	// The client never sends data; reading only detects disconnects.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	heartbeat := time.NewTicker(h.heartbeatTick)
	defer heartbeat.Stop()

	h.logger.Debug("sync stream opened", zap.String("device_id", principal.DeviceID))
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-events:
			if !ok {
				return
			}
			event := wire.StreamEvent{Type: message.EventType, ServerTimeMs: message.Timestamp.UnixMilli()}
			if err := writeStreamEvent(conn, event); err != nil {
				return
			}
		case <-heartbeat.C:
			event := wire.StreamEvent{Type: wire.StreamEventHeartbeat, ServerTimeMs: h.clock().UnixMilli()}
			if err := writeStreamEvent(conn, event); err != nil {
				return
			}
		}
	}
}

func writeStreamEvent(conn *websocket.Conn, event wire.StreamEvent) error {
	if err := conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(event)
}
