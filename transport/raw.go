package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/fernlab-dev/agentgateway/log"
	gwsession "github.com/fernlab-dev/agentgateway/session"
)

// rawUpgrader mirrors the teacher's api/realtime_asr.go gorilla/websocket
// upgrader: origin checking is left to upstream middleware, same as the
// coder/websocket surface above.
var rawUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeRawWebSocket is the raw-JSON-RPC passthrough surface, spec.md
// §4.6: every frame is relayed verbatim to the subprocess backend. For SDK
// sessions, which have no JSON-RPC wire of their own, the request is
// refused with HTTP 400 before any WebSocket upgrade.
func (h *Handler) ServeRawWebSocket(c *gin.Context) {
	sessionID := c.Param("id")
	sess, err := h.sessions.Get(sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	forwarder, ok := sess.(gwsession.RawRPCForwarder)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session does not accept raw JSON-RPC"})
		return
	}

	conn, err := rawUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("raw websocket: upgrade failed")
		return
	}
	defer conn.Close()
	c.Abort()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		h.sessions.Touch(sessionID)

		resp, err := forwarder.ForwardRawRPC(ctx, data)
		if err != nil {
			continue
		}
		if resp == nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, resp); err != nil {
			return
		}
	}
}

// ServeSSE opens a Server-Sent Events stream and relays every subsequent
// session event until disconnect, spec.md §4.6.
func (h *Handler) ServeSSE(c *gin.Context) {
	sessionID := c.Param("id")
	sess, restored, err := h.sessions.Connect(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	log.Debug().Str("sessionId", sessionID).Bool("restored", restored).Msg("sse: connecting")

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	events, unsubscribe := sess.Subscribe(128)
	defer unsubscribe()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-events:
			if !ok {
				return false
			}
			body, err := json.Marshal(wireEvent(ev))
			if err != nil {
				return true
			}
			c.SSEvent(string(ev.Type), json.RawMessage(body))
			return true
		case <-time.After(30 * time.Second):
			c.SSEvent("ping", "")
			return true
		}
	})
}
