package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fernlab-dev/agentgateway/acp"
	gwsession "github.com/fernlab-dev/agentgateway/session"
)

// ServeHTTPRPC implements `POST /v1/sessions/:id/rpc`, spec.md §4.6: for
// requests (id present) it blocks until the session produces a response,
// bounded by the RPC timeout; for notifications it returns 202 immediately.
func (h *Handler) ServeHTTPRPC(c *gin.Context) {
	sessionID := c.Param("id")
	sess, restored, err := h.sessions.Connect(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if restored {
		h.sessions.Touch(sessionID)
	}

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}

	kind, id, err := classify(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.sessions.Touch(sessionID)

	if kind == acp.KindNotification {
		go deliverNotification(sess, body)
		c.Status(http.StatusAccepted)
		return
	}

	forwarder, ok := sess.(gwsession.RawRPCForwarder)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session does not accept raw JSON-RPC"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), rpcTimeout)
	defer cancel()

	resp, err := forwarder.ForwardRawRPC(ctx, body)
	if err != nil {
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error(), "id": id})
		return
	}
	c.Data(http.StatusOK, "application/json", resp)
}

// rpcTimeout bounds how long an HTTP RPC request blocks for a response,
// spec.md §4.6. A production deployment would source this from
// config.Get().RPCTimeout; kept as a package constant here since
// transport.Handler is constructed once per process and does not hold a
// config reference of its own.
const rpcTimeout = 60 * time.Second

func classify(body []byte) (acp.Kind, json.RawMessage, error) {
	var env acp.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", nil, err
	}
	return env.Kind(), env.ID, nil
}

func deliverNotification(sess gwsession.Session, body []byte) {
	if forwarder, ok := sess.(gwsession.RawRPCForwarder); ok {
		_, _ = forwarder.ForwardRawRPC(context.Background(), body)
	}
}
