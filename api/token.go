package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fernlab-dev/agentgateway/auth"
)

type tokenRequest struct {
	Subject string `json:"subject,omitempty"`
	TTL     string `json:"ttl,omitempty"` // Go duration string, default 1h
}

// IssueToken handles `POST /v1/auth/token`: mints a scoped bearer token
// from the deployment's master secret, so a deployment can hand shorter-
// lived credentials to individual clients. Requires the master secret
// itself (checked here, since bearerAuthMiddleware upstream also accepts
// derived tokens), so only a caller who already holds it can mint derived
// tokens.
func (h *Handlers) IssueToken(c *gin.Context) {
	if h.BearerToken == "" {
		RespondBadRequest(c, "bearer auth is disabled for this deployment")
		return
	}
	// The upstream middleware also admits derived tokens; minting needs the
	// master secret itself.
	presented := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(presented), []byte(h.BearerToken)) != 1 {
		RespondForbidden(c, "minting a token requires the master secret")
		return
	}
	var req tokenRequest
	_ = c.ShouldBindJSON(&req)

	ttl := time.Hour
	if req.TTL != "" {
		if d, err := time.ParseDuration(req.TTL); err == nil {
			ttl = d
		}
	}

	token, err := auth.IssueToken(h.BearerToken, req.Subject, ttl)
	if err != nil {
		RespondInternalError(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expiresIn": int(ttl.Seconds())})
}
