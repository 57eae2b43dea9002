package api

import (
	"github.com/gin-gonic/gin"

	"github.com/fernlab-dev/agentgateway/transport"
)

// SetupRoutes mounts every endpoint from spec.md §6's table onto r.
// Grounded on the teacher's api/routes.go top-level route-group shape.
func SetupRoutes(r gin.IRoutes, h *Handlers, t *transport.Handler) {
	r.GET("/healthz", Healthz)
	r.GET("/readyz", h.Readyz)

	r.POST("/v1/auth/token", h.IssueToken)

	r.POST("/v1/sessions", h.CreateSession)
	r.GET("/v1/sessions", h.ListSessions)
	r.GET("/v1/sessions/:id", h.GetSession)
	r.DELETE("/v1/sessions/:id", h.DeleteSession)

	r.POST("/v1/credentials", h.CreateCredential)
	r.GET("/v1/credentials", h.ListCredentials)
	r.DELETE("/v1/credentials/:id", h.DeleteCredential)

	r.GET("/v1/workspaces", h.ListWorkspaces)
	r.POST("/v1/workspaces", h.CreateWorkspace)
	r.POST("/v1/workspaces/clone", h.CloneWorkspace)
	r.GET("/v1/workspaces/:id", h.GetWorkspace)
	r.GET("/v1/workspaces/:id/agents", h.ListWorkspaceAgents)
	r.GET("/v1/workspaces/:id/worktrees", h.ListWorkspaceWorktrees)
	r.DELETE("/v1/workspaces/:id", h.DeleteWorkspace)
	r.DELETE("/v1/workspaces/:id/agents/:agentId", h.DeleteWorkspaceAgent)

	t.Register(r)
}
