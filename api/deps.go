// Package api implements the gateway's HTTP surface: session lifecycle
// management, the credential store, and workspace/worktree management
// (spec.md §6's endpoint table), on top of the transport package's
// WebSocket/SSE/RPC handlers. Grounded on the teacher's api/handlers.go
// "Handlers holds references to server components" pattern.
package api

import (
	"context"

	"github.com/fernlab-dev/agentgateway/authpolicy"
	"github.com/fernlab-dev/agentgateway/credentials"
	"github.com/fernlab-dev/agentgateway/persistence"
	gwsession "github.com/fernlab-dev/agentgateway/session"
	"github.com/fernlab-dev/agentgateway/workspace"
)

// SessionRegistry is the subset of session.Manager the HTTP handlers use.
type SessionRegistry interface {
	Create(ctx context.Context, req gwsession.CreateRequest) (gwsession.Session, error)
	List() []gwsession.Session
	Get(id string) (gwsession.Session, error)
	Delete(ctx context.Context, id string) error
}

// Handlers holds references to the components the gateway's REST surface
// drives.
type Handlers struct {
	Sessions    SessionRegistry
	Credentials *credentials.Store
	Persistence *persistence.Store
	Workspaces  workspace.Manager
	Policy      *authpolicy.Policy
	AgentBinary string
	BearerToken string
}

func New(h Handlers) *Handlers { return &h }
