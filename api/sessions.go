package api

import (
	"net/http"
	"os/exec"

	"github.com/gin-gonic/gin"

	gwsession "github.com/fernlab-dev/agentgateway/session"
	"github.com/fernlab-dev/agentgateway/workspace"
)

func lookPath(bin string) error {
	_, err := exec.LookPath(bin)
	return err
}

// sessionView renders a Snapshot over the wire, spec.md §6's `GET
// /v1/sessions/:id` "session status" shape.
type sessionView struct {
	ID             string                 `json:"id"`
	Agent          gwsession.BackendKind  `json:"agent"`
	BackendID      string                 `json:"backendId,omitempty"`
	State          gwsession.State        `json:"state"`
	WorkingDir     string                 `json:"workingDir,omitempty"`
	CreatedAt      int64                  `json:"createdAt"`
	LastActivityAt int64                  `json:"lastActivityAt"`
	Config         gwsession.SDKConfig    `json:"config"`
	Subscribers    int                    `json:"subscribers"`
}

func toSessionView(snap gwsession.Snapshot) sessionView {
	return sessionView{
		ID:             snap.ID,
		Agent:          snap.BackendKind,
		BackendID:      snap.BackendID,
		State:          snap.State,
		WorkingDir:     snap.WorkingDir,
		CreatedAt:      snap.CreatedAt.UnixMilli(),
		LastActivityAt: snap.LastActivityAt.UnixMilli(),
		Config:         snap.ConfigSnapshot,
		Subscribers:    snap.SubscriberCount,
	}
}

// CreateSession handles `POST /v1/sessions`, spec.md §4.5's create(request)
// operation. Hosted-auth policy checks and a check that a referenced stored
// credential exists run here, ahead of SessionManager.Create, rather than
// inside session.Manager itself: authpolicy imports the session package for
// its AuthSpec type, so session.Manager importing it back would be a cycle.
// Decrypting the stored credential happens later, in the server's
// subprocess Builder. This is the same narrow-interface-at-the-boundary trade the
// Builder/Registry/Persistence seams make elsewhere in the tree.
func (h *Handlers) CreateSession(c *gin.Context) {
	var req gwsession.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondBadRequest(c, err.Error())
		return
	}

	if err := h.Policy.CheckEnv(req.Auth, req.Env); err != nil {
		RespondForbidden(c, err.Error())
		return
	}
	if err := h.Policy.CheckInteractiveLogin(req.Auth); err != nil {
		RespondForbidden(c, err.Error())
		return
	}
	source, err := h.Policy.ResolveAPIKeyRef(req.Auth)
	if err != nil {
		RespondBadRequest(c, err.Error())
		return
	}
	if source == "stored" && h.Credentials != nil {
		if _, err := h.Credentials.Get(req.Auth.StoredCredentialID); err != nil {
			RespondNotFound(c, "stored credential not found")
			return
		}
	}

	if req.WorkspaceID != "" && req.RepoPath != "" && h.Workspaces != nil {
		dir, err := h.Workspaces.Prepare(c.Request.Context(), workspace.PrepareRequest{RepoPath: req.RepoPath})
		if err != nil {
			RespondInternalError(c, err.Error())
			return
		}
		req.RepoPath = dir
	}

	sess, err := h.Sessions.Create(c.Request.Context(), req)
	if err != nil {
		if _, ok := err.(*gwsession.ErrMaxConcurrentSessions); ok {
			RespondServiceUnavailable(c, err.Error())
			return
		}
		RespondInternalError(c, err.Error())
		return
	}
	RespondCreated(c, toSessionView(sess.Snapshot()), "/v1/sessions/"+sess.ID())
}

func (h *Handlers) ListSessions(c *gin.Context) {
	sessions := h.Sessions.List()
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, toSessionView(s.Snapshot()))
	}
	RespondList(c, views, nil)
}

func (h *Handlers) GetSession(c *gin.Context) {
	sess, err := h.Sessions.Get(c.Param("id"))
	if err != nil {
		RespondNotFound(c, "session not found")
		return
	}
	RespondData(c, toSessionView(sess.Snapshot()))
}

func (h *Handlers) DeleteSession(c *gin.Context) {
	if err := h.Sessions.Delete(c.Request.Context(), c.Param("id")); err != nil {
		RespondInternalError(c, err.Error())
		return
	}
	RespondNoContent(c)
}

// Healthz is liveness only: it never touches the database or session
// registry, spec.md §6's `GET /healthz`.
func Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readyz additionally reports whether the configured backend binary can
// be found on PATH, spec.md §6's "Readiness incl. backend binary
// discovery".
func (h *Handlers) Readyz(c *gin.Context) {
	found := lookPath(h.AgentBinary) == nil
	status := http.StatusOK
	if !found {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"status": "ok", "backendBinary": h.AgentBinary, "backendFound": found})
}
