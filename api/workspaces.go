package api

import (
	"github.com/gin-gonic/gin"

	"github.com/fernlab-dev/agentgateway/persistence"
	"github.com/fernlab-dev/agentgateway/workspace"
)

// workspaceCreateRequest is the body of `POST /v1/workspaces`.
type workspaceCreateRequest struct {
	RepoPath string `json:"repoPath" binding:"required"`
}

type workspaceCloneRequest struct {
	RepoPath   string `json:"repoPath" binding:"required"`
	BaseBranch string `json:"baseBranch,omitempty"`
	BranchName string `json:"branchName,omitempty"`
}

type workspaceView struct {
	ID        string `json:"id"`
	RepoPath  string `json:"repoPath"`
	CreatedAt int64  `json:"createdAt"`
}

func toWorkspaceView(ws persistence.Workspace) workspaceView {
	return workspaceView{ID: ws.ID, RepoPath: ws.RepoPath, CreatedAt: ws.CreatedAt}
}

func (h *Handlers) CreateWorkspace(c *gin.Context) {
	var req workspaceCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondBadRequest(c, err.Error())
		return
	}
	ws, err := h.persistence().CreateWorkspace(req.RepoPath)
	if err != nil {
		RespondInternalError(c, err.Error())
		return
	}
	RespondCreated(c, toWorkspaceView(ws), "/v1/workspaces/"+ws.ID)
}

// CloneWorkspace prepares a fresh worktree for an existing repository and
// registers it as a new workspace, `POST /v1/workspaces/clone`.
func (h *Handlers) CloneWorkspace(c *gin.Context) {
	var req workspaceCloneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondBadRequest(c, err.Error())
		return
	}
	dir, err := h.Workspaces.Prepare(c.Request.Context(), workspace.PrepareRequest{
		RepoPath:   req.RepoPath,
		BaseBranch: req.BaseBranch,
		BranchName: req.BranchName,
	})
	if err != nil {
		RespondInternalError(c, err.Error())
		return
	}
	ws, err := h.persistence().CreateWorkspace(dir)
	if err != nil {
		RespondInternalError(c, err.Error())
		return
	}
	RespondCreated(c, toWorkspaceView(ws), "/v1/workspaces/"+ws.ID)
}

func (h *Handlers) ListWorkspaces(c *gin.Context) {
	workspaces, err := h.persistence().ListWorkspaces()
	if err != nil {
		RespondInternalError(c, err.Error())
		return
	}
	views := make([]workspaceView, 0, len(workspaces))
	for _, ws := range workspaces {
		views = append(views, toWorkspaceView(ws))
	}
	RespondList(c, views, nil)
}

func (h *Handlers) GetWorkspace(c *gin.Context) {
	ws, err := h.persistence().GetWorkspace(c.Param("id"))
	if err != nil || ws == nil {
		RespondNotFound(c, "workspace not found")
		return
	}
	RespondData(c, toWorkspaceView(*ws))
}

func (h *Handlers) ListWorkspaceAgents(c *gin.Context) {
	agents, err := h.persistence().ListWorkspaceAgents(c.Param("id"))
	if err != nil {
		RespondInternalError(c, err.Error())
		return
	}
	RespondList(c, agents, nil)
}

// ListWorkspaceWorktrees reports the same path the workspace was created
// with: this local-path implementation keeps one worktree per workspace,
// unlike a pooled backend that might juggle several.
func (h *Handlers) ListWorkspaceWorktrees(c *gin.Context) {
	ws, err := h.persistence().GetWorkspace(c.Param("id"))
	if err != nil || ws == nil {
		RespondNotFound(c, "workspace not found")
		return
	}
	RespondList(c, []string{ws.RepoPath}, nil)
}

func (h *Handlers) DeleteWorkspace(c *gin.Context) {
	id := c.Param("id")
	ws, err := h.persistence().GetWorkspace(id)
	if err == nil && ws != nil && h.Workspaces != nil {
		_ = h.Workspaces.Release(c.Request.Context(), ws.RepoPath)
	}
	if err := h.persistence().DeleteWorkspace(id); err != nil {
		RespondInternalError(c, err.Error())
		return
	}
	RespondNoContent(c)
}

func (h *Handlers) DeleteWorkspaceAgent(c *gin.Context) {
	if err := h.persistence().UnlinkWorkspaceAgent(c.Param("id"), c.Param("agentId")); err != nil {
		RespondInternalError(c, err.Error())
		return
	}
	RespondNoContent(c)
}

func (h *Handlers) persistence() *persistence.Store {
	return h.Persistence
}
