// Package workspace is the named external collaborator spec.md §3/§4.5
// calls the "git-worktree manager": SessionManager.Create consults it to
// turn a CreateRequest's repo reference into a concrete working directory,
// either a caller-supplied direct path or a freshly prepared worktree.
// spec.md lists the real implementation as out of scope ("external
// collaborators... the git-worktree manager used to prepare working
// directories") so this package carries only the interface and a minimal
// local-path backing, grounded on the WorkspacePath/RepositoryPath/
// BaseBranch shape the pack's lifecycle types use for the same concern.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Manager resolves a session's working directory, preparing an isolated
// git worktree when the request asks for one.
type Manager interface {
	// Prepare returns the directory an agent session should run in. If
	// req.RepoPath is empty, it returns req.DirectPath unchanged (no
	// isolation requested).
	Prepare(ctx context.Context, req PrepareRequest) (string, error)
	// Release tears down a previously prepared worktree. A no-op for
	// direct paths.
	Release(ctx context.Context, dir string) error
}

// PrepareRequest mirrors the subset of CreateRequest the workspace
// collaborator needs.
type PrepareRequest struct {
	DirectPath string // used verbatim when non-empty and RepoPath is empty
	RepoPath   string // path to the repository to branch a worktree from
	BaseBranch string // defaults to the repository's current branch
	BranchName string // defaults to a generated name under worktreeBranchPrefix
}

const worktreeBranchPrefix = "gateway/"

// LocalManager prepares worktrees beneath a root directory using the
// system `git` binary. It is the minimal local implementation spec.md
// asks for in place of whatever worktree backend a real deployment wires
// in (a pooled/remote worktree service, for instance).
type LocalManager struct {
	Root string
}

func NewLocalManager(root string) *LocalManager {
	return &LocalManager{Root: root}
}

func (m *LocalManager) Prepare(ctx context.Context, req PrepareRequest) (string, error) {
	if req.RepoPath == "" {
		if req.DirectPath == "" {
			return "", fmt.Errorf("workspace: neither direct path nor repo path given")
		}
		return req.DirectPath, nil
	}

	if err := os.MkdirAll(m.Root, 0o755); err != nil {
		return "", fmt.Errorf("workspace: create root: %w", err)
	}

	branch := req.BranchName
	if branch == "" {
		branch = worktreeBranchPrefix + uuid.NewString()[:8]
	}
	dir := filepath.Join(m.Root, uuid.NewString())

	args := []string{"worktree", "add", "-b", branch, dir}
	if req.BaseBranch != "" {
		args = append(args, req.BaseBranch)
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = req.RepoPath
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("workspace: git worktree add: %w: %s", err, out)
	}
	return dir, nil
}

func (m *LocalManager) Release(ctx context.Context, dir string) error {
	if dir == "" || m.Root == "" {
		return nil
	}
	rel, err := filepath.Rel(m.Root, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		// dir isn't one of ours (a direct path), nothing to release.
		return nil
	}
	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", dir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("workspace: git worktree remove: %w: %s", err, out)
	}
	return nil
}
