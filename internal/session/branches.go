package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/vibe80/vibe80/internal/isolation"
	"github.com/vibe80/vibe80/internal/messagelog"
	"github.com/vibe80/vibe80/internal/worktree"
)

// BranchInfo is the branch listing for a session's main clone.
type BranchInfo struct {
	Current string   `json:"current"`
	Local   []string `json:"local"`
	Remote  []string `json:"remote"`
}

// RepoContext resolves the worktree execution context for a session.
func (m *Manager) RepoContext(ctx context.Context, sess *Session) (worktree.Repo, error) {
	ws, err := m.workspaces.Get(ctx, sess.WorkspaceID)
	if err != nil {
		return worktree.Repo{}, err
	}
	return m.repo(sess, m.workspaces.Identity(ws)), nil
}

// Worktrees exposes the worktree manager for the HTTP surface.
func (m *Manager) Worktrees() *worktree.Manager { return m.worktrees }

// ReadMessages reads a message slice for one of the session's worktrees.
func (m *Manager) ReadMessages(ctx context.Context, sess *Session, worktreeID string, opts messagelog.ReadOptions) ([]*messagelog.Message, error) {
	return m.log.Read(ctx, sess.ID, worktreeID, opts)
}

// Branches lists local and remote branches of the session's clone.
func (m *Manager) Branches(ctx context.Context, sess *Session) (*BranchInfo, error) {
	identity, err := m.identityFor(ctx, sess)
	if err != nil {
		return nil, err
	}

	current, err := m.gitOutput(ctx, identity, sess, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("resolve current branch: %w", err)
	}

	local, err := m.gitOutput(ctx, identity, sess,
		"for-each-ref", "--format=%(refname:short)", "refs/heads")
	if err != nil {
		return nil, fmt.Errorf("list local branches: %w", err)
	}
	remote, err := m.gitOutput(ctx, identity, sess,
		"for-each-ref", "--format=%(refname:short)", "refs/remotes/origin")
	if err != nil {
		return nil, fmt.Errorf("list remote branches: %w", err)
	}

	info := &BranchInfo{Current: strings.TrimSpace(current)}
	for _, line := range strings.Split(local, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			info.Local = append(info.Local, line)
		}
	}
	for _, line := range strings.Split(remote, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == "origin/HEAD" || strings.HasPrefix(line, "origin/HEAD ") {
			continue
		}
		info.Remote = append(info.Remote, strings.TrimPrefix(line, "origin/"))
	}
	return info, nil
}

// FetchRemote refreshes origin refs for the session's clone.
func (m *Manager) FetchRemote(ctx context.Context, sess *Session) error {
	identity, err := m.identityFor(ctx, sess)
	if err != nil {
		return err
	}
	return m.cloner.Fetch(ctx, identity, sess)
}

// SwitchBranch checks the main clone out onto another branch. Remote-only
// branches get a local tracking branch.
func (m *Manager) SwitchBranch(ctx context.Context, sess *Session, branch string) error {
	if branch == "" {
		return fmt.Errorf("branch is required")
	}
	identity, err := m.identityFor(ctx, sess)
	if err != nil {
		return err
	}
	env, err := m.cloner.sessionEnv(sess)
	if err != nil {
		return err
	}
	if err := m.runner.RunAs(ctx, identity, []string{"git", "checkout", branch},
		isolation.RunOpts{Dir: sess.RepoDir, Env: env}); err != nil {
		return fmt.Errorf("checkout %s: %w", branch, err)
	}
	return nil
}

func (m *Manager) identityFor(ctx context.Context, sess *Session) (isolation.Identity, error) {
	ws, err := m.workspaces.Get(ctx, sess.WorkspaceID)
	if err != nil {
		return isolation.Identity{}, err
	}
	return m.workspaces.Identity(ws), nil
}

func (m *Manager) gitOutput(ctx context.Context, identity isolation.Identity, sess *Session, args ...string) (string, error) {
	argv := append([]string{"git"}, args...)
	out, err := m.runner.RunAsOutput(ctx, identity, argv, isolation.RunOpts{Dir: sess.RepoDir})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
