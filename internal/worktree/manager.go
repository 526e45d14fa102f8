package worktree

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vibe80/vibe80/internal/common/ids"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/isolation"
)

var (
	// ErrNotFound is returned for unknown worktree ids.
	ErrNotFound = errors.New("worktree not found")
	// ErrMainWorktree is returned when an operation targets the main
	// checkout but is only valid on forks.
	ErrMainWorktree = errors.New("main worktree may not be removed")
	// ErrBranchExists is returned when a synthesized branch name collides.
	ErrBranchExists = errors.New("branch already exists")
)

// Manager creates, forks, merges, and removes git worktrees. Every git
// invocation goes through the isolation runner under the session identity.
type Manager struct {
	runner isolation.Runner
	store  *Store
	logger *logger.Logger
}

// NewManager builds a Manager.
func NewManager(runner isolation.Runner, store *Store, log *logger.Logger) *Manager {
	return &Manager{runner: runner, store: store, logger: log}
}

// Store exposes the record store for callers that only read metadata.
func (m *Manager) Store() *Store {
	return m.store
}

func (m *Manager) git(ctx context.Context, repo Repo, dir string, args ...string) (string, error) {
	argv := append([]string{"git"}, args...)
	out, err := m.runner.RunAsOutput(ctx, repo.Identity, argv, isolation.RunOpts{Dir: dir})
	return string(out), err
}

func (m *Manager) gitStatusCode(ctx context.Context, repo Repo, dir string, args ...string) (string, int, error) {
	argv := append([]string{"git"}, args...)
	out, code, err := m.runner.RunAsOutputWithStatus(ctx, repo.Identity, argv, isolation.RunOpts{Dir: dir})
	return string(out), code, err
}

// EnsureMain records the main worktree entry after a fresh clone.
func (m *Manager) EnsureMain(ctx context.Context, repo Repo, provider string) (*Worktree, error) {
	if wt, err := m.store.Get(ctx, repo.SessionID, ids.MainWorktreeID); err == nil {
		return wt, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	branch, err := m.git(ctx, repo, repo.RepoDir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("resolve main branch: %w", err)
	}

	now := time.Now().UTC()
	wt := &Worktree{
		ID:             ids.MainWorktreeID,
		SessionID:      repo.SessionID,
		Name:           ids.MainWorktreeID,
		BranchName:     strings.TrimSpace(branch),
		Path:           repo.RepoDir,
		Provider:       provider,
		Status:         StatusReady,
		Color:          colorPalette[0],
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := m.store.Put(ctx, wt); err != nil {
		return nil, err
	}
	return wt, nil
}

// Create allocates a fresh worktree: branch off the resolved start point,
// `git worktree add`, persist with status=creating. The caller spawns the
// agent and flips the status with SetStatus.
func (m *Manager) Create(ctx context.Context, repo Repo, opts CreateOptions) (*Worktree, error) {
	id := ids.NewWorktreeID()

	count, err := m.store.Count(ctx, repo.SessionID)
	if err != nil {
		return nil, err
	}
	index := count + 1

	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("worktree-%d", index)
	}

	startPoint, err := m.resolveStartPoint(ctx, repo, opts)
	if err != nil {
		return nil, err
	}

	// A caller-supplied name matching an existing remote branch is adopted
	// verbatim, but only when the worktree is not forked from a parent.
	branchName := fmt.Sprintf("wt-%s-%s", id[:6], sanitizeBranchName(name))
	trackRef := branchName
	if opts.Name != "" && opts.ParentWorktreeID == "" {
		if ok, err := m.remoteBranchExists(ctx, repo, opts.Name); err != nil {
			return nil, err
		} else if ok {
			branchName = opts.Name
			trackRef = opts.Name
			startPoint = "refs/remotes/origin/" + opts.Name
		}
	}

	if _, code, err := m.gitStatusCode(ctx, repo, repo.RepoDir,
		"rev-parse", "--verify", "--quiet", "refs/heads/"+branchName); err != nil {
		return nil, err
	} else if code == 0 {
		return nil, fmt.Errorf("%w: %s", ErrBranchExists, branchName)
	}

	if _, err := m.git(ctx, repo, repo.RepoDir, "branch", branchName, startPoint); err != nil {
		return nil, fmt.Errorf("create branch %s: %w", branchName, err)
	}
	if _, err := m.git(ctx, repo, repo.RepoDir, "config", "branch."+branchName+".remote", "origin"); err != nil {
		return nil, fmt.Errorf("set branch tracking: %w", err)
	}
	if _, err := m.git(ctx, repo, repo.RepoDir, "config", "branch."+branchName+".merge", "refs/heads/"+trackRef); err != nil {
		return nil, fmt.Errorf("set branch tracking: %w", err)
	}

	path := filepath.Join(repo.WorktreesDir, id)
	if err := isolation.EnsureWithin(repo.Identity, path); err != nil {
		return nil, err
	}
	if _, err := m.git(ctx, repo, repo.RepoDir, "worktree", "add", path, branchName); err != nil {
		_, _ = m.git(ctx, repo, repo.RepoDir, "branch", "-D", branchName)
		return nil, fmt.Errorf("add worktree: %w", err)
	}
	if err := m.runner.RunAs(ctx, repo.Identity, []string{"chmod", "2750", path}, isolation.RunOpts{}); err != nil {
		m.logger.Warn("chmod worktree failed", zap.String("path", path), zap.Error(err))
	}

	now := time.Now().UTC()
	wt := &Worktree{
		ID:               id,
		SessionID:        repo.SessionID,
		Name:             name,
		BranchName:       branchName,
		Path:             path,
		Provider:         opts.Provider,
		Model:            opts.Model,
		ReasoningEffort:  opts.ReasoningEffort,
		ParentWorktreeID: opts.ParentWorktreeID,
		StartingBranch:   opts.StartingBranch,
		Status:           StatusCreating,
		Color:            colorPalette[(index-1)%len(colorPalette)],
		CreatedAt:        now,
		LastActivityAt:   now,
	}
	if err := m.store.Put(ctx, wt); err != nil {
		_, _ = m.git(ctx, repo, repo.RepoDir, "worktree", "remove", "--force", path)
		_, _ = m.git(ctx, repo, repo.RepoDir, "branch", "-D", branchName)
		return nil, err
	}

	m.logger.WithSessionID(repo.SessionID).WithWorktreeID(id).Info("worktree created",
		zap.String("branch", branchName), zap.String("start_point", startPoint))
	return wt, nil
}

func (m *Manager) resolveStartPoint(ctx context.Context, repo Repo, opts CreateOptions) (string, error) {
	if opts.ParentWorktreeID != "" {
		parent, err := m.store.Get(ctx, repo.SessionID, opts.ParentWorktreeID)
		if err != nil {
			return "", fmt.Errorf("parent worktree: %w", err)
		}
		head, err := m.git(ctx, repo, parent.Path, "rev-parse", "HEAD")
		if err != nil {
			return "", fmt.Errorf("resolve parent HEAD: %w", err)
		}
		return strings.TrimSpace(head), nil
	}

	if opts.StartingBranch != "" {
		if ok, err := m.remoteBranchExists(ctx, repo, opts.StartingBranch); err != nil {
			return "", err
		} else if ok {
			return "refs/remotes/origin/" + opts.StartingBranch, nil
		}
		return opts.StartingBranch, nil
	}

	head, err := m.git(ctx, repo, repo.RepoDir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve main HEAD: %w", err)
	}
	return strings.TrimSpace(head), nil
}

func (m *Manager) remoteBranchExists(ctx context.Context, repo Repo, branch string) (bool, error) {
	_, code, err := m.gitStatusCode(ctx, repo, repo.RepoDir,
		"rev-parse", "--verify", "--quiet", "refs/remotes/origin/"+branch)
	if err != nil {
		return false, err
	}
	return code == 0, nil
}

// Remove stops tracking a worktree: removes the checkout, optionally the
// branch, then the record. The main checkout is never removable.
func (m *Manager) Remove(ctx context.Context, repo Repo, worktreeID string, deleteBranch bool) error {
	wt, err := m.store.Get(ctx, repo.SessionID, worktreeID)
	if err != nil {
		return err
	}
	if wt.IsMain() {
		return ErrMainWorktree
	}

	if _, err := m.git(ctx, repo, repo.RepoDir, "worktree", "remove", "--force", wt.Path); err != nil {
		// The checkout may already be gone; log and continue so the
		// record does not leak.
		m.logger.Warn("worktree remove failed", zap.String("path", wt.Path), zap.Error(err))
	}
	if deleteBranch {
		if _, err := m.git(ctx, repo, repo.RepoDir, "branch", "-D", wt.BranchName); err != nil {
			var runErr *isolation.RunError
			if !errors.As(err, &runErr) || !strings.Contains(runErr.Stderr, "not found") {
				return fmt.Errorf("delete branch %s: %w", wt.BranchName, err)
			}
		}
	}
	return m.store.Delete(ctx, repo.SessionID, worktreeID)
}

// Merge merges the source worktree's branch into the target checkout.
// Conflicts are reported, not raised.
func (m *Manager) Merge(ctx context.Context, repo Repo, sourceID, targetID string) (*MergeResult, error) {
	source, err := m.store.Get(ctx, repo.SessionID, sourceID)
	if err != nil {
		return nil, err
	}
	target, err := m.store.Get(ctx, repo.SessionID, targetID)
	if err != nil {
		return nil, err
	}

	if _, err := m.git(ctx, repo, target.Path, "merge", source.BranchName, "--no-edit"); err != nil {
		return m.conflictResult(ctx, repo, target.Path, err)
	}
	return &MergeResult{Success: true}, nil
}

// CherryPick applies one commit onto the target checkout with the same
// conflict contract as Merge.
func (m *Manager) CherryPick(ctx context.Context, repo Repo, commitSHA, targetID string) (*MergeResult, error) {
	target, err := m.store.Get(ctx, repo.SessionID, targetID)
	if err != nil {
		return nil, err
	}
	if _, err := m.git(ctx, repo, target.Path, "cherry-pick", commitSHA); err != nil {
		return m.conflictResult(ctx, repo, target.Path, err)
	}
	return &MergeResult{Success: true}, nil
}

// conflictResult inspects a failed merge or cherry-pick: conflicting paths
// become a non-success result, anything else is re-raised.
func (m *Manager) conflictResult(ctx context.Context, repo Repo, dir string, mergeErr error) (*MergeResult, error) {
	out, statusErr := m.git(ctx, repo, dir, "status", "--porcelain")
	if statusErr != nil {
		return nil, mergeErr
	}
	conflicts := ParseConflicts(out)
	if len(conflicts) == 0 {
		return nil, mergeErr
	}
	return &MergeResult{Success: false, Conflicts: conflicts}, nil
}

// ParseConflicts extracts conflicting paths (UU and AA entries) from
// `git status --porcelain` output.
func ParseConflicts(porcelain string) []string {
	var conflicts []string
	for _, line := range strings.Split(porcelain, "\n") {
		if strings.HasPrefix(line, "UU ") || strings.HasPrefix(line, "AA ") {
			conflicts = append(conflicts, strings.TrimSpace(line[3:]))
		}
	}
	return conflicts
}

// AbortMerge aborts an in-progress merge in the worktree.
func (m *Manager) AbortMerge(ctx context.Context, repo Repo, worktreeID string) error {
	wt, err := m.store.Get(ctx, repo.SessionID, worktreeID)
	if err != nil {
		return err
	}
	if _, err := m.git(ctx, repo, wt.Path, "merge", "--abort"); err != nil {
		return fmt.Errorf("abort merge: %w", err)
	}
	return nil
}

// Diff returns the porcelain status and unified diff of a checkout. The two
// git invocations run concurrently; they read different state.
func (m *Manager) Diff(ctx context.Context, repo Repo, worktreeID string) (*DiffResult, error) {
	wt, err := m.store.Get(ctx, repo.SessionID, worktreeID)
	if err != nil {
		return nil, err
	}

	var result DiffResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		out, err := m.git(gctx, repo, wt.Path, "status", "--porcelain")
		if err != nil {
			return err
		}
		result.Status = out
		return nil
	})
	g.Go(func() error {
		out, err := m.git(gctx, repo, wt.Path, "diff")
		if err != nil {
			return err
		}
		result.Diff = out
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &result, nil
}

// List returns every worktree of the session.
func (m *Manager) List(ctx context.Context, sessionID string) ([]*Worktree, error) {
	return m.store.List(ctx, sessionID)
}

// Get loads one worktree record.
func (m *Manager) Get(ctx context.Context, sessionID, worktreeID string) (*Worktree, error) {
	return m.store.Get(ctx, sessionID, worktreeID)
}

// SetStatus updates a worktree's status and activity stamp.
func (m *Manager) SetStatus(ctx context.Context, sessionID, worktreeID, status string) (*Worktree, error) {
	wt, err := m.store.Get(ctx, sessionID, worktreeID)
	if err != nil {
		return nil, err
	}
	wt.Status = status
	wt.LastActivityAt = time.Now().UTC()
	if err := m.store.Put(ctx, wt); err != nil {
		return nil, err
	}
	return wt, nil
}

// SetThreadID records the agent-side conversation id.
func (m *Manager) SetThreadID(ctx context.Context, sessionID, worktreeID, threadID string) error {
	wt, err := m.store.Get(ctx, sessionID, worktreeID)
	if err != nil {
		return err
	}
	if wt.ThreadID == threadID {
		return nil
	}
	wt.ThreadID = threadID
	return m.store.Put(ctx, wt)
}

// SetProvider records a provider switch on the worktree.
func (m *Manager) SetProvider(ctx context.Context, sessionID, worktreeID, provider, model, reasoningEffort string) (*Worktree, error) {
	wt, err := m.store.Get(ctx, sessionID, worktreeID)
	if err != nil {
		return nil, err
	}
	wt.Provider = provider
	wt.Model = model
	wt.ReasoningEffort = reasoningEffort
	wt.ThreadID = ""
	wt.LastActivityAt = time.Now().UTC()
	if err := m.store.Put(ctx, wt); err != nil {
		return nil, err
	}
	return wt, nil
}

var branchSanitizeRe = regexp.MustCompile(`[^a-zA-Z0-9._/-]+`)

// sanitizeBranchName maps arbitrary display names onto valid git branch
// components.
func sanitizeBranchName(name string) string {
	s := branchSanitizeRe.ReplaceAllString(name, "-")
	s = strings.Trim(s, "-./")
	if s == "" {
		return "worktree"
	}
	return s
}
