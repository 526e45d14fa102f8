// Package worktree manages git worktrees within a session: creation and
// forking, merges and cherry-picks with conflict reporting, diffs, and the
// persisted per-worktree metadata.
package worktree

import (
	"time"

	"github.com/vibe80/vibe80/internal/common/ids"
	"github.com/vibe80/vibe80/internal/isolation"
)

// Worktree statuses.
const (
	StatusCreating   = "creating"
	StatusReady      = "ready"
	StatusProcessing = "processing"
	StatusError      = "error"
	StatusClosed     = "closed"
)

// colorPalette is assigned round-robin by creation index so clients can
// color-code worktrees consistently.
var colorPalette = []string{
	"#4f8ef7", "#f7734f", "#3dbf7a", "#b06df7",
	"#f7c84f", "#4fd8f7", "#f74f9e", "#8ef74f",
}

// Worktree is the persisted metadata for one git worktree. The main
// checkout is represented with ID "main" and Path equal to the clone.
type Worktree struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"sessionId"`
	Name             string    `json:"name"`
	BranchName       string    `json:"branchName"`
	Path             string    `json:"path"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model,omitempty"`
	ReasoningEffort  string    `json:"reasoningEffort,omitempty"`
	ParentWorktreeID string    `json:"parentWorktreeId,omitempty"`
	StartingBranch   string    `json:"startingBranch,omitempty"`
	Status           string    `json:"status"`
	Color            string    `json:"color"`
	ThreadID         string    `json:"threadId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	LastActivityAt   time.Time `json:"lastActivityAt"`
}

// IsMain reports whether this is the session's primary checkout.
func (w *Worktree) IsMain() bool {
	return w.ID == ids.MainWorktreeID
}

// Projection is the client-facing view of a worktree, without paths.
type Projection struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	BranchName       string `json:"branchName"`
	Provider         string `json:"provider"`
	Model            string `json:"model,omitempty"`
	ReasoningEffort  string `json:"reasoningEffort,omitempty"`
	ParentWorktreeID string `json:"parentWorktreeId,omitempty"`
	Status           string `json:"status"`
	Color            string `json:"color"`
}

// Project returns the client-facing view.
func (w *Worktree) Project() Projection {
	return Projection{
		ID:               w.ID,
		Name:             w.Name,
		BranchName:       w.BranchName,
		Provider:         w.Provider,
		Model:            w.Model,
		ReasoningEffort:  w.ReasoningEffort,
		ParentWorktreeID: w.ParentWorktreeID,
		Status:           w.Status,
		Color:            w.Color,
	}
}

// Repo is the execution context for git operations inside one session:
// the identity everything runs under and the layout of the clone.
type Repo struct {
	SessionID    string
	Identity     isolation.Identity
	RepoDir      string // the main clone
	WorktreesDir string // parent directory of per-worktree checkouts
}

// CreateOptions parameterizes worktree creation.
type CreateOptions struct {
	Provider         string
	Name             string
	ParentWorktreeID string
	StartingBranch   string
	Model            string
	ReasoningEffort  string
}

// MergeResult reports the outcome of a merge or cherry-pick. Conflicts is
// populated when the operation stopped on conflicting paths.
type MergeResult struct {
	Success   bool     `json:"success"`
	Conflicts []string `json:"conflicts,omitempty"`
}

// DiffResult carries the porcelain status and unified diff of a checkout.
type DiffResult struct {
	Status string `json:"status"`
	Diff   string `json:"diff"`
}
