// Package session owns session lifecycle (create, resume, GC) and the
// per-session runtime: the command mailbox serializing state mutation, the
// per-worktree agent workers, WebSocket fan-out, and diff coalescing.
package session

import (
	"path/filepath"
	"time"
)

// Session is the persisted record of one cloned repository and its
// orchestration state.
type Session struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	Name        string `json:"name,omitempty"`
	RepoURL     string `json:"repoUrl"`

	// On-disk layout, all inside the workspace's sessions root.
	Dir            string `json:"dir"`
	RepoDir        string `json:"repoDir"`
	AttachmentsDir string `json:"attachmentsDir"`
	TmpDir         string `json:"tmpDir"`
	GitDir         string `json:"gitDir"`
	SSHKeyPath     string `json:"sshKeyPath,omitempty"`

	ActiveProvider                  string `json:"activeProvider"`
	DefaultInternetAccess           bool   `json:"defaultInternetAccess"`
	DefaultDenyGitCredentialsAccess bool   `json:"defaultDenyGitCredentialsAccess"`

	// AppServerReady flips when the main worktree's agent reports ready.
	// Not meaningful across restarts; reconciliation clears it.
	AppServerReady bool `json:"appServerReady"`

	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// WorktreesDir returns the parent directory of per-worktree checkouts.
func (s *Session) WorktreesDir() string {
	return filepath.Join(s.Dir, "worktrees")
}

// CreateParams carries the request payload for session creation.
type CreateParams struct {
	RepoURL string
	Name    string

	// Auth material, mutually optional.
	SSHKey       string
	HTTPUser     string
	HTTPPassword string

	DefaultInternetAccess           bool
	DefaultDenyGitCredentialsAccess bool
}
