package storage

import "fmt"

// Key layout. Records are JSON blobs in the kv namespace; secondary indexes
// are hashes so listing never requires a key scan.
const (
	// WorkspacesIndexKey is a hash of workspaceID -> "1".
	WorkspacesIndexKey = "workspaces"
	// WorkspaceUIDSeqKey is the counter backing uid allocation.
	WorkspaceUIDSeqKey = "workspace:uidseq"
	// SessionsIndexKey is a hash of sessionID -> workspaceID, swept by GC.
	SessionsIndexKey = "sessions"
)

// WorkspaceKey addresses a workspace record.
func WorkspaceKey(workspaceID string) string {
	return "workspace:" + workspaceID
}

// SessionKey addresses a session record.
func SessionKey(sessionID string) string {
	return "session:" + sessionID
}

// WorkspaceSessionsKey addresses the hash of sessionID -> "1" for a workspace.
func WorkspaceSessionsKey(workspaceID string) string {
	return "workspace_sessions:" + workspaceID
}

// WorktreesKey addresses the hash of worktreeID -> worktree record JSON
// for a session.
func WorktreesKey(sessionID string) string {
	return "worktrees:" + sessionID
}

// MessageScope names a message log scope: the worktree id, with the main
// checkout aliased as "main:{sessionId}".
func MessageScope(sessionID, worktreeID string) string {
	if worktreeID == "" || worktreeID == "main" {
		return "main:" + sessionID
	}
	return worktreeID
}

// MessagesKey addresses the append-only message list for a scope.
func MessagesKey(scope string) string {
	return "messages:" + scope
}

// MessageIndexKey addresses the hash of messageID -> seq for a scope.
func MessageIndexKey(scope string) string {
	return "messages:" + scope + ":idx"
}

// MessageSeqKey addresses the per-scope sequence counter.
func MessageSeqKey(scope string) string {
	return "messages:" + scope + ":seq"
}

// AttachmentsKey addresses the hash of attachmentID -> manifest JSON for a
// session's upload staging area.
func AttachmentsKey(sessionID string) string {
	return "attachments:" + sessionID
}

// MessageLogKeys returns every storage key owned by a message scope.
func MessageLogKeys(scope string) []string {
	return []string{MessagesKey(scope), MessageIndexKey(scope), MessageSeqKey(scope)}
}

// SessionKeys returns every storage key owned by a session except its
// message scopes, which callers enumerate per worktree.
func SessionKeys(sessionID string) []string {
	return []string{
		SessionKey(sessionID),
		WorktreesKey(sessionID),
		AttachmentsKey(sessionID),
	}
}

// CounterValue formats an integer for storage in the kv namespace.
func CounterValue(n int64) string {
	return fmt.Sprintf("%d", n)
}
