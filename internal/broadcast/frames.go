// Package broadcast owns the per-session WebSocket fan-out: the hub holding
// live subscribers and the read/write pumps of each connection. Delivery is
// at-most-once per connected subscriber; persisted state is the recovery
// path for anything missed.
package broadcast

import "encoding/json"

// Server-to-client frame types.
const (
	TypeReady            = "ready"
	TypeStatus           = "status"
	TypeAssistantDelta   = "assistant_delta"
	TypeAssistantMessage = "assistant_message"
	TypeTurnStarted      = "turn_started"
	TypeTurnCompleted    = "turn_completed"
	TypeTurnError        = "turn_error"
	TypeError            = "error"
	TypeProviderSwitched = "provider_switched"
	TypeMessagesSync     = "messages_sync"

	TypeWorktreeCreated       = "worktree_created"
	TypeWorktreeUpdated       = "worktree_updated"
	TypeWorktreeMessage       = "worktree_message"
	TypeWorktreeDelta         = "worktree_delta"
	TypeWorktreeTurnStarted   = "worktree_turn_started"
	TypeWorktreeTurnCompleted = "worktree_turn_completed"
	TypeWorktreeClosed        = "worktree_closed"
	TypeWorktreeMergeResult   = "worktree_merge_result"
	TypeWorktreesList         = "worktrees_list"

	TypeRepoDiff = "repo_diff"
	TypePong     = "pong"

	TypeCommandExecutionDelta     = "command_execution_delta"
	TypeCommandExecutionCompleted = "command_execution_completed"
	TypeToolResult                = "tool_result"
)

// Client-to-server frame types.
const (
	TypeUserMessage     = "user_message"
	TypeSwitchProvider  = "switch_provider"
	TypeCreateWorktree  = "create_worktree"
	TypeCloseWorktree   = "close_worktree"
	TypeMergeWorktree   = "merge_worktree"
	TypeListWorktrees   = "list_worktrees"
	TypeSyncMessages    = "sync_messages"
	TypePing            = "ping"
	TypeGitAction       = "git"
	TypeRunAction       = "run"
	TypeInterrupt       = "interrupt"
	// worktree_message is used in both directions: clients target a
	// specific worktree with it, the server pushes worktree-scoped
	// messages under the same type.
)

// Frame is one JSON envelope on the wire, keyed by "type".
type Frame map[string]any

// NewFrame builds a frame of the given type with extra fields.
func NewFrame(frameType string, fields map[string]any) Frame {
	f := Frame{"type": frameType}
	for k, v := range fields {
		f[k] = v
	}
	return f
}

// Type returns the frame's type discriminator.
func (f Frame) Type() string {
	t, _ := f["type"].(string)
	return t
}

// String extracts a string field, empty when absent or mistyped.
func (f Frame) String(key string) string {
	s, _ := f[key].(string)
	return s
}

// Bool extracts a bool field.
func (f Frame) Bool(key string) bool {
	b, _ := f[key].(bool)
	return b
}

// Decode re-marshals the frame into a typed payload struct.
func (f Frame) Decode(v any) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// ErrorFrame builds the standard error frame.
func ErrorFrame(message string) Frame {
	return Frame{"type": TypeError, "error": message}
}
