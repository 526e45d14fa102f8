// Package agent owns the provider subprocesses. Each worktree is bound to
// one Client speaking its provider's stdio protocol; the engine consumes a
// single normalized event stream and never parses provider JSON itself.
package agent

import "github.com/vibe80/vibe80/internal/messagelog"

// Kind tags a normalized agent event.
type Kind string

// Normalized event kinds emitted by every provider client.
const (
	// KindReady signals the subprocess accepted its first turn request.
	KindReady Kind = "ready"
	// KindStatus is a heartbeat or progress line, forwarded verbatim.
	KindStatus Kind = "status"
	// KindAssistantDelta is an incremental assistant token batch.
	KindAssistantDelta Kind = "assistant_delta"
	// KindAssistantMessage is a complete assistant message with an item id.
	KindAssistantMessage Kind = "assistant_message"
	// KindTurnStarted means the agent accepted a turn.
	KindTurnStarted Kind = "turn_started"
	// KindTurnCompleted means the agent finished a turn.
	KindTurnCompleted Kind = "turn_completed"
	// KindTurnError means the agent failed a turn.
	KindTurnError Kind = "turn_error"
	// KindCommandDelta streams command output from the agent.
	KindCommandDelta Kind = "command_execution_delta"
	// KindCommandCompleted is a terminal command item.
	KindCommandCompleted Kind = "command_execution_completed"
	// KindToolResult is a tool-call result.
	KindToolResult Kind = "tool_result"
	// KindProviderSwitched carries a canonical replacement message list.
	KindProviderSwitched Kind = "provider_switched"
	// KindProcessExited is internal: the subprocess died. The supervisor
	// translates it and never forwards it to the engine.
	KindProcessExited Kind = "process_exited"
)

// Event is one normalized agent event.
type Event struct {
	Kind Kind

	// Text carries deltas, status lines, complete message text, or the
	// error description for turn_error.
	Text string

	// ItemID is the agent-side item id for messages and command items.
	ItemID string

	// Command execution fields.
	Command  string
	Output   string
	ExitCode *int

	// ThreadID is the agent-side conversation id, set on ready.
	ThreadID string

	// Messages is the canonical replacement list for provider_switched.
	Messages []*messagelog.Message
}
