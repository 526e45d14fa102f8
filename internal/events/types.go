// Package events defines the engine's internal event subjects. Components
// publish lifecycle events on the bus; consumers (metrics, diagnostics)
// subscribe without coupling to the producing component.
package events

// Event types for sessions
const (
	SessionCreated   = "session.created"
	SessionResumed   = "session.resumed"
	SessionActivity  = "session.activity"
	SessionClosed    = "session.closed"
	SessionReclaimed = "session.reclaimed"
)

// Event types for worktrees
const (
	WorktreeCreated = "worktree.created"
	WorktreeClosed  = "worktree.closed"
	WorktreeMerged  = "worktree.merged"
)

// Event types for turns
const (
	TurnStarted   = "turn.started"
	TurnCompleted = "turn.completed"
	TurnErrored   = "turn.errored"
)

// Event types for agent subprocesses
const (
	AgentStarted          = "agent.started"
	AgentExited           = "agent.exited"
	AgentProviderSwitched = "agent.provider_switched"
)

// Wildcard subjects.
const (
	SessionSubjects = "session.>"
	AllSubjects     = ">"
)
