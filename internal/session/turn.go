package session

import "github.com/vibe80/vibe80/internal/agent"

// turnState tracks where a worktree is in its user-message cycle.
type turnState int

const (
	// turnIdle accepts the next user message.
	turnIdle turnState = iota
	// turnSending means the message was submitted but the agent has not
	// acknowledged the turn yet.
	turnSending
	// turnStreaming means the agent accepted the turn and is producing
	// events.
	turnStreaming
)

// TurnController is the per-worktree turn state machine. At most one turn
// is open at any instant; concurrent user messages are rejected until the
// agent reports turn_completed or turn_error. All methods are called from
// the runtime mailbox, so no locking is needed.
type TurnController struct {
	worktreeID string
	state      turnState
}

// NewTurnController builds an idle controller.
func NewTurnController(worktreeID string) *TurnController {
	return &TurnController{worktreeID: worktreeID}
}

// Accept claims the turn slot for a new user message. False means a turn is
// already open and the message must be rejected.
func (t *TurnController) Accept() bool {
	if t.state != turnIdle {
		return false
	}
	t.state = turnSending
	return true
}

// Reset returns the controller to idle after a failed submission.
func (t *TurnController) Reset() {
	t.state = turnIdle
}

// Busy reports whether a turn is open in any phase.
func (t *TurnController) Busy() bool {
	return t.state != turnIdle
}

// Interruptible reports whether an interrupt makes sense right now. The
// interrupt itself never closes the turn; the controller waits for the
// agent's terminal event.
func (t *TurnController) Interruptible() bool {
	return t.state == turnSending || t.state == turnStreaming
}

// Observe advances the state machine on an agent event.
func (t *TurnController) Observe(kind agent.Kind) {
	switch kind {
	case agent.KindTurnStarted:
		t.state = turnStreaming
	case agent.KindTurnCompleted, agent.KindTurnError:
		t.state = turnIdle
	}
}
