package session

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vibe80/vibe80/internal/agent"
)

func TestTurnControllerSingleActiveTurn(t *testing.T) {
	tc := NewTurnController("main")

	assert.True(t, tc.Accept())
	assert.False(t, tc.Accept(), "second message must be rejected while sending")

	tc.Observe(agent.KindTurnStarted)
	assert.False(t, tc.Accept(), "message must be rejected while streaming")
	assert.True(t, tc.Busy())

	tc.Observe(agent.KindTurnCompleted)
	assert.False(t, tc.Busy())
	assert.True(t, tc.Accept(), "next message accepted after completion")
}

func TestTurnControllerErrorClosesTurn(t *testing.T) {
	tc := NewTurnController("main")
	assert.True(t, tc.Accept())
	tc.Observe(agent.KindTurnStarted)
	tc.Observe(agent.KindTurnError)
	assert.True(t, tc.Accept())
}

func TestTurnControllerInterruptWindow(t *testing.T) {
	tc := NewTurnController("main")
	assert.False(t, tc.Interruptible(), "nothing to interrupt while idle")

	tc.Accept()
	assert.True(t, tc.Interruptible(), "interrupt allowed while sending")

	tc.Observe(agent.KindTurnStarted)
	assert.True(t, tc.Interruptible(), "interrupt allowed while streaming")

	// The interrupt is best-effort; only the agent's terminal event closes
	// the turn.
	tc.Observe(agent.KindTurnCompleted)
	assert.False(t, tc.Interruptible())
}

func TestTurnControllerResetAfterFailedSubmit(t *testing.T) {
	tc := NewTurnController("main")
	assert.True(t, tc.Accept())
	tc.Reset()
	assert.True(t, tc.Accept())
}

func TestTurnControllerIgnoresNonTurnEvents(t *testing.T) {
	tc := NewTurnController("main")
	tc.Accept()
	tc.Observe(agent.KindStatus)
	tc.Observe(agent.KindAssistantDelta)
	assert.True(t, tc.Busy())
}
