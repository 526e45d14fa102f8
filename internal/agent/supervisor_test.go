package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibe80/vibe80/internal/common/logger"
)

// fakeClient is a scriptable Client for supervisor tests.
type fakeClient struct {
	events   chan Event
	started  bool
	stopped  bool
	sent     []string
	threadID string
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan Event, 16), threadID: "thread-1"}
}

func (f *fakeClient) Start(ctx context.Context) error { f.started = true; return nil }
func (f *fakeClient) Stop(ctx context.Context) error  { f.stopped = true; close(f.events); return nil }
func (f *fakeClient) Send(ctx context.Context, text string) error {
	f.sent = append(f.sent, text)
	return nil
}
func (f *fakeClient) Interrupt(ctx context.Context) error { return nil }
func (f *fakeClient) Events() <-chan Event                { return f.events }
func (f *fakeClient) ThreadID() string                    { return f.threadID }
func (f *fakeClient) Provider() string                    { return "codex" }

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "event stream closed early")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestSupervisorTracksTurnState(t *testing.T) {
	fake := newFakeClient()
	sup := NewSupervisor(fake, logger.Default())
	require.NoError(t, sup.Start(context.Background()))
	assert.True(t, fake.started)

	assert.False(t, sup.Busy())

	fake.events <- Event{Kind: KindTurnStarted}
	ev := recvEvent(t, sup.Events())
	assert.Equal(t, KindTurnStarted, ev.Kind)
	assert.True(t, sup.Busy())

	fake.events <- Event{Kind: KindAssistantDelta, Text: "hi"}
	ev = recvEvent(t, sup.Events())
	assert.Equal(t, KindAssistantDelta, ev.Kind)
	assert.Equal(t, "hi", ev.Text)

	fake.events <- Event{Kind: KindTurnCompleted}
	ev = recvEvent(t, sup.Events())
	assert.Equal(t, KindTurnCompleted, ev.Kind)
	assert.False(t, sup.Busy())
}

func TestSupervisorProcessExitDuringTurnBecomesTurnError(t *testing.T) {
	fake := newFakeClient()
	sup := NewSupervisor(fake, logger.Default())
	require.NoError(t, sup.Start(context.Background()))

	fake.events <- Event{Kind: KindTurnStarted}
	recvEvent(t, sup.Events())

	code := 137
	fake.events <- Event{Kind: KindProcessExited, ExitCode: &code}
	close(fake.events)

	ev := recvEvent(t, sup.Events())
	assert.Equal(t, KindTurnError, ev.Kind)
	assert.Contains(t, ev.Text, "137")

	_, open := <-sup.Events()
	assert.False(t, open, "stream should close after exit")

	assert.True(t, sup.Exited())
	assert.ErrorIs(t, sup.Send(context.Background(), "more"), ErrAgentExited)
	assert.Empty(t, fake.sent)
}

func TestSupervisorIdleProcessExitIsSilent(t *testing.T) {
	fake := newFakeClient()
	sup := NewSupervisor(fake, logger.Default())
	require.NoError(t, sup.Start(context.Background()))

	code := 0
	fake.events <- Event{Kind: KindProcessExited, ExitCode: &code}
	close(fake.events)

	_, open := <-sup.Events()
	assert.False(t, open, "no events expected for an idle exit")
	assert.True(t, sup.Exited())
}

func TestSupervisorInterruptOnlyWhenBusy(t *testing.T) {
	fake := newFakeClient()
	sup := NewSupervisor(fake, logger.Default())
	require.NoError(t, sup.Start(context.Background()))

	// Idle interrupt is a no-op.
	require.NoError(t, sup.Interrupt(context.Background()))

	require.NoError(t, sup.Send(context.Background(), "do something"))
	assert.Equal(t, []string{"do something"}, fake.sent)
}
