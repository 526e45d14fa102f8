package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/logger"
)

// ErrAgentExited is returned when a turn is submitted to a dead subprocess.
var ErrAgentExited = errors.New("agent process exited")

// Supervisor wraps a Client with turn-state tracking. A subprocess death
// during an open turn surfaces as a turn_error on the event stream; the
// process is never auto-restarted, a later turn submission fails with
// ErrAgentExited and the caller respawns.
type Supervisor struct {
	client Client
	logger *logger.Logger

	out chan Event

	mu       sync.Mutex
	turnOpen bool
	exited   bool
}

// NewSupervisor wraps a client. Start must be called before Send.
func NewSupervisor(client Client, log *logger.Logger) *Supervisor {
	return &Supervisor{
		client: client,
		logger: log.WithFields(zap.String("provider", client.Provider())),
		out:    make(chan Event, eventBufferSize),
	}
}

// Start launches the subprocess and begins translating its events.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.client.Start(ctx); err != nil {
		close(s.out)
		return err
	}
	go s.pump()
	return nil
}

// Events returns the translated event stream. Closed after the subprocess
// exits and the final events are delivered.
func (s *Supervisor) Events() <-chan Event { return s.out }

// Provider names the backing provider.
func (s *Supervisor) Provider() string { return s.client.Provider() }

// ThreadID returns the agent-side conversation id once known.
func (s *Supervisor) ThreadID() string { return s.client.ThreadID() }

// Busy reports whether a turn is open.
func (s *Supervisor) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnOpen
}

// Exited reports whether the subprocess died.
func (s *Supervisor) Exited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited
}

// Send submits a user turn.
func (s *Supervisor) Send(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.exited {
		s.mu.Unlock()
		return ErrAgentExited
	}
	s.mu.Unlock()
	return s.client.Send(ctx, text)
}

// Interrupt aborts the open turn, best-effort.
func (s *Supervisor) Interrupt(ctx context.Context) error {
	s.mu.Lock()
	if s.exited || !s.turnOpen {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.client.Interrupt(ctx)
}

// Stop shuts the subprocess down.
func (s *Supervisor) Stop(ctx context.Context) error {
	return s.client.Stop(ctx)
}

func (s *Supervisor) pump() {
	for ev := range s.client.Events() {
		switch ev.Kind {
		case KindTurnStarted:
			s.mu.Lock()
			s.turnOpen = true
			s.mu.Unlock()
			s.out <- ev

		case KindTurnCompleted, KindTurnError:
			s.mu.Lock()
			s.turnOpen = false
			s.mu.Unlock()
			s.out <- ev

		case KindProcessExited:
			s.mu.Lock()
			s.exited = true
			open := s.turnOpen
			s.turnOpen = false
			s.mu.Unlock()
			if open {
				text := "agent process exited"
				if ev.ExitCode != nil {
					text = fmt.Sprintf("agent process exited with code %d", *ev.ExitCode)
				}
				s.out <- Event{Kind: KindTurnError, Text: text}
			}
			s.logger.Info("agent exited", zap.Bool("turn_open", open))

		default:
			s.out <- ev
		}
	}

	s.mu.Lock()
	s.exited = true
	s.mu.Unlock()
	close(s.out)
}
