package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vibe80/vibe80/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestNewMemoryEventBus(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)

	if bus == nil {
		t.Fatal("Expected non-nil bus")
	}
	if !bus.IsConnected() {
		t.Error("Expected bus to be connected")
	}
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *Event, 1)

	sub, err := bus.Subscribe("session.created", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	event := NewEvent("session.created", "session-manager", map[string]interface{}{"session_id": "s1"})
	if err := bus.Publish(ctx, "session.created", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case e := <-received:
		if e.ID != event.ID {
			t.Errorf("Expected event ID %s, got %s", event.ID, e.ID)
		}
		if e.Type != event.Type {
			t.Errorf("Expected event type %s, got %s", event.Type, e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for event")
	}
}

func TestMemoryEventBus_MultipleSubscribers(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var count int32
	done := make(chan struct{}, 3)

	for i := 0; i < 3; i++ {
		_, err := bus.Subscribe("turn.completed", func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&count, 1)
			done <- struct{}{}
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}

	event := NewEvent("turn.completed", "turn-controller", nil)
	if err := bus.Publish(ctx, "turn.completed", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Timeout waiting for subscribers")
		}
	}
	if got := atomic.LoadInt32(&count); got != 3 {
		t.Errorf("Expected 3 deliveries, got %d", got)
	}
}

func TestMemoryEventBus_Wildcards(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()

	cases := []struct {
		pattern string
		subject string
		match   bool
	}{
		{"session.*", "session.created", true},
		{"session.*", "session.closed", true},
		{"session.*", "worktree.created", false},
		{"session.>", "session.created", true},
		{"session.>", "session.gc.reclaimed", true},
		{">", "anything.at.all", true},
		{"turn.started", "turn.started", true},
		{"turn.started", "turn.completed", false},
	}

	for _, c := range cases {
		received := make(chan struct{}, 1)
		sub, err := bus.Subscribe(c.pattern, func(ctx context.Context, event *Event) error {
			received <- struct{}{}
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe %q failed: %v", c.pattern, err)
		}

		if err := bus.Publish(ctx, c.subject, NewEvent(c.subject, "test", nil)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		select {
		case <-received:
			if !c.match {
				t.Errorf("pattern %q unexpectedly matched subject %q", c.pattern, c.subject)
			}
		case <-time.After(100 * time.Millisecond):
			if c.match {
				t.Errorf("pattern %q failed to match subject %q", c.pattern, c.subject)
			}
		}
		_ = sub.Unsubscribe()
	}
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	received := make(chan struct{}, 1)

	sub, err := bus.Subscribe("session.closed", func(ctx context.Context, event *Event) error {
		received <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if !sub.IsValid() {
		t.Error("Expected subscription to be valid")
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("Expected subscription to be invalid after unsubscribe")
	}

	if err := bus.Publish(ctx, "session.closed", NewEvent("session.closed", "test", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case <-received:
		t.Error("Received event after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryEventBus_Close(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)

	bus.Close()

	if bus.IsConnected() {
		t.Error("Expected bus to be disconnected after close")
	}
	if err := bus.Publish(context.Background(), "x", NewEvent("x", "test", nil)); err == nil {
		t.Error("Expected publish on closed bus to fail")
	}
	if _, err := bus.Subscribe("x", func(context.Context, *Event) error { return nil }); err == nil {
		t.Error("Expected subscribe on closed bus to fail")
	}
}
