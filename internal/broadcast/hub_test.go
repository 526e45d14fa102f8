package broadcast

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibe80/vibe80/internal/common/logger"
)

func testHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	h := NewHub("s000000000000000000000001", nil, log)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	return h, cancel
}

func bareSubscriber(id string, buffer int) *Subscriber {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	return &Subscriber{ID: id, send: make(chan []byte, buffer), logger: log}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestHubFanOutReachesAllSubscribers(t *testing.T) {
	h, cancel := testHub(t)
	defer cancel()

	a := bareSubscriber("a", 16)
	b := bareSubscriber("b", 16)
	h.Register(a)
	h.Register(b)
	waitFor(t, func() bool { return h.SubscriberCount() == 2 })

	h.Broadcast(NewFrame(TypeStatus, map[string]any{"text": "working"}))

	for _, sub := range []*Subscriber{a, b} {
		select {
		case data := <-sub.send:
			var frame Frame
			require.NoError(t, json.Unmarshal(data, &frame))
			assert.Equal(t, TypeStatus, frame.Type())
			assert.Equal(t, "working", frame.String("text"))
		case <-time.After(2 * time.Second):
			t.Fatalf("subscriber %s did not receive broadcast", sub.ID)
		}
	}
}

func TestHubLateSubscriberMissesEarlierBroadcast(t *testing.T) {
	h, cancel := testHub(t)
	defer cancel()

	early := bareSubscriber("early", 16)
	h.Register(early)
	waitFor(t, func() bool { return h.SubscriberCount() == 1 })

	h.Broadcast(NewFrame(TypeRepoDiff, map[string]any{"diff": "x"}))
	waitFor(t, func() bool { return len(early.send) == 1 })

	late := bareSubscriber("late", 16)
	h.Register(late)
	waitFor(t, func() bool { return h.SubscriberCount() == 2 })

	assert.Empty(t, late.send, "late subscriber must not see earlier frames")
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	h, cancel := testHub(t)
	defer cancel()

	slow := bareSubscriber("slow", 1)
	h.Register(slow)
	waitFor(t, func() bool { return h.SubscriberCount() == 1 })

	// First frame fills the buffer, second overflows it.
	h.Broadcast(NewFrame(TypeStatus, map[string]any{"n": 1}))
	h.Broadcast(NewFrame(TypeStatus, map[string]any{"n": 2}))

	waitFor(t, func() bool { return h.SubscriberCount() == 0 })

	// The send channel is closed on drop.
	waitFor(t, func() bool {
		select {
		case _, ok := <-slow.send:
			return !ok
		default:
			return false
		}
	})
}

func TestHubCloseAllOnCancel(t *testing.T) {
	h, cancel := testHub(t)

	sub := bareSubscriber("a", 16)
	h.Register(sub)
	waitFor(t, func() bool { return h.SubscriberCount() == 1 })

	cancel()
	waitFor(t, func() bool { return h.SubscriberCount() == 0 })
}
