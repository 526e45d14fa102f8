package broadcast

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/metrics"
)

// Hub fans frames out to the live subscribers of one session.
type Hub struct {
	sessionID string

	subscribers map[*Subscriber]bool

	register   chan *Subscriber
	unregister chan *Subscriber
	broadcast  chan []byte

	mu      sync.RWMutex
	metrics *metrics.Metrics
	logger  *logger.Logger
}

// NewHub builds a hub for one session. metrics may be nil.
func NewHub(sessionID string, m *metrics.Metrics, log *logger.Logger) *Hub {
	return &Hub{
		sessionID:   sessionID,
		subscribers: make(map[*Subscriber]bool),
		register:    make(chan *Subscriber),
		unregister:  make(chan *Subscriber),
		broadcast:   make(chan []byte, 256),
		metrics:     m,
		logger:      log.WithSessionID(sessionID).WithFields(zap.String("component", "ws_hub")),
	}
}

// Run processes registrations and broadcasts until ctx is cancelled, then
// closes every subscriber.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Debug("hub started")
	defer h.logger.Debug("hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.subscribers[sub] = true
			h.mu.Unlock()
			if h.metrics != nil {
				h.metrics.Subscribers.Inc()
			}

		case sub := <-h.unregister:
			h.remove(sub)

		case data := <-h.broadcast:
			h.fanOut(data)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers {
		close(sub.send)
		delete(h.subscribers, sub)
		if h.metrics != nil {
			h.metrics.Subscribers.Dec()
		}
	}
}

func (h *Hub) remove(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[sub]; ok {
		delete(h.subscribers, sub)
		close(sub.send)
		if h.metrics != nil {
			h.metrics.Subscribers.Dec()
		}
	}
}

// fanOut delivers to the current subscriber snapshot. A subscriber whose
// buffer is full is dropped; it reconnects and resyncs from persisted state.
func (h *Hub) fanOut(data []byte) {
	h.mu.RLock()
	var full []*Subscriber
	for sub := range h.subscribers {
		select {
		case sub.send <- data:
		default:
			full = append(full, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range full {
		h.logger.Warn("dropping slow subscriber", zap.String("subscriber_id", sub.ID))
		if h.metrics != nil {
			h.metrics.DroppedClients.Inc()
		}
		h.remove(sub)
	}
}

// Register attaches a subscriber to the hub.
func (h *Hub) Register(sub *Subscriber) {
	h.register <- sub
}

// Unregister detaches a subscriber.
func (h *Hub) Unregister(sub *Subscriber) {
	h.unregister <- sub
}

// Broadcast fans a frame out to every live subscriber.
func (h *Hub) Broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("failed to marshal frame", zap.Error(err), zap.String("frame_type", frame.Type()))
		return
	}
	h.broadcast <- data
}

// SubscriberCount returns the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
