package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/logger"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Protocol-level ping interval.
	pingPeriod = 25 * time.Second

	// Maximum frame size allowed from the peer.
	maxMessageSize = 512 * 1024
)

// FrameHandler receives client-originated frames from a subscriber.
type FrameHandler func(ctx context.Context, sub *Subscriber, frame Frame)

// Subscriber is one WebSocket connection attached to a session hub.
type Subscriber struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	onFrame FrameHandler
	logger  *logger.Logger
}

// NewSubscriber wraps a connection. onFrame receives every parsed inbound
// frame; replies targeted at only this subscriber go through Send.
func NewSubscriber(id string, conn *websocket.Conn, hub *Hub, onFrame FrameHandler, log *logger.Logger) *Subscriber {
	return &Subscriber{
		ID:      id,
		conn:    conn,
		hub:     hub,
		send:    make(chan []byte, 256),
		onFrame: onFrame,
		logger:  log.WithFields(zap.String("subscriber_id", id)),
	}
}

// Send queues a frame for this subscriber only. A full buffer drops the
// frame; the hub's backpressure sweep handles persistent slowness.
func (s *Subscriber) Send(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("failed to marshal frame", zap.Error(err))
		return
	}
	select {
	case s.send <- data:
	default:
		s.logger.Warn("subscriber buffer full, dropping frame", zap.String("frame_type", frame.Type()))
	}
}

// ReadPump pumps inbound frames to the handler until the connection drops.
func (s *Subscriber) ReadPump(ctx context.Context) {
	defer func() {
		s.hub.Unregister(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Warn("failed to parse frame", zap.Error(err))
			s.Send(ErrorFrame("invalid frame"))
			continue
		}
		if frame.Type() == "" {
			s.Send(ErrorFrame("missing frame type"))
			continue
		}

		s.onFrame(ctx, s, frame)
	}
}

// WritePump drains the send buffer to the connection and keeps the
// protocol-level ping alive.
func (s *Subscriber) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case data, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("websocket write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
