package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/events"
	"github.com/vibe80/vibe80/internal/storage"
)

// RunGC sweeps expired sessions on the configured interval until ctx is
// cancelled.
func (m *Manager) RunGC(ctx context.Context) {
	interval := m.cfg.Session.GCInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("session gc started",
		zap.Duration("interval", interval),
		zap.Duration("idle_ttl", m.cfg.Session.IdleTTL()),
		zap.Duration("max_ttl", m.cfg.Session.MaxTTL()))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep reclaims every session past its idle or max TTL. A TTL of zero
// disables that bound.
func (m *Manager) Sweep(ctx context.Context) {
	index, err := m.store.HGetAll(ctx, storage.SessionsIndexKey)
	if err != nil {
		m.logger.Warn("gc: failed to list sessions", zap.Error(err))
		return
	}

	idleTTL := m.cfg.Session.IdleTTL()
	maxTTL := m.cfg.Session.MaxTTL()
	now := time.Now()

	for sessionID := range index {
		sess, err := m.Get(ctx, sessionID, "")
		if errors.Is(err, ErrNotFound) {
			_ = m.store.HDel(ctx, storage.SessionsIndexKey, sessionID)
			continue
		}
		if err != nil {
			m.logger.Warn("gc: failed to load session",
				zap.String("session_id", sessionID), zap.Error(err))
			continue
		}

		var reason string
		switch {
		case idleTTL > 0 && now.Sub(sess.LastActivityAt) > idleTTL:
			reason = "idle"
		case maxTTL > 0 && now.Sub(sess.CreatedAt) > maxTTL:
			reason = "max_age"
		default:
			continue
		}

		m.logger.WithSessionID(sessionID).Info("gc: reclaiming session",
			zap.String("reason", reason))
		if err := m.reclaim(ctx, sess, events.SessionReclaimed); err != nil {
			m.logger.WithSessionID(sessionID).Warn("gc: reclaim failed", zap.Error(err))
		}
	}
}
