package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/httpmw"
)

// websocket upgrades GET /ws?session=… and attaches the connection to the
// session's runtime. The read pump runs on this handler's goroutine; the
// runtime owns the write side.
func (s *Server) websocket(c *gin.Context) {
	ws := currentWorkspace(c)
	sessionID := c.Query("session")
	if sessionID == "" {
		httpmw.AbortError(c, http.StatusBadRequest, "session is required")
		return
	}

	sess, rt, err := s.sessions.Reconnect(c.Request.Context(), sessionID, ws.ID)
	if err != nil {
		httpmw.AbortError(c, http.StatusNotFound, "session not found")
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed",
			zap.String("session_id", sess.ID), zap.Error(err))
		return
	}

	sub := rt.Attach(c.Request.Context(), conn)
	sub.ReadPump(c.Request.Context())
}
