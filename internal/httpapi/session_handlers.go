package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/httpmw"
	"github.com/vibe80/vibe80/internal/common/ids"
	"github.com/vibe80/vibe80/internal/messagelog"
	"github.com/vibe80/vibe80/internal/session"
	"github.com/vibe80/vibe80/internal/worktree"
)

// sessionMessageLimit caps the history returned inline with session bodies.
const sessionMessageLimit = 100

type createSessionRequest struct {
	RepoURL                         string `json:"repoUrl"`
	SSHKey                          string `json:"sshKey"`
	HTTPUser                        string `json:"httpUser"`
	HTTPPassword                    string `json:"httpPassword"`
	Name                            string `json:"name"`
	DefaultInternetAccess           bool   `json:"defaultInternetAccess"`
	DefaultDenyGitCredentialsAccess bool   `json:"defaultDenyGitCredentialsAccess"`
}

type sessionResponse struct {
	SessionID string                `json:"sessionId"`
	RepoURL   string                `json:"repoUrl"`
	Name      string                `json:"name,omitempty"`
	Provider  string                `json:"provider"`
	Providers []string              `json:"providers"`
	Messages  []*messagelog.Message `json:"messages"`
	Worktrees []worktree.Projection `json:"worktrees,omitempty"`
}

func (s *Server) createSession(c *gin.Context) {
	ws := currentWorkspace(c)

	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.AbortError(c, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := s.sessions.Create(c.Request.Context(), ws, session.CreateParams{
		RepoURL:                         req.RepoURL,
		Name:                            req.Name,
		SSHKey:                          req.SSHKey,
		HTTPUser:                        req.HTTPUser,
		HTTPPassword:                    req.HTTPPassword,
		DefaultInternetAccess:           req.DefaultInternetAccess,
		DefaultDenyGitCredentialsAccess: req.DefaultDenyGitCredentialsAccess,
	})
	if err != nil {
		switch {
		case errors.Is(err, session.ErrRepoURLRequired):
			httpmw.AbortError(c, http.StatusBadRequest, "repoUrl is required")
		case errors.Is(err, session.ErrProviderInvalid):
			httpmw.AbortError(c, http.StatusBadRequest, "invalid provider")
		default:
			s.logger.Error("session creation failed", zap.Error(err))
			httpmw.AbortError(c, http.StatusInternalServerError, "failed to create session")
		}
		return
	}

	c.JSON(http.StatusOK, sessionResponse{
		SessionID: sess.ID,
		RepoURL:   sess.RepoURL,
		Name:      sess.Name,
		Provider:  sess.ActiveProvider,
		Providers: ws.EnabledProviders(),
		Messages:  []*messagelog.Message{},
	})
}

func (s *Server) getSession(c *gin.Context) {
	ws := currentWorkspace(c)
	sess, err := s.sessions.Get(c.Request.Context(), c.Param("id"), ws.ID)
	if err != nil {
		httpmw.AbortError(c, http.StatusNotFound, "session not found")
		return
	}

	msgs, err := s.sessions.ReadMessages(c.Request.Context(), sess, ids.MainWorktreeID,
		messagelog.ReadOptions{Limit: sessionMessageLimit})
	if err != nil {
		s.logger.Error("failed to read session messages", zap.Error(err))
		httpmw.AbortError(c, http.StatusInternalServerError, "failed to load messages")
		return
	}

	var roster []worktree.Projection
	wts, err := s.sessions.Worktrees().List(c.Request.Context(), sess.ID)
	if err == nil {
		for _, wt := range wts {
			if wt.Status != worktree.StatusClosed {
				roster = append(roster, wt.Project())
			}
		}
	}

	c.JSON(http.StatusOK, sessionResponse{
		SessionID: sess.ID,
		RepoURL:   sess.RepoURL,
		Name:      sess.Name,
		Provider:  sess.ActiveProvider,
		Providers: ws.EnabledProviders(),
		Messages:  msgs,
		Worktrees: roster,
	})
}

func (s *Server) listSessions(c *gin.Context) {
	ws := currentWorkspace(c)
	sessions, err := s.sessions.List(c.Request.Context(), ws.ID)
	if err != nil {
		s.logger.Error("failed to list sessions", zap.Error(err))
		httpmw.AbortError(c, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	out := make([]gin.H, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, gin.H{
			"sessionId":      sess.ID,
			"repoUrl":        sess.RepoURL,
			"name":           sess.Name,
			"provider":       sess.ActiveProvider,
			"createdAt":      sess.CreatedAt,
			"lastActivityAt": sess.LastActivityAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (s *Server) closeSession(c *gin.Context) {
	ws := currentWorkspace(c)
	sess, err := s.sessions.Get(c.Request.Context(), c.Param("id"), ws.ID)
	if err != nil {
		httpmw.AbortError(c, http.StatusNotFound, "session not found")
		return
	}
	if err := s.sessions.Close(c.Request.Context(), sess); err != nil {
		s.logger.Error("failed to close session", zap.Error(err))
		httpmw.AbortError(c, http.StatusInternalServerError, "failed to close session")
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": sess.ID, "closed": true})
}

// health reports 200 when the addressed session is ready, 503 otherwise.
// Without a session parameter it reports overall process health.
func (s *Server) health(c *gin.Context) {
	sessionID := c.Query("session")
	if sessionID == "" {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	ws := currentWorkspace(c)
	sess, err := s.sessions.Get(c.Request.Context(), sessionID, ws.ID)
	if err != nil {
		httpmw.AbortError(c, http.StatusServiceUnavailable, "session not found")
		return
	}
	if !sess.AppServerReady {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting", "ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "ready": true})
}

// sessionFromQuery resolves the `session` query parameter within the
// caller's workspace, aborting with 404 on failure.
func (s *Server) sessionFromQuery(c *gin.Context) (*session.Session, bool) {
	ws := currentWorkspace(c)
	sessionID := c.Query("session")
	if sessionID == "" {
		httpmw.AbortError(c, http.StatusBadRequest, "session is required")
		return nil, false
	}
	sess, err := s.sessions.Get(c.Request.Context(), sessionID, ws.ID)
	if err != nil {
		httpmw.AbortError(c, http.StatusNotFound, "session not found")
		return nil, false
	}
	return sess, true
}
