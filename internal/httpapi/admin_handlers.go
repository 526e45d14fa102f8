package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/httpmw"
	"github.com/vibe80/vibe80/internal/workspace"
)

// createWorkspace provisions a new tenant: POSIX account, secret, record.
// Multi-user deployments only. The secret is returned once.
func (s *Server) createWorkspace(c *gin.Context) {
	if s.cfg.Deployment.MonoUser() {
		httpmw.AbortError(c, http.StatusBadRequest, "workspace creation requires multi-user deployment")
		return
	}
	ws, secret, err := s.workspaces.Create(c.Request.Context())
	if err != nil {
		s.logger.Error("workspace creation failed", zap.Error(err))
		httpmw.AbortError(c, http.StatusInternalServerError, "failed to create workspace")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"workspaceId": ws.ID,
		"uid":         ws.UID,
		"secret":      secret,
	})
}

// setWorkspaceProvider updates one provider's enablement and credentials.
func (s *Server) setWorkspaceProvider(c *gin.Context) {
	var req struct {
		Enabled bool                    `json:"enabled"`
		Auth    *workspace.ProviderAuth `json:"auth"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.AbortError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	name := c.Param("name")
	switch name {
	case workspace.ProviderCodex, workspace.ProviderClaude:
	default:
		httpmw.AbortError(c, http.StatusBadRequest, "invalid provider")
		return
	}

	err := s.workspaces.SetProvider(c.Request.Context(), c.Param("id"), name, workspace.ProviderConfig{
		Enabled: req.Enabled,
		Auth:    req.Auth,
	})
	if err != nil {
		httpmw.AbortError(c, http.StatusNotFound, "workspace not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"provider": name, "enabled": req.Enabled})
}
