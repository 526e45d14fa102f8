package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/vibe80/vibe80/internal/common/httpmw"
	"github.com/vibe80/vibe80/internal/common/ids"
	"github.com/vibe80/vibe80/internal/workspace"
)

const workspaceCtxKey = "workspace"

// auth resolves the calling workspace. In mono_user deployments every call
// runs as the implicit default workspace; in multi-user deployments the
// caller presents `{workspaceId}:{secret}` as a bearer token (or the `token`
// query parameter, which WebSocket clients use).
func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Deployment.MonoUser() {
			ws, err := s.workspaces.Get(c.Request.Context(), ids.DefaultWorkspaceID)
			if err != nil {
				httpmw.AbortError(c, http.StatusServiceUnavailable, "default workspace unavailable")
				return
			}
			c.Set(workspaceCtxKey, ws)
			c.Next()
			return
		}

		token := bearerToken(c)
		if token == "" {
			httpmw.AbortError(c, http.StatusUnauthorized, "missing workspace token")
			return
		}
		workspaceID, secret, ok := strings.Cut(token, ":")
		if !ok {
			httpmw.AbortError(c, http.StatusUnauthorized, "malformed workspace token")
			return
		}
		ws, err := s.workspaces.VerifySecret(c.Request.Context(), workspaceID, secret)
		if err != nil {
			// Unknown workspace and bad secret are indistinguishable on
			// purpose.
			httpmw.AbortError(c, http.StatusUnauthorized, "invalid workspace token")
			return
		}
		c.Set(workspaceCtxKey, ws)
		c.Next()
	}
}

// adminAuth guards workspace provisioning with the static admin token.
func (s *Server) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Server.AdminToken == "" {
			httpmw.AbortError(c, http.StatusNotFound, "not found")
			return
		}
		presented := bearerToken(c)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.Server.AdminToken)) != 1 {
			httpmw.AbortError(c, http.StatusUnauthorized, "invalid admin token")
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.Query("token")
}

// currentWorkspace returns the workspace the auth middleware resolved.
func currentWorkspace(c *gin.Context) *workspace.Workspace {
	ws, _ := c.MustGet(workspaceCtxKey).(*workspace.Workspace)
	return ws
}
