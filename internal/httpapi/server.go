// Package httpapi exposes the engine over HTTP and WebSocket: the session
// and worktree endpoints, attachment uploads, the model catalog, metrics,
// and the per-session WebSocket upgrade.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/vibe80/vibe80/internal/attachments"
	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/common/httpmw"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/metrics"
	"github.com/vibe80/vibe80/internal/session"
	"github.com/vibe80/vibe80/internal/workspace"
)

// Server holds the handler dependencies.
type Server struct {
	cfg         *config.Config
	workspaces  *workspace.Manager
	sessions    *session.Manager
	attachments *attachments.Manager
	metrics     *metrics.Metrics
	logger      *logger.Logger
	upgrader    websocket.Upgrader
}

// NewServer wires the HTTP surface. metrics may be nil.
func NewServer(
	cfg *config.Config,
	workspaces *workspace.Manager,
	sessions *session.Manager,
	atts *attachments.Manager,
	m *metrics.Metrics,
	log *logger.Logger,
) *Server {
	return &Server{
		cfg:         cfg,
		workspaces:  workspaces,
		sessions:    sessions,
		attachments: atts,
		metrics:     m,
		logger:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Tokens authenticate; origins do not.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router builds the gin engine with the full route table.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(
		gin.Recovery(),
		httpmw.RequestLogger(s.logger, "vibe80"),
		httpmw.OtelTracing("vibe80"),
		httpmw.CORS(),
	)

	api := r.Group("/api", s.auth())
	{
		api.POST("/session", s.createSession)
		api.GET("/session", s.listSessions)
		api.GET("/session/:id", s.getSession)
		api.DELETE("/session/:id", s.closeSession)
		api.GET("/health", s.health)

		api.GET("/branches", s.listBranches)
		api.POST("/branches/fetch", s.fetchBranches)
		api.POST("/branches/switch", s.switchBranch)

		api.GET("/worktree/:id/diff", s.worktreeDiff)
		api.POST("/worktree/:id/merge", s.worktreeMerge)
		api.POST("/worktree/:id/cherry-pick", s.worktreeCherryPick)
		api.POST("/worktree/:id/abort-merge", s.worktreeAbortMerge)

		api.GET("/models", s.listModels)

		api.POST("/attachments/upload", s.uploadAttachment)
		api.GET("/attachments", s.listAttachments)
	}

	admin := r.Group("/api/admin", s.adminAuth())
	{
		admin.POST("/workspace", s.createWorkspace)
		admin.PUT("/workspace/:id/provider/:name", s.setWorkspaceProvider)
	}

	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
	r.GET("/ws", s.auth(), s.websocket)

	return r
}
