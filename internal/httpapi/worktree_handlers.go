package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/httpmw"
	"github.com/vibe80/vibe80/internal/common/ids"
	"github.com/vibe80/vibe80/internal/session"
	"github.com/vibe80/vibe80/internal/worktree"
)

func (s *Server) listBranches(c *gin.Context) {
	sess, ok := s.sessionFromQuery(c)
	if !ok {
		return
	}
	info, err := s.sessions.Branches(c.Request.Context(), sess)
	if err != nil {
		s.logger.Error("failed to list branches", zap.Error(err))
		httpmw.AbortError(c, http.StatusInternalServerError, "failed to list branches")
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) fetchBranches(c *gin.Context) {
	sess, ok := s.sessionFromBody(c)
	if !ok {
		return
	}
	if err := s.sessions.FetchRemote(c.Request.Context(), sess); err != nil {
		s.logger.Warn("git fetch failed", zap.Error(err))
		httpmw.AbortError(c, http.StatusBadGateway, "git fetch failed")
		return
	}
	info, err := s.sessions.Branches(c.Request.Context(), sess)
	if err != nil {
		httpmw.AbortError(c, http.StatusInternalServerError, "failed to list branches")
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) switchBranch(c *gin.Context) {
	var req struct {
		Session string `json:"session"`
		Branch  string `json:"branch"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Session == "" {
		httpmw.AbortError(c, http.StatusBadRequest, "session is required")
		return
	}
	if req.Branch == "" {
		httpmw.AbortError(c, http.StatusBadRequest, "branch is required")
		return
	}
	ws := currentWorkspace(c)
	sess, err := s.sessions.Get(c.Request.Context(), req.Session, ws.ID)
	if err != nil {
		httpmw.AbortError(c, http.StatusNotFound, "session not found")
		return
	}
	if err := s.sessions.SwitchBranch(c.Request.Context(), sess, req.Branch); err != nil {
		httpmw.AbortError(c, http.StatusBadRequest, "checkout failed: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"branch": req.Branch})
}

func (s *Server) worktreeDiff(c *gin.Context) {
	_, repo, worktreeID, ok := s.worktreeTarget(c)
	if !ok {
		return
	}
	result, err := s.sessions.Worktrees().Diff(c.Request.Context(), repo, worktreeID)
	if err != nil {
		if errors.Is(err, worktree.ErrNotFound) {
			httpmw.AbortError(c, http.StatusNotFound, "worktree not found")
		} else {
			s.logger.Error("diff failed", zap.Error(err))
			httpmw.AbortError(c, http.StatusInternalServerError, "diff failed")
		}
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) worktreeMerge(c *gin.Context) {
	_, repo, worktreeID, ok := s.worktreeTarget(c)
	if !ok {
		return
	}
	var req struct {
		TargetWorktreeID string `json:"targetWorktreeId"`
	}
	_ = c.ShouldBindJSON(&req)
	target := req.TargetWorktreeID
	if target == "" {
		target = ids.MainWorktreeID
	}

	result, err := s.sessions.Worktrees().Merge(c.Request.Context(), repo, worktreeID, target)
	if err != nil {
		if errors.Is(err, worktree.ErrNotFound) {
			httpmw.AbortError(c, http.StatusNotFound, "worktree not found")
		} else {
			s.logger.Error("merge failed", zap.Error(err))
			httpmw.AbortError(c, http.StatusInternalServerError, "merge failed")
		}
		return
	}
	c.JSON(http.StatusOK, result)
}

// worktreeCherryPick applies one commit onto the target worktree with the
// same conflict contract as merge.
func (s *Server) worktreeCherryPick(c *gin.Context) {
	_, repo, worktreeID, ok := s.worktreeTarget(c)
	if !ok {
		return
	}
	var req struct {
		CommitSHA string `json:"commitSha"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.CommitSHA == "" {
		httpmw.AbortError(c, http.StatusBadRequest, "commitSha is required")
		return
	}

	result, err := s.sessions.Worktrees().CherryPick(c.Request.Context(), repo, req.CommitSHA, worktreeID)
	if err != nil {
		if errors.Is(err, worktree.ErrNotFound) {
			httpmw.AbortError(c, http.StatusNotFound, "worktree not found")
		} else {
			s.logger.Error("cherry-pick failed", zap.Error(err))
			httpmw.AbortError(c, http.StatusInternalServerError, "cherry-pick failed")
		}
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) worktreeAbortMerge(c *gin.Context) {
	_, repo, worktreeID, ok := s.worktreeTarget(c)
	if !ok {
		return
	}
	if err := s.sessions.Worktrees().AbortMerge(c.Request.Context(), repo, worktreeID); err != nil {
		if errors.Is(err, worktree.ErrNotFound) {
			httpmw.AbortError(c, http.StatusNotFound, "worktree not found")
		} else {
			httpmw.AbortError(c, http.StatusBadRequest, "abort failed: "+err.Error())
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"aborted": true})
}

// worktreeTarget resolves the session query and the :id path parameter into
// a repo context plus worktree id.
func (s *Server) worktreeTarget(c *gin.Context) (*session.Session, worktree.Repo, string, bool) {
	sess, ok := s.sessionFromQuery(c)
	if !ok {
		return nil, worktree.Repo{}, "", false
	}
	worktreeID := c.Param("id")
	if !ids.ValidWorktreeID(worktreeID) {
		httpmw.AbortError(c, http.StatusNotFound, "worktree not found")
		return nil, worktree.Repo{}, "", false
	}
	repo, err := s.sessions.RepoContext(c.Request.Context(), sess)
	if err != nil {
		httpmw.AbortError(c, http.StatusInternalServerError, "failed to resolve session")
		return nil, worktree.Repo{}, "", false
	}
	return sess, repo, worktreeID, true
}

// sessionFromBody resolves a session id carried in a JSON body.
func (s *Server) sessionFromBody(c *gin.Context) (*session.Session, bool) {
	var req struct {
		Session string `json:"session"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Session == "" {
		httpmw.AbortError(c, http.StatusBadRequest, "session is required")
		return nil, false
	}
	ws := currentWorkspace(c)
	sess, err := s.sessions.Get(c.Request.Context(), req.Session, ws.ID)
	if err != nil {
		httpmw.AbortError(c, http.StatusNotFound, "session not found")
		return nil, false
	}
	return sess, true
}
