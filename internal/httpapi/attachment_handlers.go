package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/attachments"
	"github.com/vibe80/vibe80/internal/common/httpmw"
)

func (s *Server) uploadAttachment(c *gin.Context) {
	sess, ok := s.sessionFromQuery(c)
	if !ok {
		return
	}
	ws := currentWorkspace(c)
	identity := s.workspaces.Identity(ws)

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		httpmw.AbortError(c, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	att, err := s.attachments.Save(c.Request.Context(), identity, sess.ID,
		sess.AttachmentsDir, header.Filename, file)
	if err != nil {
		if errors.Is(err, attachments.ErrTooLarge) {
			httpmw.AbortError(c, http.StatusRequestEntityTooLarge, "attachment exceeds size limit")
		} else {
			s.logger.Error("attachment upload failed", zap.Error(err))
			httpmw.AbortError(c, http.StatusInternalServerError, "failed to store attachment")
		}
		return
	}
	c.JSON(http.StatusOK, att)
}

func (s *Server) listAttachments(c *gin.Context) {
	sess, ok := s.sessionFromQuery(c)
	if !ok {
		return
	}
	list, err := s.attachments.List(c.Request.Context(), sess.ID)
	if err != nil {
		s.logger.Error("failed to list attachments", zap.Error(err))
		httpmw.AbortError(c, http.StatusInternalServerError, "failed to list attachments")
		return
	}
	c.JSON(http.StatusOK, gin.H{"attachments": list})
}
