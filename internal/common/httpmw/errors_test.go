package httpmw

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorTypePhraseOverrides(t *testing.T) {
	cases := []struct {
		status  int
		message string
		want    string
	}{
		{http.StatusBadRequest, "repoUrl is required", "REPO_URL_REQUIRED"},
		{http.StatusBadRequest, "invalid provider", "PROVIDER_INVALID"},
		{http.StatusBadRequest, "provider not enabled for workspace", "PROVIDER_INVALID"},
		{http.StatusNotFound, "session not found", "SESSION_NOT_FOUND"},
		{http.StatusNotFound, "worktree not found", "WORKTREE_NOT_FOUND"},
		{http.StatusNotFound, "workspace not found", "WORKSPACE_NOT_FOUND"},
		{http.StatusConflict, "merge conflict in 3 files", "MERGE_CONFLICT"},
		{http.StatusConflict, "turn in progress", "BUSY"},
		// Phrase matching is case-insensitive.
		{http.StatusNotFound, "Session Not Found", "SESSION_NOT_FOUND"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ErrorType(tc.status, tc.message), "message %q", tc.message)
	}
}

func TestErrorTypeStatusFallback(t *testing.T) {
	cases := []struct {
		status int
		want   string
	}{
		{http.StatusBadRequest, "BAD_REQUEST"},
		{http.StatusUnauthorized, "UNAUTHORIZED"},
		{http.StatusForbidden, "FORBIDDEN"},
		{http.StatusNotFound, "NOT_FOUND"},
		{http.StatusConflict, "CONFLICT"},
		{http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE"},
		{http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"},
		{http.StatusInternalServerError, "INTERNAL_ERROR"},
		{http.StatusBadGateway, "INTERNAL_ERROR"},
		{http.StatusTeapot, "ERROR"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ErrorType(tc.status, "something went wrong"), "status %d", tc.status)
	}
}
