package httpmw

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ErrorEnvelope is the wire shape of every API error:
// {"error": "...", "error_type": "UPPER_SNAKE"}.
type ErrorEnvelope struct {
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
}

// AbortError writes the error envelope and aborts the handler chain.
// error_type is derived from the status code and message heuristics.
func AbortError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, ErrorEnvelope{
		Error:     message,
		ErrorType: ErrorType(status, message),
	})
}

// phrase → error_type overrides, checked before the status fallback.
var phraseTypes = []struct {
	needle    string
	errorType string
}{
	{"repourl is required", "REPO_URL_REQUIRED"},
	{"repo url is required", "REPO_URL_REQUIRED"},
	{"invalid provider", "PROVIDER_INVALID"},
	{"provider not enabled", "PROVIDER_INVALID"},
	{"session not found", "SESSION_NOT_FOUND"},
	{"worktree not found", "WORKTREE_NOT_FOUND"},
	{"workspace not found", "WORKSPACE_NOT_FOUND"},
	{"merge conflict", "MERGE_CONFLICT"},
	{"turn in progress", "BUSY"},
}

// ErrorType derives the UPPER_SNAKE error code from a status code plus
// message heuristics. Known phrases win over the plain status mapping.
func ErrorType(status int, message string) string {
	lower := strings.ToLower(message)
	for _, p := range phraseTypes {
		if strings.Contains(lower, p.needle) {
			return p.errorType
		}
	}

	switch status {
	case http.StatusBadRequest:
		return "BAD_REQUEST"
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusConflict:
		return "CONFLICT"
	case http.StatusRequestEntityTooLarge:
		return "PAYLOAD_TOO_LARGE"
	case http.StatusServiceUnavailable:
		return "SERVICE_UNAVAILABLE"
	default:
		if status >= 500 {
			return "INTERNAL_ERROR"
		}
		return "ERROR"
	}
}

// CORS allows cross-origin access for browser clients. The surface is
// token-authenticated, so the origin list stays permissive.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
