// Package ids generates and validates the identifier formats used across
// the engine: workspace, session, and worktree ids plus message ids.
package ids

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const hexAlphabet = "0123456789abcdef"

// DefaultWorkspaceID is the implicit workspace in mono_user deployments.
const DefaultWorkspaceID = "default"

// MainWorktreeID addresses a session's primary checkout.
const MainWorktreeID = "main"

var (
	workspaceRe = regexp.MustCompile(`^w[0-9a-f]{24}$`)
	sessionRe   = regexp.MustCompile(`^s[0-9a-f]{24}$`)
	worktreeRe  = regexp.MustCompile(`^[0-9a-f]{16}$`)
)

func hex(n int) string {
	id, err := gonanoid.Generate(hexAlphabet, n)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return id
}

// NewWorkspaceID returns a fresh workspace id ("w" + 24 hex chars).
func NewWorkspaceID() string {
	return "w" + hex(24)
}

// NewSessionID returns a fresh session id ("s" + 24 hex chars).
func NewSessionID() string {
	return "s" + hex(24)
}

// NewWorktreeID returns a fresh worktree id (16 hex chars).
func NewWorktreeID() string {
	return hex(16)
}

// NewMessageID returns a fresh message id.
func NewMessageID() string {
	return uuid.NewString()
}

// ValidWorkspaceID reports whether id is a well-formed workspace id.
// The literal "default" addresses the implicit mono_user workspace.
func ValidWorkspaceID(id string) bool {
	return id == DefaultWorkspaceID || workspaceRe.MatchString(id)
}

// ValidSessionID reports whether id is a well-formed session id.
func ValidSessionID(id string) bool {
	return sessionRe.MatchString(id)
}

// ValidWorktreeID reports whether id is a well-formed worktree id.
// The literal "main" addresses the session's primary checkout.
func ValidWorktreeID(id string) bool {
	return id == MainWorktreeID || worktreeRe.MatchString(id)
}
