package isolation

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/logger"
)

// DefaultHelperBin is the setuid root helper used for workspace user
// management in multi-user mode. Overridable with VIBE80_HELPER_BIN.
const DefaultHelperBin = "vibe80-helper"

// Username derives the POSIX account name for a workspace.
func Username(workspaceID string) string {
	return "vibe80-" + workspaceID
}

// Helper wraps the root helper binary. The helper exposes a deliberately
// narrow surface: create-workspace and remove-workspace, each taking
// explicit ids. Everything else in the engine runs demoted.
type Helper struct {
	bin    string
	logger *logger.Logger
}

// NewHelper locates the root helper binary.
func NewHelper(log *logger.Logger) *Helper {
	bin := os.Getenv("VIBE80_HELPER_BIN")
	if bin == "" {
		bin = DefaultHelperBin
	}
	return &Helper{bin: bin, logger: log}
}

// CreateWorkspaceUser creates the POSIX account and home directory for a
// workspace and returns the home path.
func (h *Helper) CreateWorkspaceUser(ctx context.Context, workspaceID string, uid, gid int, homeBase string) (string, error) {
	home := homeBase + "/" + Username(workspaceID)
	out, err := exec.CommandContext(ctx, h.bin, "create-workspace",
		"--workspace-id", workspaceID,
		"--uid", strconv.Itoa(uid),
		"--gid", strconv.Itoa(gid),
		"--home", home,
	).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("create workspace user %s: %w: %s",
			workspaceID, err, strings.TrimSpace(string(out)))
	}
	h.logger.Info("workspace user created",
		zap.String("workspace_id", workspaceID),
		zap.Int("uid", uid),
		zap.String("home", home))
	return home, nil
}

// RemoveWorkspaceUser removes the POSIX account and home directory for a
// workspace. The uid is never reused while owned artifacts remain, so this
// is only invoked after all sessions are reclaimed.
func (h *Helper) RemoveWorkspaceUser(ctx context.Context, workspaceID string) error {
	out, err := exec.CommandContext(ctx, h.bin, "remove-workspace",
		"--workspace-id", workspaceID,
	).CombinedOutput()
	if err != nil {
		return fmt.Errorf("remove workspace user %s: %w: %s",
			workspaceID, err, strings.TrimSpace(string(out)))
	}
	h.logger.Info("workspace user removed", zap.String("workspace_id", workspaceID))
	return nil
}
