// Package isolation is the chokepoint for every filesystem operation and
// subprocess launch that touches workspace-owned state. All of it executes
// under the workspace's POSIX identity with HOME/USER/LOGNAME pointing at
// the workspace home. In mono_user deployments the current process identity
// is used and no demotion happens.
package isolation

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// Identity describes the POSIX identity an operation executes under and the
// directory subtree it is confined to.
type Identity struct {
	WorkspaceID string
	UID         int
	GID         int
	User        string
	Home        string
	// Root confines path-taking helpers; empty means Home.
	Root string
}

func (id Identity) root() string {
	if id.Root != "" {
		return id.Root
	}
	return id.Home
}

// RunOpts carries optional execution parameters.
type RunOpts struct {
	Dir   string
	Env   []string // extra KEY=VALUE pairs appended to the identity env
	Input []byte   // stdin
}

// RunError is returned when a command exits non-zero. It carries the
// captured stderr so callers can surface git/tool diagnostics.
type RunError struct {
	Argv     []string
	ExitCode int
	Stderr   string
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", strings.Join(e.Argv, " "), e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// ErrOutsideRoot is returned when a path does not resolve inside the
// identity's confinement root.
var ErrOutsideRoot = errors.New("path escapes workspace root")

// ErrEmptyArgv is returned when a command is requested with no argv.
var ErrEmptyArgv = errors.New("empty argv")

// Runner executes commands under a workspace identity.
type Runner interface {
	// RunAs runs argv to completion. Non-zero exit yields a *RunError.
	RunAs(ctx context.Context, id Identity, argv []string, opts RunOpts) error
	// RunAsOutput runs argv and captures stdout. Non-zero exit yields a *RunError.
	RunAsOutput(ctx context.Context, id Identity, argv []string, opts RunOpts) ([]byte, error)
	// RunAsOutputWithStatus runs argv and captures stdout and the exit code.
	// A non-zero exit is not an error; callers inspect the code.
	RunAsOutputWithStatus(ctx context.Context, id Identity, argv []string, opts RunOpts) ([]byte, int, error)
	// Command builds (without starting) an exec.Cmd demoted to the identity,
	// for long-lived subprocesses whose pipes the caller owns. The command is
	// placed in its own process group so the whole tree can be signalled.
	Command(ctx context.Context, id Identity, argv []string, opts RunOpts) (*exec.Cmd, error)
}

// EnsureWithin rejects any path that is not a canonical subpath of the
// identity's confinement root. The root itself is accepted.
func EnsureWithin(id Identity, path string) error {
	root := filepath.Clean(id.root())
	if root == "" || root == "." {
		return fmt.Errorf("identity for workspace %s has no root", id.WorkspaceID)
	}
	clean := filepath.Clean(path)
	if !filepath.IsAbs(clean) {
		return fmt.Errorf("%w: %s is not absolute", ErrOutsideRoot, path)
	}
	if clean != root && !strings.HasPrefix(clean, root+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s not under %s", ErrOutsideRoot, path, root)
	}
	return nil
}
