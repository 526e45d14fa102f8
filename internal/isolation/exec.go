package isolation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/logger"
)

// ExecRunner implements Runner with direct subprocess execution. With demote
// set, commands run under the identity's uid/gid via process credentials,
// which requires the server itself to run as root. Without it (mono_user
// deployments) commands run as the server's own user.
type ExecRunner struct {
	demote bool
	logger *logger.Logger
}

var _ Runner = (*ExecRunner)(nil)

// NewRunner builds an ExecRunner. demote selects multi-user credential
// switching.
func NewRunner(demote bool, log *logger.Logger) *ExecRunner {
	return &ExecRunner{demote: demote, logger: log}
}

// Demoting reports whether the runner switches credentials per workspace.
func (r *ExecRunner) Demoting() bool {
	return r.demote
}

func (r *ExecRunner) Command(ctx context.Context, id Identity, argv []string, opts RunOpts) (*exec.Cmd, error) {
	if len(argv) == 0 {
		return nil, ErrEmptyArgv
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = opts.Dir
	if cmd.Dir == "" {
		cmd.Dir = id.Home
	}
	cmd.Env = r.buildEnv(id, opts)

	// Own process group so the whole subprocess tree can be signalled.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if r.demote {
		if id.UID <= 0 {
			return nil, fmt.Errorf("workspace %s has no uid for demotion", id.WorkspaceID)
		}
		cmd.SysProcAttr.Credential = &syscall.Credential{
			Uid: uint32(id.UID),
			Gid: uint32(id.GID),
		}
	}
	return cmd, nil
}

func (r *ExecRunner) buildEnv(id Identity, opts RunOpts) []string {
	user := id.User
	if user == "" {
		user = os.Getenv("USER")
	}
	env := []string{
		"HOME=" + id.Home,
		"USER=" + user,
		"LOGNAME=" + user,
		"PATH=" + os.Getenv("PATH"),
	}
	if lang := os.Getenv("LANG"); lang != "" {
		env = append(env, "LANG="+lang)
	}
	return append(env, opts.Env...)
}

// run executes argv and returns stdout, stderr, and the exit code. A non-nil
// error means the command could not be started or was killed by the context.
func (r *ExecRunner) run(ctx context.Context, id Identity, argv []string, opts RunOpts) (stdout, stderr bytes.Buffer, code int, err error) {
	cmd, err := r.Command(ctx, id, argv, opts)
	if err != nil {
		return stdout, stderr, 0, err
	}
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if opts.Input != nil {
		cmd.Stdin = bytes.NewReader(opts.Input)
	}

	runErr := cmd.Run()
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			if ctx.Err() != nil {
				return stdout, stderr, exitErr.ExitCode(), ctx.Err()
			}
			return stdout, stderr, exitErr.ExitCode(), nil
		}
		return stdout, stderr, 0, fmt.Errorf("start %s: %w", argv[0], runErr)
	}
	return stdout, stderr, 0, nil
}

func (r *ExecRunner) RunAs(ctx context.Context, id Identity, argv []string, opts RunOpts) error {
	_, stderr, code, err := r.run(ctx, id, argv, opts)
	if err != nil {
		return err
	}
	if code != 0 {
		r.logger.Debug("command failed",
			zap.String("workspace_id", id.WorkspaceID),
			zap.Strings("argv", argv),
			zap.Int("exit_code", code))
		return &RunError{Argv: argv, ExitCode: code, Stderr: stderr.String()}
	}
	return nil
}

func (r *ExecRunner) RunAsOutput(ctx context.Context, id Identity, argv []string, opts RunOpts) ([]byte, error) {
	stdout, stderr, code, err := r.run(ctx, id, argv, opts)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, &RunError{Argv: argv, ExitCode: code, Stderr: stderr.String()}
	}
	return stdout.Bytes(), nil
}

func (r *ExecRunner) RunAsOutputWithStatus(ctx context.Context, id Identity, argv []string, opts RunOpts) ([]byte, int, error) {
	stdout, _, code, err := r.run(ctx, id, argv, opts)
	if err != nil {
		return nil, 0, err
	}
	return stdout.Bytes(), code, nil
}
