// Package runner executes ad-hoc commands inside a checkout on behalf of
// connected clients. Commands run under the workspace identity on a PTY so
// interactive tools produce output, streamed chunk-by-chunk to the caller.
package runner

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/isolation"
)

const (
	// defaultMaxOutput caps retained output; streaming is unaffected.
	defaultMaxOutput = 256 * 1024

	// termGrace is how long SIGTERM gets before SIGKILL.
	termGrace = 5 * time.Second
)

// Options parameterizes one execution.
type Options struct {
	Identity isolation.Identity
	Dir      string
	Argv     []string
	Env      []string

	// OnOutput receives output chunks as they arrive. May be nil.
	OnOutput func(chunk string)

	// MaxOutput caps the retained output tail. 0 means the default.
	MaxOutput int
}

// Result is the outcome of one execution.
type Result struct {
	Output   string
	ExitCode int
}

// Runner executes commands on PTYs under workspace identities.
type Runner struct {
	iso    isolation.Runner
	logger *logger.Logger
}

// New builds a Runner on the isolation layer.
func New(iso isolation.Runner, log *logger.Logger) *Runner {
	return &Runner{iso: iso, logger: log.WithFields(zap.String("component", "runner"))}
}

// Run executes argv to completion, streaming output. Context cancellation
// terminates the process group. The exit code is reported in the result,
// not as an error.
func (r *Runner) Run(ctx context.Context, opts Options) (*Result, error) {
	if len(opts.Argv) == 0 {
		return nil, isolation.ErrEmptyArgv
	}

	cmd, err := r.iso.Command(ctx, opts.Identity, opts.Argv, isolation.RunOpts{
		Dir: opts.Dir,
		Env: append([]string{"TERM=xterm-256color"}, opts.Env...),
	})
	if err != nil {
		return nil, err
	}
	// pty.Start makes the child a session leader with the PTY as its
	// controlling terminal; Setpgid from the isolation layer would
	// conflict with that.
	cmd.SysProcAttr.Setpgid = false

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, err
	}
	defer ptmx.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.terminate(cmd)
		case <-done:
		}
	}()

	maxOutput := opts.MaxOutput
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutput
	}

	tail := make([]byte, 0, 4096)
	buf := make([]byte, 4096)
	for {
		n, readErr := ptmx.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if opts.OnOutput != nil {
				opts.OnOutput(string(chunk))
			}
			tail = append(tail, chunk...)
			if len(tail) > maxOutput {
				tail = tail[len(tail)-maxOutput:]
			}
		}
		if readErr != nil {
			// PTY slaves report EIO when the child exits.
			if !errors.Is(readErr, io.EOF) && !errors.Is(readErr, syscall.EIO) {
				r.logger.Debug("pty read error", zap.Error(readErr))
			}
			break
		}
	}

	err = cmd.Wait()
	close(done)

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			return nil, err
		}
	}
	if ctx.Err() != nil {
		return &Result{Output: string(tail), ExitCode: code}, ctx.Err()
	}
	return &Result{Output: string(tail), ExitCode: code}, nil
}

func (r *Runner) terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	time.AfterFunc(termGrace, func() {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	})
}
