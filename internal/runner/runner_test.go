package runner

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/isolation"
)

func testRunner(t *testing.T) (*Runner, isolation.Identity) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	id := isolation.Identity{
		WorkspaceID: "default",
		UID:         os.Getuid(),
		GID:         os.Getgid(),
		Home:        t.TempDir(),
	}
	return New(isolation.NewRunner(false, log), log), id
}

func TestRunStreamsOutput(t *testing.T) {
	r, id := testRunner(t)

	var chunks []string
	res, err := r.Run(context.Background(), Options{
		Identity: id,
		Dir:      id.Home,
		Argv:     []string{"sh", "-c", "echo hello"},
		OnOutput: func(chunk string) { chunks = append(chunks, chunk) },
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Output, "hello")
	assert.Contains(t, strings.Join(chunks, ""), "hello")
}

func TestRunReportsExitCode(t *testing.T) {
	r, id := testRunner(t)

	res, err := r.Run(context.Background(), Options{
		Identity: id,
		Dir:      id.Home,
		Argv:     []string{"sh", "-c", "exit 3"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
}

func TestRunCapsRetainedOutput(t *testing.T) {
	r, id := testRunner(t)

	res, err := r.Run(context.Background(), Options{
		Identity:  id,
		Dir:       id.Home,
		Argv:      []string{"sh", "-c", "yes x | head -c 8192"},
		MaxOutput: 1024,
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(res.Output), 1024)
}

func TestRunRejectsEmptyArgv(t *testing.T) {
	r, id := testRunner(t)
	_, err := r.Run(context.Background(), Options{Identity: id})
	assert.ErrorIs(t, err, isolation.ErrEmptyArgv)
}
