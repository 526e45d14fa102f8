package agent

import (
	"context"
	"fmt"

	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/isolation"
)

// Providers supported by the factory.
const (
	ProviderCodex  = "codex"
	ProviderClaude = "claude"
)

// eventBufferSize bounds each client's outbound event channel. The worktree
// worker drains it continuously; the cap only absorbs bursts.
const eventBufferSize = 256

// Client is the uniform surface the engine sees for one agent subprocess.
type Client interface {
	// Start launches the subprocess and completes when it is ready to
	// accept a turn.
	Start(ctx context.Context) error
	// Stop shuts the subprocess down, falling back to killing the process
	// group.
	Stop(ctx context.Context) error
	// Send submits a user turn.
	Send(ctx context.Context, text string) error
	// Interrupt asks the agent to abort the current turn, best-effort.
	Interrupt(ctx context.Context) error
	// Events returns the normalized event stream. Closed after the
	// subprocess exits and the final events are delivered.
	Events() <-chan Event
	// ThreadID returns the agent-side conversation id once known.
	ThreadID() string
	// Provider names the backing provider.
	Provider() string
}

// SpawnSpec carries everything a client needs to launch its subprocess.
type SpawnSpec struct {
	// Identity the subprocess runs under; the isolation layer enforces it.
	Identity isolation.Identity
	// Dir is the worktree path the agent operates in.
	Dir string

	Model           string
	ReasoningEffort string

	// ThreadID resumes an existing agent-side conversation when set.
	ThreadID string

	// InternetAccess widens the provider sandbox to allow network use.
	InternetAccess bool

	// Env carries provider credential material (API keys).
	Env []string
}

// Factory builds provider clients.
type Factory struct {
	cfg    config.AgentConfig
	runner isolation.Runner
	logger *logger.Logger
}

// NewFactory builds a Factory on the isolation runner.
func NewFactory(cfg config.AgentConfig, runner isolation.Runner, log *logger.Logger) *Factory {
	return &Factory{cfg: cfg, runner: runner, logger: log}
}

// New builds the client for a provider. The subprocess is not started.
func (f *Factory) New(provider string, spec SpawnSpec) (Client, error) {
	switch provider {
	case ProviderCodex:
		return newCodexClient(f.cfg.CodexBin, spec, f.runner, f.logger), nil
	case ProviderClaude:
		return newClaudeClient(f.cfg.ClaudeBin, spec, f.runner, f.logger), nil
	default:
		return nil, fmt.Errorf("invalid provider %q", provider)
	}
}
