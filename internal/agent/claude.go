package agent

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/isolation"
	"github.com/vibe80/vibe80/pkg/claude"
)

// claudeClient drives one Claude CLI subprocess in streaming JSON mode and
// translates its message stream into normalized events. The CLI has no
// explicit turn-start notification, so one is synthesized when a user
// message is submitted.
type claudeClient struct {
	bin    string
	spec   SpawnSpec
	runner isolation.Runner
	logger *logger.Logger

	cli *claude.Client
	cmd *exec.Cmd

	events chan Event
	done   chan struct{}

	mu       sync.Mutex
	threadID string
	stopped  bool
}

func newClaudeClient(bin string, spec SpawnSpec, runner isolation.Runner, log *logger.Logger) *claudeClient {
	return &claudeClient{
		bin:    bin,
		spec:   spec,
		runner: runner,
		logger: log.WithFields(zap.String("provider", ProviderClaude), zap.String("dir", spec.Dir)),
		events: make(chan Event, eventBufferSize),
		done:   make(chan struct{}),
	}
}

func (c *claudeClient) Provider() string { return ProviderClaude }

func (c *claudeClient) Events() <-chan Event { return c.events }

func (c *claudeClient) ThreadID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadID
}

func (c *claudeClient) setThreadID(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	c.threadID = id
	c.mu.Unlock()
}

func (c *claudeClient) argv() []string {
	argv := []string{
		c.bin,
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--include-partial-messages",
		"--permission-prompt-tool", "stdio",
		"--verbose",
	}
	if c.spec.Model != "" {
		argv = append(argv, "--model", c.spec.Model)
	}
	if c.spec.ThreadID != "" {
		argv = append(argv, "--resume", c.spec.ThreadID)
	}
	return argv
}

// Start launches the CLI and completes the initialize handshake.
func (c *claudeClient) Start(ctx context.Context) error {
	cmd, err := c.runner.Command(ctx, c.spec.Identity, c.argv(), isolation.RunOpts{
		Dir: c.spec.Dir,
		Env: c.spec.Env,
	})
	if err != nil {
		return fmt.Errorf("build claude command: %w", err)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("claude stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("claude stdout: %w", err)
	}
	cmd.Stderr = newLineLogger(c.logger, "claude-stderr")

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start claude: %w", err)
	}
	c.cmd = cmd

	c.cli = claude.NewClient(stdin, stdout, c.logger)
	c.cli.SetRequestHandler(c.handleControlRequest)
	c.cli.SetMessageHandler(c.handleMessage)
	<-c.cli.Start(context.Background())

	go c.waitLoop()

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := c.cli.Initialize(initCtx, 30*time.Second); err != nil {
		c.kill()
		return fmt.Errorf("claude initialize: %w", err)
	}

	c.setThreadID(c.spec.ThreadID)
	c.emit(Event{Kind: KindReady, ThreadID: c.ThreadID()})
	return nil
}

// Send submits a user turn. The CLI emits no turn-start marker, so the
// event is synthesized here.
func (c *claudeClient) Send(ctx context.Context, text string) error {
	if err := c.cli.SendUserMessage(text); err != nil {
		return err
	}
	c.emit(Event{Kind: KindTurnStarted, ThreadID: c.ThreadID()})
	return nil
}

// Interrupt aborts the in-flight turn. The CLI acknowledges with a result
// message, which closes the turn through the normal path.
func (c *claudeClient) Interrupt(ctx context.Context) error {
	return c.cli.Interrupt()
}

// Stop terminates the subprocess: SIGTERM to the process group, SIGKILL
// after a grace period.
func (c *claudeClient) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	if c.cli != nil {
		c.cli.Stop()
	}
	if c.cmd == nil || c.cmd.Process == nil {
		close(c.done)
		return nil
	}

	pgid := c.cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		<-c.done
	case <-ctx.Done():
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		<-c.done
	}
	return nil
}

func (c *claudeClient) kill() {
	if c.cli != nil {
		c.cli.Stop()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		_ = syscall.Kill(-c.cmd.Process.Pid, syscall.SIGKILL)
	}
}

func (c *claudeClient) waitLoop() {
	err := c.cmd.Wait()

	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()

	if !stopped {
		code := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else if err != nil {
			code = -1
		}
		c.logger.Warn("claude process exited", zap.Int("code", code), zap.Error(err))
		c.emit(Event{Kind: KindProcessExited, ExitCode: &code})
	}

	select {
	case <-c.done:
	default:
		close(c.done)
	}
	close(c.events)
}

func (c *claudeClient) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *claudeClient) handleMessage(msg *claude.CLIMessage) {
	switch msg.Type {
	case claude.MessageTypeSystem:
		c.setThreadID(msg.SessionID)
		if msg.SessionStatus != "" {
			c.emit(Event{Kind: KindStatus, Text: msg.SessionStatus})
		}

	case claude.MessageTypeStreamEvent:
		if msg.Event != nil && msg.Event.Delta != nil && msg.Event.Delta.Text != "" {
			c.emit(Event{Kind: KindAssistantDelta, Text: msg.Event.Delta.Text})
		}

	case claude.MessageTypeAssistant:
		if msg.Message == nil {
			return
		}
		c.emitAssistant(msg.Message)

	case claude.MessageTypeResult:
		c.setThreadID(resultSessionID(msg))
		if msg.IsError {
			text := msg.GetResultString()
			if text == "" {
				if data := msg.GetResultData(); data != nil {
					text = data.Text
				}
			}
			if text == "" {
				text = "turn failed"
			}
			c.emit(Event{Kind: KindTurnError, Text: text})
			return
		}
		c.emit(Event{Kind: KindTurnCompleted})
	}
}

func resultSessionID(msg *claude.CLIMessage) string {
	if msg.SessionID != "" {
		return msg.SessionID
	}
	if data := msg.GetResultData(); data != nil {
		return data.SessionID
	}
	return ""
}

func (c *claudeClient) emitAssistant(m *claude.AssistantMessage) {
	for _, block := range m.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				c.emit(Event{Kind: KindAssistantMessage, Text: block.Text, ItemID: uuid.New().String()})
			}
		case "thinking":
			if block.Thinking != "" {
				c.emit(Event{Kind: KindStatus, Text: block.Thinking})
			}
		case "tool_use":
			c.emit(Event{Kind: KindStatus, Text: toolUseStatus(block), ItemID: block.ID, Command: toolUseCommand(block)})
		case "tool_result":
			c.emit(Event{Kind: KindToolResult, Text: block.Content, ItemID: block.ToolUseID, Output: block.Content})
		}
	}
}

func toolUseStatus(block claude.ContentBlock) string {
	if cmd := toolUseCommand(block); cmd != "" {
		return "$ " + cmd
	}
	return "Using " + block.Name
}

func toolUseCommand(block claude.ContentBlock) string {
	if !strings.EqualFold(block.Name, "Bash") {
		return ""
	}
	if cmd, ok := block.Input["command"].(string); ok {
		return cmd
	}
	return ""
}

// handleControlRequest answers permission requests. The subprocess already
// runs demoted inside the worktree, so tool use is allowed.
func (c *claudeClient) handleControlRequest(requestID string, req *claude.ControlRequest) {
	switch req.Subtype {
	case claude.SubtypeCanUseTool:
		err := c.cli.SendControlResponse(&claude.ControlResponseMessage{
			Type:      claude.MessageTypeControlResponse,
			RequestID: requestID,
			Response: &claude.ControlResponse{
				Subtype: "success",
				Result:  &claude.PermissionResult{Behavior: claude.BehaviorAllow},
			},
		})
		if err != nil {
			c.logger.Warn("failed to answer permission request", zap.Error(err))
		}
	default:
		err := c.cli.SendControlResponse(&claude.ControlResponseMessage{
			Type:      claude.MessageTypeControlResponse,
			RequestID: requestID,
			Response:  &claude.ControlResponse{Subtype: "success"},
		})
		if err != nil {
			c.logger.Warn("failed to acknowledge control request", zap.Error(err))
		}
	}
}
