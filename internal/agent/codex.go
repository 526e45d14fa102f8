package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/isolation"
	"github.com/vibe80/vibe80/pkg/codex"
)

// codexClient drives one `codex app-server` subprocess over its JSON-RPC
// stdio protocol and translates its notifications into normalized events.
type codexClient struct {
	bin    string
	spec   SpawnSpec
	runner isolation.Runner
	logger *logger.Logger

	rpc *codex.Client
	cmd *exec.Cmd

	events chan Event
	done   chan struct{}

	mu       sync.Mutex
	threadID string
	stopped  bool
}

func newCodexClient(bin string, spec SpawnSpec, runner isolation.Runner, log *logger.Logger) *codexClient {
	return &codexClient{
		bin:    bin,
		spec:   spec,
		runner: runner,
		logger: log.WithFields(zap.String("provider", ProviderCodex), zap.String("dir", spec.Dir)),
		events: make(chan Event, eventBufferSize),
		done:   make(chan struct{}),
	}
}

func (c *codexClient) Provider() string { return ProviderCodex }

func (c *codexClient) Events() <-chan Event { return c.events }

func (c *codexClient) ThreadID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadID
}

func (c *codexClient) setThreadID(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	c.threadID = id
	c.mu.Unlock()
}

// Start launches the subprocess, performs the initialize handshake and
// starts (or resumes) the thread. On return the client accepts turns.
func (c *codexClient) Start(ctx context.Context) error {
	cmd, err := c.runner.Command(ctx, c.spec.Identity, []string{c.bin, "app-server"}, isolation.RunOpts{
		Dir: c.spec.Dir,
		Env: c.spec.Env,
	})
	if err != nil {
		return fmt.Errorf("build codex command: %w", err)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("codex stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("codex stdout: %w", err)
	}
	cmd.Stderr = newLineLogger(c.logger, "codex-stderr")

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start codex: %w", err)
	}
	c.cmd = cmd

	c.rpc = codex.NewClient(stdin, stdout, c.logger)
	c.rpc.SetNotificationHandler(c.handleNotification)
	c.rpc.SetRequestHandler(c.handleRequest)
	c.rpc.Start(context.Background())

	go c.waitLoop()

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp, err := c.rpc.Call(initCtx, codex.MethodInitialize, &codex.InitializeParams{
		ClientInfo: &codex.ClientInfo{Name: "vibe80", Version: "1.0"},
	})
	if err != nil {
		c.kill()
		return fmt.Errorf("codex initialize: %w", err)
	}
	if resp.Error != nil {
		c.kill()
		return fmt.Errorf("codex initialize: %s", resp.Error.Message)
	}
	if err := c.rpc.Notify(codex.MethodInitialized, nil); err != nil {
		c.kill()
		return fmt.Errorf("codex initialized: %w", err)
	}

	if err := c.openThread(initCtx); err != nil {
		c.kill()
		return err
	}

	c.emit(Event{Kind: KindReady, ThreadID: c.ThreadID()})
	return nil
}

func (c *codexClient) sandboxPolicy() *codex.SandboxPolicy {
	return &codex.SandboxPolicy{
		Type:          "workspace-write",
		WritableRoots: []string{c.spec.Dir},
		NetworkAccess: c.spec.InternetAccess,
	}
}

func (c *codexClient) openThread(ctx context.Context) error {
	if c.spec.ThreadID != "" {
		resp, err := c.rpc.Call(ctx, codex.MethodThreadResume, &codex.ThreadResumeParams{
			ThreadID:       c.spec.ThreadID,
			Cwd:            c.spec.Dir,
			ApprovalPolicy: "never",
			SandboxPolicy:  c.sandboxPolicy(),
		})
		if err == nil && resp.Error == nil {
			var result codex.ThreadResumeResult
			if err := json.Unmarshal(resp.Result, &result); err == nil && result.Thread != nil {
				c.setThreadID(result.Thread.ID)
				return nil
			}
		}
		// Resume can fail after agent state is lost; fall through to a
		// fresh thread rather than refusing to start.
		c.logger.Warn("codex thread resume failed, starting fresh",
			zap.String("thread_id", c.spec.ThreadID), zap.Error(err))
	}

	resp, err := c.rpc.Call(ctx, codex.MethodThreadStart, &codex.ThreadStartParams{
		Model:          c.spec.Model,
		Cwd:            c.spec.Dir,
		ApprovalPolicy: "never",
		SandboxPolicy:  c.sandboxPolicy(),
	})
	if err != nil {
		return fmt.Errorf("codex thread/start: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("codex thread/start: %s", resp.Error.Message)
	}
	var result codex.ThreadStartResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("codex thread/start result: %w", err)
	}
	if result.Thread == nil || result.Thread.ID == "" {
		return fmt.Errorf("codex thread/start returned no thread")
	}
	c.setThreadID(result.Thread.ID)
	return nil
}

// Send starts a turn. The turn/start response only arrives when the turn
// finishes, so the call runs detached; lifecycle is tracked through the
// turn/started and turn/completed notifications.
func (c *codexClient) Send(ctx context.Context, text string) error {
	threadID := c.ThreadID()
	if threadID == "" {
		return fmt.Errorf("codex thread not started")
	}
	params := &codex.TurnStartParams{
		ThreadID: threadID,
		Input:    []codex.UserInput{{Type: "text", Text: text}},
	}
	go func() {
		resp, err := c.rpc.Call(context.Background(), codex.MethodTurnStart, params)
		if err != nil {
			c.logger.Warn("codex turn/start failed", zap.Error(err))
			c.emit(Event{Kind: KindTurnError, Text: err.Error()})
			return
		}
		if resp.Error != nil {
			c.emit(Event{Kind: KindTurnError, Text: resp.Error.Message})
		}
	}()
	return nil
}

// Interrupt aborts the in-flight turn. Codex acknowledges through the
// turn/completed notification.
func (c *codexClient) Interrupt(ctx context.Context) error {
	threadID := c.ThreadID()
	if threadID == "" {
		return nil
	}
	interruptCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := c.rpc.Call(interruptCtx, codex.MethodTurnInterrupt, &codex.TurnInterruptParams{ThreadID: threadID})
	return err
}

// Stop terminates the subprocess: SIGTERM to the process group, SIGKILL
// after a grace period.
func (c *codexClient) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	if c.rpc != nil {
		c.rpc.Stop()
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

func (c *codexClient) kill() {
	if c.rpc != nil {
		c.rpc.Stop()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		_ = syscall.Kill(-c.cmd.Process.Pid, syscall.SIGKILL)
	}
}

// waitLoop reaps the subprocess and closes the event stream.
func (c *codexClient) waitLoop() {
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
		c.logger.Warn("codex process exited", zap.Int("code", code), zap.Error(err))
		c.emit(Event{Kind: KindProcessExited, ExitCode: &code})
	}

	select {
	case <-c.done:
	default:
		close(c.done)
	}
	close(c.events)
}

func (c *codexClient) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *codexClient) handleNotification(method string, params json.RawMessage) {
	switch method {
	case codex.NotifyThreadStarted:
		var p struct {
			Thread *codex.Thread `json:"thread"`
		}
		if json.Unmarshal(params, &p) == nil && p.Thread != nil {
			c.setThreadID(p.Thread.ID)
		}

	case codex.NotifyTurnStarted:
		c.emit(Event{Kind: KindTurnStarted, ThreadID: c.ThreadID()})

	case codex.NotifyTurnCompleted:
		var p codex.TurnCompletedParams
		if err := json.Unmarshal(params, &p); err != nil {
			c.emit(Event{Kind: KindTurnCompleted})
			return
		}
		if p.Error != "" {
			c.emit(Event{Kind: KindTurnError, Text: p.Error})
		} else {
			c.emit(Event{Kind: KindTurnCompleted})
		}

	case codex.NotifyItemAgentMessageDelta:
		var p codex.AgentMessageDeltaParams
		if json.Unmarshal(params, &p) == nil && p.Delta != "" {
			c.emit(Event{Kind: KindAssistantDelta, Text: p.Delta, ItemID: p.ItemID})
		}

	case codex.NotifyItemReasoningSummaryDelta, codex.NotifyItemReasoningTextDelta:
		var p codex.AgentMessageDeltaParams
		if json.Unmarshal(params, &p) == nil && p.Delta != "" {
			c.emit(Event{Kind: KindStatus, Text: p.Delta, ItemID: p.ItemID})
		}

	case codex.NotifyItemCmdExecOutputDelta:
		var p codex.CommandOutputDeltaParams
		if json.Unmarshal(params, &p) == nil && p.Delta != "" {
			c.emit(Event{Kind: KindCommandDelta, Output: p.Delta, ItemID: p.ItemID})
		}

	case codex.NotifyItemStarted:
		var p codex.ItemStartedParams
		if json.Unmarshal(params, &p) == nil && p.Item != nil && p.Item.Type == "commandExecution" {
			c.emit(Event{Kind: KindStatus, Text: "$ " + p.Item.Command, ItemID: p.Item.ID, Command: p.Item.Command})
		}

	case codex.NotifyItemCompleted:
		var p codex.ItemCompletedParams
		if json.Unmarshal(params, &p) != nil || p.Item == nil {
			return
		}
		c.emitItem(p.Item)

	case codex.NotifyError:
		var p codex.ErrorParams
		if json.Unmarshal(params, &p) == nil && p.Message != "" {
			c.emit(Event{Kind: KindTurnError, Text: p.Message})
		}
	}
}

func (c *codexClient) emitItem(item *codex.Item) {
	switch item.Type {
	case "agentMessage":
		c.emit(Event{Kind: KindAssistantMessage, Text: item.Text, ItemID: item.ID})
	case "commandExecution":
		c.emit(Event{
			Kind:     KindCommandCompleted,
			ItemID:   item.ID,
			Command:  item.Command,
			Output:   item.AggregatedOutput,
			ExitCode: item.ExitCode,
		})
	case "mcpToolCall":
		text := fmt.Sprintf("%s/%s", item.Server, item.Tool)
		if item.ToolError != "" {
			text += ": " + item.ToolError
		}
		c.emit(Event{Kind: KindToolResult, Text: text, ItemID: item.ID, Output: string(item.Result)})
	case "reasoning":
		if s := item.Summary.String(); s != "" {
			c.emit(Event{Kind: KindStatus, Text: s, ItemID: item.ID})
		}
	}
}

// handleRequest answers approval requests. The subprocess already runs
// demoted inside the worktree, so commands and file changes are accepted.
func (c *codexClient) handleRequest(id interface{}, method string, params json.RawMessage) {
	switch method {
	case codex.NotifyItemCmdExecRequestApproval, codex.NotifyItemFileChangeApproval:
		if err := c.rpc.SendResponse(id, &codex.ApprovalResponse{Decision: "accept"}, nil); err != nil {
			c.logger.Warn("failed to answer approval", zap.Error(err))
		}
	default:
		c.logger.Warn("unexpected codex request", zap.String("method", method))
		if err := c.rpc.SendResponse(id, nil, &codex.Error{Code: codex.MethodNotFound, Message: "Method not found"}); err != nil {
			c.logger.Warn("failed to reject request", zap.Error(err))
		}
	}
}
