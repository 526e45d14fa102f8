package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/agent"
	"github.com/vibe80/vibe80/internal/broadcast"
	"github.com/vibe80/vibe80/internal/common/ids"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/diffsync"
	"github.com/vibe80/vibe80/internal/events"
	"github.com/vibe80/vibe80/internal/events/bus"
	"github.com/vibe80/vibe80/internal/isolation"
	"github.com/vibe80/vibe80/internal/messagelog"
	"github.com/vibe80/vibe80/internal/runner"
	"github.com/vibe80/vibe80/internal/storage"
	"github.com/vibe80/vibe80/internal/workspace"
	"github.com/vibe80/vibe80/internal/worktree"
)

const (
	// mailboxSize bounds the runtime command queue.
	mailboxSize = 256
	// initialSyncLimit caps the message history sent on attach.
	initialSyncLimit = 100
	// agentStopTimeout bounds graceful agent shutdown during reclaim.
	agentStopTimeout = 10 * time.Second
)

// worker is the per-worktree runtime state: the supervised agent subprocess
// and its turn state machine. All fields are mailbox-confined.
type worker struct {
	worktreeID string
	path       string
	provider   string
	sup        *agent.Supervisor
	turn       *TurnController
	// stopping marks a deliberate shutdown so the event pump draining out
	// does not flag the worktree as errored.
	stopping    bool
	watchCancel context.CancelFunc
}

// Runtime is the live in-process state of one session: the WebSocket hub,
// the diff coalescer, and one worker per open worktree. Every mutation of
// session or worktree state funnels through a single mailbox goroutine, so
// the per-worktree event order observed by subscribers matches the order
// the agent produced.
type Runtime struct {
	manager  *Manager
	ws       *workspace.Workspace
	sess     *Session
	identity isolation.Identity
	repo     worktree.Repo

	hub       *broadcast.Hub
	coalescer *diffsync.Coalescer
	exec      *runner.Runner

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mailbox chan func()

	mu      sync.Mutex
	workers map[string]*worker

	logger *logger.Logger
}

func newRuntime(m *Manager, ws *workspace.Workspace, sess *Session) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	identity := m.workspaces.Identity(ws)
	r := &Runtime{
		manager:  m,
		ws:       ws,
		sess:     sess,
		identity: identity,
		repo:     m.repo(sess, identity),
		hub:      broadcast.NewHub(sess.ID, m.metrics, m.logger),
		exec:     runner.New(m.runner, m.logger),
		ctx:      ctx,
		cancel:   cancel,
		mailbox:  make(chan func(), mailboxSize),
		workers:  make(map[string]*worker),
		logger:   m.logger.WithSessionID(sess.ID),
	}
	r.coalescer = diffsync.NewCoalescer(m.cfg.Diff.Debounce(), r.runDiff, m.metrics)
	return r
}

// Session returns the session record the runtime was built from.
func (r *Runtime) Session() *Session { return r.sess }

// start launches the hub and mailbox and spawns an agent for every open
// worktree.
func (r *Runtime) start(ctx context.Context) error {
	r.wg.Add(2)
	go func() { defer r.wg.Done(); r.hub.Run(r.ctx) }()
	go func() { defer r.wg.Done(); r.loop() }()

	wts, err := r.manager.worktrees.List(ctx, r.sess.ID)
	if err != nil {
		r.cancel()
		return err
	}
	for _, wt := range wts {
		if wt.Status == worktree.StatusClosed {
			continue
		}
		if err := r.spawnWorker(ctx, wt); err != nil {
			r.logger.WithWorktreeID(wt.ID).Warn("failed to start agent", zap.Error(err))
			if _, serr := r.manager.worktrees.SetStatus(ctx, r.sess.ID, wt.ID, worktree.StatusError); serr != nil {
				r.logger.Warn("failed to mark worktree errored", zap.Error(serr))
			}
			if wt.IsMain() {
				r.shutdown(ctx)
				return err
			}
		}
	}
	return nil
}

// shutdown stops agents, subscribers, and the mailbox. Idempotent.
func (r *Runtime) shutdown(ctx context.Context) {
	r.cancel()

	r.mu.Lock()
	workers := make([]*worker, 0, len(r.workers))
	for _, w := range r.workers {
		w.stopping = true
		workers = append(workers, w)
	}
	r.workers = make(map[string]*worker)
	r.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(context.Background(), agentStopTimeout)
	defer cancel()
	for _, w := range workers {
		if w.watchCancel != nil {
			w.watchCancel()
		}
		if err := w.sup.Stop(stopCtx); err != nil {
			r.logger.WithWorktreeID(w.worktreeID).Warn("agent stop failed", zap.Error(err))
		}
	}
	r.wg.Wait()
}

func (r *Runtime) loop() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case fn := <-r.mailbox:
			fn()
		}
	}
}

// post enqueues fn on the mailbox, dropping it if the runtime is shutting
// down.
func (r *Runtime) post(fn func()) {
	select {
	case r.mailbox <- fn:
	case <-r.ctx.Done():
	}
}

// Attach registers a WebSocket connection with the session hub, starts its
// write pump, and queues the initial messages_sync. The caller runs the
// returned subscriber's ReadPump.
func (r *Runtime) Attach(ctx context.Context, conn *websocket.Conn) *broadcast.Subscriber {
	sub := broadcast.NewSubscriber(ids.NewMessageID(), conn, r.hub, r.HandleFrame, r.logger)
	r.hub.Register(sub)
	r.wg.Add(1)
	go func() { defer r.wg.Done(); sub.WritePump(r.ctx) }()
	r.post(func() { r.sendSync(sub, ids.MainWorktreeID, messagelog.ReadOptions{Limit: initialSyncLimit}) })
	return sub
}

// sendSync sends a messages_sync for one worktree scope to a single
// subscriber, including the provider and worktree roster.
func (r *Runtime) sendSync(sub *broadcast.Subscriber, worktreeID string, opts messagelog.ReadOptions) {
	msgs, err := r.manager.log.Read(r.ctx, r.sess.ID, worktreeID, opts)
	if err != nil {
		r.logger.Warn("failed to read messages for sync", zap.Error(err))
		sub.Send(broadcast.ErrorFrame("failed to load messages"))
		return
	}
	sub.Send(broadcast.NewFrame(broadcast.TypeMessagesSync, map[string]any{
		"worktreeId": worktreeID,
		"provider":   r.sess.ActiveProvider,
		"messages":   msgs,
		"worktrees":  r.roster(),
	}))
}

func (r *Runtime) roster() []worktree.Projection {
	wts, err := r.manager.worktrees.List(r.ctx, r.sess.ID)
	if err != nil {
		r.logger.Warn("failed to list worktrees", zap.Error(err))
		return nil
	}
	out := make([]worktree.Projection, 0, len(wts))
	for _, wt := range wts {
		if wt.Status == worktree.StatusClosed {
			continue
		}
		out = append(out, wt.Project())
	}
	return out
}

// HandleFrame dispatches one client frame. It runs on the subscriber's read
// goroutine and forwards to the mailbox so all state mutation is serialized.
func (r *Runtime) HandleFrame(ctx context.Context, sub *broadcast.Subscriber, frame broadcast.Frame) {
	r.manager.Touch(r.ctx, r.sess.ID)

	switch frame.Type() {
	case broadcast.TypePing:
		sub.Send(broadcast.Frame{"type": broadcast.TypePong})

	case broadcast.TypeUserMessage:
		r.post(func() { r.handleUserMessage(sub, frame, ids.MainWorktreeID) })

	case broadcast.TypeWorktreeMessage:
		r.post(func() { r.handleUserMessage(sub, frame, frame.String("worktreeId")) })

	case broadcast.TypeInterrupt:
		r.post(func() { r.handleInterrupt(frame.String("worktreeId")) })

	case broadcast.TypeSwitchProvider:
		r.post(func() { r.handleSwitchProvider(sub, frame) })

	case broadcast.TypeCreateWorktree:
		r.post(func() { r.handleCreateWorktree(sub, frame) })

	case broadcast.TypeCloseWorktree:
		r.post(func() { r.handleCloseWorktree(sub, frame) })

	case broadcast.TypeMergeWorktree:
		r.post(func() { r.handleMergeWorktree(sub, frame) })

	case broadcast.TypeListWorktrees:
		r.post(func() {
			sub.Send(broadcast.NewFrame(broadcast.TypeWorktreesList, map[string]any{
				"worktrees": r.roster(),
			}))
		})

	case broadcast.TypeSyncMessages:
		r.post(func() {
			worktreeID := frame.String("worktreeId")
			if worktreeID == "" {
				worktreeID = ids.MainWorktreeID
			}
			var payload struct {
				Limit           int    `json:"limit"`
				BeforeMessageID string `json:"beforeMessageId"`
			}
			_ = frame.Decode(&payload)
			r.sendSync(sub, worktreeID, messagelog.ReadOptions{
				Limit:           payload.Limit,
				BeforeMessageID: payload.BeforeMessageID,
			})
		})

	case broadcast.TypeGitAction:
		r.post(func() { r.handleGitAction(sub, frame) })

	case broadcast.TypeRunAction:
		r.post(func() { r.handleRunAction(sub, frame) })

	default:
		sub.Send(broadcast.ErrorFrame(fmt.Sprintf("unknown frame type %q", frame.Type())))
	}
}

// worktreeScope names the diff scope of a worktree: the session id for the
// main checkout, the worktree id otherwise.
func (r *Runtime) worktreeScope(worktreeID string) string {
	if worktreeID == ids.MainWorktreeID {
		return r.sess.ID
	}
	return worktreeID
}

func (r *Runtime) lookupWorker(worktreeID string) *worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workers[worktreeID]
}

// handleUserMessage runs on the mailbox: append the message, then submit
// the turn. A dead agent is respawned transparently before the send.
func (r *Runtime) handleUserMessage(sub *broadcast.Subscriber, frame broadcast.Frame, worktreeID string) {
	var payload struct {
		Text        string                  `json:"text"`
		Attachments []messagelog.Attachment `json:"attachments"`
	}
	if err := frame.Decode(&payload); err != nil || payload.Text == "" {
		sub.Send(broadcast.ErrorFrame("message text is required"))
		return
	}

	w := r.lookupWorker(worktreeID)
	if w == nil {
		sub.Send(broadcast.ErrorFrame("unknown worktree"))
		return
	}
	if !w.turn.Accept() {
		sub.Send(broadcast.ErrorFrame("turn in progress"))
		return
	}

	if w.sup.Exited() {
		respawned, err := r.respawnWorker(w)
		if err != nil {
			w.turn.Reset()
			sub.Send(broadcast.ErrorFrame("agent unavailable: " + err.Error()))
			return
		}
		w = respawned
		if !w.turn.Accept() {
			sub.Send(broadcast.ErrorFrame("turn in progress"))
			return
		}
	}

	msg := messagelog.NewUserMessage(payload.Text, payload.Attachments)
	if _, err := r.manager.log.Append(r.ctx, r.sess.ID, worktreeID, msg); err != nil {
		w.turn.Reset()
		sub.Send(broadcast.ErrorFrame("failed to persist message"))
		return
	}
	if r.manager.metrics != nil {
		r.manager.metrics.MessagesAppended.Inc()
	}

	if err := w.sup.Send(r.ctx, payload.Text); err != nil {
		w.turn.Reset()
		r.logger.WithWorktreeID(worktreeID).Warn("turn submission failed", zap.Error(err))
		if errors.Is(err, agent.ErrAgentExited) {
			sub.Send(broadcast.ErrorFrame("agent process exited"))
		} else {
			sub.Send(broadcast.ErrorFrame("failed to submit turn"))
		}
	}
}

func (r *Runtime) handleInterrupt(worktreeID string) {
	if worktreeID == "" {
		worktreeID = ids.MainWorktreeID
	}
	w := r.lookupWorker(worktreeID)
	if w == nil || !w.turn.Interruptible() {
		return
	}
	if err := w.sup.Interrupt(r.ctx); err != nil {
		r.logger.WithWorktreeID(worktreeID).Debug("interrupt failed", zap.Error(err))
	}
}

// handleSwitchProvider stops the worktree's agent and spawns a fresh one for
// the requested provider. The agent-side thread id is discarded: the new
// provider starts a new conversation.
func (r *Runtime) handleSwitchProvider(sub *broadcast.Subscriber, frame broadcast.Frame) {
	var payload struct {
		Provider        string `json:"provider"`
		Model           string `json:"model"`
		ReasoningEffort string `json:"reasoningEffort"`
		WorktreeID      string `json:"worktreeId"`
	}
	if err := frame.Decode(&payload); err != nil || payload.Provider == "" {
		sub.Send(broadcast.ErrorFrame("provider is required"))
		return
	}
	if !r.ws.ProviderEnabled(payload.Provider) {
		sub.Send(broadcast.ErrorFrame("invalid provider"))
		return
	}
	worktreeID := payload.WorktreeID
	if worktreeID == "" {
		worktreeID = ids.MainWorktreeID
	}

	w := r.lookupWorker(worktreeID)
	if w == nil {
		sub.Send(broadcast.ErrorFrame("unknown worktree"))
		return
	}
	if w.turn.Busy() {
		sub.Send(broadcast.ErrorFrame("turn in progress"))
		return
	}

	wt, err := r.manager.worktrees.SetProvider(r.ctx, r.sess.ID, worktreeID,
		payload.Provider, payload.Model, payload.ReasoningEffort)
	if err != nil {
		sub.Send(broadcast.ErrorFrame("failed to switch provider"))
		return
	}

	r.stopWorker(w)
	if err := r.spawnWorker(r.ctx, wt); err != nil {
		_, _ = r.manager.worktrees.SetStatus(r.ctx, r.sess.ID, worktreeID, worktree.StatusError)
		r.broadcastWorktreeUpdate(worktreeID)
		sub.Send(broadcast.ErrorFrame("failed to start agent: " + err.Error()))
		return
	}

	if worktreeID == ids.MainWorktreeID {
		r.sess.ActiveProvider = payload.Provider
		if err := r.manager.persist(r.ctx, r.sess); err != nil {
			r.logger.Warn("failed to persist provider switch", zap.Error(err))
		}
	}

	r.hub.Broadcast(broadcast.NewFrame(broadcast.TypeProviderSwitched, map[string]any{
		"worktreeId": worktreeID,
		"provider":   payload.Provider,
	}))
	r.broadcastWorktreeUpdate(worktreeID)
	r.publish(events.AgentProviderSwitched, map[string]interface{}{
		"worktreeId": worktreeID,
		"provider":   payload.Provider,
	})
}

func (r *Runtime) handleCreateWorktree(sub *broadcast.Subscriber, frame broadcast.Frame) {
	var payload struct {
		Provider         string `json:"provider"`
		Name             string `json:"name"`
		ParentWorktreeID string `json:"parentWorktreeId"`
		StartingBranch   string `json:"startingBranch"`
		Model            string `json:"model"`
		ReasoningEffort  string `json:"reasoningEffort"`
	}
	if err := frame.Decode(&payload); err != nil {
		sub.Send(broadcast.ErrorFrame("invalid create_worktree payload"))
		return
	}
	provider := payload.Provider
	if provider == "" {
		provider = r.sess.ActiveProvider
	}
	if !r.ws.ProviderEnabled(provider) {
		sub.Send(broadcast.ErrorFrame("invalid provider"))
		return
	}

	wt, err := r.manager.worktrees.Create(r.ctx, r.repo, worktree.CreateOptions{
		Provider:         provider,
		Name:             payload.Name,
		ParentWorktreeID: payload.ParentWorktreeID,
		StartingBranch:   payload.StartingBranch,
		Model:            payload.Model,
		ReasoningEffort:  payload.ReasoningEffort,
	})
	if err != nil {
		if errors.Is(err, worktree.ErrBranchExists) {
			sub.Send(broadcast.ErrorFrame("branch already exists"))
		} else {
			sub.Send(broadcast.ErrorFrame("failed to create worktree"))
			r.logger.Warn("worktree creation failed", zap.Error(err))
		}
		return
	}

	// The record stays in error state for diagnosis when the agent cannot
	// start; the git worktree itself was created successfully.
	status := worktree.StatusReady
	if err := r.spawnWorker(r.ctx, wt); err != nil {
		r.logger.WithWorktreeID(wt.ID).Warn("failed to start worktree agent", zap.Error(err))
		status = worktree.StatusError
	}
	wt, err = r.manager.worktrees.SetStatus(r.ctx, r.sess.ID, wt.ID, status)
	if err != nil {
		sub.Send(broadcast.ErrorFrame("failed to persist worktree"))
		return
	}

	if r.manager.metrics != nil {
		r.manager.metrics.WorktreesActive.Inc()
	}
	r.hub.Broadcast(broadcast.NewFrame(broadcast.TypeWorktreeCreated, map[string]any{
		"worktree": wt.Project(),
	}))
	r.publish(events.WorktreeCreated, map[string]interface{}{"worktreeId": wt.ID})
}

func (r *Runtime) handleCloseWorktree(sub *broadcast.Subscriber, frame broadcast.Frame) {
	worktreeID := frame.String("worktreeId")
	if worktreeID == "" || worktreeID == ids.MainWorktreeID {
		sub.Send(broadcast.ErrorFrame("cannot close the main worktree"))
		return
	}
	w := r.lookupWorker(worktreeID)
	if w != nil {
		if w.turn.Busy() {
			// The agent dies with the worktree; report the open turn as failed.
			r.hub.Broadcast(broadcast.NewFrame(broadcast.TypeTurnError, map[string]any{
				"worktreeId": worktreeID,
				"error":      "worktree closed",
			}))
		}
		r.stopWorker(w)
	}

	if err := r.manager.worktrees.Remove(r.ctx, r.repo, worktreeID, true); err != nil {
		if errors.Is(err, worktree.ErrNotFound) {
			sub.Send(broadcast.ErrorFrame("unknown worktree"))
		} else {
			sub.Send(broadcast.ErrorFrame("failed to close worktree"))
			r.logger.WithWorktreeID(worktreeID).Warn("worktree close failed", zap.Error(err))
		}
		return
	}

	scope := storage.MessageScope(r.sess.ID, worktreeID)
	if err := r.manager.store.Delete(r.ctx, storage.MessageLogKeys(scope)...); err != nil {
		r.logger.Warn("failed to delete worktree messages", zap.Error(err))
	}
	r.coalescer.Forget(worktreeID)

	if r.manager.metrics != nil {
		r.manager.metrics.WorktreesActive.Dec()
	}
	r.hub.Broadcast(broadcast.NewFrame(broadcast.TypeWorktreeClosed, map[string]any{
		"worktreeId": worktreeID,
	}))
	r.publish(events.WorktreeClosed, map[string]interface{}{"worktreeId": worktreeID})
}

func (r *Runtime) handleMergeWorktree(sub *broadcast.Subscriber, frame broadcast.Frame) {
	var payload struct {
		SourceWorktreeID string `json:"worktreeId"`
		TargetWorktreeID string `json:"targetWorktreeId"`
	}
	if err := frame.Decode(&payload); err != nil || payload.SourceWorktreeID == "" {
		sub.Send(broadcast.ErrorFrame("worktreeId is required"))
		return
	}
	target := payload.TargetWorktreeID
	if target == "" {
		target = ids.MainWorktreeID
	}

	result, err := r.manager.worktrees.Merge(r.ctx, r.repo, payload.SourceWorktreeID, target)
	if err != nil {
		if errors.Is(err, worktree.ErrNotFound) {
			sub.Send(broadcast.ErrorFrame("unknown worktree"))
		} else {
			sub.Send(broadcast.ErrorFrame("merge failed: " + err.Error()))
		}
		return
	}

	r.hub.Broadcast(broadcast.NewFrame(broadcast.TypeWorktreeMergeResult, map[string]any{
		"worktreeId":       payload.SourceWorktreeID,
		"targetWorktreeId": target,
		"success":          result.Success,
		"conflicts":        result.Conflicts,
	}))
	if result.Success {
		r.publish(events.WorktreeMerged, map[string]interface{}{
			"worktreeId": payload.SourceWorktreeID,
			"target":     target,
		})
		r.coalescer.Request(r.ctx, r.worktreeScope(target))
	}
}

// handleGitAction runs an arbitrary git command in a worktree, streaming
// output as status lines. Failures surface the git stderr the same way.
func (r *Runtime) handleGitAction(sub *broadcast.Subscriber, frame broadcast.Frame) {
	var payload struct {
		WorktreeID string   `json:"worktreeId"`
		Args       []string `json:"args"`
	}
	if err := frame.Decode(&payload); err != nil || len(payload.Args) == 0 {
		sub.Send(broadcast.ErrorFrame("git args are required"))
		return
	}
	worktreeID := payload.WorktreeID
	if worktreeID == "" {
		worktreeID = ids.MainWorktreeID
	}
	wt, err := r.manager.worktrees.Get(r.ctx, r.sess.ID, worktreeID)
	if err != nil {
		sub.Send(broadcast.ErrorFrame("unknown worktree"))
		return
	}

	argv := append([]string{"git"}, payload.Args...)
	r.runAction(worktreeID, wt.Path, argv, func(line string) broadcast.Frame {
		return broadcast.NewFrame(broadcast.TypeStatus, map[string]any{
			"worktreeId": worktreeID,
			"message":    line,
		})
	}, nil)
}

// handleRunAction runs a shell command in a worktree, streaming output as
// command_execution frames and persisting the terminal item.
func (r *Runtime) handleRunAction(sub *broadcast.Subscriber, frame broadcast.Frame) {
	var payload struct {
		WorktreeID string `json:"worktreeId"`
		Command    string `json:"command"`
	}
	if err := frame.Decode(&payload); err != nil || payload.Command == "" {
		sub.Send(broadcast.ErrorFrame("command is required"))
		return
	}
	worktreeID := payload.WorktreeID
	if worktreeID == "" {
		worktreeID = ids.MainWorktreeID
	}
	wt, err := r.manager.worktrees.Get(r.ctx, r.sess.ID, worktreeID)
	if err != nil {
		sub.Send(broadcast.ErrorFrame("unknown worktree"))
		return
	}

	itemID := ids.NewMessageID()
	argv := []string{"bash", "-c", payload.Command}
	r.runAction(worktreeID, wt.Path, argv, func(chunk string) broadcast.Frame {
		return broadcast.NewFrame(broadcast.TypeCommandExecutionDelta, map[string]any{
			"worktreeId": worktreeID,
			"itemId":     itemID,
			"delta":      chunk,
		})
	}, func(result *runner.Result) {
		status := "completed"
		if result.ExitCode != 0 {
			status = "failed"
		}
		msg := &messagelog.Message{
			ID:        itemID,
			Role:      messagelog.RoleTool,
			GroupType: messagelog.GroupCommandExecution,
			Command:   payload.Command,
			Output:    result.Output,
			Status:    status,
			CreatedAt: time.Now().UTC(),
		}
		if _, err := r.manager.log.Append(r.ctx, r.sess.ID, worktreeID, msg); err != nil {
			r.logger.Warn("failed to persist command output", zap.Error(err))
		}
		r.hub.Broadcast(broadcast.NewFrame(broadcast.TypeCommandExecutionCompleted, map[string]any{
			"worktreeId": worktreeID,
			"itemId":     itemID,
			"command":    payload.Command,
			"output":     result.Output,
			"exitCode":   result.ExitCode,
		}))
	})
}

// runAction executes argv off the mailbox, streaming chunks through
// toFrame and running done (on the mailbox) with the result. A diff is
// requested afterwards since the command may have mutated the checkout.
func (r *Runtime) runAction(worktreeID, dir string, argv []string, toFrame func(string) broadcast.Frame, done func(*runner.Result)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		result, err := r.exec.Run(r.ctx, runner.Options{
			Identity: r.identity,
			Dir:      dir,
			Argv:     argv,
			OnOutput: func(chunk string) {
				r.hub.Broadcast(toFrame(chunk))
			},
		})
		if err != nil && result == nil {
			r.hub.Broadcast(broadcast.ErrorFrame("command failed: " + err.Error()))
			return
		}
		if done != nil {
			r.post(func() { done(result) })
		}
		r.coalescer.Request(r.ctx, r.worktreeScope(worktreeID))
	}()
}

// spawnWorker builds and starts the agent for a worktree and registers its
// worker. The watcher that feeds the diff coalescer starts with it.
func (r *Runtime) spawnWorker(ctx context.Context, wt *worktree.Worktree) error {
	client, err := r.manager.agents.New(wt.Provider, agent.SpawnSpec{
		Identity:        r.identity,
		Dir:             wt.Path,
		Model:           wt.Model,
		ReasoningEffort: wt.ReasoningEffort,
		ThreadID:        wt.ThreadID,
		InternetAccess:  r.sess.DefaultInternetAccess,
		Env:             r.providerEnv(wt.Provider),
	})
	if err != nil {
		return err
	}
	sup := agent.NewSupervisor(client, r.logger.WithWorktreeID(wt.ID))
	if err := sup.Start(ctx); err != nil {
		return err
	}

	w := &worker{
		worktreeID: wt.ID,
		path:       wt.Path,
		provider:   wt.Provider,
		sup:        sup,
		turn:       NewTurnController(wt.ID),
	}

	watchCtx, watchCancel := context.WithCancel(r.ctx)
	w.watchCancel = watchCancel
	if watcher, werr := diffsync.NewWatcher(r.worktreeScope(wt.ID), wt.Path, r.coalescer, r.logger); werr == nil {
		r.wg.Add(1)
		go func() { defer r.wg.Done(); watcher.Run(watchCtx) }()
	} else {
		r.logger.WithWorktreeID(wt.ID).Debug("failed to start diff watcher", zap.Error(werr))
	}

	r.mu.Lock()
	r.workers[wt.ID] = w
	r.mu.Unlock()

	r.wg.Add(1)
	go r.pumpAgent(w, sup)

	r.publish(events.AgentStarted, map[string]interface{}{
		"worktreeId": wt.ID,
		"provider":   wt.Provider,
	})
	return nil
}

// respawnWorker replaces a dead worker in place, keeping the thread id so
// the provider resumes the conversation when it can.
func (r *Runtime) respawnWorker(w *worker) (*worker, error) {
	wt, err := r.manager.worktrees.Get(r.ctx, r.sess.ID, w.worktreeID)
	if err != nil {
		return nil, err
	}
	r.stopWorker(w)
	if err := r.spawnWorker(r.ctx, wt); err != nil {
		return nil, err
	}
	return r.lookupWorker(w.worktreeID), nil
}

// stopWorker shuts a worker's agent down and deregisters it.
func (r *Runtime) stopWorker(w *worker) {
	w.stopping = true
	if w.watchCancel != nil {
		w.watchCancel()
	}
	r.mu.Lock()
	if r.workers[w.worktreeID] == w {
		delete(r.workers, w.worktreeID)
	}
	r.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(context.Background(), agentStopTimeout)
	defer cancel()
	if err := w.sup.Stop(stopCtx); err != nil {
		r.logger.WithWorktreeID(w.worktreeID).Warn("agent stop failed", zap.Error(err))
	}
}

// pumpAgent forwards one supervisor's event stream into the mailbox,
// preserving the order the agent produced.
func (r *Runtime) pumpAgent(w *worker, sup *agent.Supervisor) {
	defer r.wg.Done()
	for ev := range sup.Events() {
		ev := ev
		r.post(func() { r.handleAgentEvent(w, ev) })
	}
	r.post(func() { r.agentGone(w) })
}

// agentGone runs on the mailbox after a supervisor's stream closes. A
// deliberate stop is silent; an unexpected death flags the worktree.
func (r *Runtime) agentGone(w *worker) {
	if w.stopping {
		return
	}
	r.mu.Lock()
	if r.workers[w.worktreeID] == w {
		delete(r.workers, w.worktreeID)
	}
	r.mu.Unlock()
	if w.watchCancel != nil {
		w.watchCancel()
	}

	if _, err := r.manager.worktrees.SetStatus(r.ctx, r.sess.ID, w.worktreeID, worktree.StatusError); err != nil {
		r.logger.WithWorktreeID(w.worktreeID).Warn("failed to mark worktree errored", zap.Error(err))
	}
	r.broadcastWorktreeUpdate(w.worktreeID)
	r.publish(events.AgentExited, map[string]interface{}{"worktreeId": w.worktreeID})
	r.logger.WithWorktreeID(w.worktreeID).Warn("agent exited unexpectedly")
}

// broadcastWorktreeUpdate pushes a worktree's current projection after a
// state change that has no dedicated frame, so clients track status and
// metadata without refetching the roster.
func (r *Runtime) broadcastWorktreeUpdate(worktreeID string) {
	wt, err := r.manager.worktrees.Get(r.ctx, r.sess.ID, worktreeID)
	if err != nil {
		return
	}
	r.hub.Broadcast(broadcast.NewFrame(broadcast.TypeWorktreeUpdated, map[string]any{
		"worktree": wt.Project(),
	}))
}

// handleAgentEvent applies one normalized agent event: persistence, status
// transitions, and fan-out. Runs on the mailbox.
func (r *Runtime) handleAgentEvent(w *worker, ev agent.Event) {
	worktreeID := w.worktreeID
	isMain := worktreeID == ids.MainWorktreeID
	w.turn.Observe(ev.Kind)

	switch ev.Kind {
	case agent.KindReady:
		if ev.ThreadID != "" {
			if err := r.manager.worktrees.SetThreadID(r.ctx, r.sess.ID, worktreeID, ev.ThreadID); err != nil {
				r.logger.Warn("failed to persist thread id", zap.Error(err))
			}
		}
		if isMain && !r.sess.AppServerReady {
			r.sess.AppServerReady = true
			if err := r.manager.persist(r.ctx, r.sess); err != nil {
				r.logger.Warn("failed to persist ready flag", zap.Error(err))
			}
		}
		r.hub.Broadcast(broadcast.NewFrame(broadcast.TypeReady, map[string]any{
			"worktreeId": worktreeID,
		}))

	case agent.KindStatus:
		r.hub.Broadcast(broadcast.NewFrame(broadcast.TypeStatus, map[string]any{
			"worktreeId": worktreeID,
			"message":    ev.Text,
		}))

	case agent.KindAssistantDelta:
		frameType := broadcast.TypeAssistantDelta
		if !isMain {
			frameType = broadcast.TypeWorktreeDelta
		}
		r.hub.Broadcast(broadcast.NewFrame(frameType, map[string]any{
			"worktreeId": worktreeID,
			"delta":      ev.Text,
		}))

	case agent.KindAssistantMessage:
		msg := messagelog.NewAssistantMessage(ev.ItemID, ev.Text)
		if _, err := r.manager.log.Append(r.ctx, r.sess.ID, worktreeID, msg); err != nil {
			r.logger.Warn("failed to persist assistant message", zap.Error(err))
		} else if r.manager.metrics != nil {
			r.manager.metrics.MessagesAppended.Inc()
		}
		frameType := broadcast.TypeAssistantMessage
		if !isMain {
			frameType = broadcast.TypeWorktreeMessage
		}
		r.hub.Broadcast(broadcast.NewFrame(frameType, map[string]any{
			"worktreeId": worktreeID,
			"message":    msg,
		}))

	case agent.KindTurnStarted:
		if _, err := r.manager.worktrees.SetStatus(r.ctx, r.sess.ID, worktreeID, worktree.StatusProcessing); err != nil {
			r.logger.Warn("failed to mark worktree processing", zap.Error(err))
		}
		r.manager.Touch(r.ctx, r.sess.ID)
		frameType := broadcast.TypeTurnStarted
		if !isMain {
			frameType = broadcast.TypeWorktreeTurnStarted
		}
		r.hub.Broadcast(broadcast.NewFrame(frameType, map[string]any{
			"worktreeId": worktreeID,
		}))
		r.publish(events.TurnStarted, map[string]interface{}{"worktreeId": worktreeID})

	case agent.KindTurnCompleted:
		if _, err := r.manager.worktrees.SetStatus(r.ctx, r.sess.ID, worktreeID, worktree.StatusReady); err != nil {
			r.logger.Warn("failed to mark worktree ready", zap.Error(err))
		}
		r.manager.Touch(r.ctx, r.sess.ID)
		frameType := broadcast.TypeTurnCompleted
		if !isMain {
			frameType = broadcast.TypeWorktreeTurnCompleted
		}
		r.hub.Broadcast(broadcast.NewFrame(frameType, map[string]any{
			"worktreeId": worktreeID,
		}))
		r.publish(events.TurnCompleted, map[string]interface{}{"worktreeId": worktreeID})
		r.coalescer.Request(r.ctx, r.worktreeScope(worktreeID))

	case agent.KindTurnError:
		if _, err := r.manager.worktrees.SetStatus(r.ctx, r.sess.ID, worktreeID, worktree.StatusReady); err != nil {
			r.logger.Warn("failed to mark worktree ready", zap.Error(err))
		}
		r.hub.Broadcast(broadcast.NewFrame(broadcast.TypeTurnError, map[string]any{
			"worktreeId": worktreeID,
			"error":      ev.Text,
		}))
		r.publish(events.TurnErrored, map[string]interface{}{"worktreeId": worktreeID})

	case agent.KindCommandDelta:
		r.hub.Broadcast(broadcast.NewFrame(broadcast.TypeCommandExecutionDelta, map[string]any{
			"worktreeId": worktreeID,
			"itemId":     ev.ItemID,
			"delta":      ev.Output,
		}))

	case agent.KindCommandCompleted:
		msg := &messagelog.Message{
			ID:        ev.ItemID,
			Role:      messagelog.RoleTool,
			GroupType: messagelog.GroupCommandExecution,
			Command:   ev.Command,
			Output:    ev.Output,
			ItemID:    ev.ItemID,
			CreatedAt: time.Now().UTC(),
		}
		if ev.ExitCode != nil && *ev.ExitCode != 0 {
			msg.Status = "failed"
		} else {
			msg.Status = "completed"
		}
		if _, err := r.manager.log.Append(r.ctx, r.sess.ID, worktreeID, msg); err != nil {
			r.logger.Warn("failed to persist command item", zap.Error(err))
		}
		fields := map[string]any{
			"worktreeId": worktreeID,
			"itemId":     ev.ItemID,
			"command":    ev.Command,
			"output":     ev.Output,
		}
		if ev.ExitCode != nil {
			fields["exitCode"] = *ev.ExitCode
		}
		r.hub.Broadcast(broadcast.NewFrame(broadcast.TypeCommandExecutionCompleted, fields))

	case agent.KindToolResult:
		msg := &messagelog.Message{
			ID:        ev.ItemID,
			Role:      messagelog.RoleTool,
			GroupType: messagelog.GroupToolResult,
			Text:      ev.Text,
			Output:    ev.Output,
			ItemID:    ev.ItemID,
			CreatedAt: time.Now().UTC(),
		}
		if _, err := r.manager.log.Append(r.ctx, r.sess.ID, worktreeID, msg); err != nil {
			r.logger.Warn("failed to persist tool result", zap.Error(err))
		}
		r.hub.Broadcast(broadcast.NewFrame(broadcast.TypeToolResult, map[string]any{
			"worktreeId": worktreeID,
			"itemId":     ev.ItemID,
			"result":     ev.Text,
		}))

	case agent.KindProviderSwitched:
		// The replacement list supersedes the live view only; the persisted
		// log keeps the original history for reconnecting clients.
		r.hub.Broadcast(broadcast.NewFrame(broadcast.TypeProviderSwitched, map[string]any{
			"worktreeId": worktreeID,
			"provider":   w.provider,
			"messages":   ev.Messages,
		}))
	}
}

// runDiff is the coalescer's runner: compute status+diff for the scope and
// broadcast it.
func (r *Runtime) runDiff(ctx context.Context, scope string) {
	worktreeID := scope
	if scope == r.sess.ID {
		worktreeID = ids.MainWorktreeID
	}
	result, err := r.manager.worktrees.Diff(ctx, r.repo, worktreeID)
	if err != nil {
		r.logger.WithWorktreeID(worktreeID).Debug("diff computation failed", zap.Error(err))
		return
	}
	r.hub.Broadcast(broadcast.NewFrame(broadcast.TypeRepoDiff, map[string]any{
		"worktreeId": worktreeID,
		"status":     result.Status,
		"diff":       result.Diff,
	}))
}

// providerEnv maps the workspace's stored credential onto the environment
// variable the provider binary reads.
func (r *Runtime) providerEnv(provider string) []string {
	p, ok := r.ws.Providers[provider]
	if !ok || p.Auth == nil || p.Auth.Value == "" {
		return nil
	}
	switch provider {
	case workspace.ProviderCodex:
		return []string{"OPENAI_API_KEY=" + p.Auth.Value}
	case workspace.ProviderClaude:
		return []string{"ANTHROPIC_API_KEY=" + p.Auth.Value}
	}
	return nil
}

func (r *Runtime) publish(eventType string, data map[string]interface{}) {
	if r.manager.bus == nil {
		return
	}
	data["sessionId"] = r.sess.ID
	ev := bus.NewEvent(eventType, "session-runtime", data)
	if err := r.manager.bus.Publish(r.ctx, eventType, ev); err != nil {
		r.logger.Debug("failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}
