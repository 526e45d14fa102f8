package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/agent"
	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/common/ids"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/events"
	"github.com/vibe80/vibe80/internal/events/bus"
	"github.com/vibe80/vibe80/internal/isolation"
	"github.com/vibe80/vibe80/internal/messagelog"
	"github.com/vibe80/vibe80/internal/metrics"
	"github.com/vibe80/vibe80/internal/storage"
	"github.com/vibe80/vibe80/internal/workspace"
	"github.com/vibe80/vibe80/internal/worktree"
)

var (
	// ErrNotFound is returned for unknown or out-of-scope session ids.
	ErrNotFound = errors.New("session not found")
	// ErrRepoURLRequired is returned when creation lacks a repository URL.
	ErrRepoURLRequired = errors.New("repoUrl is required")
	// ErrProviderInvalid is returned when no usable provider is enabled.
	ErrProviderInvalid = errors.New("invalid provider")
	// ErrIDCollision is returned when id allocation keeps colliding.
	ErrIDCollision = errors.New("session id allocation failed")
)

// idAllocRetries bounds session id allocation attempts.
const idAllocRetries = 5

// Manager owns session lifecycle and the registry of live runtimes.
type Manager struct {
	cfg        *config.Config
	store      storage.Store
	workspaces *workspace.Manager
	runner     isolation.Runner
	fs         *isolation.FS
	worktrees  *worktree.Manager
	log        *messagelog.Log
	agents     *agent.Factory
	cloner     *cloner
	bus        bus.EventBus
	metrics    *metrics.Metrics
	logger     *logger.Logger

	mu       sync.Mutex
	runtimes map[string]*Runtime
}

// NewManager wires the session manager. metrics may be nil.
func NewManager(
	cfg *config.Config,
	store storage.Store,
	workspaces *workspace.Manager,
	runner isolation.Runner,
	worktrees *worktree.Manager,
	log *messagelog.Log,
	agents *agent.Factory,
	b bus.EventBus,
	m *metrics.Metrics,
	lg *logger.Logger,
) *Manager {
	return &Manager{
		cfg:        cfg,
		store:      store,
		workspaces: workspaces,
		runner:     runner,
		fs:         isolation.NewFS(runner),
		worktrees:  worktrees,
		log:        log,
		agents:     agents,
		cloner:     newCloner(runner, cfg.Git, lg),
		bus:        b,
		metrics:    m,
		logger:     lg,
		runtimes:   make(map[string]*Runtime),
	}
}

// Create clones the repository and provisions a fresh session with its main
// worktree and agent. Partial state is rolled back on any failure.
func (m *Manager) Create(ctx context.Context, ws *workspace.Workspace, params CreateParams) (*Session, error) {
	if params.RepoURL == "" {
		return nil, ErrRepoURLRequired
	}
	provider, ok := ws.DefaultProvider()
	if !ok {
		return nil, ErrProviderInvalid
	}

	sessionID, err := m.allocateID(ctx)
	if err != nil {
		return nil, err
	}

	identity := m.workspaces.Identity(ws)
	root := m.workspaces.SessionsRoot(ws)
	now := time.Now().UTC()

	sess := &Session{
		ID:                              sessionID,
		WorkspaceID:                     ws.ID,
		Name:                            params.Name,
		RepoURL:                         params.RepoURL,
		Dir:                             filepath.Join(root, sessionID),
		ActiveProvider:                  provider,
		DefaultInternetAccess:           params.DefaultInternetAccess,
		DefaultDenyGitCredentialsAccess: params.DefaultDenyGitCredentialsAccess,
		CreatedAt:                       now,
		LastActivityAt:                  now,
	}
	sess.RepoDir = filepath.Join(sess.Dir, "repository")
	sess.AttachmentsDir = filepath.Join(sess.Dir, "attachments")
	sess.TmpDir = filepath.Join(sess.Dir, "tmp")
	sess.GitDir = filepath.Join(sess.Dir, "git")

	rollback := func(cause error) error {
		m.logger.WithSessionID(sessionID).Warn("rolling back session creation", zap.Error(cause))
		if err := m.fs.RemoveTree(ctx, identity, sess.Dir); err != nil {
			m.logger.Error("rollback: failed to remove session dir", zap.Error(err))
		}
		if err := m.deleteRecords(ctx, sess); err != nil {
			m.logger.Error("rollback: failed to delete session records", zap.Error(err))
		}
		return cause
	}

	if err := m.fs.EnsureDir(ctx, identity, root, "2750"); err != nil {
		return nil, err
	}
	for _, dir := range []string{sess.Dir, sess.AttachmentsDir, sess.TmpDir, sess.GitDir, sess.WorktreesDir()} {
		if err := m.fs.EnsureDir(ctx, identity, dir, "2750"); err != nil {
			return nil, rollback(err)
		}
	}

	if err := m.cloner.Clone(ctx, identity, sess, params); err != nil {
		return nil, rollback(err)
	}

	if err := m.persist(ctx, sess); err != nil {
		return nil, rollback(err)
	}

	repo := m.repo(sess, identity)
	if _, err := m.worktrees.EnsureMain(ctx, repo, provider); err != nil {
		return nil, rollback(err)
	}

	if _, err := m.startRuntime(ctx, ws, sess); err != nil {
		return nil, rollback(err)
	}

	m.publish(ctx, events.SessionCreated, sess)
	if m.metrics != nil {
		m.metrics.SessionsActive.Inc()
	}
	m.logger.WithSessionID(sessionID).Info("session created",
		zap.String("workspace_id", ws.ID), zap.String("provider", provider))
	return sess, nil
}

// Get loads a session. A non-empty workspaceID scopes the lookup; sessions
// of other workspaces surface as not-found so nothing leaks across tenants.
func (m *Manager) Get(ctx context.Context, sessionID, workspaceID string) (*Session, error) {
	if !ids.ValidSessionID(sessionID) {
		return nil, ErrNotFound
	}
	raw, ok, err := m.store.Get(ctx, storage.SessionKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	if workspaceID != "" && sess.WorkspaceID != workspaceID {
		return nil, ErrNotFound
	}
	return &sess, nil
}

// Touch advances the session's activity stamp.
func (m *Manager) Touch(ctx context.Context, sessionID string) {
	sess, err := m.Get(ctx, sessionID, "")
	if err != nil {
		return
	}
	sess.LastActivityAt = time.Now().UTC()
	if err := m.persist(ctx, sess); err != nil {
		m.logger.Warn("failed to touch session", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	m.publish(ctx, events.SessionActivity, sess)
}

// List returns the workspace's sessions, newest first.
func (m *Manager) List(ctx context.Context, workspaceID string) ([]*Session, error) {
	entries, err := m.store.HGetAll(ctx, storage.WorkspaceSessionsKey(workspaceID))
	if err != nil {
		return nil, err
	}
	out := make([]*Session, 0, len(entries))
	for sessionID := range entries {
		sess, err := m.Get(ctx, sessionID, workspaceID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.After(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

// Reconnect loads the session and ensures its runtime is live, restarting
// agents for every open worktree if the engine restarted meanwhile.
func (m *Manager) Reconnect(ctx context.Context, sessionID, workspaceID string) (*Session, *Runtime, error) {
	sess, err := m.Get(ctx, sessionID, workspaceID)
	if err != nil {
		return nil, nil, err
	}
	rt, err := m.Runtime(ctx, sess)
	if err != nil {
		return nil, nil, err
	}
	m.Touch(ctx, sessionID)
	m.publish(ctx, events.SessionResumed, sess)
	return sess, rt, nil
}

// Runtime returns the live runtime for a session, starting one when absent.
func (m *Manager) Runtime(ctx context.Context, sess *Session) (*Runtime, error) {
	m.mu.Lock()
	if rt, ok := m.runtimes[sess.ID]; ok {
		m.mu.Unlock()
		return rt, nil
	}
	m.mu.Unlock()

	ws, err := m.workspaces.Get(ctx, sess.WorkspaceID)
	if err != nil {
		return nil, err
	}
	return m.startRuntime(ctx, ws, sess)
}

// startRuntime builds and registers the runtime, spawning agents for every
// non-closed worktree.
func (m *Manager) startRuntime(ctx context.Context, ws *workspace.Workspace, sess *Session) (*Runtime, error) {
	m.mu.Lock()
	if rt, ok := m.runtimes[sess.ID]; ok {
		m.mu.Unlock()
		return rt, nil
	}
	rt := newRuntime(m, ws, sess)
	m.runtimes[sess.ID] = rt
	m.mu.Unlock()

	if err := rt.start(ctx); err != nil {
		m.dropRuntime(sess.ID)
		return nil, err
	}
	return rt, nil
}

func (m *Manager) dropRuntime(sessionID string) {
	m.mu.Lock()
	delete(m.runtimes, sessionID)
	m.mu.Unlock()
}

// Close explicitly reclaims a session.
func (m *Manager) Close(ctx context.Context, sess *Session) error {
	return m.reclaim(ctx, sess, events.SessionClosed)
}

// Shutdown stops every live runtime without touching persisted state, so
// sessions survive a process restart. Used on graceful server shutdown.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	rts := make([]*Runtime, 0, len(m.runtimes))
	for _, rt := range m.runtimes {
		rts = append(rts, rt)
	}
	m.runtimes = make(map[string]*Runtime)
	m.mu.Unlock()

	for _, rt := range rts {
		rt.shutdown(ctx)
	}
}

// reclaim tears a session down: runtime (agents and subscribers), worktree
// records, on-disk state, persisted records.
func (m *Manager) reclaim(ctx context.Context, sess *Session, eventType string) error {
	m.mu.Lock()
	rt := m.runtimes[sess.ID]
	delete(m.runtimes, sess.ID)
	m.mu.Unlock()
	if rt != nil {
		rt.shutdown(ctx)
	}

	ws, err := m.workspaces.Get(ctx, sess.WorkspaceID)
	if err != nil {
		return err
	}
	identity := m.workspaces.Identity(ws)

	if err := m.fs.RemoveTree(ctx, identity, sess.Dir); err != nil {
		m.logger.Warn("failed to remove session dir",
			zap.String("session_id", sess.ID), zap.Error(err))
	}
	if err := m.deleteRecords(ctx, sess); err != nil {
		return err
	}

	m.publish(ctx, eventType, sess)
	if m.metrics != nil {
		m.metrics.SessionsActive.Dec()
	}
	m.logger.WithSessionID(sess.ID).Info("session reclaimed", zap.String("event", eventType))
	return nil
}

// Reconcile runs once at startup: drops sessions whose on-disk state is
// gone and clears transient flags on the survivors. In-flight turns from a
// previous process are gone; worktrees stuck in processing become ready.
func (m *Manager) Reconcile(ctx context.Context) error {
	index, err := m.store.HGetAll(ctx, storage.SessionsIndexKey)
	if err != nil {
		return err
	}
	for sessionID := range index {
		sess, err := m.Get(ctx, sessionID, "")
		if errors.Is(err, ErrNotFound) {
			_ = m.store.HDel(ctx, storage.SessionsIndexKey, sessionID)
			continue
		}
		if err != nil {
			return err
		}

		ws, err := m.workspaces.Get(ctx, sess.WorkspaceID)
		if err != nil {
			m.logger.Warn("reconcile: orphaned session, removing records",
				zap.String("session_id", sessionID), zap.Error(err))
			_ = m.deleteRecords(ctx, sess)
			continue
		}
		identity := m.workspaces.Identity(ws)

		exists, err := m.fs.Exists(ctx, identity, sess.RepoDir)
		if err == nil && !exists {
			m.logger.Warn("reconcile: session dir missing, removing records",
				zap.String("session_id", sessionID))
			_ = m.deleteRecords(ctx, sess)
			continue
		}

		if sess.AppServerReady {
			sess.AppServerReady = false
			if err := m.persist(ctx, sess); err != nil {
				return err
			}
		}
		wts, err := m.worktrees.List(ctx, sessionID)
		if err != nil {
			return err
		}
		for _, wt := range wts {
			if wt.Status == worktree.StatusProcessing || wt.Status == worktree.StatusCreating {
				if _, err := m.worktrees.SetStatus(ctx, sessionID, wt.ID, worktree.StatusReady); err != nil {
					return err
				}
			}
		}
	}
	m.removeOrphanDirs(ctx, index)
	return nil
}

// removeOrphanDirs deletes on-disk session directories that have no
// persisted record, sweeping each workspace's sessions root. Best effort:
// a workspace whose root cannot be listed is skipped.
func (m *Manager) removeOrphanDirs(ctx context.Context, index map[string]string) {
	wsIndex, err := m.store.HGetAll(ctx, storage.WorkspacesIndexKey)
	if err != nil {
		m.logger.Warn("reconcile: failed to list workspaces", zap.Error(err))
		return
	}
	for workspaceID := range wsIndex {
		ws, err := m.workspaces.Get(ctx, workspaceID)
		if err != nil {
			continue
		}
		identity := m.workspaces.Identity(ws)
		root := m.workspaces.SessionsRoot(ws)
		entries, err := m.fs.ListEntries(ctx, identity, root)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.Type != "d" || !ids.ValidSessionID(entry.Name) {
				continue
			}
			if _, known := index[entry.Name]; known {
				continue
			}
			m.logger.Warn("reconcile: removing orphaned session dir",
				zap.String("workspace_id", workspaceID), zap.String("session_id", entry.Name))
			if err := m.fs.RemoveTree(ctx, identity, filepath.Join(root, entry.Name)); err != nil {
				m.logger.Warn("reconcile: failed to remove orphaned dir", zap.Error(err))
			}
		}
	}
}

func (m *Manager) repo(sess *Session, identity isolation.Identity) worktree.Repo {
	return worktree.Repo{
		SessionID:    sess.ID,
		Identity:     identity,
		RepoDir:      sess.RepoDir,
		WorktreesDir: sess.WorktreesDir(),
	}
}

func (m *Manager) allocateID(ctx context.Context) (string, error) {
	for i := 0; i < idAllocRetries; i++ {
		id := ids.NewSessionID()
		_, ok, err := m.store.Get(ctx, storage.SessionKey(id))
		if err != nil {
			return "", err
		}
		if !ok {
			return id, nil
		}
	}
	return "", ErrIDCollision
}

func (m *Manager) persist(ctx context.Context, sess *Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}
	if err := m.store.Set(ctx, storage.SessionKey(sess.ID), string(raw)); err != nil {
		return fmt.Errorf("persist session %s: %w", sess.ID, err)
	}
	if err := m.store.HSet(ctx, storage.SessionsIndexKey, sess.ID, sess.WorkspaceID); err != nil {
		return err
	}
	return m.store.HSet(ctx, storage.WorkspaceSessionsKey(sess.WorkspaceID), sess.ID, "1")
}

func (m *Manager) deleteRecords(ctx context.Context, sess *Session) error {
	wts, err := m.worktrees.List(ctx, sess.ID)
	if err == nil {
		for _, wt := range wts {
			scope := storage.MessageScope(sess.ID, wt.ID)
			if err := m.store.Delete(ctx, storage.MessageLogKeys(scope)...); err != nil {
				m.logger.Warn("failed to delete message scope", zap.String("scope", scope), zap.Error(err))
			}
		}
	}
	if err := m.store.Delete(ctx, storage.SessionKeys(sess.ID)...); err != nil {
		return err
	}
	if err := m.store.HDel(ctx, storage.SessionsIndexKey, sess.ID); err != nil {
		return err
	}
	return m.store.HDel(ctx, storage.WorkspaceSessionsKey(sess.WorkspaceID), sess.ID)
}

func (m *Manager) publish(ctx context.Context, eventType string, sess *Session) {
	if m.bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, "session-manager", map[string]interface{}{
		"sessionId":   sess.ID,
		"workspaceId": sess.WorkspaceID,
	})
	if err := m.bus.Publish(ctx, eventType, ev); err != nil {
		m.logger.Debug("failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}
