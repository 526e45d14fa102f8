package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibe80/vibe80/internal/agent"
	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/common/ids"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/isolation"
	"github.com/vibe80/vibe80/internal/messagelog"
	"github.com/vibe80/vibe80/internal/storage"
	"github.com/vibe80/vibe80/internal/workspace"
	"github.com/vibe80/vibe80/internal/worktree"
)

// testHarness builds a manager on the in-memory store with a mono-user
// runner and a temp-dir workspace home, without live agents.
func testHarness(t *testing.T, idleTTLSeconds, maxTTLSeconds int) (*Manager, storage.Store, *workspace.Workspace) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	store := storage.NewMemory()
	cfg := &config.Config{
		Deployment: config.DeploymentConfig{Mode: config.DeploymentMonoUser},
		Workspace:  config.WorkspaceConfig{RootDirectory: "vibe80"},
		Session: config.SessionConfig{
			IdleTTLSeconds: idleTTLSeconds,
			MaxTTLSeconds:  maxTTLSeconds,
			GCIntervalMS:   250,
		},
		Git:   config.GitConfig{DefaultAuthorName: "tester", DefaultAuthorEmail: "tester@example.invalid"},
		Agent: config.AgentConfig{CodexBin: "codex", ClaudeBin: "claude"},
		Diff:  config.DiffConfig{DebounceMS: 50},
	}

	home := t.TempDir()
	ws := &workspace.Workspace{
		ID:   ids.DefaultWorkspaceID,
		UID:  os.Getuid(),
		GID:  os.Getgid(),
		Home: home,
		Providers: map[string]workspace.ProviderConfig{
			workspace.ProviderCodex: {Enabled: true},
		},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(ws)
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), storage.WorkspaceKey(ws.ID), string(raw)))

	run := isolation.NewRunner(false, log)
	workspaces := workspace.NewManager(cfg.Workspace, cfg.Deployment, store, nil, log)
	worktrees := worktree.NewManager(run, worktree.NewStore(store), log)
	msglog := messagelog.New(store, log)
	agents := agent.NewFactory(cfg.Agent, run, log)

	m := NewManager(cfg, store, workspaces, run, worktrees, msglog, agents, nil, nil, log)
	return m, store, ws
}

// seedSession persists a session record with its main worktree and creates
// the on-disk layout, bypassing the clone.
func seedSession(t *testing.T, m *Manager, ws *workspace.Workspace, createdAt, lastActivityAt time.Time) *Session {
	t.Helper()
	ctx := context.Background()

	sessionID := ids.NewSessionID()
	root := m.workspaces.SessionsRoot(ws)
	sess := &Session{
		ID:             sessionID,
		WorkspaceID:    ws.ID,
		RepoURL:        "https://example.invalid/repo.git",
		Dir:            filepath.Join(root, sessionID),
		ActiveProvider: workspace.ProviderCodex,
		CreatedAt:      createdAt,
		LastActivityAt: lastActivityAt,
	}
	sess.RepoDir = filepath.Join(sess.Dir, "repository")
	sess.AttachmentsDir = filepath.Join(sess.Dir, "attachments")
	sess.TmpDir = filepath.Join(sess.Dir, "tmp")
	sess.GitDir = filepath.Join(sess.Dir, "git")

	for _, dir := range []string{sess.RepoDir, sess.AttachmentsDir, sess.TmpDir, sess.GitDir} {
		require.NoError(t, os.MkdirAll(dir, 0o750))
	}
	require.NoError(t, m.persist(ctx, sess))

	main := &worktree.Worktree{
		ID:         ids.MainWorktreeID,
		SessionID:  sessionID,
		Name:       "main",
		BranchName: "main",
		Path:       sess.RepoDir,
		Provider:   workspace.ProviderCodex,
		Status:     worktree.StatusReady,
		CreatedAt:  createdAt,
	}
	require.NoError(t, m.worktrees.Store().Put(ctx, main))
	return sess
}

func TestGetScopesByWorkspace(t *testing.T) {
	m, _, ws := testHarness(t, 0, 0)
	now := time.Now().UTC()
	sess := seedSession(t, m, ws, now, now)
	ctx := context.Background()

	got, err := m.Get(ctx, sess.ID, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	// Another tenant sees not-found, never a permission error, so nothing
	// about the session leaks.
	_, err = m.Get(ctx, sess.ID, "w000000000000000000000bad")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.Get(ctx, "s00000000000000000000dead", ws.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.Get(ctx, "not-a-session-id", ws.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateRequiresRepoURL(t *testing.T) {
	m, _, ws := testHarness(t, 0, 0)
	_, err := m.Create(context.Background(), ws, CreateParams{})
	assert.ErrorIs(t, err, ErrRepoURLRequired)
}

func TestCreateRejectsWorkspaceWithoutProviders(t *testing.T) {
	m, _, ws := testHarness(t, 0, 0)
	ws.Providers = map[string]workspace.ProviderConfig{}
	_, err := m.Create(context.Background(), ws, CreateParams{RepoURL: "https://example.invalid/repo.git"})
	assert.ErrorIs(t, err, ErrProviderInvalid)
}

func TestSweepReclaimsIdleSession(t *testing.T) {
	m, _, ws := testHarness(t, 1, 0)
	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour)
	sess := seedSession(t, m, ws, old, old)

	m.Sweep(ctx)

	_, err := m.Get(ctx, sess.ID, "")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = os.Stat(sess.Dir)
	assert.True(t, os.IsNotExist(err), "session dir must be removed")

	index, err := m.store.HGetAll(ctx, storage.SessionsIndexKey)
	require.NoError(t, err)
	assert.NotContains(t, index, sess.ID)
}

func TestSweepKeepsActiveSession(t *testing.T) {
	m, _, ws := testHarness(t, 3600, 0)
	ctx := context.Background()
	now := time.Now().UTC()
	sess := seedSession(t, m, ws, now, now)

	m.Sweep(ctx)

	_, err := m.Get(ctx, sess.ID, "")
	assert.NoError(t, err)
	_, err = os.Stat(sess.Dir)
	assert.NoError(t, err)
}

func TestSweepEnforcesMaxTTLDespiteActivity(t *testing.T) {
	m, _, ws := testHarness(t, 0, 1)
	ctx := context.Background()
	sess := seedSession(t, m, ws,
		time.Now().UTC().Add(-time.Hour), // created long ago
		time.Now().UTC())                 // but recently active

	m.Sweep(ctx)

	_, err := m.Get(ctx, sess.ID, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSweepDisabledTTLsReclaimNothing(t *testing.T) {
	m, _, ws := testHarness(t, 0, 0)
	ctx := context.Background()
	old := time.Now().UTC().Add(-24 * time.Hour)
	sess := seedSession(t, m, ws, old, old)

	m.Sweep(ctx)

	_, err := m.Get(ctx, sess.ID, "")
	assert.NoError(t, err)
}

func TestReclaimDeletesMessageScopes(t *testing.T) {
	m, _, ws := testHarness(t, 1, 0)
	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour)
	sess := seedSession(t, m, ws, old, old)

	_, err := m.log.Append(ctx, sess.ID, ids.MainWorktreeID, messagelog.NewUserMessage("hello", nil))
	require.NoError(t, err)
	count, err := m.log.Count(ctx, sess.ID, ids.MainWorktreeID)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	m.Sweep(ctx)

	count, err = m.log.Count(ctx, sess.ID, ids.MainWorktreeID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestTouchAdvancesActivity(t *testing.T) {
	m, _, ws := testHarness(t, 0, 0)
	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour)
	sess := seedSession(t, m, ws, old, old)

	m.Touch(ctx, sess.ID)

	got, err := m.Get(ctx, sess.ID, "")
	require.NoError(t, err)
	assert.True(t, got.LastActivityAt.After(old))
}

func TestListOrdersNewestFirst(t *testing.T) {
	m, _, ws := testHarness(t, 0, 0)
	ctx := context.Background()
	now := time.Now().UTC()
	older := seedSession(t, m, ws, now.Add(-time.Hour), now)
	newer := seedSession(t, m, ws, now, now)

	sessions, err := m.List(ctx, ws.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, newer.ID, sessions[0].ID)
	assert.Equal(t, older.ID, sessions[1].ID)
}

func TestReconcileClearsTransientState(t *testing.T) {
	m, _, ws := testHarness(t, 0, 0)
	ctx := context.Background()
	now := time.Now().UTC()
	sess := seedSession(t, m, ws, now, now)

	sess.AppServerReady = true
	require.NoError(t, m.persist(ctx, sess))
	_, err := m.worktrees.SetStatus(ctx, sess.ID, ids.MainWorktreeID, worktree.StatusProcessing)
	require.NoError(t, err)

	require.NoError(t, m.Reconcile(ctx))

	got, err := m.Get(ctx, sess.ID, "")
	require.NoError(t, err)
	assert.False(t, got.AppServerReady)

	main, err := m.worktrees.Get(ctx, sess.ID, ids.MainWorktreeID)
	require.NoError(t, err)
	assert.Equal(t, worktree.StatusReady, main.Status)
}

func TestReconcileDropsOrphanedRecords(t *testing.T) {
	m, _, ws := testHarness(t, 0, 0)
	ctx := context.Background()
	now := time.Now().UTC()
	sess := seedSession(t, m, ws, now, now)

	require.NoError(t, os.RemoveAll(sess.Dir))
	require.NoError(t, m.Reconcile(ctx))

	_, err := m.Get(ctx, sess.ID, "")
	assert.ErrorIs(t, err, ErrNotFound)
}
