package worktree

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/isolation"
	"github.com/vibe80/vibe80/internal/storage"
)

// scriptedRunner resolves commands against a script keyed by a joined argv
// prefix. Unmatched commands succeed with empty output.
type scriptedRunner struct {
	script map[string]scriptResult
	calls  []string
}

type scriptResult struct {
	stdout string
	code   int
	stderr string
}

func (r *scriptedRunner) lookup(argv []string) scriptResult {
	joined := strings.Join(argv, " ")
	r.calls = append(r.calls, joined)
	for prefix, res := range r.script {
		if strings.HasPrefix(joined, prefix) {
			return res
		}
	}
	return scriptResult{}
}

func (r *scriptedRunner) RunAs(_ context.Context, _ isolation.Identity, argv []string, _ isolation.RunOpts) error {
	res := r.lookup(argv)
	if res.code != 0 {
		return &isolation.RunError{Argv: argv, ExitCode: res.code, Stderr: res.stderr}
	}
	return nil
}

func (r *scriptedRunner) RunAsOutput(_ context.Context, _ isolation.Identity, argv []string, _ isolation.RunOpts) ([]byte, error) {
	res := r.lookup(argv)
	if res.code != 0 {
		return nil, &isolation.RunError{Argv: argv, ExitCode: res.code, Stderr: res.stderr}
	}
	return []byte(res.stdout), nil
}

func (r *scriptedRunner) RunAsOutputWithStatus(_ context.Context, _ isolation.Identity, argv []string, _ isolation.RunOpts) ([]byte, int, error) {
	res := r.lookup(argv)
	return []byte(res.stdout), res.code, nil
}

func (r *scriptedRunner) Command(_ context.Context, _ isolation.Identity, _ []string, _ isolation.RunOpts) (*exec.Cmd, error) {
	panic("not used")
}

func testRepo() Repo {
	return Repo{
		SessionID:    "s000000000000000000000001",
		Identity:     isolation.Identity{WorkspaceID: "default", Home: "/home/ws"},
		RepoDir:      "/home/ws/vibe80/s000000000000000000000001/repository",
		WorktreesDir: "/home/ws/vibe80/s000000000000000000000001/worktrees",
	}
}

func newTestManager(t *testing.T, runner *scriptedRunner) *Manager {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return NewManager(runner, NewStore(storage.NewMemory()), log)
}

func TestParseConflicts(t *testing.T) {
	porcelain := "UU src/main.go\nAA docs/readme.md\n M untouched.go\n?? new.txt\n"
	assert.Equal(t, []string{"src/main.go", "docs/readme.md"}, ParseConflicts(porcelain))
	assert.Empty(t, ParseConflicts(" M only/modified.go\n"))
}

func TestSanitizeBranchName(t *testing.T) {
	assert.Equal(t, "feature-a", sanitizeBranchName("feature a"))
	assert.Equal(t, "fix/issue-42", sanitizeBranchName("fix/issue #42"))
	assert.Equal(t, "worktree", sanitizeBranchName("***"))
	assert.Equal(t, "release-1.2", sanitizeBranchName("-release 1.2-"))
}

func TestCreateSynthesizesBranchName(t *testing.T) {
	runner := &scriptedRunner{script: map[string]scriptResult{
		"git rev-parse HEAD":                    {stdout: "abc123\n"},
		"git rev-parse --verify --quiet refs/": {code: 1},
	}}
	m := newTestManager(t, runner)
	repo := testRepo()

	wt, err := m.Create(context.Background(), repo, CreateOptions{Provider: "codex", Name: "feature-a"})
	require.NoError(t, err)

	assert.Equal(t, "wt-"+wt.ID[:6]+"-feature-a", wt.BranchName)
	assert.Equal(t, StatusCreating, wt.Status)
	assert.Equal(t, repo.WorktreesDir+"/"+wt.ID, wt.Path)
	assert.Len(t, wt.ID, 16)

	stored, err := m.Get(context.Background(), repo.SessionID, wt.ID)
	require.NoError(t, err)
	assert.Equal(t, wt.BranchName, stored.BranchName)

	joined := strings.Join(runner.calls, "\n")
	assert.Contains(t, joined, "git branch "+wt.BranchName+" abc123")
	assert.Contains(t, joined, "git worktree add "+wt.Path+" "+wt.BranchName)
	assert.Contains(t, joined, "git config branch."+wt.BranchName+".remote origin")
}

func TestCreateAdoptsRemoteBranchWithoutParent(t *testing.T) {
	runner := &scriptedRunner{script: map[string]scriptResult{
		"git rev-parse HEAD": {stdout: "abc123\n"},
		"git rev-parse --verify --quiet refs/remotes/origin/feature-a": {code: 0},
		"git rev-parse --verify --quiet refs/heads/":                   {code: 1},
	}}
	m := newTestManager(t, runner)

	wt, err := m.Create(context.Background(), testRepo(), CreateOptions{Provider: "codex", Name: "feature-a"})
	require.NoError(t, err)
	assert.Equal(t, "feature-a", wt.BranchName)
}

func TestCreateFromParentIgnoresRemoteAdoption(t *testing.T) {
	runner := &scriptedRunner{script: map[string]scriptResult{
		"git rev-parse HEAD":                    {stdout: "parent-head\n"},
		"git rev-parse --verify --quiet refs/": {code: 1},
	}}
	m := newTestManager(t, runner)
	repo := testRepo()

	now := time.Now().UTC()
	require.NoError(t, m.Store().Put(context.Background(), &Worktree{
		ID: "main", SessionID: repo.SessionID, Name: "main",
		BranchName: "main", Path: repo.RepoDir, Status: StatusReady,
		CreatedAt: now, LastActivityAt: now,
	}))

	wt, err := m.Create(context.Background(), repo, CreateOptions{
		Provider: "codex", Name: "feature-a", ParentWorktreeID: "main",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(wt.BranchName, "wt-"), "fork must not adopt remote branch name")
	assert.Equal(t, "main", wt.ParentWorktreeID)
}

func TestCreateFailsOnBranchCollision(t *testing.T) {
	runner := &scriptedRunner{script: map[string]scriptResult{
		"git rev-parse HEAD":                          {stdout: "abc123\n"},
		"git rev-parse --verify --quiet refs/heads/": {code: 0},
		"git rev-parse --verify --quiet refs/remotes/": {code: 1},
	}}
	m := newTestManager(t, runner)

	_, err := m.Create(context.Background(), testRepo(), CreateOptions{Provider: "codex", Name: "taken"})
	assert.ErrorIs(t, err, ErrBranchExists)
}

func TestRemoveRefusesMain(t *testing.T) {
	runner := &scriptedRunner{script: map[string]scriptResult{}}
	m := newTestManager(t, runner)
	repo := testRepo()

	now := time.Now().UTC()
	require.NoError(t, m.Store().Put(context.Background(), &Worktree{
		ID: "main", SessionID: repo.SessionID, BranchName: "main",
		Path: repo.RepoDir, Status: StatusReady, CreatedAt: now,
	}))

	assert.ErrorIs(t, m.Remove(context.Background(), repo, "main", true), ErrMainWorktree)
}

func TestMergeReportsConflicts(t *testing.T) {
	repo := testRepo()
	runner := &scriptedRunner{script: map[string]scriptResult{
		"git merge": {code: 1, stderr: "Automatic merge failed"},
		"git status --porcelain": {stdout: "UU src/app.go\nAA shared.go\n M other.go\n"},
	}}
	m := newTestManager(t, runner)

	now := time.Now().UTC()
	for _, wt := range []*Worktree{
		{ID: "aaaaaaaaaaaaaaaa", SessionID: repo.SessionID, BranchName: "wt-aaaaaa-one", Path: repo.WorktreesDir + "/aaaaaaaaaaaaaaaa", Status: StatusReady, CreatedAt: now},
		{ID: "bbbbbbbbbbbbbbbb", SessionID: repo.SessionID, BranchName: "wt-bbbbbb-two", Path: repo.WorktreesDir + "/bbbbbbbbbbbbbbbb", Status: StatusReady, CreatedAt: now},
	} {
		require.NoError(t, m.Store().Put(context.Background(), wt))
	}

	res, err := m.Merge(context.Background(), repo, "aaaaaaaaaaaaaaaa", "bbbbbbbbbbbbbbbb")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, []string{"src/app.go", "shared.go"}, res.Conflicts)
}

func TestMergeRaisesNonConflictFailures(t *testing.T) {
	repo := testRepo()
	runner := &scriptedRunner{script: map[string]scriptResult{
		"git merge":              {code: 128, stderr: "fatal: not a git repository"},
		"git status --porcelain": {stdout: ""},
	}}
	m := newTestManager(t, runner)

	now := time.Now().UTC()
	for _, id := range []string{"aaaaaaaaaaaaaaaa", "bbbbbbbbbbbbbbbb"} {
		require.NoError(t, m.Store().Put(context.Background(), &Worktree{
			ID: id, SessionID: repo.SessionID, BranchName: "wt-" + id[:6],
			Path: repo.WorktreesDir + "/" + id, Status: StatusReady, CreatedAt: now,
		}))
	}

	_, err := m.Merge(context.Background(), repo, "aaaaaaaaaaaaaaaa", "bbbbbbbbbbbbbbbb")
	assert.Error(t, err)
}

func TestDiffRunsStatusAndDiff(t *testing.T) {
	repo := testRepo()
	runner := &scriptedRunner{script: map[string]scriptResult{
		"git status --porcelain": {stdout: " M file.go\n"},
		"git diff":               {stdout: "diff --git a/file.go b/file.go\n"},
	}}
	m := newTestManager(t, runner)

	now := time.Now().UTC()
	require.NoError(t, m.Store().Put(context.Background(), &Worktree{
		ID: "main", SessionID: repo.SessionID, BranchName: "main",
		Path: repo.RepoDir, Status: StatusReady, CreatedAt: now,
	}))

	res, err := m.Diff(context.Background(), repo, "main")
	require.NoError(t, err)
	assert.Equal(t, " M file.go\n", res.Status)
	assert.Contains(t, res.Diff, "diff --git")
}

func TestStoreListOrdersByCreation(t *testing.T) {
	m := newTestManager(t, &scriptedRunner{script: map[string]scriptResult{}})
	repo := testRepo()

	base := time.Now().UTC()
	require.NoError(t, m.Store().Put(context.Background(), &Worktree{
		ID: "cccccccccccccccc", SessionID: repo.SessionID, CreatedAt: base.Add(2 * time.Second),
	}))
	require.NoError(t, m.Store().Put(context.Background(), &Worktree{
		ID: "main", SessionID: repo.SessionID, CreatedAt: base,
	}))
	require.NoError(t, m.Store().Put(context.Background(), &Worktree{
		ID: "dddddddddddddddd", SessionID: repo.SessionID, CreatedAt: base.Add(time.Second),
	}))

	list, err := m.List(context.Background(), repo.SessionID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "main", list[0].ID)
	assert.Equal(t, "dddddddddddddddd", list[1].ID)
	assert.Equal(t, "cccccccccccccccc", list[2].ID)
}
