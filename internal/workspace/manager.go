package workspace

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/common/ids"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/isolation"
	"github.com/vibe80/vibe80/internal/storage"
)

var (
	// ErrNotFound is returned for unknown workspace ids.
	ErrNotFound = errors.New("workspace not found")
	// ErrUIDExhausted is returned when the configured uid range is full.
	ErrUIDExhausted = errors.New("workspace uid range exhausted")
	// ErrBadSecret is returned when secret verification fails.
	ErrBadSecret = errors.New("workspace secret mismatch")
)

// Manager creates and resolves workspaces. In multi-user mode creation
// allocates a uid from the configured range and provisions a POSIX account
// through the root helper; in mono_user mode only the implicit default
// workspace exists, running as the server's own identity.
type Manager struct {
	cfg     config.WorkspaceConfig
	mode    config.DeploymentConfig
	store   storage.Store
	helper  *isolation.Helper
	logger  *logger.Logger
	rootDir string
}

// NewManager builds a workspace manager.
func NewManager(cfg config.WorkspaceConfig, mode config.DeploymentConfig, store storage.Store, helper *isolation.Helper, log *logger.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		mode:    mode,
		store:   store,
		helper:  helper,
		logger:  log,
		rootDir: cfg.RootDirectory,
	}
}

// EnsureDefault creates the implicit default workspace record for mono_user
// deployments if it does not exist yet. Its identity is the server's own.
func (m *Manager) EnsureDefault(ctx context.Context) (*Workspace, error) {
	ws, err := m.Get(ctx, ids.DefaultWorkspaceID)
	if err == nil {
		return ws, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home dir: %w", err)
	}
	now := time.Now().UTC()
	ws = &Workspace{
		ID:        ids.DefaultWorkspaceID,
		UID:       os.Getuid(),
		GID:       os.Getgid(),
		Home:      home,
		Providers: defaultProviders(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.persist(ctx, ws); err != nil {
		return nil, err
	}
	m.logger.Info("default workspace initialized", zap.String("home", home))
	return ws, nil
}

// Create provisions a new workspace: allocates a uid, creates the POSIX
// account via the root helper, and persists the record. The returned secret
// is shown once; only its hash is stored.
func (m *Manager) Create(ctx context.Context) (*Workspace, string, error) {
	if m.mode.MonoUser() {
		return nil, "", fmt.Errorf("workspace creation requires multi-user deployment")
	}

	workspaceID := ids.NewWorkspaceID()
	uid, err := m.allocateUID(ctx)
	if err != nil {
		return nil, "", err
	}

	home, err := m.helper.CreateWorkspaceUser(ctx, workspaceID, uid, uid, m.cfg.HomeBase)
	if err != nil {
		return nil, "", err
	}

	secret, err := newSecret()
	if err != nil {
		return nil, "", err
	}

	now := time.Now().UTC()
	ws := &Workspace{
		ID:         workspaceID,
		UID:        uid,
		GID:        uid,
		Home:       home,
		Providers:  defaultProviders(),
		SecretHash: hashSecret(secret),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.persist(ctx, ws); err != nil {
		// Roll the account back so the uid does not leak an orphan home.
		if rerr := m.helper.RemoveWorkspaceUser(ctx, workspaceID); rerr != nil {
			m.logger.Error("failed to roll back workspace user",
				zap.String("workspace_id", workspaceID), zap.Error(rerr))
		}
		return nil, "", err
	}

	m.logger.Info("workspace created",
		zap.String("workspace_id", workspaceID), zap.Int("uid", uid))
	return ws, secret, nil
}

// Get loads a workspace record.
func (m *Manager) Get(ctx context.Context, workspaceID string) (*Workspace, error) {
	if !ids.ValidWorkspaceID(workspaceID) {
		return nil, ErrNotFound
	}
	raw, ok, err := m.store.Get(ctx, storage.WorkspaceKey(workspaceID))
	if err != nil {
		return nil, fmt.Errorf("load workspace %s: %w", workspaceID, err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	var ws Workspace
	if err := json.Unmarshal([]byte(raw), &ws); err != nil {
		return nil, fmt.Errorf("decode workspace %s: %w", workspaceID, err)
	}
	return &ws, nil
}

// VerifySecret checks a presented secret against the stored hash.
func (m *Manager) VerifySecret(ctx context.Context, workspaceID, secret string) (*Workspace, error) {
	ws, err := m.Get(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	presented := hashSecret(secret)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(ws.SecretHash)) != 1 {
		return nil, ErrBadSecret
	}
	return ws, nil
}

// RotateSecret replaces the workspace secret and returns the new value.
func (m *Manager) RotateSecret(ctx context.Context, workspaceID string) (string, error) {
	ws, err := m.Get(ctx, workspaceID)
	if err != nil {
		return "", err
	}
	secret, err := newSecret()
	if err != nil {
		return "", err
	}
	ws.SecretHash = hashSecret(secret)
	ws.UpdatedAt = time.Now().UTC()
	if err := m.persist(ctx, ws); err != nil {
		return "", err
	}
	return secret, nil
}

// SetProvider updates one provider's configuration.
func (m *Manager) SetProvider(ctx context.Context, workspaceID, name string, cfg ProviderConfig) error {
	ws, err := m.Get(ctx, workspaceID)
	if err != nil {
		return err
	}
	if ws.Providers == nil {
		ws.Providers = make(map[string]ProviderConfig)
	}
	ws.Providers[name] = cfg
	ws.UpdatedAt = time.Now().UTC()
	return m.persist(ctx, ws)
}

// Identity returns the isolation identity for a workspace.
func (m *Manager) Identity(ws *Workspace) isolation.Identity {
	user := isolation.Username(ws.ID)
	if ws.ID == ids.DefaultWorkspaceID {
		user = os.Getenv("USER")
	}
	return isolation.Identity{
		WorkspaceID: ws.ID,
		UID:         ws.UID,
		GID:         ws.GID,
		User:        user,
		Home:        ws.Home,
	}
}

// SessionsRoot returns the directory holding this workspace's session dirs.
func (m *Manager) SessionsRoot(ws *Workspace) string {
	return filepath.Join(ws.Home, m.rootDir)
}

func (m *Manager) allocateUID(ctx context.Context) (int, error) {
	n, err := m.store.Incr(ctx, storage.WorkspaceUIDSeqKey)
	if err != nil {
		return 0, fmt.Errorf("allocate uid: %w", err)
	}
	uid := m.cfg.UIDMin + int(n) - 1
	if uid > m.cfg.UIDMax {
		return 0, ErrUIDExhausted
	}
	return uid, nil
}

func (m *Manager) persist(ctx context.Context, ws *Workspace) error {
	raw, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("encode workspace %s: %w", ws.ID, err)
	}
	if err := m.store.Set(ctx, storage.WorkspaceKey(ws.ID), string(raw)); err != nil {
		return fmt.Errorf("persist workspace %s: %w", ws.ID, err)
	}
	if err := m.store.HSet(ctx, storage.WorkspacesIndexKey, ws.ID, "1"); err != nil {
		return fmt.Errorf("index workspace %s: %w", ws.ID, err)
	}
	return nil
}

func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
