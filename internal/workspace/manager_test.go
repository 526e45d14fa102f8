package workspace

import (
	"context"
	"errors"
	"testing"

	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/common/ids"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/storage"
)

func newTestManager(t *testing.T) (*Manager, *storage.MemoryStore) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	store := storage.NewMemory()
	cfg := config.WorkspaceConfig{
		HomeBase:      t.TempDir(),
		RootDirectory: "vibe80",
		UIDMin:        2000,
		UIDMax:        2002,
	}
	mode := config.DeploymentConfig{Mode: config.DeploymentMonoUser}
	return NewManager(cfg, mode, store, nil, log), store
}

func TestEnsureDefault(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	ws, err := m.EnsureDefault(ctx)
	if err != nil {
		t.Fatalf("ensure default: %v", err)
	}
	if ws.ID != ids.DefaultWorkspaceID {
		t.Errorf("expected default id, got %s", ws.ID)
	}
	if len(ws.EnabledProviders()) == 0 {
		t.Error("expected providers enabled by default")
	}

	again, err := m.EnsureDefault(ctx)
	if err != nil {
		t.Fatalf("ensure default twice: %v", err)
	}
	if !again.CreatedAt.Equal(ws.CreatedAt) {
		t.Error("expected second EnsureDefault to load the existing record")
	}
}

func TestGet_Unknown(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Get(context.Background(), "w000000000000000000000000"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := m.Get(context.Background(), "not-an-id"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for malformed id, got %v", err)
	}
}

func TestVerifyAndRotateSecret(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	ws, err := m.EnsureDefault(ctx)
	if err != nil {
		t.Fatalf("ensure default: %v", err)
	}

	secret, err := m.RotateSecret(ctx, ws.ID)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}

	got, err := m.VerifySecret(ctx, ws.ID, secret)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.ID != ws.ID {
		t.Errorf("expected workspace %s, got %s", ws.ID, got.ID)
	}

	if _, err := m.VerifySecret(ctx, ws.ID, "wrong"); !errors.Is(err, ErrBadSecret) {
		t.Errorf("expected ErrBadSecret, got %v", err)
	}

	rotated, err := m.RotateSecret(ctx, ws.ID)
	if err != nil {
		t.Fatalf("rotate again: %v", err)
	}
	if _, err := m.VerifySecret(ctx, ws.ID, secret); !errors.Is(err, ErrBadSecret) {
		t.Error("expected old secret rejected after rotation")
	}
	if _, err := m.VerifySecret(ctx, ws.ID, rotated); err != nil {
		t.Errorf("expected new secret accepted, got %v", err)
	}
}

func TestAllocateUID_Range(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for want := 2000; want <= 2002; want++ {
		uid, err := m.allocateUID(ctx)
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		if uid != want {
			t.Errorf("expected uid %d, got %d", want, uid)
		}
	}
	if _, err := m.allocateUID(ctx); !errors.Is(err, ErrUIDExhausted) {
		t.Errorf("expected ErrUIDExhausted, got %v", err)
	}
}

func TestSetProvider(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	ws, _ := m.EnsureDefault(ctx)
	if err := m.SetProvider(ctx, ws.ID, ProviderClaude, ProviderConfig{Enabled: false}); err != nil {
		t.Fatalf("set provider: %v", err)
	}

	got, _ := m.Get(ctx, ws.ID)
	if got.ProviderEnabled(ProviderClaude) {
		t.Error("expected claude disabled")
	}
	if name, ok := got.DefaultProvider(); !ok || name != ProviderCodex {
		t.Errorf("expected codex default, got %s ok=%v", name, ok)
	}
}
