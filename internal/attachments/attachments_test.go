package attachments

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/isolation"
	"github.com/vibe80/vibe80/internal/storage"
)

func testManager(t *testing.T, maxBytes int64) (*Manager, isolation.Identity, string) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	home := t.TempDir()
	id := isolation.Identity{
		WorkspaceID: "default",
		UID:         os.Getuid(),
		GID:         os.Getgid(),
		Home:        home,
	}
	dir := filepath.Join(home, "attachments")
	require.NoError(t, os.MkdirAll(dir, 0o750))

	m := NewManager(isolation.NewRunner(false, log), storage.NewMemory(), maxBytes, log)
	return m, id, dir
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "notes.txt", SanitizeFilename("notes.txt"))
	assert.Equal(t, "passwd", SanitizeFilename("../../etc/passwd"))
	assert.Equal(t, "evil.sh", SanitizeFilename("..\\..\\evil.sh"))
	assert.Equal(t, "ab.txt", SanitizeFilename("a\x00b.txt"))
	assert.True(t, strings.HasPrefix(SanitizeFilename("..."), "upload-"))
}

func TestSaveAndList(t *testing.T) {
	m, id, dir := testManager(t, 1024)
	ctx := context.Background()
	sessionID := "s000000000000000000000001"

	att, err := m.Save(ctx, id, sessionID, dir, "report.txt", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, "report.txt", att.Name)
	assert.Equal(t, int64(5), att.Size)

	data, err := os.ReadFile(att.Path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	list, err := m.List(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, att.ID, list[0].ID)

	got, ok, err := m.Get(ctx, sessionID, att.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, att.Name, got.Name)
}

func TestSaveDeduplicatesNames(t *testing.T) {
	m, id, dir := testManager(t, 1024)
	ctx := context.Background()
	sessionID := "s000000000000000000000001"

	first, err := m.Save(ctx, id, sessionID, dir, "img.png", strings.NewReader("a"))
	require.NoError(t, err)
	second, err := m.Save(ctx, id, sessionID, dir, "img.png", strings.NewReader("b"))
	require.NoError(t, err)
	third, err := m.Save(ctx, id, sessionID, dir, "img.png", strings.NewReader("c"))
	require.NoError(t, err)

	assert.Equal(t, "img.png", first.Name)
	assert.Equal(t, "img-1.png", second.Name)
	assert.Equal(t, "img-2.png", third.Name)
}

func TestSaveEnforcesSizeLimit(t *testing.T) {
	m, id, dir := testManager(t, 4)
	_, err := m.Save(context.Background(), id, "s000000000000000000000001", dir, "big.bin", strings.NewReader("too large"))
	assert.ErrorIs(t, err, ErrTooLarge)
}
