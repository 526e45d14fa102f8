package isolation

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/vibe80/vibe80/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func newTestIdentity(t *testing.T) Identity {
	t.Helper()
	return Identity{
		WorkspaceID: "default",
		UID:         os.Getuid(),
		GID:         os.Getgid(),
		Home:        t.TempDir(),
	}
}

func TestEnsureWithin(t *testing.T) {
	id := Identity{WorkspaceID: "default", Home: "/home/ws"}

	ok := []string{
		"/home/ws",
		"/home/ws/sessions/s1",
		"/home/ws/a/../b", // cleans to /home/ws/b
	}
	for _, p := range ok {
		if err := EnsureWithin(id, p); err != nil {
			t.Errorf("expected %q accepted, got %v", p, err)
		}
	}

	bad := []string{
		"/home/other",
		"/home/ws2/evil",
		"/home/ws/../other",
		"relative/path",
		"/",
	}
	for _, p := range bad {
		err := EnsureWithin(id, p)
		if !errors.Is(err, ErrOutsideRoot) {
			t.Errorf("expected %q rejected with ErrOutsideRoot, got %v", p, err)
		}
	}
}

func TestRunAs_ExitCodes(t *testing.T) {
	ctx := context.Background()
	r := NewRunner(false, newTestLogger(t))
	id := newTestIdentity(t)

	if err := r.RunAs(ctx, id, []string{"true"}, RunOpts{}); err != nil {
		t.Fatalf("true failed: %v", err)
	}

	err := r.RunAs(ctx, id, []string{"sh", "-c", "echo boom >&2; exit 3"}, RunOpts{})
	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("expected RunError, got %v", err)
	}
	if runErr.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", runErr.ExitCode)
	}
	if got := runErr.Stderr; !bytes.Contains([]byte(got), []byte("boom")) {
		t.Errorf("expected stderr to contain boom, got %q", got)
	}

	out, code, err := r.RunAsOutputWithStatus(ctx, id, []string{"sh", "-c", "echo hi; exit 5"}, RunOpts{})
	if err != nil {
		t.Fatalf("with status: %v", err)
	}
	if code != 5 {
		t.Errorf("expected exit code 5, got %d", code)
	}
	if string(bytes.TrimSpace(out)) != "hi" {
		t.Errorf("expected stdout hi, got %q", out)
	}
}

func TestRunAs_Stdin(t *testing.T) {
	ctx := context.Background()
	r := NewRunner(false, newTestLogger(t))
	id := newTestIdentity(t)

	out, err := r.RunAsOutput(ctx, id, []string{"cat"}, RunOpts{Input: []byte("piped")})
	if err != nil {
		t.Fatalf("cat: %v", err)
	}
	if string(out) != "piped" {
		t.Errorf("expected piped, got %q", out)
	}
}

func TestRunAs_EmptyArgv(t *testing.T) {
	r := NewRunner(false, newTestLogger(t))
	if err := r.RunAs(context.Background(), newTestIdentity(t), nil, RunOpts{}); !errors.Is(err, ErrEmptyArgv) {
		t.Errorf("expected ErrEmptyArgv, got %v", err)
	}
}

func TestFS_FileLifecycle(t *testing.T) {
	ctx := context.Background()
	fs := NewFS(NewRunner(false, newTestLogger(t)))
	id := newTestIdentity(t)

	dir := filepath.Join(id.Home, "sessions", "s1")
	if err := fs.EnsureDir(ctx, id, dir, "2750"); err != nil {
		t.Fatalf("ensure dir: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o750 {
		t.Errorf("expected mode 0750, got %o", info.Mode().Perm())
	}
	if info.Mode()&os.ModeSetgid == 0 {
		t.Error("expected setgid bit")
	}

	file := filepath.Join(dir, "key")
	if err := fs.WriteFile(ctx, id, file, []byte("secret"), "0600"); err != nil {
		t.Fatalf("write: %v", err)
	}
	finfo, _ := os.Stat(file)
	if finfo.Mode().Perm() != 0o600 {
		t.Errorf("expected mode 0600, got %o", finfo.Mode().Perm())
	}

	if err := fs.AppendFile(ctx, id, file, []byte("-more")); err != nil {
		t.Fatalf("append: %v", err)
	}
	data, truncated, err := fs.ReadFileBuffer(ctx, id, file, 1024)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if truncated {
		t.Error("unexpected truncation")
	}
	if string(data) != "secret-more" {
		t.Errorf("expected secret-more, got %q", data)
	}

	short, truncated, err := fs.ReadFileBuffer(ctx, id, file, 6)
	if err != nil {
		t.Fatalf("read truncated: %v", err)
	}
	if !truncated {
		t.Error("expected truncation")
	}
	if string(short) != "secret" {
		t.Errorf("expected secret, got %q", short)
	}

	entries, err := fs.ListEntries(ctx, id, dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "key" || entries[0].Type != "f" {
		t.Errorf("unexpected entries: %+v", entries)
	}

	exists, err := fs.Exists(ctx, id, file)
	if err != nil || !exists {
		t.Errorf("expected file to exist: %v", err)
	}

	if err := fs.RemoveTree(ctx, id, dir); err != nil {
		t.Fatalf("remove: %v", err)
	}
	exists, _ = fs.Exists(ctx, id, dir)
	if exists {
		t.Error("expected dir removed")
	}
}

func TestFS_RejectsEscapes(t *testing.T) {
	ctx := context.Background()
	fs := NewFS(NewRunner(false, newTestLogger(t)))
	id := newTestIdentity(t)

	if err := fs.WriteFile(ctx, id, "/tmp/outside", []byte("x"), "0600"); !errors.Is(err, ErrOutsideRoot) {
		t.Errorf("expected ErrOutsideRoot, got %v", err)
	}
	if err := fs.RemoveTree(ctx, id, filepath.Join(id.Home, "..", "sibling")); !errors.Is(err, ErrOutsideRoot) {
		t.Errorf("expected ErrOutsideRoot, got %v", err)
	}
}
