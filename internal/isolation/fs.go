package isolation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// FS provides filesystem helpers built on a Runner. Every operation executes
// as the workspace identity and is confined to the identity's root.
type FS struct {
	runner Runner
}

// NewFS wraps runner with the filesystem helpers.
func NewFS(runner Runner) *FS {
	return &FS{runner: runner}
}

// Entry is one result of ListEntries.
type Entry struct {
	Name string
	Type string // f=file, d=directory, l=symlink, per find -printf %y
	Size int64
}

// EnsureDir creates path (and parents) with the given octal mode string.
func (f *FS) EnsureDir(ctx context.Context, id Identity, path, mode string) error {
	if err := EnsureWithin(id, path); err != nil {
		return err
	}
	if err := f.runner.RunAs(ctx, id, []string{"mkdir", "-p", path}, RunOpts{}); err != nil {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	if err := f.runner.RunAs(ctx, id, []string{"chmod", mode, path}, RunOpts{}); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}

// WriteFile writes content to path and sets the given octal mode.
func (f *FS) WriteFile(ctx context.Context, id Identity, path string, content []byte, mode string) error {
	if err := EnsureWithin(id, path); err != nil {
		return err
	}
	argv := []string{"sh", "-c", `cat > "$1" && chmod "$2" "$1"`, "writefile", path, mode}
	if err := f.runner.RunAs(ctx, id, argv, RunOpts{Input: content}); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// WriteFilePreserveMode writes content to path without touching its mode.
func (f *FS) WriteFilePreserveMode(ctx context.Context, id Identity, path string, content []byte) error {
	if err := EnsureWithin(id, path); err != nil {
		return err
	}
	argv := []string{"sh", "-c", `cat > "$1"`, "writefile", path}
	if err := f.runner.RunAs(ctx, id, argv, RunOpts{Input: content}); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// AppendFile appends content to path, creating it if missing.
func (f *FS) AppendFile(ctx context.Context, id Identity, path string, content []byte) error {
	if err := EnsureWithin(id, path); err != nil {
		return err
	}
	argv := []string{"sh", "-c", `cat >> "$1"`, "appendfile", path}
	if err := f.runner.RunAs(ctx, id, argv, RunOpts{Input: content}); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	return nil
}

// ReadFileBuffer reads at most maxBytes from path. The boolean reports
// whether the file was truncated.
func (f *FS) ReadFileBuffer(ctx context.Context, id Identity, path string, maxBytes int64) ([]byte, bool, error) {
	if err := EnsureWithin(id, path); err != nil {
		return nil, false, err
	}
	out, err := f.runner.RunAsOutput(ctx, id,
		[]string{"head", "-c", strconv.FormatInt(maxBytes+1, 10), path}, RunOpts{})
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}
	if int64(len(out)) > maxBytes {
		return out[:maxBytes], true, nil
	}
	return out, false, nil
}

// Exists reports whether path exists.
func (f *FS) Exists(ctx context.Context, id Identity, path string) (bool, error) {
	if err := EnsureWithin(id, path); err != nil {
		return false, err
	}
	_, code, err := f.runner.RunAsOutputWithStatus(ctx, id, []string{"test", "-e", path}, RunOpts{})
	if err != nil {
		return false, err
	}
	return code == 0, nil
}

// ListEntries returns the direct children of path.
func (f *FS) ListEntries(ctx context.Context, id Identity, path string) ([]Entry, error) {
	if err := EnsureWithin(id, path); err != nil {
		return nil, err
	}
	out, err := f.runner.RunAsOutput(ctx, id, []string{
		"find", path, "-mindepth", "1", "-maxdepth", "1", "-printf", "%f\t%y\t%s\n",
	}, RunOpts{})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	var entries []Entry
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			continue
		}
		size, _ := strconv.ParseInt(parts[2], 10, 64)
		entries = append(entries, Entry{Name: parts[0], Type: parts[1], Size: size})
	}
	return entries, nil
}

// RemoveTree recursively removes path.
func (f *FS) RemoveTree(ctx context.Context, id Identity, path string) error {
	if err := EnsureWithin(id, path); err != nil {
		return err
	}
	if err := f.runner.RunAs(ctx, id, []string{"rm", "-rf", path}, RunOpts{}); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}
