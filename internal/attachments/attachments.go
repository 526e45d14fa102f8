// Package attachments is the upload sink for session-scoped files. Uploads
// land in the session's attachments directory under the workspace identity,
// with sanitized unique filenames and a manifest in storage so messages can
// reference them by id.
package attachments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vibe80/vibe80/internal/common/ids"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/isolation"
	"github.com/vibe80/vibe80/internal/storage"
)

// Attachment is one manifest entry.
type Attachment struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`      // sanitized filename on disk
	Original  string    `json:"original"`  // name as uploaded
	Path      string    `json:"path"`      // absolute, inside attachmentsDir
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// ErrTooLarge is returned when an upload exceeds the configured cap.
var ErrTooLarge = fmt.Errorf("attachment exceeds size limit")

// Manager stores uploads and their manifest.
type Manager struct {
	fs       *isolation.FS
	store    storage.Store
	maxBytes int64
	logger   *logger.Logger
}

// NewManager builds a Manager. maxBytes caps individual uploads.
func NewManager(runner isolation.Runner, store storage.Store, maxBytes int64, log *logger.Logger) *Manager {
	return &Manager{
		fs:       isolation.NewFS(runner),
		store:    store,
		maxBytes: maxBytes,
		logger:   log,
	}
}

// Save reads one upload from r and writes it into dir under identity,
// returning the manifest entry. Filenames are sanitized and deduplicated
// with numeric counters.
func (m *Manager) Save(ctx context.Context, id isolation.Identity, sessionID, dir, filename string, r io.Reader) (*Attachment, error) {
	content, err := io.ReadAll(io.LimitReader(r, m.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(content)) > m.maxBytes {
		return nil, ErrTooLarge
	}

	name := SanitizeFilename(filename)
	name, err = m.uniqueName(ctx, sessionID, name)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(dir, name)
	if err := m.fs.WriteFile(ctx, id, path, content, "0600"); err != nil {
		return nil, err
	}

	att := &Attachment{
		ID:        ids.NewMessageID(),
		Name:      name,
		Original:  filename,
		Path:      path,
		Size:      int64(len(content)),
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(att)
	if err != nil {
		return nil, err
	}
	if err := m.store.HSet(ctx, storage.AttachmentsKey(sessionID), att.ID, string(data)); err != nil {
		return nil, err
	}
	return att, nil
}

// List returns the session's manifest, oldest first.
func (m *Manager) List(ctx context.Context, sessionID string) ([]*Attachment, error) {
	entries, err := m.store.HGetAll(ctx, storage.AttachmentsKey(sessionID))
	if err != nil {
		return nil, err
	}
	out := make([]*Attachment, 0, len(entries))
	for id, data := range entries {
		var att Attachment
		if err := json.Unmarshal([]byte(data), &att); err != nil {
			return nil, fmt.Errorf("unmarshal attachment %s: %w", id, err)
		}
		out = append(out, &att)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Get loads one manifest entry.
func (m *Manager) Get(ctx context.Context, sessionID, attachmentID string) (*Attachment, bool, error) {
	data, ok, err := m.store.HGet(ctx, storage.AttachmentsKey(sessionID), attachmentID)
	if err != nil || !ok {
		return nil, false, err
	}
	var att Attachment
	if err := json.Unmarshal([]byte(data), &att); err != nil {
		return nil, false, err
	}
	return &att, true, nil
}

// uniqueName reserves a filename not already present in the manifest by
// appending -1, -2, ... before the extension.
func (m *Manager) uniqueName(ctx context.Context, sessionID, name string) (string, error) {
	existing, err := m.List(ctx, sessionID)
	if err != nil {
		return "", err
	}
	taken := make(map[string]bool, len(existing))
	for _, att := range existing {
		taken[att.Name] = true
	}
	if !taken[name] {
		return name, nil
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s-%d%s", base, i, ext)
		if !taken[candidate] {
			return candidate, nil
		}
	}
}

// SanitizeFilename strips path separators and control characters from an
// uploaded filename. Empty or fully-stripped names get a generated one.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7f:
		case r == '/', r == '\\', r == ':':
		default:
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), ". ")
	if out == "" {
		return "upload-" + ids.NewWorktreeID()[:8]
	}
	return out
}
