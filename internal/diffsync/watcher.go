package diffsync

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/logger"
)

// Watcher observes a checkout recursively and coalesces filesystem activity
// into diff requests for its scope. Git internals are ignored; the engine
// recomputes diffs after turns anyway, the watcher just catches manual and
// agent edits between them.
type Watcher struct {
	scope     string
	root      string
	coalescer *Coalescer
	fsw       *fsnotify.Watcher
	logger    *logger.Logger
}

// NewWatcher builds a recursive watcher rooted at root, reporting to the
// coalescer under scope.
func NewWatcher(scope, root string, coalescer *Coalescer, log *logger.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		scope:     scope,
		root:      root,
		coalescer: coalescer,
		fsw:       fsw,
		logger:    log.WithFields(zap.String("component", "diff_watcher"), zap.String("scope", scope)),
	}
	if err := w.addTree(root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Entries can vanish mid-walk while the agent works.
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == ".git" {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Debug("failed to watch directory", zap.String("path", path), zap.Error(err))
		}
		return nil
	})
}

// Run consumes filesystem events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if w.ignored(event.Name) {
				continue
			}
			if event.Op.Has(fsnotify.Create) {
				// New directories need their own watch.
				_ = w.addTree(event.Name)
			}
			w.coalescer.Request(ctx, w.scope)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Debug("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	return rel == ".git" || strings.HasPrefix(rel, ".git"+string(filepath.Separator))
}
