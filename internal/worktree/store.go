package worktree

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/vibe80/vibe80/internal/storage"
)

// Store persists worktree records in a per-session hash keyed by worktree id.
type Store struct {
	store storage.Store
}

// NewStore wraps a storage backend.
func NewStore(store storage.Store) *Store {
	return &Store{store: store}
}

// Put writes a worktree record.
func (s *Store) Put(ctx context.Context, wt *Worktree) error {
	data, err := json.Marshal(wt)
	if err != nil {
		return fmt.Errorf("marshal worktree %s: %w", wt.ID, err)
	}
	return s.store.HSet(ctx, storage.WorktreesKey(wt.SessionID), wt.ID, string(data))
}

// Get loads one worktree record. ErrNotFound when absent.
func (s *Store) Get(ctx context.Context, sessionID, worktreeID string) (*Worktree, error) {
	data, ok, err := s.store.HGet(ctx, storage.WorktreesKey(sessionID), worktreeID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	var wt Worktree
	if err := json.Unmarshal([]byte(data), &wt); err != nil {
		return nil, fmt.Errorf("unmarshal worktree %s: %w", worktreeID, err)
	}
	return &wt, nil
}

// List returns every worktree of a session ordered by creation time, main
// first on ties.
func (s *Store) List(ctx context.Context, sessionID string) ([]*Worktree, error) {
	entries, err := s.store.HGetAll(ctx, storage.WorktreesKey(sessionID))
	if err != nil {
		return nil, err
	}
	out := make([]*Worktree, 0, len(entries))
	for id, data := range entries {
		var wt Worktree
		if err := json.Unmarshal([]byte(data), &wt); err != nil {
			return nil, fmt.Errorf("unmarshal worktree %s: %w", id, err)
		}
		out = append(out, &wt)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].IsMain()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Delete removes one worktree record.
func (s *Store) Delete(ctx context.Context, sessionID, worktreeID string) error {
	return s.store.HDel(ctx, storage.WorktreesKey(sessionID), worktreeID)
}

// Count returns the number of worktree records for a session.
func (s *Store) Count(ctx context.Context, sessionID string) (int, error) {
	entries, err := s.store.HGetAll(ctx, storage.WorktreesKey(sessionID))
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}
