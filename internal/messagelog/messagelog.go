// Package messagelog persists per-worktree conversation history. The log is
// append-only with a monotonically increasing sequence per scope; appends
// are idempotent on message id. Streaming deltas are never persisted here —
// the log holds only complete messages.
package messagelog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/ids"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/storage"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Group types for non-chat messages.
const (
	GroupCommandExecution = "commandExecution"
	GroupToolResult       = "toolResult"
	GroupBacklogView      = "backlog_view"
)

// Attachment references an uploaded file from a message.
type Attachment struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
}

// Message is one persisted log entry.
type Message struct {
	ID          string       `json:"id"`
	Role        string       `json:"role"`
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	GroupType   string       `json:"groupType,omitempty"`
	Command     string       `json:"command,omitempty"`
	Output      string       `json:"output,omitempty"`
	Status      string       `json:"status,omitempty"`
	ItemID      string       `json:"itemId,omitempty"` // agent-side item id
	Seq         int64        `json:"seq"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// NewUserMessage builds a user message with a fresh id.
func NewUserMessage(text string, attachments []Attachment) *Message {
	return &Message{
		ID:          ids.NewMessageID(),
		Role:        RoleUser,
		Text:        text,
		Attachments: attachments,
		CreatedAt:   time.Now().UTC(),
	}
}

// NewAssistantMessage builds an assistant message keyed by the agent's item
// id so repeated deliveries collapse into one log entry.
func NewAssistantMessage(itemID, text string) *Message {
	id := itemID
	if id == "" {
		id = ids.NewMessageID()
	}
	return &Message{
		ID:        id,
		Role:      RoleAssistant,
		Text:      text,
		ItemID:    itemID,
		CreatedAt: time.Now().UTC(),
	}
}

// ReadOptions narrows a Read.
type ReadOptions struct {
	// Limit returns only the last Limit messages of the selected range.
	Limit int
	// BeforeMessageID selects messages strictly newer than the identified
	// one. An id missing from the index selects nothing.
	BeforeMessageID string
}

// Log provides message persistence scoped by (session, worktree).
type Log struct {
	store  storage.Store
	logger *logger.Logger
}

// New builds a Log on the given store.
func New(store storage.Store, log *logger.Logger) *Log {
	return &Log{store: store, logger: log}
}

// Append persists msg, assigning its seq. A message id already present in
// the scope is a no-op; the boolean reports whether the message was written.
func (l *Log) Append(ctx context.Context, sessionID, worktreeID string, msg *Message) (bool, error) {
	scope := storage.MessageScope(sessionID, worktreeID)

	if msg.ID == "" {
		msg.ID = ids.NewMessageID()
	}
	if _, exists, err := l.store.HGet(ctx, storage.MessageIndexKey(scope), msg.ID); err != nil {
		return false, fmt.Errorf("check message %s: %w", msg.ID, err)
	} else if exists {
		l.logger.Debug("duplicate message append ignored",
			zap.String("scope", scope), zap.String("message_id", msg.ID))
		return false, nil
	}

	seq, err := l.store.Incr(ctx, storage.MessageSeqKey(scope))
	if err != nil {
		return false, fmt.Errorf("allocate seq: %w", err)
	}
	msg.Seq = seq
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	if err := l.store.RPush(ctx, storage.MessagesKey(scope), string(raw)); err != nil {
		return false, fmt.Errorf("append message %s: %w", msg.ID, err)
	}
	if err := l.store.HSet(ctx, storage.MessageIndexKey(scope), msg.ID, strconv.FormatInt(seq, 10)); err != nil {
		return false, fmt.Errorf("index message %s: %w", msg.ID, err)
	}
	return true, nil
}

// Read returns messages oldest-first per opts.
func (l *Log) Read(ctx context.Context, sessionID, worktreeID string, opts ReadOptions) ([]*Message, error) {
	scope := storage.MessageScope(sessionID, worktreeID)

	var afterSeq int64 = -1
	if opts.BeforeMessageID != "" {
		raw, ok, err := l.store.HGet(ctx, storage.MessageIndexKey(scope), opts.BeforeMessageID)
		if err != nil {
			return nil, fmt.Errorf("resolve message %s: %w", opts.BeforeMessageID, err)
		}
		if !ok {
			return []*Message{}, nil
		}
		afterSeq, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt seq for %s: %w", opts.BeforeMessageID, err)
		}
	}

	var rows []string
	var err error
	if afterSeq < 0 && opts.Limit > 0 {
		rows, err = l.store.LRange(ctx, storage.MessagesKey(scope), int64(-opts.Limit), -1)
	} else {
		rows, err = l.store.LRange(ctx, storage.MessagesKey(scope), 0, -1)
	}
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}

	out := make([]*Message, 0, len(rows))
	for _, raw := range rows {
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			l.logger.Warn("skipping corrupt message entry", zap.String("scope", scope), zap.Error(err))
			continue
		}
		if afterSeq >= 0 && msg.Seq <= afterSeq {
			continue
		}
		out = append(out, &msg)
	}

	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[len(out)-opts.Limit:]
	}
	return out, nil
}

// ReplaceAll atomically swaps the scope's history for the provided canonical
// list, reassigning sequence numbers in order. Used when an agent switches
// provider and emits its own authoritative message list.
func (l *Log) ReplaceAll(ctx context.Context, sessionID, worktreeID string, msgs []*Message) error {
	scope := storage.MessageScope(sessionID, worktreeID)
	if err := l.store.Delete(ctx, storage.MessageLogKeys(scope)...); err != nil {
		return fmt.Errorf("clear scope %s: %w", scope, err)
	}
	for _, msg := range msgs {
		if _, err := l.Append(ctx, sessionID, worktreeID, msg); err != nil {
			return err
		}
	}
	return nil
}

// Clear drops the scope's messages and indexes.
func (l *Log) Clear(ctx context.Context, sessionID, worktreeID string) error {
	scope := storage.MessageScope(sessionID, worktreeID)
	if err := l.store.Delete(ctx, storage.MessageLogKeys(scope)...); err != nil {
		return fmt.Errorf("clear scope %s: %w", scope, err)
	}
	return nil
}

// Count returns the number of persisted messages in the scope.
func (l *Log) Count(ctx context.Context, sessionID, worktreeID string) (int64, error) {
	scope := storage.MessageScope(sessionID, worktreeID)
	return l.store.LLen(ctx, storage.MessagesKey(scope))
}
