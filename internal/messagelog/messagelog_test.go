package messagelog

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/storage"
)

const (
	testSessionID  = "s000000000000000000000001"
	testWorktreeID = "0123456789abcdef"
)

func testLog(t *testing.T) *Log {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return New(storage.NewMemory(), log)
}

func appendN(t *testing.T, l *Log, worktreeID string, n int) []*Message {
	t.Helper()
	ctx := context.Background()
	msgs := make([]*Message, 0, n)
	for i := 1; i <= n; i++ {
		msg := NewUserMessage(fmt.Sprintf("message %d", i), nil)
		written, err := l.Append(ctx, testSessionID, worktreeID, msg)
		require.NoError(t, err)
		require.True(t, written)
		msgs = append(msgs, msg)
	}
	return msgs
}

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	l := testLog(t)
	appendN(t, l, testWorktreeID, 5)

	got, err := l.Read(context.Background(), testSessionID, testWorktreeID, ReadOptions{})
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].Seq, got[i-1].Seq)
	}
}

func TestAppendIsIdempotentOnMessageID(t *testing.T) {
	l := testLog(t)
	ctx := context.Background()

	msg := NewUserMessage("once", nil)
	written, err := l.Append(ctx, testSessionID, testWorktreeID, msg)
	require.NoError(t, err)
	assert.True(t, written)

	written, err = l.Append(ctx, testSessionID, testWorktreeID, msg)
	require.NoError(t, err)
	assert.False(t, written)

	got, err := l.Read(ctx, testSessionID, testWorktreeID, ReadOptions{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestReadBeforeMessageIDReturnsStrictlyNewer(t *testing.T) {
	l := testLog(t)
	msgs := appendN(t, l, testWorktreeID, 6)

	got, err := l.Read(context.Background(), testSessionID, testWorktreeID, ReadOptions{
		BeforeMessageID: msgs[2].ID,
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, msgs[3].ID, got[0].ID)
	assert.Equal(t, msgs[5].ID, got[2].ID)
}

func TestReadBeforeLastMessageIsEmpty(t *testing.T) {
	l := testLog(t)
	msgs := appendN(t, l, testWorktreeID, 3)

	got, err := l.Read(context.Background(), testSessionID, testWorktreeID, ReadOptions{
		BeforeMessageID: msgs[2].ID,
	})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReadUnknownBeforeMessageIDIsEmpty(t *testing.T) {
	l := testLog(t)
	appendN(t, l, testWorktreeID, 3)

	got, err := l.Read(context.Background(), testSessionID, testWorktreeID, ReadOptions{
		BeforeMessageID: "no-such-id",
	})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReadLimitReturnsTailOldestFirst(t *testing.T) {
	l := testLog(t)
	msgs := appendN(t, l, testWorktreeID, 5)

	got, err := l.Read(context.Background(), testSessionID, testWorktreeID, ReadOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, msgs[3].ID, got[0].ID)
	assert.Equal(t, msgs[4].ID, got[1].ID)
}

func TestReadBeforeWithLimitPaginates(t *testing.T) {
	l := testLog(t)
	msgs := appendN(t, l, testWorktreeID, 8)

	// After id_2 with limit 3: the last three of [id_3..id_8].
	got, err := l.Read(context.Background(), testSessionID, testWorktreeID, ReadOptions{
		BeforeMessageID: msgs[1].ID,
		Limit:           3,
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, msgs[5].ID, got[0].ID)
	assert.Equal(t, msgs[7].ID, got[2].ID)
}

func TestScopesAreIndependent(t *testing.T) {
	l := testLog(t)
	ctx := context.Background()

	appendN(t, l, testWorktreeID, 2)
	appendN(t, l, "main", 3)

	fork, err := l.Read(ctx, testSessionID, testWorktreeID, ReadOptions{})
	require.NoError(t, err)
	assert.Len(t, fork, 2)

	main, err := l.Read(ctx, testSessionID, "main", ReadOptions{})
	require.NoError(t, err)
	assert.Len(t, main, 3)

	// "" and "main" alias the same scope.
	alias, err := l.Read(ctx, testSessionID, "", ReadOptions{})
	require.NoError(t, err)
	assert.Len(t, alias, 3)
}

func TestClearDropsMessagesAndIndexes(t *testing.T) {
	l := testLog(t)
	ctx := context.Background()
	msgs := appendN(t, l, testWorktreeID, 3)

	require.NoError(t, l.Clear(ctx, testSessionID, testWorktreeID))

	count, err := l.Count(ctx, testSessionID, testWorktreeID)
	require.NoError(t, err)
	assert.Zero(t, count)

	// The index is gone too: the old id no longer anchors pagination.
	got, err := l.Read(ctx, testSessionID, testWorktreeID, ReadOptions{BeforeMessageID: msgs[0].ID})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReplaceAllSwapsHistory(t *testing.T) {
	l := testLog(t)
	ctx := context.Background()
	appendN(t, l, testWorktreeID, 4)

	replacement := []*Message{
		NewAssistantMessage("item-1", "canonical one"),
		NewAssistantMessage("item-2", "canonical two"),
	}
	require.NoError(t, l.ReplaceAll(ctx, testSessionID, testWorktreeID, replacement))

	got, err := l.Read(ctx, testSessionID, testWorktreeID, ReadOptions{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "item-1", got[0].ID)
	assert.Equal(t, int64(1), got[0].Seq, "sequence restarts with the canonical list")
	assert.Equal(t, "canonical two", got[1].Text)
}

func TestAssistantMessageKeyedByItemID(t *testing.T) {
	l := testLog(t)
	ctx := context.Background()

	first := NewAssistantMessage("item-7", "hello")
	second := NewAssistantMessage("item-7", "hello again")

	written, err := l.Append(ctx, testSessionID, testWorktreeID, first)
	require.NoError(t, err)
	assert.True(t, written)

	// Redelivery of the same item collapses into the original entry.
	written, err = l.Append(ctx, testSessionID, testWorktreeID, second)
	require.NoError(t, err)
	assert.False(t, written)
}
