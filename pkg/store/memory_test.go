package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryMessageOrdering(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()

	for _, content := range []string{"first", "second", "third"} {
		err := repo.AppendMessage(ctx, &Message{
			ConversationID: "c1",
			Role:           RoleUser,
			Content:        content,
		})
		require.NoError(t, err)
	}

	msgs, err := repo.Messages(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	// Seq is strictly increasing in append order.
	for i := 1; i < len(msgs); i++ {
		assert.Greater(t, msgs[i].Seq, msgs[i-1].Seq)
	}
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "third", msgs[2].Content)
}

func TestMemoryMessagesLimit(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.AppendMessage(ctx, &Message{ConversationID: "c1", Content: "m"}))
	}

	msgs, err := repo.Messages(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(4), msgs[0].Seq)
	assert.Equal(t, int64(5), msgs[1].Seq)
}

func TestMemoryConversationsIsolated(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()

	require.NoError(t, repo.AppendMessage(ctx, &Message{ConversationID: "c1", Content: "a"}))
	require.NoError(t, repo.AppendMessage(ctx, &Message{ConversationID: "c2", Content: "b"}))

	msgs, err := repo.Messages(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "a", msgs[0].Content)
}

func TestMemoryDeleteConversation(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()

	require.NoError(t, repo.AppendMessage(ctx, &Message{ConversationID: "c1", Content: "a"}))
	require.NoError(t, repo.DeleteConversation(ctx, "c1"))

	msgs, err := repo.Messages(ctx, "c1", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMemoryReplaceTail(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()

	for _, content := range []string{"m1", "m2", "m3", "m4"} {
		require.NoError(t, repo.AppendMessage(ctx, &Message{ConversationID: "c1", Content: content}))
	}

	// Replace m1..m2 with a summary, keeping m3 and m4 verbatim.
	err := repo.ReplaceTail(ctx, "c1", 2, &Message{
		ConversationID: "c1",
		Role:           RoleSummary,
		Content:        "summary of m1 and m2",
	})
	require.NoError(t, err)

	msgs, err := repo.Messages(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, RoleSummary, msgs[0].Role)
	assert.Equal(t, int64(2), msgs[0].Seq)
	assert.Equal(t, "m3", msgs[1].Content)
	assert.Equal(t, "m4", msgs[2].Content)

	// Sequence numbers keep advancing past the compaction.
	require.NoError(t, repo.AppendMessage(ctx, &Message{ConversationID: "c1", Content: "m5"}))
	msgs, err = repo.Messages(ctx, "c1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), msgs[len(msgs)-1].Seq)
}

func TestMemoryContentCap(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()

	msg := &Message{ConversationID: "c1", Content: strings.Repeat("x", maxContentBytes+100)}
	require.NoError(t, repo.AppendMessage(ctx, msg))

	msgs, err := repo.Messages(ctx, "c1", 0)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(msgs[0].Content, truncationMarker))
	assert.Len(t, msgs[0].Content, maxContentBytes+len(truncationMarker))
}

func TestMemoryUsers(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()

	_, err := repo.GetUser(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)

	u := &User{
		ID:           "u1",
		WeeklyBudget: 1000,
		BonusTokens:  200,
		WeekStart:    time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, repo.PutUser(ctx, u))

	got, err := repo.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1200, got.Remaining())

	total, err := repo.AddUsage(ctx, "u1", 300)
	require.NoError(t, err)
	assert.Equal(t, 300, total)

	got, err = repo.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 900, got.Remaining())

	_, err = repo.AddUsage(ctx, "ghost", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}
