package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxidehq/oxide/internal/data"
	"github.com/oxidehq/oxide/pkg/types"
)

func setupMemory(t *testing.T) *Memory {
	t.Helper()
	dir := t.TempDir()
	store, err := data.New(filepath.Join(dir, "oxide.db"), filepath.Join(dir, "oxide.key"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store)
}

func TestAdd(t *testing.T) {
	ctx := context.Background()
	m := setupMemory(t)

	t.Run("creates the conversation on first message", func(t *testing.T) {
		id, err := m.Add(ctx, "conv_1", types.RoleUser, "hello there", nil)
		require.NoError(t, err)
		assert.Contains(t, id, "conv_1_")

		msgs, err := m.Recent(ctx, "conv_1", 10, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, types.RoleUser, msgs[0].Role)
	})

	t.Run("appends keep order and bump updated_at", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			_, err := m.Add(ctx, "conv_2", types.RoleAssistant, fmt.Sprintf("msg %d", i), nil)
			require.NoError(t, err)
		}

		conv, err := m.store.GetConversation(ctx, "conv_2")
		require.NoError(t, err)
		require.Len(t, conv.Messages, 3)

		for i := 1; i < len(conv.Messages); i++ {
			assert.False(t, conv.Messages[i].Timestamp.Before(conv.Messages[i-1].Timestamp),
				"message timestamps must be non-decreasing")
		}
		last := conv.Messages[len(conv.Messages)-1].Timestamp
		assert.WithinDuration(t, last, conv.UpdatedAt, time.Millisecond,
			"updated_at tracks the last message")
	})

	t.Run("empty conversation id is rejected", func(t *testing.T) {
		_, err := m.Add(ctx, "", types.RoleUser, "x", nil)
		assert.Error(t, err)
	})

	t.Run("concurrent appends to one conversation all land", func(t *testing.T) {
		const writers = 8
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := m.Add(ctx, "conv_busy", types.RoleUser, fmt.Sprintf("turn %d", i), nil)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		conv, err := m.store.GetConversation(ctx, "conv_busy")
		require.NoError(t, err)
		assert.Len(t, conv.Messages, writers)
	})
}

func TestRecent(t *testing.T) {
	ctx := context.Background()
	m := setupMemory(t)

	for i := 0; i < 5; i++ {
		_, err := m.Add(ctx, "conv_r", types.RoleUser, fmt.Sprintf("msg %d", i), nil)
		require.NoError(t, err)
	}

	t.Run("newest first, capped at n", func(t *testing.T) {
		msgs, err := m.Recent(ctx, "conv_r", 2, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "msg 4", msgs[0].Content)
		assert.Equal(t, "msg 3", msgs[1].Content)
	})

	t.Run("max age filters out old messages", func(t *testing.T) {
		msgs, err := m.Recent(ctx, "conv_r", 10, time.Nanosecond)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("unknown conversation is empty, not an error", func(t *testing.T) {
		msgs, err := m.Recent(ctx, "conv_missing", 10, 0)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})
}

func TestSearchSimilar(t *testing.T) {
	ctx := context.Background()
	m := setupMemory(t)

	_, err := m.Add(ctx, "conv_go", types.RoleUser, "how do goroutines and channels work in go concurrency", nil)
	require.NoError(t, err)
	_, err = m.Add(ctx, "conv_sql", types.RoleUser, "optimise this postgres query with an index", nil)
	require.NoError(t, err)

	t.Run("finds the related conversation first", func(t *testing.T) {
		matches, err := m.SearchSimilar(ctx, "explain go concurrency with goroutines", 5, 0.05)
		require.NoError(t, err)
		require.NotEmpty(t, matches)
		assert.Equal(t, "conv_go", matches[0].Conversation.ID)
		assert.Greater(t, matches[0].Score, 0.05)
	})

	t.Run("threshold filters unrelated conversations", func(t *testing.T) {
		matches, err := m.SearchSimilar(ctx, "goroutines channels concurrency", 5, 0.2)
		require.NoError(t, err)
		for _, match := range matches {
			assert.NotEqual(t, "conv_sql", match.Conversation.ID)
		}
	})

	t.Run("empty query matches nothing", func(t *testing.T) {
		matches, err := m.SearchSimilar(ctx, "", 5, 0.1)
		require.NoError(t, err)
		assert.Empty(t, matches)
	})
}

func TestContextForTask(t *testing.T) {
	ctx := context.Background()
	m := setupMemory(t)

	for i := 0; i < 4; i++ {
		_, err := m.Add(ctx, "conv_ctx", types.RoleUser, fmt.Sprintf("rust borrow checker question %d", i), nil)
		require.NoError(t, err)
	}

	msgs, err := m.ContextForTask(ctx, "general", "another rust borrow checker question", 3, 0.05, 2, 24)
	require.NoError(t, err)
	require.Len(t, msgs, 2, "per-conversation cap applies")
	assert.Equal(t, "rust borrow checker question 2", msgs[0].Content)
	assert.Equal(t, "rust borrow checker question 3", msgs[1].Content)
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	m := setupMemory(t)

	_, err := m.Add(ctx, "conv_old", types.RoleUser, "ancient history", nil)
	require.NoError(t, err)

	// Backdate the conversation to make it prunable.
	conv, err := m.store.GetConversation(ctx, "conv_old")
	require.NoError(t, err)
	conv.UpdatedAt = time.Now().AddDate(0, 0, -60)
	require.NoError(t, m.store.PutConversation(ctx, conv))

	_, err = m.Add(ctx, "conv_new", types.RoleUser, "fresh", nil)
	require.NoError(t, err)

	n, err := m.Prune(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	gone, err := m.store.GetConversation(ctx, "conv_old")
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := m.store.GetConversation(ctx, "conv_new")
	require.NoError(t, err)
	assert.NotNil(t, kept)
}
