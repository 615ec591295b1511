package history

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "chat_history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat_history.db")

	l1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l1.Append(context.Background(), Record{
		ChatID: "abc", Role: RoleUser, Content: "hi", MessageID: "m1",
	}))
	l1.Close()

	// Reopening must not recreate or truncate the table
	l2, err := Open(path)
	require.NoError(t, err)
	defer l2.Close()

	records, err := l2.List(context.Background(), "abc")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestAppendAndListOrdering(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Append(ctx, Record{
			ChatID:    "abc",
			Role:      RoleAgent,
			Content:   fmt.Sprintf("step %d", i),
			MessageID: "m1",
			StepType:  "ActionStep",
		}))
	}

	records, err := l.List(ctx, "abc")
	require.NoError(t, err)
	require.Len(t, records, 10)

	for i, rec := range records {
		assert.Equal(t, fmt.Sprintf("step %d", i), rec.Content)
		if i > 0 {
			assert.Greater(t, rec.Sequence, records[i-1].Sequence)
		}
	}
}

func TestListScopedByChat(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, Record{ChatID: "abc", Role: RoleUser, Content: "a", MessageID: "m1"}))
	require.NoError(t, l.Append(ctx, Record{ChatID: "def", Role: RoleUser, Content: "b", MessageID: "m2"}))

	records, err := l.List(ctx, "abc")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a", records[0].Content)
}

func TestListUnknownChatReturnsEmpty(t *testing.T) {
	l := newLog(t)

	records, err := l.List(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestNullableStepType(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, Record{ChatID: "abc", Role: RoleUser, Content: "hi", MessageID: "m1"}))
	require.NoError(t, l.Append(ctx, Record{ChatID: "abc", Role: RoleAgent, Content: "plan", MessageID: "m2", StepType: "PlanningStep"}))

	records, err := l.List(ctx, "abc")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Empty(t, records[0].StepType)
	assert.Equal(t, "PlanningStep", records[1].StepType)
	assert.False(t, records[0].Timestamp.IsZero())
}

func TestAppendValidation(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()

	assert.Error(t, l.Append(ctx, Record{Role: RoleUser, Content: "x", MessageID: "m"}))
	assert.Error(t, l.Append(ctx, Record{ChatID: "abc", Role: "narrator", Content: "x", MessageID: "m"}))
	assert.Error(t, l.Append(ctx, Record{ChatID: "abc", Role: RoleUser, Content: "x"}))
}

func TestConcurrentAppendsAcrossChats(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for c := 0; c < 4; c++ {
		chatID := fmt.Sprintf("chat-%d", c)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				assert.NoError(t, l.Append(ctx, Record{
					ChatID:    chatID,
					Role:      RoleAgent,
					Content:   fmt.Sprintf("step %d", i),
					MessageID: "m1",
				}))
			}
		}()
	}
	wg.Wait()

	for c := 0; c < 4; c++ {
		records, err := l.List(ctx, fmt.Sprintf("chat-%d", c))
		require.NoError(t, err)
		assert.Len(t, records, 5)
	}
}
