package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepwire/stepwire/pkg/snapshot"
	"github.com/stepwire/stepwire/pkg/step"
)

func newTestRegistry(t *testing.T, credSource CredentialSource) (*Registry, *snapshot.Store) {
	t.Helper()
	store, err := snapshot.New(t.TempDir())
	require.NoError(t, err)

	reg, err := New(Config{
		Store:            store,
		CredentialSource: credSource,
		Logger:           zerolog.Nop(),
	})
	require.NoError(t, err)
	return reg, store
}

func TestGetOrCreateIdentity(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	first, err := reg.GetOrCreate(ctx, "chat-1")
	require.NoError(t, err)
	second, err := reg.GetOrCreate(ctx, "chat-1")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, reg.Len())

	other, err := reg.GetOrCreate(ctx, "chat-2")
	require.NoError(t, err)
	assert.NotSame(t, first, other)
	assert.Equal(t, 2, reg.Len())
}

func TestGetOrCreateFreshSession(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)

	sess, err := reg.GetOrCreate(context.Background(), "brand-new")
	require.NoError(t, err)

	assert.Equal(t, "brand-new", sess.ChatID)
	assert.Equal(t, 1, sess.StepNumber())
	assert.Empty(t, sess.Task())
	assert.False(t, sess.Degraded())
	assert.Equal(t, 0, sess.MemorySnapshot().Len())
}

func TestGetOrCreateRestoresSnapshot(t *testing.T) {
	reg, store := newTestRegistry(t, nil)
	ctx := context.Background()

	mem := step.NewMemory(
		step.NewTask("book a flight"),
		step.NewAction("searched for flights"),
		step.NewFinalAnswer("booked flight LH123"),
	)
	require.NoError(t, store.Save(ctx, "returning", mem))

	sess, err := reg.GetOrCreate(ctx, "returning")
	require.NoError(t, err)

	assert.Equal(t, 4, sess.StepNumber())
	assert.Equal(t, "book a flight", sess.Task())
	assert.False(t, sess.Degraded())
	assert.Equal(t, 3, sess.MemorySnapshot().Len())
}

func TestGetOrCreateDegradedWithoutTask(t *testing.T) {
	reg, store := newTestRegistry(t, nil)
	ctx := context.Background()

	mem := step.NewMemory(
		step.NewAction("searched for flights"),
		step.NewFinalAnswer("booked flight LH123"),
	)
	require.NoError(t, store.Save(ctx, "taskless", mem))

	sess, err := reg.GetOrCreate(ctx, "taskless")
	require.NoError(t, err)

	// Steps came back, but without a task step the session cannot
	// report what it was working on.
	assert.True(t, sess.Degraded())
	assert.Empty(t, sess.Task())
	assert.Equal(t, 3, sess.StepNumber())
	assert.Equal(t, 2, sess.MemorySnapshot().Len())
}

func TestGetOrCreateDegradedOnCorruptSnapshot(t *testing.T) {
	dir := t.TempDir()
	store, err := snapshot.New(dir)
	require.NoError(t, err)
	reg, err := New(Config{Store: store, Logger: zerolog.Nop()})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "corrupt.json"), []byte("not json"), 0600))

	sess, err := reg.GetOrCreate(context.Background(), "corrupt")
	require.NoError(t, err)

	assert.True(t, sess.Degraded())
	assert.Equal(t, 1, sess.StepNumber())
	assert.Equal(t, 0, sess.MemorySnapshot().Len())
}

func TestGetOrCreateConcurrentFirstAccess(t *testing.T) {
	reg, store := newTestRegistry(t, nil)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "contended", step.NewMemory(step.NewTask("shared task"))))

	const workers = 16
	sessions := make([]*Session, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := reg.GetOrCreate(ctx, "contended")
			assert.NoError(t, err)
			sessions[i] = sess
		}(i)
	}
	wg.Wait()

	for _, sess := range sessions {
		assert.Same(t, sessions[0], sess)
	}
	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, "shared task", sessions[0].Task())
}

func TestCredentialAcquiredOnce(t *testing.T) {
	var calls atomic.Int32
	reg, _ := newTestRegistry(t, func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "token-abc", nil
	})
	ctx := context.Background()

	_, err := reg.GetOrCreate(ctx, "a")
	require.NoError(t, err)
	_, err = reg.GetOrCreate(ctx, "b")
	require.NoError(t, err)

	cred, err := reg.Credential(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-abc", cred)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCredentialFailureFailsCreation(t *testing.T) {
	fault := errors.New("login rejected")
	reg, _ := newTestRegistry(t, func(ctx context.Context) (string, error) {
		return "", fault
	})

	_, err := reg.GetOrCreate(context.Background(), "a")
	assert.ErrorIs(t, err, fault)
	assert.Equal(t, 0, reg.Len())
}

func TestSessionRecordStepNumbering(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	sess, err := reg.GetOrCreate(context.Background(), "numbered")
	require.NoError(t, err)

	sess.BeginRun("count things", false)
	assert.Equal(t, 1, sess.RecordStep(step.NewTask("count things")))
	assert.Equal(t, 2, sess.RecordStep(step.NewAction("counted")))
	assert.Equal(t, 3, sess.RecordStep(step.NewFinalAnswer("two")))
	assert.Equal(t, 4, sess.StepNumber())
	assert.Equal(t, 3, sess.MemorySnapshot().Len())
}

func TestSessionBeginRunReset(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	sess, err := reg.GetOrCreate(context.Background(), "resettable")
	require.NoError(t, err)

	sess.BeginRun("first", false)
	sess.RecordStep(step.NewTask("first"))
	sess.RecordStep(step.NewAction("did it"))
	require.Equal(t, 3, sess.StepNumber())

	sess.BeginRun("second", true)
	assert.Equal(t, 1, sess.StepNumber())
	assert.Equal(t, 0, sess.MemorySnapshot().Len())
	assert.Equal(t, "second", sess.Task())
}

func TestFlushIdle(t *testing.T) {
	reg, store := newTestRegistry(t, nil)
	ctx := context.Background()

	idle, err := reg.GetOrCreate(ctx, "idle-chat")
	require.NoError(t, err)
	idle.RecordStep(step.NewTask("stale task"))

	busy, err := reg.GetOrCreate(ctx, "busy-chat")
	require.NoError(t, err)

	// Backdate the idle session
	idle.mu.Lock()
	idle.lastActive = time.Now().Add(-2 * time.Hour)
	idle.mu.Unlock()
	busy.Touch()

	flushed, err := reg.FlushIdle(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, flushed)
	assert.Equal(t, 1, reg.Len())

	_, ok := reg.Get("idle-chat")
	assert.False(t, ok)
	_, ok = reg.Get("busy-chat")
	assert.True(t, ok)

	// The flushed memory is recoverable
	mem, err := store.Load(ctx, "idle-chat")
	require.NoError(t, err)
	assert.Equal(t, 1, mem.Len())
}

func TestEvictorValidation(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)

	_, err := NewEvictor(reg, "not a schedule", time.Hour, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewEvictor(reg, "@every 5m", 0, zerolog.Nop())
	assert.Error(t, err)

	ev, err := NewEvictor(reg, "@every 5m", time.Hour, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, ev.Start())
	assert.Error(t, ev.Start())
	ev.Stop()
}
