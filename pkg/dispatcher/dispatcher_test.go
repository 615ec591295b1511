package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepwire/stepwire/pkg/history"
	"github.com/stepwire/stepwire/pkg/reasoner"
	"github.com/stepwire/stepwire/pkg/registry"
	"github.com/stepwire/stepwire/pkg/runqueue"
	"github.com/stepwire/stepwire/pkg/snapshot"
	"github.com/stepwire/stepwire/pkg/step"
)

// flakyStore wraps the real store and fails saves on demand
type flakyStore struct {
	store    *snapshot.Store
	failFrom int32 // fail saves once this many have succeeded, 0 = never
	saves    atomic.Int32
}

func (f *flakyStore) Save(ctx context.Context, chatID string, mem *step.Memory) error {
	n := f.saves.Add(1)
	if f.failFrom > 0 && n > f.failFrom {
		return errors.New("disk full")
	}
	return f.store.Save(ctx, chatID, mem)
}

type fixture struct {
	dispatcher *Dispatcher
	registry   *registry.Registry
	store      *snapshot.Store
	flaky      *flakyStore
	history    *history.Log
	queue      *runqueue.Queue
}

func newFixture(t *testing.T, r reasoner.Reasoner) *fixture {
	t.Helper()

	store, err := snapshot.New(t.TempDir())
	require.NoError(t, err)

	reg, err := registry.New(registry.Config{Store: store, Logger: zerolog.Nop()})
	require.NoError(t, err)

	log, err := history.Open(filepath.Join(t.TempDir(), "chat_history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	queue := runqueue.New()
	t.Cleanup(func() { _ = queue.Close() })

	flaky := &flakyStore{store: store}

	d, err := New(Config{
		Registry:  reg,
		Snapshots: flaky,
		History:   log,
		Reasoner:  r,
		Queue:     queue,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)

	return &fixture{dispatcher: d, registry: reg, store: store, flaky: flaky, history: log, queue: queue}
}

func collect(t *testing.T, ch <-chan Message) []Message {
	t.Helper()
	var msgs []Message
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return msgs
			}
			msgs = append(msgs, msg)
		case <-timeout:
			t.Fatal("run never finished")
		}
	}
}

func TestRunEndToEnd(t *testing.T) {
	scripted := &reasoner.Scripted{Steps: []step.Step{
		step.NewPlanning("check order"),
		step.NewAction("order found"),
		step.NewFinalAnswer(`{"status":"refunded"}`),
	}}
	f := newFixture(t, scripted)
	ctx := context.Background()

	ch, err := f.dispatcher.Run(ctx, "abc", "refund order 42", RunOptions{UserMessageID: "client-1"})
	require.NoError(t, err)
	msgs := collect(t, ch)

	require.Len(t, msgs, 4)

	assert.Equal(t, KindAgentStep, msgs[0].Type)
	assert.Equal(t, "PlanningStep", msgs[0].StepType)
	require.NotNil(t, msgs[0].Message)
	assert.Equal(t, "check order", *msgs[0].Message)

	assert.Equal(t, KindAgentStep, msgs[1].Type)
	assert.Equal(t, "ActionStep", msgs[1].StepType)
	assert.Equal(t, "order found", *msgs[1].Message)

	assert.Equal(t, KindAgentStep, msgs[2].Type)
	assert.Equal(t, "FinalAnswerStep", msgs[2].StepType)
	assert.Equal(t, `{"status":"refunded"}`, *msgs[2].Message)

	assert.Equal(t, KindMessageEnd, msgs[3].Type)

	// Every frame of the run shares one message id
	runID := msgs[0].MessageID
	assert.NotEmpty(t, runID)
	for _, msg := range msgs {
		assert.Equal(t, "abc", msg.ChatID)
		assert.Equal(t, runID, msg.MessageID)
	}

	// History: user prompt first, then the three content-bearing steps
	records, err := f.history.List(ctx, "abc")
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, history.RoleUser, records[0].Role)
	assert.Equal(t, "refund order 42", records[0].Content)
	assert.Equal(t, "client-1", records[0].MessageID)
	assert.Equal(t, history.StepTypeUserMessage, records[0].StepType)
	for i, stepType := range []string{"PlanningStep", "ActionStep", "FinalAnswerStep"} {
		assert.Equal(t, history.RoleAgent, records[i+1].Role)
		assert.Equal(t, stepType, records[i+1].StepType)
		assert.Equal(t, runID, records[i+1].MessageID)
	}

	// Snapshot holds the full run
	mem, err := f.store.Load(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, 3, mem.Len())
}

func TestRunStateOnlyStepsSkipHistory(t *testing.T) {
	scripted := &reasoner.Scripted{Steps: []step.Step{
		step.NewTask("quiet task"),
		step.NewFinalAnswer("done"),
	}}
	f := newFixture(t, scripted)
	ctx := context.Background()

	ch, err := f.dispatcher.Run(ctx, "quiet", "quiet task", RunOptions{})
	require.NoError(t, err)
	msgs := collect(t, ch)

	require.Len(t, msgs, 3)
	assert.Equal(t, "TaskStep", msgs[0].StepType)
	require.NotNil(t, msgs[0].Message)
	assert.Empty(t, *msgs[0].Message)

	// The task step went over the wire but not into history
	records, err := f.history.List(ctx, "quiet")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, history.RoleUser, records[0].Role)
	assert.Equal(t, "FinalAnswerStep", records[1].StepType)

	// It is still persisted in memory
	mem, err := f.store.Load(ctx, "quiet")
	require.NoError(t, err)
	assert.Equal(t, 2, mem.Len())
}

func TestRunFaultIsolation(t *testing.T) {
	fault := errors.New("reasoner blew up")
	scripted := &reasoner.Scripted{
		Steps: []step.Step{
			step.NewAction("first"),
			step.NewAction("second"),
		},
		Err: fault,
	}
	f := newFixture(t, scripted)
	ctx := context.Background()

	ch, err := f.dispatcher.Run(ctx, "fragile", "doomed task", RunOptions{})
	require.NoError(t, err)
	msgs := collect(t, ch)

	require.Len(t, msgs, 3)
	assert.Equal(t, KindAgentStep, msgs[0].Type)
	assert.Equal(t, KindAgentStep, msgs[1].Type)
	assert.Equal(t, KindAgentError, msgs[2].Type)
	assert.Contains(t, msgs[2].Error, "reasoner blew up")

	// Exactly the completed steps were persisted
	mem, err := f.store.Load(ctx, "fragile")
	require.NoError(t, err)
	assert.Equal(t, 2, mem.Len())

	// The session survives for a retry
	scripted.Err = nil
	scripted.Steps = []step.Step{step.NewFinalAnswer("recovered")}
	ch, err = f.dispatcher.Run(ctx, "fragile", "retry task", RunOptions{})
	require.NoError(t, err)
	msgs = collect(t, ch)
	require.Len(t, msgs, 2)
	assert.Equal(t, KindMessageEnd, msgs[1].Type)

	mem, err = f.store.Load(ctx, "fragile")
	require.NoError(t, err)
	assert.Equal(t, 3, mem.Len())
}

func TestRunPersistenceFaultFailsRun(t *testing.T) {
	scripted := &reasoner.Scripted{Steps: []step.Step{
		step.NewAction("persisted fine"),
		step.NewAction("save fails here"),
		step.NewAction("never reached"),
	}}
	f := newFixture(t, scripted)
	f.flaky.failFrom = 1

	ch, err := f.dispatcher.Run(context.Background(), "durable", "task", RunOptions{})
	require.NoError(t, err)
	msgs := collect(t, ch)

	// Two step frames went out (the second before its save failed), then
	// the run fails; durability is part of the contract.
	require.Len(t, msgs, 3)
	assert.Equal(t, KindAgentStep, msgs[0].Type)
	assert.Equal(t, KindAgentStep, msgs[1].Type)
	assert.Equal(t, KindAgentError, msgs[2].Type)
	assert.Contains(t, msgs[2].Error, "failed to persist memory snapshot")

	mem, err := f.store.Load(context.Background(), "durable")
	require.NoError(t, err)
	assert.Equal(t, 1, mem.Len())
}

func TestRunMutualExclusion(t *testing.T) {
	var active atomic.Int32
	var overlapped atomic.Bool

	r := reasoner.Func(func(ctx context.Context, task string, mem *step.Memory, opts reasoner.RunOptions) (*reasoner.Stream, error) {
		stream := reasoner.NewStream(4)
		go func() {
			if active.Add(1) > 1 {
				overlapped.Store(true)
			}
			defer active.Add(-1)
			for i := 0; i < 3; i++ {
				time.Sleep(5 * time.Millisecond)
				if err := stream.Emit(ctx, step.NewAction(fmt.Sprintf("%s step %d", task, i))); err != nil {
					stream.Close(err)
					return
				}
			}
			stream.Close(nil)
		}()
		return stream, nil
	})
	f := newFixture(t, r)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch, err := f.dispatcher.Run(ctx, "contended", fmt.Sprintf("task %d", i), RunOptions{})
			assert.NoError(t, err)
			for range ch {
			}
		}(i)
	}
	wg.Wait()

	assert.False(t, overlapped.Load(), "two runs mutated the session concurrently")

	// No lost or duplicated appends
	mem, err := f.store.Load(ctx, "contended")
	require.NoError(t, err)
	assert.Equal(t, 6, mem.Len())
}

func TestRunCancellation(t *testing.T) {
	release := make(chan struct{})
	r := reasoner.Func(func(ctx context.Context, task string, mem *step.Memory, opts reasoner.RunOptions) (*reasoner.Stream, error) {
		stream := reasoner.NewStream(0)
		go func() {
			if err := stream.Emit(ctx, step.NewAction("one")); err != nil {
				stream.Close(err)
				return
			}
			<-release
			stream.Close(stream.Emit(ctx, step.NewAction("two")))
		}()
		return stream, nil
	})
	f := newFixture(t, r)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := f.dispatcher.Run(ctx, "leaver", "slow task", RunOptions{})
	require.NoError(t, err)

	// First frame arrives, then the client goes away
	msg := <-ch
	assert.Equal(t, KindAgentStep, msg.Type)
	cancel()
	close(release)

	msgs := collect(t, ch)
	for _, m := range msgs {
		assert.NotEqual(t, KindAgentError, m.Type)
	}

	// Work completed before cancellation stays persisted
	mem, err := f.store.Load(context.Background(), "leaver")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, mem.Len(), 1)
}

func TestRunCollectStructuredAnswer(t *testing.T) {
	scripted := &reasoner.Scripted{Steps: []step.Step{
		step.NewAction("looked up order"),
		step.NewFinalAnswer(`{"status":"refunded","order":42}`),
	}}
	f := newFixture(t, scripted)

	res, err := f.dispatcher.RunCollect(context.Background(), "default_chat_id", "refund order 42")
	require.NoError(t, err)

	assert.JSONEq(t, `{"status":"refunded","order":42}`, string(res.Answer))
	assert.Len(t, res.Steps, 2)

	// Stateless path persists nothing
	_, err = f.store.Load(context.Background(), "default_chat_id")
	assert.ErrorIs(t, err, snapshot.ErrNotFound)
	records, err := f.history.List(context.Background(), "default_chat_id")
	require.NoError(t, err)
	assert.Empty(t, records)

	calls := scripted.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Reset)
}

func TestRunCollectPlainTextFallback(t *testing.T) {
	scripted := &reasoner.Scripted{Steps: []step.Step{
		step.NewFinalAnswer("the order was refunded"),
	}}
	f := newFixture(t, scripted)

	res, err := f.dispatcher.RunCollect(context.Background(), "c", "refund it")
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":"the order was refunded"}`, string(res.Answer))
}

func TestRunCollectFault(t *testing.T) {
	fault := errors.New("upstream unavailable")
	scripted := &reasoner.Scripted{Err: fault}
	f := newFixture(t, scripted)

	_, err := f.dispatcher.RunCollect(context.Background(), "c", "task")
	assert.ErrorIs(t, err, fault)
}

func TestRunValidation(t *testing.T) {
	f := newFixture(t, &reasoner.Scripted{})

	_, err := f.dispatcher.Run(context.Background(), "", "task", RunOptions{})
	assert.Error(t, err)
	_, err = f.dispatcher.Run(context.Background(), "c", "", RunOptions{})
	assert.Error(t, err)
	_, err = f.dispatcher.RunCollect(context.Background(), "", "task")
	assert.Error(t, err)
	_, err = f.dispatcher.RunCollect(context.Background(), "c", "")
	assert.Error(t, err)
}
