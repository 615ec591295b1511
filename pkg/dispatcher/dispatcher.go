// Package dispatcher drives one Reasoner run at a time per chat: it turns
// the reasoner's step sequence into wire messages while feeding the history
// log and snapshot store. Runs for the same chat are serialized on a queue
// lane; faults are contained at the run boundary.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/stepwire/stepwire/internal/observability"
	"github.com/stepwire/stepwire/internal/tracing"
	"github.com/stepwire/stepwire/pkg/history"
	"github.com/stepwire/stepwire/pkg/reasoner"
	"github.com/stepwire/stepwire/pkg/registry"
	"github.com/stepwire/stepwire/pkg/runqueue"
	"github.com/stepwire/stepwire/pkg/step"
)

const defaultChannelBuffer = 16

// RunOptions controls one streaming run
type RunOptions struct {
	// Reset starts the run from empty memory
	Reset bool

	// UserMessageID tags the user's history record. Generated when empty.
	UserMessageID string
}

// Config holds dispatcher configuration
type Config struct {
	Registry  *registry.Registry
	Snapshots SnapshotStore
	History   *history.Log
	Reasoner  reasoner.Reasoner
	Queue     *runqueue.Queue
	Logger    zerolog.Logger

	// Buffer sizes the per-run message channel
	Buffer int
}

// SnapshotStore is the slice of the snapshot store the dispatcher needs
type SnapshotStore interface {
	Save(ctx context.Context, chatID string, mem *step.Memory) error
}

// Dispatcher executes runs and streams their wire messages
type Dispatcher struct {
	registry  *registry.Registry
	snapshots SnapshotStore
	history   *history.Log
	reasoner  reasoner.Reasoner
	queue     *runqueue.Queue
	logger    zerolog.Logger
	buffer    int
}

// New creates a dispatcher
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Snapshots == nil {
		return nil, fmt.Errorf("snapshot store is required")
	}
	if cfg.History == nil {
		return nil, fmt.Errorf("history log is required")
	}
	if cfg.Reasoner == nil {
		return nil, fmt.Errorf("reasoner is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("run queue is required")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultChannelBuffer
	}
	observability.EnsureRegistered()

	return &Dispatcher{
		registry:  cfg.Registry,
		snapshots: cfg.Snapshots,
		history:   cfg.History,
		reasoner:  cfg.Reasoner,
		queue:     cfg.Queue,
		logger:    cfg.Logger,
		buffer:    cfg.Buffer,
	}, nil
}

func laneFor(chatID string) string {
	return "chat-" + chatID
}

// Run starts a streaming run for a chat and returns its ordered message
// channel. The channel is closed when the run ends; a run arriving while
// another is active for the same chat waits its turn on the chat's lane.
// Cancelling ctx stops the run at the next step boundary.
func (d *Dispatcher) Run(ctx context.Context, chatID, task string, opts RunOptions) (<-chan Message, error) {
	if chatID == "" {
		return nil, fmt.Errorf("chat id cannot be empty")
	}
	if task == "" {
		return nil, fmt.Errorf("task cannot be empty")
	}

	out := make(chan Message, d.buffer)

	go func() {
		defer close(out)
		_, err := d.queue.EnqueueWithContext(ctx, laneFor(chatID), func(taskCtx context.Context) (interface{}, error) {
			d.execute(taskCtx, chatID, task, opts, out)
			return nil, nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			// Queue-level failure: the run never executed
			d.logger.Error().Err(err).Str("chatID", chatID).Msg("Run could not be scheduled")
			d.send(ctx, out, NewAgentError(chatID, err.Error()))
		}
	}()

	return out, nil
}

// execute performs the run algorithm. Every fault is converted into a
// single agent_error frame; nothing propagates past the run boundary.
func (d *Dispatcher) execute(ctx context.Context, chatID, task string, opts RunOptions, out chan<- Message) {
	start := time.Now()

	ctx = tracing.WithChatID(tracing.WithRunID(ctx, tracing.NewRunID()), chatID)
	ctx, span := tracing.StartSpan(ctx, "dispatcher", "dispatcher.run",
		attribute.String("chat_id", chatID))
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, d.logger)

	fail := func(err error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Str("chatID", chatID).Msg("Run failed")
		observability.RecordRun(time.Since(start), "error")
		d.send(ctx, out, NewAgentError(chatID, err.Error()))
	}

	sess, err := d.registry.GetOrCreate(ctx, chatID)
	if err != nil {
		fail(fmt.Errorf("failed to resolve session: %w", err))
		return
	}

	userMessageID := opts.UserMessageID
	if userMessageID == "" {
		userMessageID, _ = gonanoid.New()
	}

	// The prompt is logged before the reasoner gets a chance to fail
	if err := d.history.Append(ctx, history.Record{
		ChatID:    chatID,
		Role:      history.RoleUser,
		Content:   task,
		MessageID: userMessageID,
		StepType:  history.StepTypeUserMessage,
		Timestamp: time.Now(),
	}); err != nil {
		fail(fmt.Errorf("failed to record user message: %w", err))
		return
	}

	sess.BeginRun(task, opts.Reset)

	// One id groups every step of the run into a single logical message
	runID, _ := gonanoid.New()

	stream, err := d.reasoner.Run(ctx, task, sess.MemorySnapshot(), reasoner.RunOptions{Reset: opts.Reset})
	if err != nil {
		fail(fmt.Errorf("failed to start run: %w", err))
		return
	}

	logger.Info().Str("chatID", chatID).Str("runID", runID).Msg("Run started")

	for {
		st, err := stream.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, reasoner.ErrEndOfStream):
				observability.RecordRun(time.Since(start), "success")
				logger.Info().
					Str("chatID", chatID).
					Str("runID", runID).
					Int("nextStep", sess.StepNumber()).
					Msg("Run completed")
				d.send(ctx, out, NewMessageEnd(chatID, runID))
			case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
				observability.RecordRun(time.Since(start), "cancelled")
				logger.Info().Str("chatID", chatID).Str("runID", runID).Msg("Run cancelled")
			default:
				fail(err)
			}
			return
		}

		if err := d.processStep(ctx, sess, st, runID, out); err != nil {
			fail(err)
			return
		}
	}
}

// processStep handles one emitted step: wire frame out, snapshot save,
// history append when the step carries display content.
func (d *Dispatcher) processStep(ctx context.Context, sess *registry.Session, st step.Step, runID string, out chan<- Message) error {
	chatID := sess.ChatID

	if err := d.send(ctx, out, NewAgentStep(chatID, runID, st)); err != nil {
		return err
	}

	sess.RecordStep(st)
	observability.RecordStepEmitted(string(st.Type))

	// Durability is part of the run's contract: a failed write fails the
	// run even though the step already went out.
	if err := d.snapshots.Save(ctx, chatID, sess.MemorySnapshot()); err != nil {
		return fmt.Errorf("failed to persist memory snapshot: %w", err)
	}

	if content := st.DisplayContent(); content != "" {
		if err := d.history.Append(ctx, history.Record{
			ChatID:    chatID,
			Role:      history.RoleAgent,
			Content:   content,
			MessageID: runID,
			StepType:  string(st.Type),
			Timestamp: time.Now(),
		}); err != nil {
			return fmt.Errorf("failed to record agent step: %w", err)
		}
	}

	return nil
}

// send delivers a frame without outliving the run context
func (d *Dispatcher) send(ctx context.Context, out chan<- Message, msg Message) error {
	select {
	case out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CollectResult is the aggregated outcome of a stateless run
type CollectResult struct {
	// Answer is the final answer parsed as JSON when possible, otherwise
	// a {"message": <raw text>} wrapper.
	Answer json.RawMessage

	// Steps are the steps the run produced, in order
	Steps []step.Step
}

// RunCollect executes one stateless run: memory is reset for the call and
// nothing is persisted. Only the final answer is aggregated; it shares the
// chat's lane so it never interleaves with a streaming run.
func (d *Dispatcher) RunCollect(ctx context.Context, chatID, task string) (*CollectResult, error) {
	if chatID == "" {
		return nil, fmt.Errorf("chat id cannot be empty")
	}
	if task == "" {
		return nil, fmt.Errorf("task cannot be empty")
	}

	result, err := d.queue.EnqueueWithContext(ctx, laneFor(chatID), func(taskCtx context.Context) (interface{}, error) {
		return d.collect(taskCtx, chatID, task)
	})
	if err != nil {
		return nil, err
	}
	return result.(*CollectResult), nil
}

func (d *Dispatcher) collect(ctx context.Context, chatID, task string) (*CollectResult, error) {
	start := time.Now()

	ctx = tracing.WithChatID(tracing.WithRunID(ctx, tracing.NewRunID()), chatID)
	ctx, span := tracing.StartSpan(ctx, "dispatcher", "dispatcher.run_collect",
		attribute.String("chat_id", chatID))
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, d.logger)

	sess, err := d.registry.GetOrCreate(ctx, chatID)
	if err != nil {
		observability.RecordRun(time.Since(start), "error")
		return nil, fmt.Errorf("failed to resolve session: %w", err)
	}

	sess.BeginRun(task, true)

	stream, err := d.reasoner.Run(ctx, task, sess.MemorySnapshot(), reasoner.RunOptions{Reset: true})
	if err != nil {
		observability.RecordRun(time.Since(start), "error")
		return nil, fmt.Errorf("failed to start run: %w", err)
	}

	var steps []step.Step
	finalAnswer := ""

	for {
		st, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, reasoner.ErrEndOfStream) {
				break
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			observability.RecordRun(time.Since(start), "error")
			return nil, err
		}

		sess.RecordStep(st)
		observability.RecordStepEmitted(string(st.Type))
		steps = append(steps, st)
		if st.Type == step.TypeFinalAnswer {
			finalAnswer = st.FinalAnswer
		}
	}

	observability.RecordRun(time.Since(start), "success")
	logger.Info().Str("chatID", chatID).Int("steps", len(steps)).Msg("Stateless run completed")

	return &CollectResult{
		Answer: parseFinalAnswer(finalAnswer),
		Steps:  steps,
	}, nil
}

// parseFinalAnswer keeps structured answers structured and wraps plain
// text in a {"message": ...} object.
func parseFinalAnswer(answer string) json.RawMessage {
	if json.Valid([]byte(answer)) {
		return json.RawMessage(answer)
	}
	wrapped, _ := json.Marshal(map[string]string{"message": answer})
	return json.RawMessage(wrapped)
}
