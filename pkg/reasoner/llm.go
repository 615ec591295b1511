package reasoner

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/stepwire/stepwire/internal/tracing"
	"github.com/stepwire/stepwire/pkg/step"
)

const (
	defaultStreamBuffer = 8
	finalAnswerMarker   = "FINAL:"
)

const systemPrompt = `You are a step-by-step reasoning agent. Work on the task one step at a time.
Reply with the observation from your current step. When the task is complete,
reply with "FINAL:" followed by the final answer and nothing else.`

const planningPrompt = `Write a short plan for how to continue working on the task. Reply with the plan only.`

// Config holds LLM reasoner configuration
type Config struct {
	Provider         LLMProvider
	Model            string
	Temperature      float64
	MaxTokens        int
	PlanningInterval int
	MaxSteps         int
	Logger           zerolog.Logger
}

// LLMReasoner drives an LLM provider turn by turn, interleaving planning
// steps and forcing a final answer when the step budget runs out.
type LLMReasoner struct {
	provider         LLMProvider
	model            string
	temperature      float64
	maxTokens        int
	planningInterval int
	maxSteps         int
	logger           zerolog.Logger
}

// NewLLMReasoner creates a provider-backed reasoner
func NewLLMReasoner(cfg Config) (*LLMReasoner, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.MaxSteps <= 0 {
		return nil, fmt.Errorf("max steps must be positive")
	}

	return &LLMReasoner{
		provider:         cfg.Provider,
		model:            cfg.Model,
		temperature:      cfg.Temperature,
		maxTokens:        cfg.MaxTokens,
		planningInterval: cfg.PlanningInterval,
		maxSteps:         cfg.MaxSteps,
		logger:           cfg.Logger,
	}, nil
}

// Run starts a reasoning run and returns its step stream
func (r *LLMReasoner) Run(ctx context.Context, task string, mem *step.Memory, opts RunOptions) (*Stream, error) {
	if task == "" {
		return nil, fmt.Errorf("task cannot be empty")
	}

	prior := step.NewMemory()
	if !opts.Reset && mem != nil {
		prior = mem.Clone()
	}

	stream := NewStream(defaultStreamBuffer)
	go r.drive(ctx, stream, task, prior)

	return stream, nil
}

// drive produces the step sequence until a final answer, the step budget,
// a provider fault, or cancellation.
func (r *LLMReasoner) drive(ctx context.Context, stream *Stream, task string, prior *step.Memory) {
	logger := tracing.LoggerFromContext(ctx, r.logger)

	if err := stream.Emit(ctx, step.NewTask(task)); err != nil {
		stream.Close(err)
		return
	}

	transcript := r.buildMessages(task, prior)

	for n := 0; n < r.maxSteps; n++ {
		if r.planningInterval > 0 && n%r.planningInterval == 0 {
			plan, err := r.call(ctx, append(transcript, Message{Role: "user", Content: planningPrompt}))
			if err != nil {
				stream.Close(fmt.Errorf("planning step failed: %w", err))
				return
			}
			if err := stream.Emit(ctx, step.NewPlanning(plan)); err != nil {
				stream.Close(err)
				return
			}
			transcript = append(transcript, Message{Role: "assistant", Content: plan})
		}

		reply, err := r.call(ctx, append(transcript, Message{Role: "user", Content: "Continue with the next step."}))
		if err != nil {
			stream.Close(fmt.Errorf("action step failed: %w", err))
			return
		}

		if answer, ok := extractFinalAnswer(reply); ok {
			if err := stream.Emit(ctx, step.NewFinalAnswer(answer)); err != nil {
				stream.Close(err)
				return
			}
			stream.Close(nil)
			return
		}

		if err := stream.Emit(ctx, step.NewAction(reply)); err != nil {
			stream.Close(err)
			return
		}
		transcript = append(transcript, Message{Role: "assistant", Content: reply})
	}

	// Step budget exhausted: force a final answer
	logger.Warn().Int("maxSteps", r.maxSteps).Msg("Step budget exhausted, forcing final answer")

	reply, err := r.call(ctx, append(transcript, Message{Role: "user", Content: "Give your final answer now."}))
	if err != nil {
		stream.Close(fmt.Errorf("forced final answer failed: %w", err))
		return
	}

	answer, _ := extractFinalAnswer(reply)
	if answer == "" {
		answer = reply
	}
	if err := stream.Emit(ctx, step.NewFinalAnswer(answer)); err != nil {
		stream.Close(err)
		return
	}
	stream.Close(nil)
}

// call makes one provider call
func (r *LLMReasoner) call(ctx context.Context, messages []Message) (string, error) {
	resp, err := r.provider.Call(ctx, LLMRequest{
		Model:        r.model,
		Messages:     messages,
		Temperature:  r.temperature,
		MaxTokens:    r.maxTokens,
		SystemPrompt: systemPrompt,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

// buildMessages converts prior memory into a provider transcript
func (r *LLMReasoner) buildMessages(task string, prior *step.Memory) []Message {
	var messages []Message

	for _, st := range prior.Steps() {
		switch st.Type {
		case step.TypeTask:
			messages = append(messages, Message{Role: "user", Content: "Task: " + st.Task})
		case step.TypePlanning:
			messages = append(messages, Message{Role: "assistant", Content: st.Plan})
		case step.TypeAction:
			messages = append(messages, Message{Role: "assistant", Content: st.Observations})
		case step.TypeFinalAnswer:
			messages = append(messages, Message{Role: "assistant", Content: st.FinalAnswer})
		}
	}

	messages = append(messages, Message{Role: "user", Content: "Task: " + task})
	return messages
}

// extractFinalAnswer detects the final answer marker in a provider reply
func extractFinalAnswer(reply string) (string, bool) {
	if !strings.HasPrefix(reply, finalAnswerMarker) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(reply, finalAnswerMarker)), true
}
