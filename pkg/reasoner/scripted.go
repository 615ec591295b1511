package reasoner

import (
	"context"
	"sync"

	"github.com/stepwire/stepwire/pkg/step"
)

// Func adapts a plain function to the Reasoner interface
type Func func(ctx context.Context, task string, mem *step.Memory, opts RunOptions) (*Stream, error)

// Run calls f
func (f Func) Run(ctx context.Context, task string, mem *step.Memory, opts RunOptions) (*Stream, error) {
	return f(ctx, task, mem, opts)
}

// ScriptedCall records one Run invocation on a Scripted reasoner
type ScriptedCall struct {
	Task       string
	Reset      bool
	MemorySize int
}

// Scripted replays a fixed step sequence. It backs tests and dry runs where
// no provider should be called.
type Scripted struct {
	// Steps is the sequence emitted on every run
	Steps []step.Step

	// StepsFor overrides Steps per task when set
	StepsFor func(task string) []step.Step

	// Err closes the stream with a fault after the steps are emitted
	Err error

	mu    sync.Mutex
	calls []ScriptedCall
}

// Run emits the scripted steps on a fresh stream
func (s *Scripted) Run(ctx context.Context, task string, mem *step.Memory, opts RunOptions) (*Stream, error) {
	memSize := 0
	if mem != nil {
		memSize = mem.Len()
	}
	s.mu.Lock()
	s.calls = append(s.calls, ScriptedCall{Task: task, Reset: opts.Reset, MemorySize: memSize})
	s.mu.Unlock()

	steps := s.Steps
	if s.StepsFor != nil {
		steps = s.StepsFor(task)
	}

	stream := NewStream(defaultStreamBuffer)
	go func() {
		for _, st := range steps {
			if err := stream.Emit(ctx, st); err != nil {
				stream.Close(err)
				return
			}
		}
		stream.Close(s.Err)
	}()

	return stream, nil
}

// Calls returns the recorded Run invocations
func (s *Scripted) Calls() []ScriptedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScriptedCall, len(s.calls))
	copy(out, s.calls)
	return out
}
