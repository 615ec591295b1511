// Package reasoner defines the reasoning capability consumed by the
// dispatcher: given a task and prior memory, produce a finite or unbounded
// ordered sequence of steps. The core treats this as opaque; the provided
// implementations drive an LLM provider turn by turn.
package reasoner

import (
	"context"
	"errors"
	"sync"

	"github.com/stepwire/stepwire/pkg/step"
)

// ErrEndOfStream signals normal exhaustion of a step stream
var ErrEndOfStream = errors.New("end of stream")

// RunOptions makes the reset policy an explicit parameter of a run rather
// than an implicit difference between entry points.
type RunOptions struct {
	// Reset indicates the run starts from empty memory
	Reset bool
}

// Reasoner produces an ordered step sequence for a task. Implementations
// must keep the memory they were handed internally consistent up to the
// last completed step; it is read-only from the reasoner's point of view.
type Reasoner interface {
	Run(ctx context.Context, task string, mem *step.Memory, opts RunOptions) (*Stream, error)
}

// Stream delivers steps in production order over a bounded channel.
// The producer blocks when the consumer falls behind.
type Stream struct {
	steps chan step.Step
	done  chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
}

// NewStream creates a stream with the given buffer size
func NewStream(buffer int) *Stream {
	if buffer < 0 {
		buffer = 0
	}
	return &Stream{
		steps: make(chan step.Step, buffer),
		done:  make(chan struct{}),
	}
}

// Emit delivers one step to the consumer. It blocks until the consumer is
// ready or ctx is cancelled.
func (s *Stream) Emit(ctx context.Context, st step.Step) error {
	select {
	case s.steps <- st:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errors.New("stream closed")
	}
}

// Close ends the stream. A nil err means normal exhaustion; a non-nil err
// is surfaced to the consumer as the terminal fault.
func (s *Stream) Close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
}

// Next returns the next step in order. It returns ErrEndOfStream on normal
// exhaustion, the producer's terminal error on fault, or ctx.Err on
// cancellation.
func (s *Stream) Next(ctx context.Context) (step.Step, error) {
	select {
	case st := <-s.steps:
		return st, nil
	default:
	}

	select {
	case st := <-s.steps:
		return st, nil
	case <-s.done:
		// Drain steps emitted before close
		select {
		case st := <-s.steps:
			return st, nil
		default:
		}
		s.mu.Lock()
		err := s.err
		s.mu.Unlock()
		if err == nil {
			err = ErrEndOfStream
		}
		return step.Step{}, err
	case <-ctx.Done():
		return step.Step{}, ctx.Err()
	}
}
