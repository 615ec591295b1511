package step

import (
	"encoding/json"
	"fmt"
)

// SchemaVersion is the snapshot encoding version. Bump when the Step
// variant schema changes incompatibly.
const SchemaVersion = 1

// Memory is the ordered sequence of steps accumulated by one session.
// It is append-only during a run and replaced wholesale on restore.
type Memory struct {
	steps []Step
}

// NewMemory creates a memory holding the given steps
func NewMemory(steps ...Step) *Memory {
	m := &Memory{}
	m.steps = append(m.steps, steps...)
	return m
}

// Append adds a step to the end of the memory
func (m *Memory) Append(s Step) {
	m.steps = append(m.steps, s)
}

// Len returns the number of steps
func (m *Memory) Len() int {
	return len(m.steps)
}

// Steps returns a copy of the ordered step sequence
func (m *Memory) Steps() []Step {
	out := make([]Step, len(m.steps))
	copy(out, m.steps)
	return out
}

// LastTask scans from the end for the most recent TaskStep with a task.
// Absence is a degraded state, not an error.
func (m *Memory) LastTask() (string, bool) {
	for i := len(m.steps) - 1; i >= 0; i-- {
		if m.steps[i].Type == TypeTask && m.steps[i].Task != "" {
			return m.steps[i].Task, true
		}
	}
	return "", false
}

// Reset drops all steps
func (m *Memory) Reset() {
	m.steps = nil
}

// Clone returns an independent copy of the memory
func (m *Memory) Clone() *Memory {
	return NewMemory(m.steps...)
}

// envelope is the versioned snapshot encoding of a memory
type envelope struct {
	Version int    `json:"version"`
	Steps   []Step `json:"steps"`
}

// MarshalJSON encodes the memory as a versioned snapshot envelope
func (m *Memory) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelope{
		Version: SchemaVersion,
		Steps:   m.steps,
	})
}

// UnmarshalJSON decodes a versioned snapshot envelope
func (m *Memory) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if env.Version != SchemaVersion {
		return fmt.Errorf("unsupported snapshot version %d (want %d)", env.Version, SchemaVersion)
	}
	for i, s := range env.Steps {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("snapshot step %d: %w", i, err)
		}
	}
	m.steps = env.Steps
	return nil
}
