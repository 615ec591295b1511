// Package step defines the reasoning step variants and the ordered step
// memory accumulated by a session.
package step

import "fmt"

// Type identifies a step variant. The wire names are what clients key on.
type Type string

const (
	// TypeTask records the task a run was started with
	TypeTask Type = "TaskStep"
	// TypePlanning carries an intermediate plan
	TypePlanning Type = "PlanningStep"
	// TypeAction carries the observations of an executed action
	TypeAction Type = "ActionStep"
	// TypeFinalAnswer carries the final answer of a run
	TypeFinalAnswer Type = "FinalAnswerStep"
	// TypeOther is a step the core does not interpret
	TypeOther Type = "Other"
)

// ErrorRecord captures a fault attached to a step. It carries data only;
// the active logging sink is injected per operation, never persisted.
type ErrorRecord struct {
	Message string `json:"message"`
}

// Step is a tagged variant with one payload field per case
type Step struct {
	Type         Type         `json:"type"`
	Task         string       `json:"task,omitempty"`
	Plan         string       `json:"plan,omitempty"`
	Observations string       `json:"observations,omitempty"`
	FinalAnswer  string       `json:"final_answer,omitempty"`
	Raw          string       `json:"raw,omitempty"`
	Error        *ErrorRecord `json:"error,omitempty"`
}

// NewTask creates a TaskStep
func NewTask(task string) Step {
	return Step{Type: TypeTask, Task: task}
}

// NewPlanning creates a PlanningStep
func NewPlanning(plan string) Step {
	return Step{Type: TypePlanning, Plan: plan}
}

// NewAction creates an ActionStep
func NewAction(observations string) Step {
	return Step{Type: TypeAction, Observations: observations}
}

// NewFinalAnswer creates a FinalAnswerStep
func NewFinalAnswer(finalAnswer string) Step {
	return Step{Type: TypeFinalAnswer, FinalAnswer: finalAnswer}
}

// NewOther creates an uninterpreted step
func NewOther(raw string) Step {
	return Step{Type: TypeOther, Raw: raw}
}

// DisplayContent returns the client-facing content of a step. Variants
// without display content return the empty string and are rendered by
// clients as state-only updates.
func (s Step) DisplayContent() string {
	switch s.Type {
	case TypePlanning:
		return s.Plan
	case TypeAction:
		return s.Observations
	case TypeFinalAnswer:
		return s.FinalAnswer
	default:
		return ""
	}
}

// Validate checks that the step carries a known type tag
func (s Step) Validate() error {
	switch s.Type {
	case TypeTask, TypePlanning, TypeAction, TypeFinalAnswer, TypeOther:
		return nil
	case "":
		return fmt.Errorf("step has no type tag")
	default:
		return fmt.Errorf("unknown step type %q", s.Type)
	}
}
