package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"specnerd/internal/classify"
)

// StepStatus is the lifecycle of one plan step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// PlanStep is one specialist invocation. Only Status (and the recorded
// Summary) change once the step has started.
type PlanStep struct {
	StepNumber   int        `json:"stepNumber"`
	SpecialistID string     `json:"specialistId"`
	Description  string     `json:"description"`
	Status       StepStatus `json:"status"`
	Summary      string     `json:"summary,omitempty"`
}

// Plan is an ordered sequence of specialist steps for one user task.
type Plan struct {
	ID     string     `json:"id"`
	Task   string     `json:"task"`
	Steps  []PlanStep `json:"steps"`
	Failed bool       `json:"failed,omitempty"`
}

// Planner turns a user task into a plan.
type Planner interface {
	Plan(ctx context.Context, task string) (*Plan, error)
}

// PlannerFunc adapts a function to Planner.
type PlannerFunc func(ctx context.Context, task string) (*Plan, error)

func (f PlannerFunc) Plan(ctx context.Context, task string) (*Plan, error) { return f(ctx, task) }

// NewPlan builds a pending plan, numbering the steps from 1.
func NewPlan(task string, steps ...PlanStep) *Plan {
	p := &Plan{ID: uuid.NewString(), Task: task, Steps: make([]PlanStep, len(steps))}
	for i, s := range steps {
		s.StepNumber = i + 1
		s.Status = StepPending
		s.Summary = ""
		p.Steps[i] = s
	}
	return p
}

// Validate checks that the plan is runnable. Errors are of kind
// classify.KindValidation.
func (p *Plan) Validate() error {
	if p == nil || len(p.Steps) == 0 {
		return classify.WithKind(classify.KindValidation, errors.New("plan has no steps"))
	}
	for i, s := range p.Steps {
		if strings.TrimSpace(s.SpecialistID) == "" {
			return classify.WithKind(classify.KindValidation, fmt.Errorf("step %d has no specialist", i+1))
		}
		if s.StepNumber != i+1 {
			return classify.WithKind(classify.KindValidation, fmt.Errorf("step %d is numbered %d", i+1, s.StepNumber))
		}
	}
	return nil
}

// Current returns the index of the step to run next: the step in progress,
// else the first pending one.
func (p *Plan) Current() (int, bool) {
	if p == nil || p.Failed {
		return -1, false
	}
	for i, s := range p.Steps {
		if s.Status == StepInProgress {
			return i, true
		}
	}
	for i, s := range p.Steps {
		if s.Status == StepPending {
			return i, true
		}
	}
	return -1, false
}

// Clone returns a deep copy.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	c := *p
	c.Steps = append([]PlanStep(nil), p.Steps...)
	return &c
}

// Done counts completed steps.
func (p *Plan) Done() int {
	n := 0
	for _, s := range p.Steps {
		if s.Status == StepCompleted {
			n++
		}
	}
	return n
}
