package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"specnerd/internal/classify"
	"specnerd/internal/engine"
	"specnerd/internal/logging"
	"specnerd/internal/types"
	"specnerd/internal/usage"
)

// maxPlanSteps bounds a model-proposed plan.
const maxPlanSteps = 12

// SpecialistLister lists the specialists a plan may use.
type SpecialistLister interface {
	Enabled() []types.Specialist
}

// ModelPlanner asks the model to split a task into specialist steps.
type ModelPlanner struct {
	model    types.LanguageModel
	lister   SpecialistLister
	fallback string
	opts     types.RequestOptions

	backoffBase time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// PlannerOption customizes a ModelPlanner.
type PlannerOption func(*ModelPlanner)

// WithPlannerBackoff sets the unit of the retry delay.
func WithPlannerBackoff(base time.Duration) PlannerOption {
	return func(p *ModelPlanner) { p.backoffBase = base }
}

// WithPlannerSleeper replaces the backoff sleeper.
func WithPlannerSleeper(fn func(ctx context.Context, d time.Duration) error) PlannerOption {
	return func(p *ModelPlanner) { p.sleep = fn }
}

// NewModelPlanner creates a planner. fallback names the specialist that gets
// the whole task when the model's plan is unusable.
func NewModelPlanner(model types.LanguageModel, lister SpecialistLister, fallback string, opts types.RequestOptions, popts ...PlannerOption) *ModelPlanner {
	p := &ModelPlanner{
		model:       model,
		lister:      lister,
		fallback:    fallback,
		opts:        opts,
		backoffBase: time.Second,
		sleep:       sleep,
	}
	for _, opt := range popts {
		opt(p)
	}
	return p
}

// PlanError is a planner model failure that survived its retries.
type PlanError struct {
	Classification classify.Classification
	Err            error
}

func (e *PlanError) Error() string { return fmt.Sprintf("planner model failed: %v", e.Err) }
func (e *PlanError) Unwrap() error { return e.Err }

// UserMessage is the message shown instead of the raw error.
func (e *PlanError) UserMessage() string { return e.Classification.UserMessage }

type rawPlan struct {
	Steps []struct {
		Specialist  string `json:"specialist"`
		Description string `json:"description"`
	} `json:"steps"`
}

// Plan returns a plan restricted to enabled specialists. A task naming a
// specialist id runs that specialist alone.
func (p *ModelPlanner) Plan(ctx context.Context, task string) (*engine.Plan, error) {
	enabled := p.lister.Enabled()
	if len(enabled) == 0 {
		return nil, errors.New("no specialists are enabled")
	}
	known := make(map[string]bool, len(enabled))
	for _, sp := range enabled {
		known[sp.ID] = true
	}

	if id := namedSpecialist(task, known); id != "" {
		logging.OrchestratorDebug("Task names %s directly, single-step plan", id)
		return engine.NewPlan(task, engine.PlanStep{SpecialistID: id, Description: task}), nil
	}
	if p.model == nil {
		return p.single(task, known, "no model configured")
	}

	resp, err := p.completeWithRetry(usage.WithCaller(ctx, "planner", ""), planningPrompt(task, enabled))
	if err != nil {
		return nil, err
	}

	var raw rawPlan
	if err := json.Unmarshal([]byte(cleanJSONResponse(resp)), &raw); err != nil {
		return p.single(task, known, fmt.Sprintf("unparseable plan: %v", err))
	}
	var steps []engine.PlanStep
	for _, s := range raw.Steps {
		id := strings.TrimSpace(s.Specialist)
		if !known[id] {
			logging.OrchestratorWarn("Dropping plan step for unknown or disabled specialist %q", id)
			continue
		}
		steps = append(steps, engine.PlanStep{SpecialistID: id, Description: strings.TrimSpace(s.Description)})
		if len(steps) == maxPlanSteps {
			break
		}
	}
	if len(steps) == 0 {
		return p.single(task, known, "plan has no usable steps")
	}
	logging.Orchestrator("Planned %d step(s) for task", len(steps))
	return engine.NewPlan(task, steps...), nil
}

func (p *ModelPlanner) single(task string, known map[string]bool, reason string) (*engine.Plan, error) {
	if !known[p.fallback] {
		return nil, fmt.Errorf("%s and fallback specialist %q is not available", reason, p.fallback)
	}
	logging.OrchestratorWarn("Falling back to %s: %s", p.fallback, reason)
	return engine.NewPlan(task, engine.PlanStep{SpecialistID: p.fallback, Description: task}), nil
}

// completeWithRetry retries classified transient failures with the same
// backoff the specialist loop uses.
func (p *ModelPlanner) completeWithRetry(ctx context.Context, prompt string) (string, error) {
	for retries := 0; ; {
		resp, err := p.complete(ctx, prompt)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		cls := classify.Classify(err)
		if !cls.Retryable || retries >= cls.MaxRetries {
			logging.OrchestratorWarn("Planner giving up on %s: %v", cls, err)
			return "", &PlanError{Classification: cls, Err: err}
		}
		retries++
		delay := classify.Backoff(p.backoffBase, retries)
		logging.OrchestratorWarn("Planner %s failure (%v), retry %d in %v", cls.Category, err, retries, delay)
		if err := p.sleep(ctx, delay); err != nil {
			return "", err
		}
	}
}

func (p *ModelPlanner) complete(ctx context.Context, prompt string) (string, error) {
	seq, err := p.model.SendRequest(ctx, []types.Message{{Role: "user", Content: prompt}}, p.opts)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for chunk, err := range seq {
		if err != nil {
			return "", err
		}
		b.WriteString(chunk)
	}
	return b.String(), nil
}

func planningPrompt(task string, enabled []types.Specialist) string {
	var b strings.Builder
	b.WriteString("You plan work for a team of requirement-document specialists.\n\n")
	fmt.Fprintf(&b, "TASK: %s\n\nSPECIALISTS:\n", task)
	for _, sp := range enabled {
		fmt.Fprintf(&b, "- %s (%s): %s\n", sp.ID, sp.Category, sp.Description)
	}
	fmt.Fprintf(&b, `
Split the task into at most %d ordered steps. Each step is handled by one
specialist from the list above. Use as few steps as the task needs.

Output JSON:
{
  "steps": [
    {"specialist": "specialist_id", "description": "What this step produces"}
  ]
}

Output ONLY valid JSON:`, maxPlanSteps)
	return b.String()
}

// namedSpecialist returns the single specialist id mentioned in the task.
func namedSpecialist(task string, known map[string]bool) string {
	found := ""
	for _, word := range strings.FieldsFunc(task, func(r rune) bool {
		return !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	}) {
		if !known[word] || word == found {
			continue
		}
		if found != "" {
			return ""
		}
		found = word
	}
	return found
}

// cleanJSONResponse removes markdown code fences and surrounding prose.
func cleanJSONResponse(resp string) string {
	resp = strings.TrimSpace(resp)
	resp = strings.TrimPrefix(resp, "```json")
	resp = strings.TrimPrefix(resp, "```")
	resp = strings.TrimSuffix(resp, "```")
	resp = strings.TrimSpace(resp)
	if start, end := strings.Index(resp, "{"), strings.LastIndex(resp, "}"); start > 0 && end > start {
		resp = resp[start : end+1]
	}
	return resp
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
