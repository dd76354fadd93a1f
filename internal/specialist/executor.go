package specialist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"specnerd/internal/classify"
	"specnerd/internal/logging"
	"specnerd/internal/metrics"
	"specnerd/internal/prompt"
	"specnerd/internal/types"
	"specnerd/internal/usage"
)

// ErrUnknownSpecialist is returned when an id is not in the registry.
// It indicates a programming error in the caller, not a runtime failure.
var ErrUnknownSpecialist = errors.New("unknown specialist")

// FailureMaxIterations is the result error when the budget runs out.
const FailureMaxIterations = "max iterations reached"

const (
	// maxConsecutiveParseErrors ends a run whose model keeps replying with
	// something other than one action.
	maxConsecutiveParseErrors = 3

	// maxConsecutiveDenials ends a run that keeps reaching outside its
	// project directory.
	maxConsecutiveDenials = 3
)

var steeringHints = map[classify.Category]string{
	classify.CategoryOutputLimit: "Your previous response was too long. Plan the structure first, then fill sections incrementally with one small tool call per iteration.",
	classify.CategoryConfig:      "The request exceeded the model's context limit. Work on one section at a time and keep tool arguments small.",
}

// CancelFlag is a cooperative cancellation signal shared between an engine
// and the loop it is running. The loop only observes it between steps.
type CancelFlag struct {
	cancelled atomic.Bool
}

// Cancel requests cancellation.
func (c *CancelFlag) Cancel() {
	if c != nil {
		c.cancelled.Store(true)
	}
}

// Cancelled reports whether cancellation was requested. A nil flag never is.
func (c *CancelFlag) Cancelled() bool {
	return c != nil && c.cancelled.Load()
}

// ExecutorConfig holds configuration for the executor.
type ExecutorConfig struct {
	// EmptyResponseRetries bounds retries of blank model output per iteration.
	EmptyResponseRetries int

	// BackoffBase is the unit of the 2^(n-1) retry delay.
	BackoffBase time.Duration

	// RequestOptions are passed through on every model call.
	RequestOptions types.RequestOptions
}

// DefaultExecutorConfig returns sensible defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		EmptyResponseRetries: 3,
		BackoffBase:          time.Second,
	}
}

// Executor runs one specialist's bounded loop. It holds no per-run state and
// is safe to share across sessions.
type Executor struct {
	registry  types.SpecialistRegistry
	budget    IterationBudget
	assembler *prompt.Assembler
	tools     types.ToolExecutor
	metrics   *metrics.Metrics
	config    ExecutorConfig

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// Option customizes an Executor.
type Option func(*Executor)

// WithMetrics records loop metrics.
func WithMetrics(m *metrics.Metrics) Option { return func(e *Executor) { e.metrics = m } }

// WithConfig replaces the default configuration.
func WithConfig(cfg ExecutorConfig) Option { return func(e *Executor) { e.config = cfg } }

// WithSleeper replaces the backoff sleeper.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

// WithClock replaces the time source used for history timestamps.
func WithClock(fn func() time.Time) Option { return func(e *Executor) { e.now = fn } }

// NewExecutor creates an executor with the given dependencies.
func NewExecutor(
	registry types.SpecialistRegistry,
	budget IterationBudget,
	assembler *prompt.Assembler,
	tools types.ToolExecutor,
	opts ...Option,
) *Executor {
	logging.Executor("Creating specialist executor (content=%d, process=%d)", budget.Content, budget.Process)
	e := &Executor{
		registry:  registry,
		budget:    budget,
		assembler: assembler,
		tools:     tools,
		config:    DefaultExecutorConfig(),
		sleep:     sleepContext,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ResumeState continues a loop that stopped to ask the user a question, or
// retries a step that failed.
type ResumeState struct {
	History    []types.HistoryEntry `json:"history"`
	Steering   []string             `json:"steering,omitempty"`
	Iterations int                  `json:"iterations"`
	Question   string               `json:"question,omitempty"`

	// Retry grants the resumed loop a fresh iteration budget counted from
	// Iterations.
	Retry bool `json:"retry,omitempty"`
}

// ExecuteRequest describes one specialist run.
type ExecuteRequest struct {
	SpecialistID string
	SessionID    string
	BaseDir      string

	Task               string
	LatestUserResponse string
	DocumentTOC        string
	ChapterTemplate    string
	Variables          map[string]string
	Environment        map[string]string

	Model  types.LanguageModel
	Cancel *CancelFlag
	Resume *ResumeState
}

// ExecuteResult is the structured outcome of a run. Failures are reported
// here; Execute only returns an error for an unknown specialist.
type ExecuteResult struct {
	Success        bool                        `json:"success"`
	Content        string                      `json:"content"`
	StructuredData map[string]interface{}      `json:"structuredData,omitempty"`
	Error          string                      `json:"error,omitempty"`
	Classification *classify.Classification    `json:"classification,omitempty"`
	Completion     *types.TaskCompletionSignal `json:"completion,omitempty"`
	IterationCount int                         `json:"iterationCount"`

	// Kind is set on failures where they originate and drives the
	// recoverability decision of the caller.
	Kind classify.Kind `json:"kind,omitempty"`

	AwaitingUser bool   `json:"awaitingUser,omitempty"`
	Question     string `json:"question,omitempty"`
	Cancelled    bool   `json:"cancelled,omitempty"`

	History  []types.HistoryEntry `json:"history,omitempty"`
	Steering []string             `json:"steering,omitempty"`
	Duration time.Duration        `json:"duration"`
}

// Outcome names the result for logs and metrics.
func (r *ExecuteResult) Outcome() string {
	switch {
	case r.Cancelled:
		return "cancelled"
	case r.AwaitingUser:
		return "awaiting_user"
	case r.Success:
		return "success"
	default:
		return "failure"
	}
}

// ResumeState returns the state needed to continue or retry this run.
func (r *ExecuteResult) ResumeState() *ResumeState {
	return &ResumeState{
		History:    append([]types.HistoryEntry(nil), r.History...),
		Steering:   append([]string(nil), r.Steering...),
		Iterations: r.IterationCount,
		Question:   r.Question,
	}
}

// run is the mutable state of one Execute call.
type run struct {
	req       ExecuteRequest
	sp        types.Specialist
	max       int
	iteration int
	history   []types.HistoryEntry
	steering  []string
	tools     []types.ToolDefinition

	parseErrors int
	denials     int
}

// Execute runs the specialist loop until it completes, asks the user a
// question, is cancelled, fails, or exhausts its iteration budget.
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	sp, ok := e.registry.GetSpecialist(req.SpecialistID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSpecialist, req.SpecialistID)
	}

	ctx = usage.WithCaller(ctx, sp.ID, req.SessionID)
	start := time.Now()
	r := &run{req: req, sp: sp, max: e.budget.For(sp)}
	if cat, ok := e.tools.(types.ToolCatalog); ok {
		r.tools = cat.Definitions()
	}
	if req.Resume != nil {
		r.history = append(r.history, req.Resume.History...)
		r.steering = append(r.steering, req.Resume.Steering...)
		r.iteration = req.Resume.Iterations
		if req.Resume.Retry {
			r.max += r.iteration
		}
		if req.Resume.Question != "" && strings.TrimSpace(req.LatestUserResponse) != "" {
			r.history = append(r.history, types.HistoryEntry{
				Iteration: r.iteration,
				Kind:      types.HistoryUserResponse,
				Success:   true,
				Content:   fmt.Sprintf("Q: %s\nA: %s", req.Resume.Question, strings.TrimSpace(req.LatestUserResponse)),
				Timestamp: e.now(),
			})
		}
	}

	logging.Executor("Executing specialist %s (session=%s, budget=%d, resumed_at=%d)",
		sp.ID, req.SessionID, r.max, r.iteration)

	res := e.loop(ctx, r)
	res.IterationCount = r.iteration
	res.History = r.history
	res.Steering = r.steering
	res.Duration = time.Since(start)

	e.metrics.SpecialistFinished(sp.ID, res.Outcome(), res.Duration.Seconds())
	logging.Executor("Specialist %s finished: outcome=%s iterations=%d/%d duration=%v",
		sp.ID, res.Outcome(), r.iteration, r.max, res.Duration)
	return res, nil
}

func (e *Executor) loop(ctx context.Context, r *run) *ExecuteResult {
	if !r.sp.Enabled {
		return &ExecuteResult{Error: fmt.Sprintf("specialist %s is disabled", r.sp.ID), Kind: classify.KindValidation}
	}

	for r.iteration < r.max {
		if r.req.Cancel.Cancelled() {
			return cancelledResult()
		}
		r.iteration++
		e.metrics.IterationStarted(r.sp.ID)

		text, failure := e.callWithRetry(ctx, r)
		if failure != nil {
			return failure
		}

		action, err := ParseAction(text)
		if err != nil {
			logging.ExecutorWarn("%s iteration %d: unparseable reply: %v", r.sp.ID, r.iteration, err)
			r.history = append(r.history, types.HistoryEntry{
				Iteration: r.iteration,
				Kind:      types.HistoryParseError,
				Content:   fmt.Sprintf("Invalid reply (%v). Reply with exactly one JSON object selecting one tool or taskComplete.", err),
				Timestamp: e.now(),
			})
			if r.parseErrors++; r.parseErrors >= maxConsecutiveParseErrors {
				msg := fmt.Sprintf("%d unparseable replies in a row: %v", r.parseErrors, err)
				return &ExecuteResult{Error: msg, Content: msg, Kind: classify.KindOf(err)}
			}
			continue
		}
		r.parseErrors = 0
		thought := e.stampThought(action.Thought)

		if tc := action.TaskComplete; tc != nil {
			r.history = append(r.history, types.HistoryEntry{
				Iteration: r.iteration,
				Kind:      types.HistoryCompletion,
				Success:   true,
				Content:   fmt.Sprintf("%s: %s", tc.NextStepType, tc.Summary),
				Thought:   thought,
				Timestamp: e.now(),
			})
			if tc.NextStepType != types.ContinueSameSpecialist {
				return &ExecuteResult{
					Success:        true,
					Content:        tc.Summary,
					StructuredData: tc.ContextForNext,
					Completion:     tc,
				}
			}
			logging.ExecutorDebug("%s iteration %d: continuing (%s)", r.sp.ID, r.iteration, tc.Summary)
			continue
		}

		if action.Tool == askQuestionTool {
			q := action.Question()
			r.history = append(r.history, types.HistoryEntry{
				Iteration: r.iteration,
				Kind:      types.HistoryToolResult,
				ToolName:  askQuestionTool,
				Success:   true,
				Content:   "asked the user: " + q,
				Thought:   thought,
				Timestamp: e.now(),
			})
			return &ExecuteResult{AwaitingUser: true, Question: q, Content: q}
		}

		if r.req.Cancel.Cancelled() {
			return cancelledResult()
		}
		if denied := e.runTool(ctx, r, action, thought); denied != nil {
			return denied
		}
		if r.req.Cancel.Cancelled() {
			return cancelledResult()
		}
	}

	logging.ExecutorWarn("%s exhausted its iteration budget (%d)", r.sp.ID, r.max)
	return &ExecuteResult{Error: FailureMaxIterations, Content: FailureMaxIterations}
}

// callWithRetry sends the current prompt and retries transient failures
// without consuming an iteration.
func (e *Executor) callWithRetry(ctx context.Context, r *run) (string, *ExecuteResult) {
	retries, emptyRetries := 0, 0
	for {
		promptText, err := e.assembler.Assemble(prompt.AssemblyRequest{
			Specialist:         r.sp,
			Task:               r.req.Task,
			LatestUserResponse: r.req.LatestUserResponse,
			DocumentTOC:        r.req.DocumentTOC,
			ChapterTemplate:    r.req.ChapterTemplate,
			Variables:          r.req.Variables,
			Environment:        r.req.Environment,
			History:            r.history,
			Steering:           r.steering,
			Tools:              r.tools,
			Iteration:          r.iteration,
			MaxIterations:      r.max,
		})
		if err != nil {
			logging.ExecutorError("%s: %v", r.sp.ID, err)
			return "", &ExecuteResult{Error: err.Error(), Content: err.Error(), Kind: classify.KindValidation}
		}

		text, err := e.callModel(ctx, r.req.Model, promptText)
		if err == nil && strings.TrimSpace(text) == "" {
			err = classify.ErrEmptyResponse
		}
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) {
			return "", cancelledResult()
		}

		var cls classify.Classification
		var attempt int
		if errors.Is(err, classify.ErrEmptyResponse) {
			cls = classify.EmptyResponse(e.config.EmptyResponseRetries)
			if emptyRetries >= cls.MaxRetries {
				return "", failureResult(cls, fmt.Errorf("%w after %d retries", err, emptyRetries))
			}
			emptyRetries++
			attempt = emptyRetries
		} else {
			cls = classify.Classify(err)
			if cls.NeedsSteering() {
				r.addSteering(steeringHints[cls.Category])
			}
			if !cls.Retryable || retries >= cls.MaxRetries {
				logging.ExecutorWarn("%s iteration %d: giving up on %s: %v", r.sp.ID, r.iteration, cls, err)
				return "", failureResult(cls, err)
			}
			retries++
			attempt = retries
		}

		delay := e.backoff(attempt)
		e.metrics.ModelRetry(string(cls.Category))
		logging.ExecutorWarn("%s iteration %d: %s failure (%v), retry %d in %v",
			r.sp.ID, r.iteration, cls.Category, err, attempt, delay)
		if err := e.sleep(ctx, delay); err != nil {
			return "", cancelledResult()
		}
	}
}

func (e *Executor) callModel(ctx context.Context, model types.LanguageModel, promptText string) (string, error) {
	if model == nil {
		return "", &types.ModelError{Message: "no language model configured"}
	}
	stream, err := model.SendRequest(ctx, []types.Message{{Role: "user", Content: promptText}}, e.config.RequestOptions)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for chunk, err := range stream {
		if err != nil {
			return "", err
		}
		sb.WriteString(chunk)
	}
	return sb.String(), nil
}

// runTool executes the action's tool and records the result. It returns a
// failure only when the tool has refused access too many times in a row.
func (e *Executor) runTool(ctx context.Context, r *run, action *Action, thought *types.ThoughtRecord) *ExecuteResult {
	caller := types.CallerContext{
		SessionID:    r.req.SessionID,
		SpecialistID: r.sp.ID,
		Iteration:    r.iteration,
		BaseDir:      r.req.BaseDir,
	}

	var res types.ToolResult
	if e.tools == nil {
		res = types.ToolResult{Error: "no tools are available"}
	} else {
		var err error
		res, err = e.tools.Execute(ctx, action.Tool, action.Args, caller)
		if err != nil {
			res = types.ToolResult{Success: false, Error: err.Error(), Denied: classify.KindOf(err) == classify.KindPermission}
		}
	}
	if !res.Success {
		logging.ExecutorDebug("%s iteration %d: tool %s failed: %s", r.sp.ID, r.iteration, action.Tool, res.Error)
	}

	r.history = append(r.history, types.HistoryEntry{
		Iteration: r.iteration,
		Kind:      types.HistoryToolResult,
		ToolName:  action.Tool,
		Success:   res.Success,
		Content:   marshalResult(res),
		Thought:   thought,
		Timestamp: e.now(),
	})

	if !res.Denied {
		r.denials = 0
		return nil
	}
	if r.denials++; r.denials < maxConsecutiveDenials {
		return nil
	}
	msg := fmt.Sprintf("tool access denied %d times in a row: %s", r.denials, res.Error)
	logging.ExecutorWarn("%s iteration %d: %s", r.sp.ID, r.iteration, msg)
	return &ExecuteResult{Error: msg, Content: msg, Kind: classify.KindPermission}
}

func (e *Executor) stampThought(t *types.ThoughtRecord) *types.ThoughtRecord {
	if t == nil {
		return nil
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = e.now()
	}
	return t
}

func (e *Executor) backoff(attempt int) time.Duration {
	return classify.Backoff(e.config.BackoffBase, attempt)
}

func (r *run) addSteering(hint string) {
	for _, h := range r.steering {
		if h == hint {
			return
		}
	}
	r.steering = append([]string{hint}, r.steering...)
}

func failureResult(cls classify.Classification, err error) *ExecuteResult {
	return &ExecuteResult{
		Error:          err.Error(),
		Content:        cls.UserMessage,
		Classification: &cls,
		Kind:           classify.KindTransient,
	}
}

func cancelledResult() *ExecuteResult {
	return &ExecuteResult{Cancelled: true, Error: "cancelled", Content: "cancelled", Kind: classify.KindUserCancelled}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
