package specialist

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"specnerd/internal/classify"
	"specnerd/internal/config"
	"specnerd/internal/prompt"
	"specnerd/internal/types"
)

// =============================================================================
// FAKES
// =============================================================================

type reply struct {
	text string
	err  error
}

// scriptedModel replays replies in order; the last reply repeats forever.
type scriptedModel struct {
	mu      sync.Mutex
	replies []reply
	prompts []string
}

func script(replies ...reply) *scriptedModel { return &scriptedModel{replies: replies} }

func (m *scriptedModel) SendRequest(_ context.Context, msgs []types.Message, _ types.RequestOptions) (iter.Seq2[string, error], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, msgs[len(msgs)-1].Content)
	r := m.replies[0]
	if len(m.replies) > 1 {
		m.replies = m.replies[1:]
	}
	if r.err != nil {
		return nil, r.err
	}
	text := r.text
	return func(yield func(string, error) bool) {
		// Split to exercise chunk accumulation.
		half := len(text) / 2
		if !yield(text[:half], nil) {
			return
		}
		yield(text[half:], nil)
	}, nil
}

func (m *scriptedModel) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

type fakeTools struct {
	calls  []string
	result types.ToolResult
	err    error
	onCall func()
}

func (f *fakeTools) Execute(_ context.Context, name string, _ map[string]interface{}, _ types.CallerContext) (types.ToolResult, error) {
	f.calls = append(f.calls, name)
	if f.onCall != nil {
		f.onCall()
	}
	return f.result, f.err
}

func (f *fakeTools) Definitions() []types.ToolDefinition {
	return []types.ToolDefinition{{Name: "writeFile", Description: "Write a file"}}
}

const (
	replyContinue = `{"taskComplete":{"nextStepType":"CONTINUE_SAME_SPECIALIST","summary":"drafted part"}}`
	replyFinished = `{"taskComplete":{"nextStepType":"TASK_FINISHED","summary":"all done","contextForNext":{"chapters":2}}}`
	replyHandoff  = `{"taskComplete":{"nextStepType":"HANDOFF_TO_SPECIALIST","summary":"handing off"}}`
	replyWrite    = `{"tool":"writeFile","args":{"path":"SRS.md"},"thought":{"thinkingType":"planning","content":"write the FR chapter"}}`
	replyAsk      = `{"tool":"askQuestion","args":{"question":"Which database?"}}`
)

type harness struct {
	exec   *Executor
	tools  *fakeTools
	sleeps []time.Duration
}

func newHarness(t *testing.T, overrides map[string]config.SpecialistOverride) *harness {
	t.Helper()
	templates, err := prompt.LoadEmbeddedTemplates()
	require.NoError(t, err)

	reg := NewRegistry(config.SpecialistsConfig{
		Defaults:  config.CategoryDefaults{Content: 4, Process: 2},
		Overrides: overrides,
	})
	h := &harness{tools: &fakeTools{result: types.ToolResult{Success: true, Result: "written"}}}
	h.exec = NewExecutor(reg, reg.Budget(), prompt.NewAssembler(templates, prompt.DefaultCompressionConfig()), h.tools,
		WithConfig(ExecutorConfig{EmptyResponseRetries: 3, BackoffBase: time.Second}),
		WithSleeper(func(ctx context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return ctx.Err()
		}),
	)
	return h
}

func request(model types.LanguageModel) ExecuteRequest {
	return ExecuteRequest{
		SpecialistID: "fr_writer",
		SessionID:    "s1",
		Task:         "Write the functional requirements",
		Model:        model,
		Variables:    map[string]string{"PROJECT_NAME": "demo"},
	}
}

// =============================================================================
// TERMINATION
// =============================================================================

func TestExecuteOverrideContinueThenFinish(t *testing.T) {
	h := newHarness(t, map[string]config.SpecialistOverride{"fr_writer": {MaxIterations: 3}})
	model := script(reply{text: replyContinue}, reply{text: replyContinue}, reply{text: replyFinished})

	res, err := h.exec.Execute(context.Background(), request(model))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 3, res.IterationCount)
	assert.Equal(t, "all done", res.Content)
	assert.Equal(t, types.TaskFinished, res.Completion.NextStepType)
	assert.Equal(t, 2.0, res.StructuredData["chapters"])
	assert.Len(t, model.Prompts(), 3)
}

func TestExecuteOverrideNeverFinishes(t *testing.T) {
	h := newHarness(t, map[string]config.SpecialistOverride{"fr_writer": {MaxIterations: 3}})
	model := script(reply{text: replyContinue})

	res, err := h.exec.Execute(context.Background(), request(model))
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, FailureMaxIterations, res.Error)
	assert.Equal(t, 3, res.IterationCount)
	assert.Len(t, model.Prompts(), 3)
	assert.True(t, res.Kind.Recoverable())
}

func TestExecuteRetryResumeExtendsBudget(t *testing.T) {
	h := newHarness(t, map[string]config.SpecialistOverride{"fr_writer": {MaxIterations: 3}})
	res, err := h.exec.Execute(context.Background(), request(script(reply{text: replyContinue})))
	require.NoError(t, err)
	require.Equal(t, FailureMaxIterations, res.Error)

	// Resuming without the retry mark has nothing left to spend.
	stuck := request(script(reply{text: replyFinished}))
	stuck.Resume = res.ResumeState()
	again, err := h.exec.Execute(context.Background(), stuck)
	require.NoError(t, err)
	assert.Equal(t, FailureMaxIterations, again.Error)
	assert.Empty(t, stuck.Model.(*scriptedModel).Prompts())

	retry := request(script(reply{text: replyContinue}, reply{text: replyFinished}))
	retry.Resume = res.ResumeState()
	retry.Resume.Retry = true
	again, err = h.exec.Execute(context.Background(), retry)
	require.NoError(t, err)
	assert.True(t, again.Success)
	assert.Equal(t, 5, again.IterationCount)
	assert.Len(t, retry.Model.(*scriptedModel).Prompts(), 2)
}

func TestExecuteCategoryBudget(t *testing.T) {
	h := newHarness(t, nil)

	content, err := h.exec.Execute(context.Background(), request(script(reply{text: replyContinue})))
	require.NoError(t, err)
	assert.Equal(t, 4, content.IterationCount)

	req := request(script(reply{text: replyContinue}))
	req.SpecialistID = "git_operator"
	process, err := h.exec.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, process.IterationCount)
}

func TestExecuteHandoffEndsRun(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.exec.Execute(context.Background(), request(script(reply{text: replyHandoff})))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, types.HandoffToSpecialist, res.Completion.NextStepType)
	assert.Equal(t, 1, res.IterationCount)
}

func TestExecuteUnknownSpecialist(t *testing.T) {
	h := newHarness(t, nil)
	req := request(script(reply{text: replyFinished}))
	req.SpecialistID = "ghost_writer"

	res, err := h.exec.Execute(context.Background(), req)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrUnknownSpecialist)
}

func TestExecuteDisabledSpecialist(t *testing.T) {
	off := false
	h := newHarness(t, map[string]config.SpecialistOverride{"fr_writer": {Enabled: &off}})
	model := script(reply{text: replyFinished})

	res, err := h.exec.Execute(context.Background(), request(model))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "disabled")
	assert.False(t, res.Kind.Recoverable())
	assert.Empty(t, model.Prompts())
}

// =============================================================================
// RETRIES
// =============================================================================

func TestExecuteRetryDoesNotConsumeIteration(t *testing.T) {
	h := newHarness(t, nil)
	model := script(
		reply{err: &types.ModelError{Message: "net::ERR_NETWORK_CHANGED"}},
		reply{err: &types.ModelError{Message: "ECONNREFUSED"}},
		reply{text: replyFinished},
	)

	res, err := h.exec.Execute(context.Background(), request(model))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 1, res.IterationCount)
	assert.Len(t, model.Prompts(), 3)
	assert.LessOrEqual(t, res.IterationCount, len(model.Prompts()))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.sleeps)
}

func TestExecuteRetriesExhausted(t *testing.T) {
	h := newHarness(t, nil)
	model := script(reply{err: &types.ModelError{Message: "connection refused"}})

	res, err := h.exec.Execute(context.Background(), request(model))
	require.NoError(t, err)

	assert.False(t, res.Success)
	require.NotNil(t, res.Classification)
	assert.Equal(t, classify.CategoryNetwork, res.Classification.Category)
	assert.Equal(t, res.Classification.UserMessage, res.Content)
	assert.Len(t, model.Prompts(), 4) // one call plus three retries
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, h.sleeps)
	assert.Equal(t, 1, res.IterationCount)
}

func TestExecuteServerErrorRetriedOnce(t *testing.T) {
	h := newHarness(t, nil)
	model := script(reply{err: &types.ModelError{Code: "500", Message: "internal"}})

	res, err := h.exec.Execute(context.Background(), request(model))
	require.NoError(t, err)
	assert.Equal(t, classify.CategoryServer, res.Classification.Category)
	assert.Len(t, model.Prompts(), 2)
}

func TestExecuteAuthNotRetried(t *testing.T) {
	h := newHarness(t, nil)
	model := script(reply{err: &types.ModelError{Code: "401", Message: "unauthorized"}}, reply{text: replyFinished})

	res, err := h.exec.Execute(context.Background(), request(model))
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, classify.CategoryAuth, res.Classification.Category)
	assert.False(t, res.Classification.Retryable)
	assert.Len(t, model.Prompts(), 1)
	assert.Empty(t, h.sleeps)
}

func TestExecuteEmptyResponses(t *testing.T) {
	h := newHarness(t, nil)
	model := script(reply{text: "   \n"})

	res, err := h.exec.Execute(context.Background(), request(model))
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, classify.CategoryEmptyResponse, res.Classification.Category)
	assert.Len(t, model.Prompts(), 4)
	assert.Equal(t, 1, res.IterationCount)
}

func TestExecuteEmptyThenRecover(t *testing.T) {
	h := newHarness(t, nil)
	model := script(reply{text: ""}, reply{text: replyFinished})

	res, err := h.exec.Execute(context.Background(), request(model))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.IterationCount)
}

func TestExecuteOutputLimitSteers(t *testing.T) {
	h := newHarness(t, nil)
	model := script(reply{err: &types.ModelError{Message: "Response too long"}}, reply{text: replyFinished})

	res, err := h.exec.Execute(context.Background(), request(model))
	require.NoError(t, err)
	require.True(t, res.Success)

	prompts := model.Prompts()
	require.Len(t, prompts, 2)
	assert.NotContains(t, prompts[0], "GUIDANCE:")
	assert.Contains(t, prompts[1], "GUIDANCE: "+steeringHints[classify.CategoryOutputLimit])
	assert.Equal(t, []string{steeringHints[classify.CategoryOutputLimit]}, res.Steering)
}

func TestExecuteConfigErrorKeepsSteeringForRetry(t *testing.T) {
	h := newHarness(t, nil)
	model := script(reply{err: &types.ModelError{Message: "input exceeds the context length"}})

	res, err := h.exec.Execute(context.Background(), request(model))
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, classify.CategoryConfig, res.Classification.Category)
	assert.Len(t, model.Prompts(), 1)
	require.Len(t, res.Steering, 1)

	retry := request(script(reply{text: replyFinished}))
	retry.Resume = res.ResumeState()
	retryModel := retry.Model.(*scriptedModel)
	again, err := h.exec.Execute(context.Background(), retry)
	require.NoError(t, err)
	assert.True(t, again.Success)
	assert.Contains(t, retryModel.Prompts()[0], "GUIDANCE: "+steeringHints[classify.CategoryConfig])
}

func TestExecuteContextCancelledDuringBackoff(t *testing.T) {
	h := newHarness(t, nil)
	h.exec.sleep = func(context.Context, time.Duration) error { return context.Canceled }
	model := script(reply{err: &types.ModelError{Message: "timed out"}})

	res, err := h.exec.Execute(context.Background(), request(model))
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Nil(t, res.Classification)
}

// =============================================================================
// TOOLS, PARSING, CLARIFICATION
// =============================================================================

func TestExecuteToolFailureFedBack(t *testing.T) {
	h := newHarness(t, nil)
	h.tools.result = types.ToolResult{Success: false, Error: "disk full"}
	model := script(reply{text: replyWrite}, reply{text: replyFinished})

	res, err := h.exec.Execute(context.Background(), request(model))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, []string{"writeFile"}, h.tools.calls)
	require.NotEmpty(t, res.History)
	assert.False(t, res.History[0].Success)
	assert.Equal(t, "writeFile", res.History[0].ToolName)

	prompts := model.Prompts()
	assert.Contains(t, prompts[1], "disk full")
	assert.Contains(t, prompts[1], "write the FR chapter")
}

func TestExecuteToolGoErrorFedBack(t *testing.T) {
	h := newHarness(t, nil)
	h.tools.err = errors.New("tool crashed")
	model := script(reply{text: replyWrite}, reply{text: replyFinished})

	res, err := h.exec.Execute(context.Background(), request(model))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, model.Prompts()[1], "tool crashed")
}

func TestExecuteParseErrorConsumesIteration(t *testing.T) {
	h := newHarness(t, nil)
	model := script(reply{text: "Sure! Here is my plan."}, reply{text: "```json\n" + replyFinished + "\n```"})

	res, err := h.exec.Execute(context.Background(), request(model))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 2, res.IterationCount)
	assert.Equal(t, types.HistoryParseError, res.History[0].Kind)
	assert.Contains(t, model.Prompts()[1], "Invalid reply")
}

func TestExecuteRepeatedParseErrorsStopRun(t *testing.T) {
	h := newHarness(t, map[string]config.SpecialistOverride{"fr_writer": {MaxIterations: 10}})
	model := script(reply{text: "Let me think about it."})

	res, err := h.exec.Execute(context.Background(), request(model))
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, classify.KindMalformedJSON, res.Kind)
	assert.False(t, res.Kind.Recoverable())
	assert.Equal(t, maxConsecutiveParseErrors, res.IterationCount)
	assert.Contains(t, res.Error, "unparseable replies in a row")
}

func TestExecuteRepeatedDenialsStopRun(t *testing.T) {
	h := newHarness(t, map[string]config.SpecialistOverride{"fr_writer": {MaxIterations: 10}})
	h.tools.result = types.ToolResult{Error: "path escapes the project directory: ../etc", Denied: true}
	model := script(reply{text: replyWrite})

	res, err := h.exec.Execute(context.Background(), request(model))
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, classify.KindPermission, res.Kind)
	assert.Len(t, h.tools.calls, maxConsecutiveDenials)
	assert.Contains(t, res.Error, "tool access denied 3 times in a row")
}

func TestExecuteDenialStreakResetsOnSuccess(t *testing.T) {
	h := newHarness(t, map[string]config.SpecialistOverride{"fr_writer": {MaxIterations: 10}})
	var n int
	h.tools.onCall = func() {
		n++
		h.tools.result = types.ToolResult{Error: "denied", Denied: n%2 == 1}
	}
	model := script(reply{text: replyWrite}, reply{text: replyWrite}, reply{text: replyWrite}, reply{text: replyWrite}, reply{text: replyFinished})

	res, err := h.exec.Execute(context.Background(), request(model))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Len(t, h.tools.calls, 4)
}

func TestExecuteAskQuestionAndResume(t *testing.T) {
	h := newHarness(t, nil)
	model := script(reply{text: replyAsk})

	res, err := h.exec.Execute(context.Background(), request(model))
	require.NoError(t, err)
	require.True(t, res.AwaitingUser)
	assert.False(t, res.Success)
	assert.Equal(t, "Which database?", res.Question)
	assert.Equal(t, 1, res.IterationCount)
	assert.Empty(t, h.tools.calls)

	next := script(reply{text: replyFinished})
	req := request(next)
	req.LatestUserResponse = "Postgres"
	req.Resume = res.ResumeState()

	done, err := h.exec.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, done.Success)
	assert.Equal(t, 2, done.IterationCount)
	assert.Contains(t, next.Prompts()[0], "A: Postgres")
	assert.Equal(t, types.HistoryUserResponse, done.History[1].Kind)
}

// =============================================================================
// CANCELLATION
// =============================================================================

func TestExecuteCancelledBeforeStart(t *testing.T) {
	h := newHarness(t, nil)
	model := script(reply{text: replyFinished})
	req := request(model)
	req.Cancel = &CancelFlag{}
	req.Cancel.Cancel()

	res, err := h.exec.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Nil(t, res.Classification)
	assert.Empty(t, model.Prompts())
	assert.Equal(t, 0, res.IterationCount)
}

func TestExecuteCancelledDuringTool(t *testing.T) {
	h := newHarness(t, nil)
	flag := &CancelFlag{}
	h.tools.onCall = flag.Cancel
	model := script(reply{text: replyWrite}, reply{text: replyFinished})
	req := request(model)
	req.Cancel = flag

	res, err := h.exec.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Equal(t, 1, res.IterationCount)
	assert.Len(t, model.Prompts(), 1)
	// The in-flight tool call completed and was recorded.
	require.Len(t, res.History, 1)
	assert.Equal(t, "writeFile", res.History[0].ToolName)
}

func TestCancelFlagNilSafe(t *testing.T) {
	var f *CancelFlag
	f.Cancel()
	assert.False(t, f.Cancelled())
}

func TestBackoff(t *testing.T) {
	e := &Executor{config: ExecutorConfig{BackoffBase: 100 * time.Millisecond}}
	assert.Equal(t, 100*time.Millisecond, e.backoff(1))
	assert.Equal(t, 200*time.Millisecond, e.backoff(2))
	assert.Equal(t, 400*time.Millisecond, e.backoff(3))
	assert.Equal(t, 100*time.Millisecond, e.backoff(0))
}

func TestSleepContextHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := sleepContext(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestParseAction(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr string
		tool    string
	}{
		{name: "tool", in: replyWrite, tool: "writeFile"},
		{name: "fenced", in: "```json\n" + replyWrite + "\n```", tool: "writeFile"},
		{name: "completion", in: replyFinished},
		{name: "prose", in: "I will now write.", wantErr: "not a JSON object"},
		{name: "both", in: `{"tool":"x","taskComplete":{"nextStepType":"TASK_FINISHED","summary":""}}`, wantErr: "choose one"},
		{name: "neither", in: `{"thought":{"content":"hm"}}`, wantErr: "neither"},
		{name: "bad step", in: `{"taskComplete":{"nextStepType":"DONE","summary":""}}`, wantErr: "unknown nextStepType"},
		{name: "two objects", in: replyWrite + replyWrite, wantErr: "more than one"},
		{name: "empty question", in: `{"tool":"askQuestion","args":{"question":" "}}`, wantErr: "non-empty question"},
		{name: "truncated", in: `{"tool":"writeFile","args":{`, wantErr: "invalid JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := ParseAction(tt.in)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.True(t, strings.Contains(err.Error(), tt.wantErr), err.Error())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.tool, a.Tool)
			assert.NotNil(t, a.Args)
		})
	}
}
