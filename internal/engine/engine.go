package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"specnerd/internal/classify"
	"specnerd/internal/logging"
	"specnerd/internal/metrics"
	"specnerd/internal/session"
	"specnerd/internal/specialist"
	"specnerd/internal/store"
	"specnerd/internal/types"
)

// ErrDisposed is returned by an engine that was evicted from its table.
var ErrDisposed = errors.New("engine disposed")

// StepExecutor runs one specialist.
type StepExecutor interface {
	Execute(ctx context.Context, req specialist.ExecuteRequest) (*specialist.ExecuteResult, error)
}

// SessionStore is the part of the session manager the engine uses.
type SessionStore interface {
	GetCurrentSession() *session.SessionContext
	UpdateSessionWithLog(u session.LoggedUpdate) error
}

// CheckpointStore persists engine snapshots.
type CheckpointStore interface {
	Save(ctx context.Context, cp store.Checkpoint) (int64, error)
	Load(ctx context.Context, sessionID string) (*store.Checkpoint, error)
}

// Deps are the collaborators of an engine. Checkpoints and Metrics may be nil.
type Deps struct {
	Executor    StepExecutor
	Planner     Planner
	Sessions    SessionStore
	Checkpoints CheckpointStore
	Model       types.LanguageModel
	Metrics     *metrics.Metrics
	Workspace   string
}

// Reply is the outcome of one user turn.
type Reply struct {
	State    State     `json:"state"`
	Message  string    `json:"message"`
	Question string    `json:"question,omitempty"`
	Awaiting AwaitKind `json:"awaiting,omitempty"`
	Plan     *Plan     `json:"plan,omitempty"`
}

// Status is a point-in-time view of an engine, safe to read during a turn.
type Status struct {
	SessionID string    `json:"sessionId"`
	State     State     `json:"state"`
	Awaiting  AwaitKind `json:"awaiting,omitempty"`
	Question  string    `json:"question,omitempty"`
	Plan      *Plan     `json:"plan,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Engine is the persistent agent of one session. Turns are serialized; Status
// and Cancel may be called concurrently with a turn.
type Engine struct {
	id   string
	deps Deps

	// turn serializes user turns; the fields below it are owned by the holder.
	turn     sync.Mutex
	state    State
	plan     *Plan
	awaiting AwaitKind
	question string
	resume   *specialist.ResumeState
	handoff  map[string]interface{}
	disposed bool

	discarded atomic.Bool
	running   atomic.Pointer[specialist.CancelFlag]
	status  atomic.Pointer[Status]
	now     func() time.Time
}

// New creates an idle engine. Call Restore to resume from a checkpoint.
func New(id string, deps Deps) *Engine {
	e := &Engine{id: id, deps: deps, state: StateIdle, now: time.Now}
	e.publish()
	return e
}

// ID returns the session id.
func (e *Engine) ID() string { return e.id }

// Status returns the last published status.
func (e *Engine) Status() Status { return *e.status.Load() }

// =============================================================================
// TURNS
// =============================================================================

// Submit handles one user message: an answer or retry confirmation when the
// engine is awaiting the user, otherwise a new task.
func (e *Engine) Submit(ctx context.Context, input string) (*Reply, error) {
	e.turn.Lock()
	defer e.turn.Unlock()
	if e.disposed {
		return nil, ErrDisposed
	}
	flag := e.beginTurn()
	defer e.running.Store(nil)

	if e.state == StateAwaitingUser {
		logging.Engine("[%s] Resuming with user input (awaiting=%s)", e.id, e.awaiting)
		return e.drive(ctx, flag, input)
	}
	return e.startTask(ctx, flag, input)
}

// Continue resumes a cancelled or failed-but-recoverable step.
func (e *Engine) Continue(ctx context.Context) (*Reply, error) {
	e.turn.Lock()
	defer e.turn.Unlock()
	if e.disposed {
		return nil, ErrDisposed
	}
	flag := e.beginTurn()
	defer e.running.Store(nil)

	if _, ok := e.plan.Current(); !ok || (e.state != StateIdle && e.state != StateAwaitingUser) {
		return e.reply("Nothing to continue."), nil
	}
	if e.state == StateAwaitingUser && e.awaiting == AwaitAnswer {
		return e.reply("A specialist is waiting for your answer: " + e.question), nil
	}
	return e.drive(ctx, flag, "")
}

// Cancel requests cancellation. A running turn stops at its next checkpoint;
// an engine waiting for the user returns to IDLE immediately. It reports
// whether there was anything to cancel.
func (e *Engine) Cancel(ctx context.Context) bool {
	if flag := e.running.Load(); flag != nil {
		flag.Cancel()
		logging.Engine("[%s] Cancellation requested", e.id)
		return true
	}
	if !e.turn.TryLock() {
		if flag := e.running.Load(); flag != nil {
			flag.Cancel()
			return true
		}
		return false
	}
	defer e.turn.Unlock()
	if e.state != StateAwaitingUser {
		return false
	}
	if i, ok := e.plan.Current(); ok {
		e.plan.Steps[i].Status = StepPending
	}
	e.question = ""
	e.awaiting = AwaitNone
	e.setState(ctx, StateIdle)
	return true
}

// Dispose flushes the checkpoint and retires the engine. It waits for a
// running turn to finish.
func (e *Engine) Dispose(ctx context.Context) error {
	e.turn.Lock()
	defer e.turn.Unlock()
	return e.disposeLocked(ctx)
}

// TryDispose disposes the engine unless a turn is running. It reports whether
// the engine was disposed.
func (e *Engine) TryDispose(ctx context.Context) (bool, error) {
	if !e.turn.TryLock() {
		return false, nil
	}
	defer e.turn.Unlock()
	return true, e.disposeLocked(ctx)
}

// Discard cancels a running turn and stops all further checkpoints. The
// session it served has been replaced.
func (e *Engine) Discard() {
	e.discarded.Store(true)
	if flag := e.running.Load(); flag != nil {
		flag.Cancel()
	}
}

func (e *Engine) disposeLocked(ctx context.Context) error {
	if e.disposed {
		return nil
	}
	e.disposed = true
	logging.EngineDebug("[%s] Disposing engine in state %s", e.id, e.state)
	return e.saveCheckpoint(ctx)
}

func (e *Engine) beginTurn() *specialist.CancelFlag {
	flag := &specialist.CancelFlag{}
	e.running.Store(flag)
	if e.discarded.Load() {
		flag.Cancel()
	}
	return flag
}

func (e *Engine) startTask(ctx context.Context, flag *specialist.CancelFlag, task string) (*Reply, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return e.reply("Please describe the task."), nil
	}

	e.plan, e.resume, e.handoff = nil, nil, nil
	e.awaiting, e.question = AwaitNone, ""
	e.setState(ctx, StatePlanning)

	plan, err := e.deps.Planner.Plan(ctx, task)
	if err == nil {
		err = plan.Validate()
	}
	if err != nil {
		logging.EngineWarn("[%s] Planning failed: %v", e.id, err)
		e.logOperation(session.OperationLogEntry{
			Type: session.OpPlan, Operation: "plan", Success: false, Error: err.Error(),
		})
		e.setState(ctx, StateIdle)
		return e.reply(planFailedMessage(err)), nil
	}
	if flag.Cancelled() {
		e.setState(ctx, StateIdle)
		return e.reply("Cancelled before any step started."), nil
	}

	e.plan = plan
	logging.Engine("[%s] Plan %s ready: %d step(s)", e.id, plan.ID, len(plan.Steps))
	e.logOperation(session.OperationLogEntry{
		Type:      session.OpPlan,
		Operation: "plan",
		Success:   true,
		StructuredDetail: map[string]interface{}{
			"planId": plan.ID,
			"steps":  stepSpecialists(plan),
		},
	})
	return e.drive(ctx, flag, "")
}

// drive runs steps until the plan finishes or the engine must stop for the
// user, a failure or a cancellation.
func (e *Engine) drive(ctx context.Context, flag *specialist.CancelFlag, userResponse string) (*Reply, error) {
	for {
		idx, ok := e.plan.Current()
		if !ok {
			e.setState(ctx, StateFinished)
			return e.reply(e.finishedMessage()), nil
		}
		if flag.Cancelled() {
			e.plan.Steps[idx].Status = StepPending
			e.setState(ctx, StateIdle)
			return e.reply(e.cancelledMessage(idx)), nil
		}

		step := &e.plan.Steps[idx]
		step.Status = StepInProgress
		e.awaiting, e.question = AwaitNone, ""
		e.setState(ctx, StateExecuting)

		req := e.buildRequest(step, flag, userResponse)
		userResponse = ""
		started := e.now()
		res, err := e.deps.Executor.Execute(ctx, req)
		if err != nil {
			// Unknown specialist: the plan itself is broken.
			step.Status = StepFailed
			e.plan.Failed = true
			e.resume = nil
			logging.EngineError("[%s] Step %d: %v", e.id, step.StepNumber, err)
			e.setState(ctx, StateIdle)
			return nil, err
		}
		e.recordStep(step, res, e.now().Sub(started))

		switch {
		case res.Cancelled:
			step.Status = StepPending
			e.resume = res.ResumeState()
			e.setState(ctx, StateIdle)
			return e.reply(e.cancelledMessage(idx)), nil

		case res.AwaitingUser:
			e.resume = res.ResumeState()
			e.awaiting, e.question = AwaitAnswer, res.Question
			e.setState(ctx, StateAwaitingUser)
			r := e.reply(res.Question)
			r.Question = res.Question
			return r, nil

		case res.Success:
			step.Status = StepCompleted
			step.Summary = res.Content
			e.resume = nil
			e.handoff = res.StructuredData
			if res.Completion != nil && res.Completion.NextStepType == types.TaskFinished {
				e.skipRemaining()
			}

		default:
			return e.stepFailed(ctx, idx, res), nil
		}
	}
}

func (e *Engine) stepFailed(ctx context.Context, idx int, res *specialist.ExecuteResult) *Reply {
	step := &e.plan.Steps[idx]
	msg := res.Error
	if res.Classification != nil {
		msg = res.Classification.UserMessage
	}

	if res.Kind.Recoverable() {
		e.resume = res.ResumeState()
		e.resume.Question = ""
		e.resume.Retry = true
		e.awaiting = AwaitRetry
		e.question = ""
		e.setState(ctx, StateAwaitingUser)
		return e.reply(fmt.Sprintf("Step %d (%s) failed: %s\nSend /continue or any message to retry it.",
			step.StepNumber, step.SpecialistID, msg))
	}

	step.Status = StepFailed
	e.plan.Failed = true
	e.resume = nil
	e.setState(ctx, StateIdle)
	return e.reply(fmt.Sprintf("Step %d (%s) failed and the plan was stopped: %s",
		step.StepNumber, step.SpecialistID, msg))
}

func (e *Engine) skipRemaining() {
	for i := range e.plan.Steps {
		if e.plan.Steps[i].Status == StepPending {
			e.plan.Steps[i].Status = StepSkipped
		}
	}
}

func (e *Engine) buildRequest(step *PlanStep, flag *specialist.CancelFlag, userResponse string) specialist.ExecuteRequest {
	baseDir := e.deps.Workspace
	vars := map[string]string{}
	env := map[string]string{
		"plan_step": fmt.Sprintf("%d of %d", step.StepNumber, len(e.plan.Steps)),
	}
	if e.deps.Sessions != nil {
		if s := e.deps.Sessions.GetCurrentSession(); s != nil {
			baseDir = s.BaseDir
			vars["PROJECT_NAME"] = s.ProjectName
			vars["GIT_BRANCH"] = s.GitBranch
			env["project"] = s.ProjectName
			if len(s.ActiveFiles) > 0 {
				env["active_files"] = strings.Join(s.ActiveFiles, ", ")
			}
			if s.Metadata.SRSVersion != "" {
				env["srs_version"] = s.Metadata.SRSVersion
			}
		}
	}
	vars["BASE_DIR"] = baseDir
	env["base_dir"] = baseDir
	if len(e.handoff) > 0 {
		if data, err := json.Marshal(e.handoff); err == nil {
			env["previous_step_context"] = string(data)
		}
	}

	task := e.plan.Task
	if d := strings.TrimSpace(step.Description); d != "" {
		task = fmt.Sprintf("%s\n\nYour step (%d of %d): %s", e.plan.Task, step.StepNumber, len(e.plan.Steps), d)
	}
	return specialist.ExecuteRequest{
		SpecialistID:       step.SpecialistID,
		SessionID:          e.id,
		BaseDir:            baseDir,
		Task:               task,
		LatestUserResponse: userResponse,
		Variables:          vars,
		Environment:        env,
		Model:              e.deps.Model,
		Cancel:             flag,
		Resume:             e.resume,
	}
}

// recordStep appends the step outcome to the session log. A logging failure
// never fails the step.
func (e *Engine) recordStep(step *PlanStep, res *specialist.ExecuteResult, elapsed time.Duration) {
	detail := map[string]interface{}{
		"planId":     e.plan.ID,
		"step":       step.StepNumber,
		"outcome":    res.Outcome(),
		"iterations": res.IterationCount,
	}
	if res.Classification != nil {
		detail["category"] = string(res.Classification.Category)
	}
	if res.Completion != nil {
		detail["nextStepType"] = string(res.Completion.NextStepType)
	}
	e.logOperation(session.OperationLogEntry{
		Type:             session.OpSpecialistStep,
		Operation:        step.SpecialistID,
		Success:          res.Success,
		ExecutionTimeMs:  elapsed.Milliseconds(),
		Error:            res.Error,
		StructuredDetail: detail,
	})
}

func (e *Engine) logOperation(entry session.OperationLogEntry) {
	if e.deps.Sessions == nil {
		return
	}
	if err := e.deps.Sessions.UpdateSessionWithLog(session.LoggedUpdate{LogEntry: entry}); err != nil {
		logging.EngineWarn("[%s] Failed to record %s: %v", e.id, entry.Type, err)
	}
}

// setState moves the machine, publishes the status and checkpoints.
func (e *Engine) setState(ctx context.Context, to State) {
	from := e.state
	if !canTransition(from, to) {
		// The table is exhaustive for the paths above; reaching this is a bug.
		logging.EngineError("[%s] %v", e.id, &ErrInvalidTransition{From: from, To: to})
	}
	e.state = to
	e.deps.Metrics.Transition(string(from), string(to))
	logging.EngineDebug("[%s] %s -> %s", e.id, from, to)
	e.publish()
	if err := e.saveCheckpoint(ctx); err != nil {
		logging.EngineWarn("[%s] Checkpoint failed: %v", e.id, err)
	}
}

func (e *Engine) publish() {
	e.status.Store(&Status{
		SessionID: e.id,
		State:     e.state,
		Awaiting:  e.awaiting,
		Question:  e.question,
		Plan:      e.plan.Clone(),
		UpdatedAt: e.now(),
	})
}

func (e *Engine) reply(msg string) *Reply {
	return &Reply{
		State:    e.state,
		Message:  msg,
		Awaiting: e.awaiting,
		Plan:     e.plan.Clone(),
	}
}

func (e *Engine) finishedMessage() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task finished (%d/%d steps completed).", e.plan.Done(), len(e.plan.Steps))
	for _, s := range e.plan.Steps {
		if s.Status == StepCompleted && s.Summary != "" {
			fmt.Fprintf(&b, "\n- %s: %s", s.SpecialistID, s.Summary)
		}
	}
	return b.String()
}

func (e *Engine) cancelledMessage(idx int) string {
	s := e.plan.Steps[idx]
	return fmt.Sprintf("Cancelled. Step %d (%s) will resume on /continue.", s.StepNumber, s.SpecialistID)
}

// planFailedMessage prefers the user-facing message of a classified failure
// and offers a retry unless the failure is an active one.
func planFailedMessage(err error) string {
	msg := err.Error()
	var um interface{ UserMessage() string }
	if errors.As(err, &um) && um.UserMessage() != "" {
		msg = um.UserMessage()
	}
	msg = "Could not plan the task: " + msg
	if classify.IsRecoverable(err) {
		msg += "\nSend the task again to retry."
	}
	return msg
}

func stepSpecialists(p *Plan) []string {
	ids := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		ids[i] = s.SpecialistID
	}
	return ids
}

// =============================================================================
// CHECKPOINTS
// =============================================================================

type checkpoint struct {
	State    State                   `json:"state"`
	Plan     *Plan                   `json:"plan,omitempty"`
	Awaiting AwaitKind               `json:"awaiting,omitempty"`
	Question string                  `json:"question,omitempty"`
	Resume   *specialist.ResumeState `json:"resume,omitempty"`
	Handoff  map[string]interface{}  `json:"handoff,omitempty"`
}

func (e *Engine) saveCheckpoint(ctx context.Context) error {
	if e.deps.Checkpoints == nil || e.discarded.Load() {
		return nil
	}
	data, err := json.Marshal(checkpoint{
		State:    e.state,
		Plan:     e.plan,
		Awaiting: e.awaiting,
		Question: e.question,
		Resume:   e.resume,
		Handoff:  e.handoff,
	})
	if err != nil {
		return err
	}
	_, err = e.deps.Checkpoints.Save(context.WithoutCancel(ctx), store.Checkpoint{
		SessionID: e.id,
		Workspace: e.deps.Workspace,
		State:     string(e.state),
		Payload:   data,
	})
	return err
}

// Restore loads the engine's checkpoint, if any. A checkpoint taken in the
// middle of a turn resumes as IDLE with the interrupted step pending.
func (e *Engine) Restore(ctx context.Context) error {
	e.turn.Lock()
	defer e.turn.Unlock()
	if e.deps.Checkpoints == nil {
		return nil
	}
	cp, err := e.deps.Checkpoints.Load(ctx, e.id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap checkpoint
	if err := json.Unmarshal(cp.Payload, &snap); err != nil {
		logging.EngineWarn("[%s] Ignoring unreadable checkpoint: %v", e.id, err)
		return nil
	}

	e.state, e.plan = snap.State, snap.Plan
	e.awaiting, e.question = snap.Awaiting, snap.Question
	e.resume, e.handoff = snap.Resume, snap.Handoff
	if e.state == StatePlanning || e.state == StateExecuting {
		if i, ok := e.plan.Current(); ok {
			e.plan.Steps[i].Status = StepPending
		}
		e.state = StateIdle
	}
	e.publish()
	logging.Engine("[%s] Restored from checkpoint v%d in state %s", e.id, cp.Version, e.state)
	return nil
}
