// Package orchestrator routes user input: deterministic slash commands are
// handled directly, everything else goes to the engine of the workspace's
// current session.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"specnerd/internal/engine"
	"specnerd/internal/logging"
	"specnerd/internal/metrics"
	"specnerd/internal/session"
	"specnerd/internal/store"
	"specnerd/internal/types"
)

// Workspace bundles the per-workspace collaborators of the engines.
type Workspace struct {
	Root        string
	Sessions    *session.Manager
	Checkpoints *store.CheckpointStore
	Executor    engine.StepExecutor
}

// Opener opens the collaborators of a workspace directory.
type Opener func(root string) (*Workspace, error)

// Config configures an Orchestrator.
type Config struct {
	Open    Opener
	Planner engine.Planner
	Model   types.LanguageModel
	Metrics *metrics.Metrics

	// MaxActive bounds the number of live engines.
	MaxActive int

	// SessionMaxAge archives sessions untouched for longer. Zero disables it.
	SessionMaxAge time.Duration
}

// Orchestrator is safe for concurrent use. Turns for the same session are
// serialized by its engine; distinct sessions run concurrently.
type Orchestrator struct {
	cfg   Config
	table *engine.Table

	mu         sync.Mutex
	workspaces map[string]*Workspace
	owners     map[string]*Workspace // engine id -> workspace
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Open == nil || cfg.Planner == nil {
		return nil, errors.New("orchestrator requires an opener and a planner")
	}
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = 16
	}
	o := &Orchestrator{
		cfg:        cfg,
		workspaces: make(map[string]*Workspace),
		owners:     make(map[string]*Workspace),
	}
	table, err := engine.NewTable(cfg.MaxActive, o.newEngine, cfg.Metrics)
	if err != nil {
		return nil, err
	}
	o.table = table
	return o, nil
}

const helpText = "Commands: /new [name], /cancel, /continue, /status"

// HandleInput processes one line of user input for a workspace.
func (o *Orchestrator) HandleInput(ctx context.Context, workspace, input string) (*engine.Reply, error) {
	ws, err := o.Workspace(workspace)
	if err != nil {
		return nil, err
	}
	input = strings.TrimSpace(input)
	cmd, arg := parseCommand(input)
	logging.OrchestratorDebug("Input for %s: command=%q", ws.Root, cmd)

	if cmd == "/new" {
		return o.newSession(ctx, ws, arg, "user requested a new session")
	}

	s, err := o.ensureSession(ctx, ws)
	if err != nil {
		return nil, err
	}
	if cmd == "" {
		o.logInput(ws, input)
	}

	// An engine evicted between lookup and turn is rebuilt from its checkpoint.
	for attempt := 1; ; attempt++ {
		e, err := o.engineFor(ctx, ws, s)
		if err != nil {
			return nil, err
		}
		reply, err := o.dispatch(ctx, e, s, cmd, input)
		if errors.Is(err, engine.ErrDisposed) && attempt < maxEngineLookups {
			logging.OrchestratorDebug("Engine %s was evicted, reloading", e.ID())
			continue
		}
		return reply, err
	}
}

// maxEngineLookups bounds reloads of an engine disposed under a caller.
const maxEngineLookups = 3

func (o *Orchestrator) dispatch(ctx context.Context, e *engine.Engine, s *session.SessionContext, cmd, input string) (*engine.Reply, error) {
	switch cmd {
	case "":
		return e.Submit(ctx, input)
	case "/continue":
		return e.Continue(ctx)
	case "/cancel":
		st := e.Status()
		if e.Cancel(ctx) {
			return &engine.Reply{State: e.Status().State, Message: "Cancellation requested.", Plan: st.Plan}, nil
		}
		return &engine.Reply{State: st.State, Message: "Nothing to cancel.", Plan: st.Plan}, nil
	case "/status":
		st := e.Status()
		return &engine.Reply{State: st.State, Message: FormatStatus(s, st), Question: st.Question, Awaiting: st.Awaiting, Plan: st.Plan}, nil
	default:
		st := e.Status()
		return &engine.Reply{State: st.State, Message: fmt.Sprintf("Unknown command %s. %s", cmd, helpText)}, nil
	}
}

// Status returns the engine status of the workspace's current session
// without starting a turn.
func (o *Orchestrator) Status(ctx context.Context, workspace string) (*session.SessionContext, engine.Status, error) {
	ws, err := o.Workspace(workspace)
	if err != nil {
		return nil, engine.Status{}, err
	}
	s := ws.Sessions.GetCurrentSession()
	if s == nil {
		return nil, engine.Status{State: engine.StateIdle}, nil
	}
	e, err := o.engineFor(ctx, ws, s)
	if err != nil {
		return nil, engine.Status{}, err
	}
	return s, e.Status(), nil
}

// Close disposes every engine, flushing checkpoints, and closes the stores.
func (o *Orchestrator) Close() error {
	o.table.Close()

	o.mu.Lock()
	defer o.mu.Unlock()
	var errs []error
	for root, ws := range o.workspaces {
		if ws.Checkpoints != nil {
			if err := ws.Checkpoints.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close checkpoints of %s: %w", root, err))
			}
		}
	}
	o.workspaces = map[string]*Workspace{}
	return errors.Join(errs...)
}

// StartNewSession archives the workspace's current session with reason and
// starts a new one for project name.
func (o *Orchestrator) StartNewSession(ctx context.Context, workspace, name, reason string) (*engine.Reply, error) {
	ws, err := o.Workspace(workspace)
	if err != nil {
		return nil, err
	}
	return o.newSession(ctx, ws, name, reason)
}

// Workspace returns the collaborators of root, opening them on first use.
func (o *Orchestrator) Workspace(root string) (*Workspace, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ws, ok := o.workspaces[root]; ok {
		return ws, nil
	}
	ws, err := o.cfg.Open(root)
	if err != nil {
		return nil, fmt.Errorf("open workspace %s: %w", root, err)
	}
	o.workspaces[root] = ws
	logging.Orchestrator("Opened workspace %s", root)
	return ws, nil
}

// ensureSession returns the current session, creating one on first use and
// replacing an expired one.
func (o *Orchestrator) ensureSession(ctx context.Context, ws *Workspace) (*session.SessionContext, error) {
	s := ws.Sessions.GetCurrentSession()
	if s == nil {
		logging.Orchestrator("No session in %s, creating one", ws.Root)
		return ws.Sessions.CreateNewSession("")
	}
	if o.cfg.SessionMaxAge > 0 && ws.Sessions.IsSessionExpired(o.cfg.SessionMaxAge) {
		logging.Orchestrator("Session %s expired, archiving", s.ID)
		if _, err := o.newSession(ctx, ws, s.ProjectName, "session expired"); err != nil {
			return nil, err
		}
		return ws.Sessions.GetCurrentSession(), nil
	}
	return s, nil
}

// newSession archives the current session and starts a fresh one. The
// project's engine starts over from IDLE.
func (o *Orchestrator) newSession(ctx context.Context, ws *Workspace, name, reason string) (*engine.Reply, error) {
	if name == "" {
		if cur := ws.Sessions.GetCurrentSession(); cur != nil {
			name = cur.ProjectName
		}
	}
	res, err := ws.Sessions.ArchiveCurrentAndStartNew(name, reason)
	if err != nil {
		return nil, err
	}

	id := engine.SessionID(ws.Root, res.NewSession.ProjectName)
	o.table.Remove(id)
	if ws.Checkpoints != nil {
		if err := ws.Checkpoints.Delete(ctx, id); err != nil {
			logging.OrchestratorWarn("Could not reset checkpoint %s: %v", id, err)
		}
	}

	msg := fmt.Sprintf("Started session %s", res.NewSession.ID)
	if res.NewSession.ProjectName != "" {
		msg += fmt.Sprintf(" for project %s", res.NewSession.ProjectName)
	}
	if res.Archived != nil {
		msg += fmt.Sprintf(" (previous session archived to %s)", res.ArchivePath)
	}
	return &engine.Reply{State: engine.StateIdle, Message: msg + "."}, nil
}

func (o *Orchestrator) engineFor(ctx context.Context, ws *Workspace, s *session.SessionContext) (*engine.Engine, error) {
	id := engine.SessionID(ws.Root, s.ProjectName)
	o.mu.Lock()
	o.owners[id] = ws
	o.mu.Unlock()
	return o.table.Get(ctx, id)
}

// newEngine is the table's factory.
func (o *Orchestrator) newEngine(_ context.Context, id string) (*engine.Engine, error) {
	o.mu.Lock()
	ws, ok := o.owners[id]
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no workspace owns engine %s", id)
	}
	deps := engine.Deps{
		Executor:  ws.Executor,
		Planner:   o.cfg.Planner,
		Sessions:  ws.Sessions,
		Model:     o.cfg.Model,
		Metrics:   o.cfg.Metrics,
		Workspace: ws.Root,
	}
	if ws.Checkpoints != nil {
		deps.Checkpoints = ws.Checkpoints
	}
	return engine.New(id, deps), nil
}

func (o *Orchestrator) logInput(ws *Workspace, input string) {
	err := ws.Sessions.UpdateSessionWithLog(session.LoggedUpdate{LogEntry: session.OperationLogEntry{
		Type:             session.OpUserInteraction,
		Operation:        "input",
		Success:          true,
		StructuredDetail: map[string]interface{}{"length": len(input)},
	}})
	if err != nil {
		logging.OrchestratorWarn("Failed to record input: %v", err)
	}
}

func parseCommand(input string) (cmd, arg string) {
	if !strings.HasPrefix(input, "/") {
		return "", ""
	}
	fields := strings.Fields(input)
	return strings.ToLower(fields[0]), strings.Join(fields[1:], " ")
}

// FormatStatus renders a session and engine status for display.
func FormatStatus(s *session.SessionContext, st engine.Status) string {
	var b strings.Builder
	if s != nil {
		project := s.ProjectName
		if project == "" {
			project = "(none)"
		}
		fmt.Fprintf(&b, "Session %s, project %s, revision %d\n", s.ID, project, s.Metadata.Revision)
		fmt.Fprintf(&b, "Base directory: %s\n", s.BaseDir)
	}
	fmt.Fprintf(&b, "State: %s", st.State)
	if st.Awaiting != engine.AwaitNone {
		fmt.Fprintf(&b, " (waiting for %s)", st.Awaiting)
	}
	if st.Question != "" {
		fmt.Fprintf(&b, "\nQuestion: %s", st.Question)
	}
	if st.Plan != nil {
		fmt.Fprintf(&b, "\nPlan: %s", st.Plan.Task)
		for _, step := range st.Plan.Steps {
			fmt.Fprintf(&b, "\n  %d. %-28s %s", step.StepNumber, step.SpecialistID, step.Status)
		}
	}
	return b.String()
}
