package orchestrator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"specnerd/internal/engine"
	"specnerd/internal/session"
	"specnerd/internal/specialist"
	"specnerd/internal/store"
	"specnerd/internal/types"
)

type execFunc func(ctx context.Context, req specialist.ExecuteRequest) (*specialist.ExecuteResult, error)

func (f execFunc) Execute(ctx context.Context, req specialist.ExecuteRequest) (*specialist.ExecuteResult, error) {
	return f(ctx, req)
}

func finishes(summary string) *specialist.ExecuteResult {
	return &specialist.ExecuteResult{
		Success:    true,
		Content:    summary,
		Completion: &types.TaskCompletionSignal{NextStepType: types.HandoffToSpecialist, Summary: summary},
	}
}

// askThenFinish asks one question per step and finishes once answered.
func askThenFinish(_ context.Context, req specialist.ExecuteRequest) (*specialist.ExecuteResult, error) {
	if req.LatestUserResponse == "" {
		return &specialist.ExecuteResult{AwaitingUser: true, Question: "Which audience?", IterationCount: 1}, nil
	}
	return finishes("answered " + req.LatestUserResponse), nil
}

type harness struct {
	orch  *Orchestrator
	fs    afero.Fs
	clock *atomic.Pointer[time.Time]
	mgrs  map[string]*session.Manager
	mu    sync.Mutex
}

func newHarness(t *testing.T, exec engine.StepExecutor, maxAge time.Duration) *harness {
	t.Helper()
	return newHarnessWithCapacity(t, exec, maxAge, 4)
}

func newHarnessWithCapacity(t *testing.T, exec engine.StepExecutor, maxAge time.Duration, capacity int) *harness {
	t.Helper()
	h := &harness{fs: afero.NewMemMapFs(), clock: &atomic.Pointer[time.Time]{}, mgrs: map[string]*session.Manager{}}
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h.clock.Store(&start)

	open := func(root string) (*Workspace, error) {
		cps, err := store.NewCheckpointStore(":memory:")
		if err != nil {
			return nil, err
		}
		mgr := session.NewManager(root, session.WithFs(h.fs), session.WithClock(func() time.Time { return *h.clock.Load() }))
		h.mu.Lock()
		h.mgrs[root] = mgr
		h.mu.Unlock()
		return &Workspace{Root: root, Sessions: mgr, Checkpoints: cps, Executor: exec}, nil
	}
	planner := engine.PlannerFunc(func(_ context.Context, task string) (*engine.Plan, error) {
		return engine.NewPlan(task, engine.PlanStep{SpecialistID: "fr_writer", Description: "write FRs"}), nil
	})

	orch, err := New(Config{Open: open, Planner: planner, MaxActive: capacity, SessionMaxAge: maxAge})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, orch.Close()) })
	h.orch = orch
	return h
}

func (h *harness) send(t *testing.T, ws, input string) *engine.Reply {
	t.Helper()
	reply, err := h.orch.HandleInput(context.Background(), ws, input)
	require.NoError(t, err)
	return reply
}

func (h *harness) manager(root string) *session.Manager {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mgrs[root]
}

func TestFirstInputCreatesSessionAndRunsTask(t *testing.T) {
	var seen specialist.ExecuteRequest
	h := newHarness(t, execFunc(func(_ context.Context, req specialist.ExecuteRequest) (*specialist.ExecuteResult, error) {
		seen = req
		return finishes("12 FRs"), nil
	}), 0)

	reply := h.send(t, "/ws", "Write the functional requirements")
	assert.Equal(t, engine.StateFinished, reply.State)
	assert.Contains(t, reply.Message, "12 FRs")

	s := h.manager("/ws").GetCurrentSession()
	require.NotNil(t, s)
	assert.Equal(t, "/ws", seen.BaseDir)
	assert.Equal(t, engine.SessionID("/ws", ""), seen.SessionID)

	entries, err := h.manager("/ws").OperationLog(0)
	require.NoError(t, err)
	var kinds []session.OperationType
	for _, e := range entries {
		kinds = append(kinds, e.Type)
	}
	assert.Equal(t, []session.OperationType{
		session.OpSessionCreated, session.OpUserInteraction, session.OpPlan, session.OpSpecialistStep,
	}, kinds)
}

func TestAnswerCancelContinue(t *testing.T) {
	h := newHarness(t, execFunc(askThenFinish), 0)

	reply := h.send(t, "/ws", "Write FRs")
	assert.Equal(t, engine.StateAwaitingUser, reply.State)
	assert.Equal(t, "Which audience?", reply.Question)

	reply = h.send(t, "/ws", "/status")
	assert.Contains(t, reply.Message, "State: AWAITING_USER (waiting for answer)")
	assert.Contains(t, reply.Message, "Question: Which audience?")
	assert.Contains(t, reply.Message, "fr_writer")

	reply = h.send(t, "/ws", "/cancel")
	assert.Equal(t, "Cancellation requested.", reply.Message)
	assert.Equal(t, engine.StateIdle, reply.State)

	reply = h.send(t, "/ws", "/cancel")
	assert.Equal(t, "Nothing to cancel.", reply.Message)

	reply = h.send(t, "/ws", "/continue")
	assert.Equal(t, engine.StateAwaitingUser, reply.State)

	reply = h.send(t, "/ws", "operators")
	assert.Equal(t, engine.StateFinished, reply.State)
	assert.Contains(t, reply.Message, "answered operators")
}

func TestNewCommandArchivesAndResetsEngine(t *testing.T) {
	h := newHarness(t, execFunc(askThenFinish), 0)
	h.send(t, "/ws", "Write FRs")
	first := h.manager("/ws").GetCurrentSession()

	reply := h.send(t, "/ws", "/new billing")
	assert.Contains(t, reply.Message, "for project billing")
	assert.Contains(t, reply.Message, "previous session archived")
	s := h.manager("/ws").GetCurrentSession()
	assert.Equal(t, "billing", s.ProjectName)
	assert.NotEqual(t, first.ID, s.ID)

	archives, err := h.manager("/ws").ListArchives()
	require.NoError(t, err)
	assert.Len(t, archives, 1)

	reply = h.send(t, "/ws", "/status")
	assert.Contains(t, reply.Message, "project billing")
	assert.Equal(t, engine.StateIdle, reply.State)
	assert.Nil(t, reply.Plan)

	// A second /new without a name keeps the project but resets its engine.
	h.send(t, "/ws", "Write FRs")
	h.send(t, "/ws", "/new")
	assert.Equal(t, "billing", h.manager("/ws").GetCurrentSession().ProjectName)
	_, st, err := h.orch.Status(context.Background(), "/ws")
	require.NoError(t, err)
	assert.Equal(t, engine.StateIdle, st.State)
	assert.Nil(t, st.Plan)
}

func TestStartNewSessionRecordsReason(t *testing.T) {
	h := newHarness(t, execFunc(askThenFinish), 0)
	h.send(t, "/ws", "/new payroll")

	reply, err := h.orch.StartNewSession(context.Background(), "/ws", "", "handover to QA")
	require.NoError(t, err)
	assert.Contains(t, reply.Message, "for project payroll")

	names, err := h.manager("/ws").ListArchives()
	require.NoError(t, err)
	require.Len(t, names, 1)
	data, err := afero.ReadFile(h.fs, filepath.Join("/ws", ".specnerd", "archive", names[0]))
	require.NoError(t, err)
	var rec session.ArchiveRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, "handover to QA", rec.Reason)
	assert.Equal(t, "payroll", rec.Session.ProjectName)
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t, execFunc(askThenFinish), 0)
	reply := h.send(t, "/ws", "/frobnicate now")
	assert.True(t, strings.HasPrefix(reply.Message, "Unknown command /frobnicate."))
	assert.Contains(t, reply.Message, helpText)
}

func TestExpiredSessionIsArchived(t *testing.T) {
	h := newHarness(t, execFunc(askThenFinish), time.Hour)
	h.send(t, "/ws", "/new payroll")
	before := h.manager("/ws").GetCurrentSession()

	later := h.clock.Load().Add(2 * time.Hour)
	h.clock.Store(&later)
	h.send(t, "/ws", "/status")

	after := h.manager("/ws").GetCurrentSession()
	assert.NotEqual(t, before.ID, after.ID)
	assert.Equal(t, "payroll", after.ProjectName)
	archives, err := h.manager("/ws").ListArchives()
	require.NoError(t, err)
	assert.Len(t, archives, 1)
}

func TestWorkspacesRunConcurrently(t *testing.T) {
	var arrived sync.WaitGroup
	arrived.Add(2)
	all := make(chan struct{})
	go func() { arrived.Wait(); close(all) }()

	h := newHarness(t, execFunc(func(ctx context.Context, req specialist.ExecuteRequest) (*specialist.ExecuteResult, error) {
		arrived.Done()
		select {
		case <-all:
			return finishes("done in " + req.BaseDir), nil
		case <-time.After(5 * time.Second):
			return &specialist.ExecuteResult{Error: "the other workspace never started"}, nil
		}
	}), 0)

	replies := make([]*engine.Reply, 2)
	var g errgroup.Group
	for i, ws := range []string{"/a", "/b"} {
		g.Go(func() error {
			r, err := h.orch.HandleInput(context.Background(), ws, "Write FRs")
			replies[i] = r
			return err
		})
	}
	require.NoError(t, g.Wait())
	for _, r := range replies {
		assert.Equal(t, engine.StateFinished, r.State, r.Message)
	}
}

func TestEvictionDoesNotBlockOtherWorkspaces(t *testing.T) {
	aRunning := make(chan struct{})
	release := make(chan struct{})
	var releaseOnce sync.Once
	h := newHarnessWithCapacity(t, execFunc(func(_ context.Context, req specialist.ExecuteRequest) (*specialist.ExecuteResult, error) {
		if req.BaseDir == "/a" {
			close(aRunning)
			<-release
		}
		return finishes("done in " + req.BaseDir), nil
	}), 0, 1)
	t.Cleanup(func() { releaseOnce.Do(func() { close(release) }) })

	aReply := make(chan *engine.Reply, 1)
	go func() {
		r, err := h.orch.HandleInput(context.Background(), "/a", "Write FRs")
		assert.NoError(t, err)
		aReply <- r
	}()
	<-aRunning

	// /b takes the only slot while /a is still inside its step.
	reply := h.send(t, "/b", "Write FRs")
	assert.Equal(t, engine.StateFinished, reply.State)

	releaseOnce.Do(func() { close(release) })
	r := <-aReply
	require.NotNil(t, r)
	assert.Equal(t, engine.StateFinished, r.State)

	reply = h.send(t, "/a", "/status")
	assert.Equal(t, engine.StateFinished, reply.State)
	require.NotNil(t, reply.Plan)
	assert.Equal(t, 1, reply.Plan.Done())
}

func TestNewRequiresOpenerAndPlanner(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
