package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"specnerd/internal/metrics"
	"specnerd/internal/specialist"
	"specnerd/internal/store"
	"specnerd/internal/types"
)

func newTestTable(t *testing.T, capacity int) (*Table, *store.CheckpointStore, *atomic.Int32, *metrics.Metrics) {
	t.Helper()
	cps, err := store.NewCheckpointStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { cps.Close() })

	m := metrics.New(prometheus.NewRegistry())
	var built atomic.Int32
	table, err := NewTable(capacity, func(_ context.Context, id string) (*Engine, error) {
		built.Add(1)
		return New(id, Deps{Executor: &fakeExecutor{}, Checkpoints: cps, Metrics: m, Workspace: "/ws"}), nil
	}, m)
	require.NoError(t, err)
	t.Cleanup(table.Close)
	return table, cps, &built, m
}

func TestTableSharesConcurrentCreation(t *testing.T) {
	table, _, built, _ := newTestTable(t, 4)

	engines := make([]*Engine, 16)
	var g errgroup.Group
	for i := range engines {
		g.Go(func() error {
			e, err := table.Get(context.Background(), "a")
			engines[i] = e
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), built.Load())
	for _, e := range engines {
		assert.Same(t, engines[0], e)
	}
	assert.Equal(t, 1, table.Len())
}

func TestTableEvictsLeastRecentlyUsed(t *testing.T) {
	table, cps, built, m := newTestTable(t, 2)
	ctx := context.Background()

	a, err := table.Get(ctx, "a")
	require.NoError(t, err)
	_, err = table.Get(ctx, "b")
	require.NoError(t, err)
	_, err = table.Get(ctx, "a") // a is now most recent
	require.NoError(t, err)
	_, err = table.Get(ctx, "c")
	require.NoError(t, err)

	_, ok := table.Peek("b")
	assert.False(t, ok)
	_, ok = table.Peek("a")
	assert.True(t, ok)
	assert.Equal(t, 2, table.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Evictions))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveSessions))

	// Eviction flushed b's checkpoint.
	cp, err := cps.Load(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, string(StateIdle), cp.State)

	require.NoError(t, a.Dispose(ctx))
	assert.Equal(t, int32(3), built.Load())
}

func TestTableRebuildsEvictedEngineFromCheckpoint(t *testing.T) {
	table, _, built, _ := newTestTable(t, 1)
	ctx := context.Background()

	a, err := table.Get(ctx, "a")
	require.NoError(t, err)
	a.deps.Executor.(*fakeExecutor).push(asks("Which format?"))
	a.deps.Planner = PlannerFunc(func(_ context.Context, task string) (*Plan, error) {
		return NewPlan(task, PlanStep{SpecialistID: "fr_writer"}), nil
	})
	_, err = a.Submit(ctx, "task")
	require.NoError(t, err)

	_, err = table.Get(ctx, "b") // evicts a
	require.NoError(t, err)
	_, err = a.Submit(ctx, "markdown")
	assert.ErrorIs(t, err, ErrDisposed)

	again, err := table.Get(ctx, "a")
	require.NoError(t, err)
	assert.NotSame(t, a, again)
	assert.Equal(t, int32(3), built.Load())

	st := again.Status()
	assert.Equal(t, StateAwaitingUser, st.State)
	assert.Equal(t, "Which format?", st.Question)

	again.deps.Executor.(*fakeExecutor).push(completed(types.HandoffToSpecialist, "done", nil))
	reply, err := again.Submit(ctx, "markdown")
	require.NoError(t, err)
	assert.Equal(t, StateFinished, reply.State)
}

// gatedExecutor holds its first step until released.
type gatedExecutor struct {
	started chan struct{}
	release chan struct{}
}

func (g *gatedExecutor) Execute(_ context.Context, req specialist.ExecuteRequest) (*specialist.ExecuteResult, error) {
	close(g.started)
	<-g.release
	return completed(types.HandoffToSpecialist, "done", nil)(req)
}

func TestTableEvictionDoesNotWaitForRunningTurn(t *testing.T) {
	ctx := context.Background()
	cps, err := store.NewCheckpointStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { cps.Close() })

	gate := &gatedExecutor{started: make(chan struct{}), release: make(chan struct{})}
	table, err := NewTable(1, func(_ context.Context, id string) (*Engine, error) {
		deps := Deps{
			Executor:    &fakeExecutor{},
			Checkpoints: cps,
			Workspace:   "/ws",
			Planner: PlannerFunc(func(_ context.Context, task string) (*Plan, error) {
				return NewPlan(task, PlanStep{SpecialistID: "fr_writer"}), nil
			}),
		}
		if id == "a" {
			deps.Executor = gate
		}
		return New(id, deps), nil
	}, nil)
	require.NoError(t, err)
	t.Cleanup(table.Close)

	a, err := table.Get(ctx, "a")
	require.NoError(t, err)
	replies := make(chan *Reply, 1)
	go func() {
		r, err := a.Submit(ctx, "task")
		assert.NoError(t, err)
		replies <- r
	}()
	<-gate.started

	got := make(chan error, 1)
	go func() {
		_, err := table.Get(ctx, "b")
		got <- err
	}()
	select {
	case err := <-got:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		close(gate.release)
		t.Fatal("Get of another session waited for a running turn")
	}

	// a is retiring: its next lookup waits for the turn and reloads the
	// final checkpoint.
	again := make(chan *Engine, 1)
	go func() {
		e, err := table.Get(ctx, "a")
		assert.NoError(t, err)
		again <- e
	}()
	close(gate.release)

	reply := <-replies
	require.NotNil(t, reply)
	assert.Equal(t, StateFinished, reply.State)

	rebuilt := <-again
	require.NotNil(t, rebuilt)
	assert.NotSame(t, a, rebuilt)
	assert.Equal(t, StateFinished, rebuilt.Status().State)

	_, err = a.Continue(ctx)
	assert.ErrorIs(t, err, ErrDisposed)
}

func TestTableRemoveDiscardsCheckpoints(t *testing.T) {
	table, cps, _, _ := newTestTable(t, 2)
	ctx := context.Background()
	_, err := table.Get(ctx, "a")
	require.NoError(t, err)

	require.True(t, table.Remove("a"))
	_, err = cps.Load(ctx, "a")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTableFactoryError(t *testing.T) {
	table, err := NewTable(2, func(context.Context, string) (*Engine, error) {
		return nil, errors.New("no model configured")
	}, nil)
	require.NoError(t, err)

	_, err = table.Get(context.Background(), "a")
	assert.EqualError(t, err, "no model configured")
	assert.Zero(t, table.Len())
}

func TestTableRemoveDisposes(t *testing.T) {
	table, _, _, _ := newTestTable(t, 2)
	e, err := table.Get(context.Background(), "a")
	require.NoError(t, err)

	assert.True(t, table.Remove("a"))
	assert.False(t, table.Remove("a"))
	_, err = e.Continue(context.Background())
	assert.ErrorIs(t, err, ErrDisposed)
}

func TestNewTableRejectsZeroCapacity(t *testing.T) {
	_, err := NewTable(0, nil, nil)
	assert.Error(t, err)
}
