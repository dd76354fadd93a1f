package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"specnerd/internal/logging"
	"specnerd/internal/metrics"
)

// maxSessionIDLen is the longest id kept verbatim.
const maxSessionIDLen = 64

// SessionID derives the engine id of a project. The same workspace and
// project always map to the same id; long ids are replaced by a hash.
func SessionID(workspace, project string) string {
	id := fmt.Sprintf("%s#%s", filepath.Clean(workspace), project)
	if len(id) <= maxSessionIDLen {
		return id
	}
	sum := sha256.Sum256([]byte(id))
	return "sha256:" + hex.EncodeToString(sum[:])[:40]
}

// Factory builds the engine for a session id.
type Factory func(ctx context.Context, id string) (*Engine, error)

// Table owns one engine per session id. It is bounded: the least recently
// used engine is disposed (checkpoint flushed) when capacity is exceeded,
// and is rebuilt from its checkpoint on the next access. An engine evicted
// in the middle of a turn is disposed in the background once the turn ends;
// only a later Get of the same id waits for it.
type Table struct {
	cache   *lru.Cache[string, *Engine]
	group   singleflight.Group
	factory Factory
	metrics *metrics.Metrics

	mu       sync.Mutex
	retiring map[string]chan struct{}
	wg       sync.WaitGroup
}

// NewTable creates a table holding at most capacity engines.
func NewTable(capacity int, factory Factory, m *metrics.Metrics) (*Table, error) {
	t := &Table{factory: factory, metrics: m, retiring: make(map[string]chan struct{})}
	cache, err := lru.NewWithEvict[string, *Engine](capacity, t.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create session table: %w", err)
	}
	t.cache = cache
	return t, nil
}

// Get returns the engine of id, creating it on first use. Concurrent first
// calls for the same id share one creation.
func (t *Table) Get(ctx context.Context, id string) (*Engine, error) {
	if e, ok := t.cache.Get(id); ok {
		return e, nil
	}
	v, err, shared := t.group.Do(id, func() (interface{}, error) {
		if e, ok := t.cache.Get(id); ok {
			return e, nil
		}
		if err := t.awaitRetired(ctx, id); err != nil {
			return nil, err
		}
		e, err := t.factory(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := e.Restore(ctx); err != nil {
			logging.EngineWarn("[%s] Restore failed, starting fresh: %v", id, err)
		}
		t.cache.Add(id, e)
		t.metrics.SetActiveSessions(t.cache.Len())
		logging.Engine("Created engine %s (%d active)", id, t.cache.Len())
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logging.EngineDebug("Shared engine creation for %s", id)
	}
	return v.(*Engine), nil
}

// Peek returns the engine of id without creating it or touching recency.
func (t *Table) Peek(id string) (*Engine, bool) { return t.cache.Peek(id) }

// Len returns the number of live engines.
func (t *Table) Len() int { return t.cache.Len() }

// Remove discards the engine of id, if present. A running turn is cancelled
// and the engine writes no further checkpoints.
func (t *Table) Remove(id string) bool {
	if e, ok := t.Peek(id); ok {
		e.Discard()
	}
	ok := t.cache.Remove(id)
	t.metrics.SetActiveSessions(t.cache.Len())
	return ok
}

// Close disposes every engine and waits for running turns to finish.
func (t *Table) Close() {
	t.cache.Purge()
	t.metrics.SetActiveSessions(0)
	t.wg.Wait()
}

// onEvict runs inside the cache's Add and Remove, so it never waits for a
// turn.
func (t *Table) onEvict(id string, e *Engine) {
	t.metrics.Evicted()
	disposed, err := e.TryDispose(context.Background())
	if err != nil {
		logging.EngineWarn("[%s] Dispose failed: %v", id, err)
	}
	if disposed {
		logging.EngineDebug("Evicted engine %s", id)
		return
	}

	logging.EngineDebug("Evicted engine %s mid-turn, disposing when the turn ends", id)
	done := make(chan struct{})
	if !e.discarded.Load() {
		t.mu.Lock()
		t.retiring[id] = done
		t.mu.Unlock()
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer close(done)
		if err := e.Dispose(context.Background()); err != nil {
			logging.EngineWarn("[%s] Dispose failed: %v", id, err)
		}
		t.mu.Lock()
		if t.retiring[id] == done {
			delete(t.retiring, id)
		}
		t.mu.Unlock()
	}()
}

// awaitRetired blocks until an evicted engine of id has flushed its last
// checkpoint.
func (t *Table) awaitRetired(ctx context.Context, id string) error {
	t.mu.Lock()
	done, ok := t.retiring[id]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	logging.EngineDebug("Waiting for evicted engine %s to finish its turn", id)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
