// Package usage estimates the tokens spent per model, specialist and session
// and keeps the totals in the workspace state directory.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"specnerd/internal/config"
	"specnerd/internal/logging"
)

const (
	usageFile     = "usage.json"
	usageVersion  = "1.0"
	saveDebounce  = 5 * time.Second
	unknownCaller = "unknown"
)

type callerKey struct{}

type caller struct {
	specialist string
	session    string
}

// WithCaller tags ctx with the specialist and session a model call is made
// for.
func WithCaller(ctx context.Context, specialist, session string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller{specialist: specialist, session: session})
}

func callerFrom(ctx context.Context) caller {
	c, _ := ctx.Value(callerKey{}).(caller)
	if c.specialist == "" {
		c.specialist = unknownCaller
	}
	if c.session == "" {
		c.session = unknownCaller
	}
	return c
}

// Tracker records usage and persists it with a debounced save.
type Tracker struct {
	mu    sync.Mutex
	fs    afero.Fs
	path  string
	data  UsageData
	timer *time.Timer
	now   func() time.Time
}

// NewTracker loads the usage file of workspace. A missing or corrupt file
// starts from zero.
func NewTracker(fsys afero.Fs, workspace string) *Tracker {
	t := &Tracker{
		fs:   fsys,
		path: filepath.Join(workspace, config.StateDirName, usageFile),
		data: UsageData{Version: usageVersion, Aggregate: newAggregate()},
		now:  time.Now,
	}
	if err := t.load(); err != nil {
		logging.APIWarn("Ignoring unreadable usage file %s: %v", t.path, err)
	}
	return t
}

func (t *Tracker) load() error {
	data, err := afero.ReadFile(t.fs, t.path)
	if err != nil {
		if exists, _ := afero.Exists(t.fs, t.path); !exists {
			return nil
		}
		return err
	}
	var loaded UsageData
	if err := json.Unmarshal(data, &loaded); err != nil {
		return err
	}
	agg := newAggregate()
	agg.Total = loaded.Aggregate.Total
	for dst, src := range map[*map[string]TokenCounts]map[string]TokenCounts{
		&agg.ByModel:      loaded.Aggregate.ByModel,
		&agg.BySpecialist: loaded.Aggregate.BySpecialist,
		&agg.BySession:    loaded.Aggregate.BySession,
	} {
		for k, v := range src {
			(*dst)[k] = v
		}
	}
	loaded.Aggregate = agg
	t.data = loaded
	return nil
}

// Track records one model call.
func (t *Tracker) Track(ctx context.Context, model string, input, output int) {
	c := callerFrom(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.Aggregate.Total.Add(input, output)
	addToMap(t.data.Aggregate.ByModel, model, input, output)
	addToMap(t.data.Aggregate.BySpecialist, c.specialist, input, output)
	addToMap(t.data.Aggregate.BySession, c.session, input, output)

	if t.timer == nil {
		t.timer = time.AfterFunc(saveDebounce, func() {
			if err := t.Save(); err != nil {
				logging.APIWarn("Failed to save usage: %v", err)
			}
		})
	}
}

// Stats returns a copy of the aggregated stats.
func (t *Tracker) Stats() AggregatedStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := t.data.Aggregate
	stats.ByModel = copyTokenCountsMap(stats.ByModel)
	stats.BySpecialist = copyTokenCountsMap(stats.BySpecialist)
	stats.BySession = copyTokenCountsMap(stats.BySession)
	return stats
}

// Save writes the usage file now.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.data.UpdatedAt = t.now().UTC()
	data, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return err
	}
	if err := t.fs.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := t.path + ".tmp"
	if err := afero.WriteFile(t.fs, tmp, data, 0o644); err != nil {
		return err
	}
	return t.fs.Rename(tmp, t.path)
}

func copyTokenCountsMap(src map[string]TokenCounts) map[string]TokenCounts {
	dst := make(map[string]TokenCounts, len(src))
	for key, counts := range src {
		dst[key] = counts
	}
	return dst
}

func addToMap(m map[string]TokenCounts, key string, input, output int) {
	entry := m[key]
	entry.Add(input, output)
	m[key] = entry
}
