package tools

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/spf13/afero"

	"specnerd/internal/classify"
	"specnerd/internal/logging"
	"specnerd/internal/session"
	"specnerd/internal/types"
)

// SessionLog is the part of the session manager the registry records file
// changes in.
type SessionLog interface {
	GetCurrentSession() *session.SessionContext
	UpdateSessionWithLog(u session.LoggedUpdate) error
}

// Registry holds all available tools and executes them on behalf of
// specialists. It implements types.ToolExecutor and types.ToolCatalog.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool

	fs  afero.Fs
	log SessionLog
	now func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithFs sets the filesystem tools run against. Defaults to the OS.
func WithFs(fs afero.Fs) Option { return func(r *Registry) { r.fs = fs } }

// WithSessionLog records successful file changes in the session log and
// adds the touched files to the session's active files.
func WithSessionLog(l SessionLog) Option { return func(r *Registry) { r.log = l } }

// NewRegistry creates a new empty tool registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tools: make(map[string]*Tool),
		fs:    afero.NewOsFs(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewDefaultRegistry creates a registry holding the built-in file tools.
func NewDefaultRegistry(opts ...Option) *Registry {
	r := NewRegistry(opts...)
	for _, t := range FileTools() {
		r.MustRegister(t)
	}
	return r
}

// Register adds a tool to the registry.
// Returns an error if a tool with the same name already exists.
func (r *Registry) Register(tool *Tool) error {
	if err := tool.Validate(); err != nil {
		return fmt.Errorf("invalid tool: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, tool.Name)
	}
	r.tools[tool.Name] = tool

	logging.ToolsDebug("Registered tool: %s (mutates=%v)", tool.Name, tool.Mutates)
	return nil
}

// MustRegister registers a tool and panics on error.
// Use this for static tool registration at init time.
func (r *Registry) MustRegister(tool *Tool) {
	if err := r.Register(tool); err != nil {
		panic(fmt.Sprintf("failed to register tool %s: %v", tool.Name, err))
	}
}

// Get returns a tool by name, or nil if not found.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns all registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions describes every tool, sorted by name.
func (r *Registry) Definitions() []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]types.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs a tool by name. An unknown tool is a Go error; everything that
// goes wrong inside a known tool is reported in the result so the specialist
// can react to it.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}, caller types.CallerContext) (types.ToolResult, error) {
	tool := r.Get(name)
	if tool == nil {
		return types.ToolResult{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	start := r.now()
	out, err := r.run(ctx, tool, args, caller)
	elapsed := r.now().Sub(start)
	logging.ToolsDebug("[%s] %s completed in %v (success=%v)", caller.SpecialistID, name, elapsed, err == nil)

	var res types.ToolResult
	if err != nil {
		logging.ToolsWarn("[%s] %s failed: %v", caller.SpecialistID, name, err)
		res = types.ToolResult{Success: false, Error: err.Error(), Denied: classify.KindOf(err) == classify.KindPermission}
	} else {
		res = types.ToolResult{Success: true, Result: out}
	}
	if tool.Mutates && err == nil {
		r.record(tool, args, caller, elapsed)
	}
	return res, nil
}

func (r *Registry) run(ctx context.Context, tool *Tool, args map[string]interface{}, caller types.CallerContext) (any, error) {
	if err := validateArgs(tool, args); err != nil {
		return nil, err
	}
	if caller.BaseDir == "" {
		return nil, ErrNoBaseDir
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return tool.Execute(ctx, Call{
		Args:   args,
		Caller: caller,
		Fs:     afero.NewBasePathFs(r.fs, caller.BaseDir),
	})
}

// validateArgs checks that all required arguments are present.
func validateArgs(tool *Tool, args map[string]any) error {
	for _, required := range tool.Schema.Required {
		if _, ok := args[required]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingRequiredArg, required)
		}
	}
	return nil
}

// record logs a file change. A logging failure never fails the tool call.
func (r *Registry) record(tool *Tool, args map[string]any, caller types.CallerContext, elapsed time.Duration) {
	if r.log == nil {
		return
	}
	detail := map[string]interface{}{
		"specialist": caller.SpecialistID,
		"iteration":  caller.Iteration,
	}
	var patch *session.Patch
	if p, ok := args["path"].(string); ok {
		if rel, err := resolve(caller, p); err == nil {
			detail["path"] = rel
			if s := r.log.GetCurrentSession(); s != nil && !slices.Contains(s.ActiveFiles, rel) {
				patch = &session.Patch{ActiveFiles: append(slices.Clone(s.ActiveFiles), rel)}
			}
		}
	}
	err := r.log.UpdateSessionWithLog(session.LoggedUpdate{
		StateUpdates: patch,
		LogEntry: session.OperationLogEntry{
			Type:             session.OpToolExecution,
			Operation:        tool.Name,
			Success:          true,
			ToolName:         tool.Name,
			ExecutionTimeMs:  elapsed.Milliseconds(),
			StructuredDetail: detail,
		},
	})
	if err != nil {
		logging.ToolsWarn("Failed to record %s: %v", tool.Name, err)
	}
}
