// Package session owns the per-workspace session document and its paired
// operation log.
//
// The document lives at .specnerd/session.json and is replaced atomically
// (write temp, fsync, rename). Every logged mutation appends one JSON line to
// .specnerd/session-log.jsonl carrying the document revision it produced, so
// the two files can be reconciled after a crash.
package session

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrNoSession is returned by operations that need a current session.
var ErrNoSession = errors.New("no active session")

// IOError is returned when persisting the session fails after all attempts.
type IOError struct {
	Op       string
	Path     string
	Attempts int
	Err      error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("session %s %s failed after %d attempt(s): %v", e.Op, e.Path, e.Attempts, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Metadata is the bookkeeping part of a SessionContext.
type Metadata struct {
	Created      time.Time `json:"created"`
	LastModified time.Time `json:"lastModified"`
	Version      string    `json:"version"`
	SRSVersion   string    `json:"srsVersion,omitempty"`

	// Revision increases by one with every persisted change and pairs the
	// document with its operation log lines.
	Revision int64 `json:"revision"`
}

// SessionContext is the durable state of the current project.
type SessionContext struct {
	ID          string   `json:"id"`
	ProjectName string   `json:"projectName"`
	BaseDir     string   `json:"baseDir"`
	ActiveFiles []string `json:"activeFiles"`
	GitBranch   string   `json:"gitBranch,omitempty"`
	Metadata    Metadata `json:"metadata"`
}

// Clone returns a deep copy.
func (s *SessionContext) Clone() *SessionContext {
	if s == nil {
		return nil
	}
	c := *s
	c.ActiveFiles = slices.Clone(s.ActiveFiles)
	return &c
}

// Patch is a partial update. Nil fields are left unchanged; a non-nil empty
// ActiveFiles clears the list.
type Patch struct {
	ProjectName *string
	BaseDir     *string
	ActiveFiles []string
	GitBranch   *string
	Metadata    *MetadataPatch
}

// MetadataPatch updates metadata field by field. Revision and timestamps are
// owned by the manager.
type MetadataPatch struct {
	Version    *string
	SRSVersion *string
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T { return &v }

// applyTo merges the patch into s and reports whether anything changed.
func (p *Patch) applyTo(s *SessionContext) bool {
	if p == nil {
		return false
	}
	changed := false
	set := func(dst *string, v *string) {
		if v != nil && *dst != *v {
			*dst = *v
			changed = true
		}
	}
	set(&s.ProjectName, p.ProjectName)
	set(&s.BaseDir, p.BaseDir)
	set(&s.GitBranch, p.GitBranch)
	if p.ActiveFiles != nil && !slices.Equal(s.ActiveFiles, p.ActiveFiles) {
		s.ActiveFiles = slices.Clone(p.ActiveFiles)
		changed = true
	}
	if m := p.Metadata; m != nil {
		set(&s.Metadata.Version, m.Version)
		set(&s.Metadata.SRSVersion, m.SRSVersion)
	}
	return changed
}

// OperationType classifies an operation log entry.
type OperationType string

const (
	OpSessionCreated  OperationType = "session_created"
	OpSessionArchived OperationType = "session_archived"
	OpStateUpdate     OperationType = "state_update"
	OpSpecialistStep  OperationType = "specialist_step"
	OpToolExecution   OperationType = "tool_execution"
	OpUserInteraction OperationType = "user_interaction"
	OpPlan            OperationType = "plan"
)

// OperationLogEntry is one append-only line of the operation log.
type OperationLogEntry struct {
	ID               string                 `json:"id"`
	Timestamp        time.Time              `json:"timestamp"`
	SessionContextID string                 `json:"sessionContextId"`
	SessionRevision  int64                  `json:"sessionRevision"`
	Type             OperationType          `json:"type"`
	Operation        string                 `json:"operation"`
	Success          bool                   `json:"success"`
	ToolName         string                 `json:"toolName,omitempty"`
	ExecutionTimeMs  int64                  `json:"executionTime,omitempty"`
	Error            string                 `json:"error,omitempty"`
	StructuredDetail map[string]interface{} `json:"structuredDetail,omitempty"`
}

// LoggedUpdate is the argument of UpdateSessionWithLog.
type LoggedUpdate struct {
	StateUpdates *Patch
	LogEntry     OperationLogEntry
}
