// Package types provides shared type definitions used across specnerd packages.
// This package exists to break import cycles between the executor, prompt and engine packages.
// Types in this package should be foundational data structures with no complex dependencies.
package types

import (
	"fmt"
	"time"
)

// =============================================================================
// SPECIALISTS
// =============================================================================

// SpecialistCategory selects the iteration default and template family.
type SpecialistCategory string

const (
	CategoryContent SpecialistCategory = "content"
	CategoryProcess SpecialistCategory = "process"
)

// Specialist is a bounded unit of AI-assisted work.
type Specialist struct {
	ID          string             `json:"id"`
	Category    SpecialistCategory `json:"category"`
	Enabled     bool               `json:"enabled"`
	Description string             `json:"description,omitempty"`

	// IterationOverride replaces the category default when > 0.
	IterationOverride int `json:"iterationOverride,omitempty"`

	// Include/Exclude adjust the template fragments selected for this specialist.
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

// =============================================================================
// COMPLETION SIGNAL
// =============================================================================

// NextStepType tells the engine what follows a specialist's turn.
type NextStepType string

const (
	ContinueSameSpecialist NextStepType = "CONTINUE_SAME_SPECIALIST"
	HandoffToSpecialist    NextStepType = "HANDOFF_TO_SPECIALIST"
	TaskFinished           NextStepType = "TASK_FINISHED"
)

// Valid reports whether n is one of the three known signals.
func (n NextStepType) Valid() bool {
	switch n {
	case ContinueSameSpecialist, HandoffToSpecialist, TaskFinished:
		return true
	}
	return false
}

// TaskCompletionSignal is the only valid way a specialist ends a turn.
type TaskCompletionSignal struct {
	NextStepType   NextStepType           `json:"nextStepType"`
	Summary        string                 `json:"summary"`
	ContextForNext map[string]interface{} `json:"contextForNext,omitempty"`
}

// =============================================================================
// HISTORY AND THOUGHTS
// =============================================================================

// ThoughtRecord is a specialist's working-memory artifact, kept apart from tool history.
type ThoughtRecord struct {
	ThinkingType string    `json:"thinkingType"`
	Context      string    `json:"context,omitempty"`
	Content      string    `json:"content"`
	NextSteps    []string  `json:"nextSteps,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// HistoryKind classifies an entry in a specialist's interaction history.
type HistoryKind string

const (
	HistoryToolResult   HistoryKind = "tool_result"
	HistoryCompletion   HistoryKind = "completion"
	HistoryUserResponse HistoryKind = "user_response"
	HistoryParseError   HistoryKind = "parse_error"
)

// HistoryEntry is one recorded event of a specialist loop.
// Thought is set when the action that produced the entry carried a thought record.
type HistoryEntry struct {
	Iteration int            `json:"iteration"`
	Kind      HistoryKind    `json:"kind"`
	ToolName  string         `json:"toolName,omitempty"`
	Success   bool           `json:"success"`
	Content   string         `json:"content"`
	Thought   *ThoughtRecord `json:"thought,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// String renders the entry the way it appears in the prompt.
func (h HistoryEntry) String() string {
	switch h.Kind {
	case HistoryToolResult:
		status := "ok"
		if !h.Success {
			status = "failed"
		}
		return fmt.Sprintf("[iteration %d] tool %s (%s): %s", h.Iteration, h.ToolName, status, h.Content)
	default:
		return fmt.Sprintf("[iteration %d] %s: %s", h.Iteration, h.Kind, h.Content)
	}
}

// =============================================================================
// MODEL MESSAGES
// =============================================================================

// Message is one chat message sent to the language model.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// RequestOptions tune a single model request.
type RequestOptions struct {
	Model           string
	MaxOutputTokens int32
	Temperature     *float32
}

// ModelError is raised by a language model transport instead of returning text.
// Code carries the machine-readable status (e.g. "500", "429") when known.
type ModelError struct {
	Message string
	Code    string
	Timeout bool
	Err     error
}

func (e *ModelError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("model error %s: %s", e.Code, e.Message)
	}
	return "model error: " + e.Message
}

func (e *ModelError) Unwrap() error { return e.Err }

// =============================================================================
// TOOLS
// =============================================================================

// ToolDefinition describes a tool that a specialist can invoke.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// ToolResult is the outcome of a tool call.
type ToolResult struct {
	Success bool        `json:"success"`
	Result  interface{} `json:"result,omitempty"`
	Error   string      `json:"error,omitempty"`

	// Denied marks a failure caused by the sandbox or file permissions.
	Denied bool `json:"denied,omitempty"`
}

// CallerContext identifies who is invoking a tool.
type CallerContext struct {
	SessionID    string `json:"sessionId"`
	SpecialistID string `json:"specialistId"`
	Iteration    int    `json:"iteration"`
	BaseDir      string `json:"baseDir"`
}
