package types

import (
	"context"
	"iter"
)

// LanguageModel is the minimal transport the core depends on.
// The returned sequence yields text chunks; a chunk error ends the stream.
// Transports may fail with a *ModelError carrying a code instead of returning text.
type LanguageModel interface {
	SendRequest(ctx context.Context, messages []Message, opts RequestOptions) (iter.Seq2[string, error], error)
}

// ToolExecutor runs opaque, named, JSON-serializable capabilities.
type ToolExecutor interface {
	Execute(ctx context.Context, toolName string, args map[string]interface{}, caller CallerContext) (ToolResult, error)
}

// ToolCatalog is optionally implemented by a ToolExecutor to describe its tools.
type ToolCatalog interface {
	Definitions() []ToolDefinition
}

// SpecialistRegistry resolves specialist ids.
type SpecialistRegistry interface {
	GetSpecialist(id string) (Specialist, bool)
}
