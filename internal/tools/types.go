// Package tools provides the tool registry specialists act through.
//
// Every tool runs against the caller's project directory: the registry hands
// each call a filesystem rooted at CallerContext.BaseDir, so a specialist
// cannot read or write outside its project.
//
//	Executor → Registry.Execute(name, args, caller) → Tool.Execute(Call) → ToolResult
package tools

import (
	"context"

	"github.com/spf13/afero"

	"specnerd/internal/types"
)

// Property describes a single parameter property for JSON schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Default     any    `json:"default,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
	// Items describes array element schema (required for type="array")
	Items *PropertyItems `json:"items,omitempty"`
}

// PropertyItems describes the schema for array elements.
type PropertyItems struct {
	Type string `json:"type"`
}

// ToolSchema defines the JSON schema for tool arguments.
type ToolSchema struct {
	// Required lists parameters that must be provided.
	Required []string `json:"required"`

	// Properties describes each parameter.
	Properties map[string]Property `json:"properties"`
}

// Call is one invocation of a tool.
type Call struct {
	Args   map[string]any
	Caller types.CallerContext

	// Fs is rooted at Caller.BaseDir.
	Fs afero.Fs
}

// ExecuteFunc is the signature for tool execution. The returned value becomes
// the ToolResult payload and must be JSON-serializable.
type ExecuteFunc func(ctx context.Context, call Call) (any, error)

// Tool is a named capability a specialist may invoke.
type Tool struct {
	// Name is the identifier the model uses in its action.
	Name string

	// Description explains what the tool does. It is shown to the model.
	Description string

	// Execute runs the tool.
	Execute ExecuteFunc

	// Schema defines the expected arguments.
	Schema ToolSchema

	// Mutates marks tools that change files; their calls are recorded in
	// the session log.
	Mutates bool
}

// Validate checks if the tool definition is valid.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if t.Execute == nil {
		return ErrToolExecuteNil
	}
	return nil
}

// Definition describes the tool to the model.
func (t *Tool) Definition() types.ToolDefinition {
	props := make(map[string]interface{}, len(t.Schema.Properties))
	for name, p := range t.Schema.Properties {
		props[name] = p
	}
	required := t.Schema.Required
	if required == nil {
		required = []string{}
	}
	return types.ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": props,
			"required":   required,
		},
	}
}
