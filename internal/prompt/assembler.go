package prompt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"specnerd/internal/logging"
	"specnerd/internal/types"
)

// ErrPromptAssembly is wrapped by every assembly failure.
var ErrPromptAssembly = errors.New("prompt assembly failed")

// Section titles, in render order.
var sectionTitles = [10]string{
	"PREVIOUS THOUGHTS",
	"SPECIALIST INSTRUCTIONS",
	"CURRENT TASK",
	"LATEST USER RESPONSE",
	"CURRENT DOCUMENT TABLE OF CONTENTS",
	"CHAPTER TEMPLATE",
	"DYNAMIC CONTEXT",
	"TOOL USAGE GUIDELINES",
	"TOOL SCHEMA",
	"FINAL INSTRUCTION",
}

const emptySection = "(none)"

// AssemblyRequest is everything needed to render one iteration's prompt.
type AssemblyRequest struct {
	Specialist         types.Specialist
	Task               string
	LatestUserResponse string
	DocumentTOC        string
	ChapterTemplate    string

	// Variables feed {{VAR}} substitution in template fragments.
	Variables map[string]string

	// Environment is rendered into section 6 as sorted key: value lines.
	Environment map[string]string

	History []types.HistoryEntry

	// Steering holds corrective hints rendered ahead of the history.
	Steering []string

	Tools         []types.ToolDefinition
	Iteration     int
	MaxIterations int
}

// Assembler renders the fixed 10-section specialist prompt.
type Assembler struct {
	templates  *TemplateSet
	compressor *HistoryCompressor
}

// NewAssembler creates an assembler over a template set.
func NewAssembler(templates *TemplateSet, compression CompressionConfig) *Assembler {
	return &Assembler{
		templates:  templates,
		compressor: NewHistoryCompressor(compression),
	}
}

// Assemble renders the prompt. It either returns the full prompt or an error
// wrapping ErrPromptAssembly, never a partial render.
func (a *Assembler) Assemble(req AssemblyRequest) (string, error) {
	timer := logging.StartTimer(logging.CategoryPrompt, "Assemble")
	defer timer.Stop()

	if a.templates == nil {
		return "", fmt.Errorf("%w: no templates loaded", ErrPromptAssembly)
	}
	resolved, err := a.templates.Resolve(req.Specialist)
	if err != nil {
		return "", fmt.Errorf("%w for %s: %w", ErrPromptAssembly, req.Specialist.ID, err)
	}

	vars := a.variables(req)
	thoughts, history := SeparateThoughts(req.History)

	var sections [10]string
	sections[0] = FormatThoughts(thoughts)
	sections[1] = renderFragments(resolved.Instructions, vars)
	sections[2] = strings.TrimSpace(req.Task)
	sections[3] = strings.TrimSpace(req.LatestUserResponse)
	sections[4] = strings.TrimSpace(req.DocumentTOC)
	sections[5] = Substitute(strings.TrimSpace(req.ChapterTemplate), vars)
	sections[6] = renderEnvironment(req, a.compressor.Render(history))
	sections[7] = renderFragments(resolved.Guidelines, vars)
	sections[8], err = renderToolSchema(req.Tools)
	if err != nil {
		return "", fmt.Errorf("%w for %s: %w", ErrPromptAssembly, req.Specialist.ID, err)
	}
	sections[9] = renderFragments(resolved.Final, vars)

	var sb strings.Builder
	for i, body := range sections {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "# %d. %s\n", i, sectionTitles[i])
		if body == "" {
			body = emptySection
		}
		sb.WriteString(body)
	}

	out := sb.String()
	logging.PromptDebug("Assembled prompt for %s iteration %d: %d tokens, %d thoughts, %d history entries",
		req.Specialist.ID, req.Iteration, NewTokenCounter().CountString(out), len(thoughts), len(history))
	return out, nil
}

func (a *Assembler) variables(req AssemblyRequest) map[string]string {
	vars := map[string]string{
		"SPECIALIST_ID":  req.Specialist.ID,
		"CATEGORY":       string(req.Specialist.Category),
		"ITERATION":      strconv.Itoa(req.Iteration),
		"MAX_ITERATIONS": strconv.Itoa(req.MaxIterations),
	}
	for k, v := range req.Variables {
		vars[k] = v
	}
	return vars
}

func renderFragments(frags []Fragment, vars map[string]string) string {
	parts := make([]string, 0, len(frags))
	for _, f := range frags {
		if c := strings.TrimSpace(f.Content); c != "" {
			parts = append(parts, Substitute(c, vars))
		}
	}
	return strings.Join(parts, "\n\n")
}

func renderEnvironment(req AssemblyRequest, history string) string {
	var sb strings.Builder
	keys := make([]string, 0, len(req.Environment))
	for k := range req.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s: %s\n", k, req.Environment[k])
	}
	fmt.Fprintf(&sb, "iteration: %d of %d\n", req.Iteration, req.MaxIterations)
	sb.WriteString("\n## Interaction history\n")
	for _, hint := range req.Steering {
		fmt.Fprintf(&sb, "GUIDANCE: %s\n", hint)
	}
	if history == "" {
		sb.WriteString("No previous iterations.")
	} else {
		sb.WriteString(history)
	}
	return sb.String()
}

func renderToolSchema(tools []types.ToolDefinition) (string, error) {
	all := make([]types.ToolDefinition, 0, len(tools)+1)
	all = append(all, tools...)
	all = append(all, AskQuestionTool)
	sort.SliceStable(all, func(i, j int) bool { return all[i].Name < all[j].Name })

	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal tool schema: %w", err)
	}
	return string(data), nil
}

// AskQuestionTool is the built-in clarification action handled by the executor.
var AskQuestionTool = types.ToolDefinition{
	Name:        "askQuestion",
	Description: "Pause and ask the user a clarifying question. Your work resumes with their answer.",
	InputSchema: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"question": map[string]interface{}{"type": "string"},
		},
		"required": []string{"question"},
	},
}
