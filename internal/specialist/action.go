package specialist

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"specnerd/internal/classify"
	"specnerd/internal/types"
)

// askQuestionTool is handled by the loop itself rather than the ToolExecutor.
const askQuestionTool = "askQuestion"

// Action is the single structured reply of one iteration.
type Action struct {
	Tool         string                      `json:"tool,omitempty"`
	Args         map[string]interface{}      `json:"args,omitempty"`
	TaskComplete *types.TaskCompletionSignal `json:"taskComplete,omitempty"`
	Thought      *types.ThoughtRecord        `json:"thought,omitempty"`
}

// Question returns the askQuestion argument.
func (a *Action) Question() string {
	q, _ := a.Args["question"].(string)
	return strings.TrimSpace(q)
}

// ParseAction decodes a model reply into exactly one action. A surrounding
// markdown code fence is tolerated; trailing content after the object is not.
// Errors are of kind classify.KindMalformedJSON.
func ParseAction(text string) (*Action, error) {
	a, err := parseAction(text)
	if err != nil {
		return nil, classify.WithKind(classify.KindMalformedJSON, err)
	}
	return a, nil
}

func parseAction(text string) (*Action, error) {
	body := stripFence(strings.TrimSpace(text))
	if !strings.HasPrefix(body, "{") {
		return nil, errors.New("reply is not a JSON object")
	}

	dec := json.NewDecoder(strings.NewReader(body))
	var a Action
	if err := dec.Decode(&a); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, errors.New("reply contains more than one JSON value")
	}

	hasTool := strings.TrimSpace(a.Tool) != ""
	hasComplete := a.TaskComplete != nil
	switch {
	case hasTool && hasComplete:
		return nil, errors.New("reply selects a tool and taskComplete; choose one")
	case !hasTool && !hasComplete:
		return nil, errors.New("reply selects neither a tool nor taskComplete")
	}
	if hasComplete && !a.TaskComplete.NextStepType.Valid() {
		return nil, fmt.Errorf("unknown nextStepType %q", a.TaskComplete.NextStepType)
	}
	if a.Tool == askQuestionTool && a.Question() == "" {
		return nil, errors.New("askQuestion requires a non-empty question")
	}
	if a.Args == nil {
		a.Args = map[string]interface{}{}
	}
	return &a, nil
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:] // drop language tag line
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}

// marshalResult renders a tool result for the specialist's history.
func marshalResult(res types.ToolResult) string {
	if !res.Success {
		if res.Error == "" {
			return "tool reported failure"
		}
		return res.Error
	}
	if res.Result == nil {
		return "ok"
	}
	if s, ok := res.Result.(string); ok {
		return s
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(res.Result); err != nil {
		return fmt.Sprintf("%v", res.Result)
	}
	return strings.TrimSpace(buf.String())
}
