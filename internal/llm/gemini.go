// Package llm holds the language-model adapters specialists talk to. Every
// adapter implements types.LanguageModel and reports transport failures as
// *types.ModelError so they can be classified and retried.
package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"

	"google.golang.org/genai"

	"specnerd/internal/logging"
	"specnerd/internal/types"
)

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "gemini-2.5-flash"

type streamFunc func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]

// Gemini streams completions from the Gemini API.
type Gemini struct {
	model  string
	stream streamFunc
}

// NewGemini creates a Gemini adapter.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &Gemini{model: model, stream: client.Models.GenerateContentStream}, nil
}

// Model returns the default model name.
func (g *Gemini) Model() string { return g.model }

// SendRequest starts a streaming completion. System messages become the
// system instruction; the rest are sent as the conversation.
func (g *Gemini) SendRequest(ctx context.Context, messages []types.Message, opts types.RequestOptions) (iter.Seq2[string, error], error) {
	model := g.model
	if opts.Model != "" {
		model = opts.Model
	}
	contents, system := toContents(messages)
	if len(contents) == 0 {
		return nil, &types.ModelError{Message: "no user content to send"}
	}
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: system,
		Temperature:       opts.Temperature,
		MaxOutputTokens:   opts.MaxOutputTokens,
	}

	logging.APIDebug("Gemini request: model=%s messages=%d", model, len(contents))
	responses := g.stream(ctx, model, contents, cfg)
	return func(yield func(string, error) bool) {
		for resp, err := range responses {
			if err != nil {
				yield("", mapGeminiError(ctx, err))
				return
			}
			if text := responseText(resp); text != "" {
				if !yield(text, nil) {
					return
				}
			}
		}
	}, nil
}

func toContents(messages []types.Message) ([]*genai.Content, *genai.Content) {
	var contents []*genai.Content
	var system []string
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if len(system) == 0 {
		return contents, nil
	}
	return contents, genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
}

// responseText concatenates the non-thought text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p != nil && !p.Thought {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// mapGeminiError turns an SDK error into a ModelError carrying the HTTP code.
func mapGeminiError(ctx context.Context, err error) error {
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
	case errors.As(err, &apiErrPtr):
		apiErr = *apiErrPtr
	default:
		timeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
		return &types.ModelError{Message: err.Error(), Timeout: timeout, Err: err}
	}
	msg := apiErr.Message
	if msg == "" {
		msg = apiErr.Status
	}
	return &types.ModelError{Message: msg, Code: strconv.Itoa(apiErr.Code), Err: err}
}
