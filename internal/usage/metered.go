package usage

import (
	"context"
	"iter"
	"strings"

	"specnerd/internal/prompt"
	"specnerd/internal/types"
)

// Metered is a LanguageModel that records estimated token usage of every
// call it forwards.
type Metered struct {
	inner   types.LanguageModel
	tracker *Tracker
	model   string
	counter *prompt.TokenCounter
}

// NewMetered wraps inner. model names the default model in the stats; a
// per-request model override takes precedence.
func NewMetered(inner types.LanguageModel, tracker *Tracker, model string) *Metered {
	return &Metered{inner: inner, tracker: tracker, model: model, counter: prompt.NewTokenCounter()}
}

func (m *Metered) SendRequest(ctx context.Context, messages []types.Message, opts types.RequestOptions) (iter.Seq2[string, error], error) {
	stream, err := m.inner.SendRequest(ctx, messages, opts)
	if err != nil {
		return nil, err
	}
	input := 0
	for _, msg := range messages {
		input += m.counter.CountString(msg.Content)
	}
	model := m.model
	if opts.Model != "" {
		model = opts.Model
	}

	return func(yield func(string, error) bool) {
		var out strings.Builder
		defer func() { m.tracker.Track(ctx, model, input, m.counter.CountString(out.String())) }()
		for chunk, err := range stream {
			out.WriteString(chunk)
			if !yield(chunk, err) {
				return
			}
		}
	}, nil
}
