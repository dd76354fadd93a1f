// Package classify maps raw model-transport failures to a retry decision.
//
// The rule table is evaluated in order and the first match wins, so the
// function is total and deterministic over (message, code).
package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"specnerd/internal/types"
)

// Category is the failure class of a model call.
type Category string

const (
	CategoryNetwork     Category = "network"
	CategoryServer      Category = "server"
	CategoryAuth        Category = "auth"
	CategoryOutputLimit Category = "output_limit"
	CategoryConfig      Category = "config"
	CategoryUnknown     Category = "unknown"

	// CategoryEmptyResponse is produced by the executor for blank model output.
	// It never comes out of Classify.
	CategoryEmptyResponse Category = "empty_response"
)

// Classification is derived per failure and never persisted.
type Classification struct {
	Category    Category `json:"category"`
	Retryable   bool     `json:"retryable"`
	MaxRetries  int      `json:"maxRetries"`
	UserMessage string   `json:"userMessage"`
}

// NeedsSteering reports whether the next attempt should carry a corrective hint.
func (c Classification) NeedsSteering() bool {
	return c.Category == CategoryOutputLimit || c.Category == CategoryConfig
}

var userMessages = map[Category]string{
	CategoryNetwork:       "The network connection was interrupted. Retrying automatically.",
	CategoryServer:        "The model service returned a server error. Retrying once.",
	CategoryAuth:          "The model service rejected the request (authorization or rate limit). Check your credentials or quota.",
	CategoryOutputLimit:   "The model response was too long. Retrying with guidance to work in smaller pieces.",
	CategoryConfig:        "The request exceeded the model's context or token limit. The task needs to be split into smaller parts.",
	CategoryUnknown:       "An unexpected error occurred while calling the model.",
	CategoryEmptyResponse: "The model returned an empty response.",
}

// UserMessage returns the fixed user-facing message for a category.
func UserMessage(c Category) string {
	if msg, ok := userMessages[c]; ok {
		return msg
	}
	return userMessages[CategoryUnknown]
}

type rule struct {
	category   Category
	retryable  bool
	maxRetries int
	match      func(msg, code string, timeout bool) bool
}

var networkMarkers = []string{
	"net::err_network_changed",
	"network changed",
	"err_network",
	"econnrefused",
	"connection refused",
	"timed out",
}

// rules is the ordered classification table.
var rules = []rule{
	{CategoryNetwork, true, 3, func(msg, _ string, timeout bool) bool {
		return timeout || containsAny(msg, networkMarkers)
	}},
	{CategoryServer, true, 1, func(_, code string, _ bool) bool {
		return code == "500"
	}},
	{CategoryAuth, false, 0, func(_, code string, _ bool) bool {
		return code == "401" || code == "429"
	}},
	{CategoryOutputLimit, true, 3, func(msg, _ string, _ bool) bool {
		return strings.Contains(msg, "response too long")
	}},
	{CategoryConfig, false, 0, func(msg, _ string, _ bool) bool {
		return strings.Contains(msg, "token limit") ||
			(strings.Contains(msg, "exceeds") && strings.Contains(msg, "limit")) ||
			strings.Contains(msg, "context length")
	}},
}

var fallback = rule{category: CategoryUnknown, retryable: true, maxRetries: 2}

// Message classifies a failure from its text and optional code.
func Message(message, code string) Classification {
	return classify(strings.ToLower(message), strings.TrimSpace(code), false)
}

// Classify classifies an error. A *types.ModelError contributes its code and
// timeout flag; a deadline expiry counts as a transport timeout.
func Classify(err error) Classification {
	if err == nil {
		return fromRule(fallback)
	}
	var code string
	timeout := errors.Is(err, context.DeadlineExceeded)
	var me *types.ModelError
	if errors.As(err, &me) {
		code = me.Code
		timeout = timeout || me.Timeout
	}
	return classify(strings.ToLower(err.Error()), code, timeout)
}

func classify(msg, code string, timeout bool) Classification {
	for _, r := range rules {
		if r.match(msg, code, timeout) {
			return fromRule(r)
		}
	}
	return fromRule(fallback)
}

func fromRule(r rule) Classification {
	return Classification{
		Category:    r.category,
		Retryable:   r.retryable,
		MaxRetries:  r.maxRetries,
		UserMessage: UserMessage(r.category),
	}
}

// EmptyResponse is the classification used when the model returned only whitespace.
func EmptyResponse(maxRetries int) Classification {
	return Classification{
		Category:    CategoryEmptyResponse,
		Retryable:   maxRetries > 0,
		MaxRetries:  maxRetries,
		UserMessage: UserMessage(CategoryEmptyResponse),
	}
}

// Backoff returns base * 2^(attempt-1), the delay before retry number
// attempt. The exponent is capped at 10.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 10 {
		shift = 10
	}
	return base * time.Duration(1<<shift)
}

// ErrEmptyResponse marks a response whose trimmed text is empty.
var ErrEmptyResponse = errors.New("empty model response")

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func (c Classification) String() string {
	return fmt.Sprintf("%s(retryable=%v, maxRetries=%d)", c.Category, c.Retryable, c.MaxRetries)
}
