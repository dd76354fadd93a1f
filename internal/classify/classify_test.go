package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"

	"specnerd/internal/types"
)

func TestMessageRules(t *testing.T) {
	tests := []struct {
		name       string
		msg        string
		code       string
		category   Category
		retryable  bool
		maxRetries int
	}{
		{"network changed", "net::ERR_NETWORK_CHANGED", "", CategoryNetwork, true, 3},
		{"connection refused", "dial tcp 127.0.0.1:443: connect: connection refused", "", CategoryNetwork, true, 3},
		{"econnrefused", "request failed: ECONNREFUSED", "", CategoryNetwork, true, 3},
		{"subprocess timeout", "claude CLI timed out after 5m0s", "", CategoryNetwork, true, 3},
		{"server 500", "internal error", "500", CategoryServer, true, 1},
		{"auth 401", "unauthorized", "401", CategoryAuth, false, 0},
		{"rate 429", "quota", "429", CategoryAuth, false, 0},
		{"output limit", "Response too long", "", CategoryOutputLimit, true, 3},
		{"token limit", "request hit the token limit", "", CategoryConfig, false, 0},
		{"exceeds limit", "input exceeds the maximum limit", "", CategoryConfig, false, 0},
		{"context length", "maximum context length is 128000", "", CategoryConfig, false, 0},
		{"unknown", "something odd happened", "", CategoryUnknown, true, 2},
		{"unknown code", "bad gateway", "502", CategoryUnknown, true, 2},
		{"empty", "", "", CategoryUnknown, true, 2},
		// ordering: earlier rules win
		{"network beats server code", "connection refused", "500", CategoryNetwork, true, 3},
		{"auth code beats output limit", "response too long", "429", CategoryAuth, false, 0},
		{"output limit beats config", "response too long: exceeds limit", "", CategoryOutputLimit, true, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Message(tt.msg, tt.code)
			assert.Equal(t, tt.category, got.Category)
			assert.Equal(t, tt.retryable, got.Retryable)
			assert.Equal(t, tt.maxRetries, got.MaxRetries)
			assert.Equal(t, UserMessage(tt.category), got.UserMessage)

			again := Message(tt.msg, tt.code)
			assert.Equal(t, got, again, "classification must be deterministic")
		})
	}
}

func TestClassifyErrors(t *testing.T) {
	t.Run("plain error", func(t *testing.T) {
		got := Classify(errors.New("net::ERR_NETWORK_CHANGED"))
		assert.Equal(t, Classification{CategoryNetwork, true, 3, UserMessage(CategoryNetwork)}, got)
	})

	t.Run("response too long", func(t *testing.T) {
		got := Classify(errors.New("Response too long"))
		assert.Equal(t, CategoryOutputLimit, got.Category)
		assert.True(t, got.Retryable)
		assert.Equal(t, 3, got.MaxRetries)
	})

	t.Run("model error carries code", func(t *testing.T) {
		err := fmt.Errorf("send: %w", &types.ModelError{Message: "overloaded", Code: "500"})
		assert.Equal(t, CategoryServer, Classify(err).Category)
	})

	t.Run("model error timeout", func(t *testing.T) {
		err := &types.ModelError{Message: "subprocess wait expired", Timeout: true}
		got := Classify(err)
		assert.Equal(t, CategoryNetwork, got.Category)
		assert.True(t, got.Retryable)
	})

	t.Run("deadline exceeded", func(t *testing.T) {
		err := fmt.Errorf("call: %w", context.DeadlineExceeded)
		assert.Equal(t, CategoryNetwork, Classify(err).Category)
	})

	t.Run("nil falls back to unknown", func(t *testing.T) {
		assert.Equal(t, CategoryUnknown, Classify(nil).Category)
	})
}

func TestNeedsSteering(t *testing.T) {
	assert.True(t, Message("response too long", "").NeedsSteering())
	assert.True(t, Message("context length", "").NeedsSteering())
	assert.False(t, Message("connection refused", "").NeedsSteering())
	assert.False(t, EmptyResponse(3).NeedsSteering())
}

func TestEmptyResponse(t *testing.T) {
	c := EmptyResponse(3)
	assert.Equal(t, CategoryEmptyResponse, c.Category)
	assert.True(t, c.Retryable)
	assert.Equal(t, 3, c.MaxRetries)
	assert.False(t, EmptyResponse(0).Retryable)
}

func TestRecoverability(t *testing.T) {
	var syntaxErr error
	{
		var v map[string]any
		syntaxErr = json.Unmarshal([]byte("{not json"), &v)
	}

	tests := []struct {
		name        string
		err         error
		kind        Kind
		recoverable bool
	}{
		{"explicit validation", WithKind(KindValidation, errors.New("missing field")), KindValidation, false},
		{"explicit transient", WithKind(KindTransient, errors.New("permission denied")), KindTransient, true},
		{"cancelled", fmt.Errorf("step: %w", context.Canceled), KindUserCancelled, false},
		{"fs permission", fmt.Errorf("write: %w", fs.ErrPermission), KindPermission, false},
		{"json syntax", syntaxErr, KindMalformedJSON, false},
		{"legacy permission text", errors.New("open x: Permission denied"), KindPermission, false},
		{"legacy validation text", errors.New("schema validation failed"), KindValidation, false},
		{"network is recoverable", errors.New("connection refused"), KindUnknown, true},
		{"novel text defaults recoverable", errors.New("the flux capacitor overheated"), KindUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
			assert.Equal(t, tt.recoverable, IsRecoverable(tt.err))
		})
	}

	assert.Nil(t, WithKind(KindValidation, nil))
}
