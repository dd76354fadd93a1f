package usage

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"specnerd/internal/types"
)

const usagePath = "/ws/.specnerd/usage.json"

func TestTrackerAggregatesAndPersists(t *testing.T) {
	fs := afero.NewMemMapFs()
	tracker := NewTracker(fs, "/ws")

	ctx := WithCaller(context.Background(), "fr_writer", "sess-1")
	tracker.Track(ctx, "gemini-2.5-pro", 10, 5)
	tracker.Track(ctx, "gemini-2.5-pro", 2, 3)
	tracker.Track(context.Background(), "gemini-2.5-flash", 1, 1)

	stats := tracker.Stats()
	assert.Equal(t, TokenCounts{Calls: 3, Input: 13, Output: 9, Total: 22}, stats.Total)
	assert.Equal(t, int64(20), stats.ByModel["gemini-2.5-pro"].Total)
	assert.Equal(t, int64(2), stats.BySpecialist["fr_writer"].Calls)
	assert.Equal(t, int64(1), stats.BySession[unknownCaller].Calls)

	require.NoError(t, tracker.Save())
	data, err := afero.ReadFile(fs, usagePath)
	require.NoError(t, err)
	var persisted UsageData
	require.NoError(t, json.Unmarshal(data, &persisted))
	assert.Equal(t, int64(22), persisted.Aggregate.Total.Total)

	reloaded := NewTracker(fs, "/ws")
	reloaded.Track(ctx, "gemini-2.5-pro", 1, 0)
	assert.Equal(t, int64(3), reloaded.Stats().BySpecialist["fr_writer"].Calls)
	require.NoError(t, reloaded.Save())
}

func TestTrackerIgnoresCorruptFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, usagePath, []byte("{not json"), 0o644))

	tracker := NewTracker(fs, "/ws")
	assert.Zero(t, tracker.Stats().Total)
	assert.NotNil(t, tracker.Stats().BySession)
}

func TestStatsIsACopy(t *testing.T) {
	tracker := NewTracker(afero.NewMemMapFs(), "/ws")
	tracker.Track(context.Background(), "m", 1, 1)
	stats := tracker.Stats()
	stats.ByModel["m"] = TokenCounts{}
	assert.Equal(t, int64(2), tracker.Stats().ByModel["m"].Total)
	require.NoError(t, tracker.Save())
}

type streamModel struct {
	chunks []string
	err    error
}

func (m streamModel) SendRequest(context.Context, []types.Message, types.RequestOptions) (iter.Seq2[string, error], error) {
	return func(yield func(string, error) bool) {
		for _, c := range m.chunks {
			if !yield(c, nil) {
				return
			}
		}
		if m.err != nil {
			yield("", m.err)
		}
	}, nil
}

func TestMeteredRecordsEstimatedTokens(t *testing.T) {
	tracker := NewTracker(afero.NewMemMapFs(), "/ws")
	m := NewMetered(streamModel{chunks: []string{"abcd", "ef", "gh"}}, tracker, "gemini-2.5-pro")

	ctx := WithCaller(context.Background(), "nfr_writer", "sess-2")
	msgs := []types.Message{{Role: "user", Content: strings.Repeat("x", 40)}}
	seq, err := m.SendRequest(ctx, msgs, types.RequestOptions{})
	require.NoError(t, err)
	var got strings.Builder
	for chunk, err := range seq {
		require.NoError(t, err)
		got.WriteString(chunk)
	}
	assert.Equal(t, "abcdefgh", got.String())

	stats := tracker.Stats()
	assert.Equal(t, TokenCounts{Calls: 1, Input: 10, Output: 2, Total: 12}, stats.BySpecialist["nfr_writer"])
	assert.Equal(t, int64(1), stats.ByModel["gemini-2.5-pro"].Calls)

	// A model override is attributed to the requested model, and failed
	// streams still count.
	seq, err = m.SendRequest(ctx, msgs, types.RequestOptions{Model: "gemini-2.5-flash"})
	require.NoError(t, err)
	for _, err := range seq {
		if err != nil {
			break
		}
	}
	assert.Equal(t, int64(1), tracker.Stats().ByModel["gemini-2.5-flash"].Calls)
	require.NoError(t, tracker.Save())
}

func TestMeteredPassesThroughErrors(t *testing.T) {
	tracker := NewTracker(afero.NewMemMapFs(), "/ws")
	boom := errors.New("boom")
	m := NewMetered(failingModel{err: boom}, tracker, "m")
	_, err := m.SendRequest(context.Background(), nil, types.RequestOptions{})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, tracker.Stats().Total.Calls)
}

type failingModel struct{ err error }

func (m failingModel) SendRequest(context.Context, []types.Message, types.RequestOptions) (iter.Seq2[string, error], error) {
	return nil, m.err
}
