package usage

import "time"

// UsageData is the document persisted to .specnerd/usage.json.
type UsageData struct {
	Version   string          `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Aggregate AggregatedStats `json:"aggregate"`
}

// AggregatedStats holds counters broken down by model, specialist and
// session.
type AggregatedStats struct {
	Total        TokenCounts            `json:"total"`
	ByModel      map[string]TokenCounts `json:"by_model"`
	BySpecialist map[string]TokenCounts `json:"by_specialist"`
	BySession    map[string]TokenCounts `json:"by_session"`
}

// TokenCounts holds estimated input/output sums.
type TokenCounts struct {
	Calls  int64 `json:"calls"`
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

func (tc *TokenCounts) Add(input, output int) {
	tc.Calls++
	tc.Input += int64(input)
	tc.Output += int64(output)
	tc.Total += int64(input + output)
}

func newAggregate() AggregatedStats {
	return AggregatedStats{
		ByModel:      make(map[string]TokenCounts),
		BySpecialist: make(map[string]TokenCounts),
		BySession:    make(map[string]TokenCounts),
	}
}
