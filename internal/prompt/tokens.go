package prompt

import "unicode/utf8"

// =============================================================================
// Token Counting Utilities
// =============================================================================
// The heuristic is ~4 characters per token, which is close enough for budget
// management across the model families we target.

// TokenCounter provides token counting functionality.
type TokenCounter struct {
	charsPerToken float64
}

// NewTokenCounter creates a new token counter with default calibration.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{charsPerToken: 4.0}
}

// CountString estimates tokens in a string.
func (tc *TokenCounter) CountString(s string) int {
	if s == "" {
		return 0
	}
	return int(float64(utf8.RuneCountInString(s)) / tc.charsPerToken)
}

// truncateRunes shortens s to at most n runes, marking the cut.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
