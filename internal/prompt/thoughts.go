package prompt

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"specnerd/internal/types"
)

// SeparateThoughts splits thought records out of a history.
//
// Thoughts come back most recent first. Returned entries never carry a
// thought, and an entry left with no content once its thought is removed is
// dropped. The input slice is not modified.
func SeparateThoughts(history []types.HistoryEntry) ([]types.ThoughtRecord, []types.HistoryEntry) {
	var thoughts []types.ThoughtRecord
	remaining := make([]types.HistoryEntry, 0, len(history))

	for _, e := range history {
		if e.Thought != nil {
			thoughts = append(thoughts, *e.Thought)
			e.Thought = nil
			if strings.TrimSpace(e.Content) == "" {
				continue
			}
		}
		remaining = append(remaining, e)
	}

	sort.SliceStable(thoughts, func(i, j int) bool {
		return thoughts[i].Timestamp.After(thoughts[j].Timestamp)
	})
	return thoughts, remaining
}

const (
	// maxRenderedThoughts bounds section 0; older thoughts are counted only.
	maxRenderedThoughts = 5
	maxThoughtRunes     = 1200
)

// FormatThoughts renders the most recent thought records for section 0.
// Thoughts must be ordered most recent first.
func FormatThoughts(thoughts []types.ThoughtRecord) string {
	if len(thoughts) == 0 {
		return ""
	}
	omitted := 0
	if len(thoughts) > maxRenderedThoughts {
		omitted = len(thoughts) - maxRenderedThoughts
		thoughts = thoughts[:maxRenderedThoughts]
	}
	var sb strings.Builder
	for i, t := range thoughts {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "- [%s] (%s)", t.Timestamp.UTC().Format(time.RFC3339), t.ThinkingType)
		if t.Context != "" {
			fmt.Fprintf(&sb, " context: %s", t.Context)
		}
		sb.WriteString("\n  ")
		content := truncateRunes(strings.TrimSpace(t.Content), maxThoughtRunes)
		sb.WriteString(strings.ReplaceAll(content, "\n", "\n  "))
		if len(t.NextSteps) > 0 {
			fmt.Fprintf(&sb, "\n  next steps: %s", strings.Join(t.NextSteps, "; "))
		}
	}
	if omitted > 0 {
		fmt.Fprintf(&sb, "\n(%d older thoughts omitted)", omitted)
	}
	return sb.String()
}
