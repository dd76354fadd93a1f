package prompt

import (
	"fmt"
	"sort"
	"strings"

	"specnerd/internal/config"
	"specnerd/internal/logging"
	"specnerd/internal/types"
)

// =============================================================================
// Tiered History Compression
// =============================================================================
// Iterations are bucketed by recency: immediate (last N), recent (next M) and
// milestone (everything older). The immediate tier is always rendered verbatim;
// recent entries are condensed and milestones reduced to one line per iteration.

// CompressionConfig controls the tier sizes and the budget split.
type CompressionConfig struct {
	TokenBudget         int
	ImmediateRatio      float64
	RecentRatio         float64
	MilestoneRatio      float64
	ImmediateIterations int
	RecentIterations    int
}

// CompressionConfigFrom converts the YAML history settings.
func CompressionConfigFrom(h config.HistoryConfig) CompressionConfig {
	return CompressionConfig{
		TokenBudget:         h.TokenBudget,
		ImmediateRatio:      h.ImmediateRatio,
		RecentRatio:         h.RecentRatio,
		MilestoneRatio:      h.MilestoneRatio,
		ImmediateIterations: h.ImmediateIterations,
		RecentIterations:    h.RecentIterations,
	}
}

// DefaultCompressionConfig returns the 55/30/15 split.
func DefaultCompressionConfig() CompressionConfig {
	return CompressionConfigFrom(config.DefaultHistoryConfig())
}

// HistoryCompressor renders specialist history under a token budget.
type HistoryCompressor struct {
	cfg     CompressionConfig
	counter *TokenCounter
}

// NewHistoryCompressor creates a compressor.
func NewHistoryCompressor(cfg CompressionConfig) *HistoryCompressor {
	if cfg.ImmediateIterations < 1 {
		cfg.ImmediateIterations = 1
	}
	return &HistoryCompressor{cfg: cfg, counter: NewTokenCounter()}
}

type iterationGroup struct {
	iteration int
	entries   []types.HistoryEntry
}

const (
	milestoneHeader = "## Milestones (older iterations, summarized)"
	recentHeader    = "## Recent iterations (condensed)"
	immediateHeader = "## Latest iterations"
	tierSeparator   = "\n\n"

	// separatorTokens covers the rounding of the two joins between tiers.
	separatorTokens = 4
)

// Render returns the history text. When the verbatim history fits the budget
// it is returned as is; otherwise older tiers are condensed until it fits.
func (c *HistoryCompressor) Render(history []types.HistoryEntry) string {
	if len(history) == 0 {
		return ""
	}
	groups := groupByIteration(history)
	full := renderGroups(groups)
	budget := c.cfg.TokenBudget
	if budget <= 0 || c.counter.CountString(full) <= budget {
		return full
	}

	n := len(groups)
	immStart := max(0, n-c.cfg.ImmediateIterations)
	recStart := max(0, immStart-c.cfg.RecentIterations)
	milestones, recent, immediate := groups[:recStart], groups[recStart:immStart], groups[immStart:]

	immText := immediateHeader + "\n" + renderGroups(immediate)
	immTokens := c.counter.CountString(immText)
	remaining := budget - immTokens
	if remaining <= 0 {
		logging.PromptWarn("History budget %d is below the immediate tier size; rendering immediate tier only", budget)
		return renderGroups(immediate)
	}

	recentBudget := min(int(float64(budget)*c.cfg.RecentRatio), remaining)
	recentText := c.condenseRecent(recent, recentBudget)
	remaining -= c.counter.CountString(recentText)

	// The part of the immediate share the latest iterations did not use goes
	// to milestones.
	slack := max(0, int(float64(budget)*c.cfg.ImmediateRatio)-immTokens)
	milestoneBudget := min(int(float64(budget)*c.cfg.MilestoneRatio)+slack, remaining-separatorTokens)
	milestoneText := c.summarizeMilestones(milestones, milestoneBudget)

	candidates := [][]string{
		{milestoneText, recentText, immText},
		{recentText, immText},
		{immText},
	}
	for _, parts := range candidates {
		out := joinNonEmpty(parts)
		if c.counter.CountString(out) <= budget {
			logging.PromptDebug("History compressed: %d iterations -> %d tokens (budget %d)",
				n, c.counter.CountString(out), budget)
			return out
		}
	}
	return immText
}

// condenseRecent truncates each entry's content, shrinking the cap until the
// tier fits. If even bare headers do not fit, the oldest iterations go first.
func (c *HistoryCompressor) condenseRecent(groups []iterationGroup, budget int) string {
	if len(groups) == 0 || budget <= 0 {
		return ""
	}
	for _, limit := range []int{400, 200, 100, 40, 0} {
		text := recentHeader + "\n" + renderGroupsTruncated(groups, limit)
		if c.counter.CountString(text) <= budget {
			return text
		}
	}
	for start := 1; start < len(groups); start++ {
		text := recentHeader + "\n" + renderGroupsTruncated(groups[start:], 0)
		if c.counter.CountString(text) <= budget {
			return text
		}
	}
	return ""
}

// summarizeMilestones renders one line per iteration, dropping the oldest
// lines until the tier fits.
func (c *HistoryCompressor) summarizeMilestones(groups []iterationGroup, budget int) string {
	if len(groups) == 0 || budget <= 0 {
		return ""
	}
	lines := make([]string, len(groups))
	for i, g := range groups {
		lines[i] = milestoneLine(g)
	}
	for start := 0; start < len(lines); start++ {
		body := lines[start:]
		var text string
		if start > 0 {
			text = fmt.Sprintf("%s\n(%d earlier iterations omitted)\n%s", milestoneHeader, start, strings.Join(body, "\n"))
		} else {
			text = milestoneHeader + "\n" + strings.Join(body, "\n")
		}
		if c.counter.CountString(text) <= budget {
			return text
		}
	}
	return ""
}

func milestoneLine(g iterationGroup) string {
	var parts []string
	for _, e := range g.entries {
		switch e.Kind {
		case types.HistoryToolResult:
			status := "ok"
			if !e.Success {
				status = "failed"
			}
			parts = append(parts, fmt.Sprintf("%s %s", e.ToolName, status))
		case types.HistoryCompletion:
			parts = append(parts, "completed: "+truncateRunes(oneLine(e.Content), 80))
		default:
			parts = append(parts, string(e.Kind))
		}
	}
	return fmt.Sprintf("- iteration %d: %s", g.iteration, strings.Join(parts, ", "))
}

func groupByIteration(history []types.HistoryEntry) []iterationGroup {
	index := make(map[int]int)
	var groups []iterationGroup
	for _, e := range history {
		i, ok := index[e.Iteration]
		if !ok {
			i = len(groups)
			index[e.Iteration] = i
			groups = append(groups, iterationGroup{iteration: e.Iteration})
		}
		groups[i].entries = append(groups[i].entries, e)
	}
	sort.SliceStable(groups, func(a, b int) bool { return groups[a].iteration < groups[b].iteration })
	return groups
}

func renderGroups(groups []iterationGroup) string {
	var lines []string
	for _, g := range groups {
		for _, e := range g.entries {
			lines = append(lines, e.String())
		}
	}
	return strings.Join(lines, "\n")
}

func renderGroupsTruncated(groups []iterationGroup, limit int) string {
	var lines []string
	for _, g := range groups {
		for _, e := range g.entries {
			e.Content = truncateRunes(oneLine(e.Content), limit)
			lines = append(lines, e.String())
		}
	}
	return strings.Join(lines, "\n")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func joinNonEmpty(parts []string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, tierSeparator)
}
