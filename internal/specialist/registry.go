// Package specialist runs specialists: the static specialist table, iteration
// budgets, and the bounded iterate-call-tool-check loop.
package specialist

import (
	"sort"

	"specnerd/internal/config"
	"specnerd/internal/logging"
	"specnerd/internal/types"
)

// builtinSpecialists is the static specialist table. Configuration may
// override entries or add new ones; nothing else registers specialists.
var builtinSpecialists = []types.Specialist{
	{ID: "summary_writer", Category: types.CategoryContent, Description: "Executive summary"},
	{ID: "overall_description_writer", Category: types.CategoryContent, Description: "Overall description"},
	{ID: "fr_writer", Category: types.CategoryContent, Description: "Functional requirements"},
	{ID: "nfr_writer", Category: types.CategoryContent, Description: "Non-functional requirements"},
	{ID: "user_journey_writer", Category: types.CategoryContent, Description: "User journeys"},
	{ID: "user_story_writer", Category: types.CategoryContent, Description: "User stories"},
	{ID: "use_case_writer", Category: types.CategoryContent, Description: "Use cases"},
	{ID: "biz_req_and_rule_writer", Category: types.CategoryContent, Description: "Business requirements and rules"},
	{ID: "risk_analysis_writer", Category: types.CategoryContent, Description: "Risk register"},
	{ID: "ifr_and_dar_writer", Category: types.CategoryContent, Description: "Interface and data requirements"},
	{ID: "adc_writer", Category: types.CategoryContent, Description: "Assumptions, dependencies, constraints"},
	{ID: "prototype_designer", Category: types.CategoryContent, Description: "Low-fidelity prototypes"},
	{ID: "project_initializer", Category: types.CategoryProcess, Description: "Project skeleton"},
	{ID: "git_operator", Category: types.CategoryProcess, Description: "Version control operations"},
	{ID: "document_formatter", Category: types.CategoryProcess, Description: "Formatting normalization"},
	{ID: "requirement_syncer", Category: types.CategoryProcess, Description: "Record/document sync"},
}

// IterationBudget holds the per-category default max iterations.
type IterationBudget struct {
	Content int
	Process int
}

// BudgetFrom converts the configured category defaults.
func BudgetFrom(d config.CategoryDefaults) IterationBudget {
	return IterationBudget{Content: d.Content, Process: d.Process}
}

// For returns the iteration budget of a specialist. An override wins;
// unrecognized categories get the process budget.
func (b IterationBudget) For(sp types.Specialist) int {
	if sp.IterationOverride > 0 {
		return sp.IterationOverride
	}
	switch sp.Category {
	case types.CategoryContent:
		return b.Content
	default:
		return b.Process
	}
}

// Registry is the read-only specialist table resolved at startup.
type Registry struct {
	specialists map[string]types.Specialist
	budget      IterationBudget
}

// NewRegistry merges configured overrides over the built-in table.
func NewRegistry(cfg config.SpecialistsConfig) *Registry {
	r := &Registry{
		specialists: make(map[string]types.Specialist, len(builtinSpecialists)),
		budget:      BudgetFrom(cfg.Defaults),
	}
	for _, sp := range builtinSpecialists {
		sp.Enabled = true
		r.specialists[sp.ID] = sp
	}

	for id, o := range cfg.Overrides {
		sp, known := r.specialists[id]
		if !known {
			sp = types.Specialist{ID: id, Category: types.CategoryContent, Enabled: true}
			logging.ExecutorDebug("Registering configured specialist %s", id)
		}
		if o.Category != "" {
			sp.Category = types.SpecialistCategory(o.Category)
		}
		if o.Enabled != nil {
			sp.Enabled = *o.Enabled
		}
		if o.MaxIterations > 0 {
			sp.IterationOverride = o.MaxIterations
		}
		sp.Include = append([]string(nil), o.Include...)
		sp.Exclude = append([]string(nil), o.Exclude...)
		r.specialists[id] = sp
	}
	return r
}

// GetSpecialist resolves an id.
func (r *Registry) GetSpecialist(id string) (types.Specialist, bool) {
	sp, ok := r.specialists[id]
	return sp, ok
}

// Budget returns the category defaults.
func (r *Registry) Budget() IterationBudget { return r.budget }

// List returns all specialists sorted by id.
func (r *Registry) List() []types.Specialist {
	out := make([]types.Specialist, 0, len(r.specialists))
	for _, sp := range r.specialists {
		out = append(out, sp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Enabled returns enabled specialists sorted by id.
func (r *Registry) Enabled() []types.Specialist {
	var out []types.Specialist
	for _, sp := range r.List() {
		if sp.Enabled {
			out = append(out, sp)
		}
	}
	return out
}
