package specialist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"specnerd/internal/config"
	"specnerd/internal/prompt"
	"specnerd/internal/types"
)

func TestBuiltinSpecialistsResolveTemplates(t *testing.T) {
	templates, err := prompt.LoadEmbeddedTemplates()
	require.NoError(t, err)

	reg := NewRegistry(config.DefaultConfig().Specialists)
	require.Len(t, reg.List(), len(builtinSpecialists))
	for _, sp := range reg.List() {
		t.Run(sp.ID, func(t *testing.T) {
			assert.True(t, sp.Enabled)
			resolved, err := templates.Resolve(sp)
			require.NoError(t, err)
			assert.NotEmpty(t, resolved.Instructions)
			assert.NotEmpty(t, resolved.Final)
		})
	}
}

func TestRegistryOverrides(t *testing.T) {
	off := false
	reg := NewRegistry(config.SpecialistsConfig{
		Defaults: config.CategoryDefaults{Content: 15, Process: 8},
		Overrides: map[string]config.SpecialistOverride{
			"fr_writer":    {MaxIterations: 3, Exclude: []string{"content_guidelines"}},
			"git_operator": {Enabled: &off},
			"glossary_bot": {Category: "process"},
		},
	})

	fr, ok := reg.GetSpecialist("fr_writer")
	require.True(t, ok)
	assert.Equal(t, 3, fr.IterationOverride)
	assert.Equal(t, []string{"content_guidelines"}, fr.Exclude)
	assert.Equal(t, types.CategoryContent, fr.Category)

	git, ok := reg.GetSpecialist("git_operator")
	require.True(t, ok)
	assert.False(t, git.Enabled)

	extra, ok := reg.GetSpecialist("glossary_bot")
	require.True(t, ok)
	assert.True(t, extra.Enabled)
	assert.Equal(t, types.CategoryProcess, extra.Category)

	_, ok = reg.GetSpecialist("nobody")
	assert.False(t, ok)

	for _, sp := range reg.Enabled() {
		assert.NotEqual(t, "git_operator", sp.ID)
	}
	assert.Len(t, reg.List(), len(builtinSpecialists)+1)
}

func TestIterationBudget(t *testing.T) {
	b := IterationBudget{Content: 15, Process: 8}
	tests := []struct {
		name string
		sp   types.Specialist
		want int
	}{
		{"content", types.Specialist{Category: types.CategoryContent}, 15},
		{"process", types.Specialist{Category: types.CategoryProcess}, 8},
		{"unknown category falls back to process", types.Specialist{Category: "mystery"}, 8},
		{"override wins", types.Specialist{Category: types.CategoryContent, IterationOverride: 3}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, b.For(tt.sp))
		})
	}
}
