package config

// SpecialistsConfig holds iteration budgets and per-specialist overrides.
// It is merged over the built-in specialist table at startup.
type SpecialistsConfig struct {
	Defaults  CategoryDefaults              `yaml:"defaults"`
	Overrides map[string]SpecialistOverride `yaml:"overrides"`
}

// CategoryDefaults are the max iterations per specialist category.
type CategoryDefaults struct {
	Content int `yaml:"content"`
	Process int `yaml:"process"`
}

// SpecialistOverride adjusts a single specialist. Unknown ids register a new specialist.
type SpecialistOverride struct {
	Category      string   `yaml:"category"`
	Enabled       *bool    `yaml:"enabled"`
	MaxIterations int      `yaml:"max_iterations"` // 0 = category default
	Include       []string `yaml:"include"`        // extra template fragments
	Exclude       []string `yaml:"exclude"`        // template fragments to drop
}
