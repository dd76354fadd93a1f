package prompt

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"specnerd/internal/logging"
	"specnerd/internal/types"

	"gopkg.in/yaml.v3"
)

// embeddedTemplates contains the default fragment set baked into the binary.
//
//go:embed templates
var embeddedTemplates embed.FS

// FragmentKind places a fragment in a prompt section.
type FragmentKind string

const (
	KindRole         FragmentKind = "role"         // section 1, first
	KindInstructions FragmentKind = "instructions" // section 1
	KindGuidelines   FragmentKind = "guidelines"   // section 7
	KindFinal        FragmentKind = "final"        // section 9
)

// Fragment is one static piece of prompt text.
type Fragment struct {
	ID          string       `yaml:"id"`
	Kind        FragmentKind `yaml:"kind"`
	Categories  []string     `yaml:"categories,omitempty"`  // empty = all categories
	Specialists []string     `yaml:"specialists,omitempty"` // non-empty = only these specialists
	Priority    int          `yaml:"priority,omitempty"`    // lower renders first
	Content     string       `yaml:"content"`
}

// TemplateSet is an immutable collection of fragments indexed by id.
type TemplateSet struct {
	fragments []Fragment
	byID      map[string]Fragment
}

// ResolvedTemplates are the fragments selected for one specialist, grouped by section.
type ResolvedTemplates struct {
	Instructions []Fragment
	Guidelines   []Fragment
	Final        []Fragment
}

// LoadEmbeddedTemplates loads the baked-in fragments.
func LoadEmbeddedTemplates() (*TemplateSet, error) {
	sub, err := fs.Sub(embeddedTemplates, "templates")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded templates: %w", err)
	}
	return LoadTemplates(sub)
}

// LoadTemplateDir loads fragments from a directory on disk.
func LoadTemplateDir(dir string) (*TemplateSet, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("template directory: %w", err)
	}
	return LoadTemplates(os.DirFS(dir))
}

// LoadTemplates walks fsys for YAML files, each holding a list of fragments.
func LoadTemplates(fsys fs.FS) (*TemplateSet, error) {
	timer := logging.StartTimer(logging.CategoryPrompt, "LoadTemplates")
	defer timer.Stop()

	var all []Fragment
	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		var frags []Fragment
		if err := yaml.Unmarshal(data, &frags); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		all = append(all, frags...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}

	set := &TemplateSet{byID: make(map[string]Fragment, len(all))}
	for _, f := range all {
		if f.ID == "" {
			return nil, fmt.Errorf("fragment without id (kind %q)", f.Kind)
		}
		if _, dup := set.byID[f.ID]; dup {
			return nil, fmt.Errorf("duplicate fragment id %q", f.ID)
		}
		set.byID[f.ID] = f
		set.fragments = append(set.fragments, f)
	}
	logging.Prompt("Loaded %d prompt fragments", len(set.fragments))
	return set, nil
}

// Len returns the number of fragments.
func (s *TemplateSet) Len() int { return len(s.fragments) }

func (f Fragment) appliesTo(sp types.Specialist) bool {
	if len(f.Specialists) > 0 {
		return contains(f.Specialists, sp.ID)
	}
	return len(f.Categories) == 0 || contains(f.Categories, string(sp.Category))
}

// Resolve selects fragments for a specialist. The specialist must have at least
// one instructions fragment addressed to it and a final instruction must exist.
func (s *TemplateSet) Resolve(sp types.Specialist) (ResolvedTemplates, error) {
	selected := make(map[string]Fragment)
	for _, f := range s.fragments {
		if f.appliesTo(sp) {
			selected[f.ID] = f
		}
	}
	for _, id := range sp.Include {
		f, ok := s.byID[id]
		if !ok {
			return ResolvedTemplates{}, fmt.Errorf("included template %q not found", id)
		}
		selected[id] = f
	}
	for _, id := range sp.Exclude {
		delete(selected, id)
	}

	ordered := make([]Fragment, 0, len(selected))
	for _, f := range selected {
		ordered = append(ordered, f)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Kind != ordered[j].Kind {
			return kindRank(ordered[i].Kind) < kindRank(ordered[j].Kind)
		}
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})

	var res ResolvedTemplates
	hasOwnInstructions := false
	for _, f := range ordered {
		switch f.Kind {
		case KindRole, KindInstructions:
			res.Instructions = append(res.Instructions, f)
			if f.Kind == KindInstructions && contains(f.Specialists, sp.ID) {
				hasOwnInstructions = true
			}
		case KindGuidelines:
			res.Guidelines = append(res.Guidelines, f)
		case KindFinal:
			res.Final = append(res.Final, f)
		}
	}
	if !hasOwnInstructions {
		return ResolvedTemplates{}, fmt.Errorf("no instructions template for specialist %q", sp.ID)
	}
	if len(res.Final) == 0 {
		return ResolvedTemplates{}, fmt.Errorf("no final instruction template for specialist %q", sp.ID)
	}
	return res, nil
}

func kindRank(k FragmentKind) int {
	switch k {
	case KindRole:
		return 0
	case KindInstructions:
		return 1
	case KindGuidelines:
		return 2
	case KindFinal:
		return 3
	}
	return 4
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
