// Package persona loads the configuration bundles that control system
// prompt, allowed tool namespaces, and preferred model per scope.
// Personas are read-only from the agent loop's perspective.
package persona

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Persona is one behavior bundle. An empty AllowedNamespaces list
// allows every tool namespace.
type Persona struct {
	Name              string   `yaml:"name"`
	SystemPrompt      string   `yaml:"system_prompt"`
	AllowedNamespaces []string `yaml:"allowed_namespaces"`
	PreferredModel    string   `yaml:"preferred_model"`
}

// DefaultName is the persona used when a turn does not name one.
const DefaultName = "default"

// Store holds the personas loaded at startup.
type Store struct {
	personas map[string]*Persona
}

// Default returns the built-in persona used when no persona directory
// is configured.
func Default() *Persona {
	return &Persona{
		Name:         DefaultName,
		SystemPrompt: "You are a capable assistant. Use the available tools when they help, and answer plainly.",
	}
}

// Load reads every .yaml persona file from dir. A missing directory
// yields a store containing only the built-in default.
func Load(dir string) (*Store, error) {
	s := &Store{personas: map[string]*Persona{DefaultName: Default()}}
	if dir == "" {
		return s, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read persona dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && (strings.HasSuffix(e.Name(), ".yaml") || strings.HasSuffix(e.Name(), ".yml")) {
			files = append(files, e.Name())
		}
	}
	// Sort for deterministic load order
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			return nil, fmt.Errorf("read persona %s: %w", f, err)
		}
		var p Persona
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("parse persona %s: %w", f, err)
		}
		if p.Name == "" {
			p.Name = strings.TrimSuffix(strings.TrimSuffix(f, ".yaml"), ".yml")
		}
		if p.SystemPrompt == "" {
			return nil, fmt.Errorf("persona %s has no system_prompt", f)
		}
		s.personas[p.Name] = &p
	}

	return s, nil
}

// Get returns the named persona, falling back to the default for an
// empty or unknown name.
func (s *Store) Get(name string) *Persona {
	if name == "" {
		name = DefaultName
	}
	if p, ok := s.personas[name]; ok {
		return p
	}
	return s.personas[DefaultName]
}

// Names returns the loaded persona names, sorted.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.personas))
	for n := range s.personas {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
