package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Store holds the compiled profiles of a deployment, keyed by name.
type Store struct {
	profiles map[string]*CompiledProfile
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{profiles: make(map[string]*CompiledProfile)}
}

// Add compiles and registers a profile. Names are unique.
func (s *Store) Add(p *Profile) error {
	cp, err := p.Compile()
	if err != nil {
		return fmt.Errorf("profile %s: %w", p.Name, err)
	}
	if _, dup := s.profiles[cp.Name]; dup {
		return fmt.Errorf("duplicate profile %s", cp.Name)
	}
	s.profiles[cp.Name] = cp
	return nil
}

// Get returns the named profile or nil.
func (s *Store) Get(name string) *CompiledProfile {
	return s.profiles[name]
}

// Names returns the registered profile names, sorted.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.profiles))
	for name := range s.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadFile parses one YAML profile document.
func LoadFile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing profile %s: %w", path, err)
	}
	return &p, nil
}

// LoadDir loads every .yaml/.yml file of a directory into a new store.
func LoadDir(dir string) (*Store, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading profile directory: %w", err)
	}

	store := NewStore()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		p, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if err := store.Add(p); err != nil {
			return nil, err
		}
	}
	return store, nil
}
