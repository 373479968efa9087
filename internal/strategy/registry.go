// Package strategy keeps the strategy bundles jobs refer to by id.
package strategy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ChuLiYu/strategy-queue/pkg/types"
	"gopkg.in/yaml.v3"
)

// ErrStrategyNotFound is returned for unknown strategy ids.
var ErrStrategyNotFound = errors.New("strategy: not found")

// bundleFile is the YAML layout of a strategy bundle file.
//
//	strategies:
//	  - id: s1
//	    name: Flip then rotate
//	    language: lua
//	    source_file: flip.lua
type bundleFile struct {
	Strategies []bundleEntry `yaml:"strategies"`
}

type bundleEntry struct {
	types.Strategy `yaml:",inline"`
	SourceFile     string `yaml:"source_file,omitempty"`
}

// Registry maintains known strategies.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]types.Strategy
	order      []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: map[string]types.Strategy{}}
}

// Register installs or replaces a strategy.
func (r *Registry) Register(s types.Strategy) error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("strategy: id is required")
	}
	if s.Language == "" {
		return fmt.Errorf("strategy: %s has no language", s.ID)
	}
	if s.Name == "" {
		s.Name = s.ID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.strategies[s.ID]; !exists {
		r.order = append(r.order, s.ID)
	}
	r.strategies[s.ID] = s
	return nil
}

// Get resolves a strategy by id.
func (r *Registry) Get(id string) (types.Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[id]
	if !ok {
		return types.Strategy{}, fmt.Errorf("%w: %s", ErrStrategyNotFound, id)
	}
	return s, nil
}

// List returns strategies in registration order.
func (r *Registry) List() []types.Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Strategy, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.strategies[id])
	}
	return out
}

// LoadFile reads a YAML bundle; source_file paths are relative to the bundle.
func (r *Registry) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("strategy: read %s: %w", path, err)
	}
	var bundle bundleFile
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return 0, fmt.Errorf("strategy: parse %s: %w", path, err)
	}
	for _, entry := range bundle.Strategies {
		s := entry.Strategy
		if entry.SourceFile != "" {
			srcPath := entry.SourceFile
			if !filepath.IsAbs(srcPath) {
				srcPath = filepath.Join(filepath.Dir(path), srcPath)
			}
			src, err := os.ReadFile(srcPath)
			if err != nil {
				return 0, fmt.Errorf("strategy: %s source: %w", s.ID, err)
			}
			s.Source = string(src)
			if s.Language == "" {
				s.Language = LanguageFromPath(srcPath)
			}
		}
		if err := r.Register(s); err != nil {
			return 0, err
		}
	}
	return len(bundle.Strategies), nil
}

// LanguageFromPath guesses a language from a file extension.
func LanguageFromPath(path string) types.Language {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".lua":
		return types.LanguageLua
	case ".py":
		return types.LanguagePython
	case ".cpp", ".cc", ".cxx", ".hpp", ".h":
		return types.LanguageCpp
	case ".go":
		return types.LanguageGo
	}
	return ""
}
