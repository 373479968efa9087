// ============================================================================
// Scoring / Policy Loader
// ============================================================================
//
// Package: internal/scoring
// File: loader.go
// Purpose: Turn external scoring and policy sources into the cost table,
//          initial budget, operation whitelist and step limit of one run.
//
// Source formats:
//   - YAML (gopkg.in/yaml.v3)
//   - HCL native syntax and HCL JSON (github.com/hashicorp/hcl/v2)
//
// Failure policy:
//   The loader never fails a run. A missing or unparseable source is logged
//   and replaced by safe defaults; the engine enforces correctness.
//
// ============================================================================

package scoring

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultCost is charged for operations missing from the cost table.
	DefaultCost = 5.0
	// DefaultMaxOperations bounds a run when no policy says otherwise.
	DefaultMaxOperations = 10000
	// DefaultInitialBudget is used when no scoring source supplies one.
	DefaultInitialBudget = 100.0
)

// Format identifies how a source is encoded.
type Format string

const (
	FormatYAML    Format = "yaml"
	FormatHCL     Format = "hcl"
	FormatHCLJSON Format = "json"
)

// FormatFromPath maps a file extension to a Format.
func FormatFromPath(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, true
	case ".hcl":
		return FormatHCL, true
	case ".json":
		return FormatHCLJSON, true
	}
	return "", false
}

// Source is one scoring or policy document.
type Source struct {
	ID      string
	Name    string
	Format  Format
	Content string
}

// ScoringConfig is the per-operation cost table plus initial budget.
type ScoringConfig struct {
	Costs         map[string]float64 `json:"costs"`
	DefaultCost   float64            `json:"default_cost"`
	InitialBudget float64            `json:"initial_budget"`
}

// Cost returns the cost of op, falling back to the default cost.
func (s ScoringConfig) Cost(op string) float64 {
	if c, ok := s.Costs[op]; ok {
		return c
	}
	if s.DefaultCost > 0 {
		return s.DefaultCost
	}
	return DefaultCost
}

// PolicyConfig is the operation whitelist plus max step count.
type PolicyConfig struct {
	Allowed       []string `json:"allowed"`
	MaxOperations int      `json:"max_operations"`
}

// Permits reports whether op passes the whitelist. An empty whitelist allows everything.
func (p PolicyConfig) Permits(op string) bool {
	if len(p.Allowed) == 0 {
		return true
	}
	for _, a := range p.Allowed {
		if a == op {
			return true
		}
	}
	return false
}

// DefaultScoring is the scoring used when nothing can be loaded.
func DefaultScoring() ScoringConfig {
	return ScoringConfig{Costs: map[string]float64{}, DefaultCost: DefaultCost, InitialBudget: DefaultInitialBudget}
}

// DefaultPolicy is the policy used when nothing can be loaded.
func DefaultPolicy() PolicyConfig {
	return PolicyConfig{MaxOperations: DefaultMaxOperations}
}

// Loader keeps scoring and policy sources in registration order.
type Loader struct {
	mu      sync.RWMutex
	scoring []Source
	policy  []Source
	logger  *slog.Logger
}

// NewLoader returns an empty loader. A nil logger uses slog.Default().
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger.With("component", "scoring")}
}

// AddScoring registers a scoring source, replacing one with the same id.
func (l *Loader) AddScoring(src Source) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scoring = upsert(l.scoring, src)
}

// AddPolicy registers a policy source, replacing one with the same id.
func (l *Loader) AddPolicy(src Source) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.policy = upsert(l.policy, src)
}

func upsert(list []Source, src Source) []Source {
	if src.Name == "" {
		src.Name = src.ID
	}
	for i := range list {
		if list[i].ID == src.ID {
			list[i] = src
			return list
		}
	}
	return append(list, src)
}

// HasScoring reports whether at least one scoring source is registered.
func (l *Loader) HasScoring() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.scoring) > 0
}

// HasPolicy reports whether at least one policy source is registered.
func (l *Loader) HasPolicy() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.policy) > 0
}

// ScoringIDs lists registered scoring source ids.
func (l *Loader) ScoringIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return ids(l.scoring)
}

// PolicyIDs lists registered policy source ids.
func (l *Loader) PolicyIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return ids(l.policy)
}

func ids(list []Source) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.ID
	}
	return out
}

// LoadDir registers every *.scoring.* and *.policy.* file in dir.
// The source id is the file name without the kind and extension (fast.scoring.yaml -> fast).
func (l *Loader) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("scoring: read dir %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	count := 0
	for _, name := range names {
		format, ok := FormatFromPath(name)
		if !ok {
			continue
		}
		base := strings.TrimSuffix(name, filepath.Ext(name))
		kind := filepath.Ext(base)
		if kind != ".scoring" && kind != ".policy" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return count, fmt.Errorf("scoring: read %s: %w", name, err)
		}
		src := Source{ID: strings.TrimSuffix(base, kind), Name: name, Format: format, Content: string(data)}
		if kind == ".scoring" {
			l.AddScoring(src)
		} else {
			l.AddPolicy(src)
		}
		count++
	}
	return count, nil
}

// Resolve builds the scoring and policy configs for one run. An empty id picks the
// first registered source; an unknown id falls back to the first with a warning.
func (l *Loader) Resolve(scoringID, policyID string) (ScoringConfig, PolicyConfig) {
	l.mu.RLock()
	scoringSrc, hasScoring := pick(l.scoring, scoringID)
	policySrc, hasPolicy := pick(l.policy, policyID)
	l.mu.RUnlock()

	sc := DefaultScoring()
	if hasScoring {
		if scoringID != "" && scoringSrc.ID != scoringID {
			l.logger.Warn("Scoring source not found, using first available", "requested", scoringID, "using", scoringSrc.ID)
		}
		parsed, err := ParseScoring(scoringSrc)
		if err != nil {
			l.logger.Warn("Failed to parse scoring source, using defaults", "id", scoringSrc.ID, "error", err)
		} else {
			sc = parsed
		}
	}

	pc := DefaultPolicy()
	if hasPolicy {
		if policyID != "" && policySrc.ID != policyID {
			l.logger.Warn("Policy source not found, using first available", "requested", policyID, "using", policySrc.ID)
		}
		parsed, err := ParsePolicy(policySrc)
		if err != nil {
			l.logger.Warn("Failed to parse policy source, using defaults", "id", policySrc.ID, "error", err)
		} else {
			pc = parsed
		}
	}
	return sc, pc
}

func pick(list []Source, id string) (Source, bool) {
	if len(list) == 0 {
		return Source{}, false
	}
	for _, s := range list {
		if s.ID == id {
			return s, true
		}
	}
	return list[0], true
}

// scoringDoc is the shared decode target for YAML and HCL scoring sources.
type scoringDoc struct {
	InitialBudget *float64           `yaml:"initial_budget" hcl:"initial_budget,optional"`
	DefaultCost   *float64           `yaml:"default_cost" hcl:"default_cost,optional"`
	Costs         map[string]float64 `yaml:"costs" hcl:"costs,optional"`
}

type policyDoc struct {
	Allowed       []string `yaml:"allowed" hcl:"allowed,optional"`
	MaxOperations *int     `yaml:"max_operations" hcl:"max_operations,optional"`
}

// ParseScoring decodes a scoring source. Negative costs are replaced by the default cost.
func ParseScoring(src Source) (ScoringConfig, error) {
	var doc scoringDoc
	if err := decode(src, &doc); err != nil {
		return ScoringConfig{}, err
	}
	sc := DefaultScoring()
	if doc.DefaultCost != nil && *doc.DefaultCost >= 0 {
		sc.DefaultCost = *doc.DefaultCost
	}
	if doc.InitialBudget != nil && *doc.InitialBudget >= 0 {
		sc.InitialBudget = *doc.InitialBudget
	}
	for op, cost := range doc.Costs {
		if cost < 0 {
			cost = sc.DefaultCost
		}
		sc.Costs[op] = cost
	}
	return sc, nil
}

// ParsePolicy decodes a policy source. A non-positive max_operations keeps the default.
func ParsePolicy(src Source) (PolicyConfig, error) {
	var doc policyDoc
	if err := decode(src, &doc); err != nil {
		return PolicyConfig{}, err
	}
	pc := DefaultPolicy()
	pc.Allowed = doc.Allowed
	if doc.MaxOperations != nil && *doc.MaxOperations > 0 {
		pc.MaxOperations = *doc.MaxOperations
	}
	return pc, nil
}

func decode(src Source, target any) error {
	switch src.Format {
	case FormatYAML, "":
		if err := yaml.Unmarshal([]byte(src.Content), target); err != nil {
			return fmt.Errorf("scoring: parse %s: %w", src.ID, err)
		}
		return nil
	case FormatHCL, FormatHCLJSON:
		parser := hclparse.NewParser()
		var (
			file  *hcl.File
			diags hcl.Diagnostics
		)
		filename := src.Name
		if filename == "" {
			filename = src.ID
		}
		if src.Format == FormatHCL {
			file, diags = parser.ParseHCL([]byte(src.Content), filename)
		} else {
			file, diags = parser.ParseJSON([]byte(src.Content), filename)
		}
		if diags.HasErrors() {
			return fmt.Errorf("scoring: parse %s: %w", src.ID, diags)
		}
		if diags := gohcl.DecodeBody(file.Body, nil, target); diags.HasErrors() {
			return fmt.Errorf("scoring: decode %s: %w", src.ID, diags)
		}
		return nil
	}
	return fmt.Errorf("scoring: %s has unknown format %q", src.ID, src.Format)
}
