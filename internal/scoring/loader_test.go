package scoring

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDefaultsWithoutSources(t *testing.T) {
	l := NewLoader(nil)
	assert.False(t, l.HasScoring())
	assert.False(t, l.HasPolicy())

	sc, pc := l.Resolve("", "")
	assert.Equal(t, DefaultCost, sc.Cost("XOR"))
	assert.Equal(t, DefaultInitialBudget, sc.InitialBudget)
	assert.Equal(t, DefaultMaxOperations, pc.MaxOperations)
	assert.True(t, pc.Permits("ANYTHING"))
}

func TestParseScoringFormats(t *testing.T) {
	tests := []struct {
		name string
		src  Source
	}{
		{"yaml", Source{ID: "y", Format: FormatYAML, Content: "initial_budget: 40\ndefault_cost: 3\ncosts:\n  XOR: 4\n  NOT: 1\n"}},
		{"hcl", Source{ID: "h", Format: FormatHCL, Content: "initial_budget = 40\ndefault_cost = 3\ncosts = {\n  XOR = 4\n  NOT = 1\n}\n"}},
		{"hcl json", Source{ID: "j", Format: FormatHCLJSON, Content: `{"initial_budget": 40, "default_cost": 3, "costs": {"XOR": 4, "NOT": 1}}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc, err := ParseScoring(tt.src)
			require.NoError(t, err)
			assert.Equal(t, 40.0, sc.InitialBudget)
			assert.Equal(t, 4.0, sc.Cost("XOR"))
			assert.Equal(t, 1.0, sc.Cost("NOT"))
			assert.Equal(t, 3.0, sc.Cost("ROL"))
		})
	}
}

func TestParsePolicyFormats(t *testing.T) {
	tests := []struct {
		name string
		src  Source
	}{
		{"yaml", Source{ID: "y", Format: FormatYAML, Content: "allowed: [XOR, NOT]\nmax_operations: 7\n"}},
		{"hcl", Source{ID: "h", Format: FormatHCL, Content: "allowed = [\"XOR\", \"NOT\"]\nmax_operations = 7\n"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pc, err := ParsePolicy(tt.src)
			require.NoError(t, err)
			assert.Equal(t, 7, pc.MaxOperations)
			assert.True(t, pc.Permits("XOR"))
			assert.False(t, pc.Permits("SHL"))
		})
	}
}

func TestNegativeCostFallsBackToDefault(t *testing.T) {
	sc, err := ParseScoring(Source{ID: "neg", Format: FormatYAML, Content: "costs:\n  XOR: -2\n"})
	require.NoError(t, err)
	assert.Equal(t, DefaultCost, sc.Cost("XOR"))
}

func TestNonPositiveMaxOperationsKeepsDefault(t *testing.T) {
	pc, err := ParsePolicy(Source{ID: "p", Format: FormatYAML, Content: "max_operations: 0\n"})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxOperations, pc.MaxOperations)
}

func TestResolveUnparseableUsesDefaults(t *testing.T) {
	l := NewLoader(nil)
	l.AddScoring(Source{ID: "bad", Format: FormatHCL, Content: "costs = {"})
	l.AddPolicy(Source{ID: "bad", Format: FormatYAML, Content: "allowed: [unterminated"})

	sc, pc := l.Resolve("bad", "bad")
	assert.Equal(t, DefaultCost, sc.Cost("XOR"))
	assert.Equal(t, DefaultMaxOperations, pc.MaxOperations)
	assert.Empty(t, pc.Allowed)
}

func TestResolveByIDAndFirstAvailable(t *testing.T) {
	l := NewLoader(nil)
	l.AddScoring(Source{ID: "cheap", Format: FormatYAML, Content: "costs: {XOR: 1}"})
	l.AddScoring(Source{ID: "dear", Format: FormatYAML, Content: "costs: {XOR: 9}"})

	sc, _ := l.Resolve("", "")
	assert.Equal(t, 1.0, sc.Cost("XOR"), "empty id picks the first source")

	sc, _ = l.Resolve("dear", "")
	assert.Equal(t, 9.0, sc.Cost("XOR"))

	sc, _ = l.Resolve("missing", "")
	assert.Equal(t, 1.0, sc.Cost("XOR"), "unknown id falls back to the first source")

	l.AddScoring(Source{ID: "cheap", Format: FormatYAML, Content: "costs: {XOR: 2}"})
	sc, _ = l.Resolve("cheap", "")
	assert.Equal(t, 2.0, sc.Cost("XOR"), "re-adding an id replaces it")
	assert.Equal(t, []string{"cheap", "dear"}, l.ScoringIDs())
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"fast.scoring.yaml": "initial_budget: 12\n",
		"slow.scoring.hcl":  "initial_budget = 30\n",
		"strict.policy.yml": "allowed: [NOT]\n",
		"notes.txt":         "ignored",
		"other.yaml":        "ignored: true\n",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}

	l := NewLoader(nil)
	n, err := l.LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"fast", "slow"}, l.ScoringIDs())
	assert.Equal(t, []string{"strict"}, l.PolicyIDs())

	sc, pc := l.Resolve("slow", "strict")
	assert.Equal(t, 30.0, sc.InitialBudget)
	assert.Equal(t, []string{"NOT"}, pc.Allowed)
}

func TestLoadDirMissing(t *testing.T) {
	_, err := NewLoader(nil).LoadDir(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}
