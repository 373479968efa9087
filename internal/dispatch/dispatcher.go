// ============================================================================
// Runtime Dispatcher
// ============================================================================
//
// Package: internal/dispatch
// File: dispatcher.go
// Purpose: Route a strategy's source language to the backend that can run it.
//
// Backend contract:
//   Prepare(ctx)              - make the runtime ready or fail with ErrRuntimeUnavailable
//   Validate(source)          - static checks {Valid, Errors, Warnings}
//   ExtractOperations(source) - requested operation ids in call order
//
// An empty extraction is not an error; the engine falls back to the
// strategy's enabled operations.
//
// ============================================================================

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/ChuLiYu/strategy-queue/pkg/types"
)

var (
	// ErrUnsupportedLanguage 表示沒有對應語言的 backend
	ErrUnsupportedLanguage = errors.New("dispatch: unsupported language")
	// ErrRuntimeUnavailable 表示 VM 載入失敗或執行伺服器無法連線
	ErrRuntimeUnavailable = errors.New("dispatch: runtime unavailable")
)

// ValidationResult is the outcome of a static source check.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Backend runs strategies written in one language.
type Backend interface {
	Language() types.Language
	Prepare(ctx context.Context) error
	Validate(source string) ValidationResult
	ExtractOperations(source string) []string
}

// Dispatcher maps languages to backends.
type Dispatcher struct {
	mu       sync.RWMutex
	backends map[types.Language]Backend
}

// NewDispatcher returns a dispatcher with the given backends registered.
func NewDispatcher(backends ...Backend) *Dispatcher {
	d := &Dispatcher{backends: make(map[types.Language]Backend)}
	for _, b := range backends {
		d.Register(b)
	}
	return d
}

// Register installs or replaces the backend for its language.
func (d *Dispatcher) Register(b Backend) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backends[b.Language()] = b
}

// Backend resolves the backend for lang.
func (d *Dispatcher) Backend(lang types.Language) (Backend, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.backends[lang]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, lang)
	}
	return b, nil
}

// Languages lists registered languages, sorted.
func (d *Dispatcher) Languages() []types.Language {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]types.Language, 0, len(d.backends))
	for l := range d.backends {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func unavailable(lang types.Language, cause error) error {
	return fmt.Errorf("%w: %s: %v", ErrRuntimeUnavailable, lang, cause)
}

// ============================================================================
// Static call-site scan
// ============================================================================

var callSite = regexp.MustCompile(`\b(?:apply_operation|applyOperation|apply_op|run_operation)\s*\(\s*["']([A-Za-z0-9_.\-]+)["']`)

// ScanOperations returns the operation ids named at call sites, in source order.
func ScanOperations(source string) []string {
	matches := callSite.FindAllStringSubmatch(source, -1)
	if len(matches) == 0 {
		return nil
	}
	ops := make([]string, 0, len(matches))
	for _, m := range matches {
		ops = append(ops, m[1])
	}
	return ops
}

// checkBrackets reports the first unbalanced (), [] or {} outside string literals.
func checkBrackets(source string) error {
	pairs := map[rune]rune{')': '(', ']': '[', '}': '{'}
	var stack []rune
	var quote rune
	escaped := false
	line := 1
	for _, r := range source {
		if r == '\n' {
			line++
		}
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == quote || r == '\n':
				quote = 0
			}
			continue
		}
		switch r {
		case '"', '\'':
			quote = r
		case '(', '[', '{':
			stack = append(stack, r)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[r] {
				return fmt.Errorf("line %d: unexpected %q", line, r)
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		return fmt.Errorf("unclosed %q", stack[len(stack)-1])
	}
	return nil
}

// staticValidate is shared by the script backends.
func staticValidate(source string) ValidationResult {
	res := ValidationResult{Valid: true}
	if strings.TrimSpace(source) == "" {
		res.Valid = false
		res.Errors = append(res.Errors, "source is empty")
		return res
	}
	if err := checkBrackets(source); err != nil {
		res.Valid = false
		res.Errors = append(res.Errors, err.Error())
	}
	if len(ScanOperations(source)) == 0 {
		res.Warnings = append(res.Warnings, "no operation calls found, enabled operations will be used")
	}
	return res
}
