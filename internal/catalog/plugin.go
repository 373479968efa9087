package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

const pluginFuncName = "Execute"

// sandboxPackages are the only stdlib packages visible to interpreted code.
var sandboxPackages = map[string]bool{
	"bytes":        true,
	"errors":       true,
	"fmt":          true,
	"math":         true,
	"math/bits":    true,
	"sort":         true,
	"strconv":      true,
	"strings":      true,
	"unicode":      true,
	"unicode/utf8": true,
}

// SandboxSymbols returns the restricted stdlib export table for yaegi.
func SandboxSymbols() interp.Exports {
	exports := interp.Exports{}
	for key, symbols := range stdlib.Symbols {
		idx := strings.LastIndex(key, "/")
		if idx <= 0 {
			continue
		}
		if sandboxPackages[key[:idx]] {
			exports[key] = symbols
		}
	}
	return exports
}

// NewInterpreter creates a yaegi interpreter limited to the sandbox symbols.
func NewInterpreter() (*interp.Interpreter, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(SandboxSymbols()); err != nil {
		return nil, fmt.Errorf("plugin: load sandbox symbols: %w", err)
	}
	return i, nil
}

// EnsurePackage prefixes a package clause when the source has none.
func EnsurePackage(source string) string {
	if strings.HasPrefix(strings.TrimSpace(source), "package ") {
		return source
	}
	return "package main\n\n" + source
}

type pluginOperation struct {
	id string
	fn func(string, int, map[string]interface{}) (string, error)
}

func (p *pluginOperation) ID() string { return p.id }

func (p *pluginOperation) Apply(call Call) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin %s panicked: %v", p.id, r)
		}
	}()
	params := call.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	out, err = p.fn(call.Bits, call.Offset, params)
	if err != nil {
		return "", err
	}
	if !ValidBits(out) {
		return "", fmt.Errorf("plugin %s returned non-binary output", p.id)
	}
	return out, nil
}

// CompileGoOperation interprets source once and returns an Operation backed by its
// Execute function. Execute must have one of the signatures
//
//	func Execute(bits string, offset int, params map[string]interface{}) string
//	func Execute(bits string, offset int, params map[string]interface{}) (string, error)
func CompileGoOperation(id, source string) (Operation, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("plugin: %s is empty", id)
	}
	i, err := NewInterpreter()
	if err != nil {
		return nil, err
	}
	if _, err := i.Eval(EnsurePackage(source)); err != nil {
		return nil, fmt.Errorf("plugin: interpret %s: %w", id, err)
	}
	v, err := i.Eval(pluginFuncName)
	if err != nil {
		return nil, fmt.Errorf("plugin: %s must define %s: %w", id, pluginFuncName, err)
	}
	fn, err := pluginFunc(v)
	if err != nil {
		return nil, fmt.Errorf("plugin: %s: %w", id, err)
	}
	return &pluginOperation{id: id, fn: fn}, nil
}

func pluginFunc(v reflect.Value) (func(string, int, map[string]interface{}) (string, error), error) {
	if !v.IsValid() || v.Kind() != reflect.Func {
		return nil, fmt.Errorf("%s is not a function", pluginFuncName)
	}
	switch fn := v.Interface().(type) {
	case func(string, int, map[string]interface{}) string:
		return func(b string, o int, p map[string]interface{}) (string, error) { return fn(b, o, p), nil }, nil
	case func(string, int, map[string]interface{}) (string, error):
		return fn, nil
	}
	return nil, fmt.Errorf("%s has unsupported signature %s", pluginFuncName, v.Type())
}

// LoadPluginDir compiles every .go file in dir and registers it under the
// upper-cased file name (xor3.go -> XOR3). A missing dir is not an error.
func (c *Catalog) LoadPluginDir(dir string) ([]string, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(trimmed)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("plugin: read %s: %w", trimmed, err)
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".go" {
			continue
		}
		path := filepath.Join(trimmed, entry.Name())
		code, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("plugin: read %s: %w", path, err)
		}
		id := strings.ToUpper(strings.TrimSuffix(entry.Name(), ".go"))
		op, err := CompileGoOperation(id, string(code))
		if err != nil {
			return nil, err
		}
		if err := c.RegisterOperation(op); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
