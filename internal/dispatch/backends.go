package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/strategy-queue/internal/catalog"
	"github.com/ChuLiYu/strategy-queue/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ============================================================================
// Lua / Python: external VM collaborators
// ============================================================================

// VM is an external interpreter that must load before a script can run.
type VM interface {
	Load(ctx context.Context) error
}

// VMFunc adapts a function to VM.
type VMFunc func(ctx context.Context) error

// Load calls f.
func (f VMFunc) Load(ctx context.Context) error { return f(ctx) }

// CommandVM loads by resolving an interpreter executable on PATH.
// An empty name never loads.
func CommandVM(name string) VM {
	return VMFunc(func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if strings.TrimSpace(name) == "" {
			return errors.New("no interpreter command configured")
		}
		if _, err := exec.LookPath(name); err != nil {
			return fmt.Errorf("interpreter %q: %w", name, err)
		}
		return nil
	})
}

// ScriptBackend serves Lua and Python strategies through a VM collaborator.
// A successful load is remembered; a failed one is retried on the next Prepare.
type ScriptBackend struct {
	lang   types.Language
	vm     VM
	mu     sync.Mutex
	loaded bool
}

// NewLuaBackend returns the Lua backend. A nil vm makes every Prepare fail.
func NewLuaBackend(vm VM) *ScriptBackend {
	return &ScriptBackend{lang: types.LanguageLua, vm: vm}
}

// NewPythonBackend returns the Python backend. A nil vm makes every Prepare fail.
func NewPythonBackend(vm VM) *ScriptBackend {
	return &ScriptBackend{lang: types.LanguagePython, vm: vm}
}

func (b *ScriptBackend) Language() types.Language { return b.lang }

// Prepare loads the VM once.
func (b *ScriptBackend) Prepare(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loaded {
		return nil
	}
	if b.vm == nil {
		return unavailable(b.lang, errors.New("no VM configured"))
	}
	if err := b.vm.Load(ctx); err != nil {
		return unavailable(b.lang, err)
	}
	b.loaded = true
	return nil
}

func (b *ScriptBackend) Validate(source string) ValidationResult {
	res := staticValidate(source)
	if b.lang == types.LanguagePython && res.Valid && mixedIndent(source) {
		res.Warnings = append(res.Warnings, "mixed tabs and spaces in indentation")
	}
	return res
}

func (b *ScriptBackend) ExtractOperations(source string) []string {
	return ScanOperations(source)
}

func mixedIndent(source string) bool {
	tabs, spaces := false, false
	for _, line := range strings.Split(source, "\n") {
		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		if strings.Contains(indent, "\t") {
			tabs = true
		}
		if strings.Contains(indent, " ") {
			spaces = true
		}
	}
	return tabs && spaces
}

// ============================================================================
// C++: local execution server over gRPC
// ============================================================================

// DefaultHealthTimeout bounds the C++ server health check.
const DefaultHealthTimeout = 2 * time.Second

// CppBackend requires a reachable execution server. There is no fallback.
type CppBackend struct {
	Addr        string
	Service     string // grpc.health.v1 service name; empty checks the whole server
	Timeout     time.Duration
	DialOptions []grpc.DialOption
}

// NewCppBackend targets the execution server at addr with insecure transport.
func NewCppBackend(addr string) *CppBackend {
	return &CppBackend{
		Addr:        addr,
		Timeout:     DefaultHealthTimeout,
		DialOptions: []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
	}
}

func (b *CppBackend) Language() types.Language { return types.LanguageCpp }

// Prepare performs a grpc.health.v1 Check against the execution server.
func (b *CppBackend) Prepare(ctx context.Context) error {
	if strings.TrimSpace(b.Addr) == "" {
		return unavailable(types.LanguageCpp, errors.New("no execution server address configured"))
	}
	conn, err := grpc.NewClient(b.Addr, b.DialOptions...)
	if err != nil {
		return unavailable(types.LanguageCpp, err)
	}
	defer conn.Close()

	timeout := b.Timeout
	if timeout <= 0 {
		timeout = DefaultHealthTimeout
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(checkCtx, &healthpb.HealthCheckRequest{Service: b.Service})
	if err != nil {
		return unavailable(types.LanguageCpp, fmt.Errorf("execution server %s: %w", b.Addr, err))
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return unavailable(types.LanguageCpp, fmt.Errorf("execution server %s is %s", b.Addr, resp.GetStatus()))
	}
	return nil
}

func (b *CppBackend) Validate(source string) ValidationResult {
	res := staticValidate(source)
	if res.Valid && !strings.Contains(source, "main") && !strings.Contains(source, "execute") {
		res.Warnings = append(res.Warnings, "no main or execute entry point found")
	}
	return res
}

func (b *CppBackend) ExtractOperations(source string) []string {
	return ScanOperations(source)
}

// ============================================================================
// Go: in-process yaegi interpreter
// ============================================================================

// GoBackend interprets Go strategies in the catalog sandbox.
type GoBackend struct{}

// NewGoBackend returns the Go backend.
func NewGoBackend() *GoBackend { return &GoBackend{} }

func (b *GoBackend) Language() types.Language { return types.LanguageGo }

// Prepare always succeeds; the interpreter is in-process.
func (b *GoBackend) Prepare(ctx context.Context) error { return ctx.Err() }

// Validate interprets the source; any interpreter error makes it invalid.
func (b *GoBackend) Validate(source string) ValidationResult {
	if strings.TrimSpace(source) == "" {
		return ValidationResult{Errors: []string{"source is empty"}}
	}
	i, err := catalog.NewInterpreter()
	if err != nil {
		return ValidationResult{Errors: []string{err.Error()}}
	}
	if _, err := i.Eval(catalog.EnsurePackage(source)); err != nil {
		return ValidationResult{Errors: []string{err.Error()}}
	}
	res := ValidationResult{Valid: true}
	if len(b.ExtractOperations(source)) == 0 {
		res.Warnings = append(res.Warnings, "no operation calls found, enabled operations will be used")
	}
	return res
}

// ExtractOperations calls Operations() []string when the source defines it,
// otherwise falls back to the static scan.
func (b *GoBackend) ExtractOperations(source string) []string {
	if ops, ok := interpretOperations(source); ok {
		return ops
	}
	return ScanOperations(source)
}

func interpretOperations(source string) (ops []string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ops, ok = nil, false
		}
	}()
	i, err := catalog.NewInterpreter()
	if err != nil {
		return nil, false
	}
	if _, err := i.Eval(catalog.EnsurePackage(source)); err != nil {
		return nil, false
	}
	v, err := i.Eval("Operations")
	if err != nil || !v.IsValid() || v.Kind() != reflect.Func {
		return nil, false
	}
	if v.Type().NumIn() != 0 || v.Type().NumOut() != 1 {
		return nil, false
	}
	out, isSlice := v.Call(nil)[0].Interface().([]string)
	if !isSlice {
		return nil, false
	}
	return out, true
}
