// Package catalog resolves operations and metrics by id.
//
// Built-in bit transforms and metrics are registered by NewCatalog; custom
// operations are compiled once from Go source (see plugin.go) and cached.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnknownOperation is returned when an operation id is not registered.
	ErrUnknownOperation = errors.New("catalog: unknown operation")
	// ErrUnknownMetric is returned when a metric id is not registered.
	ErrUnknownMetric = errors.New("catalog: unknown metric")
	// ErrDuplicate is returned when an id is registered twice.
	ErrDuplicate = errors.New("catalog: id already registered")
)

// Call carries the sub-range an operation is applied to.
// Offset is the absolute position of Bits[0] inside the full bit string.
type Call struct {
	Bits   string
	Offset int
	Params map[string]any
}

// Operation transforms a bit string ("0"/"1" characters).
type Operation interface {
	ID() string
	Apply(call Call) (string, error)
}

// RangeSelector lets an operation choose which bits a step touches.
type RangeSelector interface {
	SelectRange(step, size int) (start, end int)
}

// Metric computes a scalar over a full bit string.
type Metric interface {
	ID() string
	Compute(bits string) float64
}

// OperationFunc adapts a plain function to Operation.
type OperationFunc struct {
	Name string
	Fn   func(call Call) (string, error)
}

func (o OperationFunc) ID() string                      { return o.Name }
func (o OperationFunc) Apply(call Call) (string, error) { return o.Fn(call) }

// MetricFunc adapts a plain function to Metric.
type MetricFunc struct {
	Name string
	Fn   func(bits string) float64
}

func (m MetricFunc) ID() string                  { return m.Name }
func (m MetricFunc) Compute(bits string) float64 { return m.Fn(bits) }

// Catalog maintains known operations and metrics.
type Catalog struct {
	mu         sync.RWMutex
	operations map[string]Operation
	metrics    map[string]Metric
}

// NewCatalog returns a catalog preloaded with the built-in transforms and metrics.
func NewCatalog() *Catalog {
	c := NewEmpty()
	for _, op := range builtinOperations() {
		c.MustRegisterOperation(op)
	}
	for _, m := range builtinMetrics() {
		c.MustRegisterMetric(m)
	}
	return c
}

// NewEmpty returns a catalog with nothing registered.
func NewEmpty() *Catalog {
	return &Catalog{
		operations: map[string]Operation{},
		metrics:    map[string]Metric{},
	}
}

// RegisterOperation installs op under op.ID().
func (c *Catalog) RegisterOperation(op Operation) error {
	if op == nil || op.ID() == "" {
		return fmt.Errorf("catalog: operation id is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.operations[op.ID()]; exists {
		return fmt.Errorf("%w: operation %s", ErrDuplicate, op.ID())
	}
	c.operations[op.ID()] = op
	return nil
}

// MustRegisterOperation panics if registration fails.
func (c *Catalog) MustRegisterOperation(op Operation) {
	if err := c.RegisterOperation(op); err != nil {
		panic(err)
	}
}

// RegisterMetric installs m under m.ID().
func (c *Catalog) RegisterMetric(m Metric) error {
	if m == nil || m.ID() == "" {
		return fmt.Errorf("catalog: metric id is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.metrics[m.ID()]; exists {
		return fmt.Errorf("%w: metric %s", ErrDuplicate, m.ID())
	}
	c.metrics[m.ID()] = m
	return nil
}

// MustRegisterMetric panics if registration fails.
func (c *Catalog) MustRegisterMetric(m Metric) {
	if err := c.RegisterMetric(m); err != nil {
		panic(err)
	}
}

// Operation resolves an operation by id.
func (c *Catalog) Operation(id string) (Operation, error) {
	c.mu.RLock()
	op, ok := c.operations[id]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, id)
	}
	return op, nil
}

// Metric resolves a metric by id.
func (c *Catalog) Metric(id string) (Metric, error) {
	c.mu.RLock()
	m, ok := c.metrics[id]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMetric, id)
	}
	return m, nil
}

// Operations lists every registered operation id, sorted.
func (c *Catalog) Operations() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.operations))
	for id := range c.operations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Metrics lists every registered metric id, sorted.
func (c *Catalog) Metrics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.metrics))
	for id := range c.metrics {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
