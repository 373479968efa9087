// Package history keeps the most recent execution results and exports them.
//
// The persisted form is a JSON array of results, newest first, rewritten
// wholesale on every Flush. There is no incremental append format.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/ChuLiYu/strategy-queue/internal/snapshot"
	"github.com/ChuLiYu/strategy-queue/pkg/types"
)

// DefaultCapacity is the number of results kept.
const DefaultCapacity = 50

// ErrCorruptedHistory is returned when the history file is not a JSON result array.
var ErrCorruptedHistory = errors.New("history: file is corrupted")

// Store is a capped, newest-first result list with an explicit flush boundary.
type Store struct {
	mu       sync.RWMutex
	path     string
	capacity int
	results  []types.ExecutionResult
	dirty    bool
	log      *slog.Logger
}

// NewStore creates a store persisted at path. An empty path keeps it in memory.
func NewStore(path string, capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{path: path, capacity: capacity, log: slog.Default().With("component", "history")}
}

// Add records a result, evicting the oldest beyond capacity.
func (s *Store) Add(r types.ExecutionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append([]types.ExecutionResult{r}, s.results...)
	if len(s.results) > s.capacity {
		s.results = s.results[:s.capacity]
	}
	s.dirty = true
}

// List returns results newest first.
func (s *Store) List() []types.ExecutionResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.ExecutionResult, len(s.results))
	for i := range s.results {
		out[i] = s.results[i].Clone()
	}
	return out
}

// Get finds a result by id.
func (s *Store) Get(id string) (types.ExecutionResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.results {
		if r.ID == id {
			return r.Clone(), true
		}
	}
	return types.ExecutionResult{}, false
}

// Len returns the number of stored results.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}

// Clear drops every result.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = nil
	s.dirty = true
}

// Load replaces the in-memory list with the file contents. A missing file is empty history.
func (s *Store) Load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("history: read %s: %w", s.path, err)
	}
	var results []types.ExecutionResult
	if err := json.Unmarshal(data, &results); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptedHistory, err)
	}
	if len(results) > s.capacity {
		results = results[:s.capacity]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = results
	s.dirty = false
	return nil
}

// Flush writes the list atomically if it changed since the last flush.
func (s *Store) Flush() error {
	if s.path == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	results := s.results
	if results == nil {
		results = []types.ExecutionResult{}
	}
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("history: marshal: %w", err)
	}
	if err := snapshot.WriteFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("history: %w", err)
	}
	s.dirty = false
	s.log.Debug("History flushed", "path", s.path, "results", len(results))
	return nil
}
