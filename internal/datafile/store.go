// Package datafile holds the binary data files jobs run against.
package datafile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/strategy-queue/internal/catalog"
)

var (
	// ErrFileNotFound is returned for unknown data file ids.
	ErrFileNotFound = errors.New("datafile: file not found")
	// ErrEmptyFile is returned when a file carries no bits.
	ErrEmptyFile = errors.New("datafile: file has no bits")
	// ErrInvalidBits is returned when a bit string contains characters other than 0/1.
	ErrInvalidBits = errors.New("datafile: bits must contain only 0 and 1")
)

// File is one loaded data file.
type File struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Bits     string    `json:"-"`
	Size     int       `json:"size"`
	LoadedAt time.Time `json:"loaded_at"`
}

// Store is the in-process data-file provider.
type Store struct {
	mu     sync.RWMutex
	files  map[string]*File
	order  []string
	active string
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{files: map[string]*File{}}
}

// LoadBits registers a file from an explicit bit string. The first file loaded becomes active.
func (s *Store) LoadBits(id, name, bits string) (*File, error) {
	if id == "" {
		return nil, fmt.Errorf("datafile: id is required")
	}
	if !catalog.ValidBits(bits) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidBits, id)
	}
	f := &File{ID: id, Name: name, Bits: bits, Size: len(bits), LoadedAt: time.Now().UTC()}
	if f.Name == "" {
		f.Name = id
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.files[id]; !exists {
		s.order = append(s.order, id)
	}
	s.files[id] = f
	if s.active == "" {
		s.active = id
	}
	return f, nil
}

// Load registers a file from raw bytes.
func (s *Store) Load(id, name string, data []byte) (*File, error) {
	return s.LoadBits(id, name, catalog.FromBytes(data))
}

// LoadFile reads path from disk and registers it under its base name.
func (s *Store) LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("datafile: read %s: %w", path, err)
	}
	name := filepath.Base(path)
	return s.Load(name, name, data)
}

// Bits returns the bits of a file, or ErrEmptyFile / ErrFileNotFound.
func (s *Store) Bits(id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrFileNotFound, id)
	}
	if f.Bits == "" {
		return "", fmt.Errorf("%w: %s", ErrEmptyFile, id)
	}
	return f.Bits, nil
}

// Get returns file metadata.
func (s *Store) Get(id string) (File, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[id]
	if !ok {
		return File{}, false
	}
	return *f, true
}

// ActiveFile returns the currently selected file.
func (s *Store) ActiveFile() (File, bool) {
	s.mu.RLock()
	id := s.active
	s.mu.RUnlock()
	return s.Get(id)
}

// SetActive selects the active file.
func (s *Store) SetActive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[id]; !ok {
		return fmt.Errorf("%w: %s", ErrFileNotFound, id)
	}
	s.active = id
	return nil
}

// List returns file metadata in load order.
func (s *Store) List() []File {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]File, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.files[id])
	}
	return out
}

// LoadDir loads every regular file in dir, sorted by name.
func (s *Store) LoadDir(dir string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("datafile: read dir %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	var loaded []File
	for _, name := range names {
		f, err := s.LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		loaded = append(loaded, *f)
	}
	return loaded, nil
}
