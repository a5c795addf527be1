// Package script loads murder-mystery scripts (剧本) from YAML files.
//
// A script names the case, its background and the cast. Sessions can be
// started from a script ID instead of an inline roster.
package script

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/jubensha/internal/game"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned by [Library.Get] for unknown script IDs.
var ErrNotFound = errors.New("script: not found")

// Script is one playable case.
type Script struct {
	// ID defaults to the file name without extension.
	ID         string `yaml:"id" json:"id"`
	Title      string `yaml:"title" json:"title"`
	Background string `yaml:"background" json:"background,omitempty"`

	Characters []game.Character `yaml:"characters" json:"characters"`

	// Evidence lists clues that may be found. Discoverer is normally empty
	// here; clues become discovered during play.
	Evidence []game.Evidence `yaml:"evidence" json:"evidence,omitempty"`

	// Rounds overrides rounds per phase for this script, keyed by phase
	// name.
	Rounds map[string]int `yaml:"rounds" json:"rounds,omitempty"`
}

// Validate checks the cast and rounds.
func (s *Script) Validate() error {
	var errs []error
	if strings.TrimSpace(s.ID) == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if strings.TrimSpace(s.Title) == "" {
		errs = append(errs, errors.New("title is required"))
	}
	if err := game.ValidateRoster(s.Characters); err != nil {
		errs = append(errs, err)
	} else if len(game.Eligible(s.Characters)) == 0 {
		errs = append(errs, errors.New("at least one character must not be a victim"))
	}
	for name, n := range s.Rounds {
		if _, err := game.ParsePhase(name); err != nil {
			errs = append(errs, err)
		}
		if n < 1 {
			errs = append(errs, fmt.Errorf("rounds.%s must be at least 1", name))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("script %q: %w", s.ID, errors.Join(errs...))
	}
	return nil
}

// PhaseRounds returns Rounds keyed by phase.
func (s *Script) PhaseRounds() map[game.Phase]int {
	out := make(map[game.Phase]int, len(s.Rounds))
	for name, n := range s.Rounds {
		if p, err := game.ParsePhase(name); err == nil && n > 0 {
			out[p] = n
		}
	}
	return out
}

// Decode reads one script from r. Unknown fields are rejected.
func Decode(r io.Reader) (*Script, error) {
	s := &Script{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil {
		return nil, fmt.Errorf("script: decode yaml: %w", err)
	}
	return s, nil
}

// LoadFile reads and validates the script at path.
func LoadFile(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("script: %w", err)
	}
	s, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if s.ID == "" {
		s.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Library holds loaded scripts by ID. It is safe for concurrent use.
type Library struct {
	mu      sync.RWMutex
	scripts map[string]*Script
}

// NewLibrary returns a library holding scripts. Later duplicates replace
// earlier ones.
func NewLibrary(scripts ...*Script) *Library {
	l := &Library{scripts: make(map[string]*Script, len(scripts))}
	for _, s := range scripts {
		l.scripts[s.ID] = s
	}
	return l
}

// LoadDir loads every *.yaml and *.yml file in dir. An empty dir yields an
// empty library. All invalid files are reported together.
func LoadDir(dir string) (*Library, error) {
	l := NewLibrary()
	if dir == "" {
		return l, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("script: read dir: %w", err)
	}

	var errs []error
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		s, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := l.scripts[s.ID]; dup {
			errs = append(errs, fmt.Errorf("script: duplicate id %q in %s", s.ID, e.Name()))
			continue
		}
		l.scripts[s.ID] = s
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return l, nil
}

// Get returns the script with id.
func (l *Library) Get(id string) (*Script, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.scripts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return s, nil
}

// Add registers s after validating it.
func (l *Library) Add(s *Script) error {
	if err := s.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scripts[s.ID] = s
	return nil
}

// List returns all scripts sorted by ID.
func (l *Library) List() []*Script {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Script, 0, len(l.scripts))
	for _, s := range l.scripts {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *Script) int { return strings.Compare(a.ID, b.ID) })
	return out
}
