package rules

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// rulesFile is the YAML envelope for rules.yaml.
type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// FileStore manages regulatory rules in a YAML file, held in memory and
// written back on every mutation.
//
// Thread-safe — the HTTP API and CLI mutate rules while the policy engine
// lists them from request goroutines. Reload() is called by the config
// watcher when rules.yaml changes on disk.
type FileStore struct {
	mu    sync.RWMutex
	path  string
	rules []Rule
}

// NewFileStore loads rules from the given YAML path. A missing file is not
// an error (empty rule set); malformed YAML is.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads rules.yaml, replacing the in-memory set.
func (s *FileStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			s.rules = nil
			s.mu.Unlock()
			return nil
		}
		return fmt.Errorf("reading rules %s: %w", s.path, err)
	}

	var file rulesFile
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("parsing rules %s: %w", s.path, err)
		}
	}

	s.mu.Lock()
	s.rules = file.Rules
	s.mu.Unlock()

	slog.Info("regulatory rules loaded", "path", s.path, "count", len(file.Rules))
	return nil
}

// List returns a copy of the rules, sorted by ID. With enabledOnly, disabled
// rules are excluded.
func (s *FileStore) List(ctx context.Context, enabledOnly bool) ([]Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if enabledOnly && !r.Enabled {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get returns the rule with the given ID.
func (s *FileStore) Get(id string) (Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rules {
		if r.ID == id {
			return r, true
		}
	}
	return Rule{}, false
}

// Add inserts a rule and persists the file. An empty ID is minted; an
// existing ID is an error. The rule's pattern is not validated here — the
// policy engine isolates compile failures per rule, so a bad pattern
// degrades that one rule rather than blocking rule management.
func (s *FileStore) Add(r Rule) (Rule, error) {
	if r.Name == "" {
		return Rule{}, fmt.Errorf("rule must have a name")
	}
	if r.Pattern == "" {
		return Rule{}, fmt.Errorf("rule %q must have a pattern", r.Name)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.rules {
		if existing.ID == r.ID {
			return Rule{}, fmt.Errorf("rule %s already exists", r.ID)
		}
	}
	s.rules = append(s.rules, r)
	if err := s.saveLocked(); err != nil {
		s.rules = s.rules[:len(s.rules)-1]
		return Rule{}, err
	}
	return r, nil
}

// Remove deletes a rule by ID and persists the file.
func (s *FileStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filtered := make([]Rule, 0, len(s.rules))
	found := false
	for _, r := range s.rules {
		if r.ID == id {
			found = true
			continue
		}
		filtered = append(filtered, r)
	}
	if !found {
		return fmt.Errorf("rule %s not found", id)
	}
	s.rules = filtered
	return s.saveLocked()
}

// SetEnabled toggles a rule and persists the file.
func (s *FileStore) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.rules {
		if s.rules[i].ID == id {
			s.rules[i].Enabled = enabled
			s.rules[i].UpdatedAt = time.Now().UTC()
			return s.saveLocked()
		}
	}
	return fmt.Errorf("rule %s not found", id)
}

// saveLocked writes the current rule set to rules.yaml. Caller holds mu.
func (s *FileStore) saveLocked() error {
	data, err := yaml.Marshal(rulesFile{Rules: s.rules})
	if err != nil {
		return fmt.Errorf("marshaling rules: %w", err)
	}

	header := "# Regulatory rules evaluated by the policy engine.\n# Each rule is a regex pattern; disabled rules are kept but not evaluated.\n\n"
	if err := os.WriteFile(s.path, []byte(header+string(data)), 0o644); err != nil {
		return fmt.Errorf("writing rules %s: %w", s.path, err)
	}
	return nil
}
