package rules

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "rules.yaml"))
	if err != nil {
		t.Fatalf("NewFileStore() failed: %v", err)
	}
	return s
}

func TestFileStore_MissingFileIsEmpty(t *testing.T) {
	s := newTestStore(t)
	rules, err := s.List(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 0 {
		t.Errorf("missing file should yield no rules, got %d", len(rules))
	}
}

func TestFileStore_AddMintsIDAndPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	s, err := NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}

	added, err := s.Add(Rule{Name: "no-todos", Pattern: "TODO", Enabled: true})
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if added.ID == "" {
		t.Error("Add should mint an ID when none is given")
	}
	if added.CreatedAt.IsZero() || added.UpdatedAt.IsZero() {
		t.Error("Add should set timestamps")
	}

	// A fresh store reading the same file sees the rule.
	s2, err := NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	rules, err := s2.List(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 1 || rules[0].Name != "no-todos" {
		t.Errorf("reloaded store rules = %+v, want the added rule", rules)
	}
}

func TestFileStore_AddValidation(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Add(Rule{Pattern: "x"}); err == nil {
		t.Error("rule without name should be rejected")
	}
	if _, err := s.Add(Rule{Name: "x"}); err == nil {
		t.Error("rule without pattern should be rejected")
	}
	if _, err := s.Add(Rule{ID: "dup", Name: "a", Pattern: "x"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Add(Rule{ID: "dup", Name: "b", Pattern: "y"}); err == nil {
		t.Error("duplicate ID should be rejected")
	}
}

func TestFileStore_ListSortedByID(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"c", "a", "b"} {
		if _, err := s.Add(Rule{ID: id, Name: id, Pattern: "x", Enabled: true}); err != nil {
			t.Fatal(err)
		}
	}

	rules, err := s.List(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	got := []string{rules[0].ID, rules[1].ID, rules[2].ID}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("List order = %v, want sorted by ID", got)
	}
}

func TestFileStore_EnabledOnly(t *testing.T) {
	s := newTestStore(t)
	s.Add(Rule{ID: "on", Name: "on", Pattern: "x", Enabled: true})
	s.Add(Rule{ID: "off", Name: "off", Pattern: "y", Enabled: false})

	enabled, err := s.List(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if len(enabled) != 1 || enabled[0].ID != "on" {
		t.Errorf("enabledOnly = %+v, want only the enabled rule", enabled)
	}

	all, err := s.List(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("full list has %d rules, want 2", len(all))
	}
}

func TestFileStore_SetEnabledAndRemove(t *testing.T) {
	s := newTestStore(t)
	s.Add(Rule{ID: "r1", Name: "r1", Pattern: "x", Enabled: true})

	if err := s.SetEnabled("r1", false); err != nil {
		t.Fatal(err)
	}
	enabled, _ := s.List(context.Background(), true)
	if len(enabled) != 0 {
		t.Error("disabled rule should not appear in enabled-only list")
	}

	if err := s.Remove("r1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove("r1"); err == nil {
		t.Error("removing a missing rule should fail")
	}
	if err := s.SetEnabled("r1", true); err == nil {
		t.Error("toggling a missing rule should fail")
	}
}

func TestFileStore_ReloadPicksUpExternalEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	s, err := NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}

	// Simulate an external editor writing the file, including the
	// single-string resources form.
	content := `rules:
  - id: ext-1
    name: external
    pattern: "secret"
    enabled: true
    resources: "src/**"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.Reload(); err != nil {
		t.Fatal(err)
	}

	rules, err := s.List(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 1 || rules[0].ID != "ext-1" {
		t.Fatalf("reloaded rules = %+v", rules)
	}
	if len(rules[0].Resources) != 1 || rules[0].Resources[0] != "src/**" {
		t.Errorf("scalar resources should decode as one-element list, got %v", rules[0].Resources)
	}
}
