// Package rules defines regulatory rules and the store they are managed in.
//
// A regulatory rule is a named, enable-able regex pattern evaluated against
// submitted code by the policy engine. Rules live in rules.yaml and are
// managed through the FileStore; the policy engine consumes them read-only
// through the Store interface and snapshots the set per evaluation.
package rules

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Rule is one regulatory rule. Pattern is a regular expression; Resources
// optionally restricts the rule to resource IDs matching any of the globs
// (empty means the rule applies everywhere).
type Rule struct {
	ID          string       `yaml:"id" json:"id"`
	Name        string       `yaml:"name" json:"name"`
	Description string       `yaml:"description,omitempty" json:"description"`
	Pattern     string       `yaml:"pattern" json:"pattern"`
	Enabled     bool         `yaml:"enabled" json:"enabled"`
	Resources   StringOrList `yaml:"resources,omitempty" json:"resources,omitempty"`
	CreatedAt   time.Time    `yaml:"created_at,omitempty" json:"created_at"`
	UpdatedAt   time.Time    `yaml:"updated_at,omitempty" json:"updated_at"`
}

// Store is the read surface the policy engine depends on. List returns
// rules sorted by ID so evaluation order is stable regardless of how the
// backing store happens to order them.
type Store interface {
	List(ctx context.Context, enabledOnly bool) ([]Rule, error)
}

// StringOrList accepts a YAML field written as either a single string or a
// list of strings:
//
//	resources: "src/**"
//	resources: [src/**, lib/**]
type StringOrList []string

// UnmarshalYAML handles both scalar and sequence forms.
func (s *StringOrList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*s = []string{value.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*s = list
		return nil
	default:
		return fmt.Errorf("expected string or list, got %v", value.Kind)
	}
}
