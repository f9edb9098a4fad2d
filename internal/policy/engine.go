// Package policy implements the regulatory-rule evaluation engine.
//
// The engine evaluates submitted code against the enabled regulatory rules
// from the rule store. Each evaluation snapshots the rule set once at entry,
// so a concurrent rule toggle or reload never produces a self-inconsistent
// result. Rule patterns are compiled once and cached by rule ID; a rule
// whose pattern fails to compile is skipped and logged, never fatal — one
// bad rule must not block the rest.
//
// Given the same code and the same enabled rule set, Evaluate is
// deterministic: rules are applied in ID order and matches are the
// non-overlapping leftmost matches, capped per rule.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/gobwas/glob"

	"github.com/continuum/continuum/internal/rules"
)

// maxMatchesPerRule bounds the matched substrings captured per rule, so a
// pathological pattern on a large input cannot balloon the result.
const maxMatchesPerRule = 50

// Violation is one rule that matched the evaluated code.
type Violation struct {
	RuleID      string   `json:"rule_id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Pattern     string   `json:"pattern"`
	Matches     []string `json:"matches"`
}

// compiledRule caches the compiled form of one rule's pattern and resource
// globs. Entries are invalidated when the pattern text changes.
type compiledRule struct {
	pattern string
	re      *regexp.Regexp
	globs   []glob.Glob
	bad     bool // Pattern failed to compile; rule is skipped.
}

// Engine evaluates code against the rule store. Safe for concurrent use.
type Engine struct {
	store rules.Store

	mu    sync.Mutex
	cache map[string]*compiledRule
}

// New creates an engine reading rules from the given store.
func New(store rules.Store) *Engine {
	return &Engine{
		store: store,
		cache: make(map[string]*compiledRule),
	}
}

// Evaluate runs the code through every enabled rule and returns the
// violations in rule-ID order. resourceID scopes rules that carry resource
// globs; rules without globs apply to every resource.
//
// A store failure is returned to the caller — the regulatory rules are a
// mandatory check and must not silently degrade. A single rule's compile
// failure is not: that rule is skipped and logged.
func (e *Engine) Evaluate(ctx context.Context, code, resourceID string) ([]Violation, error) {
	snapshot, err := e.store.List(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("loading regulatory rules: %w", err)
	}

	violations := make([]Violation, 0)
	for _, rule := range snapshot {
		cr := e.compiled(rule)
		if cr.bad {
			continue
		}
		if !cr.appliesTo(resourceID) {
			continue
		}

		matches := cr.re.FindAllString(code, maxMatchesPerRule)
		if len(matches) == 0 {
			continue
		}
		violations = append(violations, Violation{
			RuleID:      rule.ID,
			Name:        rule.Name,
			Description: rule.Description,
			Pattern:     rule.Pattern,
			Matches:     matches,
		})
	}
	return violations, nil
}

// compiled returns the cached compiled form of a rule, recompiling when the
// pattern text has changed since it was cached.
func (e *Engine) compiled(rule rules.Rule) *compiledRule {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cr, ok := e.cache[rule.ID]; ok && cr.pattern == rule.Pattern {
		return cr
	}

	cr := &compiledRule{pattern: rule.Pattern}

	// Rules evaluate in multi-line mode: ^ and $ anchor per line, matching
	// how rules are written against source text.
	re, err := regexp.Compile("(?m)" + rule.Pattern)
	if err != nil {
		slog.Warn("skipping rule with invalid pattern",
			"rule_id", rule.ID, "name", rule.Name, "error", err)
		cr.bad = true
		e.cache[rule.ID] = cr
		return cr
	}
	cr.re = re

	for _, pattern := range rule.Resources {
		g, err := glob.Compile(pattern)
		if err != nil {
			slog.Warn("skipping rule with invalid resource glob",
				"rule_id", rule.ID, "glob", pattern, "error", err)
			cr.bad = true
			break
		}
		cr.globs = append(cr.globs, g)
	}

	e.cache[rule.ID] = cr
	return cr
}

// appliesTo reports whether the rule's resource globs admit the resource.
// No globs means the rule applies everywhere.
func (cr *compiledRule) appliesTo(resourceID string) bool {
	if len(cr.globs) == 0 {
		return true
	}
	for _, g := range cr.globs {
		if g.Match(resourceID) {
			return true
		}
	}
	return false
}
