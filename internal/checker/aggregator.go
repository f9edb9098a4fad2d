// Package checker runs the full compliance evaluation: the four built-in
// pattern detector categories, the regulatory-rule engine, and the two
// optional external collaborators, aggregated into a single verdict that
// is then recorded on the audit ledger.
//
// The detectors and the rule engine are mandatory: their findings decide
// the verdict, and a rule-store failure fails the check. The collaborators
// are informational: each runs under a bounded timeout, and a failure or
// timeout marks its section unavailable without ever changing the verdict.
package checker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/continuum/continuum/internal/audit"
	"github.com/continuum/continuum/internal/patterns"
	"github.com/continuum/continuum/internal/policy"
)

// ScanSection is the external scanner's portion of a Result. Available is
// false when the scanner was disabled, timed out, or failed.
type ScanSection struct {
	Available bool     `json:"available"`
	Findings  []string `json:"findings,omitempty"`
}

// RiskSection is the risk scorer's portion of a Result.
type RiskSection struct {
	Available  bool    `json:"available"`
	RiskScore  float64 `json:"risk_score,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Result is one complete compliance evaluation. The four category lists and
// the rule violations are the mandatory findings; Status is NON_COMPLIANT
// exactly when any of them is non-empty.
type Result struct {
	PII             []string `json:"pii"`
	Vulnerabilities []string `json:"vulnerabilities"`
	GDPR            []string `json:"gdpr"`
	Discrimination  []string `json:"discrimination"`

	RegulatoryRuleViolations []policy.Violation `json:"regulatory_rule_violations"`

	ExternalScan *ScanSection `json:"external_scan,omitempty"`
	RiskScore    *RiskSection `json:"risk_score,omitempty"`

	Status audit.ComplianceStatus `json:"status"`
}

// Aggregator fans the submitted code out to every check and merges the
// results. Scanner and RiskScorer are nil when the feature is disabled.
type Aggregator struct {
	Policy     *policy.Engine
	Scanner    Scanner
	RiskScorer RiskScorer

	// Timeout bounds each collaborator call. Zero means no extra bound
	// beyond the caller's context.
	Timeout time.Duration
}

// Evaluate runs every configured check against the code and returns the
// merged result. The mandatory checks (pattern detectors, rule engine) run
// concurrently with the collaborators; only a rule-engine failure is fatal.
func (a *Aggregator) Evaluate(ctx context.Context, code, resourceID string) (*Result, error) {
	res := &Result{}

	var wg sync.WaitGroup
	var policyErr error

	// Mandatory: the four pattern detector categories.
	categoryDest := map[patterns.Category]*[]string{
		patterns.CategoryPII:            &res.PII,
		patterns.CategoryVulnerability:  &res.Vulnerabilities,
		patterns.CategoryGDPR:           &res.GDPR,
		patterns.CategoryDiscrimination: &res.Discrimination,
	}
	for _, cat := range patterns.Categories() {
		wg.Add(1)
		go func(cat patterns.Category) {
			defer wg.Done()
			*categoryDest[cat] = patterns.Scan(cat, code)
		}(cat)
	}

	// Mandatory when configured: the regulatory rule engine. A nil engine
	// means the feature is disabled and no rules are evaluated.
	res.RegulatoryRuleViolations = []policy.Violation{}
	if a.Policy != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			violations, err := a.Policy.Evaluate(ctx, code, resourceID)
			if err != nil {
				policyErr = err
				return
			}
			res.RegulatoryRuleViolations = violations
		}()
	}

	// Informational collaborators, each isolated under its own timeout.
	if a.Scanner != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res.ExternalScan = a.runScan(ctx, code)
		}()
	}
	if a.RiskScorer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res.RiskScore = a.runScore(ctx, code)
		}()
	}

	wg.Wait()

	if policyErr != nil {
		return nil, policyErr
	}

	res.Status = audit.StatusCompliant
	if len(res.PII) > 0 || len(res.Vulnerabilities) > 0 || len(res.GDPR) > 0 ||
		len(res.Discrimination) > 0 || len(res.RegulatoryRuleViolations) > 0 {
		res.Status = audit.StatusNonCompliant
	}
	return res, nil
}

func (a *Aggregator) runScan(ctx context.Context, code string) *ScanSection {
	ctx, cancel := a.boundCtx(ctx)
	defer cancel()

	findings, err := a.Scanner.Scan(ctx, code)
	if err != nil {
		slog.Warn("external scanner unavailable", "error", err)
		return &ScanSection{Available: false}
	}
	return &ScanSection{Available: true, Findings: findings}
}

func (a *Aggregator) runScore(ctx context.Context, code string) *RiskSection {
	ctx, cancel := a.boundCtx(ctx)
	defer cancel()

	score, confidence, err := a.RiskScorer.Score(ctx, code)
	if err != nil {
		slog.Warn("risk scorer unavailable", "error", err)
		return &RiskSection{Available: false}
	}
	return &RiskSection{Available: true, RiskScore: score, Confidence: confidence}
}

func (a *Aggregator) boundCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.Timeout)
}
