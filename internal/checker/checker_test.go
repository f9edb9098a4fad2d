package checker

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/continuum/continuum/internal/audit"
	"github.com/continuum/continuum/internal/policy"
	"github.com/continuum/continuum/internal/rules"
)

// stubRules is an in-memory rules.Store.
type stubRules struct {
	rules []rules.Rule
	err   error
}

func (s *stubRules) List(ctx context.Context, enabledOnly bool) ([]rules.Rule, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.rules, nil
}

type stubScanner struct {
	findings []string
	err      error
	delay    time.Duration
}

func (s *stubScanner) Scan(ctx context.Context, code string) ([]string, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.findings, s.err
}

type stubScorer struct {
	score, confidence float64
	err               error
}

func (s *stubScorer) Score(ctx context.Context, code string) (float64, float64, error) {
	return s.score, s.confidence, s.err
}

func newAggregator(store *stubRules) *Aggregator {
	return &Aggregator{Policy: policy.New(store)}
}

func TestEvaluate_CleanCodeIsCompliant(t *testing.T) {
	a := newAggregator(&stubRules{})
	res, err := a.Evaluate(context.Background(), "def foo():\n    return 42", "res")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != audit.StatusCompliant {
		t.Errorf("status = %s, want COMPLIANT", res.Status)
	}
	for name, list := range map[string][]string{
		"pii": res.PII, "vulnerabilities": res.Vulnerabilities,
		"gdpr": res.GDPR, "discrimination": res.Discrimination,
	} {
		if len(list) != 0 {
			t.Errorf("%s findings = %v, want none", name, list)
		}
	}
	if res.ExternalScan != nil || res.RiskScore != nil {
		t.Error("collaborator sections should be absent when no collaborator is configured")
	}
}

func TestEvaluate_DetectorFindingFlipsStatus(t *testing.T) {
	a := newAggregator(&stubRules{})
	res, err := a.Evaluate(context.Background(), "result = eval(user_input)", "res")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Vulnerabilities) == 0 {
		t.Fatal("eval() should be flagged as a vulnerability")
	}
	if res.Status != audit.StatusNonCompliant {
		t.Errorf("status = %s, want NON_COMPLIANT", res.Status)
	}
}

func TestEvaluate_PIIDetected(t *testing.T) {
	a := newAggregator(&stubRules{})
	res, err := a.Evaluate(context.Background(), `ssn = "123-45-6789"`, "res")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.PII) == 0 || res.Status != audit.StatusNonCompliant {
		t.Errorf("pii = %v, status = %s; want a finding and NON_COMPLIANT", res.PII, res.Status)
	}
}

func TestEvaluate_RuleViolationFlipsStatus(t *testing.T) {
	store := &stubRules{rules: []rules.Rule{
		{ID: "r1", Name: "no-fixme", Pattern: "FIXME", Enabled: true},
	}}
	a := newAggregator(store)

	res, err := a.Evaluate(context.Background(), "# FIXME later", "res")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.RegulatoryRuleViolations) != 1 {
		t.Fatalf("violations = %+v, want one", res.RegulatoryRuleViolations)
	}
	if res.Status != audit.StatusNonCompliant {
		t.Errorf("status = %s, want NON_COMPLIANT on a rule violation alone", res.Status)
	}
}

func TestEvaluate_RuleStoreFailureIsFatal(t *testing.T) {
	a := newAggregator(&stubRules{err: errors.New("store down")})
	if _, err := a.Evaluate(context.Background(), "code", "res"); err == nil {
		t.Error("a rule store failure must fail the whole evaluation")
	}
}

func TestEvaluate_CollaboratorsPopulateSections(t *testing.T) {
	a := newAggregator(&stubRules{})
	a.Scanner = &stubScanner{findings: []string{"CVE-2021-0001"}}
	a.RiskScorer = &stubScorer{score: 0.83, confidence: 0.9}

	res, err := a.Evaluate(context.Background(), "def foo(): pass", "res")
	if err != nil {
		t.Fatal(err)
	}
	if res.ExternalScan == nil || !res.ExternalScan.Available {
		t.Fatalf("external_scan = %+v, want available", res.ExternalScan)
	}
	if len(res.ExternalScan.Findings) != 1 {
		t.Errorf("findings = %v", res.ExternalScan.Findings)
	}
	if res.RiskScore == nil || !res.RiskScore.Available || res.RiskScore.RiskScore != 0.83 {
		t.Errorf("risk_score = %+v", res.RiskScore)
	}
	// Informational sections never affect the verdict.
	if res.Status != audit.StatusCompliant {
		t.Errorf("status = %s, collaborator findings must not flip it", res.Status)
	}
}

func TestEvaluate_CollaboratorFailureIsUnavailable(t *testing.T) {
	a := newAggregator(&stubRules{})
	a.Scanner = &stubScanner{err: errors.New("connection refused")}
	a.RiskScorer = &stubScorer{err: errors.New("503")}

	res, err := a.Evaluate(context.Background(), "def foo(): pass", "res")
	if err != nil {
		t.Fatalf("collaborator failures must not fail the check: %v", err)
	}
	if res.ExternalScan == nil || res.ExternalScan.Available {
		t.Errorf("external_scan = %+v, want unavailable marker", res.ExternalScan)
	}
	if res.RiskScore == nil || res.RiskScore.Available {
		t.Errorf("risk_score = %+v, want unavailable marker", res.RiskScore)
	}
	if res.Status != audit.StatusCompliant {
		t.Errorf("status = %s, unavailable collaborators must not flip it", res.Status)
	}
}

func TestEvaluate_CollaboratorTimeout(t *testing.T) {
	a := newAggregator(&stubRules{})
	a.Scanner = &stubScanner{findings: []string{"late"}, delay: 2 * time.Second}
	a.Timeout = 50 * time.Millisecond

	start := time.Now()
	res, err := a.Evaluate(context.Background(), "def foo(): pass", "res")
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("evaluation took %v, timeout did not bound the slow scanner", elapsed)
	}
	if res.ExternalScan == nil || res.ExternalScan.Available {
		t.Errorf("external_scan = %+v, want unavailable after timeout", res.ExternalScan)
	}
}

func newTestService(t *testing.T, store *stubRules) *Service {
	t.Helper()
	ledger, err := audit.Open(filepath.Join(t.TempDir(), "ledger.db"), "")
	if err != nil {
		t.Fatalf("opening ledger: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })
	return &Service{Aggregator: newAggregator(store), Ledger: ledger}
}

func TestCheck_EmptyCodeRejectedBeforeLedger(t *testing.T) {
	svc := newTestService(t, &stubRules{})

	for _, code := range []string{"", "   ", "\n\t  \n"} {
		if _, err := svc.Check(context.Background(), CheckRequest{Code: code, ActorID: "u1"}); !errors.Is(err, ErrEmptyCode) {
			t.Errorf("Check(%q) error = %v, want ErrEmptyCode", code, err)
		}
	}

	n, err := svc.Ledger.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("ledger has %d entries after rejected checks, want 0", n)
	}
}

func TestCheck_RecordsAccessEntry(t *testing.T) {
	svc := newTestService(t, &stubRules{})

	resp, err := svc.Check(context.Background(), CheckRequest{
		Code:       "password = \"hunter2secret\"",
		ActorID:    "alice",
		ResourceID: "src/app.py",
	})
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	if resp.Result.Status != audit.StatusNonCompliant {
		t.Errorf("status = %s, want NON_COMPLIANT for a hardcoded credential", resp.Result.Status)
	}

	e := resp.Entry
	if e == nil {
		t.Fatal("response carries no audit entry")
	}
	if e.ActionType != audit.ActionAccess || e.UserID != "alice" || e.ResourceID != "src/app.py" {
		t.Errorf("entry = %+v, want ACCESS by alice on src/app.py", e)
	}
	if e.ComplianceStatus != resp.Result.Status {
		t.Errorf("entry status %s != result status %s", e.ComplianceStatus, resp.Result.Status)
	}

	// The entry payload round-trips to the evaluation result.
	var recorded Result
	if err := json.Unmarshal(e.Changes, &recorded); err != nil {
		t.Fatalf("entry payload is not a Result: %v", err)
	}
	if recorded.Status != resp.Result.Status {
		t.Errorf("recorded status = %s, want %s", recorded.Status, resp.Result.Status)
	}

	// And the ledger verifies end to end.
	vr, err := svc.Ledger.VerifyChain(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !vr.Valid {
		t.Errorf("chain invalid after check: %+v", vr)
	}
}

func TestCheck_EvaluationFailureWritesNothing(t *testing.T) {
	store := &stubRules{err: errors.New("store down")}
	svc := newTestService(t, store)

	if _, err := svc.Check(context.Background(), CheckRequest{Code: "x = 1", ActorID: "u1"}); err == nil {
		t.Fatal("Check() should fail when the rule store is down")
	}
	n, err := svc.Ledger.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("ledger has %d entries after a failed evaluation, want 0", n)
	}
}
