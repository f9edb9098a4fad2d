package checker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/continuum/continuum/internal/audit"
)

// ErrEmptyCode is returned when a check is requested for empty or
// whitespace-only code. Rejected before anything touches the ledger.
var ErrEmptyCode = errors.New("checker: code must not be empty")

// CheckRequest is one compliance check submission.
type CheckRequest struct {
	Code       string `json:"code"`
	ActorID    string `json:"actor_id"`
	ResourceID string `json:"resource_id"`
}

// CheckResponse is the evaluation result plus the ledger entry that
// recorded it.
type CheckResponse struct {
	Result *Result      `json:"result"`
	Entry  *audit.Entry `json:"audit_entry"`
}

// Service ties the aggregator to the audit ledger: every evaluation is
// persisted as an ACCESS entry carrying the full result.
type Service struct {
	Aggregator *Aggregator
	Ledger     *audit.Ledger
}

// Check validates the request, evaluates the code, and records the result
// on the ledger. The evaluation and its audit entry succeed or fail
// together — a ledger failure fails the check.
func (s *Service) Check(ctx context.Context, req CheckRequest) (*CheckResponse, error) {
	if strings.TrimSpace(req.Code) == "" {
		return nil, ErrEmptyCode
	}

	result, err := s.Aggregator.Evaluate(ctx, req.Code, req.ResourceID)
	if err != nil {
		return nil, fmt.Errorf("evaluating compliance: %w", err)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}

	entry, err := s.Ledger.Append(ctx, req.ActorID, audit.ActionAccess, req.ResourceID, payload, result.Status)
	if err != nil {
		return nil, fmt.Errorf("recording audit entry: %w", err)
	}

	return &CheckResponse{Result: result, Entry: entry}, nil
}
