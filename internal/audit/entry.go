// Package audit implements the tamper-evident, hash-chained audit ledger.
//
// Every compliance evaluation is recorded as an Entry in an append-only
// SQLite-backed ledger. Each entry's hash covers the previous entry's hash,
// forming a chain where altering any stored field breaks verification from
// that point forward.
//
// The append path is the only write path and is serialized: the read of the
// current tail hash and the insert of the new entry happen as one unit. A
// UNIQUE constraint on prev_hash backstops this against a second writer on
// the same database file.
package audit

import (
	"encoding/json"
	"fmt"
)

// ActionType is the kind of audited action.
type ActionType string

const (
	ActionCreate ActionType = "CREATE"
	ActionUpdate ActionType = "UPDATE"
	ActionDelete ActionType = "DELETE"
	ActionAccess ActionType = "ACCESS"
)

// ParseActionType validates a string against the closed set of action types.
func ParseActionType(s string) (ActionType, error) {
	switch ActionType(s) {
	case ActionCreate, ActionUpdate, ActionDelete, ActionAccess:
		return ActionType(s), nil
	}
	return "", fmt.Errorf("unknown action type %q", s)
}

// ComplianceStatus is the verdict attached to an audited action.
type ComplianceStatus string

const (
	StatusCompliant    ComplianceStatus = "COMPLIANT"
	StatusNonCompliant ComplianceStatus = "NON_COMPLIANT"
	StatusUnknown      ComplianceStatus = "UNKNOWN"
)

// ParseComplianceStatus validates a string against the closed status set.
func ParseComplianceStatus(s string) (ComplianceStatus, error) {
	switch ComplianceStatus(s) {
	case StatusCompliant, StatusNonCompliant, StatusUnknown:
		return ComplianceStatus(s), nil
	}
	return "", fmt.Errorf("unknown compliance status %q", s)
}

// Entry is a single immutable ledger record. Created exactly once at append
// time, never mutated, removed only by the retention purge.
type Entry struct {
	Seq              uint64           `json:"seq"`
	Timestamp        string           `json:"timestamp"` // RFC3339Nano, UTC, increasing in insertion order.
	UserID           string           `json:"user_id"`
	ActionType       ActionType       `json:"action_type"`
	ResourceID       string           `json:"resource_id"`
	Changes          json.RawMessage  `json:"changes"` // Serialized snapshot of the evaluated result; opaque to the ledger.
	ComplianceStatus ComplianceStatus `json:"compliance_status"`
	PrevHash         string           `json:"prev_hash"`
	Hash             string           `json:"hash"`
}

// Filter selects entries for Query. Zero values mean "no filter".
type Filter struct {
	UserID     string
	ResourceID string
	Since      string // RFC3339 timestamp, inclusive lower bound.
	Until      string // RFC3339 timestamp, exclusive upper bound.
	Limit      int
}

// VerifyResult is the outcome of a chain verification walk.
type VerifyResult struct {
	Valid          bool   `json:"valid"`
	EntriesChecked int    `json:"entries_checked"`
	BrokenSeq      uint64 `json:"broken_seq,omitempty"`
	ExpectedHash   string `json:"expected_hash,omitempty"`
	ActualHash     string `json:"actual_hash,omitempty"`
	Reason         string `json:"reason,omitempty"`
}
