package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// GenesisSentinel is the prev_hash of a fresh chain's first entry when no
// chain seed is configured.
const GenesisSentinel = "0"

// canonicalEntry fixes the serialization hashed into each entry. Field order
// is the lexicographic order of the JSON keys, so the encoded bytes are
// deterministic across implementations. The Changes payload participates
// byte-for-byte as stored; the ledger never re-canonicalizes it.
type canonicalEntry struct {
	ActionType       ActionType       `json:"action_type"`
	Changes          json.RawMessage  `json:"changes"`
	ComplianceStatus ComplianceStatus `json:"compliance_status"`
	PrevHash         string           `json:"prev_hash"`
	ResourceID       string           `json:"resource_id"`
	Seq              uint64           `json:"seq"`
	Timestamp        string           `json:"timestamp"`
	UserID           string           `json:"user_id"`
}

// computeHash returns the hex SHA-256 digest of the entry's canonical
// serialization — every stored field except the hash itself.
func computeHash(e *Entry) string {
	changes := e.Changes
	if len(changes) == 0 {
		changes = json.RawMessage("null")
	}
	data, err := json.Marshal(canonicalEntry{
		ActionType:       e.ActionType,
		Changes:          changes,
		ComplianceStatus: e.ComplianceStatus,
		PrevHash:         e.PrevHash,
		ResourceID:       e.ResourceID,
		Seq:              e.Seq,
		Timestamp:        e.Timestamp,
		UserID:           e.UserID,
	})
	if err != nil {
		// Only reachable with invalid Changes bytes; fold the error into the
		// digest input so verification still fails loudly rather than
		// producing a colliding empty hash.
		data = []byte("unserializable:" + err.Error())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// verifyEntry reports whether an entry's stored hash matches its contents.
func verifyEntry(e *Entry) bool {
	return e.Hash == computeHash(e)
}
