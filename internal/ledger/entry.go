package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
)

// GenesisHash is the previous_hash of the first entry.
var GenesisHash = strings.Repeat("0", 64)

// Actions recorded by the engine.
const (
	ActionOnboard               = "ONBOARD"
	ActionRevoke                = "REVOKE"
	ActionTrustStateChanged     = "TRUST_STATE_CHANGED"
	ActionEvidenceReconstructed = "EVIDENCE_RECONSTRUCTED"
	ActionKeyRegistered         = "COUNTERPARTY_KEY_REGISTERED"
	ActionNotificationDead      = "NOTIFICATION_DEAD_LETTERED"
)

// Statuses recorded by the engine.
const (
	StatusSuccess  = "SUCCESS"
	StatusRejected = "REJECTED"
	StatusFailed   = "FAILED"
)

// Entry is one immutable ledger record. Hash covers every other field in
// RFC 8785 canonical form.
type Entry struct {
	Sequence       int64           `json:"sequence"`
	PreviousHash   string          `json:"previous_hash"`
	Hash           string          `json:"hash,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	TransactionID  string          `json:"transaction_id"`
	CounterpartyID string          `json:"counterparty_id"`
	FundID         string          `json:"fund_id,omitempty"`
	AdminID        string          `json:"admin_id,omitempty"`
	Action         string          `json:"action"`
	Status         string          `json:"status"`
	Payload        json.RawMessage `json:"payload"`
}

// AppendInput carries the caller-supplied fields of a new entry. Payload is
// sanitized before it is hashed or persisted.
type AppendInput struct {
	TransactionID  string
	CounterpartyID string
	FundID         string
	AdminID        string
	Action         string
	Status         string
	Payload        any
}

// ComputeHash returns the hex SHA-256 of the canonical JSON of e without its hash.
func ComputeHash(e Entry) (string, error) {
	e.Hash = ""
	if len(e.Payload) == 0 {
		e.Payload = json.RawMessage("null")
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize entry: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
