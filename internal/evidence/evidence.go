// Package evidence persists the sealed half of each onboarding record and
// supports dual-custody reconstruction: the engine holds shard A with the
// ciphertext, the counterparty holds shard B.
package evidence

import (
	"context"
	"time"
)

// Record is everything the engine keeps for one transaction.
type Record struct {
	TransactionID  string
	CounterpartyID string
	FundID         string
	Ciphertext     []byte
	Nonce          []byte
	Tag            []byte
	ShardA         []byte
	CreatedAt      time.Time
}

// Metadata is the externally visible view of a record. Key material and
// ciphertext are never part of it.
type Metadata struct {
	TransactionID   string    `json:"transaction_id"`
	CounterpartyID  string    `json:"counterparty_id"`
	FundID          string    `json:"fund_id,omitempty"`
	CiphertextBytes int       `json:"ciphertext_bytes"`
	CreatedAt       time.Time `json:"created_at"`
}

func (r *Record) Metadata() Metadata {
	return Metadata{
		TransactionID:   r.TransactionID,
		CounterpartyID:  r.CounterpartyID,
		FundID:          r.FundID,
		CiphertextBytes: len(r.Ciphertext),
		CreatedAt:       r.CreatedAt,
	}
}

// Store persists records keyed by transaction id. Save returns
// sentinel.ErrConflict for an existing id; Get returns sentinel.ErrNotFound.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Get(ctx context.Context, transactionID string) (*Record, error)
}
