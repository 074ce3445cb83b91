package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"reliance/internal/evidence"
	"reliance/pkg/platform/sentinel"
	txcontext "reliance/pkg/platform/tx"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS evidence_records (
	transaction_id  TEXT PRIMARY KEY,
	counterparty_id TEXT NOT NULL,
	fund_id         TEXT NOT NULL DEFAULT '',
	ciphertext      BYTEA NOT NULL,
	nonce           BYTEA NOT NULL,
	tag             BYTEA NOT NULL,
	shard_a         BYTEA NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
)`

// PostgresStore persists evidence in evidence_records.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create evidence_records: %w", err)
	}
	return nil
}

func (s *PostgresStore) q(ctx context.Context) txcontext.Querier {
	return txcontext.Use(ctx, s.db)
}

func (s *PostgresStore) Save(ctx context.Context, rec evidence.Record) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO evidence_records (
			transaction_id, counterparty_id, fund_id, ciphertext, nonce, tag, shard_a, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (transaction_id) DO NOTHING
	`,
		rec.TransactionID,
		rec.CounterpartyID,
		rec.FundID,
		rec.Ciphertext,
		rec.Nonce,
		rec.Tag,
		rec.ShardA,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert evidence: %w", err)
	}
	return conflictIfUnchanged(res)
}

func (s *PostgresStore) Get(ctx context.Context, transactionID string) (*evidence.Record, error) {
	row := s.q(ctx).QueryRowContext(ctx, `
		SELECT transaction_id, counterparty_id, fund_id, ciphertext, nonce, tag, shard_a, created_at
		FROM evidence_records
		WHERE transaction_id = $1
	`, transactionID)

	var rec evidence.Record
	err := row.Scan(
		&rec.TransactionID,
		&rec.CounterpartyID,
		&rec.FundID,
		&rec.Ciphertext,
		&rec.Nonce,
		&rec.Tag,
		&rec.ShardA,
		&rec.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find evidence: %w", err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

func conflictIfUnchanged(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("evidence rows affected: %w", err)
	}
	if n == 0 {
		return sentinel.ErrConflict
	}
	return nil
}
