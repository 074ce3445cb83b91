package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"reliance/internal/evidence"
	"reliance/pkg/platform/sentinel"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS evidence_records (
	transaction_id  TEXT PRIMARY KEY,
	counterparty_id TEXT NOT NULL,
	fund_id         TEXT NOT NULL DEFAULT '',
	ciphertext      BLOB NOT NULL,
	nonce           BLOB NOT NULL,
	tag             BLOB NOT NULL,
	shard_a         BLOB NOT NULL,
	created_at      TEXT NOT NULL
)`

// SQLiteStore keeps evidence in an embedded database for single-node runs.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("create evidence_records: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, rec evidence.Record) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence_records (
			transaction_id, counterparty_id, fund_id, ciphertext, nonce, tag, shard_a, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (transaction_id) DO NOTHING
	`,
		rec.TransactionID,
		rec.CounterpartyID,
		rec.FundID,
		rec.Ciphertext,
		rec.Nonce,
		rec.Tag,
		rec.ShardA,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert evidence: %w", err)
	}
	return conflictIfUnchanged(res)
}

func (s *SQLiteStore) Get(ctx context.Context, transactionID string) (*evidence.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT transaction_id, counterparty_id, fund_id, ciphertext, nonce, tag, shard_a, created_at
		FROM evidence_records
		WHERE transaction_id = ?
	`, transactionID)

	var (
		rec       evidence.Record
		createdAt string
	)
	err := row.Scan(
		&rec.TransactionID,
		&rec.CounterpartyID,
		&rec.FundID,
		&rec.Ciphertext,
		&rec.Nonce,
		&rec.Tag,
		&rec.ShardA,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find evidence: %w", err)
	}
	rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse evidence created_at: %w", err)
	}
	return &rec, nil
}

var (
	_ evidence.Store = (*SQLiteStore)(nil)
	_ evidence.Store = (*PostgresStore)(nil)
	_ evidence.Store = (*MemoryStore)(nil)
)
