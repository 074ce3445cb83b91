package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"reliance/internal/ledger"
	txcontext "reliance/pkg/platform/tx"
)

// ledgerLockKey is the advisory lock serializing appends across instances.
const ledgerLockKey int64 = 0x52454c49414e4345

const schema = `
CREATE TABLE IF NOT EXISTS audit_ledger (
	sequence        BIGINT PRIMARY KEY,
	previous_hash   TEXT NOT NULL,
	hash            TEXT NOT NULL UNIQUE,
	timestamp       TIMESTAMPTZ NOT NULL,
	transaction_id  TEXT NOT NULL,
	counterparty_id TEXT NOT NULL,
	fund_id         TEXT NOT NULL DEFAULT '',
	admin_id        TEXT NOT NULL DEFAULT '',
	action          TEXT NOT NULL,
	status          TEXT NOT NULL,
	payload         TEXT NOT NULL
)`

// PostgresStore persists the chain in audit_ledger. Appends run in a
// transaction holding an advisory lock and fail with sentinel.ErrConflict
// when the head moved.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the ledger table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create audit_ledger: %w", err)
	}
	return nil
}

func (s *PostgresStore) q(ctx context.Context) txcontext.Querier {
	return txcontext.Use(ctx, s.db)
}

func (s *PostgresStore) Append(ctx context.Context, entry ledger.Entry) error {
	return txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		if _, err := s.q(ctx).ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, ledgerLockKey); err != nil {
			return fmt.Errorf("lock ledger: %w", err)
		}
		head, err := s.Last(ctx)
		if err != nil {
			return err
		}
		if err := checkHead(head, entry); err != nil {
			return err
		}

		_, err = s.q(ctx).ExecContext(ctx, `
			INSERT INTO audit_ledger (
				sequence, previous_hash, hash, timestamp, transaction_id,
				counterparty_id, fund_id, admin_id, action, status, payload
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`,
			entry.Sequence,
			entry.PreviousHash,
			entry.Hash,
			entry.Timestamp,
			entry.TransactionID,
			entry.CounterpartyID,
			entry.FundID,
			entry.AdminID,
			entry.Action,
			entry.Status,
			string(entry.Payload),
		)
		if err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
		return nil
	})
}

const selectColumns = `sequence, previous_hash, hash, timestamp, transaction_id,
	counterparty_id, fund_id, admin_id, action, status, payload`

func (s *PostgresStore) Last(ctx context.Context) (*ledger.Entry, error) {
	row := s.q(ctx).QueryRowContext(ctx, `SELECT `+selectColumns+` FROM audit_ledger ORDER BY sequence DESC LIMIT 1`)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query ledger head: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]ledger.Entry, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `SELECT `+selectColumns+` FROM audit_ledger ORDER BY sequence ASC`)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger: %w", err)
	}
	return entries, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*ledger.Entry, error) {
	var (
		e       ledger.Entry
		payload string
	)
	if err := row.Scan(
		&e.Sequence,
		&e.PreviousHash,
		&e.Hash,
		&e.Timestamp,
		&e.TransactionID,
		&e.CounterpartyID,
		&e.FundID,
		&e.AdminID,
		&e.Action,
		&e.Status,
		&payload,
	); err != nil {
		return nil, err
	}
	e.Timestamp = e.Timestamp.UTC()
	e.Payload = []byte(payload)
	return &e, nil
}

var (
	_ ledger.Store = (*PostgresStore)(nil)
	_ ledger.Store = (*FileStore)(nil)
	_ ledger.Store = (*MemoryStore)(nil)
)
