package store

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reliance/internal/ledger"
	"reliance/pkg/platform/sentinel"
)

var ledgerColumns = []string{
	"sequence", "previous_hash", "hash", "timestamp", "transaction_id",
	"counterparty_id", "fund_id", "admin_id", "action", "status", "payload",
}

func TestPostgresStoreAppendGenesis(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)
	entry := ledger.Entry{
		Sequence:      1,
		PreviousHash:  ledger.GenesisHash,
		Hash:          "h1",
		Timestamp:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		TransactionID: "tx-1",
		Action:        ledger.ActionOnboard,
		Status:        ledger.StatusSuccess,
		Payload:       json.RawMessage(`{}`),
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock($1)")).
		WithArgs(ledgerLockKey).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM audit_ledger ORDER BY sequence DESC LIMIT 1")).
		WillReturnRows(sqlmock.NewRows(ledgerColumns))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_ledger")).
		WithArgs(int64(1), ledger.GenesisHash, "h1", entry.Timestamp, "tx-1", "", "", "", ledger.ActionOnboard, ledger.StatusSuccess, "{}").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Append(context.Background(), entry))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreAppendConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock($1)")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM audit_ledger ORDER BY sequence DESC LIMIT 1")).
		WillReturnRows(sqlmock.NewRows(ledgerColumns).
			AddRow(int64(1), ledger.GenesisHash, "h1", time.Now(), "tx-1", "bank", "", "", "ONBOARD", "SUCCESS", "{}"))
	mock.ExpectRollback()

	err = s.Append(context.Background(), ledger.Entry{Sequence: 1, PreviousHash: ledger.GenesisHash, Hash: "h-fork"})
	assert.ErrorIs(t, err, sentinel.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreList(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.FixedZone("CET", 3600))
	mock.ExpectQuery(regexp.QuoteMeta("FROM audit_ledger ORDER BY sequence ASC")).
		WillReturnRows(sqlmock.NewRows(ledgerColumns).
			AddRow(int64(1), ledger.GenesisHash, "h1", ts, "tx-1", "bank", "FUND-001", "", "ONBOARD", "SUCCESS", `{"a":1}`).
			AddRow(int64(2), "h1", "h2", ts, "tx-2", "bank", "FUND-001", "admin", "REVOKE", "SUCCESS", `{}`))

	entries, err := NewPostgresStore(db).List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, time.UTC, entries[0].Timestamp.Location())
	assert.JSONEq(t, `{"a":1}`, string(entries[0].Payload))
	assert.Equal(t, "admin", entries[1].AdminID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreLastEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM audit_ledger ORDER BY sequence DESC LIMIT 1")).
		WillReturnRows(sqlmock.NewRows(ledgerColumns))

	last, err := NewPostgresStore(db).Last(context.Background())
	require.NoError(t, err)
	assert.Nil(t, last)
}
