package cli

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reliance/internal/evidence"
	evstore "reliance/internal/evidence/store"
	"reliance/internal/ledger"
	ledgerstore "reliance/internal/ledger/store"
	"reliance/internal/notify"
	"reliance/internal/notify/wal"
	"reliance/internal/platform/sqlite"
	"reliance/internal/vault"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeLedger(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	st, err := ledgerstore.OpenFileStore(path)
	require.NoError(t, err)
	defer st.Close()

	l := ledger.New(st)
	for i := 0; i < n; i++ {
		_, err := l.Append(context.Background(), ledger.AppendInput{
			TransactionID:  "tx-" + string(rune('a'+i)),
			CounterpartyID: "bank-node",
			Action:         ledger.ActionOnboard,
			Status:         ledger.StatusSuccess,
			Payload:        map[string]any{"legal_name": "Ada Lovelace"},
		})
		require.NoError(t, err)
	}
	return path
}

func TestLedgerVerify(t *testing.T) {
	t.Run("intact chain", func(t *testing.T) {
		out, err := run(t, "ledger", "verify", writeLedger(t, 3))
		require.NoError(t, err)
		assert.Contains(t, out, "3 entries, chain intact")
	})

	t.Run("tampered entry is reported with exit code 3", func(t *testing.T) {
		path := writeLedger(t, 3)
		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, []byte(strings.Replace(string(raw), "SUCCESS", "REJECTED", 1)), 0o600))

		out, err := run(t, "ledger", "verify", "-o", "json", path)
		require.ErrorIs(t, err, ErrIntegrity)
		assert.Equal(t, 3, ExitCode(err))

		var report ledger.VerifyReport
		require.NoError(t, json.Unmarshal([]byte(out), &report))
		assert.False(t, report.Valid)
		require.NotEmpty(t, report.Breaks)
		assert.Equal(t, int64(1), report.Breaks[0].Sequence)
	})

	t.Run("no source is a usage error", func(t *testing.T) {
		_, err := run(t, "ledger", "verify")
		assert.ErrorIs(t, err, ErrUsage)
		assert.Equal(t, 2, ExitCode(err))
	})

	t.Run("unknown output format", func(t *testing.T) {
		_, err := run(t, "ledger", "verify", "-o", "yaml", writeLedger(t, 1))
		assert.ErrorIs(t, err, ErrUsage)
	})
}

func TestLedgerExport(t *testing.T) {
	out, err := run(t, "ledger", "export", writeLedger(t, 2))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	var e ledger.Entry
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &e))
	assert.Equal(t, int64(2), e.Sequence)
	assert.NotContains(t, out, "Ada Lovelace")
}

func TestWALCommands(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "notify.wal")
	log, err := wal.Open(path)
	require.NoError(t, err)

	at := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	pending := notify.OutboundEvent{ID: "evt-1", Type: notify.EventInvestorVerified, Payload: json.RawMessage(`{"legal_name":"Ada"}`), Status: notify.StatusPending, NextAttemptAt: at}
	done := notify.OutboundEvent{ID: "evt-2", Type: notify.EventInvestorVerified, Payload: json.RawMessage(`{}`), Status: notify.StatusPending}
	require.NoError(t, log.Append(ctx, notify.JournalRecord{Op: notify.OpEnqueue, Event: pending, At: at}))
	require.NoError(t, log.Append(ctx, notify.JournalRecord{Op: notify.OpEnqueue, Event: done, At: at}))
	done.Status = notify.StatusDelivered
	require.NoError(t, log.Append(ctx, notify.JournalRecord{Op: notify.OpDelivered, Event: done, At: at}))
	require.NoError(t, log.Close())

	t.Run("inspect lists pending events without payloads", func(t *testing.T) {
		out, err := run(t, "wal", "inspect", path)
		require.NoError(t, err)
		assert.Contains(t, out, "records: 3")
		assert.Contains(t, out, "pending events: 1")
		assert.Contains(t, out, "evt-1")
		assert.NotContains(t, out, "Ada")
	})

	t.Run("checkpoint keeps only pending events", func(t *testing.T) {
		out, err := run(t, "wal", "checkpoint", path)
		require.NoError(t, err)
		assert.Contains(t, out, "1 pending events kept")

		records, err := wal.ReadFile(path)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "evt-1", records[0].Event.ID)
	})

	t.Run("checkpoint refuses a journal held by a running server", func(t *testing.T) {
		live, err := wal.Open(path)
		require.NoError(t, err)
		defer live.Close()

		_, err = run(t, "wal", "checkpoint", path)
		require.ErrorIs(t, err, ErrRuntime)
		assert.ErrorContains(t, err, "stop the server")
		assert.Equal(t, 1, ExitCode(err))

		records, err := wal.ReadFile(path)
		require.NoError(t, err)
		assert.Len(t, records, 1)
	})
}

func TestVaultReconstruct(t *testing.T) {
	sealed, err := vault.New().Encrypt(map[string]any{"legal_name": "Ada Lovelace"})
	require.NoError(t, err)
	b64 := base64.StdEncoding.EncodeToString

	t.Run("from raw shards", func(t *testing.T) {
		out, err := run(t, "vault", "reconstruct",
			"--ciphertext", b64(sealed.Ciphertext),
			"--nonce", b64(sealed.Nonce),
			"--tag", b64(sealed.Tag),
			"--shard-a", b64(sealed.ShardA),
			"--shard-b", b64(sealed.ShardB),
		)
		require.NoError(t, err)
		assert.JSONEq(t, `{"legal_name":"Ada Lovelace"}`, out)
	})

	t.Run("from the sqlite evidence store", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "evidence.db")
		db, err := sqlite.Open(context.Background(), dbPath)
		require.NoError(t, err)
		st := evstore.NewSQLiteStore(db)
		require.NoError(t, st.EnsureSchema(context.Background()))
		require.NoError(t, st.Save(context.Background(), evidence.Record{
			TransactionID:  "tx-1",
			CounterpartyID: "bank-node",
			Ciphertext:     sealed.Ciphertext,
			Nonce:          sealed.Nonce,
			Tag:            sealed.Tag,
			ShardA:         sealed.ShardA,
			CreatedAt:      time.Now().UTC(),
		}))
		require.NoError(t, db.Close())

		out, err := run(t, "vault", "reconstruct", "--transaction-id", "tx-1", "--evidence-sqlite", dbPath, "--shard-b", b64(sealed.ShardB))
		require.NoError(t, err)
		assert.JSONEq(t, `{"legal_name":"Ada Lovelace"}`, out)
	})

	t.Run("wrong shard is an integrity error", func(t *testing.T) {
		_, err := run(t, "vault", "reconstruct",
			"--ciphertext", b64(sealed.Ciphertext),
			"--nonce", b64(sealed.Nonce),
			"--tag", b64(sealed.Tag),
			"--shard-a", b64(sealed.ShardA),
			"--shard-b", b64(make([]byte, len(sealed.ShardB))),
		)
		assert.ErrorIs(t, err, ErrIntegrity)
	})

	t.Run("missing shard B", func(t *testing.T) {
		_, err := run(t, "vault", "reconstruct", "--transaction-id", "tx-1", "--evidence-sqlite", "x.db")
		assert.ErrorIs(t, err, ErrUsage)
	})
}

func TestEnvironmentBinding(t *testing.T) {
	t.Setenv("RELIANCE_OUTPUT", "json")
	out, err := run(t, "ledger", "verify", writeLedger(t, 1))
	require.NoError(t, err)
	assert.True(t, json.Valid([]byte(out)))
}
