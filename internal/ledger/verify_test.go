package ledger

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildChain(t *testing.T, n int) []Entry {
	t.Helper()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	prev := GenesisHash
	entries := make([]Entry, 0, n)
	for i := 1; i <= n; i++ {
		e := Entry{
			Sequence:       int64(i),
			PreviousHash:   prev,
			Timestamp:      base.Add(time.Duration(i) * time.Second),
			TransactionID:  "tx",
			CounterpartyID: "bank-node",
			Action:         ActionOnboard,
			Status:         StatusSuccess,
			Payload:        json.RawMessage(`{"n":1}`),
		}
		hash, err := ComputeHash(e)
		require.NoError(t, err)
		e.Hash = hash
		prev = hash
		entries = append(entries, e)
	}
	return entries
}

func TestVerifyChainValid(t *testing.T) {
	report := VerifyChain(buildChain(t, 5))
	assert.True(t, report.Valid)
	assert.Equal(t, 5, report.Entries)
	assert.Empty(t, report.Breaks)
}

func TestVerifyChainEmpty(t *testing.T) {
	report := VerifyChain(nil)
	assert.True(t, report.Valid)
	assert.Zero(t, report.Entries)
}

func TestVerifyChainTamperedStatus(t *testing.T) {
	entries := buildChain(t, 3)
	entries[1].Status = StatusFailed

	report := VerifyChain(entries)

	assert.False(t, report.Valid)
	require.Len(t, report.Breaks, 2)
	assert.Equal(t, Break{Sequence: 2, Kind: BreakHashMismatch}, withoutDetail(report.Breaks[0]))
	assert.Equal(t, Break{Sequence: 3, Kind: BreakChainBroken}, withoutDetail(report.Breaks[1]))
	assert.Len(t, report.Errors, 2)
}

func TestVerifyChainReportsEveryBreak(t *testing.T) {
	entries := buildChain(t, 6)
	entries[1].Payload = json.RawMessage(`{"n":2}`)
	entries[4].TransactionID = "forged"

	report := VerifyChain(entries)

	var seqs []int64
	for _, b := range report.Breaks {
		seqs = append(seqs, b.Sequence)
	}
	assert.Equal(t, []int64{2, 3, 5, 6}, seqs)
}

func TestVerifyChainBadGenesis(t *testing.T) {
	entries := buildChain(t, 1)
	entries[0].PreviousHash = "ff"
	hash, err := ComputeHash(entries[0])
	require.NoError(t, err)
	entries[0].Hash = hash

	report := VerifyChain(entries)
	require.Len(t, report.Breaks, 1)
	assert.Equal(t, BreakChainBroken, report.Breaks[0].Kind)
}

func TestVerifyChainDeletedEntry(t *testing.T) {
	entries := buildChain(t, 4)
	entries = append(entries[:1], entries[2:]...)

	report := VerifyChain(entries)

	assert.False(t, report.Valid)
	kinds := map[string]bool{}
	for _, b := range report.Breaks {
		kinds[b.Kind] = true
	}
	assert.True(t, kinds[BreakSequence])
	assert.True(t, kinds[BreakChainBroken])
}

func TestComputeHashIgnoresKeyOrderInPayload(t *testing.T) {
	e := buildChain(t, 1)[0]
	a, err := ComputeHash(e)
	require.NoError(t, err)

	e.Payload = json.RawMessage(`{ "n" : 1.0 }`)
	b, err := ComputeHash(e)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func withoutDetail(b Break) Break {
	b.Detail = ""
	return b
}
