//go:build integration

package store_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"reliance/internal/ledger"
	"reliance/internal/ledger/store"
	"reliance/pkg/testutil/containers"
)

type PostgresLedgerSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.PostgresStore
}

func TestPostgresLedgerSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresLedgerSuite))
}

func (s *PostgresLedgerSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = store.NewPostgresStore(s.postgres.DB)
	s.Require().NoError(s.store.EnsureSchema(context.Background()))
}

func (s *PostgresLedgerSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "audit_ledger"))
}

// TestConcurrentInstancesShareOneChain runs several ledger instances against
// the same table, as separate processes would, and checks the chain stays linear.
func (s *PostgresLedgerSuite) TestConcurrentInstancesShareOneChain() {
	ctx := context.Background()
	const instances, perInstance = 4, 10

	var wg sync.WaitGroup
	for i := 0; i < instances; i++ {
		l := ledger.New(s.store)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perInstance; j++ {
				_, err := l.Append(ctx, ledger.AppendInput{
					TransactionID: "tx", CounterpartyID: "bank-node",
					Action: ledger.ActionOnboard, Status: ledger.StatusSuccess,
					Payload: map[string]any{"j": j},
				})
				s.NoError(err)
			}
		}()
	}
	wg.Wait()

	entries, err := s.store.List(ctx)
	s.Require().NoError(err)
	s.Len(entries, instances*perInstance)
	s.True(ledger.VerifyChain(entries).Valid)
}
