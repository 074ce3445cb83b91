package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"

	"reliance/internal/counterparty"
	cpstore "reliance/internal/counterparty/store"
	"reliance/internal/evidence"
	evstore "reliance/internal/evidence/store"
	"reliance/internal/ledger"
	ledgerstore "reliance/internal/ledger/store"
	"reliance/internal/notify"
	notifystore "reliance/internal/notify/store"
	"reliance/internal/platform/config"
	"reliance/internal/platform/postgres"
	"reliance/internal/platform/redis"
	"reliance/internal/platform/sqlite"
	"reliance/internal/revocation"
	revstore "reliance/internal/revocation/store"
)

// backends holds the storage chosen by configuration. Closers run in reverse
// order on shutdown.
type backends struct {
	ledger       ledger.Store
	evidence     evidence.Store
	revocation   revocation.Store
	counterparty counterparty.Store
	schedule     notify.Store
	redis        *redis.Client
	closers      []io.Closer
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i].Close()
	}
}

func openBackends(ctx context.Context, cfg config.Server, logger *slog.Logger) (*backends, error) {
	b := &backends{}
	ok := false
	defer func() {
		if !ok {
			b.Close()
		}
	}()

	rdb, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	if rdb != nil {
		b.redis = rdb
		b.closers = append(b.closers, rdb)
		b.revocation = revstore.NewRedisStore(rdb.Client)
		b.counterparty = cpstore.NewRedisStore(rdb.Client)
		b.schedule = notifystore.NewRedisStore(rdb.Client)
	} else {
		logger.WarnContext(ctx, "REDIS_URL not set, using in-process stores; revocations and keys are not shared")
		b.revocation = revstore.NewMemoryStore()
		b.counterparty = cpstore.NewMemoryStore()
		b.schedule = notifystore.NewMemoryStore()
	}

	var db *sql.DB
	needPostgres := cfg.Ledger.Backend == config.LedgerBackendPostgres || cfg.Evidence.Backend == config.EvidenceBackendPostgres
	if needPostgres {
		db, err = postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, db)
	}

	switch cfg.Ledger.Backend {
	case config.LedgerBackendPostgres:
		st := ledgerstore.NewPostgresStore(db)
		if err := st.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ledger schema: %w", err)
		}
		b.ledger = st
	case config.LedgerBackendFile:
		st, err := ledgerstore.OpenFileStore(cfg.Ledger.Path)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, st)
		b.ledger = st
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}

	switch cfg.Evidence.Backend {
	case config.EvidenceBackendPostgres:
		st := evstore.NewPostgresStore(db)
		if err := st.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("evidence schema: %w", err)
		}
		b.evidence = st
	case config.EvidenceBackendSQLite:
		sdb, err := sqlite.Open(ctx, cfg.Evidence.SQLitePath)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, sdb)
		st := evstore.NewSQLiteStore(sdb)
		if err := st.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("evidence schema: %w", err)
		}
		b.evidence = st
	case config.EvidenceBackendMemory:
		logger.WarnContext(ctx, "evidence is held in memory and lost on restart")
		b.evidence = evstore.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown evidence backend %q", cfg.Evidence.Backend)
	}

	ok = true
	return b, nil
}
