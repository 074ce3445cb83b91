// Package ledger is the tamper-evident audit trail. Every entry is sanitized,
// chained to its predecessor by hash, and persisted before Append returns.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	dErrors "reliance/pkg/domain-errors"
	"reliance/pkg/platform/sentinel"
)

var (
	appendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reliance_ledger_append_duration_seconds",
		Help:    "Latency of persisting a ledger entry",
		Buckets: prometheus.DefBuckets,
	})
	appendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reliance_ledger_append_failures_total",
		Help: "Ledger entries that could not be persisted",
	})
	ledgerFaulted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reliance_ledger_faulted",
		Help: "1 while the ledger refuses writes after a persistence failure",
	})
)

// maxConflictRetries bounds resync-and-retry when another writer advanced the chain.
const maxConflictRetries = 10

// Store persists entries in chain order. Append must fail with
// sentinel.ErrConflict when entry.PreviousHash is not the hash of the
// current head, so concurrent writers cannot fork the chain.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	Last(ctx context.Context) (*Entry, error)
	List(ctx context.Context) ([]Entry, error)
}

// Ledger serializes appends to a single Store.
type Ledger struct {
	store  Store
	logger *slog.Logger
	clock  func() time.Time

	mu       sync.Mutex
	loaded   bool
	lastHash string
	lastSeq  int64

	faulted atomic.Bool
}

type Option func(*Ledger)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append sanitizes in.Payload, chains and persists a new entry. A
// persistence failure is logged as CRITICAL and faults the ledger; the
// returned error carries CodeAuditUnavailable.
func (l *Ledger) Append(ctx context.Context, in AppendInput) (Entry, error) {
	payload, err := json.Marshal(Sanitize(orEmpty(in.Payload)))
	if err != nil {
		return Entry{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode ledger payload")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	start := time.Now()
	defer func() { appendDuration.Observe(time.Since(start).Seconds()) }()

	var lastErr error
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		if !l.loaded {
			if err := l.loadHeadLocked(ctx); err != nil {
				lastErr = err
				break
			}
		}

		entry := Entry{
			Sequence:       l.lastSeq + 1,
			PreviousHash:   l.lastHash,
			Timestamp:      normalizeTime(l.clock()),
			TransactionID:  in.TransactionID,
			CounterpartyID: in.CounterpartyID,
			FundID:         in.FundID,
			AdminID:        in.AdminID,
			Action:         in.Action,
			Status:         in.Status,
			Payload:        payload,
		}
		hash, err := ComputeHash(entry)
		if err != nil {
			return Entry{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to hash ledger entry")
		}
		entry.Hash = hash

		err = l.store.Append(ctx, entry)
		if err == nil {
			l.lastHash = entry.Hash
			l.lastSeq = entry.Sequence
			return entry, nil
		}
		lastErr = err
		if !errors.Is(err, sentinel.ErrConflict) {
			break
		}
		// another writer advanced the chain; reload the head and rebuild
		l.loaded = false
	}

	l.fault(ctx, in, lastErr)
	return Entry{}, dErrors.Wrap(lastErr, dErrors.CodeAuditUnavailable, "audit ledger write failed")
}

// Ready reports whether the ledger accepts writes. A faulted ledger tries to
// resynchronize its head with the store and clears the fault on success.
func (l *Ledger) Ready(ctx context.Context) error {
	if !l.faulted.Load() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.faulted.Load() {
		return nil
	}
	if err := l.loadHeadLocked(ctx); err != nil {
		return dErrors.Wrap(err, dErrors.CodeAuditUnavailable, "audit ledger unavailable")
	}
	l.faulted.Store(false)
	ledgerFaulted.Set(0)
	l.logger.InfoContext(ctx, "audit ledger resynchronized", "sequence", l.lastSeq)
	return nil
}

// Faulted reports whether a persistence failure is outstanding.
func (l *Ledger) Faulted() bool {
	return l.faulted.Load()
}

// Entries returns the persisted chain in order.
func (l *Ledger) Entries(ctx context.Context) ([]Entry, error) {
	entries, err := l.store.List(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeAuditUnavailable, "failed to read audit ledger")
	}
	return entries, nil
}

// Verify walks the persisted chain.
func (l *Ledger) Verify(ctx context.Context) (VerifyReport, error) {
	entries, err := l.Entries(ctx)
	if err != nil {
		return VerifyReport{}, err
	}
	return VerifyChain(entries), nil
}

func (l *Ledger) loadHeadLocked(ctx context.Context) error {
	last, err := l.store.Last(ctx)
	if err != nil {
		return fmt.Errorf("load ledger head: %w", err)
	}
	if last == nil {
		l.lastHash, l.lastSeq = GenesisHash, 0
	} else {
		l.lastHash, l.lastSeq = last.Hash, last.Sequence
	}
	l.loaded = true
	return nil
}

func (l *Ledger) fault(ctx context.Context, in AppendInput, err error) {
	appendFailures.Inc()
	ledgerFaulted.Set(1)
	l.faulted.Store(true)
	l.loaded = false
	l.logger.ErrorContext(ctx, "CRITICAL: failed to write to audit ledger",
		"transaction_id", in.TransactionID,
		"counterparty_id", in.CounterpartyID,
		"action", in.Action,
		"error", err,
	)
}

func orEmpty(v any) any {
	if v == nil {
		return map[string]any{}
	}
	return v
}
