// Package revocation keeps the shared set of revoked warranty tokens. Every
// operation is fail-closed: when the shared store cannot answer, callers get
// revocation_unavailable and never an implicit "not revoked".
package revocation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	dErrors "reliance/pkg/domain-errors"
)

var (
	checkDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reliance_revocation_check_duration_ms",
		Help:    "Latency of revocation checks in milliseconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 100},
	})
	storeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reliance_revocation_store_failures_total",
		Help: "Revocation operations refused because the shared store was unreachable",
	}, []string{"op"})
)

// Store is the shared revoked set. Members are token fingerprints.
type Store interface {
	Add(ctx context.Context, fingerprint string) error
	Contains(ctx context.Context, fingerprint string) (bool, error)
	Count(ctx context.Context) (int64, error)
}

type Registry struct {
	store  Store
	logger *slog.Logger
}

func NewRegistry(store Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, logger: logger}
}

// Fingerprint is the form in which tokens are held in the shared set, so a
// dump of the set never yields a usable credential.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (r *Registry) Revoke(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return dErrors.New(dErrors.CodeValidation, "token is required")
	}
	if err := r.store.Add(ctx, Fingerprint(token)); err != nil {
		return r.unavailable(ctx, "revoke", err)
	}
	r.logger.InfoContext(ctx, "token revoked", "fingerprint", Fingerprint(token)[:16])
	return nil
}

func (r *Registry) IsRevoked(ctx context.Context, token string) (bool, error) {
	start := time.Now()
	defer func() {
		checkDuration.Observe(float64(time.Since(start).Microseconds()) / 1000.0)
	}()

	revoked, err := r.store.Contains(ctx, Fingerprint(token))
	if err != nil {
		return false, r.unavailable(ctx, "is_revoked", err)
	}
	return revoked, nil
}

func (r *Registry) Count(ctx context.Context) (int64, error) {
	n, err := r.store.Count(ctx)
	if err != nil {
		return 0, r.unavailable(ctx, "count", err)
	}
	return n, nil
}

func (r *Registry) unavailable(ctx context.Context, op string, err error) error {
	storeFailures.WithLabelValues(op).Inc()
	r.logger.ErrorContext(ctx, "revocation store unreachable, failing closed",
		"op", op,
		"error", err,
	)
	return dErrors.Wrap(err, dErrors.CodeRevocationUnavailable, "revocation status cannot be determined")
}
