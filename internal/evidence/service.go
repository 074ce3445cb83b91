package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"reliance/internal/ledger"
	"reliance/internal/vault"
	dErrors "reliance/pkg/domain-errors"
	"reliance/pkg/platform/sentinel"
)

// Opener reverses a vault seal given both shards.
type Opener interface {
	Reconstruct(ciphertext, nonce, tag, shardA, shardB []byte) (json.RawMessage, error)
}

// Auditor records reconstruction attempts.
type Auditor interface {
	Append(ctx context.Context, in ledger.AppendInput) (ledger.Entry, error)
}

type Service struct {
	store   Store
	opener  Opener
	auditor Auditor
	logger  *slog.Logger
	clock   func() time.Time
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func NewService(store Store, opener Opener, auditor Auditor, opts ...Option) *Service {
	s := &Service{store: store, opener: opener, auditor: auditor, logger: slog.Default(), clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save persists a sealed record. The transaction id must be new.
func (s *Service) Save(ctx context.Context, rec Record) error {
	if strings.TrimSpace(rec.TransactionID) == "" {
		return dErrors.New(dErrors.CodeValidation, "transaction id is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock().UTC()
	}
	if err := s.store.Save(ctx, rec); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return dErrors.Wrap(err, dErrors.CodeConflict, "evidence already exists for transaction")
		}
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "evidence store unavailable")
	}
	return nil
}

func (s *Service) Metadata(ctx context.Context, transactionID string) (*Metadata, error) {
	rec, err := s.get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	md := rec.Metadata()
	return &md, nil
}

// Reconstruct opens the stored record with the caller's shard B. Every
// attempt, successful or not, is written to the ledger.
func (s *Service) Reconstruct(ctx context.Context, transactionID string, shardB []byte, adminID string) (json.RawMessage, error) {
	rec, err := s.get(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	plaintext, openErr := s.opener.Reconstruct(rec.Ciphertext, rec.Nonce, rec.Tag, rec.ShardA, shardB)

	status := ledger.StatusSuccess
	payload := map[string]any{"reconstructed": openErr == nil}
	var decErr *vault.DecryptionError
	if errors.As(openErr, &decErr) {
		status = ledger.StatusFailed
		payload["reason"] = decErr.Reason
	} else if openErr != nil {
		status = ledger.StatusFailed
	}
	if _, err := s.auditor.Append(ctx, ledger.AppendInput{
		TransactionID:  rec.TransactionID,
		CounterpartyID: rec.CounterpartyID,
		FundID:         rec.FundID,
		AdminID:        adminID,
		Action:         ledger.ActionEvidenceReconstructed,
		Status:         status,
		Payload:        payload,
	}); err != nil {
		s.logger.ErrorContext(ctx, "reconstruction not audited",
			"transaction_id", transactionID,
			"error", err,
		)
		return nil, err
	}

	if openErr != nil {
		s.logger.WarnContext(ctx, "evidence reconstruction failed",
			"transaction_id", transactionID,
			"admin_id", adminID,
			"error", openErr,
		)
		if decErr != nil {
			return nil, dErrors.Wrap(openErr, dErrors.CodeDecryptionFailed, "shard B does not open this record")
		}
		return nil, dErrors.Wrap(openErr, dErrors.CodeInternal, "reconstruction failed")
	}

	s.logger.InfoContext(ctx, "evidence reconstructed",
		"transaction_id", transactionID,
		"admin_id", adminID,
	)
	return plaintext, nil
}

func (s *Service) get(ctx context.Context, transactionID string) (*Record, error) {
	rec, err := s.store.Get(ctx, transactionID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "no evidence for transaction")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "evidence store unavailable")
	}
	return rec, nil
}
