// Package onboarding composes the engine's components into the onboarding
// flow: trust gate, revocation check, warranty verification, sealing,
// evidence persistence, audit, and the administrator handoff.
package onboarding

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"reliance/internal/evidence"
	"reliance/internal/ledger"
	"reliance/internal/liveness"
	"reliance/internal/notify"
	"reliance/internal/vault"
	"reliance/internal/warranty"
	dErrors "reliance/pkg/domain-errors"
)

const (
	StatusVerifiedAndSynced = "VERIFIED_AND_SYNCED"
	HandoffInitiated        = "INITIATED"
)

// TrustGate exposes the current trust state.
type TrustGate interface {
	CurrentState() liveness.State
}

type AuditLedger interface {
	Ready(ctx context.Context) error
	Append(ctx context.Context, in ledger.AppendInput) (ledger.Entry, error)
}

type RevocationChecker interface {
	IsRevoked(ctx context.Context, token string) (bool, error)
}

type WarrantyVerifier interface {
	Verify(ctx context.Context, counterpartyID, token string) (*warranty.Claims, error)
}

type Sealer interface {
	Encrypt(record any) (*vault.SealedRecord, error)
}

type EvidenceStore interface {
	Save(ctx context.Context, rec evidence.Record) error
}

type Notifier interface {
	Submit(ctx context.Context, eventType string, payload any) (*notify.OutboundEvent, error)
}

// Request is a validated onboarding request.
type Request struct {
	TransactionID   string
	CounterpartyID  string
	WarrantyToken   string
	InvestorProfile map[string]any
}

// Result is returned to the counterparty. ShardB is base64; the engine keeps
// no copy of it.
type Result struct {
	TransactionID        string `json:"transactionId"`
	Status               string `json:"status"`
	ShardB               string `json:"shard_b"`
	MemberID             string `json:"member_id"`
	AdminHandoff         string `json:"admin_handoff"`
	ManualReviewRequired bool   `json:"manual_review_required"`
	TrustState           string `json:"trust_state"`
}

type Service struct {
	trust      TrustGate
	ledger     AuditLedger
	revocation RevocationChecker
	warranty   WarrantyVerifier
	sealer     Sealer
	evidence   EvidenceStore
	notifier   Notifier

	fundID string
	logger *slog.Logger
	clock  func() time.Time
	tracer trace.Tracer

	handoffs sync.WaitGroup
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

func WithFundID(fundID string) Option {
	return func(s *Service) { s.fundID = fundID }
}

// Dependencies are the collaborators the flow requires.
type Dependencies struct {
	Trust      TrustGate
	Ledger     AuditLedger
	Revocation RevocationChecker
	Warranty   WarrantyVerifier
	Sealer     Sealer
	Evidence   EvidenceStore
	Notifier   Notifier
}

func New(deps Dependencies, opts ...Option) (*Service, error) {
	switch {
	case deps.Trust == nil:
		return nil, errors.New("trust gate is required")
	case deps.Ledger == nil:
		return nil, errors.New("audit ledger is required")
	case deps.Revocation == nil:
		return nil, errors.New("revocation checker is required")
	case deps.Warranty == nil:
		return nil, errors.New("warranty verifier is required")
	case deps.Sealer == nil:
		return nil, errors.New("sealer is required")
	case deps.Evidence == nil:
		return nil, errors.New("evidence store is required")
	case deps.Notifier == nil:
		return nil, errors.New("notifier is required")
	}
	s := &Service{
		trust:      deps.Trust,
		ledger:     deps.Ledger,
		revocation: deps.Revocation,
		warranty:   deps.Warranty,
		sealer:     deps.Sealer,
		evidence:   deps.Evidence,
		notifier:   deps.Notifier,
		logger:     slog.Default(),
		clock:      time.Now,
		tracer:     otel.Tracer("reliance/onboarding"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Onboard runs the flow. The trust gate, revocation check, warranty check,
// sealing, evidence write and audit append happen in that order; the admin
// handoff runs in the background and never fails the request.
func (s *Service) Onboard(ctx context.Context, req Request) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "onboarding.Onboard", trace.WithAttributes(
		attribute.String("transaction_id", req.TransactionID),
		attribute.String("counterparty_id", req.CounterpartyID),
	))
	defer span.End()

	res, err := s.onboard(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
		return nil, err
	}
	span.SetAttributes(attribute.Bool("manual_review_required", res.ManualReviewRequired))
	return res, nil
}

func (s *Service) onboard(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.TransactionID) == "" || strings.TrimSpace(req.CounterpartyID) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "transaction id and counterparty id are required")
	}

	state := s.trust.CurrentState()
	if state == liveness.StateSuspended {
		s.logger.WarnContext(ctx, "onboarding rejected, reliance suspended",
			"transaction_id", req.TransactionID,
			"counterparty_id", req.CounterpartyID,
		)
		return nil, dErrors.New(dErrors.CodeSuspended, "reliance suspended: counterparty failed to prove continued key control")
	}
	if err := s.ledger.Ready(ctx); err != nil {
		return nil, err
	}
	manualReview := state == liveness.StateWarning
	if manualReview {
		s.logger.WarnContext(ctx, "onboarding during grace period, flagged for manual review",
			"transaction_id", req.TransactionID,
		)
	}

	if err := s.checkCredential(ctx, req); err != nil {
		return nil, err
	}

	sealed, err := s.seal(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := s.storeEvidence(ctx, req, sealed); err != nil {
		return nil, err
	}

	memberID := fmt.Sprintf("MEM-%d-%s", s.clock().UTC().Year(), strings.ToUpper(uuid.NewString()[:8]))
	s.audit(ctx, req, ledger.StatusSuccess, map[string]any{
		"manual_review_required": manualReview,
		"trust_state":            string(state),
		"member_id":              memberID,
		"warranty_token":         req.WarrantyToken,
	})

	s.handoff(ctx, req, memberID, manualReview)

	return &Result{
		TransactionID:        req.TransactionID,
		Status:               StatusVerifiedAndSynced,
		ShardB:               base64.StdEncoding.EncodeToString(sealed.ShardB),
		MemberID:             memberID,
		AdminHandoff:         HandoffInitiated,
		ManualReviewRequired: manualReview,
		TrustState:           string(state),
	}, nil
}

func (s *Service) checkCredential(ctx context.Context, req Request) error {
	ctx, span := s.tracer.Start(ctx, "onboarding.checkCredential")
	defer span.End()

	revoked, err := s.revocation.IsRevoked(ctx, req.WarrantyToken)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if revoked {
		s.logger.WarnContext(ctx, "onboarding rejected, warranty token revoked",
			"transaction_id", req.TransactionID,
			"counterparty_id", req.CounterpartyID,
		)
		s.audit(ctx, req, ledger.StatusRejected, map[string]any{"reason": string(dErrors.CodeCredentialRevoked)})
		return dErrors.New(dErrors.CodeCredentialRevoked, "warranty token has been revoked")
	}

	if _, err := s.warranty.Verify(ctx, req.CounterpartyID, req.WarrantyToken); err != nil {
		span.RecordError(err)
		if dErrors.HasCode(err, dErrors.CodeUnauthorized) {
			s.audit(ctx, req, ledger.StatusRejected, map[string]any{"reason": "invalid_warranty"})
		}
		return err
	}
	return nil
}

func (s *Service) seal(ctx context.Context, req Request) (*vault.SealedRecord, error) {
	_, span := s.tracer.Start(ctx, "onboarding.seal")
	defer span.End()

	sealed, err := s.sealer.Encrypt(req.InvestorProfile)
	if err != nil {
		span.RecordError(err)
		s.logger.ErrorContext(ctx, "failed to seal investor profile",
			"transaction_id", req.TransactionID,
			"error", err,
		)
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to seal record")
	}
	return sealed, nil
}

func (s *Service) storeEvidence(ctx context.Context, req Request, sealed *vault.SealedRecord) error {
	ctx, span := s.tracer.Start(ctx, "onboarding.storeEvidence")
	defer span.End()

	err := s.evidence.Save(ctx, evidence.Record{
		TransactionID:  req.TransactionID,
		CounterpartyID: req.CounterpartyID,
		FundID:         s.fundID,
		Ciphertext:     sealed.Ciphertext,
		Nonce:          sealed.Nonce,
		Tag:            sealed.Tag,
		ShardA:         sealed.ShardA,
		CreatedAt:      s.clock().UTC(),
	})
	if err != nil {
		span.RecordError(err)
		s.logger.ErrorContext(ctx, "failed to persist evidence",
			"transaction_id", req.TransactionID,
			"error", err,
		)
		return err
	}
	return nil
}

// audit appends to the ledger. A failed append has already been reported by
// the ledger, which refuses further requests until it resynchronizes; the
// current request is allowed to complete.
func (s *Service) audit(ctx context.Context, req Request, status string, payload map[string]any) {
	ctx, span := s.tracer.Start(ctx, "onboarding.audit")
	defer span.End()

	if _, err := s.ledger.Append(ctx, ledger.AppendInput{
		TransactionID:  req.TransactionID,
		CounterpartyID: req.CounterpartyID,
		FundID:         s.fundID,
		Action:         ledger.ActionOnboard,
		Status:         status,
		Payload:        payload,
	}); err != nil {
		span.RecordError(err)
		s.logger.ErrorContext(ctx, "onboarding audit entry not written",
			"transaction_id", req.TransactionID,
			"status", status,
			"error", err,
		)
	}
}

func (s *Service) handoff(ctx context.Context, req Request, memberID string, manualReview bool) {
	payload := map[string]any{
		"event_type": notify.EventInvestorVerified,
		"timestamp":  s.clock().UTC().Format(time.RFC3339),
		"fund_id":    s.fundID,
		"member_id":  memberID,
		"investor_profile": map[string]any{
			"reference_id":      req.TransactionID,
			"legal_name":        req.InvestorProfile["legal_name"],
			"tax_residency":     req.InvestorProfile["tax_residency"],
			"kyc_status":        warranty.KYCVerified,
			"reliance_provider": req.CounterpartyID,
		},
		"manual_review_required": manualReview,
	}

	bg := context.WithoutCancel(ctx)
	s.handoffs.Add(1)
	go func() {
		defer s.handoffs.Done()
		if _, err := s.notifier.Submit(bg, notify.EventInvestorVerified, payload); err != nil {
			s.logger.ErrorContext(bg, "CRITICAL: administrator handoff not accepted",
				"transaction_id", req.TransactionID,
				"error", err,
			)
		}
	}()
}

// Wait blocks until background handoffs started so far have been accepted.
func (s *Service) Wait() {
	s.handoffs.Wait()
}
